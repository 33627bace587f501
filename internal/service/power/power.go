// Package power restarts the host once provisioning needs a reboot.
package power

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	"github.com/oshokin/coral-setup/internal/system"
)

// ErrUnsupportedOS indicates the current OS cannot be rebooted by this tool.
var ErrUnsupportedOS = errors.New("unsupported operating system")

// Reboot asks the OS to restart now through the privileged `reboot` command.
func Reboot(ctx context.Context, executor system.Executor) error {
	if runtime.GOOS != "linux" {
		return fmt.Errorf("reboot on %s: %w", runtime.GOOS, ErrUnsupportedOS)
	}

	return executor.Run(ctx, system.Command{Name: "reboot", Privileged: true})
}
