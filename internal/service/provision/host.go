package provision

import (
	"context"
	"net/http"
	"os"

	"github.com/oshokin/coral-setup/internal/service/common"
	"github.com/oshokin/coral-setup/internal/service/guard"
	"github.com/oshokin/coral-setup/internal/service/power"
	"github.com/oshokin/coral-setup/internal/system"
)

// FileSystem writes host files that may need elevated privileges.
type FileSystem interface {
	WriteFile(ctx context.Context, path string, data []byte, mode os.FileMode) error
	Symlink(ctx context.Context, target, link string) error
}

// Host bundles the collaborators a sequence acts through.
type Host struct {
	// Exec runs external tools.
	Exec system.Executor
	// Files writes the source list and interpreter links.
	Files FileSystem
	// HTTP fetches the repository signing key.
	HTTP *http.Client
	// Confirm asks the operator whether to reboot.
	Confirm common.ConfirmFunc
	// Reboot restarts the machine.
	Reboot func(ctx context.Context) error
	// Lock guards against concurrent runs; the returned func releases it.
	Lock func(ctx context.Context, markerPath string) (func(), error)
}

// NewHost returns a Host acting on the local machine through the shell.
func NewHost(confirm common.ConfirmFunc) *Host {
	shell := system.NewShell()

	return &Host{
		Exec:    shell,
		Files:   &system.Files{Exec: shell},
		HTTP:    http.DefaultClient,
		Confirm: confirm,
		Reboot: func(ctx context.Context) error {
			return power.Reboot(ctx, shell)
		},
		Lock: func(ctx context.Context, markerPath string) (func(), error) {
			g := &guard.Guard{MarkerPath: markerPath}
			return g.Acquire(ctx)
		},
	}
}

func privileged(name string, args ...string) system.Command {
	return system.Command{Name: name, Args: args, Privileged: true}
}

func unprivileged(name string, args ...string) system.Command {
	return system.Command{Name: name, Args: args}
}
