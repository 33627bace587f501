//nolint:revive,nolintlint // Package name "common" is intentional for shared helpers.
package common

import (
	"fmt"
	"os"
	"os/user"

	"github.com/oshokin/coral-setup/internal/domain/step"
)

// DetectActor gathers host and user information for the run report.
// Under sudo the invoking operator is reported rather than root.
func DetectActor() (*step.Actor, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return nil, fmt.Errorf("hostname: %w", err)
	}

	if sudoUser := os.Getenv("SUDO_USER"); sudoUser != "" {
		return &step.Actor{Hostname: hostname, Username: sudoUser}, nil
	}

	currentUser, err := user.Current()
	if err != nil {
		return nil, fmt.Errorf("current user: %w", err)
	}

	return &step.Actor{
		Hostname: hostname,
		Username: currentUser.Username,
	}, nil
}
