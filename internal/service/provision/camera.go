package provision

import (
	"context"
	"errors"
	"fmt"

	"github.com/oshokin/coral-setup/internal/domain/step"
	"github.com/oshokin/coral-setup/internal/logger"
)

const (
	cameraEnabled  = "0"
	cameraDisabled = "1"

	rebootQuestion = "Reboot now? (y/n): "
)

var errUnexpectedCameraFlag = errors.New("unexpected camera flag")

func (p *provisioner) cameraStep() step.Step {
	tool := p.cfg.Camera.Tool

	return step.Step{
		Name:        StepEnableCamera,
		Description: "Enable the camera interface",
		Policy:      step.PolicyFatal,
		Precondition: func(context.Context) (bool, string) {
			if _, err := p.host.Exec.LookPath(tool); err != nil {
				return false, "not running Raspberry Pi OS"
			}

			return true, ""
		},
		Plan: []string{
			privileged(tool, "nonint", "get_camera").Display(),
			privileged(tool, "nonint", "do_camera", "0").Display() + " (only when disabled, then ask to reboot)",
		},
		Run: p.enableCamera,
	}
}

// enableCamera turns the camera on when it is off. Turning it on needs a
// reboot, so the sequence stops there either way.
func (p *provisioner) enableCamera(ctx context.Context) error {
	tool := p.cfg.Camera.Tool

	flag, err := p.host.Exec.Output(ctx, privileged(tool, "nonint", "get_camera"))
	if err != nil {
		return fmt.Errorf("read camera flag: %w", err)
	}

	switch flag {
	case cameraEnabled:
		logger.Info(ctx, "Camera is already enabled.")
		return nil
	case cameraDisabled:
	default:
		return fmt.Errorf("%s returned %q: %w", tool, flag, errUnexpectedCameraFlag)
	}

	if err = p.host.Exec.Run(ctx, privileged(tool, "nonint", "do_camera", "0")); err != nil {
		return fmt.Errorf("enable camera: %w", err)
	}

	logger.Info(ctx, "Camera is now enabled. Reboot is required to take effect.")

	reboot, err := p.host.Confirm(ctx, rebootQuestion)
	if err != nil {
		return fmt.Errorf("ask for reboot: %w", err)
	}

	if !reboot {
		logger.Info(ctx, "Reboot later to finish camera enablement.")
		return fmt.Errorf("%w: reboot deferred by operator", step.ErrStop)
	}

	if err = p.host.Reboot(ctx); err != nil {
		return fmt.Errorf("reboot: %w", err)
	}

	return fmt.Errorf("%w: rebooting", step.ErrStop)
}
