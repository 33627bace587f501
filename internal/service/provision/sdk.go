package provision

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/oshokin/coral-setup/internal/domain/step"
	"github.com/oshokin/coral-setup/internal/logger"
)

func (p *provisioner) sdkStep() step.Step {
	sdk := p.cfg.SDK

	return step.Step{
		Name:        StepInstallSDK,
		Description: "Clone and install the AIY Maker Kit",
		Policy:      step.PolicyFatal,
		Plan: []string{
			unprivileged("git", "clone", sdk.URL, sdk.Dir).Display(),
			unprivileged(p.cfg.Python.InterpreterLink, "-m", "pip", "install", sdk.Dir).Display(),
		},
		Run: p.installSDK,
	}
}

// installSDK clones the SDK and installs it with the pinned interpreter.
// An existing clone makes git fail, which halts the sequence.
func (p *provisioner) installSDK(ctx context.Context) error {
	sdk := p.cfg.SDK

	if err := p.host.Exec.Run(ctx, unprivileged("git", "clone", sdk.URL, sdk.Dir)); err != nil {
		return fmt.Errorf("clone %s: %w", sdk.URL, err)
	}

	logger.InfoKV(ctx, "SDK cloned", "path", sdk.Dir)

	if err := p.python(ctx, "-m", "pip", "install", sdk.Dir); err != nil {
		return fmt.Errorf("install sdk: %w", err)
	}

	return nil
}

func (p *provisioner) modelStep(script string) step.Step {
	path := filepath.Join(p.cfg.SDK.Dir, script)

	return step.Step{
		Name:        modelStepName(script),
		Description: "Download models with " + script,
		Policy:      step.PolicyBestEffort,
		Plan:        []string{unprivileged("bash", path).Display()},
		Run: func(ctx context.Context) error {
			if err := p.host.Exec.Run(ctx, unprivileged("bash", path)); err != nil {
				return fmt.Errorf("download models: %w", err)
			}

			return nil
		},
	}
}
