package provision

import (
	"context"
	"errors"
	"fmt"

	"github.com/oshokin/coral-setup/internal/domain/step"
	"github.com/oshokin/coral-setup/internal/logger"
)

// ErrInterpreterMissing is returned when the pinned interpreter is not on PATH.
// It has to be built and installed outside of this tool.
var ErrInterpreterMissing = errors.New("pinned python interpreter is not installed")

func (p *provisioner) pinPythonStep() step.Step {
	py := p.cfg.Python

	return step.Step{
		Name:        StepPinPython,
		Description: fmt.Sprintf("Make Python %s the system default", py.Version),
		Policy:      step.PolicyFatal,
		Plan: []string{
			"require " + py.Binary + " on PATH",
			privileged("ln", "-sf", py.Interpreter, py.InterpreterLink).Display(),
			privileged("ln", "-sf", py.Pip, py.PipLink).Display(),
			unprivileged(py.InterpreterLink, "--version").Display(),
		},
		Run: p.pinPython,
	}
}

func (p *provisioner) pinPython(ctx context.Context) error {
	py := p.cfg.Python

	if _, err := p.host.Exec.LookPath(py.Binary); err != nil {
		logger.Error(ctx, fmt.Sprintf("Python %s is not installed. Please compile and install it first.", py.Version))
		return fmt.Errorf("%s: %w", py.Binary, ErrInterpreterMissing)
	}

	if err := p.host.Files.Symlink(ctx, py.Interpreter, py.InterpreterLink); err != nil {
		return err
	}

	if err := p.host.Files.Symlink(ctx, py.Pip, py.PipLink); err != nil {
		return err
	}

	resolved, err := p.host.Exec.Output(ctx, unprivileged(py.InterpreterLink, "--version"))
	if err != nil {
		logger.WarnKV(ctx, "Unable to confirm python version", "error", err)
		return nil
	}

	logger.InfoKV(ctx, "Python version", "version", resolved)

	return nil
}

// python runs the pinned interpreter with args.
func (p *provisioner) python(ctx context.Context, args ...string) error {
	return p.host.Exec.Run(ctx, unprivileged(p.cfg.Python.InterpreterLink, args...))
}

func (p *provisioner) pythonLibrariesStep() step.Step {
	var (
		link    = p.cfg.Python.InterpreterLink
		install = append([]string{"-m", "pip", "install"}, p.cfg.Pip.Packages...)
	)

	plan := []string{unprivileged(link, "-m", "pip", "install", "--upgrade", "pip").Display()}
	if len(p.cfg.Pip.Packages) > 0 {
		plan = append(plan, unprivileged(link, install...).Display())
	}

	return step.Step{
		Name:        StepInstallPythonLibraries,
		Description: "Upgrade pip and install Python libraries",
		Policy:      step.PolicyFatal,
		Plan:        plan,
		Run: func(ctx context.Context) error {
			if err := p.python(ctx, "-m", "pip", "install", "--upgrade", "pip"); err != nil {
				return fmt.Errorf("upgrade pip: %w", err)
			}

			if len(p.cfg.Pip.Packages) == 0 {
				return nil
			}

			if err := p.python(ctx, install...); err != nil {
				return fmt.Errorf("install python libraries: %w", err)
			}

			return nil
		},
	}
}
