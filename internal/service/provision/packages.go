package provision

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/oshokin/coral-setup/internal/domain/step"
	"github.com/oshokin/coral-setup/internal/logger"
	"github.com/oshokin/coral-setup/internal/system"
)

const downloadDirMode = 0o755

var errNoPackageFiles = errors.New("no package files downloaded")

func (p *provisioner) downloadPackagesStep() step.Step {
	dir := p.cfg.Packages.DownloadDir

	plan := []string{"recreate " + dir}
	for _, name := range p.cfg.Packages.Names {
		plan = append(plan, downloadCommand(dir, name).Display())
	}

	return step.Step{
		Name:        StepDownloadPackages,
		Description: "Download Coral packages",
		Policy:      step.PolicyFatal,
		Plan:        plan,
		Run:         p.downloadPackages,
	}
}

// downloadPackages fetches every package file into a fresh scratch
// directory, one at a time, in list order.
func (p *provisioner) downloadPackages(ctx context.Context) error {
	dir := p.cfg.Packages.DownloadDir

	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("clear %s: %w", dir, err)
	}

	if err := os.MkdirAll(dir, downloadDirMode); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}

	for _, name := range p.cfg.Packages.Names {
		logger.InfoKV(ctx, "Downloading package", "package", name)

		if err := p.host.Exec.Run(ctx, downloadCommand(dir, name)); err != nil {
			return fmt.Errorf("download %s: %w", name, err)
		}
	}

	return nil
}

func downloadCommand(dir, name string) system.Command {
	cmd := unprivileged("apt-get", "download", name)
	cmd.Dir = dir

	return cmd
}

func (p *provisioner) forceInstallStep() step.Step {
	return step.Step{
		Name:        StepForceInstallPackages,
		Description: "Force-install downloaded packages, ignoring conflicts",
		Policy:      step.PolicyBestEffort,
		Plan: []string{
			privileged("dpkg", "-i", "--force-all", filepath.Join(p.cfg.Packages.DownloadDir, "*.deb")).Display(),
		},
		Run: p.forceInstall,
	}
}

// forceInstall installs all package files in one batch with every dpkg
// conflict check disabled. It may leave the package database inconsistent.
func (p *provisioner) forceInstall(ctx context.Context) error {
	files, err := filepath.Glob(filepath.Join(p.cfg.Packages.DownloadDir, "*.deb"))
	if err != nil {
		return fmt.Errorf("list package files: %w", err)
	}

	if len(files) == 0 {
		return fmt.Errorf("%s: %w", p.cfg.Packages.DownloadDir, errNoPackageFiles)
	}

	slices.Sort(files)

	logger.InfoKV(ctx, "Forcing installation of packages", "files", len(files))

	args := append([]string{"-i", "--force-all"}, files...)
	if err = p.host.Exec.Run(ctx, privileged("dpkg", args...)); err != nil {
		return fmt.Errorf("force install: %w", err)
	}

	return nil
}

func (p *provisioner) repairDependenciesStep() step.Step {
	return step.Step{
		Name:        StepRepairDependencies,
		Description: "Repair broken dependencies",
		Policy:      step.PolicyFatal,
		Plan:        []string{aptCommand("install", "-f", "-y").Display()},
		Run: func(ctx context.Context) error {
			if err := p.host.Exec.Run(ctx, aptCommand("install", "-f", "-y")); err != nil {
				return fmt.Errorf("repair dependencies: %w", err)
			}

			return nil
		},
	}
}

func (p *provisioner) removePackageDirStep() step.Step {
	dir := p.cfg.Packages.DownloadDir

	return step.Step{
		Name:        StepRemovePackageDir,
		Description: "Remove the package download directory",
		Policy:      step.PolicyBestEffort,
		Always:      true,
		Precondition: func(context.Context) (bool, string) {
			if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
				return false, "nothing to remove"
			}

			return true, ""
		},
		Plan: []string{"remove " + dir},
		Run: func(ctx context.Context) error {
			if err := os.RemoveAll(dir); err != nil {
				return fmt.Errorf("remove %s: %w", dir, err)
			}

			logger.DebugKV(ctx, "Package directory removed", "path", dir)

			return nil
		},
	}
}
