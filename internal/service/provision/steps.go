package provision

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/oshokin/coral-setup/internal/config"
	"github.com/oshokin/coral-setup/internal/domain/step"
)

// Step names, in sequence order.
const (
	StepEnableCamera           = "enable-camera"
	StepPinPython              = "pin-python"
	StepRegisterRepository     = "register-repository"
	StepDownloadPackages       = "download-packages"
	StepForceInstallPackages   = "force-install-packages"
	StepRepairDependencies     = "repair-dependencies"
	StepRemovePackageDir       = "remove-package-dir"
	StepInstallPythonLibraries = "install-python-libraries"
	StepInstallSDK             = "install-sdk"
)

// provisioner binds a plan to the host it is applied to.
type provisioner struct {
	cfg  *config.Config
	host *Host
}

// Steps builds the ordered sequence for cfg. The host is only used when the
// steps run, so planning may pass an empty Host.
func Steps(cfg *config.Config, host *Host) []step.Step {
	p := &provisioner{cfg: cfg, host: host}

	steps := []step.Step{
		p.cameraStep(),
		p.pinPythonStep(),
		p.registerRepositoryStep(),
		p.downloadPackagesStep(),
		p.forceInstallStep(),
		p.repairDependenciesStep(),
		p.removePackageDirStep(),
		p.pythonLibrariesStep(),
		p.sdkStep(),
	}

	seen := make(map[string]int, len(steps)+len(cfg.Models.Scripts))
	for _, s := range steps {
		seen[s.Name]++
	}

	for _, script := range cfg.Models.Scripts {
		s := p.modelStep(script)

		// Scripts sharing a directory would otherwise share a report entry.
		base := s.Name
		for seen[s.Name] > 0 {
			seen[base]++
			s.Name = fmt.Sprintf("%s-%d", base, seen[base])
		}

		seen[s.Name]++
		steps = append(steps, s)
	}

	return steps
}

// modelStepName derives a step name from the script's directory inside the
// SDK, e.g. examples/download_models.sh becomes fetch-example-models.
func modelStepName(script string) string {
	dir := filepath.Dir(filepath.Clean(script))
	if dir == "." || dir == "/" {
		return "fetch-" + strings.TrimSuffix(filepath.Base(script), filepath.Ext(script))
	}

	group := filepath.Base(dir)

	return fmt.Sprintf("fetch-%s-models", strings.TrimSuffix(group, "s"))
}
