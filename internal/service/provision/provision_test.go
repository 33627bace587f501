package provision

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oshokin/coral-setup/internal/config"
	"github.com/oshokin/coral-setup/internal/domain/step"
	"github.com/oshokin/coral-setup/internal/repository/report"
	"github.com/oshokin/coral-setup/internal/system"
	"github.com/oshokin/coral-setup/internal/system/systemtest"
)

var signingKey = []byte("-----BEGIN PGP PUBLIC KEY BLOCK-----\ncoral\n-----END PGP PUBLIC KEY BLOCK-----\n")

// fixture is a provisioning target where every external tool is scripted
// and every host path lives under a temporary directory.
type fixture struct {
	cfg  *config.Config
	rec  *systemtest.Recorder
	host *Host

	// answer is returned by the reboot prompt.
	answer  bool
	prompts int
	reboots int
	// keyHits and keyStatus are shared with the key server goroutine.
	keyHits   atomic.Int32
	keyStatus atomic.Int32
}

func newFixture(t *testing.T, programs ...string) *fixture {
	t.Helper()

	f := new(fixture)
	f.keyStatus.Store(http.StatusOK)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		f.keyHits.Add(1)

		w.WriteHeader(int(f.keyStatus.Load()))
		_, _ = w.Write(signingKey)
	}))
	t.Cleanup(server.Close)

	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "bin"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sources.list.d"), 0o755))

	cfg := config.Default()
	cfg.Python.InterpreterLink = filepath.Join(dir, "bin", "python3")
	cfg.Python.PipLink = filepath.Join(dir, "bin", "pip3")
	cfg.Repository.ListFile = filepath.Join(dir, "sources.list.d", "coral-edgetpu.list")
	cfg.Repository.KeyURL = server.URL + "/apt/doc/apt-key.gpg"
	cfg.Packages.DownloadDir = filepath.Join(dir, "coral-pkgs")
	cfg.SDK.Dir = filepath.Join(dir, "aiy-maker-kit")
	cfg.LockFile = filepath.Join(dir, "coral-setup.marker")
	require.NoError(t, config.Validate(cfg))

	rec := systemtest.NewRecorder(programs...)
	rec.On("apt-get download", systemtest.Response{
		Do: func(cmd system.Command) {
			name := cmd.Args[len(cmd.Args)-1] + "_1.0_armhf.deb"
			_ = os.WriteFile(filepath.Join(cmd.Dir, name), []byte("!<arch>\n"), 0o600)
		},
	})
	rec.On(cfg.Python.InterpreterLink+" --version", systemtest.Response{Output: "Python 3.9.18"})

	f.cfg = cfg
	f.rec = rec
	f.host = &Host{
		Exec:  rec,
		Files: &system.Files{Exec: rec},
		HTTP:  server.Client(),
		Confirm: func(context.Context, string) (bool, error) {
			f.prompts++
			return f.answer, nil
		},
		Reboot: func(context.Context) error {
			f.reboots++
			return nil
		},
	}

	return f
}

func (f *fixture) run(t *testing.T) (*step.Report, error) {
	t.Helper()

	return Provision(context.Background(), f.cfg, &Options{}, f.host)
}

// ranAny reports whether any recorded command runs one of the programs.
func (f *fixture) ranAny(programs ...string) bool {
	for _, c := range f.rec.Calls() {
		for _, p := range programs {
			if c.Command.Name == p {
				return true
			}
		}
	}

	return false
}

// requireOrder checks that commands with the given prefixes ran in order.
func requireOrder(t *testing.T, rec *systemtest.Recorder, prefixes ...string) {
	t.Helper()

	calls := rec.Calls()
	next := 0

	for _, c := range calls {
		if next < len(prefixes) && strings.HasPrefix(c.Command.String(), prefixes[next]) {
			next++
		}
	}

	require.Equal(t, len(prefixes), next, "missing or out of order: %v", prefixes[min(next, len(prefixes)-1)])
}

func requireStatus(t *testing.T, r *step.Report, name string, want step.Status) {
	t.Helper()

	o, ok := r.Outcome(name)
	require.True(t, ok, name)
	require.Equal(t, want, o.Status, "%s: %s", name, o.Detail)
}

// TestProvision_CameraToolAbsent skips the camera and provisions everything else.
func TestProvision_CameraToolAbsent(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "python3.9")

	r, err := f.run(t)
	require.NoError(t, err)
	require.Equal(t, 0, system.ExitCode(err))

	requireStatus(t, r, StepEnableCamera, step.StatusSkipped)
	requireStatus(t, r, StepPinPython, step.StatusSucceeded)
	require.Zero(t, r.Count(step.StatusFailed))
	require.Zero(t, r.Count(step.StatusSuppressed))
	require.False(t, f.ranAny("raspi-config"))

	requireOrder(t, f.rec,
		"apt-key add -",
		"apt-get update --allow-releaseinfo-change",
		"apt-get download libedgetpu1-max",
		"apt-get download unzip",
		"dpkg -i --force-all",
		"apt-get install -f -y",
		f.cfg.Python.InterpreterLink+" -m pip install --upgrade pip",
		f.cfg.Python.InterpreterLink+" -m pip install pynput tflite-support",
		"git clone https://github.com/google-coral/aiy-maker-kit",
		f.cfg.Python.InterpreterLink+" -m pip install "+f.cfg.SDK.Dir,
		"bash "+filepath.Join(f.cfg.SDK.Dir, "examples/download_models.sh"),
		"bash "+filepath.Join(f.cfg.SDK.Dir, "projects/download_models.sh"),
	)

	importKey, ok := f.rec.Find("apt-key add -")
	require.True(t, ok)
	require.True(t, importKey.Command.Privileged)
	require.Equal(t, signingKey, importKey.Stdin)

	target, err := os.Readlink(f.cfg.Python.InterpreterLink)
	require.NoError(t, err)
	require.Equal(t, "/usr/local/bin/python3.9", target)

	target, err = os.Readlink(f.cfg.Python.PipLink)
	require.NoError(t, err)
	require.Equal(t, "/usr/local/bin/pip3.9", target)

	install, ok := f.rec.Find("dpkg -i --force-all")
	require.True(t, ok)
	require.Len(t, install.Command.Args, 2+len(f.cfg.Packages.Names))

	require.NoDirExists(t, f.cfg.Packages.DownloadDir)
}

// TestProvision_CameraAlreadyEnabled neither mutates the flag nor prompts.
func TestProvision_CameraAlreadyEnabled(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "raspi-config", "python3.9")
	f.rec.On("raspi-config nonint get_camera", systemtest.Response{Output: "0"})

	r, err := f.run(t)
	require.NoError(t, err)

	requireStatus(t, r, StepEnableCamera, step.StatusSucceeded)
	require.False(t, f.rec.Ran("raspi-config nonint do_camera"))
	require.Zero(t, f.prompts)
	require.Zero(t, f.reboots)
	require.Contains(t, f.rec.Commands(), "sudo raspi-config nonint get_camera")
}

// TestProvision_InterpreterMissing exits non-zero before any package manager runs.
func TestProvision_InterpreterMissing(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "raspi-config")
	f.rec.On("raspi-config nonint get_camera", systemtest.Response{Output: "0"})

	r, err := f.run(t)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrInterpreterMissing)
	require.NotZero(t, system.ExitCode(err))

	var halt *step.HaltError
	require.ErrorAs(t, err, &halt)
	require.Equal(t, StepPinPython, halt.Step)

	require.False(t, f.ranAny("apt-get", "apt-key", "dpkg", "git", "bash"))
	require.Zero(t, f.keyHits.Load())
	require.NoFileExists(t, f.cfg.Repository.ListFile)
	requireStatus(t, r, StepRegisterRepository, step.StatusNotRun)
	requireStatus(t, r, StepRemovePackageDir, step.StatusSkipped)
	requireStatus(t, r, "fetch-project-models", step.StatusNotRun)
}

// TestProvision_RebootDeclined stops with success after the camera step.
func TestProvision_RebootDeclined(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "raspi-config", "python3.9")
	f.rec.On("raspi-config nonint get_camera", systemtest.Response{Output: "1"})

	r, err := f.run(t)
	require.NoError(t, err)
	require.Equal(t, 0, system.ExitCode(err))

	require.Equal(t, StepEnableCamera, r.StoppedBy)
	requireStatus(t, r, StepEnableCamera, step.StatusStopped)
	require.Equal(t, 1, f.prompts)
	require.Zero(t, f.reboots)
	require.Equal(t, []string{
		"sudo raspi-config nonint get_camera",
		"sudo raspi-config nonint do_camera 0",
	}, f.rec.Commands())

	for _, o := range r.Outcomes[1:] {
		require.Contains(t, []step.Status{step.StatusNotRun, step.StatusSkipped}, o.Status, o.Step)
	}

	_, err = os.Lstat(f.cfg.Python.InterpreterLink)
	require.ErrorIs(t, err, os.ErrNotExist)
}

// TestProvision_RebootAccepted reboots and stops the sequence.
func TestProvision_RebootAccepted(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "raspi-config", "python3.9")
	f.answer = true
	f.rec.On("raspi-config nonint get_camera", systemtest.Response{Output: "1"})

	r, err := f.run(t)
	require.NoError(t, err)
	require.Equal(t, 1, f.reboots)
	require.Equal(t, StepEnableCamera, r.StoppedBy)
	require.False(t, f.ranAny("apt-get"))
}

// TestProvision_UnexpectedCameraFlag halts on output other than 0 or 1.
func TestProvision_UnexpectedCameraFlag(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "raspi-config", "python3.9")
	f.rec.On("raspi-config nonint get_camera", systemtest.Response{Output: "unknown"})

	_, err := f.run(t)
	require.ErrorIs(t, err, errUnexpectedCameraFlag)
	require.Zero(t, f.prompts)
}

// TestProvision_RerunKeepsSingleSourceEntry overwrites the source list.
func TestProvision_RerunKeepsSingleSourceEntry(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "python3.9")

	for i := 0; i < 2; i++ {
		_, err := f.run(t)
		require.NoError(t, err)
	}

	contents, err := os.ReadFile(f.cfg.Repository.ListFile)
	require.NoError(t, err)
	require.Equal(t, f.cfg.Repository.Entry+"\n", string(contents))
	require.EqualValues(t, 2, f.keyHits.Load())

	target, err := os.Readlink(f.cfg.Python.InterpreterLink)
	require.NoError(t, err)
	require.Equal(t, f.cfg.Python.Interpreter, target)
}

// TestProvision_ForceInstallFailureIsSuppressed continues after dpkg fails
// when the repair pass succeeds.
func TestProvision_ForceInstallFailureIsSuppressed(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "python3.9")
	f.rec.Fail("dpkg -i", 1)

	r, err := f.run(t)
	require.NoError(t, err)

	requireStatus(t, r, StepForceInstallPackages, step.StatusSuppressed)
	requireStatus(t, r, StepRepairDependencies, step.StatusSucceeded)
	requireStatus(t, r, StepInstallPythonLibraries, step.StatusSucceeded)
	require.True(t, f.rec.Ran(f.cfg.Python.InterpreterLink+" -m pip install --upgrade pip"))
	require.Error(t, r.Suppressed())
}

// TestProvision_DoubleFailureHalts reports both the suppressed install
// failure and the halting repair failure.
func TestProvision_DoubleFailureHalts(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "python3.9")
	f.rec.Fail("dpkg -i", 1)
	f.rec.Fail("apt-get install -f", 100)

	r, err := f.run(t)
	require.Error(t, err)
	require.Equal(t, 100, system.ExitCode(err))

	var halt *step.HaltError
	require.ErrorAs(t, err, &halt)
	require.Equal(t, StepRepairDependencies, halt.Step)
	require.Len(t, halt.SuppressedErrors(), 1)
	require.Contains(t, halt.SuppressedErrors()[0].Error(), StepForceInstallPackages)

	requireStatus(t, r, StepForceInstallPackages, step.StatusSuppressed)
	requireStatus(t, r, StepRepairDependencies, step.StatusFailed)
	requireStatus(t, r, StepRemovePackageDir, step.StatusSucceeded)
	requireStatus(t, r, StepInstallPythonLibraries, step.StatusNotRun)
	require.False(t, f.ranAny("git"))
	require.NoDirExists(t, f.cfg.Packages.DownloadDir)
}

// TestProvision_NothingDownloaded treats an empty batch as a suppressed install failure.
func TestProvision_NothingDownloaded(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "python3.9")
	f.rec.On("apt-get download", systemtest.Response{})

	r, err := f.run(t)
	require.NoError(t, err)

	o, ok := r.Outcome(StepForceInstallPackages)
	require.True(t, ok)
	require.Equal(t, step.StatusSuppressed, o.Status)
	require.ErrorIs(t, o.Err, errNoPackageFiles)
	require.False(t, f.ranAny("dpkg"))
}

// TestProvision_DownloadFailureHalts stops at the first failed download.
func TestProvision_DownloadFailureHalts(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "python3.9")
	f.rec.Fail("apt-get download python3-pyaudio", 100)

	r, err := f.run(t)
	require.Error(t, err)
	require.Equal(t, 100, system.ExitCode(err))
	requireStatus(t, r, StepDownloadPackages, step.StatusFailed)
	require.False(t, f.rec.Ran("apt-get download python3-opencv"))
	require.False(t, f.ranAny("dpkg"))
	requireStatus(t, r, StepRemovePackageDir, step.StatusSucceeded)
}

// TestProvision_KeyFetchFailure halts before refreshing the index.
func TestProvision_KeyFetchFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "python3.9")
	f.keyStatus.Store(http.StatusNotFound)

	r, err := f.run(t)
	require.ErrorIs(t, err, errBadHTTPStatus)
	requireStatus(t, r, StepRegisterRepository, step.StatusFailed)
	require.False(t, f.ranAny("apt-key", "apt-get"))
	require.FileExists(t, f.cfg.Repository.ListFile)
}

// TestProvision_ModelFailuresAreSuppressed completes despite both scripts failing.
func TestProvision_ModelFailuresAreSuppressed(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "python3.9")
	f.rec.Fail("bash", 2)

	r, err := f.run(t)
	require.NoError(t, err)
	requireStatus(t, r, "fetch-example-models", step.StatusSuppressed)
	requireStatus(t, r, "fetch-project-models", step.StatusSuppressed)
	require.Len(t, r.Outcomes, 11)
}

// TestProvision_SDKAlreadyCloned halts when git refuses an existing directory.
func TestProvision_SDKAlreadyCloned(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "python3.9")
	f.rec.Fail("git clone", 128)

	r, err := f.run(t)
	require.Equal(t, 128, system.ExitCode(err))
	requireStatus(t, r, StepInstallSDK, step.StatusFailed)
	requireStatus(t, r, "fetch-example-models", step.StatusNotRun)
}

// TestProvision_DryRun changes nothing on the host.
func TestProvision_DryRun(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "raspi-config", "python3.9")
	f.host.Lock = func(context.Context, string) (func(), error) {
		return nil, errors.New("lock must not be taken in a dry run")
	}

	r, err := Provision(context.Background(), f.cfg, &Options{DryRun: true}, f.host)
	require.NoError(t, err)
	require.True(t, r.DryRun)
	require.Equal(t, len(r.Outcomes), r.Count(step.StatusPlanned))
	require.Empty(t, f.rec.Calls())
	require.Zero(t, f.keyHits.Load())
	require.NoFileExists(t, f.cfg.Repository.ListFile)
}

// TestProvision_LockRefused does not start when another run holds the lock.
func TestProvision_LockRefused(t *testing.T) {
	t.Parallel()

	errBusy := errors.New("busy")

	f := newFixture(t, "python3.9")
	f.host.Lock = func(context.Context, string) (func(), error) {
		return nil, errBusy
	}

	r, err := f.run(t)
	require.ErrorIs(t, err, errBusy)
	require.Nil(t, r)
	require.Empty(t, f.rec.Calls())
}

// TestProvision_SkipGuard runs without taking the lock when asked to.
func TestProvision_SkipGuard(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "python3.9")
	f.host.Lock = func(context.Context, string) (func(), error) {
		return nil, errors.New("lock must not be taken when the guard is skipped")
	}

	r, err := Provision(context.Background(), f.cfg, &Options{SkipGuard: true}, f.host)
	require.NoError(t, err)
	require.Zero(t, r.Count(step.StatusFailed))
	require.True(t, f.rec.Ran("apt-get install -f -y"))
}

// TestProvision_SavesReport writes the outcome of every step.
func TestProvision_SavesReport(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "python3.9")
	path := filepath.Join(t.TempDir(), "last-run.yaml")

	released := false
	f.host.Lock = func(_ context.Context, marker string) (func(), error) {
		require.Equal(t, f.cfg.LockFile, marker)
		return func() { released = true }, nil
	}

	_, err := Provision(context.Background(), f.cfg, &Options{ReportPath: path}, f.host)
	require.NoError(t, err)
	require.True(t, released)

	saved, err := report.NewFileRepository(path).Load(context.Background())
	require.NoError(t, err)
	require.Len(t, saved.Outcomes, 11)
	require.Equal(t, StepEnableCamera, saved.Outcomes[0].Step)
	require.Equal(t, step.StatusSkipped, saved.Outcomes[0].Status)
}

// TestWritePlan lists every step with its policy and commands.
func TestWritePlan(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer

	require.NoError(t, WritePlan(&out, Steps(config.Default(), &Host{})))

	plan := out.String()
	require.Contains(t, plan, " 1. enable-camera [fatal]")
	require.Contains(t, plan, " 5. force-install-packages [best-effort]")
	require.Contains(t, plan, " 7. remove-package-dir [best-effort, always]")
	require.Contains(t, plan, "11. fetch-project-models [best-effort]")
	require.Contains(t, plan, "sudo dpkg -i --force-all")
	require.Contains(t, plan, "sudo apt-get update --allow-releaseinfo-change")
}

// TestSteps_UniqueModelStepNames keeps every model script in its own report entry.
func TestSteps_UniqueModelStepNames(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Models.Scripts = []string{
		"examples/download_models.sh",
		"examples/download_extra_models.sh",
		"examples/download_models.sh",
		"projects/download_models.sh",
	}

	steps := Steps(cfg, new(Host))

	names := make([]string, 0, len(steps))
	for _, s := range steps {
		names = append(names, s.Name)
	}

	require.Equal(t, []string{
		"fetch-example-models",
		"fetch-example-models-2",
		"fetch-example-models-3",
		"fetch-project-models",
	}, names[len(names)-4:])

	unique := make(map[string]struct{}, len(names))
	for _, name := range names {
		unique[name] = struct{}{}
	}

	require.Len(t, unique, len(cfg.Models.Scripts)+9)
}

func TestModelStepName(t *testing.T) {
	t.Parallel()

	require.Equal(t, "fetch-example-models", modelStepName("examples/download_models.sh"))
	require.Equal(t, "fetch-project-models", modelStepName("projects/download_models.sh"))
	require.Equal(t, "fetch-models", modelStepName("models.sh"))
}
