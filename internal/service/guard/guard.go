package guard

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/mitchellh/go-ps"
	"golang.org/x/sys/unix"

	"github.com/oshokin/coral-setup/internal/logger"
)

var (
	// ErrPackageManagerBusy is returned when apt or dpkg is already running.
	ErrPackageManagerBusy = errors.New("package manager is busy")
	// ErrAlreadyRunning is returned when another instance holds the marker.
	ErrAlreadyRunning = errors.New("another provisioning run is in progress")
)

// packageManagers are executable names as reported by the process table.
// Helpers that idle in the background, such as unattended-upgrade-shutdown,
// are left out; real activity from them shows up as a held dpkg lock.
//
//nolint:gochecknoglobals // Read-only lookup table.
var packageManagers = map[string]struct{}{
	"apt":      {},
	"apt-get":  {},
	"aptitude": {},
	"dpkg":     {},
}

// DpkgLocks are the lock files dpkg and its frontends hold while working.
//
//nolint:gochecknoglobals // Read-only list.
var DpkgLocks = []string{
	"/var/lib/dpkg/lock-frontend",
	"/var/lib/dpkg/lock",
}

// LockHolderFunc reports the pid holding a write lock on path, if any.
type LockHolderFunc func(path string) (pid int, held bool, err error)

// Guard checks the process table and the dpkg locks, and owns the run marker.
type Guard struct {
	// MarkerPath holds the PID of the running instance.
	MarkerPath string
	// Processes lists running processes; nil means ps.Processes.
	Processes func() ([]ps.Process, error)
	// FindProcess looks up a PID; nil means ps.FindProcess.
	FindProcess func(pid int) (ps.Process, error)
	// Locks are probed for holders; nil means DpkgLocks.
	Locks []string
	// LockHolder probes one lock; nil means FcntlLockHolder.
	LockHolder LockHolderFunc
	// PID is the current process id; zero means os.Getpid().
	PID int
}

// Acquire verifies no package manager or other instance is running and
// creates the marker. The returned release func removes it.
func (g *Guard) Acquire(ctx context.Context) (func(), error) {
	if err := g.checkPackageManagers(ctx); err != nil {
		return nil, err
	}

	if err := g.checkLocks(ctx); err != nil {
		return nil, err
	}

	marker := filepath.Clean(g.MarkerPath)
	if err := g.createMarker(ctx, marker); err != nil {
		return nil, err
	}

	logger.DebugKV(ctx, "Run marker written", "path", marker)

	return func() {
		if err := os.Remove(marker); err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.WarnKV(ctx, "Unable to remove run marker", "path", marker, "error", err)
		}
	}, nil
}

// createMarker creates the marker exclusively. An existing marker is only
// replaced when its process is gone.
func (g *Guard) createMarker(ctx context.Context, marker string) error {
	err := writeMarker(marker, g.pid())
	if !errors.Is(err, os.ErrExist) {
		return err
	}

	if err = g.checkMarker(ctx, marker); err != nil {
		return err
	}

	if err = os.Remove(marker); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale marker: %w", err)
	}

	err = writeMarker(marker, g.pid())
	if errors.Is(err, os.ErrExist) {
		return fmt.Errorf("%s: %w", marker, ErrAlreadyRunning)
	}

	return err
}

// writeMarker stages the pid in a temporary file and hard-links it into
// place, so the marker never exists without its content. The link fails
// with os.ErrExist when another instance got there first.
func writeMarker(marker string, pid int) error {
	staged, err := os.CreateTemp(filepath.Dir(marker), "."+filepath.Base(marker)+"-*")
	if err != nil {
		return fmt.Errorf("stage marker: %w", err)
	}

	defer func() {
		_ = os.Remove(staged.Name())
	}()

	if _, err = staged.WriteString(strconv.Itoa(pid) + "\n"); err != nil {
		_ = staged.Close()

		return fmt.Errorf("stage marker: %w", err)
	}

	if err = staged.Close(); err != nil {
		return fmt.Errorf("stage marker: %w", err)
	}

	if err = os.Link(staged.Name(), marker); err != nil {
		if errors.Is(err, os.ErrExist) {
			return os.ErrExist
		}

		return fmt.Errorf("create marker: %w", err)
	}

	return nil
}

func (g *Guard) checkPackageManagers(ctx context.Context) error {
	list := g.Processes
	if list == nil {
		list = ps.Processes
	}

	processes, err := list()
	if err != nil {
		return fmt.Errorf("list processes: %w", err)
	}

	for _, p := range processes {
		if _, busy := packageManagers[p.Executable()]; busy && p.Pid() != g.pid() {
			logger.WarnKV(ctx, "Package manager is running", "executable", p.Executable(), "pid", p.Pid())

			return fmt.Errorf("%s (pid %d): %w", p.Executable(), p.Pid(), ErrPackageManagerBusy)
		}
	}

	return nil
}

func (g *Guard) checkLocks(ctx context.Context) error {
	locks := g.Locks
	if locks == nil {
		locks = DpkgLocks
	}

	holder := g.LockHolder
	if holder == nil {
		holder = FcntlLockHolder
	}

	for _, lock := range locks {
		pid, held, err := holder(lock)
		if err != nil {
			// Without read access the process scan is all there is.
			logger.DebugKV(ctx, "Unable to probe dpkg lock", "path", lock, "error", err)
			continue
		}

		if held {
			logger.WarnKV(ctx, "Dpkg lock is held", "path", lock, "pid", pid)

			return fmt.Errorf("%s held by pid %d: %w", lock, pid, ErrPackageManagerBusy)
		}
	}

	return nil
}

// FcntlLockHolder asks the kernel whether another process holds a write
// lock on path, the way dpkg locks its database. A missing file is unlocked.
func FcntlLockHolder(path string) (int, bool, error) {
	f, err := os.Open(filepath.Clean(path))
	if errors.Is(err, os.ErrNotExist) {
		return 0, false, nil
	}

	if err != nil {
		return 0, false, err
	}

	defer func() {
		_ = f.Close()
	}()

	lock := unix.Flock_t{
		Type:   unix.F_WRLCK,
		Whence: io.SeekStart,
	}

	if err = unix.FcntlFlock(f.Fd(), unix.F_GETLK, &lock); err != nil {
		return 0, false, fmt.Errorf("query lock on %s: %w", path, err)
	}

	if lock.Type == unix.F_UNLCK {
		return 0, false, nil
	}

	return int(lock.Pid), true, nil
}

func (g *Guard) checkMarker(ctx context.Context, marker string) error {
	contents, err := os.ReadFile(marker)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}

	if err != nil {
		return fmt.Errorf("read marker: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(contents)))
	if err != nil || pid <= 0 {
		logger.InfoKV(ctx, "Ignoring unreadable run marker", "path", marker)
		return nil
	}

	find := g.FindProcess
	if find == nil {
		find = ps.FindProcess
	}

	p, err := find(pid)
	if err != nil {
		return fmt.Errorf("find process %d: %w", pid, err)
	}

	if p == nil {
		logger.InfoKV(ctx, "Run marker is stale, replacing", "pid", pid)
		return nil
	}

	return fmt.Errorf("pid %d holds %s: %w", pid, marker, ErrAlreadyRunning)
}

func (g *Guard) pid() int {
	if g.PID != 0 {
		return g.PID
	}

	return os.Getpid()
}
