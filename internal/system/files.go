package system

import (
	"bytes"
	"context"
	"crypto"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	goupdate "github.com/doitdistributed/go-update"
	"golang.org/x/sys/unix"

	// Ensure SHA256 available for checksum verification.
	_ "crypto/sha256"
)

// Files mutates host files, escalating through Exec when needed.
type Files struct {
	// Exec runs the privileged fallbacks.
	Exec Executor
	// Writable decides whether a directory can be written without sudo;
	// nil checks access for the current user.
	Writable func(dir string) bool
}

// WriteFile replaces path with data. The previous content, if any, is
// discarded; the file never ends up appended to.
func (f *Files) WriteFile(ctx context.Context, path string, data []byte, mode os.FileMode) error {
	if f.writable(filepath.Dir(path)) {
		return replaceFile(path, data, mode)
	}

	staged, err := os.CreateTemp("", "coral-setup-*")
	if err != nil {
		return fmt.Errorf("stage %s: %w", path, err)
	}

	defer func() {
		_ = os.Remove(staged.Name())
	}()

	if _, err = staged.Write(data); err != nil {
		_ = staged.Close()

		return fmt.Errorf("stage %s: %w", path, err)
	}

	if err = staged.Close(); err != nil {
		return fmt.Errorf("stage %s: %w", path, err)
	}

	return f.Exec.Run(ctx, Command{
		Name:       "install",
		Args:       []string{"-m", strconv.FormatUint(uint64(mode.Perm()), 8), staged.Name(), path},
		Privileged: true,
	})
}

// Symlink points link at target, replacing whatever link was before.
func (f *Files) Symlink(ctx context.Context, target, link string) error {
	if f.writable(filepath.Dir(link)) {
		return replaceSymlink(target, link)
	}

	return f.Exec.Run(ctx, Command{
		Name:       "ln",
		Args:       []string{"-sf", target, link},
		Privileged: true,
	})
}

// replaceFile swaps the file in atomically with go-update and verifies the
// written bytes against their checksum.
func replaceFile(path string, data []byte, mode os.FileMode) error {
	if _, err := os.Lstat(path); errors.Is(err, os.ErrNotExist) {
		// go-update renames the old file away first, so one must exist.
		placeholder, createErr := os.OpenFile(filepath.Clean(path), os.O_CREATE|os.O_WRONLY, mode.Perm())
		if createErr != nil {
			return fmt.Errorf("create %s: %w", path, createErr)
		}

		if createErr = placeholder.Close(); createErr != nil {
			return fmt.Errorf("create %s: %w", path, createErr)
		}
	}

	hasher := crypto.SHA256.New()
	_, _ = hasher.Write(data)

	options := goupdate.Options{
		TargetPath: path,
		TargetMode: mode.Perm(),
		Checksum:   hasher.Sum(nil),
		Hash:       crypto.SHA256,
	}

	if err := goupdate.Apply(bytes.NewReader(data), options); err != nil {
		return fmt.Errorf("replace %s: %w", path, err)
	}

	oldPath := filepath.Join(filepath.Dir(path), "."+filepath.Base(path)+".old")
	if _, err := os.Lstat(oldPath); err == nil {
		_ = os.Remove(oldPath)
	}

	return nil
}

func replaceSymlink(target, link string) error {
	tmp := filepath.Join(filepath.Dir(link), "."+filepath.Base(link)+".coral-setup")
	_ = os.Remove(tmp)

	if err := os.Symlink(target, tmp); err != nil {
		return fmt.Errorf("link %s -> %s: %w", link, target, err)
	}

	if err := os.Rename(tmp, link); err != nil {
		_ = os.Remove(tmp)

		return fmt.Errorf("link %s -> %s: %w", link, target, err)
	}

	return nil
}

func (f *Files) writable(dir string) bool {
	if f.Writable != nil {
		return f.Writable(dir)
	}

	return writable(dir)
}

func writable(dir string) bool {
	return unix.Access(dir, unix.W_OK) == nil
}
