package system

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"golang.org/x/sys/unix"
)

// Executor runs external commands.
type Executor interface {
	// Run executes cmd, streaming its output.
	Run(ctx context.Context, cmd Command) error
	// Output executes cmd and returns its trimmed standard output.
	Output(ctx context.Context, cmd Command) (string, error)
	// LookPath resolves a program name through PATH.
	LookPath(name string) (string, error)
}

// Shell is the Executor backed by os/exec.
type Shell struct {
	// Stdout and Stderr receive streamed command output.
	Stdout io.Writer
	Stderr io.Writer
	// Root disables the sudo prefix for privileged commands.
	Root bool
}

// NewShell returns a Shell streaming to the process stdio.
func NewShell() *Shell {
	return &Shell{
		Stdout: os.Stdout,
		Stderr: os.Stderr,
		Root:   IsRoot(),
	}
}

// IsRoot reports whether the effective user is root.
func IsRoot() bool {
	return unix.Geteuid() == 0
}

// Run implements Executor.
func (s *Shell) Run(ctx context.Context, cmd Command) error {
	c := s.command(ctx, cmd)
	c.Stdout = s.Stdout
	c.Stderr = s.Stderr

	if err := c.Run(); err != nil {
		return fmt.Errorf("%s: %w", cmd.Display(), err)
	}

	return nil
}

// Output implements Executor.
func (s *Shell) Output(ctx context.Context, cmd Command) (string, error) {
	var stdout bytes.Buffer

	c := s.command(ctx, cmd)
	c.Stdout = &stdout
	c.Stderr = s.Stderr

	if err := c.Run(); err != nil {
		return "", fmt.Errorf("%s: %w", cmd.Display(), err)
	}

	return strings.TrimSpace(stdout.String()), nil
}

// LookPath implements Executor.
func (s *Shell) LookPath(name string) (string, error) {
	return exec.LookPath(name)
}

func (s *Shell) command(ctx context.Context, cmd Command) *exec.Cmd {
	name, args := cmd.argv(s.Root)

	c := exec.CommandContext(ctx, name, args...)
	c.Dir = cmd.Dir

	if cmd.Stdin != nil {
		c.Stdin = cmd.Stdin
	} else if cmd.Privileged && !s.Root {
		// sudo may need to ask for a password.
		c.Stdin = os.Stdin
	}

	return c
}

// exitCoder is implemented by *exec.ExitError and test doubles.
type exitCoder interface {
	ExitCode() int
}

// ExitCode returns the exit status of the first failed command in err's
// chain, 0 for a nil error, and 1 when no command status is available.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}

	var coder exitCoder
	if errors.As(err, &coder) && coder.ExitCode() > 0 {
		return coder.ExitCode()
	}

	return 1
}
