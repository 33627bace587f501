// Package systemtest provides a scripted system.Executor for tests.
package systemtest

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"

	"github.com/oshokin/coral-setup/internal/system"
)

// ExitError mimics *exec.ExitError for a scripted failure.
type ExitError struct {
	Code int
}

// Error implements error.
func (e *ExitError) Error() string {
	return fmt.Sprintf("exit status %d", e.Code)
}

// ExitCode mirrors (*exec.ExitError).ExitCode.
func (e *ExitError) ExitCode() int {
	return e.Code
}

// Call is one recorded command.
type Call struct {
	Command system.Command
	// Stdin holds whatever the command was fed.
	Stdin []byte
}

// Response is the canned result for matching commands.
type Response struct {
	Output string
	Err    error
	// Do runs before the response is returned, e.g. to create files.
	Do func(cmd system.Command)
}

type rule struct {
	prefix   string
	response Response
}

// Recorder records commands and answers them from rules.
// Commands without a matching rule succeed with empty output.
type Recorder struct {
	mu    sync.Mutex
	calls []Call
	rules []rule
	paths map[string]string
}

// NewRecorder returns a Recorder where the given programs resolve on PATH.
func NewRecorder(programs ...string) *Recorder {
	r := &Recorder{paths: make(map[string]string, len(programs))}
	for _, p := range programs {
		r.paths[p] = "/usr/bin/" + p
	}

	return r
}

// On answers every command whose String() starts with prefix.
// Later rules take precedence over earlier ones.
func (r *Recorder) On(prefix string, resp Response) *Recorder {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.rules = append(r.rules, rule{prefix: prefix, response: resp})

	return r
}

// Fail makes commands starting with prefix exit with code.
func (r *Recorder) Fail(prefix string, code int) *Recorder {
	return r.On(prefix, Response{Err: &ExitError{Code: code}})
}

// Run implements system.Executor.
func (r *Recorder) Run(ctx context.Context, cmd system.Command) error {
	_, err := r.exec(ctx, cmd)
	return err
}

// Output implements system.Executor.
func (r *Recorder) Output(ctx context.Context, cmd system.Command) (string, error) {
	return r.exec(ctx, cmd)
}

// LookPath implements system.Executor.
func (r *Recorder) LookPath(name string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.paths[name]; ok {
		return p, nil
	}

	return "", &exec.Error{Name: name, Err: exec.ErrNotFound}
}

// Calls returns a copy of the recorded calls.
func (r *Recorder) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]Call(nil), r.calls...)
}

// Commands returns the recorded commands rendered with Display.
func (r *Recorder) Commands() []string {
	calls := r.Calls()

	out := make([]string, 0, len(calls))
	for _, c := range calls {
		out = append(out, c.Command.Display())
	}

	return out
}

// Ran reports whether any recorded command starts with prefix.
func (r *Recorder) Ran(prefix string) bool {
	_, ok := r.Find(prefix)
	return ok
}

// Find returns the first recorded call starting with prefix.
func (r *Recorder) Find(prefix string) (Call, bool) {
	for _, c := range r.Calls() {
		if strings.HasPrefix(c.Command.String(), prefix) {
			return c, true
		}
	}

	return Call{}, false
}

func (r *Recorder) exec(ctx context.Context, cmd system.Command) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	call := Call{Command: cmd}

	if cmd.Stdin != nil {
		data, err := io.ReadAll(cmd.Stdin)
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}

		call.Stdin = data
	}

	r.mu.Lock()
	r.calls = append(r.calls, call)

	var (
		resp    Response
		matched bool
	)

	for i := len(r.rules) - 1; i >= 0; i-- {
		if strings.HasPrefix(cmd.String(), r.rules[i].prefix) {
			resp, matched = r.rules[i].response, true

			break
		}
	}
	r.mu.Unlock()

	if !matched {
		return "", nil
	}

	if resp.Do != nil {
		resp.Do(cmd)
	}

	if resp.Err != nil {
		return "", fmt.Errorf("%s: %w", cmd.Display(), resp.Err)
	}

	return resp.Output, nil
}
