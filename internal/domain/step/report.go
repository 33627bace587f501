package step

import (
	"fmt"
	"time"

	"go.uber.org/multierr"
)

// Status is the result of a single step.
type Status string

const (
	// StatusSucceeded means the step ran without error.
	StatusSucceeded Status = "succeeded"
	// StatusFailed means a fatal step failed and halted the sequence.
	StatusFailed Status = "failed"
	// StatusSuppressed means a best-effort step failed and was ignored.
	StatusSuppressed Status = "suppressed"
	// StatusSkipped means the precondition did not hold.
	StatusSkipped Status = "skipped"
	// StatusStopped means the step ended the sequence early with success.
	StatusStopped Status = "stopped"
	// StatusNotRun means an earlier step halted or stopped the sequence.
	StatusNotRun Status = "not-run"
	// StatusPlanned is used for every step of a dry run.
	StatusPlanned Status = "planned"
)

// Actor identifies who ran the sequence and where.
type Actor struct {
	// Hostname is the machine being provisioned.
	Hostname string `yaml:"hostname"`
	// Username is the operator account.
	Username string `yaml:"username"`
}

// Outcome records what happened to one step.
type Outcome struct {
	Step     string        `yaml:"step"`
	Policy   Policy        `yaml:"policy"`
	Status   Status        `yaml:"status"`
	Detail   string        `yaml:"detail,omitempty"`
	Duration time.Duration `yaml:"duration"`
	// Err is the step error for failed and suppressed outcomes.
	Err error `yaml:"-"`
}

// Report is the result of one sequence run.
type Report struct {
	Actor      *Actor    `yaml:"actor,omitempty"`
	StartedAt  time.Time `yaml:"started_at"`
	FinishedAt time.Time `yaml:"finished_at"`
	DryRun     bool      `yaml:"dry_run"`
	// StoppedBy names the step that ended the sequence early, if any.
	StoppedBy string    `yaml:"stopped_by,omitempty"`
	Outcomes  []Outcome `yaml:"outcomes"`
}

// Add appends an outcome.
func (r *Report) Add(o Outcome) {
	r.Outcomes = append(r.Outcomes, o)
}

// Outcome returns the outcome recorded for the named step.
func (r *Report) Outcome(name string) (Outcome, bool) {
	for _, o := range r.Outcomes {
		if o.Step == name {
			return o, true
		}
	}

	return Outcome{}, false
}

// Count returns how many outcomes have the given status.
func (r *Report) Count(status Status) int {
	n := 0

	for _, o := range r.Outcomes {
		if o.Status == status {
			n++
		}
	}

	return n
}

// Suppressed combines the errors of every suppressed outcome.
func (r *Report) Suppressed() error {
	var err error

	for _, o := range r.Outcomes {
		if o.Status == StatusSuppressed && o.Err != nil {
			err = multierr.Append(err, fmt.Errorf("%s: %w", o.Step, o.Err))
		}
	}

	return err
}

// HaltError is returned when a fatal step fails.
type HaltError struct {
	// Step is the name of the failed step.
	Step string
	// Err is the step failure.
	Err error
	// Suppressed holds best-effort failures that happened before the halt.
	Suppressed error
}

// Error implements error.
func (e *HaltError) Error() string {
	msg := fmt.Sprintf("step %s failed: %v", e.Step, e.Err)
	if e.Suppressed != nil {
		msg += fmt.Sprintf(" (earlier suppressed failures: %v)", e.Suppressed)
	}

	return msg
}

// Unwrap returns the halting failure only; suppressed failures stay in Suppressed.
func (e *HaltError) Unwrap() error {
	return e.Err
}

// SuppressedErrors lists the individual suppressed failures.
func (e *HaltError) SuppressedErrors() []error {
	return multierr.Errors(e.Suppressed)
}
