package step

import (
	"context"
	"errors"
)

// Policy decides what a step failure does to the rest of the sequence.
type Policy string

const (
	// PolicyFatal halts the sequence on failure.
	PolicyFatal Policy = "fatal"
	// PolicyBestEffort logs the failure and lets the sequence continue.
	PolicyBestEffort Policy = "best-effort"
)

// ErrStop ends the sequence early without failing it.
// Steps wrap it to report why, e.g. a deferred reboot.
var ErrStop = errors.New("sequence stopped")

// Precondition reports whether a step should run.
// When ok is false the step is skipped and reason is recorded.
type Precondition func(ctx context.Context) (ok bool, reason string)

// Step is one named action of a provisioning sequence.
type Step struct {
	// Name identifies the step in logs and reports.
	Name string
	// Description is a one-line summary shown in plans.
	Description string
	// Policy is applied when Run returns an error.
	Policy Policy
	// Always makes the step run even after the sequence halted or stopped.
	Always bool
	// Precondition is optional; nil means the step always applies.
	Precondition Precondition
	// Plan lists the actions Run performs, for dry-run output.
	Plan []string
	// Run performs the step.
	Run func(ctx context.Context) error
}
