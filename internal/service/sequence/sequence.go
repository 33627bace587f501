package sequence

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/oshokin/coral-setup/internal/domain/step"
	"github.com/oshokin/coral-setup/internal/logger"
)

// Options tunes a run.
type Options struct {
	// DryRun logs the plan of every step without executing anything.
	DryRun bool
	// Actor is copied into the report.
	Actor *step.Actor
	// Now is the clock; nil means time.Now.
	Now func() time.Time
}

// Run executes steps in order and returns the report. The error is a
// *step.HaltError when a fatal step failed or the context was canceled.
func Run(ctx context.Context, steps []step.Step, opts *Options) (*step.Report, error) {
	if opts == nil {
		opts = new(Options)
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}

	r := &runner{
		report: &step.Report{
			Actor:     opts.Actor,
			StartedAt: now(),
			DryRun:    opts.DryRun,
		},
		now: now,
	}

	for i := range steps {
		r.visit(ctx, &steps[i], i+1, len(steps), opts.DryRun)
	}

	r.report.FinishedAt = now()

	if r.halt != nil {
		return r.report, r.halt
	}

	return r.report, nil
}

type runner struct {
	report *step.Report
	now    func() time.Time
	// halt is set by the first fatal failure.
	halt *step.HaltError
}

// finished reports whether a failure or a stop ended the sequence.
func (r *runner) finished() bool {
	return r.halt != nil || r.report.StoppedBy != ""
}

func (r *runner) visit(ctx context.Context, s *step.Step, index, total int, dryRun bool) {
	outcome := step.Outcome{Step: s.Name, Policy: s.Policy}
	ctx = logger.WithKV(ctx, "step", s.Name)

	switch {
	case dryRun:
		outcome.Status = step.StatusPlanned
		logger.InfoKV(ctx, "Planned step", "index", index, "of", total, "policy", s.Policy, "description", s.Description)

		for _, action := range s.Plan {
			logger.Infof(ctx, "  %s", action)
		}
	case r.finished() && !s.Always:
		outcome.Status = step.StatusNotRun
		logger.DebugKV(ctx, "Step not run")
	case !r.finished() && ctx.Err() != nil:
		outcome.Status = step.StatusFailed
		outcome.Err = ctx.Err()
		outcome.Detail = ctx.Err().Error()
		r.fail(s.Name, ctx.Err())
		logger.ErrorKV(ctx, "Sequence interrupted", "error", ctx.Err())
	default:
		r.execute(ctx, s, index, total, &outcome)
	}

	r.report.Add(outcome)
}

func (r *runner) execute(ctx context.Context, s *step.Step, index, total int, outcome *step.Outcome) {
	if s.Precondition != nil {
		if ok, reason := s.Precondition(ctx); !ok {
			outcome.Status = step.StatusSkipped
			outcome.Detail = reason
			logger.InfoKV(ctx, "Step skipped", "reason", reason)

			return
		}
	}

	logger.InfoKV(ctx, "Running step", "index", index, "of", total, "description", s.Description)

	start := r.now()
	err := s.Run(ctx)
	outcome.Duration = r.now().Sub(start)

	switch {
	case err == nil:
		outcome.Status = step.StatusSucceeded
		logger.InfoKV(ctx, "Step completed", "duration", outcome.Duration)
	case errors.Is(err, step.ErrStop):
		outcome.Status = step.StatusStopped
		outcome.Detail = strings.TrimPrefix(err.Error(), step.ErrStop.Error()+": ")

		if r.report.StoppedBy == "" {
			r.report.StoppedBy = s.Name
		}

		logger.InfoKV(ctx, "Sequence stopped", "reason", outcome.Detail)
	case s.Policy == step.PolicyBestEffort:
		outcome.Status = step.StatusSuppressed
		outcome.Err = err
		outcome.Detail = err.Error()
		logger.WarnKV(ctx, "Best-effort step failed, continuing", "error", err)
	default:
		outcome.Status = step.StatusFailed
		outcome.Err = err
		outcome.Detail = err.Error()

		if r.halt == nil {
			r.fail(s.Name, err)
		}

		logger.ErrorKV(ctx, "Step failed, halting", "error", err)
	}
}

func (r *runner) fail(name string, err error) {
	r.halt = &step.HaltError{
		Step:       name,
		Err:        err,
		Suppressed: r.report.Suppressed(),
	}
}
