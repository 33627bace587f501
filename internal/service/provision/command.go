package provision

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/oshokin/coral-setup/internal/config"
	"github.com/oshokin/coral-setup/internal/domain/step"
	"github.com/oshokin/coral-setup/internal/logger"
	"github.com/oshokin/coral-setup/internal/repository/report"
	"github.com/oshokin/coral-setup/internal/service/common"
	"github.com/oshokin/coral-setup/internal/service/sequence"
)

// Options are inputs accepted by the provisioning entry point.
type Options struct {
	// ConfigPath is the optional plan file; empty means the built-in plan.
	ConfigPath string
	// DryRun logs every planned action without changing the host.
	DryRun bool
	// AssumeYes answers the reboot prompt without asking.
	AssumeYes bool
	// ReportPath, when set, receives the YAML run report.
	ReportPath string
	// SkipGuard runs without checking for apt, dpkg or another instance.
	SkipGuard bool
}

// Run loads the plan and provisions the local machine.
func Run(ctx context.Context, opts *Options) (*step.Report, error) {
	if opts == nil {
		opts = new(Options)
	}

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}

	confirm := common.Prompt(os.Stdin, os.Stdout)
	if opts.AssumeYes {
		confirm = common.AlwaysYes
	}

	return Provision(ctx, cfg, opts, NewHost(confirm))
}

// Provision runs the sequence for cfg on host. The error is a
// *step.HaltError when a fatal step failed.
func Provision(ctx context.Context, cfg *config.Config, opts *Options, host *Host) (*step.Report, error) {
	if opts == nil {
		opts = new(Options)
	}

	// Set context with logger name for tracking.
	ctx = logger.WithName(ctx, "provision")

	actor, err := common.DetectActor()
	if err != nil {
		logger.WarnKV(ctx, "Unable to identify operator", "error", err)
	} else {
		logger.InfoKV(ctx, "Provisioning started", "hostname", actor.Hostname, "username", actor.Username, "dry_run", opts.DryRun)
	}

	switch {
	case opts.DryRun || host.Lock == nil:
	case opts.SkipGuard:
		logger.Warn(ctx, "Concurrency guard skipped, make sure no package manager is running.")
	default:
		release, lockErr := host.Lock(ctx, cfg.LockFile)
		if lockErr != nil {
			return nil, lockErr
		}

		defer release()
	}

	result, runErr := sequence.Run(ctx, Steps(cfg, host), &sequence.Options{
		DryRun: opts.DryRun,
		Actor:  actor,
	})

	if opts.ReportPath != "" {
		repo := report.NewFileRepository(opts.ReportPath)
		if err = repo.Save(ctx, result); err != nil {
			logger.WarnKV(ctx, "Unable to save run report", "path", repo.Path(), "error", err)
		} else {
			logger.InfoKV(ctx, "Run report saved", "path", repo.Path())
		}
	}

	if runErr != nil {
		var halt *step.HaltError
		if errors.As(runErr, &halt) {
			logger.ErrorKV(ctx, "Provisioning failed", "step", halt.Step, "error", halt.Err)

			for _, suppressed := range halt.SuppressedErrors() {
				logger.WarnKV(ctx, "Earlier best-effort failure", "error", suppressed)
			}
		}

		return result, runErr
	}

	switch {
	case opts.DryRun:
		logger.Info(ctx, "Dry run complete, nothing was changed.")
	case result.StoppedBy != "":
		logger.InfoKV(ctx, "Provisioning stopped early, run again to finish", "step", result.StoppedBy)
	default:
		if suppressed := result.Suppressed(); suppressed != nil {
			logger.WarnKV(ctx, "Some best-effort steps failed", "error", suppressed)
		}

		logger.Info(ctx, "Coral software setup is complete.")
		logger.Info(ctx, "Visit: https://coral.ai/docs for more examples.")
	}

	return result, nil
}

// WritePlan prints the sequence with each step's policy and planned actions.
func WritePlan(w io.Writer, steps []step.Step) error {
	var b strings.Builder

	for i, s := range steps {
		policy := string(s.Policy)
		if s.Always {
			policy += ", always"
		}

		fmt.Fprintf(&b, "%2d. %s [%s]\n    %s\n", i+1, s.Name, policy, s.Description)

		for _, action := range s.Plan {
			fmt.Fprintf(&b, "      - %s\n", action)
		}
	}

	_, err := io.WriteString(w, b.String())

	return err
}
