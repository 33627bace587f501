package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/oshokin/coral-setup/internal/logger"
	"github.com/oshokin/coral-setup/internal/service/provision"
	"github.com/oshokin/coral-setup/internal/system"
	"github.com/oshokin/coral-setup/internal/version"
)

var (
	// configPath to the optional plan file (YAML or TOML).
	configPath string
	// logLevel is the minimum level printed.
	logLevel string
	// dryRun only logs what would be done.
	dryRun bool
	// assumeYes answers the reboot prompt.
	assumeYes bool
	// reportPath receives the YAML run report.
	reportPath string
	// skipGuard disables the package manager and instance checks.
	skipGuard bool

	errUnknownLogLevel = errors.New("unknown log level")

	// rootCmd represents the base command that provisions the host.
	rootCmd = &cobra.Command{
		Use:   "coral-setup",
		Short: "Provision a Raspberry Pi for Coral EdgeTPU accelerators.",
		Long: `Enables the camera, pins the system Python, registers the Coral package
repository, force-installs the Coral packages, installs the Python libraries,
clones the AIY Maker Kit and downloads its example models.

Steps run in order. A failing fatal step halts the run; best-effort steps
only log their failure. Without flags the built-in plan is used.`,
		Args:              cobra.NoArgs,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: applyLogLevel,
		RunE: func(_ *cobra.Command, _ []string) error {
			// Setup graceful shutdown handling.
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			options := &provision.Options{
				ConfigPath: configPath,
				DryRun:     dryRun,
				AssumeYes:  assumeYes,
				ReportPath: reportPath,
				SkipGuard:  skipGuard,
			}

			_, err := provision.Run(ctx, options)

			return err
		},
	}
)

// Execute runs the coral-setup CLI and exits with the status of the first
// failed command on error.
func Execute() {
	version.AttachCobraVersionCommand(rootCmd)

	err := rootCmd.Execute()
	if err != nil {
		logger.ErrorKV(context.Background(), "coral-setup failed", "error", err)
	}

	logger.Sync()

	if err != nil {
		os.Exit(system.ExitCode(err))
	}
}

func applyLogLevel(_ *cobra.Command, _ []string) error {
	lvl, ok := logger.ParseLogLevel(logLevel)
	if !ok {
		return fmt.Errorf("%q: %w", logLevel, errUnknownLogLevel)
	}

	logger.SetLevel(lvl)

	return nil
}

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	// Setup command flags with consistent naming and descriptions.
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML or TOML plan (default: built-in plan)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn or error")
	rootCmd.Flags().BoolVar(&dryRun, "dry-run", false, "log the planned actions without changing the host")
	rootCmd.Flags().BoolVarP(&assumeYes, "yes", "y", false, "reboot without asking when the camera gets enabled")
	rootCmd.Flags().StringVar(&reportPath, "report", "", "write a YAML run report to this path")
	rootCmd.Flags().BoolVar(&skipGuard, "skip-guard", false, "do not check for running apt/dpkg or another coral-setup")

	rootCmd.AddCommand(planCmd, configCmd)
}
