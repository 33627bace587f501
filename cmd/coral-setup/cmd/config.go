package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/oshokin/coral-setup/internal/config"
	"github.com/oshokin/coral-setup/internal/logger"
)

// defaultPlanFilename is used by `config init` without an argument.
const defaultPlanFilename = "coral-setup.yaml"

var (
	// forceInit overwrites an existing plan file.
	forceInit bool

	errPlanExists = errors.New("plan file already exists, use --force to overwrite")

	configCmd = &cobra.Command{
		Use:   "config",
		Short: "Manage provisioning plans.",
	}

	configInitCmd = &cobra.Command{
		Use:   "init [path]",
		Short: "Write the built-in plan to a YAML or TOML file for editing.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			path := defaultPlanFilename
			if len(args) > 0 {
				path = args[0]
			}

			if _, err := os.Stat(path); err == nil && !forceInit {
				return fmt.Errorf("%s: %w", path, errPlanExists)
			}

			if err := config.Save(path, config.Default()); err != nil {
				return err
			}

			logger.InfoKV(context.Background(), "Plan written", "path", path)

			return nil
		},
	}
)

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	configInitCmd.Flags().BoolVarP(&forceInit, "force", "f", false, "overwrite an existing file")
	configCmd.AddCommand(configInitCmd)
}
