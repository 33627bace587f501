package cmd

import (
	"github.com/spf13/cobra"

	"github.com/oshokin/coral-setup/internal/config"
	"github.com/oshokin/coral-setup/internal/service/provision"
)

// planCmd prints the sequence without running it.
var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Print the provisioning steps, their policies and commands.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		return provision.WritePlan(cmd.OutOrStdout(), provision.Steps(cfg, new(provision.Host)))
	},
}
