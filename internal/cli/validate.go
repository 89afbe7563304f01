package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/crazytieguy/coven/internal/config"
)

func init() {
	rootCmd.AddCommand(validateCmd)
}

var validateCmd = &cobra.Command{
	Use:   "validate <config-file>",
	Short: "Validate a coven configuration file and its agent catalog",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadAndValidateConfig(args[0])
		if err != nil {
			return err
		}

		catalog, err := config.LoadCatalog(agentsDir(args[0]))
		if err != nil {
			return fmt.Errorf("loading agent catalog: %w", err)
		}
		if catalog.Get(cfg.Settings.DispatchAgent) == nil {
			return fmt.Errorf("dispatch_agent %q has no matching file in the agent catalog", cfg.Settings.DispatchAgent)
		}

		fmt.Println("Configuration is valid.")
		return nil
	},
}
