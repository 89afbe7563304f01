package cli

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/crazytieguy/coven/internal/config"
)

func init() {
	agentsCmd.AddCommand(agentsListCmd)
	rootCmd.AddCommand(agentsCmd)
}

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "Inspect the agent catalog",
}

var agentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every agent in the catalog alongside its description",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		catalog, err := config.LoadCatalog(agentsDir(configPath))
		if err != nil {
			return fmt.Errorf("loading agent catalog: %w", err)
		}

		names := catalog.Names()
		if len(names) == 0 {
			fmt.Fprintln(stdout, styleDim.Render("no agents defined"))
			return nil
		}
		sort.Strings(names)

		for _, name := range names {
			def := catalog.Get(name)
			fmt.Fprintf(stdout, "%s  %s\n", styleAgent.Render(name), def.DescriptionPlainText())
		}
		return nil
	},
}
