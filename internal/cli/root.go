package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Version is set at build time via ldflags.
var Version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "coven",
	Short: "Orchestrate coding agents through git worktrees",
	Long: `coven runs long-lived workers that dispatch coding agents in isolated
git worktrees, land their commits onto main by rebase and fast-forward, and
coordinate with each other purely through the filesystem.`,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "path", "p", "coven.yaml", "Path to coven config file")
	rootCmd.AddCommand(versionCmd)

	viper.SetEnvPrefix("coven")
	viper.AutomaticEnv()
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("coven %s\n", Version)
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
