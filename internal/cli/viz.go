package cli

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/crazytieguy/coven/internal/fileutil"
	"github.com/crazytieguy/coven/internal/gitops"
	"github.com/crazytieguy/coven/internal/recorder"
	"github.com/crazytieguy/coven/internal/registry"
)

func init() {
	rootCmd.AddCommand(vizCmd)
}

var vizCmd = &cobra.Command{
	Use:   "viz",
	Short: "Visualize which worker is running which agent",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		repoDir, err := resolveRepo(configPath)
		if err != nil {
			return err
		}
		repo := gitops.NewRepo(repoDir, recorder.NewLive())
		gitCommonDir, err := repo.GitCommonDir()
		if err != nil {
			return err
		}

		reg := registry.New(fileutil.CovenSubdir(gitCommonDir, "registry"), recorder.NewLive())
		records, warnings, err := reg.ReadAll(registry.IsProcessAlive)
		if err != nil {
			return err
		}
		for _, w := range warnings {
			fmt.Fprintln(stdout, styleWarn.Render("warning: "+w.Error()))
		}

		if len(records) == 0 {
			fmt.Fprintln(stdout, styleDim.Render("no active workers"))
			return nil
		}

		byAgent := make(map[string][]string)
		for _, r := range records {
			agent := "idle"
			if r.Agent != nil && *r.Agent != "" {
				agent = *r.Agent
			}
			byAgent[agent] = append(byAgent[agent], r.Branch)
		}

		agents := make([]string, 0, len(byAgent))
		for a := range byAgent {
			agents = append(agents, a)
		}
		sort.Strings(agents)

		for _, agent := range agents {
			branches := byAgent[agent]
			sort.Strings(branches)
			symbol, style := agentSymbol(agent)
			fmt.Fprintf(stdout, "%s %s\n", style.Render(symbol), style.Render(agent))
			for i, b := range branches {
				connector := "├── "
				if i == len(branches)-1 {
					connector = "└── "
				}
				fmt.Fprintf(stdout, "%s%s\n", connector, styleBranch.Render(b))
			}
		}
		return nil
	},
}
