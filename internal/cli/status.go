package cli

import (
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/crazytieguy/coven/internal/fileutil"
	"github.com/crazytieguy/coven/internal/gitops"
	"github.com/crazytieguy/coven/internal/recorder"
	"github.com/crazytieguy/coven/internal/registry"
)

var statusFollow bool

func init() {
	statusCmd.Flags().BoolVarP(&statusFollow, "follow", "f", false, "Re-render on an interval instead of exiting")
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "List live workers and their current agent",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if statusFollow {
			return followStatus()
		}
		return renderStatus()
	},
}

func followStatus() error {
	for {
		if err := renderStatus(); err != nil {
			return err
		}
		fmt.Fprintln(stdout)
		time.Sleep(2 * time.Second)
	}
}

func renderStatus() error {
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

	sort.Slice(records, func(i, j int) bool { return records[i].Branch < records[j].Branch })
	for _, rec := range records {
		agent := ""
		if rec.Agent != nil {
			agent = *rec.Agent
		}
		symbol, style := agentSymbol(agent)
		label := agent
		if label == "" {
			label = "idle"
		}
		fmt.Fprintf(stdout, "%s %s  %s  %s\n",
			style.Render(symbol), styleBranch.Render(rec.Branch), style.Render(label), styleDim.Render(fmt.Sprintf("pid %d", rec.PID)))
	}
	return nil
}
