package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/crazytieguy/coven/internal/fileutil"
	"github.com/crazytieguy/coven/internal/gitops"
	"github.com/crazytieguy/coven/internal/recorder"
	"github.com/crazytieguy/coven/internal/registry"
)

func init() {
	rootCmd.AddCommand(gcCmd)
}

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Remove worktrees and registry entries left behind by dead workers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		repoDir, err := resolveRepo(configPath)
		if err != nil {
			return err
		}
		rec := recorder.NewLive()
		repo := gitops.NewRepo(repoDir, rec)
		gitCommonDir, err := repo.GitCommonDir()
		if err != nil {
			return err
		}

		reg := registry.New(fileutil.CovenSubdir(gitCommonDir, "registry"), rec)
		alive, warnings, err := reg.ReadAll(registry.IsProcessAlive)
		if err != nil {
			return err
		}
		for _, w := range warnings {
			fmt.Fprintln(stdout, styleWarn.Render("warning: "+w.Error()))
		}

		// ReadAll already filters to live PIDs; anything it quarantined as
		// malformed is gone, so the remaining cleanup is dead records it
		// would have filtered — re-read without the liveness filter to find them.
		all, _, err := reg.ReadAll(func(int) bool { return true })
		if err != nil {
			return err
		}
		aliveBranches := make(map[string]bool, len(alive))
		for _, a := range alive {
			aliveBranches[a.Branch] = true
		}

		mainBranch, err := repo.MainBranchName()
		if err != nil {
			return err
		}

		var dead []registry.Record
		for _, r := range all {
			if !aliveBranches[r.Branch] {
				dead = append(dead, r)
			}
		}

		// HasUniqueCommits is read-only git plumbing; checking every dead
		// candidate's landed status concurrently is safe and, for a cluster
		// with many stale worktrees, considerably faster than doing it
		// one at a time.
		unlanded := make([]bool, len(dead))
		checkErrs := make([]error, len(dead))
		var eg errgroup.Group
		eg.SetLimit(4)
		for i, r := range dead {
			i, r := i, r
			eg.Go(func() error {
				wtRepo := gitops.NewRepo(r.WorktreePath, recorder.NewLive())
				has, err := wtRepo.HasUniqueCommits(mainBranch)
				unlanded[i] = has
				checkErrs[i] = err
				return nil
			})
		}
		_ = eg.Wait()

		removed := 0
		for i, r := range dead {
			if checkErrs[i] != nil {
				fmt.Fprintf(stdout, "%s: could not check %s against %s: %s\n", styleErr.Render("error"), r.Branch, mainBranch, checkErrs[i])
				continue
			}
			if unlanded[i] {
				fmt.Fprintf(stdout, "%s %s (dead worker, unlanded commits — left in place)\n", styleWarn.Render("skip"), r.Branch)
				continue
			}

			wt := gitops.Worktree{Path: r.WorktreePath, Branch: r.Branch}
			if err := repo.Remove(wt); err != nil {
				fmt.Fprintf(stdout, "%s: could not remove worktree for %s: %s\n", styleErr.Render("error"), r.Branch, err)
				continue
			}
			if err := reg.Deregister(r.Branch); err != nil {
				fmt.Fprintf(stdout, "%s: could not deregister %s: %s\n", styleErr.Render("error"), r.Branch, err)
				continue
			}
			fmt.Fprintf(stdout, "%s %s\n", styleOK.Render("removed"), r.Branch)
			removed++
		}

		if removed == 0 {
			fmt.Fprintln(stdout, styleDim.Render("nothing to clean up"))
		}
		return nil
	},
}
