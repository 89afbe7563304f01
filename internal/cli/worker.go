package cli

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"

	"github.com/crazytieguy/coven/internal/config"
	"github.com/crazytieguy/coven/internal/fileutil"
	"github.com/crazytieguy/coven/internal/gitops"
	"github.com/crazytieguy/coven/internal/recorder"
	"github.com/crazytieguy/coven/internal/worker"
)

var (
	workerBranch       string
	workerWorktreeBase string
	workerJournal      string
	workerReplay       string
)

func init() {
	workerCmd.Flags().StringVar(&workerBranch, "branch", "", "fixed branch name (default: generated)")
	workerCmd.Flags().StringVar(&workerWorktreeBase, "worktree-base", "", "base directory for worktrees (default: worktree_base from coven.yaml, else ~/.coven/worktrees/<project>)")
	workerCmd.Flags().StringVar(&workerJournal, "record", "", "record every external call to this VCR journal path")
	workerCmd.Flags().StringVar(&workerReplay, "replay", "", "replay from this VCR journal path instead of running live")
	rootCmd.AddCommand(workerCmd)
}

var workerCmd = &cobra.Command{
	Use:   "worker [-- passthrough-args...]",
	Short: "Run the worker loop: dispatch, agent sessions, and landing",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := slog.New(tint.NewHandler(stdoutWriter(), &tint.Options{Level: slog.LevelInfo, TimeFormat: time.Kitchen}))
		slog.SetDefault(logger)

		cfg, err := loadAndValidateConfig(configPath)
		if err != nil {
			return err
		}

		catalog, err := config.LoadCatalog(agentsDir(configPath))
		if err != nil {
			return fmt.Errorf("loading agent catalog: %w", err)
		}

		repoDir, err := resolveRepo(configPath)
		if err != nil {
			return err
		}

		rec, closeRec, err := buildRecorder()
		if err != nil {
			return err
		}
		defer closeRec()
		if workerJournal != "" {
			slog.Info("recording journal", "path", workerJournal, "run_id", rec.RunID())
		}

		worktreeBase := workerWorktreeBase
		if worktreeBase == "" {
			worktreeBase = cfg.Settings.WorktreeBase
		}
		if worktreeBase == "" {
			worktreeBase = fileutil.DefaultWorktreeBase(filepath.Base(repoDir))
		}
		if err := fileutil.EnsureDir(worktreeBase); err != nil {
			return fmt.Errorf("creating worktree base: %w", err)
		}

		cancel := make(chan struct{})
		sigCh := make(chan os.Signal, 2)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		go func() {
			<-sigCh
			slog.Info("interrupt received, shutting down cleanly")
			close(cancel)
			<-sigCh
			slog.Warn("second interrupt received, forcing exit")
			os.Exit(130)
		}()

		w := &worker.Worker{
			MainRepo:     gitops.NewRepo(repoDir, rec),
			Config:       cfg,
			Catalog:      catalog,
			Rec:          rec,
			WorktreeBase: worktreeBase,
			Branch:       workerBranch,
			ExtraArgs:    args,
			Log:          func(format string, a ...any) { slog.Warn(fmt.Sprintf(format, a...)) },
			Cancel:       cancel,
		}

		return worker.Run(w)
	},
}

func buildRecorder() (*recorder.Recorder, func(), error) {
	switch {
	case workerReplay != "":
		rec, err := recorder.NewReplayer(workerReplay)
		return rec, func() {}, err
	case workerJournal != "":
		rec, err := recorder.NewRecorder(workerJournal)
		if err != nil {
			return nil, func() {}, err
		}
		return rec, func() { rec.Close() }, nil
	default:
		return recorder.NewLive(), func() {}, nil
	}
}

func stdoutWriter() *os.File { return os.Stderr }
