package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/crazytieguy/coven/internal/config"
	"github.com/crazytieguy/coven/internal/fileutil"
)

func init() {
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Scaffold coven.yaml and a starter agent catalog in a repository",
	Long: `Scaffold a coven project in the target repository (defaults to the
current directory).

This command:
  - Writes a starter coven.yaml
  - Writes a starter agents/ directory (dispatch.md and implement.md)
  - Wires a pre-commit hook running "coven gate", if gates end up configured`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := "."
		if len(args) > 0 {
			dir = args[0]
		}

		absDir, err := filepath.Abs(dir)
		if err != nil {
			return fmt.Errorf("resolving path: %w", err)
		}

		if _, err := os.Stat(filepath.Join(absDir, ".git")); err != nil {
			return fmt.Errorf("%s is not a git repository (no .git directory)", absDir)
		}

		configFile := filepath.Join(absDir, "coven.yaml")
		if fileutil.Exists(configFile) {
			fmt.Printf("  skip   coven.yaml (already exists)\n")
		} else {
			if err := os.WriteFile(configFile, []byte(starterConfig), 0o644); err != nil {
				return fmt.Errorf("writing coven.yaml: %w", err)
			}
			fmt.Printf("  create coven.yaml\n")
		}

		agentsDir := filepath.Join(absDir, "agents")
		if err := fileutil.EnsureDir(agentsDir); err != nil {
			return fmt.Errorf("creating agents directory: %w", err)
		}
		for name, body := range map[string]string{
			"dispatch.md":  starterDispatchAgent,
			"implement.md": starterImplementAgent,
		} {
			path := filepath.Join(agentsDir, name)
			if fileutil.Exists(path) {
				fmt.Printf("  skip   agents/%s (already exists)\n", name)
				continue
			}
			if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
				return fmt.Errorf("writing agents/%s: %w", name, err)
			}
			fmt.Printf("  create agents/%s\n", name)
		}

		// Gates are opt-in (empty by default on a fresh scaffold), so only wire
		// the hook when an existing config file already declares some.
		if cfg, err := config.Load(configFile); err == nil && len(cfg.Gates) > 0 {
			if err := initPreCommitHook(absDir); err != nil {
				return fmt.Errorf("installing pre-commit hook: %w", err)
			}
		}

		fmt.Println("\nDone.")
		return nil
	},
}

const starterConfig = `settings:
  agent_command: claude
  dispatch_agent: dispatch
  main_branch: main
  branch_prefix: coven/
  poll_interval: 200ms

gates: []
# gates:
#   - name: test
#     run: go test ./...

# permissions:
#   allow:
#     - "Bash(git *)"
#   deny:
#     - "Bash(rm -rf *)"
`

const starterDispatchAgent = `---
description: Decide what happens next in this worktree.
max_concurrency: 0
on_no_commits: sleep
---

You are the dispatcher for this worktree. Look over the repository state
and the status of sibling workers below, then decide what runs next.

Reply with a next tag naming the agent to run:

<next>
agent: implement
args:
  task: "fix the flaky retry test"
</next>

If there is nothing to do right now, reply with:

<next>
sleep: true
</next>
`

const starterImplementAgent = `---
description: Implement a single task and commit the result.
args:
  - name: task
    description: what to implement
    required: true
max_concurrency: 2
on_no_commits: skip
---

Implement the following task, then commit your changes:

{{task}}
`

const (
	gateBeginMarker = "# BEGIN coven gate"
	gateBlock       = `# BEGIN coven gate
if command -v coven >/dev/null 2>&1; then
    coven gate || exit 1
fi
# END coven gate`
)

// initPreCommitHook installs or injects a `coven gate` call into
// .git/hooks/pre-commit. If no hook exists, a fresh one is created. If one
// exists, the gate block is injected using sentinel markers. Re-running is
// idempotent: the sentinel is detected and skipped.
func initPreCommitHook(repoDir string) error {
	hookDir := filepath.Join(repoDir, ".git", "hooks")
	hookPath := filepath.Join(hookDir, "pre-commit")

	if err := fileutil.EnsureDir(hookDir); err != nil {
		return fmt.Errorf("creating hooks directory: %w", err)
	}

	existing, err := os.ReadFile(hookPath)
	if err == nil {
		return injectGateBlock(hookPath, string(existing))
	}

	content := "#!/bin/sh\n" + gateBlock + "\n"
	if err := os.WriteFile(hookPath, []byte(content), 0o755); err != nil {
		return fmt.Errorf("writing pre-commit hook: %w", err)
	}
	fmt.Printf("  hook   .git/hooks/pre-commit\n")
	return nil
}

func injectGateBlock(hookPath, content string) error {
	if strings.Contains(content, gateBeginMarker) {
		fmt.Printf("  skip   .git/hooks/pre-commit (coven gate already present)\n")
		return nil
	}

	var updated string
	if idx := strings.LastIndex(content, "\nexit 0"); idx != -1 {
		updated = content[:idx] + "\n" + gateBlock + "\n" + content[idx+1:]
	} else {
		if !strings.HasSuffix(content, "\n") {
			content += "\n"
		}
		updated = content + "\n" + gateBlock + "\n"
	}

	if err := os.WriteFile(hookPath, []byte(updated), 0o755); err != nil {
		return fmt.Errorf("writing pre-commit hook: %w", err)
	}
	fmt.Printf("  hook   .git/hooks/pre-commit (injected coven gate)\n")
	return nil
}
