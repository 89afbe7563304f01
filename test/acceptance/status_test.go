package acceptance_test

import (
	"os/exec"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/crazytieguy/coven/internal/fileutil"
	"github.com/crazytieguy/coven/internal/gitops"
	"github.com/crazytieguy/coven/internal/recorder"
	"github.com/crazytieguy/coven/internal/registry"
)

// seedRegistry registers worktreePath/branch as a live worker (the test
// process's own PID, so registry.IsProcessAlive reports it alive) and
// optionally records it as running agent.
func seedRegistry(repoDir, worktreePath, branch, agent string) {
	repo := gitops.NewRepo(repoDir, recorder.NewLive())
	gitCommonDir, err := repo.GitCommonDir()
	ExpectWithOffset(1, err).NotTo(HaveOccurred())

	reg := registry.New(fileutil.CovenSubdir(gitCommonDir, "registry"), recorder.NewLive())
	ExpectWithOffset(1, reg.Register(worktreePath, branch)).To(Succeed())
	if agent != "" {
		ExpectWithOffset(1, reg.Update(worktreePath, branch, &agent, nil)).To(Succeed())
	}
}

var _ = Describe("coven status", func() {
	var tmpDir, repoDir, configPath string

	BeforeEach(func() {
		tmpDir, repoDir = setupTestRepo("status-")
		configPath = filepath.Join(repoDir, "coven.yaml")
		writeFile(configPath, "settings:\n  agent_command: claude\n  dispatch_agent: dispatch\n")
	})

	AfterEach(func() {
		cleanupTestRepo(repoDir, tmpDir)
	})

	Context("with no active workers", func() {
		It("says so", func() {
			cmd := exec.Command(binaryPath, "status", "--path", configPath)
			output, err := cmd.CombinedOutput()
			Expect(err).NotTo(HaveOccurred())
			Expect(string(output)).To(ContainSubstring("no active workers"))
		})
	})

	Context("with one registered worker", func() {
		BeforeEach(func() {
			seedRegistry(repoDir, filepath.Join(tmpDir, "wt-a"), "coven/task-a", "implement")
		})

		It("lists the worker's branch and agent", func() {
			cmd := exec.Command(binaryPath, "status", "--path", configPath)
			output, err := cmd.CombinedOutput()
			Expect(err).NotTo(HaveOccurred())
			out := string(output)
			Expect(out).To(ContainSubstring("coven/task-a"))
			Expect(out).To(ContainSubstring("implement"))
		})
	})

	Context("with an idle worker (no agent set)", func() {
		BeforeEach(func() {
			seedRegistry(repoDir, filepath.Join(tmpDir, "wt-b"), "coven/task-b", "")
		})

		It("labels it idle", func() {
			cmd := exec.Command(binaryPath, "status", "--path", configPath)
			output, err := cmd.CombinedOutput()
			Expect(err).NotTo(HaveOccurred())
			out := string(output)
			Expect(out).To(ContainSubstring("coven/task-b"))
			Expect(out).To(ContainSubstring("idle"))
		})
	})
})
