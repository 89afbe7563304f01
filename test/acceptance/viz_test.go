package acceptance_test

import (
	"os/exec"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("coven viz", func() {
	var tmpDir, repoDir, configPath string

	BeforeEach(func() {
		tmpDir, repoDir = setupTestRepo("viz-")
		configPath = filepath.Join(repoDir, "coven.yaml")
		writeFile(configPath, "settings:\n  agent_command: claude\n  dispatch_agent: dispatch\n")
	})

	AfterEach(func() {
		cleanupTestRepo(repoDir, tmpDir)
	})

	Context("with no active workers", func() {
		It("says so", func() {
			cmd := exec.Command(binaryPath, "viz", "--path", configPath)
			output, err := cmd.CombinedOutput()
			Expect(err).NotTo(HaveOccurred())
			Expect(string(output)).To(ContainSubstring("no active workers"))
		})
	})

	Context("with workers running different agents", func() {
		BeforeEach(func() {
			seedRegistry(repoDir, filepath.Join(tmpDir, "wt-a"), "coven/task-a", "implement")
			seedRegistry(repoDir, filepath.Join(tmpDir, "wt-b"), "coven/task-b", "implement")
			seedRegistry(repoDir, filepath.Join(tmpDir, "wt-c"), "coven/task-c", "audit")
		})

		It("groups branches under their agent", func() {
			cmd := exec.Command(binaryPath, "viz", "--path", configPath)
			output, err := cmd.CombinedOutput()
			Expect(err).NotTo(HaveOccurred())
			out := string(output)
			Expect(out).To(ContainSubstring("implement"))
			Expect(out).To(ContainSubstring("audit"))
			Expect(out).To(ContainSubstring("coven/task-a"))
			Expect(out).To(ContainSubstring("coven/task-b"))
			Expect(out).To(ContainSubstring("coven/task-c"))
		})
	})
})
