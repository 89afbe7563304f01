package acceptance_test

import (
	"os/exec"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("coven agents list", func() {
	var tmpDir, repoDir, configPath string

	BeforeEach(func() {
		tmpDir, repoDir = setupTestRepo("agents-")
		configPath = filepath.Join(repoDir, "coven.yaml")
		writeFile(configPath, "settings:\n  agent_command: claude\n  dispatch_agent: dispatch\n")
	})

	AfterEach(func() {
		cleanupTestRepo(repoDir, tmpDir)
	})

	Context("with no agents directory", func() {
		It("says no agents are defined", func() {
			cmd := exec.Command(binaryPath, "agents", "list", "--path", configPath)
			output, err := cmd.CombinedOutput()
			Expect(err).NotTo(HaveOccurred())
			Expect(string(output)).To(ContainSubstring("no agents defined"))
		})
	})

	Context("with agents on disk", func() {
		BeforeEach(func() {
			writeFile(filepath.Join(repoDir, "agents", "dispatch.md"), "---\ndescription: pick the next task\n---\nDispatch body.\n")
			writeFile(filepath.Join(repoDir, "agents", "implement.md"), "---\ndescription: implement a task\n---\nImplement body.\n")
		})

		It("lists every agent with its description", func() {
			cmd := exec.Command(binaryPath, "agents", "list", "--path", configPath)
			output, err := cmd.CombinedOutput()
			Expect(err).NotTo(HaveOccurred())
			out := string(output)
			Expect(out).To(ContainSubstring("dispatch"))
			Expect(out).To(ContainSubstring("pick the next task"))
			Expect(out).To(ContainSubstring("implement"))
			Expect(out).To(ContainSubstring("implement a task"))
		})
	})
})
