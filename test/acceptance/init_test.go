package acceptance_test

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("coven init", func() {
	var tmpDir, repoDir string

	BeforeEach(func() {
		tmpDir, repoDir = setupTestRepo("init-")
	})

	AfterEach(func() {
		cleanupTestRepo(repoDir, tmpDir)
	})

	Context("on a fresh repository", func() {
		It("exits with code 0", func() {
			cmd := exec.Command(binaryPath, "init", repoDir)
			output, err := cmd.CombinedOutput()
			Expect(err).NotTo(HaveOccurred(), "init failed: %s", string(output))
		})

		It("writes a starter coven.yaml", func() {
			cmd := exec.Command(binaryPath, "init", repoDir)
			output, err := cmd.CombinedOutput()
			Expect(err).NotTo(HaveOccurred(), "init failed: %s", string(output))

			content, err := os.ReadFile(filepath.Join(repoDir, "coven.yaml"))
			Expect(err).NotTo(HaveOccurred())
			Expect(string(content)).To(ContainSubstring("dispatch_agent"))
		})

		It("writes a starter agent catalog", func() {
			cmd := exec.Command(binaryPath, "init", repoDir)
			output, err := cmd.CombinedOutput()
			Expect(err).NotTo(HaveOccurred(), "init failed: %s", string(output))

			for _, name := range []string{"dispatch.md", "implement.md"} {
				_, err := os.Stat(filepath.Join(repoDir, "agents", name))
				Expect(err).NotTo(HaveOccurred(), "expected agents/%s to exist", name)
			}
		})

		It("does not install a pre-commit hook (no gates by default)", func() {
			cmd := exec.Command(binaryPath, "init", repoDir)
			output, err := cmd.CombinedOutput()
			Expect(err).NotTo(HaveOccurred(), "init failed: %s", string(output))

			_, err = os.Stat(filepath.Join(repoDir, ".git", "hooks", "pre-commit"))
			Expect(os.IsNotExist(err)).To(BeTrue(), "hook should not exist when no gates are configured")
		})
	})

	Context("when run twice", func() {
		It("skips files that already exist instead of overwriting them", func() {
			first := exec.Command(binaryPath, "init", repoDir)
			Expect(first.Run()).To(Succeed())

			customized := "settings:\n  agent_command: claude\n  dispatch_agent: dispatch\n  poll_interval: 5s\n"
			writeFile(filepath.Join(repoDir, "coven.yaml"), customized)

			second := exec.Command(binaryPath, "init", repoDir)
			output, err := second.CombinedOutput()
			Expect(err).NotTo(HaveOccurred(), "init failed: %s", string(output))
			Expect(string(output)).To(ContainSubstring("skip"))

			content, err := os.ReadFile(filepath.Join(repoDir, "coven.yaml"))
			Expect(err).NotTo(HaveOccurred())
			Expect(string(content)).To(Equal(customized))
		})
	})

	Context("when the existing config declares gates", func() {
		BeforeEach(func() {
			writeFile(filepath.Join(repoDir, "coven.yaml"), `settings:
  agent_command: claude
  dispatch_agent: dispatch

gates:
  - name: lint
    run: "echo ok"
`)
		})

		It("installs an executable pre-commit hook calling coven gate", func() {
			cmd := exec.Command(binaryPath, "init", repoDir)
			output, err := cmd.CombinedOutput()
			Expect(err).NotTo(HaveOccurred(), "init failed: %s", string(output))

			hookPath := filepath.Join(repoDir, ".git", "hooks", "pre-commit")
			info, err := os.Stat(hookPath)
			Expect(err).NotTo(HaveOccurred())
			Expect(info.Mode().Perm() & 0o111).NotTo(BeZero(), "hook should be executable")

			content, err := os.ReadFile(hookPath)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(content)).To(ContainSubstring("coven gate"))
		})

		It("is idempotent across repeated runs", func() {
			run := func() {
				cmd := exec.Command(binaryPath, "init", repoDir)
				output, err := cmd.CombinedOutput()
				Expect(err).NotTo(HaveOccurred(), "init failed: %s", string(output))
			}
			run()
			run()

			content, err := os.ReadFile(filepath.Join(repoDir, ".git", "hooks", "pre-commit"))
			Expect(err).NotTo(HaveOccurred())
			Expect(strings.Count(string(content), "# BEGIN coven gate")).To(Equal(1))
		})
	})

	Context("when a pre-commit hook already exists", func() {
		BeforeEach(func() {
			writeFile(filepath.Join(repoDir, "coven.yaml"), `settings:
  agent_command: claude
  dispatch_agent: dispatch

gates:
  - name: lint
    run: "echo ok"
`)
			hookDir := filepath.Join(repoDir, ".git", "hooks")
			Expect(os.MkdirAll(hookDir, 0o755)).To(Succeed())
			writeFile(filepath.Join(hookDir, "pre-commit"), "#!/bin/sh\necho existing\n")
			Expect(os.Chmod(filepath.Join(hookDir, "pre-commit"), 0o755)).To(Succeed())
		})

		It("injects the gate block while preserving the original content", func() {
			cmd := exec.Command(binaryPath, "init", repoDir)
			output, err := cmd.CombinedOutput()
			Expect(err).NotTo(HaveOccurred(), "init failed: %s", string(output))

			content, err := os.ReadFile(filepath.Join(repoDir, ".git", "hooks", "pre-commit"))
			Expect(err).NotTo(HaveOccurred())
			Expect(string(content)).To(ContainSubstring("echo existing"))
			Expect(string(content)).To(ContainSubstring("# BEGIN coven gate"))
		})
	})

	Context("on a directory that is not a git repository", func() {
		It("fails with a clear error", func() {
			notARepo := filepath.Join(tmpDir, "not-a-repo")
			Expect(os.MkdirAll(notARepo, 0o755)).To(Succeed())

			cmd := exec.Command(binaryPath, "init", notARepo)
			output, err := cmd.CombinedOutput()
			Expect(err).To(HaveOccurred())
			Expect(string(output)).To(ContainSubstring("not a git repository"))
		})
	})
})
