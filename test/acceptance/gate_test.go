package acceptance_test

import (
	"os/exec"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("coven gate", func() {
	var tmpDir, repoDir, configPath string

	BeforeEach(func() {
		tmpDir, repoDir = setupTestRepo("gate-")
		configPath = filepath.Join(repoDir, "coven.yaml")
	})

	AfterEach(func() {
		cleanupTestRepo(repoDir, tmpDir)
	})

	writeGateConfig := func(content string) {
		writeFile(configPath, content)
	}

	Context("with a passing gate", func() {
		BeforeEach(func() {
			writeGateConfig(`gates:
  - name: lint
    run: "echo lint passed"
`)
		})

		It("exits with code 0", func() {
			cmd := exec.Command(binaryPath, "gate", "--path", configPath)
			err := cmd.Run()
			Expect(err).NotTo(HaveOccurred())
		})

		It("prints the gate header", func() {
			cmd := exec.Command(binaryPath, "gate", "--path", configPath)
			output, err := cmd.CombinedOutput()
			Expect(err).NotTo(HaveOccurred())
			Expect(string(output)).To(ContainSubstring("--- lint ---"))
		})
	})

	Context("with a failing gate", func() {
		BeforeEach(func() {
			writeGateConfig(`gates:
  - name: lint
    run: "exit 1"
`)
		})

		It("exits with a non-zero code", func() {
			cmd := exec.Command(binaryPath, "gate", "--path", configPath)
			err := cmd.Run()
			Expect(err).To(HaveOccurred())
		})

		It("reports which gate failed", func() {
			cmd := exec.Command(binaryPath, "gate", "--path", configPath)
			output, _ := cmd.CombinedOutput()
			Expect(string(output)).To(ContainSubstring(`gate "lint" failed`))
		})
	})

	Context("fail-fast behavior", func() {
		BeforeEach(func() {
			writeGateConfig(`gates:
  - name: first
    run: "exit 1"
  - name: second
    run: "echo second ran"
`)
		})

		It("does not run the second gate after the first fails", func() {
			cmd := exec.Command(binaryPath, "gate", "--path", configPath)
			output, _ := cmd.CombinedOutput()
			out := string(output)
			Expect(out).To(ContainSubstring("--- first ---"))
			Expect(out).NotTo(ContainSubstring("--- second ---"))
		})
	})

	Context("with multiple passing gates", func() {
		BeforeEach(func() {
			writeGateConfig(`gates:
  - name: lint
    run: "echo lint ok"
  - name: fmt
    run: "echo fmt ok"
`)
		})

		It("runs all gates in order", func() {
			cmd := exec.Command(binaryPath, "gate", "--path", configPath)
			output, err := cmd.CombinedOutput()
			Expect(err).NotTo(HaveOccurred())
			out := string(output)
			Expect(out).To(ContainSubstring("--- lint ---"))
			Expect(out).To(ContainSubstring("--- fmt ---"))
		})
	})

	Context("{staged} substitution", func() {
		BeforeEach(func() {
			writeGateConfig(`gates:
  - name: check
    run: "echo {staged}"
`)
			writeFile(filepath.Join(repoDir, "new.txt"), "new content\n")
			runGit(repoDir, "add", "new.txt")
		})

		It("substitutes staged file names into the run command", func() {
			cmd := exec.Command(binaryPath, "gate", "--path", configPath)
			output, err := cmd.CombinedOutput()
			Expect(err).NotTo(HaveOccurred())
			Expect(string(output)).To(ContainSubstring("new.txt"))
		})
	})

	Context("with no gates configured", func() {
		BeforeEach(func() {
			writeGateConfig(`settings:
  agent_command: claude
  dispatch_agent: dispatch
`)
		})

		It("exits with code 0", func() {
			cmd := exec.Command(binaryPath, "gate", "--path", configPath)
			err := cmd.Run()
			Expect(err).NotTo(HaveOccurred())
		})

		It("prints a message about no gates", func() {
			cmd := exec.Command(binaryPath, "gate", "--path", configPath)
			output, err := cmd.CombinedOutput()
			Expect(err).NotTo(HaveOccurred())
			Expect(string(output)).To(ContainSubstring("No gates configured"))
		})
	})

	Context("with an invalid gate (missing run command)", func() {
		BeforeEach(func() {
			writeGateConfig(`gates:
  - name: lint
`)
		})

		It("exits with a non-zero code before running anything", func() {
			cmd := exec.Command(binaryPath, "gate", "--path", configPath)
			err := cmd.Run()
			Expect(err).To(HaveOccurred())
		})

		It("reports the validation error", func() {
			cmd := exec.Command(binaryPath, "gate", "--path", configPath)
			output, _ := cmd.CombinedOutput()
			Expect(string(output)).To(ContainSubstring("run is required"))
		})
	})
})
