package acceptance_test

import (
	"os/exec"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("coven validate", func() {
	Context("with a valid config and matching agent catalog", func() {
		It("exits with code 0", func() {
			cmd := exec.Command(binaryPath, "validate", testdataPath("valid.yaml"))
			err := cmd.Run()
			Expect(err).NotTo(HaveOccurred())
		})

		It("prints a success message", func() {
			cmd := exec.Command(binaryPath, "validate", testdataPath("valid.yaml"))
			output, err := cmd.CombinedOutput()
			Expect(err).NotTo(HaveOccurred())
			Expect(string(output)).To(ContainSubstring("valid"))
		})
	})

	Context("with invalid YAML syntax", func() {
		It("exits with a non-zero code", func() {
			cmd := exec.Command(binaryPath, "validate", testdataPath("invalid_yaml.yaml"))
			err := cmd.Run()
			Expect(err).To(HaveOccurred())
		})

		It("reports a YAML parse error", func() {
			cmd := exec.Command(binaryPath, "validate", testdataPath("invalid_yaml.yaml"))
			output, _ := cmd.CombinedOutput()
			Expect(string(output)).To(ContainSubstring("YAML"))
		})
	})

	Context("with missing required settings", func() {
		It("exits with a non-zero code", func() {
			cmd := exec.Command(binaryPath, "validate", testdataPath("missing_fields.yaml"))
			err := cmd.Run()
			Expect(err).To(HaveOccurred())
		})

		It("reports each missing field", func() {
			cmd := exec.Command(binaryPath, "validate", testdataPath("missing_fields.yaml"))
			output, _ := cmd.CombinedOutput()
			out := string(output)
			Expect(out).To(ContainSubstring("settings.agent_command is required"))
			Expect(out).To(ContainSubstring("settings.dispatch_agent is required"))
		})
	})

	Context("when dispatch_agent has no matching catalog entry", func() {
		It("exits with a non-zero code", func() {
			cmd := exec.Command(binaryPath, "validate", testdataPath("unknown_dispatch_agent.yaml"))
			err := cmd.Run()
			Expect(err).To(HaveOccurred())
		})

		It("names the missing agent", func() {
			cmd := exec.Command(binaryPath, "validate", testdataPath("unknown_dispatch_agent.yaml"))
			output, _ := cmd.CombinedOutput()
			Expect(string(output)).To(ContainSubstring("no matching file"))
		})
	})

	Context("with duplicate gate names", func() {
		It("reports the duplicate", func() {
			cmd := exec.Command(binaryPath, "validate", testdataPath("gates_duplicate_names.yaml"))
			output, _ := cmd.CombinedOutput()
			Expect(string(output)).To(ContainSubstring("duplicate name"))
		})
	})

	Context("with a nonexistent file", func() {
		It("exits with a non-zero code", func() {
			cmd := exec.Command(binaryPath, "validate", "/tmp/coven-does-not-exist.yaml")
			err := cmd.Run()
			Expect(err).To(HaveOccurred())
		})
	})
})
