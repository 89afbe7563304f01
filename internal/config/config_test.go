package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "coven.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing temp config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeTempConfig(t, `settings:
  agent_command: claude
  dispatch_agent: dispatch
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Settings.BranchPrefix != "coven/" {
		t.Errorf("BranchPrefix = %q, want %q", cfg.Settings.BranchPrefix, "coven/")
	}
	if cfg.Settings.MainBranch != "main" {
		t.Errorf("MainBranch = %q, want %q", cfg.Settings.MainBranch, "main")
	}
	if cfg.Settings.PollInterval.Duration() != 200*time.Millisecond {
		t.Errorf("PollInterval = %v, want 200ms", cfg.Settings.PollInterval.Duration())
	}
}

func TestLoadHonorsExplicitSettings(t *testing.T) {
	path := writeTempConfig(t, `settings:
  agent_command: claude
  dispatch_agent: dispatch
  main_branch: trunk
  branch_prefix: work/
  poll_interval: 1500ms
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Settings.MainBranch != "trunk" {
		t.Errorf("MainBranch = %q, want %q", cfg.Settings.MainBranch, "trunk")
	}
	if cfg.Settings.BranchPrefix != "work/" {
		t.Errorf("BranchPrefix = %q, want %q", cfg.Settings.BranchPrefix, "work/")
	}
	if cfg.Settings.PollInterval.Duration() != 1500*time.Millisecond {
		t.Errorf("PollInterval = %v, want 1.5s", cfg.Settings.PollInterval.Duration())
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err == nil {
		t.Fatal("Load() expected error for missing file, got nil")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	path := writeTempConfig(t, `settings: [this is not a mapping`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("Load() expected error for invalid YAML, got nil")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr int
	}{
		{
			name: "valid minimal config",
			cfg: Config{Settings: Settings{
				AgentCommand:  "claude",
				DispatchAgent: "dispatch",
			}},
			wantErr: 0,
		},
		{
			name:    "missing agent command and dispatch agent",
			cfg:     Config{},
			wantErr: 2,
		},
		{
			name: "missing dispatch agent only",
			cfg: Config{Settings: Settings{
				AgentCommand: "claude",
			}},
			wantErr: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := Validate(&tt.cfg)
			if len(errs) != tt.wantErr {
				t.Errorf("Validate() returned %d errors (%v), want %d", len(errs), errs, tt.wantErr)
			}
		})
	}
}

func TestValidateGates(t *testing.T) {
	tests := []struct {
		name    string
		gates   []Gate
		wantErr int
	}{
		{
			name:    "no gates",
			gates:   nil,
			wantErr: 0,
		},
		{
			name:    "valid gates",
			gates:   []Gate{{Name: "test", Run: "go test ./..."}, {Name: "lint", Run: "golangci-lint run"}},
			wantErr: 0,
		},
		{
			name:    "missing name",
			gates:   []Gate{{Name: "", Run: "go test ./..."}},
			wantErr: 1,
		},
		{
			name:    "missing run",
			gates:   []Gate{{Name: "test", Run: ""}},
			wantErr: 1,
		},
		{
			name:    "duplicate names",
			gates:   []Gate{{Name: "test", Run: "go test"}, {Name: "test", Run: "go vet"}},
			wantErr: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := ValidateGates(tt.gates)
			if len(errs) != tt.wantErr {
				t.Errorf("ValidateGates() returned %d errors (%v), want %d", len(errs), errs, tt.wantErr)
			}
		})
	}
}
