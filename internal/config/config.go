// Package config loads coven's two on-disk config surfaces: the top-level
// coven.yaml (settings, gates, permissions) and the AgentCatalog (§4.5), a
// directory of markdown-with-frontmatter agent definitions.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the parsed coven.yaml.
type Config struct {
	Settings    Settings     `yaml:"settings"`
	Gates       []Gate       `yaml:"gates,omitempty"`
	Permissions *Permissions `yaml:"permissions,omitempty"`
}

// Settings carries the runtime-wide defaults that apply to every worker.
type Settings struct {
	AgentCommand  string   `yaml:"agent_command"`
	AgentArgs     []string `yaml:"agent_args,omitempty"`
	MainBranch    string   `yaml:"main_branch,omitempty"`
	BranchPrefix  string   `yaml:"branch_prefix,omitempty"`
	WorktreeBase  string   `yaml:"worktree_base,omitempty"`
	DispatchAgent string   `yaml:"dispatch_agent"`
	PollInterval  Duration `yaml:"poll_interval,omitempty"`
}

// Gate defines a pre-land quality gate (linter, formatter, type checker).
type Gate struct {
	Name string `yaml:"name"`
	Run  string `yaml:"run"`
}

// Permissions mirrors the Claude Code .claude/settings.json permissions
// block. When set, the worker writes this into each worktree before
// invoking its agent.
type Permissions struct {
	Allow []string `yaml:"allow" json:"allow"`
	Deny  []string `yaml:"deny,omitempty" json:"deny,omitempty"`
}

// Duration wraps time.Duration for YAML unmarshaling from strings like "10s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Duration() time.Duration { return time.Duration(d) }

// Load reads and parses path, filling in defaults for BranchPrefix,
// MainBranch and PollInterval when they are unset.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}

	if cfg.Settings.BranchPrefix == "" {
		cfg.Settings.BranchPrefix = "coven/"
	}
	if cfg.Settings.MainBranch == "" {
		cfg.Settings.MainBranch = "main"
	}
	if cfg.Settings.PollInterval == 0 {
		cfg.Settings.PollInterval = Duration(200 * time.Millisecond)
	}
	return &cfg, nil
}

// Validate reports every problem with cfg; an empty slice means cfg is usable.
func Validate(cfg *Config) []error {
	var errs []error
	if cfg.Settings.AgentCommand == "" {
		errs = append(errs, fmt.Errorf("settings.agent_command is required"))
	}
	if cfg.Settings.DispatchAgent == "" {
		errs = append(errs, fmt.Errorf("settings.dispatch_agent is required"))
	}
	errs = append(errs, ValidateGates(cfg.Gates)...)
	return errs
}

// ValidateGates checks that all gates have unique, non-empty names and
// non-empty run commands.
func ValidateGates(gates []Gate) []error {
	var errs []error
	names := make(map[string]bool)
	for i, g := range gates {
		if g.Name == "" {
			errs = append(errs, fmt.Errorf("gates[%d]: name is required", i))
		} else if names[g.Name] {
			errs = append(errs, fmt.Errorf("gates[%d]: duplicate name %q", i, g.Name))
		} else {
			names[g.Name] = true
		}
		if g.Run == "" {
			errs = append(errs, fmt.Errorf("gates[%d]: run is required", i))
		}
	}
	return errs
}
