package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
	"gopkg.in/yaml.v3"
)

// AgentArg describes one declared argument an agent's template may reference.
type AgentArg struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Required    bool   `yaml:"required"`
}

// AgentDef is one parsed agents/<name>.md file.
type AgentDef struct {
	Name           string
	Description    string
	MaxConcurrency int
	OnNoCommits    string // "sleep" or ""
	ClaudeArgs     []string
	Args           []AgentArg
	Template       string
}

type agentFrontmatter struct {
	Description    string     `yaml:"description"`
	MaxConcurrency int        `yaml:"max_concurrency"`
	OnNoCommits    string     `yaml:"on_no_commits"`
	ClaudeArgs     []string   `yaml:"claude_args"`
	Args           []AgentArg `yaml:"args"`
}

// Catalog is the set of loaded agent definitions, keyed by name.
type Catalog struct {
	agents map[string]*AgentDef
}

// LoadCatalog reads every *.md file in dir as an agent definition. A missing
// directory yields an empty catalog, not an error.
func LoadCatalog(dir string) (*Catalog, error) {
	cat := &Catalog{agents: map[string]*AgentDef{}}

	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return cat, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading agents directory: %w", err)
	}

	for _, ent := range entries {
		if ent.IsDir() || !strings.HasSuffix(ent.Name(), ".md") {
			continue
		}
		name := strings.TrimSuffix(ent.Name(), ".md")
		path := filepath.Join(dir, ent.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading agent %s: %w", name, err)
		}
		def, err := parseAgentFile(name, data)
		if err != nil {
			return nil, fmt.Errorf("parsing agent %s: %w", name, err)
		}
		cat.agents[name] = def
	}
	return cat, nil
}

var frontmatterDelim = regexp.MustCompile(`(?s)^---\r?\n(.*?)\r?\n---\r?\n?`)

func parseAgentFile(name string, data []byte) (*AgentDef, error) {
	m := frontmatterDelim.FindSubmatch(data)
	if m == nil {
		return nil, fmt.Errorf("missing YAML frontmatter")
	}
	var fm agentFrontmatter
	if err := yaml.Unmarshal(m[1], &fm); err != nil {
		return nil, fmt.Errorf("frontmatter: %w", err)
	}
	body := data[len(m[0]):]

	return &AgentDef{
		Name:           name,
		Description:    fm.Description,
		MaxConcurrency: fm.MaxConcurrency,
		OnNoCommits:    fm.OnNoCommits,
		ClaudeArgs:     fm.ClaudeArgs,
		Args:           fm.Args,
		Template:       string(body),
	}, nil
}

// Get returns the named agent, or nil if not present.
func (c *Catalog) Get(name string) *AgentDef {
	return c.agents[name]
}

// Names returns every loaded agent's name, in no particular order.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.agents))
	for n := range c.agents {
		names = append(names, n)
	}
	return names
}

// missingArgError reports a required arg that render didn't receive.
type missingArgError struct {
	Agent, Arg string
}

func (e *missingArgError) Error() string {
	return fmt.Sprintf("agent %q: missing required arg %q", e.Agent, e.Arg)
}

// Render substitutes args into the agent's template body. There is no
// handlebars-go library in the wild worth pulling in for `{{name}}`
// interpolation alone, so substitution is a small internal scan: every
// required arg must be present, and any declared optional arg not supplied
// renders as empty.
func (d *AgentDef) Render(args map[string]string) (string, error) {
	values := make(map[string]string, len(d.Args))
	for _, a := range d.Args {
		if v, ok := args[a.Name]; ok {
			values[a.Name] = v
		} else if a.Required {
			return "", &missingArgError{Agent: d.Name, Arg: a.Name}
		} else {
			values[a.Name] = ""
		}
	}

	var sb strings.Builder
	sc := bufio.NewScanner(strings.NewReader(d.Template))
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	first := true
	for sc.Scan() {
		if !first {
			sb.WriteByte('\n')
		}
		first = false
		sb.WriteString(substitute(sc.Text(), values))
	}
	return sb.String(), nil
}

var placeholder = regexp.MustCompile(`\{\{\s*([a-zA-Z_][a-zA-Z0-9_]*)\s*\}\}`)

func substitute(line string, values map[string]string) string {
	return placeholder.ReplaceAllStringFunc(line, func(match string) string {
		sub := placeholder.FindStringSubmatch(match)
		if v, ok := values[sub[1]]; ok {
			return v
		}
		return ""
	})
}

// DescriptionPlainText renders the (possibly markdown) description down to
// plain text for single-line display in `coven agents list`, stripping
// emphasis/link markup rather than showing it raw.
func (d *AgentDef) DescriptionPlainText() string {
	src := []byte(d.Description)
	doc := goldmark.DefaultParser().Parse(text.NewReader(src))

	var sb strings.Builder
	ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		if t, ok := n.(*ast.Text); ok {
			sb.Write(t.Segment.Value(src))
			if t.SoftLineBreak() || t.HardLineBreak() {
				sb.WriteByte(' ')
			}
		}
		return ast.WalkContinue, nil
	})
	return strings.TrimSpace(sb.String())
}
