// Package transition implements TransitionParser (§4.7): it extracts the
// <next>...</next> directive from an agent's final message and decodes the
// YAML payload inside it.
package transition

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Next requests a transition to another agent.
type Next struct {
	Agent string            `yaml:"agent"`
	Args  map[string]string `yaml:"args"`
}

// Transition is the parsed result of a <next> tag: exactly one of Next or
// Sleep is meaningful.
type Transition struct {
	Next  *Next
	Sleep bool
}

// ErrNoTag is returned when the message contains no well-formed <next> tag.
var ErrNoTag = fmt.Errorf("no <next> tag found")

// ErrMalformed wraps a YAML decode failure inside an otherwise well-formed tag.
type ErrMalformed struct {
	Inner error
}

func (e *ErrMalformed) Error() string { return fmt.Sprintf("malformed <next> tag: %s", e.Inner) }
func (e *ErrMalformed) Unwrap() error { return e.Inner }

const (
	openTag  = "<next>"
	closeTag = "</next>"
)

// Parse scans message for the outermost well-formed <next>...</next> pair:
// it counts opens and closes rather than matching the first close, so that
// nested same-name tags quoted inside a code example don't truncate the
// match early.
func Parse(message string) (Transition, error) {
	body, ok := extractOutermost(message)
	if !ok {
		return Transition{}, ErrNoTag
	}

	var raw struct {
		Agent string            `yaml:"agent"`
		Args  map[string]string `yaml:"args"`
		Sleep bool              `yaml:"sleep"`
	}
	if err := yaml.Unmarshal([]byte(body), &raw); err != nil {
		return Transition{}, &ErrMalformed{Inner: err}
	}

	if raw.Sleep {
		return Transition{Sleep: true}, nil
	}
	if raw.Agent == "" {
		return Transition{}, &ErrMalformed{Inner: fmt.Errorf("neither agent nor sleep set")}
	}
	return Transition{Next: &Next{Agent: raw.Agent, Args: raw.Args}}, nil
}

// extractOutermost finds the first <next> and its matching </next>, treating
// any further <next> encountered before a close as nesting one level deeper.
func extractOutermost(message string) (string, bool) {
	start := strings.Index(message, openTag)
	if start == -1 {
		return "", false
	}

	pos := start + len(openTag)
	depth := 1
	for depth > 0 {
		nextOpen := indexFrom(message, openTag, pos)
		nextClose := indexFrom(message, closeTag, pos)
		if nextClose == -1 {
			return "", false
		}
		if nextOpen != -1 && nextOpen < nextClose {
			depth++
			pos = nextOpen + len(openTag)
			continue
		}
		depth--
		pos = nextClose + len(closeTag)
		if depth == 0 {
			bodyStart := start + len(openTag)
			bodyEnd := nextClose
			return message[bodyStart:bodyEnd], true
		}
	}
	return "", false
}

func indexFrom(s, sub string, from int) int {
	if from > len(s) {
		return -1
	}
	i := strings.Index(s[from:], sub)
	if i == -1 {
		return -1
	}
	return i + from
}

// ReminderMessage is resumed into the session on a parse failure, per the
// retry-once policy in §4.7.
const ReminderMessage = `Your last message did not contain a valid <next> tag. End your message with exactly one well-formed block, e.g.:

<next>
agent: some-agent
args:
  key: value
</next>

or:

<next>
sleep: true
</next>`
