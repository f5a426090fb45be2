// Package parser turns markdown workflow documents into validated
// WorkflowDefinition values. A document carries optional YAML front matter,
// a fenced mermaid stateDiagram-v2 block describing states and transitions,
// and an Actions section binding action text to state ids.
package parser

import (
	"encoding/json"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rendis/flow/pkg/schema"
)

// frontMatter is the YAML header of a workflow document.
type frontMatter struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Variables   map[string]any `yaml:"variables"`
	Parameters  map[string]any `yaml:"parameters"`
	Schedule    string         `yaml:"schedule"`
}

var (
	initialRe    = regexp.MustCompile(`^\[\*\]\s*-->\s*([A-Za-z_][A-Za-z0-9_]*)\s*$`)
	terminalRe   = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_]*)\s*-->\s*\[\*\]\s*$`)
	transitionRe = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_]*)\s*-->\s*([A-Za-z_][A-Za-z0-9_]*)\s*(?::\s*(.+?)\s*)?$`)
	stateDeclRe  = regexp.MustCompile(`^state\s+([A-Za-z_][A-Za-z0-9_]*)\s*<<(fork|join|choice)>>\s*(fail_fast|wait_for_all)?\s*$`)
	actionLineRe = regexp.MustCompile(`^[-*]\s+([A-Za-z_][A-Za-z0-9_]*)\s*:\s*(.+)$`)
)

// Parse builds a WorkflowDefinition from document source. The returned
// definition has passed structural validation; custom guard expressions are
// compiled separately by the loader.
func Parse(name string, source []byte) (*schema.WorkflowDefinition, error) {
	def := &schema.WorkflowDefinition{
		Name:      name,
		States:    make(map[string]*schema.State),
		Variables: map[string]any{},
	}

	body, err := parseFrontMatter(string(source), def)
	if err != nil {
		return nil, err
	}

	diagram, diagramLine, err := extractDiagram(body)
	if err != nil {
		return nil, err
	}
	if err := parseDiagram(diagram, diagramLine, def); err != nil {
		return nil, err
	}

	if err := parseActions(body, def); err != nil {
		return nil, err
	}

	if err := Validate(def); err != nil {
		return nil, err
	}
	return def, nil
}

func parseFrontMatter(source string, def *schema.WorkflowDefinition) (string, error) {
	if !strings.HasPrefix(source, "---\n") && !strings.HasPrefix(source, "---\r\n") {
		return source, nil
	}

	rest := source[strings.IndexByte(source, '\n')+1:]
	endIdx := -1
	offset := 0
	for _, line := range strings.SplitAfter(rest, "\n") {
		if strings.TrimRight(line, "\r\n") == "---" {
			endIdx = offset
			break
		}
		offset += len(line)
	}
	if endIdx == -1 {
		return "", schema.NewError(schema.ErrCodeDefinition, "unterminated front matter: missing closing ---")
	}

	var fm frontMatter
	if err := yaml.Unmarshal([]byte(rest[:endIdx]), &fm); err != nil {
		return "", schema.NewError(schema.ErrCodeDefinition, "malformed front matter").WithCause(err)
	}

	if fm.Name != "" {
		def.Name = fm.Name
	}
	def.Description = fm.Description
	def.Schedule = fm.Schedule
	if fm.Variables != nil {
		def.Variables = fm.Variables
	}
	if fm.Parameters != nil {
		raw, err := json.Marshal(fm.Parameters)
		if err != nil {
			return "", schema.NewError(schema.ErrCodeDefinition, "malformed parameters schema").WithCause(err)
		}
		def.Parameters = raw
	}

	body := rest[endIdx:]
	body = body[strings.IndexByte(body, '\n')+1:]
	return body, nil
}

// extractDiagram finds the first fenced mermaid block and returns its body
// along with the source line number of its opening fence.
func extractDiagram(body string) (string, int, error) {
	lines := strings.Split(body, "\n")
	start := -1
	for i, line := range lines {
		fence := strings.TrimSpace(line)
		if fence == "```mermaid" {
			start = i + 1
			break
		}
	}
	if start == -1 {
		return "", 0, schema.NewError(schema.ErrCodeDefinition, "workflow has no mermaid state diagram")
	}

	for i := start; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "```" {
			return strings.Join(lines[start:i], "\n"), start, nil
		}
	}
	return "", 0, schema.NewError(schema.ErrCodeDefinition, "unterminated mermaid block")
}

func parseDiagram(diagram string, baseLine int, def *schema.WorkflowDefinition) error {
	sawHeader := false

	for i, raw := range strings.Split(diagram, "\n") {
		lineNo := baseLine + i + 1
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "%%") {
			continue
		}

		if strings.HasPrefix(line, "stateDiagram") {
			sawHeader = true
			continue
		}

		if m := stateDeclRe.FindStringSubmatch(line); m != nil {
			st := ensureState(def, m[1], lineNo)
			switch m[2] {
			case "fork":
				st.Kind = schema.StateFork
			case "join":
				st.Kind = schema.StateJoin
			case "choice":
				st.Kind = schema.StateChoice
			}
			if m[3] != "" {
				if st.Kind != schema.StateJoin {
					return schema.NewErrorf(schema.ErrCodeDefinition,
						"join policy %s on non-join state %s", m[3], st.ID).WithLine(lineNo)
				}
				st.JoinPolicy = schema.JoinPolicy(m[3])
			}
			continue
		}

		if m := initialRe.FindStringSubmatch(line); m != nil {
			if def.InitialState != "" && def.InitialState != m[1] {
				return schema.NewErrorf(schema.ErrCodeDefinition,
					"multiple initial states: %s and %s", def.InitialState, m[1]).WithLine(lineNo)
			}
			def.InitialState = m[1]
			ensureState(def, m[1], lineNo)
			continue
		}

		if m := terminalRe.FindStringSubmatch(line); m != nil {
			st := ensureState(def, m[1], lineNo)
			st.Kind = schema.StateTerminal
			continue
		}

		if m := transitionRe.FindStringSubmatch(line); m != nil {
			ensureState(def, m[1], lineNo)
			ensureState(def, m[2], lineNo)
			def.Transitions = append(def.Transitions, schema.Transition{
				From:  m[1],
				To:    m[2],
				Guard: parseGuard(m[3]),
				Line:  lineNo,
			})
			continue
		}

		return schema.NewErrorf(schema.ErrCodeDefinition, "unrecognized diagram line %q", line).WithLine(lineNo)
	}

	if !sawHeader {
		return schema.NewError(schema.ErrCodeDefinition, "mermaid block is not a stateDiagram-v2")
	}
	return nil
}

func parseGuard(label string) schema.Guard {
	label = strings.TrimSpace(label)
	switch strings.ToLower(label) {
	case "", "always":
		return schema.Guard{Kind: schema.GuardAlways}
	case "onsuccess", "on success":
		return schema.Guard{Kind: schema.GuardOnSuccess}
	case "onfailure", "on failure":
		return schema.Guard{Kind: schema.GuardOnFailure}
	}
	return schema.Guard{Kind: schema.GuardCustom, Expression: label}
}

func ensureState(def *schema.WorkflowDefinition, id string, lineNo int) *schema.State {
	if st, ok := def.States[id]; ok {
		return st
	}
	st := &schema.State{ID: id, Kind: schema.StateNormal, Line: lineNo}
	def.States[id] = st
	return st
}

// parseActions binds the `## Actions` list entries to states. Each entry is
// `- StateId: Action text`. States without an entry have no action, which is
// legal for every state kind.
func parseActions(body string, def *schema.WorkflowDefinition) error {
	lines := strings.Split(body, "\n")
	inActions := false
	inFence := false

	for i, raw := range lines {
		line := strings.TrimSpace(raw)
		if strings.HasPrefix(line, "```") {
			inFence = !inFence
			continue
		}
		if inFence {
			continue
		}

		if strings.HasPrefix(line, "#") {
			heading := strings.ToLower(strings.TrimSpace(strings.TrimLeft(line, "#")))
			inActions = heading == "actions"
			continue
		}
		if !inActions || line == "" {
			continue
		}

		m := actionLineRe.FindStringSubmatch(line)
		if m == nil {
			return schema.NewErrorf(schema.ErrCodeDefinition,
				"malformed actions entry %q: expected - StateId: Action text", line).WithLine(i + 1)
		}

		st, ok := def.States[m[1]]
		if !ok {
			return schema.NewErrorf(schema.ErrCodeDefinition,
				"actions entry references unknown state %s", m[1]).WithLine(i + 1)
		}
		if st.Action != nil {
			return schema.NewErrorf(schema.ErrCodeDefinition,
				"state %s has more than one action", m[1]).WithLine(i + 1)
		}

		spec, err := ParseAction(m[2])
		if err != nil {
			if fe, ok := err.(*schema.FlowError); ok {
				return fe.WithState(m[1]).WithLine(i + 1)
			}
			return err
		}
		if spec == nil {
			return schema.NewErrorf(schema.ErrCodeDefinition,
				"unknown action verb in %q", m[2]).WithState(m[1]).WithLine(i + 1)
		}
		st.Action = spec
	}

	return nil
}
