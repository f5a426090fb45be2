package parser

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rendis/flow/pkg/schema"
)

// ParseAction turns one action-text line into an ActionSpec. Verbs are
// case-insensitive. Returns nil when the text matches no known verb, which
// is a definition error at the call site (the parser never guesses).
func ParseAction(text string) (*schema.ActionSpec, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, nil
	}

	lower := strings.ToLower(trimmed)
	switch {
	case strings.HasPrefix(lower, "log"):
		return parseLogAction(trimmed)
	case strings.HasPrefix(lower, "set"):
		return parseSetAction(trimmed)
	case strings.HasPrefix(lower, "wait"):
		return parseWaitAction(trimmed)
	case strings.HasPrefix(lower, "shell"), strings.HasPrefix(lower, "run a command"):
		return parseShellAction(trimmed)
	case strings.HasPrefix(lower, "execute prompt"):
		return parsePromptAction(trimmed)
	case strings.HasPrefix(lower, "run workflow"), strings.HasPrefix(lower, "delegate"):
		return parseWorkflowAction(trimmed)
	case strings.HasPrefix(lower, "abort"):
		return parseAbortAction(trimmed)
	default:
		return nil, nil
	}
}

var (
	logRe    = regexp.MustCompile(`(?i)^log(?:\s+(error|warn|info))?\s+"((?:[^"\\]|\\.)*)"\s*$`)
	setRe    = regexp.MustCompile(`(?i)^set\s+([A-Za-z_][A-Za-z0-9_]*)\s*=\s*(.+?)\s*$`)
	waitRe   = regexp.MustCompile(`(?i)^wait\s+(\d+)\s*(seconds?|sec|s|minutes?|min|m|hours?|h)(?:\s+(.*))?$`)
	quotedRe = regexp.MustCompile(`(?i)^(shell|run a command|execute prompt|run workflow|delegate|abort)\s+"((?:[^"\\]|\\.)*)"\s*(.*)$`)
)

// identRe matches variable and argument names.
var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_-]*$`)

func parseLogAction(text string) (*schema.ActionSpec, error) {
	m := logRe.FindStringSubmatch(text)
	if m == nil {
		return nil, schema.NewErrorf(schema.ErrCodeDefinition,
			`malformed log action %q: expected Log [error|warn] "message"`, text)
	}
	level := strings.ToLower(m[1])
	if level == "" {
		level = "info"
	}
	return &schema.ActionSpec{
		Kind:       schema.ActionLog,
		LogLevel:   level,
		LogMessage: unescapeQuoted(m[2]),
	}, nil
}

func parseSetAction(text string) (*schema.ActionSpec, error) {
	m := setRe.FindStringSubmatch(text)
	if m == nil {
		return nil, schema.NewErrorf(schema.ErrCodeDefinition,
			`malformed set action %q: expected Set name="value"`, text)
	}
	value, err := parseLiteral(m[2])
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeDefinition,
			"malformed set action %q: %s", text, err.Error())
	}
	return &schema.ActionSpec{
		Kind:     schema.ActionSetVariable,
		Variable: m[1],
		Value:    value,
	}, nil
}

func parseWaitAction(text string) (*schema.ActionSpec, error) {
	if strings.Contains(strings.ToLower(text), "wait for user") {
		return &schema.ActionSpec{
			Kind:         schema.ActionWait,
			WaitForInput: true,
			WaitMessage:  text,
		}, nil
	}

	m := waitRe.FindStringSubmatch(text)
	if m == nil {
		return nil, schema.NewErrorf(schema.ErrCodeDefinition,
			`malformed wait action %q: expected Wait N seconds|minutes|hours or Wait for user`, text)
	}

	n, err := strconv.Atoi(m[1])
	if err != nil || n <= 0 {
		return nil, schema.NewErrorf(schema.ErrCodeDefinition,
			"wait duration must be a positive integer, got %q", m[1])
	}

	var unit time.Duration
	switch strings.ToLower(m[2])[0] {
	case 's':
		unit = time.Second
	case 'm':
		unit = time.Minute
	case 'h':
		unit = time.Hour
	}

	return &schema.ActionSpec{
		Kind:         schema.ActionWait,
		WaitDuration: time.Duration(n) * unit,
		WaitMessage:  strings.TrimSpace(m[3]),
	}, nil
}

func parseShellAction(text string) (*schema.ActionSpec, error) {
	_, command, rest, err := splitQuotedVerb(text)
	if err != nil {
		return nil, err
	}
	if command == "" {
		return nil, schema.NewError(schema.ErrCodeDefinition, "shell command cannot be empty")
	}

	spec := &schema.ActionSpec{
		Kind:  schema.ActionShell,
		Shell: &schema.ShellActionConfig{Command: command},
	}

	params, err := parseWithParams(rest)
	if err != nil {
		return nil, err
	}
	for key, raw := range params {
		switch key {
		case "timeout":
			secs, ok := raw.(int)
			if !ok || secs <= 0 {
				return nil, schema.NewErrorf(schema.ErrCodeDefinition,
					"shell timeout must be a positive integer of seconds, got %v", raw)
			}
			spec.Shell.Timeout = time.Duration(secs) * time.Second
		case "result":
			name, ok := raw.(string)
			if !ok || !identRe.MatchString(name) {
				return nil, schema.NewErrorf(schema.ErrCodeDefinition,
					"invalid result variable name %v", raw)
			}
			spec.ResultVariable = name
		case "working_dir", "working-dir":
			dir, ok := raw.(string)
			if !ok {
				return nil, schema.NewErrorf(schema.ErrCodeDefinition,
					"working_dir must be a quoted string, got %v", raw)
			}
			spec.Shell.WorkingDir = dir
		case "env":
			obj, ok := raw.(string)
			if !ok {
				return nil, schema.NewErrorf(schema.ErrCodeDefinition, "env must be a {...} object")
			}
			var env map[string]string
			if err := json.Unmarshal([]byte(obj), &env); err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeDefinition,
					"malformed env object %q: %s", obj, err.Error())
			}
			spec.Shell.Environment = env
		default:
			return nil, schema.NewErrorf(schema.ErrCodeDefinition,
				"unknown shell parameter %q", key)
		}
	}

	return spec, nil
}

func parsePromptAction(text string) (*schema.ActionSpec, error) {
	_, name, rest, err := splitQuotedVerb(text)
	if err != nil {
		return nil, err
	}
	if name == "" {
		return nil, schema.NewError(schema.ErrCodeDefinition, "prompt name cannot be empty")
	}

	spec := &schema.ActionSpec{
		Kind:       schema.ActionPrompt,
		PromptName: name,
		Arguments:  map[string]string{},
	}

	params, err := parseWithParams(rest)
	if err != nil {
		return nil, err
	}
	for key, raw := range params {
		val, ok := raw.(string)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeDefinition,
				"prompt argument %q must be a quoted string", key)
		}
		if key == "result" {
			if !identRe.MatchString(val) {
				return nil, schema.NewErrorf(schema.ErrCodeDefinition,
					"invalid result variable name %q", val)
			}
			spec.ResultVariable = val
			continue
		}
		spec.Arguments[key] = val
	}

	return spec, nil
}

func parseWorkflowAction(text string) (*schema.ActionSpec, error) {
	_, name, rest, err := splitQuotedVerb(text)
	if err != nil {
		return nil, err
	}
	if name == "" {
		return nil, schema.NewError(schema.ErrCodeDefinition, "workflow name cannot be empty")
	}

	spec := &schema.ActionSpec{
		Kind:         schema.ActionRunWorkflow,
		WorkflowName: name,
		Arguments:    map[string]string{},
	}

	lowerRest := strings.ToLower(rest)
	if strings.HasPrefix(lowerRest, "in parallel") {
		spec.Parallel = true
		rest = strings.TrimSpace(rest[len("in parallel"):])
	}

	params, err := parseWithParams(rest)
	if err != nil {
		return nil, err
	}
	for key, raw := range params {
		val, ok := raw.(string)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeDefinition,
				"workflow input %q must be a quoted string", key)
		}
		if key == "result" {
			if !identRe.MatchString(val) {
				return nil, schema.NewErrorf(schema.ErrCodeDefinition,
					"invalid result variable name %q", val)
			}
			spec.ResultVariable = val
			continue
		}
		spec.Arguments[key] = val
	}

	return spec, nil
}

func parseAbortAction(text string) (*schema.ActionSpec, error) {
	_, reason, rest, err := splitQuotedVerb(text)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(rest) != "" {
		return nil, schema.NewErrorf(schema.ErrCodeDefinition,
			"abort takes no parameters, got %q", rest)
	}
	return &schema.ActionSpec{
		Kind:   schema.ActionAbort,
		Reason: reason,
	}, nil
}

// splitQuotedVerb splits `Verb "argument" rest...` into its parts.
func splitQuotedVerb(text string) (verb, arg, rest string, err error) {
	m := quotedRe.FindStringSubmatch(text)
	if m == nil {
		return "", "", "", schema.NewErrorf(schema.ErrCodeDefinition,
			`malformed action %q: expected Verb "argument" [with key=value ...]`, text)
	}
	return strings.ToLower(m[1]), unescapeQuoted(m[2]), strings.TrimSpace(m[3]), nil
}

// parseWithParams parses the optional `with key=value key2="v" ...` tail.
// Values are quoted strings, integers, booleans, or {...} objects (returned
// as their raw text). Returns an empty map when rest is empty.
func parseWithParams(rest string) (map[string]any, error) {
	params := make(map[string]any)
	rest = strings.TrimSpace(rest)
	if rest == "" {
		return params, nil
	}

	if !strings.HasPrefix(strings.ToLower(rest), "with") {
		return nil, schema.NewErrorf(schema.ErrCodeDefinition,
			"unexpected trailing text %q: parameters must follow 'with'", rest)
	}
	rest = strings.TrimSpace(rest[len("with"):])

	for rest != "" {
		eq := strings.IndexByte(rest, '=')
		if eq <= 0 {
			return nil, schema.NewErrorf(schema.ErrCodeDefinition,
				"malformed parameter near %q: expected key=value", rest)
		}
		key := strings.TrimSpace(rest[:eq])
		if !identRe.MatchString(key) {
			return nil, schema.NewErrorf(schema.ErrCodeDefinition,
				"invalid parameter key %q", key)
		}
		rest = strings.TrimSpace(rest[eq+1:])

		value, remaining, err := scanParamValue(rest)
		if err != nil {
			return nil, err
		}
		if _, dup := params[key]; dup {
			return nil, schema.NewErrorf(schema.ErrCodeDefinition,
				"duplicate parameter %q", key)
		}
		params[key] = value
		rest = strings.TrimSpace(remaining)
	}

	return params, nil
}

// scanParamValue consumes one parameter value from the front of s.
func scanParamValue(s string) (any, string, error) {
	if s == "" {
		return nil, "", schema.NewError(schema.ErrCodeDefinition, "missing parameter value")
	}

	switch s[0] {
	case '"':
		end := 1
		for end < len(s) {
			if s[end] == '\\' {
				end += 2
				continue
			}
			if s[end] == '"' {
				return unescapeQuoted(s[1:end]), s[end+1:], nil
			}
			end++
		}
		return nil, "", schema.NewErrorf(schema.ErrCodeDefinition, "unterminated quoted value in %q", s)

	case '{':
		depth := 0
		for i := 0; i < len(s); i++ {
			switch s[i] {
			case '{':
				depth++
			case '}':
				depth--
				if depth == 0 {
					return s[:i+1], s[i+1:], nil
				}
			}
		}
		return nil, "", schema.NewErrorf(schema.ErrCodeDefinition, "unterminated {...} value in %q", s)

	default:
		end := strings.IndexByte(s, ' ')
		token := s
		rest := ""
		if end != -1 {
			token = s[:end]
			rest = s[end:]
		}
		val, err := parseLiteral(token)
		if err != nil {
			return nil, "", err
		}
		return val, rest, nil
	}
}

// parseLiteral parses a bare or quoted literal: string, integer, or boolean.
func parseLiteral(token string) (any, error) {
	token = strings.TrimSpace(token)
	if len(token) >= 2 && token[0] == '"' && token[len(token)-1] == '"' {
		return unescapeQuoted(token[1 : len(token)-1]), nil
	}
	if n, err := strconv.Atoi(token); err == nil {
		return n, nil
	}
	switch strings.ToLower(token) {
	case "true":
		return true, nil
	case "false":
		return false, nil
	}
	return nil, schema.NewErrorf(schema.ErrCodeDefinition,
		"invalid literal %q: expected quoted string, integer, or boolean", token)
}

func unescapeQuoted(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			i++
			switch s[i] {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			default:
				b.WriteByte(s[i])
			}
			continue
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
