package expressions

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rendis/flow/pkg/schema"
)

// Substitute resolves ${var} references in text against the variable context.
// Substitution applies to command strings, log messages, and action arguments
// only, never to structural workflow text, so a resolved value can never
// alter a parsed keyword.
//
// Unknown variables resolve to the empty string; a ${ without a closing }
// is an error.
func Substitute(text string, vars map[string]any) (string, error) {
	if !strings.Contains(text, "${") {
		return text, nil
	}

	var result strings.Builder
	result.Grow(len(text))

	i := 0
	for i < len(text) {
		idx := strings.Index(text[i:], "${")
		if idx == -1 {
			result.WriteString(text[i:])
			break
		}

		result.WriteString(text[i : i+idx])
		start := i + idx + 2 // skip "${"

		end := strings.IndexByte(text[start:], '}')
		if end == -1 {
			return "", schema.NewErrorf(schema.ErrCodeAction,
				"unclosed ${ reference in %q", text)
		}
		end += start

		name := strings.TrimSpace(text[start:end])
		if name == "" {
			return "", schema.NewError(schema.ErrCodeAction, "empty variable reference: ${}")
		}

		if val, ok := vars[name]; ok {
			result.WriteString(stringify(val))
		}

		i = end + 1 // skip "}"
	}

	return result.String(), nil
}

// stringify renders a context value for inline substitution.
func stringify(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return ""
	case bool:
		if v {
			return "true"
		}
		return "false"
	case float64:
		return fmt.Sprintf("%v", v)
	case int:
		return fmt.Sprintf("%d", v)
	case int64:
		return fmt.Sprintf("%d", v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}
