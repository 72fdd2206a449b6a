package workflow

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"
)

// Input binding resolves ${...} expressions in step input templates against
// the workflow scope: {"context": <input>, "steps": {<id>: {"output": ...}}}.

// bindingScope builds the resolution scope for a workflow execution.
func bindingScope(workflowContext map[string]any, outputs map[string]map[string]any) []byte {
	steps := make(map[string]any, len(outputs))
	for id, out := range outputs {
		steps[id] = map[string]any{"output": out}
	}
	scope := map[string]any{
		"context": workflowContext,
		"steps":   steps,
	}
	raw, err := json.Marshal(scope)
	if err != nil {
		return []byte("{}")
	}
	return raw
}

// resolveInput renders a step input template against the scope. Expressions
// that resolve to nothing bind to nil.
func resolveInput(template map[string]any, scope []byte) map[string]any {
	if template == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(template))
	for k, v := range template {
		out[k] = resolveValue(v, scope)
	}
	return out
}

func resolveValue(v any, scope []byte) any {
	switch tv := v.(type) {
	case string:
		if path, ok := bindingPath(tv); ok {
			res := gjson.GetBytes(scope, path)
			if !res.Exists() {
				return nil
			}
			return res.Value()
		}
		return tv
	case map[string]any:
		return resolveInput(tv, scope)
	case []any:
		out := make([]any, len(tv))
		for i, item := range tv {
			out[i] = resolveValue(item, scope)
		}
		return out
	default:
		return v
	}
}

// bindingPath extracts the gjson path from a ${...} expression.
func bindingPath(s string) (string, bool) {
	if !strings.HasPrefix(s, "${") || !strings.HasSuffix(s, "}") {
		return "", false
	}
	return strings.TrimSpace(s[2 : len(s)-1]), true
}
