package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"

	"wlagent/internal/extract"
)

// Args are the decoded arguments of one tool call.
type Args map[string]any

// String returns a trimmed string argument or "".
func (a Args) String(key string) string {
	s, _ := a[key].(string)
	return strings.TrimSpace(s)
}

// Bool reads a boolean argument, accepting "true"/"false" strings.
func (a Args) Bool(key string) bool {
	switch v := a[key].(type) {
	case bool:
		return v
	case string:
		return strings.EqualFold(strings.TrimSpace(v), "true")
	}
	return false
}

// Int reads an integer argument. JSON numbers decode as float64.
func (a Args) Int(key string) (int, bool) {
	switch v := a[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	case json.Number:
		n, err := v.Int64()
		return int(n), err == nil
	}
	return 0, false
}

// Strings reads a list of strings; a bare string becomes a one-element list.
func (a Args) Strings(key string) []string {
	switch v := a[key].(type) {
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
		return out
	case []string:
		return v
	case string:
		if strings.TrimSpace(v) != "" {
			return []string{strings.TrimSpace(v)}
		}
	}
	return nil
}

// Tool is a callback the model may invoke. Parameters is a JSON schema
// object; Call's result is JSON-encoded for the model.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any
	Call        func(ctx context.Context, args Args) (any, error)
}

// ToolError is a failed tool callback. It stops the run instead of falling
// back to another strategy.
type ToolError struct {
	Tool string
	Err  error
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool %s: %v", e.Tool, e.Err)
}

func (e *ToolError) Unwrap() error { return e.Err }

// Object builds a JSON schema object from property schemas.
func Object(props map[string]any, required ...string) map[string]any {
	schema := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// Prop is a typed schema property.
func Prop(typ, description string) map[string]any {
	return map[string]any{"type": typ, "description": description}
}

// StringList is an array-of-strings property.
func StringList(description string) map[string]any {
	return map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": description}
}

func definitions(tools []Tool) []llms.Tool {
	defs := make([]llms.Tool, 0, len(tools))
	for _, t := range tools {
		params := t.Parameters
		if params == nil {
			params = Object(map[string]any{})
		}
		defs = append(defs, llms.Tool{
			Type: "function",
			Function: &llms.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	return defs
}

func find(tools []Tool, name string) (Tool, bool) {
	for _, t := range tools {
		if strings.EqualFold(t.Name, strings.TrimSpace(name)) {
			return t, true
		}
	}
	return Tool{}, false
}

// decodeArgs accepts an empty string, a JSON object, or text wrapping one.
func decodeArgs(raw string) (Args, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Args{}, true
	}
	obj, ok := extract.Object(raw)
	if !ok {
		return nil, false
	}
	return Args(obj), true
}

// AfterToolsError is a strategy failure that happened after at least one
// tool callback completed. The runner does not fall back past it, so no
// callback runs twice.
type AfterToolsError struct {
	Strategy string
	Calls    int
	Err      error
}

func (e *AfterToolsError) Error() string {
	return fmt.Sprintf("%s failed after %d tool call(s): %v", e.Strategy, e.Calls, e.Err)
}

func (e *AfterToolsError) Unwrap() error { return e.Err }

// invoke runs a tool and encodes the observation handed back to the model.
// Model mistakes (unknown tool, malformed arguments) become observations;
// callback failures become a *ToolError. ran reports whether the callback
// completed.
func invoke(ctx context.Context, tools []Tool, name, rawArgs string) (observation string, ran bool, err error) {
	t, ok := find(tools, name)
	if !ok {
		return encode(map[string]any{"error": fmt.Sprintf("unknown tool %q", name)}), false, nil
	}
	args, ok := decodeArgs(rawArgs)
	if !ok {
		return encode(map[string]any{"error": "arguments must be a JSON object"}), false, nil
	}
	result, err := t.Call(ctx, args)
	if err != nil {
		return "", false, &ToolError{Tool: t.Name, Err: err}
	}
	return encode(result), true, nil
}

func encode(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
