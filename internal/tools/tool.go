// Package tools implements the typed tool surface the LLM invokes:
// tagged tool records with table-driven parameter validation, a
// dispatcher with checkpointing and structured logging, and the file
// and task tool sets.
package tools

import (
	"context"
	"fmt"
	"sort"

	"kodex/internal/chat"
	"kodex/internal/editor"
	"kodex/internal/errs"
	"kodex/internal/fsbridge"
	"kodex/internal/opcache"
	"kodex/internal/store"
	"kodex/internal/task"
	"kodex/internal/workers"
)

// ParamSpec declares one tool parameter for table-driven validation.
type ParamSpec struct {
	Type        string // string | number | boolean | array
	Required    bool
	Enum        []string
	Items       string // element type when Type is array
	Description string
}

// Result is the structured outcome every tool returns.
type Result struct {
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Env carries the collaborators handlers operate on. Bridge is nil
// until a project root is connected.
type Env struct {
	Bridge     fsbridge.Bridge
	Models     *editor.ModelManager
	Caches     *opcache.Set
	Tasks      *task.Manager
	Planner    task.Planner
	Pool       *workers.Pool
	Store      store.Store
	ReadBudget int
}

// Handler executes a validated tool call.
type Handler func(ctx context.Context, params map[string]any, env *Env) (*Result, error)

// Tool 带标签的工具记录：校验表 + 处理函数，无类层次
// Tool is a tagged record: a validation table plus a handler function,
// no class hierarchy.
type Tool struct {
	Name              string
	Description       string
	RequiresProject   bool
	CreatesCheckpoint bool
	Params            map[string]ParamSpec
	Handler           Handler
}

// Definition renders the tool as an OpenAI-compatible function schema.
func (t *Tool) Definition() chat.ToolDef {
	properties := make(map[string]any, len(t.Params))
	var required []string
	names := make([]string, 0, len(t.Params))
	for name := range t.Params {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		spec := t.Params[name]
		prop := map[string]any{"type": jsonType(spec.Type)}
		if spec.Description != "" {
			prop["description"] = spec.Description
		}
		if len(spec.Enum) > 0 {
			prop["enum"] = spec.Enum
		}
		if spec.Type == "array" {
			prop["items"] = map[string]any{"type": jsonType(spec.Items)}
		}
		properties[name] = prop
		if spec.Required {
			required = append(required, name)
		}
	}
	params := map[string]any{"type": "object", "properties": properties}
	if len(required) > 0 {
		params["required"] = required
	}
	return chat.ToolDef{
		Type: "function",
		Function: chat.ToolFunction{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  params,
		},
	}
}

func jsonType(t string) string {
	if t == "" {
		return "string"
	}
	return t
}

// validate checks params against the spec table. Violations are
// InvalidArgument.
func (t *Tool) validate(params map[string]any) error {
	for name, spec := range t.Params {
		val, present := params[name]
		if !present || val == nil {
			if spec.Required {
				return errs.E(errs.KindInvalidArgument,
					fmt.Sprintf("%s: missing required parameter %q", t.Name, name))
			}
			continue
		}
		if err := checkType(t.Name, name, spec, val); err != nil {
			return err
		}
	}
	for name := range params {
		if _, known := t.Params[name]; !known {
			return errs.E(errs.KindInvalidArgument,
				fmt.Sprintf("%s: unknown parameter %q", t.Name, name))
		}
	}
	return nil
}

func checkType(tool, name string, spec ParamSpec, val any) error {
	bad := func(want string) error {
		return errs.E(errs.KindInvalidArgument,
			fmt.Sprintf("%s: parameter %q must be a %s", tool, name, want))
	}
	switch spec.Type {
	case "string", "":
		s, ok := val.(string)
		if !ok {
			return bad("string")
		}
		if len(spec.Enum) > 0 && !contains(spec.Enum, s) {
			return errs.E(errs.KindInvalidArgument,
				fmt.Sprintf("%s: parameter %q must be one of %v", tool, name, spec.Enum))
		}
	case "number":
		switch val.(type) {
		case float64, int, int64:
		default:
			return bad("number")
		}
	case "boolean":
		if _, ok := val.(bool); !ok {
			return bad("boolean")
		}
	case "array":
		arr, ok := val.([]any)
		if !ok {
			return bad("array")
		}
		for _, el := range arr {
			if err := checkType(tool, name+"[]", ParamSpec{Type: spec.Items}, el); err != nil {
				return err
			}
		}
	default:
		return errs.E(errs.KindInvalidArgument,
			fmt.Sprintf("%s: parameter %q has unsupported schema type %q", tool, name, spec.Type))
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

// Typed parameter accessors for validated params.

func stringParam(params map[string]any, name string) string {
	s, _ := params[name].(string)
	return s
}

func numberParam(params map[string]any, name string, fallback int) int {
	switch v := params[name].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	}
	return fallback
}

func boolParam(params map[string]any, name string) bool {
	b, _ := params[name].(bool)
	return b
}

func stringsParam(params map[string]any, name string) []string {
	arr, _ := params[name].([]any)
	out := make([]string, 0, len(arr))
	for _, el := range arr {
		if s, ok := el.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
