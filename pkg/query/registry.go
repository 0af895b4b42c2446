// Package query exposes the read-only tool surface for interactive
// clients: a typed tool registry behind an MCP protocol layer, with a
// safety policy gating raw metric queries.
package query

import (
	"context"
	"fmt"
	"sort"
)

// Failure kinds reported to callers. A rejected query is not a backend
// error and must stay distinguishable from one.
const (
	KindValidation         = "validation_error"
	KindQueryRejected      = "query_rejected"
	KindBackendUnavailable = "backend_unavailable"
	KindNotFound           = "not_found"
	KindInternal           = "internal_error"
)

// ToolError is a typed tool failure: a machine-readable kind plus a
// human-readable message, never a raw backend stack trace.
type ToolError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func toolErrorf(kind, format string, args ...any) *ToolError {
	return &ToolError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Handler runs one tool invocation. Arguments arrive schema-validated.
type Handler func(ctx context.Context, args map[string]any) (any, error)

type Tool struct {
	Name        string
	Description string
	InputSchema *Schema
	Handler     Handler
}

// Registry is the static tool table. It is populated once at startup
// and read-only afterwards, so lookups need no locking.
type Registry struct {
	tools map[string]*Tool
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

func (r *Registry) Register(tool *Tool) error {
	if tool.Name == "" {
		return fmt.Errorf("tool name required")
	}
	if _, exists := r.tools[tool.Name]; exists {
		return fmt.Errorf("tool already registered: %s", tool.Name)
	}
	if tool.InputSchema == nil {
		tool.InputSchema = objectSchema(nil)
	}
	r.tools[tool.Name] = tool
	return nil
}

func (r *Registry) Get(name string) *Tool {
	return r.tools[name]
}

// List returns the registered tools sorted by name.
func (r *Registry) List() []*Tool {
	out := make([]*Tool, 0, len(r.tools))
	for _, tool := range r.tools {
		out = append(out, tool)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Invoke validates the arguments against the tool's schema and runs
// the handler. Unknown tools and schema violations come back as typed
// errors before the handler ever runs.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]any) (any, error) {
	tool := r.Get(name)
	if tool == nil {
		return nil, toolErrorf(KindNotFound, "tool not found: %s", name)
	}
	if args == nil {
		args = map[string]any{}
	}
	if err := tool.InputSchema.Validate(args); err != nil {
		return nil, toolErrorf(KindValidation, "invalid arguments for %s: %v", name, err)
	}
	return tool.Handler(ctx, args)
}
