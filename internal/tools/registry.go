package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/nexus-core/internal/errdefs"
)

// Registry holds the executable tools available to agents. Registration
// happens at startup and when MCP servers connect; lookup happens on every
// tool call.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]ExecutableTool
	schemas map[string]*jsonschema.Schema
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:   make(map[string]ExecutableTool),
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// Register adds a tool. Duplicate ids are rejected; unregister first to
// replace (MCP reconnects do this).
func (r *Registry) Register(tool ExecutableTool) error {
	id := tool.ID()
	if id == "" {
		return errdefs.New(errdefs.CodeValidation, "tool id is required")
	}

	var schema *jsonschema.Schema
	if raw := tool.InputSchema(); len(raw) > 0 {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(id+".json", bytes.NewReader(raw)); err != nil {
			return fmt.Errorf("add schema for %s: %w", id, err)
		}
		var err error
		schema, err = compiler.Compile(id + ".json")
		if err != nil {
			return fmt.Errorf("compile schema for %s: %w", id, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[id]; exists {
		return errdefs.Newf(errdefs.CodeValidation, "tool id %q already registered", id)
	}
	r.tools[id] = tool
	if schema != nil {
		r.schemas[id] = schema
	}
	return nil
}

// Unregister removes a tool by id.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, id)
	delete(r.schemas, id)
}

// Get returns a tool by id.
func (r *Registry) Get(id string) (ExecutableTool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[id]
	return t, ok
}

// List returns all registered tools.
func (r *Registry) List() []ExecutableTool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ExecutableTool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	return out
}

// ListAllowed returns the tools on the allowlist. An empty allowlist means
// no tools.
func (r *Registry) ListAllowed(allowed []string) []ExecutableTool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ExecutableTool, 0, len(allowed))
	for _, id := range allowed {
		if t, ok := r.tools[id]; ok {
			out = append(out, t)
		}
	}
	return out
}

// Execute validates input against the tool's schema and runs it. Validation
// failures and execution errors both come back as an unsuccessful Result;
// only registry-level problems (unknown tool) return an error.
func (r *Registry) Execute(ctx context.Context, id string, input json.RawMessage, ec *ExecutionContext) (*Result, error) {
	return r.run(ctx, id, input, ec, false)
}

// DryRun validates input and invokes the tool's side-effect-free path.
func (r *Registry) DryRun(ctx context.Context, id string, input json.RawMessage, ec *ExecutionContext) (*Result, error) {
	return r.run(ctx, id, input, ec, true)
}

func (r *Registry) run(ctx context.Context, id string, input json.RawMessage, ec *ExecutionContext, dry bool) (*Result, error) {
	r.mu.RLock()
	tool, ok := r.tools[id]
	schema := r.schemas[id]
	r.mu.RUnlock()
	if !ok {
		return nil, errdefs.Newf(errdefs.CodeNotFound, "tool %q not registered", id)
	}

	start := time.Now()
	if schema != nil {
		var decoded any
		if len(input) == 0 {
			input = json.RawMessage("{}")
		}
		if err := json.Unmarshal(input, &decoded); err != nil {
			return errorResult(start, "invalid tool input JSON: "+err.Error()), nil
		}
		if err := schema.Validate(decoded); err != nil {
			return errorResult(start, "tool input failed schema validation: "+err.Error()), nil
		}
	}

	if dry && !tool.SupportsDryRun() {
		return errorResult(start, fmt.Sprintf("tool %q does not support dry run", id)), nil
	}

	var res *Result
	var err error
	if dry {
		res, err = tool.DryRun(ctx, input, ec)
	} else {
		res, err = tool.Execute(ctx, input, ec)
	}
	if err != nil {
		return errorResult(start, err.Error()), nil
	}
	if res.DurationMs == 0 {
		res.DurationMs = elapsed(start)
	}
	return res, nil
}

