package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"goa.design/sidekick/runtime/model"
)

// Registry holds the tools linked into the binary. It validates arguments
// against each tool's schema before dispatch so tools never see payloads
// outside their declared shape.
type Registry struct {
	mu      sync.RWMutex
	tools   map[Ident]Tool
	schemas map[Ident]*jsonschema.Schema
}

// NewRegistry constructs an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:   make(map[Ident]Tool),
		schemas: make(map[Ident]*jsonschema.Schema),
	}
}

// Register adds a tool. The tool's argument schema is compiled eagerly so
// invalid schemas fail at startup, not at first call.
func (r *Registry) Register(tool Tool) error {
	if tool == nil {
		return fmt.Errorf("tool is required")
	}
	name := tool.Name()
	if name == "" {
		return fmt.Errorf("tool name is required")
	}
	compiled, err := compileSchema(string(name), tool.Schema())
	if err != nil {
		return fmt.Errorf("tool %s: %w", name, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[name]; ok {
		return fmt.Errorf("tool %q already registered", name)
	}
	r.tools[name] = tool
	r.schemas[name] = compiled
	return nil
}

// Lookup returns the registered tool, if any.
func (r *Registry) Lookup(name Ident) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Describe returns the tool definitions advertised to providers, sorted by
// name for stable request encoding.
func (r *Registry) Describe() []*model.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*model.ToolDefinition, 0, len(r.tools))
	for _, tool := range r.tools {
		out = append(out, &model.ToolDefinition{
			Name:        string(tool.Name()),
			Description: tool.Description(),
			InputSchema: tool.Schema(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Execute validates args against the tool schema and runs the tool. An
// unknown tool or invalid arguments return an error without invoking
// anything; the processor records such failures on the tool part so the
// model can recover on the next step.
func (r *Registry) Execute(ctx context.Context, name Ident, args json.RawMessage, tc *Context) (*Result, error) {
	r.mu.RLock()
	tool, ok := r.tools[name]
	compiled := r.schemas[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown tool %q", name)
	}
	if compiled != nil {
		if err := validateArgs(compiled, args); err != nil {
			return nil, fmt.Errorf("tool %s arguments: %w", name, err)
		}
	}
	return tool.Execute(ctx, args, tc)
}

func compileSchema(name string, schema map[string]any) (*jsonschema.Schema, error) {
	if schema == nil {
		return nil, nil
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("decode schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	resource := name + ".schema.json"
	if err := c.AddResource(resource, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile(resource)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return compiled, nil
}

func validateArgs(schema *jsonschema.Schema, args json.RawMessage) error {
	payload := args
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(payload)))
	if err != nil {
		return fmt.Errorf("decode arguments: %w", err)
	}
	return schema.Validate(doc)
}
