// Package tools is the registry of callable tools an agent runner can
// invoke by name: a name, a description, a JSON-Schema for arguments,
// and an Execute closure. Inputs are validated against the schema
// before execution.
package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Tool is the contract every invokable capability implements. Execute
// receives the project id implicitly injected for file-scoped tools.
type Tool struct {
	Name        string
	Description string
	InputSchema map[string]any
	Execute     func(ctx context.Context, projectID string, args map[string]any) (any, error)

	compiled *jsonschema.Schema
}

// schema compiles (and caches) the tool's JSON-Schema for argument
// validation.
func (t *Tool) schema() (*jsonschema.Schema, error) {
	if t.compiled != nil {
		return t.compiled, nil
	}
	if len(t.InputSchema) == 0 {
		return nil, nil
	}
	c := jsonschema.NewCompiler()
	resourceName := t.Name + ".json"
	if err := c.AddResource(resourceName, t.InputSchema); err != nil {
		return nil, fmt.Errorf("add schema resource for tool %q: %w", t.Name, err)
	}
	schema, err := c.Compile(resourceName)
	if err != nil {
		return nil, fmt.Errorf("compile schema for tool %q: %w", t.Name, err)
	}
	t.compiled = schema
	return schema, nil
}

// Registry is the name-keyed set of tools available to agent runners.
type Registry struct {
	tools map[string]*Tool
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

func (r *Registry) Register(t *Tool) {
	r.tools[t.Name] = t
}

func (r *Registry) Get(name string) (*Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// List returns every registered tool, suitable for handing to an LLM
// as its tool-use catalog. The order of the result is not defined.
func (r *Registry) List() []*Tool {
	out := make([]*Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	return out
}

// Invoke validates args against the tool's schema, then executes it.
// Unknown tool names and schema violations are returned as plain
// errors the Agent Runner embeds as the tool_result content, never as
// panics or process-fatal conditions.
func (r *Registry) Invoke(ctx context.Context, projectID, name string, args map[string]any) (any, error) {
	t, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("Unknown tool: %s", name)
	}

	schema, err := t.schema()
	if err != nil {
		return nil, fmt.Errorf("Tool error: %w", err)
	}
	if schema != nil {
		// jsonschema validates against Go-native maps produced by
		// encoding/json; round-trip args through JSON to normalize
		// numeric types (int vs float64) the same way an HTTP body would.
		normalized, err := normalizeArgs(args)
		if err != nil {
			return nil, fmt.Errorf("Tool error: %w", err)
		}
		if err := schema.Validate(normalized); err != nil {
			return nil, fmt.Errorf("Tool error: invalid arguments for %s: %w", name, err)
		}
	}

	result, err := t.Execute(ctx, projectID, args)
	if err != nil {
		return nil, fmt.Errorf("Tool error: %w", err)
	}
	return result, nil
}

func normalizeArgs(args map[string]any) (any, error) {
	buf, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}
	var doc any
	if err := json.Unmarshal(buf, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}
