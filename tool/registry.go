package tool

import (
	"cmp"
	"slices"
	"sync"

	"github.com/petal-labs/petalbridge/core"
)

// Registry is the concurrent-safe tool catalog. Registration happens at
// startup and on discovery; lookups happen on every tool call.
type Registry struct {
	mu      sync.RWMutex
	schemas map[string]Schema
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{schemas: make(map[string]Schema)}
}

// Register adds a schema. It fails with *core.ValidationError when the schema
// is malformed and *core.DuplicateToolError when the name is taken.
func (r *Registry) Register(schema Schema) error {
	if err := schema.Check(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.schemas[schema.Name]; exists {
		return &core.DuplicateToolError{Name: schema.Name}
	}
	r.schemas[schema.Name] = schema.Clone()
	return nil
}

// RegisterAll registers schemas in order and stops at the first error.
func (r *Registry) RegisterAll(schemas []Schema) error {
	for _, schema := range schemas {
		if err := r.Register(schema); err != nil {
			return err
		}
	}
	return nil
}

// Resolve returns the schema for a tool name.
func (r *Registry) Resolve(name string) (Schema, error) {
	r.mu.RLock()
	schema, ok := r.schemas[name]
	r.mu.RUnlock()
	if !ok {
		return Schema{}, &core.UnknownToolError{Name: name}
	}
	return schema.Clone(), nil
}

// Validate checks args against the named tool's schema without side effects.
func (r *Registry) Validate(name string, args map[string]any) error {
	schema, err := r.Resolve(name)
	if err != nil {
		return err
	}
	return ValidateArgs(schema, args)
}

// List returns all schemas sorted by name.
func (r *Registry) List() []Schema {
	r.mu.RLock()
	out := make([]Schema, 0, len(r.schemas))
	for _, schema := range r.schemas {
		out = append(out, schema.Clone())
	}
	r.mu.RUnlock()
	slices.SortFunc(out, func(a, b Schema) int { return cmp.Compare(a.Name, b.Name) })
	return out
}

// ForServer returns the schemas owned by one server, sorted by name.
func (r *Registry) ForServer(server string) []Schema {
	all := r.List()
	out := all[:0]
	for _, schema := range all {
		if schema.Server == server {
			out = append(out, schema)
		}
	}
	return out
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.schemas)
}

// Catalog renders every schema for the model.
func (r *Registry) Catalog() []core.ToolSpec {
	schemas := r.List()
	out := make([]core.ToolSpec, 0, len(schemas))
	for _, schema := range schemas {
		out = append(out, schema.Spec())
	}
	return out
}
