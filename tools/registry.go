package tools

import (
	"fmt"
	"sort"
	"sync"
)

// Registry is the closed set of tools a pipeline may dispatch to. Tools are
// added by registering an entry; lookups never fall back to anything else.
type Registry struct {
	tools map[string]*entry
	mu    sync.RWMutex
}

type entry struct {
	tool   Tool
	schema *compiledSchema
}

// NewRegistry creates a registry holding the given tools.
func NewRegistry(tools ...Tool) (*Registry, error) {
	r := &Registry{tools: make(map[string]*entry)}
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a tool. The schema is compiled up front so a malformed
// declaration fails here rather than on the first call.
func (r *Registry) Register(t Tool) error {
	if t.Name == "" {
		return fmt.Errorf("register tool: name is required")
	}
	if t.Run == nil {
		return fmt.Errorf("register tool %s: executor is required", t.Name)
	}
	if !t.Risk.Valid() {
		return fmt.Errorf("register tool %s: unknown risk %q", t.Name, t.Risk)
	}
	if len(t.Schema) == 0 {
		t.Schema = []byte(`{"type":"object","properties":{}}`)
	}
	schema, err := compileSchema(t.Name, t.Schema)
	if err != nil {
		return fmt.Errorf("register tool %s: %w", t.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name]; exists {
		return fmt.Errorf("register tool %s: already registered", t.Name)
	}
	r.tools[t.Name] = &entry{tool: t, schema: schema}
	return nil
}

// Get returns a registered tool by name.
func (r *Registry) Get(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tools[name]
	if !ok {
		return nil, false
	}
	t := e.tool
	return &t, true
}

// Validate applies schema defaults to the raw arguments of the named tool and
// checks them against its schema.
func (r *Registry) Validate(name string, raw []byte) (Args, error) {
	r.mu.RLock()
	e, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown tool: %s", name)
	}
	return e.schema.validate(raw)
}

// Tools returns every registered tool sorted by name.
func (r *Registry) Tools() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.tools))
	for _, e := range r.tools {
		out = append(out, e.tool)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Names returns the sorted names of all registered tools.
func (r *Registry) Names() []string {
	all := r.Tools()
	names := make([]string, len(all))
	for i, t := range all {
		names[i] = t.Name
	}
	return names
}

// Count returns the number of registered tools.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}
