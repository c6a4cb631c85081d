package tools

import (
	"fmt"
	"sync"

	"github.com/strandkit/strand/pkg/llms"
)

// Registry holds tools under unique names, preserving registration order
// so tool schemas reach the provider deterministically.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
	order []string
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register adds a tool. Empty names, nil handlers, and duplicate names are
// configuration errors.
func (r *Registry) Register(t *Tool) error {
	if t == nil || t.Name == "" {
		return fmt.Errorf("configuration_error: tool must have a name")
	}
	if t.Handler == nil {
		return fmt.Errorf("configuration_error: tool %q has no handler", t.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[t.Name]; exists {
		return fmt.Errorf("configuration_error: tool %q already registered", t.Name)
	}
	r.tools[t.Name] = t
	r.order = append(r.order, t.Name)
	return nil
}

// MustRegister panics on registration failure; for static tool sets built
// at startup.
func (r *Registry) MustRegister(t *Tool) {
	if err := r.Register(t); err != nil {
		panic(err)
	}
}

func (r *Registry) Get(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns the tools in registration order.
func (r *Registry) List() []*Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Tool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name])
	}
	return out
}

// Definitions returns the provider-facing schemas in registration order.
func (r *Registry) Definitions() []llms.ToolDefinition {
	list := r.List()
	out := make([]llms.ToolDefinition, len(list))
	for i, t := range list {
		out[i] = t.Definition()
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}
