// Package tools defines the tool abstraction used by flow nodes and a
// per-flow registry. Domain tools (vector search, document lookup,
// docx generation) plug in behind the Tool interface.
package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/opgroeien/flowd/pkg/llm"
)

// Tool is one callable tool exposed to the model.
type Tool interface {
	// Name returns the wire name the model calls.
	Name() string

	// Description tells the model what the tool does.
	Description() string

	// Parameters returns the JSON Schema of the arguments object.
	Parameters() map[string]any

	// Execute runs the tool. The result is always a string; errors are
	// returned so callers can decide how to surface them.
	Execute(ctx context.Context, args map[string]any) (string, error)
}

// Registry holds the tools available to one flow.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates a registry with the given tools.
func NewRegistry(tools ...Tool) *Registry {
	r := &Registry{tools: make(map[string]Tool)}
	for _, t := range tools {
		r.tools[t.Name()] = t
	}
	return r
}

// Register adds or replaces a tool.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// Get returns the named tool.
func (r *Registry) Get(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("unknown tool %q", name)
	}
	return t, nil
}

// Specs returns the llm tool specs for binding to a model call, in
// stable name order.
func (r *Registry) Specs() []llm.ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	specs := make([]llm.ToolSpec, 0, len(names))
	for _, name := range names {
		t := r.tools[name]
		specs = append(specs, llm.ToolSpec{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		})
	}
	return specs
}

// Func adapts a plain function into a Tool.
type Func struct {
	ToolName        string
	ToolDescription string
	Schema          map[string]any
	Fn              func(ctx context.Context, args map[string]any) (string, error)
}

func (f *Func) Name() string               { return f.ToolName }
func (f *Func) Description() string        { return f.ToolDescription }
func (f *Func) Parameters() map[string]any { return f.Schema }
func (f *Func) Execute(ctx context.Context, args map[string]any) (string, error) {
	return f.Fn(ctx, args)
}
