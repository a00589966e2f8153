package graph

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/opgroeien/flowd/pkg/cancel"
	"github.com/opgroeien/flowd/pkg/checkpoint"
	"github.com/opgroeien/flowd/pkg/models"
)

// End is the terminal edge target.
const End = "__end__"

// Dispatch schedules one parallel invocation of a target node with an
// explicit input payload. The runtime assigns each dispatch a fresh
// run_id.
type Dispatch struct {
	Node     string
	Input    any
	Metadata map[string]any
}

// NodeResult is what a node returns: a state update merged via the
// schema reducers, and/or dispatch messages for the router.
type NodeResult struct {
	Update     State
	Dispatches []Dispatch
}

// NodeFunc is a graph node. input is the dispatch payload when the node
// was fan-out scheduled, nil otherwise.
type NodeFunc func(ctx context.Context, rc *RunContext, state State, input any) (NodeResult, error)

// Route is a conditional edge decision: static successors, dispatch
// messages, or neither (end of this branch).
type Route struct {
	Next       []string
	Dispatches []Dispatch
}

// RouterFunc decides the successors of a node from the reduced state
// and the node's own result.
type RouterFunc func(state State, result NodeResult) Route

// Graph is a mutable graph definition. Compile validates it into a
// runnable form.
type Graph struct {
	name    string
	entry   string
	schema  Schema
	nodes   map[string]NodeFunc
	edges   map[string]string
	routers map[string]RouterFunc
}

// New creates an empty graph over the given state schema.
func New(name string, schema Schema) *Graph {
	return &Graph{
		name:    name,
		schema:  schema,
		nodes:   make(map[string]NodeFunc),
		edges:   make(map[string]string),
		routers: make(map[string]RouterFunc),
	}
}

// AddNode registers a named node.
func (g *Graph) AddNode(name string, fn NodeFunc) *Graph {
	g.nodes[name] = fn
	return g
}

// AddEdge adds a static edge; dst may be End.
func (g *Graph) AddEdge(src, dst string) *Graph {
	g.edges[src] = dst
	return g
}

// AddConditionalEdge attaches a router to src. A router takes
// precedence over a static edge.
func (g *Graph) AddConditionalEdge(src string, router RouterFunc) *Graph {
	g.routers[src] = router
	return g
}

// SetEntry declares the start node.
func (g *Graph) SetEntry(name string) *Graph {
	g.entry = name
	return g
}

// Name returns the graph's flow name.
func (g *Graph) Name() string { return g.name }

// Structure describes the static topology for the /graph/structure
// endpoint. Conditional targets are unknowable statically, so routers
// appear as a single conditional marker from their source.
type Structure struct {
	Name  string          `json:"name"`
	Entry string          `json:"entry"`
	Nodes []string        `json:"nodes"`
	Edges []StructureEdge `json:"edges"`
}

// StructureEdge is one edge in the static description.
type StructureEdge struct {
	From        string `json:"from"`
	To          string `json:"to,omitempty"`
	Conditional bool   `json:"conditional,omitempty"`
}

// CompileOptions inject the runtime dependencies.
type CompileOptions struct {
	Store  checkpoint.Store
	Bus    *cancel.Bus
	Logger *slog.Logger
}

// Compile validates the graph and binds it to its runtime dependencies.
func (g *Graph) Compile(opts CompileOptions) (*Compiled, error) {
	if g.entry == "" {
		return nil, fmt.Errorf("graph %s: no entry node", g.name)
	}
	if _, ok := g.nodes[g.entry]; !ok {
		return nil, fmt.Errorf("graph %s: entry node %q not registered", g.name, g.entry)
	}
	for src, dst := range g.edges {
		if _, ok := g.nodes[src]; !ok {
			return nil, fmt.Errorf("graph %s: edge source %q not registered", g.name, src)
		}
		if dst != End {
			if _, ok := g.nodes[dst]; !ok {
				return nil, fmt.Errorf("graph %s: edge target %q not registered", g.name, dst)
			}
		}
	}
	for src := range g.routers {
		if _, ok := g.nodes[src]; !ok {
			return nil, fmt.Errorf("graph %s: router source %q not registered", g.name, src)
		}
	}
	if opts.Store == nil {
		opts.Store = checkpoint.NewMemoryStore()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Compiled{
		graph:  g,
		store:  opts.Store,
		bus:    opts.Bus,
		logger: logger.With("component", "graph", "flow", g.name),
	}, nil
}

// RunContext is handed to every node invocation. Nodes use it to
// forward model and tool events into the run's event stream.
type RunContext struct {
	ThreadID string
	Node     string
	RunID    string
	Logger   *slog.Logger
	Metadata map[string]any

	emit func(Event)
}

// Emit forwards a raw event, filling in thread, node and run identity.
func (rc *RunContext) Emit(ev Event) {
	ev.ThreadID = rc.ThreadID
	if ev.Node == "" {
		ev.Node = rc.Node
	}
	if ev.RunID == "" {
		ev.RunID = rc.RunID
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = now()
	}
	if rc.emit != nil {
		rc.emit(ev)
	}
}

// EmitModelStart signals an LLM call beginning inside this node.
func (rc *RunContext) EmitModelStart(model string, input any) {
	rc.Emit(Event{Type: EventModelStart, Name: model, Input: input})
}

// EmitModelStream forwards one streamed text delta.
func (rc *RunContext) EmitModelStream(delta string) {
	rc.Emit(Event{Type: EventModelStream, Chunk: delta})
}

// EmitModelEnd signals an LLM call completing.
func (rc *RunContext) EmitModelEnd(model string, input, output any, usage *models.TokenUsage) {
	rc.Emit(Event{Type: EventModelEnd, Name: model, Input: input, Output: output, Usage: usage})
}

// EmitToolStart signals a tool invocation beginning.
func (rc *RunContext) EmitToolStart(tool string, input any) {
	rc.Emit(Event{Type: EventToolStart, Name: tool, Input: input})
}

// EmitToolEnd signals a tool invocation completing.
func (rc *RunContext) EmitToolEnd(tool string, input, output any) {
	rc.Emit(Event{Type: EventToolEnd, Name: tool, Input: input, Output: output})
}
