package graph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opgroeien/flowd/pkg/cancel"
	"github.com/opgroeien/flowd/pkg/checkpoint"
)

// ErrRecursionLimit is returned when a run exceeds its super-step
// budget.
var ErrRecursionLimit = errors.New("graph: recursion limit exceeded")

// DefaultRecursionLimit bounds total super-steps per run.
const DefaultRecursionLimit = 50

func now() time.Time { return time.Now().UTC() }

// RunConfig configures one execution.
type RunConfig struct {
	ThreadID string

	// RecursionLimit overrides DefaultRecursionLimit when positive.
	RecursionLimit int

	// CheckpointID resumes from a specific checkpoint instead of the
	// leaf. Only honored when the initial state is nil.
	CheckpointID string

	Metadata map[string]any
}

func (cfg RunConfig) limit() int {
	if cfg.RecursionLimit > 0 {
		return cfg.RecursionLimit
	}
	return DefaultRecursionLimit
}

// Compiled is a runnable graph bound to its store, cancellation bus and
// logger.
type Compiled struct {
	graph  *Graph
	store  checkpoint.Store
	bus    *cancel.Bus
	logger *slog.Logger
}

type task struct {
	node     string
	runID    string
	input    any
	metadata map[string]any
}

type taskResult struct {
	task   task
	result NodeResult
	err    error
}

// Invoke runs the graph to completion and returns the final state.
func (c *Compiled) Invoke(ctx context.Context, initial State, cfg RunConfig) (State, error) {
	events := make(chan Event, 256)
	drained := make(chan struct{})
	go func() {
		for range events {
		}
		close(drained)
	}()
	final, err := c.run(ctx, initial, cfg, events)
	close(events)
	<-drained
	return final, err
}

// Stream starts the run and returns the raw event channel plus a
// buffered error channel that yields exactly once when the run ends.
func (c *Compiled) Stream(ctx context.Context, initial State, cfg RunConfig) (<-chan Event, <-chan error) {
	events := make(chan Event, 256)
	errs := make(chan error, 1)
	go func() {
		defer close(events)
		defer close(errs)
		_, err := c.run(ctx, initial, cfg, events)
		errs <- err
	}()
	return events, errs
}

func (c *Compiled) run(ctx context.Context, initial State, cfg RunConfig, events chan<- Event) (State, error) {
	state, frontier, step, parentID, err := c.prepare(ctx, initial, cfg)
	if err != nil {
		return nil, err
	}
	limit := cfg.limit()

	// step numbers checkpoints across the thread's whole history;
	// the recursion limit counts super-steps of this run only.
	for steps := 0; len(frontier) > 0; steps++ {
		if steps >= limit {
			return state, fmt.Errorf("%w: %d super-steps (thread %s)", ErrRecursionLimit, limit, cfg.ThreadID)
		}
		if c.cancelled(cfg.ThreadID) {
			c.logger.Info("run cancelled, stopping before next super-step",
				"thread_id", cfg.ThreadID, "step", step)
			return state, nil
		}
		if err := ctx.Err(); err != nil {
			return state, err
		}

		results, err := c.runTasks(ctx, cfg, state.Clone(), frontier, events)
		if err != nil {
			return state, err
		}

		if err := c.stageWrites(ctx, cfg.ThreadID, parentID, results); err != nil {
			c.logger.Warn("failed to stage intermediate writes", "error", err)
		}

		for _, res := range results {
			if res.result.Update != nil {
				if err := c.graph.schema.Apply(state, res.result.Update); err != nil {
					return state, err
				}
			}
		}

		frontier = c.nextFrontier(state, results)

		cpID := uuid.NewString()
		cp := &checkpoint.Checkpoint{
			ThreadID:  cfg.ThreadID,
			ID:        cpID,
			ParentID:  parentID,
			Values:    map[string]any(state),
			NextNodes: taskNodes(frontier),
			Tasks:     taskRecords(frontier),
			Step:      step,
			CreatedAt: now(),
		}
		if err := c.store.Put(ctx, cp); err != nil {
			return state, fmt.Errorf("checkpoint step %d: %w", step, err)
		}
		parentID = cpID
		step++
	}
	return state, nil
}

// prepare resolves the starting state and frontier: a fresh run from
// the initial state, or a resume from a checkpoint when initial is nil.
func (c *Compiled) prepare(ctx context.Context, initial State, cfg RunConfig) (State, []task, int, string, error) {
	if initial != nil {
		// A new input on an existing thread continues from its latest
		// checkpoint; only a brand-new thread starts empty.
		state := State{}
		parentID := ""
		step := -1
		if prev, err := c.store.GetLatest(ctx, cfg.ThreadID); err == nil {
			state = State(prev.Values)
			parentID = prev.ID
			step = prev.Step + 1
		} else if !errors.Is(err, checkpoint.ErrNotFound) {
			return nil, nil, 0, "", fmt.Errorf("load thread %s: %w", cfg.ThreadID, err)
		}
		if err := c.graph.schema.Apply(state, initial); err != nil {
			return nil, nil, 0, "", err
		}
		frontier := []task{{node: c.graph.entry, runID: uuid.NewString(), metadata: cfg.Metadata}}
		rootID := uuid.NewString()
		root := &checkpoint.Checkpoint{
			ThreadID:  cfg.ThreadID,
			ID:        rootID,
			ParentID:  parentID,
			Values:    map[string]any(state),
			NextNodes: taskNodes(frontier),
			Tasks:     taskRecords(frontier),
			Step:      step,
			CreatedAt: now(),
		}
		if err := c.store.Put(ctx, root); err != nil {
			return nil, nil, 0, "", fmt.Errorf("write root checkpoint: %w", err)
		}
		return state, frontier, step + 1, rootID, nil
	}

	var cp *checkpoint.Checkpoint
	var err error
	if cfg.CheckpointID != "" {
		cp, err = c.store.Get(ctx, cfg.ThreadID, cfg.CheckpointID)
	} else {
		cp, err = c.store.GetLatest(ctx, cfg.ThreadID)
	}
	if err != nil {
		return nil, nil, 0, "", fmt.Errorf("resume thread %s: %w", cfg.ThreadID, err)
	}

	frontier := make([]task, 0, len(cp.Tasks))
	for _, t := range cp.Tasks {
		frontier = append(frontier, task{node: t.Node, runID: t.RunID, input: t.Input, metadata: t.Metadata})
	}
	if len(frontier) == 0 {
		for _, node := range cp.NextNodes {
			frontier = append(frontier, task{node: node, runID: uuid.NewString()})
		}
	}
	return State(cp.Values), frontier, cp.Step + 1, cp.ID, nil
}

// runTasks executes one super-step: every frontier task in parallel.
func (c *Compiled) runTasks(ctx context.Context, cfg RunConfig, state State, frontier []task, events chan<- Event) ([]taskResult, error) {
	results := make([]taskResult, len(frontier))
	var wg sync.WaitGroup
	for i, t := range frontier {
		wg.Add(1)
		go func(i int, t task) {
			defer wg.Done()
			results[i] = c.runTask(ctx, cfg, state, t, events)
		}(i, t)
	}
	wg.Wait()

	for _, res := range results {
		if res.err != nil {
			return nil, fmt.Errorf("node %s: %w", res.task.node, res.err)
		}
	}
	return results, nil
}

func (c *Compiled) runTask(ctx context.Context, cfg RunConfig, state State, t task, events chan<- Event) taskResult {
	fn, ok := c.graph.nodes[t.node]
	if !ok {
		return taskResult{task: t, err: fmt.Errorf("unknown node %q", t.node)}
	}

	emit := func(ev Event) {
		select {
		case events <- ev:
		case <-ctx.Done():
		}
	}
	emit(Event{
		Type:      EventChainStart,
		ThreadID:  cfg.ThreadID,
		Node:      t.node,
		RunID:     t.runID,
		Input:     t.input,
		Metadata:  t.metadata,
		Timestamp: now(),
	})

	rc := &RunContext{
		ThreadID: cfg.ThreadID,
		Node:     t.node,
		RunID:    t.runID,
		Logger:   c.logger.With("node", t.node, "run_id", t.runID),
		Metadata: t.metadata,
		emit:     emit,
	}

	started := now()
	result, err := fn(ctx, rc, state, t.input)
	if err != nil {
		return taskResult{task: t, err: err}
	}
	emit(Event{
		Type:      EventChainEnd,
		ThreadID:  cfg.ThreadID,
		Node:      t.node,
		RunID:     t.runID,
		Output:    result.Update,
		Metadata:  t.metadata,
		Timestamp: now(),
	})
	c.logger.Debug("node completed",
		"node", t.node, "run_id", t.runID, "duration_ms", now().Sub(started).Milliseconds())
	return taskResult{task: t, result: result}
}

// nextFrontier applies routers and static edges to each completed task.
func (c *Compiled) nextFrontier(state State, results []taskResult) []task {
	var next []task
	seen := make(map[string]bool)
	for _, res := range results {
		if router, ok := c.graph.routers[res.task.node]; ok {
			route := router(state, res.result)
			for _, node := range route.Next {
				if node == End || seen[node] {
					continue
				}
				seen[node] = true
				next = append(next, task{node: node, runID: uuid.NewString()})
			}
			for _, d := range route.Dispatches {
				next = append(next, task{
					node:     d.Node,
					runID:    uuid.NewString(),
					input:    d.Input,
					metadata: d.Metadata,
				})
			}
			continue
		}
		if dst, ok := c.graph.edges[res.task.node]; ok && dst != End {
			if !seen[dst] {
				seen[dst] = true
				next = append(next, task{node: dst, runID: uuid.NewString()})
			}
		}
	}
	return next
}

func (c *Compiled) stageWrites(ctx context.Context, threadID, checkpointID string, results []taskResult) error {
	var writes []checkpoint.Write
	for _, res := range results {
		channels := make([]string, 0, len(res.result.Update))
		for channel := range res.result.Update {
			channels = append(channels, channel)
		}
		sort.Strings(channels)
		for i, channel := range channels {
			value := res.result.Update[channel]
			if r, ok := value.(Replace); ok {
				value = r.Value
			}
			writes = append(writes, checkpoint.Write{
				TaskID:  res.task.runID,
				Index:   i,
				Channel: channel,
				Value:   value,
			})
		}
	}
	if len(writes) == 0 {
		return nil
	}
	return c.store.PutWrites(ctx, threadID, checkpointID, writes)
}

func taskNodes(tasks []task) []string {
	out := make([]string, len(tasks))
	for i, t := range tasks {
		out[i] = t.node
	}
	return out
}

func taskRecords(tasks []task) []checkpoint.Task {
	out := make([]checkpoint.Task, len(tasks))
	for i, t := range tasks {
		out[i] = checkpoint.Task{RunID: t.runID, Node: t.node, Input: t.input, Metadata: t.metadata}
	}
	return out
}

func (c *Compiled) cancelled(threadID string) bool {
	return c.bus != nil && c.bus.IsCancelled(threadID)
}

// GetState returns the leaf checkpoint for a thread.
func (c *Compiled) GetState(ctx context.Context, threadID string) (*checkpoint.Checkpoint, error) {
	return c.store.GetLatest(ctx, threadID)
}

// GetStateHistory returns all checkpoints for a thread, root first.
func (c *Compiled) GetStateHistory(ctx context.Context, threadID string) ([]*checkpoint.Checkpoint, error) {
	return c.store.ListAncestry(ctx, threadID)
}

// UpdateState applies an update through the schema reducers and writes
// a new leaf checkpoint.
func (c *Compiled) UpdateState(ctx context.Context, threadID string, update State) error {
	cp, err := c.store.GetLatest(ctx, threadID)
	if err != nil {
		return err
	}
	state := State(cp.Values)
	if err := c.graph.schema.Apply(state, update); err != nil {
		return err
	}
	child := &checkpoint.Checkpoint{
		ThreadID:  threadID,
		ID:        uuid.NewString(),
		ParentID:  cp.ID,
		Values:    map[string]any(state),
		NextNodes: cp.NextNodes,
		Tasks:     cp.Tasks,
		Step:      cp.Step + 1,
		CreatedAt: now(),
	}
	return c.store.Put(ctx, child)
}

// Structure returns the static topology description.
func (c *Compiled) Structure() Structure {
	g := c.graph
	nodes := make([]string, 0, len(g.nodes))
	for name := range g.nodes {
		nodes = append(nodes, name)
	}
	sort.Strings(nodes)

	var edges []StructureEdge
	for _, src := range nodes {
		if dst, ok := g.edges[src]; ok {
			edges = append(edges, StructureEdge{From: src, To: dst})
		}
		if _, ok := g.routers[src]; ok {
			edges = append(edges, StructureEdge{From: src, Conditional: true})
		}
	}
	return Structure{Name: g.name, Entry: g.entry, Nodes: nodes, Edges: edges}
}
