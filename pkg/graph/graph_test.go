package graph

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opgroeien/flowd/pkg/cancel"
	"github.com/opgroeien/flowd/pkg/checkpoint"
)

func compileTestGraph(t *testing.T, g *Graph, opts CompileOptions) *Compiled {
	t.Helper()
	compiled, err := g.Compile(opts)
	require.NoError(t, err)
	return compiled
}

func TestLinearGraphInvoke(t *testing.T) {
	schema := Schema{"log": Append}
	g := New("test.linear", schema)
	g.AddNode("first", func(ctx context.Context, rc *RunContext, state State, input any) (NodeResult, error) {
		return NodeResult{Update: State{"log": []string{"first"}}}, nil
	})
	g.AddNode("second", func(ctx context.Context, rc *RunContext, state State, input any) (NodeResult, error) {
		return NodeResult{Update: State{"log": []string{"second"}}}, nil
	})
	g.SetEntry("first").AddEdge("first", "second").AddEdge("second", End)

	compiled := compileTestGraph(t, g, CompileOptions{})
	final, err := compiled.Invoke(context.Background(), State{"log": []string{}}, RunConfig{ThreadID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second"}, final["log"])
}

func TestConditionalEdgeLoop(t *testing.T) {
	schema := Schema{"count": LastWrite}
	g := New("test.loop", schema)
	g.AddNode("tick", func(ctx context.Context, rc *RunContext, state State, input any) (NodeResult, error) {
		count, _ := state["count"].(int)
		return NodeResult{Update: State{"count": count + 1}}, nil
	})
	g.SetEntry("tick")
	g.AddConditionalEdge("tick", func(state State, result NodeResult) Route {
		if state["count"].(int) < 3 {
			return Route{Next: []string{"tick"}}
		}
		return Route{}
	})

	compiled := compileTestGraph(t, g, CompileOptions{})
	final, err := compiled.Invoke(context.Background(), State{"count": 0}, RunConfig{ThreadID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, 3, final["count"])
}

func TestRecursionLimit(t *testing.T) {
	g := New("test.infinite", Schema{})
	g.AddNode("loop", func(ctx context.Context, rc *RunContext, state State, input any) (NodeResult, error) {
		return NodeResult{}, nil
	})
	g.SetEntry("loop").AddEdge("loop", "loop")

	compiled := compileTestGraph(t, g, CompileOptions{})
	_, err := compiled.Invoke(context.Background(), State{}, RunConfig{ThreadID: "t1", RecursionLimit: 5})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRecursionLimit)
}

func TestFanOutDispatchesRunInParallel(t *testing.T) {
	var concurrent, peak int32
	schema := Schema{"done": Append}
	g := New("test.fanout", schema)
	g.AddNode("splitter", func(ctx context.Context, rc *RunContext, state State, input any) (NodeResult, error) {
		return NodeResult{Dispatches: []Dispatch{
			{Node: "worker", Input: "a"},
			{Node: "worker", Input: "b"},
			{Node: "worker", Input: "c"},
		}}, nil
	})
	g.AddNode("worker", func(ctx context.Context, rc *RunContext, state State, input any) (NodeResult, error) {
		cur := atomic.AddInt32(&concurrent, 1)
		for {
			old := atomic.LoadInt32(&peak)
			if cur <= old || atomic.CompareAndSwapInt32(&peak, old, cur) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&concurrent, -1)
		return NodeResult{Update: State{"done": []string{input.(string)}}}, nil
	})
	g.AddNode("join", func(ctx context.Context, rc *RunContext, state State, input any) (NodeResult, error) {
		return NodeResult{Update: State{"joined_over": len(state["done"].([]string))}}, nil
	})
	g.SetEntry("splitter")
	g.AddConditionalEdge("splitter", func(state State, result NodeResult) Route {
		return Route{Dispatches: result.Dispatches}
	})
	g.AddEdge("worker", "join")
	g.AddEdge("join", End)

	compiled := compileTestGraph(t, g, CompileOptions{})
	final, err := compiled.Invoke(context.Background(), State{}, RunConfig{ThreadID: "t1"})
	require.NoError(t, err)

	assert.Len(t, final["done"], 3)
	assert.GreaterOrEqual(t, atomic.LoadInt32(&peak), int32(2), "dispatches should overlap")
	// The join runs once, after every dispatched instance finished.
	assert.Equal(t, 3, final["joined_over"])
}

func TestFanOutAssignsFreshRunIDs(t *testing.T) {
	g := New("test.runids", Schema{})
	g.AddNode("splitter", func(ctx context.Context, rc *RunContext, state State, input any) (NodeResult, error) {
		return NodeResult{Dispatches: []Dispatch{
			{Node: "worker", Input: 1},
			{Node: "worker", Input: 2},
		}}, nil
	})
	g.AddNode("worker", func(ctx context.Context, rc *RunContext, state State, input any) (NodeResult, error) {
		return NodeResult{}, nil
	})
	g.SetEntry("splitter")
	g.AddConditionalEdge("splitter", func(state State, result NodeResult) Route {
		return Route{Dispatches: result.Dispatches}
	})
	g.AddEdge("worker", End)

	compiled := compileTestGraph(t, g, CompileOptions{})
	events, errs := compiled.Stream(context.Background(), State{}, RunConfig{ThreadID: "t1"})

	starts := map[string]string{}
	ends := map[string]bool{}
	for ev := range events {
		switch ev.Type {
		case EventChainStart:
			starts[ev.RunID] = ev.Node
		case EventChainEnd:
			ends[ev.RunID] = true
		}
	}
	require.NoError(t, <-errs)

	workerRuns := 0
	for runID, node := range starts {
		assert.True(t, ends[runID], "run %s (%s) missing chain end", runID, node)
		if node == "worker" {
			workerRuns++
		}
	}
	assert.Equal(t, 2, workerRuns)
	assert.Len(t, starts, 3)
}

func TestCheckpointPerSuperStepAndResume(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	schema := Schema{"log": Append}

	build := func(failSecond bool) *Compiled {
		g := New("test.resume", schema)
		g.AddNode("first", func(ctx context.Context, rc *RunContext, state State, input any) (NodeResult, error) {
			return NodeResult{Update: State{"log": []string{"first"}}}, nil
		})
		g.AddNode("second", func(ctx context.Context, rc *RunContext, state State, input any) (NodeResult, error) {
			if failSecond {
				return NodeResult{}, fmt.Errorf("boom")
			}
			return NodeResult{Update: State{"log": []string{"second"}}}, nil
		})
		g.SetEntry("first").AddEdge("first", "second").AddEdge("second", End)
		return compileTestGraph(t, g, CompileOptions{Store: store})
	}

	// First run dies in the second node, after the first step's
	// checkpoint landed.
	_, err := build(true).Invoke(context.Background(), State{}, RunConfig{ThreadID: "t1"})
	require.Error(t, err)

	cp, err := store.GetLatest(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, []string{"second"}, cp.NextNodes)

	// Resume with nil initial picks up from the checkpoint.
	final, err := build(false).Invoke(context.Background(), nil, RunConfig{ThreadID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second"}, final["log"])
}

func TestCancellationStopsScheduling(t *testing.T) {
	bus := cancel.NewBus()
	executed := make(map[string]bool)
	g := New("test.cancel", Schema{})
	g.AddNode("first", func(ctx context.Context, rc *RunContext, state State, input any) (NodeResult, error) {
		executed["first"] = true
		bus.Cancel("t1")
		return NodeResult{}, nil
	})
	g.AddNode("second", func(ctx context.Context, rc *RunContext, state State, input any) (NodeResult, error) {
		executed["second"] = true
		return NodeResult{}, nil
	})
	g.SetEntry("first").AddEdge("first", "second").AddEdge("second", End)

	compiled := compileTestGraph(t, g, CompileOptions{Bus: bus})
	_, err := compiled.Invoke(context.Background(), State{}, RunConfig{ThreadID: "t1"})
	require.NoError(t, err)

	assert.True(t, executed["first"])
	assert.False(t, executed["second"], "no new nodes after cancellation")
}

func TestUpdateStateWritesNewLeaf(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	schema := Schema{"log": Append}
	g := New("test.update", schema)
	g.AddNode("only", func(ctx context.Context, rc *RunContext, state State, input any) (NodeResult, error) {
		return NodeResult{Update: State{"log": []string{"ran"}}}, nil
	})
	g.SetEntry("only").AddEdge("only", End)

	compiled := compileTestGraph(t, g, CompileOptions{Store: store})
	_, err := compiled.Invoke(context.Background(), State{}, RunConfig{ThreadID: "t1"})
	require.NoError(t, err)

	require.NoError(t, compiled.UpdateState(context.Background(), "t1", State{"log": []string{"patched"}}))

	cp, err := compiled.GetState(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, []string{"ran", "patched"}, cp.Values["log"])

	history, err := compiled.GetStateHistory(context.Background(), "t1")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(history), 3)
}

func TestCompileValidation(t *testing.T) {
	g := New("test.invalid", Schema{})
	_, err := g.Compile(CompileOptions{})
	assert.Error(t, err, "missing entry")

	g.AddNode("a", func(ctx context.Context, rc *RunContext, state State, input any) (NodeResult, error) {
		return NodeResult{}, nil
	})
	g.SetEntry("a").AddEdge("a", "missing")
	_, err = g.Compile(CompileOptions{})
	assert.Error(t, err, "edge target must exist")
}
