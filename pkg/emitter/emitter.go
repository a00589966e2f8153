// Package emitter translates raw graph runtime events into the SSE
// envelope stream clients consume. It guarantees node_start/node_end
// pairing even when the runtime goes silent on a dispatch edge, and
// interleaves throttled state snapshots for long-running report runs.
package emitter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/opgroeien/flowd/pkg/cancel"
	"github.com/opgroeien/flowd/pkg/checkpoint"
	"github.com/opgroeien/flowd/pkg/graph"
	"github.com/opgroeien/flowd/pkg/metrics"
	"github.com/opgroeien/flowd/pkg/models"
)

// Flow labels used in the envelope.
const (
	FlowChat   = "chat"
	FlowReport = "report"
)

// Envelope event types.
const (
	TypeGraphStart    = "graph_start"
	TypeNodeStart     = "node_start"
	TypeNodeEnd       = "node_end"
	TypeToolStart     = "tool_start"
	TypeToolEnd       = "tool_end"
	TypeLLMStart      = "llm_start"
	TypeLLMEnd        = "llm_end"
	TypeContentChunk  = "content_chunk"
	TypeStateSnapshot = "state_snapshot"
	TypeGraphEnd      = "graph_end"
	TypeError         = "error"
)

// Preview lengths.
const (
	DefaultPreviewLength    = 150
	ChapterPreviewLength    = 200
	ToolResultPreviewLength = 500
)

// Envelope is one SSE event.
type Envelope struct {
	Type     string `json:"type"`
	ThreadID string `json:"thread_id"`
	Flow     string `json:"flow"`
	Seq      uint64 `json:"seq"`
	TS       int64  `json:"ts"`
	RunID    string `json:"run_id,omitempty"`
	Payload  any    `json:"payload"`
}

// StateReader fetches the latest checkpoint for snapshot events.
// *graph.Compiled satisfies it.
type StateReader interface {
	GetState(ctx context.Context, threadID string) (*checkpoint.Checkpoint, error)
}

// Options configure one emitter stream.
type Options struct {
	Flow     string
	ThreadID string

	Bus     *cancel.Bus
	Metrics *metrics.Registry
	States  StateReader

	// ProjectState converts raw checkpoint values into the
	// report_state payload of snapshots. Nil omits the field.
	ProjectState func(values map[string]any) any

	// Response extracts the graph_end response from the final state.
	Response func(values map[string]any) any

	SnapshotThrottle     time.Duration
	LongRunningThreshold time.Duration
	KeepaliveInterval    time.Duration

	Logger *slog.Logger
}

type taskInfo struct {
	RunID     string     `json:"run_id"`
	Node      string     `json:"node"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`

	fileID string
}

// Emitter owns the per-stream state of one SSE stream.
type Emitter struct {
	opts   Options
	logger *slog.Logger
	now    func() time.Time

	seq                uint64
	accumulated        string
	visited            []string
	visitedSet         map[string]bool
	active             map[string]*taskInfo
	history            []*taskInfo
	activeClusters     map[string]bool
	lastSnapshot       time.Time
	lastThrottledCheck time.Time
	firstToken         bool
}

// New creates an emitter for one stream.
func New(opts Options) *Emitter {
	if opts.SnapshotThrottle <= 0 {
		opts.SnapshotThrottle = 12 * time.Second
	}
	if opts.LongRunningThreshold <= 0 {
		opts.LongRunningThreshold = 20 * time.Second
	}
	if opts.KeepaliveInterval <= 0 {
		opts.KeepaliveInterval = 30 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{
		opts:           opts,
		logger:         logger.With("component", "emitter", "thread_id", opts.ThreadID, "flow", opts.Flow),
		now:            func() time.Time { return time.Now().UTC() },
		visitedSet:     make(map[string]bool),
		active:         make(map[string]*taskInfo),
		activeClusters: make(map[string]bool),
	}
}

// Run consumes the runtime's event stream and writes envelopes to out
// until the run completes. It closes out before returning.
func (e *Emitter) Run(ctx context.Context, events <-chan graph.Event, errs <-chan error, out chan<- Envelope) {
	defer close(out)

	send := func(env Envelope) bool {
		select {
		case out <- env:
			return true
		case <-ctx.Done():
			return false
		}
	}

	e.lastSnapshot = e.now()
	e.lastThrottledCheck = e.lastSnapshot

	if !send(e.envelope(TypeGraphStart, "", map[string]any{})) {
		return
	}
	if e.opts.Flow == FlowReport {
		if env, ok := e.startupSnapshot(ctx); ok && !send(env) {
			return
		}
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	cancelled := false

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			for _, env := range e.periodicSnapshots(ctx) {
				if !send(env) {
					return
				}
			}
		case ev, ok := <-events:
			if !ok {
				break loop
			}
			if e.opts.Flow == FlowReport && ev.Type == graph.EventChainStart &&
				e.opts.Bus != nil && e.opts.Bus.IsCancelled(e.opts.ThreadID) {
				cancelled = true
				break loop
			}
			for _, env := range e.handle(ctx, ev) {
				if !send(env) {
					return
				}
			}
		}
	}

	if cancelled {
		// Drain remaining runtime events so the run goroutine is not
		// blocked; nothing further is forwarded.
		go func() {
			for range events {
			}
		}()
	}

	// The runtime yields exactly once on errs when the run ends; wait
	// for it so the final checkpoint is in place before snapshotting.
	var runErr error
	select {
	case runErr = <-errs:
	case <-ctx.Done():
	}

	if e.opts.Bus != nil && e.opts.Bus.IsCancelled(e.opts.ThreadID) {
		cancelled = true
	}
	for _, env := range e.finalize(ctx, runErr, cancelled) {
		if !send(env) {
			return
		}
	}
}

// handle dispatches one raw runtime event into zero or more envelopes.
func (e *Emitter) handle(ctx context.Context, ev graph.Event) []Envelope {
	switch ev.Type {
	case graph.EventChainStart:
		return e.chainStart(ctx, ev)
	case graph.EventChainEnd:
		return e.chainEnd(ctx, ev)
	case graph.EventModelStart:
		return []Envelope{e.envelope(TypeLLMStart, e.runID(ev), map[string]any{
			"model":         ev.Name,
			"input_preview": previewOf(ev.Input, DefaultPreviewLength),
			"call_id":       e.callID(ev),
		})}
	case graph.EventModelEnd:
		payload := map[string]any{
			"model":          ev.Name,
			"input_preview":  previewOf(ev.Input, DefaultPreviewLength),
			"output_preview": previewOf(ev.Output, e.outputPreviewLength(ev.Node)),
		}
		if ev.Usage != nil {
			payload["token_usage"] = ev.Usage
		}
		if e.opts.Metrics != nil {
			if snap, ok := e.opts.Metrics.Snapshot(e.opts.ThreadID); ok {
				payload["execution_metrics"] = snap
			}
		}
		return []Envelope{e.envelope(TypeLLMEnd, e.runID(ev), payload)}
	case graph.EventModelStream:
		if ev.Chunk == "" {
			return nil
		}
		e.accumulated += ev.Chunk
		if !e.firstToken {
			e.firstToken = true
			if e.opts.Metrics != nil {
				e.opts.Metrics.RecordFirstToken(e.opts.ThreadID, ev.RunID)
			}
		}
		return []Envelope{e.envelope(TypeContentChunk, e.runID(ev), map[string]any{
			"content":     ev.Chunk,
			"accumulated": e.accumulated,
		})}
	case graph.EventToolStart:
		return []Envelope{
			e.envelope(TypeNodeStart, e.runID(ev), map[string]any{
				"node": ev.Name,
			}),
			e.envelope(TypeToolStart, e.runID(ev), map[string]any{
				"tool_name":    ev.Name,
				"args_preview": previewOf(ev.Input, DefaultPreviewLength),
			}),
		}
	case graph.EventToolEnd:
		return []Envelope{
			e.envelope(TypeToolEnd, e.runID(ev), map[string]any{
				"tool_name":      ev.Name,
				"args_preview":   previewOf(ev.Input, DefaultPreviewLength),
				"result_preview": previewOf(ev.Output, ToolResultPreviewLength),
			}),
			e.envelope(TypeNodeEnd, e.runID(ev), map[string]any{
				"node": ev.Name,
			}),
		}
	default:
		return nil
	}
}

func (e *Emitter) chainStart(ctx context.Context, ev graph.Event) []Envelope {
	runID := e.runID(ev)
	info := &taskInfo{RunID: runID, Node: ev.Node, StartedAt: e.now()}
	if fileID, ok := ev.Metadata[modelsFileIDKey].(string); ok {
		info.fileID = fileID
		e.activeClusters[fileID] = true
	}
	e.active[runID] = info
	if !e.visitedSet[ev.Node] {
		e.visitedSet[ev.Node] = true
		e.visited = append(e.visited, ev.Node)
	}

	out := []Envelope{e.envelope(TypeNodeStart, runID, map[string]any{
		"node":          ev.Node,
		"input_preview": previewOf(ev.Input, DefaultPreviewLength),
	})}

	// Snapshot straight away for analyst starts so the client can
	// highlight the active cluster.
	if e.opts.Flow == FlowReport && info.fileID != "" {
		if env, ok := e.snapshot(ctx); ok {
			out = append(out, env)
		}
	}
	return out
}

func (e *Emitter) chainEnd(ctx context.Context, ev graph.Event) []Envelope {
	runID := e.runID(ev)
	info := e.lookupTask(runID, ev)
	if info == nil {
		// End without a tracked start; emit the pairing anyway.
		info = &taskInfo{RunID: runID, Node: ev.Node, StartedAt: e.now()}
	}
	ended := e.now()
	info.EndedAt = &ended
	delete(e.active, info.RunID)
	e.history = append(e.history, info)
	if info.fileID != "" {
		delete(e.activeClusters, info.fileID)
	}

	out := []Envelope{e.envelope(TypeNodeEnd, runID, map[string]any{
		"node":           ev.Node,
		"output_preview": previewOf(ev.Output, e.outputPreviewLength(ev.Node)),
	})}
	if env, ok := e.snapshot(ctx); ok {
		out = append(out, env)
	}
	return out
}

// lookupTask resolves a chain-end to its start: by prefixed run_id, by
// the raw runtime id, then the most recent unended task on the same
// node.
func (e *Emitter) lookupTask(runID string, ev graph.Event) *taskInfo {
	if info, ok := e.active[runID]; ok {
		return info
	}
	if info, ok := e.active[ev.RunID]; ok {
		return info
	}
	var latest *taskInfo
	for _, info := range e.active {
		if info.Node != ev.Node {
			continue
		}
		if latest == nil || info.StartedAt.After(latest.StartedAt) {
			latest = info
		}
	}
	return latest
}

// periodicSnapshots implements the throttle and keep-alive rules.
func (e *Emitter) periodicSnapshots(ctx context.Context) []Envelope {
	now := e.now()

	if now.Sub(e.lastThrottledCheck) >= e.opts.SnapshotThrottle {
		e.lastThrottledCheck = now
		for _, info := range e.active {
			if now.Sub(info.StartedAt) >= e.opts.LongRunningThreshold {
				if env, ok := e.snapshot(ctx); ok {
					return []Envelope{env}
				}
				return nil
			}
		}
	}

	if e.opts.Flow == FlowReport && now.Sub(e.lastSnapshot) >= e.opts.KeepaliveInterval {
		if env, ok := e.snapshot(ctx); ok {
			return []Envelope{env}
		}
	}
	return nil
}

// Startup snapshot polling: a brand-new thread has no checkpoint until
// the runtime persists its root one, so the opening snapshot waits that
// window out instead of dropping.
const (
	startupSnapshotInterval = 10 * time.Millisecond
	startupSnapshotAttempts = 200
)

// startupSnapshot emits the snapshot that opens a report stream right
// after graph_start, retrying while the root checkpoint write is still
// in flight.
func (e *Emitter) startupSnapshot(ctx context.Context) (Envelope, bool) {
	if e.opts.States == nil {
		return Envelope{}, false
	}
	for attempt := 0; ; attempt++ {
		cp, err := e.opts.States.GetState(ctx, e.opts.ThreadID)
		if err == nil {
			e.lastSnapshot = e.now()
			return e.envelope(TypeStateSnapshot, "", e.snapshotPayload(cp)), true
		}
		if !errors.Is(err, checkpoint.ErrNotFound) || attempt >= startupSnapshotAttempts {
			e.logger.Warn("startup snapshot fetch failed", "error", err)
			return Envelope{}, false
		}
		select {
		case <-ctx.Done():
			return Envelope{}, false
		case <-time.After(startupSnapshotInterval):
		}
	}
}

// snapshot emits a checkpoint-authoritative state_snapshot.
func (e *Emitter) snapshot(ctx context.Context) (Envelope, bool) {
	if e.opts.States == nil {
		return Envelope{}, false
	}
	cp, err := e.opts.States.GetState(ctx, e.opts.ThreadID)
	if err != nil {
		e.logger.Warn("snapshot checkpoint fetch failed", "error", err)
		return Envelope{}, false
	}
	e.lastSnapshot = e.now()
	return e.envelope(TypeStateSnapshot, "", e.snapshotPayload(cp)), true
}

func (e *Emitter) snapshotPayload(cp *checkpoint.Checkpoint) map[string]any {
	next := cp.NextNodes
	if next == nil {
		next = []string{}
	}
	visited := append([]string{}, e.visited...)
	payload := map[string]any{
		"snapshot_id":   cp.ID,
		"next":          next,
		"visited_nodes": visited,
		"task_history":  append([]*taskInfo{}, e.history...),
	}
	if e.opts.ProjectState != nil {
		payload["report_state"] = e.opts.ProjectState(cp.Values)
	}
	if e.opts.Flow == FlowReport {
		payload["cluster_status"] = map[string]any{
			"active_cluster_ids":    sortedKeys(e.activeClusters),
			"completed_cluster_ids": completedClusters(cp.Values),
		}
	}
	return payload
}

// finalize synthesizes missing node_ends, the silent dispatch-edge
// node pairs, and the closing snapshot. A cancelled run closes after
// the final snapshot without a graph_end.
func (e *Emitter) finalize(ctx context.Context, runErr error, cancelled bool) []Envelope {
	var out []Envelope

	if runErr != nil {
		out = append(out, e.envelope(TypeError, "", map[string]any{
			"error":      runErr.Error(),
			"error_type": ErrorKind(runErr),
		}))
	}

	// Order is stable: oldest start first.
	var open []*taskInfo
	for _, info := range e.active {
		open = append(open, info)
	}
	sort.Slice(open, func(i, j int) bool { return open[i].StartedAt.Before(open[j].StartedAt) })
	for _, info := range open {
		ended := e.now()
		info.EndedAt = &ended
		delete(e.active, info.RunID)
		e.history = append(e.history, info)
		if info.fileID != "" {
			delete(e.activeClusters, info.fileID)
		}
		out = append(out, e.envelope(TypeNodeEnd, info.RunID, map[string]any{
			"node": info.Node,
		}))
	}

	// Dispatch-edge nodes can go completely silent; synthesize their
	// pair so every start has an end.
	if e.opts.Flow == FlowReport {
		for _, node := range []string{"splitter_node", "batch_processor_node"} {
			if e.visitedSet[node] {
				continue
			}
			started := e.now()
			ended := e.now()
			info := &taskInfo{RunID: node, Node: node, StartedAt: started, EndedAt: &ended}
			e.visitedSet[node] = true
			e.visited = append(e.visited, node)
			e.history = append(e.history, info)
			out = append(out,
				e.envelope(TypeNodeStart, node, map[string]any{"node": node}),
				e.envelope(TypeNodeEnd, node, map[string]any{"node": node}),
			)
		}
	}

	var finalValues map[string]any
	if e.opts.States != nil {
		if cp, err := e.opts.States.GetState(ctx, e.opts.ThreadID); err == nil {
			finalValues = cp.Values
			payload := e.snapshotPayload(cp)
			payload["next"] = []string{}
			out = append(out, e.envelope(TypeStateSnapshot, "", payload))
		} else {
			e.logger.Warn("final snapshot fetch failed", "error", err)
		}
	}

	if runErr == nil && !cancelled {
		var response any
		if e.opts.Response != nil && finalValues != nil {
			response = e.opts.Response(finalValues)
		}
		out = append(out, e.envelope(TypeGraphEnd, "", map[string]any{
			"response": response,
		}))
	}
	return out
}

func (e *Emitter) envelope(eventType, runID string, payload any) Envelope {
	e.seq++
	return Envelope{
		Type:     eventType,
		ThreadID: e.opts.ThreadID,
		Flow:     e.opts.Flow,
		Seq:      e.seq,
		TS:       e.now().UnixMilli(),
		RunID:    runID,
		Payload:  payload,
	}
}

// runID prefixes the runtime id with the node name; with no runtime id
// the node name stands alone.
func (e *Emitter) runID(ev graph.Event) string {
	if ev.Node != "" && ev.RunID != "" {
		return ev.Node + "_" + ev.RunID
	}
	if ev.RunID != "" {
		return ev.RunID
	}
	return ev.Node
}

func (e *Emitter) callID(ev graph.Event) string {
	if e.opts.Metrics == nil {
		return ""
	}
	callID, _ := e.opts.Metrics.CallForRun(e.opts.ThreadID, ev.RunID)
	return callID
}

func (e *Emitter) outputPreviewLength(node string) int {
	if node == "analyst_node" || node == "editor_node" {
		return ChapterPreviewLength
	}
	return DefaultPreviewLength
}

const modelsFileIDKey = "file_id"

func completedClusters(values map[string]any) []string {
	var status map[string]models.ClusterState
	switch v := values[models.ChannelClusterStatus].(type) {
	case map[string]models.ClusterState:
		status = v
	case map[string]any:
		status = make(map[string]models.ClusterState, len(v))
		for k, item := range v {
			if s, ok := item.(models.ClusterState); ok {
				status[k] = s
			}
		}
	}
	completed := []string{}
	for fileID, s := range status {
		if s.Status == models.ClusterStatusCompleted {
			completed = append(completed, fileID)
		}
	}
	sort.Strings(completed)
	return completed
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// previewOf renders any event payload as a bounded string.
func previewOf(value any, limit int) string {
	var text string
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		text = v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			text = fmt.Sprintf("%v", v)
		} else {
			text = string(data)
		}
	}
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit]) + "..."
}
