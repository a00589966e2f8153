// Package metrics tracks per-thread execution metrics (TTFT, token
// counts, tool durations, embedding usage) and exports aggregate
// Prometheus instruments.
package metrics

import (
	"log/slog"
	"sync"
	"time"

	"github.com/opgroeien/flowd/pkg/models"
)

// ExecutionSnapshot is the per-thread view returned by Snapshot and
// Finalize, and attached to llm_end events.
type ExecutionSnapshot struct {
	ThreadID      string               `json:"thread_id"`
	StartedAt     time.Time            `json:"started_at"`
	ElapsedMs     int64                `json:"elapsed_ms"`
	LLMCalls      int                  `json:"llm_calls"`
	TotalUsage    models.TokenUsage    `json:"total_usage"`
	Calls         []models.UsageRecord `json:"calls,omitempty"`
	ToolCalls     int                  `json:"tool_calls"`
	ToolTimeMs    int64                `json:"tool_time_ms"`
	ToolCost      float64              `json:"tool_cost,omitempty"`
	EmbeddingUses int                  `json:"embedding_uses,omitempty"`
}

type callRecord struct {
	record     models.UsageRecord
	startedAt  time.Time
	firstToken *time.Time
	completed  bool
}

type execution struct {
	startedAt time.Time
	calls     map[string]*callRecord
	order     []string
	runToCall map[string]string

	toolCalls    int
	toolDuration time.Duration
	toolCost     float64

	embeddingUses int
}

// Registry is the per-thread observability store. All methods are safe
// for concurrent use. Collectors may be nil (tests that do not assert
// on Prometheus output).
type Registry struct {
	mu         sync.Mutex
	executions map[string]*execution
	collectors *Collectors
	logger     *slog.Logger
	now        func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry(collectors *Collectors, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		executions: make(map[string]*execution),
		collectors: collectors,
		logger:     logger.With("component", "metrics"),
		now:        time.Now,
	}
}

// InitExecution starts tracking a thread. Calling it again for a live
// thread resets its metrics.
func (r *Registry) InitExecution(threadID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, existed := r.executions[threadID]
	r.executions[threadID] = &execution{
		startedAt: r.now(),
		calls:     make(map[string]*callRecord),
		runToCall: make(map[string]string),
	}
	if !existed && r.collectors != nil {
		r.collectors.ActiveExecutions.Inc()
	}
}

// RecordLLMStart registers a model call about to be made. runID links
// stream events back to this call and may be empty.
func (r *Registry) RecordLLMStart(threadID, callID, model string, config models.ModelConfig, runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	exec := r.ensureLocked(threadID)
	exec.calls[callID] = &callRecord{
		record: models.UsageRecord{
			ThreadID:  threadID,
			CallID:    callID,
			RunID:     runID,
			Model:     model,
			Config:    config,
			Timestamp: r.now(),
		},
		startedAt: r.now(),
	}
	exec.order = append(exec.order, callID)
	if runID != "" {
		exec.runToCall[runID] = callID
	}
}

// RecordFirstToken marks the TTFT for a call. The id may be either the
// call_id or the run_id of the call; repeated marks are ignored.
func (r *Registry) RecordFirstToken(threadID, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	exec, ok := r.executions[threadID]
	if !ok {
		return
	}
	call := r.lookupLocked(exec, id)
	if call == nil || call.firstToken != nil {
		return
	}
	now := r.now()
	call.firstToken = &now
	ttft := now.Sub(call.startedAt)
	ms := ttft.Milliseconds()
	call.record.TTFTMs = &ms
	if r.collectors != nil {
		r.collectors.LLMFirstToken.WithLabelValues(call.record.Model).Observe(ttft.Seconds())
	}
}

// RecordLLMUsage completes a call with its token usage.
func (r *Registry) RecordLLMUsage(threadID, callID string, usage models.TokenUsage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	exec, ok := r.executions[threadID]
	if !ok {
		r.logger.Warn("usage recorded for unknown thread", "thread_id", threadID, "call_id", callID)
		return
	}
	call := r.lookupLocked(exec, callID)
	if call == nil {
		r.logger.Warn("usage recorded for unknown call", "thread_id", threadID, "call_id", callID)
		return
	}
	duration := r.now().Sub(call.startedAt)
	call.record.Usage = usage
	call.record.Duration = duration.Milliseconds()
	call.completed = true
	if r.collectors != nil {
		model := call.record.Model
		r.collectors.LLMDuration.WithLabelValues(model).Observe(duration.Seconds())
		r.collectors.LLMTokens.WithLabelValues(model, "input").Add(float64(usage.InputTokens))
		r.collectors.LLMTokens.WithLabelValues(model, "output").Add(float64(usage.OutputTokens))
		if usage.ThinkingTokens > 0 {
			r.collectors.LLMTokens.WithLabelValues(model, "thinking").Add(float64(usage.ThinkingTokens))
		}
	}
}

// RecordLLMStatus counts a call outcome on the aggregate counters.
func (r *Registry) RecordLLMStatus(model, status string) {
	if r.collectors != nil {
		r.collectors.LLMRequests.WithLabelValues(model, status).Inc()
	}
}

// RecordEmbedding tracks one embedding call. Embeddings are not tied to
// a call record; they count against the thread and the aggregates.
func (r *Registry) RecordEmbedding(threadID, model string, inputTokens int, duration time.Duration) {
	r.mu.Lock()
	if exec, ok := r.executions[threadID]; ok {
		exec.embeddingUses++
	}
	r.mu.Unlock()
	if r.collectors != nil {
		r.collectors.EmbeddingTokens.WithLabelValues(model).Add(float64(inputTokens))
	}
}

// RecordToolCost tracks one tool execution.
func (r *Registry) RecordToolCost(threadID, tool string, duration time.Duration, cost float64) {
	r.mu.Lock()
	if exec, ok := r.executions[threadID]; ok {
		exec.toolCalls++
		exec.toolDuration += duration
		exec.toolCost += cost
	}
	r.mu.Unlock()
	if r.collectors != nil {
		r.collectors.ToolDuration.WithLabelValues(tool).Observe(duration.Seconds())
	}
}

// CallForRun resolves a runtime run_id back to the call it belongs to.
func (r *Registry) CallForRun(threadID, runID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	exec, ok := r.executions[threadID]
	if !ok {
		return "", false
	}
	callID, ok := exec.runToCall[runID]
	return callID, ok
}

// Snapshot returns the current metrics for a thread without ending it.
func (r *Registry) Snapshot(threadID string) (ExecutionSnapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	exec, ok := r.executions[threadID]
	if !ok {
		return ExecutionSnapshot{}, false
	}
	return r.snapshotLocked(threadID, exec), true
}

// Finalize ends tracking for a thread and returns its final snapshot.
func (r *Registry) Finalize(threadID string) (ExecutionSnapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	exec, ok := r.executions[threadID]
	if !ok {
		return ExecutionSnapshot{}, false
	}
	snap := r.snapshotLocked(threadID, exec)
	delete(r.executions, threadID)
	if r.collectors != nil {
		r.collectors.ActiveExecutions.Dec()
	}
	r.logger.Info("execution finalized",
		"thread_id", threadID,
		"llm_calls", snap.LLMCalls,
		"total_tokens", snap.TotalUsage.TotalTokens,
		"elapsed_ms", snap.ElapsedMs)
	return snap, true
}

func (r *Registry) ensureLocked(threadID string) *execution {
	exec, ok := r.executions[threadID]
	if !ok {
		exec = &execution{
			startedAt: r.now(),
			calls:     make(map[string]*callRecord),
			runToCall: make(map[string]string),
		}
		r.executions[threadID] = exec
		if r.collectors != nil {
			r.collectors.ActiveExecutions.Inc()
		}
	}
	return exec
}

func (r *Registry) lookupLocked(exec *execution, id string) *callRecord {
	if call, ok := exec.calls[id]; ok {
		return call
	}
	if callID, ok := exec.runToCall[id]; ok {
		return exec.calls[callID]
	}
	return nil
}

func (r *Registry) snapshotLocked(threadID string, exec *execution) ExecutionSnapshot {
	snap := ExecutionSnapshot{
		ThreadID:      threadID,
		StartedAt:     exec.startedAt,
		ElapsedMs:     r.now().Sub(exec.startedAt).Milliseconds(),
		LLMCalls:      len(exec.order),
		ToolCalls:     exec.toolCalls,
		ToolTimeMs:    exec.toolDuration.Milliseconds(),
		ToolCost:      exec.toolCost,
		EmbeddingUses: exec.embeddingUses,
	}
	for _, callID := range exec.order {
		call := exec.calls[callID]
		snap.Calls = append(snap.Calls, call.record)
		snap.TotalUsage.Add(call.record.Usage)
	}
	return snap
}
