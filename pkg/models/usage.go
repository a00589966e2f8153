package models

import "time"

// TokenUsage aggregates token consumption for one or more LLM calls.
type TokenUsage struct {
	InputTokens    int `json:"input_tokens"`
	OutputTokens   int `json:"output_tokens"`
	TotalTokens    int `json:"total_tokens"`
	ThinkingTokens int `json:"thinking_tokens,omitempty"`
}

// Add accumulates another usage sample into u.
func (u *TokenUsage) Add(other TokenUsage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.TotalTokens += other.TotalTokens
	u.ThinkingTokens += other.ThinkingTokens
}

// ModelConfig carries per-call generation parameters.
type ModelConfig struct {
	Temperature   *float32 `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	ThinkingLevel string   `json:"thinking_level,omitempty" yaml:"thinking_level,omitempty"`
}

// UsageRecord is one completed LLM call as recorded by the observability
// registry and attached to llm_end events.
type UsageRecord struct {
	ThreadID  string      `json:"thread_id"`
	CallID    string      `json:"call_id"`
	RunID     string      `json:"run_id,omitempty"`
	Model     string      `json:"model"`
	Config    ModelConfig `json:"config"`
	Usage     TokenUsage  `json:"usage"`
	TTFTMs    *int64      `json:"ttft_ms,omitempty"`
	Duration  int64       `json:"duration_ms"`
	Timestamp time.Time   `json:"timestamp"`
}
