package graph

import (
	"time"

	"github.com/opgroeien/flowd/pkg/models"
)

// EventType enumerates the raw runtime events consumed by the SSE
// emitter.
type EventType string

const (
	EventChainStart  EventType = "on_chain_start"
	EventChainEnd    EventType = "on_chain_end"
	EventModelStart  EventType = "on_chat_model_start"
	EventModelStream EventType = "on_chat_model_stream"
	EventModelEnd    EventType = "on_chat_model_end"
	EventToolStart   EventType = "on_tool_start"
	EventToolEnd     EventType = "on_tool_end"
)

// Event is one raw runtime event. Chain events come from the scheduler;
// model and tool events are forwarded by nodes through their RunContext.
type Event struct {
	Type     EventType
	ThreadID string
	Node     string
	RunID    string

	// Name is the model or tool name for model/tool events.
	Name string

	Input  any
	Output any

	// Chunk is the text delta for model stream events.
	Chunk string

	Usage    *models.TokenUsage
	Metadata map[string]any

	Timestamp time.Time
}
