// Package llm defines the model client abstraction and the router that
// maps logical model names to provider backends (OpenAI-compatible and
// Anthropic). The gateway wraps every call made through this package
// with concurrency, rate and retry policies.
package llm

import (
	"context"

	"github.com/opgroeien/flowd/pkg/models"
)

// ToolSpec describes a tool made available to the model for a call.
// Parameters is a JSON Schema object.
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Request is a single model invocation.
type Request struct {
	Model    string
	Messages []models.Message
	Tools    []ToolSpec
	Config   models.ModelConfig
	// MaxTokens caps the response length; 0 uses the backend default.
	MaxTokens int
}

// Response is the fully-collected result of a model invocation.
type Response struct {
	Text      string
	ToolCalls []models.ToolCall
	Usage     models.TokenUsage
}

// Message returns the response as an AI transcript message.
func (r *Response) Message() models.Message {
	return models.NewAIMessage(r.Text, r.ToolCalls...)
}

// Chunk is one element of a model response stream.
// Exactly one of the concrete types below is sent per channel element.
type Chunk interface{ chunk() }

// TextChunk is a streamed text delta.
type TextChunk struct {
	Content string
}

// ThinkingChunk is a streamed thinking/reasoning delta.
type ThinkingChunk struct {
	Content string
}

// ToolCallChunk is a complete tool invocation request. Backends
// accumulate partial fragments internally and emit whole calls.
type ToolCallChunk struct {
	CallID    string
	Name      string
	Arguments map[string]any
}

// UsageChunk reports token usage; sent at most once, before the stream
// closes.
type UsageChunk struct {
	Usage models.TokenUsage
}

// ErrorChunk terminates the stream with an error.
type ErrorChunk struct {
	Err error
}

func (TextChunk) chunk()     {}
func (ThinkingChunk) chunk() {}
func (ToolCallChunk) chunk() {}
func (UsageChunk) chunk()    {}
func (ErrorChunk) chunk()    {}

// Client is a single provider backend. Implementations must be safe for
// concurrent use.
type Client interface {
	// Stream sends the request and returns a channel of response chunks.
	// The channel is closed when the response is complete or on error
	// (after an ErrorChunk).
	Stream(ctx context.Context, req *Request) (<-chan Chunk, error)
}

// Collect drains a chunk stream into a complete Response.
// Returns the first error carried by an ErrorChunk, if any.
func Collect(stream <-chan Chunk) (*Response, error) {
	resp := &Response{}
	for chunk := range stream {
		switch c := chunk.(type) {
		case TextChunk:
			resp.Text += c.Content
		case ToolCallChunk:
			resp.ToolCalls = append(resp.ToolCalls, models.ToolCall{
				CallID: c.CallID,
				Name:   c.Name,
				Args:   c.Arguments,
			})
		case UsageChunk:
			resp.Usage = c.Usage
		case ErrorChunk:
			return nil, c.Err
		}
	}
	return resp, nil
}
