// Package models contains the shared domain types: conversation messages,
// report clusters, thread identity, and LLM usage records.
package models

import "time"

// Role identifies the author of a conversation message.
type Role string

const (
	RoleSystem Role = "system"
	RoleHuman  Role = "human"
	RoleAI     Role = "ai"
	RoleTool   Role = "tool"
)

// ToolCall is a tool invocation requested by an AI message.
type ToolCall struct {
	CallID string         `json:"call_id"`
	Name   string         `json:"name"`
	Args   map[string]any `json:"args"`
}

// Message is one entry in a chat transcript.
//
// AI messages may carry tool calls; tool messages carry the string result
// and reference the call they answer via ToolCallID.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
}

// NewSystemMessage creates a system message.
func NewSystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

// NewHumanMessage creates a human (user) message.
func NewHumanMessage(content string) Message {
	return Message{Role: RoleHuman, Content: content}
}

// NewAIMessage creates an assistant message with optional tool calls.
func NewAIMessage(content string, toolCalls ...ToolCall) Message {
	return Message{Role: RoleAI, Content: content, ToolCalls: toolCalls}
}

// NewToolMessage creates a tool result message answering callID.
func NewToolMessage(callID, name, content string) Message {
	return Message{Role: RoleTool, Content: content, ToolCallID: callID, Name: name}
}

// HasToolCalls reports whether the message requests any tool invocations.
func (m Message) HasToolCalls() bool {
	return m.Role == RoleAI && len(m.ToolCalls) > 0
}

// LastAIMessage returns the most recent AI message in the transcript,
// or false if there is none.
func LastAIMessage(messages []Message) (Message, bool) {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == RoleAI {
			return messages[i], true
		}
	}
	return Message{}, false
}

// Thread identifies one conversation or report run.
// Created on first use; LastAccessedAt is bumped on every access.
type Thread struct {
	ID             string    `json:"thread_id"`
	UserID         string    `json:"user_id"`
	Title          *string   `json:"title,omitempty"`
	Flow           *string   `json:"flow,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
}
