// Package llmtest provides a scripted llm.Client for tests.
package llmtest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/opgroeien/flowd/pkg/llm"
	"github.com/opgroeien/flowd/pkg/models"
)

// ScriptEntry defines a single scripted model response.
type ScriptEntry struct {
	// Response content (at most one of Chunks/Text/Error is set).
	Chunks []llm.Chunk // pre-built chunks to return
	Text   string      // shorthand: TextChunk per word + UsageChunk
	Error  error       // returned from Stream()

	// ToolCalls, combined with Text, produces an assistant turn that
	// requests tools.
	ToolCalls []models.ToolCall

	// Test control.
	BlockUntilCancelled bool            // block the stream until ctx is cancelled
	WaitCh              <-chan struct{} // block Stream() until closed
	OnCall              chan<- struct{} // notified when Stream() is entered
}

// ScriptedClient implements llm.Client with a dual-dispatch script:
// sequential fallback plus substring routing for parallel calls where
// order is non-deterministic.
type ScriptedClient struct {
	mu         sync.Mutex
	sequential []ScriptEntry
	seqIndex   int
	routes     map[string][]ScriptEntry // matched against the last human/tool message
	routeIndex map[string]int
	captured   []*llm.Request
}

// NewScriptedClient creates an empty scripted client.
func NewScriptedClient() *ScriptedClient {
	return &ScriptedClient{
		routes:     make(map[string][]ScriptEntry),
		routeIndex: make(map[string]int),
	}
}

// AddSequential appends an entry consumed in call order for non-routed calls.
func (c *ScriptedClient) AddSequential(entry ScriptEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sequential = append(c.sequential, entry)
}

// AddRouted appends an entry used when the request transcript contains match.
func (c *ScriptedClient) AddRouted(match string, entry ScriptEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.routes[match] = append(c.routes[match], entry)
}

// Captured returns all requests seen so far.
func (c *ScriptedClient) Captured() []*llm.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*llm.Request, len(c.captured))
	copy(out, c.captured)
	return out
}

// Stream implements llm.Client.
func (c *ScriptedClient) Stream(ctx context.Context, req *llm.Request) (<-chan llm.Chunk, error) {
	c.mu.Lock()
	c.captured = append(c.captured, req)
	entry, err := c.nextEntry(req)
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}

	if entry.OnCall != nil {
		entry.OnCall <- struct{}{}
	}

	if entry.BlockUntilCancelled {
		ch := make(chan llm.Chunk)
		go func() {
			<-ctx.Done()
			ch <- llm.ErrorChunk{Err: ctx.Err()}
			close(ch)
		}()
		return ch, nil
	}

	if entry.WaitCh != nil {
		select {
		case <-entry.WaitCh:
		case <-ctx.Done():
			ch := make(chan llm.Chunk)
			close(ch)
			return ch, nil
		}
	}

	if entry.Error != nil {
		return nil, entry.Error
	}

	chunks := entry.Chunks
	if chunks == nil {
		chunks = buildChunks(entry)
	}

	ch := make(chan llm.Chunk, len(chunks))
	for _, chunk := range chunks {
		ch <- chunk
	}
	close(ch)
	return ch, nil
}

func (c *ScriptedClient) nextEntry(req *llm.Request) (ScriptEntry, error) {
	transcript := flatten(req.Messages)
	for match, entries := range c.routes {
		if !strings.Contains(transcript, match) {
			continue
		}
		idx := c.routeIndex[match]
		if idx >= len(entries) {
			continue
		}
		c.routeIndex[match] = idx + 1
		return entries[idx], nil
	}

	if c.seqIndex >= len(c.sequential) {
		return ScriptEntry{}, fmt.Errorf("scripted client exhausted after %d calls", c.seqIndex)
	}
	entry := c.sequential[c.seqIndex]
	c.seqIndex++
	return entry, nil
}

func buildChunks(entry ScriptEntry) []llm.Chunk {
	var chunks []llm.Chunk
	words := strings.SplitAfter(entry.Text, " ")
	for _, w := range words {
		if w == "" {
			continue
		}
		chunks = append(chunks, llm.TextChunk{Content: w})
	}
	for _, tc := range entry.ToolCalls {
		chunks = append(chunks, llm.ToolCallChunk{CallID: tc.CallID, Name: tc.Name, Arguments: tc.Args})
	}
	chunks = append(chunks, llm.UsageChunk{Usage: models.TokenUsage{
		InputTokens:  25,
		OutputTokens: len(words),
		TotalTokens:  25 + len(words),
	}})
	return chunks
}

func flatten(messages []models.Message) string {
	var b strings.Builder
	for _, m := range messages {
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	return b.String()
}
