// Package chat builds the interactive chat flow: an agent node that
// calls the model with tools bound, looping through a tools node until
// the model answers without tool calls.
package chat

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/opgroeien/flowd/pkg/gateway"
	"github.com/opgroeien/flowd/pkg/graph"
	"github.com/opgroeien/flowd/pkg/llm"
	"github.com/opgroeien/flowd/pkg/models"
	"github.com/opgroeien/flowd/pkg/prompt"
	"github.com/opgroeien/flowd/pkg/tools"
)

// FlowName is the flow tag recorded on chat threads.
const FlowName = "opgroeien.poc.chat"

const (
	NodeAgent = "agent"
	NodeTools = "tools"
)

// Config wires the chat flow's dependencies.
type Config struct {
	Gateway *gateway.Gateway
	Tools   *tools.Registry
	Prompts *prompt.Library
	Model   string
	Logger  *slog.Logger
}

// Schema is the chat state schema: a single append-only message list.
func Schema() graph.Schema {
	return graph.Schema{
		models.ChannelMessages: graph.Append,
	}
}

// Build constructs the chat graph definition.
func Build(cfg Config) *graph.Graph {
	g := graph.New(FlowName, Schema())
	g.AddNode(NodeAgent, agentNode(cfg))
	g.AddNode(NodeTools, toolsNode(cfg))
	g.SetEntry(NodeAgent)
	g.AddConditionalEdge(NodeAgent, func(state graph.State, result graph.NodeResult) graph.Route {
		appended, _ := result.Update[models.ChannelMessages].([]models.Message)
		if len(appended) > 0 && appended[len(appended)-1].HasToolCalls() {
			return graph.Route{Next: []string{NodeTools}}
		}
		return graph.Route{}
	})
	g.AddEdge(NodeTools, NodeAgent)
	return g
}

// InitialState builds the state for a new user turn.
func InitialState(message string) graph.State {
	return graph.State{
		models.ChannelMessages: []models.Message{models.NewHumanMessage(message)},
	}
}

// agentNode invokes the model with the tool set bound and appends the
// returned ai message. Errors propagate: the stream surfaces them and
// closes.
func agentNode(cfg Config) graph.NodeFunc {
	return func(ctx context.Context, rc *graph.RunContext, state graph.State, input any) (graph.NodeResult, error) {
		transcript := MessagesFrom(state)
		system, err := cfg.Prompts.Text("chat_system")
		if err != nil {
			return graph.NodeResult{}, err
		}

		request := []models.Message{models.NewSystemMessage(system)}
		request = append(request, transcript...)

		rc.EmitModelStart(cfg.Model, lastContent(transcript))
		resp, usage, err := cfg.Gateway.InvokeLLM(ctx, &gateway.Request{
			Model:    cfg.Model,
			Messages: request,
			Tools:    cfg.Tools.Specs(),
			Context: gateway.CallContext{
				ThreadID:    rc.ThreadID,
				RunID:       rc.RunID,
				NodeName:    rc.Node,
				InputTokens: estimateTokens(request),
			},
			Observer: func(chunk llm.Chunk) {
				if text, ok := chunk.(llm.TextChunk); ok {
					rc.EmitModelStream(text.Content)
				}
			},
		})
		if err != nil {
			return graph.NodeResult{}, err
		}
		rc.EmitModelEnd(cfg.Model, lastContent(transcript), resp.Text, &usage)

		return graph.NodeResult{Update: graph.State{
			models.ChannelMessages: []models.Message{resp.Message()},
		}}, nil
	}
}

// toolsNode answers every tool call on the last ai message, in order.
// A failing tool produces an error-content tool message so the model
// can recover on its next turn.
func toolsNode(cfg Config) graph.NodeFunc {
	return func(ctx context.Context, rc *graph.RunContext, state graph.State, input any) (graph.NodeResult, error) {
		transcript := MessagesFrom(state)
		last, ok := models.LastAIMessage(transcript)
		if !ok || !last.HasToolCalls() {
			return graph.NodeResult{}, fmt.Errorf("tools node scheduled without pending tool calls")
		}

		var results []models.Message
		for _, call := range last.ToolCalls {
			rc.EmitToolStart(call.Name, call.Args)
			content := runTool(ctx, cfg, call)
			rc.EmitToolEnd(call.Name, call.Args, content)
			results = append(results, models.NewToolMessage(call.CallID, call.Name, content))
		}

		return graph.NodeResult{Update: graph.State{
			models.ChannelMessages: results,
		}}, nil
	}
}

func runTool(ctx context.Context, cfg Config, call models.ToolCall) string {
	tool, err := cfg.Tools.Get(call.Name)
	if err != nil {
		return fmt.Sprintf("Error: %v", err)
	}
	content, err := tool.Execute(ctx, call.Args)
	if err != nil {
		if cfg.Logger != nil {
			cfg.Logger.Warn("tool failed", "tool", call.Name, "error", err)
		}
		return fmt.Sprintf("Error: %v", err)
	}
	return content
}

// MessagesFrom extracts the transcript from state, tolerating the
// generic forms the checkpoint codec can produce.
func MessagesFrom(state graph.State) []models.Message {
	switch v := state[models.ChannelMessages].(type) {
	case []models.Message:
		return v
	case []any:
		out := make([]models.Message, 0, len(v))
		for _, item := range v {
			if msg, ok := item.(models.Message); ok {
				out = append(out, msg)
			}
		}
		return out
	default:
		return nil
	}
}

// Response returns the final assistant answer from a finished state.
func Response(state graph.State) string {
	if last, ok := models.LastAIMessage(MessagesFrom(state)); ok {
		return last.Content
	}
	return ""
}

func lastContent(messages []models.Message) string {
	if len(messages) == 0 {
		return ""
	}
	return messages[len(messages)-1].Content
}

// estimateTokens is a chars/4 heuristic used only for timeout sizing.
func estimateTokens(messages []models.Message) int {
	chars := 0
	for _, m := range messages {
		chars += len(m.Content)
	}
	return chars / 4
}
