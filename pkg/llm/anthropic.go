package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/opgroeien/flowd/pkg/models"
)

const anthropicDefaultMaxTokens = 8192

// AnthropicClient talks to the Anthropic Messages API.
type AnthropicClient struct {
	client anthropic.Client
}

// NewAnthropicClient creates a client. baseURL is optional.
func NewAnthropicClient(apiKey, baseURL string) *AnthropicClient {
	options := []option.RequestOption{option.WithAPIKey(apiKey)}
	if strings.TrimSpace(baseURL) != "" {
		options = append(options, option.WithBaseURL(baseURL))
	}
	return &AnthropicClient{client: anthropic.NewClient(options...)}
}

// Stream sends the request and converts SSE events into Chunks.
func (c *AnthropicClient) Stream(ctx context.Context, req *Request) (<-chan Chunk, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  convertToAnthropicMessages(req.Messages),
		MaxTokens: int64(maxTokens),
	}
	if system := systemPrompt(req.Messages); system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if req.Config.Temperature != nil {
		params.Temperature = anthropic.Float(float64(*req.Config.Temperature))
	}
	if len(req.Tools) > 0 {
		tools, err := convertToAnthropicTools(req.Tools)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
		}
		params.Tools = tools
	}

	stream := c.client.Messages.NewStreaming(ctx, params)

	chunks := make(chan Chunk, 64)
	go c.processStream(stream, chunks)
	return chunks, nil
}

func (c *AnthropicClient) processStream(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], chunks chan<- Chunk) {
	defer close(chunks)
	defer func() { _ = stream.Close() }()

	var usage models.TokenUsage
	var currentTool *models.ToolCall
	var toolInput strings.Builder

	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "message_start":
			start := event.AsMessageStart()
			usage.InputTokens = int(start.Message.Usage.InputTokens)

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				toolUse := block.AsToolUse()
				currentTool = &models.ToolCall{CallID: toolUse.ID, Name: toolUse.Name}
				toolInput.Reset()
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					chunks <- TextChunk{Content: delta.Text}
				}
			case "thinking_delta":
				if delta.Thinking != "" {
					chunks <- ThinkingChunk{Content: delta.Thinking}
				}
			case "input_json_delta":
				toolInput.WriteString(delta.PartialJSON)
			}

		case "content_block_stop":
			if currentTool != nil {
				args := map[string]any{}
				if raw := toolInput.String(); raw != "" {
					if err := json.Unmarshal([]byte(raw), &args); err != nil {
						chunks <- ErrorChunk{Err: fmt.Errorf("%w: malformed tool arguments for %s: %w", ErrInvalidInput, currentTool.Name, err)}
						return
					}
				}
				chunks <- ToolCallChunk{CallID: currentTool.CallID, Name: currentTool.Name, Arguments: args}
				currentTool = nil
			}

		case "message_delta":
			delta := event.AsMessageDelta()
			if delta.Usage.OutputTokens > 0 {
				usage.OutputTokens = int(delta.Usage.OutputTokens)
			}

		case "message_stop":
			usage.TotalTokens = usage.InputTokens + usage.OutputTokens
			chunks <- UsageChunk{Usage: usage}
			return
		}
	}

	if err := stream.Err(); err != nil {
		chunks <- ErrorChunk{Err: classifyError(err)}
	}
}

// systemPrompt extracts the leading system message; Anthropic carries it
// outside the messages array.
func systemPrompt(messages []models.Message) string {
	for _, msg := range messages {
		if msg.Role == models.RoleSystem {
			return msg.Content
		}
	}
	return ""
}

func convertToAnthropicMessages(messages []models.Message) []anthropic.MessageParam {
	var result []anthropic.MessageParam
	for _, msg := range messages {
		var content []anthropic.ContentBlockParamUnion
		switch msg.Role {
		case models.RoleSystem:
			continue
		case models.RoleHuman:
			content = append(content, anthropic.NewTextBlock(msg.Content))
			result = append(result, anthropic.NewUserMessage(content...))
		case models.RoleAI:
			if msg.Content != "" {
				content = append(content, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				content = append(content, anthropic.NewToolUseBlock(tc.CallID, tc.Args, tc.Name))
			}
			result = append(result, anthropic.NewAssistantMessage(content...))
		case models.RoleTool:
			content = append(content, anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false))
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}
	return result
}

func convertToAnthropicTools(tools []ToolSpec) ([]anthropic.ToolUnionParam, error) {
	result := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		params := t.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", t.Name, err)
		}
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(raw, &schema); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", t.Name, err)
		}
		toolParam := anthropic.ToolUnionParamOfTool(schema, t.Name)
		if toolParam.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s: missing tool definition", t.Name)
		}
		toolParam.OfTool.Description = anthropic.String(t.Description)
		result = append(result, toolParam)
	}
	return result, nil
}
