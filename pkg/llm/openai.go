package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	openai "github.com/sashabaranov/go-openai"

	"github.com/opgroeien/flowd/pkg/models"
)

// OpenAIClient talks to OpenAI-compatible chat completion endpoints.
// The LLM router fronting Vertex/Gemini models exposes this surface,
// so "openai" here covers every OpenAI-compatible backend.
type OpenAIClient struct {
	client *openai.Client
}

// NewOpenAIClient creates a client. baseURL is optional; when set it
// points the SDK at an OpenAI-compatible gateway.
func NewOpenAIClient(apiKey, baseURL string) *OpenAIClient {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIClient{client: openai.NewClientWithConfig(cfg)}
}

// Stream sends the request and converts the SDK stream into Chunks.
// Tool call fragments are accumulated and emitted as whole calls when
// the stream finishes.
func (c *OpenAIClient) Stream(ctx context.Context, req *Request) (<-chan Chunk, error) {
	chatReq := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: convertToOpenAIMessages(req.Messages),
		Stream:   true,
		StreamOptions: &openai.StreamOptions{
			IncludeUsage: true,
		},
	}
	if req.MaxTokens > 0 {
		chatReq.MaxCompletionTokens = req.MaxTokens
	}
	if req.Config.Temperature != nil {
		chatReq.Temperature = *req.Config.Temperature
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertToOpenAITools(req.Tools)
	}

	stream, err := c.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, classifyError(err)
	}

	chunks := make(chan Chunk, 64)
	go c.processStream(ctx, stream, chunks)
	return chunks, nil
}

func (c *OpenAIClient) processStream(ctx context.Context, stream *openai.ChatCompletionStream, chunks chan<- Chunk) {
	defer close(chunks)
	defer stream.Close()

	// Tool calls stream incrementally, keyed by index.
	pending := make(map[int]*models.ToolCall)
	rawArgs := make(map[int]string)
	var usage *models.TokenUsage

	flushToolCalls := func() {
		for i := 0; i < len(pending); i++ {
			tc, ok := pending[i]
			if !ok || tc.CallID == "" || tc.Name == "" {
				continue
			}
			args := map[string]any{}
			if raw := rawArgs[i]; raw != "" {
				if err := json.Unmarshal([]byte(raw), &args); err != nil {
					chunks <- ErrorChunk{Err: fmt.Errorf("%w: malformed tool arguments for %s: %w", ErrInvalidInput, tc.Name, err)}
					return
				}
			}
			chunks <- ToolCallChunk{CallID: tc.CallID, Name: tc.Name, Arguments: args}
		}
		pending = make(map[int]*models.ToolCall)
		rawArgs = make(map[int]string)
	}

	for {
		select {
		case <-ctx.Done():
			chunks <- ErrorChunk{Err: ctx.Err()}
			return
		default:
		}

		resp, err := stream.Recv()
		if err == io.EOF {
			flushToolCalls()
			if usage != nil {
				chunks <- UsageChunk{Usage: *usage}
			}
			return
		}
		if err != nil {
			chunks <- ErrorChunk{Err: classifyError(err)}
			return
		}

		// The usage-bearing chunk has no choices.
		if resp.Usage != nil {
			usage = &models.TokenUsage{
				InputTokens:  resp.Usage.PromptTokens,
				OutputTokens: resp.Usage.CompletionTokens,
				TotalTokens:  resp.Usage.TotalTokens,
			}
			if d := resp.Usage.CompletionTokensDetails; d != nil {
				usage.ThinkingTokens = d.ReasoningTokens
			}
		}
		if len(resp.Choices) == 0 {
			continue
		}

		delta := resp.Choices[0].Delta
		if delta.Content != "" {
			chunks <- TextChunk{Content: delta.Content}
		}
		for _, tc := range delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			if pending[idx] == nil {
				pending[idx] = &models.ToolCall{}
			}
			if tc.ID != "" {
				pending[idx].CallID = tc.ID
			}
			if tc.Function.Name != "" {
				pending[idx].Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				rawArgs[idx] += tc.Function.Arguments
			}
		}
		if resp.Choices[0].FinishReason == openai.FinishReasonToolCalls {
			flushToolCalls()
		}
	}
}

func convertToOpenAIMessages(messages []models.Message) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case models.RoleSystem:
			result = append(result, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleSystem,
				Content: msg.Content,
			})
		case models.RoleHuman:
			result = append(result, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: msg.Content,
			})
		case models.RoleAI:
			oaiMsg := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			}
			for _, tc := range msg.ToolCalls {
				args, _ := json.Marshal(tc.Args)
				oaiMsg.ToolCalls = append(oaiMsg.ToolCalls, openai.ToolCall{
					ID:   tc.CallID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(args),
					},
				})
			}
			result = append(result, oaiMsg)
		case models.RoleTool:
			result = append(result, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    msg.Content,
				ToolCallID: msg.ToolCallID,
			})
		}
	}
	return result
}

func convertToOpenAITools(tools []ToolSpec) []openai.Tool {
	result := make([]openai.Tool, len(tools))
	for i, t := range tools {
		params := t.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		}
	}
	return result
}
