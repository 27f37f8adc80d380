package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/nugget/agentcore/internal/httpkit"
)

const anthropicDefaultMaxTokens = 8192

// anthropicMinThinkingBudget is the smallest budget the API accepts.
const anthropicMinThinkingBudget = 1024

// AnthropicClient is a client for the Anthropic Messages API.
type AnthropicClient struct {
	client anthropic.Client
	logger *slog.Logger
}

// NewAnthropicClient creates a new Anthropic client. baseURL may be
// empty to use the public API.
func NewAnthropicClient(apiKey, baseURL string, logger *slog.Logger) *AnthropicClient {
	if logger == nil {
		logger = slog.Default()
	}
	// Thinking and long prompts can delay response headers well past
	// the shared transport default.
	t := httpkit.NewTransport()
	t.ResponseHeaderTimeout = 120 * time.Second

	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(httpkit.NewClient(
			// No global timeout: streams are long-lived and bounded by ctx.
			httpkit.WithTimeout(0),
			httpkit.WithTransport(t),
		)),
		// Retries belong to the run loop, which also owns idempotence.
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}

	return &AnthropicClient{
		client: anthropic.NewClient(opts...),
		logger: logger.With("provider", "anthropic"),
	}
}

// Stream starts a streaming Messages request.
func (c *AnthropicClient) Stream(ctx context.Context, req Request) (Stream, error) {
	messages, system := convertToAnthropic(req.Messages)

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: anthropicDefaultMaxTokens,
		Messages:  messages,
		Tools:     convertToolsToAnthropic(req.Tools),
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = int64(req.MaxTokens)
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	thinking := req.ThinkingBudget >= anthropicMinThinkingBudget && int64(req.ThinkingBudget) < params.MaxTokens
	if thinking {
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(int64(req.ThinkingBudget))
	} else if req.Temperature != nil {
		// The API rejects temperature alongside extended thinking.
		params.Temperature = anthropic.Float(*req.Temperature)
	}

	if c.logger.Enabled(ctx, LevelTrace) {
		if b, err := json.Marshal(params); err == nil {
			c.logger.Log(ctx, LevelTrace, "anthropic request", "body", string(b))
		}
	}

	s := c.client.Messages.NewStreaming(ctx, params)
	if err := s.Err(); err != nil {
		s.Close()
		return nil, fmt.Errorf("anthropic stream: %w", err)
	}
	return &anthropicStream{stream: s, toolBlocks: make(map[int64]int)}, nil
}

// anthropicStream translates SDK stream events into chunks. Tool-use
// content blocks are renumbered so the first tool call is index 0.
type anthropicStream struct {
	stream     *ssestream.Stream[anthropic.MessageStreamEventUnion]
	msg        anthropic.Message
	toolBlocks map[int64]int // content block index → tool call index
	finished   bool
}

func (s *anthropicStream) Recv() (Chunk, error) {
	for {
		if s.finished {
			return Chunk{}, io.EOF
		}
		if !s.stream.Next() {
			if err := s.stream.Err(); err != nil {
				return Chunk{}, fmt.Errorf("anthropic stream: %w", err)
			}
			// Report accumulated usage once, after the last event.
			s.finished = true
			return Chunk{
				FinishReason: mapAnthropicStopReason(s.msg.StopReason),
				Usage: &Usage{
					InputTokens:  int(s.msg.Usage.InputTokens),
					OutputTokens: int(s.msg.Usage.OutputTokens),
				},
			}, nil
		}

		event := s.stream.Current()
		if err := s.msg.Accumulate(event); err != nil {
			return Chunk{}, fmt.Errorf("anthropic accumulate: %w", err)
		}

		if chunk, ok := s.translate(event); ok {
			return chunk, nil
		}
	}
}

func (s *anthropicStream) translate(event anthropic.MessageStreamEventUnion) (Chunk, bool) {
	switch ev := event.AsAny().(type) {
	case anthropic.ContentBlockStartEvent:
		if ev.ContentBlock.Type != "tool_use" {
			return Chunk{}, false
		}
		idx := len(s.toolBlocks)
		s.toolBlocks[ev.Index] = idx
		return Chunk{ToolCalls: []ToolCallDelta{{
			Index: idx,
			ID:    ev.ContentBlock.ID,
			Name:  ev.ContentBlock.Name,
		}}}, true

	case anthropic.ContentBlockDeltaEvent:
		switch d := ev.Delta.AsAny().(type) {
		case anthropic.TextDelta:
			return Chunk{Content: d.Text}, d.Text != ""
		case anthropic.ThinkingDelta:
			return Chunk{Reasoning: d.Thinking}, d.Thinking != ""
		case anthropic.SignatureDelta:
			return Chunk{ReasoningSignature: d.Signature}, d.Signature != ""
		case anthropic.InputJSONDelta:
			idx, ok := s.toolBlocks[ev.Index]
			if !ok || d.PartialJSON == "" {
				return Chunk{}, false
			}
			return Chunk{ToolCalls: []ToolCallDelta{{Index: idx, Arguments: d.PartialJSON}}}, true
		}

	case anthropic.ContentBlockStopEvent:
		idx, ok := s.toolBlocks[ev.Index]
		if !ok {
			return Chunk{}, false
		}
		return Chunk{ToolCalls: []ToolCallDelta{{Index: idx, Done: true}}}, true
	}
	return Chunk{}, false
}

func (s *anthropicStream) Close() error {
	return s.stream.Close()
}

func mapAnthropicStopReason(reason anthropic.StopReason) string {
	switch reason {
	case "tool_use":
		return FinishToolCalls
	case "max_tokens":
		return FinishLength
	default:
		return FinishStop
	}
}

// convertToAnthropic converts internal messages to Anthropic format.
// System messages are extracted into a separate system prompt, and
// consecutive tool responses are merged into one user turn as the API
// requires.
func convertToAnthropic(messages []Message) ([]anthropic.MessageParam, string) {
	var systemParts []string
	var result []anthropic.MessageParam
	var pendingResults []anthropic.ContentBlockParamUnion

	flushResults := func() {
		if len(pendingResults) > 0 {
			result = append(result, anthropic.NewUserMessage(pendingResults...))
			pendingResults = nil
		}
	}

	for _, msg := range messages {
		if msg.Role != RoleTool {
			flushResults()
		}
		switch msg.Role {
		case RoleSystem:
			systemParts = append(systemParts, msg.Content)

		case RoleAssistant:
			var blocks []anthropic.ContentBlockParamUnion
			// A signed thinking block must lead the turn it came from.
			// Unsigned thinking cannot be verified and is left out.
			if msg.Thinking != "" && msg.ThinkingSignature != "" {
				blocks = append(blocks, anthropic.NewThinkingBlock(msg.ThinkingSignature, msg.Thinking))
			}
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				args := tc.Arguments
				if args == nil {
					args = map[string]any{}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, args, tc.Name))
			}
			if len(blocks) == 0 {
				continue
			}
			result = append(result, anthropic.NewAssistantMessage(blocks...))

		case RoleTool:
			pendingResults = append(pendingResults,
				anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, msg.IsError))

		case RoleUser:
			result = append(result, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		}
	}
	flushResults()

	return result, strings.Join(systemParts, "\n\n")
}

// convertToolsToAnthropic converts tool schemas to Anthropic tool params.
func convertToolsToAnthropic(tools []ToolSchema) []anthropic.ToolUnionParam {
	if len(tools) == 0 {
		return nil
	}

	result := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		schema := anthropic.ToolInputSchemaParam{Properties: map[string]any{}}
		if props, ok := t.Parameters["properties"]; ok {
			schema.Properties = props
		}
		schema.Required = requiredFields(t.Parameters)

		tool := anthropic.ToolParam{
			Name:        t.Name,
			InputSchema: schema,
		}
		if t.Description != "" {
			tool.Description = anthropic.String(t.Description)
		}
		result = append(result, anthropic.ToolUnionParam{OfTool: &tool})
	}
	return result
}

// requiredFields reads the "required" list from a JSON schema map,
// accepting both []string and the []any produced by JSON decoding.
func requiredFields(schema map[string]any) []string {
	switch v := schema["required"].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, r := range v {
			if s, ok := r.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// Ping checks if the Anthropic API is reachable with the configured key.
func (c *AnthropicClient) Ping(ctx context.Context) error {
	_, err := c.client.Models.List(ctx, anthropic.ModelListParams{})
	if err != nil {
		return fmt.Errorf("anthropic ping: %w", err)
	}
	return nil
}
