package llm

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"
	"github.com/tidwall/gjson"

	"github.com/nugget/agentcore/internal/httpkit"
)

// OpenAIClient is a client for OpenAI-compatible chat completion APIs.
// Compatible servers (vLLM, DeepSeek, OpenRouter) are reached through a
// custom base URL.
type OpenAIClient struct {
	client openai.Client
	logger *slog.Logger
}

// NewOpenAIClient creates a new OpenAI-compatible client.
func NewOpenAIClient(apiKey, baseURL string, logger *slog.Logger) *OpenAIClient {
	if logger == nil {
		logger = slog.Default()
	}
	t := httpkit.NewTransport()
	t.ResponseHeaderTimeout = 120 * time.Second

	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithTransport(t),
		)),
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}

	return &OpenAIClient{
		client: openai.NewClient(opts...),
		logger: logger.With("provider", "openai"),
	}
}

// Stream starts a streaming chat completion.
func (c *OpenAIClient) Stream(ctx context.Context, req Request) (Stream, error) {
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(req.Model),
		Messages: convertToOpenAI(req.Messages),
		Tools:    convertToolsToOpenAI(req.Tools),
		StreamOptions: openai.ChatCompletionStreamOptionsParam{
			IncludeUsage: openai.Bool(true),
		},
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}

	s := c.client.Chat.Completions.NewStreaming(ctx, params)
	if err := s.Err(); err != nil {
		s.Close()
		return nil, fmt.Errorf("openai stream: %w", err)
	}
	return &openAIStream{stream: s, logger: c.logger}, nil
}

type openAIStream struct {
	stream *ssestream.Stream[openai.ChatCompletionChunk]
	logger *slog.Logger
}

func (s *openAIStream) Recv() (Chunk, error) {
	for {
		if !s.stream.Next() {
			if err := s.stream.Err(); err != nil {
				return Chunk{}, fmt.Errorf("openai stream: %w", err)
			}
			return Chunk{}, io.EOF
		}
		raw := s.stream.Current()
		chunk := translateOpenAIChunk(raw.RawJSON())
		if chunk.Content == "" && chunk.Reasoning == "" && len(chunk.ToolCalls) == 0 &&
			chunk.FinishReason == "" && chunk.Usage == nil {
			continue
		}
		return chunk, nil
	}
}

func (s *openAIStream) Close() error {
	return s.stream.Close()
}

// translateOpenAIChunk reads one chat.completion.chunk payload. The raw
// JSON is used instead of the typed struct because compatible servers
// add fields the SDK does not model, notably reasoning_content.
func translateOpenAIChunk(raw string) Chunk {
	var chunk Chunk

	choice := gjson.Get(raw, "choices.0")
	if choice.Exists() {
		delta := choice.Get("delta")
		chunk.Content = delta.Get("content").String()
		chunk.Reasoning = reasoningText(delta)

		delta.Get("tool_calls").ForEach(func(_, tc gjson.Result) bool {
			chunk.ToolCalls = append(chunk.ToolCalls, ToolCallDelta{
				Index:     int(tc.Get("index").Int()),
				ID:        tc.Get("id").String(),
				Name:      tc.Get("function.name").String(),
				Arguments: tc.Get("function.arguments").String(),
			})
			return true
		})

		switch fr := choice.Get("finish_reason").String(); fr {
		case "":
		case "tool_calls", "function_call":
			chunk.FinishReason = FinishToolCalls
		case "length":
			chunk.FinishReason = FinishLength
		default:
			chunk.FinishReason = FinishStop
		}
	}

	if u := gjson.Get(raw, "usage"); u.Exists() && u.Type != gjson.Null {
		chunk.Usage = &Usage{
			InputTokens:    int(u.Get("prompt_tokens").Int()),
			OutputTokens:   int(u.Get("completion_tokens").Int()),
			ThinkingTokens: int(u.Get("completion_tokens_details.reasoning_tokens").Int()),
		}
	}
	return chunk
}

// reasoningText extracts reasoning from a delta. Providers disagree on
// the field name, and some send a list of strings instead of a string.
func reasoningText(delta gjson.Result) string {
	for _, field := range []string{"reasoning_content", "reasoning"} {
		r := delta.Get(field)
		if !r.Exists() || r.Type == gjson.Null {
			continue
		}
		if r.IsArray() {
			var parts []string
			for _, p := range r.Array() {
				parts = append(parts, p.String())
			}
			return strings.Join(parts, "")
		}
		return r.String()
	}
	return ""
}

// convertToOpenAI converts internal messages to chat completion params.
func convertToOpenAI(messages []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case RoleUser:
			out = append(out, openai.UserMessage(m.Content))
		case RoleTool:
			out = append(out, openai.ToolMessage(m.Content, m.ToolCallID))
		case RoleAssistant:
			asst := openai.ChatCompletionAssistantMessageParam{}
			if m.Content != "" {
				asst.Content.OfString = openai.String(m.Content)
			}
			for _, tc := range m.ToolCalls {
				asst.ToolCalls = append(asst.ToolCalls, openai.ChatCompletionMessageToolCallParam{
					ID: tc.ID,
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      tc.Name,
						Arguments: tc.ArgumentsJSON(),
					},
				})
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: &asst})
		}
	}
	return out
}

func convertToolsToOpenAI(tools []ToolSchema) []openai.ChatCompletionToolParam {
	if len(tools) == 0 {
		return nil
	}
	out := make([]openai.ChatCompletionToolParam, 0, len(tools))
	for _, t := range tools {
		fn := openai.FunctionDefinitionParam{
			Name:       t.Name,
			Parameters: openai.FunctionParameters(t.Parameters),
		}
		if t.Description != "" {
			fn.Description = openai.String(t.Description)
		}
		out = append(out, openai.ChatCompletionToolParam{Function: fn})
	}
	return out
}

// Ping checks that the endpoint answers a model listing.
func (c *OpenAIClient) Ping(ctx context.Context) error {
	if _, err := c.client.Models.List(ctx); err != nil {
		return fmt.Errorf("openai ping: %w", err)
	}
	return nil
}
