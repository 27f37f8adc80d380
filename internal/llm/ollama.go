package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nugget/agentcore/internal/httpkit"
)

// OllamaClient is a client for the Ollama chat API.
type OllamaClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOllamaClient creates a new Ollama client.
func NewOllamaClient(baseURL string, logger *slog.Logger) *OllamaClient {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if logger == nil {
		logger = slog.Default()
	}
	// Local models can take a long time to load before the first byte.
	t := httpkit.NewTransport()
	t.ResponseHeaderTimeout = 5 * time.Minute

	return &OllamaClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger.With("provider", "ollama"),
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithTransport(t),
			httpkit.WithRetry(2, 500*time.Millisecond),
			httpkit.WithLogger(logger),
		),
	}
}

// Ollama wire types.

type ollamaRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Tools    []ollamaTool    `json:"tools,omitempty"`
	Think    bool            `json:"think,omitempty"`
	Options  *ollamaOptions  `json:"options,omitempty"`
}

type ollamaOptions struct {
	Temperature *float64 `json:"temperature,omitempty"`
	NumPredict  int      `json:"num_predict,omitempty"`
}

type ollamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	Thinking  string           `json:"thinking,omitempty"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
	ToolName  string           `json:"tool_name,omitempty"`
}

type ollamaToolCall struct {
	Function struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"` // Ollama sends an object, not a string
	} `json:"function"`
}

type ollamaTool struct {
	Type     string     `json:"type"`
	Function ToolSchema `json:"function"`
}

type ollamaChunk struct {
	Model           string        `json:"model"`
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	DoneReason      string        `json:"done_reason,omitempty"`
	PromptEvalCount int           `json:"prompt_eval_count,omitempty"`
	EvalCount       int           `json:"eval_count,omitempty"`
}

// Stream sends a streaming chat request to Ollama.
func (c *OllamaClient) Stream(ctx context.Context, req Request) (Stream, error) {
	wire := ollamaRequest{
		Model:    req.Model,
		Messages: convertToOllama(req.Messages),
		Stream:   true,
		Think:    req.ThinkingBudget > 0,
	}
	for _, t := range req.Tools {
		wire.Tools = append(wire.Tools, ollamaTool{Type: "function", Function: t})
	}
	if req.MaxTokens > 0 || req.Temperature != nil {
		wire.Options = &ollamaOptions{Temperature: req.Temperature, NumPredict: req.MaxTokens}
	}

	body, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	c.logger.Log(ctx, LevelTrace, "ollama request", "body", string(body))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := httpkit.ReadErrorBody(resp.Body, 1024)
		return nil, fmt.Errorf("API error %d: %s", resp.StatusCode, msg)
	}

	return &ollamaStream{
		body:    resp.Body,
		decoder: json.NewDecoder(resp.Body),
		logger:  c.logger,
	}, nil
}

// ollamaStream decodes newline-delimited JSON chunks. Ollama delivers
// each tool call whole, so every call is emitted with Done set.
type ollamaStream struct {
	body    io.ReadCloser
	decoder *json.Decoder
	logger  *slog.Logger
	calls   int
	done    bool
}

func (s *ollamaStream) Recv() (Chunk, error) {
	if s.done {
		return Chunk{}, io.EOF
	}

	var wire ollamaChunk
	if err := s.decoder.Decode(&wire); err != nil {
		if err == io.EOF {
			s.done = true
			return Chunk{}, io.EOF
		}
		return Chunk{}, fmt.Errorf("decode stream chunk: %w", err)
	}

	chunk := Chunk{
		Content:   wire.Message.Content,
		Reasoning: wire.Message.Thinking,
	}
	for _, tc := range wire.Message.ToolCalls {
		args := strings.TrimSpace(string(tc.Function.Arguments))
		if args == "" || args == "null" {
			args = "{}"
		}
		chunk.ToolCalls = append(chunk.ToolCalls, ToolCallDelta{
			Index:     s.calls,
			Name:      tc.Function.Name,
			Arguments: args,
			Done:      true,
		})
		s.calls++
	}

	if wire.Done {
		s.done = true
		chunk.Usage = &Usage{
			InputTokens:  wire.PromptEvalCount,
			OutputTokens: wire.EvalCount,
		}
		chunk.FinishReason = mapOllamaDoneReason(wire.DoneReason, s.calls > 0)
	}
	return chunk, nil
}

func (s *ollamaStream) Close() error {
	return s.body.Close()
}

func mapOllamaDoneReason(reason string, hadToolCalls bool) string {
	if hadToolCalls {
		return FinishToolCalls
	}
	switch reason {
	case "length":
		return FinishLength
	default:
		return FinishStop
	}
}

// convertToOllama converts internal messages to Ollama wire format.
// Tool responses carry the tool name Ollama expects, recovered from the
// assistant message that requested the call.
func convertToOllama(messages []Message) []ollamaMessage {
	names := make(map[string]string)
	out := make([]ollamaMessage, 0, len(messages))
	for _, m := range messages {
		om := ollamaMessage{Role: m.Role, Content: m.Content}
		for _, tc := range m.ToolCalls {
			names[tc.ID] = tc.Name
			var call ollamaToolCall
			call.Function.Name = tc.Name
			call.Function.Arguments = json.RawMessage(tc.ArgumentsJSON())
			om.ToolCalls = append(om.ToolCalls, call)
		}
		if m.Role == RoleTool {
			om.ToolName = names[m.ToolCallID]
		}
		out = append(out, om)
	}
	return out
}

// Ping checks if Ollama is reachable.
func (c *OllamaClient) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("API error %d", resp.StatusCode)
	}
	return nil
}
