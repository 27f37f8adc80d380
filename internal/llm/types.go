// Package llm provides streaming LLM client implementations behind a
// provider-neutral chunk stream.
package llm

import (
	"encoding/json"
	"log/slog"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message represents a chat message for the LLM.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // For tool responses
	IsError    bool       `json:"is_error,omitempty"`     // Tool response reports a failure

	// Thinking and its signature are replayed to providers that verify
	// earlier reasoning on tool-use continuations.
	Thinking          string `json:"thinking,omitempty"`
	ThinkingSignature string `json:"thinking_signature,omitempty"`
}

// ToolCall is a complete tool invocation requested by the model.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`

	// MessageID is the stored assistant message that requested the
	// call. Empty until that message is appended.
	MessageID string `json:"message_id,omitempty"`
}

// ArgumentsJSON returns the arguments encoded as a JSON object. A nil
// map encodes as "{}".
func (tc ToolCall) ArgumentsJSON() string {
	if tc.Arguments == nil {
		return "{}"
	}
	b, err := json.Marshal(tc.Arguments)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// ToolSchema advertises one tool to the model.
type ToolSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters"`
}

// Request is a single streaming completion request.
type Request struct {
	Model    string
	Messages []Message
	Tools    []ToolSchema

	// MaxTokens caps the response length. Zero uses the provider default.
	MaxTokens int

	// Temperature is sent only when non-nil.
	Temperature *float64

	// ThinkingBudget enables extended reasoning on providers that
	// support it. Zero disables it.
	ThinkingBudget int
}

// Usage holds token counts for one completion. ThinkingTokens is zero
// when the provider does not report it.
type Usage struct {
	InputTokens    int `json:"input_tokens"`
	OutputTokens   int `json:"output_tokens"`
	ThinkingTokens int `json:"thinking_tokens"`
}

// Total returns input plus output tokens.
func (u Usage) Total() int {
	return u.InputTokens + u.OutputTokens
}

// ToolCallDelta is one incremental piece of a tool call. Fragments for
// the same call share an Index. ID and Name usually arrive on the first
// fragment only. Done marks the call's arguments as complete.
type ToolCallDelta struct {
	Index     int
	ID        string
	Name      string
	Arguments string
	Done      bool
}

// Chunk is one unit of streamed model output. Providers may populate
// any combination of fields in a single chunk.
type Chunk struct {
	Content   string
	Reasoning string
	// ReasoningSignature closes a reasoning block on providers that
	// sign it.
	ReasoningSignature string
	ToolCalls          []ToolCallDelta
	FinishReason       string
	Usage              *Usage
}

// Finish reasons normalized across providers.
const (
	FinishStop      = "stop"
	FinishToolCalls = "tool_calls"
	FinishLength    = "length"
)
