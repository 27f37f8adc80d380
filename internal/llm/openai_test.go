package llm

import (
	"encoding/json"
	"testing"
)

func TestTranslateOpenAIChunk_Content(t *testing.T) {
	raw := `{"id":"c1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"role":"assistant","content":"Hel"},"finish_reason":null}]}`
	chunk := translateOpenAIChunk(raw)
	if chunk.Content != "Hel" {
		t.Errorf("Content = %q, want %q", chunk.Content, "Hel")
	}
	if chunk.FinishReason != "" {
		t.Errorf("FinishReason = %q, want empty", chunk.FinishReason)
	}
	if chunk.Usage != nil {
		t.Errorf("Usage = %+v, want nil", chunk.Usage)
	}
}

func TestTranslateOpenAIChunk_Reasoning(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{
			name: "string reasoning_content",
			raw:  `{"choices":[{"delta":{"reasoning_content":"thinking..."}}]}`,
			want: "thinking...",
		},
		{
			name: "list reasoning_content is joined",
			raw:  `{"choices":[{"delta":{"reasoning_content":["step one, ","step two"]}}]}`,
			want: "step one, step two",
		},
		{
			name: "reasoning field fallback",
			raw:  `{"choices":[{"delta":{"reasoning":"alt"}}]}`,
			want: "alt",
		},
		{
			name: "null reasoning",
			raw:  `{"choices":[{"delta":{"reasoning_content":null,"content":"x"}}]}`,
			want: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := translateOpenAIChunk(tt.raw).Reasoning; got != tt.want {
				t.Errorf("Reasoning = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTranslateOpenAIChunk_ToolCallFragments(t *testing.T) {
	raw := `{"choices":[{"delta":{"tool_calls":[` +
		`{"index":0,"id":"call_1","type":"function","function":{"name":"search","arguments":"{\"q\":"}},` +
		`{"index":1,"function":{"arguments":"{}"}}]}}]}`
	chunk := translateOpenAIChunk(raw)
	if len(chunk.ToolCalls) != 2 {
		t.Fatalf("ToolCalls = %d, want 2", len(chunk.ToolCalls))
	}
	first := chunk.ToolCalls[0]
	if first.Index != 0 || first.ID != "call_1" || first.Name != "search" || first.Arguments != `{"q":` {
		t.Errorf("first delta = %+v", first)
	}
	if chunk.ToolCalls[1].Index != 1 || chunk.ToolCalls[1].ID != "" {
		t.Errorf("second delta = %+v", chunk.ToolCalls[1])
	}
}

func TestTranslateOpenAIChunk_FinishAndUsage(t *testing.T) {
	tests := []struct {
		raw        string
		wantFinish string
	}{
		{`{"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`, FinishToolCalls},
		{`{"choices":[{"delta":{},"finish_reason":"stop"}]}`, FinishStop},
		{`{"choices":[{"delta":{},"finish_reason":"length"}]}`, FinishLength},
		{`{"choices":[{"delta":{},"finish_reason":"content_filter"}]}`, FinishStop},
	}
	for _, tt := range tests {
		if got := translateOpenAIChunk(tt.raw).FinishReason; got != tt.wantFinish {
			t.Errorf("finish for %s = %q, want %q", tt.raw, got, tt.wantFinish)
		}
	}

	usage := translateOpenAIChunk(`{"choices":[],"usage":{"prompt_tokens":12,"completion_tokens":7,"total_tokens":19,"completion_tokens_details":{"reasoning_tokens":3}}}`).Usage
	if usage == nil {
		t.Fatal("expected usage")
	}
	if usage.InputTokens != 12 || usage.OutputTokens != 7 || usage.ThinkingTokens != 3 {
		t.Errorf("usage = %+v", usage)
	}

	noThinking := translateOpenAIChunk(`{"choices":[],"usage":{"prompt_tokens":1,"completion_tokens":2}}`).Usage
	if noThinking == nil || noThinking.ThinkingTokens != 0 {
		t.Errorf("missing reasoning_tokens should default to 0, got %+v", noThinking)
	}

	if u := translateOpenAIChunk(`{"choices":[{"delta":{"content":"a"}}],"usage":null}`).Usage; u != nil {
		t.Errorf("null usage should be nil, got %+v", u)
	}
}

func TestConvertToOpenAI(t *testing.T) {
	msgs := convertToOpenAI([]Message{
		{Role: RoleSystem, Content: "sys"},
		{Role: RoleUser, Content: "hi"},
		{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "call_1", Name: "search", Arguments: map[string]any{"q": "x"}}}},
		{Role: RoleTool, Content: "ok", ToolCallID: "call_1"},
	})
	if len(msgs) != 4 {
		t.Fatalf("got %d messages, want 4", len(msgs))
	}

	raw, err := json.Marshal(msgs[2])
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var asst struct {
		Role      string `json:"role"`
		ToolCalls []struct {
			ID       string `json:"id"`
			Function struct {
				Name      string `json:"name"`
				Arguments string `json:"arguments"`
			} `json:"function"`
		} `json:"tool_calls"`
	}
	if err := json.Unmarshal(raw, &asst); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if asst.Role != "assistant" || len(asst.ToolCalls) != 1 {
		t.Fatalf("assistant = %s", raw)
	}
	if asst.ToolCalls[0].Function.Arguments != `{"q":"x"}` {
		t.Errorf("arguments = %q", asst.ToolCalls[0].Function.Arguments)
	}
}
