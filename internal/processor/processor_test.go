package processor

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/nugget/agentcore/internal/llm"
)

func TestProcess_ContentOnly(t *testing.T) {
	stream := llm.NewSliceStream(
		llm.Chunk{Content: "Hel"},
		llm.Chunk{Content: "lo"},
		llm.Chunk{FinishReason: llm.FinishStop, Usage: &llm.Usage{InputTokens: 12, OutputTokens: 2}},
	)

	var got []string
	resp, err := Process(context.Background(), stream, WithSink(func(e Event) {
		if e.Kind == EventContent {
			got = append(got, e.Text)
		}
	}))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if resp.Content != "Hello" {
		t.Errorf("Content = %q", resp.Content)
	}
	if strings.Join(got, "|") != "Hel|lo" {
		t.Errorf("content events = %v", got)
	}
	if len(resp.ToolCalls) != 0 || resp.FinishReason != llm.FinishStop {
		t.Errorf("resp = %+v", resp)
	}
	if !resp.HasUsage || resp.Usage.InputTokens != 12 || resp.Usage.OutputTokens != 2 || resp.Usage.ThinkingTokens != 0 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestProcess_ThinkingSignature(t *testing.T) {
	stream := llm.NewSliceStream(
		llm.Chunk{Reasoning: "let me "},
		llm.Chunk{Reasoning: "think"},
		llm.Chunk{ReasoningSignature: "sig-1"},
		llm.Chunk{Content: "ok"},
	)
	resp, err := Process(context.Background(), stream)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if resp.Thinking != "let me think" || resp.ThinkingSignature != "sig-1" {
		t.Errorf("thinking = %q sig = %q", resp.Thinking, resp.ThinkingSignature)
	}
}

func TestProcess_MixedChunk(t *testing.T) {
	// One chunk carrying all three channels.
	stream := llm.NewSliceStream(
		llm.Chunk{
			Reasoning: "think",
			Content:   "say",
			ToolCalls: []llm.ToolCallDelta{{Index: 0, ID: "c1", Name: "search", Arguments: `{"q":"x"}`, Done: true}},
		},
	)

	var kinds []EventKind
	resp, err := Process(context.Background(), stream, WithSink(func(e Event) { kinds = append(kinds, e.Kind) }))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if resp.Thinking != "think" || resp.Content != "say" || len(resp.ToolCalls) != 1 {
		t.Fatalf("resp = %+v", resp)
	}
	want := []EventKind{EventThinking, EventContent, EventToolCall}
	if len(kinds) != len(want) {
		t.Fatalf("events = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, kinds[i], want[i])
		}
	}
	if resp.FinishReason != llm.FinishToolCalls {
		t.Errorf("FinishReason = %q, want inferred tool_calls", resp.FinishReason)
	}
}

func TestProcess_FragmentedToolCalls(t *testing.T) {
	stream := llm.NewSliceStream(
		llm.Chunk{ToolCalls: []llm.ToolCallDelta{{Index: 0, ID: "call_a", Name: "search"}}},
		llm.Chunk{ToolCalls: []llm.ToolCallDelta{{Index: 1, ID: "call_b", Name: "fetch"}}},
		llm.Chunk{ToolCalls: []llm.ToolCallDelta{{Index: 0, Arguments: `{"q":`}}},
		llm.Chunk{ToolCalls: []llm.ToolCallDelta{{Index: 1, Arguments: `{"url":"https://example.com"}`}}},
		llm.Chunk{ToolCalls: []llm.ToolCallDelta{{Index: 0, Arguments: `"weather"}`}}},
		llm.Chunk{FinishReason: llm.FinishToolCalls},
	)

	var emitted []string
	resp, err := Process(context.Background(), stream, WithSink(func(e Event) {
		if e.Kind == EventToolCall {
			emitted = append(emitted, e.ToolCall.ID)
		}
	}))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(resp.ToolCalls) != 2 {
		t.Fatalf("ToolCalls = %+v", resp.ToolCalls)
	}
	if resp.ToolCalls[0].Name != "search" || resp.ToolCalls[0].Arguments["q"] != "weather" {
		t.Errorf("call 0 = %+v", resp.ToolCalls[0])
	}
	if resp.ToolCalls[1].Name != "fetch" || resp.ToolCalls[1].Arguments["url"] != "https://example.com" {
		t.Errorf("call 1 = %+v", resp.ToolCalls[1])
	}
	if strings.Join(emitted, ",") != "call_a,call_b" {
		t.Errorf("emission order = %v", emitted)
	}
}

func TestProcess_DoneMarkerEmitsBeforeEnd(t *testing.T) {
	stream := llm.NewSliceStream(
		llm.Chunk{ToolCalls: []llm.ToolCallDelta{{Index: 0, ID: "c1", Name: "search", Arguments: `{"q":"x"}`}}},
		llm.Chunk{ToolCalls: []llm.ToolCallDelta{{Index: 0, Done: true}}},
		llm.Chunk{Content: "after"},
	)

	var order []EventKind
	_, err := Process(context.Background(), stream, WithSink(func(e Event) { order = append(order, e.Kind) }))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(order) != 2 || order[0] != EventToolCall || order[1] != EventContent {
		t.Errorf("events = %v, want tool_call then content", order)
	}
}

func TestProcess_MalformedToolCallIsolated(t *testing.T) {
	stream := llm.NewSliceStream(
		llm.Chunk{ToolCalls: []llm.ToolCallDelta{
			{Index: 0, ID: "bad", Name: "search", Arguments: `{"q": "unterminated`},
			{Index: 1, ID: "good", Name: "fetch", Arguments: `{"url":"u"}`},
		}},
		llm.Chunk{Content: "still here"},
	)

	var malformed int
	resp, err := Process(context.Background(), stream, WithSink(func(e Event) {
		if e.Kind == EventMalformedToolCall {
			malformed++
		}
	}))
	if err != nil {
		t.Fatalf("Process returned stream error for malformed call: %v", err)
	}
	if malformed != 1 || len(resp.Malformed) != 1 {
		t.Fatalf("malformed = %d / %+v", malformed, resp.Malformed)
	}
	m := resp.Malformed[0]
	if m.ID != "bad" || m.Name != "search" || !errors.Is(m, ErrMalformedToolCall) {
		t.Errorf("malformed = %+v", m)
	}
	var me *MalformedToolCallError
	if !errors.As(error(m), &me) {
		t.Error("errors.As should match *MalformedToolCallError")
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].ID != "good" {
		t.Errorf("ToolCalls = %+v", resp.ToolCalls)
	}
	if resp.Content != "still here" {
		t.Errorf("Content = %q", resp.Content)
	}
}

func TestProcess_ToolCallEdgeCases(t *testing.T) {
	tests := []struct {
		name      string
		delta     llm.ToolCallDelta
		wantOK    bool
		wantArgs  int
		wantIDSet bool
	}{
		{name: "empty arguments", delta: llm.ToolCallDelta{ID: "c1", Name: "now"}, wantOK: true, wantArgs: 0, wantIDSet: true},
		{name: "whitespace arguments", delta: llm.ToolCallDelta{ID: "c1", Name: "now", Arguments: "  "}, wantOK: true, wantIDSet: true},
		{name: "missing id", delta: llm.ToolCallDelta{Name: "now", Arguments: "{}"}, wantOK: true, wantIDSet: true},
		{name: "array arguments", delta: llm.ToolCallDelta{ID: "c1", Name: "now", Arguments: "[1,2]"}, wantOK: false},
		{name: "missing name", delta: llm.ToolCallDelta{ID: "c1", Arguments: "{}"}, wantOK: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := Process(context.Background(), llm.NewSliceStream(llm.Chunk{ToolCalls: []llm.ToolCallDelta{tt.delta}}))
			if err != nil {
				t.Fatalf("Process: %v", err)
			}
			if !tt.wantOK {
				if len(resp.Malformed) != 1 || len(resp.ToolCalls) != 0 {
					t.Errorf("want malformed, got %+v", resp)
				}
				return
			}
			if len(resp.ToolCalls) != 1 {
				t.Fatalf("ToolCalls = %+v, malformed = %+v", resp.ToolCalls, resp.Malformed)
			}
			tc := resp.ToolCalls[0]
			if len(tc.Arguments) != tt.wantArgs {
				t.Errorf("Arguments = %v", tc.Arguments)
			}
			if tt.wantIDSet && tc.ID == "" {
				t.Error("call id should be assigned")
			}
		})
	}
}

func TestProcess_FragmentAfterDoneIgnored(t *testing.T) {
	stream := llm.NewSliceStream(
		llm.Chunk{ToolCalls: []llm.ToolCallDelta{{Index: 0, ID: "c1", Name: "search", Arguments: `{"q":"x"}`, Done: true}}},
		llm.Chunk{ToolCalls: []llm.ToolCallDelta{{Index: 0, Arguments: `garbage`}}},
	)
	resp, err := Process(context.Background(), stream)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(resp.ToolCalls) != 1 || len(resp.Malformed) != 0 {
		t.Errorf("resp = %+v", resp)
	}
}

func TestProcess_StreamErrorPropagates(t *testing.T) {
	boom := errors.New("connection reset")
	stream := llm.NewFailingStream(boom, llm.Chunk{Content: "partial"})
	_, err := Process(context.Background(), stream)
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want %v", err, boom)
	}
}

func TestProcess_ClosesStream(t *testing.T) {
	stream := llm.NewSliceStream(llm.Chunk{Content: "x"})
	if _, err := Process(context.Background(), stream); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if _, err := stream.Recv(); err == nil {
		t.Error("stream should be closed after Process")
	}
}

func TestProcess_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Process(ctx, llm.NewSliceStream(llm.Chunk{Content: "x"}))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestProcess_UsageReportedOnce(t *testing.T) {
	stream := llm.NewSliceStream(
		llm.Chunk{Content: "a", Usage: &llm.Usage{InputTokens: 5, OutputTokens: 1}},
		llm.Chunk{Content: "b", Usage: &llm.Usage{InputTokens: 5, OutputTokens: 2, ThinkingTokens: 7}},
	)

	var reports []llm.Usage
	resp, err := Process(context.Background(), stream, WithUsageReporter(UsageReporterFunc(func(_ context.Context, u llm.Usage) {
		reports = append(reports, u)
	})))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(reports) != 1 {
		t.Fatalf("reports = %d, want 1", len(reports))
	}
	want := llm.Usage{InputTokens: 5, OutputTokens: 2, ThinkingTokens: 7}
	if reports[0] != want || resp.Usage != want {
		t.Errorf("usage = %+v / %+v, want %+v", reports[0], resp.Usage, want)
	}
}

func TestProcess_NoUsageNoReport(t *testing.T) {
	called := false
	_, err := Process(context.Background(), llm.NewSliceStream(llm.Chunk{Content: "x"}),
		WithUsageReporter(UsageReporterFunc(func(context.Context, llm.Usage) { called = true })))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if called {
		t.Error("reporter called without usage")
	}
}

func TestProcessorStates(t *testing.T) {
	p := New()
	if p.State() != StateIdle {
		t.Errorf("initial state = %s", p.State())
	}
	p.Feed(llm.Chunk{Reasoning: "r"})
	if p.State() != StateThinking {
		t.Errorf("after reasoning = %s", p.State())
	}
	p.Feed(llm.Chunk{Content: "c"})
	if p.State() != StateContent {
		t.Errorf("after content = %s", p.State())
	}
	p.Feed(llm.Chunk{ToolCalls: []llm.ToolCallDelta{{Index: 0, Name: "x"}}})
	if p.State() != StateToolCall {
		t.Errorf("after tool delta = %s", p.State())
	}
	resp := p.Finish(context.Background())
	if p.State() != StateClosed {
		t.Errorf("after finish = %s", p.State())
	}
	if len(resp.ToolCalls) != 1 {
		t.Errorf("open call should finalize at end of stream: %+v", resp)
	}
}
