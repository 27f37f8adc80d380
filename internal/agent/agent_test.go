package agent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nugget/agentcore/internal/contextmgr"
	"github.com/nugget/agentcore/internal/events"
	"github.com/nugget/agentcore/internal/llm"
	"github.com/nugget/agentcore/internal/store"
	"github.com/nugget/agentcore/internal/tools"
)

// turn is one scripted completion: an error from Stream, a sequence of
// chunks optionally ending in streamErr, or a stream that hangs until
// its context ends. started, when set, is closed as the turn begins.
type turn struct {
	err       error
	chunks    []llm.Chunk
	streamErr error
	hang      bool
	started   chan struct{}
}

// hangingStream blocks in Recv until the request context is done.
type hangingStream struct {
	ctx context.Context
}

func (s *hangingStream) Recv() (llm.Chunk, error) {
	<-s.ctx.Done()
	return llm.Chunk{}, s.ctx.Err()
}

func (s *hangingStream) Close() error { return nil }

// scriptedClient answers Stream calls from a fixed script.
type scriptedClient struct {
	mu       sync.Mutex
	turns    []turn
	requests []llm.Request
}

func (c *scriptedClient) Stream(ctx context.Context, req llm.Request) (llm.Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)
	if len(c.turns) == 0 {
		return llm.NewSliceStream(text("out of script")...), nil
	}
	t := c.turns[0]
	c.turns = c.turns[1:]
	if t.started != nil {
		close(t.started)
	}
	switch {
	case t.err != nil:
		return nil, t.err
	case t.hang:
		return &hangingStream{ctx: ctx}, nil
	case t.streamErr != nil:
		return llm.NewFailingStream(t.streamErr, t.chunks...), nil
	}
	return llm.NewSliceStream(t.chunks...), nil
}

func (c *scriptedClient) request(i int) llm.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requests[i]
}

func (c *scriptedClient) Ping(context.Context) error { return nil }

func (c *scriptedClient) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

func text(s string) []llm.Chunk {
	return []llm.Chunk{
		{Content: s},
		{FinishReason: llm.FinishStop, Usage: &llm.Usage{InputTokens: 10, OutputTokens: 5}},
	}
}

func toolCall(id, name, args string) []llm.Chunk {
	return []llm.Chunk{
		{ToolCalls: []llm.ToolCallDelta{{Index: 0, ID: id, Name: name}}},
		{ToolCalls: []llm.ToolCallDelta{{Index: 0, Arguments: args, Done: true}}},
		{FinishReason: llm.FinishToolCalls, Usage: &llm.Usage{InputTokens: 10, OutputTokens: 3}},
	}
}

func twoCalls(a, b string) []llm.Chunk {
	return []llm.Chunk{
		{ToolCalls: []llm.ToolCallDelta{
			{Index: 0, ID: b, Name: "slow", Arguments: `{}`},
			{Index: 1, ID: a, Name: "fast", Arguments: `{}`},
		}},
		{FinishReason: llm.FinishToolCalls},
	}
}

type harness struct {
	store   *store.MemoryStore
	tools   *tools.Registry
	client  *scriptedClient
	bus     *events.Bus
	manager *Manager
	thread  string
}

func newHarness(t *testing.T, opts Options, turns ...turn) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	st := store.NewMemoryStore()
	th, err := st.CreateThread(context.Background(), "acct")
	if err != nil {
		t.Fatalf("CreateThread: %v", err)
	}

	h := &harness{
		store:  st,
		tools:  tools.NewRegistry(logger),
		client: &scriptedClient{turns: turns},
		bus:    events.New(),
		thread: th.ID,
	}
	if opts.Model == "" {
		opts.Model = "test-model"
	}
	if opts.Retry.Attempts == 0 {
		opts.Retry = RetryPolicy{Attempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}
	}
	h.manager = New(Deps{
		Store:   st,
		Tools:   h.tools,
		Windows: contextmgr.New(st, contextmgr.Options{}, logger),
		LLM:     h.client,
		Events:  h.bus,
		Logger:  logger,
	}, opts)
	return h
}

func (h *harness) register(t *testing.T, tool *tools.Tool) {
	t.Helper()
	if err := h.tools.Register(tool); err != nil {
		t.Fatalf("Register(%s): %v", tool.Name, err)
	}
}

func (h *harness) run(t *testing.T, input string) *Run {
	t.Helper()
	started, err := h.manager.StartRun(context.Background(), h.thread, input, RunOptions{})
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	if started.Status != StatusRunning {
		t.Errorf("StartRun status = %s, want running", started.Status)
	}
	return h.wait(t, started.ID)
}

func (h *harness) wait(t *testing.T, runID string) *Run {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	run, err := h.manager.Wait(ctx, runID)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	return run
}

func (h *harness) history(t *testing.T) []store.Message {
	t.Helper()
	msgs, err := store.ReadAll(context.Background(), h.store, h.thread, store.ReadOptions{})
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	return msgs
}

func roles(msgs []store.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Role
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func counter(n *atomic.Int32, payload string, err error) tools.Handler {
	return func(context.Context, map[string]any) (string, error) {
		n.Add(1)
		return payload, err
	}
}

func TestRun_ContentOnly(t *testing.T) {
	h := newHarness(t, Options{}, turn{chunks: text("hi there")})

	run := h.run(t, "hello")

	if run.Status != StatusCompleted || run.TerminalReason != ReasonCompleted {
		t.Fatalf("run = %s/%s, want completed", run.Status, run.TerminalReason)
	}
	if run.Content != "hi there" {
		t.Errorf("Content = %q", run.Content)
	}
	if run.Iterations != 1 {
		t.Errorf("Iterations = %d, want 1", run.Iterations)
	}
	if run.Usage.InputTokens != 10 || run.Usage.OutputTokens != 5 {
		t.Errorf("Usage = %+v", run.Usage)
	}

	msgs := h.history(t)
	if got, want := roles(msgs), []string{"user", "assistant"}; !equalStrings(got, want) {
		t.Fatalf("roles = %v, want %v", got, want)
	}
	if msgs[0].Content != "hello" || msgs[0].Meta.RunID != run.ID {
		t.Errorf("user message = %+v", msgs[0])
	}
	if msgs[1].Meta.Model != "test-model" || msgs[1].Meta.FinishReason != llm.FinishStop {
		t.Errorf("assistant meta = %+v", msgs[1].Meta)
	}

	th, err := h.store.GetThread(context.Background(), h.thread)
	if err != nil {
		t.Fatal(err)
	}
	if th.Status != store.ThreadCompleted {
		t.Errorf("thread status = %s, want completed", th.Status)
	}

	rec, err := h.store.GetRun(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if rec.Status != string(StatusCompleted) || rec.EndedAt.IsZero() {
		t.Errorf("persisted run = %+v", rec)
	}
}

func TestRun_SystemPromptNotStored(t *testing.T) {
	h := newHarness(t, Options{SystemPrompt: "be brief"}, turn{chunks: text("ok")})
	h.run(t, "hello")

	req := h.client.requests[0]
	if req.Messages[0].Role != llm.RoleSystem || req.Messages[0].Content != "be brief" {
		t.Errorf("first message = %+v, want system prompt", req.Messages[0])
	}
	for _, m := range h.history(t) {
		if m.Role == llm.RoleSystem {
			t.Errorf("system prompt was stored: %+v", m)
		}
	}
}

func TestRun_ToolCallThenAnswer(t *testing.T) {
	var n atomic.Int32
	h := newHarness(t, Options{},
		turn{chunks: toolCall("call_1", "search", `{"q":"x"}`)},
		turn{chunks: text("found it")},
	)
	h.register(t, &tools.Tool{
		Name:       "search",
		Parameters: map[string]any{"type": "object", "required": []any{"q"}},
		Handler: func(_ context.Context, args map[string]any) (string, error) {
			n.Add(1)
			return "result for " + args["q"].(string), nil
		},
	})

	run := h.run(t, "look up x")

	if run.Status != StatusCompleted {
		t.Fatalf("status = %s (%s), want completed", run.Status, run.Error)
	}
	msgs := h.history(t)
	if got, want := roles(msgs), []string{"user", "assistant", "tool", "assistant"}; !equalStrings(got, want) {
		t.Fatalf("roles = %v, want %v", got, want)
	}
	if n.Load() != 1 {
		t.Errorf("handler calls = %d, want 1", n.Load())
	}

	call := msgs[1].ToolCalls[0]
	if call.ID != "call_1" || call.Name != "search" || call.Arguments["q"] != "x" {
		t.Errorf("tool call = %+v", call)
	}
	res := msgs[2]
	if res.ToolCallID != "call_1" || res.Result == nil || !res.Result.Success || res.Result.Payload != "result for x" {
		t.Errorf("tool result = %+v", res)
	}
	if run.Iterations != 2 {
		t.Errorf("Iterations = %d, want 2", run.Iterations)
	}

	// The second request carries the tool result back to the model.
	second := h.client.requests[1]
	last := second.Messages[len(second.Messages)-1]
	if last.Role != llm.RoleTool || last.ToolCallID != "call_1" || last.Content != "result for x" {
		t.Errorf("second request tail = %+v", last)
	}

	audit, err := h.store.ToolCalls(context.Background(), h.thread)
	if err != nil {
		t.Fatal(err)
	}
	if len(audit) != 1 || audit[0].RunID != run.ID || audit[0].MessageID != msgs[1].ID || !audit[0].Success {
		t.Errorf("audit = %+v", audit)
	}
}

func TestRun_ToolFailureContinues(t *testing.T) {
	h := newHarness(t, Options{},
		turn{chunks: toolCall("call_1", "broken", `{}`)},
		turn{chunks: text("sorry, that failed")},
	)
	h.register(t, &tools.Tool{
		Name: "broken",
		Handler: func(context.Context, map[string]any) (string, error) {
			panic("boom")
		},
	})

	run := h.run(t, "try it")

	if run.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed", run.Status)
	}
	msgs := h.history(t)
	if len(msgs) != 4 {
		t.Fatalf("messages = %d, want 4", len(msgs))
	}
	res := msgs[2].Result
	if res == nil || res.Success || res.Code != tools.CodePanic {
		t.Errorf("result = %+v, want failed panic result", res)
	}
	if !msgs[2].LLM().IsError {
		t.Error("tool message not marked as error for the model")
	}
}

func TestRun_UnknownToolReportedToModel(t *testing.T) {
	h := newHarness(t, Options{},
		turn{chunks: toolCall("call_1", "nope", `{}`)},
		turn{chunks: text("ok")},
	)

	run := h.run(t, "go")

	if run.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed", run.Status)
	}
	res := h.history(t)[2].Result
	if res == nil || res.Code != tools.CodeNotFound {
		t.Errorf("result = %+v, want not_found", res)
	}
}

func TestRun_MalformedToolCall(t *testing.T) {
	var n atomic.Int32
	h := newHarness(t, Options{},
		turn{chunks: toolCall("call_1", "search", `{"q":`)},
		turn{chunks: text("fixed")},
	)
	h.register(t, &tools.Tool{Name: "search", Handler: counter(&n, "ok", nil)})

	run := h.run(t, "go")

	if run.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed", run.Status)
	}
	if n.Load() != 0 {
		t.Errorf("handler ran %d times for malformed call", n.Load())
	}
	msgs := h.history(t)
	if len(msgs[1].ToolCalls) != 1 || msgs[1].ToolCalls[0].ID != "call_1" {
		t.Errorf("assistant tool calls = %+v", msgs[1].ToolCalls)
	}
	res := msgs[2].Result
	if res == nil || res.Code != tools.CodeInvalidArguments {
		t.Errorf("result = %+v, want invalid_arguments", res)
	}
}

func TestRun_DuplicateCallIDExecutesOnce(t *testing.T) {
	var n atomic.Int32
	h := newHarness(t, Options{},
		turn{chunks: toolCall("call_1", "search", `{"q":"x"}`)},
		// A retried stream re-emits the same call.
		turn{chunks: toolCall("call_1", "search", `{"q":"x"}`)},
		turn{chunks: text("done")},
	)
	h.register(t, &tools.Tool{Name: "search", Handler: counter(&n, "hit", nil)})

	run := h.run(t, "search")

	if run.Status != StatusCompleted {
		t.Fatalf("status = %s (%s), want completed", run.Status, run.Error)
	}
	if n.Load() != 1 {
		t.Errorf("handler calls = %d, want 1", n.Load())
	}

	results := 0
	for _, m := range h.history(t) {
		if m.Role == llm.RoleTool {
			results++
		}
	}
	if results != 1 {
		t.Errorf("stored tool results = %d, want 1", results)
	}

	// The repeated call is answered with the stored result, not a
	// synthesized failure.
	third := h.client.request(2)
	last := third.Messages[len(third.Messages)-1]
	if last.Role != llm.RoleTool || last.ToolCallID != "call_1" || last.IsError || last.Content != "hit" {
		t.Errorf("third request tail = %+v, want stored result", last)
	}
}

func TestRun_DuplicateCallIDWithinTurn(t *testing.T) {
	var n atomic.Int32
	h := newHarness(t, Options{},
		turn{chunks: []llm.Chunk{
			{ToolCalls: []llm.ToolCallDelta{
				{Index: 0, ID: "call_1", Name: "search", Arguments: `{}`},
				{Index: 1, ID: "call_1", Name: "search", Arguments: `{}`},
			}},
			{FinishReason: llm.FinishToolCalls},
		}},
		turn{chunks: text("done")},
	)
	h.register(t, &tools.Tool{Name: "search", Handler: counter(&n, "hit", nil)})

	run := h.run(t, "search")

	if run.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed", run.Status)
	}
	if n.Load() != 1 {
		t.Errorf("handler calls = %d, want 1", n.Load())
	}
}

func TestRun_CancelDuringTool(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool

	h := newHarness(t, Options{},
		turn{chunks: toolCall("call_1", "slow", `{}`)},
		turn{chunks: text("should not happen")},
	)
	h.register(t, &tools.Tool{
		Name: "slow",
		Handler: func(ctx context.Context, _ map[string]any) (string, error) {
			close(started)
			<-release
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			finished.Store(true)
			return "late", nil
		},
	})

	snap, err := h.manager.StartRun(context.Background(), h.thread, "go", RunOptions{})
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("tool never started")
	}

	if err := h.manager.CancelRun(context.Background(), snap.ID); err != nil {
		t.Fatalf("CancelRun: %v", err)
	}
	close(release)

	run := h.wait(t, snap.ID)
	if run.Status != StatusCancelled || run.TerminalReason != ReasonCancelled {
		t.Fatalf("run = %s/%s, want cancelled", run.Status, run.TerminalReason)
	}
	if !finished.Load() {
		t.Error("in-flight tool was interrupted")
	}
	if got := h.client.calls(); got != 1 {
		t.Errorf("completion requests = %d, want 1", got)
	}

	msgs := h.history(t)
	if got, want := roles(msgs), []string{"user", "assistant"}; !equalStrings(got, want) {
		t.Errorf("roles = %v, want %v (tool result discarded)", got, want)
	}

	th, _ := h.store.GetThread(context.Background(), h.thread)
	if th.Status != store.ThreadCancelled {
		t.Errorf("thread status = %s, want cancelled", th.Status)
	}

	// Cancelling a finished run is a no-op.
	if err := h.manager.CancelRun(context.Background(), snap.ID); err != nil {
		t.Errorf("CancelRun after finish: %v", err)
	}
}

func TestRun_CancelDuringCompletion(t *testing.T) {
	streaming := make(chan struct{})
	h := newHarness(t, Options{},
		turn{hang: true, started: streaming},
		turn{chunks: text("should not happen")},
	)

	snap, err := h.manager.StartRun(context.Background(), h.thread, "go", RunOptions{})
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	select {
	case <-streaming:
	case <-time.After(5 * time.Second):
		t.Fatal("completion never started")
	}
	if err := h.manager.CancelRun(context.Background(), snap.ID); err != nil {
		t.Fatalf("CancelRun: %v", err)
	}

	run := h.wait(t, snap.ID)
	if run.Status != StatusCancelled || run.TerminalReason != ReasonCancelled {
		t.Fatalf("run = %s/%s, want cancelled", run.Status, run.TerminalReason)
	}
	if got := h.client.calls(); got != 1 {
		t.Errorf("completion requests = %d, want 1 (no retry after cancel)", got)
	}
	if got := roles(h.history(t)); !equalStrings(got, []string{"user"}) {
		t.Errorf("roles = %v, want only the user message", got)
	}
}

func TestRun_CancelSkipsPendingSerialCall(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var pending atomic.Int32

	h := newHarness(t, Options{},
		turn{chunks: []llm.Chunk{
			{ToolCalls: []llm.ToolCallDelta{
				{Index: 0, ID: "call_a", Name: "block", Arguments: `{}`},
				{Index: 1, ID: "call_b", Name: "count", Arguments: `{}`},
			}},
			{FinishReason: llm.FinishToolCalls},
		}},
		turn{chunks: text("should not happen")},
	)
	h.register(t, &tools.Tool{
		Name: "block",
		Handler: func(context.Context, map[string]any) (string, error) {
			close(started)
			<-release
			return "ok", nil
		},
	})
	h.register(t, &tools.Tool{Name: "count", Handler: counter(&pending, "ran", nil)})

	snap, err := h.manager.StartRun(context.Background(), h.thread, "go", RunOptions{})
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("first tool never started")
	}
	if err := h.manager.CancelRun(context.Background(), snap.ID); err != nil {
		t.Fatalf("CancelRun: %v", err)
	}
	close(release)

	run := h.wait(t, snap.ID)
	if run.Status != StatusCancelled {
		t.Fatalf("status = %s, want cancelled", run.Status)
	}
	if pending.Load() != 0 {
		t.Errorf("second serial call ran %d times after cancel", pending.Load())
	}

	audit, err := h.store.ToolCalls(context.Background(), h.thread)
	if err != nil {
		t.Fatal(err)
	}
	if len(audit) != 1 || audit[0].CallID != "call_a" {
		t.Errorf("audit = %+v, want only call_a", audit)
	}
	if got := roles(h.history(t)); !equalStrings(got, []string{"user", "assistant"}) {
		t.Errorf("roles = %v, want user, assistant", got)
	}
}

func TestRun_LLMTimeoutIsRetried(t *testing.T) {
	h := newHarness(t, Options{LLMTimeout: 20 * time.Millisecond},
		turn{hang: true},
		turn{chunks: text("recovered")},
	)

	run := h.run(t, "hello")

	if run.Status != StatusCompleted || run.Content != "recovered" {
		t.Fatalf("run = %s %q (%s), want completed", run.Status, run.Content, run.Error)
	}
	if h.client.calls() != 2 {
		t.Errorf("completion requests = %d, want 2", h.client.calls())
	}
}

func TestRun_RetryAnnouncedBeforeNewDeltas(t *testing.T) {
	h := newHarness(t, Options{},
		turn{chunks: []llm.Chunk{{Content: "partial"}}, streamErr: errors.New("connection reset")},
		turn{chunks: text("full answer")},
	)
	ch := h.bus.Subscribe(256)
	defer h.bus.Unsubscribe(ch)

	run := h.run(t, "hello")
	if run.Status != StatusCompleted || run.Content != "full answer" {
		t.Fatalf("run = %s %q, want completed", run.Status, run.Content)
	}

	var seq []string
	timeout := time.After(2 * time.Second)
	for done := false; !done; {
		select {
		case e := <-ch:
			switch e.Kind {
			case events.KindContentDelta:
				seq = append(seq, e.Data["text"].(string))
			case events.KindLLMRetry:
				seq = append(seq, "<retry>")
				if e.Data["attempt"] != 2 {
					t.Errorf("retry attempt = %v, want 2", e.Data["attempt"])
				}
			case events.KindRunFinished:
				done = true
			}
		case <-timeout:
			t.Fatalf("run_finished not published; got %v", seq)
		}
	}

	if want := []string{"partial", "<retry>", "full answer"}; !equalStrings(seq, want) {
		t.Errorf("delta sequence = %v, want %v", seq, want)
	}
}

func TestRun_StoresAndReplaysThinkingSignature(t *testing.T) {
	first := append([]llm.Chunk{
		{Reasoning: "need a search"},
		{ReasoningSignature: "sig-1"},
	}, toolCall("call_1", "search", `{}`)...)
	h := newHarness(t, Options{},
		turn{chunks: first},
		turn{chunks: text("done")},
	)
	h.register(t, &tools.Tool{Name: "search", Handler: func(context.Context, map[string]any) (string, error) { return "hit", nil }})

	if run := h.run(t, "go"); run.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed", run.Status)
	}

	msgs := h.history(t)
	if msgs[1].Thinking != "need a search" || msgs[1].ThinkingSignature != "sig-1" {
		t.Errorf("assistant message = %+v, want signed thinking", msgs[1])
	}

	second := h.client.request(1)
	var assistant *llm.Message
	for i := range second.Messages {
		if second.Messages[i].Role == llm.RoleAssistant {
			assistant = &second.Messages[i]
		}
	}
	if assistant == nil || assistant.ThinkingSignature != "sig-1" || assistant.Thinking != "need a search" {
		t.Errorf("replayed assistant = %+v", assistant)
	}
}

func TestRun_ParallelResultsOrderedByCallID(t *testing.T) {
	h := newHarness(t, Options{},
		turn{chunks: twoCalls("call_a", "call_b")},
		turn{chunks: text("both done")},
	)

	var inFlight, peak atomic.Int32
	gate := func(delay time.Duration) tools.Handler {
		return func(context.Context, map[string]any) (string, error) {
			cur := inFlight.Add(1)
			for {
				p := peak.Load()
				if cur <= p || peak.CompareAndSwap(p, cur) {
					break
				}
			}
			time.Sleep(delay)
			inFlight.Add(-1)
			return "ok", nil
		}
	}
	h.register(t, &tools.Tool{Name: "slow", ConcurrentSafe: true, Handler: gate(50 * time.Millisecond)})
	h.register(t, &tools.Tool{Name: "fast", ConcurrentSafe: true, Handler: gate(time.Millisecond)})

	run := h.run(t, "both")
	if run.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed", run.Status)
	}

	msgs := h.history(t)
	if msgs[2].ToolCallID != "call_a" || msgs[3].ToolCallID != "call_b" {
		t.Errorf("result order = %s, %s; want call_a, call_b", msgs[2].ToolCallID, msgs[3].ToolCallID)
	}
	if peak.Load() != 2 {
		t.Errorf("peak concurrency = %d, want 2", peak.Load())
	}
}

func TestRun_RetryThenSucceed(t *testing.T) {
	h := newHarness(t, Options{},
		turn{err: errors.New("connection reset")},
		turn{chunks: text("recovered")},
	)

	run := h.run(t, "hello")

	if run.Status != StatusCompleted || run.Content != "recovered" {
		t.Fatalf("run = %s %q, want completed", run.Status, run.Content)
	}
	if h.client.calls() != 2 {
		t.Errorf("completion requests = %d, want 2", h.client.calls())
	}
}

func TestRun_RetriesExhausted(t *testing.T) {
	boom := errors.New("service unavailable")
	h := newHarness(t, Options{},
		turn{err: boom}, turn{err: boom}, turn{err: boom},
	)

	run := h.run(t, "hello")

	if run.Status != StatusFailed || run.TerminalReason != ReasonLLMError {
		t.Fatalf("run = %s/%s, want failed/llm_error", run.Status, run.TerminalReason)
	}
	if run.Error == "" {
		t.Error("Error not recorded")
	}
	if h.client.calls() != 3 {
		t.Errorf("completion requests = %d, want 3", h.client.calls())
	}
	if got := roles(h.history(t)); !equalStrings(got, []string{"user"}) {
		t.Errorf("roles = %v, want only the user message", got)
	}
}

func TestRun_MaxIterations(t *testing.T) {
	var n atomic.Int32
	h := newHarness(t, Options{MaxIterations: 2},
		turn{chunks: toolCall("call_1", "loop", `{}`)},
		turn{chunks: toolCall("call_2", "loop", `{}`)},
		turn{chunks: toolCall("call_3", "loop", `{}`)},
	)
	h.register(t, &tools.Tool{Name: "loop", Handler: counter(&n, "again", nil)})

	run := h.run(t, "spin")

	if run.Status != StatusFailed || run.TerminalReason != ReasonMaxIterations {
		t.Fatalf("run = %s/%s, want failed/max_iterations_exceeded", run.Status, run.TerminalReason)
	}
	if run.Iterations != 2 {
		t.Errorf("Iterations = %d, want 2", run.Iterations)
	}
	if h.client.calls() != 2 {
		t.Errorf("completion requests = %d, want 2", h.client.calls())
	}
}

func TestRun_EmptyResponseFallback(t *testing.T) {
	h := newHarness(t, Options{}, turn{chunks: []llm.Chunk{{FinishReason: llm.FinishStop}}})

	run := h.run(t, "hello")

	if run.Status != StatusCompleted || run.Content == "" {
		t.Fatalf("run = %s %q, want completed with fallback", run.Status, run.Content)
	}
}

func TestStartRun_UnknownThread(t *testing.T) {
	h := newHarness(t, Options{})
	_, err := h.manager.StartRun(context.Background(), "missing", "hi", RunOptions{})
	if !errors.Is(err, store.ErrThreadNotFound) {
		t.Errorf("err = %v, want ErrThreadNotFound", err)
	}
}

func TestStartRun_RejectsSecondActiveRun(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, Options{},
		turn{chunks: toolCall("call_1", "block", `{}`)},
		turn{chunks: text("done")},
	)
	h.register(t, &tools.Tool{
		Name: "block",
		Handler: func(context.Context, map[string]any) (string, error) {
			<-release
			return "ok", nil
		},
	})

	first, err := h.manager.StartRun(context.Background(), h.thread, "one", RunOptions{})
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	if id, ok := h.manager.ActiveRun(h.thread); !ok || id != first.ID {
		t.Errorf("ActiveRun = %q %v, want %q", id, ok, first.ID)
	}

	_, err = h.manager.StartRun(context.Background(), h.thread, "two", RunOptions{})
	if !errors.Is(err, ErrRunActive) {
		t.Errorf("second StartRun err = %v, want ErrRunActive", err)
	}

	close(release)
	if run := h.wait(t, first.ID); run.Status != StatusCompleted {
		t.Fatalf("first run = %s, want completed", run.Status)
	}

	// The thread is free again once the run finishes.
	h.client.mu.Lock()
	h.client.turns = append(h.client.turns, turn{chunks: text("again")})
	h.client.mu.Unlock()
	if run := h.run(t, "three"); run.Status != StatusCompleted {
		t.Errorf("third run = %s, want completed", run.Status)
	}
}

func TestRunStatus(t *testing.T) {
	h := newHarness(t, Options{}, turn{chunks: text("hi")})
	run := h.run(t, "hello")

	got, err := h.manager.RunStatus(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("RunStatus: %v", err)
	}
	if got.Status != StatusCompleted {
		t.Errorf("status = %s, want completed", got.Status)
	}

	if _, err := h.manager.RunStatus(context.Background(), "run_missing"); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("unknown run err = %v, want ErrRunNotFound", err)
	}
	if err := h.manager.CancelRun(context.Background(), "run_missing"); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("CancelRun unknown err = %v, want ErrRunNotFound", err)
	}
}

func TestRunStatus_FallsBackToStore(t *testing.T) {
	h := newHarness(t, Options{})
	rec := store.RunRecord{
		ID:             "run_old",
		ThreadID:       h.thread,
		Status:         string(StatusFailed),
		TerminalReason: ReasonLLMError,
		StartedAt:      time.Now().UTC(),
	}
	if err := h.store.SaveRun(context.Background(), rec); err != nil {
		t.Fatal(err)
	}

	got, err := h.manager.RunStatus(context.Background(), "run_old")
	if err != nil {
		t.Fatalf("RunStatus: %v", err)
	}
	if got.Status != StatusFailed || got.TerminalReason != ReasonLLMError {
		t.Errorf("run = %+v", got)
	}
}

func TestRun_PublishesLifecycle(t *testing.T) {
	h := newHarness(t, Options{},
		turn{chunks: toolCall("call_1", "echo", `{}`)},
		turn{chunks: text("done")},
	)
	h.register(t, &tools.Tool{Name: "echo", Handler: func(context.Context, map[string]any) (string, error) { return "e", nil }})
	ch := h.bus.Subscribe(256)
	defer h.bus.Unsubscribe(ch)

	h.run(t, "go")

	var kinds []string
	timeout := time.After(2 * time.Second)
	for {
		select {
		case e := <-ch:
			if events.IsLifecycle(e.Kind) {
				kinds = append(kinds, e.Kind)
			}
			if e.Kind != events.KindRunFinished {
				continue
			}
		case <-timeout:
			t.Fatalf("run_finished not published; got %v", kinds)
		}
		break
	}

	want := []string{
		events.KindRunStarted,
		events.KindLLMCall, events.KindLLMResponse,
		events.KindRunStatus, events.KindToolCall, events.KindToolDone, events.KindRunStatus,
		events.KindLLMCall, events.KindLLMResponse,
		events.KindRunFinished,
	}
	if !equalStrings(kinds, want) {
		t.Errorf("kinds = %v\nwant    %v", kinds, want)
	}
}

func TestShutdownCancelsActiveRuns(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	h := newHarness(t, Options{},
		turn{chunks: toolCall("call_1", "block", `{}`)},
	)
	h.register(t, &tools.Tool{
		Name: "block",
		Handler: func(context.Context, map[string]any) (string, error) {
			close(started)
			<-release
			return "ok", nil
		},
	})

	snap, err := h.manager.StartRun(context.Background(), h.thread, "go", RunOptions{})
	if err != nil {
		t.Fatal(err)
	}
	<-started

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		done <- h.manager.Shutdown(ctx)
	}()

	h.manager.mu.Lock()
	rs := h.manager.runs[snap.ID]
	h.manager.mu.Unlock()
	deadline := time.Now().Add(5 * time.Second)
	for !rs.cancelled.Load() {
		if time.Now().After(deadline) {
			t.Fatal("Shutdown never cancelled the run")
		}
		time.Sleep(time.Millisecond)
	}
	close(release)

	if err := <-done; err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	run, _ := h.manager.RunStatus(context.Background(), snap.ID)
	if run.Status != StatusCancelled {
		t.Errorf("status = %s, want cancelled", run.Status)
	}
}

func TestRetryPolicyDelay(t *testing.T) {
	p := DefaultRetryPolicy()
	tests := []struct {
		n    int
		want time.Duration
	}{
		{0, 0},
		{1, 500 * time.Millisecond},
		{2, time.Second},
		{3, 2 * time.Second},
		{10, 10 * time.Second},
	}
	for _, tt := range tests {
		if got := p.Delay(tt.n); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.n, got, tt.want)
		}
	}
}

func TestStatusTerminal(t *testing.T) {
	for _, s := range []Status{StatusCompleted, StatusFailed, StatusCancelled} {
		if !s.Terminal() {
			t.Errorf("%s.Terminal() = false", s)
		}
	}
	for _, s := range []Status{StatusPending, StatusRunning, StatusWaitingOnTools} {
		if s.Terminal() {
			t.Errorf("%s.Terminal() = true", s)
		}
	}
}
