package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/agentcore/internal/events"
	"github.com/nugget/agentcore/internal/llm"
	"github.com/nugget/agentcore/internal/processor"
	"github.com/nugget/agentcore/internal/prompts"
	"github.com/nugget/agentcore/internal/store"
)

// loop iterates until the model stops requesting tools or the run is
// stopped, and returns the terminal reason.
func (m *Manager) loop(ctx context.Context, rs *runState) (string, error) {
	p := rs.opts
	threadID := rs.snapshot().ThreadID
	persist := context.WithoutCancel(ctx)

	for {
		if rs.cancelled.Load() {
			return ReasonCancelled, nil
		}

		snap := rs.snapshot()
		if snap.Iterations >= p.maxIterations {
			return ReasonMaxIterations, fmt.Errorf("stopped after %d iterations", snap.Iterations)
		}
		iter := snap.Iterations + 1
		rs.update(func(r *Run) { r.Iterations = iter })

		window, err := m.windows.BuildWindow(persist, threadID, p.budget)
		if err != nil {
			return ReasonStoreError, fmt.Errorf("build window: %w", err)
		}

		req := llm.Request{
			Model:          p.model,
			Messages:       append([]llm.Message{{Role: llm.RoleSystem, Content: m.opts.SystemPrompt}}, window.LLMMessages()...),
			MaxTokens:      p.maxTokens,
			Temperature:    m.opts.Temperature,
			ThinkingBudget: p.thinkingBudget,
		}
		if p.useTools {
			req.Tools = m.tools.Schemas()
		}

		m.bus.Emit(events.SourceAgent, events.KindLLMCall, map[string]any{
			"run_id":    snap.ID,
			"thread_id": threadID,
			"iteration": iter,
			"model":     p.model,
			"messages":  len(req.Messages),
			"tokens":    window.Tokens,
			"budget":    window.Budget,
			"summary":   window.Summarized,
		})
		m.logger.Debug("llm call",
			"run", snap.ID,
			"iteration", iter,
			"messages", len(req.Messages),
			"window_tokens", window.Tokens,
			"dropped", window.Dropped,
		)

		resp, err := m.complete(ctx, rs, req)
		if rs.cancelled.Load() {
			// A response that raced the cancel is discarded.
			return ReasonCancelled, nil
		}
		if err != nil {
			return ReasonLLMError, err
		}

		rs.update(func(r *Run) {
			r.Usage.InputTokens += resp.Usage.InputTokens
			r.Usage.OutputTokens += resp.Usage.OutputTokens
			r.Usage.ThinkingTokens += resp.Usage.ThinkingTokens
		})
		m.bus.Emit(events.SourceAgent, events.KindLLMResponse, map[string]any{
			"run_id":        snap.ID,
			"thread_id":     threadID,
			"iteration":     iter,
			"finish_reason": resp.FinishReason,
			"tool_calls":    len(resp.ToolCalls) + len(resp.Malformed),
			"tokens_in":     resp.Usage.InputTokens,
			"tokens_out":    resp.Usage.OutputTokens,
		})

		calls := requestedCalls(resp)
		assistant := store.Message{
			ID:        newMessageID(),
			Role:      llm.RoleAssistant,
			Content:   resp.Content,
			Thinking:  resp.Thinking,
			ToolCalls: calls,

			ThinkingSignature: resp.ThinkingSignature,
			Meta: store.Meta{
				Model:        p.model,
				Usage:        resp.Usage,
				RunID:        snap.ID,
				FinishReason: resp.FinishReason,
			},
		}
		if len(calls) == 0 && assistant.Content == "" {
			m.logger.Warn("model returned empty response", "run", snap.ID, "iteration", iter)
			assistant.Content = prompts.EmptyResponseFallback
		}
		if _, err := m.store.Append(persist, threadID, assistant); err != nil {
			return ReasonStoreError, fmt.Errorf("append assistant message: %w", err)
		}

		if len(calls) == 0 {
			rs.update(func(r *Run) { r.Content = assistant.Content })
			return ReasonCompleted, nil
		}

		for i := range calls {
			calls[i].MessageID = assistant.ID
		}

		m.setStatus(ctx, rs, StatusWaitingOnTools)
		results, err := m.dispatch(ctx, rs, calls, resp.Malformed)
		if err != nil {
			return ReasonStoreError, err
		}
		if rs.cancelled.Load() {
			return ReasonCancelled, nil
		}

		for _, res := range results {
			_, err := m.store.Append(persist, threadID, store.Message{
				Role:       llm.RoleTool,
				ToolCallID: res.CallID,
				Result:     &res,
				Meta:       store.Meta{RunID: snap.ID},
			})
			if errors.Is(err, store.ErrDuplicateToolResult) {
				continue
			}
			if err != nil {
				return ReasonStoreError, fmt.Errorf("append tool result %s: %w", res.CallID, err)
			}
		}
		m.setStatus(ctx, rs, StatusRunning)
	}
}

// requestedCalls lists every call the model asked for, in stream order.
// Malformed calls are included without arguments so each one gets a
// recorded result.
func requestedCalls(resp *processor.Response) []llm.ToolCall {
	calls := make([]llm.ToolCall, 0, len(resp.ToolCalls)+len(resp.Malformed))
	calls = append(calls, resp.ToolCalls...)
	for _, mal := range resp.Malformed {
		calls = append(calls, llm.ToolCall{ID: mal.ID, Name: mal.Name})
	}
	return calls
}

// complete streams one completion, retrying transport failures with
// exponential backoff. Cancellation is never retried. Each retry is
// announced with llm_retry so delta consumers can drop the partial
// output of the failed attempt.
func (m *Manager) complete(ctx context.Context, rs *runState, req llm.Request) (*processor.Response, error) {
	snap := rs.snapshot()
	policy := m.opts.Retry
	sink := func(e processor.Event) {
		switch e.Kind {
		case processor.EventContent:
			m.bus.Emit(events.SourceAgent, events.KindContentDelta, map[string]any{
				"run_id": snap.ID, "thread_id": snap.ThreadID, "text": e.Text,
			})
		case processor.EventThinking:
			m.bus.Emit(events.SourceAgent, events.KindThinkingDelta, map[string]any{
				"run_id": snap.ID, "thread_id": snap.ThreadID, "text": e.Text,
			})
		case processor.EventMalformedToolCall:
			m.logger.Warn("malformed tool call",
				"run", snap.ID,
				"call", e.Malformed.ID,
				"tool", e.Malformed.Name,
				"error", e.Malformed.Err,
			)
		}
	}

	var lastErr error
	for attempt := 1; attempt <= policy.Attempts; attempt++ {
		if attempt > 1 {
			delay := policy.Delay(attempt - 1)
			m.logger.Warn("retrying llm call",
				"run", snap.ID,
				"attempt", attempt,
				"delay", delay,
				"error", lastErr,
			)
			m.bus.Emit(events.SourceAgent, events.KindLLMRetry, map[string]any{
				"run_id":    snap.ID,
				"thread_id": snap.ThreadID,
				"attempt":   attempt,
				"delay_ms":  delay.Milliseconds(),
				"error":     lastErr.Error(),
			})
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		resp, err := m.attempt(ctx, req, sink)
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
	}
	return nil, fmt.Errorf("llm call failed after %d attempts: %w", policy.Attempts, lastErr)
}

func (m *Manager) attempt(ctx context.Context, req llm.Request, sink processor.Sink) (*processor.Response, error) {
	if m.opts.LLMTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.opts.LLMTimeout)
		defer cancel()
	}

	ctx = llm.WithModel(ctx, req.Model)
	stream, err := m.llm.Stream(ctx, req)
	if err != nil {
		return nil, err
	}

	opts := []processor.Option{processor.WithSink(sink), processor.WithLogger(m.logger)}
	if m.usage != nil {
		opts = append(opts, processor.WithUsageReporter(m.usage))
	}
	return processor.Process(ctx, stream, opts...)
}

func newMessageID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
