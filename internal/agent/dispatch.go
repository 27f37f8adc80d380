package agent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nugget/agentcore/internal/events"
	"github.com/nugget/agentcore/internal/llm"
	"github.com/nugget/agentcore/internal/processor"
	"github.com/nugget/agentcore/internal/store"
	"github.com/nugget/agentcore/internal/tools"
)

// dispatch executes the calls of one model turn and returns one result
// per distinct call id, sorted by call id. A call id that already has a
// stored result is never executed again; the stored result is returned.
//
// Concurrent-safe tools run in parallel first, then the rest run one at
// a time in request order. Calls not yet started when the run is
// cancelled are skipped.
func (m *Manager) dispatch(ctx context.Context, rs *runState, calls []llm.ToolCall, malformed []*processor.MalformedToolCallError) ([]tools.Result, error) {
	snap := rs.snapshot()
	persist := context.WithoutCancel(ctx)

	bad := make(map[string]*processor.MalformedToolCallError, len(malformed))
	for _, mal := range malformed {
		bad[mal.ID] = mal
	}

	var (
		mu       sync.Mutex
		results  = make(map[string]tools.Result, len(calls))
		parallel []llm.ToolCall
		serial   []llm.ToolCall
		seen     = make(map[string]bool, len(calls))
	)

	for _, call := range calls {
		if seen[call.ID] {
			m.logger.Warn("duplicate tool call id in one turn", "run", snap.ID, "call", call.ID, "tool", call.Name)
			continue
		}
		seen[call.ID] = true

		prior, err := m.store.FindToolResult(persist, snap.ThreadID, call.ID)
		switch {
		case err == nil && prior.Result != nil:
			m.logger.Info("tool call already executed, reusing stored result",
				"run", snap.ID,
				"call", call.ID,
				"tool", call.Name,
			)
			results[call.ID] = *prior.Result
			continue
		case err != nil && !errors.Is(err, store.ErrToolResultNotFound):
			return nil, fmt.Errorf("look up tool result %s: %w", call.ID, err)
		}

		if mal, ok := bad[call.ID]; ok {
			results[call.ID] = tools.Result{
				CallID:   call.ID,
				ToolName: call.Name,
				Code:     tools.CodeInvalidArguments,
				Error:    mal.Err.Error(),
			}
			continue
		}

		if m.tools.IsConcurrentSafe(call.Name) {
			parallel = append(parallel, call)
		} else {
			serial = append(serial, call)
		}
	}

	var wg sync.WaitGroup
	for _, call := range parallel {
		if rs.cancelled.Load() {
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := m.runTool(ctx, rs, call)
			mu.Lock()
			results[call.ID] = res
			mu.Unlock()
		}()
	}
	wg.Wait()

	for _, call := range serial {
		if rs.cancelled.Load() {
			break
		}
		results[call.ID] = m.runTool(ctx, rs, call)
	}

	out := make([]tools.Result, 0, len(results))
	for _, res := range results {
		out = append(out, res)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CallID < out[j].CallID })
	return out, nil
}

// runTool invokes one tool call with audit logging and events. A call
// that has started always runs to completion; cancellation of the run
// does not reach the tool.
func (m *Manager) runTool(ctx context.Context, rs *runState, call llm.ToolCall) tools.Result {
	snap := rs.snapshot()
	tctx := tools.WithCallID(context.WithoutCancel(ctx), call.ID)

	started := time.Now().UTC()
	err := m.store.StartToolCall(tctx, store.ToolCallRecord{
		CallID:    call.ID,
		ThreadID:  snap.ThreadID,
		RunID:     snap.ID,
		MessageID: call.MessageID,
		ToolName:  call.Name,
		Arguments: call.ArgumentsJSON(),
		StartedAt: started,
	})
	if err != nil {
		m.logger.Warn("failed to record tool call start", "run", snap.ID, "call", call.ID, "error", err)
	}

	m.bus.Emit(events.SourceAgent, events.KindToolCall, map[string]any{
		"run_id":    snap.ID,
		"thread_id": snap.ThreadID,
		"call_id":   call.ID,
		"tool":      call.Name,
	})

	res := m.tools.Invoke(tctx, call, m.opts.ToolTimeout)

	if err := m.store.CompleteToolCall(tctx, snap.ThreadID, snap.ID, res); err != nil {
		m.logger.Warn("failed to record tool call completion", "run", snap.ID, "call", call.ID, "error", err)
	}

	m.bus.Emit(events.SourceAgent, events.KindToolDone, map[string]any{
		"run_id":      snap.ID,
		"thread_id":   snap.ThreadID,
		"call_id":     call.ID,
		"tool":        call.Name,
		"success":     res.Success,
		"code":        res.Code,
		"duration_ms": res.Duration.Milliseconds(),
	})

	log := m.logger.With("run", snap.ID, "call", call.ID, "tool", call.Name, "duration", res.Duration.Round(time.Millisecond))
	if res.Success {
		log.Debug("tool call completed")
	} else {
		log.Info("tool call failed", "code", res.Code, "error", res.Error)
	}
	return res
}
