package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/agentcore/internal/contextmgr"
	"github.com/nugget/agentcore/internal/events"
	"github.com/nugget/agentcore/internal/llm"
	"github.com/nugget/agentcore/internal/models"
	"github.com/nugget/agentcore/internal/processor"
	"github.com/nugget/agentcore/internal/prompts"
	"github.com/nugget/agentcore/internal/store"
	"github.com/nugget/agentcore/internal/tools"
)

// maxRetainedRuns bounds how many finished runs stay in memory. Older
// ones are served from the store.
const maxRetainedRuns = 256

// ToolDispatcher advertises and executes tools.
type ToolDispatcher interface {
	Schemas() []llm.ToolSchema
	IsConcurrentSafe(name string) bool
	Invoke(ctx context.Context, call llm.ToolCall, timeout time.Duration) tools.Result
}

// WindowBuilder selects the history sent with each completion.
type WindowBuilder interface {
	BuildWindow(ctx context.Context, threadID string, budget int) (*contextmgr.Window, error)
}

// Deps are the collaborators a Manager drives. Store, Tools, Windows
// and LLM are required.
type Deps struct {
	Store   store.Store
	Tools   ToolDispatcher
	Windows WindowBuilder
	LLM     llm.Client

	// Models resolves per-model budgets and capabilities. Nil accepts
	// any model name with the Options defaults.
	Models *models.Registry

	// Events receives run lifecycle events. May be nil.
	Events *events.Bus

	// Usage receives token counts for every completed stream. May be nil.
	Usage processor.UsageReporter

	Logger *slog.Logger
}

// Options are loop limits and request parameters.
type Options struct {
	Model         string
	MaxIterations int
	LLMTimeout    time.Duration
	ToolTimeout   time.Duration

	// TokenBudget overrides the model-derived context budget when > 0.
	TokenBudget int

	MaxTokens    int
	Temperature  *float64
	SystemPrompt string
	Retry        RetryPolicy
}

// RunOptions override Options for a single run.
type RunOptions struct {
	Model         string
	MaxIterations int
}

// runState is the live state of one run. run is guarded by mu.
type runState struct {
	mu   sync.Mutex
	run  Run
	opts runParams

	cancel    context.CancelFunc
	cancelled atomic.Bool
	done      chan struct{}
}

// runParams are the resolved settings for one run.
type runParams struct {
	model          string
	maxIterations  int
	budget         int
	maxTokens      int
	thinkingBudget int
	useTools       bool
}

func (rs *runState) snapshot() *Run {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	r := rs.run
	return &r
}

func (rs *runState) update(fn func(r *Run)) Run {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	fn(&rs.run)
	return rs.run
}

// Manager starts, tracks and cancels runs. Runs on different threads
// execute in parallel; a thread has at most one active run.
type Manager struct {
	store   store.Store
	tools   ToolDispatcher
	windows WindowBuilder
	llm     llm.Client
	models  *models.Registry
	bus     *events.Bus
	usage   processor.UsageReporter
	opts    Options
	logger  *slog.Logger

	mu       sync.Mutex
	runs     map[string]*runState
	active   map[string]string // thread id → run id
	finished []string          // finished run ids, oldest first
	wg       sync.WaitGroup
}

// New creates a Manager.
func New(deps Deps, opts Options) *Manager {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = 50
	}
	if opts.Retry.Attempts <= 0 {
		opts.Retry = DefaultRetryPolicy()
	}
	if opts.SystemPrompt == "" {
		opts.SystemPrompt = prompts.DefaultSystemPrompt
	}
	return &Manager{
		store:   deps.Store,
		tools:   deps.Tools,
		windows: deps.Windows,
		llm:     deps.LLM,
		models:  deps.Models,
		bus:     deps.Events,
		usage:   deps.Usage,
		opts:    opts,
		logger:  logger.With("component", "agent"),
		runs:    make(map[string]*runState),
		active:  make(map[string]string),
	}
}

func newRunID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return "run_" + uuid.NewString()
	}
	return "run_" + id.String()
}

// resolve applies per-run overrides and model metadata.
func (m *Manager) resolve(ro RunOptions) (runParams, error) {
	p := runParams{
		model:         m.opts.Model,
		maxIterations: m.opts.MaxIterations,
		budget:        m.opts.TokenBudget,
		maxTokens:     m.opts.MaxTokens,
		useTools:      true,
	}
	if ro.Model != "" {
		p.model = ro.Model
	}
	if ro.MaxIterations > 0 {
		p.maxIterations = ro.MaxIterations
	}
	if p.model == "" && m.models != nil {
		p.model = m.models.Default()
	}

	if m.models != nil {
		info, err := m.models.Get(p.model)
		if err != nil {
			return p, err
		}
		if p.budget <= 0 {
			p.budget = info.Budget()
		}
		if p.maxTokens <= 0 {
			p.maxTokens = info.MaxOutputTokens
		}
		p.thinkingBudget = info.ThinkingBudget
		p.useTools = info.SupportsTools
	}
	return p, nil
}

// StartRun appends input as a user message on threadID and starts the
// loop in the background. The returned snapshot has status running.
func (m *Manager) StartRun(ctx context.Context, threadID, input string, ro RunOptions) (*Run, error) {
	if _, err := m.store.GetThread(ctx, threadID); err != nil {
		return nil, err
	}
	params, err := m.resolve(ro)
	if err != nil {
		return nil, err
	}

	rs := &runState{
		run: Run{
			ID:        newRunID(),
			ThreadID:  threadID,
			Status:    StatusPending,
			Model:     params.model,
			StartedAt: time.Now().UTC(),
		},
		opts: params,
		done: make(chan struct{}),
	}

	// Claim the thread before touching its history.
	m.mu.Lock()
	if other, busy := m.active[threadID]; busy {
		m.mu.Unlock()
		return nil, fmt.Errorf("thread %s run %s: %w", threadID, other, ErrRunActive)
	}
	m.active[threadID] = rs.run.ID
	m.runs[rs.run.ID] = rs
	m.mu.Unlock()

	release := func() {
		m.mu.Lock()
		delete(m.active, threadID)
		delete(m.runs, rs.run.ID)
		m.mu.Unlock()
	}

	if err := m.store.SaveRun(ctx, rs.run.record()); err != nil {
		release()
		return nil, fmt.Errorf("save run: %w", err)
	}

	_, err = m.store.Append(ctx, threadID, store.Message{
		Role:    llm.RoleUser,
		Content: input,
		Meta:    store.Meta{RunID: rs.run.ID},
	})
	if err != nil {
		release()
		return nil, fmt.Errorf("append input: %w", err)
	}
	if err := m.store.SetThreadStatus(ctx, threadID, store.ThreadActive); err != nil {
		m.logger.Warn("failed to mark thread active", "thread", threadID, "error", err)
	}

	snap := rs.update(func(r *Run) { r.Status = StatusRunning })
	if err := m.store.SaveRun(ctx, snap.record()); err != nil {
		m.logger.Warn("failed to persist run status", "run", snap.ID, "error", err)
	}

	// The run outlives the caller's request but keeps its values.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	runCtx = tools.WithRunID(tools.WithThreadID(runCtx, threadID), snap.ID)
	rs.cancel = cancel

	m.bus.Emit(events.SourceAgent, events.KindRunStarted, map[string]any{
		"run_id":    snap.ID,
		"thread_id": threadID,
		"model":     snap.Model,
	})
	m.logger.Info("agent run started",
		"run", snap.ID,
		"thread", threadID,
		"model", snap.Model,
		"input_len", len(input),
	)

	m.wg.Add(1)
	go m.execute(runCtx, rs)

	return &snap, nil
}

// CancelRun requests cancellation. It takes effect at the run's next
// suspension point. Cancelling a finished run is a no-op.
func (m *Manager) CancelRun(ctx context.Context, runID string) error {
	m.mu.Lock()
	rs, ok := m.runs[runID]
	m.mu.Unlock()

	if !ok {
		if _, err := m.store.GetRun(ctx, runID); err != nil {
			if errors.Is(err, store.ErrRunNotFound) {
				return fmt.Errorf("run %s: %w", runID, ErrRunNotFound)
			}
			return err
		}
		return nil
	}

	if rs.snapshot().Status.Terminal() {
		return nil
	}
	if rs.cancelled.CompareAndSwap(false, true) {
		m.logger.Info("agent run cancel requested", "run", runID)
		if rs.cancel != nil {
			rs.cancel()
		}
	}
	return nil
}

// RunStatus returns a snapshot of a run, live or persisted.
func (m *Manager) RunStatus(ctx context.Context, runID string) (*Run, error) {
	m.mu.Lock()
	rs, ok := m.runs[runID]
	m.mu.Unlock()
	if ok {
		return rs.snapshot(), nil
	}

	rec, err := m.store.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, store.ErrRunNotFound) {
			return nil, fmt.Errorf("run %s: %w", runID, ErrRunNotFound)
		}
		return nil, err
	}
	return runFromRecord(rec), nil
}

// Wait blocks until the run is terminal or ctx ends.
func (m *Manager) Wait(ctx context.Context, runID string) (*Run, error) {
	m.mu.Lock()
	rs, ok := m.runs[runID]
	m.mu.Unlock()
	if !ok {
		return m.RunStatus(ctx, runID)
	}

	select {
	case <-rs.done:
		return rs.snapshot(), nil
	case <-ctx.Done():
		return rs.snapshot(), ctx.Err()
	}
}

// ActiveRun returns the id of the thread's active run, if any.
func (m *Manager) ActiveRun(threadID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.active[threadID]
	return id, ok
}

// ActiveRuns returns how many runs are executing.
func (m *Manager) ActiveRuns() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// Shutdown cancels every active run and waits for the loops to record
// their terminal state, or for ctx to end.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	ids := make([]string, 0, len(m.active))
	for _, id := range m.active {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		_ = m.CancelRun(ctx, id)
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// execute runs the loop and records the terminal state exactly once.
func (m *Manager) execute(ctx context.Context, rs *runState) {
	defer m.wg.Done()
	defer rs.cancel()

	reason, err := m.loop(ctx, rs)
	m.finish(ctx, rs, reason, err)
}

func (m *Manager) finish(ctx context.Context, rs *runState, reason string, runErr error) {
	status := StatusFailed
	threadStatus := store.ThreadFailed
	switch reason {
	case ReasonCompleted:
		status, threadStatus = StatusCompleted, store.ThreadCompleted
	case ReasonCancelled:
		status, threadStatus = StatusCancelled, store.ThreadCancelled
	}

	final := rs.update(func(r *Run) {
		r.Status = status
		r.TerminalReason = reason
		r.EndedAt = time.Now().UTC()
		if runErr != nil {
			r.Error = runErr.Error()
		}
	})

	// Terminal bookkeeping must land even though ctx may be cancelled.
	bg := context.WithoutCancel(ctx)
	if err := m.store.SaveRun(bg, final.record()); err != nil {
		m.logger.Error("failed to persist run", "run", final.ID, "error", err)
	}
	if err := m.store.SetThreadStatus(bg, final.ThreadID, threadStatus); err != nil {
		m.logger.Warn("failed to update thread status", "thread", final.ThreadID, "error", err)
	}

	m.mu.Lock()
	delete(m.active, final.ThreadID)
	m.finished = append(m.finished, final.ID)
	for len(m.finished) > maxRetainedRuns {
		delete(m.runs, m.finished[0])
		m.finished = m.finished[1:]
	}
	m.mu.Unlock()
	close(rs.done)

	elapsed := final.EndedAt.Sub(final.StartedAt)
	m.bus.Emit(events.SourceAgent, events.KindRunFinished, map[string]any{
		"run_id":          final.ID,
		"thread_id":       final.ThreadID,
		"status":          string(final.Status),
		"terminal_reason": final.TerminalReason,
		"iterations":      final.Iterations,
		"tokens_in":       final.Usage.InputTokens,
		"tokens_out":      final.Usage.OutputTokens,
		"elapsed_ms":      elapsed.Milliseconds(),
	})

	log := m.logger.With(
		"run", final.ID,
		"thread", final.ThreadID,
		"status", final.Status,
		"reason", final.TerminalReason,
		"iterations", final.Iterations,
		"tokens_in", final.Usage.InputTokens,
		"tokens_out", final.Usage.OutputTokens,
		"elapsed", elapsed.Round(time.Millisecond),
	)
	if status == StatusFailed {
		log.Warn("agent run failed", "error", runErr)
	} else {
		log.Info("agent run finished")
	}
}

// setStatus records a non-terminal transition.
func (m *Manager) setStatus(ctx context.Context, rs *runState, status Status) {
	snap := rs.update(func(r *Run) { r.Status = status })
	if err := m.store.SaveRun(context.WithoutCancel(ctx), snap.record()); err != nil {
		m.logger.Warn("failed to persist run status", "run", snap.ID, "error", err)
	}
	m.bus.Emit(events.SourceAgent, events.KindRunStatus, map[string]any{
		"run_id":    snap.ID,
		"thread_id": snap.ThreadID,
		"status":    string(status),
		"iteration": snap.Iterations,
	})
}
