package store

import (
	"context"
	"fmt"
	"iter"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/agentcore/internal/llm"
	"github.com/nugget/agentcore/internal/tools"
)

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// threadLog is one thread's history. mu serializes appends.
type threadLog struct {
	mu          sync.RWMutex
	thread      Thread
	messages    []Message
	toolResults map[string]int // call id → index into messages
}

// MemoryStore keeps everything in process memory. Durability ends with
// the process; it backs tests and one-shot CLI runs.
type MemoryStore struct {
	mu        sync.RWMutex
	threads   map[string]*threadLog
	runs      map[string]RunRecord
	toolCalls map[string][]ToolCallRecord
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		threads:   make(map[string]*threadLog),
		runs:      make(map[string]RunRecord),
		toolCalls: make(map[string][]ToolCallRecord),
	}
}

func (s *MemoryStore) log(id string) (*threadLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tl, ok := s.threads[id]
	if !ok {
		return nil, fmt.Errorf("thread %s: %w", id, ErrThreadNotFound)
	}
	return tl, nil
}

// CreateThread creates an active thread owned by accountID.
func (s *MemoryStore) CreateThread(_ context.Context, accountID string) (*Thread, error) {
	now := time.Now().UTC()
	t := Thread{
		ID:        newID(),
		AccountID: accountID,
		Status:    ThreadActive,
		CreatedAt: now,
		UpdatedAt: now,
	}

	s.mu.Lock()
	s.threads[t.ID] = &threadLog{thread: t, toolResults: make(map[string]int)}
	s.mu.Unlock()
	return &t, nil
}

// GetThread returns a thread by id.
func (s *MemoryStore) GetThread(_ context.Context, id string) (*Thread, error) {
	tl, err := s.log(id)
	if err != nil {
		return nil, err
	}
	tl.mu.RLock()
	defer tl.mu.RUnlock()
	t := tl.thread
	return &t, nil
}

// SetThreadStatus updates a thread's status.
func (s *MemoryStore) SetThreadStatus(_ context.Context, id string, status ThreadStatus) error {
	tl, err := s.log(id)
	if err != nil {
		return err
	}
	tl.mu.Lock()
	defer tl.mu.Unlock()
	tl.thread.Status = status
	tl.thread.UpdatedAt = time.Now().UTC()
	return nil
}

// Append adds msg to the end of the thread's history.
func (s *MemoryStore) Append(ctx context.Context, threadID string, msg Message) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	tl, err := s.log(threadID)
	if err != nil {
		return 0, err
	}

	tl.mu.Lock()
	defer tl.mu.Unlock()

	if msg.Role == llm.RoleTool && msg.ToolCallID != "" {
		if _, dup := tl.toolResults[msg.ToolCallID]; dup {
			return 0, fmt.Errorf("call %s: %w", msg.ToolCallID, ErrDuplicateToolResult)
		}
	}

	now := time.Now().UTC()
	seq := int64(len(tl.messages)) + 1
	stored := prepare(threadID, seq, msg, now)
	tl.messages = append(tl.messages, stored)
	if stored.Role == llm.RoleTool && stored.ToolCallID != "" {
		tl.toolResults[stored.ToolCallID] = len(tl.messages) - 1
	}
	tl.thread.UpdatedAt = now
	return seq, nil
}

// Read yields the thread's messages in order. Each element is read
// under the thread lock, so appends made during iteration are visible.
func (s *MemoryStore) Read(ctx context.Context, threadID string, opts ReadOptions) iter.Seq2[Message, error] {
	return func(yield func(Message, error) bool) {
		tl, err := s.log(threadID)
		if err != nil {
			yield(Message{}, err)
			return
		}

		// Sequence numbers are dense and start at 1.
		i := 0
		if opts.From > 1 {
			i = int(opts.From - 1)
		}
		for n := 0; opts.Limit <= 0 || n < opts.Limit; n++ {
			if err := ctx.Err(); err != nil {
				yield(Message{}, err)
				return
			}
			tl.mu.RLock()
			if i >= len(tl.messages) {
				tl.mu.RUnlock()
				return
			}
			m := tl.messages[i].clone()
			tl.mu.RUnlock()

			if !yield(m, nil) {
				return
			}
			i++
		}
	}
}

// FindToolResult returns the stored result message for callID.
func (s *MemoryStore) FindToolResult(_ context.Context, threadID, callID string) (*Message, error) {
	tl, err := s.log(threadID)
	if err != nil {
		return nil, err
	}
	tl.mu.RLock()
	defer tl.mu.RUnlock()
	idx, ok := tl.toolResults[callID]
	if !ok {
		return nil, fmt.Errorf("call %s: %w", callID, ErrToolResultNotFound)
	}
	m := tl.messages[idx].clone()
	return &m, nil
}

// SaveRun inserts or replaces a run record.
func (s *MemoryStore) SaveRun(_ context.Context, run RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID] = run
	return nil
}

// GetRun returns a run record by id.
func (s *MemoryStore) GetRun(_ context.Context, id string) (*RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", id, ErrRunNotFound)
	}
	return &r, nil
}

// StartToolCall records that a tool call began executing.
func (s *MemoryStore) StartToolCall(_ context.Context, rec ToolCallRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.toolCalls[rec.ThreadID] {
		if r.CallID == rec.CallID && r.RunID == rec.RunID {
			return fmt.Errorf("tool call %s in run %s: %w", rec.CallID, rec.RunID, ErrDuplicateToolCall)
		}
	}
	s.toolCalls[rec.ThreadID] = append(s.toolCalls[rec.ThreadID], rec)
	return nil
}

// CompleteToolCall records the outcome of a started tool call.
func (s *MemoryStore) CompleteToolCall(_ context.Context, threadID, runID string, res tools.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs := s.toolCalls[threadID]
	for i := range recs {
		if recs[i].CallID != res.CallID || recs[i].RunID != runID {
			continue
		}
		recs[i].Success = res.Success
		recs[i].Code = res.Code
		recs[i].Error = res.Error
		recs[i].CompletedAt = time.Now().UTC()
		recs[i].DurationMs = res.Duration.Milliseconds()
		return nil
	}
	return fmt.Errorf("tool call %s not started", res.CallID)
}

// ToolCalls returns the audit log for a thread ordered by start time.
func (s *MemoryStore) ToolCalls(_ context.Context, threadID string) ([]ToolCallRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := append([]ToolCallRecord(nil), s.toolCalls[threadID]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }
