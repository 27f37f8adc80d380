// Package store holds threads and their append-only message history.
//
// Messages are ordered by a per-thread sequence number assigned at
// append time. Nothing is ever updated or reordered once written; the
// only mutable state is a thread's status and the run records that
// track loop executions against it.
package store

import (
	"context"
	"errors"
	"iter"
	"maps"
	"time"

	"github.com/nugget/agentcore/internal/llm"
	"github.com/nugget/agentcore/internal/tools"
)

var (
	// ErrThreadNotFound is returned for operations on an unknown thread.
	ErrThreadNotFound = errors.New("thread not found")

	// ErrToolResultNotFound is returned by FindToolResult when no
	// result has been stored for a call id.
	ErrToolResultNotFound = errors.New("tool result not found")

	// ErrDuplicateToolResult is returned when a second result is
	// appended for a call id that already has one.
	ErrDuplicateToolResult = errors.New("duplicate tool result")

	// ErrRunNotFound is returned by GetRun for an unknown run.
	ErrRunNotFound = errors.New("run not found")

	// ErrDuplicateToolCall is returned by StartToolCall when the run
	// already has an audit row for the call id.
	ErrDuplicateToolCall = errors.New("duplicate tool call")
)

// ThreadStatus is the lifecycle state of a thread.
type ThreadStatus string

const (
	ThreadActive    ThreadStatus = "active"
	ThreadCompleted ThreadStatus = "completed"
	ThreadFailed    ThreadStatus = "failed"
	ThreadCancelled ThreadStatus = "cancelled"
)

// Thread is a conversation identity.
type Thread struct {
	ID        string       `json:"id"`
	AccountID string       `json:"account_id"`
	Status    ThreadStatus `json:"status"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// Meta is per-message model metadata.
type Meta struct {
	Model        string    `json:"model,omitempty"`
	Usage        llm.Usage `json:"usage"`
	RunID        string    `json:"run_id,omitempty"`
	FinishReason string    `json:"finish_reason,omitempty"`
}

// Message is one immutable entry in a thread's history.
type Message struct {
	ID       string `json:"id"`
	ThreadID string `json:"thread_id"`
	Seq      int64  `json:"seq"`
	Role     string `json:"role"`
	Content  string `json:"content"`
	Thinking string `json:"thinking,omitempty"`

	// ThinkingSignature verifies Thinking when it is sent back to the
	// provider that produced it.
	ThinkingSignature string `json:"thinking_signature,omitempty"`

	// ToolCalls is set on assistant messages that request tools.
	ToolCalls []llm.ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID and Result are set on tool-result messages.
	ToolCallID string        `json:"tool_call_id,omitempty"`
	Result     *tools.Result `json:"result,omitempty"`

	// Summary marks a synthetic compaction message. Summaries are built
	// per window and are not normally stored.
	Summary bool `json:"summary,omitempty"`

	Meta      Meta      `json:"meta"`
	CreatedAt time.Time `json:"created_at"`
}

// LLM converts a stored message into the provider-neutral form.
func (m Message) LLM() llm.Message {
	out := llm.Message{
		Role:       m.Role,
		Content:    m.Content,
		ToolCalls:  m.ToolCalls,
		ToolCallID: m.ToolCallID,
	}
	if m.Role == llm.RoleAssistant {
		out.Thinking = m.Thinking
		out.ThinkingSignature = m.ThinkingSignature
	}
	if m.Role == llm.RoleTool && m.Result != nil {
		out.Content = m.Result.Content()
		out.IsError = !m.Result.Success
	}
	return out
}

// clone returns a copy that shares no slices or maps with m.
func (m Message) clone() Message {
	if m.ToolCalls != nil {
		calls := make([]llm.ToolCall, len(m.ToolCalls))
		for i, tc := range m.ToolCalls {
			tc.Arguments = maps.Clone(tc.Arguments)
			calls[i] = tc
		}
		m.ToolCalls = calls
	}
	if m.Result != nil {
		r := *m.Result
		m.Result = &r
	}
	return m
}

// ReadOptions bounds a Read. From is an inclusive starting sequence
// number; zero reads from the beginning. Limit zero means no limit.
type ReadOptions struct {
	From  int64
	Limit int
}

// RunRecord is the persisted state of one loop execution.
type RunRecord struct {
	ID             string    `json:"id"`
	ThreadID       string    `json:"thread_id"`
	Status         string    `json:"status"`
	TerminalReason string    `json:"terminal_reason,omitempty"`
	Error          string    `json:"error,omitempty"`
	Iterations     int       `json:"iterations"`
	Model          string    `json:"model,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	EndedAt        time.Time `json:"ended_at,omitzero"`
}

// ToolCallRecord is one row of the tool execution audit log.
type ToolCallRecord struct {
	CallID      string    `json:"call_id"`
	ThreadID    string    `json:"thread_id"`
	RunID       string    `json:"run_id,omitempty"`
	MessageID   string    `json:"message_id,omitempty"`
	ToolName    string    `json:"tool_name"`
	Arguments   string    `json:"arguments"`
	Success     bool      `json:"success"`
	Code        string    `json:"code,omitempty"`
	Error       string    `json:"error,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at,omitzero"`
	DurationMs  int64     `json:"duration_ms"`
}

// Store is durable, ordered, append-only storage of messages per thread.
// Appends to one thread are serialized; reads may run concurrently.
type Store interface {
	CreateThread(ctx context.Context, accountID string) (*Thread, error)
	GetThread(ctx context.Context, id string) (*Thread, error)
	SetThreadStatus(ctx context.Context, id string, status ThreadStatus) error

	// Append assigns the next sequence number and writes msg. The write
	// is durable when Append returns.
	Append(ctx context.Context, threadID string, msg Message) (int64, error)

	// Read yields messages in sequence order. The returned sequence is
	// lazy and may be ranged over more than once.
	Read(ctx context.Context, threadID string, opts ReadOptions) iter.Seq2[Message, error]

	// FindToolResult returns the tool-result message stored for callID.
	FindToolResult(ctx context.Context, threadID, callID string) (*Message, error)

	SaveRun(ctx context.Context, run RunRecord) error
	GetRun(ctx context.Context, id string) (*RunRecord, error)

	// Audit rows are keyed by run and call id, so a call re-executed by
	// a later run gets its own row.
	StartToolCall(ctx context.Context, rec ToolCallRecord) error
	CompleteToolCall(ctx context.Context, threadID, runID string, res tools.Result) error
	ToolCalls(ctx context.Context, threadID string) ([]ToolCallRecord, error)

	Close() error
}

// ReadAll collects a Read into a slice.
func ReadAll(ctx context.Context, s Store, threadID string, opts ReadOptions) ([]Message, error) {
	var out []Message
	for m, err := range s.Read(ctx, threadID, opts) {
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// readPageSize is how many rows a lazy Read fetches per query.
const readPageSize = 256

// prepare fills the fields Append owns.
func prepare(threadID string, seq int64, msg Message, now time.Time) Message {
	msg = msg.clone()
	if msg.ID == "" {
		msg.ID = newID()
	}
	msg.ThreadID = threadID
	msg.Seq = seq
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	for i := range msg.ToolCalls {
		msg.ToolCalls[i].MessageID = msg.ID
	}
	return msg
}
