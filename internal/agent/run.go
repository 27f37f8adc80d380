// Package agent owns the run loop: build a context window, stream a
// completion, execute the requested tools, append the results and
// repeat until the model stops asking for tools or the run is stopped.
package agent

import (
	"errors"
	"math"
	"time"

	"github.com/nugget/agentcore/internal/llm"
	"github.com/nugget/agentcore/internal/store"
)

var (
	// ErrRunNotFound is returned for an unknown run id.
	ErrRunNotFound = errors.New("run not found")

	// ErrRunActive is returned when a thread already has a run that
	// has not reached a terminal state.
	ErrRunActive = errors.New("thread already has an active run")
)

// Status is a run's lifecycle state.
type Status string

const (
	StatusPending        Status = "pending"
	StatusRunning        Status = "running"
	StatusWaitingOnTools Status = "waiting_on_tools"
	StatusCompleted      Status = "completed"
	StatusFailed         Status = "failed"
	StatusCancelled      Status = "cancelled"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Terminal reasons recorded on finished runs.
const (
	ReasonCompleted     = "completed"
	ReasonCancelled     = "cancelled"
	ReasonMaxIterations = "max_iterations_exceeded"
	ReasonLLMError      = "llm_error"
	ReasonStoreError    = "store_error"
)

// Run is a snapshot of one loop execution.
type Run struct {
	ID             string    `json:"id"`
	ThreadID       string    `json:"thread_id"`
	Status         Status    `json:"status"`
	Model          string    `json:"model,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	EndedAt        time.Time `json:"ended_at,omitzero"`
	TerminalReason string    `json:"terminal_reason,omitempty"`
	Error          string    `json:"error,omitempty"`
	Iterations     int       `json:"iterations"`
	Usage          llm.Usage `json:"usage"`

	// Content is the final assistant answer of a completed run.
	Content string `json:"content,omitempty"`
}

func (r Run) record() store.RunRecord {
	return store.RunRecord{
		ID:             r.ID,
		ThreadID:       r.ThreadID,
		Status:         string(r.Status),
		TerminalReason: r.TerminalReason,
		Error:          r.Error,
		Iterations:     r.Iterations,
		Model:          r.Model,
		StartedAt:      r.StartedAt,
		EndedAt:        r.EndedAt,
	}
}

func runFromRecord(rec *store.RunRecord) *Run {
	return &Run{
		ID:             rec.ID,
		ThreadID:       rec.ThreadID,
		Status:         Status(rec.Status),
		Model:          rec.Model,
		StartedAt:      rec.StartedAt,
		EndedAt:        rec.EndedAt,
		TerminalReason: rec.TerminalReason,
		Error:          rec.Error,
		Iterations:     rec.Iterations,
	}
}

// RetryPolicy bounds retries of failed completion requests.
type RetryPolicy struct {
	Attempts   int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
}

// DefaultRetryPolicy is 3 attempts starting at 500ms, doubling, capped
// at 10s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts:   3,
		BaseDelay:  500 * time.Millisecond,
		MaxDelay:   10 * time.Second,
		Multiplier: 2,
	}
}

// Delay returns the wait before retry number n (1-based).
func (p RetryPolicy) Delay(n int) time.Duration {
	if n < 1 || p.BaseDelay <= 0 {
		return 0
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.BaseDelay) * math.Pow(mult, float64(n-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}
