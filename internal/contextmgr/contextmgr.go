// Package contextmgr selects the part of a thread's history that fits a
// model's context budget.
//
// System messages and the most recent turns are always kept. Older
// messages are retained newest-first while they fit; whatever does not
// fit is replaced by a single summary message. The same history and
// budget always produce the same window.
package contextmgr

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"

	"github.com/zeebo/blake3"

	"github.com/nugget/agentcore/internal/llm"
	"github.com/nugget/agentcore/internal/prompts"
	"github.com/nugget/agentcore/internal/store"
	"github.com/nugget/agentcore/internal/tools"
)

const (
	defaultKeepTurns      = 1
	defaultSummaryReserve = 256
	summaryCacheSize      = 512
)

// Window is the ordered message subset for one completion request.
type Window struct {
	Messages []store.Message

	// Tokens is the estimated cost of Messages. It may exceed Budget
	// when the protected messages alone do not fit.
	Tokens int
	Budget int

	// Summarized is true when Messages contains a summary message.
	Summarized bool

	// Dropped counts the stored messages replaced by the summary.
	Dropped int
}

// LLMMessages converts the window into provider-neutral messages.
func (w *Window) LLMMessages() []llm.Message {
	out := make([]llm.Message, 0, len(w.Messages))
	for _, m := range w.Messages {
		out = append(out, m.LLM())
	}
	return out
}

// Options configures a Manager. Zero values select defaults.
type Options struct {
	// KeepTurns is how many trailing turns are never dropped. A turn
	// starts at a user message.
	KeepTurns int

	// SummaryReserve is the token allowance held back for the summary
	// message when compaction is needed.
	SummaryReserve int

	Estimator  Estimator
	Summarizer Summarizer
}

// Manager builds context windows from a store.
type Manager struct {
	store      store.Store
	estimator  Estimator
	summarizer Summarizer
	fallback   Summarizer
	keepTurns  int
	reserve    int
	logger     *slog.Logger

	mu    sync.Mutex
	cache map[string]string // blake3 of dropped range → summary text
}

// New creates a Manager reading from st.
func New(st store.Store, opts Options, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		store:      st,
		estimator:  opts.Estimator,
		summarizer: opts.Summarizer,
		fallback:   ExtractiveSummarizer{},
		keepTurns:  opts.KeepTurns,
		reserve:    opts.SummaryReserve,
		logger:     logger.With("component", "contextmgr"),
		cache:      make(map[string]string),
	}
	if m.estimator == nil {
		m.estimator = DefaultEstimator()
	}
	if m.summarizer == nil {
		m.summarizer = m.fallback
	}
	if m.keepTurns <= 0 {
		m.keepTurns = defaultKeepTurns
	}
	if m.reserve <= 0 {
		m.reserve = defaultSummaryReserve
	}
	return m
}

// unit is a run of messages that must be kept or dropped together: an
// assistant message plus the tool results answering it, or a single
// other message.
type unit struct {
	msgs   []store.Message
	tokens int
}

// BuildWindow reads the thread's history and returns the messages that
// fit within budget tokens.
func (m *Manager) BuildWindow(ctx context.Context, threadID string, budget int) (*Window, error) {
	history, err := store.ReadAll(ctx, m.store, threadID, store.ReadOptions{})
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	return m.window(ctx, threadID, history, budget)
}

func (m *Manager) window(ctx context.Context, threadID string, history []store.Message, budget int) (*Window, error) {
	var system []store.Message
	var rest []store.Message
	for _, msg := range history {
		if msg.Role == llm.RoleSystem {
			system = append(system, msg)
		} else {
			rest = append(rest, msg)
		}
	}

	units := m.group(rest)
	protectFrom := m.protectedStart(units)

	fixed := 0
	for _, msg := range system {
		fixed += m.estimator.Estimate(msg)
	}
	for _, u := range units[protectFrom:] {
		fixed += u.tokens
	}

	total := fixed
	for _, u := range units[:protectFrom] {
		total += u.tokens
	}

	w := &Window{Budget: budget}
	if budget <= 0 || total <= budget {
		w.Messages = flatten(system, units)
		w.Tokens = total
		return w, nil
	}

	// Keep older units newest-first while they fit, leaving room for
	// the summary. The kept range must be contiguous with the
	// protected tail so the dropped range is a single prefix.
	available := budget - fixed - m.reserve
	keepFrom := protectFrom
	for i := protectFrom - 1; i >= 0; i-- {
		if units[i].tokens > available {
			break
		}
		available -= units[i].tokens
		keepFrom = i
	}

	var dropped []store.Message
	for _, u := range units[:keepFrom] {
		dropped = append(dropped, u.msgs...)
	}

	kept := units[keepFrom:]
	tokens := fixed
	for _, u := range units[keepFrom:protectFrom] {
		tokens += u.tokens
	}

	if len(dropped) > 0 {
		summary := m.summarize(ctx, threadID, dropped)
		system = append(system, summary)
		tokens += m.estimator.Estimate(summary)
		w.Summarized = true
		w.Dropped = len(dropped)
	}

	w.Messages = flatten(system, kept)
	w.Tokens = tokens
	if tokens > budget {
		m.logger.Warn("context window over budget after compaction",
			"thread", threadID,
			"tokens", tokens,
			"budget", budget,
			"keep_turns", m.keepTurns,
		)
	}
	m.logger.Debug("context window compacted",
		"thread", threadID,
		"dropped", w.Dropped,
		"kept", len(w.Messages),
		"tokens", tokens,
		"budget", budget,
	)
	return w, nil
}

// group splits non-system messages into atomic units and answers every
// tool call in the window. A call id repeated in a later turn is answered
// with the result stored for its first execution; a call with no stored
// result at all gets a failed one.
func (m *Manager) group(msgs []store.Message) []unit {
	recorded := make(map[string]store.Message)
	var units []unit
	for i := 0; i < len(msgs); {
		msg := msgs[i]
		u := unit{msgs: []store.Message{msg}}
		i++

		if msg.Role == llm.RoleAssistant && len(msg.ToolCalls) > 0 {
			answered := make(map[string]bool)
			for i < len(msgs) && msgs[i].Role == llm.RoleTool {
				answered[msgs[i].ToolCallID] = true
				record(recorded, msgs[i])
				u.msgs = append(u.msgs, msgs[i])
				i++
			}
			for _, tc := range msg.ToolCalls {
				if answered[tc.ID] {
					continue
				}
				answered[tc.ID] = true
				if prior, ok := recorded[tc.ID]; ok {
					u.msgs = append(u.msgs, replayedResult(msg, prior))
				} else {
					u.msgs = append(u.msgs, missingResult(msg, tc))
				}
			}
		} else if msg.Role == llm.RoleTool && len(units) > 0 {
			// A result separated from its call stays with the unit before it.
			record(recorded, msg)
			last := &units[len(units)-1]
			last.msgs = append(last.msgs, msg)
			last.tokens += m.estimator.Estimate(msg)
			continue
		}

		for _, um := range u.msgs {
			u.tokens += m.estimator.Estimate(um)
		}
		units = append(units, u)
	}
	return units
}

func record(recorded map[string]store.Message, msg store.Message) {
	if msg.Result == nil || msg.ToolCallID == "" {
		return
	}
	if _, ok := recorded[msg.ToolCallID]; !ok {
		recorded[msg.ToolCallID] = msg
	}
}

// replayedResult repeats a stored result after a later turn that asked
// for the same call id again.
func replayedResult(call, prior store.Message) store.Message {
	out := prior
	out.ID = "replay-" + call.ID + "-" + prior.ToolCallID
	out.Seq = call.Seq
	out.CreatedAt = call.CreatedAt
	return out
}

// missingResult stands in for a tool result that was never recorded,
// which happens when a run is cancelled during dispatch.
func missingResult(call store.Message, tc llm.ToolCall) store.Message {
	return store.Message{
		ID:         "missing-" + tc.ID,
		ThreadID:   call.ThreadID,
		Seq:        call.Seq,
		Role:       llm.RoleTool,
		ToolCallID: tc.ID,
		Result: &tools.Result{
			CallID:   tc.ID,
			ToolName: tc.Name,
			Code:     tools.CodeCanceled,
			Error:    "no result was recorded for this call",
		},
		CreatedAt: call.CreatedAt,
	}
}

// protectedStart returns the index of the first unit in the last
// keepTurns turns.
func (m *Manager) protectedStart(units []unit) int {
	turns := 0
	for i := len(units) - 1; i >= 0; i-- {
		if units[i].msgs[0].Role == llm.RoleUser {
			turns++
			if turns == m.keepTurns {
				return i
			}
		}
	}
	return 0
}

func flatten(system []store.Message, units []unit) []store.Message {
	out := append([]store.Message(nil), system...)
	for _, u := range units {
		out = append(out, u.msgs...)
	}
	return out
}

// summarize returns the summary message for dropped, from cache when
// the same range was summarized before.
func (m *Manager) summarize(ctx context.Context, threadID string, dropped []store.Message) store.Message {
	key := rangeKey(dropped)

	m.mu.Lock()
	text, ok := m.cache[key]
	m.mu.Unlock()

	if !ok {
		var err error
		text, err = m.summarizer.Summarize(ctx, dropped)
		if err != nil || text == "" {
			m.logger.Warn("summarizer failed, using extractive summary",
				"thread", threadID,
				"messages", len(dropped),
				"error", err,
			)
			text, _ = m.fallback.Summarize(ctx, dropped)
		}

		m.mu.Lock()
		if len(m.cache) >= summaryCacheSize {
			clear(m.cache)
		}
		m.cache[key] = text
		m.mu.Unlock()
	}

	first, last := dropped[0], dropped[len(dropped)-1]
	return store.Message{
		ID:        "summary-" + key[:16],
		ThreadID:  threadID,
		Seq:       last.Seq,
		Role:      llm.RoleSystem,
		Content:   prompts.CompactionHeader(first.CreatedAt, last.CreatedAt, len(dropped)) + text,
		Summary:   true,
		CreatedAt: last.CreatedAt,
	}
}

// rangeKey identifies a dropped range by its thread, ids and sequence
// numbers. Stored messages never change, so ids and positions are
// enough.
func rangeKey(msgs []store.Message) string {
	h := blake3.New()
	var buf [8]byte
	for _, msg := range msgs {
		h.Write([]byte(msg.ThreadID))
		h.Write([]byte(msg.ID))
		binary.BigEndian.PutUint64(buf[:], uint64(msg.Seq))
		h.Write(buf[:])
	}
	return hex.EncodeToString(h.Sum(nil))
}
