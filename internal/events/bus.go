// Package events provides a publish/subscribe bus for run lifecycle
// events. The agent manager publishes; the WebSocket handler and the
// MQTT publisher subscribe. The bus is nil-safe: Publish on a nil *Bus
// is a no-op, so publishers need no guard checks.
package events

import (
	"sync"
	"time"
)

// Sources identify the publishing component.
const (
	SourceAgent     = "agent"
	SourceTools     = "tools"
	SourceConnwatch = "connwatch"
)

// Kinds describe the event within a source.
const (
	// KindRunStarted: run_id, thread_id, model.
	KindRunStarted = "run_started"
	// KindRunStatus signals a status transition.
	// Data: run_id, thread_id, status, iteration.
	KindRunStatus = "run_status"
	// KindLLMCall: run_id, thread_id, iteration, model, messages,
	// tokens, budget, summary.
	KindLLMCall = "llm_call"
	// KindLLMResponse: run_id, thread_id, iteration, finish_reason,
	// tool_calls, tokens_in, tokens_out.
	KindLLMResponse = "llm_response"
	// KindLLMRetry announces another attempt at the same completion.
	// Deltas streamed since the last llm_call or llm_retry of the run
	// are void. Data: run_id, thread_id, attempt, delay_ms, error.
	KindLLMRetry = "llm_retry"
	// KindContentDelta carries streamed visible text.
	// Data: run_id, thread_id, text.
	KindContentDelta = "content_delta"
	// KindThinkingDelta carries streamed reasoning.
	// Data: run_id, thread_id, text.
	KindThinkingDelta = "thinking_delta"
	// KindToolCall signals the start of a tool execution.
	// Data: run_id, thread_id, call_id, tool.
	KindToolCall = "tool_call"
	// KindToolDone signals completion of a tool execution.
	// Data: run_id, thread_id, call_id, tool, success, code, duration_ms.
	KindToolDone = "tool_done"
	// KindRunFinished is published exactly once per run.
	// Data: run_id, thread_id, status, terminal_reason, iterations,
	// tokens_in, tokens_out, elapsed_ms.
	KindRunFinished = "run_finished"

	// KindBackendUp and KindBackendDown report tool backend health.
	// Data: backend, and error on down.
	KindBackendUp   = "backend_up"
	KindBackendDown = "backend_down"
)

// IsLifecycle reports whether kind is a run state change rather than a
// streaming delta. High-volume consumers filter on it.
func IsLifecycle(kind string) bool {
	switch kind {
	case KindContentDelta, KindThinkingDelta:
		return false
	}
	return true
}

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs. This allows
	// Unsubscribe to accept <-chan Event (the caller's view) without
	// an illegal type conversion.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full; drop the event.
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// bufSize controls the channel buffer; 64 is a reasonable default for
// WebSocket consumers.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// Emit publishes an event stamped with the current time.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	if b == nil {
		return
	}
	b.Publish(Event{Timestamp: time.Now(), Source: source, Kind: kind, Data: data})
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
