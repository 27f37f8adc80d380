// Package processor turns a streamed model response into separate
// content, reasoning and tool-call channels.
//
// Tool-call arguments arrive as JSON fragments keyed by call index.
// They are buffered until the provider marks the call complete or the
// stream ends, then parsed once. A call whose arguments do not parse is
// reported on its own and does not abort the stream.
package processor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/nugget/agentcore/internal/llm"
	"github.com/nugget/agentcore/internal/tools"
)

// ErrMalformedToolCall marks a tool call whose accumulated arguments
// are not a JSON object.
var ErrMalformedToolCall = errors.New("malformed tool call")

// MalformedToolCallError describes one unparsable tool call.
type MalformedToolCallError struct {
	Index     int
	ID        string
	Name      string
	Arguments string
	Err       error
}

func (e *MalformedToolCallError) Error() string {
	return fmt.Sprintf("tool call %d (%s %s): %v", e.Index, e.Name, e.ID, e.Err)
}

// Is reports ErrMalformedToolCall so callers can match with errors.Is.
func (e *MalformedToolCallError) Is(target error) bool {
	return target == ErrMalformedToolCall
}

func (e *MalformedToolCallError) Unwrap() error { return e.Err }

// State is the processor's position in the stream.
type State string

const (
	StateIdle          State = "idle"
	StateAwaitingChunk State = "awaiting_chunk"
	StateContent       State = "emitting_content"
	StateThinking      State = "emitting_thinking"
	StateToolCall      State = "accumulating_tool_call"
	StateClosed        State = "stream_closed"
)

// EventKind classifies an emitted event.
type EventKind string

const (
	EventContent           EventKind = "content"
	EventThinking          EventKind = "thinking"
	EventToolCall          EventKind = "tool_call"
	EventMalformedToolCall EventKind = "malformed_tool_call"
	EventUsage             EventKind = "usage"
)

// Event is one item on an output channel. Only the field matching Kind
// is set.
type Event struct {
	Kind      EventKind
	Text      string
	ToolCall  *llm.ToolCall
	Malformed *MalformedToolCallError
	Usage     *llm.Usage
}

// Sink receives events as they are produced.
type Sink func(Event)

// UsageReporter receives token counts once per completed stream.
type UsageReporter interface {
	ReportUsage(ctx context.Context, usage llm.Usage)
}

// UsageReporterFunc adapts a function to UsageReporter.
type UsageReporterFunc func(ctx context.Context, usage llm.Usage)

// ReportUsage calls f.
func (f UsageReporterFunc) ReportUsage(ctx context.Context, usage llm.Usage) { f(ctx, usage) }

// Response is the aggregate of one processed stream.
type Response struct {
	Content  string
	Thinking string
	// ThinkingSignature is the provider's signature over Thinking, when
	// the provider signs reasoning. The last one seen wins.
	ThinkingSignature string
	ToolCalls         []llm.ToolCall
	Malformed         []*MalformedToolCallError
	Usage             llm.Usage
	HasUsage          bool
	FinishReason      string
}

// pendingCall buffers the fragments of one tool call.
type pendingCall struct {
	index int
	order int // first-seen position, for stable output
	id    string
	name  string
	args  strings.Builder
	done  bool
}

// Processor consumes one stream. It is not safe for concurrent use and
// should not be reused across streams.
type Processor struct {
	sink     Sink
	reporter UsageReporter
	logger   *slog.Logger

	state    State
	content  strings.Builder
	thinking strings.Builder
	pending  map[int]*pendingCall
	seen     int
	resp     Response
}

// Option configures a Processor.
type Option func(*Processor)

// WithSink sets the event sink.
func WithSink(s Sink) Option { return func(p *Processor) { p.sink = s } }

// WithUsageReporter sets the usage side channel.
func WithUsageReporter(r UsageReporter) Option { return func(p *Processor) { p.reporter = r } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(p *Processor) { p.logger = l } }

// New creates a processor in the idle state.
func New(opts ...Option) *Processor {
	p := &Processor{
		state:   StateIdle,
		pending: make(map[int]*pendingCall),
	}
	for _, o := range opts {
		o(p)
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	p.logger = p.logger.With("component", "processor")
	return p
}

// State returns the current state.
func (p *Processor) State() State { return p.state }

func (p *Processor) emit(e Event) {
	if p.sink != nil {
		p.sink(e)
	}
}

// Process drains stream and returns the aggregated response. The stream
// is closed before returning. Transport errors are returned as-is;
// malformed tool calls are collected on the response instead.
func Process(ctx context.Context, stream llm.Stream, opts ...Option) (*Response, error) {
	return New(opts...).Run(ctx, stream)
}

// Run drains stream. See Process.
func (p *Processor) Run(ctx context.Context, stream llm.Stream) (*Response, error) {
	defer stream.Close()

	for {
		if err := ctx.Err(); err != nil {
			p.state = StateClosed
			return nil, err
		}

		p.state = StateAwaitingChunk
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			p.state = StateClosed
			return nil, err
		}
		p.Feed(chunk)
	}

	return p.Finish(ctx), nil
}

// Feed classifies one chunk. Reasoning, content and tool deltas in the
// same chunk are all handled, in that order.
func (p *Processor) Feed(chunk llm.Chunk) {
	if chunk.Reasoning != "" {
		p.state = StateThinking
		p.thinking.WriteString(chunk.Reasoning)
		p.emit(Event{Kind: EventThinking, Text: chunk.Reasoning})
	}
	if chunk.ReasoningSignature != "" {
		p.resp.ThinkingSignature = chunk.ReasoningSignature
	}
	if chunk.Content != "" {
		p.state = StateContent
		p.content.WriteString(chunk.Content)
		p.emit(Event{Kind: EventContent, Text: chunk.Content})
	}
	for _, d := range chunk.ToolCalls {
		p.state = StateToolCall
		p.accumulate(d)
	}
	if chunk.FinishReason != "" {
		p.resp.FinishReason = chunk.FinishReason
	}
	if chunk.Usage != nil {
		// Providers may send running totals; the last one wins.
		p.resp.Usage = *chunk.Usage
		p.resp.HasUsage = true
	}
}

func (p *Processor) accumulate(d llm.ToolCallDelta) {
	pc, ok := p.pending[d.Index]
	if !ok {
		pc = &pendingCall{index: d.Index, order: p.seen}
		p.seen++
		p.pending[d.Index] = pc
	}
	if pc.done {
		p.logger.Warn("fragment for finalized tool call ignored", "index", d.Index, "id", pc.id)
		return
	}
	if d.ID != "" {
		pc.id = d.ID
	}
	if d.Name != "" {
		pc.name = d.Name
	}
	pc.args.WriteString(d.Arguments)
	if d.Done {
		p.finalize(pc)
	}
}

// finalize parses a buffered call and emits it on the tool-call or
// malformed channel.
func (p *Processor) finalize(pc *pendingCall) {
	pc.done = true
	if pc.id == "" {
		id, err := uuid.NewV7()
		if err != nil {
			id = uuid.New()
		}
		pc.id = "call_" + id.String()
	}

	raw := strings.TrimSpace(pc.args.String())
	args, err := tools.DecodeArguments(raw)
	if err == nil && pc.name == "" {
		err = errors.New("missing tool name")
	}
	if err != nil {
		m := &MalformedToolCallError{
			Index:     pc.index,
			ID:        pc.id,
			Name:      pc.name,
			Arguments: raw,
			Err:       err,
		}
		p.resp.Malformed = append(p.resp.Malformed, m)
		p.logger.Warn("malformed tool call", "index", pc.index, "name", pc.name, "id", pc.id, "error", err)
		p.emit(Event{Kind: EventMalformedToolCall, Malformed: m})
		return
	}

	tc := llm.ToolCall{ID: pc.id, Name: pc.name, Arguments: args}
	p.resp.ToolCalls = append(p.resp.ToolCalls, tc)
	p.emit(Event{Kind: EventToolCall, ToolCall: &tc})
}

// Finish finalizes any open tool calls in first-seen order, reports
// usage and returns the response. The processor is closed afterwards.
func (p *Processor) Finish(ctx context.Context) *Response {
	open := make([]*pendingCall, 0, len(p.pending))
	for _, pc := range p.pending {
		if !pc.done {
			open = append(open, pc)
		}
	}
	sort.Slice(open, func(i, j int) bool { return open[i].order < open[j].order })
	for _, pc := range open {
		p.finalize(pc)
	}

	p.resp.Content = p.content.String()
	p.resp.Thinking = p.thinking.String()

	if p.resp.HasUsage {
		u := p.resp.Usage
		p.emit(Event{Kind: EventUsage, Usage: &u})
		if p.reporter != nil {
			p.reporter.ReportUsage(ctx, u)
		}
	}

	if p.resp.FinishReason == "" {
		if len(p.resp.ToolCalls) > 0 {
			p.resp.FinishReason = llm.FinishToolCalls
		} else {
			p.resp.FinishReason = llm.FinishStop
		}
	}

	p.state = StateClosed
	resp := p.resp
	return &resp
}
