// Package tools provides the tool registry and execution framework.
//
// Tools are registered once at startup and dispatched by name. Invoke
// never returns an error: every failure mode (unknown tool, disabled
// backend, bad arguments, handler error, panic, timeout) becomes a
// failed [Result] that is fed back to the model.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/nugget/agentcore/internal/llm"
)

// Handler executes a tool with decoded arguments and returns its
// textual payload.
type Handler func(ctx context.Context, args map[string]any) (string, error)

// Tool represents a callable tool.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
	Handler     Handler        `json:"-"`

	// ConcurrentSafe allows the tool to run in parallel with other
	// concurrent-safe calls from the same model turn.
	ConcurrentSafe bool `json:"concurrent_safe"`

	// Backend names the external primitive the tool depends on
	// ("sandbox", "browser", "mcp:<server>"). Empty means local.
	Backend string `json:"backend,omitempty"`

	// Available reports whether the backend is reachable right now.
	// Nil means always available.
	Available func() bool `json:"-"`
}

// Result is the outcome of one tool invocation.
type Result struct {
	CallID   string        `json:"call_id"`
	ToolName string        `json:"tool_name"`
	Success  bool          `json:"success"`
	Payload  string        `json:"payload,omitempty"`
	Error    string        `json:"error,omitempty"`
	Code     string        `json:"code,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Content returns the text shown to the model for this result.
func (r Result) Content() string {
	if r.Success {
		return r.Payload
	}
	if r.Code != "" {
		return fmt.Sprintf("error (%s): %s", r.Code, r.Error)
	}
	return "error: " + r.Error
}

// Registry holds available tools. Registration happens at startup;
// dispatch takes a read lock only.
type Registry struct {
	mu       sync.RWMutex
	tools    map[string]*Tool
	disabled map[string]bool
	logger   *slog.Logger
}

// NewRegistry creates an empty tool registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:    make(map[string]*Tool),
		disabled: make(map[string]bool),
		logger:   logger.With("component", "tools"),
	}
}

// Register adds a tool to the registry. It fails with
// ErrDuplicateToolName when the name is already taken.
func (r *Registry) Register(t *Tool) error {
	if t == nil || t.Name == "" {
		return fmt.Errorf("register tool: name is required")
	}
	if t.Handler == nil {
		return fmt.Errorf("register tool %q: handler is required", t.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name]; exists {
		return fmt.Errorf("register tool %q: %w", t.Name, ErrDuplicateToolName)
	}
	r.tools[t.Name] = t
	return nil
}

// Resolve returns the tool registered under name.
func (r *Registry) Resolve(name string) (*Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	if !ok {
		return nil, &Error{Code: CodeNotFound, Tool: name, Err: ErrToolNotFound}
	}
	return t, nil
}

// SetEnabled toggles whether a registered tool is advertised and
// dispatchable.
func (r *Registry) SetEnabled(name string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[name]; !ok {
		return &Error{Code: CodeNotFound, Tool: name, Err: ErrToolNotFound}
	}
	if enabled {
		delete(r.disabled, name)
	} else {
		r.disabled[name] = true
	}
	return nil
}

// usable reports whether t is enabled and its backend is reachable.
// Callers must hold r.mu.
func (r *Registry) usable(t *Tool) (bool, string) {
	if r.disabled[t.Name] {
		return false, CodeDisabled
	}
	if t.Available != nil && !t.Available() {
		return false, CodeUnavailable
	}
	return true, ""
}

// Schemas returns the schemas of every enabled, available tool sorted
// by name.
func (r *Registry) Schemas() []llm.ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]llm.ToolSchema, 0, len(r.tools))
	for _, t := range r.tools {
		if ok, _ := r.usable(t); !ok {
			continue
		}
		params := t.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out = append(out, llm.ToolSchema{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  params,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Info describes a registered tool for listings.
type Info struct {
	Name           string `json:"name"`
	Description    string `json:"description"`
	Backend        string `json:"backend,omitempty"`
	ConcurrentSafe bool   `json:"concurrent_safe"`
	Enabled        bool   `json:"enabled"`
	Available      bool   `json:"available"`
}

// List returns every registered tool, including disabled ones, sorted
// by name.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Info, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, Info{
			Name:           t.Name,
			Description:    t.Description,
			Backend:        t.Backend,
			ConcurrentSafe: t.ConcurrentSafe,
			Enabled:        !r.disabled[t.Name],
			Available:      t.Available == nil || t.Available(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// IsConcurrentSafe reports the concurrency metadata of a tool.
// Unknown tools are treated as unsafe.
func (r *Registry) IsConcurrentSafe(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return ok && t.ConcurrentSafe
}

// Invoke resolves and runs a tool call under timeout. A zero timeout
// relies on ctx alone. The returned Result is always populated.
func (r *Registry) Invoke(ctx context.Context, call llm.ToolCall, timeout time.Duration) Result {
	start := time.Now()
	res := r.invoke(ctx, call, timeout)
	res.CallID = call.ID
	res.ToolName = call.Name
	res.Duration = time.Since(start)

	log := r.logger.With("tool", call.Name, "call_id", call.ID, "duration", res.Duration.Round(time.Millisecond))
	if res.Success {
		log.Debug("tool call succeeded")
	} else {
		log.Warn("tool call failed", "code", res.Code, "error", res.Error)
	}
	return res
}

func (r *Registry) invoke(ctx context.Context, call llm.ToolCall, timeout time.Duration) Result {
	r.mu.RLock()
	t, ok := r.tools[call.Name]
	var usable bool
	var code string
	if ok {
		usable, code = r.usable(t)
	}
	r.mu.RUnlock()

	if !ok {
		return failure(&Error{Code: CodeNotFound, Tool: call.Name, Err: ErrToolNotFound})
	}
	if !usable {
		return failure(&Error{Code: code, Tool: call.Name, Err: ErrToolUnavailable})
	}
	if err := validateArguments(t.Parameters, call.Arguments); err != nil {
		return failure(&Error{Code: CodeInvalidArguments, Tool: call.Name, Err: err})
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type outcome struct {
		payload string
		err     error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				r.logger.Error("tool handler panicked",
					"tool", call.Name,
					"panic", p,
					"stack", string(debug.Stack()),
				)
				done <- outcome{err: &Error{Code: CodePanic, Tool: call.Name, Err: fmt.Errorf("panic: %v", p)}}
			}
		}()
		args := call.Arguments
		if args == nil {
			args = map[string]any{}
		}
		payload, err := t.Handler(ctx, args)
		done <- outcome{payload: payload, err: err}
	}()

	// Handlers that ignore ctx are abandoned on timeout; the buffered
	// channel lets their goroutine exit when they eventually return.
	select {
	case out := <-done:
		if out.err != nil {
			var te *Error
			if errors.As(out.err, &te) {
				return failure(te)
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return failure(contextError(call.Name, ctxErr))
			}
			return failure(&Error{Code: CodeHandler, Tool: call.Name, Err: out.err})
		}
		return Result{Success: true, Payload: out.payload}
	case <-ctx.Done():
		return failure(contextError(call.Name, ctx.Err()))
	}
}

func contextError(tool string, err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Code: CodeTimeout, Tool: tool, Err: err}
	}
	return &Error{Code: CodeCanceled, Tool: tool, Err: err}
}

func failure(e *Error) Result {
	return Result{Success: false, Code: e.Code, Error: e.Error()}
}

// validateArguments checks that every required property is present.
// Full JSON schema validation is left to handlers.
func validateArguments(schema map[string]any, args map[string]any) error {
	for _, name := range requiredProperties(schema) {
		if _, ok := args[name]; !ok {
			return fmt.Errorf("missing required argument %q", name)
		}
	}
	return nil
}

func requiredProperties(schema map[string]any) []string {
	switch v := schema["required"].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, r := range v {
			if s, ok := r.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// DecodeArguments parses a JSON object of tool arguments. An empty
// string decodes to an empty map.
func DecodeArguments(raw string) (map[string]any, error) {
	args := map[string]any{}
	if raw == "" {
		return args, nil
	}
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	return args, nil
}
