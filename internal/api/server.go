// Package api implements the HTTP run-control API and the WebSocket
// event stream.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/nugget/agentcore/internal/agent"
	"github.com/nugget/agentcore/internal/buildinfo"
	"github.com/nugget/agentcore/internal/connwatch"
	"github.com/nugget/agentcore/internal/events"
	"github.com/nugget/agentcore/internal/models"
	"github.com/nugget/agentcore/internal/store"
	"github.com/nugget/agentcore/internal/tools"
	"github.com/nugget/agentcore/internal/usage"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// RunController starts, cancels and reports runs.
type RunController interface {
	StartRun(ctx context.Context, threadID, input string, ro agent.RunOptions) (*agent.Run, error)
	CancelRun(ctx context.Context, runID string) error
	RunStatus(ctx context.Context, runID string) (*agent.Run, error)
}

// ToolLister lists registered tools.
type ToolLister interface {
	List() []tools.Info
}

// BackendStatus reports the health of watched backends.
type BackendStatus interface {
	Status() []connwatch.ServiceStatus
}

// Deps are the server's collaborators. Models, Usage, Events and
// Backends may be nil; the matching routes then report empty results
// or 404.
type Deps struct {
	Runs     RunController
	Store    store.Store
	Tools    ToolLister
	Models   *models.Registry
	Usage    *usage.Store
	Events   *events.Bus
	Backends BackendStatus
	Logger   *slog.Logger
}

// Server is the HTTP API server.
type Server struct {
	address string
	port    int
	deps    Deps
	logger  *slog.Logger

	mu     sync.Mutex
	server *http.Server
}

// NewServer creates a server listening on address:port.
func NewServer(address string, port int, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address: address,
		port:    port,
		deps:    deps,
		logger:  logger.With("component", "api"),
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Threads
	mux.HandleFunc("POST /v1/threads", s.handleThreadCreate)
	mux.HandleFunc("GET /v1/threads/{id}", s.handleThreadGet)
	mux.HandleFunc("GET /v1/threads/{id}/messages", s.handleThreadMessages)
	mux.HandleFunc("GET /v1/threads/{id}/tool-calls", s.handleThreadToolCalls)

	// Runs
	mux.HandleFunc("POST /v1/threads/{id}/runs", s.handleRunStart)
	mux.HandleFunc("GET /v1/runs/{id}", s.handleRunGet)
	mux.HandleFunc("POST /v1/runs/{id}/cancel", s.handleRunCancel)
	mux.HandleFunc("GET /v1/runs/{id}/usage", s.handleRunUsage)

	// Catalog
	mux.HandleFunc("GET /v1/tools", s.handleTools)
	mux.HandleFunc("GET /v1/models", s.handleModels)

	// Event stream
	mux.HandleFunc("GET /v1/events", s.handleEvents)

	// Health endpoints
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests. It blocks until the server stops.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}
	s.mu.Lock()
	s.server = srv
	s.mu.Unlock()

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()
	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) respond(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, v, s.logger)
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	s.respond(w, code, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	})
}

// storeError maps a domain error to an HTTP status.
func (s *Server) storeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrThreadNotFound),
		errors.Is(err, store.ErrRunNotFound),
		errors.Is(err, agent.ErrRunNotFound):
		s.errorResponse(w, http.StatusNotFound, err.Error())
	case errors.Is(err, agent.ErrRunActive):
		s.errorResponse(w, http.StatusConflict, err.Error())
	case errors.Is(err, models.ErrUnknownModel), errors.Is(err, models.ErrModelDisabled):
		s.errorResponse(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("request failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return false
	}
	return true
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	s.respond(w, http.StatusOK, buildinfo.Info())
}

// HealthResponse is the body of GET /health. A backend that is down
// degrades the status but never fails the check.
type HealthResponse struct {
	Status   string                    `json:"status"`
	Backends []connwatch.ServiceStatus `json:"backends,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := HealthResponse{Status: "healthy"}
	if s.deps.Backends != nil {
		resp.Backends = s.deps.Backends.Status()
		for _, b := range resp.Backends {
			if !b.Ready {
				resp.Status = "degraded"
			}
		}
	}
	s.respond(w, http.StatusOK, resp)
}

// --- Threads ---

// CreateThreadRequest is the body of POST /v1/threads.
type CreateThreadRequest struct {
	AccountID string `json:"account_id"`
}

func (s *Server) handleThreadCreate(w http.ResponseWriter, r *http.Request) {
	var req CreateThreadRequest
	if r.ContentLength != 0 && !s.decode(w, r, &req) {
		return
	}
	th, err := s.deps.Store.CreateThread(r.Context(), req.AccountID)
	if err != nil {
		s.storeError(w, err)
		return
	}
	s.respond(w, http.StatusCreated, th)
}

func (s *Server) handleThreadGet(w http.ResponseWriter, r *http.Request) {
	th, err := s.deps.Store.GetThread(r.Context(), r.PathValue("id"))
	if err != nil {
		s.storeError(w, err)
		return
	}
	s.respond(w, http.StatusOK, th)
}

// MessagesResponse is the body of GET /v1/threads/{id}/messages.
type MessagesResponse struct {
	Messages []store.Message `json:"messages"`
	// Next is the sequence number to pass as from to continue, or 0
	// when the page was not full.
	Next int64 `json:"next,omitempty"`
}

func (s *Server) handleThreadMessages(w http.ResponseWriter, r *http.Request) {
	opts := store.ReadOptions{}
	q := r.URL.Query()
	if v := q.Get("from"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			s.errorResponse(w, http.StatusBadRequest, "from must be a non-negative integer")
			return
		}
		opts.From = n
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.errorResponse(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		opts.Limit = n
	}

	msgs, err := store.ReadAll(r.Context(), s.deps.Store, r.PathValue("id"), opts)
	if err != nil {
		s.storeError(w, err)
		return
	}
	resp := MessagesResponse{Messages: msgs}
	if resp.Messages == nil {
		resp.Messages = []store.Message{}
	}
	if opts.Limit > 0 && len(msgs) == opts.Limit {
		resp.Next = msgs[len(msgs)-1].Seq + 1
	}
	s.respond(w, http.StatusOK, resp)
}

func (s *Server) handleThreadToolCalls(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.deps.Store.GetThread(r.Context(), id); err != nil {
		s.storeError(w, err)
		return
	}
	recs, err := s.deps.Store.ToolCalls(r.Context(), id)
	if err != nil {
		s.storeError(w, err)
		return
	}
	if recs == nil {
		recs = []store.ToolCallRecord{}
	}
	s.respond(w, http.StatusOK, map[string]any{"tool_calls": recs})
}

// --- Runs ---

// StartRunRequest is the body of POST /v1/threads/{id}/runs.
type StartRunRequest struct {
	Input         string `json:"input"`
	Model         string `json:"model,omitempty"`
	MaxIterations int    `json:"max_iterations,omitempty"`
}

func (s *Server) handleRunStart(w http.ResponseWriter, r *http.Request) {
	var req StartRunRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Input == "" {
		s.errorResponse(w, http.StatusBadRequest, "input is required")
		return
	}
	if req.MaxIterations < 0 {
		s.errorResponse(w, http.StatusBadRequest, "max_iterations must not be negative")
		return
	}

	run, err := s.deps.Runs.StartRun(r.Context(), r.PathValue("id"), req.Input, agent.RunOptions{
		Model:         req.Model,
		MaxIterations: req.MaxIterations,
	})
	if err != nil {
		s.storeError(w, err)
		return
	}
	w.Header().Set("Location", "/v1/runs/"+run.ID)
	s.respond(w, http.StatusAccepted, run)
}

func (s *Server) handleRunGet(w http.ResponseWriter, r *http.Request) {
	run, err := s.deps.Runs.RunStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		s.storeError(w, err)
		return
	}
	s.respond(w, http.StatusOK, run)
}

func (s *Server) handleRunCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.deps.Runs.CancelRun(r.Context(), id); err != nil {
		s.storeError(w, err)
		return
	}
	run, err := s.deps.Runs.RunStatus(r.Context(), id)
	if err != nil {
		s.storeError(w, err)
		return
	}
	s.respond(w, http.StatusAccepted, run)
}

func (s *Server) handleRunUsage(w http.ResponseWriter, r *http.Request) {
	if s.deps.Usage == nil {
		s.errorResponse(w, http.StatusNotFound, "usage recording is disabled")
		return
	}
	sum, err := s.deps.Usage.RunSummary(r.Context(), r.PathValue("id"))
	if err != nil {
		s.storeError(w, err)
		return
	}
	s.respond(w, http.StatusOK, sum)
}

// --- Catalog ---

func (s *Server) handleTools(w http.ResponseWriter, _ *http.Request) {
	list := []tools.Info{}
	if s.deps.Tools != nil {
		list = append(list, s.deps.Tools.List()...)
	}
	s.respond(w, http.StatusOK, map[string]any{"tools": list})
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	list := []models.Model{}
	def := ""
	if s.deps.Models != nil {
		enabledOnly := r.URL.Query().Get("all") == ""
		list = append(list, s.deps.Models.All(enabledOnly)...)
		def = s.deps.Models.Default()
	}
	s.respond(w, http.StatusOK, map[string]any{"default": def, "models": list})
}
