package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/agentcore/internal/events"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
	wsBuffer       = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The API carries no ambient credentials; any origin may watch.
	CheckOrigin: func(*http.Request) bool { return true },
}

// eventFilter selects which bus events a subscriber receives.
type eventFilter struct {
	runID    string
	threadID string
	deltas   bool
}

func filterFromRequest(r *http.Request) eventFilter {
	q := r.URL.Query()
	return eventFilter{
		runID:    q.Get("run_id"),
		threadID: q.Get("thread_id"),
		deltas:   q.Get("deltas") == "true" || q.Get("deltas") == "1",
	}
}

func (f eventFilter) match(e events.Event) bool {
	if !f.deltas && !events.IsLifecycle(e.Kind) {
		return false
	}
	if f.runID != "" {
		if id, _ := e.Data["run_id"].(string); id != f.runID {
			return false
		}
	}
	if f.threadID != "" {
		if id, _ := e.Data["thread_id"].(string); id != f.threadID {
			return false
		}
	}
	return true
}

// handleEvents streams bus events as JSON text frames. Query parameters
// run_id and thread_id narrow the stream; deltas=true adds streamed
// content and thinking text.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Events == nil {
		s.errorResponse(w, http.StatusNotFound, "event stream is disabled")
		return
	}
	filter := filterFromRequest(r)

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer ws.Close()

	ch := s.deps.Events.Subscribe(wsBuffer)
	defer s.deps.Events.Unsubscribe(ch)

	s.logger.Debug("event stream opened",
		"remote", r.RemoteAddr,
		"run", filter.runID,
		"thread", filter.threadID,
		"subscribers", s.deps.Events.SubscriberCount(),
	)

	// The reader only exists to notice the peer going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(time.Second))
			return
		case <-ping.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
		case e, ok := <-ch:
			if !ok {
				return
			}
			if !filter.match(e) {
				continue
			}
			_ = ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := ws.WriteJSON(e); err != nil {
				s.logger.Debug("event stream write failed", "error", err)
				return
			}
		}
	}
}
