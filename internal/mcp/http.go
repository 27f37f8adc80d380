package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/nugget/agentcore/internal/httpkit"
)

const (
	sessionHeader   = "Mcp-Session-Id"
	maxResponseSize = 10 << 20
)

// HTTPTransport speaks the streamable HTTP transport: each message is a
// POST, and the reply is either a JSON body or a text/event-stream
// whose data lines carry JSON-RPC messages.
type HTTPTransport struct {
	url     string
	headers map[string]string
	client  *http.Client
	logger  *slog.Logger

	mu        sync.RWMutex
	sessionID string
}

// NewHTTPTransport returns a transport posting to url with the extra
// headers on every request.
func NewHTTPTransport(url string, headers map[string]string, logger *slog.Logger) *HTTPTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPTransport{
		url:     url,
		headers: headers,
		// Tool calls are bounded by the caller's ctx.
		client: httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithRetry(2, 250*time.Millisecond),
			httpkit.WithLogger(logger),
		),
		logger: logger,
	}
}

func (t *HTTPTransport) post(ctx context.Context, msg any) (*http.Response, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
	t.mu.RLock()
	if t.sessionID != "" {
		req.Header.Set(sessionHeader, t.sessionID)
	}
	t.mu.RUnlock()

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post %s: %w", t.url, err)
	}
	if sid := resp.Header.Get(sessionHeader); sid != "" {
		t.mu.Lock()
		t.sessionID = sid
		t.mu.Unlock()
	}
	return resp, nil
}

// Send implements Transport.
func (t *HTTPTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	resp, err := t.post(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("mcp server returned HTTP %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 1024))
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	media, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if media == "text/event-stream" {
		return readEventStream(resp.Body, req.ID)
	}

	var out Response
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseSize)).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &out, nil
}

// readEventStream returns the first event whose JSON-RPC id matches.
// Server requests and notifications on the same stream are skipped.
func readEventStream(r io.Reader, id int64) (*Response, error) {
	sc := bufio.NewScanner(io.LimitReader(r, maxResponseSize))
	sc.Buffer(make([]byte, 0, 64<<10), maxResponseSize)

	var data strings.Builder
	flush := func() (*Response, bool) {
		defer data.Reset()
		if data.Len() == 0 {
			return nil, false
		}
		var resp Response
		if err := json.Unmarshal([]byte(data.String()), &resp); err != nil || resp.ID != id {
			return nil, false
		}
		return &resp, true
	}

	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			if resp, ok := flush(); ok {
				return resp, nil
			}
			continue
		}
		if v, ok := strings.CutPrefix(line, "data:"); ok {
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(v, " "))
		}
	}
	if resp, ok := flush(); ok {
		return resp, nil
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read event stream: %w", err)
	}
	return nil, fmt.Errorf("event stream ended without a response to request %d", id)
}

// Notify implements Transport.
func (t *HTTPTransport) Notify(ctx context.Context, n *Notification) error {
	resp, err := t.post(ctx, n)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("mcp server returned HTTP %d for %s: %s", resp.StatusCode, n.Method, httpkit.ReadErrorBody(resp.Body, 1024))
	}
	httpkit.DrainAndClose(resp.Body, 4096)
	return nil
}

// Close implements Transport. HTTP holds no per-server resources.
func (t *HTTPTransport) Close() error { return nil }
