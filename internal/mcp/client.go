package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/nugget/agentcore/internal/buildinfo"
)

const protocolVersion = "2025-03-26"

// ErrToolFailed wraps an error reported by an MCP tool with isError.
var ErrToolFailed = errors.New("mcp tool reported an error")

// ToolDefinition is one entry of tools/list.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// ServerInfo identifies the server after Initialize.
type ServerInfo struct {
	Name            string `json:"name"`
	Version         string `json:"version"`
	ProtocolVersion string `json:"-"`
}

type contentBlock struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// Client speaks MCP to one server.
type Client struct {
	name      string
	transport Transport
	logger    *slog.Logger
	ids       atomic.Int64

	mu   sync.RWMutex
	info ServerInfo
}

// NewClient returns a client for the server called name.
func NewClient(name string, transport Transport, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		name:      name,
		transport: transport,
		logger:    logger.With("mcp_server", name),
	}
}

// Name returns the configured server name.
func (c *Client) Name() string { return c.name }

// Info returns what the server reported during Initialize.
func (c *Client) Info() ServerInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.info
}

func (c *Client) call(ctx context.Context, method string, params, result any) error {
	resp, err := c.transport.Send(ctx, NewRequest(c.ids.Add(1), method, params))
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	if resp.Error != nil {
		return fmt.Errorf("%s: %w", method, resp.Error)
	}
	if result == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Result, result); err != nil {
		return fmt.Errorf("%s: decode result: %w", method, err)
	}
	return nil
}

// Initialize performs the handshake and sends notifications/initialized.
func (c *Client) Initialize(ctx context.Context) error {
	var res struct {
		ProtocolVersion string     `json:"protocolVersion"`
		ServerInfo      ServerInfo `json:"serverInfo"`
	}
	params := map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo":      map[string]any{"name": "agentcore", "version": buildinfo.Version},
	}
	if err := c.call(ctx, "initialize", params, &res); err != nil {
		return err
	}

	info := res.ServerInfo
	info.ProtocolVersion = res.ProtocolVersion
	c.mu.Lock()
	c.info = info
	c.mu.Unlock()

	c.logger.Info("mcp server initialized",
		"server_name", info.Name,
		"server_version", info.Version,
		"protocol", info.ProtocolVersion,
	)
	return c.transport.Notify(ctx, NewNotification("notifications/initialized", nil))
}

// ListTools returns every tool the server offers, following pagination.
func (c *Client) ListTools(ctx context.Context) ([]ToolDefinition, error) {
	var all []ToolDefinition
	cursor := ""
	for {
		var params any
		if cursor != "" {
			params = map[string]any{"cursor": cursor}
		}
		var page struct {
			Tools      []ToolDefinition `json:"tools"`
			NextCursor string           `json:"nextCursor"`
		}
		if err := c.call(ctx, "tools/list", params, &page); err != nil {
			return nil, err
		}
		all = append(all, page.Tools...)
		if page.NextCursor == "" || page.NextCursor == cursor {
			return all, nil
		}
		cursor = page.NextCursor
	}
}

// CallTool invokes a tool and returns its content as text. A result
// flagged isError becomes an error wrapping ErrToolFailed.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	var res struct {
		Content []contentBlock `json:"content"`
		IsError bool           `json:"isError"`
	}
	if err := c.call(ctx, "tools/call", map[string]any{"name": name, "arguments": args}, &res); err != nil {
		return "", err
	}
	text := joinContent(res.Content)
	if res.IsError {
		return "", fmt.Errorf("%w: %s", ErrToolFailed, text)
	}
	return text, nil
}

// Ping checks that the server answers.
func (c *Client) Ping(ctx context.Context) error {
	return c.call(ctx, "ping", nil, nil)
}

// Close closes the transport.
func (c *Client) Close() error {
	return c.transport.Close()
}

// joinContent flattens content blocks. Non-text blocks become a marker
// naming their type.
func joinContent(blocks []contentBlock) string {
	parts := make([]string, 0, len(blocks))
	for _, b := range blocks {
		switch {
		case b.Type == "text":
			parts = append(parts, b.Text)
		case b.MimeType != "":
			parts = append(parts, fmt.Sprintf("[%s %s]", b.Type, b.MimeType))
		default:
			parts = append(parts, "["+b.Type+"]")
		}
	}
	return strings.Join(parts, "\n")
}
