package mcp

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nugget/agentcore/internal/config"
)

// Transport carries JSON-RPC messages to one MCP server.
type Transport interface {
	// Send delivers req and waits for the response with the same id.
	Send(ctx context.Context, req *Request) (*Response, error)
	// Notify delivers a message that has no response.
	Notify(ctx context.Context, n *Notification) error
	Close() error
}

// NewTransport builds the transport named by cfg.Transport. An empty
// transport means stdio when a command is set and http otherwise.
func NewTransport(cfg config.MCPServerConfig, logger *slog.Logger) (Transport, error) {
	kind := cfg.Transport
	if kind == "" {
		kind = "http"
		if cfg.Command != "" {
			kind = "stdio"
		}
	}
	switch kind {
	case "stdio":
		if cfg.Command == "" {
			return nil, fmt.Errorf("mcp server %q: stdio transport needs a command", cfg.Name)
		}
		return NewStdioTransport(cfg.Command, cfg.Args, cfg.Env, logger), nil
	case "http":
		if cfg.URL == "" {
			return nil, fmt.Errorf("mcp server %q: http transport needs a url", cfg.Name)
		}
		return NewHTTPTransport(cfg.URL, cfg.Headers, logger), nil
	default:
		return nil, fmt.Errorf("mcp server %q: unknown transport %q", cfg.Name, kind)
	}
}
