package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nugget/agentcore/internal/config"
	"github.com/nugget/agentcore/internal/connwatch"
	"github.com/nugget/agentcore/internal/tools"
)

// Backend returns the tool backend name for an MCP server.
func Backend(server string) string {
	return "mcp:" + server
}

// ToolName returns the registry name for a server's tool:
// mcp_{server}_{tool}, both parts reduced to [a-z0-9_].
func ToolName(server, tool string) string {
	return "mcp_" + sanitize(server) + "_" + sanitize(tool)
}

func sanitize(s string) string {
	var b strings.Builder
	underscore := true
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			underscore = false
			continue
		}
		if !underscore {
			b.WriteByte('_')
			underscore = true
		}
	}
	return strings.TrimSuffix(b.String(), "_")
}

// Bridge registers every tool of client on reg. Tools report available
// through available, which may be nil. It returns how many tools were
// registered; name collisions are logged and skipped.
func Bridge(ctx context.Context, client *Client, reg *tools.Registry, concurrentSafe bool, available func() bool, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}
	defs, err := client.ListTools(ctx)
	if err != nil {
		return 0, fmt.Errorf("list tools of %s: %w", client.Name(), err)
	}

	n := 0
	for _, def := range defs {
		t := bridgeTool(client, def, concurrentSafe, available)
		if err := reg.Register(t); err != nil {
			if errors.Is(err, tools.ErrDuplicateToolName) {
				logger.Warn("mcp tool name collides, skipped", "tool", t.Name, "mcp_name", def.Name)
				continue
			}
			return n, err
		}
		n++
		logger.Debug("bridged mcp tool", "tool", t.Name, "mcp_name", def.Name)
	}
	return n, nil
}

func bridgeTool(client *Client, def ToolDefinition, concurrentSafe bool, available func() bool) *tools.Tool {
	remote := def.Name
	desc := def.Description
	if desc == "" {
		desc = fmt.Sprintf("%s tool from MCP server %s.", remote, client.Name())
	}
	return &tools.Tool{
		Name:           ToolName(client.Name(), remote),
		Description:    desc,
		Parameters:     def.InputSchema,
		ConcurrentSafe: concurrentSafe,
		Backend:        Backend(client.Name()),
		Available:      available,
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			return client.CallTool(ctx, remote, args)
		},
	}
}

// Connect starts the server described by cfg, bridges its tools and,
// when watch is set, ties their availability to a health watcher that
// pings the server.
func Connect(ctx context.Context, cfg config.MCPServerConfig, reg *tools.Registry, watch *connwatch.Manager, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "mcp", "mcp_server", cfg.Name)

	transport, err := NewTransport(cfg, logger)
	if err != nil {
		return nil, err
	}
	client := NewClient(cfg.Name, transport, logger)
	if err := client.Initialize(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("mcp server %s: %w", cfg.Name, err)
	}

	var available func() bool
	if watch != nil {
		available = watch.Available(Backend(cfg.Name))
	}
	n, err := Bridge(ctx, client, reg, cfg.ConcurrentSafe, available, logger)
	if err != nil {
		client.Close()
		return nil, err
	}

	if watch != nil {
		watch.Watch(ctx, connwatch.Spec{
			Name:  Backend(cfg.Name),
			Probe: client.Ping,
		})
	}
	logger.Info("mcp server connected", "tools", n)
	return client, nil
}
