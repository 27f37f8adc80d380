package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nugget/agentcore/internal/agent"
	"github.com/nugget/agentcore/internal/buildinfo"
	"github.com/nugget/agentcore/internal/config"
	"github.com/nugget/agentcore/internal/connwatch"
	"github.com/nugget/agentcore/internal/contextmgr"
	"github.com/nugget/agentcore/internal/events"
	"github.com/nugget/agentcore/internal/fetch"
	"github.com/nugget/agentcore/internal/llm"
	"github.com/nugget/agentcore/internal/mcp"
	"github.com/nugget/agentcore/internal/models"
	"github.com/nugget/agentcore/internal/processor"
	"github.com/nugget/agentcore/internal/search"
	"github.com/nugget/agentcore/internal/store"
	"github.com/nugget/agentcore/internal/tools"
	"github.com/nugget/agentcore/internal/usage"
)

// runtimeOptions selects the optional parts of a runtime.
type runtimeOptions struct {
	// mcp connects configured MCP servers and watches LLM providers.
	mcp bool
	// usage opens the usage database and records token counts.
	usage bool
}

// runtime is the assembled core shared by serve and ask.
type runtime struct {
	store  store.Store
	bus    *events.Bus
	tools  *tools.Registry
	models *models.Registry
	llm    *llm.MultiClient
	agent  *agent.Manager
	usage  *usage.Store
	watch  *connwatch.Manager
	mcp    []*mcp.Client
	logger *slog.Logger
}

// newRuntime wires the core around st. On error, everything opened so
// far except st is closed.
func newRuntime(ctx context.Context, cfg *config.Config, st store.Store, opts runtimeOptions, logger *slog.Logger) (rt *runtime, err error) {
	rt = &runtime{
		store:  st,
		bus:    events.New(),
		logger: logger,
	}
	rt.watch = connwatch.NewManager(rt.bus, logger)
	defer func() {
		if err != nil {
			rt.closeExtras()
		}
	}()

	rt.models, err = models.NewRegistry(cfg.Models)
	if err != nil {
		return nil, fmt.Errorf("model catalog: %w", err)
	}

	ollamaClient := llm.NewOllamaClient(cfg.Ollama.BaseURL, logger)
	rt.llm = createLLMClient(cfg, logger, ollamaClient)
	if opts.mcp && usesProvider(cfg, "ollama") {
		rt.watch.Watch(ctx, connwatch.Spec{
			Name:  "ollama",
			Probe: ollamaClient.Ping,
		})
	}

	// --- Tools ---
	rt.tools = tools.NewRegistry(logger)
	if err := registerBuiltinTools(rt.tools, cfg, logger); err != nil {
		return nil, err
	}
	if opts.mcp {
		for _, srv := range cfg.MCP.Servers {
			client, err := mcp.Connect(ctx, srv, rt.tools, rt.watch, logger)
			if err != nil {
				// A missing MCP server only removes its tools.
				logger.Error("mcp server unavailable", "mcp_server", srv.Name, "error", err)
				continue
			}
			rt.mcp = append(rt.mcp, client)
		}
	}

	// --- Usage ---
	var reporter processor.UsageReporter
	if opts.usage {
		path := cfg.ResolvePath(cfg.Usage.Path)
		rt.usage, err = usage.NewStore(path)
		if err != nil {
			return nil, fmt.Errorf("open usage database %s: %w", path, err)
		}
		reporter = usage.NewReporter(rt.usage, rt.llm.Provider, logger)
		if err := rt.tools.Register(usage.Tool(rt.usage)); err != nil {
			return nil, err
		}
		logger.Info("usage recording enabled", "path", path)
	}

	// --- Context manager ---
	windows := contextmgr.New(st, contextmgr.Options{
		KeepTurns:  cfg.Loop.KeepTurns,
		Summarizer: contextmgr.NewLLMSummarizer(rt.llm, rt.models.Default()),
	}, logger)

	// --- Agent ---
	rt.agent = agent.New(agent.Deps{
		Store:   st,
		Tools:   rt.tools,
		Windows: windows,
		LLM:     rt.llm,
		Models:  rt.models,
		Events:  rt.bus,
		Usage:   reporter,
		Logger:  logger,
	}, agent.Options{
		Model:         rt.models.Default(),
		MaxIterations: cfg.Loop.MaxIterations,
		LLMTimeout:    cfg.Loop.LLMTimeout,
		ToolTimeout:   cfg.Loop.ToolTimeout,
		TokenBudget:   cfg.Loop.TokenBudget,
		SystemPrompt:  cfg.Loop.SystemPrompt,
		Retry: agent.RetryPolicy{
			Attempts:   cfg.Loop.Retry.Attempts,
			BaseDelay:  cfg.Loop.Retry.BaseDelay,
			MaxDelay:   cfg.Loop.Retry.MaxDelay,
			Multiplier: cfg.Loop.Retry.Multiplier,
		},
	})

	logger.Info("agent core ready",
		"default_model", rt.models.Default(),
		"tools", len(rt.tools.List()),
		"mcp_servers", len(rt.mcp),
	)
	return rt, nil
}

// Close releases everything the runtime opened, including the store.
func (rt *runtime) Close() error {
	rt.closeExtras()
	return rt.store.Close()
}

func (rt *runtime) closeExtras() {
	rt.watch.Stop()
	for _, c := range rt.mcp {
		if err := c.Close(); err != nil {
			rt.logger.Warn("mcp client close failed", "mcp_server", c.Name(), "error", err)
		}
	}
	rt.mcp = nil
	if rt.usage != nil {
		rt.usage.Close()
		rt.usage = nil
	}
}

// openStore opens the configured context store.
func openStore(cfg *config.Config, logger *slog.Logger) (store.Store, error) {
	if cfg.Store.Driver == "memory" {
		logger.Warn("using in-memory store; threads are lost on restart")
		return store.NewMemoryStore(), nil
	}
	path := cfg.ResolvePath(cfg.Store.Path)
	st, err := store.NewSQLStore(cfg.Store.Driver, path, logger)
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", path, err)
	}
	logger.Info("store opened", "driver", cfg.Store.Driver, "path", path)
	return st, nil
}

// registerBuiltinTools registers the tools that need no external
// process: shell_exec, the workspace file tools, web_fetch and
// web_search.
func registerBuiltinTools(reg *tools.Registry, cfg *config.Config, logger *slog.Logger) error {
	shellCfg := tools.DefaultShellExecConfig()
	shellCfg.Enabled = cfg.ShellExec.Enabled
	shellCfg.WorkingDir = cfg.ShellExec.WorkingDir
	shellCfg.AllowedPrefixes = cfg.ShellExec.AllowedPrefixes
	if len(cfg.ShellExec.DeniedPatterns) > 0 {
		shellCfg.DeniedPatterns = cfg.ShellExec.DeniedPatterns
	}
	shellCfg.DefaultTimeout = time.Duration(cfg.ShellExec.DefaultTimeoutSec) * time.Second

	all := []*tools.Tool{tools.NewShellExec(shellCfg).Tool()}
	all = append(all, tools.NewWorkspace(cfg.Workspace.Path).Tools()...)
	if cfg.WebFetch.Enabled {
		all = append(all, fetch.Tool(fetch.New(cfg.WebFetch.MaxChars)))
	}
	searcher := search.FromConfig(cfg.Search)
	all = append(all, search.Tool(searcher))

	var errs []error
	for _, t := range all {
		if err := reg.Register(t); err != nil {
			errs = append(errs, err)
		}
	}
	logger.Debug("builtin tools registered",
		"shell_exec", shellCfg.Enabled,
		"workspace", cfg.Workspace.Path,
		"web_fetch", cfg.WebFetch.Enabled,
		"search_backends", searcher.Backends(),
	)
	return errors.Join(errs...)
}

// createLLMClient builds a multi-provider client. Each model routes to
// its configured provider; unmapped models fall through to Ollama.
func createLLMClient(cfg *config.Config, logger *slog.Logger, ollamaClient *llm.OllamaClient) *llm.MultiClient {
	multi := llm.NewMultiClient(ollamaClient)
	multi.AddProvider("ollama", ollamaClient)

	if cfg.Anthropic.Configured() {
		multi.AddProvider("anthropic", llm.NewAnthropicClient(cfg.Anthropic.APIKey, cfg.Anthropic.BaseURL, logger))
		logger.Info("Anthropic provider configured")
	}
	if cfg.OpenAI.Configured() {
		multi.AddProvider("openai", llm.NewOpenAIClient(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, logger))
		logger.Info("OpenAI provider configured")
	}

	for _, m := range cfg.Models.Available {
		provider := m.Provider
		if provider == "" {
			provider = "ollama"
		}
		multi.AddModel(m.Name, provider)
	}
	return multi
}

func usesProvider(cfg *config.Config, provider string) bool {
	for _, m := range cfg.Models.Available {
		if m.IsEnabled() && (m.Provider == provider || (m.Provider == "" && provider == "ollama")) {
			return true
		}
	}
	return false
}

// mqttStatsAdapter feeds the MQTT status message from build info and
// the agent manager.
type mqttStatsAdapter struct {
	model string
	runs  *agent.Manager
}

func (a *mqttStatsAdapter) Uptime() time.Duration { return buildinfo.Uptime() }
func (a *mqttStatsAdapter) Version() string       { return buildinfo.Version }
func (a *mqttStatsAdapter) DefaultModel() string  { return a.model }
func (a *mqttStatsAdapter) ActiveRuns() int       { return a.runs.ActiveRuns() }
