// Package config handles agentcore configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/agentcore/config.yaml, /etc/agentcore/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "agentcore", "config.yaml"))
	}

	paths = append(paths, "/etc/agentcore/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all agentcore configuration.
type Config struct {
	Listen    ListenConfig    `yaml:"listen"`
	DataDir   string          `yaml:"data_dir"`
	LogLevel  string          `yaml:"log_level"`
	LogFormat string          `yaml:"log_format"` // text or json
	Store     StoreConfig     `yaml:"store"`
	Models    ModelsConfig    `yaml:"models"`
	Anthropic ProviderConfig  `yaml:"anthropic"`
	OpenAI    ProviderConfig  `yaml:"openai"`
	Ollama    ProviderConfig  `yaml:"ollama"`
	Loop      LoopConfig      `yaml:"loop"`
	ShellExec ShellExecConfig `yaml:"shell_exec"`
	Workspace WorkspaceConfig `yaml:"workspace"`
	WebFetch  WebFetchConfig  `yaml:"web_fetch"`
	Search    SearchConfig    `yaml:"search"`
	MCP       MCPConfig       `yaml:"mcp"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Usage     UsageConfig     `yaml:"usage"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// StoreConfig selects the context store backend.
type StoreConfig struct {
	// Driver is "sqlite3" (cgo, mattn), "sqlite" (pure Go, modernc)
	// or "memory".
	Driver string `yaml:"driver"`
	// Path is the database file. Relative paths resolve against DataDir.
	Path string `yaml:"path"`
}

// ModelsConfig defines the model catalog.
type ModelsConfig struct {
	Default   string        `yaml:"default"`
	Available []ModelConfig `yaml:"available"`
}

// ModelConfig defines a single model's capabilities.
type ModelConfig struct {
	Name            string `yaml:"name"`
	Provider        string `yaml:"provider"` // ollama, anthropic, openai
	Enabled         *bool  `yaml:"enabled"`  // nil means enabled
	ContextWindow   int    `yaml:"context_window"`
	MaxOutputTokens int    `yaml:"max_output_tokens"`
	SupportsTools   bool   `yaml:"supports_tools"`
	SupportsThink   bool   `yaml:"supports_thinking"`
	SupportsVision  bool   `yaml:"supports_vision"`
	ThinkingBudget  int    `yaml:"thinking_budget"`
}

// IsEnabled reports whether the model may be selected for runs.
func (m ModelConfig) IsEnabled() bool {
	return m.Enabled == nil || *m.Enabled
}

// ProviderConfig holds credentials and endpoint for one LLM provider.
type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// Configured reports whether the provider has enough settings to be used.
func (p ProviderConfig) Configured() bool {
	return p.APIKey != "" || p.BaseURL != ""
}

// LoopConfig bounds the orchestration loop.
type LoopConfig struct {
	MaxIterations int           `yaml:"max_iterations"`
	LLMTimeout    time.Duration `yaml:"llm_timeout"`
	ToolTimeout   time.Duration `yaml:"tool_timeout"`
	KeepTurns     int           `yaml:"keep_turns"`
	// TokenBudget overrides the model-derived context budget when > 0.
	TokenBudget int         `yaml:"token_budget"`
	Retry       RetryConfig `yaml:"retry"`
	// SystemPrompt is sent ahead of the history on every completion.
	// Empty selects the built-in prompt.
	SystemPrompt string `yaml:"system_prompt"`
}

// RetryConfig controls LLM request retries.
type RetryConfig struct {
	Attempts   int           `yaml:"attempts"`
	BaseDelay  time.Duration `yaml:"base_delay"`
	MaxDelay   time.Duration `yaml:"max_delay"`
	Multiplier float64       `yaml:"multiplier"`
}

// ShellExecConfig defines shell execution capabilities.
type ShellExecConfig struct {
	// Enabled allows shell command execution. Disabled by default for safety.
	Enabled bool `yaml:"enabled"`
	// WorkingDir sets the default working directory for commands.
	WorkingDir string `yaml:"working_dir"`
	// DeniedPatterns are command patterns to block (e.g., "rm -rf /").
	DeniedPatterns []string `yaml:"denied_patterns"`
	// AllowedPrefixes limits commands to those starting with these prefixes.
	// Empty means all commands are allowed (subject to denied patterns).
	AllowedPrefixes []string `yaml:"allowed_prefixes"`
	// DefaultTimeoutSec is the default timeout in seconds (default 30).
	DefaultTimeoutSec int `yaml:"default_timeout_sec"`
}

// WorkspaceConfig roots the file tools. An empty path disables them.
type WorkspaceConfig struct {
	Path string `yaml:"path"`
}

// WebFetchConfig toggles the web_fetch tool.
type WebFetchConfig struct {
	Enabled  bool `yaml:"enabled"`
	MaxChars int  `yaml:"max_chars"`
}

// SearchConfig configures the web_search tool backends.
type SearchConfig struct {
	Default string        `yaml:"default"` // searxng or brave
	SearXNG SearXNGConfig `yaml:"searxng"`
	Brave   BraveConfig   `yaml:"brave"`
}

// SearXNGConfig holds configuration for the SearXNG provider.
type SearXNGConfig struct {
	URL string `yaml:"url"`
}

// BraveConfig holds configuration for the Brave Search provider.
type BraveConfig struct {
	APIKey string `yaml:"api_key"`
}

// Configured reports whether any search backend is set.
func (c SearchConfig) Configured() bool {
	return c.SearXNG.URL != "" || c.Brave.APIKey != ""
}

// MCPConfig lists external MCP servers whose tools are bridged.
type MCPConfig struct {
	Servers []MCPServerConfig `yaml:"servers"`
}

// MCPServerConfig describes one MCP server.
type MCPServerConfig struct {
	Name      string            `yaml:"name"`
	Transport string            `yaml:"transport"` // stdio or http
	Command   string            `yaml:"command"`
	Args      []string          `yaml:"args"`
	Env       []string          `yaml:"env"`
	URL       string            `yaml:"url"`
	Headers   map[string]string `yaml:"headers"`
	// ConcurrentSafe marks every bridged tool as safe for parallel calls.
	ConcurrentSafe bool `yaml:"concurrent_safe"`
}

// MQTTConfig configures run lifecycle publishing.
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	ClientID    string `yaml:"client_id"`
}

// Configured reports whether MQTT publishing is enabled.
func (c MQTTConfig) Configured() bool {
	return c.Broker != ""
}

// UsageConfig enables token usage recording.
type UsageConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	cfg := &Config{
		Models: ModelsConfig{
			Default: "qwen3:4b",
			Available: []ModelConfig{
				{
					Name:          "qwen3:4b",
					Provider:      "ollama",
					SupportsTools: true,
					SupportsThink: true,
					ContextWindow: 32768,
				},
			},
		},
	}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults fills zero values with working defaults.
func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	if c.Store.Driver == "" {
		c.Store.Driver = "sqlite3"
	}
	if c.Store.Path == "" {
		c.Store.Path = "agentcore.db"
	}
	if c.Loop.MaxIterations == 0 {
		c.Loop.MaxIterations = 50
	}
	if c.Loop.LLMTimeout == 0 {
		c.Loop.LLMTimeout = 5 * time.Minute
	}
	if c.Loop.ToolTimeout == 0 {
		c.Loop.ToolTimeout = 60 * time.Second
	}
	if c.Loop.KeepTurns == 0 {
		c.Loop.KeepTurns = 1
	}
	if c.Loop.Retry.Attempts == 0 {
		c.Loop.Retry.Attempts = 3
	}
	if c.Loop.Retry.BaseDelay == 0 {
		c.Loop.Retry.BaseDelay = 500 * time.Millisecond
	}
	if c.Loop.Retry.MaxDelay == 0 {
		c.Loop.Retry.MaxDelay = 10 * time.Second
	}
	if c.Loop.Retry.Multiplier == 0 {
		c.Loop.Retry.Multiplier = 2
	}
	if c.ShellExec.DefaultTimeoutSec == 0 {
		c.ShellExec.DefaultTimeoutSec = 30
	}
	if c.Search.Default == "" {
		switch {
		case c.Search.SearXNG.URL != "":
			c.Search.Default = "searxng"
		case c.Search.Brave.APIKey != "":
			c.Search.Default = "brave"
		}
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "agentcore"
	}
	if c.Usage.Path == "" {
		c.Usage.Path = "usage.db"
	}
	for i := range c.MCP.Servers {
		if c.MCP.Servers[i].Transport == "" {
			c.MCP.Servers[i].Transport = "stdio"
		}
	}
}

// Validate reports configuration errors that would prevent startup.
func (c *Config) Validate() error {
	var errs []error

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format %q must be text or json", c.LogFormat))
	}
	switch c.Store.Driver {
	case "sqlite3", "sqlite", "memory":
	default:
		errs = append(errs, fmt.Errorf("store.driver %q must be sqlite3, sqlite or memory", c.Store.Driver))
	}
	if c.Loop.MaxIterations < 1 {
		errs = append(errs, fmt.Errorf("loop.max_iterations must be positive"))
	}
	if c.Loop.Retry.Attempts < 1 {
		errs = append(errs, fmt.Errorf("loop.retry.attempts must be positive"))
	}

	if len(c.Models.Available) == 0 {
		errs = append(errs, fmt.Errorf("models.available must list at least one model"))
	}
	seen := make(map[string]bool)
	defaultFound := false
	for _, m := range c.Models.Available {
		if m.Name == "" {
			errs = append(errs, fmt.Errorf("models.available entry missing name"))
			continue
		}
		if seen[m.Name] {
			errs = append(errs, fmt.Errorf("model %q listed twice", m.Name))
		}
		seen[m.Name] = true
		switch m.Provider {
		case "ollama", "anthropic", "openai":
		default:
			errs = append(errs, fmt.Errorf("model %q: unknown provider %q", m.Name, m.Provider))
		}
		if m.Name == c.Models.Default {
			defaultFound = true
			if !m.IsEnabled() {
				errs = append(errs, fmt.Errorf("default model %q is disabled", m.Name))
			}
		}
	}
	if c.Models.Default != "" && !defaultFound {
		errs = append(errs, fmt.Errorf("default model %q not in models.available", c.Models.Default))
	}

	for _, s := range c.MCP.Servers {
		switch s.Transport {
		case "stdio":
			if s.Command == "" {
				errs = append(errs, fmt.Errorf("mcp server %q: stdio transport requires command", s.Name))
			}
		case "http":
			if s.URL == "" {
				errs = append(errs, fmt.Errorf("mcp server %q: http transport requires url", s.Name))
			}
		default:
			errs = append(errs, fmt.Errorf("mcp server %q: unknown transport %q", s.Name, s.Transport))
		}
	}

	return errors.Join(errs...)
}

// ResolvePath joins a relative path onto DataDir.
func (c *Config) ResolvePath(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.DataDir, p)
}
