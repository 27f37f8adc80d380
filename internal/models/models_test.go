package models

import (
	"errors"
	"testing"

	"github.com/nugget/agentcore/internal/config"
)

func boolPtr(b bool) *bool { return &b }

func testConfig() config.ModelsConfig {
	return config.ModelsConfig{
		Default: "sonnet",
		Available: []config.ModelConfig{
			{Name: "sonnet", Provider: "anthropic", ContextWindow: 200000, MaxOutputTokens: 8192, SupportsTools: true, SupportsThink: true, ThinkingBudget: 4096},
			{Name: "qwen3:4b", Provider: "ollama", ContextWindow: 32768, SupportsTools: true, ThinkingBudget: 2048},
			{Name: "retired", Provider: "openai", Enabled: boolPtr(false)},
		},
	}
}

func TestNewRegistry(t *testing.T) {
	r, err := NewRegistry(testConfig())
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	if r.Default() != "sonnet" {
		t.Errorf("Default() = %q", r.Default())
	}

	m, err := r.Get("sonnet")
	if err != nil {
		t.Fatalf("Get(sonnet): %v", err)
	}
	if m.Budget() != 200000-8192 || m.ThinkingBudget != 4096 {
		t.Errorf("sonnet = %+v budget %d", m, m.Budget())
	}

	q, _ := r.Get("qwen3:4b")
	if q.MaxOutputTokens != 4096 || q.Budget() != 32768-4096 {
		t.Errorf("qwen default reserve = %d budget %d", q.MaxOutputTokens, q.Budget())
	}
	if q.ThinkingBudget != 0 {
		t.Error("thinking budget should be ignored for models without thinking support")
	}
}

func TestGetErrors(t *testing.T) {
	r, _ := NewRegistry(testConfig())
	if _, err := r.Get("gpt-9"); !errors.Is(err, ErrUnknownModel) {
		t.Errorf("Get(unknown) = %v", err)
	}
	if _, err := r.Get("retired"); !errors.Is(err, ErrModelDisabled) {
		t.Errorf("Get(disabled) = %v", err)
	}
}

func TestAllAndEnabled(t *testing.T) {
	r, _ := NewRegistry(testConfig())
	if got := len(r.All(false)); got != 3 {
		t.Errorf("All(false) = %d", got)
	}
	enabled := r.Enabled()
	if len(enabled) != 2 || enabled[0].Name != "qwen3:4b" || enabled[1].Name != "sonnet" {
		t.Errorf("Enabled() = %+v", enabled)
	}
}

func TestDefaultFallsBackToFirstEnabled(t *testing.T) {
	cfg := testConfig()
	cfg.Default = ""
	r, err := NewRegistry(cfg)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	if r.Default() != "qwen3:4b" {
		t.Errorf("Default() = %q", r.Default())
	}
}

func TestNewRegistryRejectsBadDefault(t *testing.T) {
	cfg := testConfig()
	cfg.Default = "retired"
	if _, err := NewRegistry(cfg); err == nil {
		t.Error("expected error for disabled default")
	}
	cfg.Available = append(cfg.Available, cfg.Available[0])
	cfg.Default = "sonnet"
	if _, err := NewRegistry(cfg); err == nil {
		t.Error("expected error for duplicate model")
	}
}

func TestBudgetUnknownWindow(t *testing.T) {
	if b := (Model{}).Budget(); b != 0 {
		t.Errorf("Budget() = %d, want 0", b)
	}
	if b := (Model{ContextWindow: 100, MaxOutputTokens: 200}).Budget(); b != 0 {
		t.Errorf("Budget() = %d, want 0", b)
	}
}
