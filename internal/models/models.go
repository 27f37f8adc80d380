// Package models is the catalog of models runs may select, built from
// configuration.
package models

import (
	"errors"
	"fmt"
	"sort"

	"github.com/nugget/agentcore/internal/config"
)

// ErrUnknownModel is returned for a model name not in the catalog.
var ErrUnknownModel = errors.New("unknown model")

// ErrModelDisabled is returned when a disabled model is requested.
var ErrModelDisabled = errors.New("model disabled")

// Reserved output tokens when a model does not configure its own.
const defaultMaxOutputTokens = 4096

// Model describes one model and its capabilities.
type Model struct {
	Name            string `json:"name"`
	Provider        string `json:"provider"`
	Enabled         bool   `json:"enabled"`
	ContextWindow   int    `json:"context_window"`
	MaxOutputTokens int    `json:"max_output_tokens"`
	SupportsTools   bool   `json:"supports_tools"`
	SupportsThink   bool   `json:"supports_thinking"`
	SupportsVision  bool   `json:"supports_vision"`
	ThinkingBudget  int    `json:"thinking_budget,omitempty"`
}

// Budget is the token budget for the context window: the model's
// context size minus the tokens reserved for its reply. Zero means the
// context size is unknown and no compaction applies.
func (m Model) Budget() int {
	if m.ContextWindow <= 0 {
		return 0
	}
	b := m.ContextWindow - m.MaxOutputTokens
	if b < 0 {
		return 0
	}
	return b
}

// Registry holds the configured models. It is immutable after creation.
type Registry struct {
	models       map[string]Model
	defaultModel string
}

// NewRegistry builds a registry from config.
func NewRegistry(cfg config.ModelsConfig) (*Registry, error) {
	r := &Registry{
		models:       make(map[string]Model, len(cfg.Available)),
		defaultModel: cfg.Default,
	}
	for _, mc := range cfg.Available {
		if _, dup := r.models[mc.Name]; dup {
			return nil, fmt.Errorf("model %q listed twice", mc.Name)
		}
		m := Model{
			Name:            mc.Name,
			Provider:        mc.Provider,
			Enabled:         mc.IsEnabled(),
			ContextWindow:   mc.ContextWindow,
			MaxOutputTokens: mc.MaxOutputTokens,
			SupportsTools:   mc.SupportsTools,
			SupportsThink:   mc.SupportsThink,
			SupportsVision:  mc.SupportsVision,
		}
		if m.MaxOutputTokens == 0 && m.ContextWindow > 0 {
			m.MaxOutputTokens = min(defaultMaxOutputTokens, m.ContextWindow/4)
		}
		if m.SupportsThink {
			m.ThinkingBudget = mc.ThinkingBudget
		}
		r.models[m.Name] = m
	}

	if r.defaultModel == "" {
		if enabled := r.Enabled(); len(enabled) > 0 {
			r.defaultModel = enabled[0].Name
		}
	}
	if r.defaultModel != "" {
		if _, err := r.Get(r.defaultModel); err != nil {
			return nil, fmt.Errorf("default model: %w", err)
		}
	}
	return r, nil
}

// Get returns an enabled model by name.
func (r *Registry) Get(name string) (Model, error) {
	m, ok := r.models[name]
	if !ok {
		return Model{}, fmt.Errorf("%w: %s", ErrUnknownModel, name)
	}
	if !m.Enabled {
		return Model{}, fmt.Errorf("%w: %s", ErrModelDisabled, name)
	}
	return m, nil
}

// Default returns the default model name.
func (r *Registry) Default() string {
	return r.defaultModel
}

// All returns models sorted by name, optionally only enabled ones.
func (r *Registry) All(enabledOnly bool) []Model {
	out := make([]Model, 0, len(r.models))
	for _, m := range r.models {
		if enabledOnly && !m.Enabled {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Enabled returns the enabled models sorted by name.
func (r *Registry) Enabled() []Model {
	return r.All(true)
}
