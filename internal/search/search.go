// Package search is the external API primitive: web search through a
// SearXNG instance or the Brave Search API behind one tool.
package search

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/nugget/agentcore/internal/config"
)

const (
	defaultCount = 5
	maxCount     = 20
)

// ErrNoBackend is returned when a search names a backend that is not
// configured, or when none is.
var ErrNoBackend = errors.New("search backend not configured")

// Result is one search hit.
type Result struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

// Query is a search request.
type Query struct {
	Text     string
	Count    int
	Language string
}

// Backend runs queries against one search service.
type Backend interface {
	Name() string
	Search(ctx context.Context, q Query) ([]Result, error)
}

// Searcher routes queries to a default backend or a named one.
type Searcher struct {
	backends map[string]Backend
	primary  string
}

// New returns a Searcher over backends. primary names the default; if
// empty, the first backend by name is used.
func New(primary string, backends ...Backend) *Searcher {
	s := &Searcher{backends: make(map[string]Backend, len(backends)), primary: primary}
	for _, b := range backends {
		s.backends[b.Name()] = b
	}
	if s.primary == "" {
		if names := s.Backends(); len(names) > 0 {
			s.primary = names[0]
		}
	}
	return s
}

// FromConfig builds a Searcher from the search section of the config.
func FromConfig(cfg config.SearchConfig) *Searcher {
	var backends []Backend
	if cfg.SearXNG.URL != "" {
		backends = append(backends, NewSearXNG(cfg.SearXNG.URL))
	}
	if cfg.Brave.APIKey != "" {
		backends = append(backends, NewBrave(cfg.Brave.APIKey))
	}
	return New(cfg.Default, backends...)
}

// Backends returns the configured backend names, sorted.
func (s *Searcher) Backends() []string {
	names := make([]string, 0, len(s.backends))
	for name := range s.backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Configured reports whether the default backend exists.
func (s *Searcher) Configured() bool {
	_, ok := s.backends[s.primary]
	return ok
}

// Search runs q on the named backend, or the default when backend is
// empty. Count is clamped to [1, 20] with 5 as the default.
func (s *Searcher) Search(ctx context.Context, backend string, q Query) ([]Result, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, fmt.Errorf("query is required")
	}
	if backend == "" {
		backend = s.primary
	}
	b, ok := s.backends[backend]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoBackend, backend)
	}

	switch {
	case q.Count <= 0:
		q.Count = defaultCount
	case q.Count > maxCount:
		q.Count = maxCount
	}

	results, err := b.Search(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", backend, err)
	}
	if len(results) > q.Count {
		results = results[:q.Count]
	}
	return results, nil
}
