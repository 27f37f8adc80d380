package search

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/nugget/agentcore/internal/httpkit"
)

// SearXNG queries a self-hosted SearXNG instance through its JSON API.
type SearXNG struct {
	baseURL string
	client  *http.Client
}

// NewSearXNG returns a backend for the instance rooted at baseURL.
func NewSearXNG(baseURL string) *SearXNG {
	return &SearXNG{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  httpkit.NewClient(httpkit.WithTimeout(15 * time.Second)),
	}
}

// Name implements Backend.
func (s *SearXNG) Name() string { return "searxng" }

// Search implements Backend.
func (s *SearXNG) Search(ctx context.Context, q Query) ([]Result, error) {
	params := url.Values{"q": {q.Text}, "format": {"json"}}
	if q.Language != "" {
		params.Set("language", q.Language)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/search?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 512))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("response is not JSON")
	}

	// Engines disagree on optional fields; only url is required.
	var results []Result
	gjson.GetBytes(body, "results").ForEach(func(_, r gjson.Result) bool {
		u := r.Get("url").String()
		if u == "" {
			return true
		}
		results = append(results, Result{
			Title:   r.Get("title").String(),
			URL:     u,
			Snippet: r.Get("content").String(),
		})
		return len(results) < q.Count
	})
	return results, nil
}
