package search

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nugget/agentcore/internal/tools"
)

// ToolName is the registry name of the search tool.
const ToolName = "web_search"

// Tool wraps s as the web_search tool. It reports unavailable while no
// default backend is configured.
func Tool(s *Searcher) *tools.Tool {
	return &tools.Tool{
		Name:        ToolName,
		Description: "Search the web. Returns a JSON array of {title, url, snippet}.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "Search terms.",
				},
				"count": map[string]any{
					"type":        "integer",
					"description": fmt.Sprintf("Results to return, 1-%d. Default %d.", maxCount, defaultCount),
				},
				"language": map[string]any{
					"type":        "string",
					"description": "ISO 639-1 language code such as en or de.",
				},
				"backend": map[string]any{
					"type":        "string",
					"description": "Backend to use: " + strings.Join(s.Backends(), ", ") + ". Omit for the default.",
				},
			},
			"required": []string{"query"},
		},
		ConcurrentSafe: true,
		Backend:        "search",
		Available:      s.Configured,
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			q := Query{}
			q.Text, _ = args["query"].(string)
			q.Language, _ = args["language"].(string)
			if n, ok := args["count"].(float64); ok {
				q.Count = int(n)
			}
			backend, _ := args["backend"].(string)

			results, err := s.Search(ctx, backend, q)
			if err != nil {
				return "", err
			}
			if results == nil {
				results = []Result{}
			}
			out, err := json.Marshal(results)
			if err != nil {
				return "", fmt.Errorf("encode results: %w", err)
			}
			return string(out), nil
		},
	}
}
