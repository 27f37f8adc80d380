package fetch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nugget/agentcore/internal/tools"
)

// ToolName is the registry name of the fetch tool.
const ToolName = "web_fetch"

// Tool wraps f as the web_fetch tool. Pages are independent, so calls
// may run in parallel.
func Tool(f *Fetcher) *tools.Tool {
	return &tools.Tool{
		Name:        ToolName,
		Description: "Fetch a web page and return its readable text as JSON with url, status, title and text.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"url": map[string]any{
					"type":        "string",
					"description": "Absolute URL to fetch. A bare host gets https://.",
				},
				"max_chars": map[string]any{
					"type":        "integer",
					"description": "Upper bound on returned characters.",
				},
			},
			"required": []string{"url"},
		},
		ConcurrentSafe: true,
		Backend:        "browser",
		Handler:        handler(f),
	}
}

func handler(f *Fetcher) tools.Handler {
	return func(ctx context.Context, args map[string]any) (string, error) {
		url, _ := args["url"].(string)
		limit := 0
		if v, ok := args["max_chars"].(float64); ok {
			limit = int(v)
		}

		page, err := f.Fetch(ctx, url, limit)
		if err != nil {
			return "", err
		}
		if page.Status >= 400 {
			return "", fmt.Errorf("%s returned HTTP %d", page.URL, page.Status)
		}
		out, err := json.Marshal(page)
		if err != nil {
			return "", fmt.Errorf("encode page: %w", err)
		}
		return string(out), nil
	}
}
