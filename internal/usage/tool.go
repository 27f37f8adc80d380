package usage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/nugget/agentcore/internal/tools"
)

// ToolName is the registry name of the usage summary tool.
const ToolName = "usage_summary"

// Tool returns a tool that lets the model query its own token usage.
func Tool(s *Store) *tools.Tool {
	return &tools.Tool{
		Name:           ToolName,
		Description:    "Query your own token usage. Returns totals for a period and an optional breakdown by model, provider or thread.",
		ConcurrentSafe: true,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"period": map[string]any{
					"type":        "string",
					"enum":        []string{"today", "yesterday", "week", "month", "all"},
					"description": "Time period to summarize.",
				},
				"group_by": map[string]any{
					"type":        "string",
					"enum":        []string{"model", "provider", "thread"},
					"description": "Optional breakdown.",
				},
			},
			"required": []string{"period"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			period, _ := args["period"].(string)
			groupBy, _ := args["group_by"].(string)
			return summarize(s, period, groupBy, time.Now())
		},
	}
}

func summarize(s *Store, period, groupBy string, now time.Time) (string, error) {
	start, end := parsePeriod(period, now)

	summary, err := s.Summary(start, end)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Usage (%s):\n", period)
	fmt.Fprintf(&sb, "  Completions: %d\n", summary.TotalRecords)
	fmt.Fprintf(&sb, "  Input tokens: %s\n", formatTokenCount(summary.TotalInputTokens))
	fmt.Fprintf(&sb, "  Output tokens: %s\n", formatTokenCount(summary.TotalOutputTokens))
	if summary.TotalThinkingTokens > 0 {
		fmt.Fprintf(&sb, "  Thinking tokens: %s\n", formatTokenCount(summary.TotalThinkingTokens))
	}

	if groupBy == "" {
		return sb.String(), nil
	}
	grouped, err := queryGrouped(s, groupBy, start, end)
	if err != nil {
		return "", err
	}
	if len(grouped) == 0 {
		return sb.String(), nil
	}

	keys := make([]string, 0, len(grouped))
	for k := range grouped {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := grouped[keys[i]], grouped[keys[j]]
		ta, tb := a.TotalInputTokens+a.TotalOutputTokens, b.TotalInputTokens+b.TotalOutputTokens
		if ta != tb {
			return ta > tb
		}
		return keys[i] < keys[j]
	})

	fmt.Fprintf(&sb, "\nBy %s:\n", groupBy)
	for _, key := range keys {
		sum := grouped[key]
		display := key
		if display == "" {
			display = "(none)"
		}
		fmt.Fprintf(&sb, "  %s: %d completions, %s in / %s out\n",
			display, sum.TotalRecords,
			formatTokenCount(sum.TotalInputTokens),
			formatTokenCount(sum.TotalOutputTokens),
		)
	}
	return sb.String(), nil
}

func queryGrouped(s *Store, groupBy string, start, end time.Time) (map[string]*Summary, error) {
	switch groupBy {
	case "model":
		return s.SummaryByModel(start, end)
	case "provider":
		return s.SummaryByProvider(start, end)
	case "thread":
		return s.SummaryByThread(start, end)
	default:
		return nil, &tools.Error{
			Code: tools.CodeInvalidArguments,
			Tool: ToolName,
			Err:  fmt.Errorf("group_by must be model, provider or thread, got %q", groupBy),
		}
	}
}

// parsePeriod converts a period name to a [start, end) range. Unknown
// names mean all time.
func parsePeriod(period string, now time.Time) (time.Time, time.Time) {
	end := now.Add(time.Minute)
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	switch period {
	case "today":
		return midnight, end
	case "yesterday":
		return midnight.AddDate(0, 0, -1), midnight
	case "week":
		return now.AddDate(0, 0, -7), end
	case "month":
		return now.AddDate(0, -1, 0), end
	default:
		return time.Time{}, end
	}
}

// formatTokenCount formats a token count compactly: "1.23M", "456.0K"
// or "789".
func formatTokenCount(n int64) string {
	if n >= 1_000_000 {
		return fmt.Sprintf("%.2fM", float64(n)/1_000_000.0)
	}
	if n >= 1_000 {
		return fmt.Sprintf("%.1fK", float64(n)/1_000.0)
	}
	return fmt.Sprintf("%d", n)
}
