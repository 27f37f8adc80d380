package contextmgr

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/nugget/agentcore/internal/llm"
	"github.com/nugget/agentcore/internal/processor"
	"github.com/nugget/agentcore/internal/prompts"
	"github.com/nugget/agentcore/internal/store"
)

// Summarizer condenses a range of messages into text.
type Summarizer interface {
	Summarize(ctx context.Context, messages []store.Message) (string, error)
}

// LLMSummarizer asks a model to summarize the dropped messages.
type LLMSummarizer struct {
	client    llm.Client
	model     string
	maxTokens int
}

// NewLLMSummarizer creates a summarizer that streams a completion from
// client using model.
func NewLLMSummarizer(client llm.Client, model string) *LLMSummarizer {
	return &LLMSummarizer{client: client, model: model, maxTokens: 1024}
}

// Summarize implements Summarizer.
func (s *LLMSummarizer) Summarize(ctx context.Context, messages []store.Message) (string, error) {
	stream, err := s.client.Stream(ctx, llm.Request{
		Model:     s.model,
		MaxTokens: s.maxTokens,
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: prompts.CompactionPrompt(transcript(messages))},
		},
	})
	if err != nil {
		return "", fmt.Errorf("summary request: %w", err)
	}
	resp, err := processor.Process(ctx, stream)
	if err != nil {
		return "", fmt.Errorf("summary stream: %w", err)
	}
	return strings.TrimSpace(resp.Content), nil
}

// transcript renders messages as "Role: content" paragraphs.
func transcript(messages []store.Message) string {
	var sb strings.Builder
	for _, m := range messages {
		role := m.Role
		if role != "" {
			role = strings.ToUpper(role[:1]) + role[1:]
		}
		content := m.LLM().Content
		for _, tc := range m.ToolCalls {
			content += fmt.Sprintf("\n[called %s %s]", tc.Name, tc.ArgumentsJSON())
		}
		fmt.Fprintf(&sb, "%s: %s\n\n", role, content)
	}
	return sb.String()
}

// ExtractiveSummarizer builds a summary from the messages themselves
// without calling a model. Output depends only on its input.
type ExtractiveSummarizer struct{}

const (
	extractiveMaxTopics = 5
	extractiveTopicLen  = 100
)

// Summarize implements Summarizer.
func (ExtractiveSummarizer) Summarize(_ context.Context, messages []store.Message) (string, error) {
	var topics []string
	calls := make(map[string]int)
	failed := 0

	for _, m := range messages {
		switch m.Role {
		case llm.RoleUser:
			topics = append(topics, "- "+truncate(m.Content, extractiveTopicLen))
		case llm.RoleAssistant:
			for _, tc := range m.ToolCalls {
				calls[tc.Name]++
			}
		case llm.RoleTool:
			if m.Result != nil && !m.Result.Success {
				failed++
			}
		}
	}

	var sb strings.Builder
	sb.WriteString("Topics discussed:\n")
	if len(topics) == 0 {
		sb.WriteString("- General conversation\n")
	}
	// The most recent requests are the most relevant.
	if len(topics) > extractiveMaxTopics {
		topics = topics[len(topics)-extractiveMaxTopics:]
	}
	for _, t := range topics {
		sb.WriteString(t + "\n")
	}

	if len(calls) > 0 {
		names := make([]string, 0, len(calls))
		for name := range calls {
			names = append(names, name)
		}
		sort.Strings(names)

		sb.WriteString("\nTools used:\n")
		for _, name := range names {
			fmt.Fprintf(&sb, "- %s (%d)\n", name, calls[name])
		}
		if failed > 0 {
			fmt.Fprintf(&sb, "- %d call(s) failed\n", failed)
		}
	}
	return sb.String(), nil
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "…"
}
