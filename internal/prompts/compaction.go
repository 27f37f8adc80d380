package prompts

import (
	"fmt"
	"strings"
	"time"
)

// compactionTemplate is sent to a model to summarize the part of a
// conversation that no longer fits the context window. The single
// format verb is the conversation text.
const compactionTemplate = `Summarize this earlier part of a conversation so it can replace the original messages. Focus on:
1. Key topics discussed
2. Decisions made or preferences expressed
3. Actions taken (tool calls and their outcomes)
4. Any open items the assistant still has to address

Keep the summary under 400 words. Use bullet points. Do not invent details.

Conversation:
%s

Summary:`

// CompactionPrompt returns the prompt for summarizing conversationText,
// which is the role-prefixed transcript of the dropped messages.
func CompactionPrompt(conversationText string) string {
	return fmt.Sprintf(compactionTemplate, conversationText)
}

// CompactionHeader formats the header placed above a summary when it
// is inserted into the context window.
func CompactionHeader(from, to time.Time, count int) string {
	var sb strings.Builder
	sb.WriteString("[Conversation Summary]\n")
	fmt.Fprintf(&sb, "Period: %s to %s\n", from.UTC().Format("2006-01-02 15:04"), to.UTC().Format("2006-01-02 15:04"))
	fmt.Fprintf(&sb, "Messages summarized: %d\n\n", count)
	return sb.String()
}
