package prompts

import (
	"strings"
	"testing"
	"time"
)

func TestCompactionPrompt(t *testing.T) {
	p := CompactionPrompt("User: hello\n\nAssistant: hi")
	if !strings.Contains(p, "User: hello") {
		t.Error("prompt should contain the conversation text")
	}
	if !strings.HasSuffix(p, "Summary:") {
		t.Error("prompt should end with the summary cue")
	}
	if strings.Contains(p, "%!") {
		t.Errorf("prompt has a formatting error: %q", p)
	}
}

func TestCompactionHeader(t *testing.T) {
	from := time.Date(2026, 1, 2, 3, 4, 0, 0, time.UTC)
	h := CompactionHeader(from, from.Add(time.Hour), 7)
	want := "[Conversation Summary]\nPeriod: 2026-01-02 03:04 to 2026-01-02 04:04\nMessages summarized: 7\n\n"
	if h != want {
		t.Errorf("header = %q, want %q", h, want)
	}
}
