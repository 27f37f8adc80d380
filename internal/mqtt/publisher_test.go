package mqtt

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/agentcore/internal/config"
	"github.com/nugget/agentcore/internal/events"
)

func TestLoadOrCreateInstanceID_CreatesFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")

	id, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("LoadOrCreateInstanceID() error = %v", err)
	}
	if _, err := uuid.Parse(id); err != nil {
		t.Errorf("id %q is not a UUID: %v", id, err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "instance_id"))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if got := strings.TrimSpace(string(data)); got != id {
		t.Errorf("file content = %q, want %q", got, id)
	}
}

func TestLoadOrCreateInstanceID_ReturnsExisting(t *testing.T) {
	dir := t.TempDir()

	first, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("first call error = %v", err)
	}
	second, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("second call error = %v", err)
	}
	if second != first {
		t.Errorf("second = %q, want %q (should be stable)", second, first)
	}
}

func TestPublisher_ClientID(t *testing.T) {
	p := testPublisher(nil)
	if got := p.clientID(); got != "agentcore-456789ab" {
		t.Errorf("clientID() = %q", got)
	}

	p.cfg.ClientID = "explicit"
	if got := p.clientID(); got != "explicit" {
		t.Errorf("clientID() = %q, want explicit", got)
	}
}

func TestPublisher_EventTopic(t *testing.T) {
	p := testPublisher(nil)

	tests := []struct {
		name   string
		event  events.Event
		want   string
		wantOK bool
	}{
		{
			name:   "run started",
			event:  events.Event{Kind: events.KindRunStarted, Data: map[string]any{"run_id": "run_1"}},
			want:   "agentcore/runs/run_1/run_started",
			wantOK: true,
		},
		{
			name:   "tool done",
			event:  events.Event{Kind: events.KindToolDone, Data: map[string]any{"run_id": "run_1"}},
			want:   "agentcore/runs/run_1/tool_done",
			wantOK: true,
		},
		{
			name:  "content delta skipped",
			event: events.Event{Kind: events.KindContentDelta, Data: map[string]any{"run_id": "run_1"}},
		},
		{
			name:  "missing run id",
			event: events.Event{Kind: events.KindRunFinished},
		},
		{
			name:   "wildcards escaped",
			event:  events.Event{Kind: events.KindRunStatus, Data: map[string]any{"run_id": "a/+#"}},
			want:   "agentcore/runs/a___/run_status",
			wantOK: true,
		},
		{
			name:   "backend",
			event:  events.Event{Kind: events.KindBackendDown, Data: map[string]any{"backend": "mcp:files"}},
			want:   "agentcore/backends/mcp:files",
			wantOK: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := p.eventTopic(tt.event)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("eventTopic() = %q, %v; want %q, %v", got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

type fakeStats struct{}

func (fakeStats) Uptime() time.Duration { return 90*time.Second + 300*time.Millisecond }
func (fakeStats) Version() string       { return "v1.2.3" }
func (fakeStats) DefaultModel() string  { return "qwen3:8b" }
func (fakeStats) ActiveRuns() int       { return 2 }

func TestPublisher_StatusFromFinishedRuns(t *testing.T) {
	p := testPublisher(nil)
	p.stats = fakeStats{}

	p.observe(events.Event{Kind: events.KindRunFinished, Data: map[string]any{"tokens_in": 100, "tokens_out": 20}})
	p.observe(events.Event{Kind: events.KindRunFinished, Data: map[string]any{"tokens_in": float64(5), "tokens_out": int64(1)}})
	p.observe(events.Event{Kind: events.KindRunStarted, Data: map[string]any{"tokens_in": 999}})

	s := p.status()
	if s.TokensToday != 126 || s.RunsToday != 2 {
		t.Errorf("tokens = %d runs = %d, want 126 and 2", s.TokensToday, s.RunsToday)
	}
	if s.Uptime != "1m30s" || s.Version != "v1.2.3" || s.ActiveRuns != 2 || s.DefaultModel != "qwen3:8b" {
		t.Errorf("status = %+v", s)
	}
}

func TestMQTTConfig_Configured(t *testing.T) {
	if (config.MQTTConfig{}).Configured() {
		t.Error("empty config should not be configured")
	}
	if !(config.MQTTConfig{Broker: "mqtt://localhost:1883"}).Configured() {
		t.Error("config with broker should be configured")
	}
}
