package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/agentcore/internal/config"
	"github.com/nugget/agentcore/internal/events"
)

const (
	defaultStatusInterval = 60 * time.Second
	eventBuffer           = 256
)

// StatsSource provides runtime data for the periodic status message.
// The concrete adapter is wired in main.go to avoid coupling the MQTT
// package to the agent loop.
type StatsSource interface {
	Uptime() time.Duration
	Version() string
	DefaultModel() string
	ActiveRuns() int
}

// RunCanceller is the subset of the agent manager the command topic
// drives.
type RunCanceller interface {
	CancelRun(ctx context.Context, runID string) error
}

// Publisher manages the MQTT connection, mirrors lifecycle events from
// the bus and publishes a periodic status message.
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	bus        *events.Bus
	tokens     *DailyTokens
	stats      StatsSource
	runs       RunCanceller
	limiter    *messageRateLimiter
	interval   time.Duration
	logger     *slog.Logger
	cm         *autopaho.ConnectionManager
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to begin. runs may be nil, in which case cancel commands are ignored.
func New(cfg config.MQTTConfig, instanceID string, bus *events.Bus, stats StatsSource, runs RunCanceller, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "mqtt")
	return &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		bus:        bus,
		tokens:     NewDailyTokens(nil),
		stats:      stats,
		runs:       runs,
		limiter:    newMessageRateLimiter(100, time.Minute, logger),
		interval:   defaultStatusInterval,
		logger:     logger,
	}
}

// Tokens returns the daily token accumulator fed from run_finished
// events.
func (p *Publisher) Tokens() *DailyTokens { return p.tokens }

// clientID returns the configured client id, or one derived from the
// instance id so that restarts reuse the same broker session.
func (p *Publisher) clientID() string {
	if p.cfg.ClientID != "" {
		return p.cfg.ClientID
	}
	id := p.instanceID
	if len(id) > 8 {
		id = id[len(id)-8:]
	}
	return p.cfg.TopicPrefix + "-" + id
}

// Start connects to the MQTT broker and mirrors events until ctx is
// cancelled.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.publishAvailability(ctx, cm, "online")
			p.subscribeCommands(ctx, cm)
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: p.clientID(),
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					p.handleMessage(ctx, pr.Packet.Topic, pr.Packet.Payload)
					return true, nil
				},
			},
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.cm = cm

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	go p.limiter.start(ctx)
	p.runLoop(ctx)
	return nil
}

// Stop publishes "offline" and closes the connection.
func (p *Publisher) Stop(ctx context.Context) error {
	if p.cm == nil {
		return nil
	}
	p.publishAvailability(ctx, p.cm, "offline")
	return p.cm.Disconnect(ctx)
}

// AwaitConnection blocks until the MQTT broker connection is
// established or ctx expires. Used as a connwatch health probe.
func (p *Publisher) AwaitConnection(ctx context.Context) error {
	if p.cm == nil {
		return fmt.Errorf("mqtt publisher not started")
	}
	return p.cm.AwaitConnection(ctx)
}

// --- Topic helpers ---

func (p *Publisher) availabilityTopic() string {
	return p.cfg.TopicPrefix + "/availability"
}

func (p *Publisher) statusTopic() string {
	return p.cfg.TopicPrefix + "/status"
}

func (p *Publisher) commandFilter() string {
	return p.cfg.TopicPrefix + "/runs/+/cancel"
}

// eventTopic maps a bus event to its topic. Deltas and events without
// a run id are not published.
func (p *Publisher) eventTopic(e events.Event) (string, bool) {
	if !events.IsLifecycle(e.Kind) {
		return "", false
	}
	switch e.Kind {
	case events.KindBackendUp, events.KindBackendDown:
		backend, _ := e.Data["backend"].(string)
		if backend == "" {
			return "", false
		}
		return p.cfg.TopicPrefix + "/backends/" + topicSafe(backend), true
	}
	runID, _ := e.Data["run_id"].(string)
	if runID == "" {
		return "", false
	}
	return p.cfg.TopicPrefix + "/runs/" + topicSafe(runID) + "/" + e.Kind, true
}

// topicSafe replaces MQTT wildcard and separator characters.
func topicSafe(s string) string {
	return strings.NewReplacer("/", "_", "+", "_", "#", "_").Replace(s)
}

// --- Connection callbacks ---

func (p *Publisher) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed",
			"status", status, "error", err)
	} else {
		p.logger.Info("mqtt availability published", "status", status)
	}
}

func (p *Publisher) subscribeCommands(ctx context.Context, cm *autopaho.ConnectionManager) {
	if p.runs == nil {
		return
	}
	filter := p.commandFilter()
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: filter, QoS: 1}},
	}); err != nil {
		p.logger.Warn("mqtt subscribe failed", "filter", filter, "error", err)
		return
	}
	p.logger.Debug("mqtt subscribed", "filter", filter)
}

// --- Event loop ---

func (p *Publisher) runLoop(ctx context.Context) {
	ch := p.bus.Subscribe(eventBuffer)
	defer p.bus.Unsubscribe(ch)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.publishStatus(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			p.observe(e)
			p.publishEvent(ctx, e)
		case <-ticker.C:
			p.publishStatus(ctx)
		}
	}
}

// observe feeds token totals from finished runs into the daily counter.
func (p *Publisher) observe(e events.Event) {
	if e.Kind != events.KindRunFinished {
		return
	}
	p.tokens.Add(intField(e.Data, "tokens_in"), intField(e.Data, "tokens_out"))
}

func intField(data map[string]any, key string) int {
	switch v := data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

func (p *Publisher) publishEvent(ctx context.Context, e events.Event) {
	topic, ok := p.eventTopic(e)
	if !ok || p.cm == nil {
		return
	}
	payload, err := json.Marshal(e)
	if err != nil {
		p.logger.Error("mqtt marshal event", "kind", e.Kind, "error", err)
		return
	}
	if _, err := p.cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     0,
	}); err != nil {
		p.logger.Debug("mqtt event publish failed", "topic", topic, "error", err)
	}
}

// Status is the retained payload on the status topic.
type Status struct {
	InstanceID   string `json:"instance_id"`
	Version      string `json:"version"`
	Uptime       string `json:"uptime"`
	DefaultModel string `json:"default_model"`
	ActiveRuns   int    `json:"active_runs"`
	TokensToday  int64  `json:"tokens_today"`
	RunsToday    int64  `json:"runs_today"`
}

func (p *Publisher) status() Status {
	input, output, runs := p.tokens.Snapshot()
	s := Status{
		InstanceID:  p.instanceID,
		TokensToday: input + output,
		RunsToday:   runs,
	}
	if p.stats != nil {
		s.Version = p.stats.Version()
		s.Uptime = p.stats.Uptime().Truncate(time.Second).String()
		s.DefaultModel = p.stats.DefaultModel()
		s.ActiveRuns = p.stats.ActiveRuns()
	}
	return s
}

func (p *Publisher) publishStatus(ctx context.Context) {
	if p.cm == nil {
		return
	}
	payload, err := json.Marshal(p.status())
	if err != nil {
		p.logger.Error("mqtt marshal status", "error", err)
		return
	}
	if _, err := p.cm.Publish(ctx, &paho.Publish{
		Topic:   p.statusTopic(),
		Payload: payload,
		QoS:     0,
		Retain:  true,
	}); err != nil {
		p.logger.Debug("mqtt status publish failed", "error", err)
	}
}
