package mqtt

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"
)

// handleMessage routes an inbound message. The only command is
// {prefix}/runs/{run_id}/cancel; the payload is ignored.
func (p *Publisher) handleMessage(ctx context.Context, topic string, payload []byte) {
	if !p.limiter.allow() {
		return
	}

	runID, ok := p.parseCancelTopic(topic)
	if !ok {
		p.logger.Debug("mqtt message ignored", "topic", topic, "payload_size", len(payload))
		return
	}
	if p.runs == nil {
		return
	}

	if err := p.runs.CancelRun(ctx, runID); err != nil {
		p.logger.Warn("mqtt cancel command failed", "run", runID, "error", err)
		return
	}
	p.logger.Info("mqtt cancel command accepted", "run", runID)
}

// parseCancelTopic extracts the run id from a cancel command topic.
func (p *Publisher) parseCancelTopic(topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, p.cfg.TopicPrefix+"/runs/")
	if !ok {
		return "", false
	}
	runID, ok := strings.CutSuffix(rest, "/cancel")
	if !ok || runID == "" || strings.Contains(runID, "/") {
		return "", false
	}
	return runID, true
}

// messageRateLimiter tracks inbound message rates and drops messages
// when the rate exceeds the configured threshold. It uses atomic
// counters for lock-free operation on the hot path.
type messageRateLimiter struct {
	count    atomic.Int64
	dropped  atomic.Int64
	limit    int64
	interval time.Duration
	logger   *slog.Logger
}

// newMessageRateLimiter creates a rate limiter that allows limit
// messages per interval.
func newMessageRateLimiter(limit int64, interval time.Duration, logger *slog.Logger) *messageRateLimiter {
	return &messageRateLimiter{
		limit:    limit,
		interval: interval,
		logger:   logger,
	}
}

// start runs the periodic counter reset loop until ctx is cancelled.
func (r *messageRateLimiter) start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reset()
		}
	}
}

func (r *messageRateLimiter) reset() {
	count := r.count.Swap(0)
	dropped := r.dropped.Swap(0)
	if dropped > 0 {
		r.logger.Warn("mqtt messages dropped due to rate limit",
			"received", count,
			"dropped", dropped,
			"interval", r.interval.String(),
			"limit", r.limit,
		)
	}
}

// allow increments the message counter and reports whether the current
// count is within the limit.
func (r *messageRateLimiter) allow() bool {
	n := r.count.Add(1)
	if n > r.limit {
		r.dropped.Add(1)
		return false
	}
	return true
}
