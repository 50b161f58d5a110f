package notify

import (
	"context"
	"log/slog"

	"rescuebot/internal/config"
)

// Notifier delivers a message on a best-effort basis. It never fails the caller;
// the return value only says whether the message got through.
type Notifier interface {
	Send(ctx context.Context, message string) bool
}

// Multi fans a message out to every sink. It reports delivered when at least
// one sink accepted it.
type Multi struct {
	sinks []Notifier
}

func NewMulti(sinks ...Notifier) *Multi {
	out := make([]Notifier, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return &Multi{sinks: out}
}

func (m *Multi) Send(ctx context.Context, message string) bool {
	delivered := false
	for _, s := range m.sinks {
		if s.Send(ctx, message) {
			delivered = true
		}
	}
	return delivered
}

func (m *Multi) Len() int {
	return len(m.sinks)
}

// Build wires the configured sinks. A NATS connection failure is logged and
// the sink is left out; closers must be called on shutdown.
func Build(cfg config.NotifyConfig, logger *slog.Logger) (*Multi, []func()) {
	var (
		sinks   []Notifier
		closers []func()
	)
	if cfg.Slack.Enabled && cfg.Slack.WebhookURL != "" {
		sinks = append(sinks, NewSlack(cfg.Slack, logger))
	}
	if cfg.NATS.Enabled {
		pub, err := NewNATS(cfg.NATS, logger)
		if err != nil {
			if logger != nil {
				logger.Warn("nats notifier disabled", "url", cfg.NATS.URL, "err", err)
			}
		} else {
			sinks = append(sinks, pub)
			closers = append(closers, pub.Close)
		}
	}
	return NewMulti(sinks...), closers
}
