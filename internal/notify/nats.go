package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"rescuebot/internal/config"
)

type natsMessage struct {
	Message string    `json:"message"`
	SentAt  time.Time `json:"sent_at"`
}

// NATSPublisher publishes every notification to one subject.
type NATSPublisher struct {
	conn    *nats.Conn
	subject string
	logger  *slog.Logger
}

func NewNATS(cfg config.NATSConfig, logger *slog.Logger) (*NATSPublisher, error) {
	url := cfg.URL
	if url == "" {
		url = nats.DefaultURL
	}
	conn, err := nats.Connect(url, nats.Name("rescuebot"))
	if err != nil {
		return nil, err
	}
	subject := cfg.Subject
	if subject == "" {
		subject = "rescuebot.outcomes"
	}
	return &NATSPublisher{conn: conn, subject: subject, logger: logger}, nil
}

func encodeNATSMessage(message string, now time.Time) ([]byte, error) {
	return json.Marshal(natsMessage{Message: message, SentAt: now.UTC()})
}

func (p *NATSPublisher) Send(_ context.Context, message string) bool {
	data, err := encodeNATSMessage(message, time.Now())
	if err != nil {
		return false
	}
	if err := p.conn.Publish(p.subject, data); err != nil {
		if p.logger != nil {
			p.logger.Warn("nats publish failed", "subject", p.subject, "err", err)
		}
		return false
	}
	return true
}

func (p *NATSPublisher) Close() {
	if p.conn != nil {
		_ = p.conn.Drain()
		p.conn.Close()
	}
}
