package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"rescuebot/internal/config"
)

type Slack struct {
	webhookURL string
	iconEmoji  string
	http       *http.Client
	logger     *slog.Logger
}

func NewSlack(cfg config.SlackConfig, logger *slog.Logger) *Slack {
	icon := cfg.IconEmoji
	if icon == "" {
		icon = ":robot_face:"
	}
	return &Slack{
		webhookURL: cfg.WebhookURL,
		iconEmoji:  icon,
		http:       &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
}

type slackPayload struct {
	Text      string `json:"text"`
	IconEmoji string `json:"icon_emoji,omitempty"`
}

func (s *Slack) Send(ctx context.Context, message string) bool {
	if s.webhookURL == "" {
		return false
	}
	body, err := json.Marshal(slackPayload{Text: message, IconEmoji: s.iconEmoji})
	if err != nil {
		return false
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(body))
	if err != nil {
		s.warn(err)
		return false
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.http.Do(req)
	if err != nil {
		s.warn(err)
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		if s.logger != nil {
			s.logger.Warn("slack webhook rejected message", "status", resp.StatusCode)
		}
		return false
	}
	return true
}

func (s *Slack) warn(err error) {
	if s.logger != nil {
		s.logger.Warn("slack send failed", "err", err)
	}
}
