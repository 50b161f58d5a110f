package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"rescuebot/internal/config"
	"rescuebot/internal/logging"
	"rescuebot/internal/normalize"
)

// StartKafka consumes alarm notifications from a topic until ctx is done.
// Each message value is an SNS envelope or a raw alarm payload.
func StartKafka(ctx context.Context, cfg config.KafkaConfig, ingestor *Ingestor, logger *slog.Logger) {
	if logger == nil {
		logger = logging.Discard()
	}
	if !cfg.Enabled {
		logger.Info("kafka ingest disabled")
		return
	}
	logger.Info("kafka ingest enabled", "brokers", cfg.Brokers, "topic", cfg.Topic, "group_id", cfg.GroupID)
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1e3,
		MaxBytes: 10e6,
	})
	go func() {
		defer reader.Close()
		for {
			m, err := reader.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				logger.Warn("kafka read error", "err", err)
				if !BackoffSleep(ctx, time.Second) {
					return
				}
				continue
			}
			consumeMessage(ctx, ingestor, m.Value, logger)
		}
	}()
}

func consumeMessage(ctx context.Context, ingestor *Ingestor, value []byte, logger *slog.Logger) {
	events, err := normalize.ParseAlarms(value, "kafka")
	if err != nil {
		logger.Warn("kafka normalize error", "err", err)
	}
	for _, ev := range events {
		if res, _, err := ingestor.Ingest(ctx, ev); res == ResultFailed {
			logger.Warn("kafka ingest error", "alarm_name", ev.AlarmName, "err", err)
		}
	}
}
