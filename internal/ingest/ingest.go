package ingest

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"rescuebot/internal/logging"
	"rescuebot/internal/metrics"
	"rescuebot/internal/model"
	"rescuebot/internal/normalize"
	"rescuebot/internal/storage"
)

type Result string

const (
	ResultAccepted  Result = "accepted"
	ResultDuplicate Result = "duplicate"
	ResultFailed    Result = "failed"
)

// Ingestor stores incoming alarm events and derives pipeline records from
// them. An event is dropped when the same alarm name and instance id was
// accepted less than the dedupe window ago.
type Ingestor struct {
	mu     sync.Mutex
	store  storage.Store
	cache  *DedupeCache
	window time.Duration
	logger *slog.Logger
	now    func() time.Time
}

func NewIngestor(store storage.Store, window time.Duration, logger *slog.Logger) *Ingestor {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Ingestor{
		store:  store,
		cache:  NewDedupeCache(window),
		window: window,
		logger: logger,
		now:    time.Now,
	}
}

// Ingest records one event. The returned record is nil for duplicates and
// for events that are not in the alarm state.
func (i *Ingestor) Ingest(ctx context.Context, ev model.AlarmEvent) (Result, *model.AlarmMetricRecord, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	source := ev.Source
	if source == "" {
		source = "unknown"
	}
	now := i.now().UTC()
	key := dedupeKey(ev.AlarmName, ev.TriggerInstanceID)

	dup, err := i.isDuplicate(ctx, key, ev, now)
	if err != nil {
		metrics.IngestEvents.WithLabelValues(source, string(ResultFailed)).Inc()
		return ResultFailed, nil, err
	}
	if dup {
		metrics.IngestEvents.WithLabelValues(source, string(ResultDuplicate)).Inc()
		i.logger.Debug("duplicate alarm dropped", "alarm_name", ev.AlarmName, "instance_id", ev.TriggerInstanceID)
		return ResultDuplicate, nil, nil
	}

	ev.ReceivedAt = now
	var rec *model.AlarmMetricRecord
	if normalize.IsAlarm(ev) {
		derived := normalize.DeriveRecord(ev)
		rec = &derived
	}
	// The event and its record commit together; the key is only marked
	// once both are durable so a retry after a failed write gets through.
	if err := i.store.SaveAlarm(ctx, &ev, rec); err != nil {
		metrics.IngestEvents.WithLabelValues(source, string(ResultFailed)).Inc()
		return ResultFailed, nil, err
	}
	i.cache.Mark(key, now)

	metrics.IngestEvents.WithLabelValues(source, string(ResultAccepted)).Inc()
	i.logger.Info("alarm accepted",
		"alarm_name", ev.AlarmName,
		"instance_id", ev.TriggerInstanceID,
		"state", ev.NewStateValue,
		"source", source,
	)
	return ResultAccepted, rec, nil
}

// isDuplicate consults the in-memory cache first and falls back to the
// store so the window survives restarts.
func (i *Ingestor) isDuplicate(ctx context.Context, key string, ev model.AlarmEvent, now time.Time) (bool, error) {
	if i.window <= 0 {
		return false, nil
	}
	if last, ok := i.cache.Last(key); ok {
		return now.Sub(last) < i.window, nil
	}
	last, err := i.store.LastAlarmEventAt(ctx, ev.AlarmName, ev.TriggerInstanceID)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	i.cache.Mark(key, last)
	return now.Sub(last) < i.window, nil
}

func BackoffSleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = 200 * time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
