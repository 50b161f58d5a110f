package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"rescuebot/internal/history"
	"rescuebot/internal/logging"
	"rescuebot/internal/metrics"
	"rescuebot/internal/model"
	"rescuebot/internal/storage"
)

// Driver runs batches of unprocessed records and the manual single-record
// path. Both hold one mutex around read watermark, process, advance.
type Driver struct {
	mu        sync.Mutex
	store     storage.Store
	processor *Processor
	history   *history.Store
	logger    *slog.Logger
	now       func() time.Time
}

func NewDriver(store storage.Store, processor *Processor, hist *history.Store, logger *slog.Logger) *Driver {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Driver{store: store, processor: processor, history: hist, logger: logger, now: time.Now}
}

// RunOnce processes every record above the watermark in ascending id order
// and then advances the watermark to the highest attempted id. Only watermark
// and fetch failures are returned as errors.
func (d *Driver) RunOnce(ctx context.Context) (model.BatchSummary, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	timer := metrics.NewTimer()
	summary := model.BatchSummary{RunID: uuid.NewString(), StartedAt: d.now().UTC()}
	summary, err := d.runLocked(ctx, summary)
	summary.FinishedAt = d.now().UTC()
	if err != nil {
		summary.Status = model.BatchStatusFailed
		summary.Error = err.Error()
	}
	timer.ObserveDuration(metrics.BatchDuration)
	metrics.BatchRuns.WithLabelValues(summary.Status).Inc()
	if d.history != nil {
		d.history.Add(summary)
	}
	return summary, err
}

func (d *Driver) runLocked(ctx context.Context, summary model.BatchSummary) (model.BatchSummary, error) {
	wm, err := d.store.EnsureWatermark(ctx)
	if err != nil {
		return summary, &Error{Kind: KindWatermark, Op: "read watermark", Err: err}
	}
	summary.PreviousID = wm.LastProcessedID
	summary.LastID = wm.LastProcessedID

	records, err := d.store.ListAlarmMetricsAfter(ctx, wm.LastProcessedID)
	if err != nil {
		return summary, &Error{Kind: KindPersistence, Op: "fetch records", Err: err}
	}
	summary.Fetched = len(records)
	if len(records) == 0 {
		summary.Status = model.BatchStatusNoNewData
		return summary, nil
	}

	d.logger.Info("batch started", "run_id", summary.RunID, "watermark", wm.LastProcessedID, "records", len(records))
	highest := wm.LastProcessedID
	for _, rec := range records {
		if ctx.Err() != nil {
			d.logger.Warn("batch interrupted", "run_id", summary.RunID, "next_record_id", rec.ID)
			break
		}
		res := d.processor.Process(ctx, rec, model.TriggerScheduled)
		summary.Results = append(summary.Results, res)
		if !res.Attempted() {
			if summary.RecordErrors == nil {
				summary.RecordErrors = make(map[int64]string)
			}
			summary.RecordErrors[rec.ID] = res.Reason
			continue
		}
		summary.ProcessedCount++
		if rec.ID > highest {
			highest = rec.ID
		}
	}

	if highest > wm.LastProcessedID {
		// The advance must land even if the caller gave up mid-run.
		next, err := d.store.AdvanceWatermark(context.WithoutCancel(ctx), highest)
		if err != nil {
			return summary, &Error{Kind: KindWatermark, Op: "advance watermark", Err: err}
		}
		summary.LastID = next.LastProcessedID
		metrics.Watermark.Set(float64(next.LastProcessedID))
	}
	summary.Status = model.BatchStatusSuccess
	d.logger.Info("batch finished",
		"run_id", summary.RunID,
		"processed", summary.ProcessedCount,
		"failed", len(summary.RecordErrors),
		"watermark", summary.LastID,
	)
	return summary, nil
}

// ProcessByID reprocesses one record regardless of the watermark. The
// watermark only moves if id is above it.
func (d *Driver) ProcessByID(ctx context.Context, id int64) (model.ProcessingResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	rec, err := d.store.GetAlarmMetric(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return model.ProcessingResult{}, &Error{Kind: KindRecordNotFound, Op: "process single", RecordID: id, Err: err}
	}
	if err != nil {
		return model.ProcessingResult{}, &Error{Kind: KindPersistence, Op: "load record", RecordID: id, Err: err}
	}

	res := d.processor.Process(ctx, rec, model.TriggerManual)
	if !res.Attempted() {
		return res, nil
	}
	wm, err := d.store.AdvanceWatermark(context.WithoutCancel(ctx), id)
	if err != nil {
		return res, &Error{Kind: KindWatermark, Op: "advance watermark", RecordID: id, Err: err}
	}
	metrics.Watermark.Set(float64(wm.LastProcessedID))
	d.logger.Info("record reprocessed", "record_id", id, "status", res.Status, "watermark", wm.LastProcessedID)
	return res, nil
}

type Status struct {
	LastProcessedID int64               `json:"last_processed_id"`
	UpdatedAt       time.Time           `json:"updated_at"`
	Pending         int                 `json:"pending"`
	LastRun         *model.BatchSummary `json:"last_run,omitempty"`
}

func (d *Driver) Status(ctx context.Context) (Status, error) {
	wm, err := d.store.EnsureWatermark(ctx)
	if err != nil {
		return Status{}, &Error{Kind: KindWatermark, Op: "read watermark", Err: err}
	}
	pending, err := d.store.CountAlarmMetricsAfter(ctx, wm.LastProcessedID)
	if err != nil {
		return Status{}, &Error{Kind: KindPersistence, Op: "count pending", Err: err}
	}
	st := Status{LastProcessedID: wm.LastProcessedID, UpdatedAt: wm.UpdatedAt, Pending: pending}
	if d.history != nil {
		if last, ok := d.history.Last(); ok {
			last.Results = nil
			st.LastRun = &last
		}
	}
	return st, nil
}
