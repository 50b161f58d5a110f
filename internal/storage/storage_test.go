package storage

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rescuebot/internal/config"
	"rescuebot/internal/model"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rescuebot.db")
	s, err := NewStore(config.StorageConfig{Driver: "sqlite", DSN: "file:" + path + "?_pragma=busy_timeout(5000)"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Init(context.Background()))
	return s
}

func TestPostgresBindNumbersPlaceholders(t *testing.T) {
	got := postgresDialect.bind(`UPDATE t SET a = ?, b = ? WHERE id = ?`)
	assert.Equal(t, `UPDATE t SET a = $1, b = $2 WHERE id = $3`, got)
	assert.Equal(t, `SELECT ?`, sqliteDialect.bind(`SELECT ?`))
}

func TestNewStoreRejectsUnknownDriver(t *testing.T) {
	_, err := NewStore(config.StorageConfig{Driver: "oracle"})
	require.Error(t, err)
}

func TestInitIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Init(context.Background()))
}

func TestWatermarkLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.GetWatermark(ctx)
	require.True(t, errors.Is(err, ErrNotFound))

	wm, err := s.EnsureWatermark(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), wm.LastProcessedID)

	wm, err = s.AdvanceWatermark(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(7), wm.LastProcessedID)
	assert.False(t, wm.UpdatedAt.IsZero())

	// Ensuring again must not reset the stored value.
	wm, err = s.EnsureWatermark(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(7), wm.LastProcessedID)
}

func TestAdvanceWatermarkNeverMovesBackwards(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.AdvanceWatermark(ctx, 10)
	require.NoError(t, err)
	wm, err := s.AdvanceWatermark(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, int64(10), wm.LastProcessedID)
}

func TestAlarmMetricsAfterAreOrdered(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for _, id := range []int64{5, 2, 9} {
		rec := model.AlarmMetricRecord{ID: id, AlarmDescription: "desc", MetricID: "m", MetricHost: "web01"}
		require.NoError(t, s.SaveAlarmMetric(ctx, &rec))
	}
	auto := model.AlarmMetricRecord{AlarmDescription: "auto"}
	require.NoError(t, s.SaveAlarmMetric(ctx, &auto))
	assert.Equal(t, int64(10), auto.ID)

	recs, err := s.ListAlarmMetricsAfter(ctx, 2)
	require.NoError(t, err)
	ids := make([]int64, 0, len(recs))
	for _, r := range recs {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []int64{5, 9, 10}, ids)
	assert.Equal(t, "web01", recs[0].MetricHost)

	n, err := s.CountAlarmMetricsAfter(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	recent, err := s.ListRecentAlarmMetrics(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, int64(10), recent[0].ID)
}

func TestGetAlarmMetricNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetAlarmMetric(context.Background(), 404)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestOutcomesRoundTripAndPaging(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for i := 0; i < 3; i++ {
		o := model.RemediationOutcome{
			MetricID:        int64(100 + i),
			Command:         `salt "*" service.restart mysql`,
			AnalysisRequest: "PK ID: 100",
			AnalysisText:    "restart it",
			DurationMS:      42,
			Trigger:         model.TriggerScheduled,
		}
		require.NoError(t, s.SaveOutcome(ctx, &o))
		assert.NotZero(t, o.ID)
	}

	page, total, err := s.ListOutcomes(ctx, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, page, 2)
	assert.Equal(t, int64(102), page[0].MetricID)
	assert.Equal(t, model.TriggerScheduled, page[0].Trigger)

	page, _, err = s.ListOutcomes(ctx, 2, 2)
	require.NoError(t, err)
	require.Len(t, page, 1)

	byMetric, err := s.ListOutcomesForMetric(ctx, 101)
	require.NoError(t, err)
	require.Len(t, byMetric, 1)
	assert.Equal(t, "restart it", byMetric[0].AnalysisText)
}

func TestLastAlarmEventAt(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.LastAlarmEventAt(ctx, "HighCPU", "i-1")
	require.ErrorIs(t, err, ErrNotFound)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for _, at := range []time.Time{base, base.Add(3 * time.Minute)} {
		ev := model.AlarmEvent{AlarmName: "HighCPU", TriggerInstanceID: "i-1", ReceivedAt: at, RawMessage: json.RawMessage(`{"a":1}`)}
		require.NoError(t, s.SaveAlarmEvent(ctx, &ev))
	}
	other := model.AlarmEvent{AlarmName: "HighCPU", TriggerInstanceID: "i-2", ReceivedAt: base.Add(time.Hour)}
	require.NoError(t, s.SaveAlarmEvent(ctx, &other))

	last, err := s.LastAlarmEventAt(ctx, "HighCPU", "i-1")
	require.NoError(t, err)
	assert.True(t, last.Equal(base.Add(3*time.Minute)), "got %s", last)

	events, err := s.ListAlarmEvents(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, events, 3)
}

func TestSaveExecutionLog(t *testing.T) {
	s := newTestStore(t)
	entry := model.ExecutionLog{
		Target:    "web01.example.com",
		Function:  "service.restart",
		Arguments: []string{"mysql"},
		Result:    json.RawMessage(`{"return":[{"web01.example.com":true}]}`),
	}
	require.NoError(t, s.SaveExecutionLog(context.Background(), &entry))
	assert.NotZero(t, entry.ID)
}

func TestSaveAlarmWritesEventAndRecordTogether(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	ev := model.AlarmEvent{AlarmName: "db01-port", TriggerInstanceID: "i-db"}
	rec := model.AlarmMetricRecord{MetricID: "db01-port", MetricHost: "i-db"}
	require.NoError(t, s.SaveAlarm(ctx, &ev, &rec))
	assert.NotZero(t, ev.ID)
	assert.NotZero(t, rec.ID)

	got, err := s.GetAlarmMetric(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "db01-port", got.MetricID)
}

func TestSaveAlarmRollsBackEventWhenRecordFails(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.SaveAlarmMetric(ctx, &model.AlarmMetricRecord{ID: 7, MetricID: "existing"}))

	// Reusing id 7 makes the record insert fail inside the transaction.
	ev := model.AlarmEvent{AlarmName: "db01-port", TriggerInstanceID: "i-db"}
	err := s.SaveAlarm(ctx, &ev, &model.AlarmMetricRecord{ID: 7, MetricID: "db01-port"})
	require.Error(t, err)

	events, err := s.ListAlarmEvents(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, events)
	_, err = s.LastAlarmEventAt(ctx, "db01-port", "i-db")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSaveAlarmWithoutRecord(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	ev := model.AlarmEvent{AlarmName: "web01-cpu", NewStateValue: "OK"}
	require.NoError(t, s.SaveAlarm(ctx, &ev, nil))
	count, err := s.CountAlarmMetricsAfter(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}
