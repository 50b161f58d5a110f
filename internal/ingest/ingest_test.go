package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rescuebot/internal/model"
	"rescuebot/internal/storage"
)

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func newStore(t *testing.T) storage.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ingest.db")
	s, err := storage.NewSQLite("file:" + path + "?_pragma=busy_timeout(5000)")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Init(context.Background()))
	return s
}

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func newIngestor(store storage.Store, c *clock) *Ingestor {
	i := NewIngestor(store, 5*time.Minute, nil)
	i.now = c.Now
	return i
}

func alarm(name, instance string) model.AlarmEvent {
	return model.AlarmEvent{
		AlarmName:         name,
		AlarmDescription:  "cpu high",
		NewStateValue:     "ALARM",
		TriggerMetricName: "CPUUtilization",
		TriggerNamespace:  "AWS/EC2",
		TriggerInstanceID: instance,
		Source:            "test",
	}
}

func TestIngestDropsDuplicateInsideWindow(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	c := &clock{now: t0}
	ing := newIngestor(store, c)

	res, rec, err := ing.Ingest(ctx, alarm("web01-cpu", "i-1"))
	require.NoError(t, err)
	assert.Equal(t, ResultAccepted, res)
	require.NotNil(t, rec)
	assert.Equal(t, "web01-cpu", rec.MetricID)
	assert.Equal(t, "i-1", rec.MetricHost)

	c.now = t0.Add(5*time.Minute - time.Second)
	res, rec, err = ing.Ingest(ctx, alarm("web01-cpu", "i-1"))
	require.NoError(t, err)
	assert.Equal(t, ResultDuplicate, res)
	assert.Nil(t, rec)

	events, err := store.ListAlarmEvents(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, events, 1)
	count, err := store.CountAlarmMetricsAfter(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestIngestAcceptsAtWindowBoundary(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	c := &clock{now: t0}
	ing := newIngestor(store, c)

	_, _, err := ing.Ingest(ctx, alarm("web01-cpu", "i-1"))
	require.NoError(t, err)

	c.now = t0.Add(5 * time.Minute)
	res, _, err := ing.Ingest(ctx, alarm("web01-cpu", "i-1"))
	require.NoError(t, err)
	assert.Equal(t, ResultAccepted, res)

	events, err := store.ListAlarmEvents(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestIngestKeysOnNameAndInstance(t *testing.T) {
	ctx := context.Background()
	c := &clock{now: t0}
	ing := newIngestor(newStore(t), c)

	for _, ev := range []model.AlarmEvent{
		alarm("web01-cpu", "i-1"),
		alarm("web01-cpu", "i-2"),
		alarm("web01-mem", "i-1"),
	} {
		res, _, err := ing.Ingest(ctx, ev)
		require.NoError(t, err)
		assert.Equal(t, ResultAccepted, res, ev.AlarmName+"/"+ev.TriggerInstanceID)
	}
}

func TestIngestWindowSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	c := &clock{now: t0}
	_, _, err := newIngestor(store, c).Ingest(ctx, alarm("web01-cpu", "i-1"))
	require.NoError(t, err)

	c.now = t0.Add(2 * time.Minute)
	restarted := newIngestor(store, c)
	res, _, err := restarted.Ingest(ctx, alarm("web01-cpu", "i-1"))
	require.NoError(t, err)
	assert.Equal(t, ResultDuplicate, res)

	c.now = t0.Add(6 * time.Minute)
	res, _, err = restarted.Ingest(ctx, alarm("web01-cpu", "i-1"))
	require.NoError(t, err)
	assert.Equal(t, ResultAccepted, res)
}

func TestIngestOKStateStoresEventOnly(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	ing := newIngestor(store, &clock{now: t0})

	ev := alarm("web01-cpu", "i-1")
	ev.NewStateValue = "OK"
	res, rec, err := ing.Ingest(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, ResultAccepted, res)
	assert.Nil(t, rec)

	count, err := store.CountAlarmMetricsAfter(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestDedupeCacheMarkKeepsNewest(t *testing.T) {
	d := NewDedupeCache(time.Minute)
	d.Mark("k", t0.Add(time.Minute))
	d.Mark("k", t0)
	last, ok := d.Last("k")
	require.True(t, ok)
	assert.Equal(t, t0.Add(time.Minute), last)
	_, ok = d.Last("missing")
	assert.False(t, ok)
	assert.Equal(t, 1, d.Len())
}

func TestRESTAlarms(t *testing.T) {
	store := newStore(t)
	srv := httptest.NewServer(NewRESTServer(newIngestor(store, &clock{now: t0}), nil).Handler())
	defer srv.Close()

	body := `[
	  {"AlarmName": "db01-port", "NewStateValue": "ALARM", "Trigger": {"MetricName": "Port3306Status", "Namespace": "Custom/MySQL", "Dimensions": [{"name": "InstanceId", "value": "i-db"}]}},
	  {"AlarmName": "db01-port", "NewStateValue": "ALARM", "Trigger": {"MetricName": "Port3306Status", "Namespace": "Custom/MySQL", "Dimensions": [{"name": "InstanceId", "value": "i-db"}]}}
	]`
	resp, err := http.Post(srv.URL+"/alarms", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Accepted   int     `json:"accepted"`
		Duplicates int     `json:"duplicates"`
		Failed     int     `json:"failed"`
		RecordIDs  []int64 `json:"record_ids"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, 1, out.Accepted)
	assert.Equal(t, 1, out.Duplicates)
	assert.Equal(t, 0, out.Failed)
	require.Len(t, out.RecordIDs, 1)

	rec, err := store.GetAlarmMetric(context.Background(), out.RecordIDs[0])
	require.NoError(t, err)
	assert.Equal(t, "Port3306Status", rec.MetricPattern)
}

func TestRESTAlarmsRejectsBadRequests(t *testing.T) {
	srv := httptest.NewServer(NewRESTServer(newIngestor(newStore(t), &clock{now: t0}), nil).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/alarms")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	for _, body := range []string{"", "not json", `{"NewStateValue":"ALARM"}`} {
		resp, err := http.Post(srv.URL+"/alarms", "application/json", strings.NewReader(body))
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, body)
	}
}

func TestConsumeMessageIngestsSNSEnvelope(t *testing.T) {
	store := newStore(t)
	ing := newIngestor(store, &clock{now: t0})
	inner := `{"AlarmName":"web01-cpu","NewStateValue":"ALARM","Trigger":{"MetricName":"CPUUtilization","Namespace":"AWS/EC2"}}`
	envelope, err := json.Marshal(map[string]string{"Type": "Notification", "Message": inner})
	require.NoError(t, err)

	consumeMessage(context.Background(), ing, envelope, ing.logger)
	consumeMessage(context.Background(), ing, []byte("garbage"), ing.logger)

	events, err := store.ListAlarmEvents(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "kafka", events[0].Source)
}

func TestBackoffSleepStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, BackoffSleep(ctx, time.Hour))
	assert.True(t, BackoffSleep(context.Background(), time.Millisecond))
}

type failingStore struct {
	storage.Store
	fail bool
}

func (f *failingStore) SaveAlarm(ctx context.Context, ev *model.AlarmEvent, rec *model.AlarmMetricRecord) error {
	if f.fail {
		return errors.New("transient db error")
	}
	return f.Store.SaveAlarm(ctx, ev, rec)
}

func TestIngestRetryAfterFailedWriteIsAccepted(t *testing.T) {
	ctx := context.Background()
	base := newStore(t)
	store := &failingStore{Store: base, fail: true}
	c := &clock{now: t0}
	ing := newIngestor(store, c)

	res, rec, err := ing.Ingest(ctx, alarm("db01-port", "i-db"))
	require.Error(t, err)
	assert.Equal(t, ResultFailed, res)
	assert.Nil(t, rec)

	store.fail = false
	c.now = t0.Add(30 * time.Second)
	res, rec, err = ing.Ingest(ctx, alarm("db01-port", "i-db"))
	require.NoError(t, err)
	assert.Equal(t, ResultAccepted, res)
	require.NotNil(t, rec)

	count, err := base.CountAlarmMetricsAfter(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	events, err := base.ListAlarmEvents(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}
