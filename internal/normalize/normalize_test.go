package normalize

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const classicAlarm = `{
  "AlarmName": "db01-port-3306",
  "AlarmDescription": "mysql connection error on db01",
  "AWSAccountId": "123456789012",
  "NewStateValue": "ALARM",
  "NewStateReason": "Threshold Crossed",
  "StateChangeTime": "2026-03-01T10:15:00.000+0000",
  "Region": "US East (N. Virginia)",
  "Trigger": {
    "MetricName": "Port3306Status",
    "Namespace": "Custom/MySQL",
    "Threshold": 1,
    "Dimensions": [
      {"name": "InstanceId", "value": "i-0abc"},
      {"name": "host", "value": "db01.example.com"}
    ]
  }
}`

func TestParseClassicAlarm(t *testing.T) {
	evs, err := ParseAlarms([]byte(classicAlarm), "rest")
	require.NoError(t, err)
	require.Len(t, evs, 1)
	ev := evs[0]
	assert.Equal(t, "db01-port-3306", ev.AlarmName)
	assert.Equal(t, "mysql connection error on db01", ev.AlarmDescription)
	assert.Equal(t, "ALARM", ev.NewStateValue)
	assert.Equal(t, "Port3306Status", ev.TriggerMetricName)
	assert.Equal(t, "Custom/MySQL", ev.TriggerNamespace)
	assert.Equal(t, "i-0abc", ev.TriggerInstanceID)
	assert.Equal(t, "db01.example.com", ev.Host)
	assert.Equal(t, 1.0, ev.TriggerThreshold)
	assert.Equal(t, "rest", ev.Source)
	assert.Equal(t, time.Date(2026, 3, 1, 10, 15, 0, 0, time.UTC), ev.StateChangeTime)
	assert.NotEmpty(t, ev.RawMessage)
}

func TestParseSNSEnvelope(t *testing.T) {
	envelope, err := json.Marshal(map[string]string{
		"Type":    "Notification",
		"Subject": "ALARM: db01-port-3306",
		"Message": classicAlarm,
	})
	require.NoError(t, err)

	evs, err := ParseAlarms(envelope, "kafka")
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, "db01-port-3306", evs[0].AlarmName)
	assert.Equal(t, "kafka", evs[0].Source)
}

func TestParseEventBridge(t *testing.T) {
	payload := `{
	  "detail-type": "CloudWatch Alarm State Change",
	  "account": "123456789012",
	  "region": "us-east-1",
	  "detail": {
	    "alarmName": "web01-cpu",
	    "state": {"value": "ALARM", "reason": "high", "timestamp": "2026-03-01T10:15:00.000+0000"},
	    "configuration": {
	      "description": "cpu high",
	      "metrics": [{"metricStat": {"metric": {"namespace": "AWS/EC2", "name": "CPUUtilization", "dimensions": {"InstanceId": "i-0web"}}}}]
	    }
	  }
	}`
	evs, err := ParseAlarms([]byte(payload), "rest")
	require.NoError(t, err)
	require.Len(t, evs, 1)
	ev := evs[0]
	assert.Equal(t, "web01-cpu", ev.AlarmName)
	assert.Equal(t, "cpu high", ev.AlarmDescription)
	assert.Equal(t, "AWS/EC2", ev.TriggerNamespace)
	assert.Equal(t, "CPUUtilization", ev.TriggerMetricName)
	assert.Equal(t, "i-0web", ev.TriggerInstanceID)
	assert.Equal(t, "us-east-1", ev.Region)
}

func TestParseFlatArray(t *testing.T) {
	payload := `[
	  {"alarm_name": "a", "instance_id": "i-1", "namespace": "AWS/EC2", "metric_name": "NetworkIn"},
	  {"alarm_name": "b", "host": "web02", "state": "ok"}
	]`
	evs, err := ParseAlarms([]byte(payload), "rest")
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, "i-1", evs[0].TriggerInstanceID)
	assert.Equal(t, "NetworkIn", evs[0].TriggerMetricName)
	assert.True(t, IsAlarm(evs[0]))
	assert.Equal(t, "web02", evs[1].Host)
	assert.False(t, IsAlarm(evs[1]))
}

func TestParseRejectsInvalid(t *testing.T) {
	_, err := ParseAlarms([]byte("   "), "rest")
	assert.Error(t, err)

	_, err = ParseAlarms([]byte(`{"NewStateValue":"ALARM"}`), "rest")
	assert.ErrorIs(t, err, ErrMissingAlarmName)

	_, err = ParseAlarms([]byte(`{"AlarmName":"x","StateChangeTime":"yesterday"}`), "rest")
	assert.Error(t, err)
}

func TestDeriveRecord(t *testing.T) {
	evs, err := ParseAlarms([]byte(classicAlarm), "rest")
	require.NoError(t, err)
	rec := DeriveRecord(evs[0])
	assert.Equal(t, "db01-port-3306", rec.MetricID)
	assert.Equal(t, "db01.example.com", rec.MetricHost)
	assert.Equal(t, "Custom/MySQL", rec.MetricNamespace)
	assert.Equal(t, "Port3306Status", rec.MetricPattern)

	evs[0].Host = ""
	assert.Equal(t, "i-0abc", DeriveRecord(evs[0]).MetricHost)
}

func TestParseTimestamp(t *testing.T) {
	cases := map[string]time.Time{
		"2026-03-01T10:15:00Z":         time.Date(2026, 3, 1, 10, 15, 0, 0, time.UTC),
		"2026-03-01 10:15:00":          time.Date(2026, 3, 1, 10, 15, 0, 0, time.UTC),
		"1772360100":                   time.Unix(1772360100, 0).UTC(),
		"1772360100000":                time.Unix(1772360100, 0).UTC(),
		"2026-03-01T10:15:00.123+0000": time.Date(2026, 3, 1, 10, 15, 0, 123000000, time.UTC),
	}
	for in, want := range cases {
		got, err := ParseTimestamp(in)
		require.NoError(t, err, in)
		assert.True(t, want.Equal(got), "%s: got %s", in, got)
	}
	_, err := ParseTimestamp("")
	assert.Error(t, err)
}
