package normalize

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"rescuebot/internal/model"
)

const StateAlarm = "ALARM"

var ErrMissingAlarmName = errors.New("alarm name missing")

// ParseAlarms decodes a CloudWatch alarm notification. It accepts the classic
// alarm JSON, the same wrapped in an SNS envelope, an EventBridge alarm state
// change, a flat snake_case object, or an array of any of these.
func ParseAlarms(data []byte, source string) ([]model.AlarmEvent, error) {
	trim := bytesTrim(data)
	if len(trim) == 0 {
		return nil, errors.New("empty payload")
	}
	if trim[0] == '[' {
		var list []json.RawMessage
		if err := json.Unmarshal(trim, &list); err != nil {
			return nil, err
		}
		out := make([]model.AlarmEvent, 0, len(list))
		for _, item := range list {
			evs, err := ParseAlarms(item, source)
			if err != nil {
				return out, err
			}
			out = append(out, evs...)
		}
		return out, nil
	}
	var obj map[string]any
	if err := json.Unmarshal(trim, &obj); err != nil {
		return nil, err
	}
	// SNS wraps the alarm as a JSON string in Message.
	if msg, ok := obj["Message"].(string); ok {
		return ParseAlarms([]byte(msg), source)
	}
	ev, err := Normalize(obj)
	if err != nil {
		return nil, err
	}
	ev.Source = source
	ev.RawMessage = append(json.RawMessage(nil), trim...)
	return []model.AlarmEvent{ev}, nil
}

func Normalize(obj map[string]any) (model.AlarmEvent, error) {
	if detail, ok := obj["detail"].(map[string]any); ok {
		return normalizeEventBridge(obj, detail)
	}
	fields := lowerKeys(obj)
	ev := model.AlarmEvent{
		AlarmName:        str(fields, "alarmname", "alarm_name"),
		AlarmDescription: str(fields, "alarmdescription", "alarm_description", "description"),
		AWSAccountID:     str(fields, "awsaccountid", "aws_account_id", "account"),
		NewStateValue:    strings.ToUpper(str(fields, "newstatevalue", "new_state_value", "state")),
		NewStateReason:   str(fields, "newstatereason", "new_state_reason", "reason"),
		Region:           str(fields, "region"),
		Host:             str(fields, "host", "metric_host", "fqdn"),
	}
	if ts := str(fields, "statechangetime", "state_change_time", "timestamp"); ts != "" {
		parsed, err := ParseTimestamp(ts)
		if err != nil {
			return model.AlarmEvent{}, fmt.Errorf("parse state change time: %w", err)
		}
		ev.StateChangeTime = parsed.UTC()
	}

	trigger := fields
	if t, ok := fields["trigger"].(map[string]any); ok {
		trigger = lowerKeys(t)
	}
	ev.TriggerMetricName = str(trigger, "metricname", "metric_name", "trigger_metric_name")
	ev.TriggerNamespace = str(trigger, "namespace", "trigger_namespace")
	ev.TriggerThreshold = num(trigger, "threshold", "trigger_threshold")
	dims := dimensions(trigger["dimensions"])
	ev.TriggerInstanceID = firstNonEmpty(dims["instanceid"], str(fields, "instance_id", "instanceid", "trigger_instance_id"))
	if ev.Host == "" {
		ev.Host = firstNonEmpty(dims["host"], dims["fqdn"], dims["hostname"])
	}

	if ev.AlarmName == "" {
		return model.AlarmEvent{}, ErrMissingAlarmName
	}
	return ev, nil
}

func normalizeEventBridge(obj, detail map[string]any) (model.AlarmEvent, error) {
	d := lowerKeys(detail)
	ev := model.AlarmEvent{
		AlarmName:    str(d, "alarmname"),
		AWSAccountID: str(lowerKeys(obj), "account"),
		Region:       str(lowerKeys(obj), "region"),
	}
	if state, ok := d["state"].(map[string]any); ok {
		s := lowerKeys(state)
		ev.NewStateValue = strings.ToUpper(str(s, "value"))
		ev.NewStateReason = str(s, "reason")
		if ts := str(s, "timestamp"); ts != "" {
			if parsed, err := ParseTimestamp(ts); err == nil {
				ev.StateChangeTime = parsed.UTC()
			}
		}
	}
	if conf, ok := d["configuration"].(map[string]any); ok {
		c := lowerKeys(conf)
		ev.AlarmDescription = str(c, "description")
		if list, ok := c["metrics"].([]any); ok && len(list) > 0 {
			if m, ok := list[0].(map[string]any); ok {
				if stat, ok := lowerKeys(m)["metricstat"].(map[string]any); ok {
					if metric, ok := lowerKeys(stat)["metric"].(map[string]any); ok {
						mm := lowerKeys(metric)
						ev.TriggerMetricName = str(mm, "name")
						ev.TriggerNamespace = str(mm, "namespace")
						dims := dimensions(mm["dimensions"])
						ev.TriggerInstanceID = dims["instanceid"]
						ev.Host = firstNonEmpty(dims["host"], dims["fqdn"], dims["hostname"])
					}
				}
			}
		}
	}
	if ev.AlarmName == "" {
		return model.AlarmEvent{}, ErrMissingAlarmName
	}
	return ev, nil
}

// DeriveRecord builds the pipeline work item for an accepted alarm event.
func DeriveRecord(ev model.AlarmEvent) model.AlarmMetricRecord {
	return model.AlarmMetricRecord{
		AlarmDescription: ev.AlarmDescription,
		MetricID:         ev.AlarmName,
		MetricHost:       firstNonEmpty(ev.Host, ev.TriggerInstanceID),
		MetricNamespace:  ev.TriggerNamespace,
		MetricPattern:    ev.TriggerMetricName,
		CreatedAt:        ev.ReceivedAt,
	}
}

// IsAlarm reports whether the event should become work for the pipeline.
// Events without a state are treated as alarms.
func IsAlarm(ev model.AlarmEvent) bool {
	return ev.NewStateValue == "" || ev.NewStateValue == StateAlarm
}

// dimensions accepts both the [{"name":..,"value":..}] list of SNS alarms
// and the {"Name": "value"} map of EventBridge events. Keys are lower-cased.
func dimensions(v any) map[string]string {
	out := map[string]string{}
	switch dims := v.(type) {
	case []any:
		for _, item := range dims {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			lm := lowerKeys(m)
			name := strings.ToLower(str(lm, "name"))
			if name != "" {
				out[name] = str(lm, "value")
			}
		}
	case map[string]any:
		for k, val := range dims {
			out[strings.ToLower(k)] = strings.TrimSpace(fmt.Sprint(val))
		}
	}
	return out
}

func lowerKeys(obj map[string]any) map[string]any {
	out := make(map[string]any, len(obj))
	for k, v := range obj {
		out[strings.ToLower(k)] = v
	}
	return out
}

func str(fields map[string]any, keys ...string) string {
	for _, k := range keys {
		v, ok := fields[k]
		if !ok || v == nil {
			continue
		}
		switch t := v.(type) {
		case string:
			if s := strings.TrimSpace(t); s != "" {
				return s
			}
		case float64:
			return strconv.FormatFloat(t, 'f', -1, 64)
		case bool:
			return strconv.FormatBool(t)
		}
	}
	return ""
}

func num(fields map[string]any, keys ...string) float64 {
	for _, k := range keys {
		switch t := fields[k].(type) {
		case float64:
			return t
		case string:
			if f, err := strconv.ParseFloat(strings.TrimSpace(t), 64); err == nil {
				return f
			}
		}
	}
	return 0
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05Z0700",
	"2006-01-02 15:04:05Z0700",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
}

func ParseTimestamp(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	if isNumeric(value) {
		if ts, err := parseUnix(value); err == nil {
			return ts, nil
		}
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp format: %q", value)
}

func isNumeric(value string) bool {
	for _, ch := range value {
		if ch < '0' || ch > '9' {
			return false
		}
	}
	return len(value) > 0
}

func parseUnix(value string) (time.Time, error) {
	if len(value) >= 13 {
		ms, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return time.Time{}, err
		}
		return time.Unix(0, ms*int64(time.Millisecond)).UTC(), nil
	}
	sec, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(sec, 0).UTC(), nil
}

func bytesTrim(b []byte) []byte {
	start := 0
	for start < len(b) && (b[start] == ' ' || b[start] == '\n' || b[start] == '\r' || b[start] == '\t') {
		start++
	}
	end := len(b)
	for end > start && (b[end-1] == ' ' || b[end-1] == '\n' || b[end-1] == '\r' || b[end-1] == '\t') {
		end--
	}
	return b[start:end]
}
