package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"rescuebot/internal/config"
	"rescuebot/internal/model"
)

var ErrNotFound = errors.New("not found")

// watermarkRowID is the fixed primary key of the single batch_status row.
const watermarkRowID = 1

type Store interface {
	Init(ctx context.Context) error
	Close() error
	Ping(ctx context.Context) error

	EnsureWatermark(ctx context.Context) (model.Watermark, error)
	GetWatermark(ctx context.Context) (model.Watermark, error)
	AdvanceWatermark(ctx context.Context, id int64) (model.Watermark, error)

	SaveAlarmEvent(ctx context.Context, ev *model.AlarmEvent) error
	// SaveAlarm writes an event and, when rec is not nil, its derived record
	// in one transaction.
	SaveAlarm(ctx context.Context, ev *model.AlarmEvent, rec *model.AlarmMetricRecord) error
	LastAlarmEventAt(ctx context.Context, alarmName, instanceID string) (time.Time, error)
	ListAlarmEvents(ctx context.Context, limit int) ([]model.AlarmEvent, error)

	SaveAlarmMetric(ctx context.Context, rec *model.AlarmMetricRecord) error
	GetAlarmMetric(ctx context.Context, id int64) (model.AlarmMetricRecord, error)
	ListAlarmMetricsAfter(ctx context.Context, afterID int64) ([]model.AlarmMetricRecord, error)
	CountAlarmMetricsAfter(ctx context.Context, afterID int64) (int, error)
	ListRecentAlarmMetrics(ctx context.Context, limit int) ([]model.AlarmMetricRecord, error)

	SaveOutcome(ctx context.Context, outcome *model.RemediationOutcome) error
	ListOutcomes(ctx context.Context, page, perPage int) ([]model.RemediationOutcome, int, error)
	ListOutcomesForMetric(ctx context.Context, metricID int64) ([]model.RemediationOutcome, error)

	SaveExecutionLog(ctx context.Context, entry *model.ExecutionLog) error
}

func NewStore(cfg config.StorageConfig) (Store, error) {
	var (
		s   Store
		err error
	)
	switch strings.ToLower(cfg.Driver) {
	case "", "sqlite":
		s, err = NewSQLite(cfg.DSN)
	case "postgres", "postgresql":
		s, err = NewPostgres(cfg.DSN)
	case "mysql":
		s, err = NewMySQL(cfg.DSN)
	default:
		return nil, errors.New("unsupported storage driver")
	}
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		if b, ok := s.(interface{ setMaxOpenConns(int) }); ok {
			b.setMaxOpenConns(cfg.MaxOpenConns)
		}
	}
	return s, nil
}

// dialect carries what differs between the SQL backends.
type dialect struct {
	name            string
	numbered        bool
	returning       bool
	schema          []string
	ensureWatermark string
	// afterExplicitID runs after a row is inserted with a caller supplied id
	// so the backend's id generator stays ahead of it.
	afterExplicitID map[string]string
}

func (d dialect) bind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type baseStore struct {
	db *sql.DB
	d  dialect
}

func (b *baseStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func (b *baseStore) setMaxOpenConns(n int) {
	if b.d.name == "sqlite" {
		return
	}
	b.db.SetMaxOpenConns(n)
}

func (b *baseStore) Ping(ctx context.Context) error {
	return b.db.PingContext(ctx)
}

func (b *baseStore) Init(ctx context.Context) error {
	for _, stmt := range b.d.schema {
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init %s schema: %w", b.d.name, err)
		}
	}
	return nil
}

func (b *baseStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return b.db.ExecContext(ctx, b.d.bind(query), args...)
}

func (b *baseStore) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return b.db.QueryContext(ctx, b.d.bind(query), args...)
}

func (b *baseStore) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return b.db.QueryRowContext(ctx, b.d.bind(query), args...)
}

func (b *baseStore) insert(ctx context.Context, query string, args ...any) (int64, error) {
	return b.insertWith(ctx, b.db, query, args...)
}

func (b *baseStore) insertWith(ctx context.Context, q querier, query string, args ...any) (int64, error) {
	if b.d.returning {
		var id int64
		if err := q.QueryRowContext(ctx, b.d.bind(query+" RETURNING id"), args...).Scan(&id); err != nil {
			return 0, err
		}
		return id, nil
	}
	res, err := q.ExecContext(ctx, b.d.bind(query), args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (b *baseStore) EnsureWatermark(ctx context.Context) (model.Watermark, error) {
	if _, err := b.exec(ctx, b.d.ensureWatermark, watermarkRowID, nowUTC()); err != nil {
		return model.Watermark{}, fmt.Errorf("create watermark row: %w", err)
	}
	return b.GetWatermark(ctx)
}

func (b *baseStore) GetWatermark(ctx context.Context) (model.Watermark, error) {
	var (
		wm      model.Watermark
		updated sql.NullTime
	)
	err := b.queryRow(ctx, `SELECT last_processed_id, updated_at FROM batch_status WHERE id = ?`, watermarkRowID).
		Scan(&wm.LastProcessedID, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Watermark{}, ErrNotFound
	}
	if err != nil {
		return model.Watermark{}, fmt.Errorf("read watermark: %w", err)
	}
	wm.UpdatedAt = updated.Time
	return wm, nil
}

// AdvanceWatermark moves the watermark forward to id. It never moves it back;
// a lower id leaves the stored value untouched.
func (b *baseStore) AdvanceWatermark(ctx context.Context, id int64) (model.Watermark, error) {
	if _, err := b.EnsureWatermark(ctx); err != nil {
		return model.Watermark{}, err
	}
	if _, err := b.exec(ctx,
		`UPDATE batch_status SET last_processed_id = ?, updated_at = ? WHERE id = ? AND last_processed_id < ?`,
		id, nowUTC(), watermarkRowID, id,
	); err != nil {
		return model.Watermark{}, fmt.Errorf("advance watermark: %w", err)
	}
	return b.GetWatermark(ctx)
}

func (b *baseStore) SaveAlarmEvent(ctx context.Context, ev *model.AlarmEvent) error {
	return b.saveAlarmEvent(ctx, b.db, ev)
}

func (b *baseStore) SaveAlarm(ctx context.Context, ev *model.AlarmEvent, rec *model.AlarmMetricRecord) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin alarm write: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	if err := b.saveAlarmEvent(ctx, tx, ev); err != nil {
		return err
	}
	if rec != nil {
		if err := b.saveAlarmMetric(ctx, tx, rec); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit alarm write: %w", err)
	}
	return nil
}

func (b *baseStore) saveAlarmEvent(ctx context.Context, q querier, ev *model.AlarmEvent) error {
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = nowUTC()
	}
	var raw any
	if len(ev.RawMessage) > 0 {
		raw = string(ev.RawMessage)
	}
	var stateChange any
	if !ev.StateChangeTime.IsZero() {
		stateChange = ev.StateChangeTime.UTC()
	}
	id, err := b.insertWith(ctx, q,
		`INSERT INTO cloudwatch_alarm_events (alarm_name, alarm_description, aws_account_id, new_state_value,
			new_state_reason, state_change_time, region, trigger_metric_name, trigger_namespace,
			trigger_instance_id, trigger_threshold, host, source, raw_message, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.AlarmName,
		ev.AlarmDescription,
		ev.AWSAccountID,
		ev.NewStateValue,
		ev.NewStateReason,
		stateChange,
		ev.Region,
		ev.TriggerMetricName,
		ev.TriggerNamespace,
		ev.TriggerInstanceID,
		ev.TriggerThreshold,
		ev.Host,
		ev.Source,
		raw,
		ev.ReceivedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert alarm event: %w", err)
	}
	ev.ID = id
	return nil
}

func (b *baseStore) LastAlarmEventAt(ctx context.Context, alarmName, instanceID string) (time.Time, error) {
	var ts time.Time
	err := b.queryRow(ctx,
		`SELECT received_at FROM cloudwatch_alarm_events
		WHERE alarm_name = ? AND trigger_instance_id = ?
		ORDER BY received_at DESC LIMIT 1`,
		alarmName, instanceID,
	).Scan(&ts)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, ErrNotFound
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("read last alarm event: %w", err)
	}
	return ts, nil
}

func (b *baseStore) ListAlarmEvents(ctx context.Context, limit int) ([]model.AlarmEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := b.query(ctx,
		`SELECT id, alarm_name, alarm_description, aws_account_id, new_state_value, new_state_reason,
			state_change_time, region, trigger_metric_name, trigger_namespace, trigger_instance_id,
			trigger_threshold, host, source, received_at
		FROM cloudwatch_alarm_events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list alarm events: %w", err)
	}
	defer rows.Close()
	out := make([]model.AlarmEvent, 0)
	for rows.Next() {
		var (
			ev          model.AlarmEvent
			stateChange sql.NullTime
		)
		if err := rows.Scan(&ev.ID, &ev.AlarmName, &ev.AlarmDescription, &ev.AWSAccountID, &ev.NewStateValue,
			&ev.NewStateReason, &stateChange, &ev.Region, &ev.TriggerMetricName, &ev.TriggerNamespace,
			&ev.TriggerInstanceID, &ev.TriggerThreshold, &ev.Host, &ev.Source, &ev.ReceivedAt); err != nil {
			return nil, fmt.Errorf("scan alarm event: %w", err)
		}
		ev.StateChangeTime = stateChange.Time
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (b *baseStore) SaveAlarmMetric(ctx context.Context, rec *model.AlarmMetricRecord) error {
	return b.saveAlarmMetric(ctx, b.db, rec)
}

func (b *baseStore) saveAlarmMetric(ctx context.Context, q querier, rec *model.AlarmMetricRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = nowUTC()
	}
	if rec.ID != 0 {
		if _, err := q.ExecContext(ctx, b.d.bind(
			`INSERT INTO cloudwatch_alarm_metrics (id, alarm_description, metric_id, metric_host, metric_namespace, metric_pattern, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`),
			rec.ID, rec.AlarmDescription, rec.MetricID, rec.MetricHost, rec.MetricNamespace, rec.MetricPattern, rec.CreatedAt.UTC(),
		); err != nil {
			return fmt.Errorf("insert alarm metric %d: %w", rec.ID, err)
		}
		if stmt, ok := b.d.afterExplicitID["cloudwatch_alarm_metrics"]; ok {
			if _, err := q.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("sync alarm metric id sequence: %w", err)
			}
		}
		return nil
	}
	id, err := b.insertWith(ctx, q,
		`INSERT INTO cloudwatch_alarm_metrics (alarm_description, metric_id, metric_host, metric_namespace, metric_pattern, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.AlarmDescription, rec.MetricID, rec.MetricHost, rec.MetricNamespace, rec.MetricPattern, rec.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert alarm metric: %w", err)
	}
	rec.ID = id
	return nil
}

const alarmMetricColumns = `id, alarm_description, metric_id, metric_host, metric_namespace, metric_pattern, created_at`

func scanAlarmMetric(scan func(dest ...any) error) (model.AlarmMetricRecord, error) {
	var rec model.AlarmMetricRecord
	var desc, metricID, host, ns, pattern sql.NullString
	var created sql.NullTime
	if err := scan(&rec.ID, &desc, &metricID, &host, &ns, &pattern, &created); err != nil {
		return model.AlarmMetricRecord{}, err
	}
	rec.AlarmDescription = desc.String
	rec.MetricID = metricID.String
	rec.MetricHost = host.String
	rec.MetricNamespace = ns.String
	rec.MetricPattern = pattern.String
	rec.CreatedAt = created.Time
	return rec, nil
}

func (b *baseStore) GetAlarmMetric(ctx context.Context, id int64) (model.AlarmMetricRecord, error) {
	row := b.queryRow(ctx, `SELECT `+alarmMetricColumns+` FROM cloudwatch_alarm_metrics WHERE id = ?`, id)
	rec, err := scanAlarmMetric(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return model.AlarmMetricRecord{}, ErrNotFound
	}
	if err != nil {
		return model.AlarmMetricRecord{}, fmt.Errorf("read alarm metric %d: %w", id, err)
	}
	return rec, nil
}

func (b *baseStore) ListAlarmMetricsAfter(ctx context.Context, afterID int64) ([]model.AlarmMetricRecord, error) {
	return b.listAlarmMetrics(ctx,
		`SELECT `+alarmMetricColumns+` FROM cloudwatch_alarm_metrics WHERE id > ? ORDER BY id ASC`, afterID)
}

func (b *baseStore) CountAlarmMetricsAfter(ctx context.Context, afterID int64) (int, error) {
	var n int
	if err := b.queryRow(ctx, `SELECT COUNT(*) FROM cloudwatch_alarm_metrics WHERE id > ?`, afterID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count alarm metrics: %w", err)
	}
	return n, nil
}

func (b *baseStore) ListRecentAlarmMetrics(ctx context.Context, limit int) ([]model.AlarmMetricRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	return b.listAlarmMetrics(ctx,
		`SELECT `+alarmMetricColumns+` FROM cloudwatch_alarm_metrics ORDER BY id DESC LIMIT ?`, limit)
}

func (b *baseStore) listAlarmMetrics(ctx context.Context, query string, args ...any) ([]model.AlarmMetricRecord, error) {
	rows, err := b.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list alarm metrics: %w", err)
	}
	defer rows.Close()
	out := make([]model.AlarmMetricRecord, 0)
	for rows.Next() {
		rec, err := scanAlarmMetric(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan alarm metric: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (b *baseStore) SaveOutcome(ctx context.Context, o *model.RemediationOutcome) error {
	if o.CreatedAt.IsZero() {
		o.CreatedAt = nowUTC()
	}
	id, err := b.insert(ctx,
		`INSERT INTO bedrock_responses (metric_id, salt_command, ai_request, ai_response, response_time_ms, trigger_source, execution_error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		o.MetricID, o.Command, o.AnalysisRequest, o.AnalysisText, o.DurationMS, string(o.Trigger), o.ExecutionError, o.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert outcome for metric %d: %w", o.MetricID, err)
	}
	o.ID = id
	return nil
}

const outcomeColumns = `id, metric_id, salt_command, ai_request, ai_response, response_time_ms, trigger_source, execution_error, created_at`

func scanOutcome(scan func(dest ...any) error) (model.RemediationOutcome, error) {
	var o model.RemediationOutcome
	var cmd, req, resp, trigger, execErr sql.NullString
	var duration sql.NullInt64
	var created sql.NullTime
	if err := scan(&o.ID, &o.MetricID, &cmd, &req, &resp, &duration, &trigger, &execErr, &created); err != nil {
		return model.RemediationOutcome{}, err
	}
	o.Command = cmd.String
	o.AnalysisRequest = req.String
	o.AnalysisText = resp.String
	o.DurationMS = duration.Int64
	o.Trigger = model.Trigger(trigger.String)
	o.ExecutionError = execErr.String
	o.CreatedAt = created.Time
	return o, nil
}

func (b *baseStore) ListOutcomes(ctx context.Context, page, perPage int) ([]model.RemediationOutcome, int, error) {
	if page <= 0 {
		page = 1
	}
	if perPage <= 0 {
		perPage = 20
	}
	var total int
	if err := b.queryRow(ctx, `SELECT COUNT(*) FROM bedrock_responses`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count outcomes: %w", err)
	}
	rows, err := b.query(ctx,
		`SELECT `+outcomeColumns+` FROM bedrock_responses ORDER BY id DESC LIMIT ? OFFSET ?`,
		perPage, (page-1)*perPage)
	if err != nil {
		return nil, 0, fmt.Errorf("list outcomes: %w", err)
	}
	defer rows.Close()
	out, err := collectOutcomes(rows)
	return out, total, err
}

func (b *baseStore) ListOutcomesForMetric(ctx context.Context, metricID int64) ([]model.RemediationOutcome, error) {
	rows, err := b.query(ctx,
		`SELECT `+outcomeColumns+` FROM bedrock_responses WHERE metric_id = ? ORDER BY id ASC`, metricID)
	if err != nil {
		return nil, fmt.Errorf("list outcomes for metric %d: %w", metricID, err)
	}
	defer rows.Close()
	return collectOutcomes(rows)
}

func collectOutcomes(rows *sql.Rows) ([]model.RemediationOutcome, error) {
	out := make([]model.RemediationOutcome, 0)
	for rows.Next() {
		o, err := scanOutcome(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan outcome: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (b *baseStore) SaveExecutionLog(ctx context.Context, entry *model.ExecutionLog) error {
	if entry.ExecutedAt.IsZero() {
		entry.ExecutedAt = nowUTC()
	}
	result := "null"
	if len(entry.Result) > 0 {
		result = string(entry.Result)
	}
	id, err := b.insert(ctx,
		`INSERT INTO salt_execution_logs (target_minion, function_name, arguments, result, executed_at)
		VALUES (?, ?, ?, ?, ?)`,
		entry.Target, entry.Function, encodeJSON(entry.Arguments), result, entry.ExecutedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert execution log: %w", err)
	}
	entry.ID = id
	return nil
}

func encodeJSON(value any) string {
	data, _ := json.Marshal(value)
	return string(data)
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
