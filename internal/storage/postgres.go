package storage

import (
	"database/sql"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
)

var postgresDialect = dialect{
	name:      "postgres",
	numbered:  true,
	returning: true,
	schema: []string{
		`CREATE TABLE IF NOT EXISTS cloudwatch_alarm_events (
			id BIGSERIAL PRIMARY KEY,
			alarm_name TEXT NOT NULL,
			alarm_description TEXT NOT NULL DEFAULT '',
			aws_account_id TEXT NOT NULL DEFAULT '',
			new_state_value TEXT NOT NULL DEFAULT '',
			new_state_reason TEXT NOT NULL DEFAULT '',
			state_change_time TIMESTAMPTZ,
			region TEXT NOT NULL DEFAULT '',
			trigger_metric_name TEXT NOT NULL DEFAULT '',
			trigger_namespace TEXT NOT NULL DEFAULT '',
			trigger_instance_id TEXT NOT NULL DEFAULT '',
			trigger_threshold DOUBLE PRECISION NOT NULL DEFAULT 0,
			host TEXT NOT NULL DEFAULT '',
			source TEXT NOT NULL DEFAULT '',
			raw_message JSONB,
			received_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alarm_events_dedupe ON cloudwatch_alarm_events(alarm_name, trigger_instance_id, received_at)`,
		`CREATE TABLE IF NOT EXISTS cloudwatch_alarm_metrics (
			id BIGSERIAL PRIMARY KEY,
			alarm_description TEXT,
			metric_id TEXT,
			metric_host TEXT,
			metric_namespace TEXT,
			metric_pattern TEXT,
			created_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS batch_status (
			id INTEGER PRIMARY KEY,
			last_processed_id BIGINT NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS bedrock_responses (
			id BIGSERIAL PRIMARY KEY,
			metric_id BIGINT NOT NULL,
			salt_command TEXT,
			ai_request TEXT,
			ai_response TEXT,
			response_time_ms BIGINT,
			trigger_source TEXT,
			execution_error TEXT,
			created_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_bedrock_responses_metric ON bedrock_responses(metric_id)`,
		`CREATE TABLE IF NOT EXISTS salt_execution_logs (
			id BIGSERIAL PRIMARY KEY,
			target_minion TEXT NOT NULL,
			function_name TEXT NOT NULL,
			arguments JSONB,
			result JSONB,
			executed_at TIMESTAMPTZ NOT NULL
		)`,
	},
	ensureWatermark: `INSERT INTO batch_status (id, last_processed_id, updated_at) VALUES (?, 0, ?) ON CONFLICT (id) DO NOTHING`,
	afterExplicitID: map[string]string{
		"cloudwatch_alarm_metrics": `SELECT setval(pg_get_serial_sequence('cloudwatch_alarm_metrics', 'id'), (SELECT MAX(id) FROM cloudwatch_alarm_metrics))`,
	},
}

type postgresStore struct {
	baseStore
}

func NewPostgres(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/rescuebot?sslmode=disable"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &postgresStore{baseStore{db: db, d: postgresDialect}}, nil
}
