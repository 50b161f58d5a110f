package storage

import (
	"database/sql"
	"strings"

	_ "modernc.org/sqlite"
)

var sqliteDialect = dialect{
	name: "sqlite",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS cloudwatch_alarm_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			alarm_name TEXT NOT NULL,
			alarm_description TEXT NOT NULL DEFAULT '',
			aws_account_id TEXT NOT NULL DEFAULT '',
			new_state_value TEXT NOT NULL DEFAULT '',
			new_state_reason TEXT NOT NULL DEFAULT '',
			state_change_time DATETIME,
			region TEXT NOT NULL DEFAULT '',
			trigger_metric_name TEXT NOT NULL DEFAULT '',
			trigger_namespace TEXT NOT NULL DEFAULT '',
			trigger_instance_id TEXT NOT NULL DEFAULT '',
			trigger_threshold REAL NOT NULL DEFAULT 0,
			host TEXT NOT NULL DEFAULT '',
			source TEXT NOT NULL DEFAULT '',
			raw_message TEXT,
			received_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alarm_events_dedupe ON cloudwatch_alarm_events(alarm_name, trigger_instance_id, received_at)`,
		`CREATE TABLE IF NOT EXISTS cloudwatch_alarm_metrics (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			alarm_description TEXT,
			metric_id TEXT,
			metric_host TEXT,
			metric_namespace TEXT,
			metric_pattern TEXT,
			created_at DATETIME
		)`,
		`CREATE TABLE IF NOT EXISTS batch_status (
			id INTEGER PRIMARY KEY,
			last_processed_id INTEGER NOT NULL DEFAULT 0,
			updated_at DATETIME
		)`,
		`CREATE TABLE IF NOT EXISTS bedrock_responses (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			metric_id INTEGER NOT NULL,
			salt_command TEXT,
			ai_request TEXT,
			ai_response TEXT,
			response_time_ms INTEGER,
			trigger_source TEXT,
			execution_error TEXT,
			created_at DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_bedrock_responses_metric ON bedrock_responses(metric_id)`,
		`CREATE TABLE IF NOT EXISTS salt_execution_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			target_minion TEXT NOT NULL,
			function_name TEXT NOT NULL,
			arguments TEXT,
			result TEXT,
			executed_at DATETIME NOT NULL
		)`,
	},
	ensureWatermark: `INSERT INTO batch_status (id, last_processed_id, updated_at) VALUES (?, 0, ?) ON CONFLICT(id) DO NOTHING`,
}

type sqliteStore struct {
	baseStore
}

func NewSQLite(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:rescuebot.db?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// One writer at a time; busy_timeout covers other processes.
	db.SetMaxOpenConns(1)
	return &sqliteStore{baseStore{db: db, d: sqliteDialect}}, nil
}
