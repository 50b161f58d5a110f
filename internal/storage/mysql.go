package storage

import (
	"database/sql"
	"strings"

	_ "github.com/go-sql-driver/mysql"
)

// MySQL has no CREATE INDEX IF NOT EXISTS, so indexes live in the table DDL.
var mysqlDialect = dialect{
	name: "mysql",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS cloudwatch_alarm_events (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			alarm_name VARCHAR(255) NOT NULL,
			alarm_description TEXT NOT NULL,
			aws_account_id VARCHAR(64) NOT NULL DEFAULT '',
			new_state_value VARCHAR(32) NOT NULL DEFAULT '',
			new_state_reason TEXT NOT NULL,
			state_change_time DATETIME(6) NULL,
			region VARCHAR(64) NOT NULL DEFAULT '',
			trigger_metric_name VARCHAR(255) NOT NULL DEFAULT '',
			trigger_namespace VARCHAR(255) NOT NULL DEFAULT '',
			trigger_instance_id VARCHAR(255) NOT NULL DEFAULT '',
			trigger_threshold DOUBLE NOT NULL DEFAULT 0,
			host VARCHAR(255) NOT NULL DEFAULT '',
			source VARCHAR(32) NOT NULL DEFAULT '',
			raw_message JSON NULL,
			received_at DATETIME(6) NOT NULL,
			INDEX idx_alarm_events_dedupe (alarm_name, trigger_instance_id, received_at)
		)`,
		`CREATE TABLE IF NOT EXISTS cloudwatch_alarm_metrics (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			alarm_description TEXT NULL,
			metric_id VARCHAR(255) NULL,
			metric_host VARCHAR(255) NULL,
			metric_namespace VARCHAR(255) NULL,
			metric_pattern VARCHAR(255) NULL,
			created_at DATETIME(6) NULL
		)`,
		`CREATE TABLE IF NOT EXISTS batch_status (
			id INT PRIMARY KEY,
			last_processed_id BIGINT NOT NULL DEFAULT 0,
			updated_at DATETIME(6) NULL
		)`,
		`CREATE TABLE IF NOT EXISTS bedrock_responses (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			metric_id BIGINT NOT NULL,
			salt_command TEXT NULL,
			ai_request TEXT NULL,
			ai_response MEDIUMTEXT NULL,
			response_time_ms BIGINT NULL,
			trigger_source VARCHAR(16) NULL,
			execution_error TEXT NULL,
			created_at DATETIME(6) NULL,
			INDEX idx_bedrock_responses_metric (metric_id)
		)`,
		`CREATE TABLE IF NOT EXISTS salt_execution_logs (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			target_minion VARCHAR(255) NOT NULL,
			function_name VARCHAR(255) NOT NULL,
			arguments JSON NULL,
			result JSON NULL,
			executed_at DATETIME(6) NOT NULL
		)`,
	},
	ensureWatermark: `INSERT IGNORE INTO batch_status (id, last_processed_id, updated_at) VALUES (?, 0, ?)`,
}

type mysqlStore struct {
	baseStore
}

// NewMySQL opens a MySQL store. The DSN must carry parseTime=true so DATETIME
// columns scan into time.Time; it is appended when missing.
func NewMySQL(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "root@tcp(localhost:3306)/rescuebot"
	}
	if !strings.Contains(dsn, "parseTime=") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "parseTime=true"
	}
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, err
	}
	return &mysqlStore{baseStore{db: db, d: mysqlDialect}}, nil
}
