package model

import (
	"encoding/json"
	"time"
)

// AlarmEvent is a CloudWatch alarm state change as received from a source.
type AlarmEvent struct {
	ID                int64           `json:"id"`
	AlarmName         string          `json:"alarm_name"`
	AlarmDescription  string          `json:"alarm_description"`
	AWSAccountID      string          `json:"aws_account_id"`
	NewStateValue     string          `json:"new_state_value"`
	NewStateReason    string          `json:"new_state_reason"`
	StateChangeTime   time.Time       `json:"state_change_time"`
	Region            string          `json:"region"`
	TriggerMetricName string          `json:"trigger_metric_name"`
	TriggerNamespace  string          `json:"trigger_namespace"`
	TriggerInstanceID string          `json:"trigger_instance_id"`
	TriggerThreshold  float64         `json:"trigger_threshold"`
	Host              string          `json:"host,omitempty"`
	Source            string          `json:"source,omitempty"`
	RawMessage        json.RawMessage `json:"raw_message,omitempty"`
	ReceivedAt        time.Time       `json:"received_at"`
}

// AlarmMetricRecord is the unit of work of the remediation pipeline.
// Rows are written by ingestion and only read by the pipeline.
type AlarmMetricRecord struct {
	ID               int64     `json:"id"`
	AlarmDescription string    `json:"alarm_description"`
	MetricID         string    `json:"metric_id"`
	MetricHost       string    `json:"metric_host"`
	MetricNamespace  string    `json:"metric_namespace"`
	MetricPattern    string    `json:"metric_pattern"`
	CreatedAt        time.Time `json:"created_at"`
}

type Watermark struct {
	LastProcessedID int64     `json:"last_processed_id"`
	UpdatedAt       time.Time `json:"updated_at"`
}

type Trigger string

const (
	TriggerScheduled Trigger = "scheduled"
	TriggerManual    Trigger = "manual"
)

// RemediationOutcome is the append-only audit row of one processing attempt.
type RemediationOutcome struct {
	ID              int64     `json:"id"`
	MetricID        int64     `json:"metric_id"`
	Command         string    `json:"command"`
	AnalysisRequest string    `json:"analysis_request"`
	AnalysisText    string    `json:"analysis_text"`
	DurationMS      int64     `json:"duration_ms"`
	Trigger         Trigger   `json:"trigger"`
	ExecutionError  string    `json:"execution_error,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

type ExecutionLog struct {
	ID         int64           `json:"id"`
	Target     string          `json:"target"`
	Function   string          `json:"function"`
	Arguments  []string        `json:"arguments"`
	Result     json.RawMessage `json:"result"`
	ExecutedAt time.Time       `json:"executed_at"`
}

type ActionSource string

const (
	SourceDescription ActionSource = "description"
	SourcePattern     ActionSource = "pattern"
	SourceDefault     ActionSource = "default"
)

// RemediationAction is a resolved, possibly templated remediation command.
// An empty Target means the action is not executable as-is.
type RemediationAction struct {
	Command                  string       `json:"command"`
	Function                 string       `json:"function,omitempty"`
	Args                     []string     `json:"args,omitempty"`
	Target                   string       `json:"target,omitempty"`
	RequiresMinionResolution bool         `json:"requires_minion_resolution"`
	Source                   ActionSource `json:"source"`
}

type ProcessingStatus string

const (
	StatusSuccess        ProcessingStatus = "success"
	StatusSkippedNoMatch ProcessingStatus = "skipped_no_match"
	StatusFailed         ProcessingStatus = "failed"
)

type ProcessingResult struct {
	RecordID int64               `json:"record_id"`
	Status   ProcessingStatus    `json:"status"`
	Outcome  *RemediationOutcome `json:"outcome,omitempty"`
	Reason   string              `json:"reason,omitempty"`
}

// Attempted reports whether the record went through the pipeline end to end.
// It says nothing about whether the remediation itself worked.
func (r ProcessingResult) Attempted() bool {
	return r.Status == StatusSuccess || r.Status == StatusSkippedNoMatch
}

type BatchSummary struct {
	RunID          string             `json:"run_id"`
	Status         string             `json:"status"`
	StartedAt      time.Time          `json:"started_at"`
	FinishedAt     time.Time          `json:"finished_at"`
	PreviousID     int64              `json:"previous_id"`
	LastID         int64              `json:"last_id"`
	Fetched        int                `json:"fetched"`
	ProcessedCount int                `json:"processed_count"`
	Results        []ProcessingResult `json:"results,omitempty"`
	RecordErrors   map[int64]string   `json:"per_record_errors,omitempty"`
	Error          string             `json:"error,omitempty"`
}

const (
	BatchStatusNoNewData = "no_new_data"
	BatchStatusSuccess   = "success"
	BatchStatusFailed    = "failed"
)
