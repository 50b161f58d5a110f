package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	LogLevel string         `json:"log_level" yaml:"log_level"`
	Ingest   IngestConfig   `json:"ingest" yaml:"ingest"`
	Pipeline PipelineConfig `json:"pipeline" yaml:"pipeline"`
	Rules    RulesConfig    `json:"rules" yaml:"rules"`
	Fleet    FleetConfig    `json:"fleet" yaml:"fleet"`
	Analysis AnalysisConfig `json:"analysis" yaml:"analysis"`
	Notify   NotifyConfig   `json:"notify" yaml:"notify"`
	API      APIConfig      `json:"api" yaml:"api"`
	Storage  StorageConfig  `json:"storage" yaml:"storage"`
	History  HistoryConfig  `json:"history" yaml:"history"`
}

type IngestConfig struct {
	DedupeWindow time.Duration `json:"dedupe_window" yaml:"dedupe_window"`
	REST         RESTConfig    `json:"rest" yaml:"rest"`
	Kafka        KafkaConfig   `json:"kafka" yaml:"kafka"`
}

type RESTConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type KafkaConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
	GroupID string   `json:"group_id" yaml:"group_id"`
}

type PipelineConfig struct {
	AutoStart         bool          `json:"auto_start" yaml:"auto_start"`
	Interval          time.Duration `json:"interval" yaml:"interval"`
	SkipUnmatched     bool          `json:"skip_unmatched" yaml:"skip_unmatched"`
	ScheduledTruncate int           `json:"scheduled_truncate" yaml:"scheduled_truncate"`
	ManualTruncate    int           `json:"manual_truncate" yaml:"manual_truncate"`
	ResolveTimeout    time.Duration `json:"resolve_timeout" yaml:"resolve_timeout"`
	ExecuteTimeout    time.Duration `json:"execute_timeout" yaml:"execute_timeout"`
	AnalysisTimeout   time.Duration `json:"analysis_timeout" yaml:"analysis_timeout"`
	NotifyTimeout     time.Duration `json:"notify_timeout" yaml:"notify_timeout"`
}

type RulesConfig struct {
	Descriptions   []DescriptionRule            `json:"descriptions" yaml:"descriptions"`
	Patterns       map[string]map[string]string `json:"patterns" yaml:"patterns"`
	DefaultCommand string                       `json:"default_command" yaml:"default_command"`
}

// DescriptionRule maps a failure signature found in alarm text to a salt function.
type DescriptionRule struct {
	Contains string   `json:"contains" yaml:"contains"`
	Function string   `json:"function" yaml:"function"`
	Args     []string `json:"args" yaml:"args"`
}

type FleetConfig struct {
	Enabled     bool          `json:"enabled" yaml:"enabled"`
	URL         string        `json:"url" yaml:"url"`
	Username    string        `json:"username" yaml:"username"`
	Password    string        `json:"password" yaml:"password"`
	EAuth       string        `json:"eauth" yaml:"eauth"`
	Timeout     time.Duration `json:"timeout" yaml:"timeout"`
	JobsTimeout time.Duration `json:"jobs_timeout" yaml:"jobs_timeout"`
	TokenTTL    time.Duration `json:"token_ttl" yaml:"token_ttl"`
}

type AnalysisConfig struct {
	Provider string        `json:"provider" yaml:"provider"`
	Bedrock  BedrockConfig `json:"bedrock" yaml:"bedrock"`
	OpenAI   OpenAIConfig  `json:"openai" yaml:"openai"`
}

type BedrockConfig struct {
	Region      string `json:"region" yaml:"region"`
	ModelID     string `json:"model_id" yaml:"model_id"`
	Endpoint    string `json:"endpoint" yaml:"endpoint"`
	BearerToken string `json:"bearer_token" yaml:"bearer_token"`
	MaxTokens   int    `json:"max_tokens" yaml:"max_tokens"`
}

type OpenAIConfig struct {
	APIKey    string `json:"api_key" yaml:"api_key"`
	Model     string `json:"model" yaml:"model"`
	BaseURL   string `json:"base_url" yaml:"base_url"`
	MaxTokens int    `json:"max_tokens" yaml:"max_tokens"`
}

type NotifyConfig struct {
	Slack SlackConfig `json:"slack" yaml:"slack"`
	NATS  NATSConfig  `json:"nats" yaml:"nats"`
}

type SlackConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	WebhookURL string `json:"webhook_url" yaml:"webhook_url"`
	IconEmoji  string `json:"icon_emoji" yaml:"icon_emoji"`
}

type NATSConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	URL     string `json:"url" yaml:"url"`
	Subject string `json:"subject" yaml:"subject"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type StorageConfig struct {
	Driver       string `json:"driver" yaml:"driver"`
	DSN          string `json:"dsn" yaml:"dsn"`
	MaxOpenConns int    `json:"max_open_conns" yaml:"max_open_conns"`
}

type HistoryConfig struct {
	Limit int `json:"limit" yaml:"limit"`
}

func DefaultRules() RulesConfig {
	return RulesConfig{
		Descriptions: []DescriptionRule{
			{Contains: "mysql connection error", Function: "service.restart", Args: []string{"mysql"}},
		},
		Patterns: map[string]map[string]string{
			"AWS/EC2": {
				"CPUUtilization":    `salt "*" cmd.run "top -bn1 | grep Cpu"`,
				"StatusCheckFailed": `salt "*" service.restart mysql`,
				"NetworkIn":         `salt "*" cmd.run "netstat -i"`,
			},
			"Custom/MySQL": {
				"Port3306Status": `salt "*" service.restart mysql && salt "*" cmd.run "systemctl status mysql"`,
			},
		},
		DefaultCommand: `salt "*" cmd.run "echo No command found"`,
	}
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Ingest: IngestConfig{
			DedupeWindow: 5 * time.Minute,
			REST:         RESTConfig{Enabled: true, Addr: ":8080"},
			Kafka:        KafkaConfig{Enabled: false},
		},
		Pipeline: PipelineConfig{
			AutoStart:         true,
			Interval:          time.Minute,
			ScheduledTruncate: 500,
			ManualTruncate:    1000,
			ResolveTimeout:    10 * time.Second,
			ExecuteTimeout:    10 * time.Second,
			AnalysisTimeout:   30 * time.Second,
			NotifyTimeout:     10 * time.Second,
		},
		Rules: DefaultRules(),
		Fleet: FleetConfig{
			Enabled:     false,
			URL:         "http://localhost:8000",
			Username:    "saltapi",
			EAuth:       "pam",
			Timeout:     10 * time.Second,
			JobsTimeout: 5 * time.Second,
			TokenTTL:    10 * time.Hour,
		},
		Analysis: AnalysisConfig{
			Provider: "bedrock",
			Bedrock: BedrockConfig{
				Region:    "us-east-1",
				ModelID:   "anthropic.claude-3-sonnet-20240229-v1:0",
				MaxTokens: 1000,
			},
			OpenAI: OpenAIConfig{Model: "gpt-4o-mini", MaxTokens: 1000},
		},
		Notify: NotifyConfig{
			Slack: SlackConfig{Enabled: false, IconEmoji: ":robot_face:"},
			NATS:  NATSConfig{Enabled: false, URL: "nats://localhost:4222", Subject: "rescuebot.outcomes"},
		},
		API:     APIConfig{Enabled: true, Addr: ":3000"},
		Storage: StorageConfig{Driver: "sqlite", DSN: "file:rescuebot.db?_pragma=busy_timeout(5000)", MaxOpenConns: 4},
		History: HistoryConfig{Limit: 100},
	}
}

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()

	trimmed := strings.TrimSpace(string(content))
	if len(trimmed) == 0 {
		return nil, errors.New("config file is empty")
	}
	var decodeErr error
	if looksLikeJSON(trimmed) {
		decodeErr = json.Unmarshal([]byte(trimmed), cfg)
	} else {
		decodeErr = yaml.Unmarshal([]byte(trimmed), cfg)
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	applyEnv(cfg)
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault loads path when it exists and falls back to defaults otherwise.
func LoadOrDefault(path string) (*Config, error) {
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}
	cfg := DefaultConfig()
	applyEnv(cfg)
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	if path == "" || cfg == nil {
		return errors.New("config path or config is empty")
	}
	var data []byte
	var err error
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".json" {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

// applyEnv lets secrets stay out of the config file.
func applyEnv(cfg *Config) {
	if v := os.Getenv("SALT_API_URL"); v != "" {
		cfg.Fleet.URL = v
	}
	if v := os.Getenv("SALT_USERNAME"); v != "" {
		cfg.Fleet.Username = v
	}
	if v := os.Getenv("SALT_PASSWORD"); v != "" {
		cfg.Fleet.Password = v
	}
	if v := os.Getenv("AWS_BEARER_TOKEN_BEDROCK"); v != "" {
		cfg.Analysis.Bedrock.BearerToken = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.Analysis.OpenAI.APIKey = v
	}
	if v := os.Getenv("SLACK_WEBHOOK_URL"); v != "" {
		cfg.Notify.Slack.WebhookURL = v
	}
	if v := os.Getenv("RESCUEBOT_DSN"); v != "" {
		cfg.Storage.DSN = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Pipeline.Interval <= 0 {
		cfg.Pipeline.Interval = time.Minute
	}
	if cfg.Pipeline.ScheduledTruncate <= 0 {
		cfg.Pipeline.ScheduledTruncate = 500
	}
	if cfg.Pipeline.ManualTruncate <= 0 {
		cfg.Pipeline.ManualTruncate = 1000
	}
	if cfg.Pipeline.ResolveTimeout <= 0 {
		cfg.Pipeline.ResolveTimeout = 10 * time.Second
	}
	if cfg.Pipeline.ExecuteTimeout <= 0 {
		cfg.Pipeline.ExecuteTimeout = 10 * time.Second
	}
	if cfg.Pipeline.AnalysisTimeout <= 0 {
		cfg.Pipeline.AnalysisTimeout = 30 * time.Second
	}
	if cfg.Pipeline.NotifyTimeout <= 0 {
		cfg.Pipeline.NotifyTimeout = 10 * time.Second
	}
	if cfg.Ingest.DedupeWindow < 0 {
		cfg.Ingest.DedupeWindow = 0
	}
	if cfg.Rules.DefaultCommand == "" {
		cfg.Rules.DefaultCommand = DefaultRules().DefaultCommand
	}
	if cfg.Fleet.EAuth == "" {
		cfg.Fleet.EAuth = "pam"
	}
	if cfg.Fleet.Timeout <= 0 {
		cfg.Fleet.Timeout = 10 * time.Second
	}
	if cfg.Fleet.JobsTimeout <= 0 {
		cfg.Fleet.JobsTimeout = 5 * time.Second
	}
	if cfg.Fleet.TokenTTL <= 0 {
		cfg.Fleet.TokenTTL = 10 * time.Hour
	}
	if cfg.Analysis.Provider == "" {
		cfg.Analysis.Provider = "bedrock"
	}
	if cfg.Analysis.Bedrock.MaxTokens <= 0 {
		cfg.Analysis.Bedrock.MaxTokens = 1000
	}
	if cfg.Analysis.OpenAI.MaxTokens <= 0 {
		cfg.Analysis.OpenAI.MaxTokens = 1000
	}
	if cfg.Notify.Slack.IconEmoji == "" {
		cfg.Notify.Slack.IconEmoji = ":robot_face:"
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "sqlite"
	}
	if cfg.History.Limit <= 0 {
		cfg.History.Limit = 100
	}
}

func Validate(cfg *Config) error {
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return errors.New("api.addr required when api.enabled is true")
	}
	if cfg.Ingest.REST.Enabled && cfg.Ingest.REST.Addr == "" {
		return errors.New("ingest.rest.addr required when ingest.rest.enabled is true")
	}
	if cfg.Ingest.Kafka.Enabled {
		if len(cfg.Ingest.Kafka.Brokers) == 0 || cfg.Ingest.Kafka.Topic == "" || cfg.Ingest.Kafka.GroupID == "" {
			return errors.New("ingest.kafka requires brokers, topic, group_id")
		}
	}
	if cfg.Fleet.Enabled && cfg.Fleet.URL == "" {
		return errors.New("fleet.url required when fleet.enabled is true")
	}
	if cfg.Notify.Slack.Enabled && cfg.Notify.Slack.WebhookURL == "" {
		return errors.New("notify.slack.webhook_url required when notify.slack.enabled is true")
	}
	if cfg.Notify.NATS.Enabled && (cfg.Notify.NATS.URL == "" || cfg.Notify.NATS.Subject == "") {
		return errors.New("notify.nats requires url and subject")
	}
	switch strings.ToLower(cfg.Analysis.Provider) {
	case "bedrock", "openai", "none":
	default:
		return fmt.Errorf("analysis.provider %q not supported", cfg.Analysis.Provider)
	}
	switch strings.ToLower(cfg.Storage.Driver) {
	case "sqlite", "postgres", "postgresql", "mysql":
	default:
		return fmt.Errorf("storage.driver %q not supported", cfg.Storage.Driver)
	}
	for i, rule := range cfg.Rules.Descriptions {
		if strings.TrimSpace(rule.Contains) == "" || rule.Function == "" {
			return fmt.Errorf("rules.descriptions[%d] requires contains and function", i)
		}
	}
	return nil
}

type Manager struct {
	path    string
	cfg     atomic.Value
	modTime time.Time
}

func NewManager(path string) (*Manager, error) {
	cfg, err := LoadOrDefault(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path}
	m.cfg.Store(cfg)
	if path != "" {
		if info, err := os.Stat(path); err == nil {
			m.modTime = info.ModTime()
		}
	}
	return m, nil
}

func (m *Manager) Get() *Config {
	if v := m.cfg.Load(); v != nil {
		return v.(*Config)
	}
	return DefaultConfig()
}

func (m *Manager) Path() string {
	return m.path
}

func (m *Manager) Reload() (*Config, error) {
	cfg, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.cfg.Store(cfg)
	if info, err := os.Stat(m.path); err == nil {
		m.modTime = info.ModTime()
	}
	return cfg, nil
}

func (m *Manager) Update(cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if err := Validate(cfg); err != nil {
		return err
	}
	if m.path != "" {
		if err := Save(m.path, cfg); err != nil {
			return err
		}
		if info, err := os.Stat(m.path); err == nil {
			m.modTime = info.ModTime()
		}
	}
	m.cfg.Store(cfg)
	return nil
}

func (m *Manager) NeedsReload() (bool, error) {
	info, err := os.Stat(m.path)
	if err != nil {
		return false, err
	}
	return info.ModTime().After(m.modTime), nil
}

func (m *Manager) Watch(interval time.Duration, onReload func(*Config), onError func(error), stop <-chan struct{}) {
	if m.path == "" {
		return
	}
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			needs, err := m.NeedsReload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if !needs {
				continue
			}
			cfg, err := m.Reload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if onReload != nil {
				onReload(cfg)
			}
		case <-stop:
			return
		}
	}
}

func ResolvePath(path string) string {
	if path == "" {
		return path
	}
	if filepath.IsAbs(path) {
		return path
	}
	cwd, err := os.Getwd()
	if err != nil {
		return path
	}
	return filepath.Join(cwd, path)
}
