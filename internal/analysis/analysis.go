package analysis

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"rescuebot/internal/config"
)

const failurePrefix = "AI analysis failed: "

// Client enriches a processed alarm with a natural-language analysis.
// Analyze always returns text; failures come back as a readable message.
type Client interface {
	Analyze(ctx context.Context, req Request) string
}

// Request identifies the record and the command chosen for it.
type Request struct {
	RecordID       int64
	Command        string
	Host           string
	MetricID       string
	ExecutionError string
}

// String is the audit form stored alongside the outcome.
func (r Request) String() string {
	return fmt.Sprintf("PK ID: %d, Salt Command: %s, Argument: %s, Activity ID: %s", r.RecordID, r.Command, r.Host, r.MetricID)
}

func (r Request) Prompt() string {
	var b strings.Builder
	b.WriteString("You are an expert in infrastructure alarm analysis.\n")
	b.WriteString("System Alert Analysis Request:\n\n")
	fmt.Fprintf(&b, "PK ID: %d\n", r.RecordID)
	fmt.Fprintf(&b, "Salt Command: %s\n", r.Command)
	fmt.Fprintf(&b, "Argument: %s\n", r.Host)
	fmt.Fprintf(&b, "Activity ID: %s\n", r.MetricID)
	if r.ExecutionError != "" {
		fmt.Fprintf(&b, "Execution Error: %s\n", r.ExecutionError)
	}
	b.WriteString("\nPlease analyze this system alert and provide:\n")
	b.WriteString("1. Root cause analysis\n")
	b.WriteString("2. Recommended actions\n")
	b.WriteString("3. Prevention measures\n\n")
	b.WriteString("Respond in JSON format with keys: analysis, actions, prevention\n")
	return b.String()
}

// Failure formats the text stored when analysis could not be produced.
func Failure(reason string) string {
	return failurePrefix + reason
}

func IsFailure(text string) bool {
	return strings.HasPrefix(text, failurePrefix)
}

// New builds the configured backend. An unknown or "none" provider yields a
// client that reports analysis as disabled.
func New(cfg config.AnalysisConfig, logger *slog.Logger) Client {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "bedrock":
		return NewBedrock(cfg.Bedrock, logger)
	case "openai":
		return NewOpenAI(cfg.OpenAI, logger)
	}
	return Disabled{}
}

type Disabled struct{}

func (Disabled) Analyze(context.Context, Request) string {
	return Failure("analysis provider not configured")
}
