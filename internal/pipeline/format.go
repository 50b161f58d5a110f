package pipeline

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"rescuebot/internal/model"
)

const ellipsis = "..."

// Truncate cuts s to at most limit runes and marks the cut with an ellipsis.
func Truncate(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit]) + ellipsis
}

func formatNotification(rec model.AlarmMetricRecord, outcome model.RemediationOutcome, limit int, at time.Time) string {
	var b strings.Builder
	if outcome.Trigger == model.TriggerManual {
		b.WriteString(":mag: *Single record AI analysis complete*\n")
		fmt.Fprintf(&b, "*Record ID*: %d\n", rec.ID)
	} else {
		b.WriteString(":robot_face: *AI analysis complete*\n")
	}
	fmt.Fprintf(&b, "*Metric ID*: %s\n", rec.MetricID)
	fmt.Fprintf(&b, "*Host*: %s\n", rec.MetricHost)
	fmt.Fprintf(&b, "*Salt Command*: `%s`\n", outcome.Command)
	fmt.Fprintf(&b, "*Response time*: %dms\n", outcome.DurationMS)
	if outcome.ExecutionError != "" {
		fmt.Fprintf(&b, "*Execution*: %s\n", outcome.ExecutionError)
	}
	b.WriteString("\n*AI analysis*:\n```\n")
	b.WriteString(Truncate(outcome.AnalysisText, limit))
	b.WriteString("\n```\n")
	fmt.Fprintf(&b, "*Processed at*: %s", at.Format("2006-01-02 15:04:05"))
	return b.String()
}
