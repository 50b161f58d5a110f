package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"rescuebot/internal/analysis"
	"rescuebot/internal/config"
	"rescuebot/internal/fleet"
	"rescuebot/internal/logging"
	"rescuebot/internal/metrics"
	"rescuebot/internal/model"
	"rescuebot/internal/notify"
	"rescuebot/internal/storage"
)

type Resolver interface {
	Resolve(description, host, namespace, pattern string) (model.RemediationAction, bool)
}

type Options struct {
	SkipUnmatched     bool
	ScheduledTruncate int
	ManualTruncate    int
	ResolveTimeout    time.Duration
	ExecuteTimeout    time.Duration
	AnalysisTimeout   time.Duration
	NotifyTimeout     time.Duration
}

func OptionsFromConfig(cfg config.PipelineConfig) Options {
	return Options{
		SkipUnmatched:     cfg.SkipUnmatched,
		ScheduledTruncate: cfg.ScheduledTruncate,
		ManualTruncate:    cfg.ManualTruncate,
		ResolveTimeout:    cfg.ResolveTimeout,
		ExecuteTimeout:    cfg.ExecuteTimeout,
		AnalysisTimeout:   cfg.AnalysisTimeout,
		NotifyTimeout:     cfg.NotifyTimeout,
	}
}

// Deps are the collaborators of a Processor. Executor and Notifier may be nil.
type Deps struct {
	Store    storage.Store
	Resolver Resolver
	Executor fleet.Executor
	Analyzer analysis.Client
	Notifier notify.Notifier
}

// Processor takes one alarm metric record through
// resolve, execute, analyze, persist and notify.
type Processor struct {
	deps   Deps
	opts   Options
	logger *slog.Logger
	now    func() time.Time
}

func NewProcessor(deps Deps, opts Options, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = logging.Discard()
	}
	if deps.Analyzer == nil {
		deps.Analyzer = analysis.Disabled{}
	}
	return &Processor{deps: deps, opts: opts, logger: logger, now: time.Now}
}

// Process never returns an error. Collaborator failures end up in the
// outcome row; only a failed outcome write or a panic yields StatusFailed.
func (p *Processor) Process(ctx context.Context, rec model.AlarmMetricRecord, trigger model.Trigger) (result model.ProcessingResult) {
	result.RecordID = rec.ID
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("record processing panicked", "record_id", rec.ID, "panic", r)
			result.Status = model.StatusFailed
			result.Outcome = nil
			result.Reason = fmt.Sprintf("panic: %v", r)
		}
		metrics.RecordsProcessed.WithLabelValues(string(result.Status), string(trigger)).Inc()
	}()

	action, matched := p.deps.Resolver.Resolve(rec.AlarmDescription, rec.MetricHost, rec.MetricNamespace, rec.MetricPattern)
	if !matched {
		p.logger.Info("no remediation rule matched", "record_id", rec.ID, "kind", KindResolutionMiss, "command", action.Command)
		if p.opts.SkipUnmatched {
			result.Status = model.StatusSkippedNoMatch
			result.Reason = string(KindResolutionMiss)
			return result
		}
	}

	execErr := p.execute(ctx, rec, action)

	req := analysis.Request{
		RecordID:       rec.ID,
		Command:        action.Command,
		Host:           rec.MetricHost,
		MetricID:       rec.MetricID,
		ExecutionError: execErr,
	}
	actx, cancel := withTimeout(ctx, p.opts.AnalysisTimeout)
	timer := metrics.NewTimer()
	text := p.deps.Analyzer.Analyze(actx, req)
	cancel()
	elapsed := timer.Duration()
	metrics.AnalysisDuration.Observe(elapsed.Seconds())
	if analysis.IsFailure(text) {
		metrics.AnalysisFailures.Inc()
		p.logger.Warn("analysis failed", "record_id", rec.ID, "kind", KindCollaboratorUnavailable, "detail", text)
	}

	outcome := model.RemediationOutcome{
		MetricID:        rec.ID,
		Command:         action.Command,
		AnalysisRequest: req.String(),
		AnalysisText:    text,
		DurationMS:      elapsed.Milliseconds(),
		Trigger:         trigger,
		ExecutionError:  execErr,
		CreatedAt:       p.now().UTC(),
	}
	if err := p.deps.Store.SaveOutcome(ctx, &outcome); err != nil {
		perr := &Error{Kind: KindPersistence, Op: "save outcome", RecordID: rec.ID, Err: err}
		p.logger.Error("outcome not persisted", "record_id", rec.ID, "err", perr)
		result.Status = model.StatusFailed
		result.Reason = perr.Error()
		return result
	}

	p.notify(ctx, rec, outcome)

	result.Status = model.StatusSuccess
	result.Outcome = &outcome
	return result
}

// execute runs the action when it has a target and returns the failure text,
// or "" when the call succeeded or nothing had to run.
func (p *Processor) execute(ctx context.Context, rec model.AlarmMetricRecord, action model.RemediationAction) string {
	if action.Target == "" || action.Function == "" {
		return ""
	}
	if p.deps.Executor == nil {
		metrics.Executions.WithLabelValues("disabled").Inc()
		return "fleet executor not configured"
	}

	target := action.Target
	if action.RequiresMinionResolution {
		rctx, cancel := withTimeout(ctx, p.opts.ResolveTimeout)
		minion, err := p.deps.Executor.ResolveTarget(rctx, action.Target)
		cancel()
		if err != nil {
			metrics.Executions.WithLabelValues("unresolved").Inc()
			ferr := &Error{Kind: KindCollaboratorUnavailable, Op: "resolve target " + action.Target, RecordID: rec.ID, Err: err}
			p.logger.Warn("target not resolved, skipping execution", "record_id", rec.ID, "host", action.Target, "err", err)
			return ferr.Error()
		}
		target = minion
	}

	ectx, cancel := withTimeout(ctx, p.opts.ExecuteTimeout)
	res, err := p.deps.Executor.Execute(ectx, target, action.Function, action.Args)
	cancel()

	entry := model.ExecutionLog{
		Target:     target,
		Function:   action.Function,
		Arguments:  action.Args,
		Result:     res,
		ExecutedAt: p.now().UTC(),
	}
	if err != nil && len(res) == 0 {
		entry.Result, _ = json.Marshal(map[string]string{"error": err.Error()})
	}
	if lerr := p.deps.Store.SaveExecutionLog(ctx, &entry); lerr != nil {
		p.logger.Warn("execution log not persisted", "record_id", rec.ID, "err", lerr)
	}

	if err != nil {
		metrics.Executions.WithLabelValues("error").Inc()
		ferr := &Error{Kind: KindCollaboratorUnavailable, Op: "execute " + action.Function + " on " + target, RecordID: rec.ID, Err: err}
		p.logger.Warn("remediation execution failed", "record_id", rec.ID, "target", target, "err", err)
		return ferr.Error()
	}
	metrics.Executions.WithLabelValues("ok").Inc()
	p.logger.Info("remediation executed", "record_id", rec.ID, "target", target, "function", action.Function)
	return ""
}

func (p *Processor) notify(ctx context.Context, rec model.AlarmMetricRecord, outcome model.RemediationOutcome) {
	if p.deps.Notifier == nil {
		return
	}
	limit := p.opts.ScheduledTruncate
	if outcome.Trigger == model.TriggerManual {
		limit = p.opts.ManualTruncate
	}
	nctx, cancel := withTimeout(ctx, p.opts.NotifyTimeout)
	defer cancel()
	delivered := p.deps.Notifier.Send(nctx, formatNotification(rec, outcome, limit, p.now()))
	metrics.Notifications.WithLabelValues(strconv.FormatBool(delivered)).Inc()
	if !delivered {
		p.logger.Warn("notification not delivered", "record_id", rec.ID, "kind", KindCollaboratorUnavailable)
	}
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
