package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"rescuebot/internal/config"
	"rescuebot/internal/fleet"
	"rescuebot/internal/history"
	"rescuebot/internal/logging"
	"rescuebot/internal/metrics"
	"rescuebot/internal/model"
	"rescuebot/internal/notify"
	"rescuebot/internal/pipeline"
	"rescuebot/internal/storage"
)

type BatchControl interface {
	RunOnce(ctx context.Context) (model.BatchSummary, error)
	ProcessByID(ctx context.Context, id int64) (model.ProcessingResult, error)
	Status(ctx context.Context) (pipeline.Status, error)
}

type SchedulerControl interface {
	Start() bool
	Stop() bool
	Status() pipeline.SchedulerStatus
}

// Fleet is the read side of the salt adapter exposed for operators.
type Fleet interface {
	Minions(ctx context.Context) ([]fleet.Minion, error)
	ResolveTarget(ctx context.Context, host string) (string, error)
	ActiveJobs(ctx context.Context) (map[string]json.RawMessage, error)
	Execute(ctx context.Context, target, function string, args []string) (json.RawMessage, error)
}

// RulesUpdater receives rule changes made through the API.
type RulesUpdater interface {
	UpdateRules(cfg config.RulesConfig)
}

type Deps struct {
	Store     storage.Store
	Batch     BatchControl
	Scheduler SchedulerControl
	History   *history.Store
	Fleet     Fleet
	Notifier  notify.Notifier
	Config    *config.Manager
	Rules     RulesUpdater
}

type Server struct {
	deps    Deps
	logger  *slog.Logger
	version string
}

func NewServer(deps Deps, logger *slog.Logger, version string) *Server {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Server{deps: deps, logger: logger, version: version}
}

func Start(ctx context.Context, cfg config.APIConfig, deps Deps, logger *slog.Logger, version string) *http.Server {
	if logger == nil {
		logger = logging.Discard()
	}
	if !cfg.Enabled {
		logger.Info("api disabled")
		return nil
	}
	logger.Info("api enabled", "addr", cfg.Addr)
	server := NewServer(deps, logger, version)
	httpServer := &http.Server{Addr: cfg.Addr, Handler: server.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("api server error", "err", err)
		}
	}()
	return httpServer
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/batch/status", s.handleBatchStatus)
	mux.HandleFunc("/batch/process-new-data", s.handleProcessNew)
	mux.HandleFunc("/batch/process-single", s.handleProcessSingle)
	mux.HandleFunc("/batch/history", s.handleHistory)
	mux.HandleFunc("/scheduler/start", s.handleSchedulerStart)
	mux.HandleFunc("/scheduler/stop", s.handleSchedulerStop)
	mux.HandleFunc("/scheduler/status", s.handleSchedulerStatus)
	mux.HandleFunc("/db/alarm-metrics", s.handleAlarmMetrics)
	mux.HandleFunc("/db/alarm-events", s.handleAlarmEvents)
	mux.HandleFunc("/db/outcomes", s.handleOutcomes)
	mux.HandleFunc("/salt/minions", s.handleMinions)
	mux.HandleFunc("/salt/minions/fqdn/", s.handleMinionByFQDN)
	mux.HandleFunc("/salt/jobs", s.handleJobs)
	mux.HandleFunc("/salt/jobs/active", s.handleActiveJobs)
	mux.HandleFunc("/salt/execute", s.handleExecute)
	mux.HandleFunc("/config/rules", s.handleRules)
	mux.HandleFunc("/notify/test", s.handleNotifyTest)
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	status := http.StatusOK
	database := "ok"
	if err := s.deps.Store.Ping(r.Context()); err != nil {
		status = http.StatusServiceUnavailable
		database = err.Error()
	}
	resp := map[string]any{
		"status":   "ok",
		"time":     time.Now().UTC().Format(time.RFC3339Nano),
		"version":  s.version,
		"database": database,
		"fleet":    s.deps.Fleet != nil,
	}
	if status != http.StatusOK {
		resp["status"] = "degraded"
	}
	if s.deps.Scheduler != nil {
		resp["scheduler_running"] = s.deps.Scheduler.Status().Running
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleBatchStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	st, err := s.deps.Batch.Status(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleProcessNew(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	summary, err := s.deps.Batch.RunOnce(r.Context())
	if err != nil {
		s.logger.Error("manual batch failed", "run_id", summary.RunID, "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error":   err.Error(),
			"kind":    pipeline.KindOf(err),
			"summary": summary,
		})
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleProcessSingle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	id, ok := recordID(w, r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "positive record id required"})
		return
	}
	res, err := s.deps.Batch.ProcessByID(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// recordID reads the id from a JSON body or the id query parameter.
func recordID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	if v := r.URL.Query().Get("id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		return id, err == nil && id > 0
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		return 0, false
	}
	var req struct {
		ID int64 `json:"id"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return 0, false
	}
	return req.ID, req.ID > 0
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.deps.History == nil {
		writeJSON(w, http.StatusOK, map[string]any{"runs": []model.BatchSummary{}, "count": 0})
		return
	}
	var list []model.BatchSummary
	if sinceStr := r.URL.Query().Get("since"); sinceStr != "" {
		ts, err := time.Parse(time.RFC3339, sinceStr)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		list = s.deps.History.Since(ts)
	} else {
		list = s.deps.History.List(queryInt(r, "limit", 0))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"runs":  list,
		"count": len(list),
	})
}

func (s *Server) handleSchedulerStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	started := s.deps.Scheduler.Start()
	msg := "scheduler started"
	if !started {
		msg = "scheduler already running"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":   msg,
		"changed":   started,
		"scheduler": s.deps.Scheduler.Status(),
	})
}

func (s *Server) handleSchedulerStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	stopped := s.deps.Scheduler.Stop()
	msg := "scheduler stopped"
	if !stopped {
		msg = "scheduler not running"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":   msg,
		"changed":   stopped,
		"scheduler": s.deps.Scheduler.Status(),
	})
}

func (s *Server) handleSchedulerStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Scheduler.Status())
}

func (s *Server) handleAlarmMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	list, err := s.deps.Store.ListRecentAlarmMetrics(r.Context(), queryInt(r, "limit", 50))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": list, "count": len(list)})
}

func (s *Server) handleAlarmEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	list, err := s.deps.Store.ListAlarmEvents(r.Context(), queryInt(r, "limit", 50))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": list, "count": len(list)})
}

func (s *Server) handleOutcomes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if v := r.URL.Query().Get("metric_id"); v != "" {
		metricID, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		list, err := s.deps.Store.ListOutcomesForMetric(r.Context(), metricID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"outcomes": list, "count": len(list)})
		return
	}
	page := queryInt(r, "page", 1)
	perPage := queryInt(r, "per_page", 50)
	if page < 1 {
		page = 1
	}
	if perPage < 1 || perPage > 500 {
		perPage = 50
	}
	list, total, err := s.deps.Store.ListOutcomes(r.Context(), page, perPage)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"outcomes": list,
		"pagination": map[string]int{
			"page":        page,
			"per_page":    perPage,
			"total":       total,
			"total_pages": (total + perPage - 1) / perPage,
		},
	})
}

func (s *Server) handleMinions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !s.fleetConfigured(w) {
		return
	}
	list, err := s.deps.Fleet.Minions(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"minions": list, "count": len(list)})
}

func (s *Server) handleMinionByFQDN(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	fqdn := strings.Trim(strings.TrimPrefix(r.URL.Path, "/salt/minions/fqdn/"), "/")
	if fqdn == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if !s.fleetConfigured(w) {
		return
	}
	minionID, err := s.deps.Fleet.ResolveTarget(r.Context(), fqdn)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"fqdn": fqdn, "minion_id": minionID})
}

func (s *Server) handleActiveJobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !s.fleetConfigured(w) {
		return
	}
	jobs, err := s.deps.Fleet.ActiveJobs(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "count": len(jobs)})
}

type runningJob struct {
	JID      string `json:"jid"`
	MinionID string `json:"minion_id"`
	Function string `json:"function"`
	Target   any    `json:"target"`
	Status   string `json:"status"`
	PID      int    `json:"pid,omitempty"`
}

// handleJobs flattens saltutil.running into one list of jobs.
func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !s.fleetConfigured(w) {
		return
	}
	perMinion, err := s.deps.Fleet.ActiveJobs(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	jobs := make([]runningJob, 0)
	for minionID, raw := range perMinion {
		var list []struct {
			JID string `json:"jid"`
			Fun string `json:"fun"`
			Tgt any    `json:"tgt"`
			PID int    `json:"pid"`
		}
		// Minions that did not answer report false.
		if err := json.Unmarshal(raw, &list); err != nil {
			continue
		}
		for _, job := range list {
			jobs = append(jobs, runningJob{
				JID:      job.JID,
				MinionID: minionID,
				Function: job.Fun,
				Target:   job.Tgt,
				Status:   "running",
				PID:      job.PID,
			})
		}
	}
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].MinionID != jobs[j].MinionID {
			return jobs[i].MinionID < jobs[j].MinionID
		}
		return jobs[i].JID < jobs[j].JID
	})
	writeJSON(w, http.StatusOK, map[string]any{"running_jobs": jobs, "running_count": len(jobs)})
}

// handleExecute runs an operator supplied salt function and records it in
// the execution log whatever the outcome.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	var req struct {
		Target   string   `json:"target"`
		Function string   `json:"function"`
		Args     []string `json:"args"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid JSON body"})
		return
	}
	req.Function = strings.TrimSpace(req.Function)
	if req.Function == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "function is required"})
		return
	}
	if strings.TrimSpace(req.Target) == "" {
		req.Target = "*"
	}
	if req.Args == nil {
		req.Args = []string{}
	}
	if !s.fleetConfigured(w) {
		return
	}

	result, execErr := s.deps.Fleet.Execute(r.Context(), req.Target, req.Function, req.Args)
	entry := model.ExecutionLog{
		Target:     req.Target,
		Function:   req.Function,
		Arguments:  req.Args,
		Result:     result,
		ExecutedAt: time.Now().UTC(),
	}
	if execErr != nil && len(result) == 0 {
		entry.Result, _ = json.Marshal(map[string]string{"error": execErr.Error()})
	}
	if err := s.deps.Store.SaveExecutionLog(context.WithoutCancel(r.Context()), &entry); err != nil {
		s.logger.Warn("execution log not persisted", "target", req.Target, "function", req.Function, "err", err)
	}
	if execErr != nil {
		s.writeError(w, execErr)
		return
	}
	s.logger.Info("salt function executed", "target", req.Target, "function", req.Function, "execution_log_id", entry.ID)
	writeJSON(w, http.StatusOK, map[string]any{
		"target":           req.Target,
		"function":         req.Function,
		"result":           result,
		"execution_log_id": entry.ID,
	})
}

// handleRules reads or replaces the remediation rules. Accepted rules are
// saved to the config file and applied to the resolver immediately.
func (s *Server) handleRules(w http.ResponseWriter, r *http.Request) {
	if s.deps.Config == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "config manager not configured"})
		return
	}
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"rules": s.deps.Config.Get().Rules})
	case http.MethodPut, http.MethodPost:
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		var rules config.RulesConfig
		if err := json.Unmarshal(body, &rules); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid JSON body"})
			return
		}
		current := s.deps.Config.Get()
		if rules.DefaultCommand == "" {
			rules.DefaultCommand = current.Rules.DefaultCommand
		}
		next := *current
		next.Rules = rules
		if err := config.Validate(&next); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
			return
		}
		if err := s.deps.Config.Update(&next); err != nil {
			s.logger.Error("rules update failed", "err", err)
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
			return
		}
		if s.deps.Rules != nil {
			s.deps.Rules.UpdateRules(next.Rules)
		}
		s.logger.Info("rules updated", "descriptions", len(rules.Descriptions), "namespaces", len(rules.Patterns))
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "rules": next.Rules})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleNotifyTest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.deps.Notifier == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "no notifier configured"})
		return
	}
	msg := "*rescuebot test notification*\nSent at " + time.Now().UTC().Format(time.RFC3339)
	delivered := s.deps.Notifier.Send(r.Context(), msg)
	status := http.StatusOK
	if !delivered {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, map[string]any{"delivered": delivered})
}

func (s *Server) fleetConfigured(w http.ResponseWriter) bool {
	if s.deps.Fleet == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "fleet executor not configured"})
		return false
	}
	return true
}

// writeError maps domain errors onto status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, pipeline.ErrRecordNotFound), errors.Is(err, storage.ErrNotFound), errors.Is(err, fleet.ErrTargetNotFound):
		status = http.StatusNotFound
	case errors.Is(err, fleet.ErrNoResponse):
		status = http.StatusBadGateway
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("api request failed", "err", err)
	}
	body := map[string]any{"error": err.Error()}
	if kind := pipeline.KindOf(err); kind != "" {
		body["kind"] = kind
	}
	writeJSON(w, status, body)
}

func queryInt(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
