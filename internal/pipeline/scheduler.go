package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"rescuebot/internal/logging"
	"rescuebot/internal/metrics"
	"rescuebot/internal/model"
)

type Runner interface {
	RunOnce(ctx context.Context) (model.BatchSummary, error)
}

type SchedulerStatus struct {
	Running   bool      `json:"running"`
	Interval  string    `json:"interval"`
	Runs      int       `json:"runs"`
	LastRunAt time.Time `json:"last_run_at,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}

// Scheduler owns the single background worker that drives batch runs.
type Scheduler struct {
	runner Runner
	logger *slog.Logger

	// lifecycle serializes Start and Stop, including the wait in Stop.
	lifecycle sync.Mutex

	mu        sync.Mutex
	interval  time.Duration
	stop      chan struct{}
	done      chan struct{}
	runs      int
	lastRunAt time.Time
	lastError string
}

func NewScheduler(runner Runner, interval time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = logging.Discard()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Scheduler{runner: runner, interval: interval, logger: logger}
}

// Start launches the worker. It returns false when it was already running.
func (s *Scheduler) Start() bool {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return false
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	s.stop, s.done = stop, done
	s.mu.Unlock()

	metrics.SetSchedulerRunning(true)
	s.logger.Info("scheduler started", "interval", s.Interval().String())
	go s.loop(stop, done)
	return true
}

// Stop signals the worker and waits for it to exit. A batch in flight runs
// to completion first. It returns false when the worker was not running.
func (s *Scheduler) Stop() bool {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	stop, done := s.stop, s.done
	s.mu.Unlock()
	if done == nil {
		return false
	}
	close(stop)
	<-done

	s.mu.Lock()
	s.stop, s.done = nil, nil
	s.mu.Unlock()
	metrics.SetSchedulerRunning(false)
	s.logger.Info("scheduler stopped")
	return true
}

func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done != nil
}

func (s *Scheduler) Interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}

// SetInterval takes effect after the current wait.
func (s *Scheduler) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	s.mu.Lock()
	s.interval = d
	s.mu.Unlock()
}

func (s *Scheduler) Status() SchedulerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SchedulerStatus{
		Running:   s.done != nil,
		Interval:  s.interval.String(),
		Runs:      s.runs,
		LastRunAt: s.lastRunAt,
		LastError: s.lastError,
	}
}

func (s *Scheduler) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		s.tick()
		timer := time.NewTimer(s.Interval())
		select {
		case <-stop:
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// tick runs one batch on a context that the stop signal does not cancel.
func (s *Scheduler) tick() {
	summary, err := s.runOnce()
	s.mu.Lock()
	s.runs++
	s.lastRunAt = time.Now().UTC()
	s.lastError = ""
	if err != nil {
		s.lastError = err.Error()
	}
	s.mu.Unlock()
	if err != nil {
		s.logger.Error("scheduled batch failed", "run_id", summary.RunID, "kind", KindOf(err), "err", err)
		return
	}
	if summary.Status != model.BatchStatusNoNewData {
		s.logger.Info("scheduled batch done", "run_id", summary.RunID, "processed", summary.ProcessedCount, "watermark", summary.LastID)
	}
}

func (s *Scheduler) runOnce() (summary model.BatchSummary, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduled batch panicked", "panic", r)
			err = &Error{Kind: KindPersistence, Op: "scheduled batch panicked"}
		}
	}()
	return s.runner.RunOnce(context.Background())
}
