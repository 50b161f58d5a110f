package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Pipeline metrics
	RecordsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rescuebot_records_processed_total",
			Help: "Alarm metric records processed by status and trigger",
		},
		[]string{"status", "trigger"},
	)

	BatchRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rescuebot_batch_runs_total",
			Help: "Batch runs by final status",
		},
		[]string{"status"},
	)

	BatchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rescuebot_batch_duration_seconds",
			Help:    "Wall-clock duration of a batch run",
			Buckets: prometheus.DefBuckets,
		},
	)

	Watermark = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rescuebot_watermark_last_processed_id",
			Help: "Highest alarm metric record id processed",
		},
	)

	SchedulerRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rescuebot_scheduler_running",
			Help: "Whether the background scheduler is running (1 = running)",
		},
	)

	// Collaborator metrics
	Executions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rescuebot_fleet_executions_total",
			Help: "Remote remediation executions by result",
		},
		[]string{"result"},
	)

	AnalysisDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rescuebot_analysis_duration_seconds",
			Help:    "Latency of the AI analysis call",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60},
		},
	)

	AnalysisFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rescuebot_analysis_failures_total",
			Help: "AI analysis calls that returned a failure text",
		},
	)

	Notifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rescuebot_notifications_total",
			Help: "Notification attempts by delivery result",
		},
		[]string{"delivered"},
	)

	// Ingest metrics
	IngestEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rescuebot_ingest_events_total",
			Help: "Incoming alarm events by source and result",
		},
		[]string{"source", "result"},
	)
)

func init() {
	prometheus.MustRegister(RecordsProcessed)
	prometheus.MustRegister(BatchRuns)
	prometheus.MustRegister(BatchDuration)
	prometheus.MustRegister(Watermark)
	prometheus.MustRegister(SchedulerRunning)
	prometheus.MustRegister(Executions)
	prometheus.MustRegister(AnalysisDuration)
	prometheus.MustRegister(AnalysisFailures)
	prometheus.MustRegister(Notifications)
	prometheus.MustRegister(IngestEvents)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures one operation for a histogram.
type Timer struct {
	start time.Time
}

func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

func (t *Timer) ObserveDuration(h prometheus.Observer) {
	h.Observe(t.Duration().Seconds())
}

func SetSchedulerRunning(running bool) {
	if running {
		SchedulerRunning.Set(1)
		return
	}
	SchedulerRunning.Set(0)
}
