package observability

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pitabwire/durable/model"
)

// Histogram bucket definitions.
var (
	storageDurationBuckets  = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5}
	activityDurationBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}
	lagBuckets              = []float64{0.01, 0.1, 0.5, 1, 5, 15, 60, 300, 1800, 3600}
)

// Metrics holds all Prometheus instruments of a worker or client.
type Metrics struct {
	// Workflow gauges, refreshed by the garbage tick
	WorkflowTotal    prometheus.Gauge
	WorkflowActive   prometheus.Gauge
	WorkflowDead     *prometheus.GaugeVec
	WorkflowSleeping prometheus.Gauge
	SignalPending    prometheus.Gauge
	WorkerLastPing   *prometheus.GaugeVec

	// Workflow runs
	WorkflowErrors           *prometheus.CounterVec
	CompleteWorkflowDuration *prometheus.HistogramVec
	CommitWorkflowDuration   prometheus.Histogram
	WorkflowDispatched       *prometheus.CounterVec
	WorkflowDispatchDuration *prometheus.HistogramVec
	LoopIterationDuration    *prometheus.HistogramVec

	// Activities
	ActivityDuration *prometheus.HistogramVec
	ActivityErrors   *prometheus.CounterVec

	// Signals and messages
	SignalRecvLag       *prometheus.HistogramVec
	SignalPullDuration  *prometheus.HistogramVec
	SignalPublished     *prometheus.CounterVec
	SignalSendDuration  *prometheus.HistogramVec
	MessagePublished    *prometheus.CounterVec
	MessageSendDuration *prometheus.HistogramVec

	// Pulls
	LastPullWorkflowsDuration    prometheus.Gauge
	PullWorkflowsDuration        prometheus.Histogram
	PullWorkflowsHistoryDuration prometheus.Histogram
	PullWorkflowsFullDuration    prometheus.Histogram
}

var _ model.StatsRecorder = (*Metrics)(nil)

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// Gauges
		WorkflowTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "workflow_total",
			Help: "Number of workflows known to the driver.",
		}),
		WorkflowActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "workflow_active",
			Help: "Number of workflows currently leased by a worker.",
		}),
		WorkflowDead: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "workflow_dead",
			Help: "Number of workflows that failed without a wake condition.",
		}, []string{"error_code"}),
		WorkflowSleeping: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "workflow_sleeping",
			Help: "Number of workflows waiting on a wake condition.",
		}),
		SignalPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "signal_pending",
			Help: "Number of published signals not yet pulled.",
		}),
		WorkerLastPing: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "worker_last_ping",
			Help: "Unix time of the worker's last recorded ping.",
		}, []string{"worker_instance_id"}),

		// Runs
		WorkflowErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "workflow_errors",
			Help: "Workflow runs that yielded an error, by error code.",
		}, []string{"error_code"}),
		CompleteWorkflowDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "complete_workflow_duration",
			Help:    "Time from dispatch to completion in seconds.",
			Buckets: lagBuckets,
		}, []string{"workflow_name"}),
		CommitWorkflowDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "commit_workflow_duration",
			Help:    "Time spent committing a workflow outcome in seconds.",
			Buckets: storageDurationBuckets,
		}),
		WorkflowDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "workflow_dispatched",
			Help: "Workflows dispatched, including sub-workflows.",
		}, []string{"workflow_name"}),
		WorkflowDispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "workflow_dispatch_duration",
			Help:    "Time spent dispatching a workflow in seconds.",
			Buckets: storageDurationBuckets,
		}, []string{"workflow_name"}),
		LoopIterationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "loop_iteration_duration",
			Help:    "Duration of one loop iteration in seconds.",
			Buckets: activityDurationBuckets,
		}, []string{"workflow_name"}),

		// Activities
		ActivityDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "activity_duration",
			Help:    "Activity execution time in seconds.",
			Buckets: activityDurationBuckets,
		}, []string{"activity", "error_code"}),
		ActivityErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "activity_errors",
			Help: "Failed activity attempts.",
		}, []string{"activity", "error_code"}),

		// Signals and messages
		SignalRecvLag: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "signal_recv_lag",
			Help:    "Time between publishing and receiving a signal in seconds.",
			Buckets: lagBuckets,
		}, []string{"signal"}),
		SignalPullDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "signal_pull_duration",
			Help:    "Time spent pulling a signal in seconds.",
			Buckets: storageDurationBuckets,
		}, []string{"signal"}),
		SignalPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signal_published",
			Help: "Signals published.",
		}, []string{"signal"}),
		SignalSendDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "signal_send_duration",
			Help:    "Time spent publishing a signal in seconds.",
			Buckets: storageDurationBuckets,
		}, []string{"signal"}),
		MessagePublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "message_published",
			Help: "Messages published.",
		}, []string{"message"}),
		MessageSendDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "message_send_duration",
			Help:    "Time spent publishing a message in seconds.",
			Buckets: storageDurationBuckets,
		}, []string{"message"}),

		// Pulls
		LastPullWorkflowsDuration: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "last_pull_workflows_duration",
			Help: "Duration of the most recent pull in seconds.",
		}),
		PullWorkflowsDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pull_workflows_duration",
			Help:    "Time spent leasing workflows in seconds.",
			Buckets: storageDurationBuckets,
		}),
		PullWorkflowsHistoryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pull_workflows_history_duration",
			Help:    "Time spent loading history for pulled workflows in seconds.",
			Buckets: storageDurationBuckets,
		}),
		PullWorkflowsFullDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pull_workflows_full_duration",
			Help:    "Total time of a pull as seen by the worker in seconds.",
			Buckets: storageDurationBuckets,
		}),
	}

	reg.MustRegister(
		m.WorkflowTotal,
		m.WorkflowActive,
		m.WorkflowDead,
		m.WorkflowSleeping,
		m.SignalPending,
		m.WorkerLastPing,
		m.WorkflowErrors,
		m.CompleteWorkflowDuration,
		m.CommitWorkflowDuration,
		m.WorkflowDispatched,
		m.WorkflowDispatchDuration,
		m.LoopIterationDuration,
		m.ActivityDuration,
		m.ActivityErrors,
		m.SignalRecvLag,
		m.SignalPullDuration,
		m.SignalPublished,
		m.SignalSendDuration,
		m.MessagePublished,
		m.MessageSendDuration,
		m.LastPullWorkflowsDuration,
		m.PullWorkflowsDuration,
		m.PullWorkflowsHistoryDuration,
		m.PullWorkflowsFullDuration,
	)

	return m
}

// NewUnregisteredMetrics returns instruments registered on a private
// registry. Libraries use it when the caller supplied no metrics.
func NewUnregisteredMetrics() *Metrics {
	return InitMetrics(prometheus.NewRegistry())
}

// --- Recording helpers ---

// RecordWorkflowStats implements model.StatsRecorder.
func (m *Metrics) RecordWorkflowStats(stats model.WorkflowStats) {
	m.WorkflowTotal.Set(float64(stats.Total))
	m.WorkflowActive.Set(float64(stats.Active))
	m.WorkflowSleeping.Set(float64(stats.Sleeping))
	m.SignalPending.Set(float64(stats.PendingSignal))
	m.WorkflowDead.Reset()
	for code, n := range stats.DeadByCode {
		m.WorkflowDead.WithLabelValues(code).Set(float64(n))
	}
}

// RecordWorkerPing implements model.StatsRecorder.
func (m *Metrics) RecordWorkerPing(workerID uuid.UUID, ts time.Time) {
	if ts.IsZero() {
		return
	}
	m.WorkerLastPing.WithLabelValues(workerID.String()).Set(float64(ts.Unix()))
}

// RecordWorkflowError counts a run that yielded err.
func (m *Metrics) RecordWorkflowError(code string) {
	m.WorkflowErrors.WithLabelValues(code).Inc()
}

// RecordWorkflowComplete observes the dispatch-to-completion time.
func (m *Metrics) RecordWorkflowComplete(workflowName string, sinceDispatch time.Duration) {
	m.CompleteWorkflowDuration.WithLabelValues(workflowName).Observe(sinceDispatch.Seconds())
}

// RecordCommit observes the time spent committing a run's outcome.
func (m *Metrics) RecordCommit(duration time.Duration) {
	m.CommitWorkflowDuration.Observe(duration.Seconds())
}

// RecordDispatch counts a dispatched workflow.
func (m *Metrics) RecordDispatch(workflowName string, duration time.Duration) {
	m.WorkflowDispatched.WithLabelValues(workflowName).Inc()
	m.WorkflowDispatchDuration.WithLabelValues(workflowName).Observe(duration.Seconds())
}

// RecordLoopIteration observes one loop iteration.
func (m *Metrics) RecordLoopIteration(workflowName string, duration time.Duration) {
	m.LoopIterationDuration.WithLabelValues(workflowName).Observe(duration.Seconds())
}

// RecordActivity observes one activity attempt. An empty code is a success.
func (m *Metrics) RecordActivity(activity, errorCode string, duration time.Duration) {
	m.ActivityDuration.WithLabelValues(activity, errorCode).Observe(duration.Seconds())
	if errorCode != "" {
		m.ActivityErrors.WithLabelValues(activity, errorCode).Inc()
	}
}

// RecordSignalRecv observes a pulled signal.
func (m *Metrics) RecordSignalRecv(signal string, lag, pull time.Duration) {
	m.SignalRecvLag.WithLabelValues(signal).Observe(lag.Seconds())
	m.SignalPullDuration.WithLabelValues(signal).Observe(pull.Seconds())
}

// RecordSignalSend counts a published signal.
func (m *Metrics) RecordSignalSend(signal string, duration time.Duration) {
	m.SignalPublished.WithLabelValues(signal).Inc()
	m.SignalSendDuration.WithLabelValues(signal).Observe(duration.Seconds())
}

// RecordMessageSend counts a published message.
func (m *Metrics) RecordMessageSend(message string, duration time.Duration) {
	m.MessagePublished.WithLabelValues(message).Inc()
	m.MessageSendDuration.WithLabelValues(message).Observe(duration.Seconds())
}

// RecordPull observes the phases of one pull.
func (m *Metrics) RecordPull(lease, history, full time.Duration) {
	m.LastPullWorkflowsDuration.Set(full.Seconds())
	m.PullWorkflowsDuration.Observe(lease.Seconds())
	m.PullWorkflowsHistoryDuration.Observe(history.Seconds())
	m.PullWorkflowsFullDuration.Observe(full.Seconds())
}

// --- HTTP ---

// Handler returns the Prometheus HTTP handler for gatherer.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	if gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
