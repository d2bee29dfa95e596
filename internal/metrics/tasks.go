package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// TaskMetrics tracks blocking tasks run on the dispatcher's worker pool,
// labelled by task group ("dns", "cache", "transfer", ...).
type TaskMetrics struct {
	pending  *prometheus.GaugeVec
	duration *prometheus.HistogramVec
	failures *prometheus.CounterVec
}

// NewTaskMetrics creates and registers worker task metrics.
func NewTaskMetrics(namespace string, registry *prometheus.Registry) *TaskMetrics {
	tm := &TaskMetrics{
		pending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "pending",
			Help:      "Worker tasks started and not yet completed",
		}, []string{"group"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "duration_seconds",
			Help:      "Worker task run time",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
		}, []string{"group"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "failures_total",
			Help:      "Worker tasks that panicked",
		}, []string{"group"}),
	}

	registry.MustRegister(tm.pending, tm.duration, tm.failures)

	return tm
}

// TaskStarted marks a task of the group as running.
func (tm *TaskMetrics) TaskStarted(group string) {
	if tm == nil {
		return
	}
	tm.pending.WithLabelValues(group).Inc()
}

// TaskCompleted records the end of a task.
func (tm *TaskMetrics) TaskCompleted(group string, ok bool, d time.Duration) {
	if tm == nil {
		return
	}
	tm.pending.WithLabelValues(group).Dec()
	tm.duration.WithLabelValues(group).Observe(d.Seconds())
	if !ok {
		tm.failures.WithLabelValues(group).Inc()
	}
}
