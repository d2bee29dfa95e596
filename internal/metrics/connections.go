package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ConnectionMetrics tracks client connections and the requests they carry.
type ConnectionMetrics struct {
	accepted prometheus.Counter
	rejected prometheus.Counter
	active   prometheus.Gauge
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	traffic  *prometheus.CounterVec
	tunnels  prometheus.Counter
	attempts *prometheus.CounterVec
}

// NewConnectionMetrics creates and registers connection metrics.
func NewConnectionMetrics(namespace string, registry *prometheus.Registry) *ConnectionMetrics {
	cm := &ConnectionMetrics{
		accepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connections",
			Name:      "accepted_total",
			Help:      "Client connections accepted",
		}),
		rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connections",
			Name:      "rejected_total",
			Help:      "Client connections closed because the proxy was full",
		}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "connections",
			Name:      "active",
			Help:      "Client connections currently served",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "requests",
			Name:      "total",
			Help:      "Requests handled, by response status and cache outcome",
		}, []string{"status", "cache"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "requests",
			Name:      "duration_seconds",
			Help:      "Time from request header to end of response",
			Buckets:   []float64{0.001, 0.005, 0.025, 0.1, 0.5, 1, 5, 30},
		}, []string{"cache"}),
		traffic: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "traffic_bytes_total",
			Help:      "Bytes moved, by direction",
		}, []string{"direction"}),
		tunnels: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tunnels",
			Name:      "total",
			Help:      "CONNECT tunnels established",
		}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "attempts_total",
			Help:      "Upstream connection attempts, by outcome",
		}, []string{"outcome"}),
	}

	registry.MustRegister(cm.accepted, cm.rejected, cm.active, cm.requests,
		cm.duration, cm.traffic, cm.tunnels, cm.attempts)

	return cm
}

// Accepted counts an accepted client and bumps the active gauge.
func (cm *ConnectionMetrics) Accepted() {
	if cm == nil {
		return
	}
	cm.accepted.Inc()
	cm.active.Inc()
}

// Finished decrements the active gauge.
func (cm *ConnectionMetrics) Finished() {
	if cm == nil {
		return
	}
	cm.active.Dec()
}

// Rejected counts a client turned away at the connection limit.
func (cm *ConnectionMetrics) Rejected() {
	if cm == nil {
		return
	}
	cm.rejected.Inc()
}

// RecordRequest records one completed request.
//
// Parameters:
//   - status: Response status code sent to the client
//   - cache: Cache outcome ("HIT", "MISS", "REVALIDATED", "NONE", ...)
//   - d: Time spent on the request
func (cm *ConnectionMetrics) RecordRequest(status int, cache string, d time.Duration) {
	if cm == nil {
		return
	}
	cm.requests.WithLabelValues(strconv.Itoa(status), cache).Inc()
	cm.duration.WithLabelValues(cache).Observe(d.Seconds())
}

// AddTraffic adds n bytes to the given direction ("client_in", "client_out",
// "upstream_in", "upstream_out", "cache_out").
func (cm *ConnectionMetrics) AddTraffic(direction string, n int64) {
	if cm == nil || n <= 0 {
		return
	}
	cm.traffic.WithLabelValues(direction).Add(float64(n))
}

// TunnelOpened counts an established tunnel.
func (cm *ConnectionMetrics) TunnelOpened() {
	if cm == nil {
		return
	}
	cm.tunnels.Inc()
}

// UpstreamAttempt counts an upstream attempt with outcome "ok" or "failed".
func (cm *ConnectionMetrics) UpstreamAttempt(ok bool) {
	if cm == nil {
		return
	}
	outcome := "ok"
	if !ok {
		outcome = "failed"
	}
	cm.attempts.WithLabelValues(outcome).Inc()
}
