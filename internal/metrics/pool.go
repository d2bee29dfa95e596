package metrics

import "github.com/prometheus/client_golang/prometheus"

// PoolMetrics tracks the upstream connection pool.
type PoolMetrics struct {
	created prometheus.Counter
	reused  prometheus.Counter
	closed  prometheus.Counter
	idle    prometheus.Gauge
}

// NewPoolMetrics creates and registers connection pool metrics.
func NewPoolMetrics(namespace string, registry *prometheus.Registry) *PoolMetrics {
	pm := &PoolMetrics{
		created: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "connections_created_total",
			Help:      "Upstream connections opened",
		}),
		reused: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "connections_reused_total",
			Help:      "Requests served over an idle pooled connection",
		}),
		closed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "connections_closed_total",
			Help:      "Upstream connections closed",
		}),
		idle: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "idle_connections",
			Help:      "Upstream connections parked for reuse",
		}),
	}

	registry.MustRegister(pm.created, pm.reused, pm.closed, pm.idle)

	return pm
}

func (pm *PoolMetrics) ConnectionCreated() {
	if pm == nil {
		return
	}
	pm.created.Inc()
}

func (pm *PoolMetrics) ConnectionReused() {
	if pm == nil {
		return
	}
	pm.reused.Inc()
}

func (pm *PoolMetrics) ConnectionClosed() {
	if pm == nil {
		return
	}
	pm.closed.Inc()
}

// SetIdle publishes the number of parked connections.
func (pm *PoolMetrics) SetIdle(n int) {
	if pm == nil {
		return
	}
	pm.idle.Set(float64(n))
}
