// Package metrics exposes burrow's Prometheus instrumentation.
//
// A Collector owns a private registry and one sub-struct per concern:
// the disk cache, client connections, the upstream connection pool and
// the dispatcher's worker tasks. Every recording method is safe to call
// on a nil receiver so that components built without metrics (tests,
// the CLI's offline cache commands) need no special casing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector is the entry point for all proxy metrics.
type Collector struct {
	registry *prometheus.Registry

	Cache       *CacheMetrics
	Connections *ConnectionMetrics
	Pool        *PoolMetrics
	Tasks       *TaskMetrics
}

// NewCollector creates a collector registering every metric under the
// given namespace. If registry is nil a fresh one is created; the global
// default registry is never used so that several proxies can live in one
// process (as they do in tests).
//
// Example:
//
//	collector := metrics.NewCollector("burrow", nil)
//	mux.Handle("/metrics", collector.Handler())
func NewCollector(namespace string, registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	if namespace == "" {
		namespace = "burrow"
	}

	return &Collector{
		registry:    registry,
		Cache:       NewCacheMetrics(namespace, registry),
		Connections: NewConnectionMetrics(namespace, registry),
		Pool:        NewPoolMetrics(namespace, registry),
		Tasks:       NewTaskMetrics(namespace, registry),
	}
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler returns an HTTP handler serving the registry in the Prometheus
// exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(
		c.registry,
		promhttp.HandlerOpts{
			// Enable OpenMetrics encoding
			EnableOpenMetrics: true,

			// A failing collector must not hide the others
			ErrorHandling: promhttp.ContinueOnError,
		},
	)
}
