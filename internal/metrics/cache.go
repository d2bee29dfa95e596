package metrics

import "github.com/prometheus/client_golang/prometheus"

// CacheMetrics tracks the disk cache.
//
// Metrics:
//   - burrow_cache_hits_total: Lookups answered from the cache
//   - burrow_cache_misses_total: Lookups that went upstream
//   - burrow_cache_entries: Current number of committed entries
//   - burrow_cache_bytes: Current total size of committed bodies
//   - burrow_cache_evictions_total: Entries removed by the sweep
type CacheMetrics struct {
	hits      prometheus.Counter
	misses    prometheus.Counter
	entries   prometheus.Gauge
	bytes     prometheus.Gauge
	evictions prometheus.Counter
}

// NewCacheMetrics creates and registers cache metrics with the provided registry.
func NewCacheMetrics(namespace string, registry *prometheus.Registry) *CacheMetrics {
	cm := &CacheMetrics{
		hits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Total number of cache hits",
		}),
		misses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Total number of cache misses",
		}),
		entries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "entries",
			Help:      "Current number of entries in cache",
		}),
		bytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "bytes",
			Help:      "Current size of cached bodies in bytes",
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "evictions_total",
			Help:      "Total number of entries evicted by the sweep",
		}),
	}

	registry.MustRegister(cm.hits, cm.misses, cm.entries, cm.bytes, cm.evictions)

	return cm
}

// RecordHit counts a cache hit.
func (cm *CacheMetrics) RecordHit() {
	if cm == nil {
		return
	}
	cm.hits.Inc()
}

// RecordMiss counts a cache miss.
func (cm *CacheMetrics) RecordMiss() {
	if cm == nil {
		return
	}
	cm.misses.Inc()
}

// RecordEvictions counts entries removed by a sweep.
func (cm *CacheMetrics) RecordEvictions(n int) {
	if cm == nil || n <= 0 {
		return
	}
	cm.evictions.Add(float64(n))
}

// SetSize publishes the current entry count and byte total.
func (cm *CacheMetrics) SetSize(entries int, bytes int64) {
	if cm == nil {
		return
	}
	cm.entries.Set(float64(entries))
	cm.bytes.Set(float64(bytes))
}
