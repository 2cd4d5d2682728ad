// Package metrics exposes the core's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// CacheMetrics counts entry-cache traffic.
type CacheMetrics struct {
	Hits          prometheus.Counter
	Misses        prometheus.Counter
	Inserts       prometheus.Counter
	Evictions     prometheus.Counter
	Invalidations prometheus.Counter
	UsedBytes     prometheus.Gauge
	MissLoad      prometheus.Histogram
}

// NewCacheMetrics registers the entry-cache collectors on reg. A nil reg
// registers nothing (tests).
func NewCacheMetrics(reg prometheus.Registerer) *CacheMetrics {
	factory := promauto.With(reg)
	return &CacheMetrics{
		Hits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "vaulthalla", Subsystem: "entry_cache", Name: "hits_total",
			Help: "Lookups answered from the cache.",
		}),
		Misses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "vaulthalla", Subsystem: "entry_cache", Name: "misses_total",
			Help: "Lookups that fell through to the catalog.",
		}),
		Inserts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "vaulthalla", Subsystem: "entry_cache", Name: "inserts_total",
			Help: "Entries inserted or replaced.",
		}),
		Evictions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "vaulthalla", Subsystem: "entry_cache", Name: "evictions_total",
			Help: "Entries evicted.",
		}),
		Invalidations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "vaulthalla", Subsystem: "entry_cache", Name: "invalidations_total",
			Help: "Entries dropped because the catalog disagreed.",
		}),
		UsedBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "vaulthalla", Subsystem: "entry_cache", Name: "used_bytes",
			Help: "Sum of cached file sizes.",
		}),
		MissLoad: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "vaulthalla", Subsystem: "entry_cache", Name: "miss_load_seconds",
			Help:    "Latency from miss to catalog load.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),
	}
}

// SyncMetrics observes sync task execution.
type SyncMetrics struct {
	EventsTotal  *prometheus.CounterVec
	OpsTotal     *prometheus.CounterVec
	OpBytesTotal *prometheus.CounterVec
	StageSeconds *prometheus.HistogramVec
}

// NewSyncMetrics registers the sync collectors on reg.
func NewSyncMetrics(reg prometheus.Registerer) *SyncMetrics {
	factory := promauto.With(reg)
	return &SyncMetrics{
		EventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vaulthalla", Subsystem: "sync", Name: "events_total",
			Help: "Finished sync events by terminal status.",
		}, []string{"status"}),
		OpsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vaulthalla", Subsystem: "sync", Name: "ops_total",
			Help: "Per-op task outcomes by metric.",
		}, []string{"metric", "outcome"}),
		OpBytesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vaulthalla", Subsystem: "sync", Name: "op_bytes_total",
			Help: "Bytes moved by per-op tasks.",
		}, []string{"metric"}),
		StageSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "vaulthalla", Subsystem: "sync", Name: "stage_seconds",
			Help:    "Wall time per sync stage.",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"stage"}),
	}
}

// PoolMetrics observes a worker pool.
type PoolMetrics struct {
	QueueDepth prometheus.Gauge
	Executed   prometheus.Counter
}

// NewPoolMetrics registers pool collectors for the named pool.
func NewPoolMetrics(reg prometheus.Registerer, pool string) *PoolMetrics {
	factory := promauto.With(reg)
	labels := prometheus.Labels{"pool": pool}
	return &PoolMetrics{
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "vaulthalla", Subsystem: "worker", Name: "queue_depth",
			Help: "Tasks waiting in the pool queue.", ConstLabels: labels,
		}),
		Executed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "vaulthalla", Subsystem: "worker", Name: "tasks_total",
			Help: "Tasks executed.", ConstLabels: labels,
		}),
	}
}
