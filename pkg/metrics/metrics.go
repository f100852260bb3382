// Package metrics provides access to Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "imgcache"

// Web
var (
	HTTPResponseStatuses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "web",
			Name:      "http_response_statuses_total",
		},
		[]string{"status"},
	)
	HTTPResponseTime = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "web",
			Name:      "http_response_time_seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		},
		[]string{"path"},
	)
)

// Memory cache
var (
	MemoryCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "memory_cache",
			Name:      "hits_total",
		},
	)
	MemoryCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "memory_cache",
			Name:      "misses_total",
		},
	)
	MemoryCacheReclaimed = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "memory_cache",
			Name:      "reclaimed_total",
		},
	)
	// MemoryCacheRaces counts puts that lost to an already cached live image.
	MemoryCacheRaces = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "memory_cache",
			Name:      "races_total",
		},
	)
)

// Negative cache
var (
	NegativeCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "negative_cache",
			Name:      "hits_total",
		},
	)
	NegativeCacheEntries = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "negative_cache",
			Name:      "marked_total",
		},
	)
)

// Disk cache
var (
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "hits_total",
		},
		[]string{"cache"},
	)
	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "misses_total",
		},
		[]string{"cache"},
	)
	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "errors_total",
		},
		[]string{"cache"},
	)
	CacheWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "writes_total",
		},
		[]string{"cache"},
	)
)

// Pipeline
var (
	DecodeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "decode_duration_seconds",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.2, 0.5, 1, 2, 5},
		},
		[]string{"scheme"},
	)
	DecodeErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "decode_errors_total",
		},
		[]string{"scheme"},
	)
	QueuedTasks = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "queued_tasks",
		},
	)
)

// Downloads
var (
	Downloads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "download",
			Name:      "downloads_total",
		},
		[]string{"status"},
	)
	DownloadDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "download",
			Name:      "duration_seconds",
			Buckets:   []float64{0.05, 0.1, 0.2, 0.5, 1, 2, 5, 10, 30},
		},
	)
	DownloadedBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "download",
			Name:      "bytes_total",
		},
	)
)

// Init values for common labels.
func init() {
	for _, status := range []string{"200", "204", "400", "404", "500", "502"} {
		HTTPResponseStatuses.With(prometheus.Labels{"status": status}).Add(0)
	}
	for _, cache := range []string{"icons", "images"} {
		CacheHits.With(prometheus.Labels{"cache": cache}).Add(0)
		CacheMisses.With(prometheus.Labels{"cache": cache}).Add(0)
		CacheErrors.With(prometheus.Labels{"cache": cache}).Add(0)
		CacheWrites.With(prometheus.Labels{"cache": cache}).Add(0)
	}
	for _, status := range []string{"fresh", "not_modified", "stale", "failed"} {
		Downloads.With(prometheus.Labels{"status": status}).Add(0)
	}
}
