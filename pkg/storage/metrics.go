package storage

import "github.com/prometheus/client_golang/prometheus"

// CacheRequests counts chunk cache lookups by cache and result.
var CacheRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "jsondb",
	Subsystem: "storage",
	Name:      "cache_requests_total",
	Help:      "Chunk cache lookups by result.",
}, []string{"cache", "result"})

// Flushes counts flushes by outcome.
var Flushes = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "jsondb",
	Subsystem: "storage",
	Name:      "flushes_total",
	Help:      "Collection flushes by outcome.",
}, []string{"result"})

// FlushDuration observes how long successful flushes take.
var FlushDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
	Namespace: "jsondb",
	Subsystem: "storage",
	Name:      "flush_duration_seconds",
	Help:      "Time spent flushing staged writes.",
	Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
})

// FlushedChunks counts chunk files written by successful flushes.
var FlushedChunks = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "jsondb",
	Subsystem: "storage",
	Name:      "flushed_chunks_total",
	Help:      "Chunk files written by flushes.",
})

// Collectors returns the storage metrics for registration.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{CacheRequests, Flushes, FlushDuration, FlushedChunks}
}
