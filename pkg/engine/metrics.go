package engine

import "github.com/prometheus/client_golang/prometheus"

// OpDuration observes engine operation latency by op.
var OpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "jsondb",
	Subsystem: "engine",
	Name:      "op_duration_seconds",
	Help:      "Duration of engine operations.",
	Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
}, []string{"op"})

// OpErrors counts failed engine operations by op.
var OpErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "jsondb",
	Subsystem: "engine",
	Name:      "op_errors_total",
	Help:      "Engine operations that returned an error.",
}, []string{"op"})

// OpenCollections is the number of collections the registry holds open.
var OpenCollections = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "jsondb",
	Subsystem: "registry",
	Name:      "open_collections",
	Help:      "Collections currently open in the registry.",
})

// Evictions counts collections closed by the registry to make room.
var Evictions = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "jsondb",
	Subsystem: "registry",
	Name:      "evictions_total",
	Help:      "Collections evicted from the registry.",
})

// Collectors returns the engine and registry metrics for registration.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{OpDuration, OpErrors, OpenCollections, Evictions}
}
