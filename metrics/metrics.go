// Package metrics provides Prometheus metrics for the memory engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mnemos"

var (
	registry = prometheus.NewRegistry()

	retrievalDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "retrieval",
		Name:      "duration_seconds",
		Help:      "Retrieval latency by outcome.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
	}, []string{"source", "degraded"})

	memoryOps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "memory_operations_total",
		Help:      "Memory store, delete and clear operations.",
	}, []string{"op", "status"})

	memoriesTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "memories_total",
		Help:      "Current number of stored memories.",
	})

	consolidationRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "consolidation",
		Name:      "runs_total",
		Help:      "Consolidation runs by status.",
	}, []string{"status"})

	consolidationCompressed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "consolidation",
		Name:      "compressed_memories_total",
		Help:      "Memories replaced by a compressed summary.",
	})

	lifecycleExpired = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "lifecycle",
		Name:      "expired_total",
		Help:      "Memories removed because their TTL elapsed.",
	})

	lifecycleEvicted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "lifecycle",
		Name:      "evicted_total",
		Help:      "Memories evicted by the capacity limit.",
	})
)

func init() {
	registry.MustRegister(
		retrievalDuration,
		memoryOps,
		memoriesTotal,
		consolidationRuns,
		consolidationCompressed,
		lifecycleExpired,
		lifecycleEvicted,
	)
}

// ObserveRetrieval records one retrieval.
func ObserveRetrieval(d time.Duration, cacheHit, degraded bool) {
	source := "search"
	if cacheHit {
		source = "cache"
	}
	retrievalDuration.WithLabelValues(source, boolLabel(degraded)).Observe(d.Seconds())
}

// CountMemoryOp records a write-path operation.
func CountMemoryOp(op string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	memoryOps.WithLabelValues(op, status).Inc()
}

// SetMemoriesTotal updates the stored memory gauge.
func SetMemoriesTotal(n int) {
	memoriesTotal.Set(float64(n))
}

// ObserveConsolidation records one consolidation run.
func ObserveConsolidation(compressed int, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	consolidationRuns.WithLabelValues(status).Inc()
	consolidationCompressed.Add(float64(compressed))
}

// ObserveLifecycle records one cleanup run.
func ObserveLifecycle(expired, evicted int) {
	lifecycleExpired.Add(float64(expired))
	lifecycleEvicted.Add(float64(evicted))
}

// Handler exposes the registry for scraping.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
