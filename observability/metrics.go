package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// EngineMetrics records settlement engine activity for the /metrics endpoint.
type EngineMetrics struct {
	ops     *prometheus.CounterVec
	latency *prometheus.HistogramVec
}

var (
	engineMetricsOnce sync.Once
	engineRegistry    *EngineMetrics
)

// Engine returns the lazily-initialised engine metrics registry.
func Engine() *EngineMetrics {
	engineMetricsOnce.Do(func() {
		engineRegistry = &EngineMetrics{
			ops: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "dvp",
				Subsystem: "engine",
				Name:      "ops_total",
				Help:      "Total settlement engine operations segmented by operation and outcome.",
			}, []string{"op", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "dvp",
				Subsystem: "engine",
				Name:      "op_duration_seconds",
				Help:      "Latency distribution for settlement engine operations.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"op"}),
		}
		prometheus.MustRegister(engineRegistry.ops, engineRegistry.latency)
	})
	return engineRegistry
}

// Observe records one engine operation with its outcome and duration.
func (m *EngineMetrics) Observe(op string, err error, start time.Time) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.ops.WithLabelValues(op, outcome).Inc()
	m.latency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}
