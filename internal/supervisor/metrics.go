package supervisor

import "github.com/prometheus/client_golang/prometheus"

var (
	restartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "voiced",
			Subsystem: "supervisor",
			Name:      "restarts_total",
			Help:      "Controlled service restarts",
		},
		[]string{"service"},
	)

	degradedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "voiced",
			Subsystem: "supervisor",
			Name:      "degraded_total",
			Help:      "Services marked degraded after exhausting their restart budget",
		},
		[]string{"service"},
	)

	phaseDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "voiced",
			Subsystem: "supervisor",
			Name:      "phase_duration_seconds",
			Help:      "Wall time to bring one startup phase to joint readiness",
			Buckets:   []float64{0.5, 1, 2, 4, 8, 16, 32, 64},
		},
		[]string{"phase"},
	)

	vramFreeMB = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "voiced",
			Subsystem: "vram",
			Name:      "free_mb",
			Help:      "Free device memory at the last guard sample",
		},
	)

	bootFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "voiced",
			Subsystem: "supervisor",
			Name:      "boot_failures_total",
			Help:      "Fatal boot aborts",
		},
	)
)

func init() {
	prometheus.MustRegister(restartsTotal, degradedTotal, phaseDuration, vramFreeMB, bootFailuresTotal)
}
