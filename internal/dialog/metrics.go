package dialog

import "github.com/prometheus/client_golang/prometheus"

var (
	sessionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "voiced",
			Subsystem: "dialog",
			Name:      "sessions_total",
			Help:      "Dialog sessions opened by an accepted wake event",
		},
	)

	turnsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "voiced",
			Subsystem: "dialog",
			Name:      "turns_total",
			Help:      "User turns forwarded to generation",
		},
	)

	stageErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "voiced",
			Subsystem: "dialog",
			Name:      "stage_errors_total",
			Help:      "Mid-turn failures recovered with a canned apology",
		},
		[]string{"stage"},
	)

	wakeSuppressedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "voiced",
			Subsystem: "dialog",
			Name:      "wake_suppressed_total",
			Help:      "Wake events ignored by reason",
		},
		[]string{"reason"},
	)
)

func init() {
	prometheus.MustRegister(sessionsTotal, turnsTotal, stageErrorsTotal, wakeSuppressedTotal)
}
