package sessions

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sessionsCreatedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pairing_relay_sessions_created_total",
			Help: "Total number of pairing sessions accepted.",
		},
	)

	sessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pairing_relay_sessions_active",
			Help: "Pairing sessions currently held in the registry.",
		},
	)

	sessionsFinishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pairing_relay_sessions_finished_total",
			Help: "Sessions that reached a terminal state, by state.",
		},
		[]string{"state"},
	)

	stateTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pairing_relay_state_transitions_total",
			Help: "Session state machine transitions.",
		},
		[]string{"from", "to"},
	)

	sendAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pairing_relay_send_attempts_total",
			Help: "Pairing message send attempts by result.",
		},
		[]string{"result"},
	)

	cleanupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pairing_relay_cleanups_total",
			Help: "Session teardowns by reason.",
		},
		[]string{"reason"},
	)

	cleanupErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pairing_relay_cleanup_errors_total",
			Help: "Best-effort teardown steps that failed, by step.",
		},
		[]string{"step"},
	)

	janitorReclaimedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pairing_relay_janitor_reclaimed_total",
			Help: "Sessions reclaimed by the janitor for exceeding the maximum age.",
		},
	)
)
