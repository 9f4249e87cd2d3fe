package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	MessagesSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "messages_sent_total",
			Help: "Total messages sent through the channel",
		},
	)

	MessageFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "message_failures_total",
			Help: "Total failed message sends",
		},
	)

	RunsStarted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "runs_started_total",
			Help: "Total campaign runs started",
		},
	)

	ActiveRuns = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "active_runs",
			Help: "Campaign runs currently in flight",
		},
	)

	SessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sessions_active",
			Help: "Channel sessions live in memory",
		},
	)

	PairingAttempts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pairing_attempts_total",
			Help: "Total pairing codes issued",
		},
	)
)

func Init() {
	prometheus.MustRegister(MessagesSent)
	prometheus.MustRegister(MessageFailures)
	prometheus.MustRegister(RunsStarted)
	prometheus.MustRegister(ActiveRuns)
	prometheus.MustRegister(SessionsActive)
	prometheus.MustRegister(PairingAttempts)
}
