package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MatchOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "peerprep",
		Subsystem: "match",
		Name:      "outcomes_total",
		Help:      "Terminal outcomes of match requests.",
	}, []string{"outcome"})

	MatchWaiting = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "peerprep",
		Subsystem: "match",
		Name:      "waiting",
		Help:      "Users waiting in any queue, as last seen by this instance.",
	})

	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "peerprep",
		Subsystem: "collab",
		Name:      "active_rooms",
		Help:      "Session rooms hosted by this instance.",
	})

	Frames = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "peerprep",
		Subsystem: "collab",
		Name:      "frames_total",
		Help:      "Frames received over session channels.",
	}, []string{"type"})

	Executions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "peerprep",
		Subsystem: "execution",
		Name:      "runs_total",
		Help:      "Code executions by result status.",
	}, []string{"status"})

	RedisErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "peerprep",
		Subsystem: "redis",
		Name:      "errors_total",
		Help:      "Failed Redis commands by client and command.",
	}, []string{"client", "cmd"})
)
