// Copyright 2024-2026 Aiku AI

package connection

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace = "relay"
	subsystem        = "primary"
)

var (
	stateGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystem,
			Name:      "connection_state",
			Help:      "1 for the current primary connection state, 0 for the others",
		},
		[]string{"state"},
	)

	reconnectsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystem,
			Name:      "reconnects_scheduled_total",
			Help:      "Total number of scheduled reconnect attempts",
		},
	)

	credentialSavesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystem,
			Name:      "credential_saves_total",
			Help:      "Total number of credential store writes",
		},
		[]string{"result"}, // result: "success", "error"
	)

	bufferFullTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystem,
			Name:      "message_buffer_full_total",
			Help:      "Total number of times inbound intake paused on a full message buffer",
		},
	)

	messagesDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystem,
			Name:      "messages_dropped_total",
			Help:      "Total number of inbound messages discarded during shutdown",
		},
	)

	fatalTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystem,
			Name:      "fatal_total",
			Help:      "Total number of fatal connection conditions",
		},
		[]string{"reason"},
	)
)

func observeState(s State) {
	for i := range stateNames {
		v := 0.0
		if State(i) == s {
			v = 1
		}
		stateGauge.WithLabelValues(State(i).String()).Set(v)
	}
}
