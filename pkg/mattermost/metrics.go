// Copyright 2024-2026 Aiku AI

package mattermost

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	resultAccepted     = "accepted"
	resultIgnored      = "ignored"
	resultForbidden    = "forbidden"
	resultUnauthorized = "unauthorized"
	resultInvalid      = "invalid"
	resultUnavailable  = "unavailable"
)

var (
	webhookRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "secondary",
			Name:      "webhook_requests_total",
			Help:      "Total number of outgoing webhook requests by result",
		},
		[]string{"result"},
	)

	websocketReconnectsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "secondary",
			Name:      "websocket_reconnects_total",
			Help:      "Total number of websocket reconnects",
		},
	)
)
