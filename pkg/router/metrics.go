// Copyright 2024-2026 Aiku AI

package router

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	directionPrimary   = "primary_to_secondary"
	directionSecondary = "secondary_to_primary"
)

const (
	outcomeForwarded  = "forwarded"
	outcomeDelivered  = "delivered"
	outcomeDuplicate  = "duplicate"
	outcomeNotFound   = "not_found"
	outcomeInstructed = "instructed"
	outcomeFailed     = "failed"
	outcomeDropped    = "dropped"
)

var routedTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "relay",
		Name:      "routed_messages_total",
		Help:      "Total number of messages handled by the router",
	},
	[]string{"direction", "outcome"},
)
