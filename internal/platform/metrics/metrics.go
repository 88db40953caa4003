// Package metrics declares the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	RoomsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "codecollab_rooms_active",
			Help: "Rooms currently held by the session registry",
		},
	)

	RoomsReaped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "codecollab_rooms_reaped_total",
			Help: "Empty rooms removed by the reaper",
		},
	)

	ConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "codecollab_connections_active",
			Help: "Open WebSocket connections",
		},
	)

	// Router metrics
	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codecollab_events_total",
			Help: "Inbound protocol events by type",
		},
		[]string{"type"},
	)

	ProtocolErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codecollab_protocol_errors_total",
			Help: "Rejected inbound events by error code",
		},
		[]string{"code"},
	)

	OutboundDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "codecollab_outbound_dropped_total",
			Help: "Frames dropped because a connection's outbound buffer was full",
		},
	)

	// Execution metrics
	ExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codecollab_executions_total",
			Help: "Code executions by language and outcome",
		},
		[]string{"language", "outcome"},
	)

	ExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "codecollab_execution_duration_seconds",
			Help:    "Wall-clock duration of code executions",
			Buckets: []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"language"},
	)
)
