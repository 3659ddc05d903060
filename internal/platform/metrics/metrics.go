// Package metrics holds the Prometheus collectors exported at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telehealth_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "telehealth_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"method", "route"},
	)

	PanicsRecovered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "telehealth_http_panics_recovered_total",
			Help: "Panics recovered in HTTP and websocket handlers",
		},
	)

	RateLimitHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "telehealth_rate_limit_hits_total",
			Help: "Requests rejected by the rate limiter",
		},
	)

	// Care request workflow
	RequestsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telehealth_requests_created_total",
			Help: "Care requests created",
		},
		[]string{"kind"}, // "escalation" or "routine"
	)

	RequestTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telehealth_request_transitions_total",
			Help: "Care request transitions attempted, by outcome",
		},
		[]string{"transition", "outcome"}, // outcome: "ok", "conflict", "error"
	)

	NoDoctorAvailable = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "telehealth_no_doctor_available_total",
			Help: "Matcher runs that found no eligible doctor",
		},
	)

	RequestsExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "telehealth_requests_expired_total",
			Help: "Pending requests rejected by the stale request sweeper",
		},
	)

	// Rooms and signaling
	RoomsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "telehealth_rooms_active",
			Help: "Rooms opened minus rooms ended by this instance",
		},
	)

	SignalsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telehealth_signals_enqueued_total",
			Help: "Signals written to the poll queue",
		},
		[]string{"type"},
	)

	SignalsDelivered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "telehealth_signals_delivered_total",
			Help: "Signals returned to polling participants",
		},
	)

	MessagesPosted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "telehealth_room_messages_total",
			Help: "Chat messages stored",
		},
	)

	// Push channel
	PushPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telehealth_push_published_total",
			Help: "Events published to push groups",
		},
		[]string{"event"},
	)

	PushFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telehealth_push_failures_total",
			Help: "Best-effort push deliveries that failed",
		},
		[]string{"event"},
	)

	WebSocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "telehealth_websocket_connections",
			Help: "Open WebSocket connections on this instance",
		},
	)
)
