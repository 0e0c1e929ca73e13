package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "narrator_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "narrator_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Conversation metrics
	MessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "narrator_messages_sent_total",
			Help: "Total messages dispatched to the chat manager",
		},
		[]string{"operation"}, // "new", "edit" or "regenerate"
	)

	MessagesRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "narrator_messages_rejected_total",
			Help: "Total messages rejected before dispatch",
		},
		[]string{"reason"}, // "share", "empty", "no_api_key", "dispatch_error"
	)

	Generations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "narrator_generations_total",
			Help: "Total completed generations",
		},
		[]string{"outcome"}, // "ok" or "error"
	)

	GenerationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "narrator_generation_duration_seconds",
			Help:    "Time from dispatch to the final token",
			Buckets: []float64{.25, .5, 1, 2.5, 5, 10, 20, 40, 80},
		},
	)

	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "narrator_active_sessions",
			Help: "Sessions currently held by the registry",
		},
	)

	// Rate limit metrics
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "narrator_rate_limit_hits_total",
			Help: "Total rate limit hits",
		},
		[]string{"endpoint"},
	)
)
