package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RidesPublished = promauto.NewCounter(prometheus.CounterOpts{Namespace: "rideshare", Name: "rides_published_total", Help: "Total rides published"})

	RideTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "rideshare", Name: "ride_transitions_total", Help: "Ride status transitions"},
		[]string{"status"},
	)
	RequestOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "rideshare", Name: "request_outcomes_total", Help: "Ride request operations by outcome"},
		[]string{"op", "outcome"},
	)
	AcceptLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "rideshare",
		Name:      "accept_latency_seconds",
		Help:      "Time spent in the accept critical section",
		Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25},
	})
	HistoryEntries = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "rideshare", Name: "history_entries_total", Help: "History entries recorded"},
		[]string{"status"},
	)
	RatingsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "rideshare", Name: "ratings_total", Help: "Ratings submitted"},
		[]string{"value"},
	)
	MessagesSent  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "rideshare", Name: "messages_sent_total", Help: "Messages appended to conversations"})
	Conversations = promauto.NewCounter(prometheus.CounterOpts{Namespace: "rideshare", Name: "conversations_opened_total", Help: "Conversations created"})

	NotificationsDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "rideshare", Name: "notifications_total", Help: "Notification deliveries by channel and result"},
		[]string{"channel", "result"},
	)
	NotificationsSuppressed = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "rideshare", Name: "notifications_suppressed_total", Help: "Notifications skipped by user preference"},
		[]string{"category"},
	)
	WSSessions = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "rideshare", Name: "ws_sessions", Help: "Connected in-app websocket sessions"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "rideshare", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "rideshare",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
