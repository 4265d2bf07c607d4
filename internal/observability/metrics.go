package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MatchesTotal         = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_coordination", Name: "matches_total", Help: "Total successful matches"})
	MatchAttempts        = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_coordination", Name: "match_attempts_total", Help: "Total match attempts including retries"})
	MatchLatency         = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "ride_coordination", Name: "match_latency_seconds", Help: "Match latency seconds"})
	ReservationConflicts = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_coordination", Name: "reservation_conflicts_total", Help: "Reservations lost to a concurrent match"})
	NoCaptainCancels     = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_coordination", Name: "no_captain_cancels_total", Help: "Rides auto-cancelled after exhausting search"})
	CaptainsOnline       = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_coordination", Name: "captains_online", Help: "Captains currently online"})

	RideTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_coordination", Name: "ride_transitions_total", Help: "Ride state transitions"},
		[]string{"to"},
	)
	InvalidTransitions = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_coordination", Name: "invalid_transitions_total", Help: "Rejected out-of-table transition attempts"})

	PostingsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_coordination", Name: "ledger_postings_total", Help: "Ledger postings by category"},
		[]string{"category"},
	)
	FanoutDropped = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_coordination", Name: "fanout_dropped_total", Help: "Lifecycle events dropped on a full subscriber buffer"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_coordination", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ride_coordination",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
