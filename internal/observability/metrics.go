package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RidesRequested  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "campus_rides", Name: "rides_requested_total", Help: "Total ride requests created"})
	RidesAccepted   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "campus_rides", Name: "rides_accepted_total", Help: "Total rides accepted by a driver"})
	RidesCompleted  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "campus_rides", Name: "rides_completed_total", Help: "Total rides completed"})
	RidesExpired    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "campus_rides", Name: "rides_expired_total", Help: "Total unmatched rides expired"})
	RidesCancelled  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "campus_rides", Name: "rides_cancelled_total", Help: "Total rides cancelled before match"})
	AcceptConflicts = promauto.NewCounter(prometheus.CounterOpts{Namespace: "campus_rides", Name: "accept_conflicts_total", Help: "Accept attempts that lost the claim race"})
	MatchesFound    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "campus_rides", Name: "matches_found_total", Help: "Ride requests matched to a specific driver"})
	MatchBroadcasts = promauto.NewCounter(prometheus.CounterOpts{Namespace: "campus_rides", Name: "match_broadcasts_total", Help: "Ride requests broadcast to all online drivers"})
	DriversOnline   = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "campus_rides", Name: "drivers_online", Help: "Number of drivers currently online"})

	MatchLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "campus_rides",
		Name:      "match_latency_seconds",
		Help:      "Time from ride request to match decision",
		Buckets:   prometheus.DefBuckets,
	})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "campus_rides", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "campus_rides",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
