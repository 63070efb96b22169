package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BookingsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bookings_created_total",
		Help: "Total number of bookings created",
	})

	BookingsConfirmedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bookings_confirmed_total",
		Help: "Total number of bookings confirmed",
	})

	BookingsCancelledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bookings_cancelled_total",
		Help: "Total number of bookings cancelled",
	})

	BookingsExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bookings_expired_total",
		Help: "Total number of pending bookings expired by the reaper",
	})

	BookingsFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bookings_failed_total",
		Help: "Total number of failed booking attempts",
	}, []string{"reason"})

	CapacityConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "capacity_conflicts_total",
		Help: "Total number of optimistic-lock conflicts on the capacity ledger",
	})

	CapacityDecrementLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "capacity_decrement_latency_seconds",
		Help:    "Latency of capacity decrement attempts including retries",
		Buckets: prometheus.DefBuckets,
	})

	SeatHoldsPlacedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "seat_holds_placed_total",
		Help: "Total number of seat holds placed",
	})

	SeatHoldsRejectedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "seat_holds_rejected_total",
		Help: "Total number of seat hold attempts rejected due to contention",
	})

	WaitlistJoinsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "waitlist_joins_total",
		Help: "Total number of waitlist joins",
	})

	WaitlistOffersTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "waitlist_offers_total",
		Help: "Total number of waitlist offers extended",
	})

	WaitlistOffersClaimedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "waitlist_offers_claimed_total",
		Help: "Total number of waitlist offers claimed",
	})

	WaitlistOffersExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "waitlist_offers_expired_total",
		Help: "Total number of waitlist offers that lapsed unclaimed",
	})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
