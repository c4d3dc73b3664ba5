// Package metrics contains the prometheus middleware and counters exposed
// by the scheduling engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
)

var totalRequests = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "HTTP requests.",
	},
	[]string{"path"},
)

var duration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name: "http_request_duration_seconds",
		Help: "HTTP request duration.",
	},
	[]string{"path"},
)

var (
	ReservationsGranted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "schedule_reservations_granted_total",
		Help: "Holds successfully granted on slots.",
	})
	ReservationConflicts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "schedule_reservation_conflicts_total",
		Help: "Reserve attempts rejected because the slot was not available.",
	})
	HoldsExpired = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "schedule_holds_expired_total",
		Help: "Holds reclaimed after expiry, lazily or by the sweep.",
	})
	SlotsGenerated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "schedule_slots_generated_total",
		Help: "Slots created or revived by the generator.",
	})
	EmergenciesBooked = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "schedule_emergencies_booked_total",
		Help: "Emergency bookings confirmed.",
	})
	SlotsPreempted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "schedule_slots_preempted_total",
		Help: "Slots cancelled by emergency pre-emption.",
	})
)

func init() {
	prometheus.MustRegister(
		totalRequests,
		duration,
		ReservationsGranted,
		ReservationConflicts,
		HoldsExpired,
		SlotsGenerated,
		EmergenciesBooked,
		SlotsPreempted,
	)
}

// Middleware instruments the given request and registers metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		timer := prometheus.NewTimer(duration.WithLabelValues(r.URL.Path))
		next.ServeHTTP(w, r)
		totalRequests.WithLabelValues(r.URL.Path).Inc()
		timer.ObserveDuration()
	})
}
