package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Connections
	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "signaling_connections_active",
		Help: "Number of open signaling connections",
	})

	RoomMembersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "signaling_room_members_active",
		Help: "Number of connections currently joined to a room on this process",
	})

	// Events
	EventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signaling_events_total",
		Help: "Inbound signaling events by type",
	}, []string{"event"})

	ErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signaling_errors_total",
		Help: "Error events sent to clients by code",
	}, []string{"code"})

	RelaysTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signaling_relays_total",
		Help: "Offer/answer/ICE relays by outcome",
	}, []string{"event", "outcome"})

	RoomsLifecycleTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signaling_rooms_lifecycle_total",
		Help: "Rooms opened and closed",
	}, []string{"action"})

	// Room store
	StoreLatencyMs = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "signaling_store_latency_ms",
		Help:    "Room store operation latency in milliseconds",
		Buckets: []float64{0.5, 1, 2, 5, 10, 25, 50, 100, 500},
	}, []string{"op"})

	StoreErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signaling_store_errors_total",
		Help: "Room store errors by operation",
	}, []string{"op"})

	StoreConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "signaling_store_conflicts_total",
		Help: "Optimistic room updates retried after a concurrent write",
	})

	// Meeting verification
	VerificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signaling_verifications_total",
		Help: "Meeting verification results",
	}, []string{"result"})

	EventsPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signaling_meeting_events_published_total",
		Help: "Meeting events published to collaborators by outcome",
	}, []string{"outcome"})
)

// Helper functions

func ObserveStore(op string, start time.Time, err error) {
	StoreLatencyMs.WithLabelValues(op).Observe(float64(time.Since(start).Microseconds()) / 1000)
	if err != nil {
		StoreErrorsTotal.WithLabelValues(op).Inc()
	}
}

func RecordEvent(event string) {
	EventsTotal.WithLabelValues(event).Inc()
}

func RecordError(code string) {
	ErrorsTotal.WithLabelValues(code).Inc()
}

func RecordRelay(event, outcome string) {
	RelaysTotal.WithLabelValues(event, outcome).Inc()
}

func RecordVerification(ok bool) {
	if ok {
		VerificationsTotal.WithLabelValues("joinable").Inc()
	} else {
		VerificationsTotal.WithLabelValues("rejected").Inc()
	}
}
