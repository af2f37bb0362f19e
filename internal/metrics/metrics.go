// Package metrics provides Prometheus instrumentation for the pairing server
// and client. It exposes gauges for connections, waiting participants and
// rooms, counters for matches and relayed signals, and histograms for match
// wait time.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pairing_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// WaitingParticipants tracks participants sitting in a pool, per pool key.
	WaitingParticipants = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pairing_waiting_participants",
		Help: "Current number of participants waiting for a match",
	}, []string{"pool"})

	// ActiveRooms tracks the current number of paired rooms.
	ActiveRooms = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pairing_active_rooms",
		Help: "Current number of active rooms",
	})

	// MatchRequests counts find-match and find-next-match outcomes, labeled by
	// result: "matched", "enqueued", "invalid" or "rate_limited".
	MatchRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pairing_match_requests_total",
		Help: "Total number of match requests by outcome",
	}, []string{"result"})

	// MatchWait records how long the matched peer waited in its pool.
	MatchWait = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "pairing_match_wait_seconds",
		Help:    "Time a participant waited in a pool before being matched",
		Buckets: []float64{.1, .5, 1, 2, 5, 10, 15, 20, 30, 60},
	})

	// MatchScore records the compatibility score of each new room.
	MatchScore = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "pairing_match_score",
		Help:    "Compatibility score of matched pairs",
		Buckets: prometheus.LinearBuckets(0, 0.1, 11),
	})

	// SignalsTotal counts negotiation messages, labeled by kind and result:
	// "relayed", "dropped" or "invalid".
	SignalsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pairing_signals_total",
		Help: "Total number of negotiation messages handled by the relay",
	}, []string{"kind", "result"})

	// TransitionsTotal counts client-side connection transitions by final
	// phase: "complete" or "failed".
	TransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pairing_client_transitions_total",
		Help: "Total number of peer connection transitions by outcome",
	}, []string{"phase"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		WaitingParticipants,
		ActiveRooms,
		MatchRequests,
		MatchWait,
		MatchScore,
		SignalsTotal,
		TransitionsTotal,
	)
}

// SetPools replaces the per-pool waiting gauges with sizes. Pools missing
// from sizes are reset to zero.
func SetPools(sizes map[string]int) {
	WaitingParticipants.Reset()
	for pool, n := range sizes {
		WaitingParticipants.WithLabelValues(pool).Set(float64(n))
	}
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
