package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Drop reasons used as the "reason" label of EventsDropped.
const (
	DropArena    = "arena"
	DropDecode   = "decode"
	DropLost     = "lost"
	DropFiltered = "filtered"
)

type Metrics struct {
	// Events appended to the graph, by category
	EventsCommitted *prometheus.CounterVec

	// Records that never reached the graph, by reason
	EventsDropped *prometheus.CounterVec

	// Sessions reaching Stopped, by terminal state (success, failed)
	Sessions *prometheus.CounterVec

	// Stops that had to force-close the tracing handle
	DegradedStops prometheus.Counter

	// Fraction of the arena in use
	ArenaUtilization prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Unregistered local registry when none is given
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		EventsCommitted: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "sandbox_events_committed_total",
			Help: "Total number of events appended to the event graph.",
		}, []string{"category"}),

		EventsDropped: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "sandbox_events_dropped_total",
			Help: "Total number of trace records not appended, by reason.",
		}, []string{"reason"}), // arena, decode, lost, filtered

		Sessions: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "sandbox_sessions_total",
			Help: "Total number of capture sessions by terminal state.",
		}, []string{"state"}),

		DegradedStops: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "sandbox_degraded_stops_total",
			Help: "Total number of stops that force-closed the tracing handle.",
		}),

		ArenaUtilization: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "sandbox_arena_utilization",
			Help: "Fraction of the event arena in use.",
		}),
	}
}
