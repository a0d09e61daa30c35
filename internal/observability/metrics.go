package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DatabaseQueryLatency records database query latency by operation and table.
	DatabaseQueryLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "parley_database_query_latency_seconds",
		Help:    "Database query latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "table"})

	// MessageThroughput counts appended messages by type.
	MessageThroughput = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "parley_message_throughput_total",
		Help: "Total number of messages appended",
	}, []string{"message_type"})

	// WebSocketConnectionsTotal is the gauge of open WebSocket connections on this node.
	WebSocketConnectionsTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "parley_websocket_connections_total",
		Help: "Total number of active WebSocket connections",
	})

	// WebSocketEventsTotal counts inbound WebSocket events by type.
	WebSocketEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "parley_websocket_events_total",
		Help: "Total inbound WebSocket events by type",
	}, []string{"event_type"})

	// WebSocketBackpressureDrops counts frames dropped for slow or closed connections.
	WebSocketBackpressureDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "parley_websocket_backpressure_drops_total",
		Help: "Total number of WebSocket frames dropped due to backpressure",
	}, []string{"hub", "reason"})

	// DispatchedEnvelopes counts fan-out envelopes by type and route (local or redis).
	DispatchedEnvelopes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "parley_dispatched_envelopes_total",
		Help: "Total fan-out envelopes by type and route",
	}, []string{"type", "route"})

	// PresenceTransitions counts visible presence changes by new status.
	PresenceTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "parley_presence_transitions_total",
		Help: "Total presence transitions by resulting status",
	}, []string{"status"})

	// TypingActive is the number of live typing flags on this node.
	TypingActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "parley_typing_active",
		Help: "Number of active typing flags",
	})
)

// TrackQuery returns a function that records query latency when called (e.g. defer).
func TrackQuery(operation, table string) func() {
	start := time.Now()
	return func() {
		DatabaseQueryLatency.WithLabelValues(operation, table).Observe(time.Since(start).Seconds())
	}
}
