// Package metrics provides Prometheus instrumentation for the realtime
// server. It exposes gauges for connection and presence counts, counters for
// event throughput, and failure counters for the persistence path.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "realtime_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// OnlineUsers tracks the current number of users with at least one
	// active connection.
	OnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "realtime_online_users",
		Help: "Current number of online users",
	})

	// EventsRelayed counts server-to-client events dispatched, labeled by
	// event type (message:received, message:seen, user:typing, ...).
	EventsRelayed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_events_relayed_total",
		Help: "Total number of events relayed to clients",
	}, []string{"event"})

	// MessagesPersisted counts messages durably written by the bridge.
	MessagesPersisted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "realtime_messages_persisted_total",
		Help: "Total number of messages durably persisted",
	})

	// PersistFailures counts failed durable writes, labeled by operation
	// ("send" or "read").
	PersistFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_persist_failures_total",
		Help: "Total number of failed durable writes",
	}, []string{"op"})

	// AuthRejections counts connections refused at the admission gate.
	AuthRejections = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "realtime_auth_rejections_total",
		Help: "Total number of connections refused authentication",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		OnlineUsers,
		EventsRelayed,
		MessagesPersisted,
		PersistFailures,
		AuthRejections,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
