// Package metrics provides Prometheus instrumentation for the direct chat
// server. It exposes gauges for connection and presence counts, counters for
// message and push throughput, and a histogram for send latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Push outcomes used as the "outcome" label of PushesTotal.
const (
	PushDelivered = "delivered"
	PushOffline   = "offline"
	PushFailed    = "failed"
)

var (
	// ConnectionsTotal tracks the current number of open delivery channels,
	// including stale channels replaced by a newer connection of the same user.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "whisper_connections_total",
		Help: "Current number of open WebSocket delivery channels",
	})

	// OnlineUsers tracks the number of entries in the presence registry.
	OnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "whisper_online_users",
		Help: "Current number of users registered as online",
	})

	// MessagesTotal counts messages processed by the send path, labeled by
	// result: "sent" or "rejected".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "whisper_messages_total",
		Help: "Total number of direct messages processed",
	}, []string{"result"})

	// PushesTotal counts real-time event pushes by event type and outcome.
	PushesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "whisper_pushes_total",
		Help: "Total number of targeted event pushes",
	}, []string{"event", "outcome"})

	// RosterBroadcasts counts online-roster broadcasts.
	RosterBroadcasts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "whisper_roster_broadcasts_total",
		Help: "Total number of online roster broadcasts",
	})

	// SendLatency records the time from send request to persisted message.
	SendLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "whisper_send_latency_seconds",
		Help:    "Latency of the send path up to persistence in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		OnlineUsers,
		MessagesTotal,
		PushesTotal,
		RosterBroadcasts,
		SendLatency,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
