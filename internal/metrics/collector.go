// Package metrics exposes the chat core's Prometheus metrics on a dedicated
// registry so that tests and embedders never collide with the default one.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every eventchat metric plus Go runtime and process collectors.
var Registry = prometheus.NewRegistry()

var factory = promauto.With(Registry)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Handler renders the registry in Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}

var (
	MessagesSent = factory.NewCounter(prometheus.CounterOpts{
		Name: "eventchat_messages_sent_total",
		Help: "Messages accepted by the backend from the local writer.",
	})
	EchoesDeduplicated = factory.NewCounter(prometheus.CounterOpts{
		Name: "eventchat_echoes_deduplicated_total",
		Help: "Change-feed inserts discarded because the message was already cached.",
	})
	RateLimited = factory.NewCounter(prometheus.CounterOpts{
		Name: "eventchat_rate_limited_total",
		Help: "Sends rejected by the per-actor rate limiter.",
	})
	DroppedEvents = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "eventchat_dropped_events_total",
		Help: "Transport events ignored, by reason.",
	}, []string{"reason"})
	RequestRetries = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "eventchat_request_retries_total",
		Help: "Retries issued by the resilient request layer, by operation.",
	}, []string{"op"})
	RequestLatency = factory.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "eventchat_request_duration_seconds",
		Help:    "Latency of individual backend attempts, by operation.",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}, []string{"op"})
	ActiveChannels = factory.NewGauge(prometheus.GaugeOpts{
		Name: "eventchat_active_channels",
		Help: "Conversation channels currently held by the lifecycle manager.",
	})
	TypingBroadcasts = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "eventchat_typing_broadcasts_total",
		Help: "Typing broadcasts emitted, by event.",
	}, []string{"event"})
	GatewayConnections = factory.NewGauge(prometheus.GaugeOpts{
		Name: "eventchat_gateway_connections",
		Help: "Open WebSocket connections on the gateway.",
	})
)
