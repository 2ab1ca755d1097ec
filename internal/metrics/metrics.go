// Package metrics holds the relay's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	InboundEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_inbound_events_total",
			Help: "Platform events received, by channel and event kind",
		},
		[]string{"channel", "kind"},
	)

	MessagesEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_messages_emitted_total",
			Help: "Canonical messages published for registered conversations",
		},
		[]string{"channel"},
	)

	UnregisteredEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_unregistered_events_total",
			Help: "Events observed for metadata only",
		},
		[]string{"channel"},
	)

	Attachments = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_attachments_total",
			Help: "Attachment downloads by result",
		},
		[]string{"channel", "result"},
	)

	Transcriptions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_transcriptions_total",
			Help: "Voice transcriptions by result",
		},
		[]string{"result"},
	)

	ChunksSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_chunks_sent_total",
			Help: "Outbound message chunks by channel and result",
		},
		[]string{"channel", "result"},
	)

	RoutingFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatrelay_routing_failures_total",
			Help: "Sends to a conversation id no channel owns",
		},
	)

	EngineDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_engine_deliveries_total",
			Help: "Messages forwarded to the assistant engine by result",
		},
		[]string{"result"},
	)

	ChannelConnected = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chatrelay_channel_connected",
			Help: "1 when the channel has a live session",
		},
		[]string{"channel"},
	)

	Reconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_reconnect_attempts_total",
			Help: "Connect attempts made by the supervisor",
		},
		[]string{"channel"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatrelay_http_request_duration_seconds",
			Help:    "Status server request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
)

// Result maps an ok flag onto the "result" label.
func Result(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}

// SetConnected updates the connection gauge for a channel.
func SetConnected(channel string, connected bool) {
	v := 0.0
	if connected {
		v = 1
	}
	ChannelConnected.WithLabelValues(channel).Set(v)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
