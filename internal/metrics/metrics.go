package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry wraps the Prometheus collectors exported by the relay. The
// collectors are thread-safe, so the sidecar HTTP server can scrape
// them while the event loop updates them.
type Registry struct {
	Connections connectionGauges
	Messages    messageCounters
	Pool        poolGauges
}

type connectionGauges struct {
	Active   prometheus.Gauge
	Accepted prometheus.Counter
	Refused  prometheus.Counter
}

type messageCounters struct {
	Broadcast      prometheus.Counter
	Delivered      prometheus.Counter
	ProtocolErrors prometheus.Counter
}

type poolGauges struct {
	BuffersInUse prometheus.Gauge
}

// NewRegistry creates the relay's Prometheus collectors.
func NewRegistry() *Registry {
	return &Registry{
		Connections: connectionGauges{
			Active: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "chat_relay_connections_active",
				Help: "Number of peer connections currently in the table",
			}),
			Accepted: promauto.NewCounter(prometheus.CounterOpts{
				Name: "chat_relay_connections_accepted_total",
				Help: "Total number of accepted peer connections",
			}),
			Refused: promauto.NewCounter(prometheus.CounterOpts{
				Name: "chat_relay_connections_refused_total",
				Help: "Total number of connections closed because the table was full",
			}),
		},
		Messages: messageCounters{
			Broadcast: promauto.NewCounter(prometheus.CounterOpts{
				Name: "chat_relay_messages_broadcast_total",
				Help: "Total number of messages appended to the history",
			}),
			Delivered: promauto.NewCounter(prometheus.CounterOpts{
				Name: "chat_relay_messages_delivered_total",
				Help: "Total number of history lines emitted in response to new",
			}),
			ProtocolErrors: promauto.NewCounter(prometheus.CounterOpts{
				Name: "chat_relay_protocol_errors_total",
				Help: "Total number of connections closed for protocol violations",
			}),
		},
		Pool: poolGauges{
			BuffersInUse: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "chat_relay_pool_buffers_in_use",
				Help: "Pooled buffers currently off the free list",
			}),
		},
	}
}

// Handler returns an HTTP handler exposing the Prometheus metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.Handler()
}
