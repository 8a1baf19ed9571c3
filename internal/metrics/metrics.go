// Package metrics provides the broker's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveConnections tracks currently open client connections.
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "protomq_active_connections",
		Help: "Number of currently connected MQTT clients.",
	})

	// MessagesRouted counts successful fan-out deliveries.
	MessagesRouted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "protomq_messages_routed_total",
		Help: "Total number of PUBLISH deliveries written to subscribers.",
	})

	// SchemaCount tracks registered message definitions.
	SchemaCount = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "protomq_schema_count",
		Help: "Number of message types in the schema registry.",
	})

	// DecodeFailures counts payloads that failed to decode against the
	// message type bound to their topic.
	DecodeFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "protomq_schema_decode_failures_total",
		Help: "Total number of PUBLISH payloads that failed schema decoding.",
	})
)
