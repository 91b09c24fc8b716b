package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus collectors for the chat pipeline. Registered on the default
// registry and exposed via /metrics.
var (
	MessagesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "chatd",
		Name:      "messages_total",
		Help:      "Messages accepted and persisted by the pipeline.",
	})
	MessageFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "chatd",
		Name:      "message_failures_total",
		Help:      "Messages rejected by validation or persistence.",
	})
	BroadcastsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "chatd",
		Name:      "broadcasts_total",
		Help:      "Room broadcast fanouts performed.",
	})
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "chatd",
		Name:      "queue_depth",
		Help:      "Pending operations across pipeline shards.",
	})
	QueueDropped = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "chatd",
		Name:      "queue_dropped_total",
		Help:      "Operations rejected because a shard queue was full.",
	})
	ConnectedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "chatd",
		Name:      "connected_clients",
		Help:      "Currently attached websocket connections.",
	})
	OpenRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "chatd",
		Name:      "open_rooms",
		Help:      "Rooms with at least one member.",
	})
	StoreDiskBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "chatd",
		Name:      "store_disk_bytes",
		Help:      "On-disk size of the pebble store.",
	})
)
