package dmsync

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricSends = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dmsync_messages_sent_total",
			Help: "Outbound direct messages by result",
		},
		[]string{"result"},
	)

	metricReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dmsync_messages_received_total",
			Help: "Inbound direct messages accepted into a chat",
		},
	)

	metricDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dmsync_messages_dropped_total",
			Help: "Inbound direct messages dropped before reaching a chat",
		},
		[]string{"reason"},
	)

	metricReceipts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dmsync_receipts_total",
			Help: "Delivery and read receipts applied or emitted",
		},
		[]string{"kind", "direction"},
	)

	metricPersistFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dmsync_cache_persist_failures_total",
			Help: "Failed writes of the local chat cache",
		},
	)

	metricConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dmsync_realtime_connected",
			Help: "1 while the realtime channel is connected",
		},
	)

	metricAckLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dmsync_ack_duration_seconds",
			Help:    "Time from emit to acknowledgement",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"event", "status"},
	)
)

// Drop reasons.
const (
	dropEcho      = "echo"
	dropNoChat    = "no_chat"
	dropCrossWire = "cross_wire"
	dropEmpty     = "empty"
	dropDuplicate = "duplicate"
	dropMalformed = "malformed"
)

func recordSend(ok bool) {
	if ok {
		metricSends.WithLabelValues("ok").Inc()
		return
	}
	metricSends.WithLabelValues("failed").Inc()
}
