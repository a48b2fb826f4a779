package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the fan-out subsystem's prometheus collectors.
//
// BrokerDegraded is the operator-facing signal for a lost pub/sub connection:
// it is 1 from the first failed publish or dropped connection until the
// publish backlog has been flushed after reconnecting.
type Metrics struct {
	Connections       prometheus.Gauge
	Channels          prometheus.Gauge
	UpstreamTopics    prometheus.Gauge
	BrokerDegraded    prometheus.Gauge
	QueuedPublishes   prometheus.Gauge
	Published         *prometheus.CounterVec
	Delivered         prometheus.Counter
	DeliveryFailures  prometheus.Counter
	DroppedPublishes  prometheus.Counter
	MalformedMessages prometheus.Counter
	InvalidActions    prometheus.Counter
	Reconnects        prometheus.Counter
}

// NewMetrics registers the collectors on reg. A nil reg uses a private
// registry, which keeps tests independent of each other.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		Connections: f.NewGauge(prometheus.GaugeOpts{
			Name: "realtime_connections",
			Help: "Live client connections on this instance",
		}),
		Channels: f.NewGauge(prometheus.GaugeOpts{
			Name: "realtime_channels",
			Help: "Channels with at least one local subscriber",
		}),
		UpstreamTopics: f.NewGauge(prometheus.GaugeOpts{
			Name: "realtime_upstream_topics",
			Help: "Broker topics this instance is subscribed to",
		}),
		BrokerDegraded: f.NewGauge(prometheus.GaugeOpts{
			Name: "realtime_broker_degraded",
			Help: "1 while the broker is unreachable and publishes are being buffered",
		}),
		QueuedPublishes: f.NewGauge(prometheus.GaugeOpts{
			Name: "realtime_queued_publishes",
			Help: "Publishes buffered while the broker is unreachable",
		}),
		Published: f.NewCounterVec(prometheus.CounterOpts{
			Name: "realtime_published_total",
			Help: "Events handed to the broker by type",
		}, []string{"type"}),
		Delivered: f.NewCounter(prometheus.CounterOpts{
			Name: "realtime_delivered_total",
			Help: "Event frames queued to local connections",
		}),
		DeliveryFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "realtime_delivery_failures_total",
			Help: "Deliveries that failed and evicted the subscriber",
		}),
		DroppedPublishes: f.NewCounter(prometheus.CounterOpts{
			Name: "realtime_dropped_publishes_total",
			Help: "Buffered publishes dropped because the buffer was full",
		}),
		MalformedMessages: f.NewCounter(prometheus.CounterOpts{
			Name: "realtime_malformed_messages_total",
			Help: "Broker messages dropped because they could not be decoded",
		}),
		InvalidActions: f.NewCounter(prometheus.CounterOpts{
			Name: "realtime_invalid_actions_total",
			Help: "Inbound client actions rejected as invalid",
		}),
		Reconnects: f.NewCounter(prometheus.CounterOpts{
			Name: "realtime_broker_reconnects_total",
			Help: "Successful broker (re)connections",
		}),
	}
}
