package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/shardq/project/internal/cluster"
)

type routingMetrics struct {
	producerFallbacks   *prometheus.CounterVec
	consumerUnavailable prometheus.Counter
	consumerRebuilds    prometheus.Counter
	consumerNodes       prometheus.Gauge
	deletesSkipped      prometheus.Counter
	stateUpdates        *prometheus.CounterVec
	stateNodes          prometheus.Gauge
	stateShards         prometheus.Gauge
}

// NewRoutingMetrics creates a Prometheus implementation of cluster.Metrics.
func NewRoutingMetrics(reg prometheus.Registerer) cluster.Metrics {
	m := &routingMetrics{
		producerFallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shardq_producer_fallbacks_total",
			Help: "Writes routed away from the shard's producer node.",
		}, []string{"reason"}),

		consumerUnavailable: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shardq_active_consumer_unavailable_total",
			Help: "Receives that found no active consumer node.",
		}),

		consumerRebuilds: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shardq_consumer_rebuilds_total",
			Help: "Consumer adapter rebuilds after a topology change.",
		}),

		consumerNodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "shardq_consumer_nodes",
			Help: "Nodes known to the consumer facade.",
		}),

		deletesSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shardq_delete_skipped_ids_total",
			Help: "Message ids not deleted because their origin node is not ready.",
		}),

		stateUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shardq_state_updates_total",
			Help: "Cluster state refreshes.",
		}, []string{"success"}),

		stateNodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "shardq_state_nodes",
			Help: "Nodes in the current cluster state.",
		}),

		stateShards: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "shardq_state_shards",
			Help: "Shards in the current cluster state.",
		}),
	}

	reg.MustRegister(
		m.producerFallbacks,
		m.consumerUnavailable,
		m.consumerRebuilds,
		m.consumerNodes,
		m.deletesSkipped,
		m.stateUpdates,
		m.stateNodes,
		m.stateShards,
	)
	return m
}

func (m *routingMetrics) ProducerFallback(reason string) {
	m.producerFallbacks.WithLabelValues(reason).Inc()
}

func (m *routingMetrics) ActiveConsumerUnavailable() {
	m.consumerUnavailable.Inc()
}

func (m *routingMetrics) ConsumersRebuilt(nodes int) {
	m.consumerRebuilds.Inc()
	m.consumerNodes.Set(float64(nodes))
}

func (m *routingMetrics) DeleteSkipped(ids int) {
	m.deletesSkipped.Add(float64(ids))
}

func (m *routingMetrics) StateUpdated(nodes, shards int) {
	m.stateUpdates.WithLabelValues(strconv.FormatBool(true)).Inc()
	m.stateNodes.Set(float64(nodes))
	m.stateShards.Set(float64(shards))
}

func (m *routingMetrics) StateUpdateFailed() {
	m.stateUpdates.WithLabelValues(strconv.FormatBool(false)).Inc()
}

var _ cluster.Metrics = (*routingMetrics)(nil)
