package dht

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/opd-ai/comm/transport"
)

// Metrics exposes engine counters and gauges to Prometheus.
type Metrics struct {
	messagesReceived    *prometheus.CounterVec
	messagesSent        *prometheus.CounterVec
	malformedMessages   prometheus.Counter
	insertOutcomes      *prometheus.CounterVec
	routingTablePeers   prometheus.Gauge
	routingTableBuckets prometheus.Gauge
	bootstrapping       prometheus.Gauge
}

// NewMetrics creates the engine metrics labelled with the node's address and
// registers them on reg. A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer, node string) (*Metrics, error) {
	labels := prometheus.Labels{"node": node}
	opts := func(name, help string) prometheus.Opts {
		return prometheus.Opts{
			Namespace:   "comm",
			Subsystem:   "dht",
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		}
	}

	m := &Metrics{
		messagesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts(opts("messages_received_total", "Decoded messages received, by type.")),
			[]string{"type"},
		),
		messagesSent: prometheus.NewCounterVec(
			prometheus.CounterOpts(opts("messages_sent_total", "Messages sent, by type.")),
			[]string{"type"},
		),
		malformedMessages: prometheus.NewCounter(
			prometheus.CounterOpts(opts("malformed_messages_total", "Datagrams dropped because they did not decode.")),
		),
		insertOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts(opts("insert_outcomes_total", "Routing table inserts, by outcome.")),
			[]string{"outcome"},
		),
		routingTablePeers: prometheus.NewGauge(
			prometheus.GaugeOpts(opts("routing_table_peers", "Peers held in the routing table.")),
		),
		routingTableBuckets: prometheus.NewGauge(
			prometheus.GaugeOpts(opts("routing_table_buckets", "Buckets in the routing table.")),
		),
		bootstrapping: prometheus.NewGauge(
			prometheus.GaugeOpts(opts("bootstrapping", "1 while the node is bootstrapping.")),
		),
	}

	if reg == nil {
		return m, nil
	}

	collectors := []prometheus.Collector{
		m.messagesReceived, m.messagesSent, m.malformedMessages, m.insertOutcomes,
		m.routingTablePeers, m.routingTableBuckets, m.bootstrapping,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register dht metrics: %w", err)
		}
	}
	return m, nil
}

func (m *Metrics) received(t transport.MessageType) {
	m.messagesReceived.WithLabelValues(t.String()).Inc()
}

func (m *Metrics) sent(t transport.MessageType) {
	m.messagesSent.WithLabelValues(t.String()).Inc()
}

func (m *Metrics) malformed() {
	m.malformedMessages.Inc()
}

func (m *Metrics) inserted(outcome InsertOutcome, table *RoutingTable) {
	m.insertOutcomes.WithLabelValues(outcome.String()).Inc()
	m.routingTablePeers.Set(float64(table.Len()))
	m.routingTableBuckets.Set(float64(table.BucketCount()))
}

func (m *Metrics) setBootstrapping(active bool) {
	if active {
		m.bootstrapping.Set(1)
		return
	}
	m.bootstrapping.Set(0)
}
