package dht

import (
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/comm/crypto"
	"github.com/opd-ai/comm/transport"
)

func TestNewMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()

	m, err := NewMetrics(reg, "node-a")
	require.NoError(t, err)

	m.received(transport.PingQuery)
	m.sent(transport.FindNodeQuery)
	m.malformed()
	m.setBootstrapping(true)

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "comm_dht_messages_received_total")
	assert.Contains(t, names, "comm_dht_messages_sent_total")
	assert.Contains(t, names, "comm_dht_malformed_messages_total")
	assert.Contains(t, names, "comm_dht_bootstrapping")

	assert.Equal(t, float64(1), testutil.ToFloat64(m.bootstrapping))
	m.setBootstrapping(false)
	assert.Equal(t, float64(0), testutil.ToFloat64(m.bootstrapping))

	_, err = NewMetrics(reg, "node-a")
	assert.Error(t, err, "the same node cannot register twice")

	_, err = NewMetrics(reg, "node-b")
	assert.NoError(t, err, "nodes are told apart by their const label")
}

func TestMetricsTrackInserts(t *testing.T) {
	m, err := NewMetrics(nil, "unregistered")
	require.NoError(t, err)

	mock := clock.NewMock()
	table := NewRoutingTableWithClock(mock, 8, crypto.ForContent("self"), nil)
	m.inserted(table.Insert(newTestNode(mock, "a")), table)
	m.inserted(table.Insert(newTestNode(mock, "a")), table)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.insertOutcomes.WithLabelValues("inserted")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.insertOutcomes.WithLabelValues("updated")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.routingTablePeers))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.routingTableBuckets))
}
