package dht

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/comm/transport"
)

// nextTask waits for a scheduled task to come due.
func nextTask(t *testing.T, n *Network) scheduledTask {
	t.Helper()
	select {
	case task := <-n.timeouts:
		return task
	case <-time.After(eventually):
		t.Fatal("no task came due")
		return scheduledTask{}
	}
}

func TestNetworkRefreshQueriesStaleBucket(t *testing.T) {
	mock := clock.NewMock()
	n, sender := newManualNetwork(t, mock, 2)
	self := n.Self().Address()
	far, mid, near := threePeers(self)

	for i, d := range []transport.PeerDescriptor{far, mid, near} {
		deliver(t, n, transport.NewPingQuery(uint32(i+1), d))
	}
	require.Equal(t, 2, n.table.BucketCount())

	// far is Bad and alone in the half that does not cover self.
	farNode := n.table.FindNode(far.ID)
	for id := TransactionID(100); id < 100+FailureThreshold; id++ {
		farNode.SentQuery(id)
	}
	require.True(t, farNode.IsBad())

	mock.Add(RefreshAfter)
	deliver(t, n, transport.NewPingQuery(4, near))

	n.schedule(n.config.RefreshInterval, scheduledTask{kind: taskRefresh})
	mock.Add(n.config.RefreshInterval)
	task := nextTask(t, n)
	require.Equal(t, taskRefresh, task.kind)

	skip := sentCount(sender)
	n.handleTask(task)
	sent := sentSince(t, sender, skip)
	require.NotEmpty(t, sent)

	target := sent[0].env.Target
	var addrs []string
	for _, m := range sent {
		assert.Equal(t, transport.FindNodeQuery, m.env.Type)
		assert.Equal(t, target, m.env.Target)
		assert.Equal(t, sent[0].env.TransactionID, m.env.TransactionID)
		addrs = append(addrs, m.addr)
	}

	var covering *NodeBucket
	for _, b := range n.table.Buckets() {
		if b.Covers(target) {
			covering = b
		}
	}
	require.NotNil(t, covering)
	assert.True(t, covering.NeedsRefresh(), "target %s lies in a fresh bucket %s", target, covering)
	assert.False(t, covering.Covers(self))
	assert.True(t, covering.Contains(far.ID))

	assert.ElementsMatch(t, []string{addrOf(mid), addrOf(near)}, addrs,
		"the lookup goes to the nearest live peers")
}

func TestNetworkRefreshSkipsFreshTable(t *testing.T) {
	mock := clock.NewMock()
	n, sender := newManualNetwork(t, mock, 8)
	_, mid, _ := threePeers(n.Self().Address())
	deliver(t, n, transport.NewPingQuery(1, mid))

	skip := sentCount(sender)
	n.refresh()
	assert.Empty(t, sentSince(t, sender, skip))
}

func TestNetworkHealthCheckPingsQuestionablePeers(t *testing.T) {
	mock := clock.NewMock()
	n, sender := newManualNetwork(t, mock, 8)
	far, mid, near := threePeers(n.Self().Address())

	for i, d := range []transport.PeerDescriptor{far, mid, near} {
		deliver(t, n, transport.NewPingQuery(uint32(i+1), d))
	}

	// mid answers a ping and becomes Good.
	midNode := n.table.FindNode(mid.ID)
	skip := sentCount(sender)
	n.Ping(midNode)
	ping := sentSince(t, sender, skip)
	require.Len(t, ping, 1)
	deliver(t, n, transport.NewPingResponse(ping[0].env.TransactionID, mid))
	require.True(t, midNode.IsGood())

	n.schedule(n.config.HealthCheckInterval, scheduledTask{kind: taskHealthCheck})
	mock.Add(n.config.HealthCheckInterval)
	task := nextTask(t, n)
	require.Equal(t, taskHealthCheck, task.kind)

	skip = sentCount(sender)
	n.handleTask(task)

	var addrs []string
	for _, m := range sentSince(t, sender, skip) {
		assert.Equal(t, transport.PingQuery, m.env.Type)
		addrs = append(addrs, m.addr)
	}
	assert.ElementsMatch(t, []string{addrOf(far), addrOf(near)}, addrs,
		"questionable peers are pinged once each, good ones are left alone")
}

func TestNetworkHealthCheckBoundsPendingQueries(t *testing.T) {
	mock := clock.NewMock()
	n, _ := newManualNetwork(t, mock, 8)
	_, _, near := threePeers(n.Self().Address())
	deliver(t, n, transport.NewPingQuery(1, near))
	node := n.table.FindNode(near.ID)

	for i := 0; i < 3*MaxPendingQueries; i++ {
		mock.Add(n.config.HealthCheckInterval)
		n.healthCheck()
	}

	assert.True(t, node.IsBad())
	assert.Equal(t, MaxPendingQueries, node.PendingQueryCount(),
		"the nearest peer keeps being pinged but its backlog is bounded")
}
