package comm

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/comm/crypto"
	"github.com/opd-ai/comm/dht"
	"github.com/opd-ai/comm/transport"
)

const testNetworkKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func loopbackOptions(secret string, routers ...string) *Options {
	opts := NewOptions()
	opts.Secret = secret
	opts.Listen = []string{"udp://127.0.0.1:0"}
	opts.Routers = routers
	opts.BootstrapRetry = 100 * time.Millisecond
	opts.ShutdownTimeout = time.Second
	return opts
}

// runNode starts node and stops it when the test ends.
func runNode(t *testing.T, node *Node) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() { errs <- node.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-errs:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("node did not stop")
		}
	})
}

func waitForPacket(t *testing.T, node *Node, timeout time.Duration) dht.Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case e := <-node.Events():
			if e.Type == dht.EventReceivedPacket {
				return e
			}
		case <-deadline:
			t.Fatal("no packet received")
			return dht.Event{}
		}
	}
}

func TestNewNode(t *testing.T) {
	node, err := New(context.Background(), loopbackOptions("alice"))
	require.NoError(t, err)
	defer node.Close()

	assert.Equal(t, crypto.ForContent("alice"), node.Address())
	require.Len(t, node.LocalAddrs(), 1)
	require.Len(t, node.PublicEndpoints(), 1)
	assert.Equal(t, node.LocalAddrs()[0].String(), node.PublicEndpoints()[0].Addr().String())
}

func TestNewInvalidOptions(t *testing.T) {
	opts := loopbackOptions("alice")
	opts.BucketSize = 0

	_, err := New(context.Background(), opts)
	assert.ErrorContains(t, err, "bucket_size")
}

func TestNewBindFailure(t *testing.T) {
	opts := loopbackOptions("alice")
	opts.Listen = []string{"udp://127.0.0.1:0", "udp://256.0.0.1:1"}

	_, err := New(context.Background(), opts)
	assert.Error(t, err)
}

func TestNewDiscoveryFailure(t *testing.T) {
	opts := loopbackOptions("alice")
	opts.STUNServers = []string{"127.0.0.1:9"}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New(ctx, opts)
	assert.ErrorIs(t, err, transport.ErrAddressDiscovery)
}

func TestNewPublicAddress(t *testing.T) {
	opts := loopbackOptions("alice")
	opts.PublicAddress = "203.0.113.7:4000"

	node, err := New(context.Background(), opts)
	require.NoError(t, err)
	defer node.Close()

	require.Len(t, node.PublicEndpoints(), 1)
	assert.Equal(t, "udp://203.0.113.7:4000", node.PublicEndpoints()[0].String())
}

func TestNodesExchangePacket(t *testing.T) {
	alice, err := New(context.Background(), loopbackOptions("alice"))
	require.NoError(t, err)
	runNode(t, alice)

	bob, err := New(context.Background(), loopbackOptions("bob", alice.LocalAddrs()[0].String()))
	require.NoError(t, err)
	runNode(t, bob)

	require.Eventually(t, func() bool {
		peers, err := alice.Nearest(context.Background(), bob.Address(), 1)
		return err == nil && len(peers) == 1 && peers[0].ID == bob.Address()
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, alice.SendPacket(context.Background(), bob.Address(), []byte("hello bob")))

	event := waitForPacket(t, bob, 5*time.Second)
	assert.Equal(t, alice.Address(), event.Origin)
	assert.Equal(t, []byte("hello bob"), event.Payload)
}

func TestSealedNodesExchangePacket(t *testing.T) {
	aliceOpts := loopbackOptions("alice")
	aliceOpts.NetworkKey = testNetworkKey
	alice, err := New(context.Background(), aliceOpts)
	require.NoError(t, err)
	runNode(t, alice)

	bobOpts := loopbackOptions("bob", alice.LocalAddrs()[0].String())
	bobOpts.NetworkKey = testNetworkKey
	bob, err := New(context.Background(), bobOpts)
	require.NoError(t, err)
	runNode(t, bob)

	require.Eventually(t, func() bool {
		peers, err := bob.Nearest(context.Background(), alice.Address(), 1)
		return err == nil && len(peers) == 1 && peers[0].ID == alice.Address()
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, bob.SendPacket(context.Background(), alice.Address(), []byte("sealed")))

	event := waitForPacket(t, alice, 5*time.Second)
	assert.Equal(t, bob.Address(), event.Origin)
	assert.Equal(t, []byte("sealed"), event.Payload)
}

func TestNodeMetricsRegistered(t *testing.T) {
	reg := prometheus.NewRegistry()
	opts := loopbackOptions("alice")
	opts.Registerer = reg

	node, err := New(context.Background(), opts)
	require.NoError(t, err)
	defer node.Close()

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "comm_dht_routing_table_peers")

	// A second node on the same registry collides with the first.
	_, err = New(context.Background(), opts)
	assert.Error(t, err)
}

func TestNodeShutdown(t *testing.T) {
	node, err := New(context.Background(), loopbackOptions("alice"))
	require.NoError(t, err)

	errs := make(chan error, 1)
	go func() { errs <- node.Run(context.Background()) }()

	require.Eventually(t, func() bool {
		_, err := node.Nearest(context.Background(), node.Address(), 1)
		return err == nil
	}, time.Second, 10*time.Millisecond)

	node.Shutdown()
	select {
	case err := <-errs:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("node did not stop")
	}
	<-node.Done()
}
