package dht

import (
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/comm/crypto"
	"github.com/opd-ai/comm/transport"
)

// MockSender records every datagram handed to it.
type MockSender struct {
	mu       sync.Mutex
	sent     [][]byte
	addrs    []net.Addr
	sendFunc func(data []byte, addr net.Addr) error
}

func (m *MockSender) SendTo(data []byte, addr net.Addr) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, append([]byte(nil), data...))
	m.addrs = append(m.addrs, addr)
	if m.sendFunc != nil {
		return m.sendFunc(data, addr)
	}
	return nil
}

func (m *MockSender) Sent() ([][]byte, []net.Addr) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]byte(nil), m.sent...), append([]net.Addr(nil), m.addrs...)
}

func udpEndpoint(port int) transport.Endpoint {
	return transport.UDPEndpoint(&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port})
}

func TestNodeStatus(t *testing.T) {
	t.Run("fresh node is questionable", func(t *testing.T) {
		node := NewNodeWithClock(clock.NewMock(), crypto.ForContent("fresh"))

		assert.Equal(t, StatusQuestionable, node.Status())
		assert.True(t, node.IsQuestionable())
		assert.False(t, node.HasEverResponded())
		assert.True(t, node.LastSeen().IsZero())
	})

	t.Run("response to pending query makes node good", func(t *testing.T) {
		// Arrange
		mock := clock.NewMock()
		node := NewNodeWithClock(mock, crypto.ForContent("responsive"))
		before := node.LastSeen()

		// Act
		node.SentQuery(1)
		mock.Add(time.Second)
		node.ReceivedResponse(1)

		// Assert
		assert.True(t, node.HasEverResponded())
		assert.True(t, node.LastSeen().After(before))
		assert.Equal(t, 0, node.PendingQueryCount())
		assert.Equal(t, StatusGood, node.Status())
	})

	t.Run("good node goes stale", func(t *testing.T) {
		mock := clock.NewMock()
		node := NewNodeWithClock(mock, crypto.ForContent("stale"))
		node.SentQuery(1)
		node.ReceivedResponse(1)
		require.True(t, node.IsGood())

		mock.Add(StalenessWindow - time.Second)
		assert.True(t, node.IsGood())

		mock.Add(time.Second)
		assert.True(t, node.IsQuestionable())

		node.ReceivedQuery(2)
		assert.True(t, node.IsGood(), "a query refreshes last seen for a node that has responded before")
	})

	t.Run("five pending queries make node bad", func(t *testing.T) {
		node := NewNodeWithClock(clock.NewMock(), crypto.ForContent("silent"))
		for id := TransactionID(1); id < FailureThreshold; id++ {
			node.SentQuery(id)
		}
		assert.True(t, node.IsQuestionable())

		node.SentQuery(FailureThreshold)
		assert.True(t, node.IsBad())

		node.SentQuery(FailureThreshold + 1)
		assert.Equal(t, 6, node.PendingQueryCount())
		assert.True(t, node.IsBad())
	})

	t.Run("good takes precedence over bad", func(t *testing.T) {
		node := NewNodeWithClock(clock.NewMock(), crypto.ForContent("busy"))
		for id := TransactionID(1); id <= 6; id++ {
			node.SentQuery(id)
		}
		node.ReceivedResponse(6)

		assert.Equal(t, 5, node.PendingQueryCount())
		assert.Equal(t, StatusGood, node.Status())
	})

	t.Run("pending queries are capped", func(t *testing.T) {
		mock := clock.NewMock()
		node := NewNodeWithClock(mock, crypto.ForContent("unreachable"))
		for id := TransactionID(1); id <= MaxPendingQueries+10; id++ {
			node.SentQuery(id)
			mock.Add(time.Second)
		}

		assert.Equal(t, MaxPendingQueries, node.PendingQueryCount())
		assert.True(t, node.IsBad())

		node.ReceivedResponse(1)
		assert.False(t, node.HasEverResponded(), "the oldest queries were forgotten")

		node.ReceivedResponse(MaxPendingQueries + 10)
		assert.True(t, node.HasEverResponded())
		assert.Equal(t, MaxPendingQueries-1, node.PendingQueryCount())
		assert.Equal(t, StatusGood, node.Status())
	})

	t.Run("resending a pending id does not grow the map", func(t *testing.T) {
		node := NewNodeWithClock(clock.NewMock(), crypto.ForContent("repeat"))
		for id := TransactionID(1); id <= MaxPendingQueries; id++ {
			node.SentQuery(id)
		}
		node.SentQuery(1)

		assert.Equal(t, MaxPendingQueries, node.PendingQueryCount())
		node.ReceivedResponse(2)
		assert.True(t, node.HasEverResponded(), "re-sending an id keeps the others pending")
	})

	t.Run("unsolicited response only refreshes timestamp", func(t *testing.T) {
		mock := clock.NewMock()
		node := NewNodeWithClock(mock, crypto.ForContent("chatty"))
		node.SentQuery(1)
		mock.Add(time.Minute)

		node.ReceivedResponse(99)

		assert.False(t, node.HasEverResponded())
		assert.Equal(t, 1, node.PendingQueryCount())
		assert.Equal(t, mock.Now(), node.LastSeen())
		assert.True(t, node.IsQuestionable())
	})
}

func TestNodeEndpoints(t *testing.T) {
	node := NewNode(crypto.ForContent("multi"), udpEndpoint(9000))

	node.MergeEndpoints([]transport.Endpoint{udpEndpoint(9000), udpEndpoint(9001)})
	assert.Len(t, node.Endpoints(), 2)
	assert.True(t, node.HasEndpoint(udpEndpoint(9001)))
	assert.False(t, node.HasEndpoint(udpEndpoint(9002)))

	d := node.Descriptor()
	assert.Equal(t, node.Address(), d.ID)
	assert.Len(t, d.Endpoints, 2)

	roundTrip := NodeFromDescriptor(clock.NewMock(), d)
	assert.Equal(t, node.Address(), roundTrip.Address())
	assert.True(t, roundTrip.HasEndpoint(udpEndpoint(9000)))
}

func TestNodeSend(t *testing.T) {
	t.Run("writes to every endpoint", func(t *testing.T) {
		sender := &MockSender{}
		node := NewNode(crypto.ForContent("dest"), udpEndpoint(9000), udpEndpoint(9001))

		require.NoError(t, node.Send(sender, []byte("hi")))

		sent, addrs := sender.Sent()
		assert.Len(t, sent, 2)
		assert.Equal(t, "127.0.0.1:9000", addrs[0].String())
		assert.Equal(t, "127.0.0.1:9001", addrs[1].String())
	})

	t.Run("no endpoints", func(t *testing.T) {
		node := NewNode(crypto.ForContent("nowhere"))
		assert.ErrorIs(t, node.Send(&MockSender{}, []byte("hi")), errNoEndpoints)
	})

	t.Run("combines send errors", func(t *testing.T) {
		boom := errors.New("boom")
		sender := &MockSender{sendFunc: func([]byte, net.Addr) error { return boom }}
		node := NewNode(crypto.ForContent("dest"), udpEndpoint(9000), udpEndpoint(9001))

		err := node.Send(sender, []byte("hi"))
		assert.ErrorIs(t, err, boom)
		sent, _ := sender.Sent()
		assert.Len(t, sent, 2, "a failing endpoint must not stop the others")
	})
}

func TestTransactionIDGenerator(t *testing.T) {
	gen := NewTransactionIDGenerator()
	assert.Equal(t, TransactionID(1), gen.Generate())
	assert.Equal(t, TransactionID(2), gen.Generate())

	gen.next = ^TransactionID(0)
	assert.Equal(t, ^TransactionID(0), gen.Generate())
	assert.Equal(t, TransactionID(0), gen.Generate(), "ids wrap around")
}
