package dht

import (
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/comm/transport"
)

// handleDatagram decodes one inbound datagram and dispatches it.
func (n *Network) handleDatagram(data []byte) {
	env, err := n.codec.Decode(data)
	if err != nil {
		n.metrics.malformed()
		n.logger.WithFields(logrus.Fields{
			"function": "handleDatagram",
			"bytes":    len(data),
			"error":    err.Error(),
		}).Warn("Dropping malformed message")
		return
	}

	n.metrics.received(env.Type)
	n.logger.WithFields(logrus.Fields{
		"function":    "handleDatagram",
		"type":        env.Type.String(),
		"transaction": env.TransactionID,
		"origin":      env.Origin.ID.String(),
	}).Debug("Received message")

	if env.Type.IsQuery() {
		n.handleQuery(env)
		return
	}
	n.handleResponse(env)
}

// handleQuery answers first, then learns about the sender.
func (n *Network) handleQuery(env *transport.Envelope) {
	origin := NodeFromDescriptor(n.clock, env.Origin)
	me := n.self.Descriptor()

	var response *transport.Envelope
	switch env.Type {
	case transport.FindNodeQuery:
		// One extra in case the querier itself is among the nearest.
		nodes := n.table.NearestKnown(env.Target, n.config.BucketSize+1)
		peers := make([]transport.PeerDescriptor, 0, n.config.BucketSize)
		for _, node := range nodes {
			if node.Address() == origin.Address() {
				continue
			}
			if len(peers) == n.config.BucketSize {
				break
			}
			peers = append(peers, node.Descriptor())
		}
		response = transport.NewFindNodeResponse(env.TransactionID, me, peers)
	case transport.PingQuery:
		response = transport.NewPingResponse(env.TransactionID, me)
	case transport.PacketQuery:
		response = transport.NewPacketResponse(env.TransactionID, me)
	default:
		return
	}
	n.send(origin, response)

	n.insert(origin)
	if known := n.table.FindNode(origin.Address()); known != nil {
		known.ReceivedQuery(env.TransactionID)
	}

	if env.Type == transport.PacketQuery {
		n.emit(Event{
			Type:    EventReceivedPacket,
			Origin:  origin.Address(),
			Payload: env.Payload,
		})
	}
}

func (n *Network) handleResponse(env *transport.Envelope) {
	origin := NodeFromDescriptor(n.clock, env.Origin)
	n.insert(origin)

	anyNew := false
	if env.Type == transport.FindNodeResponse {
		for _, d := range env.Nodes {
			if n.insert(NodeFromDescriptor(n.clock, d)) == OutcomeInserted {
				anyNew = true
			}
		}
	}

	if known := n.table.FindNode(origin.Address()); known != nil {
		known.ReceivedResponse(env.TransactionID)
	}
	if router := n.table.RouterFor(origin.Endpoints()); router != nil {
		router.ReceivedResponse(env.TransactionID)
	}

	act, ok := n.pendingActions.Peek(env.TransactionID)
	if !ok {
		return
	}
	switch act {
	case actionBootstrap:
		if env.Type == transport.FindNodeResponse {
			n.continueBootstrap(env.TransactionID, anyNew)
		}
	default:
		// Other actions are settled by the first response.
		n.pendingActions.Remove(env.TransactionID)
	}
}
