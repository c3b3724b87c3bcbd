package dht

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/comm/transport"
)

type taskKind uint8

const (
	taskBootstrapTimeout taskKind = iota + 1
	taskHealthCheck
	taskRefresh
)

type scheduledTask struct {
	kind        taskKind
	transaction TransactionID
}

// schedule delivers task back to the engine loop after d. Tasks that fire
// after shutdown are dropped.
func (n *Network) schedule(d time.Duration, task scheduledTask) {
	n.clock.AfterFunc(d, func() {
		select {
		case n.timeouts <- task:
		case <-n.done:
		}
	})
}

func (n *Network) handleTask(task scheduledTask) {
	switch task.kind {
	case taskBootstrapTimeout:
		n.onBootstrapTimeout(task.transaction)
	case taskHealthCheck:
		n.healthCheck()
		n.schedule(n.config.HealthCheckInterval, scheduledTask{kind: taskHealthCheck})
	case taskRefresh:
		n.refresh()
		n.schedule(n.config.RefreshInterval, scheduledTask{kind: taskRefresh})
	}
}

// healthCheck pings the nearest peer and every questionable peer, each once.
func (n *Network) healthCheck() {
	targets := n.table.Nearest(n.self.Address(), 1, false)
	targets = append(targets, n.table.QuestionableNodes()...)

	seen := make(map[*Node]struct{}, len(targets))
	for _, node := range targets {
		if _, ok := seen[node]; ok {
			continue
		}
		seen[node] = struct{}{}

		txid := n.txids.Generate()
		n.pendingActions.Add(txid, actionHealthCheck)
		n.sendQuery(node, transport.NewPingQuery(txid, n.self.Descriptor()))
	}

	n.logger.WithFields(logrus.Fields{
		"function": "healthCheck",
		"pinged":   len(seen),
	}).Debug("Health check sent")
}

// refresh looks up a random address in one stale bucket.
func (n *Network) refresh() {
	bucket := n.table.BucketNeedingRefresh()
	if bucket == nil {
		return
	}

	target := bucket.RandomAddressInSpace()
	txid := n.txids.Generate()
	n.pendingActions.Add(txid, actionRefresh)

	nodes := n.table.Nearest(target, n.config.BucketSize, true)
	for _, node := range nodes {
		n.sendQuery(node, transport.NewFindNodeQuery(txid, n.self.Descriptor(), target))
	}

	n.logger.WithFields(logrus.Fields{
		"function": "refresh",
		"bucket":   bucket.String(),
		"target":   target.String(),
		"queried":  len(nodes),
	}).Debug("Refreshing stale bucket")
}
