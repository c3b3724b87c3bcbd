package dht

import (
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/comm/transport"
)

// startBootstrap enters the bootstrapping state and sends the first round.
func (n *Network) startBootstrap() {
	n.bootstrapping = true
	n.metrics.setBootstrapping(true)
	n.bootstrapStep()
}

// bootstrapStep asks the nearest live peers (routers on a cold table) for the
// peers closest to our own address. Each step replaces the current
// transaction; responses to older ones are ignored.
func (n *Network) bootstrapStep() {
	txid := n.txids.Generate()
	n.bootstrapTransaction = txid
	n.pendingActions.Add(txid, actionBootstrap)

	targets := n.table.Nearest(n.self.Address(), n.config.BucketSize, true)
	for _, node := range targets {
		n.sendQuery(node, transport.NewFindNodeQuery(txid, n.self.Descriptor(), n.self.Address()))
	}

	n.logger.WithFields(logrus.Fields{
		"function":    "bootstrapStep",
		"transaction": txid,
		"targets":     len(targets),
		"peers":       n.table.Len(),
	}).Debug("Bootstrap round sent")

	n.schedule(n.config.BootstrapRetry, scheduledTask{kind: taskBootstrapTimeout, transaction: txid})
}

// continueBootstrap runs when the current bootstrap transaction is answered.
// New peers mean we are still converging; otherwise the table is settled.
func (n *Network) continueBootstrap(txid TransactionID, anyNew bool) {
	if !n.bootstrapping || txid != n.bootstrapTransaction {
		return
	}
	if anyNew {
		n.bootstrapStep()
		return
	}
	n.finishBootstrap()
}

func (n *Network) finishBootstrap() {
	n.bootstrapping = false
	n.pendingActions.Remove(n.bootstrapTransaction)
	n.metrics.setBootstrapping(false)

	n.logger.WithFields(logrus.Fields{
		"function": "finishBootstrap",
		"peers":    n.table.Len(),
		"buckets":  n.table.BucketCount(),
	}).Info("Bootstrap complete")

	if !n.maintenanceStarted {
		n.maintenanceStarted = true
		n.schedule(n.config.HealthCheckInterval, scheduledTask{kind: taskHealthCheck})
		n.schedule(n.config.RefreshInterval, scheduledTask{kind: taskRefresh})
	}
}

// onBootstrapTimeout retries the step when its transaction is still current.
func (n *Network) onBootstrapTimeout(txid TransactionID) {
	if !n.bootstrapping || txid != n.bootstrapTransaction {
		return
	}
	n.logger.WithFields(logrus.Fields{
		"function":    "onBootstrapTimeout",
		"transaction": txid,
	}).Debug("Bootstrap round timed out, retrying")
	n.bootstrapStep()
}
