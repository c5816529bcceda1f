package node

import (
	"github.com/elastictrain/elastic-job-master/pkg/common"
)

// ClusterContext is handed to event callbacks so listeners can reach back
// into the fleet through the owning manager. Listeners look nodes up by
// (type, id); they never hold node pointers of their own.
type ClusterContext struct {
	NodeManager *Manager
}

// NodeEventCallback receives node lifecycle notifications from the manager.
//
// Callbacks are dispatched while the manager lock is held, so every method
// must be O(1) and non-blocking; implementations typically enqueue work.
// Listeners must not mutate node status directly.
type NodeEventCallback interface {
	// OnNodeStarted is called when a node transitions to Running.
	OnNodeStarted(node *common.Node, cluster ClusterContext)

	// OnNodeSucceeded is called when a node transitions to Succeeded.
	OnNodeSucceeded(node *common.Node, cluster ClusterContext)

	// OnNodeFailed is called when a node transitions to Failed.
	OnNodeFailed(node *common.Node, cluster ClusterContext)

	// OnNodeDeleted is called when a node is deleted before reaching a
	// final Failed or Succeeded state.
	OnNodeDeleted(node *common.Node, cluster ClusterContext)
}

// TrainingDataset is the dataset handle registered once by the task layer;
// callbacks use it to reschedule shards of failed workers.
type TrainingDataset interface {
	Name() string
}
