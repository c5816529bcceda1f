package common

import (
	"fmt"
	"time"
)

// Node is one training process slot owned by the node manager. Fields are
// mutated only under the manager lock; snapshots handed to callbacks are
// copies.
type Node struct {
	Type NodeType
	ID   int

	// Name is the scheduler-assigned identifier, e.g. "job-ps-0".
	Name string

	Status     NodeStatus
	ExitReason NodeExitReason

	RelaunchCount    int
	MaxRelaunchCount int

	// Critical marks a node whose unrecoverable failure should terminate
	// the job.
	Critical bool

	Relaunchable   bool
	IsReleased     bool
	IsRecoveredOOM bool

	ConfigResource NodeResource
	UsedResource   NodeResource

	CreateTime time.Time
	StartTime  time.Time

	// ServiceAddr is the stable service endpoint of this node, if any.
	ServiceAddr string
}

// NewNode returns a node in the Initial state that may be relaunched up to
// maxRelaunchCount times.
func NewNode(nodeType NodeType, id int, maxRelaunchCount int) *Node {
	return &Node{
		Type:             nodeType,
		ID:               id,
		Status:           NodeStatusInitial,
		MaxRelaunchCount: maxRelaunchCount,
		Relaunchable:     true,
	}
}

// UpdateInfo refreshes the scheduler-observed attributes of the node. Zero
// values leave the current attribute untouched.
func (n *Node) UpdateInfo(name string, startTime, createTime time.Time) {
	if name != "" {
		n.Name = name
	}
	if !startTime.IsZero() {
		n.StartTime = startTime
	}
	if !createTime.IsZero() {
		n.CreateTime = createTime
	}
}

// UpdateStatus records the last observed status.
func (n *Node) UpdateStatus(status NodeStatus) {
	n.Status = status
}

// SetExitReason records why the node terminated.
func (n *Node) SetExitReason(reason NodeExitReason) {
	n.ExitReason = reason
}

// IncRelaunchCount consumes one unit of the relaunch budget. Callers decide
// eligibility first; the increment is part of the same locked decision.
func (n *Node) IncRelaunchCount() {
	n.RelaunchCount++
}

// Alive reports whether the node still occupies (or is about to occupy) a
// slot in the cluster.
func (n *Node) Alive() bool {
	if n.IsReleased {
		return false
	}
	switch n.Status {
	case NodeStatusInitial, NodeStatusPending, NodeStatusRunning:
		return true
	}
	return false
}

// Terminal reports whether the node is done for good: released with a final
// status and no relaunch scheduled.
func (n *Node) Terminal() bool {
	if !n.IsReleased {
		return false
	}
	switch n.Status {
	case NodeStatusSucceeded, NodeStatusFailed, NodeStatusDeleted:
		return true
	}
	return false
}

func (n *Node) String() string {
	return fmt.Sprintf("%s-%d(%s)", n.Type, n.ID, n.Status)
}

// NodeEvent is one scheduler lifecycle notification about a node.
type NodeEvent struct {
	Type NodeEventType
	Node *Node
}
