package node

import (
	"github.com/elastictrain/elastic-job-master/pkg/common"
)

// StateFlow is one admissible node transition. The table below is the
// canonical source of truth: a transition that has no row is ignored by the
// event loop, and only rows with ShouldRelaunch may trigger a replacement.
type StateFlow struct {
	FromStatus     common.NodeStatus
	EventType      common.NodeEventType
	ToStatus       common.NodeStatus
	ShouldRelaunch bool
}

// StateFlows is ordered; tests and operators refer to rows by index, so new
// rows are appended rather than inserted.
var StateFlows = []StateFlow{
	{common.NodeStatusInitial, common.NodeEventModified, common.NodeStatusPending, false},
	{common.NodeStatusInitial, common.NodeEventModified, common.NodeStatusRunning, false},
	{common.NodeStatusPending, common.NodeEventModified, common.NodeStatusRunning, false},
	{common.NodeStatusPending, common.NodeEventModified, common.NodeStatusSucceeded, false},
	{common.NodeStatusPending, common.NodeEventModified, common.NodeStatusFailed, true},
	{common.NodeStatusRunning, common.NodeEventModified, common.NodeStatusSucceeded, false},
	{common.NodeStatusRunning, common.NodeEventModified, common.NodeStatusFailed, true},
	{common.NodeStatusPending, common.NodeEventDeleted, common.NodeStatusDeleted, true},
	{common.NodeStatusRunning, common.NodeEventDeleted, common.NodeStatusDeleted, true},
	{common.NodeStatusSucceeded, common.NodeEventDeleted, common.NodeStatusDeleted, false},
	{common.NodeStatusFailed, common.NodeEventDeleted, common.NodeStatusDeleted, false},
}

// GetStateFlow looks up the flow record for (oldStatus, eventType,
// newStatus). ADDED events are matched against the MODIFIED rows: the
// scheduler reports a brand-new object the same way a mutation would be.
// Returns nil when the triple is not an admissible transition.
func GetStateFlow(oldStatus common.NodeStatus, eventType common.NodeEventType, newStatus common.NodeStatus) *StateFlow {
	if oldStatus == newStatus {
		return nil
	}
	if eventType == common.NodeEventAdded {
		eventType = common.NodeEventModified
	}
	for i := range StateFlows {
		flow := &StateFlows[i]
		if flow.FromStatus == oldStatus && flow.EventType == eventType && flow.ToStatus == newStatus {
			return flow
		}
	}
	return nil
}
