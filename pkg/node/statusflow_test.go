package node

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elastictrain/elastic-job-master/pkg/common"
)

// TestGetStateFlow tests the canonical table lookups.
func TestGetStateFlow(t *testing.T) {
	flow := GetStateFlow(common.NodeStatusPending, common.NodeEventModified, common.NodeStatusRunning)
	require.NotNil(t, flow)
	assert.Equal(t, &StateFlows[2], flow)

	flow = GetStateFlow(common.NodeStatusRunning, common.NodeEventModified, common.NodeStatusSucceeded)
	require.NotNil(t, flow)
	assert.Equal(t, &StateFlows[5], flow)

	flow = GetStateFlow(common.NodeStatusRunning, common.NodeEventDeleted, common.NodeStatusDeleted)
	require.NotNil(t, flow)
	assert.Equal(t, &StateFlows[8], flow)
	assert.True(t, flow.ShouldRelaunch)

	flow = GetStateFlow(common.NodeStatusSucceeded, common.NodeEventDeleted, common.NodeStatusDeleted)
	require.NotNil(t, flow)
	assert.Equal(t, &StateFlows[len(StateFlows)-2], flow)
	assert.False(t, flow.ShouldRelaunch)
}

// TestGetStateFlow_AddedMatchesModified tests that ADDED events resolve
// through the MODIFIED rows.
func TestGetStateFlow_AddedMatchesModified(t *testing.T) {
	flow := GetStateFlow(common.NodeStatusInitial, common.NodeEventAdded, common.NodeStatusPending)
	require.NotNil(t, flow)
	assert.Equal(t, &StateFlows[0], flow)
}

// TestGetStateFlow_Exhaustive tests that every lookup result is consistent
// with its inputs and that Succeeded never relaunches.
func TestGetStateFlow_Exhaustive(t *testing.T) {
	statuses := []common.NodeStatus{
		common.NodeStatusInitial,
		common.NodeStatusPending,
		common.NodeStatusRunning,
		common.NodeStatusSucceeded,
		common.NodeStatusFailed,
		common.NodeStatusDeleted,
	}
	events := []common.NodeEventType{
		common.NodeEventAdded,
		common.NodeEventModified,
		common.NodeEventDeleted,
	}

	for _, old := range statuses {
		for _, event := range events {
			for _, next := range statuses {
				flow := GetStateFlow(old, event, next)
				if flow == nil {
					continue
				}
				assert.Equal(t, old, flow.FromStatus)
				assert.Equal(t, next, flow.ToStatus)
				if old == common.NodeStatusSucceeded {
					assert.False(t, flow.ShouldRelaunch,
						"transition from Succeeded must never relaunch")
				}
			}
		}
	}
}

// TestGetStateFlow_NoSelfTransition tests that identical statuses never
// resolve to a flow.
func TestGetStateFlow_NoSelfTransition(t *testing.T) {
	flow := GetStateFlow(common.NodeStatusRunning, common.NodeEventModified, common.NodeStatusRunning)
	assert.Nil(t, flow)
}
