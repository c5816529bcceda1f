package scaler

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/elastictrain/elastic-job-master/pkg/common"
)

// TestScalePlanEmpty tests the no-op predicate.
func TestScalePlanEmpty(t *testing.T) {
	plan := NewScalePlan()
	assert.True(t, plan.Empty())

	plan.PSAddrs = []string{"ps-0:2222"}
	assert.False(t, plan.Empty())

	var nilPlan *ScalePlan
	assert.True(t, nilPlan.Empty())
}

// TestScalePlanMerge tests set-semantics merge: commutative, idempotent,
// and empty-preserving.
func TestScalePlanMerge(t *testing.T) {
	launch := LaunchSpec{Type: common.NodeTypeWorker, ID: 1, Resource: common.NodeResource{CPU: 1}}
	removal := NodeRef{Type: common.NodeTypePS, ID: 0, Name: "job-ps-0"}

	a := NewScalePlan()
	a.Launches = []LaunchSpec{launch}
	a.PSAddrs = []string{"ps-0:2222"}

	b := NewScalePlan()
	b.Removals = []NodeRef{removal}
	b.PSAddrs = []string{"ps-0:2222", "ps-1:2222"}

	ab := NewScalePlan()
	ab.Merge(a)
	ab.Merge(b)

	ba := NewScalePlan()
	ba.Merge(b)
	ba.Merge(a)

	assert.ElementsMatch(t, ab.Launches, ba.Launches)
	assert.ElementsMatch(t, ab.Removals, ba.Removals)
	assert.ElementsMatch(t, ab.PSAddrs, ba.PSAddrs)
	assert.Len(t, ab.PSAddrs, 2)

	// Merging a plan into itself changes nothing.
	before := len(ab.Launches) + len(ab.Removals) + len(ab.PSAddrs)
	ab.Merge(ab)
	assert.Equal(t, before, len(ab.Launches)+len(ab.Removals)+len(ab.PSAddrs))

	// Two empties merge to an empty.
	empty := NewScalePlan()
	empty.Merge(NewScalePlan())
	assert.True(t, empty.Empty())

	// A relaunch of the same slot is a distinct launch.
	relaunch := launch
	relaunch.RelaunchCount = 1
	ab.Merge(&ScalePlan{Launches: []LaunchSpec{relaunch}})
	assert.Len(t, ab.Launches, 2)
}
