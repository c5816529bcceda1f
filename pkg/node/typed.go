package node

import (
	"sort"
	"time"

	"github.com/elastictrain/elastic-job-master/pkg/common"
	"github.com/elastictrain/elastic-job-master/pkg/scaler"
)

const (
	// pendingTimeout is how long a node may sit Pending before the
	// startup reducer shrinks its CPU request to unblock admission.
	pendingTimeout = 15 * time.Minute

	// minPendingCPU is the floor the reducer never shrinks below.
	minPendingCPU = 1.0
)

// aliveNodesLocked returns the alive nodes of one type sorted by id.
// Callers hold the manager lock.
func aliveNodesLocked(typed map[int]*common.Node) []*common.Node {
	alive := make([]*common.Node, 0, len(typed))
	for _, n := range typed {
		if n.Alive() {
			alive = append(alive, n)
		}
	}
	sort.Slice(alive, func(i, j int) bool { return alive[i].ID < alive[j].ID })
	return alive
}

// nextIDLocked returns the first unused id for one type. Ids are never
// reused: a replacement keeps the training topology unambiguous.
func nextIDLocked(typed map[int]*common.Node) int {
	next := 0
	for id := range typed {
		if id >= next {
			next = id + 1
		}
	}
	return next
}

func launchSpecFor(n *common.Node, priority string) scaler.LaunchSpec {
	return scaler.LaunchSpec{
		Type:          n.Type,
		ID:            n.ID,
		Name:          n.Name,
		Resource:      n.ConfigResource,
		Priority:      priority,
		Critical:      n.Critical,
		RelaunchCount: n.RelaunchCount,
		ServiceAddr:   n.ServiceAddr,
	}
}

// reducePendingLocked rescales nodes of one type that have been Pending
// longer than pendingTimeout to half their CPU request. The stale pod is
// removed and re-launched under the same id with the smaller request.
func reducePendingLocked(typed map[int]*common.Node, priority string, now time.Time) *scaler.ScalePlan {
	plan := scaler.NewScalePlan()
	for _, n := range aliveNodesLocked(typed) {
		if n.Status != common.NodeStatusPending {
			continue
		}
		if n.CreateTime.IsZero() || now.Sub(n.CreateTime) < pendingTimeout {
			continue
		}
		reduced := n.ConfigResource.CPU / 2
		if reduced < minPendingCPU {
			reduced = minPendingCPU
		}
		if reduced >= n.ConfigResource.CPU {
			continue
		}
		if n.Name != "" {
			plan.Removals = append(plan.Removals, scaler.NodeRef{Type: n.Type, ID: n.ID, Name: n.Name})
		}
		n.ConfigResource.CPU = reduced
		n.IncRelaunchCount()
		plan.Launches = append(plan.Launches, launchSpecFor(n, priority))
	}
	return plan
}
