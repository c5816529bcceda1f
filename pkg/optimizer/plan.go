package optimizer

import (
	"context"

	"github.com/elastictrain/elastic-job-master/pkg/common"
)

// ResourcePlan is the optimizer's declarative intent: new group shapes per
// node type and new per-node resources keyed by scheduler name. The
// auto-scaler is the sole translator from a ResourcePlan to a ScalePlan.
type ResourcePlan struct {
	NodeGroupResources map[common.NodeType]common.NodeGroupResource `json:"node_group_resources"`
	NodeResources      map[string]common.NodeResource               `json:"node_resources"`
}

// NewResourcePlan returns an empty plan.
func NewResourcePlan() *ResourcePlan {
	return &ResourcePlan{
		NodeGroupResources: make(map[common.NodeType]common.NodeGroupResource),
		NodeResources:      make(map[string]common.NodeResource),
	}
}

// Empty reports whether the plan proposes nothing.
func (p *ResourcePlan) Empty() bool {
	return p == nil || (len(p.NodeGroupResources) == 0 && len(p.NodeResources) == 0)
}

// JobOptimizer produces resource plans from whatever performance signals it
// consumes. A nil plan means no adjustment is proposed this cycle.
type JobOptimizer interface {
	GetJobResourcePlan(ctx context.Context) (*ResourcePlan, error)

	// SetAliveNodeNum feeds the optimizer the current worker population;
	// used by the all-reduce strategy before each plan request.
	SetAliveNodeNum(num int)
}
