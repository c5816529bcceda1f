package scaler

import (
	"context"
	"fmt"

	"github.com/elastictrain/elastic-job-master/pkg/common"
)

// LaunchSpec describes one node the scheduler should create. Type, ID and
// RelaunchCount together identify one launch of a slot when plans are
// merged; the scheduler-side pod name depends on type and ID only, so a
// relaunch reuses the name of the pod it replaces.
type LaunchSpec struct {
	Type          common.NodeType
	ID            int
	Name          string
	Resource      common.NodeResource
	Priority      string
	Critical      bool
	RelaunchCount int
	ServiceAddr   string
}

// NodeRef names one scheduler object to remove.
type NodeRef struct {
	Type common.NodeType
	ID   int
	Name string
}

// ScalePlan is the declarative diff handed to the external scaler: nodes to
// launch, nodes to remove, and the current parameter-server address list to
// publish to the training topology.
type ScalePlan struct {
	Launches []LaunchSpec
	Removals []NodeRef
	PSAddrs  []string
}

// NewScalePlan returns an empty plan.
func NewScalePlan() *ScalePlan {
	return &ScalePlan{}
}

// Empty reports whether applying the plan would be a no-op. An empty plan
// must never reach the external scaler.
func (p *ScalePlan) Empty() bool {
	return p == nil || (len(p.Launches) == 0 && len(p.Removals) == 0 && len(p.PSAddrs) == 0)
}

// Merge folds other into p: launches, removals and PS addresses are
// concatenated and deduplicated. Merge is commutative in set semantics and
// idempotent.
func (p *ScalePlan) Merge(other *ScalePlan) {
	if other == nil {
		return
	}
	for _, launch := range other.Launches {
		if !p.hasLaunch(launch) {
			p.Launches = append(p.Launches, launch)
		}
	}
	for _, ref := range other.Removals {
		if !p.hasRemoval(ref) {
			p.Removals = append(p.Removals, ref)
		}
	}
	for _, addr := range other.PSAddrs {
		if !p.hasPSAddr(addr) {
			p.PSAddrs = append(p.PSAddrs, addr)
		}
	}
}

func (p *ScalePlan) hasPSAddr(addr string) bool {
	for _, a := range p.PSAddrs {
		if a == addr {
			return true
		}
	}
	return false
}

func (p *ScalePlan) hasLaunch(launch LaunchSpec) bool {
	for _, l := range p.Launches {
		if l.Type == launch.Type && l.ID == launch.ID && l.RelaunchCount == launch.RelaunchCount {
			return true
		}
	}
	return false
}

func (p *ScalePlan) hasRemoval(ref NodeRef) bool {
	for _, r := range p.Removals {
		if r.Type == ref.Type && r.ID == ref.ID && r.Name == ref.Name {
			return true
		}
	}
	return false
}

func (p *ScalePlan) String() string {
	return fmt.Sprintf("ScalePlan{launches: %d, removals: %d, psAddrs: %d}",
		len(p.Launches), len(p.Removals), len(p.PSAddrs))
}

// Scaler applies scale plans against the cluster scheduler.
type Scaler interface {
	Scale(ctx context.Context, plan *ScalePlan) error
}
