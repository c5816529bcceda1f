package node

import (
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/elastictrain/elastic-job-master/pkg/common"
	"github.com/elastictrain/elastic-job-master/pkg/scaler"
)

// WorkerManager owns the scale and migrate primitives of the worker group.
// Workers are stateless from the master's point of view; migrations simply
// replace the pod with a differently sized one under a fresh id.
type WorkerManager struct {
	manager *Manager
	logger  *zap.Logger
}

// NewWorkerManager binds a worker manager to the fleet owner.
func NewWorkerManager(manager *Manager, logger *zap.Logger) *WorkerManager {
	return &WorkerManager{
		manager: manager,
		logger:  logger.Named("worker-manager"),
	}
}

// AdjustWorker produces the launches and removals that make the live
// worker count match group.Count. Critical workers are never removed by a
// scale-down.
func (wm *WorkerManager) AdjustWorker(group common.NodeGroupResource) *scaler.ScalePlan {
	m := wm.manager
	plan := scaler.NewScalePlan()

	m.mu.Lock()
	typed := m.jobNodes[common.NodeTypeWorker]
	if typed == nil {
		typed = make(map[int]*common.Node)
		m.jobNodes[common.NodeTypeWorker] = typed
	}
	alive := aliveNodesLocked(typed)

	switch {
	case len(alive) < group.Count:
		for i := len(alive); i < group.Count; i++ {
			id := nextIDLocked(typed)
			n := common.NewNode(common.NodeTypeWorker, id, m.config.RelaunchOnWorkerFailure)
			n.ConfigResource = group.NodeResource
			n.UsedResource = group.NodeResource
			typed[id] = n
			plan.Launches = append(plan.Launches, launchSpecFor(n, group.Priority))
		}
	case len(alive) > group.Count:
		// Remove the youngest non-critical workers first.
		candidates := make([]*common.Node, 0, len(alive))
		for _, n := range alive {
			if !n.Critical {
				candidates = append(candidates, n)
			}
		}
		sort.Slice(candidates, func(i, j int) bool { return candidates[i].ID > candidates[j].ID })
		excess := len(alive) - group.Count
		if excess > len(candidates) {
			excess = len(candidates)
		}
		for _, n := range candidates[:excess] {
			n.Relaunchable = false
			n.IsReleased = true
			if n.Name != "" {
				plan.Removals = append(plan.Removals, scaler.NodeRef{Type: n.Type, ID: n.ID, Name: n.Name})
			}
		}
	}
	m.mu.Unlock()

	wm.logger.Info("Adjusted workers",
		zap.Int("aliveCount", len(alive)),
		zap.Int("desiredCount", group.Count),
	)
	return plan
}

// MigrateWorkers replaces the named workers with equivalents that carry
// the given resources.
func (wm *WorkerManager) MigrateWorkers(nodeResources map[string]common.NodeResource) *scaler.ScalePlan {
	m := wm.manager
	plan := scaler.NewScalePlan()

	m.mu.Lock()
	defer m.mu.Unlock()
	typed := m.jobNodes[common.NodeTypeWorker]
	for name, resource := range nodeResources {
		orig := findByNameLocked(typed, name)
		if orig == nil || !orig.Alive() {
			wm.logger.Warn("Skipping migration of unknown worker", zap.String("node", name))
			continue
		}
		id := nextIDLocked(typed)
		repl := common.NewNode(common.NodeTypeWorker, id, orig.MaxRelaunchCount)
		repl.Critical = orig.Critical
		repl.ConfigResource = resource
		repl.UsedResource = resource
		typed[id] = repl
		plan.Launches = append(plan.Launches, launchSpecFor(repl, ""))

		orig.Relaunchable = false
		orig.IsReleased = true
		plan.Removals = append(plan.Removals, scaler.NodeRef{Type: orig.Type, ID: orig.ID, Name: orig.Name})
		wm.logger.Info("Migrating worker",
			zap.String("from", name),
			zap.Int("toID", id),
			zap.Float64("cpu", resource.CPU),
			zap.Int("memoryMB", resource.Memory),
		)
	}
	return plan
}

// ReducePendingNodeResource rescales workers pending too long to a smaller
// CPU request so they can be admitted. Used only during job startup.
func (wm *WorkerManager) ReducePendingNodeResource() *scaler.ScalePlan {
	m := wm.manager
	m.mu.Lock()
	defer m.mu.Unlock()
	group := m.jobResource.GetNodeGroupResource(common.NodeTypeWorker)
	return reducePendingLocked(m.jobNodes[common.NodeTypeWorker], group.Priority, time.Now())
}
