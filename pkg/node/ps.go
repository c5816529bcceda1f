package node

import (
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/elastictrain/elastic-job-master/pkg/common"
	"github.com/elastictrain/elastic-job-master/pkg/scaler"
)

// ParameterServerManager owns the scale and migrate primitives of the PS
// group. Parameter servers are stateful: a migration launches the
// replacement first and only retires the original once the replacement is
// Running, so the address handover never drops a live server.
type ParameterServerManager struct {
	manager *Manager
	logger  *zap.Logger
}

// NewParameterServerManager binds a PS manager to the fleet owner.
func NewParameterServerManager(manager *Manager, logger *zap.Logger) *ParameterServerManager {
	return &ParameterServerManager{
		manager: manager,
		logger:  logger.Named("ps-manager"),
	}
}

// AdjustPS produces the launches and removals that make the live PS count
// match group.Count. Alive servers whose per-node resource no longer
// matches the group are migrated rather than mutated in place.
func (pm *ParameterServerManager) AdjustPS(group common.NodeGroupResource) *scaler.ScalePlan {
	m := pm.manager
	plan := scaler.NewScalePlan()

	m.mu.Lock()
	typed := m.jobNodes[common.NodeTypePS]
	if typed == nil {
		typed = make(map[int]*common.Node)
		m.jobNodes[common.NodeTypePS] = typed
	}
	plan.Removals = append(plan.Removals, pm.reapMigrationsLocked()...)
	alive := aliveNodesLocked(typed)

	changed := make(map[string]common.NodeResource)
	for _, n := range alive {
		if _, migrating := m.migratedNodes[n.Name]; migrating {
			continue
		}
		if n.Name != "" && !group.NodeResource.IsZero() && n.ConfigResource != group.NodeResource {
			changed[n.Name] = group.NodeResource
		}
	}

	switch {
	case len(alive) < group.Count:
		for i := len(alive); i < group.Count; i++ {
			id := nextIDLocked(typed)
			n := common.NewNode(common.NodeTypePS, id, m.config.PSRelaunchMaxNum)
			n.Critical = m.config.PSIsCritical
			n.ConfigResource = group.NodeResource
			n.UsedResource = group.NodeResource
			n.ServiceAddr = m.scheduler.GetServiceAddress(common.NodeTypePS, id)
			typed[id] = n
			plan.Launches = append(plan.Launches, launchSpecFor(n, group.Priority))
		}
	case len(alive) > group.Count:
		// Retire the youngest servers first; low ids anchor the topology.
		for _, n := range alive[group.Count:] {
			n.Relaunchable = false
			n.IsReleased = true
			delete(changed, n.Name)
			if n.Name != "" {
				plan.Removals = append(plan.Removals, scaler.NodeRef{Type: n.Type, ID: n.ID, Name: n.Name})
			}
		}
	}
	m.mu.Unlock()

	pm.logger.Info("Adjusted parameter servers",
		zap.Int("aliveCount", len(alive)),
		zap.Int("desiredCount", group.Count),
		zap.Int("resourceMigrations", len(changed)),
	)
	if len(changed) > 0 {
		plan.Merge(pm.MigrateParameterServers(changed))
	}
	return plan
}

// MigrateParameterServers schedules replacement servers with the given
// per-node resources and emits the address handover. The originals stay
// alive until their replacements run.
func (pm *ParameterServerManager) MigrateParameterServers(nodeResources map[string]common.NodeResource) *scaler.ScalePlan {
	m := pm.manager
	plan := scaler.NewScalePlan()

	m.mu.Lock()
	defer m.mu.Unlock()
	typed := m.jobNodes[common.NodeTypePS]
	for name, resource := range nodeResources {
		orig := findByNameLocked(typed, name)
		if orig == nil || !orig.Alive() {
			pm.logger.Warn("Skipping migration of unknown parameter server", zap.String("node", name))
			continue
		}
		if _, inFlight := m.migratedNodes[name]; inFlight {
			continue
		}
		id := nextIDLocked(typed)
		repl := common.NewNode(common.NodeTypePS, id, orig.MaxRelaunchCount)
		repl.Critical = orig.Critical
		repl.ConfigResource = resource
		repl.UsedResource = resource
		repl.ServiceAddr = m.scheduler.GetServiceAddress(common.NodeTypePS, id)
		typed[id] = repl
		m.migratedNodes[name] = id
		plan.Launches = append(plan.Launches, launchSpecFor(repl, ""))
		pm.logger.Info("Migrating parameter server",
			zap.String("from", name),
			zap.Int("toID", id),
			zap.Float64("cpu", resource.CPU),
			zap.Int("memoryMB", resource.Memory),
		)
	}
	plan.PSAddrs = pm.psAddrsLocked()
	return plan
}

// ExistMigratedPSNodes reports whether a PS migration is still in flight.
// Completed migrations are reaped as a side effect: the original server is
// released and its removal is emitted with the next adjustment plan.
func (pm *ParameterServerManager) ExistMigratedPSNodes() bool {
	m := pm.manager
	m.mu.Lock()
	defer m.mu.Unlock()
	pm.reapMigrationsLocked()
	return len(m.migratedNodes) > 0
}

// reapMigrationsLocked retires originals whose replacements reached
// Running and returns their removals.
func (pm *ParameterServerManager) reapMigrationsLocked() []scaler.NodeRef {
	m := pm.manager
	typed := m.jobNodes[common.NodeTypePS]
	var removals []scaler.NodeRef
	for origName, replID := range m.migratedNodes {
		repl, ok := typed[replID]
		if !ok || repl.Status != common.NodeStatusRunning {
			continue
		}
		if orig := findByNameLocked(typed, origName); orig != nil {
			orig.Relaunchable = false
			orig.IsReleased = true
			removals = append(removals, scaler.NodeRef{Type: orig.Type, ID: orig.ID, Name: orig.Name})
		}
		delete(m.migratedNodes, origName)
		pm.logger.Info("Parameter server migration finished",
			zap.String("from", origName),
			zap.Int("toID", replID),
		)
	}
	return removals
}

// GetPSAddrs returns the service addresses of the alive parameter servers
// ordered by id.
func (pm *ParameterServerManager) GetPSAddrs() []string {
	m := pm.manager
	m.mu.Lock()
	defer m.mu.Unlock()
	return pm.psAddrsLocked()
}

func (pm *ParameterServerManager) psAddrsLocked() []string {
	m := pm.manager
	alive := aliveNodesLocked(m.jobNodes[common.NodeTypePS])
	sort.Slice(alive, func(i, j int) bool { return alive[i].ID < alive[j].ID })
	addrs := make([]string, 0, len(alive))
	for _, n := range alive {
		addr := n.ServiceAddr
		if addr == "" {
			addr = m.scheduler.GetServiceAddress(common.NodeTypePS, n.ID)
		}
		if addr != "" {
			addrs = append(addrs, addr)
		}
	}
	return addrs
}

// ReducePendingNodeResource rescales servers pending too long to a smaller
// CPU request so they can be admitted. Used only during job startup.
func (pm *ParameterServerManager) ReducePendingNodeResource() *scaler.ScalePlan {
	m := pm.manager
	m.mu.Lock()
	defer m.mu.Unlock()
	group := m.jobResource.GetNodeGroupResource(common.NodeTypePS)
	return reducePendingLocked(m.jobNodes[common.NodeTypePS], group.Priority, time.Now())
}

func findByNameLocked(typed map[int]*common.Node, name string) *common.Node {
	if name == "" {
		return nil
	}
	for _, n := range typed {
		if n.Name == name {
			return n
		}
	}
	return nil
}
