package node

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/elastictrain/elastic-job-master/pkg/common"
	"github.com/elastictrain/elastic-job-master/pkg/logging"
	"github.com/elastictrain/elastic-job-master/pkg/metrics"
	"github.com/elastictrain/elastic-job-master/pkg/scaler"
)

const (
	// watchBackoff is how long the monitor loop waits after a watch or
	// list failure before re-listing the fleet.
	watchBackoff = 30 * time.Second
)

// NodeWatcher emits node lifecycle events from the cluster scheduler.
// List returns the current fleet snapshot; Watch streams events until the
// connection drops, at which point the returned channel is closed.
type NodeWatcher interface {
	List(ctx context.Context) ([]*common.Node, error)
	Watch(ctx context.Context) (<-chan common.NodeEvent, error)
}

// SchedulerClient is the outbound cluster scheduler binding the manager
// consumes.
type SchedulerClient interface {
	GetJobUUID(ctx context.Context) (string, error)
	GetServiceAddress(nodeType common.NodeType, id int) string
}

// ManagerConfig carries the relaunch policy knobs of the node manager.
type ManagerConfig struct {
	JobName   string
	Namespace string

	// RelaunchOnWorkerFailure is the worker relaunch budget; clamped to
	// common.MaxRelaunchCount.
	RelaunchOnWorkerFailure int

	PSIsCritical bool

	// PSRelaunchMaxNum is the PS relaunch budget; clamped to
	// common.MaxRelaunchCount.
	PSRelaunchMaxNum int

	// CriticalWorkerIndex maps worker ids to their relaunch budget; see
	// ParseCriticalWorkerIndex.
	CriticalWorkerIndex map[int]int

	// WaitPendingRelaunch additionally counts every approved relaunch in
	// PendingRelaunchCount; the relaunch itself is still issued at once.
	// Used by the custom distribution strategy.
	WaitPendingRelaunch bool

	UseDDP bool
}

// Manager owns the authoritative fleet map and applies event-driven state
// transitions under a single lock.
type Manager struct {
	jobResource *JobResourceConfig
	config      ManagerConfig

	scheduler  SchedulerClient
	watcher    NodeWatcher
	nodeScaler scaler.Scaler

	logger *zap.Logger

	// mu protects jobNodes, every Node it holds, callbacks, and the
	// decision counters below. Callback dispatch happens inside the lock;
	// listeners are required to be non-blocking.
	mu                   sync.Mutex
	jobNodes             map[common.NodeType]map[int]*common.Node
	callbacks            []NodeEventCallback
	relaunchNodes        bool
	pendingRelaunchCount int
	criticalFatal        bool
	trainingDataset      TrainingDataset
	migratedNodes        map[string]int

	jobUUID string

	stopProcessEvent atomic.Bool
	baseCtx          context.Context
}

// NewManager wires a node manager over the given scheduler binding and
// watcher. nodeScaler may be nil, in which case relaunch decisions are
// recorded but no replacement is scheduled.
func NewManager(
	jobResource *JobResourceConfig,
	config ManagerConfig,
	scheduler SchedulerClient,
	watcher NodeWatcher,
	nodeScaler scaler.Scaler,
	logger *zap.Logger,
) *Manager {
	if config.RelaunchOnWorkerFailure > common.MaxRelaunchCount {
		config.RelaunchOnWorkerFailure = common.MaxRelaunchCount
	}
	if config.PSRelaunchMaxNum > common.MaxRelaunchCount {
		config.PSRelaunchMaxNum = common.MaxRelaunchCount
	}
	return &Manager{
		jobResource:   jobResource,
		config:        config,
		scheduler:     scheduler,
		watcher:       watcher,
		nodeScaler:    nodeScaler,
		logger:        logger.Named("node-manager"),
		jobNodes:      make(map[common.NodeType]map[int]*common.Node),
		migratedNodes: make(map[string]int),
		baseCtx:       context.Background(),
	}
}

// Start resolves the job UUID, initializes the fleet from the job resource
// config and launches the monitor loop.
func (m *Manager) Start(ctx context.Context) error {
	uuid, err := m.scheduler.GetJobUUID(ctx)
	if err != nil {
		return fmt.Errorf("failed to resolve job uuid: %w", err)
	}
	m.jobUUID = uuid
	m.InitTypedNodes()
	m.baseCtx = ctx
	go m.monitorNodes(ctx)
	return nil
}

// Stop asks the monitor loop to exit after the event in flight.
func (m *Manager) Stop() {
	m.stopProcessEvent.Store(true)
}

// InitTypedNodes (re)builds the fleet from the job resource config and
// applies the critical-node policy.
func (m *Manager) InitTypedNodes() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobNodes = m.jobResource.InitJobNodeMeta(
		m.config.RelaunchOnWorkerFailure,
		m.scheduler.GetServiceAddress,
	)
	SetCriticalNode(m.jobNodes, m.config.PSIsCritical, m.config.CriticalWorkerIndex, m.config.PSRelaunchMaxNum)
	m.relaunchNodes = true
	m.pendingRelaunchCount = 0
	m.updateNodeCountMetricsLocked()
}

// AddNodeEventCallback subscribes a lifecycle listener.
func (m *Manager) AddNodeEventCallback(cb NodeEventCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, cb)
}

// SetTrainingDataset registers the training dataset; the first call wins.
func (m *Manager) SetTrainingDataset(ds TrainingDataset) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.trainingDataset == nil {
		m.trainingDataset = ds
	}
}

// TrainingDataset returns the registered dataset, or nil.
func (m *Manager) TrainingDataset() TrainingDataset {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.trainingDataset
}

// JobResource returns the canonical job resource config. The auto-scaler
// mutates it through UpdateNodeGroupResource; nothing else may.
func (m *Manager) JobResource() *JobResourceConfig {
	return m.jobResource
}

// JobUUID returns the scheduler-resolved job identity.
func (m *Manager) JobUUID() string {
	return m.jobUUID
}

// HasFatalCriticalNode reports whether a critical node has been denied a
// relaunch; an up-layer may terminate the job.
func (m *Manager) HasFatalCriticalNode() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.criticalFatal
}

// PendingRelaunchCount returns how many relaunches were approved while
// WaitPendingRelaunch is set. The count is reset only by InitTypedNodes.
func (m *Manager) PendingRelaunchCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pendingRelaunchCount
}

// TypedNodeNum counts fleet nodes of one type whose status is in statuses.
// An empty status set counts every node of the type.
func (m *Manager) TypedNodeNum(nodeType common.NodeType, statuses ...common.NodeStatus) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, n := range m.jobNodes[nodeType] {
		if len(statuses) == 0 {
			count++
			continue
		}
		for _, s := range statuses {
			if n.Status == s {
				count++
				break
			}
		}
	}
	return count
}

// AliveWorkerNum counts workers whose status is Running, Pending, Initial
// or Succeeded. Released workers are not excluded.
func (m *Manager) AliveWorkerNum() int {
	return m.TypedNodeNum(
		common.NodeTypeWorker,
		common.NodeStatusRunning,
		common.NodeStatusPending,
		common.NodeStatusInitial,
		common.NodeStatusSucceeded,
	)
}

// ChiefNum counts the chief nodes in the fleet.
func (m *Manager) ChiefNum() int {
	return m.TypedNodeNum(common.NodeTypeChief)
}

// NodeSnapshot returns a copy of one fleet node, and whether it exists.
func (m *Manager) NodeSnapshot(nodeType common.NodeType, id int) (common.Node, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.jobNodes[nodeType][id]
	if !ok {
		return common.Node{}, false
	}
	return *n, true
}

func (m *Manager) monitorNodes(ctx context.Context) {
	for {
		if m.stopProcessEvent.Load() {
			m.logger.Info("Stop processing node events")
			return
		}
		nodes, err := m.watcher.List(ctx)
		if err != nil {
			m.logger.Warn("Failed to list nodes", zap.Error(err))
			if !m.backoff(ctx) {
				return
			}
			continue
		}
		m.processListNodes(nodes)
		events, err := m.watcher.Watch(ctx)
		if err != nil {
			m.logger.Warn("Failed to watch nodes", zap.Error(err))
			if !m.backoff(ctx) {
				return
			}
			continue
		}
		if done := m.consumeEvents(ctx, events); done {
			return
		}
		// The stream drained cleanly; re-list right away to pick up
		// whatever the watch missed while it was down.
	}
}

// backoff waits out the watch backoff; false means the context ended.
func (m *Manager) backoff(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(watchBackoff):
		return true
	}
}

// consumeEvents drains the watch stream. It returns true when the manager
// should stop entirely, false when the stream ended and a re-list is due.
func (m *Manager) consumeEvents(ctx context.Context, events <-chan common.NodeEvent) bool {
	for {
		select {
		case <-ctx.Done():
			return true
		case event, ok := <-events:
			if !ok {
				return false
			}
			if m.stopProcessEvent.Load() {
				m.logger.Info("Stop processing node events")
				return true
			}
			if err := m.ProcessEvent(event); err != nil {
				m.logger.Warn("Failed to process node event", zap.Error(err))
				metrics.EventProcessErrors.Inc()
			}
		}
	}
}

// processListNodes reconciles the fleet against a bulk list: it replays
// synthetic events for every listed node and releases fleet nodes the list
// no longer contains.
func (m *Manager) processListNodes(nodes []*common.Node) {
	exist := make(map[common.NodeType]map[int]bool)
	for _, listed := range nodes {
		if _, ok := exist[listed.Type]; !ok {
			exist[listed.Type] = make(map[int]bool)
		}
		exist[listed.Type][listed.ID] = true

		eventType := common.NodeEventModified
		if listed.Status == common.NodeStatusDeleted {
			eventType = common.NodeEventDeleted
		}
		// Synthetic event so that transitions missed while the watch was
		// down are still applied.
		if err := m.ProcessEvent(common.NodeEvent{Type: eventType, Node: listed}); err != nil {
			m.logger.Warn("Failed to process listed node", zap.Error(err))
			metrics.EventProcessErrors.Inc()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for nodeType, typed := range m.jobNodes {
		for id, n := range typed {
			if n.Status == common.NodeStatusInitial || n.IsReleased || exist[nodeType][id] {
				continue
			}
			m.logger.Info("Node is deleted without the event",
				zap.String("type", string(nodeType)),
				zap.Int("id", id),
			)
			n.IsReleased = true
			metrics.NodeReleasedTotal.WithLabelValues(string(nodeType)).Inc()
		}
	}
	m.updateNodeCountMetricsLocked()
}

// ProcessEvent applies one scheduler event to the fleet. Events referencing
// ids outside the configured universe are an error: the job config defines
// every slot at init time.
func (m *Manager) ProcessEvent(event common.NodeEvent) error {
	if event.Node == nil {
		return fmt.Errorf("node event %s carries no node", event.Type)
	}

	m.mu.Lock()
	cur, ok := m.jobNodes[event.Node.Type][event.Node.ID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("no node %s-%d in the fleet", event.Node.Type, event.Node.ID)
	}

	cur.UpdateInfo(event.Node.Name, event.Node.StartTime, event.Node.CreateTime)
	if !event.Node.UsedResource.IsZero() {
		cur.UsedResource = event.Node.UsedResource
	}

	oldStatus := cur.Status
	newStatus := event.Node.Status
	flow := GetStateFlow(oldStatus, event.Type, newStatus)
	// Keep the last observed status even when the transition is not
	// admissible.
	cur.UpdateStatus(newStatus)
	if flow == nil || flow.FromStatus == common.NodeStatusSucceeded {
		m.mu.Unlock()
		return nil
	}

	cur.SetExitReason(event.Node.ExitReason)
	m.dispatchNodeEventLocked(flow, cur)

	shouldRelaunch := m.shouldRelaunchLocked(cur, flow)
	if shouldRelaunch && m.config.WaitPendingRelaunch {
		m.pendingRelaunchCount++
		metrics.PendingRelaunchCount.Set(float64(m.pendingRelaunchCount))
	}
	snapshot := *cur
	m.mu.Unlock()

	logging.LogNodeTransition(m.logger,
		string(snapshot.Type), snapshot.ID, snapshot.Name,
		string(oldStatus), string(flow.ToStatus), string(event.Type))

	if shouldRelaunch {
		m.relaunchTypedNode(&snapshot)
	}
	return nil
}

// dispatchNodeEventLocked fans the transition out to subscribers. Deleted
// callbacks are suppressed when the node already reached a final Failed or
// Succeeded state.
func (m *Manager) dispatchNodeEventLocked(flow *StateFlow, n *common.Node) {
	cluster := ClusterContext{NodeManager: m}
	snapshot := *n
	switch flow.ToStatus {
	case common.NodeStatusRunning:
		for _, cb := range m.callbacks {
			cb.OnNodeStarted(&snapshot, cluster)
		}
	case common.NodeStatusSucceeded:
		for _, cb := range m.callbacks {
			cb.OnNodeSucceeded(&snapshot, cluster)
		}
	case common.NodeStatusFailed:
		for _, cb := range m.callbacks {
			cb.OnNodeFailed(&snapshot, cluster)
		}
	case common.NodeStatusDeleted:
		if flow.FromStatus == common.NodeStatusFailed || flow.FromStatus == common.NodeStatusSucceeded {
			return
		}
		for _, cb := range m.callbacks {
			cb.OnNodeDeleted(&snapshot, cluster)
		}
	}
}

// shouldRelaunchLocked decides whether a replacement is scheduled for the
// node. The relaunch-count increment is part of the decision; the manager
// lock serializes concurrent decisions for the same node.
func (m *Manager) shouldRelaunchLocked(n *common.Node, flow *StateFlow) bool {
	should := flow.ShouldRelaunch && m.relaunchNodes && n.Relaunchable
	if should {
		switch n.ExitReason {
		case common.ExitReasonFatalError:
			should = false
		case common.ExitReasonOOM:
			if n.UsedResource.Memory > common.MaxMemoryMB {
				should = false
				n.Relaunchable = false
				m.logger.Warn("Node memory is beyond the relaunch ceiling",
					zap.String("node", n.Name),
					zap.Int("usedMemoryMB", n.UsedResource.Memory),
					zap.Int("ceilingMB", common.MaxMemoryMB),
				)
			} else if n.RelaunchCount >= n.MaxRelaunchCount {
				should = false
				m.logger.Warn("OOM relaunch budget exhausted",
					zap.String("node", n.Name),
					zap.Int("relaunchCount", n.RelaunchCount),
					zap.Int("maxRelaunchCount", n.MaxRelaunchCount),
				)
			} else {
				n.IsRecoveredOOM = true
			}
		case common.ExitReasonKilled:
			// A kill-looping node consumes its budget like any other
			// failure; an unbounded kill loop must not relaunch forever.
			if n.RelaunchCount >= n.MaxRelaunchCount {
				should = false
			}
		default:
			if n.RelaunchCount > n.MaxRelaunchCount {
				should = false
				m.logger.Warn("Relaunch budget exhausted",
					zap.String("node", n.Name),
					zap.Int("relaunchCount", n.RelaunchCount),
					zap.Int("maxRelaunchCount", n.MaxRelaunchCount),
				)
			}
		}
	}
	if !should && flow.ShouldRelaunch && n.Critical {
		m.criticalFatal = true
	}
	if should {
		n.IncRelaunchCount()
	}
	logging.LogRelaunchDecision(m.logger, string(n.Type), n.ID, string(n.ExitReason), should, n.RelaunchCount, n.MaxRelaunchCount)
	return should
}

// relaunchTypedNode schedules a replacement for the node under the same id.
func (m *Manager) relaunchTypedNode(n *common.Node) {
	m.logger.Info("Relaunching node",
		zap.String("node", n.Name),
		zap.String("type", string(n.Type)),
		zap.Int("id", n.ID),
		zap.Int("relaunchCount", n.RelaunchCount),
	)
	metrics.NodeRelaunchTotal.WithLabelValues(string(n.Type), string(n.ExitReason)).Inc()
	if m.nodeScaler == nil {
		return
	}
	group := m.jobResource.GetNodeGroupResource(n.Type)
	plan := scaler.NewScalePlan()
	if n.Name != "" {
		plan.Removals = append(plan.Removals, scaler.NodeRef{Type: n.Type, ID: n.ID, Name: n.Name})
	}
	plan.Launches = append(plan.Launches, scaler.LaunchSpec{
		Type:          n.Type,
		ID:            n.ID,
		Resource:      n.ConfigResource,
		Priority:      group.Priority,
		Critical:      n.Critical,
		RelaunchCount: n.RelaunchCount,
		ServiceAddr:   n.ServiceAddr,
	})
	if err := m.nodeScaler.Scale(m.baseCtx, plan); err != nil {
		m.logger.Error("Failed to schedule the relaunch", zap.String("node", n.Name), zap.Error(err))
	}
}

func (m *Manager) updateNodeCountMetricsLocked() {
	counts := make(map[common.NodeType]map[common.NodeStatus]int)
	for nodeType, typed := range m.jobNodes {
		counts[nodeType] = make(map[common.NodeStatus]int)
		for _, n := range typed {
			counts[nodeType][n.Status]++
		}
	}
	for nodeType, byStatus := range counts {
		for status, count := range byStatus {
			metrics.NodeCount.WithLabelValues(string(nodeType), string(status)).Set(float64(count))
		}
	}
}
