package node

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/elastictrain/elastic-job-master/pkg/common"
	"github.com/elastictrain/elastic-job-master/pkg/scaler"
)

const mockJobUUID = "11111"

type stubScheduler struct{}

func (stubScheduler) GetJobUUID(ctx context.Context) (string, error) { return mockJobUUID, nil }

func (stubScheduler) GetServiceAddress(nodeType common.NodeType, id int) string {
	return "test:2222"
}

type stubWatcher struct {
	nodes []*common.Node
}

func (w *stubWatcher) List(ctx context.Context) ([]*common.Node, error) {
	return w.nodes, nil
}

func (w *stubWatcher) Watch(ctx context.Context) (<-chan common.NodeEvent, error) {
	ch := make(chan common.NodeEvent)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

type recordingScaler struct {
	mu    sync.Mutex
	plans []*scaler.ScalePlan
}

func (r *recordingScaler) Scale(ctx context.Context, plan *scaler.ScalePlan) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.plans = append(r.plans, plan)
	return nil
}

func (r *recordingScaler) planCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.plans)
}

type countingCallback struct {
	started, succeeded, failed, deleted int
}

func (c *countingCallback) OnNodeStarted(node *common.Node, cluster ClusterContext)   { c.started++ }
func (c *countingCallback) OnNodeSucceeded(node *common.Node, cluster ClusterContext) { c.succeeded++ }
func (c *countingCallback) OnNodeFailed(node *common.Node, cluster ClusterContext)    { c.failed++ }
func (c *countingCallback) OnNodeDeleted(node *common.Node, cluster ClusterContext)   { c.deleted++ }

func testJobOptions() JobOptions {
	return JobOptions{
		JobName:                  "test",
		Namespace:                "test",
		DistributionStrategy:     common.StrategyPS,
		RelaunchOnWorkerFailure:  1,
		PSIsCritical:             true,
		PSRelaunchMaxNum:         1,
		CriticalWorkerIndex:      "0:3",
		NumWorkers:               3,
		WorkerResourceRequest:    "cpu=1,memory=4096Mi",
		NumPS:                    3,
		PSResourceRequest:        "cpu=1,memory=4096Mi",
		NumEvaluators:            1,
		EvaluatorResourceRequest: "cpu=1,memory=4096Mi",
		NumTFMasters:             3,
		TFMasterResourceRequest:  "cpu=1,memory=4096Mi",
	}
}

func newTestManager(t *testing.T, nodeScaler scaler.Scaler) *Manager {
	t.Helper()
	m, err := NewManagerFromJobOptions(testJobOptions(), stubScheduler{}, &stubWatcher{}, nodeScaler, zaptest.NewLogger(t))
	require.NoError(t, err)
	m.InitTypedNodes()
	return m
}

func workerEvent(id int, status common.NodeStatus, eventType common.NodeEventType, reason common.NodeExitReason) common.NodeEvent {
	n := common.NewNode(common.NodeTypeWorker, id, 0)
	n.Status = status
	n.ExitReason = reason
	return common.NodeEvent{Type: eventType, Node: n}
}

// TestManagerStart tests fleet initialization.
func TestManagerStart(t *testing.T) {
	m := newTestManager(t, nil)
	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	assert.Equal(t, mockJobUUID, m.JobUUID())
	assert.Len(t, m.jobNodes, 4)
	assert.True(t, m.jobNodes[common.NodeTypePS][0].Critical)
	assert.Equal(t, 1, m.jobNodes[common.NodeTypePS][0].MaxRelaunchCount)
}

// TestProcessEvent tests the basic transition path.
func TestProcessEvent(t *testing.T) {
	m := newTestManager(t, nil)
	cb := &countingCallback{}
	m.AddNodeEventCallback(cb)

	require.NoError(t, m.ProcessEvent(workerEvent(1, common.NodeStatusRunning, common.NodeEventModified, "")))
	assert.Equal(t, common.NodeStatusRunning, m.jobNodes[common.NodeTypeWorker][1].Status)
	assert.Equal(t, 1, cb.started)

	// Unknown ids are an assertion failure: the config defines the universe.
	err := m.ProcessEvent(workerEvent(9, common.NodeStatusRunning, common.NodeEventModified, ""))
	assert.Error(t, err)
}

// TestCallbackDispatch tests the exact to-status mapping, including the
// suppressed delete after a final state.
func TestCallbackDispatch(t *testing.T) {
	m := newTestManager(t, nil)
	cb := &countingCallback{}
	m.AddNodeEventCallback(cb)

	require.NoError(t, m.ProcessEvent(workerEvent(1, common.NodeStatusRunning, common.NodeEventModified, "")))
	require.NoError(t, m.ProcessEvent(workerEvent(1, common.NodeStatusSucceeded, common.NodeEventModified, "")))
	require.NoError(t, m.ProcessEvent(workerEvent(1, common.NodeStatusDeleted, common.NodeEventDeleted, "")))

	assert.Equal(t, 1, cb.started)
	assert.Equal(t, 1, cb.succeeded)
	// Deleting a succeeded node fires no callback and no relaunch.
	assert.Equal(t, 0, cb.deleted)
	assert.Equal(t, 0, m.jobNodes[common.NodeTypeWorker][1].RelaunchCount)

	require.NoError(t, m.ProcessEvent(workerEvent(2, common.NodeStatusPending, common.NodeEventModified, "")))
	require.NoError(t, m.ProcessEvent(workerEvent(2, common.NodeStatusDeleted, common.NodeEventDeleted, "")))
	assert.Equal(t, 1, cb.deleted)
}

// TestCriticalWorkerRecovery tests the bounded recovery of the chief:
// one relaunch, then the budget is spent.
func TestCriticalWorkerRecovery(t *testing.T) {
	nodeScaler := &recordingScaler{}
	m := newTestManager(t, nodeScaler)
	cb := &countingCallback{}
	m.AddNodeEventCallback(cb)

	require.NoError(t, m.ProcessEvent(workerEvent(0, common.NodeStatusRunning, common.NodeEventModified, "")))
	require.NoError(t, m.ProcessEvent(workerEvent(0, common.NodeStatusFailed, common.NodeEventModified, common.ExitReasonKilled)))

	assert.Equal(t, 1, cb.failed)
	worker := m.jobNodes[common.NodeTypeWorker][0]
	assert.Equal(t, 1, worker.RelaunchCount)
	assert.Equal(t, 1, nodeScaler.planCount())

	// An identical second failure exceeds the budget.
	require.NoError(t, m.ProcessEvent(workerEvent(0, common.NodeStatusRunning, common.NodeEventModified, "")))
	require.NoError(t, m.ProcessEvent(workerEvent(0, common.NodeStatusFailed, common.NodeEventModified, common.ExitReasonKilled)))

	assert.Equal(t, 2, cb.failed)
	assert.Equal(t, 1, worker.RelaunchCount)
	assert.Equal(t, 1, nodeScaler.planCount())
	assert.True(t, m.HasFatalCriticalNode())
}

// TestOOMOverCeiling tests that a node OOM-killed above the memory ceiling
// is never relaunched.
func TestOOMOverCeiling(t *testing.T) {
	nodeScaler := &recordingScaler{}
	m := newTestManager(t, nodeScaler)

	require.NoError(t, m.ProcessEvent(workerEvent(1, common.NodeStatusRunning, common.NodeEventModified, "")))

	event := workerEvent(1, common.NodeStatusFailed, common.NodeEventModified, common.ExitReasonOOM)
	event.Node.UsedResource = common.NodeResource{Memory: common.MaxMemoryMB + 1}
	require.NoError(t, m.ProcessEvent(event))

	worker := m.jobNodes[common.NodeTypeWorker][1]
	assert.Equal(t, 0, worker.RelaunchCount)
	assert.False(t, worker.Relaunchable)
	assert.Equal(t, 0, nodeScaler.planCount())
}

// TestOOMRecovered tests that an OOM below the ceiling relaunches and marks
// the node recovered.
func TestOOMRecovered(t *testing.T) {
	m := newTestManager(t, nil)

	require.NoError(t, m.ProcessEvent(workerEvent(1, common.NodeStatusRunning, common.NodeEventModified, "")))
	event := workerEvent(1, common.NodeStatusFailed, common.NodeEventModified, common.ExitReasonOOM)
	event.Node.UsedResource = common.NodeResource{Memory: 4096}
	require.NoError(t, m.ProcessEvent(event))

	worker := m.jobNodes[common.NodeTypeWorker][1]
	assert.Equal(t, 1, worker.RelaunchCount)
	assert.True(t, worker.IsRecoveredOOM)
}

// TestShouldRelaunch tests the decision branches directly.
func TestShouldRelaunch(t *testing.T) {
	m := newTestManager(t, nil)

	n := common.NewNode(common.NodeTypeWorker, 1, 1)
	n.Status = common.NodeStatusRunning

	assert.False(t, m.shouldRelaunchLocked(n, &StateFlows[5]))
	assert.True(t, m.shouldRelaunchLocked(n, &StateFlows[6]))

	n.RelaunchCount = n.MaxRelaunchCount + 1
	assert.False(t, m.shouldRelaunchLocked(n, &StateFlows[6]))

	n.RelaunchCount = 0
	n.ExitReason = common.ExitReasonFatalError
	assert.False(t, m.shouldRelaunchLocked(n, &StateFlows[6]))
}

// TestRelaunchCountBound tests that the count never exceeds the budget
// plus the decision increment.
func TestRelaunchCountBound(t *testing.T) {
	m := newTestManager(t, nil)

	for i := 0; i < 10; i++ {
		require.NoError(t, m.ProcessEvent(workerEvent(2, common.NodeStatusRunning, common.NodeEventModified, "")))
		require.NoError(t, m.ProcessEvent(workerEvent(2, common.NodeStatusFailed, common.NodeEventModified, "")))
	}
	worker := m.jobNodes[common.NodeTypeWorker][2]
	assert.LessOrEqual(t, worker.RelaunchCount, worker.MaxRelaunchCount+1)
}

// TestMissedEventRecovery tests that a fleet node missing from the bulk
// list is released exactly once and a later delete event does not relaunch
// twice.
func TestMissedEventRecovery(t *testing.T) {
	nodeScaler := &recordingScaler{}
	m := newTestManager(t, nodeScaler)

	psEvent := common.NodeEvent{Type: common.NodeEventModified, Node: common.NewNode(common.NodeTypePS, 0, 0)}
	psEvent.Node.Status = common.NodeStatusRunning
	require.NoError(t, m.ProcessEvent(psEvent))

	// The next bulk list omits PS 0 entirely.
	m.processListNodes(nil)
	ps := m.jobNodes[common.NodeTypePS][0]
	assert.True(t, ps.IsReleased)

	// A later delete event relaunches at most once.
	deleted := common.NodeEvent{Type: common.NodeEventDeleted, Node: common.NewNode(common.NodeTypePS, 0, 0)}
	deleted.Node.Status = common.NodeStatusDeleted
	require.NoError(t, m.ProcessEvent(deleted))
	first := nodeScaler.planCount()

	require.NoError(t, m.ProcessEvent(deleted))
	assert.Equal(t, first, nodeScaler.planCount())
}

// TestProcessListNodes tests synthetic event replay from a bulk list.
func TestProcessListNodes(t *testing.T) {
	m := newTestManager(t, nil)

	listed := common.NewNode(common.NodeTypeWorker, 0, 0)
	listed.Status = common.NodeStatusRunning
	m.processListNodes([]*common.Node{listed})

	assert.Equal(t, common.NodeStatusRunning, m.jobNodes[common.NodeTypeWorker][0].Status)
	// Initial nodes absent from the list stay untouched.
	assert.False(t, m.jobNodes[common.NodeTypeWorker][1].IsReleased)
}

// TestSetTrainingDataset tests first-call-wins semantics.
func TestSetTrainingDataset(t *testing.T) {
	m := newTestManager(t, nil)

	m.SetTrainingDataset(namedDataset("a"))
	m.SetTrainingDataset(namedDataset("b"))
	assert.Equal(t, "a", m.TrainingDataset().Name())
}

type namedDataset string

func (d namedDataset) Name() string { return string(d) }
