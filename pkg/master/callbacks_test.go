package master

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"

	"github.com/elastictrain/elastic-job-master/pkg/common"
	"github.com/elastictrain/elastic-job-master/pkg/monitor"
	"github.com/elastictrain/elastic-job-master/pkg/node"
	"github.com/elastictrain/elastic-job-master/pkg/optimizer"
	"github.com/elastictrain/elastic-job-master/pkg/scaler"
)

// TestWorkerPerfCallback tests the running-worker bookkeeping.
func TestWorkerPerfCallback(t *testing.T) {
	perf := monitor.NewPerfMonitor(zaptest.NewLogger(t))
	cb := newWorkerPerfCallback(perf)
	cluster := node.ClusterContext{}

	worker := common.NewNode(common.NodeTypeWorker, 0, 1)
	chief := common.NewNode(common.NodeTypeChief, 0, 1)
	ps := common.NewNode(common.NodeTypePS, 0, 1)

	perf.SetTargetWorkerNum(2)
	cb.OnNodeStarted(worker, cluster)
	cb.OnNodeStarted(chief, cluster)
	cb.OnNodeStarted(ps, cluster)
	assert.Equal(t, int32(2), cb.running)

	cb.OnNodeFailed(worker, cluster)
	assert.Equal(t, int32(1), cb.running)

	cb.OnNodeSucceeded(chief, cluster)
	cb.OnNodeDeleted(ps, cluster)
	assert.Equal(t, int32(0), cb.running)
}

type stubAutoScaler struct {
	started int
}

func (s *stubAutoScaler) StartAutoScaling()   { s.started++ }
func (s *stubAutoScaler) StopAutoScaling()    {}
func (s *stubAutoScaler) SuggestedStop() bool { return false }
func (s *stubAutoScaler) ExecuteJobOptimizationPlan(ctx context.Context, plan *optimizer.ResourcePlan) (*scaler.ScalePlan, error) {
	return nil, nil
}

// TestAutoScaleStartCallback tests that only the first started node hands
// the fleet over.
func TestAutoScaleStartCallback(t *testing.T) {
	stub := &stubAutoScaler{}
	cb := newAutoScaleStartCallback(stub)
	cluster := node.ClusterContext{}
	worker := common.NewNode(common.NodeTypeWorker, 0, 1)

	cb.OnNodeStarted(worker, cluster)
	cb.OnNodeStarted(worker, cluster)
	assert.Equal(t, 1, stub.started)
}

// TestOptionsValidate tests the option guard rails.
func TestOptionsValidate(t *testing.T) {
	opts := NewDefaultOptions()
	assert.Error(t, opts.Validate(), "a job name is required")

	opts.JobName = "test"
	assert.NoError(t, opts.Validate())

	opts.DistributionStrategy = "ring"
	assert.Error(t, opts.Validate())

	opts.DistributionStrategy = string(common.StrategyAllReduce)
	opts.WorkerPodPriority = "urgent"
	assert.Error(t, opts.Validate())

	opts.WorkerPodPriority = common.PriorityLow
	opts.NumWorkers = -1
	assert.Error(t, opts.Validate())
}
