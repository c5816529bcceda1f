package autoscaler

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/elastictrain/elastic-job-master/pkg/common"
	"github.com/elastictrain/elastic-job-master/pkg/logging"
	"github.com/elastictrain/elastic-job-master/pkg/metrics"
	"github.com/elastictrain/elastic-job-master/pkg/monitor"
	"github.com/elastictrain/elastic-job-master/pkg/node"
	"github.com/elastictrain/elastic-job-master/pkg/optimizer"
	"github.com/elastictrain/elastic-job-master/pkg/scaler"
)

// AllReduceTrainingAutoScaler scales a synchronous all-reduce job. Only the
// worker group matters, and the strategy scales up only: a smaller plan is
// ignored because shrinking a synchronous world mid-training is not worth
// the rendezvous churn.
type AllReduceTrainingAutoScaler struct {
	base
	workerManager *node.WorkerManager
}

func newAllReduceTrainingAutoScaler(
	ctx context.Context,
	config Config,
	jobResource *node.JobResourceConfig,
	jobOptimizer optimizer.JobOptimizer,
	perfMonitor *monitor.PerfMonitor,
	nodeManager *node.Manager,
	workerManager *node.WorkerManager,
	nodeScaler scaler.Scaler,
	logger *zap.Logger,
) *AllReduceTrainingAutoScaler {
	return &AllReduceTrainingAutoScaler{
		base: newBase(ctx, config, jobResource, jobOptimizer, perfMonitor,
			nodeManager, nodeScaler, allReduceScaleInterval, logger.Named("allreduce-autoscaler")),
		workerManager: workerManager,
	}
}

// StartAutoScaling is idempotent.
func (s *AllReduceTrainingAutoScaler) StartAutoScaling() {
	if s.autoscalingStarted.Swap(true) {
		return
	}
	if !s.config.AutoWorkerEnabled {
		return
	}
	go s.periodicAdjustWorker()
}

func (s *AllReduceTrainingAutoScaler) periodicAdjustWorker() {
	s.logger.Info("Start the auto-scaling loop for all-reduce training")
	for {
		if !s.autoscalingStarted.Load() {
			s.logger.Info("Stop the auto-scaling loop for all-reduce training")
			return
		}
		if !s.wait(s.scaleInterval) {
			return
		}
		if err := s.adjustOnce(); err != nil {
			s.logger.Error("Failed to auto-scale the all-reduce training job", zap.Error(err))
			metrics.AutoscaleCycleErrors.WithLabelValues("allreduce").Inc()
		}
	}
}

func (s *AllReduceTrainingAutoScaler) adjustOnce() error {
	alive := s.nodeManager.AliveWorkerNum()
	s.jobOptimizer.SetAliveNodeNum(alive)
	plan, err := s.jobOptimizer.GetJobResourcePlan(s.ctx)
	if err != nil {
		return fmt.Errorf("failed to get a resource plan: %w", err)
	}
	if plan == nil {
		return nil
	}
	group, ok := plan.NodeGroupResources[common.NodeTypeWorker]
	if !ok || group.Count <= alive {
		return nil
	}
	logging.LogScaleDecision(s.logger, "allreduce", string(common.NodeTypeWorker),
		alive, group.Count, "optimizer plan")
	_, err = s.ExecuteJobOptimizationPlan(s.ctx, plan)
	return err
}

// ExecuteJobOptimizationPlan applies the worker group of a resource plan;
// every other group is ignored.
func (s *AllReduceTrainingAutoScaler) ExecuteJobOptimizationPlan(ctx context.Context, plan *optimizer.ResourcePlan) (*scaler.ScalePlan, error) {
	scalePlan := scaler.NewScalePlan()
	if plan.Empty() {
		return scalePlan, nil
	}
	for nodeType, group := range plan.NodeGroupResources {
		if nodeType != common.NodeTypeWorker || group.Count <= 0 {
			continue
		}
		s.jobResource.UpdateNodeGroupResource(nodeType, group.Count, group.NodeResource.CPU, group.NodeResource.Memory)
		group = s.jobResource.GetNodeGroupResource(nodeType)
		s.perfMonitor.SetTargetWorkerNum(group.Count)
		scalePlan.Merge(s.workerManager.AdjustWorker(group))
	}
	if scalePlan.Empty() {
		return scalePlan, nil
	}
	metrics.ScalePlanExecutedTotal.WithLabelValues("allreduce").Inc()
	if err := s.nodeScaler.Scale(ctx, scalePlan); err != nil {
		return scalePlan, fmt.Errorf("failed to apply the scale plan: %w", err)
	}
	return scalePlan, nil
}
