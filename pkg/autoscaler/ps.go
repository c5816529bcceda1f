package autoscaler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/elastictrain/elastic-job-master/pkg/common"
	"github.com/elastictrain/elastic-job-master/pkg/logging"
	"github.com/elastictrain/elastic-job-master/pkg/metrics"
	"github.com/elastictrain/elastic-job-master/pkg/monitor"
	"github.com/elastictrain/elastic-job-master/pkg/node"
	"github.com/elastictrain/elastic-job-master/pkg/optimizer"
	"github.com/elastictrain/elastic-job-master/pkg/scaler"
)

// PSTrainingAutoScaler scales a job training with async SGD on parameter
// servers. Until the main loop starts it also runs a startup-only task that
// shrinks the CPU request of nodes pending too long.
type PSTrainingAutoScaler struct {
	base
	psManager     *node.ParameterServerManager
	workerManager *node.WorkerManager
}

func newPSTrainingAutoScaler(
	ctx context.Context,
	config Config,
	jobResource *node.JobResourceConfig,
	jobOptimizer optimizer.JobOptimizer,
	perfMonitor *monitor.PerfMonitor,
	nodeManager *node.Manager,
	psManager *node.ParameterServerManager,
	workerManager *node.WorkerManager,
	nodeScaler scaler.Scaler,
	logger *zap.Logger,
) *PSTrainingAutoScaler {
	s := &PSTrainingAutoScaler{
		base: newBase(ctx, config, jobResource, jobOptimizer, perfMonitor,
			nodeManager, nodeScaler, psScaleInterval, logger.Named("ps-autoscaler")),
		psManager:     psManager,
		workerManager: workerManager,
	}
	go s.monitorPendingNodesAtBeginning()
	return s
}

// monitorPendingNodesAtBeginning unblocks admission during job startup. It
// exits for good the first time the main auto-scaling loop owns the fleet.
func (s *PSTrainingAutoScaler) monitorPendingNodesAtBeginning() {
	s.logger.Info("Start monitoring pending nodes")
	for {
		if s.autoscalingStarted.Load() {
			s.logger.Info("Stop monitoring pending nodes")
			return
		}
		plan := s.reduceTimeoutPendingNodeResource()
		if !plan.Empty() {
			if err := s.nodeScaler.Scale(s.ctx, plan); err != nil {
				s.logger.Error("Failed to rescale pending nodes", zap.Error(err))
			}
		}
		if !s.wait(2 * s.scaleInterval) {
			return
		}
	}
}

func (s *PSTrainingAutoScaler) reduceTimeoutPendingNodeResource() *scaler.ScalePlan {
	plan := scaler.NewScalePlan()
	plan.Merge(s.psManager.ReducePendingNodeResource())
	plan.Merge(s.workerManager.ReducePendingNodeResource())
	if !plan.Empty() {
		plan.PSAddrs = s.psManager.GetPSAddrs()
	}
	return plan
}

// StartAutoScaling is idempotent. Without either auto-scaling knob it only
// marks the loop as started, which also retires the pending-node reducer.
func (s *PSTrainingAutoScaler) StartAutoScaling() {
	if s.autoscalingStarted.Swap(true) {
		return
	}
	s.logger.Info("Auto-scaling started")
	if !s.config.AutoPSEnabled && !s.config.AutoWorkerEnabled {
		return
	}
	if s.perfMonitor == nil {
		return
	}
	s.perfMonitor.SetTargetWorkerNum(s.jobResource.WorkerNum() + s.jobResource.ChiefNum())
	go s.periodicOptimizeRunningResource()
}

// periodicOptimizeRunningResource adjusts the job resource periodically
// until auto-scaling is stopped.
func (s *PSTrainingAutoScaler) periodicOptimizeRunningResource() {
	s.logger.Info("Start the auto-scaling loop for PS training")
	var lastPlanTime time.Time
	for {
		if !s.autoscalingStarted.Load() {
			s.logger.Info("Stop the auto-scaling loop for PS training")
			return
		}
		if err := s.optimizeOnce(&lastPlanTime); err != nil {
			s.logger.Error("Failed to auto-scale the PS training job", zap.Error(err))
			metrics.AutoscaleCycleErrors.WithLabelValues("ps").Inc()
		}
		if !s.wait(s.scaleInterval) {
			return
		}
	}
}

func (s *PSTrainingAutoScaler) optimizeOnce(lastPlanTime *time.Time) error {
	if !s.perfMonitor.WorkerAdjustmentFinished() {
		return nil
	}
	// Control the interval to query plans.
	if time.Since(*lastPlanTime) <= s.config.SecondsIntervalToOptimize {
		return nil
	}
	if s.psManager.ExistMigratedPSNodes() {
		return nil
	}
	plan, err := s.jobOptimizer.GetJobResourcePlan(s.ctx)
	if err != nil {
		return fmt.Errorf("failed to get a resource plan: %w", err)
	}
	if plan == nil {
		return nil
	}
	*lastPlanTime = time.Now()
	_, err = s.ExecuteJobOptimizationPlan(s.ctx, plan)
	return err
}

// ExecuteJobOptimizationPlan applies a resource plan: group adjustments for
// PS and workers, per-node migrations, and the PS address handover. The
// final scale plan goes to the external scaler in one call.
func (s *PSTrainingAutoScaler) ExecuteJobOptimizationPlan(ctx context.Context, plan *optimizer.ResourcePlan) (*scaler.ScalePlan, error) {
	scalePlan := scaler.NewScalePlan()
	if plan.Empty() {
		return scalePlan, nil
	}

	for nodeType, group := range plan.NodeGroupResources {
		if group.Count <= 0 {
			continue
		}
		s.jobResource.UpdateNodeGroupResource(nodeType, group.Count, group.NodeResource.CPU, group.NodeResource.Memory)
		group = s.jobResource.GetNodeGroupResource(nodeType)
		switch nodeType {
		case common.NodeTypePS:
			logging.LogScaleDecision(s.logger, "ps", string(nodeType),
				s.nodeManager.TypedNodeNum(common.NodeTypePS), group.Count, "optimizer plan")
			scalePlan.Merge(s.psManager.AdjustPS(group))
			s.perfMonitor.ResetRunningPerfMonitor()
		case common.NodeTypeWorker:
			workerNum := s.nodeManager.ChiefNum() + group.Count
			s.perfMonitor.SetTargetWorkerNum(workerNum)
			logging.LogScaleDecision(s.logger, "ps", string(nodeType),
				s.nodeManager.TypedNodeNum(common.NodeTypeWorker), group.Count, "optimizer plan")
			scalePlan.Merge(s.workerManager.AdjustWorker(group))
		}
	}

	if len(plan.NodeResources) > 0 {
		scalePlan.Merge(s.migrateNodes(plan.NodeResources))
	}

	scalePlan.PSAddrs = s.psManager.GetPSAddrs()
	if scalePlan.Empty() {
		return scalePlan, nil
	}
	metrics.ScalePlanExecutedTotal.WithLabelValues("ps").Inc()
	if err := s.nodeScaler.Scale(ctx, scalePlan); err != nil {
		return scalePlan, fmt.Errorf("failed to apply the scale plan: %w", err)
	}
	return scalePlan, nil
}

// migrateNodes partitions per-node resources by the type tag embedded in
// the scheduler name ("<job>-<type>-<id>") and delegates to the typed
// managers.
func (s *PSTrainingAutoScaler) migrateNodes(nodeResources map[string]common.NodeResource) *scaler.ScalePlan {
	workers := make(map[string]common.NodeResource)
	ps := make(map[string]common.NodeResource)
	for name, resource := range nodeResources {
		parts := strings.Split(name, "-")
		if len(parts) < 2 {
			s.logger.Warn("Skipping migration of unparseable node name", zap.String("node", name))
			continue
		}
		switch common.NodeType(parts[len(parts)-2]) {
		case common.NodeTypeWorker:
			workers[name] = resource
		case common.NodeTypePS:
			ps[name] = resource
		}
	}

	scalePlan := scaler.NewScalePlan()
	if len(ps) > 0 {
		scalePlan.Merge(s.psManager.MigrateParameterServers(ps))
		s.perfMonitor.ResetRunningPerfMonitor()
	}
	if len(workers) > 0 {
		scalePlan.Merge(s.workerManager.MigrateWorkers(workers))
	}
	s.logger.Info("Built the migration plan",
		zap.Int("psMigrations", len(ps)),
		zap.Int("workerMigrations", len(workers)),
	)
	return scalePlan
}
