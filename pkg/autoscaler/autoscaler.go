// Package autoscaler adjusts the declared fleet of a training job to
// maximize throughput. Two strategies exist: parameter-server async
// training and synchronous all-reduce training.
package autoscaler

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/elastictrain/elastic-job-master/pkg/common"
	"github.com/elastictrain/elastic-job-master/pkg/monitor"
	"github.com/elastictrain/elastic-job-master/pkg/node"
	"github.com/elastictrain/elastic-job-master/pkg/optimizer"
	"github.com/elastictrain/elastic-job-master/pkg/scaler"
)

const (
	psScaleInterval        = 30 * time.Second
	allReduceScaleInterval = 1800 * time.Second

	defaultOptimizeInterval = 5 * time.Minute
)

// Config carries the auto-scaling knobs. It replaces the process-wide
// context singleton of older masters: every value is passed explicitly at
// construction.
type Config struct {
	AutoPSEnabled     bool
	AutoWorkerEnabled bool

	// SecondsIntervalToOptimize is the lower bound between two plan
	// requests to the optimizer.
	SecondsIntervalToOptimize time.Duration
}

// JobAutoScaler automatically scales the nodes of a job.
type JobAutoScaler interface {
	// StartAutoScaling launches the optimization loop. Idempotent.
	StartAutoScaling()

	// StopAutoScaling asks the loop to exit on its next tick.
	StopAutoScaling()

	// SuggestedStop reports whether an unrelaunchable critical node makes
	// continuing pointless; an up-layer may terminate the job.
	SuggestedStop() bool

	// ExecuteJobOptimizationPlan translates a resource plan into a scale
	// plan and hands it to the external scaler. The returned plan reflects
	// the intended diff even when the scaler call fails.
	ExecuteJobOptimizationPlan(ctx context.Context, plan *optimizer.ResourcePlan) (*scaler.ScalePlan, error)
}

// New returns the auto-scaler variant for the job's distribution strategy.
func New(
	ctx context.Context,
	strategy common.DistributionStrategy,
	config Config,
	jobResource *node.JobResourceConfig,
	jobOptimizer optimizer.JobOptimizer,
	perfMonitor *monitor.PerfMonitor,
	nodeManager *node.Manager,
	psManager *node.ParameterServerManager,
	workerManager *node.WorkerManager,
	nodeScaler scaler.Scaler,
	logger *zap.Logger,
) (JobAutoScaler, error) {
	switch strategy {
	case common.StrategyPS, common.StrategyCustom:
		return newPSTrainingAutoScaler(ctx, config, jobResource, jobOptimizer, perfMonitor,
			nodeManager, psManager, workerManager, nodeScaler, logger), nil
	case common.StrategyAllReduce:
		return newAllReduceTrainingAutoScaler(ctx, config, jobResource, jobOptimizer, perfMonitor,
			nodeManager, workerManager, nodeScaler, logger), nil
	default:
		return nil, fmt.Errorf("no job auto scaler for strategy %q", strategy)
	}
}

// base holds what both variants share.
type base struct {
	config        Config
	jobResource   *node.JobResourceConfig
	jobOptimizer  optimizer.JobOptimizer
	perfMonitor   *monitor.PerfMonitor
	nodeManager   *node.Manager
	nodeScaler    scaler.Scaler
	scaleInterval time.Duration
	logger        *zap.Logger

	ctx                context.Context
	autoscalingStarted atomic.Bool
}

func newBase(
	ctx context.Context,
	config Config,
	jobResource *node.JobResourceConfig,
	jobOptimizer optimizer.JobOptimizer,
	perfMonitor *monitor.PerfMonitor,
	nodeManager *node.Manager,
	nodeScaler scaler.Scaler,
	scaleInterval time.Duration,
	logger *zap.Logger,
) base {
	if config.SecondsIntervalToOptimize <= 0 {
		config.SecondsIntervalToOptimize = defaultOptimizeInterval
	}
	return base{
		config:        config,
		jobResource:   jobResource,
		jobOptimizer:  jobOptimizer,
		perfMonitor:   perfMonitor,
		nodeManager:   nodeManager,
		nodeScaler:    nodeScaler,
		scaleInterval: scaleInterval,
		logger:        logger,
		ctx:           ctx,
	}
}

func (b *base) StopAutoScaling() {
	b.autoscalingStarted.Store(false)
}

func (b *base) SuggestedStop() bool {
	return b.nodeManager.HasFatalCriticalNode()
}

// wait sleeps one interval, returning false when the scaler should exit.
func (b *base) wait(d time.Duration) bool {
	select {
	case <-b.ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
