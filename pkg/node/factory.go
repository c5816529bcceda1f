package node

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/elastictrain/elastic-job-master/pkg/common"
	"github.com/elastictrain/elastic-job-master/pkg/scaler"
)

// JobOptions carries the per-type group declarations and relaunch policy of
// one training job, as parsed from flags or a config file.
type JobOptions struct {
	JobName   string
	Namespace string

	DistributionStrategy common.DistributionStrategy

	RelaunchOnWorkerFailure int
	PSIsCritical            bool
	PSRelaunchMaxNum        int
	CriticalWorkerIndex     string
	UseDDP                  bool

	NumWorkers            int
	WorkerResourceRequest string
	WorkerPodPriority     string

	NumPS             int
	PSResourceRequest string
	PSPodPriority     string

	NumEvaluators            int
	EvaluatorResourceRequest string
	EvaluatorPodPriority     string

	NumTFMasters            int
	TFMasterResourceRequest string
	TFMasterPodPriority     string
}

// NewManagerFromJobOptions builds the job resource config and the node
// manager from raw job options.
//
// Workers are only relaunched on failure for the PS and custom strategies;
// the evaluator priority is high unless explicitly low; the custom strategy
// counts its approved relaunches as pending.
func NewManagerFromJobOptions(
	opts JobOptions,
	scheduler SchedulerClient,
	watcher NodeWatcher,
	nodeScaler scaler.Scaler,
	logger *zap.Logger,
) (*Manager, error) {
	if opts.DistributionStrategy != common.StrategyPS && opts.DistributionStrategy != common.StrategyCustom {
		opts.RelaunchOnWorkerFailure = 0
	}

	jobResource := NewJobResourceConfig()
	if err := jobResource.AddNodeGroupResource(
		common.NodeTypeWorker, opts.NumWorkers, opts.WorkerResourceRequest, opts.WorkerPodPriority,
	); err != nil {
		return nil, err
	}
	if err := jobResource.AddNodeGroupResource(
		common.NodeTypePS, opts.NumPS, opts.PSResourceRequest, opts.PSPodPriority,
	); err != nil {
		return nil, err
	}

	evaluatorPriority := common.PriorityHigh
	if opts.EvaluatorPodPriority == common.PriorityLow {
		evaluatorPriority = common.PriorityLow
	}
	if err := jobResource.AddNodeGroupResource(
		common.NodeTypeEvaluator, opts.NumEvaluators, opts.EvaluatorResourceRequest, evaluatorPriority,
	); err != nil {
		return nil, err
	}
	if err := jobResource.AddNodeGroupResource(
		common.NodeTypeTFMaster, opts.NumTFMasters, opts.TFMasterResourceRequest, opts.TFMasterPodPriority,
	); err != nil {
		return nil, err
	}

	criticalWorkerIndex, err := ParseCriticalWorkerIndex(opts.CriticalWorkerIndex, opts.NumWorkers, logger)
	if err != nil {
		return nil, fmt.Errorf("invalid critical worker index: %w", err)
	}

	config := ManagerConfig{
		JobName:                 opts.JobName,
		Namespace:               opts.Namespace,
		RelaunchOnWorkerFailure: opts.RelaunchOnWorkerFailure,
		PSIsCritical:            opts.PSIsCritical,
		PSRelaunchMaxNum:        opts.PSRelaunchMaxNum,
		CriticalWorkerIndex:     criticalWorkerIndex,
		WaitPendingRelaunch:     opts.DistributionStrategy == common.StrategyCustom,
		UseDDP:                  opts.UseDDP,
	}
	return NewManager(jobResource, config, scheduler, watcher, nodeScaler, logger), nil
}
