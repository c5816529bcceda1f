package master

import (
	"fmt"
	"time"

	"github.com/elastictrain/elastic-job-master/pkg/common"
)

// Options holds the configuration of the job master process.
type Options struct {
	// JobName identifies the training job; pods and the cluster-spec
	// ConfigMap are named after it.
	JobName string

	// Namespace is where every pod of the job lives.
	Namespace string

	// Kubeconfig is the path to the kubeconfig file. If empty, uses
	// in-cluster configuration.
	Kubeconfig string

	// DistributionStrategy is one of ps, allreduce, custom.
	DistributionStrategy string

	// MetricsAddr is the address the metrics endpoint binds to.
	MetricsAddr string

	// LogLevel is the log verbosity level (debug, info, warn, error).
	LogLevel string

	// LogFormat is the log format (json, console).
	LogFormat string

	// DevelopmentMode enables development mode with more verbose logging.
	DevelopmentMode bool

	// Auto-scaling knobs.

	AutoPSEnabled             bool
	AutoWorkerEnabled         bool
	SecondsIntervalToOptimize time.Duration

	// Relaunch policy.

	PSIsCritical            bool
	PSRelaunchMaxNum        int
	RelaunchOnWorkerFailure int

	// CriticalWorkerIndex is "default", "all", or "idx:count/idx:count".
	CriticalWorkerIndex string

	UseDDP bool

	// Per-type group declarations.

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

	// Trainer pod template.

	TrainerImage   string
	TrainerCommand []string
}

// NewDefaultOptions returns Options with default values.
func NewDefaultOptions() *Options {
	return &Options{
		Namespace:                 "default",
		DistributionStrategy:      string(common.StrategyPS),
		MetricsAddr:               ":8080",
		LogLevel:                  "info",
		LogFormat:                 "json",
		SecondsIntervalToOptimize: 5 * time.Minute,
		PSIsCritical:              true,
		PSRelaunchMaxNum:          1,
		RelaunchOnWorkerFailure:   3,
		CriticalWorkerIndex:       "default",
		WorkerResourceRequest:     "cpu=1,memory=4096Mi",
		PSResourceRequest:         "cpu=1,memory=4096Mi",
		EvaluatorResourceRequest:  "cpu=1,memory=4096Mi",
		TFMasterResourceRequest:   "cpu=1,memory=4096Mi",
	}
}

// Validate checks option consistency before anything is constructed.
func (o *Options) Validate() error {
	if o.JobName == "" {
		return fmt.Errorf("job name is required")
	}
	switch common.DistributionStrategy(o.DistributionStrategy) {
	case common.StrategyPS, common.StrategyAllReduce, common.StrategyCustom:
	default:
		return fmt.Errorf("unknown distribution strategy %q", o.DistributionStrategy)
	}
	if o.NumWorkers < 0 || o.NumPS < 0 || o.NumEvaluators < 0 || o.NumTFMasters < 0 {
		return fmt.Errorf("node counts must not be negative")
	}
	if o.PSRelaunchMaxNum < 0 || o.RelaunchOnWorkerFailure < 0 {
		return fmt.Errorf("relaunch budgets must not be negative")
	}
	for _, priority := range []string{o.WorkerPodPriority, o.PSPodPriority, o.EvaluatorPodPriority, o.TFMasterPodPriority} {
		if priority != "" && priority != common.PriorityLow && priority != common.PriorityHigh {
			return fmt.Errorf("unknown pod priority %q", priority)
		}
	}
	return nil
}
