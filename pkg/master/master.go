// Package master wires the control plane of one elastic training job: the
// node manager, the typed managers, the auto-scaler and the scheduler
// binding.
package master

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"k8s.io/client-go/kubernetes"

	"github.com/elastictrain/elastic-job-master/pkg/autoscaler"
	"github.com/elastictrain/elastic-job-master/pkg/common"
	"github.com/elastictrain/elastic-job-master/pkg/k8s"
	"github.com/elastictrain/elastic-job-master/pkg/logging"
	"github.com/elastictrain/elastic-job-master/pkg/monitor"
	"github.com/elastictrain/elastic-job-master/pkg/node"
	"github.com/elastictrain/elastic-job-master/pkg/optimizer"
)

// Master owns the long-lived tasks of the control plane. Every task is
// bound to the context passed to Run and stops with it.
type Master struct {
	options *Options
	logger  *zap.Logger

	client        *k8s.Client
	nodeManager   *node.Manager
	psManager     *node.ParameterServerManager
	workerManager *node.WorkerManager
	perfMonitor   *monitor.PerfMonitor
	jobOptimizer  optimizer.JobOptimizer
	sampler       *monitor.ResourceSampler
	podScaler     *k8s.PodScaler
}

// New builds the master. jobOptimizer may be nil, in which case a static
// optimizer is bound and the fleet is never adjusted.
func New(opts *Options, jobOptimizer optimizer.JobOptimizer) (*Master, error) {
	if opts == nil {
		return nil, fmt.Errorf("options cannot be nil")
	}
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}

	logger, err := logging.NewLogger(opts.LogLevel, opts.LogFormat, opts.DevelopmentMode)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	restConfig, err := k8s.BuildConfig(opts.Kubeconfig)
	if err != nil {
		return nil, fmt.Errorf("failed to build kubeconfig: %w", err)
	}
	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes client: %w", err)
	}

	client := k8s.NewClient(clientset, opts.JobName, opts.Namespace, logger)
	watcher := k8s.NewPodWatcher(client, logger)
	podScaler := k8s.NewPodScaler(client, k8s.PodTemplate{
		Image:   opts.TrainerImage,
		Command: opts.TrainerCommand,
	}, logger)

	nodeManager, err := node.NewManagerFromJobOptions(node.JobOptions{
		JobName:                  opts.JobName,
		Namespace:                opts.Namespace,
		DistributionStrategy:     common.DistributionStrategy(opts.DistributionStrategy),
		RelaunchOnWorkerFailure:  opts.RelaunchOnWorkerFailure,
		PSIsCritical:             opts.PSIsCritical,
		PSRelaunchMaxNum:         opts.PSRelaunchMaxNum,
		CriticalWorkerIndex:      opts.CriticalWorkerIndex,
		UseDDP:                   opts.UseDDP,
		NumWorkers:               opts.NumWorkers,
		WorkerResourceRequest:    opts.WorkerResourceRequest,
		WorkerPodPriority:        opts.WorkerPodPriority,
		NumPS:                    opts.NumPS,
		PSResourceRequest:        opts.PSResourceRequest,
		PSPodPriority:            opts.PSPodPriority,
		NumEvaluators:            opts.NumEvaluators,
		EvaluatorResourceRequest: opts.EvaluatorResourceRequest,
		EvaluatorPodPriority:     opts.EvaluatorPodPriority,
		NumTFMasters:             opts.NumTFMasters,
		TFMasterResourceRequest:  opts.TFMasterResourceRequest,
		TFMasterPodPriority:      opts.TFMasterPodPriority,
	}, client, watcher, podScaler, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create the node manager: %w", err)
	}

	if jobOptimizer == nil {
		jobOptimizer = optimizer.NewStaticOptimizer()
	}

	sampler, err := monitor.NewResourceSampler(logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create the resource sampler: %w", err)
	}

	m := &Master{
		options:       opts,
		logger:        logger,
		client:        client,
		nodeManager:   nodeManager,
		psManager:     node.NewParameterServerManager(nodeManager, logger),
		workerManager: node.NewWorkerManager(nodeManager, logger),
		perfMonitor:   monitor.NewPerfMonitor(logger),
		jobOptimizer:  jobOptimizer,
		sampler:       sampler,
		podScaler:     podScaler,
	}
	return m, nil
}

// NodeManager returns the fleet owner.
func (m *Master) NodeManager() *node.Manager { return m.nodeManager }

// Logger returns the process logger.
func (m *Master) Logger() *zap.Logger { return m.logger }

// Run starts every control-plane task and blocks until the context is
// cancelled.
func (m *Master) Run(ctx context.Context) error {
	m.logger.Info("Starting the elastic job master",
		zap.String("job", m.options.JobName),
		zap.String("namespace", m.options.Namespace),
		zap.String("strategy", m.options.DistributionStrategy),
	)

	m.serveMetrics(ctx)

	jobScaler, err := autoscaler.New(
		ctx,
		common.DistributionStrategy(m.options.DistributionStrategy),
		autoscaler.Config{
			AutoPSEnabled:             m.options.AutoPSEnabled,
			AutoWorkerEnabled:         m.options.AutoWorkerEnabled,
			SecondsIntervalToOptimize: m.options.SecondsIntervalToOptimize,
		},
		m.jobResource(),
		m.jobOptimizer,
		m.perfMonitor,
		m.nodeManager,
		m.psManager,
		m.workerManager,
		m.podScaler,
		m.logger,
	)
	if err != nil {
		return fmt.Errorf("failed to create the auto-scaler: %w", err)
	}

	m.nodeManager.AddNodeEventCallback(newWorkerPerfCallback(m.perfMonitor))
	// The optimization loop takes the fleet over once training begins; the
	// pending-node reducer owns it until then.
	m.nodeManager.AddNodeEventCallback(newAutoScaleStartCallback(jobScaler))
	if err := m.nodeManager.Start(ctx); err != nil {
		return fmt.Errorf("failed to start the node manager: %w", err)
	}
	m.logger.Info("Node manager started", zap.String("jobUUID", m.nodeManager.JobUUID()))

	go m.sampler.Run(ctx, monitor.DefaultSampleInterval)

	<-ctx.Done()
	m.logger.Info("Shutting down the elastic job master")
	jobScaler.StopAutoScaling()
	m.nodeManager.Stop()
	return nil
}

func (m *Master) jobResource() *node.JobResourceConfig {
	// The node manager owns the canonical job resource; rebuilding it here
	// would fork the state the auto-scaler mutates.
	return m.nodeManager.JobResource()
}

func (m *Master) serveMetrics(ctx context.Context) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{
		Addr:              m.options.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		m.logger.Info("Serving metrics", zap.String("addr", m.options.MetricsAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			m.logger.Error("Metrics server failed", zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
}
