package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/elastictrain/elastic-job-master/pkg/master"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := master.NewDefaultOptions()
	var configFile string

	cmd := &cobra.Command{
		Use:          "elastic-job-master",
		Short:        "Control plane of one elastic distributed-training job",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := loadConfig(cmd, configFile); err != nil {
				return err
			}
			applyViper(opts)
			return run(opts)
		},
	}

	cmd.AddCommand(newVersionCommand())

	flags := cmd.Flags()
	flags.StringVar(&configFile, "config", "", "Path to a config file (optional)")
	flags.StringVar(&opts.JobName, "job-name", opts.JobName, "Name of the training job")
	flags.StringVar(&opts.Namespace, "namespace", opts.Namespace, "Namespace the job runs in")
	flags.StringVar(&opts.Kubeconfig, "kubeconfig", opts.Kubeconfig, "Path to kubeconfig file (optional, uses in-cluster config if not specified)")
	flags.StringVar(&opts.DistributionStrategy, "distribution-strategy", opts.DistributionStrategy, "Training topology: ps, allreduce or custom")
	flags.StringVar(&opts.MetricsAddr, "metrics-addr", opts.MetricsAddr, "Address the metrics endpoint binds to")
	flags.StringVar(&opts.LogLevel, "log-level", opts.LogLevel, "Log level (debug, info, warn, error)")
	flags.StringVar(&opts.LogFormat, "log-format", opts.LogFormat, "Log format (json, console)")
	flags.BoolVar(&opts.DevelopmentMode, "development", opts.DevelopmentMode, "Enable development mode logging")

	flags.BoolVar(&opts.AutoPSEnabled, "auto-ps-enabled", opts.AutoPSEnabled, "Auto-scale the parameter servers")
	flags.BoolVar(&opts.AutoWorkerEnabled, "auto-worker-enabled", opts.AutoWorkerEnabled, "Auto-scale the workers")
	flags.DurationVar(&opts.SecondsIntervalToOptimize, "optimize-interval", opts.SecondsIntervalToOptimize, "Lower bound between two optimizer plan requests")

	flags.BoolVar(&opts.PSIsCritical, "ps-is-critical", opts.PSIsCritical, "Treat parameter servers as critical nodes")
	flags.IntVar(&opts.PSRelaunchMaxNum, "ps-relaunch-max-num", opts.PSRelaunchMaxNum, "Relaunch budget of a parameter server")
	flags.IntVar(&opts.RelaunchOnWorkerFailure, "relaunch-on-worker-failure", opts.RelaunchOnWorkerFailure, "Relaunch budget of a worker")
	flags.StringVar(&opts.CriticalWorkerIndex, "critical-worker-index", opts.CriticalWorkerIndex, `Critical workers: "default", "all" or "idx:count/idx:count"`)
	flags.BoolVar(&opts.UseDDP, "use-ddp", opts.UseDDP, "Workers train with DDP")

	flags.IntVar(&opts.NumWorkers, "num-workers", opts.NumWorkers, "Number of workers")
	flags.StringVar(&opts.WorkerResourceRequest, "worker-resource-request", opts.WorkerResourceRequest, `Worker resource request, e.g. "cpu=1,memory=4096Mi"`)
	flags.StringVar(&opts.WorkerPodPriority, "worker-pod-priority", opts.WorkerPodPriority, "Worker pod priority (low, high)")
	flags.IntVar(&opts.NumPS, "num-ps", opts.NumPS, "Number of parameter servers")
	flags.StringVar(&opts.PSResourceRequest, "ps-resource-request", opts.PSResourceRequest, "Parameter server resource request")
	flags.StringVar(&opts.PSPodPriority, "ps-pod-priority", opts.PSPodPriority, "Parameter server pod priority (low, high)")
	flags.IntVar(&opts.NumEvaluators, "num-evaluators", opts.NumEvaluators, "Number of evaluators")
	flags.StringVar(&opts.EvaluatorResourceRequest, "evaluator-resource-request", opts.EvaluatorResourceRequest, "Evaluator resource request")
	flags.StringVar(&opts.EvaluatorPodPriority, "evaluator-pod-priority", opts.EvaluatorPodPriority, "Evaluator pod priority (low, high)")
	flags.IntVar(&opts.NumTFMasters, "num-tf-masters", opts.NumTFMasters, "Number of TF masters")
	flags.StringVar(&opts.TFMasterResourceRequest, "tf-master-resource-request", opts.TFMasterResourceRequest, "TF master resource request")
	flags.StringVar(&opts.TFMasterPodPriority, "tf-master-pod-priority", opts.TFMasterPodPriority, "TF master pod priority (low, high)")

	flags.StringVar(&opts.TrainerImage, "trainer-image", opts.TrainerImage, "Image launched for every training pod")
	flags.StringSliceVar(&opts.TrainerCommand, "trainer-command", opts.TrainerCommand, "Entrypoint of every training pod")

	return cmd
}

// loadConfig merges flags, config file and environment through viper.
// Precedence: flags over environment over config file over defaults.
func loadConfig(cmd *cobra.Command, configFile string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return fmt.Errorf("failed to bind flags: %w", err)
	}
	viper.SetEnvPrefix("ELASTIC_JOB")
	viper.AutomaticEnv()
	if configFile == "" {
		return nil
	}
	viper.SetConfigFile(configFile)
	if err := viper.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file %s: %w", configFile, err)
	}
	return nil
}

func applyViper(opts *master.Options) {
	opts.JobName = viper.GetString("job-name")
	opts.Namespace = viper.GetString("namespace")
	opts.Kubeconfig = viper.GetString("kubeconfig")
	opts.DistributionStrategy = viper.GetString("distribution-strategy")
	opts.MetricsAddr = viper.GetString("metrics-addr")
	opts.LogLevel = viper.GetString("log-level")
	opts.LogFormat = viper.GetString("log-format")
	opts.DevelopmentMode = viper.GetBool("development")
	opts.AutoPSEnabled = viper.GetBool("auto-ps-enabled")
	opts.AutoWorkerEnabled = viper.GetBool("auto-worker-enabled")
	opts.SecondsIntervalToOptimize = viper.GetDuration("optimize-interval")
	opts.PSIsCritical = viper.GetBool("ps-is-critical")
	opts.PSRelaunchMaxNum = viper.GetInt("ps-relaunch-max-num")
	opts.RelaunchOnWorkerFailure = viper.GetInt("relaunch-on-worker-failure")
	opts.CriticalWorkerIndex = viper.GetString("critical-worker-index")
	opts.UseDDP = viper.GetBool("use-ddp")
	opts.NumWorkers = viper.GetInt("num-workers")
	opts.WorkerResourceRequest = viper.GetString("worker-resource-request")
	opts.WorkerPodPriority = viper.GetString("worker-pod-priority")
	opts.NumPS = viper.GetInt("num-ps")
	opts.PSResourceRequest = viper.GetString("ps-resource-request")
	opts.PSPodPriority = viper.GetString("ps-pod-priority")
	opts.NumEvaluators = viper.GetInt("num-evaluators")
	opts.EvaluatorResourceRequest = viper.GetString("evaluator-resource-request")
	opts.EvaluatorPodPriority = viper.GetString("evaluator-pod-priority")
	opts.NumTFMasters = viper.GetInt("num-tf-masters")
	opts.TFMasterResourceRequest = viper.GetString("tf-master-resource-request")
	opts.TFMasterPodPriority = viper.GetString("tf-master-pod-priority")
	opts.TrainerImage = viper.GetString("trainer-image")
	opts.TrainerCommand = viper.GetStringSlice("trainer-command")
}

func run(opts *master.Options) error {
	m, err := master.New(opts, nil)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- m.Run(ctx) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	// Give the control loops a moment to observe the cancellation.
	select {
	case err := <-errCh:
		return err
	case <-time.After(10 * time.Second):
		return nil
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("elastic-job-master\n")
			fmt.Printf("  Version:    %s\n", Version)
			fmt.Printf("  Commit:     %s\n", Commit)
			fmt.Printf("  Build Date: %s\n", BuildDate)
		},
	}
}
