package monitor

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"github.com/elastictrain/elastic-job-master/pkg/comm"
	"github.com/elastictrain/elastic-job-master/pkg/metrics"
)

const (
	// DefaultSampleInterval is how often the sampler reads process usage.
	DefaultSampleInterval = 15 * time.Second
)

// ResourceSampler reports the master process's own CPU and memory usage as
// resource stats and prometheus gauges.
type ResourceSampler struct {
	proc   *process.Process
	logger *zap.Logger
}

// NewResourceSampler binds a sampler to the current process.
func NewResourceSampler(logger *zap.Logger) (*ResourceSampler, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("failed to open the master process: %w", err)
	}
	return &ResourceSampler{
		proc:   proc,
		logger: logger.Named("resource-sampler"),
	}, nil
}

// Sample reads the current usage once.
func (s *ResourceSampler) Sample() (comm.ResourceStats, error) {
	var stats comm.ResourceStats
	cpu, err := s.proc.CPUPercent()
	if err != nil {
		return stats, fmt.Errorf("failed to read cpu usage: %w", err)
	}
	mem, err := s.proc.MemoryInfo()
	if err != nil {
		return stats, fmt.Errorf("failed to read memory usage: %w", err)
	}
	stats.CPU = cpu / 100.0
	stats.Memory = int64(mem.RSS)
	return stats, nil
}

// Run samples on the interval until the context is cancelled, keeping the
// master usage gauges current.
func (s *ResourceSampler) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSampleInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats, err := s.Sample()
			if err != nil {
				s.logger.Warn("Failed to sample master resource usage", zap.Error(err))
				continue
			}
			metrics.MasterCPUUsage.Set(stats.CPU)
			metrics.MasterMemoryUsage.Set(float64(stats.Memory))
		}
	}
}
