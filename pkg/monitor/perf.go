package monitor

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// defaultAdjustmentWindow is how long after a target change the fleet
	// is considered to still be converging.
	defaultAdjustmentWindow = 60 * time.Second
)

// PerfMonitor tracks training throughput against the declared worker
// target. The auto-scaler consults it before asking for a new plan so that
// measurements taken mid-adjustment never feed an optimization.
type PerfMonitor struct {
	logger *zap.Logger

	mu               sync.Mutex
	targetWorkerNum  int
	runningWorkerNum int
	lastTargetChange time.Time
	adjustmentWindow time.Duration

	globalStep      int64
	stepTimestamp   time.Time
	samplesPerStep  float64
	throughputValid bool
}

// NewPerfMonitor returns a monitor with the default adjustment window.
func NewPerfMonitor(logger *zap.Logger) *PerfMonitor {
	return &PerfMonitor{
		logger:           logger.Named("perf-monitor"),
		adjustmentWindow: defaultAdjustmentWindow,
	}
}

// SetTargetWorkerNum declares how many workers the fleet is converging to.
func (p *PerfMonitor) SetTargetWorkerNum(num int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if num == p.targetWorkerNum {
		return
	}
	p.logger.Info("New worker target", zap.Int("target", num))
	p.targetWorkerNum = num
	p.lastTargetChange = time.Now()
}

// TargetWorkerNum returns the declared worker target.
func (p *PerfMonitor) TargetWorkerNum() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.targetWorkerNum
}

// SetRunningWorkerNum records how many workers are currently running.
func (p *PerfMonitor) SetRunningWorkerNum(num int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.runningWorkerNum = num
}

// WorkerAdjustmentFinished reports whether the running worker population
// has reached the target and has been stable for the adjustment window.
func (p *PerfMonitor) WorkerAdjustmentFinished() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.targetWorkerNum == 0 {
		return false
	}
	if p.runningWorkerNum < p.targetWorkerNum {
		return false
	}
	return time.Since(p.lastTargetChange) >= p.adjustmentWindow
}

// RecordGlobalStep ingests a throughput sample from the training side.
func (p *PerfMonitor) RecordGlobalStep(step int64, timestamp time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.stepTimestamp.IsZero() && step > p.globalStep {
		elapsed := timestamp.Sub(p.stepTimestamp).Seconds()
		if elapsed > 0 {
			p.samplesPerStep = float64(step-p.globalStep) / elapsed
			p.throughputValid = true
		}
	}
	p.globalStep = step
	p.stepTimestamp = timestamp
}

// Throughput returns the last measured steps/second and whether a valid
// measurement exists.
func (p *PerfMonitor) Throughput() (float64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.samplesPerStep, p.throughputValid
}

// ResetRunningPerfMonitor discards the running measurement window. Called
// whenever the PS set changes, since every throughput sample taken against
// the old set is invalid.
func (p *PerfMonitor) ResetRunningPerfMonitor() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.globalStep = 0
	p.stepTimestamp = time.Time{}
	p.samplesPerStep = 0
	p.throughputValid = false
	p.lastTargetChange = time.Now()
}
