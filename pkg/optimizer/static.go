package optimizer

import (
	"context"
	"sync"
)

// StaticOptimizer never proposes an adjustment. It stands in for the
// resource-inference chain when none is bound, so every loop that consumes
// an optimizer still runs.
type StaticOptimizer struct {
	mu       sync.Mutex
	aliveNum int
}

// NewStaticOptimizer returns an optimizer that proposes nothing.
func NewStaticOptimizer() *StaticOptimizer {
	return &StaticOptimizer{}
}

// GetJobResourcePlan returns no plan.
func (o *StaticOptimizer) GetJobResourcePlan(ctx context.Context) (*ResourcePlan, error) {
	return nil, nil
}

// SetAliveNodeNum records the worker population.
func (o *StaticOptimizer) SetAliveNodeNum(num int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.aliveNum = num
}

// AliveNodeNum returns the last recorded worker population.
func (o *StaticOptimizer) AliveNodeNum() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.aliveNum
}
