package master

import (
	"sync"
	"sync/atomic"

	"github.com/elastictrain/elastic-job-master/pkg/autoscaler"
	"github.com/elastictrain/elastic-job-master/pkg/common"
	"github.com/elastictrain/elastic-job-master/pkg/monitor"
	"github.com/elastictrain/elastic-job-master/pkg/node"
)

// workerPerfCallback keeps the perf monitor's running-worker count current.
// It is dispatched under the node-manager lock, so it only bumps a counter.
type workerPerfCallback struct {
	perf    *monitor.PerfMonitor
	running int32
}

func newWorkerPerfCallback(perf *monitor.PerfMonitor) *workerPerfCallback {
	return &workerPerfCallback{perf: perf}
}

func (c *workerPerfCallback) isWorker(n *common.Node) bool {
	return n.Type == common.NodeTypeWorker || n.Type == common.NodeTypeChief
}

func (c *workerPerfCallback) OnNodeStarted(n *common.Node, cluster node.ClusterContext) {
	if c.isWorker(n) {
		c.perf.SetRunningWorkerNum(int(atomic.AddInt32(&c.running, 1)))
	}
}

func (c *workerPerfCallback) OnNodeSucceeded(n *common.Node, cluster node.ClusterContext) {
	if c.isWorker(n) {
		c.perf.SetRunningWorkerNum(int(atomic.AddInt32(&c.running, -1)))
	}
}

func (c *workerPerfCallback) OnNodeFailed(n *common.Node, cluster node.ClusterContext) {
	if c.isWorker(n) {
		c.perf.SetRunningWorkerNum(int(atomic.AddInt32(&c.running, -1)))
	}
}

func (c *workerPerfCallback) OnNodeDeleted(n *common.Node, cluster node.ClusterContext) {
	if c.isWorker(n) {
		c.perf.SetRunningWorkerNum(int(atomic.AddInt32(&c.running, -1)))
	}
}

// autoScaleStartCallback hands the fleet to the auto-scaler once the first
// training node runs.
type autoScaleStartCallback struct {
	jobScaler autoscaler.JobAutoScaler
	once      sync.Once
}

func newAutoScaleStartCallback(jobScaler autoscaler.JobAutoScaler) *autoScaleStartCallback {
	return &autoScaleStartCallback{jobScaler: jobScaler}
}

func (c *autoScaleStartCallback) OnNodeStarted(n *common.Node, cluster node.ClusterContext) {
	c.once.Do(c.jobScaler.StartAutoScaling)
}

func (c *autoScaleStartCallback) OnNodeSucceeded(n *common.Node, cluster node.ClusterContext) {}

func (c *autoScaleStartCallback) OnNodeFailed(n *common.Node, cluster node.ClusterContext) {}

func (c *autoScaleStartCallback) OnNodeDeleted(n *common.Node, cluster node.ClusterContext) {}
