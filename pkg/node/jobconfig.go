package node

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/elastictrain/elastic-job-master/pkg/common"
)

// CriticalWorkerIndexDefault and CriticalWorkerIndexAll are the literal
// spellings accepted beside an explicit "idx:count/idx:count" map.
const (
	CriticalWorkerIndexDefault = "default"
	CriticalWorkerIndexAll     = "all"
)

// ServiceAddressFunc resolves the stable service endpoint for a typed node.
type ServiceAddressFunc func(nodeType common.NodeType, id int) string

// JobResourceConfig declares the per-type group resources of a job. The
// shape (which types exist) is fixed at startup; counts and per-node values
// are mutated by the auto-scaler through UpdateNodeGroupResource.
type JobResourceConfig struct {
	mu     sync.RWMutex
	groups map[common.NodeType]*common.NodeGroupResource
	order  []common.NodeType
}

// NewJobResourceConfig returns an empty config.
func NewJobResourceConfig() *JobResourceConfig {
	return &JobResourceConfig{
		groups: make(map[common.NodeType]*common.NodeGroupResource),
	}
}

// AddNodeGroupResource registers one node type with its count, resource
// request ("cpu=N,memory=NMi") and pod priority.
func (c *JobResourceConfig) AddNodeGroupResource(nodeType common.NodeType, count int, resourceRequest, priority string) error {
	res, err := common.ParseNodeResource(resourceRequest)
	if err != nil {
		return fmt.Errorf("node group %s: %w", nodeType, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.groups[nodeType]; !ok {
		c.order = append(c.order, nodeType)
	}
	c.groups[nodeType] = &common.NodeGroupResource{
		Count:        count,
		NodeResource: res,
		Priority:     priority,
	}
	return nil
}

// GetNodeGroupResource returns a copy of the group declared for nodeType,
// or a zero group when the type is unknown.
func (c *JobResourceConfig) GetNodeGroupResource(nodeType common.NodeType) common.NodeGroupResource {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if group, ok := c.groups[nodeType]; ok {
		return *group
	}
	return common.NodeGroupResource{}
}

// UpdateNodeGroupResource persists a new count and per-node cpu/memory for
// an existing group. Zero cpu/memory keep the current per-node values.
func (c *JobResourceConfig) UpdateNodeGroupResource(nodeType common.NodeType, count int, cpu float64, memory int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	group, ok := c.groups[nodeType]
	if !ok {
		return
	}
	if count > 0 {
		group.Count = count
	}
	if cpu > 0 {
		group.NodeResource.CPU = cpu
	}
	if memory > 0 {
		group.NodeResource.Memory = memory
	}
}

// NodeTypes returns the declared types in registration order.
func (c *JobResourceConfig) NodeTypes() []common.NodeType {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]common.NodeType, len(c.order))
	copy(out, c.order)
	return out
}

func (c *JobResourceConfig) groupCount(nodeType common.NodeType) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if group, ok := c.groups[nodeType]; ok {
		return group.Count
	}
	return 0
}

// WorkerNum returns the declared worker count.
func (c *JobResourceConfig) WorkerNum() int { return c.groupCount(common.NodeTypeWorker) }

// PSNum returns the declared parameter-server count.
func (c *JobResourceConfig) PSNum() int { return c.groupCount(common.NodeTypePS) }

// ChiefNum returns the declared chief count.
func (c *JobResourceConfig) ChiefNum() int { return c.groupCount(common.NodeTypeChief) }

// EvaluatorNum returns the declared evaluator count.
func (c *JobResourceConfig) EvaluatorNum() int { return c.groupCount(common.NodeTypeEvaluator) }

// InitJobNodeMeta builds the initial fleet: one Initial node per declared
// slot, carrying the group's resource as its config resource and the
// worker-failure relaunch budget. serviceAddrFn may be nil.
func (c *JobResourceConfig) InitJobNodeMeta(relaunchOnWorkerFailure int, serviceAddrFn ServiceAddressFunc) map[common.NodeType]map[int]*common.Node {
	c.mu.RLock()
	defer c.mu.RUnlock()
	nodes := make(map[common.NodeType]map[int]*common.Node, len(c.groups))
	for nodeType, group := range c.groups {
		typed := make(map[int]*common.Node, group.Count)
		for id := 0; id < group.Count; id++ {
			n := common.NewNode(nodeType, id, relaunchOnWorkerFailure)
			n.ConfigResource = group.NodeResource
			n.UsedResource = group.NodeResource
			if serviceAddrFn != nil {
				n.ServiceAddr = serviceAddrFn(nodeType, id)
			}
			typed[id] = n
		}
		nodes[nodeType] = typed
	}
	return nodes
}

// ParseCriticalWorkerIndex resolves the critical_worker_index literal into
// an index→max-relaunch map: "default" marks only the chief (worker 0, one
// relaunch), "all" marks every worker with one relaunch, and an explicit
// "idx:count/idx:count" map is taken as given. Indices beyond the worker
// universe are clamped out with a warning.
func ParseCriticalWorkerIndex(value string, numWorkers int, logger *zap.Logger) (map[int]int, error) {
	critical := make(map[int]int)
	switch value {
	case "", CriticalWorkerIndexDefault:
		critical[0] = 1
	case CriticalWorkerIndexAll:
		for i := 0; i < numWorkers; i++ {
			critical[i] = 1
		}
	default:
		for _, pair := range strings.Split(value, "/") {
			kv := strings.SplitN(pair, ":", 2)
			if len(kv) != 2 {
				return nil, fmt.Errorf("malformed critical worker entry %q", pair)
			}
			idx, err := strconv.Atoi(strings.TrimSpace(kv[0]))
			if err != nil {
				return nil, fmt.Errorf("invalid critical worker index %q: %w", kv[0], err)
			}
			count, err := strconv.Atoi(strings.TrimSpace(kv[1]))
			if err != nil {
				return nil, fmt.Errorf("invalid critical worker max count %q: %w", kv[1], err)
			}
			if idx >= numWorkers || idx < 0 {
				if logger != nil {
					logger.Warn("Ignoring critical worker index outside the worker universe",
						zap.Int("index", idx),
						zap.Int("numWorkers", numWorkers),
					)
				}
				continue
			}
			critical[idx] = count
		}
	}
	return critical, nil
}

// SetCriticalNode marks the nodes whose unrecoverable failure should end the
// job: every PS when psIsCritical, the workers named by criticalWorkerIndex
// (with their per-index relaunch budget), and chief/evaluator nodes always.
func SetCriticalNode(
	nodes map[common.NodeType]map[int]*common.Node,
	psIsCritical bool,
	criticalWorkerIndex map[int]int,
	psRelaunchMaxNum int,
) {
	for _, ps := range nodes[common.NodeTypePS] {
		ps.Critical = psIsCritical
		if psIsCritical {
			ps.MaxRelaunchCount = psRelaunchMaxNum
		}
	}
	for id, worker := range nodes[common.NodeTypeWorker] {
		if maxCount, ok := criticalWorkerIndex[id]; ok {
			worker.Critical = true
			if maxCount < worker.MaxRelaunchCount {
				worker.MaxRelaunchCount = maxCount
			}
		}
	}
	for _, chief := range nodes[common.NodeTypeChief] {
		chief.Critical = true
	}
	for _, evaluator := range nodes[common.NodeTypeEvaluator] {
		evaluator.Critical = true
	}
}
