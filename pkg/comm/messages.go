// Package comm carries the wire message contracts between the master and
// the training nodes. Every message (de)serializes to JSON; byte fields are
// base64 on the wire, which encoding/json produces for []byte natively.
package comm

import (
	"encoding/json"
	"fmt"
)

// Marshal encodes a message for the wire.
func Marshal(message any) ([]byte, error) {
	data, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	return data, nil
}

// Unmarshal decodes a wire message into out.
func Unmarshal(data []byte, out any) error {
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode message: %w", err)
	}
	return nil
}

// BaseRequest is the envelope every node-originated RPC carries.
type BaseRequest struct {
	NodeID   int    `json:"node_id"`
	NodeType string `json:"node_type"`
	Data     []byte `json:"data"`
}

// BaseResponse is the envelope every master reply carries.
type BaseResponse struct {
	Success bool   `json:"success"`
	Data    []byte `json:"data"`
}

// Shard is one slice of the training dataset.
type Shard struct {
	Name    string `json:"name"`
	Start   int64  `json:"start"`
	End     int64  `json:"end"`
	Indices []int  `json:"indices,omitempty"`
}

// Task assigns a shard to a node.
type Task struct {
	TaskID         int               `json:"task_id"`
	Shard          Shard             `json:"shard"`
	Type           int               `json:"type"`
	ExtendedConfig map[string]string `json:"extended_config,omitempty"`
}

// TaskResult reports the outcome of one task.
type TaskResult struct {
	DatasetName  string         `json:"dataset_name"`
	TaskID       int            `json:"task_id"`
	ErrMessage   string         `json:"err_message,omitempty"`
	ExecCounters map[string]int `json:"exec_counters,omitempty"`
}

// GPUStats is the usage of one GPU device.
type GPUStats struct {
	Index         int     `json:"index"`
	TotalMemoryMB int     `json:"total_memory_mb"`
	UsedMemoryMB  int     `json:"used_memory_mb"`
	GPUUtilization float64 `json:"gpu_utilization"`
}

// ResourceStats is the reported usage of one process. Memory is in bytes.
type ResourceStats struct {
	Memory   int64      `json:"memory"`
	CPU      float64    `json:"cpu"`
	GPUStats []GPUStats `json:"gpu_stats,omitempty"`
}

// GlobalStep is a training progress sample.
type GlobalStep struct {
	Timestamp          int64   `json:"timestamp"`
	Step               int64   `json:"step"`
	ElapsedTimePerStep float64 `json:"elapsed_time_per_step"`
}

// HeartBeat is the liveness ping every node sends.
type HeartBeat struct {
	Timestamp int64 `json:"timestamp"`
}

// DiagnosisAction instructs a node what to do after a diagnosis pass.
type DiagnosisAction struct {
	ActionCls     string `json:"action_cls"`
	ActionContent string `json:"action_content"`
}

// HeartbeatResponse answers a heartbeat, optionally carrying an action.
type HeartbeatResponse struct {
	Action DiagnosisAction `json:"action"`
}

// PreCheckRequest asks the master whether training may begin.
type PreCheckRequest struct {
	Timestamp int64  `json:"timestamp"`
	Type      string `json:"type"`
}

// PreCheckResponse reports the pre-check verdict.
type PreCheckResponse struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// RendezvousRequest is the base of the rendezvous message family.
type RendezvousRequest struct {
	NodeID         int    `json:"node_id"`
	LocalWorldSize int    `json:"local_world_size"`
	RdzvName       string `json:"rdzv_name"`
}

// CommWorldRequest asks for the agreed communication world.
type CommWorldRequest struct {
	RendezvousRequest
}

// JoinRendezvousRequest enrolls a node into the next round.
type JoinRendezvousRequest struct {
	RendezvousRequest
	NodeRank int    `json:"node_rank"`
	NodeIP   string `json:"node_ip,omitempty"`
}

// WaitingNodeNumRequest asks how many nodes the barrier still waits for.
type WaitingNodeNumRequest struct {
	RendezvousRequest
}

// NetworkReadyRequest asks whether the network check has passed.
type NetworkReadyRequest struct{}

// StragglerExistRequest asks whether a straggler was detected.
type StragglerExistRequest struct{}

// RendezvousState is the barrier state the master publishes.
type RendezvousState struct {
	World      map[int]int `json:"world"`
	WaitingNum int         `json:"waiting_num"`
	Round      int         `json:"round"`
	Group      int         `json:"group"`
}

// ClusterVersion carries the cluster-spec version of one task.
type ClusterVersion struct {
	TaskType    string `json:"task_type"`
	TaskID      int    `json:"task_id"`
	VersionType string `json:"version_type"`
	Version     int    `json:"version"`
}

// NodeMeta describes one node to its peers.
type NodeMeta struct {
	Type   string  `json:"type"`
	Addr   string  `json:"addr"`
	Memory int     `json:"memory"`
	CPU    float64 `json:"cpu"`
	GPU    int     `json:"gpu,omitempty"`
	GPUType string `json:"gpu_type,omitempty"`
	ID     int     `json:"id"`
	Rank   int     `json:"rank"`
	Status string  `json:"status,omitempty"`
}

// NodeEvent reports a node-side lifecycle observation to the master.
type NodeEvent struct {
	EventType        string   `json:"event_type"`
	EventMessage     string   `json:"event_message,omitempty"`
	EventTime        float64  `json:"event_time,omitempty"`
	EventElapsedTime float64  `json:"event_elapsed_time,omitempty"`
	Node             NodeMeta `json:"node"`
}

// NodeFailure reports a node-side error.
type NodeFailure struct {
	ErrorData    string `json:"error_data"`
	RestartCount int    `json:"restart_count"`
	Level        string `json:"level,omitempty"`
}

// PsNodes is the current parameter-server topology.
type PsNodes struct {
	Nodes      []NodeMeta `json:"nodes"`
	NewPsReady bool       `json:"new_ps_ready"`
	PsFailure  bool       `json:"ps_failure"`
}

// KeyValuePair is one entry of the master-side kv store.
type KeyValuePair struct {
	Key   string `json:"key"`
	Value []byte `json:"value"`
	Op    string `json:"op,omitempty"`
}

// KeyValuePairs is a batch kv operation.
type KeyValuePairs struct {
	KVs map[string][]byte `json:"kvs"`
	Op  string            `json:"op,omitempty"`
}

// DataLoaderConfig is the tuned data-loader configuration pushed to nodes.
type DataLoaderConfig struct {
	Version        int    `json:"version"`
	DataLoaderName string `json:"dataloader_name"`
	LastBatchSize  int    `json:"last_batch_size"`
	BatchSize      int    `json:"batch_size"`
	NumWorkers     int    `json:"num_workers"`
	PinMemory      int    `json:"pin_memory"`
}

// OptimizerConfig is the tuned optimizer configuration pushed to nodes.
type OptimizerConfig struct {
	Version       int     `json:"version"`
	OptimizerName string  `json:"optimizer_name"`
	LearningRate  float64 `json:"learning_rate"`
	WeightDecay   float64 `json:"weight_decay"`
}

// ParallelConfig bundles the tuned training-side configuration.
type ParallelConfig struct {
	DataLoader DataLoaderConfig `json:"dataloader"`
	Optimizer  OptimizerConfig  `json:"optimizer"`
	Restart    bool             `json:"restart"`
}
