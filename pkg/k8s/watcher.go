package k8s

import (
	"context"
	"fmt"
	"strconv"

	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"

	"github.com/elastictrain/elastic-job-master/pkg/common"
)

// PodWatcher turns the pod list/watch of one job into node events.
type PodWatcher struct {
	client *Client
	logger *zap.Logger
}

// NewPodWatcher builds a watcher over the client's job selector.
func NewPodWatcher(client *Client, logger *zap.Logger) *PodWatcher {
	return &PodWatcher{
		client: client,
		logger: logger.Named("pod-watcher"),
	}
}

// List returns the current fleet snapshot.
func (w *PodWatcher) List(ctx context.Context) ([]*common.Node, error) {
	podList, err := w.client.Clientset().CoreV1().Pods(w.client.Namespace()).List(ctx, metav1.ListOptions{
		LabelSelector: w.client.JobSelector(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list job pods: %w", err)
	}
	nodes := make([]*common.Node, 0, len(podList.Items))
	for i := range podList.Items {
		n, err := w.podToNode(&podList.Items[i])
		if err != nil {
			w.logger.Warn("Skipping unparseable pod", zap.Error(err))
			continue
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

// Watch streams node events until the scheduler drops the connection, at
// which point the channel is closed and the caller re-lists.
func (w *PodWatcher) Watch(ctx context.Context) (<-chan common.NodeEvent, error) {
	watcher, err := w.client.Clientset().CoreV1().Pods(w.client.Namespace()).Watch(ctx, metav1.ListOptions{
		LabelSelector: w.client.JobSelector(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to watch job pods: %w", err)
	}

	events := make(chan common.NodeEvent)
	go func() {
		defer close(events)
		defer watcher.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.ResultChan():
				if !ok {
					return
				}
				pod, isPod := ev.Object.(*corev1.Pod)
				if !isPod {
					continue
				}
				n, err := w.podToNode(pod)
				if err != nil {
					w.logger.Warn("Skipping unparseable pod event", zap.Error(err))
					continue
				}
				eventType, known := convertEventType(ev.Type)
				if !known {
					continue
				}
				select {
				case <-ctx.Done():
					return
				case events <- common.NodeEvent{Type: eventType, Node: n}:
				}
			}
		}
	}()
	return events, nil
}

func convertEventType(t watch.EventType) (common.NodeEventType, bool) {
	switch t {
	case watch.Added:
		return common.NodeEventAdded, true
	case watch.Modified:
		return common.NodeEventModified, true
	case watch.Deleted:
		return common.NodeEventDeleted, true
	}
	return "", false
}

// podToNode converts a pod into the node model: typed identity from the
// replica labels, status from the pod phase, and the exit reason from the
// first terminated container.
func (w *PodWatcher) podToNode(pod *corev1.Pod) (*common.Node, error) {
	nodeType := common.NodeType(pod.Labels[LabelReplicaType])
	if nodeType == "" {
		return nil, fmt.Errorf("pod %s carries no replica type", pod.Name)
	}
	id, err := strconv.Atoi(pod.Labels[LabelReplicaIndex])
	if err != nil {
		return nil, fmt.Errorf("pod %s carries an invalid replica index: %w", pod.Name, err)
	}

	n := common.NewNode(nodeType, id, 0)
	n.Name = pod.Name
	n.Status = podStatus(pod)
	n.ExitReason = podExitReason(pod)
	n.CreateTime = pod.CreationTimestamp.Time
	if pod.Status.StartTime != nil {
		n.StartTime = pod.Status.StartTime.Time
	}
	if len(pod.Spec.Containers) > 0 {
		requests := pod.Spec.Containers[0].Resources.Requests
		if cpu, ok := requests[corev1.ResourceCPU]; ok {
			n.UsedResource.CPU = cpu.AsApproximateFloat64()
		}
		if memory, ok := requests[corev1.ResourceMemory]; ok {
			n.UsedResource.Memory = int(memory.Value() / (1024 * 1024))
		}
	}
	return n, nil
}

func podStatus(pod *corev1.Pod) common.NodeStatus {
	if pod.DeletionTimestamp != nil {
		return common.NodeStatusDeleted
	}
	switch pod.Status.Phase {
	case corev1.PodPending:
		return common.NodeStatusPending
	case corev1.PodRunning:
		return common.NodeStatusRunning
	case corev1.PodSucceeded:
		return common.NodeStatusSucceeded
	case corev1.PodFailed:
		return common.NodeStatusFailed
	}
	return common.NodeStatusInitial
}

func podExitReason(pod *corev1.Pod) common.NodeExitReason {
	for _, status := range pod.Status.ContainerStatuses {
		terminated := status.State.Terminated
		if terminated == nil {
			terminated = status.LastTerminationState.Terminated
		}
		if terminated == nil {
			continue
		}
		switch {
		case terminated.Reason == "OOMKilled":
			return common.ExitReasonOOM
		case terminated.ExitCode == 137 || terminated.ExitCode == 143:
			return common.ExitReasonKilled
		case terminated.ExitCode == 1:
			return common.ExitReasonFatalError
		case terminated.ExitCode != 0:
			return common.ExitReasonUnknown
		}
	}
	return ""
}
