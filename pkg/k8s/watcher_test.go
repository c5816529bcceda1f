package k8s

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/elastictrain/elastic-job-master/pkg/common"
)

func testPod(name string, nodeType common.NodeType, id string, phase corev1.PodPhase) *corev1.Pod {
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: "test",
			Labels: map[string]string{
				LabelJobName:      "test",
				LabelReplicaType:  string(nodeType),
				LabelReplicaIndex: id,
			},
			CreationTimestamp: metav1.Now(),
		},
		Spec: corev1.PodSpec{
			Containers: []corev1.Container{{
				Name: containerName,
				Resources: corev1.ResourceRequirements{
					Requests: corev1.ResourceList{
						corev1.ResourceCPU:    resource.MustParse("1"),
						corev1.ResourceMemory: resource.MustParse("4096Mi"),
					},
				},
			}},
		},
		Status: corev1.PodStatus{Phase: phase},
	}
}

// TestPodWatcherList tests pod-to-node conversion on the bulk list.
func TestPodWatcherList(t *testing.T) {
	clientset := fake.NewSimpleClientset(
		testPod("test-ps-0", common.NodeTypePS, "0", corev1.PodRunning),
		testPod("test-worker-1", common.NodeTypeWorker, "1", corev1.PodPending),
	)
	client := NewClient(clientset, "test", "test", zaptest.NewLogger(t))
	watcher := NewPodWatcher(client, zaptest.NewLogger(t))

	nodes, err := watcher.List(context.Background())
	require.NoError(t, err)
	require.Len(t, nodes, 2)

	byName := map[string]*common.Node{}
	for _, n := range nodes {
		byName[n.Name] = n
	}
	ps := byName["test-ps-0"]
	require.NotNil(t, ps)
	assert.Equal(t, common.NodeTypePS, ps.Type)
	assert.Equal(t, 0, ps.ID)
	assert.Equal(t, common.NodeStatusRunning, ps.Status)
	assert.Equal(t, 1.0, ps.UsedResource.CPU)
	assert.Equal(t, 4096, ps.UsedResource.Memory)

	worker := byName["test-worker-1"]
	require.NotNil(t, worker)
	assert.Equal(t, common.NodeStatusPending, worker.Status)
}

// TestPodWatcherListSkipsUnlabeled tests that pods without replica labels
// are dropped rather than failing the list.
func TestPodWatcherListSkipsUnlabeled(t *testing.T) {
	pod := testPod("test-ps-0", common.NodeTypePS, "0", corev1.PodRunning)
	broken := testPod("stray", "", "x", corev1.PodRunning)
	clientset := fake.NewSimpleClientset(pod, broken)

	client := NewClient(clientset, "test", "test", zaptest.NewLogger(t))
	watcher := NewPodWatcher(client, zaptest.NewLogger(t))

	nodes, err := watcher.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, nodes, 1)
}

// TestPodWatcherWatch tests the event stream conversion.
func TestPodWatcherWatch(t *testing.T) {
	clientset := fake.NewSimpleClientset()
	client := NewClient(clientset, "test", "test", zaptest.NewLogger(t))
	watcher := NewPodWatcher(client, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := watcher.Watch(ctx)
	require.NoError(t, err)

	pod := testPod("test-worker-0", common.NodeTypeWorker, "0", corev1.PodPending)
	_, err = clientset.CoreV1().Pods("test").Create(ctx, pod, metav1.CreateOptions{})
	require.NoError(t, err)

	select {
	case event := <-events:
		assert.Equal(t, common.NodeEventAdded, event.Type)
		assert.Equal(t, common.NodeTypeWorker, event.Node.Type)
		assert.Equal(t, common.NodeStatusPending, event.Node.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("no event received")
	}
}

// TestPodExitReason tests the termination-state taxonomy.
func TestPodExitReason(t *testing.T) {
	tests := []struct {
		name     string
		reason   string
		exitCode int32
		expected common.NodeExitReason
	}{
		{"OOM killed", "OOMKilled", 137, common.ExitReasonOOM},
		{"SIGKILL", "Error", 137, common.ExitReasonKilled},
		{"SIGTERM", "Error", 143, common.ExitReasonKilled},
		{"application error", "Error", 1, common.ExitReasonFatalError},
		{"other failure", "Error", 7, common.ExitReasonUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pod := testPod("test-worker-0", common.NodeTypeWorker, "0", corev1.PodFailed)
			pod.Status.ContainerStatuses = []corev1.ContainerStatus{{
				State: corev1.ContainerState{
					Terminated: &corev1.ContainerStateTerminated{
						Reason:   tt.reason,
						ExitCode: tt.exitCode,
					},
				},
			}}
			assert.Equal(t, tt.expected, podExitReason(pod))
		})
	}
}

// TestPodStatusDeleted tests that a deletion timestamp wins over the phase.
func TestPodStatusDeleted(t *testing.T) {
	pod := testPod("test-worker-0", common.NodeTypeWorker, "0", corev1.PodRunning)
	now := metav1.Now()
	pod.DeletionTimestamp = &now
	assert.Equal(t, common.NodeStatusDeleted, podStatus(pod))
}
