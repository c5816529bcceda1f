package k8s

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/elastictrain/elastic-job-master/pkg/common"
	"github.com/elastictrain/elastic-job-master/pkg/scaler"
)

func newTestScaler(t *testing.T, objects ...*corev1.Pod) (*PodScaler, *fake.Clientset) {
	t.Helper()
	clientset := fake.NewSimpleClientset()
	for _, pod := range objects {
		_, err := clientset.CoreV1().Pods("test").Create(context.Background(), pod, metav1.CreateOptions{})
		require.NoError(t, err)
	}
	client := NewClient(clientset, "test", "test", zaptest.NewLogger(t))
	return NewPodScaler(client, PodTemplate{Image: "trainer:latest"}, zaptest.NewLogger(t)), clientset
}

// TestPodScalerScale tests removals, launches and the address handover in
// one pass.
func TestPodScalerScale(t *testing.T) {
	stale := testPod("test-worker-1", common.NodeTypeWorker, "1", corev1.PodFailed)
	podScaler, clientset := newTestScaler(t, stale)

	plan := scaler.NewScalePlan()
	plan.Removals = append(plan.Removals, scaler.NodeRef{Type: common.NodeTypeWorker, ID: 1, Name: "test-worker-1"})
	plan.Launches = append(plan.Launches, scaler.LaunchSpec{
		Type:     common.NodeTypeWorker,
		ID:       1,
		Resource: common.NodeResource{CPU: 2, Memory: 4096},
		Priority: common.PriorityHigh,
	})
	plan.PSAddrs = []string{"test-ps-0.test.svc:2222"}

	require.NoError(t, podScaler.Scale(context.Background(), plan))

	ctx := context.Background()
	pod, err := clientset.CoreV1().Pods("test").Get(ctx, "test-worker-1", metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "trainer:latest", pod.Spec.Containers[0].Image)
	assert.Equal(t, "high-priority", pod.Spec.PriorityClassName)
	assert.Equal(t, "1", pod.Labels[LabelReplicaIndex])

	cpu := pod.Spec.Containers[0].Resources.Requests[corev1.ResourceCPU]
	assert.Equal(t, int64(2000), cpu.MilliValue())

	cm, err := clientset.CoreV1().ConfigMaps("test").Get(ctx, "test-cluster-spec", metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "test-ps-0.test.svc:2222", cm.Data["ps_addrs"])
}

// TestPodScalerEmptyPlan tests that an empty plan touches nothing.
func TestPodScalerEmptyPlan(t *testing.T) {
	podScaler, clientset := newTestScaler(t)
	require.NoError(t, podScaler.Scale(context.Background(), scaler.NewScalePlan()))

	pods, err := clientset.CoreV1().Pods("test").List(context.Background(), metav1.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, pods.Items)
}

// TestPodScalerUpdatesClusterSpec tests the update path of the handover.
func TestPodScalerUpdatesClusterSpec(t *testing.T) {
	podScaler, clientset := newTestScaler(t)
	ctx := context.Background()

	first := scaler.NewScalePlan()
	first.PSAddrs = []string{"a:2222"}
	require.NoError(t, podScaler.Scale(ctx, first))

	second := scaler.NewScalePlan()
	second.PSAddrs = []string{"a:2222", "b:2222"}
	require.NoError(t, podScaler.Scale(ctx, second))

	cm, err := clientset.CoreV1().ConfigMaps("test").Get(ctx, "test-cluster-spec", metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "a:2222,b:2222", cm.Data["ps_addrs"])
}
