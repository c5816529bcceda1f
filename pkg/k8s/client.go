// Package k8s binds the job master to the Kubernetes scheduler: pod CRUD,
// the node watcher, and the pod scaler.
package k8s

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/elastictrain/elastic-job-master/pkg/common"
)

// Labels stamped on every pod the master owns.
const (
	LabelJobName      = "elastictrain.io/job-name"
	LabelReplicaType  = "elastictrain.io/replica-type"
	LabelReplicaIndex = "elastictrain.io/replica-index"
	LabelRelaunch     = "elastictrain.io/relaunch-count"
)

const (
	// defaultServicePort is the port every training node serves on.
	defaultServicePort = 2222
)

// BuildConfig creates a Kubernetes client configuration from a kubeconfig
// path, falling back to the in-cluster config.
func BuildConfig(kubeconfig string) (*rest.Config, error) {
	if kubeconfig != "" {
		return clientcmd.BuildConfigFromFlags("", kubeconfig)
	}
	config, err := rest.InClusterConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to get in-cluster config: %w", err)
	}
	return config, nil
}

// Client is the outbound scheduler binding of one job.
type Client struct {
	clientset kubernetes.Interface
	jobName   string
	namespace string
	logger    *zap.Logger
}

// NewClient binds a client to one job in one namespace.
func NewClient(clientset kubernetes.Interface, jobName, namespace string, logger *zap.Logger) *Client {
	return &Client{
		clientset: clientset,
		jobName:   jobName,
		namespace: namespace,
		logger:    logger.Named("k8s-client"),
	}
}

// PodName is the scheduler name of one typed node: "<job>-<type>-<id>".
// The type tag stays second-to-last so it can be recovered from the name.
func (c *Client) PodName(nodeType common.NodeType, id int) string {
	return fmt.Sprintf("%s-%s-%d", c.jobName, nodeType, id)
}

// GetJobUUID resolves the job identity: the controller owning the master's
// own pod when running in-cluster (the pod's own UID if it has no
// controller), a fresh uuid otherwise.
func (c *Client) GetJobUUID(ctx context.Context) (string, error) {
	podName := os.Getenv("POD_NAME")
	if podName != "" {
		pod, err := c.clientset.CoreV1().Pods(c.namespace).Get(ctx, podName, metav1.GetOptions{})
		if err == nil {
			for _, owner := range pod.OwnerReferences {
				if owner.Controller != nil && *owner.Controller {
					return string(owner.UID), nil
				}
			}
			return string(pod.UID), nil
		}
		c.logger.Warn("Failed to read the master pod, generating a job uuid",
			zap.String("pod", podName),
			zap.Error(err),
		)
	}
	return uuid.NewString(), nil
}

// GetServiceAddress returns the stable endpoint of one typed node.
func (c *Client) GetServiceAddress(nodeType common.NodeType, id int) string {
	return fmt.Sprintf("%s.%s.svc:%d", c.PodName(nodeType, id), c.namespace, defaultServicePort)
}

// GetPod reads one pod, or nil when it does not exist.
func (c *Client) GetPod(ctx context.Context, name string) (*corev1.Pod, error) {
	pod, err := c.clientset.CoreV1().Pods(c.namespace).Get(ctx, name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pod %s: %w", name, err)
	}
	return pod, nil
}

// CreatePod submits a pod to the scheduler.
func (c *Client) CreatePod(ctx context.Context, pod *corev1.Pod) error {
	if _, err := c.clientset.CoreV1().Pods(c.namespace).Create(ctx, pod, metav1.CreateOptions{}); err != nil {
		if apierrors.IsAlreadyExists(err) {
			c.logger.Info("Pod already exists", zap.String("pod", pod.Name))
			return nil
		}
		return fmt.Errorf("failed to create pod %s: %w", pod.Name, err)
	}
	return nil
}

// DeletePod removes a pod; a missing pod is not an error.
func (c *Client) DeletePod(ctx context.Context, name string) error {
	err := c.clientset.CoreV1().Pods(c.namespace).Delete(ctx, name, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("failed to delete pod %s: %w", name, err)
	}
	return nil
}

// PatchPod applies a strategic-merge patch to a pod.
func (c *Client) PatchPod(ctx context.Context, name string, patch []byte) error {
	_, err := c.clientset.CoreV1().Pods(c.namespace).Patch(
		ctx, name, types.StrategicMergePatchType, patch, metav1.PatchOptions{})
	if err != nil {
		return fmt.Errorf("failed to patch pod %s: %w", name, err)
	}
	return nil
}

// JobSelector is the label selector matching every pod of the job.
func (c *Client) JobSelector() string {
	return fmt.Sprintf("%s=%s", LabelJobName, c.jobName)
}

// Namespace returns the namespace the job runs in.
func (c *Client) Namespace() string { return c.namespace }

// JobName returns the job the client is bound to.
func (c *Client) JobName() string { return c.jobName }

// Clientset exposes the raw client for collaborators in this package.
func (c *Client) Clientset() kubernetes.Interface { return c.clientset }
