package k8s

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/elastictrain/elastic-job-master/pkg/scaler"
)

const (
	// clusterSpecKey is the ConfigMap key carrying the PS address list.
	clusterSpecKey = "ps_addrs"

	containerName = "trainer"
)

// PodTemplate is what every launched pod shares: the training image and
// entrypoint. Per-node resources come from the scale plan.
type PodTemplate struct {
	Image           string
	Command         []string
	Args            []string
	ImagePullPolicy corev1.PullPolicy
}

// PodScaler applies scale plans against the scheduler: removals first so a
// relaunch can reuse its slot's name, then launches, then the PS address
// handover into the job's cluster-spec ConfigMap.
type PodScaler struct {
	client   *Client
	template PodTemplate
	logger   *zap.Logger
}

// NewPodScaler builds the production scaler for one job.
func NewPodScaler(client *Client, template PodTemplate, logger *zap.Logger) *PodScaler {
	return &PodScaler{
		client:   client,
		template: template,
		logger:   logger.Named("pod-scaler"),
	}
}

// Scale applies one plan. The first failure aborts the pass; the caller
// retries with a plan reflecting the same intended diff.
func (s *PodScaler) Scale(ctx context.Context, plan *scaler.ScalePlan) error {
	if plan.Empty() {
		return nil
	}
	for _, removal := range plan.Removals {
		if err := s.client.DeletePod(ctx, removal.Name); err != nil {
			return err
		}
		s.logger.Info("Removed pod", zap.String("pod", removal.Name))
	}
	for _, launch := range plan.Launches {
		pod := s.buildPod(launch)
		if err := s.client.CreatePod(ctx, pod); err != nil {
			return err
		}
		s.logger.Info("Launched pod",
			zap.String("pod", pod.Name),
			zap.String("type", string(launch.Type)),
			zap.Int("id", launch.ID),
		)
	}
	if len(plan.PSAddrs) > 0 {
		if err := s.publishPSAddrs(ctx, plan.PSAddrs); err != nil {
			return err
		}
	}
	return nil
}

func (s *PodScaler) buildPod(launch scaler.LaunchSpec) *corev1.Pod {
	requests := corev1.ResourceList{}
	if launch.Resource.CPU > 0 {
		requests[corev1.ResourceCPU] = *resource.NewMilliQuantity(int64(launch.Resource.CPU*1000), resource.DecimalSI)
	}
	if launch.Resource.Memory > 0 {
		requests[corev1.ResourceMemory] = *resource.NewQuantity(int64(launch.Resource.Memory)*1024*1024, resource.BinarySI)
	}

	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      s.client.PodName(launch.Type, launch.ID),
			Namespace: s.client.Namespace(),
			Labels: map[string]string{
				LabelJobName:      s.client.JobName(),
				LabelReplicaType:  string(launch.Type),
				LabelReplicaIndex: strconv.Itoa(launch.ID),
				LabelRelaunch:     strconv.Itoa(launch.RelaunchCount),
			},
		},
		Spec: corev1.PodSpec{
			RestartPolicy: corev1.RestartPolicyNever,
			Containers: []corev1.Container{{
				Name:            containerName,
				Image:           s.template.Image,
				Command:         s.template.Command,
				Args:            s.template.Args,
				ImagePullPolicy: s.template.ImagePullPolicy,
				Resources: corev1.ResourceRequirements{
					Requests: requests,
					Limits:   requests,
				},
			}},
		},
	}
	if launch.Priority != "" {
		pod.Spec.PriorityClassName = fmt.Sprintf("%s-priority", launch.Priority)
	}
	return pod
}

// publishPSAddrs hands the PS address list over to the training topology
// through the job's cluster-spec ConfigMap.
func (s *PodScaler) publishPSAddrs(ctx context.Context, addrs []string) error {
	name := fmt.Sprintf("%s-cluster-spec", s.client.JobName())
	data := map[string]string{clusterSpecKey: strings.Join(addrs, ",")}

	cms := s.client.Clientset().CoreV1().ConfigMaps(s.client.Namespace())
	existing, err := cms.Get(ctx, name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		_, err = cms.Create(ctx, &corev1.ConfigMap{
			ObjectMeta: metav1.ObjectMeta{
				Name:      name,
				Namespace: s.client.Namespace(),
				Labels:    map[string]string{LabelJobName: s.client.JobName()},
			},
			Data: data,
		}, metav1.CreateOptions{})
		if err != nil {
			return fmt.Errorf("failed to create the cluster spec: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read the cluster spec: %w", err)
	}
	existing.Data = data
	if _, err := cms.Update(ctx, existing, metav1.UpdateOptions{}); err != nil {
		return fmt.Errorf("failed to update the cluster spec: %w", err)
	}
	s.logger.Info("Published PS addresses", zap.Int("count", len(addrs)))
	return nil
}
