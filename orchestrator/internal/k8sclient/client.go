package k8sclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
)

// BuildGVR identifies the build resource on worker clusters
var BuildGVR = schema.GroupVersionResource{Group: "build.openshift.io", Version: "v1", Resource: "builds"}

const (
	workerBuildPrefix = "worker-build"
	envUserParams     = "USER_PARAMS"
	envReactorConfig  = "REACTOR_CONFIG"
)

// KubeClient talks to a single worker cluster
type KubeClient struct {
	dynamic      dynamic.Interface
	clientset    kubernetes.Interface
	namespace    string
	clusterURL   string
	pollInterval time.Duration
	logger       *zap.Logger
}

// NewKubeClient creates a client for one cluster from already configured clientsets
func NewKubeClient(dyn dynamic.Interface, clientset kubernetes.Interface, clusterURL, namespace string, pollInterval time.Duration, logger *zap.Logger) *KubeClient {
	return &KubeClient{
		dynamic:      dyn,
		clientset:    clientset,
		namespace:    namespace,
		clusterURL:   clusterURL,
		pollInterval: pollInterval,
		logger:       logger.Named("k8sclient").With(zap.String("cluster_url", clusterURL), zap.String("namespace", namespace)),
	}
}

func (k *KubeClient) ClusterURL() string { return k.clusterURL }

func (k *KubeClient) Namespace() string { return k.namespace }

func (k *KubeClient) builds() dynamic.ResourceInterface {
	return k.dynamic.Resource(BuildGVR).Namespace(k.namespace)
}

// CountActiveBuilds returns the number of builds not yet in a terminal phase
func (k *KubeClient) CountActiveBuilds(ctx context.Context) (int, error) {
	list, err := k.builds().List(ctx, metav1.ListOptions{})
	if err != nil {
		return 0, fmt.Errorf("failed to list builds: %w", err)
	}

	active := 0
	for i := range list.Items {
		if !buildFromUnstructured(&list.Items[i]).IsFinished() {
			active++
		}
	}
	return active, nil
}

// CreateWorkerBuild submits a new worker build to the cluster
func (k *KubeClient) CreateWorkerBuild(ctx context.Context, params WorkerBuildParams) (*Build, error) {
	userParams, err := json.Marshal(params.UserParams)
	if err != nil {
		return nil, fmt.Errorf("failed to encode user params: %w", err)
	}
	reactorConfig, err := json.Marshal(params.ReactorConfigOverride)
	if err != nil {
		return nil, fmt.Errorf("failed to encode reactor config override: %w", err)
	}

	name := WorkerBuildName(params.Platform)
	obj := &unstructured.Unstructured{Object: map[string]interface{}{
		"apiVersion": BuildGVR.GroupVersion().String(),
		"kind":       "Build",
	}}
	obj.SetName(name)
	obj.SetNamespace(k.namespace)

	labels := map[string]string{LabelPlatform: params.Platform}
	if params.OrchestratorBuildID != "" {
		labels[LabelOrchestratorBuild] = params.OrchestratorBuildID
	}
	obj.SetLabels(labels)

	env := []interface{}{
		map[string]interface{}{"name": envUserParams, "value": string(userParams)},
		map[string]interface{}{"name": envReactorConfig, "value": string(reactorConfig)},
	}
	if params.KojiUploadDir != "" {
		env = append(env, map[string]interface{}{"name": "KOJI_UPLOAD_DIR", "value": params.KojiUploadDir})
	}
	if params.Release != "" {
		env = append(env, map[string]interface{}{"name": "RELEASE", "value": params.Release})
	}
	if params.FilesystemKojiTaskID != "" {
		env = append(env, map[string]interface{}{"name": "FILESYSTEM_KOJI_TASK_ID", "value": params.FilesystemKojiTaskID})
	}

	strategy := map[string]interface{}{
		"type": "Custom",
		"customStrategy": map[string]interface{}{
			"from": map[string]interface{}{"kind": "DockerImage", "name": params.BuilderImage},
			"env":  env,
		},
	}
	if err := unstructured.SetNestedMap(obj.Object, strategy, "spec", "strategy"); err != nil {
		return nil, fmt.Errorf("failed to set build strategy: %w", err)
	}

	created, err := k.builds().Create(ctx, obj, metav1.CreateOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to create worker build %s: %w", name, err)
	}

	k.logger.Info("Created worker build", zap.String("build", name), zap.String("platform", params.Platform))
	return buildFromUnstructured(created), nil
}

// GetBuild fetches the current state of a build
func (k *KubeClient) GetBuild(ctx context.Context, name string) (*Build, error) {
	obj, err := k.builds().Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrBuildNotFound, name)
		}
		return nil, fmt.Errorf("failed to get build %s: %w", name, err)
	}
	return buildFromUnstructured(obj), nil
}

// StreamBuildLogs follows the logs of the pod running the build.
// A build that finishes without ever getting a pod yields an empty stream.
func (k *KubeClient) StreamBuildLogs(ctx context.Context, name string) (io.ReadCloser, error) {
	var podName string
	err := wait.PollUntilContextCancel(ctx, k.pollInterval, true, func(ctx context.Context) (bool, error) {
		build, err := k.GetBuild(ctx, name)
		if err != nil {
			return false, err
		}
		podName = build.PodName()
		return podName != "" || build.IsFinished(), nil
	})
	if err != nil {
		return nil, err
	}
	if podName == "" {
		return io.NopCloser(strings.NewReader("")), nil
	}

	stream, err := k.clientset.CoreV1().Pods(k.namespace).GetLogs(podName, &corev1.PodLogOptions{Follow: true}).Stream(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to stream logs of pod %s: %w", podName, err)
	}
	return stream, nil
}

// WaitForBuildToFinish polls the build until it reaches a terminal phase
func (k *KubeClient) WaitForBuildToFinish(ctx context.Context, name string) (*Build, error) {
	var final *Build
	err := wait.PollUntilContextCancel(ctx, k.pollInterval, true, func(ctx context.Context) (bool, error) {
		build, err := k.GetBuild(ctx, name)
		if err != nil {
			return false, err
		}
		k.logger.Debug("Polled worker build", zap.String("build", name), zap.String("phase", string(build.Phase)))
		if build.IsFinished() {
			final = build
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	return final, nil
}

// CancelBuild requests cancellation of a build. Missing or finished builds are left alone.
func (k *KubeClient) CancelBuild(ctx context.Context, name string) error {
	build, err := k.GetBuild(ctx, name)
	if err != nil {
		if IsNotFound(err) {
			return nil
		}
		return err
	}
	if build.IsFinished() {
		return nil
	}

	patch := []byte(`{"status":{"cancelled":true}}`)
	if _, err := k.builds().Patch(ctx, name, types.MergePatchType, patch, metav1.PatchOptions{}); err != nil {
		if apierrors.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to cancel build %s: %w", name, err)
	}

	k.logger.Info("Cancelled worker build", zap.String("build", name))
	return nil
}

// GetPodFailureReason inspects the pod of a build for a terminated container
func (k *KubeClient) GetPodFailureReason(ctx context.Context, name string) (*PodFailureReason, error) {
	build, err := k.GetBuild(ctx, name)
	if err != nil {
		return nil, err
	}
	podName := build.PodName()
	if podName == "" {
		return nil, ErrNoBuildPod
	}

	pod, err := k.clientset.CoreV1().Pods(k.namespace).Get(ctx, podName, metav1.GetOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get pod %s: %w", podName, err)
	}

	for _, status := range pod.Status.ContainerStatuses {
		term := status.State.Terminated
		if term != nil && term.ExitCode != 0 {
			return &PodFailureReason{
				Reason:      term.Reason,
				Message:     term.Message,
				ExitCode:    term.ExitCode,
				ContainerID: term.ContainerID,
			}, nil
		}
	}

	return &PodFailureReason{Reason: pod.Status.Reason, Message: pod.Status.Message}, nil
}

// GetConfigMap returns the data of a config map
func (k *KubeClient) GetConfigMap(ctx context.Context, name string) (map[string]string, error) {
	cm, err := k.clientset.CoreV1().ConfigMaps(k.namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get config map %s: %w", name, err)
	}
	return cm.Data, nil
}

// DeleteConfigMap removes a config map. A missing config map is not an error.
func (k *KubeClient) DeleteConfigMap(ctx context.Context, name string) error {
	err := k.clientset.CoreV1().ConfigMaps(k.namespace).Delete(ctx, name, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("failed to delete config map %s: %w", name, err)
	}
	return nil
}

// WorkerBuildName generates a unique name for a worker build of the given platform
func WorkerBuildName(platform string) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:10]
	safe := strings.ToLower(strings.ReplaceAll(platform, "_", "-"))
	return fmt.Sprintf("%s-%s-%s", workerBuildPrefix, safe, suffix)
}

// IsNotFound reports whether err means the build does not exist
func IsNotFound(err error) bool {
	return errors.Is(err, ErrBuildNotFound) || apierrors.IsNotFound(err)
}

func buildFromUnstructured(obj *unstructured.Unstructured) *Build {
	phase, _, _ := unstructured.NestedString(obj.Object, "status", "phase")
	if phase == "" {
		phase = string(PhaseNew)
	}
	return &Build{
		Name:        obj.GetName(),
		Namespace:   obj.GetNamespace(),
		Phase:       BuildPhase(phase),
		Annotations: obj.GetAnnotations(),
		Labels:      obj.GetLabels(),
	}
}
