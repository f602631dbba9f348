package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// Kubernetes runs sandboxes as bare pods in one namespace.
type Kubernetes struct {
	client    kubernetes.Interface
	namespace string
	prefix    string
	logger    *slog.Logger

	// pullWindow bounds how long start watches a new pod for image
	// pull failures before reporting success.
	pullWindow time.Duration
	pollEvery  time.Duration
}

// NewKubernetes connects using kubeconfig, or the in-cluster service
// account when kubeconfig is empty.
func NewKubernetes(kubeconfig, namespace, prefix string, logger *slog.Logger) (*Kubernetes, error) {
	var (
		cfg *rest.Config
		err error
	)
	if kubeconfig == "" {
		cfg, err = rest.InClusterConfig()
	} else {
		cfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
	}
	if err != nil {
		return nil, fmt.Errorf("kubernetes config: %w", err)
	}
	client, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("kubernetes client: %w", err)
	}
	return newKubernetes(client, namespace, prefix, logger), nil
}

func newKubernetes(client kubernetes.Interface, namespace, prefix string, logger *slog.Logger) *Kubernetes {
	if logger == nil {
		logger = slog.Default()
	}
	return &Kubernetes{
		client:     client,
		namespace:  namespace,
		prefix:     prefix,
		logger:     logger,
		pullWindow: 20 * time.Second,
		pollEvery:  time.Second,
	}
}

// Name implements Runtime. Pod names must be lowercase DNS labels.
func (k *Kubernetes) Name(sessionID string) string {
	name := strings.ToLower(k.prefix + sessionID)
	if len(name) > 63 {
		name = name[:63]
	}
	return strings.TrimRight(name, "-")
}

// Prefix implements Runtime.
func (k *Kubernetes) Prefix() string { return k.prefix }

// Ping checks that the API server answers. Used as a connwatch probe.
func (k *Kubernetes) Ping(ctx context.Context) error {
	_, err := k.client.CoreV1().Pods(k.namespace).List(ctx, metav1.ListOptions{Limit: 1})
	return err
}

func (k *Kubernetes) start(ctx context.Context, spec Spec) (Handle, error) {
	env := make([]corev1.EnvVar, 0, len(spec.Env))
	for _, key := range sortedKeys(spec.Env) {
		env = append(env, corev1.EnvVar{Name: key, Value: spec.Env[key]})
	}

	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      k.Name(spec.SessionID),
			Namespace: k.namespace,
			Labels:    spec.Labels,
		},
		Spec: corev1.PodSpec{
			RestartPolicy: corev1.RestartPolicyNever,
			Containers: []corev1.Container{{
				Name:       "agent",
				Image:      spec.Image,
				WorkingDir: spec.WorkDir,
				Env:        env,
			}},
		},
	}

	created, err := k.client.CoreV1().Pods(k.namespace).Create(ctx, pod, metav1.CreateOptions{})
	if err != nil {
		return Handle{}, fmt.Errorf("create pod %s: %w", pod.Name, err)
	}
	h := Handle{ID: string(created.UID), Name: created.Name}

	if err := k.watchPull(ctx, created.Name, spec.Image); err != nil {
		_ = k.StopByName(context.WithoutCancel(ctx), created.Name)
		return Handle{}, err
	}
	return h, nil
}

// watchPull polls the new pod until its container leaves the waiting
// state, the window passes, or the image pull is reported failed.
func (k *Kubernetes) watchPull(ctx context.Context, name, image string) error {
	deadline := time.Now().Add(k.pullWindow)
	for {
		pod, err := k.client.CoreV1().Pods(k.namespace).Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			return fmt.Errorf("get pod %s: %w", name, err)
		}
		for _, cs := range pod.Status.ContainerStatuses {
			if cs.State.Running != nil || cs.State.Terminated != nil {
				return nil
			}
			if w := cs.State.Waiting; w != nil {
				switch w.Reason {
				case "ErrImagePull", "ImagePullBackOff", "InvalidImageName":
					return &PullError{Image: image, Detail: w.Reason + ": " + w.Message}
				}
			}
		}
		if !time.Now().Before(deadline) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(k.pollEvery):
		}
	}
}

// Stop implements Runtime. The id is the pod UID.
func (k *Kubernetes) Stop(ctx context.Context, id string) error {
	pods, err := k.client.CoreV1().Pods(k.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: LabelManaged + "=true",
	})
	if err != nil {
		return fmt.Errorf("list pods: %w", err)
	}
	for _, p := range pods.Items {
		if string(p.UID) == id {
			return k.StopByName(ctx, p.Name)
		}
	}
	return fmt.Errorf("pod uid %s: %w", id, ErrNotFound)
}

// StopByName implements Runtime.
func (k *Kubernetes) StopByName(ctx context.Context, name string) error {
	grace := int64(0)
	err := k.client.CoreV1().Pods(k.namespace).Delete(ctx, name, metav1.DeleteOptions{GracePeriodSeconds: &grace})
	if apierrors.IsNotFound(err) {
		return fmt.Errorf("pod %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("delete pod %s: %w", name, err)
	}
	return nil
}

// List implements Runtime.
func (k *Kubernetes) List(ctx context.Context, prefix string) ([]Info, error) {
	pods, err := k.client.CoreV1().Pods(k.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: LabelManaged + "=true",
	})
	if err != nil {
		return nil, fmt.Errorf("list pods: %w", err)
	}
	var out []Info
	for _, p := range pods.Items {
		if !strings.HasPrefix(p.Name, prefix) {
			continue
		}
		out = append(out, Info{
			ID:        string(p.UID),
			Name:      p.Name,
			SessionID: p.Labels[LabelSession],
			Running:   p.Status.Phase == corev1.PodRunning || p.Status.Phase == corev1.PodPending,
		})
	}
	return out, nil
}
