package workerpool

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	corev1 "k8s.io/api/core/v1"
	k8serrs "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/gradelab/grading-engine/grading-engine/internal/config"
	"github.com/gradelab/grading-engine/grading-engine/internal/logger"
	otelgradingengine "github.com/gradelab/grading-engine/grading-engine/internal/otel"
)

const WorkerTypeLabel = "gradelab.io/worker-type"
const WorkerIDLabel = "gradelab.io/worker-id"
const ComponentLabel = "gradelab.io/component"

const workerPort = 8471

// PodStrategy launches workers as kubernetes pods. Worker types listed in
// the microVM config get a RuntimeClassName so the kubelet hands them to a
// microVM runtime instead of the default container runtime; everything else
// about the pod is identical.
type PodStrategy struct {
	kubeClient *kubernetes.Clientset
	config     *config.Config
	namespace  string
}

var _ LaunchStrategy = (*PodStrategy)(nil)

func NewPodStrategy(
	namespace string,
	client *kubernetes.Clientset,
	cfg *config.Config,
) *PodStrategy {
	return &PodStrategy{
		kubeClient: client,
		config:     cfg,
		namespace:  namespace,
	}
}

func podName(worker *Worker) string {
	return fmt.Sprintf("grader-%s-%s", worker.Type, worker.ID)
}

func (s *PodStrategy) runtimeClassFor(worker *Worker) *string {
	if s.config.K8s.MicroVMRuntimeClass == "" {
		return nil
	}

	for _, t := range s.config.K8s.MicroVMTypes {
		if t == worker.Type.String() {
			rc := s.config.K8s.MicroVMRuntimeClass
			return &rc
		}
	}

	return nil
}

func (s *PodStrategy) buildPod(ctx context.Context, worker *Worker) *corev1.Pod {
	image := s.config.K8s.WorkerImages[worker.Type.String()]

	env := []corev1.EnvVar{
		{
			Name:  "WORKER_ID",
			Value: worker.ID.String(),
		},
		{
			Name:  "WORKER_TYPE",
			Value: worker.Type.String(),
		},
		{
			Name:  "WORKER_TOOLS",
			Value: strings.Join(worker.Type.Capabilities(), ","),
		},
		{
			Name:  "WORKER_PORT",
			Value: strconv.Itoa(workerPort),
		},
	}

	carrier := otelgradingengine.CreateEnvCarrier()
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	env = append(env, carrier.AsK8sVars()...)
	env = append(env,
		corev1.EnvVar{
			Name:  "USE_OTLP",
			Value: strconv.FormatBool(s.config.Logging.UseOTLP),
		},
		corev1.EnvVar{
			Name:  "OTEL_EXPORTER_OTLP_ENDPOINT",
			Value: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		},
		corev1.EnvVar{
			Name:  "OTEL_RESOURCE_ATTRIBUTES",
			Value: os.Getenv("OTEL_RESOURCE_ATTRIBUTES"),
		},
		corev1.EnvVar{
			Name:  "OTEL_SERVICE_NAME",
			Value: "gradingengine-worker",
		},
	)

	assignment := s.config.K8s.WorkerNodeAssignment

	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name: podName(worker),
			Labels: map[string]string{
				ComponentLabel:  "worker",
				WorkerTypeLabel: worker.Type.String(),
				WorkerIDLabel:   worker.ID.String(),
			},
		},
		Spec: corev1.PodSpec{
			RestartPolicy:    corev1.RestartPolicyNever,
			RuntimeClassName: s.runtimeClassFor(worker),
			Affinity: &corev1.Affinity{
				NodeAffinity: &corev1.NodeAffinity{
					RequiredDuringSchedulingIgnoredDuringExecution: &corev1.NodeSelector{
						NodeSelectorTerms: []corev1.NodeSelectorTerm{
							{
								MatchExpressions: []corev1.NodeSelectorRequirement{
									{
										Key:      assignment.NodeAffinityLabel.Key,
										Operator: corev1.NodeSelectorOpIn,
										Values:   []string{assignment.NodeAffinityLabel.Value},
									},
								},
							},
						},
					},
				},
			},
			Tolerations: []corev1.Toleration{
				{
					Key:      assignment.Toleration.Key,
					Operator: corev1.TolerationOpEqual,
					Value:    assignment.Toleration.Value,
					Effect:   corev1.TaintEffectNoSchedule,
				},
			},
			Containers: []corev1.Container{
				{
					Name:  "worker",
					Image: image,
					Env:   env,
					Ports: []corev1.ContainerPort{
						{
							ContainerPort: workerPort,
						},
					},
					Resources: corev1.ResourceRequirements{
						Limits: corev1.ResourceList{
							corev1.ResourceCPU:    resource.MustParse("2"),
							corev1.ResourceMemory: resource.MustParse("4Gi"),
						},
					},
				},
			},
		},
	}
}

func (s *PodStrategy) Launch(ctx context.Context, worker *Worker) (string, error) {
	ctx, span := tracer.Start(ctx, "PodStrategy.Launch", trace.WithAttributes(
		attribute.String("worker.id", worker.ID.String()),
		attribute.String("worker.type", worker.Type.String()),
	))
	defer span.End()

	if _, ok := s.config.K8s.WorkerImages[worker.Type.String()]; !ok {
		err := fmt.Errorf("no worker image configured for type %q", worker.Type)
		span.RecordError(err)
		span.SetStatus(codes.Error, "missing worker image")
		return "", err
	}

	pod, err := s.kubeClient.CoreV1().
		Pods(s.namespace).
		Create(ctx, s.buildPod(ctx, worker), metav1.CreateOptions{})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to create pod")
		return "", err
	}

	span.AddEvent("created_pod", trace.WithAttributes(
		attribute.String("pod.name", pod.Name),
	))
	worker.PodName = pod.Name

	endpoint, err := s.waitReady(ctx, pod.Name)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "pod never became ready")
		return "", err
	}

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "launched worker pod")
	return endpoint, nil
}

// waitReady polls until the pod is running with an assigned IP or ctx
// expires. The caller bounds ctx with the configured startup timeout.
func (s *PodStrategy) waitReady(ctx context.Context, name string) (string, error) {
	ctx, span := tracer.Start(ctx, "PodStrategy.waitReady", trace.WithAttributes(
		attribute.String("pod.name", name),
	))
	defer span.End()

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		pod, err := s.kubeClient.CoreV1().Pods(s.namespace).Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to get pod")
			return "", err
		}

		switch pod.Status.Phase {
		case corev1.PodRunning:
			if pod.Status.PodIP != "" {
				endpoint := fmt.Sprintf("http://%s:%d", pod.Status.PodIP, workerPort)
				span.RecordError(nil)
				span.SetStatus(codes.Ok, "pod running")
				return endpoint, nil
			}
		case corev1.PodFailed, corev1.PodSucceeded:
			err := fmt.Errorf("pod reached terminal phase %q before serving", pod.Status.Phase)
			span.RecordError(err)
			span.SetStatus(codes.Error, "pod terminated during startup")
			return "", err
		default:
		}

		select {
		case <-ctx.Done():
			span.RecordError(ctx.Err())
			span.SetStatus(codes.Error, "context cancelled waiting for pod")
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *PodStrategy) Teardown(ctx context.Context, worker *Worker) error {
	ctx, span := tracer.Start(ctx, "PodStrategy.Teardown", trace.WithAttributes(
		attribute.String("worker.id", worker.ID.String()),
		attribute.String("pod.name", worker.PodName),
	))
	defer span.End()

	if worker.PodName == "" {
		span.RecordError(nil)
		span.SetStatus(codes.Ok, "no pod to tear down")
		return nil
	}

	err := s.kubeClient.CoreV1().
		Pods(s.namespace).
		Delete(ctx, worker.PodName, metav1.DeleteOptions{})
	if err != nil && !k8serrs.IsNotFound(err) {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to delete pod")
		return err
	}

	if k8serrs.IsNotFound(err) {
		logger.Logger.WarnContext(ctx, "pod already gone during teardown",
			"pod_name", worker.PodName,
		)
	}

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "tore down worker pod")
	return nil
}
