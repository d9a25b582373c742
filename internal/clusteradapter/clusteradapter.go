// Package clusteradapter implements the batch container-runtime adapter
// : one Kubernetes Job per bot, with image-pull coordination
// across concurrent deploys of the same (platform, image tag).
// Grounded on volaticloud's internal/kubernetes.BacktestRunner: the
// client-go wiring (kubeconfig-or-in-cluster REST config, a
// kubernetes.Interface clientset) and the Job-creation shape (labels,
// restart policy, backoff limit, TTL-after-finished) are the same; the
// ConfigMap/init-container machinery that repo uses to stage strategy
// files has no equivalent here, since a bot's configuration travels as
// environment variables instead of mounted files.
package clusteradapter

import (
	"context"
	"fmt"
	"strconv"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/meeboter/coordinator/internal/backend"
	"github.com/meeboter/coordinator/internal/concurrency"
	"github.com/meeboter/coordinator/internal/domain"
	"github.com/meeboter/coordinator/internal/errs"
	"github.com/meeboter/coordinator/internal/logging"
)

// ShmSize is the shared-memory volume size every bot Job gets for its
// browser process.
const ShmSize = "512Mi"

// TTLAfterFinished is how long a finished Job lingers before garbage
// collection.
const TTLAfterFinished = 300 * time.Second

// FirstDeployerRunningWaitTimeout bounds how long the first deployer of a
// (platform, tag) pair waits for its pod to reach Running.
const FirstDeployerRunningWaitTimeout = 5 * time.Minute

// Config configures the cluster adapter.
type Config struct {
	Namespace        string
	ImageRegistry    string
	ImagePullSecret  string
	CPURequest       string
	MemoryRequest    string
	CPULimit         string
	MemoryLimit      string
	CallbackBaseURL  string
	ImageTagByPlatform map[domain.MeetingPlatform]string
}

// Adapter implements backend.PlatformAdapter over Kubernetes Jobs.
type Adapter struct {
	cfg       Config
	clientset kubernetes.Interface
	pulls     *concurrency.PullCoordinator
}

// New builds an Adapter from an explicit kubeconfig path, or in-cluster
// config when kubeconfigPath is empty.
func New(cfg Config, kubeconfigPath string) (*Adapter, error) {
	restConfig, err := buildRestConfig(kubeconfigPath)
	if err != nil {
		return nil, fmt.Errorf("build kubernetes rest config: %w", err)
	}
	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("build kubernetes client: %w", err)
	}
	return NewWithClientset(cfg, clientset), nil
}

// NewWithClientset builds an Adapter over an existing clientset, for tests.
func NewWithClientset(cfg Config, clientset kubernetes.Interface) *Adapter {
	return &Adapter{
		cfg:       cfg,
		clientset: clientset,
		pulls:     concurrency.NewPullCoordinator(),
	}
}

func buildRestConfig(kubeconfigPath string) (*rest.Config, error) {
	if kubeconfigPath == "" {
		return rest.InClusterConfig()
	}
	return clientcmd.BuildConfigFromFlags("", kubeconfigPath)
}

func (a *Adapter) Name() domain.DeployPlatform { return domain.DeployK8s }

func jobName(botID int64) string {
	return fmt.Sprintf("meeboter-bot-%d", botID)
}

// Deploy creates a Job for bot and returns immediately; it does not wait
// for the pod to be scheduled.
func (a *Adapter) Deploy(ctx context.Context, bot *domain.BotConfig) (*backend.DeployResult, error) {
	image := a.cfg.ImageTagByPlatform[bot.Meeting.Platform]
	if image == "" {
		return nil, errs.Refusedf("no image configured for meeting platform %s", bot.Meeting.Platform)
	}

	job := a.buildJob(bot, image)

	created, err := a.clientset.BatchV1().Jobs(a.cfg.Namespace).Create(ctx, job, metav1.CreateOptions{})
	if err != nil {
		if apierrors.IsAlreadyExists(err) {
			return nil, errs.Refusedf("job for bot %d already exists", bot.BotID)
		}
		return nil, errs.Failedf("create job for bot %d: %v", bot.BotID, err)
	}

	pullKey := string(bot.Meeting.Platform) + ":" + image
	go a.awaitFirstPull(pullKey, created.Name)

	return &backend.DeployResult{Identifier: created.Name}, nil
}

// awaitFirstPull implements the /"first deployer waits for
// running, followers proceed immediately" rule: only the first concurrent
// Deploy for a given (platform, tag) actually polls; everyone else
// observes the same outcome through PullCoordinator.
func (a *Adapter) awaitFirstPull(pullKey, job string) {
	ctx, cancel := context.WithTimeout(context.Background(), FirstDeployerRunningWaitTimeout)
	defer cancel()

	err := a.pulls.Do(pullKey, func() error {
		return a.waitForRunning(ctx, job)
	})
	if err != nil {
		logging.Op().Warn("cluster adapter: job did not reach running", "job", job, "error", err)
	}
}

func (a *Adapter) waitForRunning(ctx context.Context, job string) error {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		status, err := a.Status(ctx, job)
		if err != nil {
			return err
		}
		if status == backend.StatusRunning || status == backend.StatusSucceeded || status == backend.StatusFailed {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (a *Adapter) buildJob(bot *domain.BotConfig, image string) *batchv1.Job {
	backoffLimit := int32(0)
	ttl := int32(TTLAfterFinished.Seconds())

	labels := map[string]string{
		"app":      "meeboter-bot",
		"platform": string(bot.Meeting.Platform),
		"bot-id":   strconv.FormatInt(bot.BotID, 10),
	}

	var pullSecrets []corev1.LocalObjectReference
	if a.cfg.ImagePullSecret != "" {
		pullSecrets = []corev1.LocalObjectReference{{Name: a.cfg.ImagePullSecret}}
	}

	return &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      jobName(bot.BotID),
			Namespace: a.cfg.Namespace,
			Labels:    labels,
		},
		Spec: batchv1.JobSpec{
			BackoffLimit:            &backoffLimit,
			TTLSecondsAfterFinished: &ttl,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: corev1.PodSpec{
					RestartPolicy:    corev1.RestartPolicyNever,
					ImagePullSecrets: pullSecrets,
					Volumes: []corev1.Volume{
						{
							Name: "shm",
							VolumeSource: corev1.VolumeSource{
								EmptyDir: &corev1.EmptyDirVolumeSource{
									Medium:    corev1.StorageMediumMemory,
									SizeLimit: resourcePtr(ShmSize),
								},
							},
						},
					},
					Containers: []corev1.Container{
						{
							Name:  "bot",
							Image: a.cfg.ImageRegistry + "/" + image,
							Env:   a.buildEnv(bot),
							VolumeMounts: []corev1.VolumeMount{
								{Name: "shm", MountPath: "/dev/shm"},
							},
							Resources: corev1.ResourceRequirements{
								Requests: corev1.ResourceList{
									corev1.ResourceCPU:    resource.MustParse(a.cfg.CPURequest),
									corev1.ResourceMemory: resource.MustParse(a.cfg.MemoryRequest),
								},
								Limits: corev1.ResourceList{
									corev1.ResourceCPU:    resource.MustParse(a.cfg.CPULimit),
									corev1.ResourceMemory: resource.MustParse(a.cfg.MemoryLimit),
								},
							},
						},
					},
				},
			},
		},
	}
}

func resourcePtr(qty string) *resource.Quantity {
	q := resource.MustParse(qty)
	return &q
}

func (a *Adapter) buildEnv(bot *domain.BotConfig) []corev1.EnvVar {
	return []corev1.EnvVar{
		{Name: "BOT_ID", Value: strconv.FormatInt(bot.BotID, 10)},
		{Name: "MEETING_PLATFORM", Value: string(bot.Meeting.Platform)},
		{Name: "MEETING_URL", Value: bot.Meeting.MeetingURL},
		{Name: "DISPLAY_NAME", Value: bot.DisplayName},
		{Name: "CALLBACK_BASE_URL", Value: a.cfg.CallbackBaseURL},
		{Name: "RECORDING_ENABLED", Value: strconv.FormatBool(bot.RecordingEnabled)},
	}
}

// Stop deletes the Job; a not-found response is success.
func (a *Adapter) Stop(ctx context.Context, identifier string) error {
	propagation := metav1.DeletePropagationBackground
	err := a.clientset.BatchV1().Jobs(a.cfg.Namespace).Delete(ctx, identifier, metav1.DeleteOptions{
		PropagationPolicy: &propagation,
	})
	if err != nil && !apierrors.IsNotFound(err) {
		return errs.Failedf("delete job %s: %v", identifier, err)
	}
	return nil
}

// Status maps Job status counters to the common enum:
// active>0 => RUNNING; succeeded>0 => SUCCEEDED; failed>0 => FAILED;
// else PENDING.
func (a *Adapter) Status(ctx context.Context, identifier string) (backend.Status, error) {
	job, err := a.clientset.BatchV1().Jobs(a.cfg.Namespace).Get(ctx, identifier, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return backend.StatusFailed, nil
		}
		return "", fmt.Errorf("get job %s: %w", identifier, err)
	}

	switch {
	case job.Status.Active > 0:
		return backend.StatusRunning, nil
	case job.Status.Succeeded > 0:
		return backend.StatusSucceeded, nil
	case job.Status.Failed > 0:
		return backend.StatusFailed, nil
	default:
		return backend.StatusPending, nil
	}
}

// Release is a no-op for the batch cluster adapter: a Job is single-use
// and reclaimed by TTLSecondsAfterFinished, not returned to a pool.
func (a *Adapter) Release(ctx context.Context, botID int64) error {
	return nil
}

// ProcessQueue is a no-op: the cluster adapter has no local wait queue,
// capacity is bounded purely by the active-count check in router.Hybrid.
func (a *Adapter) ProcessQueue(ctx context.Context) error {
	return nil
}
