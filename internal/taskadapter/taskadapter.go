// Package taskadapter implements the batch cloud-task backend:
// one ECS task per bot, run on 100% Fargate Spot capacity.
// Grounded on aws-karpenter-provider-aws's aws.Config wiring
// (config.LoadDefaultConfig(ctx) feeding a service client via
// xxx.NewFromConfig(cfg)); that repo never touches ECS itself, so the
// RunTask/DescribeTasks/StopTask call shapes are grounded directly on
// the aws-sdk-go-v2/service/ecs package.
package taskadapter

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	"github.com/aws/aws-sdk-go-v2/service/ecs/types"
	"github.com/aws/smithy-go"

	"github.com/meeboter/coordinator/internal/backend"
	"github.com/meeboter/coordinator/internal/domain"
	"github.com/meeboter/coordinator/internal/errs"
)

// Config configures the ECS task adapter.
type Config struct {
	Cluster              string
	Subnets              []string
	SecurityGroups       []string
	AssignPublicIP       bool
	CallbackBaseURL      string
	ObjectStorageKeyID   string
	ObjectStorageSecret  string
	TaskDefinitionByPlatform map[domain.MeetingPlatform]string
	ContainerNameByPlatform  map[domain.MeetingPlatform]string
}

// ECSAPI is the subset of *ecs.Client the adapter needs, narrowed so
// tests can supply a fake.
type ECSAPI interface {
	RunTask(ctx context.Context, params *ecs.RunTaskInput, optFns ...func(*ecs.Options)) (*ecs.RunTaskOutput, error)
	DescribeTasks(ctx context.Context, params *ecs.DescribeTasksInput, optFns ...func(*ecs.Options)) (*ecs.DescribeTasksOutput, error)
	StopTask(ctx context.Context, params *ecs.StopTaskInput, optFns ...func(*ecs.Options)) (*ecs.StopTaskOutput, error)
	ListTasks(ctx context.Context, params *ecs.ListTasksInput, optFns ...func(*ecs.Options)) (*ecs.ListTasksOutput, error)
}

// Adapter implements backend.PlatformAdapter over ECS tasks.
type Adapter struct {
	cfg    Config
	client ECSAPI
}

// New builds an Adapter using the default AWS credential chain.
func New(ctx context.Context, cfg Config) (*Adapter, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewWithClient(cfg, ecs.NewFromConfig(awsCfg)), nil
}

// NewWithClient builds an Adapter over an existing ECS client, for tests.
func NewWithClient(cfg Config, client ECSAPI) *Adapter {
	return &Adapter{cfg: cfg, client: client}
}

func (a *Adapter) Name() domain.DeployPlatform { return domain.DeployAWS }

// Deploy runs a task for bot on 100% Spot capacity. Deploy
// returns as soon as RunTask accepts the request; it does not poll for
// the task to transition into RUNNING.
func (a *Adapter) Deploy(ctx context.Context, bot *domain.BotConfig) (*backend.DeployResult, error) {
	taskDef := a.cfg.TaskDefinitionByPlatform[bot.Meeting.Platform]
	if taskDef == "" {
		return nil, errs.Refusedf("no task definition configured for meeting platform %s", bot.Meeting.Platform)
	}
	containerName := a.cfg.ContainerNameByPlatform[bot.Meeting.Platform]
	if containerName == "" {
		containerName = "bot"
	}

	out, err := a.client.RunTask(ctx, &ecs.RunTaskInput{
		Cluster:        aws.String(a.cfg.Cluster),
		TaskDefinition: aws.String(taskDef),
		Count:          aws.Int32(1),
		CapacityProviderStrategy: []types.CapacityProviderStrategyItem{
			{CapacityProvider: aws.String("FARGATE_SPOT"), Weight: 1},
		},
		NetworkConfiguration: &types.NetworkConfiguration{
			AwsvpcConfiguration: &types.AwsVpcConfiguration{
				Subnets:        a.cfg.Subnets,
				SecurityGroups: a.cfg.SecurityGroups,
				AssignPublicIp: assignPublicIP(a.cfg.AssignPublicIP),
			},
		},
		Overrides: &types.TaskOverride{
			ContainerOverrides: []types.ContainerOverride{
				{
					Name:        aws.String(containerName),
					Environment: a.buildEnv(bot),
				},
			},
		},
		Tags: []types.Tag{
			{Key: aws.String("bot-id"), Value: aws.String(strconv.FormatInt(bot.BotID, 10))},
			{Key: aws.String("platform"), Value: aws.String(string(bot.Meeting.Platform))},
		},
	})
	if err != nil {
		return nil, errs.Failedf("run task for bot %d: %v", bot.BotID, err)
	}
	if len(out.Failures) > 0 {
		return nil, errs.Refusedf("run task for bot %d: %s", bot.BotID, out.Failures[0].Reason)
	}
	if len(out.Tasks) == 0 {
		return nil, errs.Failedf("run task for bot %d: no task returned", bot.BotID)
	}

	return &backend.DeployResult{Identifier: aws.ToString(out.Tasks[0].TaskArn)}, nil
}

func assignPublicIP(enabled bool) types.AssignPublicIp {
	if enabled {
		return types.AssignPublicIpEnabled
	}
	return types.AssignPublicIpDisabled
}

func (a *Adapter) buildEnv(bot *domain.BotConfig) []types.KeyValuePair {
	return []types.KeyValuePair{
		{Name: aws.String("BOT_ID"), Value: aws.String(strconv.FormatInt(bot.BotID, 10))},
		{Name: aws.String("MEETING_PLATFORM"), Value: aws.String(string(bot.Meeting.Platform))},
		{Name: aws.String("MEETING_URL"), Value: aws.String(bot.Meeting.MeetingURL)},
		{Name: aws.String("DISPLAY_NAME"), Value: aws.String(bot.DisplayName)},
		{Name: aws.String("CALLBACK_BASE_URL"), Value: aws.String(a.cfg.CallbackBaseURL)},
		{Name: aws.String("OBJECT_STORAGE_KEY_ID"), Value: aws.String(a.cfg.ObjectStorageKeyID)},
		{Name: aws.String("OBJECT_STORAGE_SECRET"), Value: aws.String(a.cfg.ObjectStorageSecret)},
	}
}

// Stop stops the task; a task already gone from the cluster is treated
// as success.
func (a *Adapter) Stop(ctx context.Context, identifier string) error {
	_, err := a.client.StopTask(ctx, &ecs.StopTaskInput{
		Cluster: aws.String(a.cfg.Cluster),
		Task:    aws.String(identifier),
		Reason:  aws.String("released by coordinator"),
	})
	if err != nil && !isTaskNotFound(err) {
		return errs.Failedf("stop task %s: %v", identifier, err)
	}
	return nil
}

func isTaskNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode() == "InvalidParameterException" || apiErr.ErrorCode() == "ClientException"
	}
	return false
}

// Status maps ECS's lastStatus to the common enum:
// RUNNING => RUNNING; PENDING/ACTIVATING/PROVISIONING => PENDING;
// STOPPED/DEPROVISIONING => SUCCEEDED when the essential container exited
// with code 0, otherwise STOPPED; missing/unknown => FAILED.
func (a *Adapter) Status(ctx context.Context, identifier string) (backend.Status, error) {
	out, err := a.client.DescribeTasks(ctx, &ecs.DescribeTasksInput{
		Cluster: aws.String(a.cfg.Cluster),
		Tasks:   []string{identifier},
	})
	if err != nil {
		return "", fmt.Errorf("describe task %s: %w", identifier, err)
	}
	if len(out.Tasks) == 0 {
		return backend.StatusFailed, nil
	}

	task := out.Tasks[0]
	switch aws.ToString(task.LastStatus) {
	case "RUNNING":
		return backend.StatusRunning, nil
	case "PENDING", "ACTIVATING", "PROVISIONING":
		return backend.StatusPending, nil
	case "STOPPED", "DEPROVISIONING":
		if task.StopCode == types.TaskStopCodeEssentialContainerExited && len(task.Containers) > 0 && aws.ToInt32(task.Containers[0].ExitCode) == 0 {
			return backend.StatusSucceeded, nil
		}
		return backend.StatusStopped, nil
	default:
		return backend.StatusFailed, nil
	}
}

// Release is a no-op: an ECS task is single-use, reclaimed by the task
// itself exiting, not returned to a pool.
func (a *Adapter) Release(ctx context.Context, botID int64) error {
	return nil
}

// ProcessQueue is a no-op: the task adapter has no local wait queue.
func (a *Adapter) ProcessQueue(ctx context.Context) error {
	return nil
}
