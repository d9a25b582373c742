// Package orchestrator implements the deployment orchestrator:
// createBot, deploy, release, and the scheduled-start heuristic that
// decide which bots are placed immediately versus left READY_TO_DEPLOY.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/meeboter/coordinator/internal/backend"
	"github.com/meeboter/coordinator/internal/domain"
	"github.com/meeboter/coordinator/internal/logging"
	"github.com/meeboter/coordinator/internal/router"
	"github.com/meeboter/coordinator/internal/store"
)

// Default and minimum leave-timeout values (step 2).
const (
	MinWaitingRoomMs  = 10 * 60 * 1000
	MinNoOneJoinedMs  = 60 * 1000
	MinEveryoneLeftMs = 60 * 1000
	MinInactivityMs   = 5 * 60 * 1000

	DefaultHeartbeatIntervalMs = 10 * 1000
	DefaultDisplayName         = "Meeboter"
	DefaultDeployQueueTimeout  = 5 * time.Minute

	// ImmediateDeployWindow is how close to now a bot's scheduled start
	// time must be for shouldDeployImmediately to return true.
	ImmediateDeployWindow = 5 * time.Minute
)

// Router is the subset of the hybrid router the orchestrator depends on.
type Router interface {
	Place(ctx context.Context, bot *domain.Bot, queueTimeout time.Duration) (*router.PlacementOutcome, error)
	Pump(ctx context.Context)
}

// Orchestrator wires the store and router together to implement the
// bot creation and deployment lifecycle.
type Orchestrator struct {
	store              store.Store
	router             Router
	waitingRoomMinMs   int
}

// Option configures an Orchestrator at construction time.
type Option func(*Orchestrator)

// WithWaitingRoomMinMs overrides the waiting-room clamp floor. The
// resolved Open Question fixes the default at 10 minutes; this lets an
// operator lower it to 5 minutes via WAITING_ROOM_MIN_MS configuration.
func WithWaitingRoomMinMs(ms int) Option {
	return func(o *Orchestrator) {
		if ms > 0 {
			o.waitingRoomMinMs = ms
		}
	}
}

// New constructs an Orchestrator.
func New(st store.Store, r Router, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:            st,
		router:           r,
		waitingRoomMinMs: MinWaitingRoomMs,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// CreateInput is the caller-supplied bot specification for createBot.
type CreateInput struct {
	UserID           string
	Meeting          domain.MeetingDescriptor
	DisplayName      string
	AvatarURL        string
	RecordingEnabled *bool
	ChatEnabled      *bool
	StartTime        *time.Time
	EndTime          *time.Time
	Timezone         string
	HeartbeatIntervalMs int
	LeaveTimeouts    domain.LeaveTimeouts
	WebhookURL       string
}

// CreateResult is returned by CreateBot.
type CreateResult struct {
	Bot       *domain.Bot
	Placement *router.PlacementOutcome
}

// clampTimeouts enforces the step-2 lower bounds on all four
// automatic-leave timeouts.
func (o *Orchestrator) clampTimeouts(t domain.LeaveTimeouts) domain.LeaveTimeouts {
	if t.WaitingRoomMs < o.waitingRoomMinMs {
		t.WaitingRoomMs = o.waitingRoomMinMs
	}
	if t.NoOneJoinedMs < MinNoOneJoinedMs {
		t.NoOneJoinedMs = MinNoOneJoinedMs
	}
	if t.EveryoneLeftMs < MinEveryoneLeftMs {
		t.EveryoneLeftMs = MinEveryoneLeftMs
	}
	if t.InactivityMs < MinInactivityMs {
		t.InactivityMs = MinInactivityMs
	}
	return t
}

// ShouldDeployImmediately is true iff t is absent or within
// ImmediateDeployWindow of now.
func ShouldDeployImmediately(t *time.Time, now time.Time) bool {
	if t == nil {
		return true
	}
	return t.Sub(now) <= ImmediateDeployWindow
}

// CreateBot implements this component's createBot: quota is confirmed by the
// caller (an external collaborator) before this is invoked. It
// clamps timeouts, applies field defaults, inserts the bot row, and —
// if the bot's scheduled start is immediate — deploys it.
func (o *Orchestrator) CreateBot(ctx context.Context, in CreateInput) (*CreateResult, error) {
	bot := &domain.Bot{
		UserID:              in.UserID,
		Meeting:             in.Meeting,
		DisplayName:         in.DisplayName,
		AvatarURL:           in.AvatarURL,
		ChatEnabled:         true,
		StartTime:           in.StartTime,
		EndTime:             in.EndTime,
		Timezone:            in.Timezone,
		HeartbeatIntervalMs: in.HeartbeatIntervalMs,
		LeaveTimeouts:       o.clampTimeouts(in.LeaveTimeouts),
		WebhookURL:          in.WebhookURL,
		Status:              domain.StatusReadyToDeploy,
		LogLevel:            domain.LogInfo,
	}
	if bot.DisplayName == "" {
		bot.DisplayName = DefaultDisplayName
	}
	if bot.HeartbeatIntervalMs <= 0 {
		bot.HeartbeatIntervalMs = DefaultHeartbeatIntervalMs
	}
	if in.RecordingEnabled != nil {
		bot.RecordingEnabled = *in.RecordingEnabled
	}
	if in.ChatEnabled != nil {
		bot.ChatEnabled = *in.ChatEnabled
	}

	if err := o.store.CreateBot(ctx, bot); err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}

	result := &CreateResult{Bot: bot}
	if ShouldDeployImmediately(bot.StartTime, time.Now()) {
		placement, err := o.Deploy(ctx, bot.ID, DefaultDeployQueueTimeout)
		if err != nil {
			return result, err
		}
		result.Placement = placement
		result.Bot.Status = bot.Status
	}
	return result, nil
}

// Deploy implements this component's deploy: transition to DEPLOYING, invoke the
// router, and persist the outcome. On router/adapter error the bot is
// marked FATAL and the error is returned to the caller.
func (o *Orchestrator) Deploy(ctx context.Context, botID int64, queueTimeout time.Duration) (*router.PlacementOutcome, error) {
	bot, err := o.store.GetBot(ctx, botID)
	if err != nil {
		return nil, fmt.Errorf("load bot %d: %w", botID, err)
	}

	if err := o.store.SetBotDeploying(ctx, botID); err != nil {
		return nil, fmt.Errorf("set bot deploying: %w", err)
	}
	bot.Status = domain.StatusDeploying

	outcome, err := o.router.Place(ctx, bot, queueTimeout)
	if err != nil {
		if fatalErr := o.store.PersistFatal(ctx, botID, err.Error()); fatalErr != nil {
			logging.Op().Error("failed to persist fatal status after placement error", "bot_id", botID, "error", fatalErr)
		}
		return nil, fmt.Errorf("deploy bot %d: %w", botID, err)
	}

	if outcome.Queued {
		if err := o.store.PersistQueued(ctx, botID); err != nil {
			logging.Op().Error("failed to persist queued status", "bot_id", botID, "error", err)
		}
	}

	return outcome, nil
}

// Release implements this component's release: it returns the placement resource
// to available state via the adapter the caller supplies, then pumps
// the global queue so a waiting bot can take its place.
func (o *Orchestrator) Release(ctx context.Context, botID int64, adapter backend.PlatformAdapter) error {
	if adapter != nil {
		if err := adapter.Release(ctx, botID); err != nil {
			logging.Op().Error("adapter release failed", "bot_id", botID, "error", err)
		}
	}
	o.router.Pump(ctx)
	return nil
}
