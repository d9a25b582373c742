// Package store is the durable metadata layer for the deployment
// coordinator: bots, pool slots, the pool-local and global wait queues,
// and events. PostgresStore is the only implementation; the Store
// interface exists so router/orchestrator/monitors/intake code can be
// tested against an in-memory fake.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/meeboter/coordinator/internal/domain"
)

// ErrNotFound is returned by lookups that find no matching row.
var ErrNotFound = errors.New("store: not found")

// Store is the durable metadata store backing the coordinator.
type Store interface {
	Close()
	Ping(ctx context.Context) error

	// Bots
	CreateBot(ctx context.Context, bot *domain.Bot) error
	GetBot(ctx context.Context, id int64) (*domain.Bot, error)
	DeleteBot(ctx context.Context, id int64) error
	ListBots(ctx context.Context, userID string, page, pageSize int) ([]*domain.Bot, error)
	GetBotOwner(ctx context.Context, id int64) (string, error)

	// UpdateBot applies a partial edit to the mutable subset of a bot's
	// fields (updateBot). Fields left nil in patch are unchanged.
	UpdateBot(ctx context.Context, id int64, patch BotPatch) error

	SetBotDeploying(ctx context.Context, id int64) error
	PersistPlacement(ctx context.Context, id int64, platform domain.DeployPlatform, identifier string) error
	PersistQueued(ctx context.Context, id int64) error
	PersistFatal(ctx context.Context, id int64, reason string) error
	UpdateStatus(ctx context.Context, id int64, status domain.Status) error

	// HeartbeatLookup and HeartbeatTouch implement the two halves of the
	// heartbeat fast-path; the intake layer runs them concurrently.
	HeartbeatLookup(ctx context.Context, id int64) (domain.Status, domain.LogLevel, error)
	HeartbeatTouch(ctx context.Context, id int64, at time.Time) error

	// UpdateStatusWithRecording implements the status-update transaction
	// of: reads {recordingEnabled, callbackURL, platformIdentifier},
	// enforces the DONE+recording precondition, and writes the new
	// status/recording/speaker-timeline atomically.
	UpdateStatusWithRecording(ctx context.Context, id int64, status domain.Status, recordingURL string, speakers []domain.SpeakerEvent) (callbackURL, platformIdentifier string, err error)

	AddScreenshot(ctx context.Context, id int64, shot domain.Screenshot) error
	UpdateLogLevel(ctx context.Context, id int64, level domain.LogLevel) error

	ActiveCount(ctx context.Context, platform domain.DeployPlatform) (int, error)

	GetPoolSlotConfig(ctx context.Context, applicationUUID string) (*domain.BotConfig, bool, error)

	// Events
	InsertEvents(ctx context.Context, events []*domain.Event) error

	// Pool slots
	AcquireIdleSlot(ctx context.Context, platform domain.MeetingPlatform, botID int64) (*domain.PoolSlot, error)
	ReserveNewSlot(ctx context.Context, platform domain.MeetingPlatform, botID int64) (*domain.PoolSlot, error)
	SetSlotApplicationUUID(ctx context.Context, slotID int64, uuid string) error
	DeleteSlotReservation(ctx context.Context, slotID int64) error
	GetSlot(ctx context.Context, slotID int64) (*domain.PoolSlot, error)
	GetSlotByApplicationUUID(ctx context.Context, uuid string) (*domain.PoolSlot, error)
	SetSlotHealthy(ctx context.Context, slotID int64) error
	SetSlotError(ctx context.Context, slotID int64, reason string) error
	ReleaseSlot(ctx context.Context, slotID int64) error
	RecreateSlotApplication(ctx context.Context, slotID int64, newUUID string) error
	ResetSlotFromRecovery(ctx context.Context, slotID int64) error
	IncrementSlotRecoveryAttempts(ctx context.Context, slotID int64) (int, error)
	ForceSlotHealthy(ctx context.Context, slotID int64) error
	ListSlotsByStatus(ctx context.Context, statuses ...domain.SlotStatus) ([]*domain.PoolSlot, error)
	ListStaleDeployingSlots(ctx context.Context, olderThan time.Duration) ([]*domain.PoolSlot, error)
	ListAllSlots(ctx context.Context) ([]*domain.PoolSlot, error)
	PoolStats(ctx context.Context) (PoolStats, error)

	// Pool-local queue
	AddToLocalQueue(ctx context.Context, botID int64, priority int, timeout time.Duration) error
	LocalQueueHead(ctx context.Context) (*domain.PoolQueueEntry, error)
	RemoveFromLocalQueue(ctx context.Context, botID int64) error
	ExpireLocalQueue(ctx context.Context) ([]int64, error)
	LocalQueueStats(ctx context.Context) (QueueStats, error)

	// Global wait queue
	AddToGlobalQueue(ctx context.Context, botID int64, priority int, timeout time.Duration) (position int, err error)
	GlobalQueuePosition(ctx context.Context, botID int64) (int, error)
	ExpireGlobalQueue(ctx context.Context) ([]int64, error)
	NextGlobalQueueHead(ctx context.Context) (*domain.GlobalQueueEntry, error)
	RevertGlobalQueueEntry(ctx context.Context, id int64) error
	DeleteGlobalQueueEntry(ctx context.Context, id int64) error
	GlobalQueueStats(ctx context.Context) (QueueStats, error)

	// Monitors
	ListHeartbeatTimedOutBots(ctx context.Context) ([]*domain.Bot, error)

	// ListReadyToDeployBots supports the scheduled-start poller: it
	// returns every bot still sitting in READY_TO_DEPLOY, for the caller to
	// filter by ShouldDeployImmediately. The set is expected to stay small
	// since most bots deploy immediately on creation.
	ListReadyToDeployBots(ctx context.Context) ([]*domain.Bot, error)
}

// BotPatch is a partial edit to a bot's mutable, pre-deploy-safe fields.
// A nil field is left unchanged, the same pointer-typed-optional-field
// pattern orchestrator.CreateInput uses for request DTOs.
type BotPatch struct {
	DisplayName         *string
	AvatarURL           *string
	RecordingEnabled    *bool
	ChatEnabled         *bool
	WebhookURL          *string
	HeartbeatIntervalMs *int
	LeaveTimeouts       *domain.LeaveTimeouts
}

// PoolStats is the response shape for the poolStats infra RPC.
type PoolStats struct {
	Idle      int `json:"idle"`
	Deploying int `json:"deploying"`
	Healthy   int `json:"healthy"`
	Error     int `json:"error"`
	Total     int `json:"total"`
	MaxSize   int `json:"max_size"`
}

// QueueStats is the response shape for queueStats.
type QueueStats struct {
	Length     int   `json:"length"`
	OldestMs   int64 `json:"oldest_queued_ms"`
	MeanWaitMs int64 `json:"mean_wait_ms"`
}
