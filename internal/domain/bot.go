// Package domain holds the core entities of the deployment coordinator:
// bots, pool slots, queue entries, and events. These types are storage-
// engine agnostic; internal/store binds them to Postgres.
package domain

import (
	"encoding/json"
	"time"
)

// MeetingPlatform identifies the video conferencing platform a bot joins.
type MeetingPlatform string

const (
	MeetingZoom  MeetingPlatform = "zoom"
	MeetingTeams MeetingPlatform = "teams"
	MeetingMeet  MeetingPlatform = "meet"
)

func (p MeetingPlatform) IsValid() bool {
	switch p {
	case MeetingZoom, MeetingTeams, MeetingMeet:
		return true
	}
	return false
}

// DeployPlatform identifies the execution backend a bot was (or will be)
// placed on. Distinct from MeetingPlatform, which is the video service.
type DeployPlatform string

const (
	DeployPool  DeployPlatform = "coolify" // pre-warmed pool backend
	DeployK8s   DeployPlatform = "k8s"     // batch container-runtime backend
	DeployAWS   DeployPlatform = "aws"     // batch cloud-task backend
	DeployLocal DeployPlatform = "local"   // pool backend running against a local dev container runtime
)

// Status is the bot lifecycle state.
type Status string

const (
	StatusReadyToDeploy Status = "READY_TO_DEPLOY"
	StatusDeploying     Status = "DEPLOYING"
	StatusJoiningCall   Status = "JOINING_CALL"
	StatusInWaitingRoom Status = "IN_WAITING_ROOM"
	StatusInCall        Status = "IN_CALL"
	StatusLeaving       Status = "LEAVING"
	StatusDone          Status = "DONE"
	StatusFatal         Status = "FATAL"
	// StatusQueued is observed-only: written when the pool adapter's local
	// queue (or the global queue) is holding the bot. It is never a
	// transition target recorded by the general state machine validator.
	StatusQueued Status = "QUEUED"
)

// ActiveStatuses is the set of statuses counted against platform capacity.
var ActiveStatuses = map[Status]bool{
	StatusDeploying:     true,
	StatusJoiningCall:    true,
	StatusInWaitingRoom: true,
	StatusInCall:        true,
	StatusLeaving:       true,
}

// TerminalStatuses is the absorbing set; a bot never leaves it.
var TerminalStatuses = map[Status]bool{
	StatusDone:  true,
	StatusFatal: true,
}

func (s Status) IsActive() bool   { return ActiveStatuses[s] }
func (s Status) IsTerminal() bool { return TerminalStatuses[s] }

// LogLevel mirrors the bot container's log verbosity.
type LogLevel string

const (
	LogTrace LogLevel = "TRACE"
	LogDebug LogLevel = "DEBUG"
	LogInfo  LogLevel = "INFO"
	LogWarn  LogLevel = "WARN"
	LogError LogLevel = "ERROR"
	LogFatal LogLevel = "FATAL"
)

func (l LogLevel) IsValid() bool {
	switch l {
	case LogTrace, LogDebug, LogInfo, LogWarn, LogError, LogFatal:
		return true
	}
	return false
}

// MeetingDescriptor identifies the meeting a bot attaches to.
type MeetingDescriptor struct {
	Platform     MeetingPlatform `json:"platform"`
	MeetingURL   string          `json:"meeting_url,omitempty"`
	MeetingID    string          `json:"meeting_id,omitempty"`
	Password     string          `json:"password,omitempty"`
	TenantID     string          `json:"tenant_id,omitempty"`
	OrganizerID  string          `json:"organizer_id,omitempty"`
}

// LeaveTimeouts bounds how long a bot waits before leaving automatically.
// All values are milliseconds and are clamped to lower bounds by
// orchestrator.clampTimeouts before the bot row is persisted.
type LeaveTimeouts struct {
	WaitingRoomMs  int `json:"waiting_room_ms"`
	NoOneJoinedMs  int `json:"no_one_joined_ms"`
	EveryoneLeftMs int `json:"everyone_left_ms"`
	InactivityMs   int `json:"inactivity_ms"`
}

// Screenshot is a single captured frame reference, bounded at 50 most
// recent entries per bot (oldest evicted first).
type Screenshot struct {
	URL       string    `json:"url"`
	CapturedAt time.Time `json:"captured_at"`
}

// MaxScreenshots is the per-bot screenshot retention cap.
const MaxScreenshots = 50

// SpeakerEvent is one entry in a bot's speaker timeline.
type SpeakerEvent struct {
	Speaker   string    `json:"speaker"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at,omitempty"`
}

// Bot is the logical attachment of one automated participant to one
// meeting instance.
type Bot struct {
	ID     int64  `json:"id"`
	UserID string `json:"user_id"`

	Meeting MeetingDescriptor `json:"meeting"`

	DisplayName      string `json:"display_name"`
	AvatarURL        string `json:"avatar_url,omitempty"`
	RecordingEnabled bool   `json:"recording_enabled"`
	ChatEnabled      bool   `json:"chat_enabled"`

	StartTime *time.Time `json:"start_time,omitempty"`
	EndTime   *time.Time `json:"end_time,omitempty"`
	Timezone  string     `json:"timezone,omitempty"`

	HeartbeatIntervalMs int            `json:"heartbeat_interval_ms"`
	LeaveTimeouts       LeaveTimeouts  `json:"leave_timeouts"`
	WebhookURL          string         `json:"webhook_url,omitempty"`

	Status             Status         `json:"status"`
	LastHeartbeatAt    *time.Time     `json:"last_heartbeat_at,omitempty"`
	LogLevel           LogLevel       `json:"log_level"`
	DeploymentPlatform DeployPlatform `json:"deployment_platform,omitempty"`
	PlatformIdentifier string         `json:"platform_identifier,omitempty"`
	DeploymentError    string         `json:"deployment_error,omitempty"`
	RecordingURL       string         `json:"recording_url,omitempty"`
	SpeakerTimeline    []SpeakerEvent `json:"speaker_timeline,omitempty"`
	Screenshots        []Screenshot   `json:"screenshots,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AddScreenshot appends a screenshot, evicting the oldest entries first
// once the bot exceeds MaxScreenshots (boundary behavior).
func (b *Bot) AddScreenshot(s Screenshot) {
	b.Screenshots = append(b.Screenshots, s)
	if over := len(b.Screenshots) - MaxScreenshots; over > 0 {
		b.Screenshots = b.Screenshots[over:]
	}
}

// CanTransitionTo reports whether moving from the bot's current status to
// next is legal under the monotonicity invariant: terminal statuses are
// absorbing, and QUEUED is observed-only (never a persisted transition
// target written by this check — callers that need QUEUED bypass it).
func (b *Bot) CanTransitionTo(next Status) bool {
	if b.Status.IsTerminal() {
		return false
	}
	return true
}

// MarshalBinary/UnmarshalBinary let Bot be stored directly as a JSONB
// column value or cached as a typed blob.
func (b *Bot) MarshalBinary() ([]byte, error)    { return json.Marshal(b) }
func (b *Bot) UnmarshalBinary(data []byte) error { return json.Unmarshal(data, b) }

// BotConfig is the projection of a Bot handed to platform adapters and
// returned from the pool-slot-config / getBot endpoints to the bot
// container. It excludes control-plane-only bookkeeping fields.
type BotConfig struct {
	BotID               int64             `json:"bot_id"`
	Meeting             MeetingDescriptor `json:"meeting"`
	DisplayName         string            `json:"display_name"`
	AvatarURL           string            `json:"avatar_url,omitempty"`
	RecordingEnabled    bool              `json:"recording_enabled"`
	ChatEnabled         bool              `json:"chat_enabled"`
	HeartbeatIntervalMs int               `json:"heartbeat_interval_ms"`
	LeaveTimeouts       LeaveTimeouts     `json:"leave_timeouts"`
	LogLevel            LogLevel          `json:"log_level"`
}

// Config builds the BotConfig projection passed to adapters.
func (b *Bot) Config() *BotConfig {
	return &BotConfig{
		BotID:               b.ID,
		Meeting:             b.Meeting,
		DisplayName:         b.DisplayName,
		AvatarURL:           b.AvatarURL,
		RecordingEnabled:    b.RecordingEnabled,
		ChatEnabled:         b.ChatEnabled,
		HeartbeatIntervalMs: b.HeartbeatIntervalMs,
		LeaveTimeouts:       b.LeaveTimeouts,
		LogLevel:            b.LogLevel,
	}
}
