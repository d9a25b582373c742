package domain

import "time"

// SlotStatus is the Pool Slot state machine.
type SlotStatus string

const (
	SlotIdle      SlotStatus = "IDLE"
	SlotDeploying SlotStatus = "DEPLOYING"
	SlotHealthy   SlotStatus = "HEALTHY"
	SlotError     SlotStatus = "ERROR"
)

// MaxRecoveryAttempts is the ceiling before a slot is permanently deleted
// instead of reset (invariant, slot recovery).
const MaxRecoveryAttempts = 3

// MaxPoolSize is the system-wide cap on pre-warmed pool slots.
const MaxPoolSize = 100

// PoolSlot is a pre-provisioned container on the pool backend, reusable
// across bot sessions.
type PoolSlot struct {
	ID                int64           `json:"id"`
	Name              string          `json:"name"` // pool-<platform>-<NNN>
	Platform          MeetingPlatform `json:"platform"`
	Status            SlotStatus      `json:"status"`
	AssignedBotID     *int64          `json:"assigned_bot_id,omitempty"`
	LastUsedAt        *time.Time      `json:"last_used_at,omitempty"`
	ErrorMessage      string          `json:"error_message,omitempty"`
	RecoveryAttempts  int             `json:"recovery_attempts"`
	ApplicationUUID   string          `json:"application_uuid"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// IsPlaceholder reports whether ApplicationUUID is a pending reservation
// marker rather than a real backend-assigned id (new-slot creation).
func (s *PoolSlot) IsPlaceholder() bool {
	return len(s.ApplicationUUID) >= 8 && s.ApplicationUUID[:8] == "pending-"
}
