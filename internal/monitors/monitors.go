// Package monitors implements the lifecycle monitors: the
// heartbeat-timeout monitor, the slot recovery monitor, and the orphan
// reconciler. Each is a small ticker-driven goroutine started from
// Monitors.Run and stopped on context cancellation.
package monitors

import (
	"context"
	"sync"
	"time"

	"github.com/meeboter/coordinator/internal/backend"
	"github.com/meeboter/coordinator/internal/domain"
	"github.com/meeboter/coordinator/internal/logging"
	"github.com/meeboter/coordinator/internal/queue"
	"github.com/meeboter/coordinator/internal/store"
)

// Interval is the poll period for all three monitors.
const Interval = 5 * time.Minute

// StaleDeployingThreshold is how long a slot may sit in DEPLOYING before
// the recovery monitor considers it stuck.
const StaleDeployingThreshold = 15 * time.Minute

// FreshHeartbeatWindow is how recent a bot's heartbeat must be for the
// recovery monitor to treat its DEPLOYING slot as still making progress.
const FreshHeartbeatWindow = 5 * time.Minute

// ConsecutiveSkipsBeforeForceHealthy is how many fresh-heartbeat skips in
// a row force a DEPLOYING slot to HEALTHY.
const ConsecutiveSkipsBeforeForceHealthy = 3

// heartbeatFatalReason is the FATAL reason the heartbeat monitor records.
const heartbeatFatalReason = "Bot crashed or stopped responding (no heartbeat for 5+ minutes)"

// ApplicationLister is implemented by adapters that can enumerate their
// own backend applications for orphan reconciliation. Only the
// pool adapter implements this; batch adapters have no persistent
// application registry to diff against.
type ApplicationLister interface {
	ListApplications(ctx context.Context) (map[string]string, error) // application uuid -> slot name
}

// Monitors holds the state the recovery monitor needs across ticks (the
// per-slot consecutive-skip counters) and the adapters the other two
// monitors call into.
type Monitors struct {
	store    store.Store
	notifier queue.Notifier
	adapters map[domain.DeployPlatform]backend.PlatformAdapter

	mu    sync.Mutex
	skips map[int64]int
}

// New constructs a Monitors. adapters must include every platform that
// can own a pool slot (currently only domain.DeployPool).
func New(st store.Store, notifier queue.Notifier, adapters map[domain.DeployPlatform]backend.PlatformAdapter) *Monitors {
	return &Monitors{
		store:    st,
		notifier: notifier,
		adapters: adapters,
		skips:    make(map[int64]int),
	}
}

// Run starts the three monitor loops and blocks until ctx is cancelled.
func (m *Monitors) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); m.heartbeatLoop(ctx) }()
	go func() { defer wg.Done(); m.slotRecoveryLoop(ctx) }()
	go func() { defer wg.Done(); m.orphanLoop(ctx) }()
	wg.Wait()
}

func (m *Monitors) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckHeartbeats(ctx)
		}
	}
}

func (m *Monitors) slotRecoveryLoop(ctx context.Context) {
	ticker := time.NewTicker(Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.RecoverSlots(ctx)
		}
	}
}

func (m *Monitors) orphanLoop(ctx context.Context) {
	ticker := time.NewTicker(Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.ReconcileOrphans(ctx)
		}
	}
}

// CheckHeartbeats implements the heartbeat-timeout monitor: every
// bot matching one of the three stale conditions is marked FATAL and its
// adapter resource released.
func (m *Monitors) CheckHeartbeats(ctx context.Context) {
	bots, err := m.store.ListHeartbeatTimedOutBots(ctx)
	if err != nil {
		logging.Op().Error("heartbeat monitor: list failed", "error", err)
		return
	}
	for _, bot := range bots {
		if err := m.store.PersistFatal(ctx, bot.ID, heartbeatFatalReason); err != nil {
			logging.Op().Error("heartbeat monitor: persist fatal failed", "bot_id", bot.ID, "error", err)
			continue
		}
		adapter, ok := m.adapters[bot.DeploymentPlatform]
		if ok {
			if err := adapter.Release(ctx, bot.ID); err != nil {
				logging.Op().Warn("heartbeat monitor: adapter release failed", "bot_id", bot.ID, "error", err)
			}
		}
		logging.Op().Warn("bot fatal: heartbeat timeout", "bot_id", bot.ID, "status", bot.Status)
	}
	if len(bots) > 0 {
		_ = m.notifier.Notify(ctx, queue.QueueSlotReleased)
	}
}

// RecoverSlots implements the slot recovery monitor: ERROR slots
// and DEPLOYING slots stuck past StaleDeployingThreshold are each
// skipped, force-corrected, deleted, or reset depending on the assigned
// bot's heartbeat freshness and the slot's recovery-attempt count.
func (m *Monitors) RecoverSlots(ctx context.Context) {
	errored, err := m.store.ListSlotsByStatus(ctx, domain.SlotError)
	if err != nil {
		logging.Op().Error("slot recovery: list error slots failed", "error", err)
		return
	}
	stale, err := m.store.ListStaleDeployingSlots(ctx, StaleDeployingThreshold)
	if err != nil {
		logging.Op().Error("slot recovery: list stale deploying slots failed", "error", err)
		return
	}

	seen := map[int64]int64{}
	candidates := append(append([]*domain.PoolSlot{}, errored...), stale...)
	var released bool
	for _, slot := range candidates {
		if _, dup := seen[slot.ID]; dup {
			continue
		}
		seen[slot.ID] = slot.ID
		if m.recoverSlot(ctx, slot) {
			released = true
		}
	}
	if released {
		_ = m.notifier.Notify(ctx, queue.QueueSlotReleased)
	}
}

// recoverSlot applies one slot's recovery branch and reports whether the
// slot became available (IDLE) as a result.
func (m *Monitors) recoverSlot(ctx context.Context, slot *domain.PoolSlot) bool {
	if slot.Status == domain.SlotDeploying && slot.AssignedBotID != nil && m.hasFreshHeartbeat(ctx, *slot.AssignedBotID) {
		m.mu.Lock()
		m.skips[slot.ID]++
		count := m.skips[slot.ID]
		m.mu.Unlock()

		if count < ConsecutiveSkipsBeforeForceHealthy {
			return false
		}
		if err := m.store.ForceSlotHealthy(ctx, slot.ID); err != nil {
			logging.Op().Error("slot recovery: force healthy failed", "slot_id", slot.ID, "error", err)
			return false
		}
		m.clearSkips(slot.ID)
		logging.Op().Warn("slot forcibly corrected to healthy after repeated fresh-heartbeat skips", "slot_id", slot.ID)
		return false
	}
	m.clearSkips(slot.ID)

	if slot.AssignedBotID != nil {
		if err := m.store.PersistFatal(ctx, *slot.AssignedBotID, "pool slot recovery: container unresponsive"); err != nil {
			logging.Op().Error("slot recovery: persist fatal failed", "bot_id", *slot.AssignedBotID, "slot_id", slot.ID, "error", err)
		}
	}

	adapter, hasAdapter := m.adapters[domain.DeployPool]

	if slot.RecoveryAttempts >= domain.MaxRecoveryAttempts {
		if hasAdapter {
			if err := adapter.Stop(ctx, slot.ApplicationUUID); err != nil {
				logging.Op().Warn("slot recovery: stop backend application failed, deleting slot anyway", "slot_id", slot.ID, "error", err)
			}
		}
		if err := m.store.DeleteSlotReservation(ctx, slot.ID); err != nil {
			logging.Op().Error("slot recovery: delete exhausted slot failed", "slot_id", slot.ID, "error", err)
			return false
		}
		logging.Op().Warn("slot deleted after exhausting recovery attempts", "slot_id", slot.ID)
		return true
	}

	var stopErr error
	if hasAdapter {
		stopErr = adapter.Stop(ctx, slot.ApplicationUUID)
	}
	if stopErr != nil {
		logging.Op().Warn("slot recovery: stop failed, incrementing recovery attempts", "slot_id", slot.ID, "error", stopErr)
		if _, err := m.store.IncrementSlotRecoveryAttempts(ctx, slot.ID); err != nil {
			logging.Op().Error("slot recovery: increment attempts failed", "slot_id", slot.ID, "error", err)
		}
		return false
	}

	if err := m.store.ResetSlotFromRecovery(ctx, slot.ID); err != nil {
		logging.Op().Error("slot recovery: reset to idle failed", "slot_id", slot.ID, "error", err)
		return false
	}
	return true
}

func (m *Monitors) hasFreshHeartbeat(ctx context.Context, botID int64) bool {
	bot, err := m.store.GetBot(ctx, botID)
	if err != nil {
		return false
	}
	return bot.LastHeartbeatAt != nil && time.Since(*bot.LastHeartbeatAt) < FreshHeartbeatWindow
}

func (m *Monitors) clearSkips(slotID int64) {
	m.mu.Lock()
	delete(m.skips, slotID)
	m.mu.Unlock()
}

// ReconcileOrphans implements the orphan reconciler: it diffs the
// pool adapter's backend applications against slot rows, deleting
// backend-only applications from the backend and slot-only rows from the
// database. It is a no-op if the pool adapter doesn't implement
// ApplicationLister.
func (m *Monitors) ReconcileOrphans(ctx context.Context) {
	adapter, ok := m.adapters[domain.DeployPool]
	if !ok {
		return
	}
	lister, ok := adapter.(ApplicationLister)
	if !ok {
		return
	}

	backendApps, err := lister.ListApplications(ctx)
	if err != nil {
		logging.Op().Error("orphan reconciler: list backend applications failed", "error", err)
		return
	}

	slots, err := m.store.ListAllSlots(ctx)
	if err != nil {
		logging.Op().Error("orphan reconciler: list slots failed", "error", err)
		return
	}

	knownUUIDs := make(map[string]bool, len(slots))
	for _, slot := range slots {
		if slot.IsPlaceholder() {
			continue
		}
		knownUUIDs[slot.ApplicationUUID] = true
		if _, exists := backendApps[slot.ApplicationUUID]; !exists {
			if err := m.store.DeleteSlotReservation(ctx, slot.ID); err != nil {
				logging.Op().Error("orphan reconciler: delete slot-only row failed", "slot_id", slot.ID, "error", err)
				continue
			}
			logging.Op().Warn("orphan reconciler: deleted slot row with no backend application", "slot_id", slot.ID, "application_uuid", slot.ApplicationUUID)
		}
	}

	for appUUID := range backendApps {
		if knownUUIDs[appUUID] {
			continue
		}
		if err := adapter.Stop(ctx, appUUID); err != nil {
			logging.Op().Error("orphan reconciler: delete backend-only application failed", "application_uuid", appUUID, "error", err)
			continue
		}
		logging.Op().Warn("orphan reconciler: deleted backend application with no slot row", "application_uuid", appUUID)
	}
}
