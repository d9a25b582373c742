package pool

import (
	"context"
	"time"

	"github.com/meeboter/coordinator/internal/domain"
	"github.com/meeboter/coordinator/internal/logging"
	"github.com/meeboter/coordinator/internal/queue"
)

// configureAndStart implements this component's configure-and-start sequence. It
// runs entirely in the background goroutine Deploy/ProcessQueue spawn, so
// the synchronous adapter call never blocks on pull or start completion
// . It holds the deployment-concurrency permit and the
// per-platform pull lock for the full duration of the start-and-observe
// sequence, releasing both only once the container is HEALTHY or ERROR.
func (p *Pool) configureAndStart(ctx context.Context, slot *domain.PoolSlot) {
	if err := p.ensureApplicationExists(ctx, slot); err != nil {
		logging.Op().Error("configure-and-start: application existence check failed", "slot_id", slot.ID, "error", err)
		p.failSlot(ctx, slot, err)
		return
	}

	if err := p.runtime.UpdateDescription(ctx, slot.ApplicationUUID, "bot-pool:"+slot.Name); err != nil {
		logging.Op().Warn("configure-and-start: update description failed", "slot_id", slot.ID, "error", err)
	}

	if err := p.gate.Acquire(ctx, 0); err != nil {
		logging.Op().Error("configure-and-start: deployment gate acquire failed", "slot_id", slot.ID, "error", err)
		p.failSlot(ctx, slot, err)
		return
	}
	defer p.gate.Release()

	startAndObserve := func() error {
		if p.wasRecentlyStarted(slot.ApplicationUUID) {
			return p.awaitRunning(ctx, slot)
		}
		if err := p.runtime.StartApplication(ctx, slot.ApplicationUUID); err != nil {
			return err
		}
		p.markStarted(slot.ApplicationUUID)
		return p.awaitRunning(ctx, slot)
	}

	// A follower waits for the first deployer's outcome, then starts its
	// own application.
	pullKey := string(slot.Platform)
	ranAsFirst := false
	err := p.pulls.Do(pullKey, func() error {
		ranAsFirst = true
		return startAndObserve()
	})
	if err == nil && !ranAsFirst {
		err = startAndObserve()
	}

	if err != nil {
		logging.Op().Error("configure-and-start: start/observe failed", "slot_id", slot.ID, "error", err)
		p.failSlot(ctx, slot, err)
		return
	}

	if err := p.store.SetSlotHealthy(ctx, slot.ID); err != nil {
		logging.Op().Error("configure-and-start: set slot healthy failed", "slot_id", slot.ID, "error", err)
	}
}

// ensureApplicationExists checks the backend still has slot's application;
// if it's gone, a new one is created and recovery-attempts is incremented
// (configure-and-start step 1).
func (p *Pool) ensureApplicationExists(ctx context.Context, slot *domain.PoolSlot) error {
	if slot.IsPlaceholder() {
		return nil
	}
	status, err := p.runtime.ApplicationStatus(ctx, slot.ApplicationUUID)
	if err != nil {
		return err
	}
	if status != AppMissing {
		return nil
	}

	recreateCfg := &domain.BotConfig{
		BotID:   valueOrZero(slot.AssignedBotID),
		Meeting: domain.MeetingDescriptor{Platform: slot.Platform},
	}
	newUUID, err := p.runtime.CreateApplication(ctx, recreateCfg, slot.Name)
	if err != nil {
		return err
	}
	if err := p.store.RecreateSlotApplication(ctx, slot.ID, newUUID); err != nil {
		return err
	}
	if _, err := p.store.IncrementSlotRecoveryAttempts(ctx, slot.ID); err != nil {
		logging.Op().Error("ensure application exists: increment recovery attempts failed", "slot_id", slot.ID, "error", err)
	}
	slot.ApplicationUUID = newUUID
	return nil
}

func valueOrZero(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}

// awaitRunning polls the backend until slot's application reports running,
// failed, or RunningWaitTimeout elapses.
func (p *Pool) awaitRunning(ctx context.Context, slot *domain.PoolSlot) error {
	deadline := time.Now().Add(RunningWaitTimeout)
	ticker := time.NewTicker(RunningPollInterval)
	defer ticker.Stop()

	for {
		status, err := p.runtime.ApplicationStatus(ctx, slot.ApplicationUUID)
		if err != nil {
			return err
		}
		switch status {
		case AppRunning:
			return nil
		case AppFailed, AppMissing:
			return errApplicationFailed(slot.ApplicationUUID, status)
		}

		if time.Now().After(deadline) {
			return errApplicationTimedOut(slot.ApplicationUUID)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *Pool) failSlot(ctx context.Context, slot *domain.PoolSlot, cause error) {
	if err := p.store.SetSlotError(ctx, slot.ID, cause.Error()); err != nil {
		logging.Op().Error("failed to mark slot error", "slot_id", slot.ID, "error", err)
	}
	_ = p.notifier.Notify(ctx, queue.QueueSlotReleased)
}

func (p *Pool) wasRecentlyStarted(applicationUUID string) bool {
	p.recentStartsMu.Lock()
	defer p.recentStartsMu.Unlock()
	t, ok := p.recentStarts[applicationUUID]
	return ok && time.Since(t) < RedeployQuietWindow
}

func (p *Pool) markStarted(applicationUUID string) {
	p.recentStartsMu.Lock()
	defer p.recentStartsMu.Unlock()
	p.recentStarts[applicationUUID] = time.Now()
	for k, t := range p.recentStarts {
		if time.Since(t) > RedeployQuietWindow {
			delete(p.recentStarts, k)
		}
	}
}
