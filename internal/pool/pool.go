// Package pool implements the pool adapter: the PlatformAdapter backed
// by the pre-warmed container pool. It wraps the store's slot state
// machine (atomic idle acquisition, overflow reservation, the local
// wait queue) around a ContainerRuntime client, using the
// deployment-concurrency gate and image-pull coordinator from
// internal/concurrency to bound and deduplicate background work. The
// locking discipline — fast synchronous path, background completion,
// wake waiters on release — is adapted from an in-process warm-set
// design to per-platform slot rows owned by Postgres instead of an
// in-process map.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/meeboter/coordinator/internal/backend"
	"github.com/meeboter/coordinator/internal/concurrency"
	"github.com/meeboter/coordinator/internal/domain"
	"github.com/meeboter/coordinator/internal/errs"
	"github.com/meeboter/coordinator/internal/logging"
	"github.com/meeboter/coordinator/internal/queue"
	"github.com/meeboter/coordinator/internal/store"
)

// RedeployQuietWindow is how long after a start call this adapter skips a
// redundant duplicate start for the same application (configure-and-start).
const RedeployQuietWindow = 30 * time.Second

// RunningPollInterval and RunningWaitTimeout bound the background
// observer that waits for a started container to report running.
const (
	RunningPollInterval = 2 * time.Second
	RunningWaitTimeout  = 5 * time.Minute
)

// Pool is the pool adapter. It implements backend.PlatformAdapter and
// monitors.ApplicationLister.
type Pool struct {
	store    store.Store
	runtime  ContainerRuntime
	notifier queue.Notifier
	gate     *concurrency.DeploymentGate
	pulls    *concurrency.PullCoordinator

	recentStartsMu sync.Mutex
	recentStarts   map[string]time.Time
}

// New constructs a Pool adapter.
func New(st store.Store, runtime ContainerRuntime, notifier queue.Notifier, gate *concurrency.DeploymentGate) *Pool {
	return &Pool{
		store:        st,
		runtime:      runtime,
		notifier:     notifier,
		gate:         gate,
		pulls:        concurrency.NewPullCoordinator(),
		recentStarts: make(map[string]time.Time),
	}
}

func (p *Pool) Name() domain.DeployPlatform { return domain.DeployPool }

// Deploy implements: it acquires an idle slot, reserves a new one
// on overflow, or enqueues locally if the pool is already at MAX_POOL_SIZE.
// It never blocks on container start completion.
func (p *Pool) Deploy(ctx context.Context, bot *domain.BotConfig) (*backend.DeployResult, error) {
	platform := bot.Meeting.Platform

	slot, err := p.store.AcquireIdleSlot(ctx, platform, bot.BotID)
	if err != nil {
		return nil, errs.Failedf("acquire idle slot: %v", err)
	}
	if slot != nil {
		go p.configureAndStart(context.Background(), slot)
		return &backend.DeployResult{Identifier: slot.ApplicationUUID, SlotName: slot.Name}, nil
	}

	slot, err = p.store.ReserveNewSlot(ctx, platform, bot.BotID)
	if err != nil {
		if errors.Is(err, store.ErrPoolFull) {
			return p.enqueueLocally(ctx, bot.BotID)
		}
		return nil, errs.Failedf("reserve new slot: %v", err)
	}

	appUUID, err := p.runtime.CreateApplication(ctx, bot, slot.Name)
	if err != nil {
		if delErr := p.store.DeleteSlotReservation(ctx, slot.ID); delErr != nil {
			logging.Op().Error("deploy: failed to roll back slot reservation after create failure", "slot_id", slot.ID, "error", delErr)
		}
		return nil, errs.Failedf("create backend application: %v", err)
	}
	if err := p.store.SetSlotApplicationUUID(ctx, slot.ID, appUUID); err != nil {
		logging.Op().Error("deploy: failed to persist application uuid", "slot_id", slot.ID, "error", err)
	}
	slot.ApplicationUUID = appUUID

	go p.configureAndStart(context.Background(), slot)
	return &backend.DeployResult{Identifier: appUUID, SlotName: slot.Name}, nil
}

func (p *Pool) enqueueLocally(ctx context.Context, botID int64) (*backend.DeployResult, error) {
	timeout := domain.ClampQueueTimeout(0)
	if err := p.store.AddToLocalQueue(ctx, botID, 0, timeout); err != nil {
		return nil, errs.Failedf("enqueue to local pool queue: %v", err)
	}
	if err := p.notifier.Notify(ctx, queue.QueuePoolLocal); err != nil {
		logging.Op().Warn("local queue notify failed", "error", err)
	}
	stats, err := p.store.LocalQueueStats(ctx)
	if err != nil {
		logging.Op().Warn("local queue stats lookup failed", "error", err)
	}
	return &backend.DeployResult{
		Queued:          true,
		QueuePosition:   stats.Length,
		EstimatedWaitMs: stats.MeanWaitMs * int64(stats.Length),
	}, nil
}

// Stop is idempotent: "not found" is treated as success by ContainerRuntime.
func (p *Pool) Stop(ctx context.Context, identifier string) error {
	if err := p.runtime.StopApplication(ctx, identifier); err != nil {
		return errs.Failedf("stop application %s: %v", identifier, err)
	}
	return nil
}

func (p *Pool) Status(ctx context.Context, identifier string) (backend.Status, error) {
	raw, err := p.runtime.ApplicationStatus(ctx, identifier)
	if err != nil {
		return "", fmt.Errorf("application status %s: %w", identifier, err)
	}
	switch raw {
	case AppRunning:
		return backend.StatusRunning, nil
	case AppBuilding:
		return backend.StatusPending, nil
	case AppStopped:
		return backend.StatusStopped, nil
	case AppFailed:
		return backend.StatusFailed, nil
	case AppMissing:
		return backend.StatusFailed, nil
	default:
		logging.Op().Warn("pool adapter: unknown application status", "identifier", identifier, "status", raw)
		return backend.StatusFailed, nil
	}
}

// Release implements this component's release: stop the container, return the slot
// to IDLE, and wake anything waiting on a free slot. On stop failure the
// slot is marked ERROR for the recovery monitor to pick up.
func (p *Pool) Release(ctx context.Context, botID int64) error {
	bot, err := p.store.GetBot(ctx, botID)
	if err != nil {
		return fmt.Errorf("release: load bot %d: %w", botID, err)
	}
	if bot.PlatformIdentifier == "" {
		return nil
	}

	slot, err := p.store.GetSlotByApplicationUUID(ctx, bot.PlatformIdentifier)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("release: load slot for application %s: %w", bot.PlatformIdentifier, err)
	}

	if err := p.runtime.StopApplication(ctx, slot.ApplicationUUID); err != nil {
		if setErr := p.store.SetSlotError(ctx, slot.ID, err.Error()); setErr != nil {
			logging.Op().Error("release: failed to mark slot error", "slot_id", slot.ID, "error", setErr)
		}
		return fmt.Errorf("release: stop application: %w", err)
	}

	if err := p.store.ReleaseSlot(ctx, slot.ID); err != nil {
		return fmt.Errorf("release: reset slot %d to idle: %w", slot.ID, err)
	}
	return p.notifier.Notify(ctx, queue.QueueSlotReleased)
}

// ProcessQueue implements this component's processQueueOnSlotRelease: it expires
// stale local-queue entries, then attempts to place the queue head.
func (p *Pool) ProcessQueue(ctx context.Context) error {
	expired, err := p.store.ExpireLocalQueue(ctx)
	if err != nil {
		return fmt.Errorf("expire local queue: %w", err)
	}
	for _, botID := range expired {
		if err := p.store.PersistFatal(ctx, botID, "pool queue timeout"); err != nil {
			logging.Op().Error("failed to mark expired local queue entry fatal", "bot_id", botID, "error", err)
		}
	}

	entry, err := p.store.LocalQueueHead(ctx)
	if err != nil {
		return fmt.Errorf("local queue head: %w", err)
	}
	if entry == nil {
		return nil
	}

	bot, err := p.store.GetBot(ctx, entry.BotID)
	if err != nil {
		_ = p.store.RemoveFromLocalQueue(ctx, entry.BotID)
		return fmt.Errorf("load queued bot %d: %w", entry.BotID, err)
	}

	slot, err := p.store.AcquireIdleSlot(ctx, bot.Meeting.Platform, bot.ID)
	if err != nil {
		return fmt.Errorf("acquire idle slot for queued bot %d: %w", bot.ID, err)
	}
	if slot == nil {
		return nil
	}

	if err := p.store.RemoveFromLocalQueue(ctx, entry.BotID); err != nil {
		logging.Op().Error("failed to remove placed bot from local queue", "bot_id", bot.ID, "error", err)
	}
	if err := p.store.PersistPlacement(ctx, bot.ID, domain.DeployPool, slot.ApplicationUUID); err != nil {
		logging.Op().Error("failed to persist placement for queued bot", "bot_id", bot.ID, "error", err)
	}

	go p.configureAndStart(context.Background(), slot)
	return nil
}

// ListApplications implements monitors.ApplicationLister for the orphan
// reconciler.
func (p *Pool) ListApplications(ctx context.Context) (map[string]string, error) {
	return p.runtime.ListApplications(ctx)
}
