// Package router implements the hybrid priority-ordered platform router:
// it walks enabled deployment platforms in priority order,
// asking each one's PlatformAdapter to place a bot, and falls back to a
// global wait queue when every platform refuses.
package router

import (
	"context"
	"fmt"
	"time"

	"github.com/meeboter/coordinator/internal/backend"
	"github.com/meeboter/coordinator/internal/circuitbreaker"
	"github.com/meeboter/coordinator/internal/domain"
	"github.com/meeboter/coordinator/internal/errs"
	"github.com/meeboter/coordinator/internal/logging"
	"github.com/meeboter/coordinator/internal/queue"
	"github.com/meeboter/coordinator/internal/store"
)

// breakerConfig governs the per-platform circuit breaker: a platform
// whose adapter fails at least half its attempts in a one-minute window
// is skipped for 30s rather than retried on every placement attempt.
var breakerConfig = circuitbreaker.Config{
	ErrorPct:       50,
	WindowDuration: time.Minute,
	OpenDuration:   30 * time.Second,
	HalfOpenProbes: 1,
}

// EstimatedWaitPerPosition is the constant the global queue uses to
// translate position into a human-facing wait estimate.
const EstimatedWaitPerPosition = 30 * time.Second

// PlacementOutcome is returned by Place.
type PlacementOutcome struct {
	Placed          bool
	Platform        domain.DeployPlatform
	Identifier      string
	SlotName        string
	Queued          bool
	QueuePosition   int
	EstimatedWaitMs int64
}

// Hybrid is the priority-ordered platform router. It is safe for concurrent use.
type Hybrid struct {
	store     store.Store
	notifier  queue.Notifier
	platforms []domain.PlatformSetting
	adapters  map[domain.DeployPlatform]backend.PlatformAdapter
	breakers  *circuitbreaker.Registry
}

// New validates the platform configuration and wires each enabled
// platform to its adapter. A platform with no configured limit or no
// matching adapter is skipped with a warning; if the resulting
// list is empty, New fails.
func New(st store.Store, notifier queue.Notifier, settings []domain.PlatformSetting, adapters map[domain.DeployPlatform]backend.PlatformAdapter) (*Hybrid, error) {
	var enabled []domain.PlatformSetting
	for _, p := range settings {
		if p.Limit <= 0 {
			logging.Op().Warn("skipping platform with no configured limit", "platform", p.Platform)
			continue
		}
		if _, ok := adapters[p.Platform]; !ok {
			logging.Op().Warn("skipping platform with no adapter", "platform", p.Platform)
			continue
		}
		enabled = append(enabled, p)
	}
	if len(enabled) == 0 {
		return nil, fmt.Errorf("router: no enabled platforms with both a limit and an adapter")
	}

	return &Hybrid{
		store:     st,
		notifier:  notifier,
		platforms: enabled,
		adapters:  adapters,
		breakers:  circuitbreaker.NewRegistry(),
	}, nil
}

// usesLocalQueueOnly reports whether the pool adapter should rely on its
// own local queue instead of the global queue — only true when the pool
// platform is the sole enabled platform (resolved Open Question).
func (h *Hybrid) usesLocalQueueOnly() bool {
	return len(h.platforms) == 1 && h.platforms[0].Platform == domain.DeployPool
}

// Place walks the priority-ordered platform list for bot, trying each
// adapter in turn, and enqueues to the global queue if every platform
// refuses.
func (h *Hybrid) Place(ctx context.Context, bot *domain.Bot, queueTimeout time.Duration) (*PlacementOutcome, error) {
	for _, p := range h.platforms {
		active, err := h.store.ActiveCount(ctx, p.Platform)
		if err != nil {
			return nil, fmt.Errorf("active count for %s: %w", p.Platform, err)
		}
		if active >= p.Limit {
			continue
		}

		breaker := h.breakers.Get(string(p.Platform), breakerConfig)
		if breaker != nil && !breaker.Allow() {
			logging.Op().Debug("platform circuit breaker open, skipping", "platform", p.Platform, "bot_id", bot.ID)
			continue
		}

		adapter := h.adapters[p.Platform]
		result, err := adapter.Deploy(ctx, bot.Config())
		if err != nil {
			if breaker != nil {
				breaker.RecordFailure()
			}
			if errs.IsRefused(err) {
				logging.Op().Debug("platform refused placement", "platform", p.Platform, "bot_id", bot.ID, "error", err)
			} else {
				logging.Op().Warn("platform placement attempt failed", "platform", p.Platform, "bot_id", bot.ID, "error", err)
			}
			continue
		}
		if breaker != nil {
			breaker.RecordSuccess()
		}
		if result.Queued {
			// Pool adapter accepted the bot onto its own local queue.
			return &PlacementOutcome{
				Queued:          true,
				QueuePosition:   result.QueuePosition,
				EstimatedWaitMs: result.EstimatedWaitMs,
			}, nil
		}
		if result.Identifier == "" {
			logging.Op().Error("adapter reported success with empty identifier", "platform", p.Platform, "bot_id", bot.ID)
			continue
		}

		if err := h.store.PersistPlacement(ctx, bot.ID, p.Platform, result.Identifier); err != nil {
			return nil, fmt.Errorf("persist placement: %w", err)
		}
		return &PlacementOutcome{
			Placed:     true,
			Platform:   p.Platform,
			Identifier: result.Identifier,
			SlotName:   result.SlotName,
		}, nil
	}

	if h.usesLocalQueueOnly() {
		adapter := h.adapters[h.platforms[0].Platform]
		if err := adapter.ProcessQueue(ctx); err != nil {
			logging.Op().Warn("pool adapter local queue pump failed", "error", err)
		}
	}

	position, err := h.store.AddToGlobalQueue(ctx, bot.ID, 0, domain.ClampQueueTimeout(queueTimeout))
	if err != nil {
		return nil, fmt.Errorf("add to global queue: %w", err)
	}
	if err := h.notifier.Notify(ctx, queue.QueueGlobal); err != nil {
		logging.Op().Warn("global queue notify failed", "error", err)
	}

	return &PlacementOutcome{
		Queued:          true,
		QueuePosition:   position,
		EstimatedWaitMs: int64(position) * EstimatedWaitPerPosition.Milliseconds(),
	}, nil
}

// ProcessQueue is the pump: it expires stale entries, claims the single
// WAITING head under PROCESSING, and retries placement for it.
// Called after every release and whenever the notifier wakes it.
func (h *Hybrid) ProcessQueue(ctx context.Context) error {
	expired, err := h.store.ExpireGlobalQueue(ctx)
	if err != nil {
		return fmt.Errorf("expire global queue: %w", err)
	}
	for _, botID := range expired {
		if err := h.store.PersistFatal(ctx, botID, "global queue timeout"); err != nil {
			logging.Op().Error("failed to mark expired queue entry fatal", "bot_id", botID, "error", err)
		}
	}

	entry, err := h.store.NextGlobalQueueHead(ctx)
	if err != nil {
		return fmt.Errorf("next global queue head: %w", err)
	}
	if entry == nil {
		return nil
	}

	bot, err := h.store.GetBot(ctx, entry.BotID)
	if err != nil {
		// The bot row is gone; drop the orphaned queue entry.
		_ = h.store.DeleteGlobalQueueEntry(ctx, entry.ID)
		return fmt.Errorf("load queued bot %d: %w", entry.BotID, err)
	}

	outcome, err := h.Place(ctx, bot, time.Until(entry.TimeoutAt))
	if err != nil || !outcome.Placed {
		if revertErr := h.store.RevertGlobalQueueEntry(ctx, entry.ID); revertErr != nil {
			logging.Op().Error("failed to revert global queue entry", "entry_id", entry.ID, "error", revertErr)
		}
		return err
	}

	return h.store.DeleteGlobalQueueEntry(ctx, entry.ID)
}

// Pump runs ProcessQueue and logs failures; it is the shape called from
// a release handler or a notifier-driven loop where the caller does not
// want to propagate queue-pump errors to its own caller.
func (h *Hybrid) Pump(ctx context.Context) {
	if err := h.ProcessQueue(ctx); err != nil {
		logging.Op().Warn("queue pump failed", "error", err)
	}
}

// Run drains the global queue whenever the notifier signals new work or
// a release, falling back to periodic polling so a lost notification
// never stalls the queue indefinitely. It blocks until ctx is cancelled.
func (h *Hybrid) Run(ctx context.Context, fallbackPoll time.Duration) {
	if fallbackPoll <= 0 {
		fallbackPoll = 5 * time.Second
	}
	notifyCh := h.notifier.Subscribe(ctx, queue.QueueGlobal)
	releaseCh := h.notifier.Subscribe(ctx, queue.QueueSlotReleased)
	ticker := time.NewTicker(fallbackPoll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-notifyCh:
			h.Pump(ctx)
		case <-releaseCh:
			h.Pump(ctx)
		case <-ticker.C:
			h.Pump(ctx)
		}
	}
}
