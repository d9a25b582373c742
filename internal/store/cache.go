package store

import (
	"context"
	"sync"
	"time"

	"github.com/meeboter/coordinator/internal/domain"
)

// DefaultCacheTTL is the default time-to-live for cached bot reads.
const DefaultCacheTTL = 5 * time.Second

// cacheEntry holds a cached value with an expiration time.
type cacheEntry struct {
	bot       *domain.Bot
	expiresAt time.Time
}

func (e *cacheEntry) expired() bool {
	return time.Now().After(e.expiresAt)
}

// CachedStore wraps a Store and caches GetBot, the heartbeat fast-path's
//  hot-path read. Every write that can change a bot row invalidates
// its entry immediately; the TTL is a safety net bounding the
// inconsistency window in multi-instance deployments.
type CachedStore struct {
	Store // underlying store — all uncached methods delegate here

	ttl  time.Duration
	bots sync.Map // int64 → *cacheEntry
}

// NewCachedStore returns a Store that caches GetBot. Pass ttl <= 0 to use
// DefaultCacheTTL.
func NewCachedStore(underlying Store, ttl time.Duration) *CachedStore {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &CachedStore{Store: underlying, ttl: ttl}
}

// Underlying exposes the wrapped store.
func (c *CachedStore) Underlying() Store {
	return c.Store
}

func (c *CachedStore) GetBot(ctx context.Context, id int64) (*domain.Bot, error) {
	if v, ok := c.bots.Load(id); ok {
		entry := v.(*cacheEntry)
		if !entry.expired() {
			return entry.bot, nil
		}
		c.bots.Delete(id)
	}

	bot, err := c.Store.GetBot(ctx, id)
	if err != nil {
		return nil, err
	}
	c.bots.Store(id, &cacheEntry{bot: bot, expiresAt: time.Now().Add(c.ttl)})
	return bot, nil
}

func (c *CachedStore) invalidate(id int64) {
	c.bots.Delete(id)
}

func (c *CachedStore) UpdateBot(ctx context.Context, id int64, patch BotPatch) error {
	err := c.Store.UpdateBot(ctx, id, patch)
	if err == nil {
		c.invalidate(id)
	}
	return err
}

func (c *CachedStore) SetBotDeploying(ctx context.Context, id int64) error {
	err := c.Store.SetBotDeploying(ctx, id)
	if err == nil {
		c.invalidate(id)
	}
	return err
}

func (c *CachedStore) PersistPlacement(ctx context.Context, id int64, platform domain.DeployPlatform, identifier string) error {
	err := c.Store.PersistPlacement(ctx, id, platform, identifier)
	if err == nil {
		c.invalidate(id)
	}
	return err
}

func (c *CachedStore) PersistQueued(ctx context.Context, id int64) error {
	err := c.Store.PersistQueued(ctx, id)
	if err == nil {
		c.invalidate(id)
	}
	return err
}

func (c *CachedStore) PersistFatal(ctx context.Context, id int64, reason string) error {
	err := c.Store.PersistFatal(ctx, id, reason)
	if err == nil {
		c.invalidate(id)
	}
	return err
}

func (c *CachedStore) UpdateStatus(ctx context.Context, id int64, status domain.Status) error {
	err := c.Store.UpdateStatus(ctx, id, status)
	if err == nil {
		c.invalidate(id)
	}
	return err
}

func (c *CachedStore) UpdateStatusWithRecording(ctx context.Context, id int64, status domain.Status, recordingURL string, speakers []domain.SpeakerEvent) (string, string, error) {
	callbackURL, platformIdentifier, err := c.Store.UpdateStatusWithRecording(ctx, id, status, recordingURL, speakers)
	if err == nil {
		c.invalidate(id)
	}
	return callbackURL, platformIdentifier, err
}

func (c *CachedStore) AddScreenshot(ctx context.Context, id int64, shot domain.Screenshot) error {
	err := c.Store.AddScreenshot(ctx, id, shot)
	if err == nil {
		c.invalidate(id)
	}
	return err
}

func (c *CachedStore) UpdateLogLevel(ctx context.Context, id int64, level domain.LogLevel) error {
	err := c.Store.UpdateLogLevel(ctx, id, level)
	if err == nil {
		c.invalidate(id)
	}
	return err
}

func (c *CachedStore) DeleteBot(ctx context.Context, id int64) error {
	err := c.Store.DeleteBot(ctx, id)
	if err == nil {
		c.invalidate(id)
	}
	return err
}

// HeartbeatTouch does not change any field GetBot returns (only the
// heartbeat timestamp, tracked separately), so it does not invalidate.
