// Package intake implements the event and heartbeat intake surface: the
// heartbeat fast-path, per-bot debounced event batching, the
// status-update transaction with its fire-and-forget webhook callback,
// and the pool-slot config lookup the bot container uses to fetch its
// own configuration.
package intake

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/meeboter/coordinator/internal/domain"
	"github.com/meeboter/coordinator/internal/errs"
	"github.com/meeboter/coordinator/internal/logging"
	"github.com/meeboter/coordinator/internal/store"
)

// SlowHeartbeatThreshold is the combined-query latency above which a
// warning is logged.
const SlowHeartbeatThreshold = time.Second

// Releaser is invoked when a bot reaches DONE or FATAL with a placed
// identifier, so intake can trigger release without importing the
// orchestrator (which would create an import cycle: orchestrator →
// router →... and intake is a peer of orchestrator, not a dependency).
type Releaser interface {
	Release(ctx context.Context, botID int64) error
}

// eventQueue is one bot's in-memory batch of unflushed events, guarded by
// its own mutex so flushing one bot never blocks another's append
// (grounded on jobtracker.Tracker's per-entry mutation style).
type eventQueue struct {
	mu     sync.Mutex
	events []*domain.Event
	timer  *time.Timer
}

// Intake holds the in-process state the event/heartbeat surface needs:
// one debounce timer and buffer per bot with outstanding events. This
// mirrors the explicit Runtime-struct design: state lives on a
// constructed object, not package globals.
type Intake struct {
	store     store.Store
	releaser  Releaser
	client    *http.Client
	queuesMu  sync.Mutex
	queues    map[int64]*eventQueue
	dropped   int64 // count of events dropped after flush failures, read by DroppedEventCount
}

// New constructs an Intake. client may be nil to use http.DefaultClient.
func New(st store.Store, releaser Releaser, client *http.Client) *Intake {
	if client == nil {
		client = http.DefaultClient
	}
	return &Intake{
		store:    st,
		releaser: releaser,
		client:   client,
		queues:   make(map[int64]*eventQueue),
	}
}

// HeartbeatResult is returned to the bot container.
type HeartbeatResult struct {
	ShouldLeave bool
	LogLevel    domain.LogLevel
}

// Heartbeat implements the heartbeat fast-path: the status/log-level
// read and the last-heartbeat write run concurrently, and a combined
// latency over SlowHeartbeatThreshold is logged as a warning.
func (in *Intake) Heartbeat(ctx context.Context, botID int64) (*HeartbeatResult, error) {
	start := time.Now()

	var status domain.Status
	var level domain.LogLevel
	var lookupErr, touchErr error

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		status, level, lookupErr = in.store.HeartbeatLookup(ctx, botID)
	}()
	go func() {
		defer wg.Done()
		touchErr = in.store.HeartbeatTouch(ctx, botID, time.Now().UTC())
	}()
	wg.Wait()

	if lookupErr != nil {
		return nil, fmt.Errorf("heartbeat lookup: %w", lookupErr)
	}
	if touchErr != nil {
		logging.Op().Warn("heartbeat touch failed", "bot_id", botID, "error", touchErr)
	}

	if elapsed := time.Since(start); elapsed > SlowHeartbeatThreshold {
		logging.Op().Warn("heartbeat query exceeded threshold", "bot_id", botID, "elapsed_ms", elapsed.Milliseconds())
	}

	return &HeartbeatResult{
		ShouldLeave: status == domain.StatusLeaving,
		LogLevel:    level,
	}, nil
}

// ReportEvent appends one event to a bot's in-memory queue, flushing
// immediately once the queue reaches domain.MaxEventBatch or after
// domain.EventFlushDebounce of inactivity, whichever comes first.
func (in *Intake) ReportEvent(ctx context.Context, event *domain.Event) {
	q := in.queueFor(event.BotID)

	q.mu.Lock()
	q.events = append(q.events, event)
	full := len(q.events) >= domain.MaxEventBatch
	if q.timer != nil {
		q.timer.Stop()
	}
	if full {
		q.timer = nil
	} else {
		q.timer = time.AfterFunc(domain.EventFlushDebounce, func() { in.flush(context.Background(), event.BotID) })
	}
	q.mu.Unlock()

	if full {
		in.flush(ctx, event.BotID)
	}
}

func (in *Intake) queueFor(botID int64) *eventQueue {
	in.queuesMu.Lock()
	defer in.queuesMu.Unlock()
	q, ok := in.queues[botID]
	if !ok {
		q = &eventQueue{}
		in.queues[botID] = q
	}
	return q
}

// flush drains a bot's event queue and bulk-inserts it. A failed insert
// is logged and the dropped events are counted, per this component's "dropped
// events MUST be counted" requirement; the events are not retried.
func (in *Intake) flush(ctx context.Context, botID int64) {
	q := in.queueFor(botID)

	q.mu.Lock()
	batch := q.events
	q.events = nil
	q.timer = nil
	q.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	if err := in.store.InsertEvents(ctx, batch); err != nil {
		logging.Op().Error("event flush failed, dropping batch", "bot_id", botID, "count", len(batch), "error", err)
		in.queuesMu.Lock()
		in.dropped += int64(len(batch))
		in.queuesMu.Unlock()
	}
}

// DroppedEventCount reports the cumulative number of events lost to
// flush failures; the daemon logs it at shutdown.
func (in *Intake) DroppedEventCount() int64 {
	in.queuesMu.Lock()
	defer in.queuesMu.Unlock()
	return in.dropped
}

// StatusUpdateInput is the bot container's status-update request.
type StatusUpdateInput struct {
	BotID        int64
	Status       domain.Status
	RecordingURL string
	Speakers     []domain.SpeakerEvent
}

// UpdateStatus implements the status-update transaction: it
// enforces the DONE+recording precondition inside the transaction, then
// outside it fires a webhook for DONE and triggers release for any
// terminal status with a placed identifier.
func (in *Intake) UpdateStatus(ctx context.Context, input StatusUpdateInput) error {
	callbackURL, platformIdentifier, err := in.store.UpdateStatusWithRecording(
		ctx, input.BotID, input.Status, input.RecordingURL, input.Speakers)
	if err != nil {
		return err
	}

	if input.Status == domain.StatusDone && callbackURL != "" {
		go in.postCallback(callbackURL, input.BotID, input.Status)
	}

	if (input.Status == domain.StatusDone || input.Status == domain.StatusFatal) && platformIdentifier != "" {
		go func() {
			if err := in.releaser.Release(context.Background(), input.BotID); err != nil {
				logging.Op().Error("release after terminal status failed", "bot_id", input.BotID, "error", err)
			}
		}()
	}

	return nil
}

func (in *Intake) postCallback(url string, botID int64, status domain.Status) {
	// botId is the one external contract field that breaks from the rest
	// of the domain's snake_case JSON; the webhook consumer pins this key.
	payload, _ := json.Marshal(map[string]any{"botId": botID, "status": status})
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		logging.Op().Warn("build webhook callback request failed", "bot_id", botID, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := in.client.Do(req)
	if err != nil {
		logging.Op().Warn("webhook callback failed", "bot_id", botID, "url", url, "error", err)
		return
	}
	resp.Body.Close()
}

// PoolSlotConfig implements the pool-slot-config endpoint: it looks
// up the slot by application UUID, rejects terminal-state bots so the
// container knows to exit, and otherwise returns the bot's config
// projection.
func (in *Intake) PoolSlotConfig(ctx context.Context, applicationUUID string) (*domain.BotConfig, error) {
	cfg, found, err := in.store.GetPoolSlotConfig(ctx, applicationUUID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: no bot assigned to slot", errs.ErrNotFound)
	}
	return cfg, nil
}
