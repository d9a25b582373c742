package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/meeboter/coordinator/internal/domain"
	"github.com/meeboter/coordinator/internal/router"
	"github.com/meeboter/coordinator/internal/store"
)

// fakeStore is a minimal store.Store stub: embeds the interface so
// unexercised methods panic, overriding only what Orchestrator calls.
type fakeStore struct {
	store.Store

	bots          map[int64]*domain.Bot
	nextID        int64
	deployingIDs  []int64
	fatalReasons  map[int64]string
	queuedIDs     []int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		bots:         map[int64]*domain.Bot{},
		fatalReasons: map[int64]string{},
	}
}

func (s *fakeStore) CreateBot(_ context.Context, bot *domain.Bot) error {
	s.nextID++
	bot.ID = s.nextID
	s.bots[bot.ID] = bot
	return nil
}

func (s *fakeStore) GetBot(_ context.Context, id int64) (*domain.Bot, error) {
	bot, ok := s.bots[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *bot
	return &cp, nil
}

func (s *fakeStore) SetBotDeploying(_ context.Context, id int64) error {
	s.deployingIDs = append(s.deployingIDs, id)
	if bot, ok := s.bots[id]; ok {
		bot.Status = domain.StatusDeploying
	}
	return nil
}

func (s *fakeStore) PersistFatal(_ context.Context, id int64, reason string) error {
	s.fatalReasons[id] = reason
	if bot, ok := s.bots[id]; ok {
		bot.Status = domain.StatusFatal
	}
	return nil
}

func (s *fakeStore) PersistQueued(_ context.Context, id int64) error {
	s.queuedIDs = append(s.queuedIDs, id)
	if bot, ok := s.bots[id]; ok {
		bot.Status = domain.StatusQueued
	}
	return nil
}

// fakeRouter is a minimal Router stub.
type fakeRouter struct {
	placeFunc func(ctx context.Context, bot *domain.Bot, timeout time.Duration) (*router.PlacementOutcome, error)
	pumped    int
}

func (r *fakeRouter) Place(ctx context.Context, bot *domain.Bot, timeout time.Duration) (*router.PlacementOutcome, error) {
	return r.placeFunc(ctx, bot, timeout)
}
func (r *fakeRouter) Pump(context.Context) { r.pumped++ }

func TestCreateBot_ImmediateDeploy(t *testing.T) {
	st := newFakeStore()
	rt := &fakeRouter{placeFunc: func(context.Context, *domain.Bot, time.Duration) (*router.PlacementOutcome, error) {
		return &router.PlacementOutcome{Placed: true, Identifier: "app-1"}, nil
	}}
	o := New(st, rt)

	result, err := o.CreateBot(context.Background(), CreateInput{UserID: "u1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Placement == nil || !result.Placement.Placed {
		t.Fatalf("expected immediate placement, got %+v", result.Placement)
	}
	if len(st.deployingIDs) != 1 {
		t.Fatalf("expected SetBotDeploying called once, got %d", len(st.deployingIDs))
	}
}

func TestCreateBot_ScheduledFutureStartSkipsDeploy(t *testing.T) {
	st := newFakeStore()
	rt := &fakeRouter{placeFunc: func(context.Context, *domain.Bot, time.Duration) (*router.PlacementOutcome, error) {
		t.Fatal("router should not be called for a far-future scheduled bot")
		return nil, nil
	}}
	o := New(st, rt)

	future := time.Now().Add(time.Hour)
	result, err := o.CreateBot(context.Background(), CreateInput{UserID: "u1", StartTime: &future})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Placement != nil {
		t.Fatalf("expected no placement for scheduled bot, got %+v", result.Placement)
	}
	if result.Bot.Status != domain.StatusReadyToDeploy {
		t.Fatalf("expected bot left READY_TO_DEPLOY, got %s", result.Bot.Status)
	}
}

func TestDeploy_RouterErrorMarksBotFatal(t *testing.T) {
	st := newFakeStore()
	st.bots[1] = &domain.Bot{ID: 1, Status: domain.StatusReadyToDeploy}
	st.nextID = 1
	placementErr := errors.New("no platform available")
	rt := &fakeRouter{placeFunc: func(context.Context, *domain.Bot, time.Duration) (*router.PlacementOutcome, error) {
		return nil, placementErr
	}}
	o := New(st, rt)

	_, err := o.Deploy(context.Background(), 1, time.Minute)
	if err == nil {
		t.Fatal("expected error from Deploy")
	}
	if reason, ok := st.fatalReasons[1]; !ok || reason != placementErr.Error() {
		t.Fatalf("expected bot persisted fatal with router error, got %q", reason)
	}
}

func TestDeploy_QueuedOutcomePersistsQueuedStatus(t *testing.T) {
	st := newFakeStore()
	st.bots[1] = &domain.Bot{ID: 1, Status: domain.StatusReadyToDeploy}
	st.nextID = 1
	rt := &fakeRouter{placeFunc: func(context.Context, *domain.Bot, time.Duration) (*router.PlacementOutcome, error) {
		return &router.PlacementOutcome{Queued: true, QueuePosition: 2}, nil
	}}
	o := New(st, rt)

	outcome, err := o.Deploy(context.Background(), 1, time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !outcome.Queued {
		t.Fatalf("expected queued outcome, got %+v", outcome)
	}
	if len(st.queuedIDs) != 1 {
		t.Fatalf("expected PersistQueued called once, got %d", len(st.queuedIDs))
	}
}

// TestRelease_IdempotentDoubleStop covers the property that releasing
// an already-released bot (nil adapter, e.g. a second release callback
// firing after the first already tore the placement down) is a no-op
// error-wise rather than failing the second call.
func TestRelease_IdempotentDoubleStop(t *testing.T) {
	st := newFakeStore()
	rt := &fakeRouter{}
	o := New(st, rt)

	if err := o.Release(context.Background(), 1, nil); err != nil {
		t.Fatalf("first release: unexpected error: %v", err)
	}
	if err := o.Release(context.Background(), 1, nil); err != nil {
		t.Fatalf("second release: unexpected error: %v", err)
	}
	if rt.pumped != 2 {
		t.Fatalf("expected queue pump on both releases, got %d", rt.pumped)
	}
}
