package router

import (
	"context"
	"testing"
	"time"

	"github.com/meeboter/coordinator/internal/backend"
	"github.com/meeboter/coordinator/internal/domain"
	"github.com/meeboter/coordinator/internal/errs"
	"github.com/meeboter/coordinator/internal/queue"
	"github.com/meeboter/coordinator/internal/store"
)

// fakeStore is a minimal store.Store stub: embeds the interface so
// unexercised methods panic, and overrides only what Hybrid calls.
type fakeStore struct {
	store.Store

	activeCounts   map[domain.DeployPlatform]int
	placements     []placementCall
	queuePositions []int64
	queueErr       error
}

type placementCall struct {
	botID      int64
	platform   domain.DeployPlatform
	identifier string
}

func (s *fakeStore) ActiveCount(_ context.Context, platform domain.DeployPlatform) (int, error) {
	return s.activeCounts[platform], nil
}

func (s *fakeStore) PersistPlacement(_ context.Context, botID int64, platform domain.DeployPlatform, identifier string) error {
	s.placements = append(s.placements, placementCall{botID, platform, identifier})
	return nil
}

func (s *fakeStore) AddToGlobalQueue(_ context.Context, botID int64, _ int, _ time.Duration) (int, error) {
	if s.queueErr != nil {
		return 0, s.queueErr
	}
	s.queuePositions = append(s.queuePositions, botID)
	return len(s.queuePositions), nil
}

// fakeAdapter is a backend.PlatformAdapter stub whose Deploy behavior is
// configured per test.
type fakeAdapter struct {
	name       domain.DeployPlatform
	deployFunc func(ctx context.Context, bot *domain.BotConfig) (*backend.DeployResult, error)
}

func (a *fakeAdapter) Name() domain.DeployPlatform { return a.name }
func (a *fakeAdapter) Deploy(ctx context.Context, bot *domain.BotConfig) (*backend.DeployResult, error) {
	return a.deployFunc(ctx, bot)
}
func (a *fakeAdapter) Stop(context.Context, string) error                { return nil }
func (a *fakeAdapter) Status(context.Context, string) (backend.Status, error) {
	return backend.StatusRunning, nil
}
func (a *fakeAdapter) Release(context.Context, int64) error { return nil }
func (a *fakeAdapter) ProcessQueue(context.Context) error   { return nil }

func newTestBot(id int64) *domain.Bot {
	return &domain.Bot{ID: id, Meeting: domain.MeetingDescriptor{Platform: domain.MeetingZoom}}
}

func TestHybrid_Place_FirstPlatformAccepts(t *testing.T) {
	st := &fakeStore{activeCounts: map[domain.DeployPlatform]int{}}
	adapter := &fakeAdapter{
		name: domain.DeployPool,
		deployFunc: func(context.Context, *domain.BotConfig) (*backend.DeployResult, error) {
			return &backend.DeployResult{Identifier: "app-1", SlotName: "slot-1"}, nil
		},
	}
	settings := []domain.PlatformSetting{{Platform: domain.DeployPool, Priority: 0, Limit: 1}}
	h, err := New(st, queue.NewNoopNotifier(), settings, map[domain.DeployPlatform]backend.PlatformAdapter{domain.DeployPool: adapter})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	outcome, err := h.Place(context.Background(), newTestBot(1), time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !outcome.Placed || outcome.Identifier != "app-1" {
		t.Fatalf("expected placement on first platform, got %+v", outcome)
	}
	if len(st.placements) != 1 || st.placements[0].identifier != "app-1" {
		t.Fatalf("expected placement persisted, got %+v", st.placements)
	}
}

// TestHybrid_Place_RefusalFallsThroughToGlobalQueue covers the
// every-platform-refuses path: a refused adapter must not place the bot
// and the router must fall back to the global wait queue.
func TestHybrid_Place_RefusalFallsThroughToGlobalQueue(t *testing.T) {
	st := &fakeStore{activeCounts: map[domain.DeployPlatform]int{}}
	adapter := &fakeAdapter{
		name: domain.DeployPool,
		deployFunc: func(context.Context, *domain.BotConfig) (*backend.DeployResult, error) {
			return nil, errs.Refusedf("pool full")
		},
	}
	settings := []domain.PlatformSetting{{Platform: domain.DeployPool, Priority: 0, Limit: 1}}
	h, err := New(st, queue.NewNoopNotifier(), settings, map[domain.DeployPlatform]backend.PlatformAdapter{domain.DeployPool: adapter})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	outcome, err := h.Place(context.Background(), newTestBot(2), time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !outcome.Queued || outcome.Placed {
		t.Fatalf("expected queued outcome after refusal, got %+v", outcome)
	}
	if len(st.queuePositions) != 1 {
		t.Fatalf("expected bot added to global queue once, got %d", len(st.queuePositions))
	}
}

// TestHybrid_Place_OverCapacitySkipsWithoutCallingAdapter ensures a
// platform already at its active-count limit is skipped before the
// adapter is ever invoked (the overflow->queue path must not burn a
// Deploy call on a platform that is already full).
func TestHybrid_Place_OverCapacitySkipsWithoutCallingAdapter(t *testing.T) {
	st := &fakeStore{activeCounts: map[domain.DeployPlatform]int{domain.DeployPool: 1}}
	called := false
	adapter := &fakeAdapter{
		name: domain.DeployPool,
		deployFunc: func(context.Context, *domain.BotConfig) (*backend.DeployResult, error) {
			called = true
			return &backend.DeployResult{Identifier: "app-1"}, nil
		},
	}
	settings := []domain.PlatformSetting{{Platform: domain.DeployPool, Priority: 0, Limit: 1}}
	h, err := New(st, queue.NewNoopNotifier(), settings, map[domain.DeployPlatform]backend.PlatformAdapter{domain.DeployPool: adapter})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	outcome, err := h.Place(context.Background(), newTestBot(3), time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if called {
		t.Fatal("adapter should not be called when platform is already at its limit")
	}
	if !outcome.Queued {
		t.Fatalf("expected queued outcome, got %+v", outcome)
	}
}

func TestNew_RejectsEmptyPlatformList(t *testing.T) {
	st := &fakeStore{}
	settings := []domain.PlatformSetting{{Platform: domain.DeployPool, Priority: 0, Limit: 0}}
	_, err := New(st, queue.NewNoopNotifier(), settings, map[domain.DeployPlatform]backend.PlatformAdapter{})
	if err == nil {
		t.Fatal("expected error when no platform has both a limit and an adapter")
	}
}
