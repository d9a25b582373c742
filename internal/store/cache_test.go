package store

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/meeboter/coordinator/internal/domain"
)

// stubStore is a minimal Store stub: embeds the interface so uncalled
// methods panic, overrides GetBot/the writes exercised below.
type stubStore struct {
	Store

	getBotCalls atomic.Int64
	bot         *domain.Bot
}

func (s *stubStore) GetBot(_ context.Context, id int64) (*domain.Bot, error) {
	s.getBotCalls.Add(1)
	if s.bot == nil || s.bot.ID != id {
		return nil, ErrNotFound
	}
	return s.bot, nil
}

func (s *stubStore) UpdateBot(_ context.Context, _ int64, _ BotPatch) error { return nil }
func (s *stubStore) SetBotDeploying(_ context.Context, _ int64) error      { return nil }
func (s *stubStore) UpdateStatus(_ context.Context, _ int64, _ domain.Status) error {
	return nil
}
func (s *stubStore) DeleteBot(_ context.Context, _ int64) error { return nil }

func TestCachedStore_GetBot_CacheHit(t *testing.T) {
	stub := &stubStore{bot: &domain.Bot{ID: 1, DisplayName: "meeting-bot"}}
	cached := NewCachedStore(stub, time.Second)
	ctx := context.Background()

	bot, err := cached.GetBot(ctx, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if bot.DisplayName != "meeting-bot" {
		t.Fatalf("expected meeting-bot, got %s", bot.DisplayName)
	}
	if stub.getBotCalls.Load() != 1 {
		t.Fatalf("expected 1 underlying call, got %d", stub.getBotCalls.Load())
	}

	if _, err := cached.GetBot(ctx, 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stub.getBotCalls.Load() != 1 {
		t.Fatalf("expected still 1 underlying call (cache hit), got %d", stub.getBotCalls.Load())
	}
}

func TestCachedStore_GetBot_Expiry(t *testing.T) {
	stub := &stubStore{bot: &domain.Bot{ID: 1}}
	cached := NewCachedStore(stub, 50*time.Millisecond)
	ctx := context.Background()

	if _, err := cached.GetBot(ctx, 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	time.Sleep(80 * time.Millisecond)

	if _, err := cached.GetBot(ctx, 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stub.getBotCalls.Load() != 2 {
		t.Fatalf("expected 2 calls after expiry, got %d", stub.getBotCalls.Load())
	}
}

func TestCachedStore_UpdateBot_Invalidates(t *testing.T) {
	stub := &stubStore{bot: &domain.Bot{ID: 1}}
	cached := NewCachedStore(stub, 10*time.Second)
	ctx := context.Background()

	if _, err := cached.GetBot(ctx, 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := cached.UpdateBot(ctx, 1, BotPatch{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := cached.GetBot(ctx, 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stub.getBotCalls.Load() != 2 {
		t.Fatalf("expected 2 calls after invalidation, got %d", stub.getBotCalls.Load())
	}
}

func TestCachedStore_DeleteBot_Invalidates(t *testing.T) {
	stub := &stubStore{bot: &domain.Bot{ID: 1}}
	cached := NewCachedStore(stub, 10*time.Second)
	ctx := context.Background()

	if _, err := cached.GetBot(ctx, 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := cached.DeleteBot(ctx, 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	stub.bot = nil
	if _, err := cached.GetBot(ctx, 1); err == nil {
		t.Fatal("expected not-found after delete, got nil error")
	}
	if stub.getBotCalls.Load() != 2 {
		t.Fatalf("expected 2 underlying calls, got %d", stub.getBotCalls.Load())
	}
}
