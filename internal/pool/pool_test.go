package pool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/meeboter/coordinator/internal/concurrency"
	"github.com/meeboter/coordinator/internal/domain"
	"github.com/meeboter/coordinator/internal/queue"
	"github.com/meeboter/coordinator/internal/store"
)

// fakeStore is a minimal store.Store stub: embeds the interface so
// unexercised methods panic, overriding only what the pool adapter calls.
type fakeStore struct {
	store.Store

	mu sync.Mutex

	idleSlot       *domain.PoolSlot
	reserveErr     error
	reservedSlot   *domain.PoolSlot
	localQueued    []int64
	localStats     store.QueueStats
	releasedSlots  []int64
	slotByAppUUID  map[string]*domain.PoolSlot
	bots           map[int64]*domain.Bot
	placements     []int64
	deletedSlots   []int64
	setAppUUIDCall int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		slotByAppUUID: map[string]*domain.PoolSlot{},
		bots:          map[int64]*domain.Bot{},
	}
}

func (s *fakeStore) AcquireIdleSlot(context.Context, domain.MeetingPlatform, int64) (*domain.PoolSlot, error) {
	return s.idleSlot, nil
}

func (s *fakeStore) ReserveNewSlot(context.Context, domain.MeetingPlatform, int64) (*domain.PoolSlot, error) {
	if s.reserveErr != nil {
		return nil, s.reserveErr
	}
	return s.reservedSlot, nil
}

func (s *fakeStore) SetSlotApplicationUUID(context.Context, int64, string) error {
	s.setAppUUIDCall++
	return nil
}

func (s *fakeStore) DeleteSlotReservation(_ context.Context, slotID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletedSlots = append(s.deletedSlots, slotID)
	return nil
}

func (s *fakeStore) AddToLocalQueue(_ context.Context, botID int64, _ int, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.localQueued = append(s.localQueued, botID)
	return nil
}

func (s *fakeStore) LocalQueueStats(context.Context) (store.QueueStats, error) {
	return s.localStats, nil
}

func (s *fakeStore) GetBot(_ context.Context, id int64) (*domain.Bot, error) {
	bot, ok := s.bots[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return bot, nil
}

func (s *fakeStore) GetSlotByApplicationUUID(_ context.Context, uuid string) (*domain.PoolSlot, error) {
	slot, ok := s.slotByAppUUID[uuid]
	if !ok {
		return nil, store.ErrNotFound
	}
	return slot, nil
}

func (s *fakeStore) ReleaseSlot(_ context.Context, slotID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releasedSlots = append(s.releasedSlots, slotID)
	return nil
}

func (s *fakeStore) SetSlotError(context.Context, int64, string) error { return nil }

func (s *fakeStore) SetSlotHealthy(context.Context, int64) error { return nil }

// fakeRuntime is a minimal ContainerRuntime stub.
type fakeRuntime struct {
	mu             sync.Mutex
	createCalls    int
	startCalls     int
	stopCalls      []string
	statusByUUID   map[string]ApplicationStatus
	createErr      error
	createdUUID    string
}

func (r *fakeRuntime) CreateApplication(context.Context, *domain.BotConfig, string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.createCalls++
	if r.createErr != nil {
		return "", r.createErr
	}
	return r.createdUUID, nil
}

func (r *fakeRuntime) StartApplication(context.Context, string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.startCalls++
	return nil
}

func (r *fakeRuntime) StopApplication(_ context.Context, uuid string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopCalls = append(r.stopCalls, uuid)
	return nil
}

func (r *fakeRuntime) ApplicationStatus(_ context.Context, uuid string) (ApplicationStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.statusByUUID[uuid]; ok {
		return st, nil
	}
	return AppRunning, nil
}

func (r *fakeRuntime) UpdateDescription(context.Context, string, string) error { return nil }
func (r *fakeRuntime) ListApplications(context.Context) (map[string]string, error) {
	return nil, nil
}

func testGate() *concurrency.DeploymentGate {
	return concurrency.NewDeploymentGate(4)
}

func TestDeploy_IdleSlotAcquiredSynchronously(t *testing.T) {
	st := newFakeStore()
	st.idleSlot = &domain.PoolSlot{ID: 1, Name: "pool-zoom-001", ApplicationUUID: "app-1"}
	rt := &fakeRuntime{}
	p := New(st, rt, queue.NewNoopNotifier(), testGate())

	result, err := p.Deploy(context.Background(), &domain.BotConfig{BotID: 1, Meeting: domain.MeetingDescriptor{Platform: domain.MeetingZoom}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Identifier != "app-1" || result.Queued {
		t.Fatalf("expected synchronous idle-slot placement, got %+v", result)
	}
}

// TestDeploy_OverflowWithNoIdleSlotEnqueuesLocally covers the
// overflow->queue property: when no idle slot exists and the pool is
// already at its size limit, Deploy must enqueue rather than error.
func TestDeploy_OverflowWithNoIdleSlotEnqueuesLocally(t *testing.T) {
	st := newFakeStore()
	st.idleSlot = nil
	st.reserveErr = store.ErrPoolFull
	st.localStats = store.QueueStats{Length: 3, MeanWaitMs: 1000}
	rt := &fakeRuntime{}
	p := New(st, rt, queue.NewNoopNotifier(), testGate())

	result, err := p.Deploy(context.Background(), &domain.BotConfig{BotID: 2, Meeting: domain.MeetingDescriptor{Platform: domain.MeetingZoom}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Queued || result.QueuePosition != 3 {
		t.Fatalf("expected queued result reflecting local queue length, got %+v", result)
	}
	if len(st.localQueued) != 1 || st.localQueued[0] != 2 {
		t.Fatalf("expected bot 2 added to local queue, got %v", st.localQueued)
	}
}

func TestDeploy_ReservationCreateFailureRollsBackSlot(t *testing.T) {
	st := newFakeStore()
	st.idleSlot = nil
	st.reservedSlot = &domain.PoolSlot{ID: 9, Name: "pool-zoom-009", ApplicationUUID: "pending-xyz"}
	rt := &fakeRuntime{createErr: errors.New("backend unavailable")}
	p := New(st, rt, queue.NewNoopNotifier(), testGate())

	_, err := p.Deploy(context.Background(), &domain.BotConfig{BotID: 3, Meeting: domain.MeetingDescriptor{Platform: domain.MeetingZoom}})
	if err == nil {
		t.Fatal("expected error from failed backend create")
	}
	if len(st.deletedSlots) != 1 || st.deletedSlots[0] != 9 {
		t.Fatalf("expected reserved slot rolled back, got %v", st.deletedSlots)
	}
}

// TestRelease_IdempotentWhenNoPlatformIdentifier covers the
// idempotent-double-stop property: releasing a bot that was never
// placed (no PlatformIdentifier, e.g. a second release call after the
// first already cleared it) is a no-op, not an error.
func TestRelease_IdempotentWhenNoPlatformIdentifier(t *testing.T) {
	st := newFakeStore()
	st.bots[1] = &domain.Bot{ID: 1}
	rt := &fakeRuntime{}
	p := New(st, rt, queue.NewNoopNotifier(), testGate())

	if err := p.Release(context.Background(), 1); err != nil {
		t.Fatalf("first release: unexpected error: %v", err)
	}
	if err := p.Release(context.Background(), 1); err != nil {
		t.Fatalf("second release: unexpected error: %v", err)
	}
	if len(rt.stopCalls) != 0 {
		t.Fatalf("expected no backend stop calls without a placed identifier, got %v", rt.stopCalls)
	}
}

func TestRelease_StopsApplicationAndFreesSlot(t *testing.T) {
	st := newFakeStore()
	st.bots[1] = &domain.Bot{ID: 1, PlatformIdentifier: "app-1"}
	st.slotByAppUUID["app-1"] = &domain.PoolSlot{ID: 7, ApplicationUUID: "app-1"}
	rt := &fakeRuntime{}
	p := New(st, rt, queue.NewNoopNotifier(), testGate())

	if err := p.Release(context.Background(), 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rt.stopCalls) != 1 || rt.stopCalls[0] != "app-1" {
		t.Fatalf("expected backend stop for app-1, got %v", rt.stopCalls)
	}
	if len(st.releasedSlots) != 1 || st.releasedSlots[0] != 7 {
		t.Fatalf("expected slot 7 released, got %v", st.releasedSlots)
	}
}
