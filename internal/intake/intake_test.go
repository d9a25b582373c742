package intake

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/meeboter/coordinator/internal/domain"
	"github.com/meeboter/coordinator/internal/errs"
	"github.com/meeboter/coordinator/internal/store"
)

// fakeStore is a minimal store.Store stub: embeds the interface so
// unexercised methods panic, overriding only what Intake calls.
type fakeStore struct {
	store.Store

	status   domain.Status
	level    domain.LogLevel
	touched  atomic.Int64
	inserted [][]*domain.Event

	updateStatusFunc func(ctx context.Context, id int64, status domain.Status, recordingURL string, speakers []domain.SpeakerEvent) (string, string, error)

	slotConfig *domain.BotConfig
	slotFound  bool
	slotErr    error
}

func (s *fakeStore) HeartbeatLookup(context.Context, int64) (domain.Status, domain.LogLevel, error) {
	return s.status, s.level, nil
}

func (s *fakeStore) HeartbeatTouch(context.Context, int64, time.Time) error {
	s.touched.Add(1)
	return nil
}

func (s *fakeStore) InsertEvents(_ context.Context, events []*domain.Event) error {
	s.inserted = append(s.inserted, events)
	return nil
}

func (s *fakeStore) UpdateStatusWithRecording(ctx context.Context, id int64, status domain.Status, recordingURL string, speakers []domain.SpeakerEvent) (string, string, error) {
	return s.updateStatusFunc(ctx, id, status, recordingURL, speakers)
}

func (s *fakeStore) GetPoolSlotConfig(context.Context, string) (*domain.BotConfig, bool, error) {
	return s.slotConfig, s.slotFound, s.slotErr
}

type fakeReleaser struct {
	mu      sync.Mutex
	botIDs  []int64
}

func (r *fakeReleaser) Release(_ context.Context, botID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.botIDs = append(r.botIDs, botID)
	return nil
}

func (r *fakeReleaser) called() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.botIDs...)
}

func TestHeartbeat_ReturnsShouldLeaveForLeavingStatus(t *testing.T) {
	st := &fakeStore{status: domain.StatusLeaving, level: domain.LogDebug}
	in := New(st, &fakeReleaser{}, nil)

	result, err := in.Heartbeat(context.Background(), 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.ShouldLeave {
		t.Fatal("expected ShouldLeave=true for LEAVING status")
	}
	if result.LogLevel != domain.LogDebug {
		t.Fatalf("expected log level passthrough, got %s", result.LogLevel)
	}
	if st.touched.Load() != 1 {
		t.Fatalf("expected heartbeat touch recorded once, got %d", st.touched.Load())
	}
}

func TestReportEvent_FlushesImmediatelyAtBatchThreshold(t *testing.T) {
	st := &fakeStore{}
	in := New(st, &fakeReleaser{}, nil)

	for i := 0; i < domain.MaxEventBatch; i++ {
		in.ReportEvent(context.Background(), &domain.Event{BotID: 1, Type: domain.EventLog})
	}

	if len(st.inserted) != 1 {
		t.Fatalf("expected exactly one flush at threshold, got %d", len(st.inserted))
	}
	if len(st.inserted[0]) != domain.MaxEventBatch {
		t.Fatalf("expected full batch flushed, got %d events", len(st.inserted[0]))
	}
}

func TestReportEvent_FlushesAfterDebounceWindow(t *testing.T) {
	st := &fakeStore{}
	in := New(st, &fakeReleaser{}, nil)

	in.ReportEvent(context.Background(), &domain.Event{BotID: 1, Type: domain.EventLog})

	time.Sleep(domain.EventFlushDebounce + 50*time.Millisecond)

	if len(st.inserted) != 1 {
		t.Fatalf("expected debounce flush, got %d flushes", len(st.inserted))
	}
}

// TestUpdateStatus_DoneFiresWebhookWithBotIdKey locks in the one
// cross-service payload whose key is camelCase: the DONE callback body
// must carry "botId", not "bot_id".
func TestUpdateStatus_DoneFiresWebhookWithBotIdKey(t *testing.T) {
	received := make(chan map[string]any, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		received <- body
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	st := &fakeStore{
		updateStatusFunc: func(context.Context, int64, domain.Status, string, []domain.SpeakerEvent) (string, string, error) {
			return srv.URL, "app-1", nil
		},
	}
	rel := &fakeReleaser{}
	in := New(st, rel, nil)

	err := in.UpdateStatus(context.Background(), StatusUpdateInput{BotID: 42, Status: domain.StatusDone, RecordingURL: "https://rec"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	select {
	case body := <-received:
		if _, hasBotId := body["botId"]; !hasBotId {
			t.Fatalf("expected botId key in webhook body, got %+v", body)
		}
		if _, hasSnakeCase := body["bot_id"]; hasSnakeCase {
			t.Fatalf("did not expect bot_id key in webhook body, got %+v", body)
		}
		if body["status"] != string(domain.StatusDone) {
			t.Fatalf("expected status=DONE, got %+v", body["status"])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("webhook was never received")
	}

	deadline := time.Now().Add(time.Second)
	for len(rel.called()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := rel.called(); len(got) != 1 || got[0] != 42 {
		t.Fatalf("expected release triggered for bot 42, got %v", got)
	}
}

func TestUpdateStatus_PropagatesTerminalValidationError(t *testing.T) {
	st := &fakeStore{
		updateStatusFunc: func(context.Context, int64, domain.Status, string, []domain.SpeakerEvent) (string, string, error) {
			return "", "", errs.Validationf("bot 1 is in terminal status DONE, cannot transition to IN_CALL")
		},
	}
	in := New(st, &fakeReleaser{}, nil)

	err := in.UpdateStatus(context.Background(), StatusUpdateInput{BotID: 1, Status: domain.StatusInCall})
	if err == nil {
		t.Fatal("expected error from terminal-state guard")
	}
}

func TestPoolSlotConfig_NotFoundWhenNoBotAssigned(t *testing.T) {
	st := &fakeStore{slotFound: false}
	in := New(st, &fakeReleaser{}, nil)

	_, err := in.PoolSlotConfig(context.Background(), "uuid-1")
	if err == nil {
		t.Fatal("expected not-found error")
	}
}

func TestPoolSlotConfig_PropagatesTerminalRejection(t *testing.T) {
	st := &fakeStore{slotErr: errs.Validationf("bot 1 is already in terminal status DONE, container should exit")}
	in := New(st, &fakeReleaser{}, nil)

	_, err := in.PoolSlotConfig(context.Background(), "uuid-1")
	if err == nil {
		t.Fatal("expected terminal-state error to propagate to the container")
	}
}

func TestPoolSlotConfig_ReturnsConfigWhenAssigned(t *testing.T) {
	cfg := &domain.BotConfig{BotID: 7}
	st := &fakeStore{slotConfig: cfg, slotFound: true}
	in := New(st, &fakeReleaser{}, nil)

	got, err := in.PoolSlotConfig(context.Background(), "uuid-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.BotID != 7 {
		t.Fatalf("expected config for bot 7, got %+v", got)
	}
}
