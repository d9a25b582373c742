package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/meeboter/coordinator/internal/domain"
	"github.com/meeboter/coordinator/internal/errs"
	"github.com/meeboter/coordinator/internal/intake"
	"github.com/meeboter/coordinator/internal/orchestrator"
	"github.com/meeboter/coordinator/internal/store"
)

// createBotRequest is the caller-supplied bot specification (
// createBot). UserID is never read from the body: it is the
// authenticated caller, resolved via CallerUserID.
type createBotRequest struct {
	Meeting             domain.MeetingDescriptor `json:"meeting"`
	DisplayName         string                   `json:"display_name"`
	AvatarURL           string                   `json:"avatar_url"`
	RecordingEnabled    *bool                    `json:"recording_enabled"`
	ChatEnabled         *bool                    `json:"chat_enabled"`
	StartTime           *time.Time               `json:"start_time"`
	EndTime             *time.Time               `json:"end_time"`
	Timezone            string                   `json:"timezone"`
	HeartbeatIntervalMs int                      `json:"heartbeat_interval_ms"`
	LeaveTimeouts       domain.LeaveTimeouts     `json:"leave_timeouts"`
	WebhookURL          string                   `json:"webhook_url"`
}

func (h *Handler) handleCreateBot(w http.ResponseWriter, r *http.Request) {
	var req createBotRequest
	if err := Decode(w, r, &req); err != nil {
		WriteError(w, err, "bot")
		return
	}
	if !req.Meeting.Platform.IsValid() {
		WriteError(w, errs.Validationf("unknown meeting platform %q", req.Meeting.Platform), "bot")
		return
	}

	result, err := h.Orchestrator.CreateBot(r.Context(), orchestrator.CreateInput{
		UserID:              CallerUserID(r),
		Meeting:             req.Meeting,
		DisplayName:         req.DisplayName,
		AvatarURL:           req.AvatarURL,
		RecordingEnabled:    req.RecordingEnabled,
		ChatEnabled:         req.ChatEnabled,
		StartTime:           req.StartTime,
		EndTime:             req.EndTime,
		Timezone:            req.Timezone,
		HeartbeatIntervalMs: req.HeartbeatIntervalMs,
		LeaveTimeouts:       req.LeaveTimeouts,
		WebhookURL:          req.WebhookURL,
	})
	if result == nil {
		WriteError(w, err, "bot")
		return
	}
	// A placement error after the bot row was already created (
	// Deploy) is reported alongside the created bot, not as a bare
	// error: the caller still needs the bot id, and the bot's own
	// FATAL status already carries the failure.
	Respond(w, http.StatusCreated, result)
}

func (h *Handler) handleGetBots(w http.ResponseWriter, r *http.Request) {
	page := parseIntQuery(r, "page", 1)
	pageSize := parseIntQuery(r, "page_size", 20)

	bots, err := h.Store.ListBots(r.Context(), CallerUserID(r), page, pageSize)
	if err != nil {
		WriteError(w, err, "bots")
		return
	}
	Respond(w, http.StatusOK, bots)
}

func (h *Handler) handleGetBot(w http.ResponseWriter, r *http.Request) {
	id, err := parseBotID(r)
	if err != nil {
		WriteError(w, err, "bot")
		return
	}
	bot, err := h.Store.GetBot(r.Context(), id)
	if err != nil {
		WriteError(w, err, "bot")
		return
	}
	Respond(w, http.StatusOK, bot)
}

// updateBotRequest mirrors store.BotPatch; every field is optional.
type updateBotRequest struct {
	DisplayName         *string               `json:"display_name"`
	AvatarURL           *string               `json:"avatar_url"`
	RecordingEnabled    *bool                 `json:"recording_enabled"`
	ChatEnabled         *bool                 `json:"chat_enabled"`
	WebhookURL          *string               `json:"webhook_url"`
	HeartbeatIntervalMs *int                  `json:"heartbeat_interval_ms"`
	LeaveTimeouts       *domain.LeaveTimeouts `json:"leave_timeouts"`
}

func (h *Handler) handleUpdateBot(w http.ResponseWriter, r *http.Request) {
	id, err := parseBotID(r)
	if err != nil {
		WriteError(w, err, "bot")
		return
	}
	var req updateBotRequest
	if err := Decode(w, r, &req); err != nil {
		WriteError(w, err, "bot")
		return
	}

	patch := store.BotPatch{
		DisplayName:         req.DisplayName,
		AvatarURL:           req.AvatarURL,
		RecordingEnabled:    req.RecordingEnabled,
		ChatEnabled:         req.ChatEnabled,
		WebhookURL:          req.WebhookURL,
		HeartbeatIntervalMs: req.HeartbeatIntervalMs,
		LeaveTimeouts:       req.LeaveTimeouts,
	}
	if err := h.Store.UpdateBot(r.Context(), id, patch); err != nil {
		WriteError(w, err, "bot")
		return
	}
	bot, err := h.Store.GetBot(r.Context(), id)
	if err != nil {
		WriteError(w, err, "bot")
		return
	}
	Respond(w, http.StatusOK, bot)
}

func (h *Handler) handleDeleteBot(w http.ResponseWriter, r *http.Request) {
	id, err := parseBotID(r)
	if err != nil {
		WriteError(w, err, "bot")
		return
	}
	if err := h.Store.DeleteBot(r.Context(), id); err != nil {
		WriteError(w, err, "bot")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type updateLogLevelRequest struct {
	Level domain.LogLevel `json:"level"`
}

func (h *Handler) handleUpdateLogLevel(w http.ResponseWriter, r *http.Request) {
	id, err := parseBotID(r)
	if err != nil {
		WriteError(w, err, "bot")
		return
	}
	var req updateLogLevelRequest
	if err := Decode(w, r, &req); err != nil {
		WriteError(w, err, "bot")
		return
	}
	if !req.Level.IsValid() {
		WriteError(w, errs.Validationf("unknown log level %q", req.Level), "bot")
		return
	}
	if err := h.Store.UpdateLogLevel(r.Context(), id, req.Level); err != nil {
		WriteError(w, err, "bot")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type deployBotRequest struct {
	QueueTimeoutMs int `json:"queue_timeout_ms"`
}

func (h *Handler) handleDeployBot(w http.ResponseWriter, r *http.Request) {
	id, err := parseBotID(r)
	if err != nil {
		WriteError(w, err, "bot")
		return
	}
	var req deployBotRequest
	if r.ContentLength != 0 {
		if err := Decode(w, r, &req); err != nil {
			WriteError(w, err, "bot")
			return
		}
	}

	timeout := domain.ClampQueueTimeout(time.Duration(req.QueueTimeoutMs) * time.Millisecond)
	outcome, err := h.Orchestrator.Deploy(r.Context(), id, timeout)
	if err != nil {
		WriteError(w, err, "bot")
		return
	}
	Respond(w, http.StatusOK, outcome)
}

func (h *Handler) handleCancelDeployment(w http.ResponseWriter, r *http.Request) {
	h.releaseBot(w, r, domain.StatusFatal)
}

func (h *Handler) handleRemoveFromCall(w http.ResponseWriter, r *http.Request) {
	h.releaseBot(w, r, domain.StatusDone)
}

// releaseBot implements the shared shape of cancelDeployment and
// removeFromCall: mark the bot's final status, release its
// placement resource on whichever platform it landed on, then let the
// orchestrator pump the global queue so a waiting bot can take the slot.
func (h *Handler) releaseBot(w http.ResponseWriter, r *http.Request, final domain.Status) {
	id, err := parseBotID(r)
	if err != nil {
		WriteError(w, err, "bot")
		return
	}

	bot, err := h.Store.GetBot(r.Context(), id)
	if err != nil {
		WriteError(w, err, "bot")
		return
	}
	if err := h.Store.UpdateStatus(r.Context(), id, final); err != nil {
		WriteError(w, err, "bot")
		return
	}

	adapter := h.Adapters[bot.DeploymentPlatform]
	if err := h.Orchestrator.Release(r.Context(), id, adapter); err != nil {
		WriteError(w, err, "bot")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleGetActiveBotCount(w http.ResponseWriter, r *http.Request) {
	platform := domain.DeployPlatform(r.URL.Query().Get("platform"))
	if platform != "" {
		count, err := h.Store.ActiveCount(r.Context(), platform)
		if err != nil {
			WriteError(w, err, "bots")
			return
		}
		Respond(w, http.StatusOK, map[string]int{"active_count": count})
		return
	}

	total := 0
	for p := range h.Adapters {
		count, err := h.Store.ActiveCount(r.Context(), p)
		if err != nil {
			WriteError(w, err, "bots")
			return
		}
		total += count
	}
	Respond(w, http.StatusOK, map[string]int{"active_count": total})
}

// --- Bot-container callback surface: no ownership check. ---

func (h *Handler) handleSendHeartbeat(w http.ResponseWriter, r *http.Request) {
	id, err := parseBotID(r)
	if err != nil {
		WriteError(w, err, "bot")
		return
	}
	result, err := h.Intake.Heartbeat(r.Context(), id)
	if err != nil {
		WriteError(w, err, "bot")
		return
	}
	Respond(w, http.StatusOK, map[string]any{
		"should_leave": result.ShouldLeave,
		"log_level":    result.LogLevel,
	})
}

func (h *Handler) handleReportEvent(w http.ResponseWriter, r *http.Request) {
	id, err := parseBotID(r)
	if err != nil {
		WriteError(w, err, "bot")
		return
	}
	var event domain.Event
	if err := Decode(w, r, &event); err != nil {
		WriteError(w, err, "event")
		return
	}
	event.BotID = id
	if event.EventTime.IsZero() {
		event.EventTime = nowUTC()
	}
	h.Intake.ReportEvent(r.Context(), &event)
	w.WriteHeader(http.StatusAccepted)
}

type updateStatusRequest struct {
	Status           domain.Status          `json:"status"`
	RecordingURL     string                 `json:"recording_url"`
	SpeakerTimeframes []domain.SpeakerEvent `json:"speaker_timeframes"`
}

func (h *Handler) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	id, err := parseBotID(r)
	if err != nil {
		WriteError(w, err, "bot")
		return
	}
	var req updateStatusRequest
	if err := Decode(w, r, &req); err != nil {
		WriteError(w, err, "bot")
		return
	}

	if err := h.Intake.UpdateStatus(r.Context(), intake.StatusUpdateInput{
		BotID:        id,
		Status:       req.Status,
		RecordingURL: req.RecordingURL,
		Speakers:     req.SpeakerTimeframes,
	}); err != nil {
		WriteError(w, err, "bot")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type addScreenshotRequest struct {
	URL        string    `json:"url"`
	CapturedAt time.Time `json:"captured_at"`
}

func (h *Handler) handleAddScreenshot(w http.ResponseWriter, r *http.Request) {
	id, err := parseBotID(r)
	if err != nil {
		WriteError(w, err, "bot")
		return
	}
	var req addScreenshotRequest
	if err := Decode(w, r, &req); err != nil {
		WriteError(w, err, "screenshot")
		return
	}
	if req.URL == "" {
		WriteError(w, errs.Validationf("url is required"), "screenshot")
		return
	}
	if req.CapturedAt.IsZero() {
		req.CapturedAt = nowUTC()
	}

	shot := domain.Screenshot{URL: req.URL, CapturedAt: req.CapturedAt}
	if err := h.Store.AddScreenshot(r.Context(), id, shot); err != nil {
		WriteError(w, err, "bot")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) handleGetPoolSlot(w http.ResponseWriter, r *http.Request) {
	uuid := chi.URLParam(r, "uuid")
	cfg, err := h.Intake.PoolSlotConfig(r.Context(), uuid)
	if err != nil {
		WriteError(w, err, "pool slot")
		return
	}
	Respond(w, http.StatusOK, cfg)
}

func nowUTC() time.Time { return time.Now().UTC() }
