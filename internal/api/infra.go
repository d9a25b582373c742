package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/meeboter/coordinator/internal/domain"
	"github.com/meeboter/coordinator/internal/metrics"
)

func (h *Handler) handleListPoolSlots(w http.ResponseWriter, r *http.Request) {
	statusParam := r.URL.Query().Get("status")
	var (
		slots []*domain.PoolSlot
		err   error
	)
	if statusParam == "" {
		slots, err = h.Store.ListAllSlots(r.Context())
	} else {
		slots, err = h.Store.ListSlotsByStatus(r.Context(), domain.SlotStatus(statusParam))
	}
	if err != nil {
		WriteError(w, err, "pool slots")
		return
	}
	Respond(w, http.StatusOK, slots)
}

func (h *Handler) handleDeletePoolSlot(w http.ResponseWriter, r *http.Request) {
	id, err := parseInt64(chi.URLParam(r, "id"))
	if err != nil {
		WriteError(w, err, "pool slot")
		return
	}
	if err := h.Store.DeleteSlotReservation(r.Context(), id); err != nil {
		WriteError(w, err, "pool slot")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleForceSlotHealthy(w http.ResponseWriter, r *http.Request) {
	id, err := parseInt64(chi.URLParam(r, "id"))
	if err != nil {
		WriteError(w, err, "pool slot")
		return
	}
	if err := h.Store.ForceSlotHealthy(r.Context(), id); err != nil {
		WriteError(w, err, "pool slot")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handlePoolStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Store.PoolStats(r.Context())
	if err != nil {
		WriteError(w, err, "pool stats")
		return
	}
	metrics.SetPoolOccupancy(stats.Idle, stats.Deploying, stats.Healthy, stats.Error, stats.Total, stats.MaxSize)
	Respond(w, http.StatusOK, stats)
}

func (h *Handler) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	local, err := h.Store.LocalQueueStats(r.Context())
	if err != nil {
		WriteError(w, err, "queue stats")
		return
	}
	global, err := h.Store.GlobalQueueStats(r.Context())
	if err != nil {
		WriteError(w, err, "queue stats")
		return
	}
	metrics.SetQueueDepth("local", local.Length)
	metrics.SetQueueWaitMs("local", local.MeanWaitMs)
	metrics.SetQueueDepth("global", global.Length)
	metrics.SetQueueWaitMs("global", global.MeanWaitMs)
	if h.Gate != nil {
		metrics.SetDeploymentGate(h.Gate.InUse(), h.Gate.Waiters())
	}

	Respond(w, http.StatusOK, map[string]any{
		"local":  local,
		"global": global,
	})
}

type platformStat struct {
	Platform domain.DeployPlatform `json:"platform"`
	Priority int                   `json:"priority"`
	Limit    int                   `json:"limit"`
	Active   int                   `json:"active"`
}

func (h *Handler) handlePlatformStats(w http.ResponseWriter, r *http.Request) {
	result := make([]platformStat, 0, len(h.Platforms))
	for _, p := range h.Platforms {
		active, err := h.Store.ActiveCount(r.Context(), p.Platform)
		if err != nil {
			WriteError(w, err, "platform stats")
			return
		}
		result = append(result, platformStat{
			Platform: p.Platform,
			Priority: p.Priority,
			Limit:    p.Limit,
			Active:   active,
		})
	}
	Respond(w, http.StatusOK, result)
}

func (h *Handler) handlePlatformCapacity(w http.ResponseWriter, r *http.Request) {
	platform := domain.DeployPlatform(chi.URLParam(r, "platform"))
	for _, p := range h.Platforms {
		if p.Platform != platform {
			continue
		}
		active, err := h.Store.ActiveCount(r.Context(), platform)
		if err != nil {
			WriteError(w, err, "platform stats")
			return
		}
		Respond(w, http.StatusOK, platformStat{
			Platform: p.Platform,
			Priority: p.Priority,
			Limit:    p.Limit,
			Active:   active,
		})
		return
	}
	RespondError(w, http.StatusNotFound, "not_found", "platform not configured")
}

func (h *Handler) handleDeleteGlobalQueueEntry(w http.ResponseWriter, r *http.Request) {
	id, err := parseInt64(chi.URLParam(r, "id"))
	if err != nil {
		WriteError(w, err, "global queue entry")
		return
	}
	if err := h.Store.DeleteGlobalQueueEntry(r.Context(), id); err != nil {
		WriteError(w, err, "global queue entry")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
