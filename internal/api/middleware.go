package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/meeboter/coordinator/internal/auth"
	"github.com/meeboter/coordinator/internal/logging"
)

type contextKey string

const requestIDKey contextKey = "request_id"

// RequestIDFromContext extracts the request ID injected by RequestID.
func RequestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// RequestID injects a request ID into the context and the response
// header, reusing an inbound X-Request-ID when the caller supplies one.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.New().String()
		}
		ctx := context.WithValue(r.Context(), requestIDKey, id)
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestLogger logs every request with method, path, status, and duration.
func RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		logging.Op().Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", RequestIDFromContext(r.Context()),
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}

// RequireOwnership enforces this component's ownership rule on every mutating bot
// endpoint except the bot-container surface: the caller's identity
// (injected upstream by an external collaborator's auth layer, Non-
// goals) must match the bot's owning user, or the bot must not exist —
// either way the response is 404, never 403, so existence is never
// leaked to a non-owner (AuthorizationError policy).
func (h *Handler) RequireOwnership(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := parseBotID(r)
		if err != nil {
			RespondError(w, http.StatusBadRequest, "validation error", err.Error())
			return
		}

		owner, err := h.Store.GetBotOwner(r.Context(), id)
		if err != nil {
			writeStoreOrErrsError(w, err, "bot")
			return
		}

		caller := CallerUserID(r)
		if caller == "" || caller != owner {
			RespondError(w, http.StatusNotFound, "not found", "bot not found")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// callerUserIDHeader is a trusted-header fallback for deployments that
// run auth.Middleware with no configured Authenticator (local dev, or
// a reverse proxy that already resolved identity itself).
const callerUserIDHeader = "X-Meeboter-User-ID"

// CallerUserID resolves the authenticated caller's user id: the
// Identity auth.Middleware stored in the request context, or the
// trusted header fallback.
func CallerUserID(r *http.Request) string {
	if id := auth.FromContext(r.Context()); id != nil {
		return id.Subject
	}
	return r.Header.Get(callerUserIDHeader)
}

func parseBotID(r *http.Request) (int64, error) {
	return parseInt64(chi.URLParam(r, "id"))
}
