package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/meeboter/coordinator/internal/errs"
	"github.com/meeboter/coordinator/internal/logging"
	"github.com/meeboter/coordinator/internal/store"
)

// Respond writes a JSON response with the given status code.
func Respond(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if data == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logging.Op().Error("encoding response", "error", err)
	}
}

// ErrorResponse is the standard JSON error envelope.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// RespondError writes a JSON error response.
func RespondError(w http.ResponseWriter, status int, errKind string, message string) {
	Respond(w, status, ErrorResponse{Error: errKind, Message: message})
}

// maxRequestBody caps a decoded request body at 1 MiB (bound on
// caller-supplied payloads; event batches and bot specs are well under
// this).
const maxRequestBody = 1 << 20

// Decode reads exactly one JSON value from r.Body into dst, rejecting
// unknown fields and any data following the value.
func Decode(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrValidation, err)
	}
	if dec.More() {
		return fmt.Errorf("%w: body must contain a single JSON value", errs.ErrValidation)
	}
	return nil
}

// WriteError maps the coordinator's error taxonomy onto an HTTP
// status and writes the envelope. subject names the resource in a
// not-found message ("bot", "pool slot",...).
func WriteError(w http.ResponseWriter, err error, subject string) {
	writeStoreOrErrsError(w, err, subject)
}

func writeStoreOrErrsError(w http.ResponseWriter, err error, subject string) {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, errs.ErrNotFound):
		RespondError(w, http.StatusNotFound, "not_found", subject+" not found")
	case errors.Is(err, errs.ErrValidation):
		RespondError(w, http.StatusBadRequest, "validation_error", err.Error())
	case errors.Is(err, errs.ErrQueueTimeout):
		RespondError(w, http.StatusGatewayTimeout, "queue_timeout", err.Error())
	case errors.Is(err, errs.ErrPlacementRefused):
		RespondError(w, http.StatusServiceUnavailable, "placement_refused", err.Error())
	case errors.Is(err, errs.ErrPlacementFailed):
		RespondError(w, http.StatusBadGateway, "placement_failed", err.Error())
	case errors.Is(err, errs.ErrBackendTransient):
		RespondError(w, http.StatusBadGateway, "backend_transient", err.Error())
	default:
		logging.Op().Error("unclassified api error", "subject", subject, "error", err)
		RespondError(w, http.StatusInternalServerError, "internal_error", "unexpected error")
	}
}

func parseInt64(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid id %q", errs.ErrValidation, s)
	}
	return id, nil
}

func parseIntQuery(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}
