// Package api provides HTTP handlers for the proctoring engine.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/ashureev/proctor-engine/internal/config"
	"github.com/ashureev/proctor-engine/internal/domain"
	"github.com/ashureev/proctor-engine/internal/evidence"
	"github.com/ashureev/proctor-engine/internal/session"
)

// Error codes carried in error bodies. Batch items use the same codes.
const (
	CodeValidationFailed    = "validation_failed"
	CodeNotFound            = "not_found"
	CodeConflict            = "conflict"
	CodeSessionClosed       = "session_closed"
	CodeLockUnavailable     = "lock_unavailable"
	CodeEvidenceUnavailable = "evidence_unavailable"
	CodeIntegrityFailed     = "integrity_failed"
	CodeUnauthorized        = "unauthorized"
	CodeForbidden           = "forbidden"
	CodeInternal            = "internal"
)

const (
	maxSampleBody = 8 << 20
	maxBatchBody  = 64 << 20
)

// Handler serves the session, ingest and evidence endpoints.
type Handler struct {
	sessions *session.Manager
	evidence *evidence.Store
	profiles config.Profiles
	logger   *slog.Logger
}

// NewHandler creates a new Handler. profiles may be nil.
func NewHandler(sessions *session.Manager, ev *evidence.Store, profiles config.Profiles, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		sessions: sessions,
		evidence: ev,
		profiles: profiles,
		logger:   logger,
	}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, code, message string) {
	JSON(w, status, ErrorBody{Error: message, Code: code})
}

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error      string `json:"error"`
	Code       string `json:"code"`
	ExistingID string `json:"existing_id,omitempty"`
}

// Classify maps an engine error to an HTTP status and error code.
func Classify(err error) (int, string) {
	var conflict *domain.ConflictError
	switch {
	case domain.IsValidation(err):
		return http.StatusBadRequest, CodeValidationFailed
	case errors.As(err, &conflict), errors.Is(err, domain.ErrConflict):
		return http.StatusConflict, CodeConflict
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, domain.ErrSessionClosed):
		return http.StatusGone, CodeSessionClosed
	case errors.Is(err, domain.ErrLockUnavailable):
		return http.StatusServiceUnavailable, CodeLockUnavailable
	case errors.Is(err, domain.ErrIntegrity):
		return http.StatusUnprocessableEntity, CodeIntegrityFailed
	case errors.Is(err, domain.ErrEvidenceUnavailable):
		return http.StatusServiceUnavailable, CodeEvidenceUnavailable
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}

// writeError writes err with its mapped status. Internal errors are logged
// and their text withheld from the client.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := Classify(err)
	body := ErrorBody{Error: err.Error(), Code: code}

	var conflict *domain.ConflictError
	if errors.As(err, &conflict) {
		body.ExistingID = conflict.ExistingID
	}
	switch status {
	case http.StatusInternalServerError:
		h.logger.Error("Request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		body.Error = "internal error"
	case http.StatusServiceUnavailable:
		w.Header().Set("Retry-After", "1")
	}
	JSON(w, status, body)
}

// decode reads a JSON body of at most limit bytes into v.
func decode(w http.ResponseWriter, r *http.Request, limit int64, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, limit))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return &domain.ValidationError{Reason: "request body is empty"}
		}
		return &domain.ValidationError{Reason: "malformed JSON: " + err.Error()}
	}
	return nil
}
