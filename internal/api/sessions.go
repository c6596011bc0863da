package api

import (
	"net/http"
	"strings"

	"github.com/ashureev/proctor-engine/internal/domain"
	"github.com/ashureev/proctor-engine/internal/identity"
	"github.com/ashureev/proctor-engine/internal/session"
	"github.com/go-chi/chi/v5"
)

type startRequest struct {
	ExamID        string           `json:"exam_id" validate:"required,max=128"`
	ParticipantID string           `json:"participant_id" validate:"omitempty,max=128"`
	Settings      *domain.Settings `json:"settings,omitempty"`
}

type terminateRequest struct {
	Reason string `json:"reason" validate:"required,max=512"`
}

type batchRequest struct {
	Samples []*domain.Sample `json:"samples"`
}

type batchItemError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type batchItem struct {
	SequenceNumber uint64               `json:"sequence_number"`
	Result         *domain.IngestResult `json:"result,omitempty"`
	Error          *batchItemError      `json:"error,omitempty"`
}

type batchResponse struct {
	Items []batchItem `json:"items"`
}

// RegisterRoutes registers the engine routes. ingestLimit wraps the two
// sample endpoints and may be nil.
func (h *Handler) RegisterRoutes(r chi.Router, ingestLimit func(http.Handler) http.Handler) {
	if ingestLimit == nil {
		ingestLimit = func(next http.Handler) http.Handler { return next }
	}
	r.Route("/api", func(r chi.Router) {
		r.Use(identity.Require)
		r.Post("/sessions", h.StartSession)
		r.Get("/sessions", h.FindActive)
		r.Route("/sessions/{id}", func(r chi.Router) {
			r.Get("/", h.GetSession)
			r.Get("/violations", h.ListViolations)
			r.Get("/audit", h.Audit)
			r.Post("/terminate", h.Terminate)
			r.With(ingestLimit).Post("/samples", h.Ingest)
			r.With(ingestLimit).Post("/samples/batch", h.IngestBatch)
		})
		r.Get("/evidence/{ref}", h.GetEvidence)
	})
}

// requireProctor rejects callers that are not authenticated proctors.
func requireProctor(w http.ResponseWriter, r *http.Request) (string, bool) {
	actor := identity.ActorFromContext(r.Context())
	if actor == "" {
		Error(w, http.StatusUnauthorized, CodeUnauthorized, "proctor identity required")
		return "", false
	}
	if identity.RoleFromContext(r.Context()) != identity.RoleProctor {
		Error(w, http.StatusForbidden, CodeForbidden, "proctor role required")
		return "", false
	}
	return actor, true
}

// canAccess reports whether the caller may act on sess. Proctors see every
// session and participants only their own.
func canAccess(r *http.Request, sess *domain.Session) bool {
	switch identity.RoleFromContext(r.Context()) {
	case identity.RoleProctor:
		return true
	case identity.RoleParticipant:
		p := identity.ParticipantFromContext(r.Context())
		return p != "" && p == sess.ParticipantID
	default:
		return false
	}
}

// loadSession fetches the {id} session and checks access. It writes the
// error response itself and returns nil on failure.
func (h *Handler) loadSession(w http.ResponseWriter, r *http.Request) *domain.Session {
	sess, err := h.sessions.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return nil
	}
	if !canAccess(r, sess) {
		Error(w, http.StatusForbidden, CodeForbidden, "session belongs to another participant")
		return nil
	}
	return sess
}

// StartSession opens a session. Settings come from the request, else from
// the exam's profile.
func (h *Handler) StartSession(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decode(w, r, maxSampleBody, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := domain.ValidateStruct(req); err != nil {
		h.writeError(w, r, err)
		return
	}

	if p := identity.ParticipantFromContext(r.Context()); p != "" {
		if req.ParticipantID == "" {
			req.ParticipantID = p
		} else if identity.RoleFromContext(r.Context()) == identity.RoleParticipant && req.ParticipantID != p {
			Error(w, http.StatusForbidden, CodeForbidden, "cannot start a session for another participant")
			return
		}
	}

	settings := req.Settings
	if settings == nil {
		s := h.profiles.For(strings.TrimSpace(req.ExamID))
		settings = &s
	}

	sess, err := h.sessions.Start(r.Context(), req.ExamID, req.ParticipantID, settings)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	JSON(w, http.StatusCreated, sess)
}

// FindActive returns the open session for ?exam_id=&participant_id=.
func (h *Handler) FindActive(w http.ResponseWriter, r *http.Request) {
	examID := r.URL.Query().Get("exam_id")
	participantID := r.URL.Query().Get("participant_id")
	if participantID == "" {
		participantID = identity.ParticipantFromContext(r.Context())
	}
	if examID == "" || participantID == "" {
		Error(w, http.StatusBadRequest, CodeValidationFailed, "exam_id and participant_id are required")
		return
	}

	sess, err := h.sessions.Active(r.Context(), examID, participantID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if !canAccess(r, sess) {
		Error(w, http.StatusForbidden, CodeForbidden, "session belongs to another participant")
		return
	}
	JSON(w, http.StatusOK, sess)
}

// GetSession returns a session with its violation log.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	sess := h.loadSession(w, r)
	if sess == nil {
		return
	}
	JSON(w, http.StatusOK, sess)
}

// ListViolations returns the violation log of a session.
func (h *Handler) ListViolations(w http.ResponseWriter, r *http.Request) {
	sess := h.loadSession(w, r)
	if sess == nil {
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"session_id":    sess.ID,
		"warning_count": sess.WarningCount(),
		"violations":    sess.Violations,
	})
}

// Ingest processes one monitoring sample.
func (h *Handler) Ingest(w http.ResponseWriter, r *http.Request) {
	sess := h.loadSession(w, r)
	if sess == nil {
		return
	}

	var sample domain.Sample
	if err := decode(w, r, maxSampleBody, &sample); err != nil {
		h.writeError(w, r, err)
		return
	}

	res, err := h.sessions.Ingest(r.Context(), sess.ID, &sample)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, res)
}

// IngestBatch replays buffered samples. Per-sample failures are reported in
// the items; a closed session fails the whole request with 410.
func (h *Handler) IngestBatch(w http.ResponseWriter, r *http.Request) {
	sess := h.loadSession(w, r)
	if sess == nil {
		return
	}
	if sess.State.Terminal() {
		Error(w, http.StatusGone, CodeSessionClosed, "session is terminated")
		return
	}

	var req batchRequest
	if err := decode(w, r, maxBatchBody, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	items, err := h.sessions.IngestBatch(r.Context(), sess.ID, req.Samples)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, batchResponse{Items: toBatchItems(items)})
}

func toBatchItems(items []session.BatchItem) []batchItem {
	out := make([]batchItem, 0, len(items))
	for _, it := range items {
		bi := batchItem{SequenceNumber: it.SequenceNumber, Result: it.Result}
		if it.Err != nil {
			_, code := Classify(it.Err)
			msg := it.Err.Error()
			if code == CodeInternal {
				msg = "internal error"
			}
			bi.Error = &batchItemError{Code: code, Message: msg}
		}
		out = append(out, bi)
	}
	return out
}

// Terminate ends a session on behalf of the calling proctor.
func (h *Handler) Terminate(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireProctor(w, r)
	if !ok {
		return
	}

	var req terminateRequest
	if err := decode(w, r, maxSampleBody, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := domain.ValidateStruct(req); err != nil {
		h.writeError(w, r, err)
		return
	}

	sess, err := h.sessions.Terminate(r.Context(), chi.URLParam(r, "id"), req.Reason, actor)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.logger.Info("Manual termination requested",
		"session_id", sess.ID,
		"actor", actor,
		"ip", identity.IPFromRequest(r),
	)
	JSON(w, http.StatusOK, sess)
}

// Audit replays a session's violation log through the policy.
func (h *Handler) Audit(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireProctor(w, r); !ok {
		return
	}
	report, err := h.sessions.Audit(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, report)
}

// GetEvidence streams the decrypted evidence blob to a proctor.
func (h *Handler) GetEvidence(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireProctor(w, r)
	if !ok {
		return
	}
	if h.evidence == nil {
		Error(w, http.StatusServiceUnavailable, CodeEvidenceUnavailable, "evidence store not configured")
		return
	}

	ref := chi.URLParam(r, "ref")
	blob, err := h.evidence.Retrieve(r.Context(), ref)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.logger.Info("Evidence retrieved", "reference", ref, "actor", actor)

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(blob)
}
