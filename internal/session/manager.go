// Package session owns the lifecycle of proctoring sessions: start, ingest,
// termination and the per-session serialization that keeps every session's
// state transitions ordered and idempotent.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/ashureev/proctor-engine/internal/classifier"
	"github.com/ashureev/proctor-engine/internal/domain"
	"github.com/ashureev/proctor-engine/internal/metrics"
	"github.com/ashureev/proctor-engine/internal/notify"
	"github.com/ashureev/proctor-engine/internal/policy"
	"github.com/ashureev/proctor-engine/internal/store"
	"github.com/google/uuid"
)

const (
	// MaxBatchSize bounds a single offline replay request.
	MaxBatchSize = 500

	// SystemActor is recorded as the terminating actor when the policy ends a session.
	SystemActor = "system"

	defaultLockTimeout = 5 * time.Second
)

// EvidenceStore persists evidence blobs.
type EvidenceStore interface {
	Store(ctx context.Context, sessionID string, kind domain.EvidenceKind, blob []byte) (domain.EvidenceRecord, error)
}

// Notifier accepts notifications for asynchronous delivery. Enqueue must not block.
type Notifier interface {
	Enqueue(n notify.Notification)
}

// Options configures a Manager. Only Repo is required.
type Options struct {
	Repo     store.Repository
	Evidence EvidenceStore
	Detector classifier.FaceDetector
	Notifier Notifier
	Metrics  *metrics.Metrics
	Logger   *slog.Logger

	// LockTimeout bounds the wait for a session lock. Zero uses a default;
	// a negative value waits for the caller's context only.
	LockTimeout time.Duration
	Clock       func() time.Time
}

// Manager coordinates sessions. Operations on different sessions proceed in
// parallel; operations on one session are serialized by its lock.
type Manager struct {
	repo        store.Repository
	evidence    EvidenceStore
	detector    classifier.FaceDetector
	notifier    Notifier
	metrics     *metrics.Metrics
	logger      *slog.Logger
	lockTimeout time.Duration
	clock       func() time.Time
	locks       lockTable
}

// NewManager creates a session manager.
func NewManager(opts Options) *Manager {
	m := &Manager{
		repo:        opts.Repo,
		evidence:    opts.Evidence,
		detector:    opts.Detector,
		notifier:    opts.Notifier,
		metrics:     opts.Metrics,
		logger:      opts.Logger,
		lockTimeout: opts.LockTimeout,
		clock:       opts.Clock,
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.lockTimeout == 0 {
		m.lockTimeout = defaultLockTimeout
	}
	if m.clock == nil {
		m.clock = time.Now
	}
	return m
}

func (m *Manager) now() time.Time {
	return m.clock().UTC()
}

func (m *Manager) lock(ctx context.Context, sessionID string) (func(), error) {
	if m.lockTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.lockTimeout)
		defer cancel()
	}

	start := time.Now()
	release, err := m.locks.acquire(ctx, sessionID)
	if err != nil {
		m.logger.Warn("Session lock unavailable", "session_id", sessionID, "error", err)
		return nil, err
	}
	m.metrics.LockWait(time.Since(start))
	return release, nil
}

// Start opens a session for an exam and participant. settings may be nil to
// use the defaults; the session keeps its own copy either way.
func (m *Manager) Start(ctx context.Context, examID, participantID string, settings *domain.Settings) (*domain.Session, error) {
	examID = strings.TrimSpace(examID)
	participantID = strings.TrimSpace(participantID)
	if examID == "" {
		return nil, &domain.ValidationError{Field: "exam_id", Reason: "is required"}
	}
	if participantID == "" {
		return nil, &domain.ValidationError{Field: "participant_id", Reason: "is required"}
	}

	cfg := domain.DefaultSettings()
	if settings != nil {
		cfg = settings.Clone()
	}
	if err := domain.ValidateSettings(cfg); err != nil {
		return nil, err
	}

	sess := &domain.Session{
		ID:            uuid.NewString(),
		ExamID:        examID,
		ParticipantID: participantID,
		State:         domain.StateActive,
		StartedAt:     m.now(),
		Settings:      cfg,
		Violations:    []domain.Violation{},
	}

	if err := m.repo.CreateSession(ctx, sess); err != nil {
		var conflict *domain.ConflictError
		if errors.As(err, &conflict) {
			m.logger.Info("Session start rejected, active session exists",
				"exam_id", examID,
				"participant_id", participantID,
				"existing_session_id", conflict.ExistingID,
			)
		}
		return nil, err
	}

	m.metrics.SessionStarted()
	m.logger.Info("Session started",
		"session_id", sess.ID,
		"exam_id", examID,
		"participant_id", participantID,
	)
	return sess.Clone(), nil
}

// Get returns a snapshot of a session including its violation log.
func (m *Manager) Get(ctx context.Context, sessionID string) (*domain.Session, error) {
	return m.repo.GetSession(ctx, sessionID)
}

// Active returns the non-terminated session for an exam and participant.
func (m *Manager) Active(ctx context.Context, examID, participantID string) (*domain.Session, error) {
	return m.repo.FindActive(ctx, examID, participantID)
}

// Violations returns a session's violation log ordered by sequence number.
func (m *Manager) Violations(ctx context.Context, sessionID string) ([]domain.Violation, error) {
	sess, err := m.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return sess.Violations, nil
}

// Ingest processes one monitoring sample. A sample whose sequence number was
// already processed returns the originally recorded outcome and changes
// nothing. Violations are committed before evidence is stored; if evidence
// storage fails the violation stands without a reference.
func (m *Manager) Ingest(ctx context.Context, sessionID string, sample *domain.Sample) (domain.IngestResult, error) {
	start := time.Now()
	res, err := m.ingest(ctx, sessionID, sample)
	m.metrics.Ingest(ingestOutcome(res, err), time.Since(start))
	return res, err
}

func (m *Manager) ingest(ctx context.Context, sessionID string, sample *domain.Sample) (domain.IngestResult, error) {
	if sample == nil {
		return domain.IngestResult{}, &domain.ValidationError{Reason: "sample is required"}
	}
	s := *sample
	if s.SessionID == "" {
		s.SessionID = sessionID
	} else if s.SessionID != sessionID {
		return domain.IngestResult{}, &domain.ValidationError{Field: "session_id", Reason: "does not match target session"}
	}
	if err := domain.ValidateEnvelope(&s); err != nil {
		return domain.IngestResult{}, err
	}

	// Settings never change after start, so classification can run on an
	// unlocked snapshot. State is re-read under the lock.
	snapshot, err := m.repo.GetSession(ctx, sessionID)
	if err != nil {
		return domain.IngestResult{}, err
	}
	if snapshot.State.Terminal() {
		return domain.IngestResult{}, fmt.Errorf("session %s: %w", sessionID, domain.ErrSessionClosed)
	}

	// Sequence numbers only grow, so a sample that is a duplicate here is
	// still one under the lock. Duplicates skip payload validation.
	var candidate *domain.Candidate
	if s.SequenceNumber > snapshot.LastSequenceNumber {
		if err := domain.ValidateSample(&s); err != nil {
			return domain.IngestResult{}, err
		}
		if err := m.detectFace(ctx, snapshot.Settings, &s); err != nil {
			return domain.IngestResult{}, err
		}
		candidate, err = classifier.Classify(snapshot.Settings, &s)
		if err != nil {
			return domain.IngestResult{}, err
		}
	}

	release, err := m.lock(ctx, sessionID)
	if err != nil {
		return domain.IngestResult{}, err
	}
	res, committed, err := m.applyLocked(ctx, sessionID, s.SequenceNumber, candidate)
	release()
	if err != nil || committed == nil {
		return res, err
	}

	v := *committed.violation
	if kind, blob, ok := evidenceFor(&s); ok {
		if ref, ok := m.attachEvidence(ctx, &v, kind, blob); ok {
			v.EvidenceRef = &ref
		}
	}
	res.Violation = &v

	m.metrics.Violation(string(v.Type), string(v.Severity), string(v.Action))
	if committed.decision.Terminates() {
		m.metrics.SessionTerminated("policy")
		m.logger.Warn("Session terminated by policy",
			"session_id", sessionID,
			"exam_id", committed.session.ExamID,
			"participant_id", committed.session.ParticipantID,
			"reason", committed.decision.Reason,
		)
	}
	if m.notifier != nil {
		if n, ok := notify.ForViolation(committed.session, &v, res.State, committed.decision.Reason); ok {
			m.notifier.Enqueue(n)
		}
	}
	return res, nil
}

// commitResult describes a violation written by applyLocked.
type commitResult struct {
	session   *domain.Session
	violation *domain.Violation
	decision  policy.Decision
}

// applyLocked runs the read-decide-write step. The caller holds the session lock.
func (m *Manager) applyLocked(ctx context.Context, sessionID string, seq uint64, candidate *domain.Candidate) (domain.IngestResult, *commitResult, error) {
	sess, err := m.repo.GetSession(ctx, sessionID)
	if err != nil {
		return domain.IngestResult{}, nil, err
	}
	if sess.State.Terminal() {
		return domain.IngestResult{}, nil, fmt.Errorf("session %s: %w", sessionID, domain.ErrSessionClosed)
	}

	res := domain.IngestResult{
		SessionID:      sessionID,
		SequenceNumber: seq,
		State:          sess.State,
		Action:         domain.ActionNone,
	}

	if seq <= sess.LastSequenceNumber {
		res.Duplicate = true
		if v, ok := sess.ViolationAt(seq); ok {
			res.Action = v.Action
			res.Violation = &v
		}
		m.logger.Debug("Duplicate sample", "session_id", sessionID, "sequence_number", seq)
		return res, nil, nil
	}

	decision := policy.Evaluate(sess.State, sess.Violations, candidate)
	commit := store.IngestCommit{
		SessionID:      sessionID,
		PrevSequence:   sess.LastSequenceNumber,
		SequenceNumber: seq,
		State:          decision.State,
	}

	var v *domain.Violation
	if candidate != nil {
		v = &domain.Violation{
			ID:             uuid.NewString(),
			SessionID:      sessionID,
			SequenceNumber: seq,
			Type:           candidate.Type,
			Severity:       candidate.Severity,
			Action:         decision.Action,
			DetectedAt:     m.now(),
			Details:        candidate.Details,
		}
		commit.Violation = v
	}
	if decision.State.Terminal() {
		ended := m.now()
		commit.EndedAt = &ended
		commit.TerminationReason = decision.Reason
		commit.TerminatedBy = SystemActor
	}

	if err := m.repo.CommitIngest(ctx, commit); err != nil {
		return domain.IngestResult{}, nil, fmt.Errorf("commit sample %d: %w", seq, err)
	}

	res.State = decision.State
	if v == nil {
		return res, nil, nil
	}
	res.Action = v.Action
	return res, &commitResult{session: sess, violation: v, decision: decision}, nil
}

func (m *Manager) detectFace(ctx context.Context, settings domain.Settings, s *domain.Sample) error {
	if s.SignalType != domain.SignalFace || !settings.Enabled(domain.SignalFace) || s.Face.Detection != nil {
		return nil
	}
	if m.detector == nil {
		return &domain.ValidationError{Field: "face.detection", Reason: "no face detector configured; send a detection result"}
	}

	det, err := m.detector.Detect(ctx, s.Face.Frame)
	if err != nil {
		return fmt.Errorf("face detection: %w", err)
	}
	face := *s.Face
	face.Detection = det
	s.Face = &face
	return nil
}

// evidenceFor picks the blob to keep for a violation: an explicit attachment,
// or the raw frame of a face sample.
func evidenceFor(s *domain.Sample) (domain.EvidenceKind, []byte, bool) {
	if s.Evidence != nil && len(s.Evidence.Data) > 0 {
		return s.Evidence.Kind, s.Evidence.Data, true
	}
	if s.Face != nil && len(s.Face.Frame) > 0 {
		return domain.EvidenceImage, s.Face.Frame, true
	}
	return "", nil, false
}

func (m *Manager) attachEvidence(ctx context.Context, v *domain.Violation, kind domain.EvidenceKind, blob []byte) (string, bool) {
	if m.evidence == nil {
		return "", false
	}

	rec, err := m.evidence.Store(ctx, v.SessionID, kind, blob)
	if err != nil {
		m.metrics.EvidenceFailed()
		m.logger.Warn("Evidence not stored, violation kept without reference",
			"error", err,
			"session_id", v.SessionID,
			"violation_id", v.ID,
		)
		return "", false
	}

	if err := m.repo.AttachEvidence(ctx, v.ID, rec.Reference); err != nil {
		m.metrics.EvidenceFailed()
		m.logger.Warn("Failed to attach evidence reference",
			"error", err,
			"session_id", v.SessionID,
			"violation_id", v.ID,
			"evidence_ref", rec.Reference,
		)
		return "", false
	}
	return rec.Reference, true
}

// BatchItem is the outcome of one sample in an offline replay.
type BatchItem struct {
	SequenceNumber uint64
	Result         *domain.IngestResult
	Err            error
}

// IngestBatch replays buffered samples in ascending sequence order. Each
// sample is ingested independently; once the session terminates the
// remaining samples report domain.ErrSessionClosed.
func (m *Manager) IngestBatch(ctx context.Context, sessionID string, samples []*domain.Sample) ([]BatchItem, error) {
	if len(samples) == 0 {
		return nil, &domain.ValidationError{Field: "samples", Reason: "batch is empty"}
	}
	if len(samples) > MaxBatchSize {
		return nil, &domain.ValidationError{Field: "samples", Reason: fmt.Sprintf("batch exceeds %d samples", MaxBatchSize)}
	}

	ordered := append([]*domain.Sample(nil), samples...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return seqOf(ordered[i]) < seqOf(ordered[j])
	})

	items := make([]BatchItem, 0, len(ordered))
	for _, s := range ordered {
		item := BatchItem{SequenceNumber: seqOf(s)}
		if err := ctx.Err(); err != nil {
			item.Err = err
			items = append(items, item)
			continue
		}

		res, err := m.Ingest(ctx, sessionID, s)
		if err != nil {
			item.Err = err
		} else {
			item.Result = &res
		}
		items = append(items, item)
	}
	return items, nil
}

func seqOf(s *domain.Sample) uint64 {
	if s == nil {
		return 0
	}
	return s.SequenceNumber
}

// Terminate ends a session on behalf of an actor. Terminating an already
// terminated session returns it unchanged.
func (m *Manager) Terminate(ctx context.Context, sessionID, reason, actor string) (*domain.Session, error) {
	reason = strings.TrimSpace(reason)
	actor = strings.TrimSpace(actor)
	if reason == "" {
		return nil, &domain.ValidationError{Field: "reason", Reason: "is required"}
	}
	if actor == "" {
		return nil, &domain.ValidationError{Field: "actor", Reason: "is required"}
	}

	release, err := m.lock(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	err = m.repo.Terminate(ctx, sessionID, reason, actor, m.now())
	alreadyClosed := errors.Is(err, domain.ErrSessionClosed)
	if err != nil && !alreadyClosed {
		release()
		return nil, err
	}
	sess, err := m.repo.GetSession(ctx, sessionID)
	release()
	if err != nil {
		return nil, err
	}

	if alreadyClosed {
		return sess, nil
	}

	m.metrics.SessionTerminated("manual")
	m.logger.Info("Session terminated",
		"session_id", sessionID,
		"exam_id", sess.ExamID,
		"participant_id", sess.ParticipantID,
		"actor", actor,
		"reason", reason,
	)
	if m.notifier != nil {
		m.notifier.Enqueue(notify.ForTermination(sess, reason, actor))
	}
	return sess, nil
}

// AuditReport compares a session's stored state with a replay of its log.
type AuditReport struct {
	SessionID     string       `json:"session_id"`
	StoredState   domain.State `json:"stored_state"`
	ReplayedState domain.State `json:"replayed_state"`
	Violations    int          `json:"violations"`
	Consistent    bool         `json:"consistent"`
}

// Audit replays the violation log through the policy and checks that the
// stored state is at least the replayed one. Manual termination can only
// raise the stored state.
func (m *Manager) Audit(ctx context.Context, sessionID string) (AuditReport, error) {
	sess, err := m.repo.GetSession(ctx, sessionID)
	if err != nil {
		return AuditReport{}, err
	}

	replayed := policy.Replay(sess.Violations)
	report := AuditReport{
		SessionID:     sessionID,
		StoredState:   sess.State,
		ReplayedState: replayed,
		Violations:    len(sess.Violations),
		Consistent:    policy.Consistent(sess.State, sess.Violations),
	}
	if !report.Consistent {
		m.logger.Error("Session state diverges from violation log",
			"session_id", sessionID,
			"stored_state", sess.State,
			"replayed_state", replayed,
		)
	}
	return report, nil
}

func ingestOutcome(res domain.IngestResult, err error) string {
	switch {
	case err == nil && res.Duplicate:
		return "duplicate"
	case err == nil && res.Violation != nil:
		return "violation"
	case err == nil:
		return "accepted"
	case errors.Is(err, domain.ErrSessionClosed):
		return "closed"
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrLockUnavailable):
		return "lock_unavailable"
	case domain.IsValidation(err):
		return "invalid"
	default:
		return "error"
	}
}
