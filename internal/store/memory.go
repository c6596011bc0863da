package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ashureev/proctor-engine/internal/domain"
)

type pairKey struct {
	examID        string
	participantID string
}

// MemoryStore is an in-process Repository used in development and tests.
type MemoryStore struct {
	mu         sync.RWMutex
	sessions   map[string]*domain.Session
	open       map[pairKey]string
	violations map[string]string // violation id -> session id
}

// NewMemory creates an empty in-memory repository.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		sessions:   make(map[string]*domain.Session),
		open:       make(map[pairKey]string),
		violations: make(map[string]string),
	}
}

func (m *MemoryStore) CreateSession(_ context.Context, sess *domain.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := pairKey{sess.ExamID, sess.ParticipantID}
	if existing, ok := m.open[key]; ok {
		return &domain.ConflictError{ExistingID: existing}
	}
	if _, ok := m.sessions[sess.ID]; ok {
		return fmt.Errorf("session %s already exists", sess.ID)
	}

	m.sessions[sess.ID] = sess.Clone()
	if !sess.State.Terminal() {
		m.open[key] = sess.ID
	}
	return nil
}

func (m *MemoryStore) GetSession(_ context.Context, id string) (*domain.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sess, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, domain.ErrNotFound)
	}
	return sess.Clone(), nil
}

func (m *MemoryStore) FindActive(_ context.Context, examID, participantID string) (*domain.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.open[pairKey{examID, participantID}]
	if !ok {
		return nil, fmt.Errorf("active session for %s/%s: %w", examID, participantID, domain.ErrNotFound)
	}
	return m.sessions[id].Clone(), nil
}

func (m *MemoryStore) CommitIngest(_ context.Context, c IngestCommit) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[c.SessionID]
	if !ok {
		return fmt.Errorf("session %s: %w", c.SessionID, domain.ErrNotFound)
	}
	if sess.State.Terminal() || sess.LastSequenceNumber != c.PrevSequence {
		return fmt.Errorf("session %s: %w: sequence or state changed concurrently", c.SessionID, domain.ErrConflict)
	}

	sess.State = c.State
	sess.LastSequenceNumber = c.SequenceNumber
	if c.EndedAt != nil {
		t := *c.EndedAt
		sess.EndedAt = &t
	}
	if c.TerminationReason != "" {
		sess.TerminationReason = c.TerminationReason
	}
	if c.TerminatedBy != "" {
		sess.TerminatedBy = c.TerminatedBy
	}
	if c.Violation != nil {
		v := *c.Violation
		if v.EvidenceRef != nil {
			ref := *v.EvidenceRef
			v.EvidenceRef = &ref
		}
		sess.Violations = append(sess.Violations, v)
		sort.SliceStable(sess.Violations, func(i, j int) bool {
			return sess.Violations[i].SequenceNumber < sess.Violations[j].SequenceNumber
		})
		m.violations[v.ID] = sess.ID
	}
	if sess.State.Terminal() {
		delete(m.open, pairKey{sess.ExamID, sess.ParticipantID})
	}
	return nil
}

func (m *MemoryStore) Terminate(_ context.Context, id, reason, actor string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[id]
	if !ok {
		return fmt.Errorf("session %s: %w", id, domain.ErrNotFound)
	}
	if sess.State.Terminal() {
		return fmt.Errorf("session %s: %w", id, domain.ErrSessionClosed)
	}

	sess.State = domain.StateTerminated
	ended := at
	sess.EndedAt = &ended
	sess.TerminationReason = reason
	sess.TerminatedBy = actor
	delete(m.open, pairKey{sess.ExamID, sess.ParticipantID})
	return nil
}

func (m *MemoryStore) AttachEvidence(_ context.Context, violationID, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sessionID, ok := m.violations[violationID]
	if !ok {
		return fmt.Errorf("violation %s: %w", violationID, domain.ErrNotFound)
	}
	sess := m.sessions[sessionID]
	for i := range sess.Violations {
		v := &sess.Violations[i]
		if v.ID != violationID {
			continue
		}
		if v.EvidenceRef != nil {
			return fmt.Errorf("violation %s: %w: evidence already attached", violationID, domain.ErrConflict)
		}
		ref := reference
		v.EvidenceRef = &ref
		return nil
	}
	return fmt.Errorf("violation %s: %w", violationID, domain.ErrNotFound)
}

func (m *MemoryStore) ListViolations(_ context.Context, sessionID string) ([]domain.Violation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sess, ok := m.sessions[sessionID]
	if !ok {
		return []domain.Violation{}, nil
	}
	return sess.Clone().Violations, nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }
