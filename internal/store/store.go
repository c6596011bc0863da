// Package store provides session and violation persistence.
package store

import (
	"context"
	"time"

	"github.com/ashureev/proctor-engine/internal/domain"
)

// IngestCommit is the atomic outcome of one accepted sample: the new state,
// the advanced sequence number and at most one violation.
type IngestCommit struct {
	SessionID string

	// PrevSequence is the last sequence number observed under the session
	// lock. The commit fails with domain.ErrConflict if it has moved.
	PrevSequence      uint64
	SequenceNumber    uint64
	State             domain.State
	EndedAt           *time.Time
	TerminationReason string
	TerminatedBy      string
	Violation         *domain.Violation
}

// Repository defines the interface for persisting proctoring sessions.
type Repository interface {
	// CreateSession inserts a new session. If a non-terminated session already
	// exists for the same exam and participant it returns *domain.ConflictError.
	CreateSession(ctx context.Context, s *domain.Session) error

	// GetSession loads a session with its violation log ordered by sequence number.
	GetSession(ctx context.Context, id string) (*domain.Session, error)

	// FindActive returns the non-terminated session for a pair, or domain.ErrNotFound.
	FindActive(ctx context.Context, examID, participantID string) (*domain.Session, error)

	// CommitIngest applies an IngestCommit atomically.
	CommitIngest(ctx context.Context, c IngestCommit) error

	// Terminate moves a non-terminated session to TERMINATED. It returns
	// domain.ErrSessionClosed if the session is already terminated.
	Terminate(ctx context.Context, id, reason, actor string, at time.Time) error

	// AttachEvidence sets a violation's evidence reference. The reference can
	// be set once; a second attempt returns domain.ErrConflict.
	AttachEvidence(ctx context.Context, violationID, reference string) error

	// ListViolations returns a session's violations ordered by sequence number.
	ListViolations(ctx context.Context, sessionID string) ([]domain.Violation, error)

	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error

	// Close releases resources.
	Close() error
}
