// Package evidence encrypts and persists evidence blobs (frames, audio clips)
// that support recorded violations.
package evidence

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/ashureev/proctor-engine/internal/domain"
	"github.com/google/uuid"
)

const (
	hashPrefix = "sha256:"
	refPrefix  = "ev_"
)

// Record is the persisted form of one evidence blob.
type Record struct {
	Reference   string
	SessionID   string
	Kind        domain.EvidenceKind
	ContentHash string
	Sealed      Sealed
	CreatedAt   time.Time
}

// Backend persists sealed records. Get returns an error wrapping
// domain.ErrNotFound when the reference is unknown.
type Backend interface {
	Put(ctx context.Context, rec *Record) error
	Get(ctx context.Context, reference string) (*Record, error)
	Close() error
}

// Store seals evidence before handing it to a Backend.
type Store struct {
	backend Backend
	sealer  *Sealer
	clock   func() time.Time
}

// NewStore creates an evidence store.
func NewStore(backend Backend, sealer *Sealer) *Store {
	return &Store{backend: backend, sealer: sealer, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (s *Store) WithClock(clock func() time.Time) *Store {
	s.clock = clock
	return s
}

// Store hashes the plaintext, seals it and persists it. Backend failures are
// reported as domain.ErrEvidenceUnavailable.
func (s *Store) Store(ctx context.Context, sessionID string, kind domain.EvidenceKind, blob []byte) (domain.EvidenceRecord, error) {
	if kind != domain.EvidenceImage && kind != domain.EvidenceAudio {
		return domain.EvidenceRecord{}, &domain.ValidationError{Field: "kind", Reason: fmt.Sprintf("unsupported evidence kind %q", kind)}
	}
	if len(blob) == 0 {
		return domain.EvidenceRecord{}, &domain.ValidationError{Field: "data", Reason: "evidence is empty"}
	}

	rec := &Record{
		Reference:   refPrefix + uuid.NewString(),
		SessionID:   sessionID,
		Kind:        kind,
		ContentHash: contentHash(blob),
		CreatedAt:   s.clock().UTC(),
	}

	sealed, err := s.sealer.Seal(blob, associatedData(rec))
	if err != nil {
		return domain.EvidenceRecord{}, fmt.Errorf("%w: %v", domain.ErrEvidenceUnavailable, err)
	}
	rec.Sealed = sealed

	if err := s.backend.Put(ctx, rec); err != nil {
		return domain.EvidenceRecord{}, fmt.Errorf("%w: %v", domain.ErrEvidenceUnavailable, err)
	}

	return domain.EvidenceRecord{
		Reference:   rec.Reference,
		ContentHash: rec.ContentHash,
		Kind:        rec.Kind,
		SessionID:   rec.SessionID,
		CreatedAt:   rec.CreatedAt,
	}, nil
}

// Retrieve returns the authenticated plaintext for a reference. It fails with
// domain.ErrNotFound for unknown references and domain.ErrIntegrity when the
// record was altered.
func (s *Store) Retrieve(ctx context.Context, reference string) ([]byte, error) {
	rec, err := s.backend.Get(ctx, reference)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrIntegrity) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrEvidenceUnavailable, err)
	}

	plaintext, err := s.sealer.Open(rec.Sealed, associatedData(rec))
	if err != nil {
		return nil, fmt.Errorf("evidence %s: %w", reference, err)
	}

	got := contentHash(plaintext)
	if subtle.ConstantTimeCompare([]byte(got), []byte(rec.ContentHash)) != 1 {
		return nil, fmt.Errorf("evidence %s: %w: content hash mismatch", reference, domain.ErrIntegrity)
	}
	return plaintext, nil
}

// Ping checks the backend when it supports health checks.
func (s *Store) Ping(ctx context.Context) error {
	if p, ok := s.backend.(interface{ Ping(context.Context) error }); ok {
		return p.Ping(ctx)
	}
	return nil
}

// Close releases the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

func contentHash(b []byte) string {
	sum := sha256.Sum256(b)
	return hashPrefix + hex.EncodeToString(sum[:])
}

// associatedData binds the ciphertext to its record so blobs cannot be
// swapped between references or sessions.
func associatedData(rec *Record) []byte {
	return []byte(rec.Reference + "|" + rec.SessionID + "|" + string(rec.Kind) + "|" + rec.ContentHash)
}
