package evidence

import (
	"context"
	"fmt"
	"sync"

	"github.com/ashureev/proctor-engine/internal/domain"
)

// MemoryBackend keeps records in process memory. Used for development and tests.
type MemoryBackend struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{records: make(map[string]*Record)}
}

func (m *MemoryBackend) Put(_ context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.Reference] = cloneRecord(rec)
	return nil
}

func (m *MemoryBackend) Get(_ context.Context, reference string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[reference]
	if !ok {
		return nil, fmt.Errorf("evidence %s: %w", reference, domain.ErrNotFound)
	}
	return cloneRecord(rec), nil
}

// Mutate applies fn to the stored record. It exists so tests can simulate
// tampering with data at rest.
func (m *MemoryBackend) Mutate(reference string, fn func(*Record)) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[reference]
	if ok {
		fn(rec)
	}
	return ok
}

func (m *MemoryBackend) Close() error { return nil }

func cloneRecord(r *Record) *Record {
	c := *r
	c.Sealed = Sealed{
		Nonce:      append([]byte(nil), r.Sealed.Nonce...),
		Ciphertext: append([]byte(nil), r.Sealed.Ciphertext...),
		Tag:        append([]byte(nil), r.Sealed.Tag...),
	}
	return &c
}
