package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/ashureev/proctor-engine/internal/domain"
)

// lockTable holds one lock per session. Each lock is a one-slot channel so
// acquisition can give up when the caller's context ends; sessions never
// share a lock.
type lockTable struct {
	locks sync.Map // session id -> chan struct{}
}

func (t *lockTable) get(sessionID string) chan struct{} {
	l, _ := t.locks.LoadOrStore(sessionID, make(chan struct{}, 1))
	return l.(chan struct{})
}

// acquire blocks until the session lock is held or ctx ends.
func (t *lockTable) acquire(ctx context.Context, sessionID string) (func(), error) {
	l := t.get(sessionID)
	select {
	case l <- struct{}{}:
		return func() { <-l }, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("session %s: %w: %v", sessionID, domain.ErrLockUnavailable, ctx.Err())
	}
}

// prune drops the lock for a session if nobody holds it.
func (t *lockTable) prune(sessionID string) bool {
	v, ok := t.locks.Load(sessionID)
	if !ok {
		return false
	}
	l := v.(chan struct{})
	select {
	case l <- struct{}{}:
		t.locks.Delete(sessionID)
		<-l
		return true
	default:
		return false
	}
}

func (t *lockTable) ids() []string {
	var ids []string
	t.locks.Range(func(k, _ any) bool {
		ids = append(ids, k.(string))
		return true
	})
	return ids
}
