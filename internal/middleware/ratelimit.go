package middleware

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"
)

// IngestLimiter applies a token bucket per exam session to sample ingestion.
type IngestLimiter struct {
	mu       sync.Mutex
	sessions map[string]*visitor
	rps      rate.Limit
	burst    int
	now      func() time.Time
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewIngestLimiter creates a limiter allowing rps samples per second per
// session with the given burst.
func NewIngestLimiter(rps float64, burst int) *IngestLimiter {
	return &IngestLimiter{
		sessions: make(map[string]*visitor),
		rps:      rate.Limit(rps),
		burst:    burst,
		now:      time.Now,
	}
}

// AllowN reports whether n samples for sessionID may proceed now.
func (l *IngestLimiter) AllowN(sessionID string, n int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	v, ok := l.sessions[sessionID]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.sessions[sessionID] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, n)
}

// Cleanup drops limiters idle for longer than maxIdle and returns how many were removed.
func (l *IngestLimiter) Cleanup(maxIdle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-maxIdle)
	removed := 0
	for id, v := range l.sessions {
		if v.lastSeen.Before(cutoff) {
			delete(l.sessions, id)
			removed++
		}
	}
	return removed
}

// StartCleanup runs Cleanup every interval until ctx is cancelled.
func (l *IngestLimiter) StartCleanup(ctx context.Context, interval, maxIdle time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.Cleanup(maxIdle)
			}
		}
	}()
}

// Middleware limits requests by the {id} route parameter.
func (l *IngestLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessionID := chi.URLParam(r, "id")
		if sessionID != "" && !l.AllowN(sessionID, 1) {
			retry := 1
			if l.rps > 0 && l.rps < 1 {
				retry = int(1/float64(l.rps)) + 1
			}
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"rate limit exceeded","code":"rate_limited"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}
