package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestCORS(t *testing.T) {
	tests := []struct {
		name        string
		allowed     []string
		origin      string
		wantOrigin  string
		wantCreds   bool
		wantHeaders bool
	}{
		{"wildcard echoes origin", []string{"*"}, "https://exam.example.com", "https://exam.example.com", false, true},
		{"explicit origin gets credentials", []string{"https://exam.example.com"}, "https://exam.example.com", "https://exam.example.com", true, true},
		{"explicit wins over wildcard", []string{"*", "https://exam.example.com"}, "https://exam.example.com", "https://exam.example.com", true, true},
		{"unknown origin", []string{"https://exam.example.com"}, "https://evil.example.com", "", false, false},
		{"no origin", []string{"*"}, "", "", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/sessions/x", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			rec := httptest.NewRecorder()
			CORS(tt.allowed)(okHandler()).ServeHTTP(rec, req)

			assert.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, tt.wantOrigin, rec.Header().Get("Access-Control-Allow-Origin"))
			assert.Equal(t, tt.wantCreds, rec.Header().Get("Access-Control-Allow-Credentials") == "true")
			if tt.wantHeaders {
				assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "Authorization")
			}
		})
	}
}

func TestCORSPreflightShortCircuits(t *testing.T) {
	called := false
	h := CORS([]string{"*"})(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true }))
	req := httptest.NewRequest(http.MethodOptions, "/api/sessions", nil)
	req.Header.Set("Origin", "https://exam.example.com")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, called)
}

func limitedRouter(l *IngestLimiter) http.Handler {
	r := chi.NewRouter()
	r.With(l.Middleware).Post("/api/sessions/{id}/samples", okHandler().ServeHTTP)
	return r
}

func post(h http.Handler, sessionID string) int {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/sessions/"+sessionID+"/samples", nil))
	return rec.Code
}

func TestIngestLimiterPerSession(t *testing.T) {
	l := NewIngestLimiter(1, 2)
	now := time.Unix(1_700_000_000, 0)
	l.now = func() time.Time { return now }
	h := limitedRouter(l)

	assert.Equal(t, http.StatusOK, post(h, "s1"))
	assert.Equal(t, http.StatusOK, post(h, "s1"))
	assert.Equal(t, http.StatusTooManyRequests, post(h, "s1"))

	// Another session has its own bucket.
	assert.Equal(t, http.StatusOK, post(h, "s2"))

	now = now.Add(time.Second)
	assert.Equal(t, http.StatusOK, post(h, "s1"))
}

func TestIngestLimiterRetryAfter(t *testing.T) {
	l := NewIngestLimiter(1, 1)
	h := limitedRouter(l)
	assert.Equal(t, http.StatusOK, post(h, "s1"))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/sessions/s1/samples", nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), "rate_limited")
}

func TestIngestLimiterCleanup(t *testing.T) {
	l := NewIngestLimiter(10, 10)
	now := time.Unix(1_700_000_000, 0)
	l.now = func() time.Time { return now }

	assert.True(t, l.AllowN("old", 1))
	now = now.Add(10 * time.Minute)
	assert.True(t, l.AllowN("fresh", 1))

	assert.Equal(t, 1, l.Cleanup(5*time.Minute))
	l.mu.Lock()
	_, oldKept := l.sessions["old"]
	_, freshKept := l.sessions["fresh"]
	l.mu.Unlock()
	assert.False(t, oldKept)
	assert.True(t, freshKept)
}
