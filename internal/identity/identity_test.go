package identity

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var secret = []byte("identity-test-secret-identity-test")

type seen struct {
	actor       string
	role        Role
	participant string
	called      bool
}

func serve(t *testing.T, mw func(http.Handler) http.Handler, req *http.Request) (*httptest.ResponseRecorder, *seen) {
	t.Helper()
	s := &seen{}
	h := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.called = true
		s.actor = ActorFromContext(r.Context())
		s.role = RoleFromContext(r.Context())
		s.participant = ParticipantFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec, s
}

func TestMiddlewareBearerToken(t *testing.T) {
	token, err := IssueToken(secret, "proctor-7", RoleProctor, time.Minute)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec, s := serve(t, Middleware(secret, false), req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "proctor-7", s.actor)
	assert.Equal(t, RoleProctor, s.role)
	assert.Empty(t, s.participant)
}

func TestMiddlewareParticipantToken(t *testing.T) {
	token, err := IssueToken(secret, "student-1", RoleParticipant, time.Minute)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	_, s := serve(t, Middleware(secret, false), req)

	assert.Equal(t, "student-1", s.participant)
	assert.Equal(t, RoleParticipant, s.role)
}

func TestMiddlewareRejectsBadTokens(t *testing.T) {
	expired, err := IssueToken(secret, "proctor-7", RoleProctor, -time.Minute)
	require.NoError(t, err)
	foreign, err := IssueToken([]byte("some-other-secret-some-other-secret"), "proctor-7", RoleProctor, time.Minute)
	require.NoError(t, err)
	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "x"}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	unknownRole, err := IssueToken(secret, "proctor-7", Role("admin"), time.Minute)
	require.NoError(t, err)
	noRole, err := IssueToken(secret, "proctor-7", "", time.Minute)
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
	}{
		{"expired", "Bearer " + expired},
		{"unknown role", "Bearer " + unknownRole},
		{"empty role", "Bearer " + noRole},
		{"wrong secret", "Bearer " + foreign},
		{"alg none", "Bearer " + none},
		{"garbage", "Bearer not-a-token"},
		{"malformed header", "Token abc def"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set("Authorization", tt.header)
			rec, s := serve(t, Middleware(secret, false), req)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.False(t, s.called)
		})
	}
}

func TestMiddlewareHeaderFallback(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(ActorHeaderName, "  proctor-3 ")
	req.Header.Set(ParticipantHeaderName, "student-9")

	_, s := serve(t, Middleware(nil, false), req)
	assert.Equal(t, "proctor-3", s.actor)
	assert.Equal(t, RoleProctor, s.role)
	assert.Equal(t, "student-9", s.participant)

	// Headers are ignored once a secret is enforced outside development.
	_, s = serve(t, Middleware(secret, false), req)
	assert.True(t, s.called)
	assert.Empty(t, s.actor)

	_, s = serve(t, Middleware(secret, true), req)
	assert.Equal(t, "proctor-3", s.actor)
}

func TestMiddlewareParticipantHeader(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(ParticipantHeaderName, "student-9")

	_, s := serve(t, Middleware(nil, false), req)
	assert.Equal(t, "student-9", s.actor)
	assert.Equal(t, RoleParticipant, s.role)
	assert.Equal(t, "student-9", s.participant)
}

func TestRequire(t *testing.T) {
	chain := func(next http.Handler) http.Handler {
		return Middleware(secret, false)(Require(next))
	}

	rec, s := serve(t, chain, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.False(t, s.called)

	// Headers alone do not authenticate once a secret is enforced.
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(ParticipantHeaderName, "student-9")
	rec, s = serve(t, chain, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.False(t, s.called)

	token, err := IssueToken(secret, "student-9", RoleParticipant, time.Minute)
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec, s = serve(t, chain, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "student-9", s.participant)
}

func TestMiddlewareDropsInvalidHeaderValues(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(ActorHeaderName, "bad actor; drop table")
	_, s := serve(t, Middleware(nil, true), req)
	assert.Empty(t, s.actor)
}

func TestIPFromRequest(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.1.2.3:4567"
	assert.Equal(t, "10.1.2.3", IPFromRequest(req))

	req.RemoteAddr = "not-a-hostport"
	assert.Equal(t, "not-a-hostport", IPFromRequest(req))
}
