// Package identity resolves who is calling the proctoring API.
package identity

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	ActorHeaderName       = "X-Proctor-Actor"
	ParticipantHeaderName = "X-Participant-ID"
)

// Role is the caller's role carried in the token.
type Role string

const (
	RoleProctor     Role = "proctor"
	RoleParticipant Role = "participant"
)

// Valid reports whether r is a role the API grants access to.
func (r Role) Valid() bool {
	return r == RoleProctor || r == RoleParticipant
}

type contextKey int

const (
	actorKey contextKey = iota
	roleKey
	participantKey
)

var actorPattern = regexp.MustCompile(`^[A-Za-z0-9._@:-]{1,128}$`)

var (
	errNoToken       = errors.New("no bearer token")
	errInvalidHeader = errors.New("invalid authorization header format")
	errInvalidClaims = errors.New("invalid token claims")
	errUnknownRole   = errors.New("unknown role")
)

// Claims are the JWT claims accepted by the API.
type Claims struct {
	jwt.RegisteredClaims
	Role Role `json:"role"`
}

// ActorFromContext returns the authenticated actor, or "" when anonymous.
func ActorFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(actorKey).(string); ok {
		return v
	}
	return ""
}

// RoleFromContext returns the caller's role, or "" when anonymous.
func RoleFromContext(ctx context.Context) Role {
	if v, ok := ctx.Value(roleKey).(Role); ok {
		return v
	}
	return ""
}

// ParticipantFromContext returns the participant id the caller acts for.
func ParticipantFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(participantKey).(string); ok {
		return v
	}
	return ""
}

// WithActor returns ctx carrying actor and role.
func WithActor(ctx context.Context, actor string, role Role) context.Context {
	ctx = context.WithValue(ctx, actorKey, actor)
	return context.WithValue(ctx, roleKey, role)
}

// IssueToken signs an HS256 token for subject.
func IssueToken(secret []byte, subject string, role Role, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Role: role,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// ParseToken verifies an HS256 token and returns its claims.
func ParseToken(secret []byte, tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || !isValidActor(claims.Subject) {
		return nil, errInvalidClaims
	}
	if !claims.Role.Valid() {
		return nil, fmt.Errorf("%w: %q", errUnknownRole, claims.Role)
	}
	return claims, nil
}

func extractToken(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", errNoToken
	}
	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", errInvalidHeader
	}
	return parts[1], nil
}

func isValidActor(id string) bool {
	return actorPattern.MatchString(id)
}

func sanitizeHeader(v string) string {
	v = strings.TrimSpace(v)
	if !isValidActor(v) {
		return ""
	}
	return v
}

// Middleware injects the caller's identity. A bearer token signed with secret
// is authoritative; a bad token is rejected with 401. Without a token the
// X-Proctor-Actor and X-Participant-ID headers are trusted only when no secret
// is configured or in development mode.
func Middleware(secret []byte, isDev bool) func(http.Handler) http.Handler {
	trustHeaders := len(secret) == 0 || isDev
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			token, err := extractToken(r)
			switch {
			case err == nil && len(secret) > 0:
				claims, perr := ParseToken(secret, token)
				if perr != nil {
					http.Error(w, `{"error":"invalid or expired token"}`, http.StatusUnauthorized)
					return
				}
				ctx = WithActor(ctx, claims.Subject, claims.Role)
				if claims.Role == RoleParticipant {
					ctx = context.WithValue(ctx, participantKey, claims.Subject)
				}
			case errors.Is(err, errInvalidHeader):
				http.Error(w, `{"error":"invalid authorization header"}`, http.StatusUnauthorized)
				return
			case trustHeaders:
				actor := sanitizeHeader(r.Header.Get(ActorHeaderName))
				participant := sanitizeHeader(r.Header.Get(ParticipantHeaderName))
				switch {
				case actor != "":
					ctx = WithActor(ctx, actor, RoleProctor)
				case participant != "":
					ctx = WithActor(ctx, participant, RoleParticipant)
				}
				if participant != "" {
					ctx = context.WithValue(ctx, participantKey, participant)
				}
			}

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Require rejects requests that carry no verified identity with 401.
func Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !RoleFromContext(r.Context()).Valid() || ActorFromContext(r.Context()) == "" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"authentication required","code":"unauthorized"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// IPFromRequest returns a normalized remote IP for request logging.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
