// Package auth verifies Supabase-issued HS256 access tokens and carries the
// caller's identity through request contexts.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/farelens/farelens-alerts/internal/api/respond"
)

// Roles carried in the "role" claim.
const (
	RoleAuthenticated = "authenticated"
	RoleService       = "service_role"
)

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
)

// Claims is the subset of the Supabase JWT the API reads.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Identity is the authenticated caller.
type Identity struct {
	UserID string // empty for service tokens without a subject
	Role   string
}

// IsService reports whether the caller holds the service role.
func (i Identity) IsService() bool {
	return i.Role == RoleService
}

// Verifier checks token signatures against the project's JWT secret.
type Verifier struct {
	secret []byte
	parser *jwt.Parser
}

// NewVerifier returns a verifier for HS256 tokens signed with secret.
func NewVerifier(secret string) *Verifier {
	return &Verifier{
		secret: []byte(secret),
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithExpirationRequired(),
		),
	}
}

// Verify parses and validates token. User tokens must carry a UUID subject.
func (v *Verifier) Verify(token string) (Identity, error) {
	if len(v.secret) == 0 {
		return Identity{}, fmt.Errorf("%w: no signing secret configured", ErrInvalidToken)
	}

	var claims Claims
	_, err := v.parser.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	id := Identity{Role: claims.Role}
	if claims.Subject != "" {
		uid, err := uuid.Parse(claims.Subject)
		if err != nil {
			return Identity{}, fmt.Errorf("%w: subject is not a user id", ErrInvalidToken)
		}
		id.UserID = uid.String()
	}
	if id.UserID == "" && !id.IsService() {
		return Identity{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return id, nil
}

// --------------------------------------------------------------------------
// Context plumbing
// --------------------------------------------------------------------------

type ctxKey struct{}

// WithIdentity returns a copy of ctx carrying id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the identity stored by Middleware.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(Identity)
	return id, ok
}

func bearerToken(r *http.Request) (string, error) {
	h := r.Header.Get("Authorization")
	token, found := strings.CutPrefix(h, "Bearer ")
	if !found || strings.TrimSpace(token) == "" {
		return "", ErrMissingToken
	}
	return strings.TrimSpace(token), nil
}

// --------------------------------------------------------------------------
// Middleware
// --------------------------------------------------------------------------

// Middleware rejects requests without a valid bearer token and stores the
// caller's Identity in the request context.
func Middleware(v *Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := bearerToken(r)
			if err != nil {
				respond.WriteError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Bearer token required")
				return
			}
			id, err := v.Verify(token)
			if err != nil {
				respond.WriteError(w, http.StatusUnauthorized, "INVALID_TOKEN", "Token is invalid or expired")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

// RequireService allows only service-role callers. Must run after Middleware.
func RequireService(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := FromContext(r.Context())
		if !ok || !id.IsService() {
			respond.WriteError(w, http.StatusForbidden, "FORBIDDEN", "Service role required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireUser allows only callers with a user subject. Must run after
// Middleware.
func RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := FromContext(r.Context())
		if !ok || id.UserID == "" {
			respond.WriteError(w, http.StatusForbidden, "FORBIDDEN", "User token required")
			return
		}
		next.ServeHTTP(w, r)
	})
}
