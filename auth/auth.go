// Package auth validates bearer JWT credentials and exposes the
// authenticated user to HTTP handlers.
package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.nexum.io/notifier/errors"
)

// Roles recognized across the pipeline.
const (
	// RoleProduceNotifications gates every producer endpoint on the core
	// service.
	RoleProduceNotifications = "tom_notifier_produce_notifications"

	// RoleAdmin gates administrative endpoints on the delivery service.
	RoleAdmin = "tom_notifier_ws_delivery_admin"
)

// User describes an authenticated caller.
type User struct {
	ID    uuid.UUID
	Roles []string
}

// HasRole reports whether the user carries the provided role.
func (u User) HasRole(role string) bool {
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Token payload. The subject claim carries the user identifier.
type claims struct {
	Roles []string `json:"roles"`
	jwt.RegisteredClaims
}

// Validator parses and verifies bearer tokens.
type Validator struct {
	parser *jwt.Parser
	key    []byte
}

// NewValidator returns a validator verifying HS256 signatures with the
// provided secret.
func NewValidator(secret []byte) *Validator {
	return &Validator{
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithExpirationRequired(),
		),
		key: secret,
	}
}

// Parse verifies the compact token string and returns the user it
// identifies.
func (v *Validator) Parse(token string) (User, error) {
	cl := new(claims)
	_, err := v.parser.ParseWithClaims(token, cl, func(*jwt.Token) (interface{}, error) {
		return v.key, nil
	})
	if err != nil {
		return User{}, errors.Wrap(err, "invalid token")
	}
	id, err := uuid.Parse(cl.Subject)
	if err != nil {
		return User{}, errors.Wrap(err, "invalid subject")
	}
	return User{ID: id, Roles: cl.Roles}, nil
}

// Middleware rejects requests without a valid bearer token and stores the
// authenticated user on the request context.
func (v *Validator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		user, err := v.Parse(token)
		if err != nil {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
	})
}

// RequireRole wraps a handler so only users carrying `role` can reach it.
func RequireRole(role string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := FromContext(r.Context())
		if !ok || !user.HasRole(role) {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type contextKey struct{}

// WithUser stores the authenticated user on the context.
func WithUser(ctx context.Context, user User) context.Context {
	return context.WithValue(ctx, contextKey{}, user)
}

// FromContext recovers the authenticated user from the request context.
func FromContext(ctx context.Context) (User, bool) {
	user, ok := ctx.Value(contextKey{}).(User)
	return user, ok
}

// Extract the bearer credentials from the authorization header.
func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	return header[len(prefix):], true
}
