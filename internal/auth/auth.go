// Package auth verifies bearer tokens and injects the caller's account ID.
//
// Two credentials exist: per-user session JWTs (HS256, sub = account ID)
// minted by the external authentication layer, and a static service token
// used by the batch reconciler and the conditional-order poller hooks.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type ctxKey string

const accountIDKey ctxKey = "account_id"

var (
	ErrMissingToken = errors.New("auth: missing bearer token")
	ErrInvalidToken = errors.New("auth: invalid token")
)

// Verifier validates session JWTs.
type Verifier struct {
	secret []byte
}

// NewVerifier creates a verifier for HS256 tokens signed with secret.
func NewVerifier(secret []byte) *Verifier {
	return &Verifier{secret: secret}
}

// ParseToken validates a session token and returns its account ID.
func (v *Verifier) ParseToken(raw string) (string, error) {
	token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return "", ErrInvalidToken
	}
	sub, err := token.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", ErrInvalidToken
	}
	return sub, nil
}

// WithUser is middleware that requires a valid session token and stores
// the account ID on the request context.
func WithUser(v *Verifier, onError func(w http.ResponseWriter, message string, status int)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, err := bearerToken(r)
			if err != nil {
				onError(w, "missing bearer token", http.StatusUnauthorized)
				return
			}
			accountID, err := v.ParseToken(raw)
			if err != nil {
				onError(w, "invalid token", http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), accountIDKey, accountID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// WithService is middleware for poller/reconciler endpoints: it requires
// the shared service token rather than a user session.
func WithService(token string, onError func(w http.ResponseWriter, message string, status int)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, err := bearerToken(r)
			if err != nil || subtle.ConstantTimeCompare([]byte(raw), []byte(token)) != 1 {
				onError(w, "invalid service token", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// AccountID returns the authenticated account ID from the request context.
func AccountID(r *http.Request) (string, bool) {
	v := r.Context().Value(accountIDKey)
	if v == nil {
		return "", false
	}
	id, ok := v.(string)
	return id, ok
}

// WithAccountID returns a context carrying the given account ID. Used by
// tests and in-process callers that bypass the HTTP layer.
func WithAccountID(ctx context.Context, accountID string) context.Context {
	return context.WithValue(ctx, accountIDKey, accountID)
}

func bearerToken(r *http.Request) (string, error) {
	authz := r.Header.Get("Authorization")
	parts := strings.SplitN(authz, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", ErrMissingToken
	}
	return parts[1], nil
}
