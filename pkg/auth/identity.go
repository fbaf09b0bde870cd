// Package auth verifies the bearer credentials presented by sync clients.
package auth

import (
	"context"
	"net/http"
	"strings"
)

// Identity is the authenticated user behind a credential.
type Identity struct {
	UserID      string
	DisplayName string
	Email       string
}

// Verifier resolves an opaque credential to an identity. Implementations
// return an UNAUTHENTICATED AppError for any rejected credential.
type Verifier interface {
	Verify(ctx context.Context, credential string) (Identity, error)
}

// CookieName is the cookie consulted when no other credential is present.
const CookieName = "auth_token"

// CredentialFromRequest extracts the bearer credential from the query
// parameter token, the Authorization header, or the auth_token cookie, in
// that order. Browsers cannot set headers on a websocket handshake, hence
// the query parameter.
func CredentialFromRequest(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	if header := r.Header.Get("Authorization"); header != "" {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	if cookie, err := r.Cookie(CookieName); err == nil {
		return cookie.Value
	}
	return ""
}

type contextKey struct{}

// WithIdentity stores id in ctx.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// IdentityFromContext returns the identity stored by WithIdentity.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(contextKey{}).(Identity)
	return id, ok
}
