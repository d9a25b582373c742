// Package auth is the bot-container-facing identity stub (Non-
// goals): it resolves a caller's user id from a request so the API
// package's ownership middleware has something to compare against the
// bot's owning user. Authentication, subscription, and quota checking
// are an external collaborator's responsibility and are out of scope
// here; this package only extracts an already-issued identity.
package auth

import (
	"context"
	"net/http"
	"strings"
)

// Identity is the resolved caller identity. Subject is the coordinator
// user id; everything about how it was established (SSO, API key,
// session cookie) lives upstream of this package.
type Identity struct {
	Subject string
}

type contextKey struct{}

var identityKey = contextKey{}

// WithIdentity stores id in ctx.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// FromContext retrieves the Identity stored by Middleware, or nil.
func FromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityKey).(*Identity)
	return id
}

// Authenticator resolves an Identity from a request, or returns nil if
// it does not recognize the credential the request carries.
type Authenticator interface {
	Authenticate(r *http.Request) *Identity
}

// Middleware tries each authenticator in order and stores the first
// resolved Identity in the request context. Paths in publicPaths (bot-
// container callbacks, health checks) are passed through unauthenticated
// (: those endpoints carry no ownership check).
func Middleware(authenticators []Authenticator, publicPaths []string) func(http.Handler) http.Handler {
	publicSet := make(map[string]bool, len(publicPaths))
	for _, p := range publicPaths {
		publicSet[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isPublicPath(r.URL.Path, publicSet) {
				next.ServeHTTP(w, r)
				return
			}

			for _, a := range authenticators {
				if id := a.Authenticate(r); id != nil {
					next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
					return
				}
			}

			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("WWW-Authenticate", `Bearer realm="meeboter"`)
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error":"unauthorized","message":"valid authentication required"}`))
		})
	}
}

func isPublicPath(path string, publicSet map[string]bool) bool {
	if publicSet[path] {
		return true
	}
	for p := range publicSet {
		if strings.HasSuffix(p, "/*") && strings.HasPrefix(path, strings.TrimSuffix(p, "*")) {
			return true
		}
	}
	return false
}
