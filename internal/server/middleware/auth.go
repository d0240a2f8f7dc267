package middleware

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
)

type actorKey struct{}

// Actor returns the caller identity stored by Auth, or "api".
func Actor(ctx context.Context) string {
	if a, ok := ctx.Value(actorKey{}).(string); ok && a != "" {
		return a
	}
	return "api"
}

// WithActor stores actor in ctx.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// Auth checks a shared API key (Bearer token or X-API-Key) on mutating
// requests and records the X-Actor header for the audit log. An empty
// apiKey disables the check. Paths in open are never checked.
func Auth(apiKey string, open ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apiKey != "" && !isOpen(r.URL.Path, open) && r.Method != http.MethodOptions {
				token := extractToken(r)
				if token == "" {
					writeJSONError(w, http.StatusUnauthorized, "missing authentication token")
					return
				}
				if subtle.ConstantTimeCompare([]byte(token), []byte(apiKey)) != 1 {
					writeJSONError(w, http.StatusUnauthorized, "invalid authentication token")
					return
				}
			}
			if a := strings.TrimSpace(r.Header.Get("X-Actor")); a != "" {
				r = r.WithContext(WithActor(r.Context(), a))
			}
			next.ServeHTTP(w, r)
		})
	}
}

func isOpen(path string, open []string) bool {
	for _, p := range open {
		if path == p {
			return true
		}
	}
	return false
}

func extractToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		scheme, token, ok := strings.Cut(auth, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
	}
	return strings.TrimSpace(r.Header.Get("X-API-Key"))
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}
