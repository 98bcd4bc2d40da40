package auth

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// Middleware returns an HTTP middleware that requires a Bearer API key.
// Requests to skipPaths (e.g. "/healthz") are allowed without one, and
// noAuth allows everything. With a non-nil limiter, clients that fail
// authentication too often are blocked for a while.
func Middleware(apiKey string, noAuth bool, skipPaths []string, limiter *RateLimiter) func(http.Handler) http.Handler {
	skipSet := make(map[string]bool, len(skipPaths))
	for _, p := range skipPaths {
		skipSet[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if noAuth || skipSet[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			client := ClientIPKeyFunc(r)
			if limiter != nil && limiter.IsAuthBlocked(client) {
				w.Header().Set("Retry-After", fmt.Sprintf("%d", limiter.AuthBlockRetryAfter(client)))
				writeAuthError(w, http.StatusTooManyRequests, "too many failed authentication attempts, try again later")
				return
			}

			if apiKey == "" {
				writeAuthError(w, http.StatusUnauthorized, "API key not configured")
				return
			}

			fail := func(message string) {
				if limiter != nil {
					limiter.AuthFailure(client)
				}
				writeAuthError(w, http.StatusUnauthorized, message)
			}

			header := r.Header.Get("Authorization")
			if header == "" {
				fail("missing Authorization header")
				return
			}
			const prefix = "Bearer "
			if !strings.HasPrefix(header, prefix) {
				fail("invalid Authorization format, expected 'Bearer <key>'")
				return
			}
			if !ValidateKey(strings.TrimPrefix(header, prefix), apiKey) {
				fail("invalid API key")
				return
			}

			if limiter != nil {
				limiter.AuthSuccess(client)
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeAuthError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error":   http.StatusText(status),
		"message": message,
	})
}
