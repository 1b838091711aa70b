/**
 * @description
 * This file contains custom middleware for the HTTP router. The settlement
 * core is only ever called by the product's backend glue (merchant UI,
 * dashboards, device sync gateways), so authentication is a shared internal
 * API key rather than end-user identity.
 *
 * @dependencies
 * - crypto/subtle, net/http, strings: Standard Go libraries.
 */

package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

const internalAPIKeyHeader = "X-Internal-API-Key"

// InternalAuthMiddleware rejects requests that do not carry the shared
// internal API key. Comparison is constant-time.
func InternalAuthMiddleware(apiKey string) func(http.Handler) http.Handler {
	expected := []byte(strings.TrimSpace(apiKey))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			presented := []byte(strings.TrimSpace(r.Header.Get(internalAPIKeyHeader)))
			if len(expected) == 0 ||
				len(presented) != len(expected) ||
				subtle.ConstantTimeCompare(presented, expected) != 1 {
				http.Error(w, "Invalid or missing internal API key", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
