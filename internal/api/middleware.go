/**
 * @description
 * This file contains custom middleware for the HTTP router. The operator
 * surfaces (audit listing) sit behind a shared internal API key rather than
 * end-user auth; the customer surfaces are capability-style, keyed by ticket
 * id.
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

// InternalKeyMiddleware guards operator endpoints with a shared secret passed
// in the X-Internal-Api-Key header. An empty configured key disables the
// endpoints entirely rather than leaving them open.
func InternalKeyMiddleware(apiKey string) func(http.Handler) http.Handler {
	expected := strings.TrimSpace(apiKey)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if expected == "" {
				http.Error(w, "Internal endpoints are disabled", http.StatusForbidden)
				return
			}
			provided := strings.TrimSpace(r.Header.Get("X-Internal-Api-Key"))
			if provided == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(expected)) != 1 {
				http.Error(w, "Invalid internal API key", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
