package middleware

import (
	"net/http"

	"docsync-server/pkg/hash"
	"docsync-server/pkg/response"
)

// InternalAuthMiddleware guards service-to-service routes with a
// shared secret. The configured value is a bcrypt hash; the plaintext
// secret travels only in the X-Internal-Secret header.
func InternalAuthMiddleware(secretHash string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secretHash == "" {
				response.Error(w, http.StatusServiceUnavailable, "internal API is not configured")
				return
			}

			secret := r.Header.Get("X-Internal-Secret")
			if secret == "" || hash.Compare(secretHash, secret) != nil {
				response.Error(w, http.StatusUnauthorized, "invalid internal secret")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
