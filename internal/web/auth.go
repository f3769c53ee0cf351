package web

import (
	"crypto/subtle"
	"net/http"

	"github.com/gabriel-zp/zaifinancialctrl/internal/core"
	"github.com/gabriel-zp/zaifinancialctrl/internal/logging"
)

// requireAuth admits requests carrying either a bearer credential in the
// Authorization header or the admin shared secret in X-Admin-Secret.
// Token validation itself is delegated to the platform in front of this
// service; the secret is compared in constant time.
func requireAuth(adminSecret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != "" {
				next.ServeHTTP(w, r)
				return
			}

			secret := r.Header.Get("X-Admin-Secret")
			if adminSecret != "" && subtle.ConstantTimeCompare([]byte(secret), []byte(adminSecret)) == 1 {
				next.ServeHTTP(w, r)
				return
			}

			logging.FromContext(r.Context()).Warn("unauthorized request",
				"path", r.URL.Path,
				"method", r.Method,
				"remote_addr", r.RemoteAddr,
			)
			writeJSON(w, http.StatusUnauthorized, syncResponse{
				OK:      false,
				Status:  string(core.StatusError),
				Message: "Unauthorized",
			})
		})
	}
}
