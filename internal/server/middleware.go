package server

import (
	"errors"
	"log/slog"
	"net/http"

	umserr "github.com/alexjbarnes/ums-client/internal/errors"
)

// requireSession returns middleware that resumes the session before the
// handler runs. A session that cannot be resumed is cleared by the
// coordinator; the request is then redirected to /login, or answered
// with 401 when asJSON is set.
func (h *handlers) requireSession(asJSON bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			err := h.Session.Resume(r.Context())
			if err == nil {
				next.ServeHTTP(w, r)
				return
			}

			if !errors.Is(err, umserr.ErrNotAuthenticated) {
				h.Logger.Warn("resuming session failed",
					slog.String("path", r.URL.Path),
					slog.String("error", err.Error()),
				)
			}

			if asJSON {
				writeJSON(w, http.StatusUnauthorized, errorBody{Error: umserr.UserMessage(umserr.ErrNotAuthenticated)})
				return
			}

			http.Redirect(w, r, "/login", http.StatusFound)
		})
	}
}

// securityHeaders are set on every HTML page.
func securityHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Content-Security-Policy", "frame-ancestors 'none'")
	w.Header().Set("Cache-Control", "no-store")
}
