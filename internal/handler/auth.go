package handler

import (
	"log/slog"
	"net/http"

	"golang.org/x/crypto/bcrypt"
)

const adminUsername = "admin"

// requireAdmin checks HTTP basic auth credentials against the stored
// admin password hash.
func (h *Handler) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, password, ok := r.BasicAuth()
		if !ok || user != adminUsername {
			h.unauthorized(w)
			return
		}

		hash, err := h.store.AdminPasswordHash()
		if err != nil {
			slog.Error("load admin password hash", "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		if hash == "" {
			slog.Warn("admin API used before a password was set")
			h.unauthorized(w)
			return
		}

		if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
			h.unauthorized(w)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (h *Handler) unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Basic realm="kielibot admin"`)
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}
