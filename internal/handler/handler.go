// Package handler exposes the HTTP surface: the Telegram webhook and a
// small JSON API for administrators.
package handler

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ykiprep/kielibot/internal/bot"
	"github.com/ykiprep/kielibot/internal/store"
	"github.com/ykiprep/kielibot/internal/telegram"
)

const secretTokenHeader = "X-Telegram-Bot-Api-Secret-Token"

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	store       *store.Store
	bot         *bot.Bot
	secretToken string
}

// New creates a new Handler. The secret token must match the one
// registered with the Telegram webhook.
func New(s *store.Store, b *bot.Bot, secretToken string) *Handler {
	return &Handler{store: s, bot: b, secretToken: secretToken}
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/webhook", h.handleWebhook)
	r.Route("/admin", func(r chi.Router) {
		r.Use(h.requireAdmin)
		r.Post("/invites", h.handleCreateInvite)
		r.Get("/users", h.handleListUsers)
		r.Get("/export", h.handleExport)
	})
}

func (h *Handler) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if h.secretToken != "" {
		got := r.Header.Get(secretTokenHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(h.secretToken)) != 1 {
			slog.Warn("webhook with bad secret token", "remote", r.RemoteAddr)
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
	}

	var upd telegram.Update
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
		slog.Warn("malformed update", "error", err)
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	h.bot.HandleUpdate(r.Context(), upd)
	w.WriteHeader(http.StatusOK)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}
