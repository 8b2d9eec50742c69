package handler

import (
	"log/slog"
	"net/http"
	"strconv"
)

type inviteResponse struct {
	Code string `json:"code"`
	Uses int    `json:"uses"`
}

func (h *Handler) handleCreateInvite(w http.ResponseWriter, r *http.Request) {
	uses := 1
	if v := r.URL.Query().Get("uses"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			http.Error(w, "uses must be a positive integer", http.StatusBadRequest)
			return
		}
		uses = n
	}

	// Invites minted over the API have no Telegram creator.
	code, err := h.store.CreateInvite(0, uses)
	if err != nil {
		slog.Error("create invite", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, inviteResponse{Code: code, Uses: uses})
}

func (h *Handler) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.store.ListUsers()
	if err != nil {
		slog.Error("list users", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	export, err := h.store.ExportResults()
	if err != nil {
		slog.Error("export results", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, export)
}
