package store

import (
	"database/sql"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ykiprep/kielibot/internal/model"
)

// CreateInvite mints a new invite code with the given number of uses.
func (s *Store) CreateInvite(createdBy int64, uses int) (string, error) {
	code := newInviteCode()
	_, err := s.db.Exec(
		`INSERT INTO invites (code, created_by, uses_left, created_at) VALUES (?, ?, ?, ?)`,
		code, createdBy, uses, time.Now(),
	)
	if err != nil {
		return "", err
	}
	slog.Info("created invite code", "created_by", createdBy, "uses", uses)
	return code, nil
}

// GetInvite returns an invite by code, or nil if unknown.
func (s *Store) GetInvite(code string) (*model.Invite, error) {
	var inv model.Invite
	err := s.db.QueryRow(
		`SELECT code, created_by, uses_left, created_at FROM invites WHERE code = ?`, code,
	).Scan(&inv.Code, &inv.CreatedBy, &inv.UsesLeft, &inv.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

// UseInvite consumes one use of the code. Reports false when the code is
// unknown or exhausted; the decrement is conditional so concurrent uses
// cannot take the counter below zero.
func (s *Store) UseInvite(code string) (*model.Invite, error) {
	res, err := s.db.Exec(
		`UPDATE invites SET uses_left = uses_left - 1 WHERE code = ? AND uses_left > 0`, code,
	)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	return s.GetInvite(code)
}

func newInviteCode() string {
	// Short enough to type into a chat, random enough to not be guessed.
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}
