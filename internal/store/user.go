package store

import (
	"database/sql"
	"log/slog"
	"time"

	"github.com/ykiprep/kielibot/internal/model"
)

// EnsureUser returns the user, creating a blank record on first contact.
func (s *Store) EnsureUser(id int64, language string) (*model.User, error) {
	u, err := s.GetUser(id)
	if err != nil {
		return nil, err
	}
	if u != nil {
		return u, nil
	}
	if language == "" {
		language = "en"
	}
	_, err = s.db.Exec(
		`INSERT INTO users (id, language, level, created_at) VALUES (?, ?, ?, ?)`,
		id, language, model.LevelIntermediate, time.Now(),
	)
	if err != nil {
		slog.Error("failed to create user", "id", id, "error", err)
		return nil, err
	}
	slog.Info("created user", "id", id, "language", language)
	return s.GetUser(id)
}

// GetUser returns a user by id, or nil if unknown.
func (s *Store) GetUser(id int64) (*model.User, error) {
	var u model.User
	err := s.db.QueryRow(
		`SELECT id, name, language, level, invited, confirmed, invited_by, created_at
		 FROM users WHERE id = ?`, id,
	).Scan(&u.ID, &u.Name, &u.Language, &u.Level, &u.Invited, &u.Confirmed, &u.InvitedBy, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// SetUserName updates the user's display name.
func (s *Store) SetUserName(id int64, name string) error {
	_, err := s.db.Exec(`UPDATE users SET name = ? WHERE id = ?`, name, id)
	return err
}

// SetUserLanguage updates the user's interface language.
func (s *Store) SetUserLanguage(id int64, language string) error {
	_, err := s.db.Exec(`UPDATE users SET language = ? WHERE id = ?`, language, id)
	return err
}

// SetUserLevel updates the user's difficulty band for future tests.
func (s *Store) SetUserLevel(id int64, level model.Level) error {
	_, err := s.db.Exec(`UPDATE users SET level = ? WHERE id = ?`, level, id)
	return err
}

// MarkInvited records a successful invite code use.
func (s *Store) MarkInvited(id, invitedBy int64) error {
	_, err := s.db.Exec(`UPDATE users SET invited = 1, invited_by = ? WHERE id = ?`, invitedBy, id)
	return err
}

// MarkConfirmed completes registration.
func (s *Store) MarkConfirmed(id int64) error {
	_, err := s.db.Exec(`UPDATE users SET confirmed = 1 WHERE id = ?`, id)
	return err
}

// ListUsers returns all users ordered by id.
func (s *Store) ListUsers() ([]model.User, error) {
	rows, err := s.db.Query(
		`SELECT id, name, language, level, invited, confirmed, invited_by, created_at
		 FROM users ORDER BY id`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var users []model.User
	for rows.Next() {
		var u model.User
		if err := rows.Scan(&u.ID, &u.Name, &u.Language, &u.Level, &u.Invited, &u.Confirmed, &u.InvitedBy, &u.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}
