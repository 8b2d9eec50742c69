package store

import (
	"database/sql"
	"log/slog"
	"time"

	"github.com/ykiprep/kielibot/internal/model"
)

const sessionColumns = `id, test_type, level, user_id, topic, started_at, finished, finished_at, response, grade`

func scanSession(row interface{ Scan(...any) error }) (*model.TestSession, error) {
	var sess model.TestSession
	err := row.Scan(&sess.ID, &sess.TestType, &sess.Level, &sess.UserID, &sess.Topic,
		&sess.StartedAt, &sess.Finished, &sess.FinishedAt, &sess.Response, &sess.Grade)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// CreateTestSession inserts a new unfinished session and returns its id.
func (s *Store) CreateTestSession(testType model.TestType, level model.Level, userID int64, topic string) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO test_sessions (test_type, level, user_id, topic, started_at, finished)
		 VALUES (?, ?, ?, ?, ?, 0)`,
		testType, level, userID, topic, time.Now(),
	)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	slog.Info("created test session", "id", id, "user", userID, "type", testType, "level", level)
	return id, nil
}

// GetTestSession returns a session by id, or nil if it does not exist.
func (s *Store) GetTestSession(id int64) (*model.TestSession, error) {
	row := s.db.QueryRow(`SELECT `+sessionColumns+` FROM test_sessions WHERE id = ?`, id)
	return scanSession(row)
}

// ActiveTestSession returns the user's newest unfinished session, or nil.
func (s *Store) ActiveTestSession(userID int64) (*model.TestSession, error) {
	row := s.db.QueryRow(
		`SELECT `+sessionColumns+` FROM test_sessions
		 WHERE user_id = ? AND finished = 0
		 ORDER BY started_at DESC LIMIT 1`, userID)
	return scanSession(row)
}

// SetResponse overwrites the session's draft. The update is conditional on
// finished = 0: a submit that races with completion simply does not apply,
// and the caller learns that from the returned flag.
func (s *Store) SetResponse(id int64, text string) (bool, error) {
	res, err := s.db.Exec(
		`UPDATE test_sessions SET response = ? WHERE id = ? AND finished = 0`,
		text, id,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// FinishTestSession marks a session finished, optionally recording a grade.
// Gated on finished = 0 so a second completion is a reported no-op and
// finished_at is written exactly once.
func (s *Store) FinishTestSession(id int64, grade *int) (bool, error) {
	res, err := s.db.Exec(
		`UPDATE test_sessions SET finished = 1, finished_at = ?, grade = COALESCE(?, grade)
		 WHERE id = ? AND finished = 0`,
		time.Now(), grade, id,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if n > 0 {
		slog.Info("finished test session", "id", id, "graded", grade != nil)
	}
	return n > 0, err
}

// FinishAbandoned marks a session finished with the auto-finish sentinel in
// place of a response. Used when the deadline passes with nothing submitted.
func (s *Store) FinishAbandoned(id int64) (bool, error) {
	res, err := s.db.Exec(
		`UPDATE test_sessions SET finished = 1, finished_at = ?, response = ?
		 WHERE id = ? AND finished = 0`,
		time.Now(), model.AutoFinishedResponse, id,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if n > 0 {
		slog.Info("auto-finished abandoned session", "id", id)
	}
	return n > 0, err
}

// RecordGrade writes the grade produced by the auto-completion grading
// pass. One-time by construction: it only applies to a finished session
// that has no grade yet.
func (s *Store) RecordGrade(id int64, grade int) (bool, error) {
	res, err := s.db.Exec(
		`UPDATE test_sessions SET grade = ? WHERE id = ? AND finished = 1 AND grade IS NULL`,
		grade, id,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if n > 0 {
		slog.Info("recorded grade", "id", id, "grade", grade)
	}
	return n > 0, err
}

// CancelActiveTestSession finishes the user's unfinished session, leaving
// the last draft as submitted. Reports whether a session was cancelled.
func (s *Store) CancelActiveTestSession(userID int64) (bool, error) {
	res, err := s.db.Exec(
		`UPDATE test_sessions SET finished = 1, finished_at = ?
		 WHERE user_id = ? AND finished = 0`,
		time.Now(), userID,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if n > 0 {
		slog.Info("cancelled active session", "user", userID)
	}
	return n > 0, err
}

// UnfinishedSessions returns every session still marked active, oldest
// first. Used by the startup recovery sweep.
func (s *Store) UnfinishedSessions() ([]model.TestSession, error) {
	rows, err := s.db.Query(
		`SELECT ` + sessionColumns + ` FROM test_sessions WHERE finished = 0 ORDER BY started_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var sessions []model.TestSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *sess)
	}
	return sessions, rows.Err()
}

// FinishedSessionsByUser returns a user's finished sessions, newest first.
func (s *Store) FinishedSessionsByUser(userID int64) ([]model.TestSession, error) {
	rows, err := s.db.Query(
		`SELECT `+sessionColumns+` FROM test_sessions
		 WHERE user_id = ? AND finished = 1
		 ORDER BY started_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var sessions []model.TestSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *sess)
	}
	return sessions, rows.Err()
}
