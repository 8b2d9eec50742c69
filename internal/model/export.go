package model

import "time"

// ResultsExport is the top-level JSON structure produced by `kielibot export`.
type ResultsExport struct {
	ExportedAt time.Time    `json:"exported_at"`
	Sessions   int          `json:"sessions"`
	Results    []UserResult `json:"results"`
}

// UserResult groups one user's test sessions for export.
type UserResult struct {
	UserID   int64           `json:"user_id"`
	Name     string          `json:"name"`
	Level    Level           `json:"level"`
	Sessions []SessionResult `json:"sessions"`
}

// SessionResult holds one test session's data for export.
type SessionResult struct {
	SessionID    int64      `json:"session_id"`
	TestType     TestType   `json:"test_type"`
	DisplayName  string     `json:"display_name"`
	Level        Level      `json:"level"`
	Topic        string     `json:"topic"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	Response     *string    `json:"response,omitempty"`
	Grade        *int       `json:"grade,omitempty"`
	AutoFinished bool       `json:"auto_finished"`
}
