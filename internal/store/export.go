package store

import (
	"fmt"
	"time"

	"github.com/ykiprep/kielibot/internal/model"
)

// ExportResults builds export-ready results for every user with at least
// one finished session.
func (s *Store) ExportResults() (*model.ResultsExport, error) {
	users, err := s.ListUsers()
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}

	export := &model.ResultsExport{ExportedAt: time.Now()}
	for _, u := range users {
		sessions, err := s.FinishedSessionsByUser(u.ID)
		if err != nil {
			return nil, fmt.Errorf("sessions for user %d: %w", u.ID, err)
		}
		if len(sessions) == 0 {
			continue
		}

		ur := model.UserResult{
			UserID: u.ID,
			Name:   u.Name,
			Level:  u.Level,
		}
		for _, sess := range sessions {
			ur.Sessions = append(ur.Sessions, model.SessionResult{
				SessionID:    sess.ID,
				TestType:     sess.TestType,
				DisplayName:  sess.TestType.DisplayName(),
				Level:        sess.Level,
				Topic:        sess.Topic,
				StartedAt:    sess.StartedAt,
				FinishedAt:   sess.FinishedAt,
				Response:     sess.Response,
				Grade:        sess.Grade,
				AutoFinished: sess.AutoFinished(),
			})
			export.Sessions++
		}
		export.Results = append(export.Results, ur)
	}

	return export, nil
}
