// Package engine owns the timed-test lifecycle: session creation, draft
// capture, deadline enforcement, auto-completion, and post-completion
// explanation requests. It is the sole writer of session state transitions.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ykiprep/kielibot/internal/llm"
	"github.com/ykiprep/kielibot/internal/llm/prompts"
	"github.com/ykiprep/kielibot/internal/model"
)

// Timers armed per session, relative to the category time limit.
const (
	firstWarningBefore  = 5 * time.Minute
	secondWarningBefore = 1 * time.Minute
)

var (
	// ErrTestInProgress is returned when a user already has an active session.
	ErrTestInProgress = errors.New("test already in progress")
	// ErrSessionNotFound is returned for operations on unknown sessions.
	ErrSessionNotFound = errors.New("test session not found")
	// ErrUnknownTestType is returned for task categories outside the closed set.
	ErrUnknownTestType = errors.New("unknown test type")
)

// Store is the session persistence contract the engine writes through.
// All mutating operations are conditional on the finished flag and report
// whether they applied; that flag is the only serialization point.
type Store interface {
	CreateTestSession(testType model.TestType, level model.Level, userID int64, topic string) (int64, error)
	GetTestSession(id int64) (*model.TestSession, error)
	ActiveTestSession(userID int64) (*model.TestSession, error)
	SetResponse(id int64, text string) (bool, error)
	FinishTestSession(id int64, grade *int) (bool, error)
	FinishAbandoned(id int64) (bool, error)
	RecordGrade(id int64, grade int) (bool, error)
	CancelActiveTestSession(userID int64) (bool, error)
	UnfinishedSessions() ([]model.TestSession, error)
}

// Grader is the grading and content-generation backend.
type Grader interface {
	GenerateTopic(ctx context.Context, testType model.TestType, level model.Level) (string, error)
	Evaluate(ctx context.Context, topic, response string, level model.Level) (*llm.Evaluation, error)
	FreeText(ctx context.Context, prompt string, level model.Level, topic string) (string, error)
}

// Frontend is the conversational boundary the engine pushes notifications
// into. Implementations localize per user; the engine never builds
// user-facing text itself.
type Frontend interface {
	NotifyWarning(userID int64, minutesLeft int)
	NotifyTimeExpired(userID, sessionID int64)
	NotifyGraded(userID int64, grade int, feedback string)
	NotifyRejected(userID int64, reason model.RejectReason)
	NotifyGradingFailed(userID int64)
	NotifyNoResponse(userID int64)
	ClearConversation(userID int64)
}

// Scheduler arms and cancels the engine's per-session timers.
type Scheduler interface {
	Schedule(sessionID int64, kind TimerKind, delay time.Duration, fn func())
	CancelAll(sessionID int64)
}

// StartedTest is what StartTest hands back for display.
type StartedTest struct {
	SessionID int64
	Topic     string
	Limit     time.Duration
}

// Engine coordinates the store, the grading backend, the timer scheduler,
// and the conversational front end.
type Engine struct {
	store    Store
	grader   Grader
	frontend Frontend
	sched    Scheduler
	now      func() time.Time
}

// New creates an Engine.
func New(s Store, g Grader, f Frontend, sched Scheduler) *Engine {
	return &Engine{store: s, grader: g, frontend: f, sched: sched, now: time.Now}
}

// StartTest generates a topic, creates the session, and arms its timers.
// Nothing is persisted and no timers are armed if any step before the
// insert fails.
func (e *Engine) StartTest(ctx context.Context, userID int64, testType model.TestType, level model.Level) (*StartedTest, error) {
	if !testType.Valid() {
		return nil, ErrUnknownTestType
	}

	active, err := e.store.ActiveTestSession(userID)
	if err != nil {
		return nil, fmt.Errorf("check active session: %w", err)
	}
	if active != nil {
		return nil, ErrTestInProgress
	}

	topic, err := e.grader.GenerateTopic(ctx, testType, level)
	if err != nil {
		return nil, fmt.Errorf("generate topic: %w", err)
	}

	id, err := e.store.CreateTestSession(testType, level, userID, topic)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	limit := testType.TimeLimit()
	e.armTimers(id, limit)

	return &StartedTest{SessionID: id, Topic: topic, Limit: limit}, nil
}

// armTimers schedules the two warnings and the completion for a session.
// The scheduler drops non-positive delays, which handles short limits.
func (e *Engine) armTimers(sessionID int64, untilDeadline time.Duration) {
	e.sched.Schedule(sessionID, TimerWarn5, untilDeadline-firstWarningBefore, func() {
		e.Warning(sessionID, 5)
	})
	e.sched.Schedule(sessionID, TimerWarn1, untilDeadline-secondWarningBefore, func() {
		e.Warning(sessionID, 1)
	})
	e.sched.Schedule(sessionID, TimerComplete, untilDeadline, func() {
		e.AutoComplete(context.Background(), sessionID)
	})
}

// SubmitResponse overwrites the session draft, last write wins. Reports
// false without error when the session is unknown or already finished:
// the losing side of the submit/deadline race is not a failure.
func (e *Engine) SubmitResponse(ctx context.Context, sessionID int64, text string) (bool, error) {
	applied, err := e.store.SetResponse(sessionID, text)
	if err != nil {
		return false, fmt.Errorf("set response: %w", err)
	}
	if !applied {
		slog.Info("draft rejected, session finished or unknown", "session", sessionID)
	}
	return applied, nil
}

// CancelTest finishes the user's active session and disarms its timers.
// Idempotent: with no active session it reports false and does nothing.
func (e *Engine) CancelTest(ctx context.Context, userID int64) (bool, error) {
	active, err := e.store.ActiveTestSession(userID)
	if err != nil {
		return false, fmt.Errorf("find active session: %w", err)
	}
	if active == nil {
		return false, nil
	}

	cancelled, err := e.store.CancelActiveTestSession(userID)
	if err != nil {
		return false, fmt.Errorf("cancel session: %w", err)
	}
	e.sched.CancelAll(active.ID)
	return cancelled, nil
}

// Warning is the timer callback for the advisory notifications. It never
// mutates session state; on a finished session the timer simply expires
// without effect.
func (e *Engine) Warning(sessionID int64, minutesLeft int) {
	sess, err := e.store.GetTestSession(sessionID)
	if err != nil {
		slog.Error("warning timer: session lookup failed", "session", sessionID, "error", err)
		return
	}
	if sess == nil || sess.Finished {
		slog.Debug("warning timer: session already finished", "session", sessionID)
		return
	}
	e.frontend.NotifyWarning(sess.UserID, minutesLeft)
}

// AutoComplete is the deadline timer callback. On a still-active session it
// freezes the session, runs the grading pipeline when a response exists,
// and always clears the user's conversational state afterwards so a fresh
// test can start even if grading failed partway.
func (e *Engine) AutoComplete(ctx context.Context, sessionID int64) {
	sess, err := e.store.GetTestSession(sessionID)
	if err != nil {
		slog.Error("auto-complete: session lookup failed", "session", sessionID, "error", err)
		return
	}
	if sess == nil || sess.Finished {
		slog.Debug("auto-complete: session already finished", "session", sessionID)
		return
	}

	defer e.frontend.ClearConversation(sess.UserID)

	if sess.Response == nil {
		applied, err := e.store.FinishAbandoned(sessionID)
		if err != nil {
			slog.Error("auto-complete: abandon failed", "session", sessionID, "error", err)
			return
		}
		if applied {
			e.frontend.NotifyNoResponse(sess.UserID)
		}
		return
	}

	applied, err := e.store.FinishTestSession(sessionID, nil)
	if err != nil {
		slog.Error("auto-complete: finish failed", "session", sessionID, "error", err)
		return
	}
	if !applied {
		// Lost the race against a cancel that landed first.
		return
	}

	// Re-read after the finish so a draft that landed between the first
	// read and the freeze is the text that gets graded, matching what the
	// user was told was saved.
	if frozen, err := e.store.GetTestSession(sessionID); err == nil && frozen != nil && frozen.Response != nil {
		sess = frozen
	}

	e.frontend.NotifyTimeExpired(sess.UserID, sessionID)

	ev, err := e.grader.Evaluate(ctx, sess.Topic, *sess.Response, sess.Level)
	if err != nil {
		slog.Error("auto-complete: evaluation failed", "session", sessionID, "error", err)
		e.frontend.NotifyGradingFailed(sess.UserID)
		return
	}

	if !ev.Accepted {
		slog.Info("evaluation rejected response", "session", sessionID, "reason", ev.Reason)
		e.frontend.NotifyRejected(sess.UserID, ev.Reason)
		return
	}

	if _, err := e.store.RecordGrade(sessionID, ev.Grade); err != nil {
		slog.Error("auto-complete: grade write failed", "session", sessionID, "error", err)
		e.frontend.NotifyGradingFailed(sess.UserID)
		return
	}
	e.frontend.NotifyGraded(sess.UserID, ev.Grade, ev.Feedback)
}

// Explain produces the prose behind the grade, feedback, and advice
// buttons. Read-only over the frozen session; language is the BCP 47 tag
// the answer should be written in.
func (e *Engine) Explain(ctx context.Context, sessionID int64, kind model.ExplainKind, language string) (string, error) {
	sess, err := e.store.GetTestSession(sessionID)
	if err != nil {
		return "", fmt.Errorf("get session: %w", err)
	}
	if sess == nil {
		return "", ErrSessionNotFound
	}

	prompt, err := prompts.BuildExplainPrompt(kind, *sess, language)
	if err != nil {
		return "", fmt.Errorf("build prompt: %w", err)
	}

	text, err := e.grader.FreeText(ctx, prompt, sess.Level, sess.Topic)
	if err != nil {
		return "", fmt.Errorf("completion: %w", err)
	}
	return text, nil
}

// Recover reconciles sessions left active across a restart: overdue ones
// are finished (without grading, since the synchronous-at-deadline promise
// is already broken), and timers are re-armed for the rest.
func (e *Engine) Recover(ctx context.Context) error {
	open, err := e.store.UnfinishedSessions()
	if err != nil {
		return fmt.Errorf("list unfinished sessions: %w", err)
	}

	now := e.now()
	for _, sess := range open {
		remaining := sess.Deadline().Sub(now)
		if remaining <= 0 {
			if sess.Response == nil {
				if _, err := e.store.FinishAbandoned(sess.ID); err != nil {
					slog.Error("recovery: abandon failed", "session", sess.ID, "error", err)
				}
			} else {
				if _, err := e.store.FinishTestSession(sess.ID, nil); err != nil {
					slog.Error("recovery: finish failed", "session", sess.ID, "error", err)
				}
			}
			slog.Info("recovery: finished overdue session", "session", sess.ID, "user", sess.UserID)
			continue
		}

		e.armTimers(sess.ID, remaining)
		slog.Info("recovery: re-armed timers", "session", sess.ID, "remaining", remaining)
	}
	return nil
}
