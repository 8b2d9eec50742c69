// Package bot turns Telegram updates into lifecycle engine calls and
// engine notifications into Telegram messages. It also runs the invite
// based registration flow and the settings menu.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ykiprep/kielibot/internal/engine"
	"github.com/ykiprep/kielibot/internal/i18n"
	"github.com/ykiprep/kielibot/internal/model"
	"github.com/ykiprep/kielibot/internal/telegram"
)

// notifyTimeout bounds outbound sends made from timer callbacks, which
// have no caller supplied context.
const notifyTimeout = 30 * time.Second

// api is the slice of the Telegram client the bot uses.
type api interface {
	SendMessage(ctx context.Context, chatID int64, text string, markup *telegram.InlineKeyboardMarkup) (*telegram.Message, error)
	AnswerCallbackQuery(ctx context.Context, callbackID, text string) error
	RemoveKeyboard(ctx context.Context, chatID, messageID int64) error
}

// Lifecycle is the slice of the engine the bot drives.
type Lifecycle interface {
	StartTest(ctx context.Context, userID int64, testType model.TestType, level model.Level) (*engine.StartedTest, error)
	SubmitResponse(ctx context.Context, sessionID int64, text string) (bool, error)
	CancelTest(ctx context.Context, userID int64) (bool, error)
	Explain(ctx context.Context, sessionID int64, kind model.ExplainKind, language string) (string, error)
}

// Store is the subset of the persistence layer the bot needs.
type Store interface {
	EnsureUser(id int64, language string) (*model.User, error)
	GetUser(id int64) (*model.User, error)
	SetUserName(id int64, name string) error
	SetUserLanguage(id int64, language string) error
	SetUserLevel(id int64, level model.Level) error
	MarkInvited(id, invitedBy int64) error
	MarkConfirmed(id int64) error
	UseInvite(code string) (*model.Invite, error)
	CreateInvite(createdBy int64, uses int) (string, error)
	ActiveTestSession(userID int64) (*model.TestSession, error)
}

// stage tracks where a user is in a multi-message dialog.
type stage int

const (
	stageNone stage = iota
	stageAwaitingInvite
	stageAwaitingName
	stageAwaitingConfirm
	stageAwaitingNewName
)

type chatState struct {
	stage stage
}

// Config carries bot settings.
type Config struct {
	DefaultLanguage string
	AdminIDs        []int64
	InviteUses      int
}

// Bot routes updates and implements the engine's notification surface.
type Bot struct {
	store    Store
	engine   Lifecycle
	api      api
	admins   map[int64]bool
	defaults Config

	mu     sync.Mutex
	states map[int64]*chatState
}

// New creates a Bot. The engine field is set separately because the
// engine itself needs the bot as its notification frontend.
func New(s Store, a api, cfg Config) *Bot {
	if cfg.DefaultLanguage == "" {
		cfg.DefaultLanguage = "en"
	}
	if cfg.InviteUses <= 0 {
		cfg.InviteUses = 1
	}
	admins := make(map[int64]bool, len(cfg.AdminIDs))
	for _, id := range cfg.AdminIDs {
		admins[id] = true
	}
	return &Bot{
		store:    s,
		api:      a,
		admins:   admins,
		defaults: cfg,
		states:   make(map[int64]*chatState),
	}
}

// SetEngine wires the lifecycle engine after construction.
func (b *Bot) SetEngine(e Lifecycle) { b.engine = e }

func (b *Bot) state(userID int64) *chatState {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.states[userID]
	if !ok {
		st = &chatState{}
		b.states[userID] = st
	}
	return st
}

func (b *Bot) setStage(userID int64, s stage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.states[userID]
	if !ok {
		st = &chatState{}
		b.states[userID] = st
	}
	st.stage = s
}

// HandleUpdate dispatches one incoming update. Errors are logged, not
// returned: a webhook retry would only replay the same failure.
func (b *Bot) HandleUpdate(ctx context.Context, upd telegram.Update) {
	switch {
	case upd.CallbackQuery != nil:
		b.handleCallback(ctx, upd.CallbackQuery)
	case upd.Message != nil && upd.Message.From != nil:
		b.handleMessage(ctx, upd.Message)
	}
}

func (b *Bot) handleMessage(ctx context.Context, msg *telegram.Message) {
	userID := msg.From.ID
	user, err := b.store.EnsureUser(userID, b.languageFor(msg.From))
	if err != nil {
		slog.Error("ensure user", "user", userID, "error", err)
		return
	}
	loc := i18n.ForLanguage(user.Language)

	text := strings.TrimSpace(msg.Text)
	if cmd, ok := parseCommand(text); ok {
		b.handleCommand(ctx, user, loc, cmd, text)
		return
	}
	b.handleText(ctx, user, loc, text)
}

// languageFor picks the initial interface language from the Telegram
// client locale, falling back to the configured default.
func (b *Bot) languageFor(from *telegram.User) string {
	switch from.LanguageCode {
	case "ru", "fi", "en":
		return from.LanguageCode
	}
	return b.defaults.DefaultLanguage
}

func parseCommand(text string) (string, bool) {
	if !strings.HasPrefix(text, "/") {
		return "", false
	}
	cmd := strings.Fields(text)[0]
	// Strip the bot name from group style commands like /test@kielibot.
	if i := strings.IndexByte(cmd, '@'); i > 0 {
		cmd = cmd[:i]
	}
	return cmd, true
}

func (b *Bot) handleCommand(ctx context.Context, user *model.User, loc *i18n.Locale, cmd, full string) {
	switch cmd {
	case "/start":
		b.cmdStart(ctx, user, loc)
	case "/confirm":
		b.cmdConfirm(ctx, user, loc)
	case "/menu":
		b.cmdMenu(ctx, user, loc)
	case "/test":
		b.cmdTest(ctx, user, loc)
	case "/cancel":
		b.cmdCancel(ctx, user, loc)
	case "/code":
		b.cmdCode(ctx, user, loc, full)
	default:
		b.send(ctx, user.ID, loc.T("UnknownCommand"), nil)
	}
}

func (b *Bot) cmdStart(ctx context.Context, user *model.User, loc *i18n.Locale) {
	if user.Registered() {
		b.send(ctx, user.ID, loc.T("AlreadyRegistered"), nil)
		return
	}
	// The invited flag is durable while dialog stages are not. A user
	// whose code is already redeemed resumes at the name or confirm step
	// instead of being asked for a spent code again.
	if user.Invited {
		if user.Name != "" {
			b.setStage(user.ID, stageAwaitingConfirm)
			b.send(ctx, user.ID, loc.Td("ConfirmPrompt", map[string]any{"Name": user.Name}), nil)
			return
		}
		b.setStage(user.ID, stageAwaitingName)
		b.send(ctx, user.ID, loc.T("AskName"), nil)
		return
	}
	b.setStage(user.ID, stageAwaitingInvite)
	b.send(ctx, user.ID, loc.T("Welcome")+"\n\n"+loc.T("InviteCodePrompt"), nil)
}

func (b *Bot) cmdConfirm(ctx context.Context, user *model.User, loc *i18n.Locale) {
	if user.Registered() {
		b.send(ctx, user.ID, loc.T("AlreadyRegistered"), nil)
		return
	}
	// Gated on the stored flags, not the in-memory stage, so the confirm
	// step survives a restart mid-registration.
	if !user.Invited || user.Name == "" {
		b.send(ctx, user.ID, loc.T("NotRegistered"), nil)
		return
	}
	if err := b.store.MarkConfirmed(user.ID); err != nil {
		slog.Error("confirm registration", "user", user.ID, "error", err)
		return
	}
	b.setStage(user.ID, stageNone)
	b.send(ctx, user.ID, loc.T("Registered"), nil)
}

func (b *Bot) cmdMenu(ctx context.Context, user *model.User, loc *i18n.Locale) {
	if !user.Registered() {
		b.send(ctx, user.ID, loc.T("NotRegistered"), nil)
		return
	}
	markup := &telegram.InlineKeyboardMarkup{InlineKeyboard: [][]telegram.InlineKeyboardButton{
		{telegram.Button(loc.T("MenuLanguage"), "menu_language")},
		{telegram.Button(loc.T("MenuLevel"), "menu_level")},
		{telegram.Button(loc.T("MenuName"), "menu_name")},
	}}
	b.send(ctx, user.ID, loc.T("Menu"), markup)
}

func (b *Bot) cmdTest(ctx context.Context, user *model.User, loc *i18n.Locale) {
	if !user.Registered() {
		b.send(ctx, user.ID, loc.T("NotRegistered"), nil)
		return
	}
	active, err := b.store.ActiveTestSession(user.ID)
	if err != nil {
		slog.Error("check active session", "user", user.ID, "error", err)
		return
	}
	if active != nil {
		b.send(ctx, user.ID, loc.T("TestInProgress"), nil)
		return
	}
	var rows [][]telegram.InlineKeyboardButton
	for _, tt := range model.AllTestTypes() {
		rows = append(rows, []telegram.InlineKeyboardButton{
			telegram.Button(tt.DisplayName(), string(tt)),
		})
	}
	b.send(ctx, user.ID, loc.T("ChooseTestType"), &telegram.InlineKeyboardMarkup{InlineKeyboard: rows})
}

func (b *Bot) cmdCancel(ctx context.Context, user *model.User, loc *i18n.Locale) {
	cancelled, err := b.engine.CancelTest(ctx, user.ID)
	if err != nil {
		slog.Error("cancel test", "user", user.ID, "error", err)
		return
	}
	if cancelled {
		b.send(ctx, user.ID, loc.T("TestCancelled"), nil)
	} else {
		b.send(ctx, user.ID, loc.T("NoActiveTest"), nil)
	}
}

func (b *Bot) cmdCode(ctx context.Context, user *model.User, loc *i18n.Locale, full string) {
	if !b.admins[user.ID] {
		b.send(ctx, user.ID, loc.T("NotAllowed"), nil)
		return
	}
	uses := b.defaults.InviteUses
	if fields := strings.Fields(full); len(fields) > 1 {
		if n, err := strconv.Atoi(fields[1]); err == nil && n > 0 {
			uses = n
		}
	}
	code, err := b.store.CreateInvite(user.ID, uses)
	if err != nil {
		slog.Error("create invite", "user", user.ID, "error", err)
		return
	}
	b.send(ctx, user.ID, loc.Td("InviteCreated", map[string]any{"Code": code, "Uses": uses}), nil)
}

func (b *Bot) handleText(ctx context.Context, user *model.User, loc *i18n.Locale, text string) {
	switch b.state(user.ID).stage {
	case stageAwaitingInvite:
		b.redeemInvite(ctx, user, loc, text)
		return
	case stageAwaitingName, stageAwaitingConfirm:
		// A new name in the confirm stage restarts the confirmation.
		if err := b.store.SetUserName(user.ID, text); err != nil {
			slog.Error("set name", "user", user.ID, "error", err)
			return
		}
		b.setStage(user.ID, stageAwaitingConfirm)
		b.send(ctx, user.ID, loc.Td("ConfirmPrompt", map[string]any{"Name": text}), nil)
		return
	case stageAwaitingNewName:
		if err := b.store.SetUserName(user.ID, text); err != nil {
			slog.Error("set name", "user", user.ID, "error", err)
			return
		}
		b.setStage(user.ID, stageNone)
		b.send(ctx, user.ID, loc.T("NameSet"), nil)
		return
	}

	if !user.Registered() {
		b.send(ctx, user.ID, loc.T("NotRegistered"), nil)
		return
	}

	active, err := b.store.ActiveTestSession(user.ID)
	if err != nil {
		slog.Error("check active session", "user", user.ID, "error", err)
		return
	}
	if active == nil {
		b.send(ctx, user.ID, loc.T("UnknownCommand"), nil)
		return
	}

	applied, err := b.engine.SubmitResponse(ctx, active.ID, text)
	if err != nil {
		slog.Error("submit response", "session", active.ID, "error", err)
		return
	}
	if applied {
		b.send(ctx, user.ID, loc.T("ResponseSaved"), nil)
	} else {
		b.send(ctx, user.ID, loc.T("NoActiveTest"), nil)
	}
}

func (b *Bot) redeemInvite(ctx context.Context, user *model.User, loc *i18n.Locale, code string) {
	inv, err := b.store.UseInvite(strings.TrimSpace(code))
	if err != nil {
		slog.Error("use invite", "user", user.ID, "error", err)
		return
	}
	if inv == nil {
		b.send(ctx, user.ID, loc.T("InviteInvalid"), nil)
		return
	}
	if err := b.store.MarkInvited(user.ID, inv.CreatedBy); err != nil {
		slog.Error("mark invited", "user", user.ID, "error", err)
		return
	}
	b.setStage(user.ID, stageAwaitingName)
	b.send(ctx, user.ID, loc.T("AskName"), nil)
}

func (b *Bot) handleCallback(ctx context.Context, cb *telegram.CallbackQuery) {
	if err := b.api.AnswerCallbackQuery(ctx, cb.ID, ""); err != nil {
		slog.Warn("answer callback", "error", err)
	}

	userID := cb.From.ID
	user, err := b.store.GetUser(userID)
	if err != nil {
		slog.Error("load user", "user", userID, "error", err)
		return
	}
	if user == nil {
		return
	}
	loc := i18n.ForLanguage(user.Language)
	data := cb.Data

	// One-shot keyboards (task and settings choices) are stripped after a
	// press; the grade/feedback/advice buttons stay usable.
	if cb.Message != nil {
		switch {
		case model.TestType(data).Valid(),
			strings.HasPrefix(data, "menu_"),
			strings.HasPrefix(data, "level_"),
			strings.HasPrefix(data, "language_"):
			if err := b.api.RemoveKeyboard(ctx, cb.Message.Chat.ID, cb.Message.MessageID); err != nil {
				slog.Warn("remove keyboard", "error", err)
			}
		}
	}

	switch {
	case model.TestType(data).Valid():
		b.startTest(ctx, user, loc, model.TestType(data))
	case data == "menu_language":
		b.send(ctx, userID, loc.T("ChooseLanguage"), &telegram.InlineKeyboardMarkup{InlineKeyboard: [][]telegram.InlineKeyboardButton{
			{telegram.Button("English", "language_en")},
			{telegram.Button("Русский", "language_ru")},
			{telegram.Button("Suomi", "language_fi")},
		}})
	case data == "menu_level":
		b.send(ctx, userID, loc.T("ChooseLevel"), &telegram.InlineKeyboardMarkup{InlineKeyboard: [][]telegram.InlineKeyboardButton{
			{telegram.Button(loc.T("LevelBasic"), "level_basic")},
			{telegram.Button(loc.T("LevelIntermediate"), "level_intermediate")},
			{telegram.Button(loc.T("LevelAdvanced"), "level_advanced")},
		}})
	case data == "menu_name":
		b.setStage(userID, stageAwaitingNewName)
		b.send(ctx, userID, loc.T("NamePrompt"), nil)
	case strings.HasPrefix(data, "language_"):
		lang := strings.TrimPrefix(data, "language_")
		if err := b.store.SetUserLanguage(userID, lang); err != nil {
			slog.Error("set language", "user", userID, "error", err)
			return
		}
		b.send(ctx, userID, i18n.ForLanguage(lang).T("LanguageSet"), nil)
	case strings.HasPrefix(data, "level_"):
		level := model.Level(strings.TrimPrefix(data, "level_"))
		if !level.Valid() {
			return
		}
		if err := b.store.SetUserLevel(userID, level); err != nil {
			slog.Error("set level", "user", userID, "error", err)
			return
		}
		b.send(ctx, userID, loc.Td("LevelSet", map[string]any{"Level": loc.T(levelMsgID(level))}), nil)
	case strings.HasPrefix(data, "grade_"):
		b.explain(ctx, user, loc, model.ExplainGrade, strings.TrimPrefix(data, "grade_"))
	case strings.HasPrefix(data, "feedback_"):
		b.explain(ctx, user, loc, model.ExplainFeedback, strings.TrimPrefix(data, "feedback_"))
	case strings.HasPrefix(data, "advice_"):
		b.explain(ctx, user, loc, model.ExplainAdvice, strings.TrimPrefix(data, "advice_"))
	default:
		slog.Warn("unknown callback", "data", data)
	}
}

func levelMsgID(l model.Level) string {
	switch l {
	case model.LevelBasic:
		return "LevelBasic"
	case model.LevelAdvanced:
		return "LevelAdvanced"
	default:
		return "LevelIntermediate"
	}
}

func (b *Bot) startTest(ctx context.Context, user *model.User, loc *i18n.Locale, tt model.TestType) {
	if !user.Registered() {
		b.send(ctx, user.ID, loc.T("NotRegistered"), nil)
		return
	}
	started, err := b.engine.StartTest(ctx, user.ID, tt, user.Level)
	if err != nil {
		switch {
		case errors.Is(err, engine.ErrTestInProgress):
			b.send(ctx, user.ID, loc.T("TestInProgress"), nil)
		default:
			slog.Error("start test", "user", user.ID, "type", tt, "error", err)
			b.send(ctx, user.ID, loc.T("ExplainFailed"), nil)
		}
		return
	}
	b.send(ctx, user.ID, loc.Td("TestStarted", map[string]any{
		"Topic":   started.Topic,
		"Minutes": int(started.Limit.Minutes()),
	}), nil)
}

func (b *Bot) explain(ctx context.Context, user *model.User, loc *i18n.Locale, kind model.ExplainKind, idStr string) {
	sessionID, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		slog.Warn("bad callback session id", "data", idStr)
		return
	}
	answer, err := b.engine.Explain(ctx, sessionID, kind, user.Language)
	if err != nil {
		if errors.Is(err, engine.ErrSessionNotFound) {
			b.send(ctx, user.ID, loc.T("SessionGone"), nil)
			return
		}
		slog.Error("explain", "session", sessionID, "kind", kind, "error", err)
		b.send(ctx, user.ID, loc.T("ExplainFailed"), nil)
		return
	}
	b.send(ctx, user.ID, answer, nil)
}

func (b *Bot) send(ctx context.Context, userID int64, text string, markup *telegram.InlineKeyboardMarkup) {
	if _, err := b.api.SendMessage(ctx, userID, text, markup); err != nil {
		slog.Error("send message", "user", userID, "error", err)
	}
}

// localeFor loads a user's locale for engine callbacks, which arrive
// with only the user ID.
func (b *Bot) localeFor(userID int64) *i18n.Locale {
	user, err := b.store.GetUser(userID)
	if err != nil || user == nil {
		return i18n.ForLanguage(b.defaults.DefaultLanguage)
	}
	return i18n.ForLanguage(user.Language)
}

// The methods below implement the engine's notification frontend. They
// run on timer goroutines, so each creates its own bounded context.

func (b *Bot) NotifyWarning(userID int64, minutesLeft int) {
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()
	b.send(ctx, userID, b.localeFor(userID).Tp("WarningMinutes", minutesLeft), nil)
}

func (b *Bot) NotifyTimeExpired(userID, sessionID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()
	loc := b.localeFor(userID)
	id := fmt.Sprint(sessionID)
	markup := &telegram.InlineKeyboardMarkup{InlineKeyboard: [][]telegram.InlineKeyboardButton{
		{telegram.Button(loc.T("ButtonGrade"), "grade_"+id)},
		{telegram.Button(loc.T("ButtonFeedback"), "feedback_"+id)},
		{telegram.Button(loc.T("ButtonAdvice"), "advice_"+id)},
	}}
	b.send(ctx, userID, loc.T("TimeExpired"), markup)
}

func (b *Bot) NotifyGraded(userID int64, grade int, feedback string) {
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()
	loc := b.localeFor(userID)
	text := loc.Td("GradeResult", map[string]any{"Grade": grade, "Max": model.MaxGrade})
	if feedback != "" {
		text += "\n\n" + feedback
	}
	b.send(ctx, userID, text, nil)
}

func (b *Bot) NotifyRejected(userID int64, reason model.RejectReason) {
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()
	loc := b.localeFor(userID)
	var msgID string
	switch reason {
	case model.RejectNotTargetLanguage:
		msgID = "RejectedNotTargetLanguage"
	case model.RejectOffTopic:
		msgID = "RejectedOffTopic"
	default:
		msgID = "RejectedOther"
	}
	b.send(ctx, userID, loc.T(msgID), nil)
}

func (b *Bot) NotifyGradingFailed(userID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()
	b.send(ctx, userID, b.localeFor(userID).T("GradingFailed"), nil)
}

func (b *Bot) NotifyNoResponse(userID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()
	b.send(ctx, userID, b.localeFor(userID).T("NoResponseProvided"), nil)
}

// ClearConversation drops any dialog state once a test is over.
func (b *Bot) ClearConversation(userID int64) {
	b.setStage(userID, stageNone)
}
