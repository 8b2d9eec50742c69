package bot

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/ykiprep/kielibot/internal/engine"
	"github.com/ykiprep/kielibot/internal/i18n"
	"github.com/ykiprep/kielibot/internal/model"
	"github.com/ykiprep/kielibot/internal/store"
	"github.com/ykiprep/kielibot/internal/telegram"
)

type sentMessage struct {
	chatID int64
	text   string
	markup *telegram.InlineKeyboardMarkup
}

type fakeAPI struct {
	sent     []sentMessage
	answered []string
	removed  []removedKeyboard
}

func (f *fakeAPI) SendMessage(_ context.Context, chatID int64, text string, markup *telegram.InlineKeyboardMarkup) (*telegram.Message, error) {
	f.sent = append(f.sent, sentMessage{chatID, text, markup})
	return &telegram.Message{MessageID: int64(len(f.sent))}, nil
}

func (f *fakeAPI) AnswerCallbackQuery(_ context.Context, id, _ string) error {
	f.answered = append(f.answered, id)
	return nil
}

type removedKeyboard struct {
	chatID    int64
	messageID int64
}

func (f *fakeAPI) RemoveKeyboard(_ context.Context, chatID, messageID int64) error {
	f.removed = append(f.removed, removedKeyboard{chatID, messageID})
	return nil
}

func (f *fakeAPI) last(t *testing.T) sentMessage {
	t.Helper()
	if len(f.sent) == 0 {
		t.Fatal("no message sent")
	}
	return f.sent[len(f.sent)-1]
}

type fakeEngine struct {
	started     []model.TestType
	startErr    error
	submitted   []string
	submitOK    bool
	cancelled   int
	cancelOK    bool
	explained   []model.ExplainKind
	explainText string
}

func (f *fakeEngine) StartTest(_ context.Context, _ int64, tt model.TestType, _ model.Level) (*engine.StartedTest, error) {
	if f.startErr != nil {
		return nil, f.startErr
	}
	f.started = append(f.started, tt)
	return &engine.StartedTest{SessionID: 1, Topic: "Harrastuksesi", Limit: 15 * time.Minute}, nil
}

func (f *fakeEngine) SubmitResponse(_ context.Context, _ int64, text string) (bool, error) {
	f.submitted = append(f.submitted, text)
	return f.submitOK, nil
}

func (f *fakeEngine) CancelTest(_ context.Context, _ int64) (bool, error) {
	f.cancelled++
	return f.cancelOK, nil
}

func (f *fakeEngine) Explain(_ context.Context, _ int64, kind model.ExplainKind, _ string) (string, error) {
	f.explained = append(f.explained, kind)
	return f.explainText, nil
}

type botFixture struct {
	bot    *Bot
	api    *fakeAPI
	eng    *fakeEngine
	store  *store.Store
	ctx    context.Context
	userID int64
}

func newBotFixture(t *testing.T) *botFixture {
	t.Helper()
	if err := i18n.Init("en"); err != nil {
		t.Fatalf("i18n: %v", err)
	}
	s, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	api := &fakeAPI{}
	eng := &fakeEngine{}
	b := New(s, api, Config{DefaultLanguage: "en", AdminIDs: []int64{99}})
	b.SetEngine(eng)
	return &botFixture{bot: b, api: api, eng: eng, store: s, ctx: context.Background(), userID: 10}
}

func (fx *botFixture) message(text string) telegram.Update {
	return telegram.Update{Message: &telegram.Message{
		From: &telegram.User{ID: fx.userID, LanguageCode: "en"},
		Chat: telegram.Chat{ID: fx.userID},
		Text: text,
	}}
}

func (fx *botFixture) callback(data string) telegram.Update {
	return telegram.Update{CallbackQuery: &telegram.CallbackQuery{
		ID:   "cb1",
		From: telegram.User{ID: fx.userID},
		Data: data,
	}}
}

func (fx *botFixture) register(t *testing.T) {
	t.Helper()
	code, err := fx.store.CreateInvite(99, 1)
	if err != nil {
		t.Fatal(err)
	}
	fx.bot.HandleUpdate(fx.ctx, fx.message("/start"))
	fx.bot.HandleUpdate(fx.ctx, fx.message(code))
	fx.bot.HandleUpdate(fx.ctx, fx.message("Maija"))
	fx.bot.HandleUpdate(fx.ctx, fx.message("/confirm"))
}

func TestRegistrationFlow(t *testing.T) {
	fx := newBotFixture(t)
	code, err := fx.store.CreateInvite(99, 1)
	if err != nil {
		t.Fatal(err)
	}

	fx.bot.HandleUpdate(fx.ctx, fx.message("/start"))
	if !strings.Contains(fx.api.last(t).text, "invite code") {
		t.Errorf("expected invite prompt, got %q", fx.api.last(t).text)
	}

	fx.bot.HandleUpdate(fx.ctx, fx.message("WRONGCODE"))
	if !strings.Contains(fx.api.last(t).text, "not valid") {
		t.Errorf("expected rejection, got %q", fx.api.last(t).text)
	}

	fx.bot.HandleUpdate(fx.ctx, fx.message(code))
	if !strings.Contains(fx.api.last(t).text, "name") {
		t.Errorf("expected name prompt, got %q", fx.api.last(t).text)
	}

	fx.bot.HandleUpdate(fx.ctx, fx.message("Maija"))
	if !strings.Contains(fx.api.last(t).text, "Maija") {
		t.Errorf("expected confirmation prompt with name, got %q", fx.api.last(t).text)
	}

	fx.bot.HandleUpdate(fx.ctx, fx.message("/confirm"))
	if !strings.Contains(fx.api.last(t).text, "registered") {
		t.Errorf("expected registration done, got %q", fx.api.last(t).text)
	}

	user, err := fx.store.GetUser(fx.userID)
	if err != nil {
		t.Fatal(err)
	}
	if !user.Registered() || user.Name != "Maija" {
		t.Errorf("user not registered correctly: %+v", user)
	}
}

func TestRegistrationSurvivesRestart(t *testing.T) {
	fx := newBotFixture(t)
	code, err := fx.store.CreateInvite(99, 1)
	if err != nil {
		t.Fatal(err)
	}

	fx.bot.HandleUpdate(fx.ctx, fx.message("/start"))
	fx.bot.HandleUpdate(fx.ctx, fx.message(code))
	fx.bot.HandleUpdate(fx.ctx, fx.message("Maija"))

	// A new Bot over the same store has no dialog stages, like after a
	// process restart. The durable invited flag and name must carry the
	// user through to confirmation.
	api2 := &fakeAPI{}
	bot2 := New(fx.store, api2, Config{DefaultLanguage: "en"})
	bot2.SetEngine(fx.eng)
	fresh := &botFixture{bot: bot2, api: api2, eng: fx.eng, store: fx.store, ctx: fx.ctx, userID: fx.userID}

	fresh.bot.HandleUpdate(fresh.ctx, fresh.message("/start"))
	last := api2.last(t)
	if !strings.Contains(last.text, "Maija") {
		t.Errorf("restart /start should resume at confirmation, got %q", last.text)
	}
	if strings.Contains(last.text, "invite code") {
		t.Errorf("restart /start must not re-ask for a spent code: %q", last.text)
	}

	fresh.bot.HandleUpdate(fresh.ctx, fresh.message("/confirm"))
	if !strings.Contains(api2.last(t).text, "registered") {
		t.Errorf("restart /confirm should complete registration, got %q", api2.last(t).text)
	}

	user, err := fx.store.GetUser(fx.userID)
	if err != nil {
		t.Fatal(err)
	}
	if !user.Registered() {
		t.Errorf("user not registered after restart confirm: %+v", user)
	}
}

func TestRegistrationResumesAtNameAfterRestart(t *testing.T) {
	fx := newBotFixture(t)
	code, err := fx.store.CreateInvite(99, 1)
	if err != nil {
		t.Fatal(err)
	}

	fx.bot.HandleUpdate(fx.ctx, fx.message("/start"))
	fx.bot.HandleUpdate(fx.ctx, fx.message(code))

	api2 := &fakeAPI{}
	bot2 := New(fx.store, api2, Config{DefaultLanguage: "en"})
	bot2.SetEngine(fx.eng)
	fresh := &botFixture{bot: bot2, api: api2, eng: fx.eng, store: fx.store, ctx: fx.ctx, userID: fx.userID}

	// No name stored yet, so the resume point is the name prompt.
	fresh.bot.HandleUpdate(fresh.ctx, fresh.message("/start"))
	if !strings.Contains(api2.last(t).text, "name") {
		t.Errorf("expected name prompt, got %q", api2.last(t).text)
	}

	// /confirm before a name exists must not register the user.
	fresh.bot.HandleUpdate(fresh.ctx, fresh.message("/confirm"))
	user, _ := fx.store.GetUser(fx.userID)
	if user.Registered() {
		t.Error("confirm without a name must not complete registration")
	}

	fresh.bot.HandleUpdate(fresh.ctx, fresh.message("Pekka"))
	fresh.bot.HandleUpdate(fresh.ctx, fresh.message("/confirm"))
	user, _ = fx.store.GetUser(fx.userID)
	if !user.Registered() || user.Name != "Pekka" {
		t.Errorf("registration did not complete: %+v", user)
	}
}

func TestInviteExhausted(t *testing.T) {
	fx := newBotFixture(t)
	code, err := fx.store.CreateInvite(99, 1)
	if err != nil {
		t.Fatal(err)
	}

	fx.bot.HandleUpdate(fx.ctx, fx.message("/start"))
	fx.bot.HandleUpdate(fx.ctx, fx.message(code))

	// The single-use code is spent; a second account cannot reuse it.
	other := &botFixture{bot: fx.bot, api: fx.api, eng: fx.eng, store: fx.store, ctx: fx.ctx, userID: 11}
	other.bot.HandleUpdate(other.ctx, other.message("/start"))
	other.bot.HandleUpdate(other.ctx, other.message(code))
	if !strings.Contains(fx.api.last(t).text, "not valid") {
		t.Errorf("expected rejection, got %q", fx.api.last(t).text)
	}
}

func TestTestCommandShowsTaskKeyboard(t *testing.T) {
	fx := newBotFixture(t)
	fx.register(t)

	fx.bot.HandleUpdate(fx.ctx, fx.message("/test"))
	last := fx.api.last(t)
	if last.markup == nil || len(last.markup.InlineKeyboard) != 3 {
		t.Fatalf("expected 3 task buttons, got %+v", last.markup)
	}
	if last.markup.InlineKeyboard[0][0].CallbackData != "writing_part_1" {
		t.Errorf("first button data = %q", last.markup.InlineKeyboard[0][0].CallbackData)
	}
}

func TestTaskCallbackStartsTest(t *testing.T) {
	fx := newBotFixture(t)
	fx.register(t)

	fx.bot.HandleUpdate(fx.ctx, fx.callback("writing_part_2"))
	if len(fx.eng.started) != 1 || fx.eng.started[0] != model.TestPart2 {
		t.Fatalf("expected writing_part_2 started, got %v", fx.eng.started)
	}
	last := fx.api.last(t)
	if !strings.Contains(last.text, "Harrastuksesi") {
		t.Errorf("topic missing from start message: %q", last.text)
	}
	if !strings.Contains(last.text, "15 minutes") {
		t.Errorf("time limit missing from start message: %q", last.text)
	}
	if len(fx.api.answered) == 0 {
		t.Error("callback query not answered")
	}
}

func TestStartWhileInProgress(t *testing.T) {
	fx := newBotFixture(t)
	fx.register(t)
	fx.eng.startErr = engine.ErrTestInProgress

	fx.bot.HandleUpdate(fx.ctx, fx.callback("writing_part_1"))
	if !strings.Contains(fx.api.last(t).text, "already have a test") {
		t.Errorf("expected in-progress message, got %q", fx.api.last(t).text)
	}
}

func TestTextSubmitsDraft(t *testing.T) {
	fx := newBotFixture(t)
	fx.register(t)
	fx.eng.submitOK = true

	// An active session must exist for free text to be treated as a draft.
	if _, err := fx.store.CreateTestSession(model.TestPart1, model.LevelIntermediate, fx.userID, "aihe"); err != nil {
		t.Fatal(err)
	}

	fx.bot.HandleUpdate(fx.ctx, fx.message("Hyvä ystävä, mitä kuuluu?"))
	if len(fx.eng.submitted) != 1 || fx.eng.submitted[0] != "Hyvä ystävä, mitä kuuluu?" {
		t.Fatalf("draft not submitted: %v", fx.eng.submitted)
	}
	if !strings.Contains(fx.api.last(t).text, "saved") {
		t.Errorf("expected saved confirmation, got %q", fx.api.last(t).text)
	}
}

func TestTextWithoutActiveTest(t *testing.T) {
	fx := newBotFixture(t)
	fx.register(t)

	fx.bot.HandleUpdate(fx.ctx, fx.message("random text"))
	if len(fx.eng.submitted) != 0 {
		t.Error("nothing should be submitted without an active session")
	}
}

func TestCancelCommand(t *testing.T) {
	fx := newBotFixture(t)
	fx.register(t)

	fx.eng.cancelOK = true
	fx.bot.HandleUpdate(fx.ctx, fx.message("/cancel"))
	if fx.eng.cancelled != 1 {
		t.Fatalf("cancel calls = %d", fx.eng.cancelled)
	}
	if !strings.Contains(fx.api.last(t).text, "cancelled") {
		t.Errorf("expected cancel confirmation, got %q", fx.api.last(t).text)
	}

	fx.eng.cancelOK = false
	fx.bot.HandleUpdate(fx.ctx, fx.message("/cancel"))
	if !strings.Contains(fx.api.last(t).text, "no test in progress") {
		t.Errorf("expected no-test message, got %q", fx.api.last(t).text)
	}
}

func TestCodeCommandAdminOnly(t *testing.T) {
	fx := newBotFixture(t)
	fx.register(t)

	fx.bot.HandleUpdate(fx.ctx, fx.message("/code"))
	if !strings.Contains(fx.api.last(t).text, "not allowed") {
		t.Errorf("expected denial, got %q", fx.api.last(t).text)
	}

	admin := &botFixture{bot: fx.bot, api: fx.api, eng: fx.eng, store: fx.store, ctx: fx.ctx, userID: 99}
	admin.bot.HandleUpdate(admin.ctx, admin.message("/code 3"))
	if !strings.Contains(fx.api.last(t).text, "Invite code:") {
		t.Errorf("expected invite code message, got %q", fx.api.last(t).text)
	}
	if !strings.Contains(fx.api.last(t).text, "3 uses") {
		t.Errorf("expected uses count, got %q", fx.api.last(t).text)
	}
}

func TestExplainCallbacks(t *testing.T) {
	fx := newBotFixture(t)
	fx.register(t)
	fx.eng.explainText = "Sinun arvosanasi perustuu..."

	fx.bot.HandleUpdate(fx.ctx, fx.callback("grade_5"))
	fx.bot.HandleUpdate(fx.ctx, fx.callback("feedback_5"))
	fx.bot.HandleUpdate(fx.ctx, fx.callback("advice_5"))

	want := []model.ExplainKind{model.ExplainGrade, model.ExplainFeedback, model.ExplainAdvice}
	if len(fx.eng.explained) != 3 {
		t.Fatalf("explain calls = %v", fx.eng.explained)
	}
	for i, k := range want {
		if fx.eng.explained[i] != k {
			t.Errorf("explain[%d] = %s, want %s", i, fx.eng.explained[i], k)
		}
	}
	if fx.api.last(t).text != "Sinun arvosanasi perustuu..." {
		t.Errorf("answer not forwarded: %q", fx.api.last(t).text)
	}
}

func TestLevelAndLanguageCallbacks(t *testing.T) {
	fx := newBotFixture(t)
	fx.register(t)

	fx.bot.HandleUpdate(fx.ctx, fx.callback("level_advanced"))
	user, _ := fx.store.GetUser(fx.userID)
	if user.Level != model.LevelAdvanced {
		t.Errorf("level = %s, want advanced", user.Level)
	}

	fx.bot.HandleUpdate(fx.ctx, fx.callback("language_ru"))
	user, _ = fx.store.GetUser(fx.userID)
	if user.Language != "ru" {
		t.Errorf("language = %s, want ru", user.Language)
	}
	if !strings.Contains(fx.api.last(t).text, "Язык") {
		t.Errorf("confirmation should already use the new language, got %q", fx.api.last(t).text)
	}
}

func TestOneShotKeyboardStripUsesChatID(t *testing.T) {
	fx := newBotFixture(t)
	fx.register(t)

	// Chat and user ids differ in general; the strip must target the chat
	// the keyboard message lives in.
	fx.bot.HandleUpdate(fx.ctx, telegram.Update{CallbackQuery: &telegram.CallbackQuery{
		ID:   "cb2",
		From: telegram.User{ID: fx.userID},
		Message: &telegram.Message{
			MessageID: 42,
			Chat:      telegram.Chat{ID: 777},
		},
		Data: "menu_level",
	}})

	if len(fx.api.removed) != 1 {
		t.Fatalf("expected 1 keyboard removal, got %d", len(fx.api.removed))
	}
	if got := fx.api.removed[0]; got.chatID != 777 || got.messageID != 42 {
		t.Errorf("removed keyboard at chat %d message %d, want chat 777 message 42", got.chatID, got.messageID)
	}

	// Explain buttons stay pressable, no strip.
	fx.bot.HandleUpdate(fx.ctx, telegram.Update{CallbackQuery: &telegram.CallbackQuery{
		ID:   "cb3",
		From: telegram.User{ID: fx.userID},
		Message: &telegram.Message{
			MessageID: 43,
			Chat:      telegram.Chat{ID: 777},
		},
		Data: "grade_1",
	}})
	if len(fx.api.removed) != 1 {
		t.Errorf("explain buttons must not be stripped, removals = %d", len(fx.api.removed))
	}
}

func TestNotifyTimeExpiredButtons(t *testing.T) {
	fx := newBotFixture(t)
	fx.register(t)

	fx.bot.NotifyTimeExpired(fx.userID, 17)
	last := fx.api.last(t)
	if last.markup == nil || len(last.markup.InlineKeyboard) != 3 {
		t.Fatalf("expected 3 follow-up buttons, got %+v", last.markup)
	}
	if last.markup.InlineKeyboard[0][0].CallbackData != "grade_17" {
		t.Errorf("grade button data = %q", last.markup.InlineKeyboard[0][0].CallbackData)
	}
}

func TestWarningsAreLocalized(t *testing.T) {
	fx := newBotFixture(t)
	fx.register(t)
	if err := fx.store.SetUserLanguage(fx.userID, "fi"); err != nil {
		t.Fatal(err)
	}

	fx.bot.NotifyWarning(fx.userID, 5)
	if got := fx.api.last(t).text; got != "5 minuuttia jäljellä!" {
		t.Errorf("warning = %q", got)
	}
	fx.bot.NotifyWarning(fx.userID, 1)
	if got := fx.api.last(t).text; got != "1 minuutti jäljellä!" {
		t.Errorf("warning = %q", got)
	}
}

func TestUnregisteredCannotStart(t *testing.T) {
	fx := newBotFixture(t)

	fx.bot.HandleUpdate(fx.ctx, fx.message("/test"))
	if !strings.Contains(fx.api.last(t).text, "not registered") {
		t.Errorf("expected registration nudge, got %q", fx.api.last(t).text)
	}
	if len(fx.eng.started) != 0 {
		t.Error("no test may start for unregistered users")
	}
}
