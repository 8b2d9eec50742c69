package model

import "time"

// TestType identifies a YKI writing task category.
type TestType string

const (
	// TestPart1 is the informal message task.
	TestPart1 TestType = "writing_part_1"
	// TestPart2 is the formal message task.
	TestPart2 TestType = "writing_part_2"
	// TestPart3 is the opinion essay task.
	TestPart3 TestType = "writing_part_3"
)

// testTypeInfo carries the per-category constants: time limit, display
// name, and the prompt template used to generate a topic.
type testTypeInfo struct {
	limit       time.Duration
	displayName string
	promptName  string
}

var testTypes = map[TestType]testTypeInfo{
	TestPart1: {15 * time.Minute, "Informal message", "topic_part_1"},
	TestPart2: {20 * time.Minute, "Formal message", "topic_part_2"},
	TestPart3: {25 * time.Minute, "Opinion essay", "topic_part_3"},
}

// AllTestTypes lists the task categories in exam order.
func AllTestTypes() []TestType {
	return []TestType{TestPart1, TestPart2, TestPart3}
}

// Valid reports whether t is a known task category.
func (t TestType) Valid() bool {
	_, ok := testTypes[t]
	return ok
}

// TimeLimit returns the time allowed for the task. Unknown categories get
// zero, which callers must treat as invalid before arming any timers.
func (t TestType) TimeLimit() time.Duration {
	return testTypes[t].limit
}

// DisplayName returns the human-readable task name.
func (t TestType) DisplayName() string {
	return testTypes[t].displayName
}

// PromptName returns the topic prompt template name for the task.
func (t TestType) PromptName() string {
	return testTypes[t].promptName
}

// Level is the difficulty band of a test, fixed at session creation.
type Level string

const (
	LevelBasic        Level = "basic"
	LevelIntermediate Level = "intermediate"
	LevelAdvanced     Level = "advanced"
)

// Valid reports whether l is a known level.
func (l Level) Valid() bool {
	switch l {
	case LevelBasic, LevelIntermediate, LevelAdvanced:
		return true
	}
	return false
}

// AutoFinishedResponse is the sentinel stored when a session hits its
// deadline without any submitted text. It is distinguishable from any real
// submission because the bot never accepts it as draft text.
const AutoFinishedResponse = "AUTO_FINISHED: Time limit exceeded"

// MaxGrade is the top of the YKI grading scale.
const MaxGrade = 6

// TestSession is one attempt at a writing task.
type TestSession struct {
	ID         int64      `json:"id"`
	TestType   TestType   `json:"test_type"`
	Level      Level      `json:"level"`
	UserID     int64      `json:"user_id"`
	Topic      string     `json:"topic"`
	StartedAt  time.Time  `json:"started_at"`
	Finished   bool       `json:"finished"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Response   *string    `json:"response,omitempty"`
	Grade      *int       `json:"grade,omitempty"`
}

// Deadline returns the moment the session's completion timer fires.
func (s TestSession) Deadline() time.Time {
	return s.StartedAt.Add(s.TestType.TimeLimit())
}

// AutoFinished reports whether the session ended without a real submission.
func (s TestSession) AutoFinished() bool {
	return s.Response != nil && *s.Response == AutoFinishedResponse
}

// RejectReason classifies why an evaluation refused to grade a response.
type RejectReason string

const (
	RejectNotTargetLanguage RejectReason = "not_target_language"
	RejectOffTopic          RejectReason = "off_topic"
	RejectOther             RejectReason = "other"
)

// ExplainKind selects which post-completion explanation to generate.
type ExplainKind string

const (
	ExplainGrade    ExplainKind = "grade"
	ExplainFeedback ExplainKind = "feedback"
	ExplainAdvice   ExplainKind = "advice"
)

// Valid reports whether k is a known explanation kind.
func (k ExplainKind) Valid() bool {
	switch k {
	case ExplainGrade, ExplainFeedback, ExplainAdvice:
		return true
	}
	return false
}

// User is a bot user. Registration is two-step: a valid invite code marks
// the user invited, /confirm completes it.
type User struct {
	ID        int64
	Name      string
	Language  string
	Level     Level
	Invited   bool
	Confirmed bool
	InvitedBy int64
	CreatedAt time.Time
}

// Registered reports whether the user may start tests.
func (u User) Registered() bool {
	return u.Invited && u.Confirmed
}

// Invite is a multi-use invite code.
type Invite struct {
	Code      string
	CreatedBy int64
	UsesLeft  int
	CreatedAt time.Time
}
