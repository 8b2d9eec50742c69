// Package prompts builds the text sent to the language model from embedded
// templates, one file per prompt, so wording changes never touch Go code.
package prompts

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"text/template"
	"unicode/utf8"

	"github.com/ykiprep/kielibot/internal/model"
)

//go:embed templates/*.txt
var templateFS embed.FS

// maxResponseRunes caps how much student text gets interpolated into a
// prompt before truncation.
const maxResponseRunes = 10000

var (
	studentTextRegex  = regexp.MustCompile(`(?i)</?\s*student-text\b[^>]*>`)
	instructionsRegex = regexp.MustCompile(`(?i)</?\s*system-instructions\b[^>]*>`)
)

var (
	loadOnce  sync.Once
	loadErr   error
	templates map[string]*template.Template
	systemMsg string
)

// TopicData holds template data for topic generation prompts.
type TopicData struct {
	TaskName string
	Level    model.Level
}

// EvalData holds template data for the evaluation prompt.
type EvalData struct {
	Topic    string
	Response string
	Level    model.Level
}

// ExplainData holds template data for the explanation prompts.
type ExplainData struct {
	TaskName string
	Topic    string
	Response string
	Level    model.Level
	Language string
}

// Load parses all embedded prompt templates. Safe to call more than once;
// parsing happens on the first call only.
func Load() error {
	loadOnce.Do(func() {
		templates = make(map[string]*template.Template)

		entries, err := templateFS.ReadDir("templates")
		if err != nil {
			loadErr = fmt.Errorf("read templates dir: %w", err)
			return
		}
		for _, e := range entries {
			name := strings.TrimSuffix(e.Name(), ".txt")
			content, err := templateFS.ReadFile("templates/" + e.Name())
			if err != nil {
				loadErr = fmt.Errorf("read template %s: %w", e.Name(), err)
				return
			}
			if name == "system" {
				systemMsg = strings.TrimSpace(string(content))
				continue
			}
			tmpl, err := template.New(name).Parse(string(content))
			if err != nil {
				loadErr = fmt.Errorf("parse template %s: %w", e.Name(), err)
				return
			}
			templates[name] = tmpl
		}
		if systemMsg == "" {
			loadErr = errors.New("missing system template")
		}
	})
	return loadErr
}

// SystemMessage returns the tutor system message sent with every request.
func SystemMessage() string {
	return systemMsg
}

// BuildTopicPrompt builds the topic generation prompt for a task category.
func BuildTopicPrompt(testType model.TestType, level model.Level) (string, error) {
	if !testType.Valid() {
		return "", fmt.Errorf("unknown test type %q", testType)
	}
	return execute(testType.PromptName(), TopicData{
		TaskName: testType.DisplayName(),
		Level:    level,
	})
}

// BuildEvalPrompt builds the grading prompt for a submitted response.
func BuildEvalPrompt(topic, response string, level model.Level) (string, error) {
	return execute("evaluate", EvalData{
		Topic:    topic,
		Response: Sanitize(response),
		Level:    level,
	})
}

// BuildExplainPrompt builds the prose prompt behind the grade, feedback,
// and advice buttons. language is the BCP 47 tag the answer should use.
func BuildExplainPrompt(kind model.ExplainKind, sess model.TestSession, language string) (string, error) {
	if !kind.Valid() {
		return "", fmt.Errorf("unknown explanation kind %q", kind)
	}
	response := ""
	if sess.Response != nil {
		response = *sess.Response
	}
	return execute("explain_"+string(kind), ExplainData{
		TaskName: sess.TestType.DisplayName(),
		Topic:    sess.Topic,
		Response: Sanitize(response),
		Level:    sess.Level,
		Language: language,
	})
}

func execute(name string, data any) (string, error) {
	if err := Load(); err != nil {
		return "", err
	}
	tmpl, ok := templates[name]
	if !ok {
		return "", fmt.Errorf("no template %q", name)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// Sanitize strips markup that could break out of the prompt frame and
// truncates overlong submissions.
func Sanitize(text string) string {
	text = studentTextRegex.ReplaceAllString(text, "")
	text = instructionsRegex.ReplaceAllString(text, "")
	text = strings.TrimSpace(text)

	if text == "" {
		return "[No response provided]"
	}

	if utf8.RuneCountInString(text) > maxResponseRunes {
		runes := []rune(text)
		text = string(runes[:maxResponseRunes]) + "\n\n[Response truncated due to length]"
	}

	return text
}
