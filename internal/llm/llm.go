package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/ykiprep/kielibot/internal/llm/prompts"
	"github.com/ykiprep/kielibot/internal/model"
)

// Evaluation holds the model's assessment of a submitted writing response.
type Evaluation struct {
	Accepted bool               `json:"accepted"`
	Grade    int                `json:"grade"`
	Reason   model.RejectReason `json:"reason"`
	Feedback string             `json:"feedback"`
}

// Client wraps an OpenAI-compatible API client.
type Client struct {
	api   *openai.Client
	model string
}

// New creates a new LLM client.
func New(baseURL, apiKey, modelName string) (*Client, error) {
	if err := prompts.Load(); err != nil {
		return nil, fmt.Errorf("load prompts: %w", err)
	}
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	return &Client{
		api:   openai.NewClientWithConfig(config),
		model: modelName,
	}, nil
}

// Ping verifies the endpoint is reachable before the bot starts serving.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.api.ListModels(ctx); err != nil {
		return fmt.Errorf("LLM endpoint unreachable: %w", err)
	}
	return nil
}

// GenerateTopic asks the model for a fresh writing topic for the given task
// category and difficulty band.
func (c *Client) GenerateTopic(ctx context.Context, testType model.TestType, level model.Level) (string, error) {
	prompt, err := prompts.BuildTopicPrompt(testType, level)
	if err != nil {
		return "", err
	}

	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: prompts.SystemMessage()},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		Temperature: 0.7,
	})
	if err != nil {
		return "", fmt.Errorf("topic generation API call: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("LLM returned no choices for topic")
	}

	topic := strings.TrimSpace(resp.Choices[0].Message.Content)
	if topic == "" {
		return "", fmt.Errorf("LLM returned empty topic")
	}
	return topic, nil
}

// Evaluate grades a finished response against its topic on the 0-6 YKI
// scale. Rejections (wrong language, off topic) come back with Accepted
// false and a reason code rather than an error.
func (c *Client) Evaluate(ctx context.Context, topic, response string, level model.Level) (*Evaluation, error) {
	prompt, err := prompts.BuildEvalPrompt(topic, response, level)
	if err != nil {
		return nil, err
	}

	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: prompts.SystemMessage()},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: 0.1,
	})
	if err != nil {
		return nil, fmt.Errorf("evaluation API call: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("LLM returned no choices for evaluation")
	}

	raw := resp.Choices[0].Message.Content
	slog.Debug("evaluation response", "raw", raw)

	var ev Evaluation
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		return nil, fmt.Errorf("parse evaluation response: %w (raw: %s)", err, raw)
	}
	normalizeEvaluation(&ev)
	return &ev, nil
}

// FreeText requests a prose completion, used for the grade-explanation,
// feedback, and advice buttons.
func (c *Client) FreeText(ctx context.Context, prompt string, level model.Level, topic string) (string, error) {
	msgs := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: prompts.SystemMessage()},
	}
	if topic != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleAssistant,
			Content: "Test topic: " + topic,
		})
	}
	msgs = append(msgs, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: prompt + "\nThe YKI level is " + string(level) + ".",
	})

	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    msgs,
		Temperature: 0.7,
	})
	if err != nil {
		return "", fmt.Errorf("completion API call: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("LLM returned no choices")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// normalizeEvaluation clamps out-of-range model output into the contract:
// grades stay within 0-6, rejections always carry a known reason, accepted
// results carry none.
func normalizeEvaluation(ev *Evaluation) {
	if ev.Grade < 0 {
		ev.Grade = 0
	}
	if ev.Grade > model.MaxGrade {
		ev.Grade = model.MaxGrade
	}
	if ev.Accepted {
		ev.Reason = ""
		return
	}
	ev.Grade = 0
	switch ev.Reason {
	case model.RejectNotTargetLanguage, model.RejectOffTopic:
	default:
		ev.Reason = model.RejectOther
	}
}
