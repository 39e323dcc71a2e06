package tutortools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicClient is a reference implementation of Client backed by the
// Anthropic Messages API. It is a concrete LLM collaborator, not part of the
// Session Core proper, grounded in
// internal/agent/providers/anthropic.go's client construction and retry
// shape, simplified to one-shot (non-streaming) completions since each tool
// call here is a single request/response exchange.
type AnthropicClient struct {
	client anthropic.Client
	model  string
	maxTok int64
}

// AnthropicConfig configures AnthropicClient.
type AnthropicConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	// MaxTokens bounds each tool completion. Default: 1024.
	MaxTokens int
}

// NewAnthropicClient validates config and constructs an AnthropicClient.
func NewAnthropicClient(cfg AnthropicConfig) (*AnthropicClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("tutortools: anthropic API key is required")
	}
	model := cfg.Model
	if model == "" {
		model = "claude-sonnet-4-20250514"
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &AnthropicClient{
		client: anthropic.NewClient(opts...),
		model:  model,
		maxTok: int64(maxTokens),
	}, nil
}

// complete runs a single-turn completion with systemPrompt as the system
// message and userPrompt as the sole user turn, returning the raw text.
func (c *AnthropicClient) complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: c.maxTok,
		System: []anthropic.TextBlockParam{
			{Type: "text", Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
		},
	}

	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("tutortools: anthropic completion failed: %w", err)
	}
	if len(msg.Content) == 0 {
		return "", fmt.Errorf("tutortools: anthropic returned no content")
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		sb.WriteString(block.AsText().Text)
	}
	return sb.String(), nil
}

// completeJSON runs complete and unmarshals the response into out,
// tolerating a response wrapped in a markdown code fence.
func (c *AnthropicClient) completeJSON(ctx context.Context, systemPrompt, userPrompt string, out any) error {
	raw, err := c.complete(ctx, systemPrompt, userPrompt)
	if err != nil {
		return err
	}
	raw = stripCodeFence(raw)
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return fmt.Errorf("tutortools: anthropic returned non-JSON response: %w", err)
	}
	return nil
}

func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

const tutorSystemPrompt = "You are the pedagogical engine behind a one-on-one tutoring session. " +
	"Respond only with the JSON object requested by the user message, no surrounding prose."

func (c *AnthropicClient) GenerateQuestion(ctx context.Context, topic Topic, history []HistoryTurn) (Question, error) {
	prompt := fmt.Sprintf(
		"Generate a practice question JSON object {text, correct_answer, type, difficulty, hint} for topic %q (id=%s). Recent history: %v",
		topic.Name, topic.ID, history,
	)
	var q Question
	if err := c.completeJSON(ctx, tutorSystemPrompt, prompt, &q); err != nil {
		return Question{}, err
	}
	q.Topic = topic.ID
	return q, nil
}

func (c *AnthropicClient) CheckAnswer(ctx context.Context, question Question, studentAnswer string) (CheckAnswerResult, error) {
	prompt := fmt.Sprintf(
		"Question: %q. Correct answer: %q. Student answer: %q. Return JSON {is_correct, feedback, explanation, student_answer, correct_answer}.",
		question.Text, question.CorrectAnswer, studentAnswer,
	)
	var res CheckAnswerResult
	if err := c.completeJSON(ctx, tutorSystemPrompt, prompt, &res); err != nil {
		return CheckAnswerResult{}, err
	}
	res.StudentAnswer = studentAnswer
	res.CorrectAnswer = question.CorrectAnswer
	return res, nil
}

func (c *AnthropicClient) DiagnoseError(ctx context.Context, question Question, answer AnswerData) (DiagnosisResult, error) {
	prompt := fmt.Sprintf(
		"Question: %q. Student answered %q, correct answer is %q. Diagnose the error. Return JSON "+
			"{error_identified, error_category, error_description, misconception, confidence, suggested_approach}.",
		question.Text, answer.StudentAnswer, answer.CorrectAnswer,
	)
	var res DiagnosisResult
	if err := c.completeJSON(ctx, tutorSystemPrompt, prompt, &res); err != nil {
		return DiagnosisResult{}, err
	}
	return res, nil
}

func (c *AnthropicClient) CreateRemediation(ctx context.Context, topic Topic, diagnosis DiagnosisResult) (string, error) {
	prompt := fmt.Sprintf(
		"Topic %q. The learner's misconception: %q (category %q). Intervention level: %q. Write a short, targeted remediation explanation pitched at that level of directness.",
		topic.Name, diagnosis.Misconception, diagnosis.ErrorCategory, diagnosis.InterventionLevel,
	)
	return c.complete(ctx, tutorSystemPrompt, prompt)
}

func (c *AnthropicClient) ExplainConcept(ctx context.Context, topic Topic, message string, history []HistoryTurn) (string, error) {
	prompt := fmt.Sprintf("Topic %q. Learner said: %q. Explain the underlying concept clearly and briefly.", topic.Name, message)
	return c.complete(ctx, tutorSystemPrompt, prompt)
}

func (c *AnthropicClient) ProvideHint(ctx context.Context, question Question, hintContext string) (string, error) {
	prompt := fmt.Sprintf("Question: %q. Dialogue context: %q. Give one short, non-revealing hint.", question.Text, hintContext)
	return c.complete(ctx, tutorSystemPrompt, prompt)
}

func (c *AnthropicClient) ClassifyIntent(ctx context.Context, message string, history []HistoryTurn) (Intent, error) {
	prompt := fmt.Sprintf(
		"Classify the learner message %q into exactly one of: request_question, request_help, "+
			"understanding_confirmation, confusion, answer_attempt, general. Return JSON {intent}.",
		message,
	)
	var res struct {
		Intent Intent `json:"intent"`
	}
	if err := c.completeJSON(ctx, tutorSystemPrompt, prompt, &res); err != nil {
		return "", err
	}
	if res.Intent == "" {
		return IntentGeneral, nil
	}
	return res.Intent, nil
}

var _ Client = (*AnthropicClient)(nil)

// requestTimeout is a sane per-call ceiling independent of the caller's
// deadline, preventing a hung HTTP connection from outliving the Session's
// own bookkeeping indefinitely.
const requestTimeout = 2 * time.Minute
