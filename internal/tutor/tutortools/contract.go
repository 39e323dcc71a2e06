// Package tutortools defines the fixed tool contract the Session Core calls
// through the Tool Executor, plus deterministic fallbacks and a reference
// Anthropic-backed implementation.
// Tools are request/response functions; the asynchronous delivery guarantee
// lives in internal/tutor/executor, not here.
package tutortools

import (
	"context"
	"encoding/json"
)

// Name identifies one of the seven fixed pedagogical tool operations.
type Name string

const (
	GenerateQuestion  Name = "generate_question"
	CheckAnswer       Name = "check_answer"
	DiagnoseError     Name = "diagnose_error"
	CreateRemediation Name = "create_remediation"
	ExplainConcept    Name = "explain_concept"
	ProvideHint       Name = "provide_hint"
	ClassifyIntent    Name = "classify_intent"
)

// AllNames lists every tool the contract defines, in table order.
func AllNames() []Name {
	return []Name{
		GenerateQuestion, CheckAnswer, DiagnoseError, CreateRemediation,
		ExplainConcept, ProvideHint, ClassifyIntent,
	}
}

// Topic is the learning-track descriptor carried on Session.topic.
type Topic struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Tier int    `json:"tier,omitempty"`
}

// Question is the record set on Session.question while a question is open.
type Question struct {
	Text          string `json:"text"`
	CorrectAnswer string `json:"correct_answer"`
	Type          string `json:"type,omitempty"`
	Difficulty    string `json:"difficulty,omitempty"`
	Hint          string `json:"hint,omitempty"`
	Topic         string `json:"topic,omitempty"`
}

// HistoryTurn is the minimal shape of a conversation turn passed to tools
// that want recent context (generate_question, explain_concept,
// classify_intent).
type HistoryTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Intent is one of the fixed classify_intent outcomes.
type Intent string

const (
	IntentRequestQuestion           Intent = "request_question"
	IntentRequestHelp               Intent = "request_help"
	IntentUnderstandingConfirmation Intent = "understanding_confirmation"
	IntentConfusion                 Intent = "confusion"
	IntentAnswerAttempt             Intent = "answer_attempt"
	IntentGeneral                   Intent = "general"
)

// CheckAnswerResult is the semantic output of the check_answer tool.
type CheckAnswerResult struct {
	IsCorrect     bool   `json:"is_correct"`
	Feedback      string `json:"feedback"`
	Explanation   string `json:"explanation"`
	StudentAnswer string `json:"student_answer"`
	CorrectAnswer string `json:"correct_answer"`
}

// DiagnosisResult is the semantic output of the diagnose_error tool. When
// it is reused as the input to create_remediation, InterventionLevel carries
// the attempt-count-driven escalation the Session computed
// (diagnosis.InterventionLevel) so the remediation can be pitched as direct
// as the learner's history of attempts warrants.
type DiagnosisResult struct {
	ErrorIdentified   bool   `json:"error_identified"`
	ErrorCategory     string `json:"error_category"`
	ErrorDescription  string `json:"error_description"`
	Misconception     string `json:"misconception"`
	Confidence        any    `json:"confidence"`
	SuggestedApproach string `json:"suggested_approach"`
	InterventionLevel string `json:"intervention_level,omitempty"`
}

// AnswerData is the input companion to a diagnose_error call.
type AnswerData struct {
	StudentAnswer string `json:"student_answer"`
	CorrectAnswer string `json:"correct_answer"`
	IsCorrect     bool   `json:"is_correct"`
}

// Client is the semantic, typed Tool Client contract. Each method
// is a synchronous request/response function; the executor is responsible
// for running it off the Session's execution context and for timeouts.
type Client interface {
	GenerateQuestion(ctx context.Context, topic Topic, history []HistoryTurn) (Question, error)
	CheckAnswer(ctx context.Context, question Question, studentAnswer string) (CheckAnswerResult, error)
	DiagnoseError(ctx context.Context, question Question, answer AnswerData) (DiagnosisResult, error)
	CreateRemediation(ctx context.Context, topic Topic, diagnosis DiagnosisResult) (string, error)
	ExplainConcept(ctx context.Context, topic Topic, message string, history []HistoryTurn) (string, error)
	ProvideHint(ctx context.Context, question Question, context string) (string, error)
	ClassifyIntent(ctx context.Context, message string, history []HistoryTurn) (Intent, error)
}

// Registry adapts a typed Client to the name+JSON dispatch shape the
// ToolExecutor operates on (mirrors internal/agent.ToolRegistry.Execute).
type Registry struct {
	client Client
}

// NewRegistry wraps client for dispatch by tool Name and JSON arguments.
func NewRegistry(client Client) *Registry {
	return &Registry{client: client}
}

// Execute validates input against the tool's schema, dispatches to the
// matching Client method, and marshals the typed result back to JSON.
func (r *Registry) Execute(ctx context.Context, name Name, input json.RawMessage) (json.RawMessage, error) {
	if err := ValidateInput(name, input); err != nil {
		return nil, err
	}

	switch name {
	case GenerateQuestion:
		var args struct {
			Topic   Topic         `json:"topic"`
			History []HistoryTurn `json:"history"`
		}
		if err := json.Unmarshal(input, &args); err != nil {
			return nil, err
		}
		result, err := r.client.GenerateQuestion(ctx, args.Topic, args.History)
		if err != nil {
			return nil, err
		}
		return json.Marshal(result)

	case CheckAnswer:
		var args struct {
			Question      Question `json:"question"`
			StudentAnswer string   `json:"student_answer"`
		}
		if err := json.Unmarshal(input, &args); err != nil {
			return nil, err
		}
		result, err := r.client.CheckAnswer(ctx, args.Question, args.StudentAnswer)
		if err != nil {
			return nil, err
		}
		return json.Marshal(result)

	case DiagnoseError:
		var args struct {
			Question Question   `json:"question"`
			Answer   AnswerData `json:"answer_data"`
		}
		if err := json.Unmarshal(input, &args); err != nil {
			return nil, err
		}
		result, err := r.client.DiagnoseError(ctx, args.Question, args.Answer)
		if err != nil {
			return nil, err
		}
		return json.Marshal(result)

	case CreateRemediation:
		var args struct {
			Topic     Topic           `json:"topic"`
			Diagnosis DiagnosisResult `json:"diagnosis"`
		}
		if err := json.Unmarshal(input, &args); err != nil {
			return nil, err
		}
		text, err := r.client.CreateRemediation(ctx, args.Topic, args.Diagnosis)
		if err != nil {
			return nil, err
		}
		return json.Marshal(struct {
			Text string `json:"text"`
		}{Text: text})

	case ExplainConcept:
		var args struct {
			Topic   Topic         `json:"topic"`
			Message string        `json:"message"`
			History []HistoryTurn `json:"history"`
		}
		if err := json.Unmarshal(input, &args); err != nil {
			return nil, err
		}
		text, err := r.client.ExplainConcept(ctx, args.Topic, args.Message, args.History)
		if err != nil {
			return nil, err
		}
		return json.Marshal(struct {
			Text string `json:"text"`
		}{Text: text})

	case ProvideHint:
		var args struct {
			Question          Question `json:"question"`
			Context           string   `json:"context"`
			InterventionLevel string   `json:"intervention_level,omitempty"`
		}
		if err := json.Unmarshal(input, &args); err != nil {
			return nil, err
		}
		text, err := r.client.ProvideHint(ctx, args.Question, args.Context)
		if err != nil {
			return nil, err
		}
		return json.Marshal(struct {
			Text string `json:"text"`
		}{Text: text})

	case ClassifyIntent:
		var args struct {
			Message string        `json:"message"`
			History []HistoryTurn `json:"history"`
		}
		if err := json.Unmarshal(input, &args); err != nil {
			return nil, err
		}
		intent, err := r.client.ClassifyIntent(ctx, args.Message, args.History)
		if err != nil {
			return nil, err
		}
		return json.Marshal(struct {
			Intent Intent `json:"intent"`
		}{Intent: intent})

	default:
		return nil, &UnknownToolError{Name: name}
	}
}

// UnknownToolError is returned when Execute is asked for a tool name outside
// the seven names AllNames lists.
type UnknownToolError struct {
	Name Name
}

func (e *UnknownToolError) Error() string {
	return "tutortools: unknown tool " + string(e.Name)
}
