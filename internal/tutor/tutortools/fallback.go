package tutortools

import (
	"fmt"
	"strings"
)

// Fallbacks are part of the user-visible contract: every tool has a
// documented, deterministic degraded response the Session can use when a
// call returns ToolError or ToolTimeout instead of stalling the learner.

// FallbackQuestion returns a deterministic question used when
// generate_question times out or errors.
func FallbackQuestion(topic Topic) Question {
	name := topic.Name
	if name == "" {
		name = "this topic"
	}
	return Question{
		Text:          fmt.Sprintf("Solve this problem related to %s. What is 7 + 8?", name),
		CorrectAnswer: "15",
		Type:          "arithmetic",
		Difficulty:    "easy",
		Topic:         topic.ID,
	}
}

// FallbackCheckAnswer implements the simple string-equality fallback used
// when check_answer is unavailable.
func FallbackCheckAnswer(question Question, studentAnswer string) CheckAnswerResult {
	normalized := strings.TrimSpace(strings.ToLower(studentAnswer))
	expected := strings.TrimSpace(strings.ToLower(question.CorrectAnswer))
	correct := normalized != "" && normalized == expected

	feedback := "That's not quite right."
	if correct {
		feedback = "Correct!"
	}
	return CheckAnswerResult{
		IsCorrect:     correct,
		Feedback:      feedback,
		StudentAnswer: studentAnswer,
		CorrectAnswer: question.CorrectAnswer,
	}
}

// FallbackDiagnosis returns an Unknown diagnosis: without the tool, the
// Session cannot identify the misconception, so it falls back to the
// guidance flow rather than guessing a category.
func FallbackDiagnosis() DiagnosisResult {
	return DiagnosisResult{
		ErrorIdentified: false,
		Confidence:      0.0,
	}
}

// FallbackRemediation is the canned remediation text used when
// create_remediation is unavailable.
func FallbackRemediation(topic Topic) string {
	name := topic.Name
	if name == "" {
		name = "this topic"
	}
	return fmt.Sprintf("Let's slow down and review %s step by step. Try working through the problem again, one step at a time.", name)
}

// FallbackExplanation is the canned response used when explain_concept is
// unavailable.
func FallbackExplanation(topic Topic) string {
	name := topic.Name
	if name == "" {
		name = "this topic"
	}
	return fmt.Sprintf("I'm having trouble generating a detailed explanation right now. In short, %s builds on ideas you've already seen — try restating the question in your own words and we'll work through it together.", name)
}

// FallbackHint is the canned response used when provide_hint is
// unavailable.
func FallbackHint(question Question) string {
	if question.Hint != "" {
		return question.Hint
	}
	return "Try breaking the problem into smaller steps and double-check each one."
}

// FallbackIntent classifies intent by keyword when classify_intent is
// unavailable, matching the local-heuristic option a Session falls back to
// while in Exposition.
func FallbackIntent(message string) Intent {
	m := strings.ToLower(strings.TrimSpace(message))
	switch {
	case containsAny(m, "question", "quiz", "practice", "ready"):
		return IntentRequestQuestion
	case containsAny(m, "help", "hint", "stuck"):
		return IntentRequestHelp
	case containsAny(m, "ok", "got it", "i see", "understand", "makes sense"):
		return IntentUnderstandingConfirmation
	case containsAny(m, "confused", "don't get", "dont get", "lost"):
		return IntentConfusion
	default:
		return IntentGeneral
	}
}

func containsAny(s string, substrings ...string) bool {
	for _, sub := range substrings {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// SignalsUnderstanding reports whether a user message, matched by keyword,
// signals the learner is ready to retry the question — used while
// GuidingStudent or a remediation state is waiting on a reply.
func SignalsUnderstanding(message string) bool {
	m := strings.ToLower(strings.TrimSpace(message))
	return containsAny(m, "ok", "okay", "got it", "i see", "ready", "understand")
}
