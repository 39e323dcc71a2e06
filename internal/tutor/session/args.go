package session

import (
	"encoding/json"

	"github.com/haasonsaas/tutor-core/internal/tutor/diagnosis"
	"github.com/haasonsaas/tutor-core/internal/tutor/tutortools"
)

// These builders marshal Session state into the exact JSON shapes
// tutortools.Registry.Execute expects for each tool. Marshaling a
// struct of plain fields never fails, so the error is discarded.

func marshal(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}

func generateQuestionArgs(topic tutortools.Topic, history []tutortools.HistoryTurn) json.RawMessage {
	return marshal(struct {
		Topic   tutortools.Topic         `json:"topic"`
		History []tutortools.HistoryTurn `json:"history"`
	}{Topic: topic, History: history})
}

func explainConceptArgs(topic tutortools.Topic, message string, history []tutortools.HistoryTurn) json.RawMessage {
	return marshal(struct {
		Topic   tutortools.Topic         `json:"topic"`
		Message string                   `json:"message"`
		History []tutortools.HistoryTurn `json:"history"`
	}{Topic: topic, Message: message, History: history})
}

func checkAnswerArgs(question tutortools.Question, studentAnswer string) json.RawMessage {
	return marshal(struct {
		Question      tutortools.Question `json:"question"`
		StudentAnswer string              `json:"student_answer"`
	}{Question: question, StudentAnswer: studentAnswer})
}

func diagnoseErrorArgs(question tutortools.Question, result tutortools.CheckAnswerResult) json.RawMessage {
	return marshal(struct {
		Question tutortools.Question   `json:"question"`
		Answer   tutortools.AnswerData `json:"answer_data"`
	}{
		Question: question,
		Answer: tutortools.AnswerData{
			StudentAnswer: result.StudentAnswer,
			CorrectAnswer: result.CorrectAnswer,
			IsCorrect:     result.IsCorrect,
		},
	})
}

func createRemediationArgs(topic tutortools.Topic, diagnosis tutortools.DiagnosisResult) json.RawMessage {
	return marshal(struct {
		Topic     tutortools.Topic           `json:"topic"`
		Diagnosis tutortools.DiagnosisResult `json:"diagnosis"`
	}{Topic: topic, Diagnosis: diagnosis})
}

func provideHintArgs(question tutortools.Question, context string, level diagnosis.Level) json.RawMessage {
	return marshal(struct {
		Question          tutortools.Question `json:"question"`
		Context           string              `json:"context"`
		InterventionLevel diagnosis.Level      `json:"intervention_level,omitempty"`
	}{Question: question, Context: context, InterventionLevel: level})
}
