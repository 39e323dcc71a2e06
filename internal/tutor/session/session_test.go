package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/tutor-core/internal/tutor/psm"
	"github.com/haasonsaas/tutor-core/internal/tutor/tutortools"
)

// recordingSink captures every OutboundEvent for assertions.
type recordingSink struct {
	mu     sync.Mutex
	events []OutboundEvent
}

func (r *recordingSink) Emit(e OutboundEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingSink) systemMessages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		if e.Kind == EventSystemMessage {
			out = append(out, e.Content)
		}
	}
	return out
}

// scriptedSubmitter is a ToolSubmitter test double driven by a per-tool
// handler function, run on its own goroutine that delivers the result
// (mirroring how the real executor eventually calls back, only without the
// concurrency/timeout machinery this package doesn't own).
type scriptedSubmitter struct {
	mu       sync.Mutex
	handlers map[string]func(args json.RawMessage) (json.RawMessage, Outcome, error)
	seq      int
	cancelled map[string]bool
}

func newScriptedSubmitter() *scriptedSubmitter {
	return &scriptedSubmitter{
		handlers:  make(map[string]func(args json.RawMessage) (json.RawMessage, Outcome, error)),
		cancelled: make(map[string]bool),
	}
}

func (s *scriptedSubmitter) on(tool string, fn func(args json.RawMessage) (json.RawMessage, Outcome, error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[tool] = fn
}

func (s *scriptedSubmitter) Submit(ctx context.Context, tool string, args json.RawMessage, deadline time.Duration, deliver func(token string, outcome Outcome, value json.RawMessage, err error)) (string, error) {
	s.mu.Lock()
	s.seq++
	token := fmt.Sprintf("tok-%s-%d", tool, s.seq)
	handler := s.handlers[tool]
	s.mu.Unlock()

	if handler == nil {
		go deliver(token, OutcomeOK, json.RawMessage(`{}`), nil)
		return token, nil
	}

	go func() {
		value, outcome, err := handler(args)
		deliver(token, outcome, value, err)
	}()
	return token, nil
}

func (s *scriptedSubmitter) Cancel(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled[token] = true
}

func mathTopic() tutortools.Topic {
	return tutortools.Topic{ID: "topic-1", Name: "fractions", Tier: 1}
}

func waitForState(t *testing.T, s *Session, want psm.State) Snapshot {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		snap, err := s.GetSnapshot(context.Background())
		if err != nil {
			t.Fatalf("GetSnapshot: %v", err)
		}
		if snap.PSMState == want {
			return snap
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("session never reached state %v", want)
	return Snapshot{}
}

func newTestSession(t *testing.T, tools ToolSubmitter) (*Session, *recordingSink) {
	t.Helper()
	sink := &recordingSink{}
	cfg := DefaultConfig()
	cfg.InactivityTimeout = 0
	s := New("learner-1", "session-1", cfg, tools, NopStore{}, NopObserver{}, NewStaticTopics())
	s.SetSink(sink)
	s.SetTopic(mathTopic())
	s.Start(context.Background())
	waitForState(t, s, psm.Exposition)
	return s, sink
}

// TestHappyPathQuestionToCorrectAnswer covers the primary learning flow:
// request a question, answer correctly, advance toward syllabus completion.
func TestHappyPathQuestionToCorrectAnswer(t *testing.T) {
	tools := newScriptedSubmitter()
	tools.on("generate_question", func(json.RawMessage) (json.RawMessage, Outcome, error) {
		q := tutortools.Question{Text: "What is 1/2 + 1/2?", CorrectAnswer: "1"}
		b, _ := json.Marshal(q)
		return b, OutcomeOK, nil
	})
	tools.on("check_answer", func(args json.RawMessage) (json.RawMessage, Outcome, error) {
		var parsed struct {
			StudentAnswer string `json:"student_answer"`
		}
		_ = json.Unmarshal(args, &parsed)
		res := tutortools.CheckAnswerResult{
			IsCorrect:     parsed.StudentAnswer == "1",
			Feedback:      "Correct!",
			StudentAnswer: parsed.StudentAnswer,
			CorrectAnswer: "1",
		}
		b, _ := json.Marshal(res)
		return b, OutcomeOK, nil
	})

	s, sink := newTestSession(t, tools)

	if res := s.HandleUserMessage("I'm ready for a question"); res != Accepted {
		t.Fatalf("HandleUserMessage = %v, want Accepted", res)
	}
	waitForState(t, s, psm.AwaitingAnswer)

	if res := s.HandleUserMessage("1"); res != Accepted {
		t.Fatalf("HandleUserMessage = %v, want Accepted", res)
	}
	snap := waitForState(t, s, psm.SessionComplete)

	if snap.Metrics.QuestionsCorrect != 1 {
		t.Errorf("QuestionsCorrect = %d, want 1", snap.Metrics.QuestionsCorrect)
	}
	msgs := sink.systemMessages()
	found := false
	for _, m := range msgs {
		if m == "Correct!" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a Correct! system message, got %v", msgs)
	}
}

// TestKnownErrorRemediation covers the remediation flow: an incorrect
// answer whose diagnose_error result is classified Known routes through
// create_remediation and back to AwaitingAnswer.
func TestKnownErrorRemediation(t *testing.T) {
	tools := newScriptedSubmitter()
	tools.on("generate_question", func(json.RawMessage) (json.RawMessage, Outcome, error) {
		q := tutortools.Question{Text: "What is 2 + 2?", CorrectAnswer: "4"}
		b, _ := json.Marshal(q)
		return b, OutcomeOK, nil
	})
	tools.on("check_answer", func(args json.RawMessage) (json.RawMessage, Outcome, error) {
		res := tutortools.CheckAnswerResult{IsCorrect: false, Feedback: "Not quite.", StudentAnswer: "5", CorrectAnswer: "4"}
		b, _ := json.Marshal(res)
		return b, OutcomeOK, nil
	})
	tools.on("diagnose_error", func(json.RawMessage) (json.RawMessage, Outcome, error) {
		res := tutortools.DiagnosisResult{ErrorIdentified: true, ErrorCategory: "off_by_one", Confidence: 0.9}
		b, _ := json.Marshal(res)
		return b, OutcomeOK, nil
	})
	remediationDelivered := make(chan struct{}, 1)
	tools.on("create_remediation", func(json.RawMessage) (json.RawMessage, Outcome, error) {
		b, _ := json.Marshal(struct {
			Text string `json:"text"`
		}{Text: "Let's recount carefully."})
		select {
		case remediationDelivered <- struct{}{}:
		default:
		}
		return b, OutcomeOK, nil
	})

	s, sink := newTestSession(t, tools)

	s.HandleUserMessage("ready")
	waitForState(t, s, psm.AwaitingAnswer)

	s.HandleUserMessage("5")
	waitForState(t, s, psm.RemediatingKnownError)

	select {
	case <-remediationDelivered:
	case <-time.After(2 * time.Second):
		t.Fatal("create_remediation was never dispatched")
	}

	msgs := sink.systemMessages()
	found := false
	for _, m := range msgs {
		if m == "Let's recount carefully." {
			found = true
		}
	}
	if !found {
		t.Errorf("expected remediation text in system messages, got %v", msgs)
	}

	// does not auto-advance: stays in RemediatingKnownError until the
	// learner signals readiness.
	time.Sleep(20 * time.Millisecond)
	snap, _ := s.GetSnapshot(context.Background())
	if snap.PSMState != psm.RemediatingKnownError {
		t.Fatalf("state = %v, want RemediatingKnownError (no auto-advance)", snap.PSMState)
	}

	s.HandleUserMessage("ready")
	waitForState(t, s, psm.AwaitingAnswer)
}

// TestUnknownErrorGuidance covers the guidance flow: a low-confidence
// diagnosis routes through a Socratic prompt into GuidingStudent, and an
// understanding signal returns the learner to AwaitingAnswer.
func TestUnknownErrorGuidance(t *testing.T) {
	tools := newScriptedSubmitter()
	tools.on("generate_question", func(json.RawMessage) (json.RawMessage, Outcome, error) {
		q := tutortools.Question{Text: "Simplify 4/8.", CorrectAnswer: "1/2"}
		b, _ := json.Marshal(q)
		return b, OutcomeOK, nil
	})
	tools.on("check_answer", func(json.RawMessage) (json.RawMessage, Outcome, error) {
		res := tutortools.CheckAnswerResult{IsCorrect: false, StudentAnswer: "2/4", CorrectAnswer: "1/2"}
		b, _ := json.Marshal(res)
		return b, OutcomeOK, nil
	})
	tools.on("diagnose_error", func(json.RawMessage) (json.RawMessage, Outcome, error) {
		res := tutortools.DiagnosisResult{ErrorIdentified: false, Confidence: 0.1}
		b, _ := json.Marshal(res)
		return b, OutcomeOK, nil
	})
	tools.on("provide_hint", func(json.RawMessage) (json.RawMessage, Outcome, error) {
		b, _ := json.Marshal(struct {
			Text string `json:"text"`
		}{Text: "Think about common factors."})
		return b, OutcomeOK, nil
	})

	s, _ := newTestSession(t, tools)

	s.HandleUserMessage("ready")
	waitForState(t, s, psm.AwaitingAnswer)

	s.HandleUserMessage("2/4")
	waitForState(t, s, psm.GuidingStudent)

	s.HandleUserMessage("not sure, can you help")
	// still in GuidingStudent: no understanding signal yet, a hint was dispatched
	time.Sleep(20 * time.Millisecond)
	snap, _ := s.GetSnapshot(context.Background())
	if snap.PSMState != psm.GuidingStudent {
		t.Fatalf("state = %v, want GuidingStudent", snap.PSMState)
	}

	s.HandleUserMessage("ok I understand now")
	waitForState(t, s, psm.AwaitingAnswer)
}

// TestToolTimeoutFallsBackDeterministically checks that a generate_question
// call which never resolves OK still produces a usable question via the
// deterministic fallback.
func TestToolTimeoutFallsBackDeterministically(t *testing.T) {
	tools := newScriptedSubmitter()
	tools.on("generate_question", func(json.RawMessage) (json.RawMessage, Outcome, error) {
		return nil, OutcomeTimeout, errors.New("deadline exceeded")
	})

	s, sink := newTestSession(t, tools)

	s.HandleUserMessage("give me a question")
	waitForState(t, s, psm.AwaitingAnswer)

	msgs := sink.systemMessages()
	if len(msgs) == 0 || msgs[len(msgs)-1] != "Solve this problem related to fractions. What is 7 + 8?" {
		t.Errorf("expected fallback question text, got %v", msgs)
	}
}

// TestHandleUserMessageRejectedAfterShutdown covers the termination
// contract: once a Session has shut down, new messages are rejected rather
// than silently dropped.
func TestHandleUserMessageRejectedAfterShutdown(t *testing.T) {
	tools := newScriptedSubmitter()
	s, _ := newTestSession(t, tools)

	s.RequestShutdown(true)
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session never terminated")
	}

	if res := s.HandleUserMessage("hello"); res != RejectedTerminated {
		t.Errorf("HandleUserMessage after shutdown = %v, want RejectedTerminated", res)
	}
}

// TestLateToolResultAfterStateMovedOnIsIgnored covers idempotent delivery:
// a stray ToolResult for a token the Session has already forgotten must not
// panic or corrupt state.
func TestLateToolResultAfterStateMovedOnIsIgnored(t *testing.T) {
	tools := newScriptedSubmitter()
	s, _ := newTestSession(t, tools)

	s.deliverToolResult("no-such-token", OutcomeOK, json.RawMessage(`{}`), nil)

	time.Sleep(20 * time.Millisecond)
	snap, _ := s.GetSnapshot(context.Background())
	if snap.PSMState != psm.Exposition {
		t.Errorf("state = %v, want unchanged Exposition", snap.PSMState)
	}
}

// TestSnapshotRoundTripShape exercises GetSnapshot/JSON marshaling, the
// shape the store persists and restores.
func TestSnapshotRoundTripShape(t *testing.T) {
	tools := newScriptedSubmitter()
	s, _ := newTestSession(t, tools)

	snap, err := s.GetSnapshot(context.Background())
	if err != nil {
		t.Fatalf("GetSnapshot: %v", err)
	}
	b, err := json.Marshal(snap)
	if err != nil {
		t.Fatalf("marshal snapshot: %v", err)
	}
	var roundTripped Snapshot
	if err := json.Unmarshal(b, &roundTripped); err != nil {
		t.Fatalf("unmarshal snapshot: %v", err)
	}
	if roundTripped.SessionID != snap.SessionID || roundTripped.PSMState != snap.PSMState {
		t.Errorf("round trip mismatch: got %+v, want %+v", roundTripped, snap)
	}
}

// TestRestoreFromSettingQuestionReDispatches covers the one restore case
// with enough persisted data (topic) to re-issue its entry action exactly,
// rather than stepping back to a safe predecessor state.
func TestRestoreFromSettingQuestionReDispatches(t *testing.T) {
	tools := newScriptedSubmitter()
	var generated int
	tools.on("generate_question", func(json.RawMessage) (json.RawMessage, Outcome, error) {
		generated++
		q := tutortools.Question{Text: "What is 2 + 2?", CorrectAnswer: "4"}
		b, _ := json.Marshal(q)
		return b, OutcomeOK, nil
	})

	snap := Snapshot{
		LearnerID: "learner-restore-1",
		SessionID: "session-restore-1",
		PSMState:  psm.SettingQuestion,
		Topic:     &tutortools.Topic{ID: "topic-1", Name: "arithmetic"},
	}
	sink := &recordingSink{}
	cfg := DefaultConfig()
	cfg.InactivityTimeout = 0
	s := Restore(cfg, tools, NopStore{}, NopObserver{}, NewStaticTopics(), snap)
	s.SetSink(sink)
	s.Start(context.Background())

	waitForState(t, s, psm.AwaitingAnswer)
	if generated == 0 {
		t.Error("expected generate_question to be re-dispatched on restore")
	}
}

// TestRestoreFromEvaluatingAnswerFallsBackToAwaitingAnswer covers a lock
// state: the in-flight check_answer call (and the student's answer text)
// died with the old process, so restore steps back to AwaitingAnswer rather
// than stalling forever with no result to wait for.
func TestRestoreFromEvaluatingAnswerFallsBackToAwaitingAnswer(t *testing.T) {
	tools := newScriptedSubmitter()
	snap := Snapshot{
		LearnerID: "learner-restore-2",
		SessionID: "session-restore-2",
		PSMState:  psm.EvaluatingAnswer,
		Topic:     &tutortools.Topic{ID: "topic-1", Name: "arithmetic"},
		Question:  &tutortools.Question{Text: "What is 2 + 2?", CorrectAnswer: "4"},
	}
	sink := &recordingSink{}
	cfg := DefaultConfig()
	cfg.InactivityTimeout = 0
	s := Restore(cfg, tools, NopStore{}, NopObserver{}, NewStaticTopics(), snap)
	s.SetSink(sink)
	s.Start(context.Background())

	waitForState(t, s, psm.AwaitingAnswer)

	if res := s.HandleUserMessage("4"); res != Accepted {
		t.Fatalf("HandleUserMessage after restore = %v, want Accepted", res)
	}
}

// TestRestoreOfTerminalSnapshotStaysTerminal checks that recovery never
// fires for a terminal snapshot, since SessionComplete has no recovery
// branch and must remain terminal. (The registry's tryRestore separately
// skips SessionComplete snapshots.)
func TestRestoreOfTerminalSnapshotStaysTerminal(t *testing.T) {
	tools := newScriptedSubmitter()
	snap := Snapshot{
		LearnerID: "learner-restore-3",
		SessionID: "session-restore-3",
		PSMState:  psm.SessionComplete,
	}
	s := Restore(DefaultConfig(), tools, NopStore{}, NopObserver{}, NewStaticTopics(), snap)
	s.Start(context.Background())

	snapshot, err := s.GetSnapshot(context.Background())
	if err != nil {
		t.Fatalf("GetSnapshot: %v", err)
	}
	if snapshot.PSMState != psm.SessionComplete {
		t.Errorf("state = %v, want SessionComplete unchanged", snapshot.PSMState)
	}
}
