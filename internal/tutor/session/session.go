// Package session implements the per-learner Session actor: a
// single-consumer inbox loop that owns one learner's conversation and PSM
// state, dispatches tool calls through a ToolSubmitter without ever
// blocking on them, and emits outbound messages to a transport Sink.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/haasonsaas/tutor-core/internal/tutor/diagnosis"
	"github.com/haasonsaas/tutor-core/internal/tutor/psm"
	"github.com/haasonsaas/tutor-core/internal/tutor/tutortools"
)

// Outcome mirrors executor.Outcome without importing the executor package,
// keeping session testable against any ToolSubmitter implementation.
type Outcome string

const (
	OutcomeOK        Outcome = "ok"
	OutcomeErr       Outcome = "err"
	OutcomeTimeout   Outcome = "timeout"
	OutcomeCancelled Outcome = "cancelled"
)

// ToolResult is what a ToolSubmitter eventually delivers for a submitted
// token.
type ToolResult struct {
	Token   string
	Outcome Outcome
	Value   json.RawMessage
	Err     error
}

// ToolSubmitter is the subset of the tool executor's contract a Session
// depends on. internal/tutor/executor.Executor satisfies this via
// NewExecutorAdapter.
type ToolSubmitter interface {
	Submit(ctx context.Context, tool string, args json.RawMessage, deadline time.Duration, deliver func(token string, outcome Outcome, value json.RawMessage, err error)) (string, error)
	Cancel(token string)
}

// Observer receives best-effort notifications for metrics/logging. All
// methods must be safe to call from the Session's own goroutine and must
// not block it.
type Observer interface {
	StateChanged(learnerID string, from, to psm.State)
	ToolDispatched(learnerID string, tool tutortools.Name)
	ToolResolved(learnerID string, tool tutortools.Name, outcome Outcome, duration time.Duration)
	QuestionAnswered(learnerID string, correct bool)
}

// NopObserver discards every notification.
type NopObserver struct{}

func (NopObserver) StateChanged(string, psm.State, psm.State)                   {}
func (NopObserver) ToolDispatched(string, tutortools.Name)                      {}
func (NopObserver) ToolResolved(string, tutortools.Name, Outcome, time.Duration) {}
func (NopObserver) QuestionAnswered(string, bool)                               {}

// Config configures one Session.
type Config struct {
	ToolDeadline       time.Duration
	InactivityTimeout  time.Duration
	TickPeriod         time.Duration
	HistoryRetained    int
	PersistenceEnabled bool
	InboxCapacity      int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		ToolDeadline:       30 * time.Second,
		InactivityTimeout:  30 * time.Minute,
		TickPeriod:         30 * time.Second,
		HistoryRetained:    200,
		PersistenceEnabled: true,
		InboxCapacity:      64,
	}
}

// Topics supplies the remaining curriculum to a Session. NextTopic returns
// false once the syllabus is exhausted, at which point the Session fires
// syllabus_complete instead of next_topic.
type Topics interface {
	NextTopic() (tutortools.Topic, bool)
}

// StaticTopics is a fixed, ordered curriculum.
type StaticTopics struct {
	remaining []tutortools.Topic
}

// NewStaticTopics builds a Topics that serves topics in order.
func NewStaticTopics(topics ...tutortools.Topic) *StaticTopics {
	cp := make([]tutortools.Topic, len(topics))
	copy(cp, topics)
	return &StaticTopics{remaining: cp}
}

// NextTopic implements Topics.
func (s *StaticTopics) NextTopic() (tutortools.Topic, bool) {
	if len(s.remaining) == 0 {
		return tutortools.Topic{}, false
	}
	next := s.remaining[0]
	s.remaining = s.remaining[1:]
	return next, true
}

// internal inbox event types.
type initEvt struct{}
type userMessageEvt struct{ content string }
type toolResultEvt struct {
	token   string
	outcome Outcome
	value   json.RawMessage
	err     error
}
type tickEvt struct{}
type shutdownEvt struct{ graceful bool }
type setSinkEvt struct{ sink Sink }
type snapshotReqEvt struct{ reply chan Snapshot }
type applyFuncEvt func()

// Session is one per-learner stateful actor.
type Session struct {
	learnerID string
	sessionID string
	cfg       Config
	logger    *slog.Logger

	tools    ToolSubmitter
	store    Store
	observer Observer
	topics   Topics

	inbox chan any
	done  chan struct{}

	// Owned exclusively by the actor goroutine; never touched from outside it.
	state        psm.State
	topic        *tutortools.Topic
	question     *tutortools.Question
	history      []HistoryEntry
	pending      map[string]PendingCall
	metrics      Metrics
	attemptCount int
	// interventionLevel is the current escalation level of guidance for the
	// active question: set from attemptCount when an error (known or unknown)
	// is diagnosed, then escalated via diagnosis.NextInterventionLevel on each subsequent
	// hint the learner still doesn't understand, rather than recomputed.
	interventionLevel diagnosis.Level
	sink              Sink
	terminated        bool
}

// New constructs a Session in the Initializing state. Call Start to launch
// its inbox loop.
func New(learnerID, sessionID string, cfg Config, tools ToolSubmitter, store Store, observer Observer, topics Topics) *Session {
	if store == nil {
		store = NopStore{}
	}
	if observer == nil {
		observer = NopObserver{}
	}
	now := time.Now()
	return &Session{
		learnerID: learnerID,
		sessionID: sessionID,
		cfg:       cfg,
		logger:    slog.Default().With("component", "tutor.session", "learner_id", learnerID),
		tools:     tools,
		store:     store,
		observer:  observer,
		topics:    topics,
		inbox:     make(chan any, maxInt(cfg.InboxCapacity, 1)),
		done:      make(chan struct{}),
		state:     psm.Initial(),
		history:   nil,
		pending:   make(map[string]PendingCall),
		metrics: Metrics{
			StartedAt:     now,
			TopicsCovered: make(map[string]bool),
			LastActivity:  now,
		},
		sink: NopSink{},
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Restore constructs a Session pre-seeded from a previously persisted
// Snapshot instead of starting fresh at Initializing. Used by the Registry
// when StartForLearner finds a non-terminal snapshot from the learner's
// prior Session, however that Session ended. Like New, the
// returned Session is inert until Start is called.
func Restore(cfg Config, tools ToolSubmitter, store Store, observer Observer, topics Topics, snap Snapshot) *Session {
	s := New(snap.LearnerID, snap.SessionID, cfg, tools, store, observer, topics)
	s.state = snap.PSMState
	s.topic = snap.Topic
	s.question = snap.Question
	s.attemptCount = snap.AttemptCount
	s.history = append([]HistoryEntry(nil), snap.History...)
	s.metrics = snap.Metrics
	if s.metrics.TopicsCovered == nil {
		s.metrics.TopicsCovered = make(map[string]bool)
	}
	return s
}

// Start launches the single-consumer inbox loop. A freshly constructed
// Session (New) advances from Initializing into Exposition on the implicit
// initialized event; a restored Session (Restore) is already past
// Initializing, so the initial event instead triggers restore recovery
// for any tool-requiring state whose in-flight call died with the prior
// process.
func (s *Session) Start(ctx context.Context) {
	go s.run(ctx)
	s.inbox <- initEvt{}
}

// HandleUserMessage enqueues content for processing and returns immediately.
// Rejected only once the Session has terminated.
func (s *Session) HandleUserMessage(content string) AcceptResult {
	select {
	case <-s.done:
		return RejectedTerminated
	default:
	}
	select {
	case s.inbox <- userMessageEvt{content: content}:
		return Accepted
	case <-s.done:
		return RejectedTerminated
	}
}

// SetSink reassigns the transport sink (e.g. on reconnect) via the inbox so
// it never races with Emit calls made from within the loop.
func (s *Session) SetSink(sink Sink) {
	select {
	case s.inbox <- setSinkEvt{sink: sink}:
	case <-s.done:
	}
}

// Tick enqueues a periodic housekeeping event (persistence + inactivity
// check). Safe to call from an external scheduler at any rate.
func (s *Session) Tick() {
	select {
	case s.inbox <- tickEvt{}:
	case <-s.done:
	}
}

// RequestShutdown enqueues a shutdown command.
func (s *Session) RequestShutdown(graceful bool) {
	select {
	case s.inbox <- shutdownEvt{graceful: graceful}:
	case <-s.done:
	}
}

// Done reports when the Session's inbox loop has exited.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// GetSnapshot is a read-only inbox operation: introspection goes through
// the same single-consumer inbox as every state mutation. It blocks the
// caller, not the Session — the Session's own loop never waits on anything.
func (s *Session) GetSnapshot(ctx context.Context) (Snapshot, error) {
	reply := make(chan Snapshot, 1)
	select {
	case s.inbox <- snapshotReqEvt{reply: reply}:
	case <-s.done:
		return s.snapshotLocked(), nil
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
	select {
	case snap := <-reply:
		return snap, nil
	case <-s.done:
		return Snapshot{}, nil
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

// deliverToolResult is how a ToolSubmitter hands a terminal result back: it
// is posted onto the Session's own inbox so processing always happens on
// the single-consumer loop, never on the executor's goroutine.
func (s *Session) deliverToolResult(token string, outcome Outcome, value json.RawMessage, err error) {
	select {
	case s.inbox <- toolResultEvt{token: token, outcome: outcome, value: value, err: err}:
	case <-s.done:
	}
}

func (s *Session) run(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case raw := <-s.inbox:
			if s.handleEvent(ctx, raw) {
				return
			}
		case <-ctx.Done():
			s.shutdown(ctx, false)
			return
		}
	}
}

// handleEvent processes one inbox item. It returns true once the loop
// should exit. A panic while handling the item is recovered and logged, and
// the loop keeps running.
func (s *Session) handleEvent(ctx context.Context, raw any) (exit bool) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("session event handler panicked", "panic", rec)
			exit = false
		}
	}()

	switch evt := raw.(type) {
	case initEvt:
		if s.state == psm.Initializing {
			s.transitionTo(psm.EventInitialized)
		} else {
			s.recoverFromRestore(ctx)
		}

	case applyFuncEvt:
		evt()

	case userMessageEvt:
		s.onUserMessage(ctx, evt.content)

	case toolResultEvt:
		s.onToolResult(ctx, evt)

	case tickEvt:
		s.onTick(ctx)

	case setSinkEvt:
		s.sink = evt.sink

	case snapshotReqEvt:
		select {
		case evt.reply <- s.snapshotLocked():
		default:
		}

	case shutdownEvt:
		s.shutdown(ctx, evt.graceful)
		return true
	}
	return false
}

// onUserMessage implements the per-message processing algorithm.
func (s *Session) onUserMessage(ctx context.Context, content string) {
	s.appendHistory(RoleUser, content)

	if !psm.AcceptsUserInput(s.state) {
		s.emitSystem("Still working on that — one moment.")
		return
	}

	switch s.state {
	case psm.Exposition:
		s.handleExposition(ctx, content)
	case psm.AwaitingAnswer:
		s.handleAwaitingAnswer(ctx, content)
	case psm.GuidingStudent:
		s.handleGuidingStudent(ctx, content)
	case psm.RemediatingKnownError:
		s.handleRemediatingKnownError(content)
	}
}

func (s *Session) handleExposition(ctx context.Context, content string) {
	intent := tutortools.FallbackIntent(content)

	switch {
	case intent == tutortools.IntentRequestQuestion && s.topic != nil:
		if s.transitionTo(psm.EventInstructionComplete) {
			s.dispatchTool(ctx, tutortools.GenerateQuestion, generateQuestionArgs(*s.topic, s.recentHistory()), "generate_question", nil)
		}
	case intent == tutortools.IntentRequestHelp:
		if s.transitionTo(psm.EventToolRequested) {
			s.dispatchTool(ctx, tutortools.ExplainConcept, explainConceptArgs(s.currentTopic(), content, s.recentHistory()), "explain_concept", nil)
		}
	default:
		if s.transitionTo(psm.EventToolRequested) {
			s.dispatchTool(ctx, tutortools.ExplainConcept, explainConceptArgs(s.currentTopic(), content, s.recentHistory()), "explain_concept_general", nil)
		}
	}
}

func (s *Session) handleAwaitingAnswer(ctx context.Context, content string) {
	if !s.transitionTo(psm.EventAnswerReceived) {
		return
	}
	if s.question == nil {
		s.logger.Error("entered EvaluatingAnswer with no active question")
		return
	}
	s.attemptCount++
	s.dispatchTool(ctx, tutortools.CheckAnswer, checkAnswerArgs(*s.question, content), "check_answer", map[string]string{"student_answer": content})
}

func (s *Session) handleGuidingStudent(ctx context.Context, content string) {
	if tutortools.SignalsUnderstanding(content) {
		s.transitionTo(psm.EventRetryQuestion)
		return
	}
	if s.question == nil {
		return
	}
	if s.interventionLevel == "" {
		s.interventionLevel = diagnosis.InterventionLevel(s.attemptCount, diagnosis.DefaultConfidence)
	} else if next, ok := diagnosis.NextInterventionLevel(s.interventionLevel); ok {
		s.interventionLevel = next
	}
	s.dispatchTool(ctx, tutortools.ProvideHint, provideHintArgs(*s.question, content, s.interventionLevel), "provide_hint", nil)
}

// handleRemediatingKnownError reacts to the learner's reply to the
// remediation text: a readiness signal issues retry_question back to
// AwaitingAnswer; any other message keeps the state and the sub-dialogue
// continues without a further tool dispatch.
func (s *Session) handleRemediatingKnownError(content string) {
	if tutortools.SignalsUnderstanding(content) {
		s.transitionTo(psm.EventRetryQuestion)
	}
}

// onToolResult looks up pending[token] and, if absent, drops the result
// silently — a late delivery for a call the session already moved past.
func (s *Session) onToolResult(ctx context.Context, evt toolResultEvt) {
	call, ok := s.pending[evt.token]
	if !ok {
		return
	}
	delete(s.pending, evt.token)

	duration := time.Since(call.StartedAt)
	s.observer.ToolResolved(s.learnerID, call.Tool, evt.outcome, duration)

	if evt.outcome != OutcomeOK {
		s.handleDegradedToolResult(ctx, call, evt)
		return
	}

	switch call.IntentTag {
	case "generate_question":
		s.onGenerateQuestionResult(evt.value)
	case "check_answer":
		s.onCheckAnswerResult(ctx, evt.value, call)
	case "diagnose_error":
		s.onDiagnoseErrorResult(ctx, evt.value)
	case "create_remediation":
		// Does not auto-advance: the Session stays in RemediatingKnownError
		// and waits for a user message before issuing retry_question.
		s.onTextResult(evt.value)
	case "explain_concept", "explain_concept_general":
		s.onTextResult(evt.value)
		s.transitionTo(psm.EventToolCompleted)
	case "provide_hint":
		s.onTextResult(evt.value)
	}
}

// handleDegradedToolResult applies the ToolError/ToolTimeout/ToolCancelled
// policy: emit a degraded notice and fall back to the deterministic
// per-tool contract rather than stalling the learner.
func (s *Session) handleDegradedToolResult(ctx context.Context, call PendingCall, evt toolResultEvt) {
	if evt.outcome == OutcomeCancelled {
		return // silent no-op
	}

	s.logger.Warn("tool call degraded", "tool", call.Tool, "outcome", evt.outcome, "err", evt.err)

	switch call.IntentTag {
	case "generate_question":
		topic := s.currentTopic()
		fallback := tutortools.FallbackQuestion(topic)
		s.setQuestion(fallback)
		s.emitSystem(fallback.Text)
		s.transitionTo(psm.EventQuestionPresented)

	case "check_answer":
		studentAnswer := call.ReplyContext["student_answer"]
		if s.question == nil {
			return
		}
		result := tutortools.FallbackCheckAnswer(*s.question, studentAnswer)
		s.applyCheckAnswer(ctx, result)

	case "diagnose_error":
		s.applyDiagnosis(ctx, diagnosis.ClassifyDiagnosis(diagnosis.RawDiagnosis{ErrorIdentified: false}))

	case "create_remediation":
		s.emitSystem(tutortools.FallbackRemediation(s.currentTopic()))

	case "explain_concept", "explain_concept_general":
		s.emitSystem(tutortools.FallbackExplanation(s.currentTopic()))
		s.transitionTo(psm.EventToolCompleted)

	case "provide_hint":
		if s.question != nil {
			s.emitSystem(tutortools.FallbackHint(*s.question))
		}
	}
}

func (s *Session) onGenerateQuestionResult(value json.RawMessage) {
	var q tutortools.Question
	if err := json.Unmarshal(value, &q); err != nil {
		s.emitSystem(tutortools.FallbackQuestion(s.currentTopic()).Text)
		s.transitionTo(psm.EventQuestionPresented)
		return
	}
	s.setQuestion(q)
	s.emitSystem(q.Text)
	s.transitionTo(psm.EventQuestionPresented)
}

func (s *Session) setQuestion(q tutortools.Question) {
	s.question = &q
	s.attemptCount = 0
	s.interventionLevel = ""
	if s.topic != nil {
		s.metrics.TopicsCovered[s.topic.ID] = true
	}
}

func (s *Session) onCheckAnswerResult(ctx context.Context, value json.RawMessage, call PendingCall) {
	var result tutortools.CheckAnswerResult
	if err := json.Unmarshal(value, &result); err != nil {
		studentAnswer := call.ReplyContext["student_answer"]
		if s.question != nil {
			result = tutortools.FallbackCheckAnswer(*s.question, studentAnswer)
		}
	}
	s.applyCheckAnswer(ctx, result)
}

func (s *Session) applyCheckAnswer(ctx context.Context, result tutortools.CheckAnswerResult) {
	s.metrics.QuestionsAttempted++
	s.observer.QuestionAnswered(s.learnerID, result.IsCorrect)

	if result.IsCorrect {
		s.metrics.QuestionsCorrect++
		s.transitionTo(psm.EventAnswerCorrect)
		if result.Feedback != "" {
			s.emitSystem(result.Feedback)
		} else {
			s.emitSystem("Correct!")
		}
		s.advanceAfterCorrectAnswer()
		return
	}

	if result.Feedback != "" {
		s.emitSystem(result.Feedback)
	}
	if s.question == nil {
		return
	}
	s.dispatchTool(ctx, tutortools.DiagnoseError, diagnoseErrorArgs(*s.question, result), "diagnose_error", nil)
}

func (s *Session) advanceAfterCorrectAnswer() {
	s.question = nil
	if s.topics == nil {
		s.transitionTo(psm.EventSyllabusComplete)
		return
	}
	next, ok := s.topics.NextTopic()
	if !ok {
		s.transitionTo(psm.EventSyllabusComplete)
		return
	}
	s.topic = &next
	s.transitionTo(psm.EventNextTopic)
	s.emitSystem(fmt.Sprintf("Let's move on to %s.", next.Name))
}

func (s *Session) onDiagnoseErrorResult(ctx context.Context, value json.RawMessage) {
	var raw tutortools.DiagnosisResult
	if err := json.Unmarshal(value, &raw); err != nil {
		raw = tutortools.DiagnosisResult{ErrorIdentified: false}
	}
	s.applyDiagnosis(ctx, diagnosis.ClassifyDiagnosis(diagnosis.RawDiagnosis{
		ErrorIdentified:   raw.ErrorIdentified,
		ErrorCategory:     raw.ErrorCategory,
		SuggestedApproach: raw.SuggestedApproach,
		Confidence:        raw.Confidence,
	}))
}

func (s *Session) applyDiagnosis(ctx context.Context, result diagnosis.Result) {
	if result.Category == diagnosis.CategoryKnown {
		s.transitionTo(psm.EventKnownErrorDetected)
		level := diagnosis.InterventionLevel(s.attemptCount, result.Confidence)
		s.interventionLevel = level
		diagResult := tutortools.DiagnosisResult{
			ErrorIdentified:   true,
			ErrorCategory:     result.ErrorCategory,
			SuggestedApproach: result.RemediationHint,
			Confidence:        result.Confidence,
			InterventionLevel: string(level),
		}
		s.dispatchTool(ctx, tutortools.CreateRemediation, createRemediationArgs(s.currentTopic(), diagResult), "create_remediation", nil)
		return
	}

	s.transitionTo(psm.EventUnknownErrorDetected)
	s.interventionLevel = diagnosis.InterventionLevel(s.attemptCount, result.Confidence)
	s.emitSystem(socraticPrompt(s.currentTopic()))
	s.transitionTo(psm.EventGuidanceComplete)
}

// socraticPrompt is the canned, deterministic unknown-error prompt: a
// guiding question rather than a direct tool call.
func socraticPrompt(topic tutortools.Topic) string {
	name := topic.Name
	if name == "" {
		name = "this"
	}
	return fmt.Sprintf("Before we try again, can you walk me through how you approached this %s problem?", name)
}

func (s *Session) onTextResult(value json.RawMessage) {
	var payload struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(value, &payload); err == nil && payload.Text != "" {
		s.emitSystem(payload.Text)
		return
	}
	var raw string
	if err := json.Unmarshal(value, &raw); err == nil && raw != "" {
		s.emitSystem(raw)
	}
}

func (s *Session) onTick(ctx context.Context) {
	if s.cfg.InactivityTimeout > 0 && time.Since(s.metrics.LastActivity) >= s.cfg.InactivityTimeout {
		s.shutdown(ctx, true)
		return
	}
	if s.cfg.PersistenceEnabled {
		s.persist(ctx)
	}
}

func (s *Session) shutdown(ctx context.Context, graceful bool) {
	if s.terminated {
		return
	}
	s.terminated = true

	for token := range s.pending {
		s.tools.Cancel(token)
	}

	if graceful && s.cfg.PersistenceEnabled {
		s.persist(ctx)
	}
}

func (s *Session) persist(ctx context.Context) {
	if err := s.store.Persist(ctx, s.snapshotLocked()); err != nil {
		s.logger.Warn("persist failed", "error", err)
	}
}

// transitionTo applies event to the current PSM state. On success it
// updates state, notifies the observer, and emits a StateChange event. On
// failure it logs, emits a generic
// still-processing notice, and leaves state untouched — it is never treated
// as fatal.
func (s *Session) transitionTo(event psm.Event) bool {
	next, err := psm.Transition(s.state, event)
	if err != nil {
		s.logger.Debug("invalid transition", "from", s.state, "event", event)
		s.emitSystem("Still working on that — one moment.")
		return false
	}
	from := s.state
	s.state = next
	s.observer.StateChanged(s.learnerID, from, next)
	s.sink.Emit(OutboundEvent{Kind: EventStateChange, State: next})
	return true
}

// recoverFromRestore runs once, immediately after a restored Session starts
// its inbox loop. pending_tools is always empty on restore — no in-flight
// call survives a process restart — so any lock/tool-requiring state the
// snapshot froze us in has no outstanding result to wait for and would
// otherwise stall forever. Recovery falls back to the nearest state that
// either re-issues its entry action from data the snapshot does carry
// (SettingQuestion: topic), or steps back to the last state that accepts a
// fresh user message, re-prompting rather than guessing at a tool result
// the restart destroyed.
func (s *Session) recoverFromRestore(ctx context.Context) {
	switch s.state {
	case psm.SettingQuestion:
		s.dispatchTool(ctx, tutortools.GenerateQuestion, generateQuestionArgs(s.currentTopic(), s.recentHistory()), "generate_question", nil)

	case psm.EvaluatingAnswer:
		s.state = psm.AwaitingAnswer
		s.emitSystem("Welcome back — let's pick up where we left off. What's your answer?")

	case psm.AwaitingToolResult:
		s.state = psm.Exposition
		s.emitSystem("Welcome back — let's continue.")

	case psm.RemediatingKnownError:
		// accepts_user_input=true: a legitimate resting state, same as
		// GuidingStudent. Just resume in place and re-announce.
		s.emitSystem("Welcome back — let's continue working through that.")

	case psm.RemediatingUnknownError:
		if s.question != nil {
			s.state = psm.AwaitingAnswer
			s.emitSystem("Welcome back — let's try that question again.")
		} else {
			s.state = psm.Exposition
			s.emitSystem("Welcome back — let's continue.")
		}
	}
}

func (s *Session) dispatchTool(ctx context.Context, tool tutortools.Name, args json.RawMessage, intentTag string, replyContext map[string]string) {
	deadline := s.cfg.ToolDeadline
	now := time.Now()

	token, err := s.tools.Submit(ctx, string(tool), args, deadline, s.deliverToolResult)
	if err != nil {
		// Busy/submit-level failure: treat exactly like a ToolError so the
		// learner still gets a timely, deterministic fallback.
		s.handleDegradedToolResult(ctx, PendingCall{Tool: tool, IntentTag: intentTag, ReplyContext: replyContext}, toolResultEvt{outcome: OutcomeErr, err: err})
		return
	}

	s.pending[token] = PendingCall{
		Tool:         tool,
		StartedAt:    now,
		Deadline:     now.Add(deadline),
		IntentTag:    intentTag,
		ReplyContext: replyContext,
	}
	s.observer.ToolDispatched(s.learnerID, tool)
}

func (s *Session) appendHistory(role Role, content string) {
	now := time.Now()
	s.history = append(s.history, HistoryEntry{Role: role, Content: content, Timestamp: now})
	if s.cfg.HistoryRetained > 0 && len(s.history) > s.cfg.HistoryRetained {
		s.history = s.history[len(s.history)-s.cfg.HistoryRetained:]
	}
	s.metrics.LastActivity = now
}

func (s *Session) emitSystem(content string) {
	s.appendHistory(RoleSystem, content)
	s.sink.Emit(OutboundEvent{Kind: EventSystemMessage, Content: content})
}

func (s *Session) currentTopic() tutortools.Topic {
	if s.topic != nil {
		return *s.topic
	}
	return tutortools.Topic{}
}

func (s *Session) recentHistory() []tutortools.HistoryTurn {
	n := len(s.history)
	start := 0
	if n > 10 {
		start = n - 10
	}
	turns := make([]tutortools.HistoryTurn, 0, n-start)
	for _, h := range s.history[start:] {
		turns = append(turns, tutortools.HistoryTurn{Role: string(h.Role), Content: h.Content})
	}
	return turns
}

func (s *Session) snapshotLocked() Snapshot {
	historyCopy := make([]HistoryEntry, len(s.history))
	copy(historyCopy, s.history)

	var topicCopy *tutortools.Topic
	if s.topic != nil {
		t := *s.topic
		topicCopy = &t
	}
	var questionCopy *tutortools.Question
	if s.question != nil {
		q := *s.question
		questionCopy = &q
	}

	topicsCovered := make(map[string]bool, len(s.metrics.TopicsCovered))
	for k, v := range s.metrics.TopicsCovered {
		topicsCovered[k] = v
	}

	return Snapshot{
		LearnerID:    s.learnerID,
		SessionID:    s.sessionID,
		PSMState:     s.state,
		Topic:        topicCopy,
		Question:     questionCopy,
		History:      historyCopy,
		Metrics: Metrics{
			StartedAt:          s.metrics.StartedAt,
			QuestionsAttempted: s.metrics.QuestionsAttempted,
			QuestionsCorrect:   s.metrics.QuestionsCorrect,
			TopicsCovered:      topicsCovered,
			LastActivity:       s.metrics.LastActivity,
		},
		AttemptCount: s.attemptCount,
	}
}

// SetTopic seeds the Session's active topic before the learner starts
// asking for questions. Intended for use immediately after Start, before
// any user message is delivered; like every other mutation it is routed
// through the inbox to stay race-free.
func (s *Session) SetTopic(topic tutortools.Topic) {
	select {
	case s.inbox <- applyFuncEvt(func() { s.topic = &topic }):
	case <-s.done:
	}
}
