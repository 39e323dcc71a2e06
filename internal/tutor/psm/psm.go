// Package psm implements the pedagogical state machine: a pure, deterministic
// transition function over a fixed set of states and events, plus per-state
// metadata describing how the Session should drive that state.
package psm

// State is one node of the pedagogical state machine.
type State string

const (
	Initializing             State = "initializing"
	Exposition                State = "exposition"
	SettingQuestion          State = "setting_question"
	AwaitingAnswer           State = "awaiting_answer"
	EvaluatingAnswer         State = "evaluating_answer"
	ProvidingFeedbackCorrect State = "providing_feedback_correct"
	RemediatingKnownError    State = "remediating_known_error"
	RemediatingUnknownError  State = "remediating_unknown_error"
	GuidingStudent           State = "guiding_student"
	AwaitingToolResult       State = "awaiting_tool_result"
	SessionComplete          State = "session_complete"
)

// Event is a trigger that may advance the machine from one state to another.
type Event string

const (
	EventInitialized          Event = "initialized"
	EventInstructionComplete  Event = "instruction_complete"
	EventQuestionPresented    Event = "question_presented"
	EventAnswerReceived       Event = "answer_received"
	EventAnswerCorrect        Event = "answer_correct"
	EventKnownErrorDetected   Event = "known_error_detected"
	EventUnknownErrorDetected Event = "unknown_error_detected"
	EventGuidanceComplete     Event = "guidance_complete"
	EventRetryQuestion        Event = "retry_question"
	EventNextTopic            Event = "next_topic"
	EventSyllabusComplete     Event = "syllabus_complete"
	EventToolRequested        Event = "tool_requested"
	EventToolCompleted        Event = "tool_completed"
)

// Action names the entry action associated with a state. The Session
// interprets these; the PSM itself never executes them.
type Action string

const (
	ActionNone              Action = ""
	ActionSelectQuestion    Action = "select_question"
	ActionCheckAnswer       Action = "check_answer"
	ActionEmitFeedback      Action = "emit_feedback"
	ActionCreateRemediation Action = "create_remediation"
	ActionSocraticPrompt    Action = "socratic_prompt"
	ActionAwaitTool         Action = "await_tool"
)

// Flow tags the pedagogical pattern a state belongs to, for UI affordances
// and analytics.
type Flow string

const (
	FlowPrimaryLearning Flow = "primary_learning"
	FlowRemediation     Flow = "remediation"
	FlowGuidance        Flow = "guidance"
	FlowTerminal        Flow = "terminal"
)

// ErrInvalidTransition is returned by Transition when (state, event) has no
// entry in the transition table. It is never treated as fatal by callers.
type ErrInvalidTransition struct {
	From  State
	Event Event
}

func (e *ErrInvalidTransition) Error() string {
	return "psm: invalid transition from " + string(e.From) + " on " + string(e.Event)
}

type transitionKey struct {
	state State
	event Event
}

// table is the complete transition table from It is declared once
// and never mutated; Transition only reads from it.
var table = map[transitionKey]State{
	{Initializing, EventInitialized}: Exposition,

	{Exposition, EventInstructionComplete}: SettingQuestion,
	{Exposition, EventToolRequested}:       AwaitingToolResult,

	{SettingQuestion, EventQuestionPresented}: AwaitingAnswer,
	{SettingQuestion, EventToolRequested}:     AwaitingToolResult,

	{AwaitingAnswer, EventAnswerReceived}: EvaluatingAnswer,

	{EvaluatingAnswer, EventAnswerCorrect}:        ProvidingFeedbackCorrect,
	{EvaluatingAnswer, EventKnownErrorDetected}:   RemediatingKnownError,
	{EvaluatingAnswer, EventUnknownErrorDetected}: RemediatingUnknownError,

	{ProvidingFeedbackCorrect, EventNextTopic}:        Exposition,
	{ProvidingFeedbackCorrect, EventSyllabusComplete}: SessionComplete,

	{RemediatingKnownError, EventRetryQuestion}: AwaitingAnswer,

	{RemediatingUnknownError, EventGuidanceComplete}: GuidingStudent,

	{GuidingStudent, EventRetryQuestion}: AwaitingAnswer,

	{AwaitingToolResult, EventToolCompleted}:        Exposition,
	{AwaitingToolResult, EventQuestionPresented}:     AwaitingAnswer,
	{AwaitingToolResult, EventInstructionComplete}:   SettingQuestion,
}

// admissibleEvents is derived from table at init time so valid_events never
// drifts from the transition table itself.
var admissibleEvents = func() map[State][]Event {
	m := make(map[State][]Event)
	for k := range table {
		m[k.state] = append(m[k.state], k.event)
	}
	return m
}()

// entryActions maps each state to the action the Session must perform on
// entry.
var entryActions = map[State]Action{
	Initializing:             ActionNone,
	Exposition:               ActionNone,
	SettingQuestion:          ActionSelectQuestion,
	AwaitingAnswer:           ActionNone,
	EvaluatingAnswer:         ActionCheckAnswer,
	ProvidingFeedbackCorrect: ActionEmitFeedback,
	RemediatingKnownError:    ActionCreateRemediation,
	RemediatingUnknownError:  ActionSocraticPrompt,
	GuidingStudent:           ActionNone,
	AwaitingToolResult:       ActionAwaitTool,
	SessionComplete:          ActionNone,
}

var inputAcceptingStates = map[State]bool{
	AwaitingAnswer:        true,
	GuidingStudent:        true,
	Exposition:            true,
	RemediatingKnownError: true,
}

var toolRequiringStates = map[State]bool{
	EvaluatingAnswer:        true,
	SettingQuestion:         true,
	RemediatingKnownError:   true,
	RemediatingUnknownError: true,
	AwaitingToolResult:      true,
}

var flows = map[State]Flow{
	Initializing:             FlowPrimaryLearning,
	Exposition:               FlowPrimaryLearning,
	SettingQuestion:          FlowPrimaryLearning,
	AwaitingAnswer:           FlowPrimaryLearning,
	EvaluatingAnswer:         FlowPrimaryLearning,
	ProvidingFeedbackCorrect: FlowPrimaryLearning,
	RemediatingKnownError:    FlowRemediation,
	RemediatingUnknownError:  FlowRemediation,
	GuidingStudent:           FlowGuidance,
	AwaitingToolResult:       FlowPrimaryLearning,
	SessionComplete:          FlowTerminal,
}

// Initial returns the state every new Session starts in.
func Initial() State {
	return Initializing
}

// Transition applies event to state and returns the resulting state, or
// *ErrInvalidTransition if the pair is not in the table. Pure: no I/O, no
// logging, no randomness.
func Transition(state State, event Event) (State, error) {
	next, ok := table[transitionKey{state, event}]
	if !ok {
		return "", &ErrInvalidTransition{From: state, Event: event}
	}
	return next, nil
}

// ValidEvents returns the set of events admissible from state. The returned
// slice is a copy; callers may mutate it freely.
func ValidEvents(state State) []Event {
	events := admissibleEvents[state]
	out := make([]Event, len(events))
	copy(out, events)
	return out
}

// EntryAction returns the action the Session must run when it enters state.
func EntryAction(state State) Action {
	return entryActions[state]
}

// AcceptsUserInput reports whether state admits a fresh UserMessage.
func AcceptsUserInput(state State) bool {
	return inputAcceptingStates[state]
}

// RequiresTool reports whether state's entry action dispatches an
// asynchronous tool call.
func RequiresTool(state State) bool {
	return toolRequiringStates[state]
}

// IsTerminal reports whether state has no outgoing transitions.
func IsTerminal(state State) bool {
	return state == SessionComplete
}

// FlowOf returns the pedagogical flow pattern tag for state.
func FlowOf(state State) Flow {
	return flows[state]
}

// IsLockState reports whether state is one of the transient locks that must
// not accept a second concurrent answer-evaluation event while one is
// already in flight.
func IsLockState(state State) bool {
	return state == EvaluatingAnswer || state == AwaitingToolResult
}

// AllStates returns every state known to the machine, in a stable order.
// Useful for exhaustive property-based tests.
func AllStates() []State {
	return []State{
		Initializing, Exposition, SettingQuestion, AwaitingAnswer,
		EvaluatingAnswer, ProvidingFeedbackCorrect, RemediatingKnownError,
		RemediatingUnknownError, GuidingStudent, AwaitingToolResult,
		SessionComplete,
	}
}

// AllEvents returns every event known to the machine, in a stable order.
func AllEvents() []Event {
	return []Event{
		EventInitialized, EventInstructionComplete, EventQuestionPresented,
		EventAnswerReceived, EventAnswerCorrect, EventKnownErrorDetected,
		EventUnknownErrorDetected, EventGuidanceComplete, EventRetryQuestion,
		EventNextTopic, EventSyllabusComplete, EventToolRequested,
		EventToolCompleted,
	}
}
