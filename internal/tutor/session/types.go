package session

import (
	"context"
	"time"

	"github.com/haasonsaas/tutor-core/internal/tutor/psm"
	"github.com/haasonsaas/tutor-core/internal/tutor/tutortools"
)

// Role distinguishes who authored a history turn.
type Role string

const (
	RoleUser   Role = "user"
	RoleSystem Role = "system"
)

// HistoryEntry is one append-only turn of Session.history.
type HistoryEntry struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Metrics is Session.metrics, the portion of a Session exposed for
// reporting. QuestionsCorrect and QuestionsAttempted are monotonic
// counters; LastActivity is not.
type Metrics struct {
	StartedAt          time.Time       `json:"started_at"`
	QuestionsAttempted int             `json:"questions_attempted"`
	QuestionsCorrect   int             `json:"questions_correct"`
	TopicsCovered      map[string]bool `json:"topics_covered"`
	LastActivity       time.Time       `json:"last_activity"`
}

// EventKind discriminates the closed set of outbound messages a Session
// emits toward the transport sink.
type EventKind string

const (
	EventSystemMessage EventKind = "system_message"
	EventStateChange   EventKind = "state_change"
	EventError         EventKind = "error"
)

// OutboundEvent is one message emitted toward the current transport sink.
type OutboundEvent struct {
	Kind    EventKind `json:"kind"`
	Content string    `json:"content,omitempty"`
	State   psm.State `json:"state,omitempty"`
}

// Sink is the transport egress contract: a fire-and-forget destination for
// outbound events. Implementations must not block the Session inbox loop;
// Emit should hand off and return.
type Sink interface {
	Emit(event OutboundEvent)
}

// NopSink discards every event; used before a transport has connected.
type NopSink struct{}

// Emit implements Sink.
func (NopSink) Emit(OutboundEvent) {}

// AcceptResult is the outcome of handle_user_message.
type AcceptResult int

const (
	Accepted AcceptResult = iota
	RejectedTerminated
)

// PendingCall records what the Session intended to do with a tool result
// before it arrived.
type PendingCall struct {
	Tool         tutortools.Name
	StartedAt    time.Time
	Deadline     time.Time
	IntentTag    string
	ReplyContext map[string]string
}

// Snapshot is the serializable form of a Session's state, used for the
// persist/restore round trip.
type Snapshot struct {
	LearnerID    string               `json:"learner_id"`
	SessionID    string               `json:"session_id"`
	PSMState     psm.State            `json:"psm_state"`
	Topic        *tutortools.Topic    `json:"topic,omitempty"`
	Question     *tutortools.Question `json:"question,omitempty"`
	History      []HistoryEntry       `json:"history"`
	Metrics      Metrics              `json:"metrics"`
	AttemptCount int                  `json:"attempt_count"`
}

// Store is the persistence collaborator a Session uses to survive process
// restarts. Idempotent by SessionID: persisting the same snapshot twice
// must not duplicate state.
type Store interface {
	Persist(ctx context.Context, snapshot Snapshot) error
	Restore(ctx context.Context, sessionID string) (*Snapshot, bool, error)
}

// NopStore discards every snapshot and never restores anything; used when
// persistence is disabled.
type NopStore struct{}

func (NopStore) Persist(context.Context, Snapshot) error { return nil }
func (NopStore) Restore(context.Context, string) (*Snapshot, bool, error) {
	return nil, false, nil
}
