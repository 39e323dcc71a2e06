// Package metrics exposes Prometheus instrumentation for the tutoring
// engine, one promauto-registered vector per concern, following the shape
// of internal/observability.Metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/haasonsaas/tutor-core/internal/tutor/psm"
	"github.com/haasonsaas/tutor-core/internal/tutor/session"
	"github.com/haasonsaas/tutor-core/internal/tutor/tutortools"
)

// Metrics holds every Prometheus collector the tutoring engine emits.
type Metrics struct {
	// SessionStateTransitions counts PSM transitions by origin and
	// destination state.
	SessionStateTransitions *prometheus.CounterVec

	// ActiveSessions is a gauge of currently live sessions.
	ActiveSessions prometheus.Gauge

	// ToolDispatchCounter counts tool dispatches by tool name.
	ToolDispatchCounter *prometheus.CounterVec

	// ToolResultCounter counts terminal tool outcomes by tool name and
	// outcome (ok|err|timeout|cancelled).
	ToolResultCounter *prometheus.CounterVec

	// ToolDuration measures tool call latency in seconds, by tool name.
	ToolDuration *prometheus.HistogramVec

	// QuestionsAnswered counts answered questions by correctness.
	QuestionsAnswered *prometheus.CounterVec

	// RegistrySessionsStarted counts sessions allocated by the Supervisor.
	RegistrySessionsStarted prometheus.Counter

	// RegistryDuplicateStarts counts rejected StartForLearner calls for an
	// already-running learner.
	RegistryDuplicateStarts prometheus.Counter
}

// New constructs and registers every collector against the default
// Prometheus registry.
func New() *Metrics {
	return &Metrics{
		SessionStateTransitions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tutor_session_state_transitions_total",
				Help: "Total number of PSM state transitions, by origin and destination state",
			},
			[]string{"from", "to"},
		),

		ActiveSessions: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "tutor_active_sessions",
				Help: "Current number of active tutoring sessions",
			},
		),

		ToolDispatchCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tutor_tool_dispatches_total",
				Help: "Total number of tool calls dispatched, by tool name",
			},
			[]string{"tool"},
		),

		ToolResultCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tutor_tool_results_total",
				Help: "Total number of terminal tool results, by tool name and outcome",
			},
			[]string{"tool", "outcome"},
		),

		ToolDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tutor_tool_duration_seconds",
				Help:    "Tool call latency in seconds, by tool name",
				Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"tool"},
		),

		QuestionsAnswered: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tutor_questions_answered_total",
				Help: "Total number of answered questions, by correctness",
			},
			[]string{"correct"},
		),

		RegistrySessionsStarted: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "tutor_registry_sessions_started_total",
				Help: "Total number of sessions started by the supervisor",
			},
		),

		RegistryDuplicateStarts: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "tutor_registry_duplicate_starts_total",
				Help: "Total number of StartForLearner calls rejected because the learner already had a live session",
			},
		),
	}
}

// StateChanged implements session.Observer.
func (m *Metrics) StateChanged(_ string, from, to psm.State) {
	m.SessionStateTransitions.WithLabelValues(string(from), string(to)).Inc()
}

// ToolDispatched implements session.Observer.
func (m *Metrics) ToolDispatched(_ string, tool tutortools.Name) {
	m.ToolDispatchCounter.WithLabelValues(string(tool)).Inc()
}

// ToolResolved implements session.Observer.
func (m *Metrics) ToolResolved(_ string, tool tutortools.Name, outcome session.Outcome, duration time.Duration) {
	m.ToolResultCounter.WithLabelValues(string(tool), string(outcome)).Inc()
	m.ToolDuration.WithLabelValues(string(tool)).Observe(duration.Seconds())
}

// QuestionAnswered implements session.Observer.
func (m *Metrics) QuestionAnswered(_ string, correct bool) {
	label := "false"
	if correct {
		label = "true"
	}
	m.QuestionsAnswered.WithLabelValues(label).Inc()
}

// SessionStarted records a new session allocation and bumps the active gauge.
func (m *Metrics) SessionStarted() {
	m.RegistrySessionsStarted.Inc()
	m.ActiveSessions.Inc()
}

// SessionEnded decrements the active gauge.
func (m *Metrics) SessionEnded() {
	m.ActiveSessions.Dec()
}

// DuplicateStartRejected records a rejected duplicate StartForLearner call.
func (m *Metrics) DuplicateStartRejected() {
	m.RegistryDuplicateStarts.Inc()
}

var _ session.Observer = (*Metrics)(nil)
