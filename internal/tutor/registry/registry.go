// Package registry implements the per-process Supervisor: it allocates one
// Session per learner under a unique key, looks sessions up by id, and
// tears them down on request, isolating a crash in one session from every
// other. The sync.RWMutex-guarded map plus liveness-cache shape is grounded
// on internal/nodes.Registry.
package registry

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/tutor-core/internal/tutor/psm"
	"github.com/haasonsaas/tutor-core/internal/tutor/session"
	"github.com/haasonsaas/tutor-core/internal/tutor/tutortools"
)

// ErrAlreadyRunning is returned by StartForLearner when the learner id
// already has an active session.
var ErrAlreadyRunning = errors.New("registry: session already running")

// ErrNotFound is returned by Lookup/Stop for an unknown session id.
var ErrNotFound = errors.New("registry: session not found")

// Config configures the Registry.
type Config struct {
	SessionConfig session.Config
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{SessionConfig: session.DefaultConfig()}
}

// entry is one live session plus the bookkeeping the Registry owns on its
// behalf (the Session itself owns nothing about its own lifecycle beyond
// its actor loop).
type entry struct {
	sess      *session.Session
	learnerID string
	startedAt time.Time
}

// LifecycleObserver receives session start/end/duplicate-rejection counts.
// internal/tutor/metrics.Metrics satisfies this.
type LifecycleObserver interface {
	SessionStarted()
	SessionEnded()
	DuplicateStartRejected()
}

type nopLifecycleObserver struct{}

func (nopLifecycleObserver) SessionStarted()         {}
func (nopLifecycleObserver) SessionEnded()           {}
func (nopLifecycleObserver) DuplicateStartRejected() {}

// Registry owns every live Session in this process.
type Registry struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.RWMutex
	byID      map[string]*entry
	byLearner map[string]string // learnerID -> sessionID, one active session per learner

	tools     session.ToolSubmitter
	store     session.Store
	observer  session.Observer
	lifecycle LifecycleObserver
}

// SetLifecycleObserver wires a LifecycleObserver (e.g. *metrics.Metrics)
// into the Registry. Safe to call once before the Registry starts any
// sessions.
func (r *Registry) SetLifecycleObserver(l LifecycleObserver) {
	if l == nil {
		l = nopLifecycleObserver{}
	}
	r.lifecycle = l
}

// OnTransition registers fn to be called on every state transition of every
// session this Registry starts from then on, in addition to whatever
// Observer was passed to New. It does not affect sessions already running.
// Deliberately thin: a single callback hook for whoever wants to wire up
// analytics, with no batching, filtering, or delivery guarantees beyond
// "called from the Session's own goroutine, so don't block in it."
func (r *Registry) OnTransition(fn func(learnerID string, from, to psm.State)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if fn == nil {
		return
	}
	r.observer = &transitionObserver{next: r.observer, fn: fn}
}

// transitionObserver forwards every Observer call unchanged and additionally
// invokes fn on StateChanged, letting OnTransition compose with whatever
// Observer (e.g. *metrics.Metrics) the Registry already has.
type transitionObserver struct {
	next session.Observer
	fn   func(learnerID string, from, to psm.State)
}

func (o *transitionObserver) StateChanged(learnerID string, from, to psm.State) {
	o.fn(learnerID, from, to)
	o.next.StateChanged(learnerID, from, to)
}

func (o *transitionObserver) ToolDispatched(learnerID string, tool tutortools.Name) {
	o.next.ToolDispatched(learnerID, tool)
}

func (o *transitionObserver) ToolResolved(learnerID string, tool tutortools.Name, outcome session.Outcome, duration time.Duration) {
	o.next.ToolResolved(learnerID, tool, outcome, duration)
}

func (o *transitionObserver) QuestionAnswered(learnerID string, correct bool) {
	o.next.QuestionAnswered(learnerID, correct)
}

var _ session.Observer = (*transitionObserver)(nil)

// LearnerRestorer is satisfied by a Store that can locate a learner's most
// recently persisted snapshot by learner id rather than session id (session
// ids are regenerated on every StartForLearner, so the id a crashed
// session was saved under is otherwise unrecoverable). Stores that don't
// implement it simply never rehydrate; StartForLearner always starts fresh
// in that case.
type LearnerRestorer interface {
	RestoreByLearner(ctx context.Context, learnerID string) (*session.Snapshot, bool, error)
}

// New constructs an empty Registry. tools/store/observer are shared
// collaborators handed to every Session it starts; observer may be nil.
func New(cfg Config, tools session.ToolSubmitter, store session.Store, observer session.Observer, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if observer == nil {
		observer = session.NopObserver{}
	}
	return &Registry{
		cfg:       cfg,
		logger:    logger.With("component", "tutor.registry"),
		byID:      make(map[string]*entry),
		byLearner: make(map[string]string),
		tools:     tools,
		store:     store,
		observer:  observer,
		lifecycle: nopLifecycleObserver{},
	}
}

// StartForLearner allocates a Session for learnerID and launches it. It
// fails with ErrAlreadyRunning if learnerID already has a live session — the
// uniqueness guarantee a Supervisor exists to enforce. If the configured
// store can locate a non-terminal snapshot for the learner (whether the
// prior session crashed or was shut down gracefully), the new Session
// resumes from it instead of starting at Initializing; topic is
// only applied to a fresh Session, since a restored one already carries its
// own.
func (r *Registry) StartForLearner(ctx context.Context, learnerID string, topic tutortools.Topic) (sessionID string, err error) {
	r.mu.Lock()
	if _, ok := r.byLearner[learnerID]; ok {
		r.mu.Unlock()
		r.lifecycle.DuplicateStartRejected()
		return "", ErrAlreadyRunning
	}
	r.mu.Unlock()

	snap := r.tryRestore(ctx, learnerID)

	r.mu.Lock()
	if _, ok := r.byLearner[learnerID]; ok {
		r.mu.Unlock()
		r.lifecycle.DuplicateStartRejected()
		return "", ErrAlreadyRunning
	}
	if snap != nil {
		sessionID = snap.SessionID
	} else {
		sessionID = uuid.New().String()
	}
	r.byLearner[learnerID] = sessionID
	r.mu.Unlock()

	var sess *session.Session
	if snap != nil {
		sess = r.restoredSession(*snap)
		r.logger.Info("session restored from snapshot", "session_id", sessionID, "learner_id", learnerID, "psm_state", snap.PSMState)
	} else {
		sess = r.newSession(learnerID, sessionID)
		sess.SetTopic(topic)
	}

	r.runIsolated(ctx, sess)

	r.mu.Lock()
	r.byID[sessionID] = &entry{sess: sess, learnerID: learnerID, startedAt: time.Now()}
	r.mu.Unlock()

	r.logger.Info("session started", "session_id", sessionID, "learner_id", learnerID)
	r.lifecycle.SessionStarted()
	go r.awaitTermination(sessionID, learnerID, sess)

	return sessionID, nil
}

func (r *Registry) newSession(learnerID, sessionID string) *session.Session {
	r.mu.RLock()
	observer := r.observer
	r.mu.RUnlock()
	return session.New(learnerID, sessionID, r.cfg.SessionConfig, r.tools, r.store, observer, nil)
}

func (r *Registry) restoredSession(snap session.Snapshot) *session.Session {
	r.mu.RLock()
	observer := r.observer
	r.mu.RUnlock()
	return session.Restore(r.cfg.SessionConfig, r.tools, r.store, observer, nil, snap)
}

// tryRestore looks up a snapshot for learnerID if the configured store
// supports it. A lookup error is logged and treated the same as "nothing to
// restore" — persistence failures must never block a learner from starting
// a fresh session.
func (r *Registry) tryRestore(ctx context.Context, learnerID string) *session.Snapshot {
	restorer, ok := r.store.(LearnerRestorer)
	if !ok {
		return nil
	}
	snap, found, err := restorer.RestoreByLearner(ctx, learnerID)
	if err != nil {
		r.logger.Warn("restore lookup failed", "learner_id", learnerID, "error", err)
		return nil
	}
	if !found || snap.PSMState == psm.SessionComplete {
		return nil
	}
	return snap
}

// runIsolated starts the Session behind a recover, so a panic while
// launching it is logged instead of reaching the caller. Panics inside the
// Session's event handling are recovered by the Session's own loop.
func (r *Registry) runIsolated(ctx context.Context, sess *session.Session) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("session start panicked", "panic", rec)
		}
	}()
	sess.Start(ctx)
}

// awaitTermination removes a session from the registry once its actor loop
// exits, whatever the reason (requested shutdown, inactivity, or
// cancellation of the context it was started with).
func (r *Registry) awaitTermination(sessionID, learnerID string, sess *session.Session) {
	<-sess.Done()
	r.mu.Lock()
	delete(r.byID, sessionID)
	if r.byLearner[learnerID] == sessionID {
		delete(r.byLearner, learnerID)
	}
	r.mu.Unlock()
	r.lifecycle.SessionEnded()
	r.logger.Info("session terminated", "session_id", sessionID, "learner_id", learnerID)
}

// Lookup returns the live Session for sessionID.
func (r *Registry) Lookup(sessionID string) (*session.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byID[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return e.sess, nil
}

// LookupByLearner returns the live session id for learnerID, if any.
func (r *Registry) LookupByLearner(learnerID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byLearner[learnerID]
	return id, ok
}

// Stop requests a shutdown of sessionID and returns once the request has
// been enqueued (not once the session has actually terminated — callers
// that need to wait should select on the Session's Done channel via
// Lookup).
func (r *Registry) Stop(sessionID string, graceful bool) error {
	r.mu.RLock()
	e, ok := r.byID[sessionID]
	r.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}
	e.sess.RequestShutdown(graceful)
	return nil
}

// ActiveIDs returns every currently tracked session id, in no particular
// order. Useful for admin introspection and periodic Tick fan-out.
func (r *Registry) ActiveIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	return ids
}

// Count reports how many sessions are currently active.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// Tick fans a periodic housekeeping tick out to every active session. A
// scheduler (e.g. robfig/cron) is expected to call this on an interval.
func (r *Registry) Tick() {
	for _, id := range r.ActiveIDs() {
		if sess, err := r.Lookup(id); err == nil {
			sess.Tick()
		}
	}
}

// StopAll requests a shutdown of every active session, graceful or not as
// graceful says; used on process shutdown.
func (r *Registry) StopAll(graceful bool) {
	for _, id := range r.ActiveIDs() {
		_ = r.Stop(id, graceful)
	}
}
