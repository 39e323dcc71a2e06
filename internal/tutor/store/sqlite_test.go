package store

import (
	"context"
	"testing"

	"github.com/haasonsaas/tutor-core/internal/tutor/psm"
	"github.com/haasonsaas/tutor-core/internal/tutor/session"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := New(Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRestoreMissingSessionReturnsFalse(t *testing.T) {
	s := newTestStore(t)
	snap, ok, err := s.Restore(context.Background(), "does-not-exist")
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if ok || snap != nil {
		t.Errorf("Restore missing session = (%v, %v), want (nil, false)", snap, ok)
	}
}

func TestPersistThenRestoreRoundTrips(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	original := session.Snapshot{
		LearnerID: "learner-1",
		SessionID: "session-1",
		PSMState:  psm.AwaitingAnswer,
		Metrics: session.Metrics{
			QuestionsAttempted: 3,
			QuestionsCorrect:   2,
			TopicsCovered:      map[string]bool{"fractions": true},
		},
		AttemptCount: 1,
	}

	if err := s.Persist(ctx, original); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	restored, ok, err := s.Restore(ctx, "session-1")
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if !ok {
		t.Fatal("Restore reported not found after Persist")
	}
	if restored.SessionID != original.SessionID || restored.PSMState != original.PSMState {
		t.Errorf("restored = %+v, want %+v", restored, original)
	}
	if restored.Metrics.QuestionsCorrect != 2 {
		t.Errorf("QuestionsCorrect = %d, want 2", restored.Metrics.QuestionsCorrect)
	}
}

func TestPersistTwiceUpdatesInPlace(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	snap := session.Snapshot{LearnerID: "learner-2", SessionID: "session-2", PSMState: psm.Exposition}
	if err := s.Persist(ctx, snap); err != nil {
		t.Fatalf("first Persist: %v", err)
	}
	snap.PSMState = psm.SessionComplete
	if err := s.Persist(ctx, snap); err != nil {
		t.Fatalf("second Persist: %v", err)
	}

	restored, ok, err := s.Restore(ctx, "session-2")
	if err != nil || !ok {
		t.Fatalf("Restore: ok=%v err=%v", ok, err)
	}
	if restored.PSMState != psm.SessionComplete {
		t.Errorf("PSMState = %v, want SessionComplete (idempotent upsert)", restored.PSMState)
	}

	var count int
	row := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tutor_sessions WHERE session_id = ?`, "session-2")
	if err := row.Scan(&count); err != nil {
		t.Fatalf("count query: %v", err)
	}
	if count != 1 {
		t.Errorf("row count for session-2 = %d, want 1 (no duplicate row)", count)
	}
}

func TestRestoreByLearnerMissingReturnsFalse(t *testing.T) {
	s := newTestStore(t)
	snap, ok, err := s.RestoreByLearner(context.Background(), "no-such-learner")
	if err != nil {
		t.Fatalf("RestoreByLearner: %v", err)
	}
	if ok || snap != nil {
		t.Errorf("RestoreByLearner missing learner = (%v, %v), want (nil, false)", snap, ok)
	}
}

func TestRestoreByLearnerFindsLatestSessionForLearner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := session.Snapshot{LearnerID: "learner-3", SessionID: "session-old", PSMState: psm.SessionComplete}
	if err := s.Persist(ctx, first); err != nil {
		t.Fatalf("persist first: %v", err)
	}
	second := session.Snapshot{LearnerID: "learner-3", SessionID: "session-new", PSMState: psm.AwaitingAnswer}
	if err := s.Persist(ctx, second); err != nil {
		t.Fatalf("persist second: %v", err)
	}

	restored, ok, err := s.RestoreByLearner(ctx, "learner-3")
	if err != nil {
		t.Fatalf("RestoreByLearner: %v", err)
	}
	if !ok {
		t.Fatal("RestoreByLearner reported not found")
	}
	if restored.SessionID != "session-new" {
		t.Errorf("SessionID = %q, want the most recently persisted session-new", restored.SessionID)
	}
}
