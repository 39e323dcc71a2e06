package tutor

import (
	"encoding/json"
	"net/http"
	"strings"
)

// AdminHandler exposes read-only session introspection over HTTP, the way
// cmd/nexus's api_client.go talks to the gateway's own status endpoints.
// It backs `tutor session inspect`/`tutor session list`.
func (e *Engine) AdminHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/admin/sessions", e.handleListSessions)
	mux.HandleFunc("/admin/sessions/", e.handleInspectSession)
	return mux
}

func (e *Engine) handleListSessions(w http.ResponseWriter, r *http.Request) {
	ids := e.Registry.ActiveIDs()
	writeJSON(w, http.StatusOK, map[string]any{"session_ids": ids, "count": len(ids)})
}

// handleInspectSession serves GET /admin/sessions/<learner_id>, returning
// the live Session's snapshot for operational debugging.
func (e *Engine) handleInspectSession(w http.ResponseWriter, r *http.Request) {
	learnerID := strings.TrimPrefix(r.URL.Path, "/admin/sessions/")
	if learnerID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "learner_id is required"})
		return
	}

	sessionID, ok := e.Registry.LookupByLearner(learnerID)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "no active session for learner"})
		return
	}
	sess, err := e.Registry.Lookup(sessionID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": err.Error()})
		return
	}

	snapshot, err := sess.GetSnapshot(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
