package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/wtthornton/tappsha-core/internal/lifecycle"
)

// transitionRequest is the body for POST /automations/{id}/transitions.
type transitionRequest struct {
	ToState string `json:"to_state"`
	Reason  string `json:"reason,omitempty"`
}

// handleListAutomations returns all automations, optionally filtered by
// lifecycle state (?state=active).
func (s *Server) handleListAutomations(w http.ResponseWriter, r *http.Request) {
	var (
		automations []lifecycle.Automation
		err         error
	)

	if state := r.URL.Query().Get("state"); state != "" {
		if !lifecycle.IsValidState(lifecycle.State(state)) {
			writeBadRequest(w, "unknown state: "+state)
			return
		}
		automations, err = s.lifecycle.ListByState(r.Context(), lifecycle.State(state))
	} else {
		automations, err = s.lifecycle.List(r.Context())
	}
	if err != nil {
		s.logger.Error("list automations failed", "error", err)
		writeInternalError(w, "failed to list automations")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"automations": automations,
		"count":       len(automations),
	})
}

// handleGetAutomation returns a single automation by ID.
func (s *Server) handleGetAutomation(w http.ResponseWriter, r *http.Request) {
	a, err := s.lifecycle.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// handleAutomationStats returns the automation's state, transition
// count, and performance counters in a single read.
func (s *Server) handleAutomationStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.lifecycle.GetStats(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleListTransitions returns the automation's audit trail, newest first.
func (s *Server) handleListTransitions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	// Ensure the automation exists so unknown IDs 404 instead of
	// returning an empty trail.
	if _, err := s.lifecycle.Get(r.Context(), id); err != nil {
		s.writeDomainError(w, err)
		return
	}

	transitions, err := s.lifecycle.ListTransitions(r.Context(), id, queryInt(r, "limit", 0))
	if err != nil {
		s.logger.Error("list transitions failed", "automation_id", id, "error", err)
		writeInternalError(w, "failed to list transitions")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"transitions": transitions,
		"count":       len(transitions),
	})
}

// handleTransition applies a user-initiated state change. Only pause and
// resume are accepted here: creation and retirement must go through the
// approval workflow, and emergency stops have their own endpoint.
func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	claims := claimsFromContext(r.Context())

	var req transitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	to := lifecycle.State(req.ToState)
	if to != lifecycle.StateActive && to != lifecycle.StateInactive {
		writeError(w, http.StatusUnprocessableEntity, ErrCodeValidation,
			"to_state must be active or inactive; use approvals for creation and retirement")
		return
	}

	reason := req.Reason
	if reason == "" {
		reason = lifecycle.ReasonUserAction
	}

	tr, err := s.lifecycle.Transition(r.Context(), id, to, claims.Subject, reason, nil)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, tr)
}

// queryInt parses an integer query parameter, returning the default on
// absence or garbage.
func queryInt(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n := 0
	for _, c := range v {
		if c < '0' || c > '9' {
			return def
		}
		n = n*10 + int(c-'0')
	}
	return n
}
