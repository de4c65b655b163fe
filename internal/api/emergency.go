package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/wtthornton/tappsha-core/internal/emergency"
)

// stopRequest is the body for POST /emergency-stop. An empty
// automation_id stops every non-retired automation on the system.
type stopRequest struct {
	AutomationID string `json:"automation_id,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// handleEmergencyStop forces automations inactive and cancels their
// pending approvals. A system-wide stop that only partially succeeds
// returns 207 with the failures listed in the event.
func (s *Server) handleEmergencyStop(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())

	var req stopRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeBadRequest(w, "invalid JSON body")
			return
		}
	}

	if req.AutomationID != "" {
		if err := s.emergency.StopOne(r.Context(), req.AutomationID, claims.Subject, req.Reason); err != nil {
			s.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"stopped":       true,
			"automation_id": req.AutomationID,
		})
		return
	}

	ev, err := s.emergency.StopAll(r.Context(), claims.Subject, req.Reason)
	var partial *emergency.PartialFailureError
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, ev)
	case errors.As(err, &partial):
		// The stop went through for every automation it could reach;
		// the event carries the per-automation failures.
		writeJSON(w, http.StatusMultiStatus, ev)
	default:
		s.writeDomainError(w, err)
	}
}

// handleListStopEvents returns emergency stop events, newest first.
func (s *Server) handleListStopEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.emergency.List(r.Context(), queryInt(r, "limit", 0))
	if err != nil {
		s.logger.Error("list stop events failed", "error", err)
		writeInternalError(w, "failed to list emergency stop events")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"count":  len(events),
	})
}

// handleGetStopEvent returns a single stop event by ID.
func (s *Server) handleGetStopEvent(w http.ResponseWriter, r *http.Request) {
	ev, err := s.emergency.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

// handleRecover re-activates the automations a stop event forced down.
func (s *Server) handleRecover(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())

	ev, err := s.emergency.Recover(r.Context(), chi.URLParam(r, "id"), claims.Subject)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}
