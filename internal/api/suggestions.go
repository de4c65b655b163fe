package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/wtthornton/tappsha-core/internal/suggestion"
)

// submitSuggestionRequest is the body for POST /suggestions.
type submitSuggestionRequest struct {
	AutomationID   string         `json:"automation_id"`
	Title          string         `json:"title"`
	Rationale      string         `json:"rationale"`
	ProposedConfig map[string]any `json:"proposed_config"`
	Confidence     float64        `json:"confidence"`
}

// handleListSuggestions returns suggestions, optionally filtered by
// status (?status=open).
func (s *Server) handleListSuggestions(w http.ResponseWriter, r *http.Request) {
	status := suggestion.Status(r.URL.Query().Get("status"))
	if status != "" && status != suggestion.StatusOpen &&
		status != suggestion.StatusAccepted && status != suggestion.StatusDismissed {
		writeBadRequest(w, "unknown status: "+string(status))
		return
	}

	suggestions, err := s.suggestions.List(r.Context(), status, queryInt(r, "limit", 0))
	if err != nil {
		s.logger.Error("list suggestions failed", "error", err)
		writeInternalError(w, "failed to list suggestions")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"suggestions": suggestions,
		"count":       len(suggestions),
	})
}

// handleSubmitSuggestion records a new optimization suggestion.
func (s *Server) handleSubmitSuggestion(w http.ResponseWriter, r *http.Request) {
	var body submitSuggestionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	sg := &suggestion.OptimizationSuggestion{
		AutomationID:   body.AutomationID,
		Title:          body.Title,
		Rationale:      body.Rationale,
		ProposedConfig: body.ProposedConfig,
		Confidence:     body.Confidence,
	}
	if err := s.suggestions.Submit(r.Context(), sg); err != nil {
		s.writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, sg)
}

// handleGetSuggestion returns a single suggestion by ID.
func (s *Server) handleGetSuggestion(w http.ResponseWriter, r *http.Request) {
	sg, err := s.suggestions.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sg)
}

// handleListAutomationSuggestions returns all suggestions targeting one
// automation.
func (s *Server) handleListAutomationSuggestions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if _, err := s.lifecycle.Get(r.Context(), id); err != nil {
		s.writeDomainError(w, err)
		return
	}

	suggestions, err := s.suggestions.ListByAutomation(r.Context(), id)
	if err != nil {
		s.logger.Error("list automation suggestions failed", "automation_id", id, "error", err)
		writeInternalError(w, "failed to list suggestions")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"suggestions": suggestions,
		"count":       len(suggestions),
	})
}

// handleAcceptSuggestion routes the suggestion into the approval workflow.
func (s *Server) handleAcceptSuggestion(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())

	sg, err := s.suggestions.Accept(r.Context(), chi.URLParam(r, "id"), claims.Subject)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sg)
}

// handleDismissSuggestion closes the suggestion without action.
func (s *Server) handleDismissSuggestion(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())

	sg, err := s.suggestions.Dismiss(r.Context(), chi.URLParam(r, "id"), claims.Subject)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sg)
}
