package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// restoreRequest is the body for POST /backups/{id}/restore.
type restoreRequest struct {
	AutomationID string `json:"automation_id"`
}

// handleListBackups returns all backups for an automation, newest first.
func (s *Server) handleListBackups(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if _, err := s.lifecycle.Get(r.Context(), id); err != nil {
		s.writeDomainError(w, err)
		return
	}

	backups, err := s.backups.List(r.Context(), id)
	if err != nil {
		s.logger.Error("list backups failed", "automation_id", id, "error", err)
		writeInternalError(w, "failed to list backups")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"backups": backups,
		"count":   len(backups),
	})
}

// handleCreateBackup takes a manual snapshot of an automation.
func (s *Server) handleCreateBackup(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())

	b, err := s.backups.Snapshot(r.Context(), chi.URLParam(r, "id"), claims.Subject)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

// handleGetBackup returns a single backup by ID.
func (s *Server) handleGetBackup(w http.ResponseWriter, r *http.Request) {
	b, err := s.backups.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// handleRestoreBackup rolls an automation back to a snapshot. The
// automation ID in the body must match the backup's owner; the restore
// is refused when the snapshot fails its integrity check.
func (s *Server) handleRestoreBackup(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())

	var req restoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.AutomationID == "" {
		writeBadRequest(w, "automation_id is required")
		return
	}

	tr, err := s.backups.Restore(r.Context(), chi.URLParam(r, "id"), req.AutomationID, claims.Subject)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tr)
}
