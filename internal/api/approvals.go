package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/wtthornton/tappsha-core/internal/approval"
)

// submitApprovalRequest is the body for POST /approvals.
type submitApprovalRequest struct {
	WorkflowType string         `json:"workflow_type"`
	AutomationID *string        `json:"automation_id,omitempty"`
	ExternalID   string         `json:"external_id,omitempty"`
	Payload      map[string]any `json:"payload,omitempty"`
}

// decisionRequest is the body for approve/reject/cancel/escalate.
type decisionRequest struct {
	Note string `json:"note,omitempty"`
}

// handleListApprovals returns approval requests, optionally filtered by
// status (?status=pending).
func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	status := approval.Status(r.URL.Query().Get("status"))
	if status != "" && !approval.IsValidStatus(status) {
		writeBadRequest(w, "unknown status: "+string(status))
		return
	}

	requests, err := s.approvals.List(r.Context(), status, queryInt(r, "limit", 0))
	if err != nil {
		s.logger.Error("list approvals failed", "error", err)
		writeInternalError(w, "failed to list approval requests")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"requests": requests,
		"count":    len(requests),
	})
}

// handleSubmitApproval submits a new governance request. Low-risk
// workflows may come back already approved when the risk policy allows
// auto-approval.
func (s *Server) handleSubmitApproval(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())

	var body submitApprovalRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	req := &approval.Request{
		WorkflowType: approval.WorkflowType(body.WorkflowType),
		AutomationID: body.AutomationID,
		ExternalID:   body.ExternalID,
		Payload:      body.Payload,
		RequestedBy:  claims.Subject,
	}
	if err := s.approvals.Submit(r.Context(), req); err != nil {
		s.writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, req)
}

// handleGetApproval returns a single approval request by ID.
func (s *Server) handleGetApproval(w http.ResponseWriter, r *http.Request) {
	req, err := s.approvals.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// handleApprove approves a pending request and executes its workflow.
func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	s.decide(w, r, s.approvals.Approve)
}

// handleReject rejects a pending request.
func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	s.decide(w, r, s.approvals.Reject)
}

// handleEscalate rejects a pending request and emergency-stops the
// automation it targets.
func (s *Server) handleEscalate(w http.ResponseWriter, r *http.Request) {
	s.decide(w, r, s.approvals.Escalate)
}

// handleCancelApproval withdraws a pending request. Unlike decisions,
// the requester themselves may cancel.
func (s *Server) handleCancelApproval(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())

	req, err := s.approvals.Cancel(r.Context(), chi.URLParam(r, "id"), claims.Subject)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// decide is the shared shape of approve/reject/escalate handlers.
func (s *Server) decide(w http.ResponseWriter, r *http.Request,
	fn func(ctx context.Context, id, by, note string) (*approval.Request, error),
) {
	claims := claimsFromContext(r.Context())

	var body decisionRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeBadRequest(w, "invalid JSON body")
			return
		}
	}

	req, err := fn(r.Context(), chi.URLParam(r, "id"), claims.Subject, body.Note)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}
