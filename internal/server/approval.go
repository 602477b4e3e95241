package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/tkingovr/deploygate/api"
	"github.com/tkingovr/deploygate/internal/approval"
	"github.com/tkingovr/deploygate/internal/artifact"
	"github.com/tkingovr/deploygate/internal/audit"
	"github.com/tkingovr/deploygate/internal/producer"
)

const maxBodyBytes = 1 << 20

// mockPayload is a Sepolia contract creation used when the mock request
// body does not carry a payload.
var mockPayload = json.RawMessage(`{"to":null,"data":"0x608060405234801561001057600080fd5b50","gas":2000000,"gasPrice":"10000000000","chainId":11155111,"value":"0"}`)

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	pending, err := s.store.ListPending(r.Context())
	if err != nil {
		s.logger.Error("listing pending approvals", "error", err)
		writeJSON(w, http.StatusInternalServerError, api.PollResponse{Requests: []api.ApprovalRequest{}})
		return
	}

	resp := api.PollResponse{Requests: make([]api.ApprovalRequest, 0, len(pending))}
	for _, req := range pending {
		resp.Requests = append(resp.Requests, req.ToAPI())
	}
	resp.HasRequests = len(resp.Requests) > 0
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	var req api.DecisionRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, api.DecisionResponse{
			Message: "invalid request body",
			Error:   err.Error(),
		})
		return
	}
	if req.ApprovalID == "" {
		writeJSON(w, http.StatusBadRequest, api.DecisionResponse{
			Message: "invalid request body",
			Error:   "approval_id is required",
		})
		return
	}

	d := approval.Reject(req.RejectionReason)
	if req.Approved {
		d = approval.Approve(req.Artifact())
	} else if d.RejectionReason == "" {
		d.RejectionReason = "rejected by user"
	}
	s.decide(w, r, req.ApprovalID, d)
}

// decide records d and writes the outcome. Shared by the JSON API and the
// dashboard reject button.
func (s *Server) decide(w http.ResponseWriter, r *http.Request, id string, d approval.Decision) {
	ctx := r.Context()
	var taskID string
	if req, err := s.store.Get(ctx, id); err == nil {
		taskID = req.TaskID
	}

	ok, err := s.store.Decide(ctx, id, d)
	switch {
	case errors.Is(err, approval.ErrUnknownApprovalID):
		writeJSON(w, http.StatusNotFound, api.DecisionResponse{
			Message: "unknown approval id",
			Error:   err.Error(),
		})
		return
	case errors.Is(err, approval.ErrAbandoned):
		s.logger.Warn("decision for abandoned request", "approval_id", id, "approved", d.Approved)
		s.metrics.LateDecision()
		audit.Emit(ctx, s.auditStore, s.logger, &api.AuditRecord{
			Event:      api.EventLateDecision,
			ApprovalID: id,
			TaskID:     taskID,
			Approved:   &d.Approved,
			Reason:     d.RejectionReason,
		})
		writeJSON(w, http.StatusGone, api.DecisionResponse{
			Message: "the waiting task was cancelled; decision discarded",
			Error:   err.Error(),
		})
		return
	case err != nil:
		s.logger.Error("recording decision", "approval_id", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, api.DecisionResponse{
			Message: "failed to record decision",
			Error:   err.Error(),
		})
		return
	case !ok:
		writeJSON(w, http.StatusConflict, api.DecisionResponse{
			Message: "approval request already decided",
		})
		return
	}

	s.metrics.DecisionRecorded(d.Approved)
	rec := &api.AuditRecord{
		Event:      api.EventDecided,
		ApprovalID: id,
		TaskID:     taskID,
		Approved:   &d.Approved,
		Reason:     d.RejectionReason,
	}
	if d.SignedArtifact != "" {
		kind, hash := artifact.Describe(d.SignedArtifact)
		rec.ArtifactKind = string(kind)
		rec.TxHash = hash
	}
	audit.Emit(ctx, s.auditStore, s.logger, rec)
	s.logger.Info("decision recorded", "approval_id", id, "approved", d.Approved, "artifact_kind", rec.ArtifactKind)

	msg := "rejection submitted successfully"
	if d.Approved {
		msg = "approval submitted successfully"
	}
	writeJSON(w, http.StatusOK, api.DecisionResponse{Success: true, Message: msg})
}

func (s *Server) handleMockRequest(w http.ResponseWriter, r *http.Request) {
	if s.producer == nil {
		writeJSON(w, http.StatusServiceUnavailable, api.MockRequestResponse{Error: "mock requests are not enabled"})
		return
	}

	var body api.MockRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
			writeJSON(w, http.StatusBadRequest, api.MockRequestResponse{Error: "invalid request body: " + err.Error()})
			return
		}
	}
	params := producer.Params{
		TaskID:  body.TaskID,
		Payload: body.Payload,
		Message: body.Message,
	}
	if len(params.Payload) == 0 {
		params.Payload = mockPayload
	}
	if params.Message == "" {
		params.Message = "Mock deployment transaction ready for approval"
	}
	if params.TaskID == "" {
		params.TaskID = "mock"
	}

	pending, err := s.producer.Submit(r.Context(), params)
	switch {
	case errors.Is(err, producer.ErrRateLimited):
		writeJSON(w, http.StatusTooManyRequests, api.MockRequestResponse{Error: err.Error()})
		return
	case err != nil:
		s.logger.Error("creating mock approval request", "error", err)
		writeJSON(w, http.StatusInternalServerError, api.MockRequestResponse{Error: err.Error()})
		return
	case pending.ID == "":
		d, _ := pending.Wait(r.Context())
		writeJSON(w, http.StatusOK, api.MockRequestResponse{Error: "rejected by policy: " + d.RejectionReason})
		return
	}

	s.tasks.Add(1)
	go func() {
		defer s.tasks.Done()
		d, err := pending.Wait(s.taskCtx)
		if err != nil {
			s.logger.Info("mock task ended without a decision", "approval_id", pending.ID, "error", err)
			return
		}
		s.logger.Info("mock task resumed", "approval_id", pending.ID, "approved", d.Approved,
			"signed_artifact", d.SignedArtifact, "rejection_reason", d.RejectionReason)
	}()

	writeJSON(w, http.StatusOK, api.MockRequestResponse{
		Success:    true,
		ApprovalID: pending.ID,
		Message:    "Mock approval request created",
	})
}

// handleRecorded reports the decision recorded for an id, including one the
// waiting task already consumed, so a client whose submission timed out can
// tell whether it landed.
func (s *Server) handleRecorded(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	resp := api.RecordedDecision{ApprovalID: id}

	d, err := s.store.Recorded(r.Context(), id)
	switch {
	case errors.Is(err, approval.ErrUnknownApprovalID):
		resp.Error = err.Error()
		writeJSON(w, http.StatusNotFound, resp)
		return
	case errors.Is(err, approval.ErrNotDecided):
		resp.Status = string(approval.StatusPending)
	case errors.Is(err, approval.ErrAbandoned):
		resp.Status = string(approval.StatusAbandoned)
	case err != nil:
		s.logger.Error("reading recorded decision", "approval_id", id, "error", err)
		resp.Error = err.Error()
		writeJSON(w, http.StatusInternalServerError, resp)
		return
	default:
		resp.Status = string(approval.StatusDecided)
		resp.Approved = d.Approved
		resp.SignedArtifact = d.SignedArtifact
		resp.RejectionReason = d.RejectionReason
		if !d.DecidedAt.IsZero() {
			resp.DecidedAt = &d.DecidedAt
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		s.logger.Error("approval stats", "error", err)
		writeJSON(w, http.StatusInternalServerError, api.StatusResponse{SystemStatus: "degraded"})
		return
	}
	resp := api.StatusResponse{
		ActiveRequests: stats.Pending,
		TotalRequests:  stats.Total,
		SystemStatus:   "active",
	}
	if s.bridge != nil {
		resp.WaitingTasks = s.bridge.Waiting()
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
