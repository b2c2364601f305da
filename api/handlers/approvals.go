package handlers

import (
	"context"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/weftlabs/weft/store"
	"github.com/weftlabs/weft/types"
	"github.com/weftlabs/weft/workflow"
)

// ApprovalResponder resolves pending approvals.
type ApprovalResponder interface {
	Respond(ctx context.Context, approvalID string, approved bool, actor, notes string) (*workflow.Approval, error)
}

// ApprovalsHandler serves approval resolution endpoints.
type ApprovalsHandler struct {
	gate   ApprovalResponder
	store  *store.Store
	logger *zap.Logger
}

// NewApprovalsHandler creates an approvals handler.
func NewApprovalsHandler(gate ApprovalResponder, st *store.Store, logger *zap.Logger) *ApprovalsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ApprovalsHandler{
		gate:   gate,
		store:  st,
		logger: logger.With(zap.String("component", "approvals_handler")),
	}
}

// RespondRequest is the approve/reject body.
type RespondRequest struct {
	Notes string `json:"notes,omitempty"`
	Actor string `json:"actor,omitempty"`
}

// RespondResponse carries the resolved approval and the run status as
// currently persisted. The run resumes or aborts asynchronously, so
// the status may still read PAUSED_APPROVAL immediately after.
type RespondResponse struct {
	Approval  *workflow.Approval `json:"approval"`
	RunStatus string             `json:"runStatus,omitempty"`
}

// HandleApprove serves POST /approvals/{id}/approve.
func (h *ApprovalsHandler) HandleApprove(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r, true)
}

// HandleReject serves POST /approvals/{id}/reject.
func (h *ApprovalsHandler) HandleReject(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r, false)
}

func (h *ApprovalsHandler) respond(w http.ResponseWriter, r *http.Request, approved bool) {
	id := r.PathValue("id")

	var req RespondRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	approval, err := h.gate.Respond(r.Context(), id, approved, req.Actor, req.Notes)
	if err != nil {
		var appErr *types.Error
		if errors.As(err, &appErr) {
			WriteError(w, appErr, h.logger)
			return
		}
		WriteErrorMessage(w, http.StatusInternalServerError, types.ErrInternalError, err.Error(), h.logger)
		return
	}

	resp := RespondResponse{Approval: approval}
	if run, err := h.store.GetRun(r.Context(), approval.RunID); err == nil {
		resp.RunStatus = run.Status
	}

	h.logger.Info("approval resolved",
		zap.String("approval_id", approval.ID),
		zap.String("run_id", approval.RunID),
		zap.String("status", string(approval.Status)),
	)

	WriteSuccess(w, resp)
}
