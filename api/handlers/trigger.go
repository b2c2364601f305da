package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/weftlabs/weft/store"
	"github.com/weftlabs/weft/types"
	"github.com/weftlabs/weft/workflow"
)

// RunStarter starts and cancels workflow runs.
type RunStarter interface {
	Start(ctx context.Context, wf *workflow.Workflow, event map[string]any) (*workflow.Run, error)
	Cancel(runID string) error
}

// WorkflowHandler serves workflow definition and trigger endpoints.
type WorkflowHandler struct {
	store  *store.Store
	engine RunStarter
	logger *zap.Logger
}

// NewWorkflowHandler creates a workflow handler.
func NewWorkflowHandler(st *store.Store, engine RunStarter, logger *zap.Logger) *WorkflowHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WorkflowHandler{
		store:  st,
		engine: engine,
		logger: logger.With(zap.String("component", "workflow_handler")),
	}
}

// CreateWorkflowRequest is the POST /workflows body.
type CreateWorkflowRequest struct {
	ID      string            `json:"id,omitempty"`
	Name    string            `json:"name"`
	Trigger *workflow.Trigger `json:"trigger,omitempty"`
	Status  string            `json:"status,omitempty"`
	Nodes   []workflow.Node   `json:"nodes"`
}

// HandleCreate serves POST /workflows.
func (h *WorkflowHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req CreateWorkflowRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	if req.Name == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "name is required", h.logger)
		return
	}
	if len(req.Nodes) == 0 {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "nodes are required", h.logger)
		return
	}

	// Reject unorderable graphs at definition time.
	if _, err := workflow.Tiers(req.Nodes); err != nil {
		var appErr *types.Error
		if errors.As(err, &appErr) {
			WriteError(w, appErr, h.logger)
			return
		}
		var cycleErr *workflow.CycleError
		if errors.As(err, &cycleErr) {
			WriteErrorMessage(w, http.StatusBadRequest, types.ErrCycleDetected, err.Error(), h.logger)
			return
		}
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrMalformedGraph, err.Error(), h.logger)
		return
	}

	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	status := req.Status
	if status == "" {
		status = string(workflow.StatusDraft)
	}

	m := &store.WorkflowModel{
		ID:     req.ID,
		Name:   req.Name,
		Status: status,
		Nodes:  req.Nodes,
	}
	if req.Trigger != nil {
		m.TriggerEvent = req.Trigger.Event
		m.TriggerPattern = req.Trigger.Pattern
	}

	if err := h.store.CreateWorkflow(r.Context(), m); err != nil {
		WriteErrorMessage(w, http.StatusInternalServerError, types.ErrInternalError, "failed to save workflow", h.logger)
		return
	}

	WriteCreated(w, m)
}

// HandleGet serves GET /workflows/{id}.
func (h *WorkflowHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	m, err := h.store.GetWorkflow(r.Context(), id)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}

	WriteSuccess(w, m)
}

// TriggerRequest is the POST /workflows/{id}/trigger body.
type TriggerRequest struct {
	Context map[string]any `json:"context"`
}

// TriggerResponse carries the created run id.
type TriggerResponse struct {
	RunID string `json:"runId"`
}

// HandleTrigger serves POST /workflows/{id}/trigger.
func (h *WorkflowHandler) HandleTrigger(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	m, err := h.store.GetWorkflow(r.Context(), id)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}

	var req TriggerRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	wf := m.Domain()
	if wf.Status != workflow.StatusActive {
		WriteErrorMessage(w, http.StatusConflict, types.ErrInvalidRequest,
			"workflow is not active", h.logger)
		return
	}

	run, err := h.engine.Start(r.Context(), wf, req.Context)
	if err != nil {
		var appErr *types.Error
		if errors.As(err, &appErr) {
			WriteError(w, appErr, h.logger)
			return
		}
		WriteErrorMessage(w, http.StatusInternalServerError, types.ErrInternalError, "failed to start run", h.logger)
		return
	}

	h.logger.Info("run triggered via API",
		zap.String("workflow_id", wf.ID),
		zap.String("run_id", run.ID),
	)

	WriteJSON(w, http.StatusAccepted, Response{
		Success: true,
		Data:    TriggerResponse{RunID: run.ID},
	})
}

// HandleCancelRun serves POST /workflows/{id}/runs/{runId}/cancel.
func (h *WorkflowHandler) HandleCancelRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("runId")

	if err := h.engine.Cancel(runID); err != nil {
		var appErr *types.Error
		if errors.As(err, &appErr) {
			WriteError(w, appErr, h.logger)
			return
		}
		WriteErrorMessage(w, http.StatusInternalServerError, types.ErrInternalError, "failed to cancel run", h.logger)
		return
	}

	WriteSuccess(w, map[string]string{"runId": runID, "status": "cancelling"})
}

func (h *WorkflowHandler) writeStoreError(w http.ResponseWriter, err error) {
	var appErr *types.Error
	if errors.As(err, &appErr) {
		WriteError(w, appErr, h.logger)
		return
	}
	WriteErrorMessage(w, http.StatusInternalServerError, types.ErrInternalError, err.Error(), h.logger)
}
