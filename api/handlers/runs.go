package handlers

import (
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/weftlabs/weft/store"
	"github.com/weftlabs/weft/types"
)

// RunsHandler serves run status endpoints.
type RunsHandler struct {
	store  *store.Store
	logger *zap.Logger
}

// NewRunsHandler creates a runs handler.
func NewRunsHandler(st *store.Store, logger *zap.Logger) *RunsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RunsHandler{
		store:  st,
		logger: logger.With(zap.String("component", "runs_handler")),
	}
}

// AgentRunSummary is one node attempt in a run status response.
type AgentRunSummary struct {
	NodeID     string     `json:"nodeId"`
	Attempt    int        `json:"attempt"`
	Status     string     `json:"status"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"startedAt"`
	EndedAt    *time.Time `json:"endedAt,omitempty"`
	DurationMs int64      `json:"durationMs"`
}

// RunStatusResponse is the GET run status payload.
type RunStatusResponse struct {
	RunID         string            `json:"runId"`
	WorkflowID    string            `json:"workflowId"`
	Status        string            `json:"status"`
	StartedAt     time.Time         `json:"startedAt"`
	EndedAt       *time.Time        `json:"endedAt,omitempty"`
	FailureReason string            `json:"failureReason,omitempty"`
	FailedNodeID  string            `json:"failedNodeId,omitempty"`
	Nodes         []AgentRunSummary `json:"nodes"`
}

// HandleGetRun serves GET /workflows/{id}/runs/{runId}.
func (h *RunsHandler) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	workflowID := r.PathValue("id")
	runID := r.PathValue("runId")

	run, err := h.store.GetRun(r.Context(), runID)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	if run.WorkflowID != workflowID {
		WriteErrorMessage(w, http.StatusNotFound, types.ErrRunNotFound,
			"run does not belong to workflow", h.logger)
		return
	}

	agentRuns, err := h.store.ListAgentRuns(r.Context(), runID)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}

	resp := RunStatusResponse{
		RunID:         run.ID,
		WorkflowID:    run.WorkflowID,
		Status:        run.Status,
		StartedAt:     run.StartedAt,
		EndedAt:       run.EndedAt,
		FailureReason: run.FailureReason,
		FailedNodeID:  run.FailedNodeID,
		Nodes:         make([]AgentRunSummary, 0, len(agentRuns)),
	}
	for _, ar := range agentRuns {
		resp.Nodes = append(resp.Nodes, AgentRunSummary{
			NodeID:     ar.NodeID,
			Attempt:    ar.Attempt,
			Status:     ar.Status,
			Error:      ar.Error,
			StartedAt:  ar.StartedAt,
			EndedAt:    ar.EndedAt,
			DurationMs: ar.DurationMs,
		})
	}

	WriteSuccess(w, resp)
}

func (h *RunsHandler) writeStoreError(w http.ResponseWriter, err error) {
	var appErr *types.Error
	if errors.As(err, &appErr) {
		WriteError(w, appErr, h.logger)
		return
	}
	WriteErrorMessage(w, http.StatusInternalServerError, types.ErrInternalError, err.Error(), h.logger)
}
