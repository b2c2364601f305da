package handlers

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/weftlabs/weft/registry"
	"github.com/weftlabs/weft/store"
	"github.com/weftlabs/weft/types"
)

// AgentsHandler serves agent registry CRUD endpoints.
type AgentsHandler struct {
	registry *registry.Registry
	logger   *zap.Logger
}

// NewAgentsHandler creates an agents handler.
func NewAgentsHandler(reg *registry.Registry, logger *zap.Logger) *AgentsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AgentsHandler{
		registry: reg,
		logger:   logger.With(zap.String("component", "agents_handler")),
	}
}

// HandleList serves GET /agents.
func (h *AgentsHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	agents, err := h.registry.List(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	WriteSuccess(w, agents)
}

// HandleGet serves GET /agents/{id}.
func (h *AgentsHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	agent, err := h.registry.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	WriteSuccess(w, agent)
}

// HandleCreate serves POST /agents.
func (h *AgentsHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var m store.AgentModel
	if err := DecodeJSONBody(w, r, &m, h.logger); err != nil {
		return
	}

	created, err := h.registry.Register(r.Context(), &m)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.logger.Info("agent registered",
		zap.String("agent_id", created.ID),
		zap.String("image", created.Image),
	)

	WriteCreated(w, created)
}

// HandleUpdate serves PATCH /agents/{id}.
func (h *AgentsHandler) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	var m store.AgentModel
	if err := DecodeJSONBody(w, r, &m, h.logger); err != nil {
		return
	}
	m.ID = r.PathValue("id")

	updated, err := h.registry.Update(r.Context(), &m)
	if err != nil {
		h.writeError(w, err)
		return
	}
	WriteSuccess(w, updated)
}

// HandleDelete serves DELETE /agents/{id}.
func (h *AgentsHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.registry.Delete(r.Context(), r.PathValue("id")); err != nil {
		h.writeError(w, err)
		return
	}
	WriteJSON(w, http.StatusNoContent, nil)
}

func (h *AgentsHandler) writeError(w http.ResponseWriter, err error) {
	var appErr *types.Error
	if errors.As(err, &appErr) {
		WriteError(w, appErr, h.logger)
		return
	}
	WriteErrorMessage(w, http.StatusInternalServerError, types.ErrInternalError, err.Error(), h.logger)
}
