// Package registry manages agent registrations: validation of declared
// capability schemas at registration time, plus CRUD over the store.
// Agents are resolved once at registration, never via runtime type
// inspection; from the engine's perspective the registry is read-only
// for the lifetime of a run.
package registry

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/weftlabs/weft/store"
	"github.com/weftlabs/weft/types"
	"github.com/weftlabs/weft/workflow"
)

// Registry validates and persists agent metadata.
type Registry struct {
	store  *store.Store
	logger *zap.Logger
}

// New creates an agent registry.
func New(st *store.Store, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		store:  st,
		logger: logger.With(zap.String("component", "agent_registry")),
	}
}

// Register validates and persists a new agent. Capability schemas must
// parse; risk level and class fall back to AUTO/task.
func (r *Registry) Register(ctx context.Context, m *store.AgentModel) (*store.AgentModel, error) {
	if m.Image == "" || m.EntryPath == "" {
		return nil, types.NewError(types.ErrInvalidRequest, "agent requires image and entry_path")
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.RiskLevel == "" {
		m.RiskLevel = string(workflow.RiskAuto)
	}
	if m.Class == "" {
		m.Class = string(workflow.ClassTask)
	}
	switch workflow.RiskLevel(m.RiskLevel) {
	case workflow.RiskAuto, workflow.RiskApprovalRequired:
	default:
		return nil, types.Newf(types.ErrInvalidRequest, "unknown risk level %q", m.RiskLevel)
	}
	for _, capability := range m.Capabilities {
		if capability.Action == "" {
			return nil, types.NewError(types.ErrInvalidRequest, "capability requires an action name")
		}
		if _, err := types.ParseSchema(capability.InputSchema); err != nil {
			return nil, types.Newf(types.ErrInvalidRequest, "capability %q input schema: %v", capability.Action, err)
		}
		if _, err := types.ParseSchema(capability.OutputSchema); err != nil {
			return nil, types.Newf(types.ErrInvalidRequest, "capability %q output schema: %v", capability.Action, err)
		}
	}

	if err := r.store.CreateAgent(ctx, m); err != nil {
		return nil, err
	}
	r.logger.Info("agent registered",
		zap.String("agent_id", m.ID),
		zap.String("type", m.Type),
		zap.String("risk_level", m.RiskLevel),
	)
	return m, nil
}

// Get returns an agent registration.
func (r *Registry) Get(ctx context.Context, id string) (*store.AgentModel, error) {
	return r.store.GetAgent(ctx, id)
}

// List returns all agent registrations.
func (r *Registry) List(ctx context.Context) ([]*store.AgentModel, error) {
	return r.store.ListAgents(ctx)
}

// Update patches mutable agent fields.
func (r *Registry) Update(ctx context.Context, m *store.AgentModel) (*store.AgentModel, error) {
	if err := r.store.UpdateAgent(ctx, m); err != nil {
		return nil, err
	}
	return r.store.GetAgent(ctx, m.ID)
}

// Delete removes an agent registration.
func (r *Registry) Delete(ctx context.Context, id string) error {
	return r.store.DeleteAgent(ctx, id)
}

// Agent implements workflow.AgentSource.
func (r *Registry) Agent(ctx context.Context, id string) (*workflow.Agent, error) {
	m, err := r.store.GetAgent(ctx, id)
	if err != nil {
		return nil, err
	}
	return m.Domain(), nil
}
