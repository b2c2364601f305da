// Package store persists workflow definitions, agent registrations,
// runs, per-attempt agent runs, and approvals in a relational
// database via gorm. Run and approval tables are append-mostly to
// preserve a full audit trail of execution history.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/weftlabs/weft/types"
	"github.com/weftlabs/weft/workflow"
)

// Config selects and tunes the database backend.
type Config struct {
	// Driver is "sqlite" or "postgres".
	Driver string `yaml:"driver"`
	// DSN is the driver-specific connection string. For sqlite an
	// empty DSN means a shared in-memory database.
	DSN string `yaml:"dsn"`

	MaxIdleConns    int           `yaml:"max_idle_conns"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// Store wraps a gorm DB with the engine's persistence operations. It
// implements workflow.RunStore and workflow.ApprovalStore.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// Open connects to the configured database and migrates the schema.
func Open(cfg Config, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var dialector gorm.Dialector
	switch cfg.Driver {
	case "", "sqlite":
		dsn := cfg.DSN
		if dsn == "" {
			dsn = "file::memory:?cache=shared"
		}
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Discard,
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("unwrapping sql.DB: %w", err)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	s := &Store{db: db, logger: logger.With(zap.String("component", "store"))}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	return s.db.AutoMigrate(
		&WorkflowModel{},
		&AgentModel{},
		&RunModel{},
		&AgentRunModel{},
		&ApprovalModel{},
	)
}

// DB exposes the underlying gorm handle for health checks.
func (s *Store) DB() *gorm.DB { return s.db }

// Ping verifies database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// PoolStats reports open and idle connection counts for metrics.
func (s *Store) PoolStats() (open, idle int) {
	sqlDB, err := s.db.DB()
	if err != nil {
		return 0, 0
	}
	stats := sqlDB.Stats()
	return stats.OpenConnections, stats.Idle
}

// --- workflows -------------------------------------------------------

// CreateWorkflow persists a workflow definition.
func (s *Store) CreateWorkflow(ctx context.Context, m *WorkflowModel) error {
	return s.db.WithContext(ctx).Create(m).Error
}

// GetWorkflow loads a workflow definition by id.
func (s *Store) GetWorkflow(ctx context.Context, id string) (*WorkflowModel, error) {
	var m WorkflowModel
	err := s.db.WithContext(ctx).First(&m, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.Newf(types.ErrWorkflowNotFound, "workflow %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ListWorkflowsByStatus returns workflow definitions with the given
// status.
func (s *Store) ListWorkflowsByStatus(ctx context.Context, status workflow.WorkflowStatus) ([]*WorkflowModel, error) {
	var ms []*WorkflowModel
	err := s.db.WithContext(ctx).Where("status = ?", string(status)).Order("id").Find(&ms).Error
	return ms, err
}

// ActiveWorkflows returns all workflows eligible for triggering.
func (s *Store) ActiveWorkflows(ctx context.Context) ([]*workflow.Workflow, error) {
	ms, err := s.ListWorkflowsByStatus(ctx, workflow.StatusActive)
	if err != nil {
		return nil, err
	}
	wfs := make([]*workflow.Workflow, 0, len(ms))
	for _, m := range ms {
		wfs = append(wfs, m.Domain())
	}
	return wfs, nil
}

// --- agents ----------------------------------------------------------

// CreateAgent persists an agent registration.
func (s *Store) CreateAgent(ctx context.Context, m *AgentModel) error {
	return s.db.WithContext(ctx).Create(m).Error
}

// GetAgent loads an agent registration by id.
func (s *Store) GetAgent(ctx context.Context, id string) (*AgentModel, error) {
	var m AgentModel
	err := s.db.WithContext(ctx).First(&m, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.Newf(types.ErrAgentNotFound, "agent %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ListAgents returns all agent registrations ordered by id.
func (s *Store) ListAgents(ctx context.Context) ([]*AgentModel, error) {
	var ms []*AgentModel
	err := s.db.WithContext(ctx).Order("id").Find(&ms).Error
	return ms, err
}

// UpdateAgent saves modified agent fields.
func (s *Store) UpdateAgent(ctx context.Context, m *AgentModel) error {
	res := s.db.WithContext(ctx).Model(&AgentModel{}).Where("id = ?", m.ID).Updates(m)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return types.Newf(types.ErrAgentNotFound, "agent %s not found", m.ID)
	}
	return nil
}

// DeleteAgent removes an agent registration.
func (s *Store) DeleteAgent(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Delete(&AgentModel{}, "id = ?", id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return types.Newf(types.ErrAgentNotFound, "agent %s not found", id)
	}
	return nil
}

// Agent implements workflow.AgentSource.
func (s *Store) Agent(ctx context.Context, id string) (*workflow.Agent, error) {
	m, err := s.GetAgent(ctx, id)
	if err != nil {
		return nil, err
	}
	return m.Domain(), nil
}

// --- runs ------------------------------------------------------------

// SaveRun implements workflow.RunStore.
func (s *Store) SaveRun(ctx context.Context, run *workflow.Run) error {
	return s.db.WithContext(ctx).Create(runToModel(run)).Error
}

// UpdateRun implements workflow.RunStore.
func (s *Store) UpdateRun(ctx context.Context, run *workflow.Run) error {
	m := runToModel(run)
	return s.db.WithContext(ctx).Model(&RunModel{}).Where("id = ?", m.ID).
		Select("Status", "Context", "EndedAt", "FailureReason", "FailedNodeID").
		Updates(m).Error
}

// GetRun loads a run by id.
func (s *Store) GetRun(ctx context.Context, id string) (*RunModel, error) {
	var m RunModel
	err := s.db.WithContext(ctx).First(&m, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.Newf(types.ErrRunNotFound, "run %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// SaveAgentRun implements workflow.RunStore. Each retry attempt is a
// distinct row.
func (s *Store) SaveAgentRun(ctx context.Context, ar *workflow.AgentRun) error {
	m := &AgentRunModel{
		ID:         ar.ID,
		RunID:      ar.RunID,
		NodeID:     ar.NodeID,
		Attempt:    ar.Attempt,
		Status:     string(ar.Status),
		Input:      ar.Input,
		Output:     ar.Output,
		Error:      ar.Error,
		StartedAt:  ar.StartedAt,
		DurationMs: ar.DurationMs,
	}
	if !ar.EndedAt.IsZero() {
		ended := ar.EndedAt
		m.EndedAt = &ended
	}
	return s.db.WithContext(ctx).Create(m).Error
}

// ListAgentRuns returns a run's node attempts in execution order.
func (s *Store) ListAgentRuns(ctx context.Context, runID string) ([]*AgentRunModel, error) {
	var ms []*AgentRunModel
	err := s.db.WithContext(ctx).Where("run_id = ?", runID).
		Order("started_at, attempt").Find(&ms).Error
	return ms, err
}

// --- approvals -------------------------------------------------------

// SaveApproval implements workflow.ApprovalStore.
func (s *Store) SaveApproval(ctx context.Context, a *workflow.Approval) error {
	return s.db.WithContext(ctx).Create(approvalToModel(a)).Error
}

// UpdateApproval implements workflow.ApprovalStore.
func (s *Store) UpdateApproval(ctx context.Context, a *workflow.Approval) error {
	return s.db.WithContext(ctx).Model(&ApprovalModel{}).Where("id = ?", a.ID).
		Select("Status", "RespondedAt", "RespondedBy", "Notes").
		Updates(approvalToModel(a)).Error
}

// GetApproval implements workflow.ApprovalStore.
func (s *Store) GetApproval(ctx context.Context, id string) (*workflow.Approval, error) {
	var m ApprovalModel
	err := s.db.WithContext(ctx).First(&m, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.Newf(types.ErrApprovalNotFound, "approval %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	return m.Domain(), nil
}

func runToModel(run *workflow.Run) *RunModel {
	m := &RunModel{
		ID:            run.ID,
		WorkflowID:    run.WorkflowID,
		Status:        string(run.CurrentStatus()),
		Context:       run.Context.Snapshot(),
		StartedAt:     run.StartedAt,
		FailureReason: run.FailureReason,
		FailedNodeID:  run.FailedNodeID,
	}
	if !run.EndedAt.IsZero() {
		ended := run.EndedAt
		m.EndedAt = &ended
	}
	return m
}

func approvalToModel(a *workflow.Approval) *ApprovalModel {
	return &ApprovalModel{
		ID:          a.ID,
		RunID:       a.RunID,
		NodeID:      a.NodeID,
		Status:      string(a.Status),
		RequestedAt: a.RequestedAt,
		RespondedAt: a.RespondedAt,
		RespondedBy: a.RespondedBy,
		Notes:       a.Notes,
	}
}
