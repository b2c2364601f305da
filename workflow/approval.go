package workflow

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/weftlabs/weft/types"
)

// ApprovalStatus is the lifecycle state of a pending human decision.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "PENDING"
	ApprovalApproved ApprovalStatus = "APPROVED"
	ApprovalRejected ApprovalStatus = "REJECTED"
)

// Approval is a pending human decision gating a node. Resolved exactly
// once; the terminal state is immutable.
type Approval struct {
	ID          string         `json:"id"`
	RunID       string         `json:"run_id"`
	NodeID      string         `json:"node_id"`
	Status      ApprovalStatus `json:"status"`
	RequestedAt time.Time      `json:"requested_at"`
	RespondedAt *time.Time     `json:"responded_at,omitempty"`
	RespondedBy string         `json:"responded_by,omitempty"`
	Notes       string         `json:"notes,omitempty"`
}

// ApprovalStore persists approvals for the audit trail.
type ApprovalStore interface {
	SaveApproval(ctx context.Context, approval *Approval) error
	UpdateApproval(ctx context.Context, approval *Approval) error
	GetApproval(ctx context.Context, id string) (*Approval, error)
}

type pendingApproval struct {
	approval   *Approval
	responseCh chan *Approval
}

// Gate suspends node dispatch at approval-required nodes and resumes
// or aborts based on an external decision. At most one open approval
// exists per (run, node).
//
// ExpireAfter, when non-zero, auto-rejects approvals nobody responds
// to within the window. Zero means approvals wait indefinitely.
type Gate struct {
	store       ApprovalStore
	logger      *zap.Logger
	expireAfter time.Duration

	mu      sync.Mutex
	pending map[string]*pendingApproval
	byNode  map[string]string
}

// NewGate creates an approval gate. expireAfter of zero disables
// auto-expiry.
func NewGate(store ApprovalStore, expireAfter time.Duration, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{
		store:       store,
		logger:      logger.With(zap.String("component", "approval_gate")),
		expireAfter: expireAfter,
		pending:     make(map[string]*pendingApproval),
		byNode:      make(map[string]string),
	}
}

func nodeKey(runID, nodeID string) string {
	return runID + "/" + nodeID
}

// Request creates a PENDING approval for a node. It fails if an open
// approval already exists for the same (run, node).
func (g *Gate) Request(ctx context.Context, runID, nodeID string) (*Approval, error) {
	approval := &Approval{
		ID:          uuid.NewString(),
		RunID:       runID,
		NodeID:      nodeID,
		Status:      ApprovalPending,
		RequestedAt: time.Now(),
	}

	g.mu.Lock()
	key := nodeKey(runID, nodeID)
	if openID, exists := g.byNode[key]; exists {
		g.mu.Unlock()
		return nil, types.Newf(types.ErrInvalidRequest, "approval %s already open for node %s", openID, nodeID)
	}
	g.pending[approval.ID] = &pendingApproval{
		approval:   approval,
		responseCh: make(chan *Approval, 1),
	}
	g.byNode[key] = approval.ID
	g.mu.Unlock()

	if g.store != nil {
		if err := g.store.SaveApproval(ctx, approval); err != nil {
			g.remove(approval.ID, key)
			return nil, err
		}
	}

	g.logger.Info("approval requested",
		zap.String("approval_id", approval.ID),
		zap.String("run_id", runID),
		zap.String("node_id", nodeID),
	)
	return approval, nil
}

// Await blocks until the approval is resolved, the context is
// cancelled, or the expiry window elapses. Expiry resolves the
// approval as REJECTED. A response that landed before Await was
// reached is returned immediately.
func (g *Gate) Await(ctx context.Context, approvalID string) (*Approval, error) {
	g.mu.Lock()
	p, ok := g.pending[approvalID]
	g.mu.Unlock()
	if !ok {
		// The entry is gone once a waiter consumes the response; a
		// terminal record in the store is still a valid resolution.
		if g.store != nil {
			if stored, err := g.store.GetApproval(ctx, approvalID); err == nil && stored != nil && stored.Status != ApprovalPending {
				return stored, nil
			}
		}
		return nil, types.Newf(types.ErrApprovalNotFound, "approval %s not found", approvalID)
	}

	var expiry <-chan time.Time
	if g.expireAfter > 0 {
		timer := time.NewTimer(g.expireAfter)
		defer timer.Stop()
		expiry = timer.C
	}

	select {
	case resolved := <-p.responseCh:
		g.remove(approvalID, nodeKey(resolved.RunID, resolved.NodeID))
		return resolved, nil
	case <-expiry:
		resolved, err := g.Respond(ctx, approvalID, false, "system", "expired without response")
		if err != nil {
			// A human response can race the expiry; prefer it.
			select {
			case r := <-p.responseCh:
				g.remove(approvalID, nodeKey(r.RunID, r.NodeID))
				return r, nil
			default:
			}
			return nil, err
		}
		g.remove(approvalID, nodeKey(resolved.RunID, resolved.NodeID))
		return resolved, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Respond resolves a pending approval exactly once. A second response
// fails with ALREADY_RESOLVED; an unknown id with APPROVAL_NOT_FOUND.
// The pending entry survives until a waiter consumes the response, so
// a response arriving before Await is never lost.
func (g *Gate) Respond(ctx context.Context, approvalID string, approved bool, actor, notes string) (*Approval, error) {
	g.mu.Lock()
	p, ok := g.pending[approvalID]
	if !ok {
		g.mu.Unlock()
		if g.store != nil {
			if stored, err := g.store.GetApproval(ctx, approvalID); err == nil && stored != nil && stored.Status != ApprovalPending {
				return nil, types.Newf(types.ErrAlreadyResolved, "approval %s already %s", approvalID, stored.Status)
			}
		}
		return nil, types.Newf(types.ErrApprovalNotFound, "approval %s not found", approvalID)
	}
	if p.approval.Status != ApprovalPending {
		g.mu.Unlock()
		return nil, types.Newf(types.ErrAlreadyResolved, "approval %s already %s", approvalID, p.approval.Status)
	}

	approval := p.approval
	now := time.Now()
	approval.RespondedAt = &now
	approval.RespondedBy = actor
	approval.Notes = notes
	if approved {
		approval.Status = ApprovalApproved
	} else {
		approval.Status = ApprovalRejected
	}
	// The node is no longer gated; a fresh Request may open a new
	// approval for it.
	delete(g.byNode, nodeKey(approval.RunID, approval.NodeID))
	g.mu.Unlock()

	if g.store != nil {
		if err := g.store.UpdateApproval(ctx, approval); err != nil {
			return nil, err
		}
	}

	g.logger.Info("approval resolved",
		zap.String("approval_id", approvalID),
		zap.String("status", string(approval.Status)),
		zap.String("actor", actor),
	)

	// Buffered channel: the waiter may have gone away on cancellation.
	select {
	case p.responseCh <- approval:
	default:
	}
	return approval, nil
}

// Pending returns the open approvals for a run, or all when runID is
// empty.
func (g *Gate) Pending(runID string) []*Approval {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []*Approval
	for _, p := range g.pending {
		if p.approval.Status != ApprovalPending {
			continue
		}
		if runID == "" || p.approval.RunID == runID {
			out = append(out, p.approval)
		}
	}
	return out
}

func (g *Gate) remove(approvalID, key string) {
	g.mu.Lock()
	delete(g.pending, approvalID)
	delete(g.byNode, key)
	g.mu.Unlock()
}
