package engine

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/google/uuid"

	"agentd/engine/internal/errinfo"
	"agentd/engine/internal/gateway"
)

// approvalRegistry holds tool calls waiting for a human verdict. Each entry
// is a one-shot channel resolved by ToolApprovalDecide.
type approvalRegistry struct {
	mu      sync.Mutex
	pending map[string]chan gateway.ApprovalDecision
}

func newApprovalRegistry() *approvalRegistry {
	return &approvalRegistry{pending: make(map[string]chan gateway.ApprovalDecision)}
}

func (r *approvalRegistry) add(id string) chan gateway.ApprovalDecision {
	ch := make(chan gateway.ApprovalDecision, 1)
	r.mu.Lock()
	r.pending[id] = ch
	r.mu.Unlock()
	return ch
}

func (r *approvalRegistry) remove(id string) {
	r.mu.Lock()
	delete(r.pending, id)
	r.mu.Unlock()
}

func (r *approvalRegistry) resolve(id string, decision gateway.ApprovalDecision) bool {
	r.mu.Lock()
	ch, ok := r.pending[id]
	if ok {
		delete(r.pending, id)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	ch <- decision
	return true
}

// Decide implements gateway.Approver. It notifies the client about the
// pending call and blocks until ToolApprovalDecide resolves it or the run
// context is canceled. There is deliberately no timeout: an unattended
// approval waits until the user acts or cancels the run.
func (e *Engine) Decide(ctx context.Context, req gateway.ApprovalRequest) (gateway.ApprovalDecision, error) {
	approvalID := uuid.NewString()
	ch := e.approvals.add(approvalID)
	defer e.approvals.remove(approvalID)

	e.notifyClient("ToolApprovalRequested", map[string]any{
		"approval_id":     approvalID,
		"conversation_id": req.ConversationID,
		"tool":            req.Call.Function.Name,
		"arguments":       req.Call.Function.Arguments,
	})
	e.logger.Info("engine.approval_requested", "approval_id", approvalID, "tool", req.Call.Function.Name)

	select {
	case decision := <-ch:
		return decision, nil
	case <-ctx.Done():
		return gateway.ApprovalDecision{}, ctx.Err()
	}
}

// ToolApprovalDecide resolves one pending tool approval. Decisions are
// "approve", "approve_always" (approve and persist auto-approval), "deny"
// (requires a reason), or "cancel".
func (e *Engine) ToolApprovalDecide(ctx context.Context, params json.RawMessage) (any, *errinfo.ErrorInfo) {
	var p struct {
		ApprovalID string `json:"approval_id"`
		Decision   string `json:"decision"`
		Reason     string `json:"reason,omitempty"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, errinfo.ValidationFailed(errinfo.PhaseGateway, "invalid params: "+err.Error())
	}

	var decision gateway.ApprovalDecision
	switch p.Decision {
	case "approve":
		decision = gateway.Approved()
	case "approve_always":
		decision = gateway.ApprovedPersistAuto()
	case "deny":
		if strings.TrimSpace(p.Reason) == "" {
			return nil, errinfo.ValidationFailed(errinfo.PhaseGateway, "denial requires a non-empty reason")
		}
		decision = gateway.Denied(p.Reason)
	case "cancel":
		decision = gateway.Canceled()
	default:
		return nil, errinfo.ValidationFailed(errinfo.PhaseGateway, "unknown decision: "+p.Decision)
	}

	if !e.approvals.resolve(p.ApprovalID, decision) {
		return nil, errinfo.NotFound(errinfo.PhaseGateway, "no pending approval with id "+p.ApprovalID)
	}
	e.logger.Info("engine.approval_decided", "approval_id", p.ApprovalID, "decision", p.Decision)
	return map[string]any{"resolved": true}, nil
}
