package gateway

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"agentd/engine/internal/errinfo"
	"agentd/engine/internal/llm"
	"agentd/engine/internal/logging"
	"agentd/engine/internal/workspace"
)

type ApprovalMode string

const (
	// ApprovalManual blocks every tool call on an external approve or deny
	// decision.
	ApprovalManual ApprovalMode = "manual"
	// ApprovalAuto approves immediately and records the call as
	// auto-approved.
	ApprovalAuto ApprovalMode = "auto"
	// ApprovalAutoPersist approves immediately and signals that the global
	// auto-approval setting should be persisted by the caller.
	ApprovalAutoPersist ApprovalMode = "auto-with-flag-change"
)

type DecisionKind int

const (
	DecisionApproved DecisionKind = iota
	DecisionDenied
	DecisionCanceled
)

// ApprovalDecision is the value returned from a manual approval wait.
// Cancellation is a distinct variant rather than an error path so the
// orchestrator can revert state cleanly.
type ApprovalDecision struct {
	Kind        DecisionKind
	Reason      string
	PersistAuto bool
}

func Approved() ApprovalDecision {
	return ApprovalDecision{Kind: DecisionApproved}
}

// ApprovedPersistAuto approves and asks the caller to persist the
// auto-approval setting.
func ApprovedPersistAuto() ApprovalDecision {
	return ApprovalDecision{Kind: DecisionApproved, PersistAuto: true}
}

// Denied rejects a tool call. A denial without a reason is a programming
// error, not a valid decision.
func Denied(reason string) ApprovalDecision {
	if strings.TrimSpace(reason) == "" {
		panic("gateway: tool denial requires a reason")
	}
	return ApprovalDecision{Kind: DecisionDenied, Reason: reason}
}

func Canceled() ApprovalDecision {
	return ApprovalDecision{Kind: DecisionCanceled}
}

// ApprovalRequest describes a pending tool call to the external decider.
type ApprovalRequest struct {
	ConversationID string
	Call           llm.ToolCall
}

// Approver supplies manual approval decisions. The wait has no timeout by
// default; it ends when a decision arrives or ctx is canceled.
type Approver interface {
	Decide(ctx context.Context, req ApprovalRequest) (ApprovalDecision, error)
}

// ToolResult is the single outcome produced for every tool call. Failed
// validation and denials are results, not silent no-ops, so the model can
// adapt instead of repeating the same call.
type ToolResult struct {
	CallID       string        `json:"call_id"`
	Name         string        `json:"name"`
	Success      bool          `json:"success"`
	Payload      string        `json:"payload,omitempty"`
	DenialReason string        `json:"denial_reason,omitempty"`
	Approval     string        `json:"approval"`
	Duration     time.Duration `json:"duration_ns"`
}

// Gateway validates, approves, executes, and reports tool calls for one
// conversation's workspace.
type Gateway struct {
	conversationID string
	projectDir     string
	approver       Approver
	logger         *slog.Logger
}

func New(conversationID, projectDir string, approver Approver, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Gateway{
		conversationID: conversationID,
		projectDir:     projectDir,
		approver:       approver,
		logger:         logger.With("component", "gateway", "conversation_id", conversationID),
	}
}

// Invoke runs one tool call under the given approval mode. The returned
// bool signals that auto-approval should be persisted. An error is returned
// only for cancellation; every other outcome is a ToolResult.
func (g *Gateway) Invoke(ctx context.Context, call llm.ToolCall, mode ApprovalMode) (ToolResult, bool, error) {
	start := time.Now()
	result := ToolResult{CallID: call.ID, Name: call.Function.Name}

	// Validation runs before approval and before any filesystem access.
	exec, validationErr := g.prepare(call)
	if validationErr != nil {
		info := errinfo.ValidationFailed(errinfo.PhaseGateway, validationErr.Error())
		if errors.Is(validationErr, workspace.ErrSandboxViolation) {
			info = errinfo.SandboxViolation(errinfo.PhaseGateway, validationErr.Error())
		}
		result.Approval = "not_requested"
		result.Payload = info.ErrorCode + ": " + info.Detail
		result.Duration = time.Since(start)
		g.logger.Warn("gateway.validation_failed", "tool", call.Function.Name, "code", info.ErrorCode, "error", validationErr.Error())
		return result, false, nil
	}

	persistAuto := false
	switch mode {
	case ApprovalAuto:
		result.Approval = "auto"
	case ApprovalAutoPersist:
		result.Approval = "auto"
		persistAuto = true
	default:
		result.Approval = "manual"
		decision, err := g.approver.Decide(ctx, ApprovalRequest{ConversationID: g.conversationID, Call: call})
		if err != nil {
			return ToolResult{}, false, err
		}
		switch decision.Kind {
		case DecisionCanceled:
			return ToolResult{}, false, context.Canceled
		case DecisionDenied:
			if strings.TrimSpace(decision.Reason) == "" {
				panic("gateway: tool denial requires a reason")
			}
			result.DenialReason = decision.Reason
			result.Payload = "TOOL_DENIED: " + decision.Reason
			result.Duration = time.Since(start)
			g.logger.Info("gateway.tool_denied", "tool", call.Function.Name, "reason", decision.Reason)
			return result, false, nil
		default:
			persistAuto = decision.PersistAuto
		}
	}

	payload, execErr := exec(ctx)
	result.Duration = time.Since(start)
	if execErr != nil {
		result.Payload = "TOOL_FAILED: " + execErr.Error()
		g.logger.Warn("gateway.tool_failed", "tool", call.Function.Name, "error", execErr.Error())
		return result, persistAuto, nil
	}
	result.Success = true
	result.Payload = payload
	g.logger.Debug("gateway.tool_complete", "tool", call.Function.Name, "duration_ms", result.Duration.Milliseconds())
	return result, persistAuto, nil
}
