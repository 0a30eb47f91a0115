package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"agentd/engine/internal/errinfo"
	"agentd/engine/internal/gateway"
	"agentd/engine/internal/llm"
	"agentd/engine/internal/memory"
	"agentd/engine/internal/settings"
	"agentd/engine/internal/workspace"
)

const (
	maxAgentTurns        = 12
	maxImplementAttempts = 3
	maxCritiqueTasks     = 5
	maxCritiqueCycles    = 3
)

var errTurnBudgetExhausted = errors.New("agent turn budget exhausted")

// runState carries everything one agent run needs. It is owned by exactly
// one goroutine; the conversation is persisted after every mutation so
// read-only RPCs can observe progress from disk.
type runState struct {
	conv            *Conversation
	ws              workspace.Workspace
	mem             *memory.Store
	gw              *gateway.Gateway
	mode            gateway.ApprovalMode
	sampling        llm.Sampling
	critiqueEnabled bool
}

func (rt *runState) save() error {
	return rt.conv.save(rt.ws.MetaDir)
}

// runAgent drives the phase machine until a terminal phase, a fatal error,
// or cancellation. The returned error info is nil for DONE and for a clean
// user cancel.
func (e *Engine) runAgent(ctx context.Context, rt *runState) (canceled bool, errInfo *errinfo.ErrorInfo) {
	e.notifyPhase(rt)
	for {
		var err error
		switch rt.conv.Phase {
		case PhasePlan:
			err = e.runPlanPhase(ctx, rt)
		case PhaseImplement:
			err = e.runImplementPhase(ctx, rt)
		case PhaseCritique:
			err = e.runCritiquePhase(ctx, rt)
		default:
			return false, nil
		}
		if err == nil {
			continue
		}
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			e.handleCancel(rt)
			return true, nil
		}
		return false, e.abortRun(rt, err)
	}
}

// handleCancel rolls the conversation back to a resumable state: the active
// task returns to pending and the phase is left where it was.
func (e *Engine) handleCancel(rt *runState) {
	if task := rt.conv.activeTask(); task != nil {
		if err := task.revertToPending(); err != nil {
			e.logger.Warn("engine.cancel_revert_failed", "conversation_id", rt.conv.ID, "error", err.Error())
		}
	}
	rt.conv.appendMessage("system", "Run canceled by user.")
	if err := rt.save(); err != nil {
		e.logger.Error("engine.save_failed", "conversation_id", rt.conv.ID, "error", err.Error())
	}
	e.logger.Info("engine.run_canceled", "conversation_id", rt.conv.ID, "phase", string(rt.conv.Phase))
	e.notifyPhase(rt)
}

// abortRun moves the conversation to ABORTED and surfaces the terminal
// reason. Abandoning a non-empty plan is a structural decision, so it is
// recorded in the decision log.
func (e *Engine) abortRun(rt *runState, cause error) *errinfo.ErrorInfo {
	info := e.mapRunError(rt, cause)
	rt.conv.appendMessage("system", "Run aborted: "+cause.Error())
	rt.conv.Phase = PhaseAborted
	if len(rt.conv.Plan) > 0 {
		entry := memory.DecisionEntry{
			Title:     "Abandoned implementation plan",
			Context:   fmt.Sprintf("Run aborted during %s with %d unfinished tasks.", info.Phase, rt.conv.unfinishedTasks()),
			Reasoning: cause.Error(),
			Impact:    "The plan remains in the conversation but will not be executed without a new run.",
		}
		if _, err := rt.mem.AppendDecision(entry); err != nil {
			e.logger.Warn("engine.abort_decision_failed", "conversation_id", rt.conv.ID, "error", err.Error())
		}
	}
	if err := rt.save(); err != nil {
		e.logger.Error("engine.save_failed", "conversation_id", rt.conv.ID, "error", err.Error())
	}
	e.logger.Warn("engine.run_aborted", "conversation_id", rt.conv.ID, "error_code", info.ErrorCode, "detail", info.Detail)
	e.notifyPhase(rt)
	return info
}

func (e *Engine) mapRunError(rt *runState, err error) *errinfo.ErrorInfo {
	phase := strings.ToLower(string(rt.conv.Phase))
	detail := err.Error()
	var info *errinfo.ErrorInfo
	switch {
	case errors.Is(err, llm.ErrTimeout):
		info = errinfo.RequestTimeout(phase, detail)
	case errors.Is(err, llm.ErrUnreachable):
		info = errinfo.BackendUnreachable(phase, detail)
	case errors.Is(err, llm.ErrConnection):
		info = errinfo.ConnectionFailed(phase, detail)
	case errors.Is(err, errTurnBudgetExhausted):
		info = errinfo.RetriesExhausted(phase, detail)
	default:
		info = errinfo.ValidationFailed(phase, detail)
	}
	info.ConversationID = rt.conv.ID
	info.ModelID = e.client.Model()
	return info
}

// streamPhase sends one completion request and relays deltas to the client.
func (e *Engine) streamPhase(ctx context.Context, rt *runState, messages []llm.ChatMessage, tools []llm.Tool) (llm.ChatResponse, error) {
	start := time.Now()
	resp, err := e.client.StreamChat(ctx, rt.conv.ID, messages, tools, rt.sampling, func(delta string) {
		e.notifyClient("AgentStreamDelta", map[string]any{
			"conversation_id": rt.conv.ID,
			"phase":           string(rt.conv.Phase),
			"token_delta":     delta,
		})
	})
	if err != nil {
		return resp, err
	}
	e.logger.Info("engine.completion", "conversation_id", rt.conv.ID, "phase", string(rt.conv.Phase),
		"elapsed_ms", time.Since(start).Milliseconds(), "tool_calls", len(resp.ToolCalls),
		"content_tokens_approx", llm.EstimateTokens(resp.Content))
	return resp, nil
}

func (e *Engine) runPlanPhase(ctx context.Context, rt *runState) error {
	goal := rt.conv.latestUserGoal()
	if strings.TrimSpace(goal) == "" {
		return errors.New("cannot plan without a user goal")
	}
	bundle, err := rt.mem.Bundle()
	if err != nil {
		return err
	}
	tree, err := workspace.FileTree(rt.ws.ProjectDir, 0)
	if err != nil {
		return err
	}

	resp, err := e.streamPhase(ctx, rt, buildPlanMessages(bundle, tree, rt.conv, goal), nil)
	if err != nil {
		return err
	}
	rt.conv.appendMessage("assistant", resp.Content)

	descriptions, parseErr := parsePlanTasks(resp.Content)
	if parseErr != nil {
		return fmt.Errorf("plan rejected: %w", parseErr)
	}
	if len(descriptions) == 0 {
		return errors.New("plan rejected: planner proposed no tasks")
	}
	rt.conv.appendTasks(descriptions, "plan")
	e.logger.Info("engine.plan_ready", "conversation_id", rt.conv.ID, "tasks", len(descriptions))

	if err := rt.conv.setPhase(PhaseImplement); err != nil {
		return err
	}
	if err := rt.save(); err != nil {
		return err
	}
	e.notifyPhase(rt)
	return nil
}

// runImplementPhase works through pending tasks, then runs the compile
// check. On failure the detail is appended as a system message and a repair
// pass re-enters implementation with the failure quoted in the prompt, up to
// three total attempts. The third failure still advances to CRITIQUE, never
// silently dropping the detail.
func (e *Engine) runImplementPhase(ctx context.Context, rt *runState) error {
	failureDetail := ""
	for attempt := 1; attempt <= maxImplementAttempts; attempt++ {
		if attempt == 1 {
			if err := e.runPendingTasks(ctx, rt); err != nil {
				return err
			}
		} else {
			if err := e.runTaskTurns(ctx, rt, nil, failureDetail); err != nil {
				return err
			}
		}

		check, err := workspace.CompileCheck(ctx, rt.ws.ProjectDir, e.checkCommand)
		if err != nil {
			return err
		}
		if check.OK {
			if err := e.refreshIndex(rt); err != nil {
				e.logger.Warn("engine.index_refresh_failed", "conversation_id", rt.conv.ID, "error", err.Error())
			}
			return e.finishImplement(rt)
		}

		failureDetail = check.Detail
		rt.conv.appendMessage("system", "Compile check failed:\n"+check.Detail)
		if err := rt.save(); err != nil {
			return err
		}
		e.logger.Warn("engine.compile_check_failed", "conversation_id", rt.conv.ID, "attempt", attempt)
		e.notifyClient("CompileCheckFailed", map[string]any{
			"conversation_id": rt.conv.ID,
			"attempt":         attempt,
			"error":           errinfo.CompileFailed(check.Detail),
		})
	}

	// Retries exhausted; the last failure is already in the conversation.
	e.logger.Warn("engine.compile_retries_exhausted", "conversation_id", rt.conv.ID, "attempts", maxImplementAttempts)
	return e.finishImplement(rt)
}

func (e *Engine) finishImplement(rt *runState) error {
	next := PhaseDone
	if rt.critiqueEnabled {
		next = PhaseCritique
	}
	if err := rt.conv.setPhase(next); err != nil {
		return err
	}
	if err := rt.save(); err != nil {
		return err
	}
	e.notifyPhase(rt)
	return nil
}

func (e *Engine) runPendingTasks(ctx context.Context, rt *runState) error {
	for i := range rt.conv.Plan {
		task := &rt.conv.Plan[i]
		if task.Status != TaskPending {
			continue
		}
		if err := task.advance(TaskActive); err != nil {
			return err
		}
		if err := rt.save(); err != nil {
			return err
		}
		e.notifyTask(rt, task)

		err := e.runTaskTurns(ctx, rt, task, "")
		if err != nil {
			if errors.Is(err, errTurnBudgetExhausted) {
				task.Outcome = "Turn budget exhausted before the task completed."
				if advErr := task.advance(TaskFailed); advErr != nil {
					return advErr
				}
				if saveErr := rt.save(); saveErr != nil {
					return saveErr
				}
				e.notifyTask(rt, task)
			}
			return err
		}
		if err := task.advance(TaskDone); err != nil {
			return err
		}
		if err := rt.save(); err != nil {
			return err
		}
		e.notifyTask(rt, task)
	}
	return nil
}

// runTaskTurns is the inner agent loop: completion, then tool execution in
// the order the model requested, one result per call, until the model stops
// calling tools. A nil task means a repair pass after a failed check.
func (e *Engine) runTaskTurns(ctx context.Context, rt *runState, task *Task, failureDetail string) error {
	bundle, err := rt.mem.Bundle()
	if err != nil {
		return err
	}
	tree, err := workspace.FileTree(rt.ws.ProjectDir, 0)
	if err != nil {
		return err
	}
	messages := buildImplementMessages(bundle, tree, rt.conv, task, failureDetail)

	for turn := 0; turn < maxAgentTurns; turn++ {
		resp, err := e.streamPhase(ctx, rt, messages, gateway.Tools)
		if err != nil {
			return err
		}
		rt.conv.appendFullMessage(Message{Role: "assistant", Content: resp.Content, ToolCalls: resp.ToolCalls})

		if len(resp.ToolCalls) == 0 {
			if task != nil {
				task.Outcome = strings.TrimSpace(resp.Content)
			}
			return rt.save()
		}

		messages = append(messages, llm.ChatMessage{Role: "assistant", Content: resp.Content, ToolCalls: resp.ToolCalls})
		for _, call := range resp.ToolCalls {
			result, persistAuto, err := rt.gw.Invoke(ctx, call, rt.mode)
			if err != nil {
				return err
			}
			if persistAuto {
				e.persistAutoApproval(rt)
			}

			messages = append(messages, llm.ChatMessage{Role: "tool", ToolCallID: call.ID, Content: result.Payload})
			rt.conv.appendFullMessage(Message{Role: "tool", ToolCallID: call.ID, Content: result.Payload})
			notice := map[string]any{
				"conversation_id": rt.conv.ID,
				"tool":            call.Function.Name,
				"success":         result.Success,
				"approval":        result.Approval,
				"duration_ms":     result.Duration.Milliseconds(),
			}
			if result.DenialReason != "" {
				denial := fmt.Sprintf("The user denied the %s call: %s", call.Function.Name, result.DenialReason)
				messages = append(messages, llm.ChatMessage{Role: "system", Content: denial})
				rt.conv.appendMessage("system", denial)
				notice["error"] = errinfo.ToolDenied(strings.ToLower(string(rt.conv.Phase)), result.DenialReason)
			}
			e.notifyClient("AgentToolComplete", notice)
		}
		if err := rt.save(); err != nil {
			return err
		}
	}
	label := "repair pass"
	if task != nil {
		label = fmt.Sprintf("task %d", task.ID)
	}
	return fmt.Errorf("%w for %s after %d turns", errTurnBudgetExhausted, label, maxAgentTurns)
}

// persistAutoApproval flips the global setting after an "approve always"
// decision and switches the rest of the run to auto mode.
func (e *Engine) persistAutoApproval(rt *runState) {
	rt.mode = gateway.ApprovalAuto
	if _, err := e.settings.Update(func(s *settings.Settings) {
		s.AutoToolApproval = true
	}); err != nil {
		e.logger.Warn("engine.settings_persist_failed", "error", err.Error())
		return
	}
	e.logger.Info("engine.auto_approval_persisted", "conversation_id", rt.conv.ID)
	e.notifyClient("SettingsChanged", map[string]any{"auto_tool_approval": true})
}

// runCritiquePhase asks the model to judge the work. Proposed fixes are
// appended to the plan, capped per cycle, and the loop re-enters IMPLEMENT
// without any user confirmation. Exhausted cycles abort instead of looping
// forever.
func (e *Engine) runCritiquePhase(ctx context.Context, rt *runState) error {
	if !rt.critiqueEnabled {
		if err := rt.conv.setPhase(PhaseDone); err != nil {
			return err
		}
		if err := rt.save(); err != nil {
			return err
		}
		e.notifyPhase(rt)
		return nil
	}

	rt.conv.CritiqueCycles++
	bundle, err := rt.mem.Bundle()
	if err != nil {
		return err
	}
	tree, err := workspace.FileTree(rt.ws.ProjectDir, 0)
	if err != nil {
		return err
	}
	resp, err := e.streamPhase(ctx, rt, buildCritiqueMessages(bundle, tree, rt.conv), nil)
	if err != nil {
		return err
	}
	rt.conv.appendMessage("assistant", resp.Content)

	report, parseErr := parseCritique(resp.Content)
	if parseErr != nil {
		// An unparseable critique is treated as a clean pass rather than
		// failing an otherwise completed run; the downgrade is recorded in
		// the conversation, not just the log.
		rt.conv.appendMessage("system", "Critique reply was not a parseable verdict and was treated as a clean pass: "+parseErr.Error())
		e.logger.Warn("engine.critique_unparseable", "conversation_id", rt.conv.ID, "error", parseErr.Error())
		report = critiqueReport{FlawsFound: false}
	}

	if !report.FlawsFound || len(report.NewTasks) == 0 {
		if err := rt.conv.setPhase(PhaseDone); err != nil {
			return err
		}
		if err := rt.save(); err != nil {
			return err
		}
		e.logger.Info("engine.critique_clean", "conversation_id", rt.conv.ID, "cycles", rt.conv.CritiqueCycles)
		e.notifyPhase(rt)
		return nil
	}

	if rt.conv.CritiqueCycles >= maxCritiqueCycles {
		return fmt.Errorf("%w: critique still reports flaws after %d cycles: %s",
			errTurnBudgetExhausted, maxCritiqueCycles, report.Summary)
	}

	newTasks := report.NewTasks
	if len(newTasks) > maxCritiqueTasks {
		e.logger.Warn("engine.critique_tasks_capped", "conversation_id", rt.conv.ID,
			"proposed", len(newTasks), "accepted", maxCritiqueTasks)
		newTasks = newTasks[:maxCritiqueTasks]
	}
	rt.conv.appendTasks(newTasks, "critique")
	e.logger.Info("engine.critique_found_flaws", "conversation_id", rt.conv.ID,
		"new_tasks", len(newTasks), "cycle", rt.conv.CritiqueCycles)

	if err := rt.conv.setPhase(PhaseImplement); err != nil {
		return err
	}
	if err := rt.save(); err != nil {
		return err
	}
	e.notifyPhase(rt)
	return nil
}

// refreshIndex upserts index entries for files whose content changed and
// drops entries for files that no longer exist. Entries carry the task
// context as their purpose until something richer overwrites them; unchanged
// files are never touched.
func (e *Engine) refreshIndex(rt *runState) error {
	hashes, err := workspace.ProjectHashes(rt.ws.ProjectDir)
	if err != nil {
		return err
	}
	stale, err := rt.mem.StalePaths(hashes)
	if err != nil {
		return err
	}
	taskContext := "project work"
	if task := lastAttemptedTask(rt.conv.Plan); task != nil {
		taskContext = task.Description
	}
	for _, path := range stale {
		entry, ok, err := rt.mem.IndexEntry(path)
		if err != nil {
			return err
		}
		if !ok {
			entry = memory.IndexEntry{Purpose: "Created while working on: " + taskContext}
		} else {
			entry.Notes = "Modified while working on: " + taskContext
		}
		if _, err := rt.mem.UpdateIndexEntry(path, entry, hashes[path]); err != nil {
			return err
		}
	}
	index, err := rt.mem.Index()
	if err != nil {
		return err
	}
	for path := range index {
		if _, exists := hashes[path]; !exists {
			if err := rt.mem.RemoveIndexEntry(path); err != nil {
				return err
			}
		}
	}
	return nil
}

func lastAttemptedTask(plan []Task) *Task {
	for i := len(plan) - 1; i >= 0; i-- {
		if plan[i].Status != TaskPending {
			return &plan[i]
		}
	}
	return nil
}

func (e *Engine) notifyPhase(rt *runState) {
	e.notifyClient("AgentPhaseChanged", map[string]any{
		"conversation_id": rt.conv.ID,
		"phase":           string(rt.conv.Phase),
	})
}

func (e *Engine) notifyTask(rt *runState, task *Task) {
	e.notifyClient("AgentTaskChanged", map[string]any{
		"conversation_id": rt.conv.ID,
		"task_id":         task.ID,
		"status":          string(task.Status),
		"description":     task.Description,
	})
}
