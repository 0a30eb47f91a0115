package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"agentd/engine/internal/appdirs"
	"agentd/engine/internal/envutil"
	"agentd/engine/internal/errinfo"
	"agentd/engine/internal/gateway"
	"agentd/engine/internal/llm"
	"agentd/engine/internal/lmstudio"
	"agentd/engine/internal/logging"
	"agentd/engine/internal/memory"
	"agentd/engine/internal/settings"
	"agentd/engine/internal/workspace"
)

const (
	EngineVersion = "0.1.0"
	APIVersion    = "1"
)

type Notifier func(method string, params any)

// CompletionClient is the backend surface the orchestrator depends on.
// lmstudio.Client is the production implementation; tests and the fake
// backend substitute scripted ones.
type CompletionClient interface {
	StreamChat(ctx context.Context, sessionID string, messages []llm.ChatMessage, tools []llm.Tool, sampling llm.Sampling, onDelta func(string)) (llm.ChatResponse, error)
	ListModels(ctx context.Context) ([]string, error)
	CheckConnection(ctx context.Context) error
	SetRequestTimeout(timeout time.Duration)
	State() lmstudio.State
	Model() string
	Close()
}

type agentRunHandle struct {
	runID  string
	cancel context.CancelFunc
}

type Engine struct {
	dataDir      string
	settings     *settings.Store
	workspaces   *workspace.Manager
	client       CompletionClient
	checkCommand []string
	notify       Notifier
	logger       *slog.Logger
	approvals    *approvalRegistry

	runMu sync.Mutex
	runs  map[string]agentRunHandle
}

type Option func(*Engine)

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

func WithClient(client CompletionClient) Option {
	return func(e *Engine) {
		if client != nil {
			e.client = client
		}
	}
}

// WithCheckCommand sets the compile/check command run after each implement
// pass. Empty means the workspace exposes no check signal.
func WithCheckCommand(command []string) Option {
	return func(e *Engine) {
		e.checkCommand = command
	}
}

func New(opts ...Option) (*Engine, error) {
	engine := &Engine{logger: logging.Nop()}
	for _, opt := range opts {
		opt(engine)
	}
	dataDir, err := appdirs.DataDir()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, err
	}
	engine.dataDir = dataDir
	engine.settings = settings.NewStore(filepath.Join(dataDir, "settings.json"))
	engine.workspaces = workspace.NewManager(appdirs.WorkspacesDir(dataDir))
	engine.approvals = newApprovalRegistry()
	engine.runs = make(map[string]agentRunHandle)

	cfg, err := engine.settings.Load()
	if err != nil {
		return nil, err
	}
	if engine.client == nil {
		if envutil.Bool("AGENTD_FAKE_BACKEND") {
			engine.client = newFakeBackend()
		} else {
			engine.client = lmstudio.New(lmstudio.Config{
				BaseURL:        cfg.Endpoint,
				Model:          cfg.DefaultModelID,
				RequestTimeout: time.Duration(cfg.APITimeoutSeconds) * time.Second,
				Logger:         engine.logger,
			})
		}
	}
	if len(engine.checkCommand) == 0 {
		if raw := strings.TrimSpace(os.Getenv("AGENTD_CHECK_COMMAND")); raw != "" {
			engine.checkCommand = strings.Fields(raw)
		}
	}
	engine.logger.Debug("engine.init", "data_dir", dataDir,
		"endpoint", cfg.Endpoint, "fake_backend", envutil.Bool("AGENTD_FAKE_BACKEND"))
	return engine, nil
}

func (e *Engine) SetNotifier(notify Notifier) {
	e.notify = notify
}

func (e *Engine) Close() {
	if e.client != nil {
		e.client.Close()
	}
}

func (e *Engine) notifyClient(method string, params any) {
	if e.notify != nil {
		e.notify(method, params)
	}
}

func (e *Engine) EngineGetInfo(ctx context.Context, _ json.RawMessage) (any, *errinfo.ErrorInfo) {
	return map[string]any{
		"engine_version": EngineVersion,
		"api_version":    APIVersion,
	}, nil
}

func (e *Engine) SettingsGet(ctx context.Context, _ json.RawMessage) (any, *errinfo.ErrorInfo) {
	cfg, err := e.settings.Load()
	if err != nil {
		return nil, errinfo.FileReadFailed(errinfo.PhaseSettings, err.Error())
	}
	return cfg, nil
}

func (e *Engine) SettingsUpdate(ctx context.Context, params json.RawMessage) (any, *errinfo.ErrorInfo) {
	var p struct {
		AutoToolApproval     *bool   `json:"auto_tool_approval,omitempty"`
		CritiquePhaseEnabled *bool   `json:"critique_phase_enabled,omitempty"`
		APITimeoutSeconds    *int    `json:"api_timeout_seconds,omitempty"`
		Endpoint             *string `json:"endpoint,omitempty"`
		DefaultModelID       *string `json:"default_model_id,omitempty"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, errinfo.ValidationFailed(errinfo.PhaseSettings, "invalid params: "+err.Error())
	}
	if p.APITimeoutSeconds != nil && *p.APITimeoutSeconds <= 0 {
		return nil, errinfo.ValidationFailed(errinfo.PhaseSettings, "api_timeout_seconds must be positive")
	}
	updated, err := e.settings.Update(func(s *settings.Settings) {
		if p.AutoToolApproval != nil {
			s.AutoToolApproval = *p.AutoToolApproval
		}
		if p.CritiquePhaseEnabled != nil {
			s.CritiquePhaseEnabled = *p.CritiquePhaseEnabled
		}
		if p.APITimeoutSeconds != nil {
			s.APITimeoutSeconds = *p.APITimeoutSeconds
		}
		if p.Endpoint != nil {
			s.Endpoint = *p.Endpoint
		}
		if p.DefaultModelID != nil {
			s.DefaultModelID = *p.DefaultModelID
		}
	})
	if err != nil {
		return nil, errinfo.FileWriteFailed(errinfo.PhaseSettings, err.Error())
	}
	e.client.SetRequestTimeout(time.Duration(updated.APITimeoutSeconds) * time.Second)
	e.logger.Info("engine.settings_updated",
		"auto_tool_approval", updated.AutoToolApproval,
		"critique_phase_enabled", updated.CritiquePhaseEnabled,
		"api_timeout_seconds", updated.APITimeoutSeconds)
	return updated, nil
}

func (e *Engine) ModelsList(ctx context.Context, _ json.RawMessage) (any, *errinfo.ErrorInfo) {
	models, err := e.client.ListModels(ctx)
	if err != nil {
		return nil, errinfo.ConnectionFailed(errinfo.PhaseCompletion, err.Error())
	}
	return map[string]any{"models": models}, nil
}

func (e *Engine) BackendGetStatus(ctx context.Context, _ json.RawMessage) (any, *errinfo.ErrorInfo) {
	reachable := e.client.CheckConnection(ctx) == nil
	return map[string]any{
		"state":     string(e.client.State()),
		"model":     e.client.Model(),
		"reachable": reachable,
	}, nil
}

func (e *Engine) ConversationCreate(ctx context.Context, params json.RawMessage) (any, *errinfo.ErrorInfo) {
	var p struct {
		Title string `json:"title"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, errinfo.ValidationFailed(errinfo.PhaseConversation, "invalid params: "+err.Error())
		}
	}
	id := uuid.NewString()
	ws, err := e.workspaces.Resolve(id)
	if err != nil {
		return nil, errinfo.FileWriteFailed(errinfo.PhaseWorkspace, err.Error())
	}
	conv := newConversation(id, p.Title)
	if err := conv.save(ws.MetaDir); err != nil {
		return nil, errinfo.FileWriteFailed(errinfo.PhaseConversation, err.Error())
	}
	e.logger.Info("engine.conversation_created", "conversation_id", id)
	return map[string]any{"conversation_id": id, "phase": string(conv.Phase)}, nil
}

func (e *Engine) ConversationList(ctx context.Context, _ json.RawMessage) (any, *errinfo.ErrorInfo) {
	ids, err := e.workspaces.List()
	if err != nil {
		return nil, errinfo.FileReadFailed(errinfo.PhaseWorkspace, err.Error())
	}
	type summary struct {
		ConversationID string `json:"conversation_id"`
		Title          string `json:"title"`
		Phase          string `json:"phase"`
		UpdatedAt      string `json:"updated_at"`
	}
	conversations := []summary{}
	for _, id := range ids {
		ws, err := e.workspaces.Resolve(id)
		if err != nil {
			continue
		}
		conv, err := loadConversation(ws.MetaDir)
		if err != nil {
			continue
		}
		conversations = append(conversations, summary{
			ConversationID: conv.ID,
			Title:          conv.Title,
			Phase:          string(conv.Phase),
			UpdatedAt:      conv.UpdatedAt,
		})
	}
	return map[string]any{"conversations": conversations}, nil
}

func (e *Engine) ConversationOpen(ctx context.Context, params json.RawMessage) (any, *errinfo.ErrorInfo) {
	conv, _, errInfo := e.loadConversationByID(params)
	if errInfo != nil {
		return nil, errInfo
	}
	return conv, nil
}

func (e *Engine) ConversationDelete(ctx context.Context, params json.RawMessage) (any, *errinfo.ErrorInfo) {
	var p struct {
		ConversationID string `json:"conversation_id"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, errinfo.ValidationFailed(errinfo.PhaseConversation, "invalid params: "+err.Error())
	}
	if e.runActive(p.ConversationID) {
		return nil, errinfo.RunInProgress(p.ConversationID)
	}
	if err := e.workspaces.Delete(p.ConversationID); err != nil {
		return nil, errinfo.FileWriteFailed(errinfo.PhaseWorkspace, err.Error())
	}
	e.logger.Info("engine.conversation_deleted", "conversation_id", p.ConversationID)
	return map[string]any{"deleted": true}, nil
}

func (e *Engine) ConversationAddUserMessage(ctx context.Context, params json.RawMessage) (any, *errinfo.ErrorInfo) {
	var p struct {
		ConversationID string `json:"conversation_id"`
		Text           string `json:"text"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, errinfo.ValidationFailed(errinfo.PhaseConversation, "invalid params: "+err.Error())
	}
	if strings.TrimSpace(p.Text) == "" {
		return nil, errinfo.ValidationFailed(errinfo.PhaseConversation, "text is required")
	}
	if e.runActive(p.ConversationID) {
		return nil, errinfo.RunInProgress(p.ConversationID)
	}
	conv, ws, errInfo := e.loadConversationByIDString(p.ConversationID)
	if errInfo != nil {
		return nil, errInfo
	}
	msg := conv.appendMessage("user", p.Text)
	if err := conv.save(ws.MetaDir); err != nil {
		return nil, errinfo.FileWriteFailed(errinfo.PhaseConversation, err.Error())
	}
	return map[string]any{"message_id": msg.ID}, nil
}

// AgentRun drives the phase machine for one conversation. It blocks until
// the run reaches a terminal phase, fails, or is canceled; the RPC server
// runs each request in its own goroutine, so this does not stall other
// methods. Only one run per conversation may be active.
func (e *Engine) AgentRun(ctx context.Context, params json.RawMessage) (any, *errinfo.ErrorInfo) {
	var p struct {
		ConversationID string `json:"conversation_id"`
		Goal           string `json:"goal,omitempty"`
		ApprovalMode   string `json:"approval_mode,omitempty"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, errinfo.ValidationFailed(errinfo.PhaseConversation, "invalid params: "+err.Error())
	}

	runCtx, runID, errInfo := e.beginAgentRun(ctx, p.ConversationID)
	if errInfo != nil {
		return nil, errInfo
	}
	defer e.endAgentRun(p.ConversationID, runID)

	rt, errInfo := e.prepareRun(p.ConversationID, p.Goal, p.ApprovalMode)
	if errInfo != nil {
		return nil, errInfo
	}

	e.logger.Info("engine.run_start", "conversation_id", p.ConversationID, "run_id", runID,
		"phase", string(rt.conv.Phase), "approval_mode", string(rt.mode))
	canceled, runErr := e.runAgent(runCtx, rt)
	if runErr != nil {
		return nil, runErr
	}
	e.logger.Info("engine.run_end", "conversation_id", p.ConversationID, "run_id", runID,
		"phase", string(rt.conv.Phase), "canceled", canceled)
	out := map[string]any{
		"run_id":   runID,
		"phase":    string(rt.conv.Phase),
		"canceled": canceled,
	}
	if canceled {
		// A canceled run is a clean result, not an RPC error; the structured
		// record still travels with it so the client can render it uniformly.
		out["cancel"] = errinfo.UserCanceled(strings.ToLower(string(rt.conv.Phase)), "run canceled by user")
	}
	return out, nil
}

func (e *Engine) AgentCancel(ctx context.Context, params json.RawMessage) (any, *errinfo.ErrorInfo) {
	var p struct {
		ConversationID string `json:"conversation_id"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, errinfo.ValidationFailed(errinfo.PhaseConversation, "invalid params: "+err.Error())
	}
	e.runMu.Lock()
	handle, ok := e.runs[p.ConversationID]
	e.runMu.Unlock()
	if !ok || handle.cancel == nil {
		return map[string]any{"canceled": false}, nil
	}
	handle.cancel()
	e.logger.Info("engine.run_cancel_requested", "conversation_id", p.ConversationID, "run_id", handle.runID)
	return map[string]any{"canceled": true}, nil
}

func (e *Engine) ConstitutionGet(ctx context.Context, params json.RawMessage) (any, *errinfo.ErrorInfo) {
	mem, errInfo := e.memoryStoreFromParams(params)
	if errInfo != nil {
		return nil, errInfo
	}
	constitution, err := mem.Constitution()
	if err != nil {
		return nil, errinfo.FileReadFailed(errinfo.PhaseMemory, err.Error())
	}
	return constitution, nil
}

func (e *Engine) ConstitutionAmend(ctx context.Context, params json.RawMessage) (any, *errinfo.ErrorInfo) {
	var p struct {
		ConversationID string               `json:"conversation_id"`
		Constitution   memory.Constitution  `json:"constitution"`
		Decision       memory.DecisionEntry `json:"decision"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, errinfo.ValidationFailed(errinfo.PhaseMemory, "invalid params: "+err.Error())
	}
	mem, errInfo := e.memoryStore(p.ConversationID)
	if errInfo != nil {
		return nil, errInfo
	}
	entry, err := mem.Amend(p.Constitution, p.Decision)
	if err != nil {
		return nil, errinfo.ValidationFailed(errinfo.PhaseMemory, err.Error())
	}
	e.logger.Info("engine.constitution_amended", "conversation_id", p.ConversationID, "decision_id", entry.ID)
	return map[string]any{"decision": entry}, nil
}

func (e *Engine) DecisionLogList(ctx context.Context, params json.RawMessage) (any, *errinfo.ErrorInfo) {
	mem, errInfo := e.memoryStoreFromParams(params)
	if errInfo != nil {
		return nil, errInfo
	}
	decisions, err := mem.Decisions()
	if err != nil {
		return nil, errinfo.FileReadFailed(errinfo.PhaseMemory, err.Error())
	}
	if decisions == nil {
		decisions = []memory.DecisionEntry{}
	}
	return map[string]any{"decisions": decisions}, nil
}

func (e *Engine) DecisionLogAppend(ctx context.Context, params json.RawMessage) (any, *errinfo.ErrorInfo) {
	var p struct {
		ConversationID string               `json:"conversation_id"`
		Entry          memory.DecisionEntry `json:"entry"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, errinfo.ValidationFailed(errinfo.PhaseMemory, "invalid params: "+err.Error())
	}
	if strings.TrimSpace(p.Entry.Title) == "" {
		return nil, errinfo.ValidationFailed(errinfo.PhaseMemory, "decision title is required")
	}
	mem, errInfo := e.memoryStore(p.ConversationID)
	if errInfo != nil {
		return nil, errInfo
	}
	entry, err := mem.AppendDecision(p.Entry)
	if err != nil {
		return nil, errinfo.FileWriteFailed(errinfo.PhaseMemory, err.Error())
	}
	return map[string]any{"decision": entry}, nil
}

func (e *Engine) IndexGet(ctx context.Context, params json.RawMessage) (any, *errinfo.ErrorInfo) {
	var p struct {
		ConversationID string   `json:"conversation_id"`
		Paths          []string `json:"paths,omitempty"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, errinfo.ValidationFailed(errinfo.PhaseMemory, "invalid params: "+err.Error())
	}
	mem, errInfo := e.memoryStore(p.ConversationID)
	if errInfo != nil {
		return nil, errInfo
	}
	// Entries are fetched selectively by path; a full dump needs IndexAudit.
	entries := map[string]memory.IndexEntry{}
	for _, path := range p.Paths {
		entry, ok, err := mem.IndexEntry(path)
		if err != nil {
			return nil, errinfo.FileReadFailed(errinfo.PhaseMemory, err.Error())
		}
		if ok {
			entries[path] = entry
		}
	}
	return map[string]any{"entries": entries}, nil
}

// IndexAudit is the whole-workspace staleness check: it reports entries
// whose file content changed and entries whose file is gone.
func (e *Engine) IndexAudit(ctx context.Context, params json.RawMessage) (any, *errinfo.ErrorInfo) {
	var p struct {
		ConversationID string `json:"conversation_id"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, errinfo.ValidationFailed(errinfo.PhaseMemory, "invalid params: "+err.Error())
	}
	ws, err := e.workspaces.Resolve(p.ConversationID)
	if err != nil {
		return nil, errinfo.ValidationFailed(errinfo.PhaseWorkspace, err.Error())
	}
	mem := memory.NewStore(ws.MemoryDir)
	hashes, err := workspace.ProjectHashes(ws.ProjectDir)
	if err != nil {
		return nil, errinfo.FileReadFailed(errinfo.PhaseWorkspace, err.Error())
	}
	stale, err := mem.StalePaths(hashes)
	if err != nil {
		return nil, errinfo.FileReadFailed(errinfo.PhaseMemory, err.Error())
	}
	index, err := mem.Index()
	if err != nil {
		return nil, errinfo.FileReadFailed(errinfo.PhaseMemory, err.Error())
	}
	orphaned := []string{}
	for path := range index {
		if _, exists := hashes[path]; !exists {
			orphaned = append(orphaned, path)
		}
	}
	if stale == nil {
		stale = []string{}
	}
	return map[string]any{"stale": stale, "orphaned": orphaned, "indexed": len(index)}, nil
}

func (e *Engine) WorkspaceFileTree(ctx context.Context, params json.RawMessage) (any, *errinfo.ErrorInfo) {
	var p struct {
		ConversationID string `json:"conversation_id"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, errinfo.ValidationFailed(errinfo.PhaseWorkspace, "invalid params: "+err.Error())
	}
	ws, err := e.workspaces.Resolve(p.ConversationID)
	if err != nil {
		return nil, errinfo.ValidationFailed(errinfo.PhaseWorkspace, err.Error())
	}
	tree, err := workspace.FileTree(ws.ProjectDir, 0)
	if err != nil {
		return nil, errinfo.FileReadFailed(errinfo.PhaseWorkspace, err.Error())
	}
	return map[string]any{"tree": tree}, nil
}

func (e *Engine) beginAgentRun(parent context.Context, conversationID string) (context.Context, string, *errinfo.ErrorInfo) {
	if strings.TrimSpace(conversationID) == "" {
		return nil, "", errinfo.ValidationFailed(errinfo.PhaseConversation, "conversation_id is required")
	}
	runCtx, cancel := context.WithCancel(parent)
	runID := fmt.Sprintf("run-%d", time.Now().UnixNano())

	e.runMu.Lock()
	defer e.runMu.Unlock()
	if _, exists := e.runs[conversationID]; exists {
		cancel()
		return nil, "", errinfo.RunInProgress(conversationID)
	}
	e.runs[conversationID] = agentRunHandle{runID: runID, cancel: cancel}
	return runCtx, runID, nil
}

func (e *Engine) endAgentRun(conversationID, runID string) {
	var cancel context.CancelFunc
	e.runMu.Lock()
	handle, ok := e.runs[conversationID]
	if ok && handle.runID == runID {
		cancel = handle.cancel
		delete(e.runs, conversationID)
	}
	e.runMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (e *Engine) runActive(conversationID string) bool {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	_, ok := e.runs[conversationID]
	return ok
}

// prepareRun loads the conversation, applies the goal, and assembles the
// per-run state. A fresh goal on a finished conversation restarts planning.
func (e *Engine) prepareRun(conversationID, goal, modeOverride string) (*runState, *errinfo.ErrorInfo) {
	conv, ws, errInfo := e.loadConversationByIDString(conversationID)
	if errInfo != nil {
		return nil, errInfo
	}
	cfg, err := e.settings.Load()
	if err != nil {
		return nil, errinfo.FileReadFailed(errinfo.PhaseSettings, err.Error())
	}

	if strings.TrimSpace(goal) != "" {
		conv.appendMessage("user", goal)
		if conv.Phase.Terminal() {
			conv.Phase = PhasePlan
			conv.CritiqueCycles = 0
		}
	}
	if conv.Phase.Terminal() {
		return nil, errinfo.ValidationFailed(errinfo.PhaseConversation,
			fmt.Sprintf("conversation is %s, provide a new goal to start another run", conv.Phase))
	}
	if strings.TrimSpace(conv.latestUserGoal()) == "" {
		return nil, errinfo.ValidationFailed(errinfo.PhaseConversation, "a goal is required to start a run")
	}

	mem := memory.NewStore(ws.MemoryDir)
	constitution, err := mem.Constitution()
	if err == nil && strings.TrimSpace(constitution.Goal) == "" {
		constitution.Goal = conv.latestUserGoal()
		if writeErr := mem.WriteConstitution(constitution); writeErr != nil {
			e.logger.Warn("engine.constitution_seed_failed", "conversation_id", conversationID, "error", writeErr.Error())
		}
	}

	mode := gateway.ApprovalManual
	if cfg.AutoToolApproval {
		mode = gateway.ApprovalAuto
	}
	switch modeOverride {
	case "":
	case string(gateway.ApprovalManual):
		mode = gateway.ApprovalManual
	case string(gateway.ApprovalAuto):
		mode = gateway.ApprovalAuto
	case string(gateway.ApprovalAutoPersist):
		mode = gateway.ApprovalAutoPersist
	default:
		return nil, errinfo.ValidationFailed(errinfo.PhaseGateway, "unknown approval_mode: "+modeOverride)
	}

	rt := &runState{
		conv:            conv,
		ws:              ws,
		mem:             mem,
		gw:              gateway.New(conversationID, ws.ProjectDir, e, e.logger),
		mode:            mode,
		sampling:        llm.DefaultSampling(),
		critiqueEnabled: cfg.CritiquePhaseEnabled,
	}
	if err := rt.save(); err != nil {
		return nil, errinfo.FileWriteFailed(errinfo.PhaseConversation, err.Error())
	}
	return rt, nil
}

func (e *Engine) loadConversationByID(params json.RawMessage) (*Conversation, workspace.Workspace, *errinfo.ErrorInfo) {
	var p struct {
		ConversationID string `json:"conversation_id"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, workspace.Workspace{}, errinfo.ValidationFailed(errinfo.PhaseConversation, "invalid params: "+err.Error())
	}
	return e.loadConversationByIDString(p.ConversationID)
}

func (e *Engine) loadConversationByIDString(conversationID string) (*Conversation, workspace.Workspace, *errinfo.ErrorInfo) {
	if strings.TrimSpace(conversationID) == "" {
		return nil, workspace.Workspace{}, errinfo.ValidationFailed(errinfo.PhaseConversation, "conversation_id is required")
	}
	ws, err := e.workspaces.Resolve(conversationID)
	if err != nil {
		return nil, workspace.Workspace{}, errinfo.ValidationFailed(errinfo.PhaseWorkspace, err.Error())
	}
	if !conversationExists(ws.MetaDir) {
		return nil, workspace.Workspace{}, errinfo.NotFound(errinfo.PhaseConversation, "no conversation with id "+conversationID)
	}
	conv, err := loadConversation(ws.MetaDir)
	if err != nil {
		return nil, workspace.Workspace{}, errinfo.FileReadFailed(errinfo.PhaseConversation, err.Error())
	}
	return conv, ws, nil
}

func (e *Engine) memoryStoreFromParams(params json.RawMessage) (*memory.Store, *errinfo.ErrorInfo) {
	var p struct {
		ConversationID string `json:"conversation_id"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, errinfo.ValidationFailed(errinfo.PhaseMemory, "invalid params: "+err.Error())
	}
	return e.memoryStore(p.ConversationID)
}

func (e *Engine) memoryStore(conversationID string) (*memory.Store, *errinfo.ErrorInfo) {
	ws, err := e.workspaces.Resolve(conversationID)
	if err != nil {
		return nil, errinfo.ValidationFailed(errinfo.PhaseWorkspace, err.Error())
	}
	return memory.NewStore(ws.MemoryDir), nil
}
