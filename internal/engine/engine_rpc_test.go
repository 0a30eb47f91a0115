package engine

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"agentd/engine/internal/memory"
)

func TestEngineGetInfo(t *testing.T) {
	engine := newTestEngine(t, &scriptedClient{})
	result, errInfo := engine.EngineGetInfo(context.Background(), nil)
	if errInfo != nil {
		t.Fatalf("get info: %+v", errInfo)
	}
	info := result.(map[string]any)
	if info["api_version"] != APIVersion || info["engine_version"] != EngineVersion {
		t.Fatalf("unexpected info %+v", info)
	}
}

func TestConversationLifecycle(t *testing.T) {
	engine := newTestEngine(t, &scriptedClient{})
	convID := createTestConversation(t, engine)

	list, errInfo := engine.ConversationList(context.Background(), nil)
	if errInfo != nil {
		t.Fatalf("list: %+v", errInfo)
	}
	data, _ := json.Marshal(list)
	var listed struct {
		Conversations []struct {
			ConversationID string `json:"conversation_id"`
			Phase          string `json:"phase"`
		} `json:"conversations"`
	}
	if err := json.Unmarshal(data, &listed); err != nil {
		t.Fatalf("unmarshal list: %v", err)
	}
	if len(listed.Conversations) != 1 || listed.Conversations[0].ConversationID != convID {
		t.Fatalf("list = %+v", listed)
	}
	if listed.Conversations[0].Phase != "PLAN" {
		t.Fatalf("fresh conversation phase = %s, want PLAN", listed.Conversations[0].Phase)
	}

	msgParams, _ := json.Marshal(map[string]string{"conversation_id": convID, "text": "hello agent"})
	if _, errInfo := engine.ConversationAddUserMessage(context.Background(), msgParams); errInfo != nil {
		t.Fatalf("add message: %+v", errInfo)
	}

	opened, errInfo := engine.ConversationOpen(context.Background(), json.RawMessage(`{"conversation_id":"`+convID+`"}`))
	if errInfo != nil {
		t.Fatalf("open: %+v", errInfo)
	}
	conv := opened.(*Conversation)
	if len(conv.Messages) != 1 || conv.Messages[0].Content != "hello agent" {
		t.Fatalf("messages = %+v", conv.Messages)
	}

	if _, errInfo := engine.ConversationDelete(context.Background(), json.RawMessage(`{"conversation_id":"`+convID+`"}`)); errInfo != nil {
		t.Fatalf("delete: %+v", errInfo)
	}
	if _, errInfo := engine.ConversationOpen(context.Background(), json.RawMessage(`{"conversation_id":"`+convID+`"}`)); errInfo == nil {
		t.Fatalf("open after delete should fail")
	}
}

func TestConversationOpenUnknownID(t *testing.T) {
	engine := newTestEngine(t, &scriptedClient{})
	_, errInfo := engine.ConversationOpen(context.Background(), json.RawMessage(`{"conversation_id":"no-such-conversation"}`))
	if errInfo == nil || errInfo.ErrorCode != "NOT_FOUND" {
		t.Fatalf("expected NOT_FOUND, got %+v", errInfo)
	}
}

func TestSettingsUpdateRoundTrip(t *testing.T) {
	engine := newTestEngine(t, &scriptedClient{})
	params, _ := json.Marshal(map[string]any{
		"critique_phase_enabled": false,
		"api_timeout_seconds":    45,
		"default_model_id":       "qwen-coder",
	})
	if _, errInfo := engine.SettingsUpdate(context.Background(), params); errInfo != nil {
		t.Fatalf("update: %+v", errInfo)
	}

	result, errInfo := engine.SettingsGet(context.Background(), nil)
	if errInfo != nil {
		t.Fatalf("get: %+v", errInfo)
	}
	data, _ := json.Marshal(result)
	var got struct {
		AutoToolApproval     bool   `json:"auto_tool_approval"`
		CritiquePhaseEnabled bool   `json:"critique_phase_enabled"`
		APITimeoutSeconds    int    `json:"api_timeout_seconds"`
		DefaultModelID       string `json:"default_model_id"`
	}
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.CritiquePhaseEnabled || got.APITimeoutSeconds != 45 || got.DefaultModelID != "qwen-coder" {
		t.Fatalf("settings = %+v", got)
	}
	if got.AutoToolApproval {
		t.Fatalf("auto_tool_approval changed without being set")
	}
}

func TestSettingsUpdateRejectsBadTimeout(t *testing.T) {
	engine := newTestEngine(t, &scriptedClient{})
	_, errInfo := engine.SettingsUpdate(context.Background(), json.RawMessage(`{"api_timeout_seconds": 0}`))
	if errInfo == nil || errInfo.ErrorCode != "VALIDATION_FAILED" {
		t.Fatalf("expected VALIDATION_FAILED, got %+v", errInfo)
	}
}

func TestConstitutionAmendLogsDecision(t *testing.T) {
	engine := newTestEngine(t, &scriptedClient{})
	convID := createTestConversation(t, engine)

	params, _ := json.Marshal(map[string]any{
		"conversation_id": convID,
		"constitution": map[string]any{
			"goal":       "Build a CLI todo app",
			"tech_stack": []string{"python"},
		},
		"decision": map[string]any{
			"title":     "Switch storage from JSON to SQLite",
			"reasoning": "Concurrent writes corrupted the JSON file.",
		},
	})
	result, errInfo := engine.ConstitutionAmend(context.Background(), params)
	if errInfo != nil {
		t.Fatalf("amend: %+v", errInfo)
	}
	data, _ := json.Marshal(result)
	var amended struct {
		Decision struct {
			ID    int    `json:"id"`
			Title string `json:"title"`
			Date  string `json:"date"`
		} `json:"decision"`
	}
	if err := json.Unmarshal(data, &amended); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if amended.Decision.ID != 1 || amended.Decision.Date == "" {
		t.Fatalf("decision = %+v, want assigned id and date", amended.Decision)
	}

	got, errInfo := engine.ConstitutionGet(context.Background(), json.RawMessage(`{"conversation_id":"`+convID+`"}`))
	if errInfo != nil {
		t.Fatalf("get: %+v", errInfo)
	}
	data, _ = json.Marshal(got)
	var constitution struct {
		Goal string `json:"goal"`
	}
	if err := json.Unmarshal(data, &constitution); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if constitution.Goal != "Build a CLI todo app" {
		t.Fatalf("goal = %q", constitution.Goal)
	}

	decisions, errInfo := engine.DecisionLogList(context.Background(), json.RawMessage(`{"conversation_id":"`+convID+`"}`))
	if errInfo != nil {
		t.Fatalf("decisions: %+v", errInfo)
	}
	titles := decisionTitles(t, decisions)
	if len(titles) != 1 || titles[0] != "Switch storage from JSON to SQLite" {
		t.Fatalf("titles = %v", titles)
	}
}

func TestConstitutionAmendRequiresDecisionTitle(t *testing.T) {
	engine := newTestEngine(t, &scriptedClient{})
	convID := createTestConversation(t, engine)
	params, _ := json.Marshal(map[string]any{
		"conversation_id": convID,
		"constitution":    map[string]any{"goal": "anything"},
		"decision":        map[string]any{"title": ""},
	})
	if _, errInfo := engine.ConstitutionAmend(context.Background(), params); errInfo == nil {
		t.Fatalf("amendment without a decision title should fail")
	}
}

func TestIndexAuditReportsStaleAndOrphaned(t *testing.T) {
	engine := newTestEngine(t, &scriptedClient{})
	convID := createTestConversation(t, engine)
	ws, err := engine.workspaces.Resolve(convID)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if err := os.WriteFile(filepath.Join(ws.ProjectDir, "untracked.py"), []byte("x = 1\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	mem, errInfo := engine.memoryStore(convID)
	if errInfo != nil {
		t.Fatalf("memory store: %+v", errInfo)
	}
	if _, err := mem.UpdateIndexEntry("deleted.py", memory.IndexEntry{Purpose: "gone"}, "stalehash"); err != nil {
		t.Fatalf("seed index entry: %v", err)
	}

	result, errInfo := engine.IndexAudit(context.Background(), json.RawMessage(`{"conversation_id":"`+convID+`"}`))
	if errInfo != nil {
		t.Fatalf("audit: %+v", errInfo)
	}
	audit := result.(map[string]any)
	stale := audit["stale"].([]string)
	if len(stale) != 1 || stale[0] != "untracked.py" {
		t.Fatalf("stale = %v, want [untracked.py]", stale)
	}
	orphaned := audit["orphaned"].([]string)
	if len(orphaned) != 1 || orphaned[0] != "deleted.py" {
		t.Fatalf("orphaned = %v, want [deleted.py]", orphaned)
	}
}

func TestWorkspaceFileTree(t *testing.T) {
	engine := newTestEngine(t, &scriptedClient{})
	convID := createTestConversation(t, engine)
	ws, err := engine.workspaces.Resolve(convID)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(ws.ProjectDir, "src"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(ws.ProjectDir, "src", "main.py"), []byte("print()\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	result, errInfo := engine.WorkspaceFileTree(context.Background(), json.RawMessage(`{"conversation_id":"`+convID+`"}`))
	if errInfo != nil {
		t.Fatalf("tree: %+v", errInfo)
	}
	tree := result.(map[string]any)["tree"].(string)
	if tree != "src/\nsrc/main.py" {
		t.Fatalf("tree = %q", tree)
	}
}

func TestToolApprovalDecideValidation(t *testing.T) {
	engine := newTestEngine(t, &scriptedClient{})

	_, errInfo := engine.ToolApprovalDecide(context.Background(), json.RawMessage(`{"approval_id":"x","decision":"deny","reason":"  "}`))
	if errInfo == nil || errInfo.ErrorCode != "VALIDATION_FAILED" {
		t.Fatalf("blank denial reason should be rejected, got %+v", errInfo)
	}

	_, errInfo = engine.ToolApprovalDecide(context.Background(), json.RawMessage(`{"approval_id":"x","decision":"approve"}`))
	if errInfo == nil || errInfo.ErrorCode != "NOT_FOUND" {
		t.Fatalf("unknown approval id should be NOT_FOUND, got %+v", errInfo)
	}

	_, errInfo = engine.ToolApprovalDecide(context.Background(), json.RawMessage(`{"approval_id":"x","decision":"maybe"}`))
	if errInfo == nil || errInfo.ErrorCode != "VALIDATION_FAILED" {
		t.Fatalf("unknown decision should be rejected, got %+v", errInfo)
	}
}

func TestModelsListUsesClient(t *testing.T) {
	engine := newTestEngine(t, &scriptedClient{})
	result, errInfo := engine.ModelsList(context.Background(), nil)
	if errInfo != nil {
		t.Fatalf("models: %+v", errInfo)
	}
	models := result.(map[string]any)["models"].([]string)
	if len(models) != 1 || models[0] != "scripted-model" {
		t.Fatalf("models = %v", models)
	}
}
