package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"agentd/engine/internal/llm"
	"agentd/engine/internal/lmstudio"
)

const (
	fakeTimeoutMarker    = "[timeout]"
	fakeConnectionMarker = "[connection-error]"
)

// fakeBackend is a marker-driven stand-in for LM Studio, enabled with
// AGENTD_FAKE_BACKEND=1. It lets the UI exercise the full phase machine
// offline: planning returns one file-writing task, implementation emits a
// write_file call followed by a summary, critique reports no flaws.
type fakeBackend struct {
	mu            sync.Mutex
	implementCall map[string]int
}

func newFakeBackend() CompletionClient {
	return &fakeBackend{implementCall: make(map[string]int)}
}

func (f *fakeBackend) StreamChat(_ context.Context, sessionID string, messages []llm.ChatMessage, tools []llm.Tool, _ llm.Sampling, onDelta func(string)) (llm.ChatResponse, error) {
	prompt := joinFakeMessages(messages)
	if strings.Contains(prompt, fakeTimeoutMarker) {
		return llm.ChatResponse{}, fmt.Errorf("%w: simulated backend stall", llm.ErrTimeout)
	}
	if strings.Contains(prompt, fakeConnectionMarker) {
		return llm.ChatResponse{}, fmt.Errorf("%w: simulated refused connection", llm.ErrConnection)
	}

	var content string
	var toolCalls []llm.ToolCall
	switch {
	case strings.Contains(prompt, "JSON array of task description strings"):
		content = `["Create hello.txt containing a short greeting."]`
	case strings.Contains(prompt, `"flaws_found"`):
		content = `{"flaws_found": false, "summary": "The greeting file exists and matches the goal.", "new_tasks": []}`
	case len(tools) > 0 && f.nextImplementCall(sessionID) == 1:
		args, _ := json.Marshal(map[string]string{
			"path":    "hello.txt",
			"content": "Hello from the fake backend.\n",
		})
		toolCalls = []llm.ToolCall{{
			ID:   "fake-call-1",
			Type: "function",
			Function: llm.ToolCallFunction{
				Name:      "write_file",
				Arguments: string(args),
			},
		}}
	default:
		content = "Created hello.txt with a greeting."
	}

	if onDelta != nil && content != "" {
		onDelta(content)
	}
	finish := "stop"
	if len(toolCalls) > 0 {
		finish = "tool_calls"
	}
	return llm.ChatResponse{Content: content, ToolCalls: toolCalls, FinishReason: finish}, nil
}

func (f *fakeBackend) nextImplementCall(sessionID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.implementCall[sessionID]++
	return f.implementCall[sessionID]
}

func (f *fakeBackend) ListModels(_ context.Context) ([]string, error) {
	return []string{"fake-model"}, nil
}

func (f *fakeBackend) CheckConnection(_ context.Context) error { return nil }

func (f *fakeBackend) SetRequestTimeout(time.Duration) {}

func (f *fakeBackend) State() lmstudio.State { return lmstudio.StateReady }

func (f *fakeBackend) Model() string { return "fake-model" }

func (f *fakeBackend) Close() {}

func joinFakeMessages(messages []llm.ChatMessage) string {
	var b strings.Builder
	for _, msg := range messages {
		b.WriteString(msg.Content)
		b.WriteString("\n")
	}
	return b.String()
}
