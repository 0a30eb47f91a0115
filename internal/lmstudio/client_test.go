package lmstudio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"agentd/engine/internal/llm"
)

func jsonDecode(r *http.Request, out any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(out)
}

type callRecorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *callRecorder) record(name string) {
	r.mu.Lock()
	r.calls = append(r.calls, name)
	r.mu.Unlock()
}

func (r *callRecorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.calls))
	copy(out, r.calls)
	return out
}

func writeSSE(w http.ResponseWriter, lines ...string) {
	w.Header().Set("Content-Type", "text/event-stream")
	for _, line := range lines {
		fmt.Fprintf(w, "data: %s\n\n", line)
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
}

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	c := New(Config{
		BaseURL:         baseURL,
		Model:           "test-model",
		RequestTimeout:  100 * time.Millisecond,
		RecoveryTimeout: time.Second,
		PollInterval:    10 * time.Millisecond,
	})
	t.Cleanup(c.Close)
	return c
}

func TestStreamChatCollectsDeltas(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeSSE(w,
			`{"choices":[{"delta":{"content":"Hello"}}]}`,
			`{"choices":[{"delta":{"content":" world"}}]}`,
			`{"choices":[{"delta":{},"finish_reason":"stop"}]}`,
		)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	var deltas []string
	resp, err := client.StreamChat(context.Background(), "conv-1", []llm.ChatMessage{{Role: "user", Content: "hi"}}, nil, llm.Sampling{}, func(chunk string) {
		deltas = append(deltas, chunk)
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if resp.Content != "Hello world" {
		t.Fatalf("content = %q", resp.Content)
	}
	if len(deltas) != 2 {
		t.Fatalf("expected 2 deltas, got %v", deltas)
	}
	if resp.FinishReason != "stop" {
		t.Fatalf("finish reason = %q", resp.FinishReason)
	}
	if client.State() != StateReady {
		t.Fatalf("state = %s, want ready", client.State())
	}
}

func TestStreamChatAccumulatesToolCalls(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeSSE(w,
			`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"write_file","arguments":"{\"path\":"}}]}}]}`,
			`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"a.py\"}"}}]}}]}`,
			`{"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
		)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	resp, err := client.StreamChat(context.Background(), "conv-1", nil, nil, llm.Sampling{}, nil)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("expected one tool call, got %d", len(resp.ToolCalls))
	}
	call := resp.ToolCalls[0]
	if call.ID != "call_1" || call.Function.Name != "write_file" {
		t.Fatalf("unexpected call %+v", call)
	}
	if call.Function.Arguments != `{"path":"a.py"}` {
		t.Fatalf("arguments = %q", call.Function.Arguments)
	}
	if resp.FinishReason != "tool_calls" {
		t.Fatalf("finish reason = %q", resp.FinishReason)
	}
}

func TestTimeoutTriggersUnloadLoadPollRetry(t *testing.T) {
	recorder := &callRecorder{}
	var mu sync.Mutex
	chatCalls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == chatCompletionsPath:
			recorder.record("chat")
			mu.Lock()
			chatCalls++
			first := chatCalls == 1
			mu.Unlock()
			if first {
				select {
				case <-time.After(5 * time.Second):
				case <-r.Context().Done():
				}
				return
			}
			writeSSE(w, `{"choices":[{"delta":{"content":"recovered"},"finish_reason":null}]}`)
		case r.URL.Path == unloadModelPath:
			recorder.record("unload")
			w.WriteHeader(http.StatusOK)
		case r.URL.Path == loadModelPath:
			recorder.record("load")
			w.WriteHeader(http.StatusOK)
		case r.URL.Path == modelsPath:
			recorder.record("models")
			fmt.Fprint(w, `{"data":[{"id":"test-model"}]}`)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	resp, err := client.StreamChat(context.Background(), "conv-1", []llm.ChatMessage{{Role: "user", Content: "go"}}, nil, llm.Sampling{}, nil)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if resp.Content != "recovered" {
		t.Fatalf("content = %q", resp.Content)
	}

	calls := recorder.snapshot()
	want := []string{"chat", "unload", "load", "models", "chat"}
	if len(calls) != len(want) {
		t.Fatalf("calls = %v, want %v", calls, want)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Fatalf("call %d = %s, want %s (all: %v)", i, calls[i], want[i], calls)
		}
	}
	if client.State() != StateReady {
		t.Fatalf("state = %s, want ready", client.State())
	}
}

func TestSecondTimeoutIsFatal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case chatCompletionsPath:
			select {
			case <-time.After(5 * time.Second):
			case <-r.Context().Done():
			}
		case modelsPath:
			fmt.Fprint(w, `{"data":[{"id":"test-model"}]}`)
		default:
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	_, err := client.StreamChat(context.Background(), "conv-1", nil, nil, llm.Sampling{}, nil)
	if !errors.Is(err, llm.ErrTimeout) {
		t.Fatalf("expected timeout error, got %v", err)
	}
}

func TestConnectionErrorSkipsRecovery(t *testing.T) {
	recorder := &callRecorder{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder.record(r.URL.Path)
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, "backend exploded")
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	_, err := client.StreamChat(context.Background(), "conv-1", nil, nil, llm.Sampling{}, nil)
	if !errors.Is(err, llm.ErrConnection) {
		t.Fatalf("expected connection error, got %v", err)
	}
	for _, call := range recorder.snapshot() {
		if call == unloadModelPath || call == loadModelPath {
			t.Fatalf("expected no reload on connection error, saw %v", recorder.snapshot())
		}
	}
}

func TestRecoveryWindowExceededIsUnreachable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case chatCompletionsPath:
			select {
			case <-time.After(5 * time.Second):
			case <-r.Context().Done():
			}
		case modelsPath:
			// Model never comes back.
			fmt.Fprint(w, `{"data":[]}`)
		default:
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer server.Close()

	client := New(Config{
		BaseURL:         server.URL,
		Model:           "test-model",
		RequestTimeout:  50 * time.Millisecond,
		RecoveryTimeout: 100 * time.Millisecond,
		PollInterval:    10 * time.Millisecond,
	})
	defer client.Close()

	_, err := client.StreamChat(context.Background(), "conv-1", nil, nil, llm.Sampling{}, nil)
	if !errors.Is(err, llm.ErrUnreachable) {
		t.Fatalf("expected unreachable error, got %v", err)
	}
	if client.State() != StateUnreachable {
		t.Fatalf("state = %s, want unreachable", client.State())
	}
}

func TestHungLoadRespectsRecoveryWindow(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case chatCompletionsPath, loadModelPath:
			// The stuck backend hangs on load too, the likeliest failure
			// shape after a stuck completion.
			select {
			case <-time.After(10 * time.Second):
			case <-r.Context().Done():
			}
		case modelsPath:
			fmt.Fprint(w, `{"data":[]}`)
		default:
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer server.Close()

	client := New(Config{
		BaseURL:         server.URL,
		Model:           "test-model",
		RequestTimeout:  50 * time.Millisecond,
		RecoveryTimeout: 200 * time.Millisecond,
		PollInterval:    10 * time.Millisecond,
	})
	defer client.Close()

	start := time.Now()
	_, err := client.StreamChat(context.Background(), "conv-1", nil, nil, llm.Sampling{}, nil)
	elapsed := time.Since(start)
	if !errors.Is(err, llm.ErrUnreachable) {
		t.Fatalf("expected unreachable error, got %v", err)
	}
	if elapsed > 2*time.Second {
		t.Fatalf("recovery took %s, window was 200ms", elapsed)
	}
	if client.State() != StateUnreachable {
		t.Fatalf("state = %s, want unreachable", client.State())
	}
}

func TestStreamChatSendsSessionCorrelation(t *testing.T) {
	var gotSession string
	var gotStream bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			SessionID string `json:"session_id"`
			Stream    bool   `json:"stream"`
			Model     string `json:"model"`
		}
		if err := jsonDecode(r, &payload); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		gotSession = payload.SessionID
		gotStream = payload.Stream
		writeSSE(w, `{"choices":[{"delta":{"content":"ok"},"finish_reason":"stop"}]}`)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	if _, err := client.StreamChat(context.Background(), "conv-42", nil, nil, llm.Sampling{}, nil); err != nil {
		t.Fatalf("stream: %v", err)
	}
	if gotSession != "conv-42" {
		t.Fatalf("session_id = %q", gotSession)
	}
	if !gotStream {
		t.Fatalf("expected stream: true")
	}
}

func TestListModels(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != modelsPath {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		fmt.Fprint(w, `{"data":[{"id":"model-a"},{"id":"model-b"}]}`)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	ids, err := client.ListModels(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if strings.Join(ids, ",") != "model-a,model-b" {
		t.Fatalf("ids = %v", ids)
	}
}
