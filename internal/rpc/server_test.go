package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"agentd/engine/internal/engine"
)

func TestServerHandlesRequest(t *testing.T) {
	input := "{\"jsonrpc\":\"2.0\",\"id\":1,\"method\":\"Ping\",\"api_version\":\"1\"}\n"
	reader := strings.NewReader(input)
	var output bytes.Buffer
	server := NewServer("1", reader, &output, nil)
	server.Register("Ping", func(ctx context.Context, params json.RawMessage) (any, *Error) {
		return map[string]any{"pong": true}, nil
	})

	if err := server.Serve(context.Background()); err != nil {
		t.Fatalf("serve: %v", err)
	}
	var respLine string
	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		respLine = strings.TrimSpace(output.String())
		if respLine != "" {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if respLine == "" {
		t.Fatalf("expected response")
	}
	var resp Response
	if err := json.Unmarshal([]byte(respLine), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error)
	}
	result := resp.Result.(map[string]any)
	if result["pong"] != true {
		t.Fatalf("expected pong true")
	}
}

// Drives a real engine method end to end through the wire format, using the
// same errinfo adapter the binary registers.
func TestServerDrivesEngineMethod(t *testing.T) {
	t.Setenv("AGENTD_DATA_DIR", t.TempDir())
	t.Setenv("AGENTD_FAKE_BACKEND", "1")
	eng, err := engine.New()
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	defer eng.Close()

	input := "{\"jsonrpc\":\"2.0\",\"id\":7,\"method\":\"EngineGetInfo\",\"api_version\":\"" + engine.APIVersion + "\"}\n"
	var output bytes.Buffer
	server := NewServer(engine.APIVersion, strings.NewReader(input), &output, nil)
	server.Register("EngineGetInfo", func(ctx context.Context, params json.RawMessage) (any, *Error) {
		result, errInfo := eng.EngineGetInfo(ctx, params)
		if errInfo != nil {
			return nil, &Error{Message: errInfo.ErrorCode, Data: errInfo}
		}
		return result, nil
	})
	if err := server.Serve(context.Background()); err != nil {
		t.Fatalf("serve: %v", err)
	}

	var respLine string
	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		respLine = strings.TrimSpace(output.String())
		if respLine != "" {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if respLine == "" {
		t.Fatalf("expected response")
	}
	var resp Response
	if err := json.Unmarshal([]byte(respLine), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error)
	}
	info := resp.Result.(map[string]any)
	if info["api_version"] != engine.APIVersion {
		t.Fatalf("api_version = %v, want %s", info["api_version"], engine.APIVersion)
	}
}
