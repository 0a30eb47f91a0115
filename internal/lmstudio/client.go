package lmstudio

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"agentd/engine/internal/llm"
	"agentd/engine/internal/logging"
)

const (
	chatCompletionsPath = "/v1/chat/completions"
	modelsPath          = "/v1/models"
	loadModelPath       = "/v1/models/load"
	unloadModelPath     = "/v1/models/unload"

	defaultRequestTimeout  = 120 * time.Second
	defaultRecoveryTimeout = 60 * time.Second
	defaultPollInterval    = 2 * time.Second
	connectionCheckTimeout = 5 * time.Second
	maxErrorBodyBytes      = 2048
)

// State tracks the backend connection through the recovery machine.
type State string

const (
	StateReady       State = "ready"
	StateInFlight    State = "in_flight"
	StateRecovering  State = "recovering"
	StateUnreachable State = "unreachable"
)

type Config struct {
	BaseURL         string
	Model           string
	RequestTimeout  time.Duration
	RecoveryTimeout time.Duration
	PollInterval    time.Duration
	Logger          *slog.Logger
}

// Client talks to an OpenAI-compatible local backend. The HTTP session is a
// single process-wide handle: acquired when the client is constructed,
// released by Close, never torn down mid-call. All model reload operations
// are funneled through one session worker goroutine so overlapping
// recoveries from concurrent conversations serialize.
type Client struct {
	baseURL         string
	model           string
	requestTimeout  time.Duration
	recoveryTimeout time.Duration
	pollInterval    time.Duration
	httpClient      *http.Client
	logger          *slog.Logger

	mu    sync.Mutex
	state State

	sessionReq chan recoverRequest
	done       chan struct{}
	closeOnce  sync.Once
}

type recoverRequest struct {
	ctx   context.Context
	reply chan error
}

func New(cfg Config) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	c := &Client{
		baseURL:         strings.TrimRight(cfg.BaseURL, "/"),
		model:           cfg.Model,
		requestTimeout:  cfg.RequestTimeout,
		recoveryTimeout: cfg.RecoveryTimeout,
		pollInterval:    cfg.PollInterval,
		httpClient:      &http.Client{},
		logger:          logger.With("component", "lmstudio"),
		state:           StateReady,
		sessionReq:      make(chan recoverRequest),
		done:            make(chan struct{}),
	}
	if c.requestTimeout <= 0 {
		c.requestTimeout = defaultRequestTimeout
	}
	if c.recoveryTimeout <= 0 {
		c.recoveryTimeout = defaultRecoveryTimeout
	}
	if c.pollInterval <= 0 {
		c.pollInterval = defaultPollInterval
	}
	go c.sessionWorker()
	return c
}

// Close releases the session handle and stops the session worker.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.httpClient.CloseIdleConnections()
	})
}

func (c *Client) Model() string { return c.model }

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetRequestTimeout adjusts the per-request deadline, typically from the
// api_timeout_seconds setting.
func (c *Client) SetRequestTimeout(timeout time.Duration) {
	if timeout <= 0 {
		return
	}
	c.mu.Lock()
	c.requestTimeout = timeout
	c.mu.Unlock()
}

func (c *Client) setState(next State) {
	c.mu.Lock()
	prev := c.state
	c.state = next
	c.mu.Unlock()
	if prev != next {
		c.logger.Info("lmstudio.state", "from", string(prev), "to", string(next))
	}
}

// CheckConnection probes the models endpoint with a short deadline.
func (c *Client) CheckConnection(ctx context.Context) error {
	checkCtx, cancel := context.WithTimeout(ctx, connectionCheckTimeout)
	defer cancel()
	_, err := c.listModels(checkCtx)
	return err
}

func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	return c.listModels(ctx)
}

func (c *Client) listModels(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+modelsPath, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", llm.ErrConnection, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: models endpoint returned %s", llm.ErrConnection, resp.Status)
	}
	var envelope struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", llm.ErrConnection, err)
	}
	ids := make([]string, 0, len(envelope.Data))
	for _, entry := range envelope.Data {
		ids = append(ids, entry.ID)
	}
	return ids, nil
}

// StreamChat sends one streaming completion request for the given session.
// Text deltas arrive via onDelta as they are received; the final response
// carries the full content and any tool calls. On a timeout the client runs
// the unload/load/poll recovery sequence and retries the request exactly
// once; a second timeout is fatal for the call. Non-timeout network errors
// are reported immediately without recovery.
func (c *Client) StreamChat(ctx context.Context, sessionID string, messages []llm.ChatMessage, tools []llm.Tool, sampling llm.Sampling, onDelta func(string)) (llm.ChatResponse, error) {
	c.setState(StateInFlight)
	resp, err := c.streamOnce(ctx, sessionID, messages, tools, sampling, onDelta)
	if err == nil {
		c.setState(StateReady)
		return resp, nil
	}
	if ctx.Err() != nil {
		c.setState(StateReady)
		return resp, ctx.Err()
	}
	if !isTimeout(err) {
		c.setState(StateReady)
		return resp, fmt.Errorf("%w: %v", llm.ErrConnection, err)
	}

	c.logger.Warn("lmstudio.request_timeout", "session_id", sessionID, "model", c.model)
	c.setState(StateRecovering)
	if recErr := c.requestRecovery(ctx); recErr != nil {
		c.setState(StateUnreachable)
		return resp, fmt.Errorf("%w: recovery failed: %v", llm.ErrUnreachable, recErr)
	}
	c.setState(StateInFlight)
	c.logger.Info("lmstudio.retry_after_recovery", "session_id", sessionID)

	resp, err = c.streamOnce(ctx, sessionID, messages, tools, sampling, onDelta)
	if err == nil {
		c.setState(StateReady)
		return resp, nil
	}
	c.setState(StateReady)
	if ctx.Err() != nil {
		return resp, ctx.Err()
	}
	if isTimeout(err) {
		return resp, fmt.Errorf("%w: request timed out again after model reload", llm.ErrTimeout)
	}
	return resp, fmt.Errorf("%w: %v", llm.ErrConnection, err)
}

func (c *Client) streamOnce(ctx context.Context, sessionID string, messages []llm.ChatMessage, tools []llm.Tool, sampling llm.Sampling, onDelta func(string)) (llm.ChatResponse, error) {
	if sampling == (llm.Sampling{}) {
		sampling = llm.DefaultSampling()
	}
	payload := map[string]any{
		"model":              c.model,
		"messages":           messages,
		"temperature":        sampling.Temperature,
		"max_tokens":         sampling.MaxTokens,
		"top_p":              sampling.TopP,
		"repetition_penalty": sampling.RepetitionPenalty,
		"session_id":         sessionID,
		"stream":             true,
	}
	if len(tools) > 0 {
		payload["tools"] = tools
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return llm.ChatResponse{}, err
	}

	c.mu.Lock()
	timeout := c.requestTimeout
	c.mu.Unlock()
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+chatCompletionsPath, bytes.NewReader(body))
	if err != nil {
		return llm.ChatResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return llm.ChatResponse{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return llm.ChatResponse{}, fmt.Errorf("chat completions returned %s: %s", resp.Status, readErrorBody(resp))
	}

	var contentBuilder strings.Builder
	toolCallsByIndex := map[int]*llm.ToolCall{}
	var toolCallOrder []int
	finishReason := ""

	scanner := bufio.NewScanner(resp.Body)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 2*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			break
		}
		var event streamEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			continue
		}
		if len(event.Choices) == 0 {
			continue
		}
		choice := event.Choices[0]
		if choice.FinishReason != "" {
			finishReason = choice.FinishReason
		}
		if choice.Delta.Content != "" {
			contentBuilder.WriteString(choice.Delta.Content)
			if onDelta != nil {
				onDelta(choice.Delta.Content)
			}
		}
		for _, tc := range choice.Delta.ToolCalls {
			entry, ok := toolCallsByIndex[tc.Index]
			if !ok {
				entry = &llm.ToolCall{Type: "function"}
				toolCallsByIndex[tc.Index] = entry
				toolCallOrder = append(toolCallOrder, tc.Index)
			}
			if tc.ID != "" {
				entry.ID = tc.ID
			}
			if tc.Function.Name != "" {
				entry.Function.Name = tc.Function.Name
			}
			entry.Function.Arguments += tc.Function.Arguments
		}
	}
	if err := scanner.Err(); err != nil {
		return llm.ChatResponse{Content: contentBuilder.String()}, err
	}

	var toolCalls []llm.ToolCall
	for _, index := range toolCallOrder {
		toolCalls = append(toolCalls, *toolCallsByIndex[index])
	}
	if finishReason == "" {
		finishReason = "stop"
		if len(toolCalls) > 0 {
			finishReason = "tool_calls"
		}
	}
	return llm.ChatResponse{
		Content:      contentBuilder.String(),
		ToolCalls:    toolCalls,
		FinishReason: finishReason,
	}, nil
}

type streamEvent struct {
	Choices []struct {
		Delta struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// requestRecovery hands the reload to the session worker and waits for the
// outcome. Callers never touch the session directly.
func (c *Client) requestRecovery(ctx context.Context) error {
	req := recoverRequest{ctx: ctx, reply: make(chan error, 1)}
	select {
	case c.sessionReq <- req:
	case <-c.done:
		return errors.New("client closed")
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) sessionWorker() {
	for {
		select {
		case <-c.done:
			return
		case req := <-c.sessionReq:
			req.reply <- c.recover(req.ctx)
		}
	}
}

// recover runs unload, load, then polls readiness until the model appears
// or the recovery window closes. The window deadline covers every HTTP call
// inside recovery, so a hung lifecycle endpoint cannot keep the client in
// the recovering state past it.
func (c *Client) recover(ctx context.Context) error {
	recCtx, cancel := context.WithTimeout(ctx, c.recoveryTimeout)
	defer cancel()
	if err := c.postModelOp(recCtx, unloadModelPath); err != nil {
		// A stuck model may refuse unload; the subsequent load decides.
		c.logger.Warn("lmstudio.unload_failed", "model", c.model, "error", err.Error())
	}
	if err := c.postModelOp(recCtx, loadModelPath); err != nil {
		if recCtx.Err() != nil && ctx.Err() == nil {
			return fmt.Errorf("model %s not ready within recovery window: load did not complete", c.model)
		}
		return fmt.Errorf("load model: %w", err)
	}
	for {
		ready, err := c.modelReady(recCtx)
		if err == nil && ready {
			c.logger.Info("lmstudio.model_ready", "model", c.model)
			return nil
		}
		select {
		case <-recCtx.Done():
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("model %s not ready within recovery window", c.model)
		case <-time.After(c.pollInterval):
		}
	}
}

func (c *Client) postModelOp(ctx context.Context, path string) error {
	body, err := json.Marshal(map[string]string{"model": c.model})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s returned %s: %s", path, resp.Status, readErrorBody(resp))
	}
	return nil
}

func (c *Client) modelReady(ctx context.Context) (bool, error) {
	ids, err := c.listModels(ctx)
	if err != nil {
		return false, err
	}
	for _, id := range ids {
		if id == c.model {
			return true, nil
		}
	}
	return false, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func readErrorBody(resp *http.Response) string {
	if resp == nil || resp.Body == nil {
		return ""
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	return strings.TrimSpace(string(body))
}
