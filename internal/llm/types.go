package llm

import "encoding/json"

// Tool represents a function tool definition.
type Tool struct {
	Type     string      `json:"type"`
	Function FunctionDef `json:"function"`
}

// FunctionDef describes a callable function for the model.
type FunctionDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ToolCall represents a tool invocation requested by the model.
type ToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function ToolCallFunction `json:"function"`
}

// ToolCallFunction contains the function name and arguments for a tool call.
type ToolCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ChatMessage is a message that can include tool calls and tool results.
type ChatMessage struct {
	Role       string     `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ChatResponse contains the model's response including any tool calls.
type ChatResponse struct {
	Content      string     `json:"content"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	FinishReason string     `json:"finish_reason"`
}

// Sampling carries the generation parameters sent with every completion
// request. Zero values are replaced by the backend defaults.
type Sampling struct {
	Temperature       float64 `json:"temperature"`
	MaxTokens         int     `json:"max_tokens"`
	TopP              float64 `json:"top_p"`
	RepetitionPenalty float64 `json:"repetition_penalty"`
}

// DefaultSampling returns the generation parameters used when the caller
// does not override them.
func DefaultSampling() Sampling {
	return Sampling{
		Temperature:       0.7,
		MaxTokens:         2048,
		TopP:              0.95,
		RepetitionPenalty: 1.0,
	}
}

// EstimateTokens gives a rough token count for context bookkeeping.
// The heuristic is about four characters per token.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return len(text)/4 + 1
}
