package schema

import (
	"encoding/json"
	"strings"
)

// OpenAI-family finish reasons.
const (
	OpenAIFinishStop      = "stop"
	OpenAIFinishToolCalls = "tool_calls"
	OpenAIFinishLength    = "length"
)

// OpenAIRequest is the chat-completions request body.
type OpenAIRequest struct {
	Model       string          `json:"model"`
	Messages    []OpenAIMessage `json:"messages"`
	Tools       []OpenAITool    `json:"tools,omitempty"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	TopP        *float64        `json:"top_p,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
	Stop        []string        `json:"stop,omitempty"`
}

// OpenAIMessage is one chat-completions message.
type OpenAIMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content,omitempty"`
	ToolCalls  []OpenAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
	Name       string           `json:"name,omitempty"`
}

// OpenAITool wraps a function definition.
type OpenAITool struct {
	Type     string         `json:"type"` // "function"
	Function OpenAIFunction `json:"function"`
}

// OpenAIFunction describes a callable function.
type OpenAIFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// OpenAIToolCall is a structured tool invocation in a reply. Index is only
// present on streamed deltas, where calls are assembled across frames.
type OpenAIToolCall struct {
	Index    *int               `json:"index,omitempty"`
	ID       string             `json:"id,omitempty"`
	Type     string             `json:"type,omitempty"` // "function"
	Function OpenAIFunctionCall `json:"function"`
}

// OpenAIFunctionCall carries the function name and JSON-encoded arguments.
type OpenAIFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// OpenAIResponse is a complete (non-streamed) chat-completions reply.
type OpenAIResponse struct {
	ID      string         `json:"id"`
	Object  string         `json:"object,omitempty"`
	Model   string         `json:"model,omitempty"`
	Choices []OpenAIChoice `json:"choices"`
	Usage   *OpenAIUsage   `json:"usage,omitempty"`
	Error   *OpenAIError   `json:"error,omitempty"`
}

// OpenAIChoice is one completion choice.
//
// FinishReason is a pointer so that a provider omitting the field entirely
// (seen on Qwen/ModelScope endpoints) is distinguishable from an empty value.
type OpenAIChoice struct {
	Index        int           `json:"index"`
	Message      OpenAIMessage `json:"message"`
	FinishReason *string       `json:"finish_reason,omitempty"`
}

// OpenAIUsage is token accounting in the OpenAI shape.
type OpenAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// OpenAIError is the error envelope some providers embed in a 200 body.
type OpenAIError struct {
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
	Code    any    `json:"code,omitempty"`
}

// OpenAIChunk is one streamed chat-completions frame.
type OpenAIChunk struct {
	ID      string              `json:"id"`
	Object  string              `json:"object,omitempty"`
	Model   string              `json:"model,omitempty"`
	Choices []OpenAIChunkChoice `json:"choices"`
	Usage   *OpenAIUsage        `json:"usage,omitempty"`
}

// OpenAIChunkChoice is one delta within a streamed frame.
type OpenAIChunkChoice struct {
	Index        int         `json:"index"`
	Delta        OpenAIDelta `json:"delta"`
	FinishReason *string     `json:"finish_reason,omitempty"`
}

// OpenAIDelta is the incremental message content of a streamed frame.
type OpenAIDelta struct {
	Role      string           `json:"role,omitempty"`
	Content   string           `json:"content,omitempty"`
	ToolCalls []OpenAIToolCall `json:"tool_calls,omitempty"`
}

// isSearchToolName reports whether a tool name advertises search capability.
func isSearchToolName(name string) bool {
	n := strings.ToLower(name)
	return n == "search" || strings.HasPrefix(n, "search_") ||
		strings.HasSuffix(n, "_search") || strings.Contains(n, "web_search")
}
