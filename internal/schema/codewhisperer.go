package schema

import "encoding/json"

// CodeWhisperer-family wire types. The upstream speaks a conversation-state
// envelope rather than a message list; replies arrive as an event stream whose
// assistant events are normalized by the protocol stage into CWResponse.

// CWRequest is the generateAssistantResponse request body.
type CWRequest struct {
	ConversationState CWConversationState `json:"conversationState"`
	ProfileARN        string              `json:"profileArn,omitempty"`
}

// CWConversationState carries the current turn plus prior history.
type CWConversationState struct {
	ConversationID string      `json:"conversationId,omitempty"`
	CurrentMessage CWMessage   `json:"currentMessage"`
	History        []CWMessage `json:"history,omitempty"`
	ChatTriggerType string     `json:"chatTriggerType,omitempty"`
}

// CWMessage is either a user or assistant turn; exactly one field is set.
type CWMessage struct {
	UserInputMessage        *CWUserInputMessage        `json:"userInputMessage,omitempty"`
	AssistantResponseMessage *CWAssistantResponseMessage `json:"assistantResponseMessage,omitempty"`
}

// CWUserInputMessage is a user turn.
type CWUserInputMessage struct {
	Content string            `json:"content"`
	ModelID string            `json:"modelId,omitempty"`
	Context *CWUserInputContext `json:"userInputMessageContext,omitempty"`
}

// CWUserInputContext carries tool declarations and tool results.
type CWUserInputContext struct {
	Tools       []CWTool       `json:"tools,omitempty"`
	ToolResults []CWToolResult `json:"toolResults,omitempty"`
}

// CWAssistantResponseMessage is an assistant turn.
type CWAssistantResponseMessage struct {
	Content  string      `json:"content"`
	ToolUses []CWToolUse `json:"toolUses,omitempty"`
}

// CWTool wraps a tool specification.
type CWTool struct {
	ToolSpecification CWToolSpecification `json:"toolSpecification"`
}

// CWToolSpecification describes a callable tool.
type CWToolSpecification struct {
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	InputSchema CWInputSchema `json:"inputSchema"`
}

// CWInputSchema nests the JSON schema under "json".
type CWInputSchema struct {
	JSON json.RawMessage `json:"json,omitempty"`
}

// CWToolUse is a structured tool invocation in a reply.
type CWToolUse struct {
	ToolUseID string          `json:"toolUseId"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input,omitempty"`
}

// CWToolResult carries a tool result back upstream.
type CWToolResult struct {
	ToolUseID string            `json:"toolUseId"`
	Status    string            `json:"status,omitempty"` // "success" | "error"
	Content   []CWResultContent `json:"content,omitempty"`
}

// CWResultContent is one piece of a tool result.
type CWResultContent struct {
	Text string          `json:"text,omitempty"`
	JSON json.RawMessage `json:"json,omitempty"`
}

// CWResponse is the normalized (event-stream already assembled) reply.
type CWResponse struct {
	Content    string      `json:"content"`
	ToolUses   []CWToolUse `json:"toolUses,omitempty"`
	StopReason string      `json:"stopReason,omitempty"`
}
