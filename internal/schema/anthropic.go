// Package schema holds the wire types for the client surface (Anthropic
// Messages v1 shape) and for each upstream provider family. No invented
// fields: each struct mirrors the corresponding wire format verbatim.
package schema

import (
	"encoding/json"
	"fmt"
)

// Roles accepted on the client surface.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Content block types on the client surface.
const (
	BlockText       = "text"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
	BlockThinking   = "thinking"
)

// Stop reasons on the client surface.
const (
	StopEndTurn      = "end_turn"
	StopToolUse      = "tool_use"
	StopMaxTokens    = "max_tokens"
	StopStopSequence = "stop_sequence"
)

// ClientRequest is the canonical request entering the router.
type ClientRequest struct {
	Model         string      `json:"model"`
	Messages      []Message   `json:"messages"`
	System        SystemField `json:"system,omitempty"`
	Tools         []Tool      `json:"tools,omitempty"`
	MaxTokens     int         `json:"max_tokens,omitempty"`
	Temperature   *float64    `json:"temperature,omitempty"`
	TopP          *float64    `json:"top_p,omitempty"`
	Stream        bool        `json:"stream,omitempty"`
	StopSequences []string    `json:"stop_sequences,omitempty"`
	Thinking      *Thinking   `json:"thinking,omitempty"`

	// RequestID is assigned at the boundary and never forwarded upstream.
	RequestID string `json:"-"`
}

// Thinking is the explicit deep-reasoning opt-in marker.
type Thinking struct {
	Type         string `json:"type"` // "enabled" | "disabled"
	BudgetTokens int    `json:"budget_tokens,omitempty"`
}

// Message is one turn of the conversation.
type Message struct {
	Role    string `json:"role"`
	Content Blocks `json:"content"`
}

// Tool is a client-surface tool definition.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// Block is one content block. Fields are populated per Type.
type Block struct {
	Type string `json:"type"`

	// text / thinking
	Text string `json:"text,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// Blocks is a block list that also accepts the bare-string shorthand the
// Messages API allows for content.
type Blocks []Block

func (b *Blocks) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*b = Blocks{{Type: BlockText, Text: s}}
		return nil
	}
	var list []Block
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("content: %w", err)
	}
	*b = list
	return nil
}

// SystemField accepts either a bare string or a block list for "system".
type SystemField struct {
	Blocks Blocks
}

func (s *SystemField) UnmarshalJSON(data []byte) error {
	var b Blocks
	if err := b.UnmarshalJSON(data); err != nil {
		return err
	}
	s.Blocks = b
	return nil
}

func (s SystemField) MarshalJSON() ([]byte, error) {
	if len(s.Blocks) == 0 {
		return []byte("null"), nil
	}
	return json.Marshal(s.Blocks)
}

// Text concatenates all text blocks in the system field.
func (s SystemField) Text() string {
	var out string
	for _, b := range s.Blocks {
		if b.Type == BlockText {
			if out != "" {
				out += "\n"
			}
			out += b.Text
		}
	}
	return out
}

// ClientResponse is the reply shape returned to the client.
type ClientResponse struct {
	ID           string  `json:"id"`
	Type         string  `json:"type"` // "message"
	Role         string  `json:"role"` // "assistant"
	Model        string  `json:"model"`
	Content      []Block `json:"content"`
	StopReason   string  `json:"stop_reason,omitempty"`
	StopSequence *string `json:"stop_sequence,omitempty"`
	Usage        Usage   `json:"usage"`
}

// Usage carries token accounting.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Validate enforces the client-surface invariants: nonempty messages,
// well-formed blocks, and tool-result linkage to a prior tool_use id.
func (r *ClientRequest) Validate() error {
	if r.Model == "" {
		return fmt.Errorf("model required")
	}
	if len(r.Messages) == 0 {
		return fmt.Errorf("messages must be nonempty")
	}
	seenToolUse := make(map[string]bool)
	for i, m := range r.Messages {
		switch m.Role {
		case RoleSystem, RoleUser, RoleAssistant, RoleTool:
		default:
			return fmt.Errorf("messages[%d]: unknown role %q", i, m.Role)
		}
		if len(m.Content) == 0 {
			return fmt.Errorf("messages[%d]: empty content", i)
		}
		for j, b := range m.Content {
			switch b.Type {
			case BlockText, BlockThinking:
			case BlockToolUse:
				if b.ID == "" || b.Name == "" {
					return fmt.Errorf("messages[%d].content[%d]: tool_use requires id and name", i, j)
				}
				seenToolUse[b.ID] = true
			case BlockToolResult:
				if b.ToolUseID == "" {
					return fmt.Errorf("messages[%d].content[%d]: tool_result requires tool_use_id", i, j)
				}
				if !seenToolUse[b.ToolUseID] {
					return fmt.Errorf("messages[%d].content[%d]: tool_result references unknown tool_use id %q", i, j, b.ToolUseID)
				}
			default:
				return fmt.Errorf("messages[%d].content[%d]: unknown block type %q", i, j, b.Type)
			}
		}
	}
	return nil
}

// PromptBytes returns the total byte length of all textual prompt content,
// used by the byte-heuristic token estimator.
func (r *ClientRequest) PromptBytes() int {
	total := len(r.System.Text())
	for _, m := range r.Messages {
		for _, b := range m.Content {
			total += len(b.Text)
			total += len(b.Input)
			total += len(b.Content)
		}
	}
	return total
}

// PromptText concatenates all text spans for tokenizer-based counting.
func (r *ClientRequest) PromptText() string {
	out := r.System.Text()
	for _, m := range r.Messages {
		for _, b := range m.Content {
			if b.Text != "" {
				out += "\n" + b.Text
			}
		}
	}
	return out
}

// HasSearchTool reports whether any declared tool advertises a search
// capability (by name convention).
func (r *ClientRequest) HasSearchTool() bool {
	for _, t := range r.Tools {
		if isSearchToolName(t.Name) {
			return true
		}
	}
	return false
}
