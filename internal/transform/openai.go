package transform

import (
	"encoding/json"
	"strings"

	"github.com/modelrelay/modelrelay/internal/apperr"
	"github.com/modelrelay/modelrelay/internal/pipeline"
	"github.com/modelrelay/modelrelay/internal/schema"
)

// openAIConverter maps between the client surface and the chat-completions
// dialect. Also serves openai-compatible local servers.
type openAIConverter struct {
	stage *Stage
}

func (c *openAIConverter) buildRequest(ex *pipeline.Exchange) (any, error) {
	req := ex.Client
	out := &schema.OpenAIRequest{
		Model:       ex.Model,
		MaxTokens:   c.stage.effectiveMaxTokens(req.MaxTokens),
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stream:      req.Stream,
		Stop:        req.StopSequences,
	}

	if sys := req.System.Text(); sys != "" {
		out.Messages = append(out.Messages, schema.OpenAIMessage{Role: "system", Content: sys})
	}

	for _, m := range req.Messages {
		var text strings.Builder
		var toolCalls []schema.OpenAIToolCall
		var toolResults []schema.OpenAIMessage

		for _, b := range m.Content {
			switch b.Type {
			case schema.BlockText, schema.BlockThinking:
				if text.Len() > 0 {
					text.WriteString("\n")
				}
				text.WriteString(b.Text)
			case schema.BlockToolUse:
				toolCalls = append(toolCalls, schema.OpenAIToolCall{
					ID:   b.ID,
					Type: "function",
					Function: schema.OpenAIFunctionCall{
						Name:      b.Name,
						Arguments: argumentsString(b.Input),
					},
				})
			case schema.BlockToolResult:
				toolResults = append(toolResults, schema.OpenAIMessage{
					Role:       "tool",
					ToolCallID: b.ToolUseID,
					Content:    resultText(b.Content),
				})
			}
		}

		role := m.Role
		if role == schema.RoleTool {
			role = "user"
		}
		if text.Len() > 0 || len(toolCalls) > 0 {
			out.Messages = append(out.Messages, schema.OpenAIMessage{
				Role:      role,
				Content:   text.String(),
				ToolCalls: toolCalls,
			})
		}
		out.Messages = append(out.Messages, toolResults...)
	}

	for _, t := range req.Tools {
		out.Tools = append(out.Tools, schema.OpenAITool{
			Type: "function",
			Function: schema.OpenAIFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.InputSchema,
			},
		})
	}
	return out, nil
}

func (c *openAIConverter) parseResponse(ex *pipeline.Exchange) (*schema.ClientResponse, error) {
	resp, ok := ex.Response.Parsed.(*schema.OpenAIResponse)
	if !ok {
		return nil, apperr.New(apperr.KindTransformError, "unexpected parsed response type").
			With("binding", ex.BindingID)
	}
	if resp.Error != nil {
		return nil, apperr.New(apperr.KindUpstreamError, resp.Error.Message).
			With("binding", ex.BindingID).With("upstream_type", resp.Error.Type)
	}
	if len(resp.Choices) == 0 {
		return nil, apperr.New(apperr.KindEmptyResponse, "upstream returned no choices").
			With("binding", ex.BindingID)
	}

	choice := resp.Choices[0]
	var content []schema.Block
	if choice.Message.Content != "" {
		content = append(content, schema.Block{Type: schema.BlockText, Text: choice.Message.Content})
	}
	for _, tc := range choice.Message.ToolCalls {
		id := tc.ID
		if id == "" {
			id = schema.NewToolUseID(c.stage.nowFunc())
		}
		content = append(content, schema.Block{
			Type:  schema.BlockToolUse,
			ID:    id,
			Name:  tc.Function.Name,
			Input: argumentsJSON(tc.Function.Arguments),
		})
	}
	if len(content) == 0 {
		return nil, apperr.New(apperr.KindEmptyResponse, "upstream returned empty message").
			With("binding", ex.BindingID)
	}

	stop, err := c.stopReason(ex, choice)
	if err != nil {
		return nil, err
	}
	// A reply carrying structured tool calls always terminates with tool_use,
	// whatever the upstream claimed.
	if len(choice.Message.ToolCalls) > 0 {
		stop = schema.StopToolUse
	}

	reply := &schema.ClientResponse{
		ID:         resp.ID,
		Model:      resp.Model,
		Content:    content,
		StopReason: stop,
	}
	if resp.Usage != nil {
		reply.Usage = schema.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		}
	}
	return reply, nil
}

func (c *openAIConverter) stopReason(ex *pipeline.Exchange, choice schema.OpenAIChoice) (string, error) {
	// A nil finish_reason on strict providers was already rejected by the
	// preprocessor; for everyone else it maps to a normal turn end.
	if choice.FinishReason == nil {
		return schema.StopEndTurn, nil
	}
	switch *choice.FinishReason {
	case schema.OpenAIFinishStop:
		return schema.StopEndTurn, nil
	case schema.OpenAIFinishToolCalls:
		return schema.StopToolUse, nil
	case schema.OpenAIFinishLength:
		return schema.StopMaxTokens, nil
	default:
		return schema.StopEndTurn, nil
	}
}

// argumentsString renders a tool_use input as the Arguments string the
// chat-completions dialect expects.
func argumentsString(input json.RawMessage) string {
	if len(input) == 0 {
		return "{}"
	}
	return string(input)
}

// argumentsJSON parses an Arguments string back into raw JSON. Providers that
// emit malformed argument strings get them preserved as a JSON string so the
// reply still validates.
func argumentsJSON(args string) json.RawMessage {
	if args == "" {
		return json.RawMessage("{}")
	}
	if json.Valid([]byte(args)) {
		return json.RawMessage(args)
	}
	quoted, _ := json.Marshal(args)
	return quoted
}

// resultText flattens a tool_result content payload into plain text.
func resultText(content json.RawMessage) string {
	if len(content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(content, &s); err == nil {
		return s
	}
	var blocks []schema.Block
	if err := json.Unmarshal(content, &blocks); err == nil {
		var b strings.Builder
		for _, blk := range blocks {
			if blk.Text != "" {
				if b.Len() > 0 {
					b.WriteString("\n")
				}
				b.WriteString(blk.Text)
			}
		}
		return b.String()
	}
	return string(content)
}
