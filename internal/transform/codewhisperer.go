package transform

import (
	"encoding/json"
	"strings"

	"github.com/modelrelay/modelrelay/internal/apperr"
	"github.com/modelrelay/modelrelay/internal/pipeline"
	"github.com/modelrelay/modelrelay/internal/schema"
)

// codeWhispererConverter maps between the client surface and the
// conversation-state envelope. The last user turn becomes currentMessage;
// everything before it becomes history. Tool declarations and tool results
// ride on the current user message's context.
type codeWhispererConverter struct {
	stage *Stage
}

func (c *codeWhispererConverter) buildRequest(ex *pipeline.Exchange) (any, error) {
	req := ex.Client

	// Locate the final user turn; the envelope requires one.
	last := -1
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == schema.RoleUser || req.Messages[i].Role == schema.RoleTool {
			last = i
			break
		}
	}
	if last < 0 {
		return nil, apperr.New(apperr.KindTransformError, "conversation has no user turn to send")
	}

	state := schema.CWConversationState{ChatTriggerType: "MANUAL"}

	for _, m := range req.Messages[:last] {
		if m.Role == schema.RoleAssistant {
			state.History = append(state.History, schema.CWMessage{
				AssistantResponseMessage: &schema.CWAssistantResponseMessage{
					Content:  blocksText(m.Content),
					ToolUses: blockToolUses(m.Content),
				},
			})
			continue
		}
		state.History = append(state.History, schema.CWMessage{
			UserInputMessage: &schema.CWUserInputMessage{
				Content: blocksText(m.Content),
			},
		})
	}

	current := &schema.CWUserInputMessage{
		Content: blocksText(req.Messages[last].Content),
		ModelID: ex.Model,
	}
	if sys := req.System.Text(); sys != "" {
		current.Content = sys + "\n\n" + current.Content
	}

	ctx := &schema.CWUserInputContext{}
	for _, t := range req.Tools {
		ctx.Tools = append(ctx.Tools, schema.CWTool{
			ToolSpecification: schema.CWToolSpecification{
				Name:        t.Name,
				Description: t.Description,
				InputSchema: schema.CWInputSchema{JSON: t.InputSchema},
			},
		})
	}
	for _, b := range req.Messages[last].Content {
		if b.Type != schema.BlockToolResult {
			continue
		}
		status := "success"
		if b.IsError {
			status = "error"
		}
		ctx.ToolResults = append(ctx.ToolResults, schema.CWToolResult{
			ToolUseID: b.ToolUseID,
			Status:    status,
			Content:   []schema.CWResultContent{{Text: resultText(b.Content)}},
		})
	}
	if len(ctx.Tools) > 0 || len(ctx.ToolResults) > 0 {
		current.Context = ctx
	}

	state.CurrentMessage = schema.CWMessage{UserInputMessage: current}
	return &schema.CWRequest{ConversationState: state}, nil
}

func (c *codeWhispererConverter) parseResponse(ex *pipeline.Exchange) (*schema.ClientResponse, error) {
	resp, ok := ex.Response.Parsed.(*schema.CWResponse)
	if !ok {
		return nil, apperr.New(apperr.KindTransformError, "unexpected parsed response type").
			With("binding", ex.BindingID)
	}
	if resp.Content == "" && len(resp.ToolUses) == 0 {
		return nil, apperr.New(apperr.KindEmptyResponse, "upstream returned empty assistant turn").
			With("binding", ex.BindingID)
	}

	var content []schema.Block
	if resp.Content != "" {
		content = append(content, schema.Block{Type: schema.BlockText, Text: resp.Content})
	}
	for _, tu := range resp.ToolUses {
		id := tu.ToolUseID
		if id == "" {
			id = schema.NewToolUseID(c.stage.nowFunc())
		}
		input := tu.Input
		if len(input) == 0 {
			input = json.RawMessage("{}")
		}
		content = append(content, schema.Block{
			Type:  schema.BlockToolUse,
			ID:    id,
			Name:  tu.Name,
			Input: input,
		})
	}

	stop := schema.StopEndTurn
	if len(resp.ToolUses) > 0 {
		stop = schema.StopToolUse
	} else if resp.StopReason == "MAX_TOKENS" {
		stop = schema.StopMaxTokens
	}

	return &schema.ClientResponse{Content: content, StopReason: stop}, nil
}

// blocksText concatenates the textual blocks of a turn.
func blocksText(blocks schema.Blocks) string {
	var b strings.Builder
	for _, blk := range blocks {
		if blk.Type == schema.BlockText || blk.Type == schema.BlockThinking {
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			b.WriteString(blk.Text)
		}
	}
	return b.String()
}

// blockToolUses extracts structured tool invocations from an assistant turn.
func blockToolUses(blocks schema.Blocks) []schema.CWToolUse {
	var out []schema.CWToolUse
	for _, blk := range blocks {
		if blk.Type == schema.BlockToolUse {
			out = append(out, schema.CWToolUse{
				ToolUseID: blk.ID,
				Name:      blk.Name,
				Input:     blk.Input,
			})
		}
	}
	return out
}
