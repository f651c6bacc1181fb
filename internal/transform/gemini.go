package transform

import (
	"encoding/json"

	"github.com/modelrelay/modelrelay/internal/apperr"
	"github.com/modelrelay/modelrelay/internal/pipeline"
	"github.com/modelrelay/modelrelay/internal/schema"
)

// geminiConverter maps between the client surface and the generateContent
// dialect. Gemini function calls carry no ids; tool_result linkage is resolved
// through the tool_use id -> function name mapping recorded on the way in, and
// minted ids on the way out.
type geminiConverter struct {
	stage *Stage
}

func (c *geminiConverter) buildRequest(ex *pipeline.Exchange) (any, error) {
	req := ex.Client
	out := &schema.GeminiRequest{}

	if sys := req.System.Text(); sys != "" {
		out.SystemInstruction = &schema.GeminiContent{
			Parts: []schema.GeminiPart{{Text: sys}},
		}
	}

	// tool_use id -> function name, for functionResponse linkage.
	nameByID := make(map[string]string)

	for _, m := range req.Messages {
		role := "user"
		if m.Role == schema.RoleAssistant {
			role = "model"
		}
		var parts []schema.GeminiPart
		for _, b := range m.Content {
			switch b.Type {
			case schema.BlockText, schema.BlockThinking:
				parts = append(parts, schema.GeminiPart{Text: b.Text})
			case schema.BlockToolUse:
				nameByID[b.ID] = b.Name
				parts = append(parts, schema.GeminiPart{
					FunctionCall: &schema.GeminiFunctionCall{Name: b.Name, Args: b.Input},
				})
			case schema.BlockToolResult:
				name, ok := nameByID[b.ToolUseID]
				if !ok {
					return nil, apperr.New(apperr.KindTransformError, "tool_result references unknown tool_use").
						With("tool_use_id", b.ToolUseID)
				}
				parts = append(parts, schema.GeminiPart{
					FunctionResponse: &schema.GeminiFunctionResponse{
						Name:     name,
						Response: functionResponsePayload(b.Content),
					},
				})
			}
		}
		if len(parts) > 0 {
			out.Contents = append(out.Contents, schema.GeminiContent{Role: role, Parts: parts})
		}
	}

	if len(req.Tools) > 0 {
		decl := schema.GeminiToolDecl{}
		for _, t := range req.Tools {
			decl.FunctionDeclarations = append(decl.FunctionDeclarations, schema.GeminiFunctionDecl{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.InputSchema,
			})
		}
		out.Tools = []schema.GeminiToolDecl{decl}
	}

	if req.MaxTokens > 0 || req.Temperature != nil || req.TopP != nil || len(req.StopSequences) > 0 {
		out.GenerationConfig = &schema.GeminiGenerationConfig{
			MaxOutputTokens: c.stage.effectiveMaxTokens(req.MaxTokens),
			Temperature:     req.Temperature,
			TopP:            req.TopP,
			StopSequences:   req.StopSequences,
		}
	}
	return out, nil
}

func (c *geminiConverter) parseResponse(ex *pipeline.Exchange) (*schema.ClientResponse, error) {
	resp, ok := ex.Response.Parsed.(*schema.GeminiResponse)
	if !ok {
		return nil, apperr.New(apperr.KindTransformError, "unexpected parsed response type").
			With("binding", ex.BindingID)
	}
	if resp.Error != nil {
		return nil, apperr.New(apperr.KindUpstreamError, resp.Error.Message).
			With("binding", ex.BindingID).With("upstream_status", resp.Error.Status)
	}
	if len(resp.Candidates) == 0 {
		return nil, apperr.New(apperr.KindEmptyResponse, "upstream returned no candidates").
			With("binding", ex.BindingID)
	}

	cand := resp.Candidates[0]
	var content []schema.Block
	hasCall := false
	for _, p := range cand.Content.Parts {
		switch {
		case p.FunctionCall != nil:
			hasCall = true
			args := p.FunctionCall.Args
			if len(args) == 0 {
				args = json.RawMessage("{}")
			}
			content = append(content, schema.Block{
				Type:  schema.BlockToolUse,
				ID:    schema.NewToolUseID(c.stage.nowFunc()),
				Name:  p.FunctionCall.Name,
				Input: args,
			})
		case p.Text != "":
			content = append(content, schema.Block{Type: schema.BlockText, Text: p.Text})
		}
	}
	if len(content) == 0 {
		return nil, apperr.New(apperr.KindEmptyResponse, "upstream returned empty candidate").
			With("binding", ex.BindingID)
	}

	stop := schema.StopEndTurn
	switch cand.FinishReason {
	case schema.GeminiFinishFunctionCall:
		stop = schema.StopToolUse
	case schema.GeminiFinishMaxTokens:
		stop = schema.StopMaxTokens
	}
	if hasCall {
		stop = schema.StopToolUse
	}

	reply := &schema.ClientResponse{Content: content, StopReason: stop}
	if resp.UsageMetadata != nil {
		reply.Usage = schema.Usage{
			InputTokens:  resp.UsageMetadata.PromptTokenCount,
			OutputTokens: resp.UsageMetadata.CandidatesTokenCount,
		}
	}
	return reply, nil
}

// functionResponsePayload wraps a tool_result payload into the object shape
// functionResponse requires.
func functionResponsePayload(content json.RawMessage) json.RawMessage {
	if len(content) == 0 {
		return json.RawMessage(`{}`)
	}
	var probe any
	if err := json.Unmarshal(content, &probe); err == nil {
		if _, isObj := probe.(map[string]any); isObj {
			return content
		}
	}
	wrapped, _ := json.Marshal(map[string]string{"result": resultText(content)})
	return wrapped
}
