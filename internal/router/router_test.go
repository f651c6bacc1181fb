package router

import (
	"fmt"
	"strings"
	"testing"

	"github.com/modelrelay/modelrelay/internal/apperr"
	"github.com/modelrelay/modelrelay/internal/schema"
)

// fakeTable is a routing table with a fixed binding set.
type fakeTable struct {
	bindings map[string]bool
	required map[string]bool
}

func (f *fakeTable) HasBindings(category string) bool { return f.bindings[category] }
func (f *fakeTable) Required(category string) bool    { return f.required[category] }

func allCategories() *fakeTable {
	return &fakeTable{bindings: map[string]bool{
		CategoryDefault:     true,
		CategoryBackground:  true,
		CategoryThinking:    true,
		CategoryLongContext: true,
		CategorySearch:      true,
	}}
}

func textReq(model, text string) *schema.ClientRequest {
	return &schema.ClientRequest{
		Model:    model,
		Messages: []schema.Message{{Role: schema.RoleUser, Content: schema.Blocks{{Type: schema.BlockText, Text: text}}}},
	}
}

// longPrompt builds a prompt comfortably above any small token threshold under
// both the tokenizer and the byte heuristic.
func longPrompt(words int) string {
	var sb strings.Builder
	for i := 0; i < words; i++ {
		fmt.Fprintf(&sb, "chapter%d paragraph ", i)
	}
	return sb.String()
}

func TestClassifyDefault(t *testing.T) {
	r := New(allCategories(), 60000, nil)
	got, err := r.Classify(textReq("claude-sonnet", "hello"))
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if got != CategoryDefault {
		t.Errorf("category = %s, want default", got)
	}
}

func TestClassifyLongContext(t *testing.T) {
	r := New(allCategories(), 500, nil)
	got, err := r.Classify(textReq("claude-sonnet", longPrompt(2000)))
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if got != CategoryLongContext {
		t.Errorf("category = %s, want longcontext", got)
	}
}

func TestClassifyLongContextThresholdBoundary(t *testing.T) {
	req := textReq("claude-sonnet", longPrompt(300))
	est := NewEstimator().Estimate(req)

	// Exactly at the threshold counts as long context.
	r := New(allCategories(), est, nil)
	got, err := r.Classify(req)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if got != CategoryLongContext {
		t.Errorf("estimate == threshold: category = %s, want longcontext", got)
	}

	// One below stays default.
	r2 := New(allCategories(), est+1, nil)
	got, _ = r2.Classify(req)
	if got != CategoryDefault {
		t.Errorf("estimate == threshold-1: category = %s, want default", got)
	}
}

func TestClassifyThinking(t *testing.T) {
	r := New(allCategories(), 60000, nil)
	req := textReq("claude-sonnet", "prove it")
	req.Thinking = &schema.Thinking{Type: "enabled", BudgetTokens: 4096}
	got, err := r.Classify(req)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if got != CategoryThinking {
		t.Errorf("category = %s, want thinking", got)
	}

	req.Thinking.Type = "disabled"
	got, _ = r.Classify(req)
	if got != CategoryDefault {
		t.Errorf("disabled thinking: category = %s, want default", got)
	}
}

func TestClassifyBackground(t *testing.T) {
	r := New(allCategories(), 60000, []string{"claude-haiku"})
	got, err := r.Classify(textReq("claude-haiku", "summarize"))
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if got != CategoryBackground {
		t.Errorf("category = %s, want background", got)
	}
}

func TestClassifySearch(t *testing.T) {
	r := New(allCategories(), 60000, nil)
	req := textReq("claude-sonnet", "look it up")
	req.Tools = []schema.Tool{{Name: "web_search"}}
	got, err := r.Classify(req)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if got != CategorySearch {
		t.Errorf("category = %s, want search", got)
	}
}

func TestClassifyPrecedence(t *testing.T) {
	// Long context wins over everything else.
	r := New(allCategories(), 500, []string{"claude-haiku"})
	req := textReq("claude-haiku", longPrompt(2000))
	req.Thinking = &schema.Thinking{Type: "enabled"}
	req.Tools = []schema.Tool{{Name: "web_search"}}
	got, _ := r.Classify(req)
	if got != CategoryLongContext {
		t.Errorf("category = %s, want longcontext", got)
	}

	// Thinking wins over background and search.
	r2 := New(allCategories(), 60000, []string{"claude-haiku"})
	req2 := textReq("claude-haiku", "short")
	req2.Thinking = &schema.Thinking{Type: "enabled"}
	req2.Tools = []schema.Tool{{Name: "web_search"}}
	got, _ = r2.Classify(req2)
	if got != CategoryThinking {
		t.Errorf("category = %s, want thinking", got)
	}

	// Background wins over search.
	req3 := textReq("claude-haiku", "short")
	req3.Tools = []schema.Tool{{Name: "web_search"}}
	got, _ = r2.Classify(req3)
	if got != CategoryBackground {
		t.Errorf("category = %s, want background", got)
	}
}

func TestClassifyFallthroughToDefault(t *testing.T) {
	table := &fakeTable{bindings: map[string]bool{CategoryDefault: true}}
	r := New(table, 60000, nil)

	req := textReq("claude-sonnet", "look it up")
	req.Tools = []schema.Tool{{Name: "web_search"}}
	got, err := r.Classify(req)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if got != CategoryDefault {
		t.Errorf("category = %s, want fallthrough to default", got)
	}
}

func TestClassifyRequiredCategoryWithoutBindings(t *testing.T) {
	table := &fakeTable{
		bindings: map[string]bool{CategoryDefault: true},
		required: map[string]bool{CategoryThinking: true},
	}
	r := New(table, 60000, nil)

	req := textReq("claude-sonnet", "reason carefully")
	req.Thinking = &schema.Thinking{Type: "enabled"}
	_, err := r.Classify(req)
	if apperr.KindOf(err) != apperr.KindNoEligibleBinding {
		t.Fatalf("err = %v, want no_eligible_binding", err)
	}
}

func TestEstimatorByteHeuristicFloor(t *testing.T) {
	e := NewEstimator()
	req := textReq("m", strings.Repeat("x", 400))
	if got := e.Estimate(req); got <= 0 {
		t.Errorf("Estimate = %d, want > 0", got)
	}

	// Tool payload bytes count toward the estimate.
	withTools := textReq("m", "hi")
	withTools.Messages = append(withTools.Messages, schema.Message{
		Role: schema.RoleUser,
		Content: schema.Blocks{{
			Type:      schema.BlockToolResult,
			ToolUseID: "toolu_01",
			Content:   []byte(strings.Repeat("j", 4000)),
		}},
	})
	small := e.Estimate(textReq("m", "hi"))
	big := e.Estimate(withTools)
	if big <= small {
		t.Errorf("tool payload should raise the estimate: %d <= %d", big, small)
	}
}
