package agent

import (
	"strings"
	"testing"

	"github.com/nikstep/browseragent/internal/annotate"
)

func TestParseDecisionNormal(t *testing.T) {
	text := `Here's my decision:
{
  "thinking": "the search box is visible",
  "evaluation_previous_goal": "navigation succeeded",
  "memory": "opened example.com",
  "next_goal": "search for widgets",
  "action": "handle_search",
  "input": {"query": "widgets"}
}`
	dec, err := parseDecision(text)
	if err != nil {
		t.Fatalf("parseDecision: %v", err)
	}
	if dec.ActionName != "handle_search" {
		t.Fatalf("ActionName = %q, want handle_search", dec.ActionName)
	}
	if dec.ActionInput["query"] != "widgets" {
		t.Fatalf("ActionInput[query] = %v, want widgets", dec.ActionInput["query"])
	}
	if dec.Finish {
		t.Fatal("Finish should be false")
	}
}

func TestParseDecisionFinishRequiresMessage(t *testing.T) {
	text := `{"action": "finish", "input": {}}`
	if _, err := parseDecision(text); err == nil {
		t.Fatal("expected error for finish with no message")
	}

	text = `{"action": "finish", "input": {"message": "done, found the heading"}}`
	dec, err := parseDecision(text)
	if err != nil {
		t.Fatalf("parseDecision: %v", err)
	}
	if !dec.Finish || dec.Message != "done, found the heading" {
		t.Fatalf("got Finish=%v Message=%q", dec.Finish, dec.Message)
	}
}

func TestParseDecisionMultiToolUseParallel(t *testing.T) {
	text := `{
  "action": "multi_tool_use.parallel",
  "input": [
    {"name": "handle_typing", "placeholder_value": "email", "text": "a@b.com"},
    {"name": "handle_click", "identifier": "Submit"}
  ]
}`
	dec, err := parseDecision(text)
	if err != nil {
		t.Fatalf("parseDecision: %v", err)
	}
	if dec.ActionName != "handle_typing" {
		t.Fatalf("ActionName = %q, want handle_typing (first entry)", dec.ActionName)
	}
	if dec.ActionInput["text"] != "a@b.com" {
		t.Fatalf("ActionInput[text] = %v, want a@b.com", dec.ActionInput["text"])
	}
	if _, ok := dec.ActionInput["name"]; ok {
		t.Fatal("name key should be stripped from the extracted input")
	}
}

func TestParseDecisionStripsFunctionsPrefix(t *testing.T) {
	text := `{"action": "functions.handle_back", "input": {}}`
	dec, err := parseDecision(text)
	if err != nil {
		t.Fatalf("parseDecision: %v", err)
	}
	if dec.ActionName != "handle_back" {
		t.Fatalf("ActionName = %q, want handle_back", dec.ActionName)
	}
}

func TestStripBracketedNormalizesDecorators(t *testing.T) {
	a := stripBracketed("<step_3> [INFO] hello world [42]")
	b := stripBracketed("<step_9> [INFO] hello world [7]")
	if a != b {
		t.Fatalf("bracket-stripped text should be equal, got %q vs %q", a, b)
	}
	if a != "hello world" {
		t.Fatalf("got %q, want %q", a, "hello world")
	}
}

func TestFormatHistoryEmpty(t *testing.T) {
	if got := formatHistory(nil); got != "(no steps yet)" {
		t.Fatalf("formatHistory(nil) = %q", got)
	}
}

func TestFormatInventoryListsLabelsAndText(t *testing.T) {
	elements := []annotate.Element{
		{Index: 1, TagName: "button", Text: ""},
		{Index: 0, TagName: "a", Text: "Home"},
	}
	got := formatInventory(elements)
	if got == "" {
		t.Fatal("expected non-empty inventory text")
	}
	if !strings.Contains(got, "[1] button") {
		t.Fatalf("inventory %q does not list the numbered label [1] button", got)
	}
	if !strings.Contains(got, `a "Home"`) {
		t.Fatalf("inventory %q does not list the text element a \"Home\"", got)
	}
}
