package agent

import (
	"testing"

	"github.com/nikstep/browseragent/internal/annotate"
	"github.com/nikstep/browseragent/internal/model"
)

func TestCommandFromDecision(t *testing.T) {
	tests := []struct {
		name  string
		input map[string]any
		want  model.CommandType
	}{
		{"handle_url", map[string]any{"url": "https://example.com"}, model.CommandNavigate},
		{"handle_search", map[string]any{"query": "widgets"}, model.CommandSearch},
		{"handle_click", map[string]any{"identifier": "3"}, model.CommandClick},
		{"handle_typing", map[string]any{"placeholder_value": "email", "text": "a@b.com"}, model.CommandType_},
		{"handle_typing_with_enter", map[string]any{"placeholder_value": "q", "text": "x"}, model.CommandTypeAndEnter},
		{"handle_scroll", map[string]any{"direction": "down"}, model.CommandScroll},
		{"handle_back", map[string]any{}, model.CommandBack},
		{"handle_captcha", map[string]any{}, model.CommandSolveCaptcha},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := commandFromDecision(tt.name, tt.input)
			if cmd.Type != tt.want {
				t.Fatalf("commandFromDecision(%s) type = %v, want %v", tt.name, cmd.Type, tt.want)
			}
		})
	}
}

func TestCommandFromDecisionCarriesFields(t *testing.T) {
	cmd := commandFromDecision("handle_url", map[string]any{"url": "https://example.com"})
	if cmd.URL != "https://example.com" {
		t.Fatalf("URL = %q", cmd.URL)
	}

	cmd = commandFromDecision("handle_typing_with_enter", map[string]any{"placeholder_value": "search", "text": "shoes"})
	if cmd.Placeholder != "search" || cmd.Text != "shoes" {
		t.Fatalf("got Placeholder=%q Text=%q", cmd.Placeholder, cmd.Text)
	}
}

func TestTraceExcludesSolveCaptcha(t *testing.T) {
	var trace model.Trace
	trace.AppendReplayable(commandFromDecision("handle_url", map[string]any{"url": "https://example.com"}))
	trace.AppendReplayable(commandFromDecision("handle_captcha", map[string]any{}))
	trace.AppendReplayable(commandFromDecision("handle_back", map[string]any{}))

	if len(trace) != 2 {
		t.Fatalf("trace length = %d, want 2 (captcha command excluded)", len(trace))
	}
	if trace[0].Type != model.CommandNavigate || trace[1].Type != model.CommandBack {
		t.Fatalf("unexpected trace contents: %+v", trace)
	}
}

func TestToCandidates(t *testing.T) {
	inv := annotate.Inventory{
		Elements: []annotate.Element{
			{Index: 1, Selector: "button#go", Text: ""},
			{Index: 0, Selector: "a.home", Text: "Home"},
		},
	}
	got := toCandidates(inv)
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].Index != 1 || got[0].Selector != "button#go" {
		t.Fatalf("candidate 0 = %+v", got[0])
	}
	if got[1].Text != "Home" {
		t.Fatalf("candidate 1 = %+v", got[1])
	}
}
