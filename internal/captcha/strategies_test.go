package captcha

import "testing"

func TestResolveFieldSelectorPrefersVerbatimLabelEcho(t *testing.T) {
	candidates := []fieldCandidate{
		{Selector: `[data-bua-captcha-idx="1"]`, Label: "security code"},
		{Selector: `[data-bua-captcha-idx="2"]`, Label: "confirm answer"},
	}
	got := resolveFieldSelector("confirm answer", candidates)
	if got != `[data-bua-captcha-idx="2"]` {
		t.Fatalf("resolveFieldSelector = %q, want candidate 2's selector", got)
	}
}

func TestResolveFieldSelectorFallsBackToFirstCandidateWhenNoLabelEchoed(t *testing.T) {
	candidates := []fieldCandidate{
		{Selector: `[data-bua-captcha-idx="1"]`, Label: "security code"},
		{Selector: `[data-bua-captcha-idx="2"]`, Label: "confirm answer"},
	}
	got := resolveFieldSelector("something the model invented", candidates)
	if got != `[data-bua-captcha-idx="1"]` {
		t.Fatalf("resolveFieldSelector = %q, want first candidate's selector", got)
	}
}

func TestResolveFieldSelectorBuildsAttributeMatchWithoutCandidates(t *testing.T) {
	got := resolveFieldSelector("answer", nil)
	want := `input[placeholder*="answer" i], input[aria-label*="answer" i]`
	if got != want {
		t.Fatalf("resolveFieldSelector = %q, want %q", got, want)
	}
}

func TestResolveFieldSelectorTreatsFieldAsSelectorWithoutCandidates(t *testing.T) {
	got := resolveFieldSelector("#captcha-answer", nil)
	if got != "#captcha-answer" {
		t.Fatalf("resolveFieldSelector = %q, want field used verbatim as selector", got)
	}
}
