package tools

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/playwright-community/playwright-go"
	"github.com/nikstep/browseragent/internal/browser"
)

// fakeController implements browser.Controller with scriptable behavior,
// enough to exercise the Tool Set without a real browser.
type fakeController struct {
	navigated   string
	clicked     []string
	filled      map[string]string
	scrolled    string
	scrollDist  int
	wentBack    bool
	waitForOK   map[string]bool
	clickErr    error
	fillErr     error
	fillFails   int // Fill fails this many times before succeeding
	fuzzyClick  string
}

func newFakeController() *fakeController {
	return &fakeController{filled: map[string]string{}, waitForOK: map[string]bool{}}
}

func (f *fakeController) Close(ctx context.Context) error { return nil }
func (f *fakeController) Navigate(ctx context.Context, url string) error {
	f.navigated = url
	return nil
}
func (f *fakeController) Back(ctx context.Context) error { f.wentBack = true; return nil }
func (f *fakeController) ClickText(ctx context.Context, text string, exact bool) error {
	return errors.New("no element matched: not found")
}
func (f *fakeController) ClickRole(ctx context.Context, role, name string, exact bool) error {
	return errors.New("not found")
}
func (f *fakeController) Click(ctx context.Context, selector string) error {
	if f.clickErr != nil {
		return f.clickErr
	}
	f.clicked = append(f.clicked, selector)
	return nil
}
func (f *fakeController) ClickByCoordinates(ctx context.Context, x, y float64) error { return nil }
func (f *fakeController) ClickByTextFuzzy(ctx context.Context, text string) error {
	f.fuzzyClick = text
	return nil
}
func (f *fakeController) Fill(ctx context.Context, selector, text string) error {
	if f.fillErr != nil {
		return f.fillErr
	}
	if f.fillFails > 0 {
		f.fillFails--
		return errors.New("element not visible")
	}
	f.filled[selector] = text
	return nil
}
func (f *fakeController) Read(ctx context.Context, selector string) (string, error) { return "", nil }
func (f *fakeController) Scroll(ctx context.Context, direction string, distance int) error {
	f.scrolled = direction
	f.scrollDist = distance
	return nil
}
func (f *fakeController) ScrollToElement(ctx context.Context, selector string) error { return nil }
func (f *fakeController) WaitFor(ctx context.Context, selector string, timeout time.Duration) error {
	if f.waitForOK[selector] {
		return nil
	}
	return errors.New("timeout waiting for selector")
}
func (f *fakeController) WaitForAny(ctx context.Context, selectors []string, timeout time.Duration) error {
	return errors.New("timeout")
}
func (f *fakeController) Screenshot(ctx context.Context) ([]byte, error) { return []byte("jpeg"), nil }
func (f *fakeController) EvalInPage(ctx context.Context, script string) (any, error) { return nil, nil }
func (f *fakeController) Frames(ctx context.Context) ([]browser.Frame, error)         { return nil, nil }
func (f *fakeController) SaveState(ctx context.Context, path string) error           { return nil }
func (f *fakeController) Page() playwright.Page                                      { return nil }

func TestHandleURLRequiresAbsolute(t *testing.T) {
	ctrl := newFakeController()
	tb := New(ctrl, nil)
	_, err := tb.Invoke(context.Background(), "handle_url", map[string]any{"url": "example.com"})
	if err == nil {
		t.Fatal("expected error for relative URL")
	}

	_, err = tb.Invoke(context.Background(), "handle_url", map[string]any{"url": "https://example.com"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ctrl.navigated != "https://example.com" {
		t.Fatalf("navigated = %q", ctrl.navigated)
	}
}

func TestHandleClickResolvesByInventoryText(t *testing.T) {
	ctrl := newFakeController()
	tb := New(ctrl, nil)
	tb.SetCandidates([]Candidate{{Index: 0, Selector: "a#submit", Text: "Submit order"}})

	_, err := tb.Invoke(context.Background(), "handle_click", map[string]any{"identifier": "submit order"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ctrl.clicked) != 1 || ctrl.clicked[0] != "a#submit" {
		t.Fatalf("clicked = %v", ctrl.clicked)
	}
}

func TestHandleClickResolvesByNumericLabel(t *testing.T) {
	ctrl := newFakeController()
	tb := New(ctrl, nil)
	tb.SetCandidates([]Candidate{{Index: 3, Selector: "button.go", Text: ""}})

	_, err := tb.Invoke(context.Background(), "handle_click", map[string]any{"identifier": "3"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ctrl.clicked) != 1 || ctrl.clicked[0] != "button.go" {
		t.Fatalf("clicked = %v", ctrl.clicked)
	}
}

func TestHandleClickResolvesDistinctNumericLabelsToDistinctSelectors(t *testing.T) {
	ctrl := newFakeController()
	tb := New(ctrl, nil)
	// Two unlabeled same-tag buttons (the icon-button/repeated-link case):
	// each candidate's selector must be unique or Click("2") and Click("5")
	// would resolve to whichever one Locator().First() happens to find.
	tb.SetCandidates([]Candidate{
		{Index: 2, Selector: `[data-bua-idx="2"]`},
		{Index: 5, Selector: `[data-bua-idx="5"]`},
	})

	if _, err := tb.Invoke(context.Background(), "handle_click", map[string]any{"identifier": "5"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ctrl.clicked) != 1 || ctrl.clicked[0] != `[data-bua-idx="5"]` {
		t.Fatalf("clicked = %v, want selector for label 5", ctrl.clicked)
	}
}

func TestHandleClickUnknownNumericLabelFails(t *testing.T) {
	ctrl := newFakeController()
	tb := New(ctrl, nil)
	tb.SetCandidates([]Candidate{{Index: 1, Selector: "a.x"}})

	_, err := tb.Invoke(context.Background(), "handle_click", map[string]any{"identifier": "9"})
	if err == nil {
		t.Fatal("expected error for unknown label")
	}
}

func TestHandleTypingRetriesOnFailure(t *testing.T) {
	ctrl := newFakeController()
	ctrl.fillFails = 2 // succeeds on the third and last attempt
	tb := New(ctrl, nil)

	_, err := tb.Invoke(context.Background(), "handle_typing", map[string]any{
		"placeholder_value": "email",
		"text":              "a@b.com",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	found := false
	for sel, val := range ctrl.filled {
		if val == "a@b.com" {
			found = true
			_ = sel
		}
	}
	if !found {
		t.Fatal("expected field to be filled with the given text")
	}
}

func TestHandleScrollDefaultsDown(t *testing.T) {
	ctrl := newFakeController()
	tb := New(ctrl, nil)

	_, err := tb.Invoke(context.Background(), "handle_scroll", map[string]any{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ctrl.scrolled != "down" {
		t.Fatalf("scrolled = %q, want down", ctrl.scrolled)
	}
}

func TestHandleBack(t *testing.T) {
	ctrl := newFakeController()
	tb := New(ctrl, nil)
	if _, err := tb.Invoke(context.Background(), "handle_back", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ctrl.wentBack {
		t.Fatal("expected Back to be called")
	}
}

func TestHandleCaptchaUsesInjectedPrecheck(t *testing.T) {
	ctrl := newFakeController()
	called := false
	tb := New(ctrl, func(ctx context.Context) (string, error) {
		called = true
		return "no captcha detected", nil
	})
	result, err := tb.Invoke(context.Background(), "handle_captcha", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("expected captcha precheck func to be invoked")
	}
	if result.Observation != "no captcha detected" {
		t.Fatalf("observation = %q", result.Observation)
	}
}

func TestHandleCaptchaWithoutPrecheckConfigured(t *testing.T) {
	ctrl := newFakeController()
	tb := New(ctrl, nil)
	result, err := tb.Invoke(context.Background(), "handle_captcha", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Observation != "no captcha handling configured" {
		t.Fatalf("observation = %q", result.Observation)
	}
}

func TestUnknownToolErrors(t *testing.T) {
	ctrl := newFakeController()
	tb := New(ctrl, nil)
	if _, err := tb.Invoke(context.Background(), "handle_nonexistent", nil); err == nil {
		t.Fatal("expected error for unknown tool")
	}
}

func TestDescribeListsEightContracts(t *testing.T) {
	ctrl := newFakeController()
	tb := New(ctrl, nil)
	got := tb.Describe()
	if len(got) != 8 {
		t.Fatalf("len(Describe()) = %d, want 8", len(got))
	}
}
