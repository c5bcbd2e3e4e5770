// Package tools implements the Tool Set: the eight stable contracts that
// are the only bridge between the language model and the Browser Capability
// (spec §4.3). Tool names and argument shapes are fixed across live and
// replay modes.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/playwright-community/playwright-go"
	"github.com/nikstep/browseragent/internal/browser"
)

type Toolbox interface {
	Describe() []Tool
	Invoke(ctx context.Context, name string, input map[string]any) (Result, error)
	// SetCandidates records the Annotator's current inventory so handle_click
	// can resolve a numeric label to a selector (spec §4.1 stage b). Passed
	// in by the Decision Loop after each Annotate call; nil/empty clears it.
	SetCandidates(candidates []Candidate)
	Page() playwright.Page
}

// Candidate is the subset of an annotated element handle_click needs to
// resolve an identifier: its label index (0 if naturally identified), its
// selector, and the text used for substring matching.
type Candidate struct {
	Index    int
	Selector string
	Text     string
}

type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

type Result struct {
	Observation string
}

// CaptchaPrecheckFunc runs the CAPTCHA Handler's pre-check and reports its
// outcome as a short observation string. Supplied by construction so this
// package stays independent of internal/captcha; the caller (Decision
// Loop/Replay Engine wiring) owns the Handler.
type CaptchaPrecheckFunc func(ctx context.Context) (string, error)

const (
	typingRetries    = 3
	typingBackoff    = 1 * time.Second
	searchWaitPerSel = 1500 * time.Millisecond
)

// searchSelectors is the prioritized list handle_search tries in order
// before giving up (spec §4.3: "search/text inputs, placeholder substring
// match, known site-specific ids").
var searchSelectors = []string{
	"input[type='search']",
	"input[name='q']",
	"input[aria-label*='search' i]",
	"input[placeholder*='search' i]",
	"input[role='searchbox']",
	"#search",
	"#searchbox",
}

type standard struct {
	ctrl       browser.Controller
	captcha    CaptchaPrecheckFunc
	tools      []Tool
	candidates []Candidate
}

func New(ctrl browser.Controller, captchaPrecheck CaptchaPrecheckFunc) Toolbox {
	return &standard{
		ctrl:    ctrl,
		captcha: captchaPrecheck,
		tools: []Tool{
			newTool("handle_url", "Navigate to an absolute URL", schema{"url": str("absolute URL to open")}, []string{"url"}),
			newTool("handle_search", "Locate a visible search input on the current page and submit a query", schema{"query": str("search query text")}, []string{"query"}),
			newTool("handle_click", "Click an element by its numbered label (from the annotated screenshot) or by its visible text/attribute value", schema{"identifier": str("numeric label, e.g. \"3\", or visible text/attribute value")}, []string{"identifier"}),
			newTool("handle_typing", "Type into a field matched by placeholder, aria-label, name, or id", schema{"placeholder_value": str("substring identifying the field"), "text": str("text to type")}, []string{"placeholder_value", "text"}),
			newTool("handle_typing_with_enter", "Type into a matched field and press Enter", schema{"placeholder_value": str("substring identifying the field"), "text": str("text to type")}, []string{"placeholder_value", "text"}),
			newTool("handle_scroll", "Scroll the page", schema{"direction": str("down|up|top|bottom (default down)"), "amount": integer("pixels (default viewport height)")}, nil),
			newTool("handle_back", "Navigate back in browser history", schema{}, nil),
			newTool("handle_captcha", "Detect and attempt to solve a CAPTCHA on the current page", schema{}, nil),
		},
	}
}

func (s *standard) Describe() []Tool {
	return append([]Tool(nil), s.tools...)
}

func (s *standard) SetCandidates(candidates []Candidate) {
	s.candidates = candidates
}

func (s *standard) Page() playwright.Page {
	return s.ctrl.Page()
}

func (s *standard) Invoke(ctx context.Context, name string, input map[string]any) (Result, error) {
	switch name {
	case "handle_url":
		return s.handleURL(ctx, input)
	case "handle_search":
		return s.handleSearch(ctx, input)
	case "handle_click":
		return s.handleClick(ctx, input)
	case "handle_typing":
		return s.handleTyping(ctx, input, false)
	case "handle_typing_with_enter":
		return s.handleTyping(ctx, input, true)
	case "handle_scroll":
		return s.handleScroll(ctx, input)
	case "handle_back":
		return s.handleBack(ctx)
	case "handle_captcha":
		return s.handleCaptcha(ctx)
	default:
		return Result{}, fmt.Errorf("unknown tool %s", name)
	}
}

func (s *standard) handleURL(ctx context.Context, input map[string]any) (Result, error) {
	url, err := requiredString(input, "url")
	if err != nil {
		return Result{}, err
	}
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return Result{}, fmt.Errorf("handle_url: %q is not absolute", url)
	}
	if err := s.ctrl.Navigate(ctx, url); err != nil {
		return Result{}, fmt.Errorf("handle_url: %w", err)
	}
	return Result{Observation: fmt.Sprintf("opened %s", url)}, nil
}

func (s *standard) handleSearch(ctx context.Context, input map[string]any) (Result, error) {
	query, err := requiredString(input, "query")
	if err != nil {
		return Result{}, err
	}
	var found string
	for _, sel := range searchSelectors {
		if err := s.ctrl.WaitFor(ctx, sel, searchWaitPerSel); err == nil {
			found = sel
			break
		}
	}
	if found == "" {
		return Result{}, fmt.Errorf("handle_search: no visible search input found")
	}
	if err := s.ctrl.Fill(ctx, found, query); err != nil {
		return Result{}, fmt.Errorf("handle_search: %w", err)
	}
	if err := s.pressEnter(found); err != nil {
		return Result{}, fmt.Errorf("handle_search: submit: %w", err)
	}
	return Result{Observation: fmt.Sprintf("searched %q", query)}, nil
}

// handleClick implements §4.1's two-stage resolution: exact/substring text
// match against the current annotated inventory first; if nothing matched
// and the identifier is purely numeric, the numbered label index (failing
// when no candidate has that index); otherwise the Browser Capability's own
// exact, then fuzzy, text matching.
func (s *standard) handleClick(ctx context.Context, input map[string]any) (Result, error) {
	identifier, err := requiredString(input, "identifier")
	if err != nil {
		return Result{}, err
	}

	if sel, ok := s.resolveByText(identifier); ok {
		if err := s.clickResolved(ctx, sel); err != nil {
			return Result{}, fmt.Errorf("handle_click: %w", err)
		}
		return Result{Observation: fmt.Sprintf("clicked %q", identifier)}, nil
	}

	if n, err := strconv.Atoi(strings.TrimSpace(identifier)); err == nil {
		for _, c := range s.candidates {
			if c.Index == n {
				if err := s.clickResolved(ctx, c.Selector); err != nil {
					return Result{}, fmt.Errorf("handle_click: %w", err)
				}
				return Result{Observation: fmt.Sprintf("clicked label %d", n)}, nil
			}
		}
		return Result{}, fmt.Errorf("handle_click: no labeled element %d", n)
	}

	if err := s.ctrl.ClickText(ctx, identifier, true); err == nil {
		return Result{Observation: fmt.Sprintf("clicked text %q", identifier)}, nil
	}
	if err := s.ctrl.ClickByTextFuzzy(ctx, identifier); err != nil {
		return Result{}, fmt.Errorf("handle_click: no element matched %q: %w", identifier, err)
	}
	return Result{Observation: fmt.Sprintf("clicked fuzzy text %q", identifier)}, nil
}

// resolveByText scans the current candidate inventory for an exact, then
// substring, match against each element's text/attribute value.
func (s *standard) resolveByText(identifier string) (string, bool) {
	needle := strings.ToLower(strings.TrimSpace(identifier))
	if needle == "" {
		return "", false
	}
	for _, c := range s.candidates {
		if strings.ToLower(c.Text) == needle {
			return c.Selector, true
		}
	}
	for _, c := range s.candidates {
		if strings.Contains(strings.ToLower(c.Text), needle) {
			return c.Selector, true
		}
	}
	return "", false
}

func (s *standard) clickResolved(ctx context.Context, selector string) error {
	if err := s.ctrl.ScrollToElement(ctx, selector); err != nil {
		// best effort; Click below will surface a clearer error if the
		// element truly isn't reachable.
	}
	return s.ctrl.Click(ctx, selector)
}

func (s *standard) handleTyping(ctx context.Context, input map[string]any, pressEnter bool) (Result, error) {
	placeholder, err := requiredString(input, "placeholder_value")
	if err != nil {
		return Result{}, err
	}
	text, err := requiredString(input, "text")
	if err != nil {
		return Result{}, err
	}

	selector := fieldSelector(placeholder)
	var lastErr error
	for attempt := 0; attempt < typingRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(typingBackoff)
		}
		if err := s.ctrl.Fill(ctx, selector, text); err != nil {
			lastErr = err
			continue
		}
		lastErr = nil
		break
	}
	if lastErr != nil {
		return Result{}, fmt.Errorf("handle_typing: field %q: %w", placeholder, lastErr)
	}

	if pressEnter {
		if err := s.pressEnter(selector); err != nil {
			return Result{}, fmt.Errorf("handle_typing_with_enter: %w", err)
		}
		return Result{Observation: fmt.Sprintf("typed into %q and pressed enter", placeholder)}, nil
	}
	return Result{Observation: fmt.Sprintf("typed into %q", placeholder)}, nil
}

// fieldSelector builds a substring, case-insensitive selector matching
// placeholder, aria-label, name, or id against value (spec §4.3). The text
// of an associated <label> element is not matched.
func fieldSelector(value string) string {
	v := sanitizeAttrValue(value)
	return strings.Join([]string{
		fmt.Sprintf("[placeholder*=%q i]", v),
		fmt.Sprintf("[aria-label*=%q i]", v),
		fmt.Sprintf("[name*=%q i]", v),
		fmt.Sprintf("[id*=%q i]", v),
	}, ", ")
}

func sanitizeAttrValue(v string) string {
	v = strings.ReplaceAll(v, `"`, "")
	v = strings.ReplaceAll(v, "\n", " ")
	if len(v) > 60 {
		v = v[:60]
	}
	return v
}

func (s *standard) pressEnter(selector string) error {
	page := s.ctrl.Page()
	if err := page.Locator(selector).First().Press("Enter"); err != nil {
		return page.Keyboard().Press("Enter")
	}
	return nil
}

func (s *standard) handleScroll(ctx context.Context, input map[string]any) (Result, error) {
	dir := optionalString(input, "direction")
	if dir == "" {
		dir = "down"
	}
	amount := optionalInt(input, "amount")
	if err := s.ctrl.Scroll(ctx, dir, amount); err != nil {
		return Result{}, fmt.Errorf("handle_scroll: %w", err)
	}
	return Result{Observation: fmt.Sprintf("scrolled %s", dir)}, nil
}

func (s *standard) handleBack(ctx context.Context) (Result, error) {
	if err := s.ctrl.Back(ctx); err != nil {
		return Result{}, fmt.Errorf("handle_back: %w", err)
	}
	return Result{Observation: "navigated back"}, nil
}

func (s *standard) handleCaptcha(ctx context.Context) (Result, error) {
	if s.captcha == nil {
		return Result{Observation: "no captcha handling configured"}, nil
	}
	observation, err := s.captcha(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("handle_captcha: %w", err)
	}
	return Result{Observation: observation}, nil
}

// Helpers for schema and extraction.
type schema map[string]any

func newTool(name, desc string, props schema, required []string) Tool {
	requiredArray := required
	if requiredArray == nil {
		requiredArray = []string{}
	}
	return Tool{
		Name:        name,
		Description: desc,
		InputSchema: map[string]any{
			"type":       "object",
			"properties": props,
			"required":   requiredArray,
		},
	}
}

func str(desc string) map[string]any { return map[string]any{"type": "string", "description": desc} }

func integer(desc string) map[string]any {
	return map[string]any{"type": "integer", "description": desc}
}

func requiredString(input map[string]any, key string) (string, error) {
	val, ok := input[key]
	if !ok {
		return "", fmt.Errorf("field %s required", key)
	}
	switch v := val.(type) {
	case string:
		if strings.TrimSpace(v) == "" {
			return "", fmt.Errorf("field %s empty", key)
		}
		return v, nil
	case json.Number:
		return v.String(), nil
	default:
		return "", fmt.Errorf("field %s must be string", key)
	}
}

func optionalString(input map[string]any, key string) string {
	val, ok := input[key]
	if !ok {
		return ""
	}
	s, _ := val.(string)
	return s
}

func optionalInt(input map[string]any, key string) int {
	val, ok := input[key]
	if !ok {
		return 0
	}
	switch v := val.(type) {
	case float64:
		return int(v)
	case int:
		return v
	case json.Number:
		i, _ := v.Int64()
		return int(i)
	default:
		return 0
	}
}
