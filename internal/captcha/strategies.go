package captcha

import (
	"context"
	"encoding/base64"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/nikstep/browseragent/internal/browser"
	"github.com/nikstep/browseragent/internal/llm"
)

const (
	recaptchaCheckboxRetries = 3
	recaptchaOuterAttempts   = 5
	tileSelector             = ".rc-imageselect-tile"
	unselectedTileSelector   = ".rc-imageselect-tile:not(.rc-imageselect-tile-selected)"
)

// solveRecaptcha implements the reCAPTCHA anchor/challenge strategy (spec
// §4.4 strategy 1): click the anchor checkbox first; if that alone doesn't
// clear it, fall through to the tile-selection challenge with the vision
// model.
func (h *Handler) solveRecaptcha(ctx context.Context) error {
	frames, err := h.ctrl.Frames(ctx)
	if err != nil {
		return fmt.Errorf("captcha: list frames: %w", err)
	}

	var anchorFrame, challengeFrame browser.Frame
	for _, f := range frames {
		u := strings.ToLower(f.URL())
		switch {
		case strings.Contains(u, "recaptcha") && strings.Contains(u, "anchor"):
			anchorFrame = f
		case strings.Contains(u, "recaptcha") && strings.Contains(u, "bframe"):
			challengeFrame = f
		}
	}

	if anchorFrame != nil {
		for attempt := 0; attempt < recaptchaCheckboxRetries; attempt++ {
			if err := anchorFrame.Click("#recaptcha-anchor"); err != nil {
				continue
			}
			checked, _ := anchorFrame.Eval(`document.querySelector('#recaptcha-anchor')?.getAttribute('aria-checked') === 'true'`)
			if b, ok := checked.(bool); ok && b {
				return nil
			}
			time.Sleep(400 * time.Millisecond)
		}
	}

	if challengeFrame == nil {
		return fmt.Errorf("captcha: no reCAPTCHA challenge frame present after anchor attempt")
	}
	return h.solveRecaptchaChallenge(ctx, challengeFrame)
}

func (h *Handler) solveRecaptchaChallenge(ctx context.Context, frame browser.Frame) error {
	instrRaw, _ := frame.Eval(`document.querySelector('.rc-imageselect-instructions')?.textContent || ''`)
	instructions, _ := instrRaw.(string)
	continuous := strings.Contains(strings.ToLower(instructions), "once there are none left")

	for attempt := 0; attempt < recaptchaOuterAttempts; attempt++ {
		for {
			indices, count, err := h.selectMatchingTiles(ctx, frame, instructions)
			if err != nil {
				return err
			}
			if count == 0 {
				break
			}
			// Indices number the unselected tiles; clicking from the highest
			// down keeps the lower ones at the same position in that list.
			sort.Sort(sort.Reverse(sort.IntSlice(indices)))
			unselected := frame.Locator(unselectedTileSelector)
			for _, idx := range indices {
				_ = unselected.Nth(idx - 1).Click()
			}
			if !continuous {
				break
			}
			time.Sleep(500 * time.Millisecond)
		}

		if err := frame.Click("#recaptcha-verify-button"); err != nil {
			return fmt.Errorf("captcha: click verify: %w", err)
		}
		time.Sleep(800 * time.Millisecond)

		incorrect, _ := frame.Eval(`document.querySelector('.rc-imageselect-incorrect-response')?.offsetParent !== null`)
		if b, ok := incorrect.(bool); !ok || !b {
			return nil
		}
	}
	return fmt.Errorf("captcha: reCAPTCHA challenge unsolved after %d attempts", recaptchaOuterAttempts)
}

// selectMatchingTiles screenshots every unselected tile and asks the vision
// model which ones match the instruction text, returning their 1-based
// indices among the unselected tiles, in the order the tile query returned
// them.
func (h *Handler) selectMatchingTiles(ctx context.Context, frame browser.Frame, instructions string) ([]int, int, error) {
	if h.vision == nil {
		return nil, 0, fmt.Errorf("captcha: no vision model configured for tile selection")
	}

	tiles, err := frame.Locator(unselectedTileSelector).All()
	if err != nil {
		return nil, 0, fmt.Errorf("captcha: list tiles: %w", err)
	}
	if len(tiles) == 0 {
		return nil, 0, nil
	}

	messages := make([]llm.Message, 0, len(tiles)+1)
	for i, tile := range tiles {
		data, err := tile.Screenshot()
		if err != nil {
			return nil, len(tiles), fmt.Errorf("captcha: screenshot tile %d: %w", i+1, err)
		}
		messages = append(messages, llm.Message{
			Role:     "user",
			Content:  fmt.Sprintf("tile %d", i+1),
			ImageB64: base64.StdEncoding.EncodeToString(data),
		})
	}
	messages = append(messages, llm.Message{
		Role: "user",
		Content: fmt.Sprintf(
			"Instruction: %q. Reply with only the comma-separated 1-based indices of the tiles above that match, or 0 if none match.",
			instructions,
		),
	})

	resp, err := h.vision.Generate(ctx, llm.Request{
		System:   "You solve image tile CAPTCHAs. Respond with indices only, nothing else.",
		Messages: messages,
	})
	if err != nil {
		return nil, len(tiles), fmt.Errorf("captcha: vision tile selection: %w", err)
	}

	var indices []int
	for _, tok := range strings.Split(resp.Text, ",") {
		tok = strings.TrimSpace(tok)
		n, err := strconv.Atoi(tok)
		if err != nil || n <= 0 {
			continue
		}
		indices = append(indices, n)
	}
	return indices, len(tiles), nil
}

// solveCheckboxFrame handles both hCaptcha and Cloudflare Turnstile: click
// the iframe checkbox; SOLVED iff it gains a checked state within 2s (spec
// §4.4 strategy 2, extended to Turnstile per the supplemented registry).
func (h *Handler) solveCheckboxFrame(ctx context.Context, family string) error {
	frames, err := h.ctrl.Frames(ctx)
	if err != nil {
		return fmt.Errorf("captcha: list frames: %w", err)
	}
	var target browser.Frame
	for _, f := range frames {
		if strings.Contains(strings.ToLower(f.URL()), family) {
			target = f
			break
		}
	}
	if target == nil {
		return fmt.Errorf("captcha: no %s iframe present", family)
	}
	if err := target.Click("#checkbox, [role='checkbox']"); err != nil {
		return fmt.Errorf("captcha: click %s checkbox: %w", family, err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		checked, _ := target.Eval(`!!document.querySelector('#checkbox.checked, [role="checkbox"].checked, [aria-checked="true"]')`)
		if b, ok := checked.(bool); ok && b {
			return nil
		}
		time.Sleep(150 * time.Millisecond)
	}
	return fmt.Errorf("captcha: %s checkbox not checked within timeout", family)
}

// fieldCandidate is one visible text input the page offers as a possible
// answer field, along with the label the vision model is expected to echo
// back verbatim when it picks that field.
type fieldCandidate struct {
	Selector string
	Label    string
}

// candidateFieldsScript enumerates visible plain-text inputs and stamps each
// with a unique selector, since relying on id/name alone collides whenever a
// page repeats an unlabeled input (the same problem the Page Annotator
// solves for clickables).
const candidateFieldsScript = `() => {
	const inputs = Array.from(document.querySelectorAll(
		"input[type='text'], input[type='tel'], input[type='number'], input:not([type])"
	));
	const visible = (el) => {
		const rect = el.getBoundingClientRect();
		if (rect.width <= 0 || rect.height <= 0) return false;
		const style = window.getComputedStyle(el);
		return style.display !== 'none' && style.visibility !== 'hidden';
	};
	const label = (el) => (el.getAttribute('aria-label') || el.getAttribute('placeholder') || el.getAttribute('name') || el.id || '').trim();
	const out = [];
	let uid = 1;
	for (const el of inputs) {
		if (!visible(el)) continue;
		const l = label(el);
		if (!l) continue;
		el.setAttribute('data-bua-captcha-idx', String(uid));
		out.push({ selector: '[data-bua-captcha-idx="' + uid + '"]', label: l });
		uid++;
	}
	return out;
}`

// candidateFields queries the current page for labeled, visible text inputs.
// A failure here is non-fatal: solveTextImage falls back to the vision
// model's own selector guess when no candidates are available.
func (h *Handler) candidateFields(ctx context.Context) []fieldCandidate {
	raw, err := h.ctrl.EvalInPage(ctx, candidateFieldsScript)
	if err != nil {
		h.logger.Warn().Err(err).Msg("captcha: enumerate candidate fields")
		return nil
	}
	items, ok := raw.([]any)
	if !ok {
		return nil
	}
	out := make([]fieldCandidate, 0, len(items))
	for _, it := range items {
		m, ok := it.(map[string]any)
		if !ok {
			continue
		}
		sel, _ := m["selector"].(string)
		label, _ := m["label"].(string)
		if sel == "" || label == "" {
			continue
		}
		out = append(out, fieldCandidate{Selector: sel, Label: label})
	}
	return out
}

// solveTextImage implements strategy 3: screenshot the page (ctrl.Screenshot
// captures the visible viewport only, not the full scrollable page), ask the
// vision model to pick the answer input from the candidate fields found on
// the page and extract the challenge answer, then type it and submit.
//
// When more than one candidate field is present, the handler types into the
// first field whose label the model echoed back verbatim in its location
// response; if none echoes a label, it falls back to the first visible
// candidate rather than guessing positionally.
func (h *Handler) solveTextImage(ctx context.Context) error {
	if h.vision == nil {
		return fmt.Errorf("captcha: no vision model configured for text/image solving")
	}
	shot, err := h.ctrl.Screenshot(ctx)
	if err != nil {
		return fmt.Errorf("captcha: screenshot page: %w", err)
	}

	candidates := h.candidateFields(ctx)

	var prompt strings.Builder
	if len(candidates) > 0 {
		prompt.WriteString("Candidate input fields on this page, by label:\n")
		for i, c := range candidates {
			fmt.Fprintf(&prompt, "%d. %s\n", i+1, c.Label)
		}
		prompt.WriteString("Locate the CAPTCHA input among these candidates and solve the challenge shown.")
	} else {
		prompt.WriteString("Locate the CAPTCHA input and solve the challenge shown.")
	}

	resp, err := h.vision.Generate(ctx, llm.Request{
		System: "You solve text/image CAPTCHAs from a full page screenshot. When given a numbered " +
			"list of candidate input field labels, reply as two lines: first line the exact label " +
			"text copied verbatim from the list (or, with no list given, the CSS selector or visible " +
			"label/placeholder of the answer input field), second line the extracted answer text. " +
			"Nothing else.",
		Messages: []llm.Message{{
			Role:     "user",
			Content:  prompt.String(),
			ImageB64: base64.StdEncoding.EncodeToString(shot),
		}},
	})
	if err != nil {
		return fmt.Errorf("captcha: vision text solve: %w", err)
	}

	lines := strings.SplitN(strings.TrimSpace(resp.Text), "\n", 2)
	if len(lines) < 2 {
		return fmt.Errorf("captcha: vision response missing field/answer pair")
	}
	field := strings.TrimSpace(lines[0])
	answer := strings.TrimSpace(lines[1])
	if field == "" || answer == "" {
		return fmt.Errorf("captcha: vision response had empty field or answer")
	}

	selector := resolveFieldSelector(field, candidates)
	if err := h.ctrl.Fill(ctx, selector, answer); err != nil {
		return fmt.Errorf("captcha: fill answer: %w", err)
	}
	return h.ctrl.Click(ctx, "button[type=submit], input[type=submit]")
}

// resolveFieldSelector applies the §C.3 disambiguation rule: an exact,
// verbatim match of field against a candidate's label wins; absent that, the
// first candidate; absent any candidates, field itself is treated as either
// a CSS selector or an attribute-substring to build one from.
func resolveFieldSelector(field string, candidates []fieldCandidate) string {
	for _, c := range candidates {
		if c.Label == field {
			return c.Selector
		}
	}
	if len(candidates) > 0 {
		return candidates[0].Selector
	}
	if !strings.ContainsAny(field, "#.[]") {
		return fmt.Sprintf("input[placeholder*=%q i], input[aria-label*=%q i]", field, field)
	}
	return field
}
