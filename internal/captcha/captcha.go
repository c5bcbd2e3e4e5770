// Package captcha detects CAPTCHA surfaces on the current page and drives
// the strategies that clear them (IDLE -> DETECTED -> one strategy ->
// SOLVED|FAILED). PreCheck runs only the strategy that matches the detected
// kind (reCAPTCHA, hCaptcha/Turnstile checkbox, or text/image); when that
// strategy fails, the other strategies are not tried.
package captcha

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/nikstep/browseragent/internal/browser"
	"github.com/nikstep/browseragent/internal/llm"
)

// Kind tags which family of CAPTCHA a Pattern or Detection matches.
type Kind string

const (
	KindRecaptcha Kind = "recaptcha"
	KindHCaptcha  Kind = "hcaptcha"
	KindTurnstile Kind = "turnstile"
	KindImage     Kind = "image"
	KindNone      Kind = ""
)

// Status is the Handler's state for one precheck call.
type Status string

const (
	StatusIdle     Status = "idle"
	StatusDetected Status = "detected"
	StatusSolved   Status = "solved"
	StatusFailed   Status = "failed"
)

// Pattern is one detection rule: qualifying pages contain a keyword, a
// matching URL substring (script src, iframe src), or a visible selector.
type Pattern struct {
	Kind        Kind
	Selectors   []string
	Keywords    []string
	URLPatterns []string
}

// registry is the fixed detection list (spec §4.4 plus the Turnstile and
// image-CAPTCHA patterns the registry is supplemented with: the spec's
// "generic .captcha/#captcha not hidden" clause is explicitly open-ended).
var registry = []Pattern{
	{
		Kind:      KindRecaptcha,
		Selectors: []string{".g-recaptcha", "[data-sitekey]", "iframe[src*='recaptcha']", "#recaptcha"},
		Keywords:  []string{"recaptcha", "grecaptcha", "data-sitekey"},
		URLPatterns: []string{
			"recaptcha", "google.com/recaptcha",
		},
	},
	{
		Kind:      KindHCaptcha,
		Selectors: []string{".h-captcha", "[data-hcaptcha-sitekey]", "iframe[src*='hcaptcha']"},
		Keywords:  []string{"hcaptcha", "data-hcaptcha-sitekey"},
		URLPatterns: []string{
			"hcaptcha", "hcaptcha.com",
		},
	},
	{
		Kind:      KindTurnstile,
		Selectors: []string{".cf-turnstile", "[data-cf-turnstile-sitekey]", "iframe[src*='turnstile']"},
		Keywords:  []string{"turnstile", "cf-turnstile"},
		URLPatterns: []string{
			"turnstile", "challenges.cloudflare.com",
		},
	},
	{
		Kind:      KindImage,
		Selectors: []string{"img[src*='captcha']", ".captcha-image", "#captcha_image", "input[name*='captcha']", ".captcha", "#captcha"},
		Keywords:  []string{"captcha", "security code", "verification code"},
	},
}

// Detection is the outcome of one Detect call.
type Detection struct {
	Found bool
	Kind  Kind
}

// Result is the outcome of one PreCheck call, the event-level summary the
// Decision Loop and Replay Engine surface as captcha_detected/captcha_solved.
type Result struct {
	Status Status
	Kind   Kind
}

// Handler drives detection and solving against one browser Controller.
type Handler struct {
	ctrl   browser.Controller
	vision llm.Client
	logger zerolog.Logger
}

// New builds a Handler. vision may be nil, disabling the tile-selection and
// text-extraction strategies (their detection still runs; solving reports
// FAILED without a configured vision model).
func New(ctrl browser.Controller, vision llm.Client, logger zerolog.Logger) *Handler {
	return &Handler{ctrl: ctrl, vision: vision, logger: logger}
}

// Detect runs the registry's keyword/URL/selector checks against the
// current page and returns the first qualifying pattern's Kind.
func (h *Handler) Detect(ctx context.Context) (Detection, error) {
	raw, err := h.ctrl.EvalInPage(ctx, "document.documentElement.outerHTML")
	if err != nil {
		return Detection{}, fmt.Errorf("captcha: read page html: %w", err)
	}
	html, _ := raw.(string)
	pageURL := h.ctrl.Page().URL()

	if d, ok := matchKeywordsAndURL(html, pageURL); ok {
		return d, nil
	}
	for _, p := range registry {
		for _, sel := range p.Selectors {
			visible, err := h.selectorVisible(ctx, sel)
			if err == nil && visible {
				return Detection{Found: true, Kind: p.Kind}, nil
			}
		}
	}
	return Detection{}, nil
}

// matchKeywordsAndURL runs the registry's keyword and URL-pattern checks,
// the half of Detect that needs no live page access. Separated out so the
// registry's matching rules are testable without a browser.
func matchKeywordsAndURL(html, pageURL string) (Detection, bool) {
	lowerHTML := strings.ToLower(html)
	lowerURL := strings.ToLower(pageURL)
	for _, p := range registry {
		for _, kw := range p.Keywords {
			if strings.Contains(lowerHTML, strings.ToLower(kw)) {
				return Detection{Found: true, Kind: p.Kind}, true
			}
		}
		for _, up := range p.URLPatterns {
			if strings.Contains(lowerURL, strings.ToLower(up)) {
				return Detection{Found: true, Kind: p.Kind}, true
			}
		}
	}
	return Detection{}, false
}

// selectorVisible reports whether sel matches a visible, positive-area
// element that is not the reCAPTCHA badge (the invisible meta-frame the
// spec's "not the meta-aframe variant" clause excludes).
func (h *Handler) selectorVisible(ctx context.Context, sel string) (bool, error) {
	script := fmt.Sprintf(`(() => {
		const el = document.querySelector(%s);
		if (!el) return false;
		if (el.classList && el.classList.contains('grecaptcha-badge')) return false;
		const rect = el.getBoundingClientRect();
		if (rect.width <= 0 || rect.height <= 0) return false;
		const style = window.getComputedStyle(el);
		return style.display !== 'none' && style.visibility !== 'hidden';
	})()`, jsQuote(sel))
	raw, err := h.ctrl.EvalInPage(ctx, script)
	if err != nil {
		return false, err
	}
	ok, _ := raw.(bool)
	return ok, nil
}

// PreCheck is the §4.4 guard run before every tool dispatch in the Decision
// Loop and before every Replay command: detect, solve by strategy, then
// re-detect to confirm. Returns StatusIdle when nothing qualifies.
func (h *Handler) PreCheck(ctx context.Context) (Result, error) {
	d, err := h.Detect(ctx)
	if err != nil {
		return Result{}, err
	}
	if !d.Found {
		return Result{Status: StatusIdle}, nil
	}
	h.logger.Info().Str("kind", string(d.Kind)).Msg("captcha detected")

	var solveErr error
	switch d.Kind {
	case KindRecaptcha:
		solveErr = h.solveRecaptcha(ctx)
	case KindHCaptcha:
		solveErr = h.solveCheckboxFrame(ctx, "hcaptcha")
	case KindTurnstile:
		solveErr = h.solveCheckboxFrame(ctx, "turnstile")
	default:
		solveErr = h.solveTextImage(ctx)
	}
	if solveErr != nil {
		h.logger.Warn().Err(solveErr).Str("kind", string(d.Kind)).Msg("captcha solve attempt failed")
	}

	verify, err := h.Detect(ctx)
	if err != nil {
		return Result{}, err
	}
	if verify.Found {
		return Result{Status: StatusFailed, Kind: d.Kind}, nil
	}
	return Result{Status: StatusSolved, Kind: d.Kind}, nil
}

func jsQuote(s string) string {
	var b strings.Builder
	b.WriteByte('\'')
	for _, r := range s {
		if r == '\'' || r == '\\' {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	b.WriteByte('\'')
	return b.String()
}
