// Package annotate injects the highlight/label overlay the decision loop's
// screenshots are built from, and extracts the visible clickable inventory
// the overlay numbers (spec §4.2 Page Annotator).
package annotate

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nikstep/browseragent/internal/browser"
)

// Element is one annotated clickable: its DOM position, the numeric label
// assigned if it had no natural textual identifier, and enough metadata for
// the Tool Set's click resolution (spec §4.1).
type Element struct {
	Index    int     `json:"index"` // 0 when the element carries a natural text identifier
	TagName  string  `json:"tag"`
	Role     string  `json:"role"`
	Text     string  `json:"text"`
	Selector string  `json:"selector"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Width    float64 `json:"width"`
	Height   float64 `json:"height"`
}

// Inventory is the result of one Annotate call: every qualifying element in
// document order, alongside a count of numbered (unlabeled) elements.
type Inventory struct {
	Elements []Element
	Labeled  int
}

// Annotator injects and removes the overlay stylesheet/DOM on a single
// Controller. It is idempotent: a second Annotate first clears.
type Annotator struct {
	ctrl      browser.Controller
	annotated bool
}

func New(ctrl browser.Controller) *Annotator {
	return &Annotator{ctrl: ctrl}
}

// Annotate injects the overlay stylesheet and, for every visible clickable
// (links, buttons, role=button, onclick handlers, tabindex) and form field
// (input, select, textarea), adds a red
// outline and — only for elements with no natural textual identifier — a
// numbered yellow badge positioned 25px above the element. Numbering is
// assigned in document order among qualifying unlabeled elements and is
// stable for the lifetime of the annotation.
func (a *Annotator) Annotate(ctx context.Context) (Inventory, error) {
	if a.annotated {
		if err := a.Clear(ctx); err != nil {
			return Inventory{}, fmt.Errorf("annotate: clear before re-annotate: %w", err)
		}
	}

	raw, err := a.ctrl.EvalInPage(ctx, fmt.Sprintf(annotateScript, jsString(annotateCSS)))
	if err != nil {
		return Inventory{}, fmt.Errorf("annotate: inject overlay: %w", err)
	}
	a.annotated = true

	inv, err := decodeInventory(raw)
	if err != nil {
		return Inventory{}, fmt.Errorf("annotate: decode inventory: %w", err)
	}
	return inv, nil
}

// Clear removes all injected styles and labels. It always runs the clear
// script, which finds nothing to remove if nothing was annotated. Leaves no
// residue: no element carries the highlight class,
// the per-element index stamp, or the injected stylesheet.
func (a *Annotator) Clear(ctx context.Context) error {
	if _, err := a.ctrl.EvalInPage(ctx, clearScript); err != nil {
		return fmt.Errorf("annotate: clear overlay: %w", err)
	}
	a.annotated = false
	return nil
}

func decodeInventory(raw any) (Inventory, error) {
	items, ok := raw.([]any)
	if !ok {
		return Inventory{}, fmt.Errorf("unexpected inventory shape %T", raw)
	}
	inv := Inventory{Elements: make([]Element, 0, len(items))}
	for _, it := range items {
		m, ok := it.(map[string]any)
		if !ok {
			continue
		}
		el := Element{
			TagName:  str(m["tag"]),
			Role:     str(m["role"]),
			Text:     str(m["text"]),
			Selector: str(m["selector"]),
			X:        num(m["x"]),
			Y:        num(m["y"]),
			Width:    num(m["width"]),
			Height:   num(m["height"]),
			Index:    int(num(m["index"])),
		}
		if el.Index > 0 {
			inv.Labeled++
		}
		inv.Elements = append(inv.Elements, el)
	}
	return inv, nil
}

// Stats is a compact per-page count used for logging, not sent to the
// model.
type Stats struct {
	Links       int
	Iframes     int
	Interactive int
	Total       int
}

// Summarize tallies an Inventory into Stats.
func Summarize(inv Inventory) Stats {
	s := Stats{Total: len(inv.Elements)}
	for _, el := range inv.Elements {
		switch strings.ToLower(el.TagName) {
		case "a":
			s.Links++
		case "iframe":
			s.Iframes++
		}
		if el.Role != "" && el.Role != "presentation" {
			s.Interactive++
		}
	}
	return s
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func num(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	default:
		return 0
	}
}

func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

// annotateCSS mirrors the red-outline/yellow-badge contract: .bua-annot-box
// draws the outline, .bua-annot-label the numbered badge 25px above it.
const annotateCSS = `
.bua-annot-overlay {
	position: fixed;
	pointer-events: none;
	z-index: 2147483647;
	top: 0; left: 0; width: 100%; height: 100%;
}
.bua-annot-box {
	position: absolute;
	outline: 2px solid #ff3b30;
	box-sizing: border-box;
	pointer-events: none;
}
.bua-annot-label {
	position: absolute;
	background: #ffcc00;
	color: #111;
	font-family: monospace;
	font-size: 11px;
	font-weight: bold;
	padding: 1px 4px;
	border-radius: 3px;
	pointer-events: none;
}
`

// annotateScript walks every candidate clickable, applies the strict
// visibility check (zero-size, off-viewport, display:none/visibility:hidden
// ancestor all disqualify), draws the outline for all qualifying elements,
// and assigns a document-order number — skipping elements that already have
// a natural textual identifier (non-empty text under 80 characters, or a
// non-empty aria-label, title or placeholder) —
// before returning the inventory the Go side decodes.
const annotateScript = `() => {
	const isVisible = (el) => {
		const rect = el.getBoundingClientRect();
		if (rect.width <= 0 || rect.height <= 0) return false;
		if (rect.bottom < 0 || rect.right < 0) return false;
		if (rect.top > window.innerHeight || rect.left > window.innerWidth) return false;
		let node = el;
		while (node && node !== document.body) {
			const style = window.getComputedStyle(node);
			if (style.display === 'none' || style.visibility === 'hidden') return false;
			node = node.parentElement;
		}
		return true;
	};

	const hasNaturalIdentifier = (el) => {
		const text = (el.textContent || '').trim();
		const aria = el.getAttribute('aria-label') || '';
		const title = el.getAttribute('title') || '';
		const placeholder = el.getAttribute('placeholder') || '';
		return (text.length > 0 && text.length < 80) || aria.trim() !== '' || title.trim() !== '' || placeholder.trim() !== '';
	};

	const candidates = Array.from(document.querySelectorAll(
		"a, button, [role='button'], [onclick], [tabindex]:not([tabindex='-1']), input, select, textarea"
	));

	let style = document.getElementById('bua-annot-style');
	if (!style) {
		style = document.createElement('style');
		style.id = 'bua-annot-style';
		document.head.appendChild(style);
	}
	style.textContent = %s;

	const container = document.createElement('div');
	container.id = 'bua-annot-overlay';
	container.className = 'bua-annot-overlay';
	document.body.appendChild(container);

	const results = [];
	let nextIndex = 1;
	let nextUid = 1;
	for (const el of candidates) {
		if (!isVisible(el)) continue;
		const rect = el.getBoundingClientRect();
		el.setAttribute('data-bua-annot', '1');

		// Every candidate gets a unique stamp, labeled or not: tag+id alone
		// collides across repeated icon buttons/links with no id, which would
		// make Click(selector) resolve to the wrong one of several identical
		// matches. The stamp is what handle_click actually selects on.
		const uid = nextUid++;
		el.setAttribute('data-bua-idx', String(uid));

		const box = document.createElement('div');
		box.className = 'bua-annot-box';
		box.style.left = rect.left + 'px';
		box.style.top = rect.top + 'px';
		box.style.width = rect.width + 'px';
		box.style.height = rect.height + 'px';
		container.appendChild(box);

		let index = 0;
		if (!hasNaturalIdentifier(el)) {
			index = nextIndex++;
			const label = document.createElement('div');
			label.className = 'bua-annot-label';
			label.textContent = String(index);
			label.style.left = rect.left + 'px';
			label.style.top = (rect.top - 25) + 'px';
			container.appendChild(label);
		}

		results.push({
			index: index,
			tag: el.tagName.toLowerCase(),
			role: el.getAttribute('role') || '',
			text: (el.textContent || el.getAttribute('aria-label') || el.getAttribute('placeholder') || '').trim().slice(0, 120),
			selector: '[data-bua-idx="' + uid + '"]',
			x: rect.left, y: rect.top, width: rect.width, height: rect.height,
		});
	}

	return results;
}`

// clearScript removes the overlay container and stylesheet and the
// data-bua-annot/data-bua-idx marker attributes from every element that
// carries them.
const clearScript = `() => {
	const container = document.getElementById('bua-annot-overlay');
	if (container) container.remove();
	const style = document.getElementById('bua-annot-style');
	if (style) style.remove();
	document.querySelectorAll('[data-bua-annot]').forEach((el) => el.removeAttribute('data-bua-annot'));
	document.querySelectorAll('[data-bua-idx]').forEach((el) => el.removeAttribute('data-bua-idx'));
}`
