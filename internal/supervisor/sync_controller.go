package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"

	"github.com/nikstep/browseragent/internal/browser"
)

// syncController serializes every Controller call behind one mutex, so the
// periodic screenshot pump (spec §5) never overlaps a tool-dispatched
// action on the same Browser. The Decision Loop and Replay Engine take a
// plain browser.Controller and have no notion of the pump running beside
// them; this decorator is what makes the "single-writer Browser" invariant
// hold without changing either of their call sites.
type syncController struct {
	mu    sync.Mutex
	inner browser.Controller
}

func newSyncController(inner browser.Controller) *syncController {
	return &syncController{inner: inner}
}

func (c *syncController) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inner.Close(ctx)
}

func (c *syncController) Navigate(ctx context.Context, url string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inner.Navigate(ctx, url)
}

func (c *syncController) Back(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inner.Back(ctx)
}

func (c *syncController) ClickText(ctx context.Context, text string, exact bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inner.ClickText(ctx, text, exact)
}

func (c *syncController) ClickRole(ctx context.Context, role, name string, exact bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inner.ClickRole(ctx, role, name, exact)
}

func (c *syncController) Click(ctx context.Context, selector string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inner.Click(ctx, selector)
}

func (c *syncController) ClickByCoordinates(ctx context.Context, x, y float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inner.ClickByCoordinates(ctx, x, y)
}

func (c *syncController) ClickByTextFuzzy(ctx context.Context, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inner.ClickByTextFuzzy(ctx, text)
}

func (c *syncController) Fill(ctx context.Context, selector, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inner.Fill(ctx, selector, text)
}

func (c *syncController) Read(ctx context.Context, selector string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inner.Read(ctx, selector)
}

func (c *syncController) Scroll(ctx context.Context, direction string, distance int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inner.Scroll(ctx, direction, distance)
}

func (c *syncController) ScrollToElement(ctx context.Context, selector string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inner.ScrollToElement(ctx, selector)
}

func (c *syncController) WaitFor(ctx context.Context, selector string, timeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inner.WaitFor(ctx, selector, timeout)
}

func (c *syncController) WaitForAny(ctx context.Context, selectors []string, timeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inner.WaitForAny(ctx, selectors, timeout)
}

func (c *syncController) Screenshot(ctx context.Context) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inner.Screenshot(ctx)
}

func (c *syncController) EvalInPage(ctx context.Context, script string) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inner.EvalInPage(ctx, script)
}

func (c *syncController) Frames(ctx context.Context) ([]browser.Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inner.Frames(ctx)
}

func (c *syncController) SaveState(ctx context.Context, path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inner.SaveState(ctx, path)
}

func (c *syncController) Page() playwright.Page {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inner.Page()
}
