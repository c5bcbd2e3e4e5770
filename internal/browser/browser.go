package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/playwright-community/playwright-go"
)

const (
	defaultNavTimeout   = 30 * time.Second
	defaultActionTime   = 10 * time.Second
	headlessEnv         = "AGENT_HEADLESS"
	defaultScrollAmount = 600
)

// Controller exposes typed operations on a live page to the agent (spec §4.1).
// All actions are synchronous from the caller's perspective: they return
// only after the page has quiesced or with an error describing the failure
// class.
type Controller interface {
	Close(ctx context.Context) error
	Navigate(ctx context.Context, url string) error
	Back(ctx context.Context) error
	ClickText(ctx context.Context, text string, exact bool) error
	ClickRole(ctx context.Context, role, name string, exact bool) error
	Click(ctx context.Context, selector string) error
	ClickByCoordinates(ctx context.Context, x, y float64) error
	ClickByTextFuzzy(ctx context.Context, text string) error
	Fill(ctx context.Context, selector, text string) error
	Read(ctx context.Context, selector string) (string, error)
	Scroll(ctx context.Context, direction string, distance int) error
	ScrollToElement(ctx context.Context, selector string) error
	WaitFor(ctx context.Context, selector string, timeout time.Duration) error
	WaitForAny(ctx context.Context, selectors []string, timeout time.Duration) error
	Screenshot(ctx context.Context) ([]byte, error)
	EvalInPage(ctx context.Context, script string) (any, error)
	Frames(ctx context.Context) ([]Frame, error)
	SaveState(ctx context.Context, path string) error
	Page() playwright.Page
}

// Frame is a narrowed view over a playwright.Frame, exposed so CAPTCHA
// handling and the Annotator can operate inside an iframe without the
// caller depending on playwright directly.
type Frame interface {
	URL() string
	Eval(script string) (any, error)
	Click(selector string) error
	Locator(selector string) playwright.Locator
}

type frameAdapter struct{ f playwright.Frame }

func (fa frameAdapter) URL() string { return fa.f.URL() }

func (fa frameAdapter) Eval(script string) (any, error) {
	v, err := fa.f.Evaluate(script)
	return v, wrap(err)
}

func (fa frameAdapter) Click(selector string) error {
	return wrap(fa.f.Locator(selector).First().Click())
}

func (fa frameAdapter) Locator(selector string) playwright.Locator {
	return fa.f.Locator(selector)
}

// Launcher owns playwright lifecycle.
type Launcher struct {
	pw       *playwright.Playwright
	browser  playwright.Browser
	headless bool
}

func NewLauncher(ctx context.Context) (*Launcher, error) {
	if err := ensureDeps(); err != nil {
		return nil, err
	}
	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("start playwright: %w", err)
	}
	headless := parseBoolEnv(headlessEnv, false)
	browser, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(headless),
		Args: []string{
			"--disable-dev-shm-usage",
			"--no-sandbox",
		},
	})
	if err != nil {
		_ = pw.Stop()
		return nil, fmt.Errorf("launch chromium: %w", err)
	}
	return &Launcher{pw: pw, browser: browser, headless: headless}, nil
}

func (l *Launcher) NewController(ctx context.Context, storagePath string) (Controller, error) {
	opts := playwright.BrowserNewContextOptions{
		IgnoreHttpsErrors: playwright.Bool(true),
	}
	if strings.TrimSpace(storagePath) != "" {
		opts.StorageStatePath = playwright.String(storagePath)
	}
	context, err := l.browser.NewContext(opts)
	if err != nil {
		return nil, fmt.Errorf("new context: %w", err)
	}
	page, err := context.NewPage()
	if err != nil {
		_ = context.Close()
		return nil, fmt.Errorf("new page: %w", err)
	}
	page.SetDefaultTimeout(float64(defaultNavTimeout.Milliseconds()))
	return &controller{context: context, page: page}, nil
}

func (l *Launcher) Close() error {
	if l.browser != nil {
		_ = l.browser.Close()
	}
	if l.pw != nil {
		return l.pw.Stop()
	}
	return nil
}

type controller struct {
	context playwright.BrowserContext
	page    playwright.Page
}

func (c *controller) Page() playwright.Page {
	return c.page
}

func (c *controller) Close(ctx context.Context) error {
	_ = ctx
	if c.page != nil {
		_ = c.page.Close()
	}
	if c.context != nil {
		return c.context.Close()
	}
	return nil
}

func (c *controller) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	// Escalating wait policy: try dom-content-loaded first (cheap, fast for
	// static pages); if that navigation fails, retry once waiting for
	// network-idle. After a successful dom-content-loaded navigation, wait up
	// to 5s for network-idle for pages that keep firing requests after the
	// DOM is ready.
	_, err := c.page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
		Timeout:   playwright.Float(float64(defaultNavTimeout.Milliseconds())),
	})
	if err != nil {
		_, err = c.page.Goto(url, playwright.PageGotoOptions{
			WaitUntil: playwright.WaitUntilStateNetworkidle,
			Timeout:   playwright.Float(float64(defaultNavTimeout.Milliseconds())),
		})
		return wrap(err)
	}
	_ = c.page.WaitForLoadState(playwright.PageWaitForLoadStateOptions{
		State:   playwright.LoadStateNetworkidle,
		Timeout: playwright.Float(5000),
	})
	return nil
}

// Back navigates to the previous history entry.
func (c *controller) Back(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := c.page.GoBack(playwright.PageGoBackOptions{
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
		Timeout:   playwright.Float(float64(defaultNavTimeout.Milliseconds())),
	})
	return wrap(err)
}

// Screenshot captures the current viewport as a JPEG.
func (c *controller) Screenshot(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := c.page.Screenshot(playwright.PageScreenshotOptions{
		Type:    playwright.ScreenshotTypeJpeg,
		Quality: playwright.Int(70),
	})
	return data, wrap(err)
}

// EvalInPage runs script in the page's main frame and returns its result.
func (c *controller) EvalInPage(ctx context.Context, script string) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v, err := c.page.Evaluate(script)
	return v, wrap(err)
}

// Frames returns every frame attached to the page, main frame included,
// so the CAPTCHA handler and Annotator can reach iframe content.
func (c *controller) Frames(ctx context.Context) ([]Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw := c.page.Frames()
	out := make([]Frame, 0, len(raw))
	for _, f := range raw {
		out = append(out, frameAdapter{f: f})
	}
	return out, nil
}

func (c *controller) ClickText(ctx context.Context, text string, exact bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	loc := c.page.GetByText(text, playwright.PageGetByTextOptions{
		Exact: playwright.Bool(exact),
	})
	first := loc.First()
	if err := first.WaitFor(playwright.LocatorWaitForOptions{State: playwright.WaitForSelectorStateVisible}); err != nil {
		return wrap(err)
	}
	return wrap(first.Click())
}

func (c *controller) ClickRole(ctx context.Context, role, name string, exact bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	aria := playwright.AriaRole(strings.ToLower(strings.TrimSpace(role)))
	loc := c.page.GetByRole(aria, playwright.PageGetByRoleOptions{
		Name:  name,
		Exact: playwright.Bool(exact),
	})
	first := loc.First()
	if err := first.WaitFor(playwright.LocatorWaitForOptions{State: playwright.WaitForSelectorStateVisible}); err != nil {
		return wrap(err)
	}
	return wrap(first.Click())
}

func (c *controller) Click(ctx context.Context, selector string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	loc := c.page.Locator(selector)
	// Use First() to avoid strict mode violation when multiple elements match
	first := loc.First()
	if err := first.WaitFor(playwright.LocatorWaitForOptions{State: playwright.WaitForSelectorStateVisible}); err != nil {
		return wrap(err)
	}
	// Scroll element into view before clicking
	if err := first.ScrollIntoViewIfNeeded(); err != nil {
		// If scroll fails, try click anyway
	}
	// Click the first match
	return wrap(first.Click())
}

// ClickByCoordinates clicks at specific coordinates (fallback when selector fails)
func (c *controller) ClickByCoordinates(ctx context.Context, x, y float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := c.page.Mouse().Click(x, y)
	return wrap(err)
}

// ClickByTextFuzzy finds element by partial text match and clicks it
func (c *controller) ClickByTextFuzzy(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	// Substring (non-exact) text match only
	loc := c.page.GetByText(text, playwright.PageGetByTextOptions{
		Exact: playwright.Bool(false), // Fuzzy match
	})
	first := loc.First()
	if err := first.WaitFor(playwright.LocatorWaitForOptions{
		State:   playwright.WaitForSelectorStateVisible,
		Timeout: playwright.Float(5000), // Shorter timeout for fuzzy
	}); err != nil {
		return wrap(err)
	}
	if err := first.ScrollIntoViewIfNeeded(); err != nil {
		// Continue anyway
	}
	return wrap(first.Click())
}

// ScrollToElement scrolls element into view before interaction
func (c *controller) ScrollToElement(ctx context.Context, selector string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	loc := c.page.Locator(selector)
	first := loc.First()
	return wrap(first.ScrollIntoViewIfNeeded())
}

// WaitForAny waits until any one of the given selectors becomes visible,
// checking the main frame and then every child frame. Used where content
// may load into an iframe (virtualized lists, embedded widgets).
func (c *controller) WaitForAny(ctx context.Context, selectors []string, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if len(selectors) == 0 {
		return fmt.Errorf("waitForAny: no selectors given")
	}

	perSelector := playwright.Float(timeout.Seconds() * 1000 / float64(len(selectors)))
	deadline := time.Now().Add(timeout)
	for _, pattern := range selectors {
		if time.Now().After(deadline) {
			break
		}
		loc := c.page.Locator(pattern)
		if err := loc.First().WaitFor(playwright.LocatorWaitForOptions{
			State:   playwright.WaitForSelectorStateVisible,
			Timeout: perSelector,
		}); err == nil {
			return nil
		}
	}

	for _, frame := range c.page.Frames() {
		if time.Now().After(deadline) {
			break
		}
		for _, pattern := range selectors {
			loc := frame.Locator(pattern)
			if err := loc.First().WaitFor(playwright.LocatorWaitForOptions{
				State:   playwright.WaitForSelectorStateVisible,
				Timeout: playwright.Float(2000),
			}); err == nil {
				return nil
			}
		}
	}

	return fmt.Errorf("no matching elements found after %v", timeout)
}

func (c *controller) Fill(ctx context.Context, selector, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	loc := c.page.Locator(selector)
	if err := loc.WaitFor(playwright.LocatorWaitForOptions{State: playwright.WaitForSelectorStateVisible}); err != nil {
		return wrap(err)
	}
	if err := loc.Fill(text); err != nil {
		return wrap(err)
	}
	return nil
}

func (c *controller) Read(ctx context.Context, selector string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if strings.TrimSpace(selector) == "" {
		val, err := c.page.InnerText("body")
		if err != nil {
			return "", wrap(err)
		}
		return val, nil
	}
	loc := c.page.Locator(selector)
	if err := loc.WaitFor(playwright.LocatorWaitForOptions{State: playwright.WaitForSelectorStateVisible}); err != nil {
		return "", wrap(err)
	}
	val, err := loc.InnerText()
	return val, wrap(err)
}

func (c *controller) Scroll(ctx context.Context, direction string, distance int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if distance == 0 {
		// Default to one viewport height; fall back to a fixed amount when
		// the page reports no viewport size.
		distance = defaultScrollAmount
		if vp := c.page.ViewportSize(); vp != nil && vp.Height > 0 {
			distance = vp.Height
		}
	}
	move := distance
	switch strings.ToLower(direction) {
	case "up", "north":
		move = -distance
	case "top":
		_, err := c.page.Evaluate("window.scrollTo(0,0);")
		return wrap(err)
	case "bottom":
		_, err := c.page.Evaluate("window.scrollTo(0, document.body.scrollHeight);")
		return wrap(err)
	case "page_down":
		move = distance * 2
	case "page_up":
		move = -distance * 2
	}
	script := fmt.Sprintf("window.scrollBy(0,%d);", move)
	_, err := c.page.Evaluate(script)
	return wrap(err)
}

func (c *controller) WaitFor(ctx context.Context, selector string, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if timeout <= 0 {
		timeout = defaultActionTime
	}
	loc := c.page.Locator(selector)
	return wrap(loc.WaitFor(playwright.LocatorWaitForOptions{
		Timeout: playwright.Float(timeout.Seconds() * 1000),
		State:   playwright.WaitForSelectorStateVisible,
	}))
}

func (c *controller) SaveState(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	state, err := c.context.StorageState()
	if err != nil {
		return wrap(err)
	}
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal storage: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

func wrap(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("playwright: %w", err)
}

func parseBoolEnv(name string, def bool) bool {
	val := strings.TrimSpace(os.Getenv(name))
	if val == "" {
		return def
	}
	switch strings.ToLower(val) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}

func ensureDeps() error {
	// Browsers usually preinstalled in this workspace. Hook for future checks.
	return nil
}
