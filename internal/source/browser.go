package source

import (
	"context"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/stealth"

	"github.com/kickradar/kickradar/errs"
	"github.com/kickradar/kickradar/internal/schema"
)

const browserNavTimeout = 30 * time.Second

// browserRuntime owns the lazily launched Chromium process shared by every
// browser-backed source.
type browserRuntime struct {
	mu      sync.Mutex
	browser *rod.Browser
}

// BrowserFetcher renders pages through a shared headless Chromium instance.
// It is used for sources whose product state only materializes after script
// execution, where the plain HTTP fetcher sees an empty shell.
type BrowserFetcher struct {
	rt      *browserRuntime
	timeout time.Duration
}

// NewBrowserFetcher prepares a lazy fetcher. The browser process launches on
// the first Fetch so idle configurations carry no cost.
func NewBrowserFetcher() *BrowserFetcher {
	return &BrowserFetcher{rt: &browserRuntime{}, timeout: browserNavTimeout}
}

// WithTimeout returns a view of the fetcher with its own navigation deadline.
// The underlying browser process stays shared. Non-positive values keep the
// default.
func (f *BrowserFetcher) WithTimeout(d time.Duration) *BrowserFetcher {
	if d <= 0 {
		return f
	}
	return &BrowserFetcher{rt: f.rt, timeout: d}
}

func (f *BrowserFetcher) connect() (*rod.Browser, error) {
	f.rt.mu.Lock()
	defer f.rt.mu.Unlock()
	if f.rt.browser != nil {
		return f.rt.browser, nil
	}
	wsURL, err := launcher.New().
		Headless(true).
		Set("disable-blink-features", "AutomationControlled").
		Set("disable-gpu").
		Launch()
	if err != nil {
		return nil, err
	}
	browser := rod.New().ControlURL(wsURL)
	if err := browser.Connect(); err != nil {
		return nil, err
	}
	f.rt.browser = browser
	return browser, nil
}

// Fetch navigates a fresh stealth page to the target and captures the
// rendered document.
func (f *BrowserFetcher) Fetch(ctx context.Context, target schema.Target) (schema.FetchAttempt, error) {
	attempt := schema.FetchAttempt{
		Source:    target.Source,
		URL:       target.URL,
		Timestamp: time.Now().UTC(),
	}

	browser, err := f.connect()
	if err != nil {
		attempt.Outcome = schema.OutcomeTransportError
		return attempt, errs.New(target.Source, errs.CodeNetwork,
			errs.WithMessage("launch browser"), errs.WithCause(err))
	}

	navCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	start := time.Now()
	page, err := stealth.Page(browser)
	if err != nil {
		attempt.Outcome = schema.OutcomeTransportError
		return attempt, errs.New(target.Source, errs.CodeNetwork,
			errs.WithMessage("open page"), errs.WithCause(err))
	}
	defer page.Close()

	page = page.Context(navCtx)
	if err := page.Navigate(target.URL); err != nil {
		attempt.Elapsed = time.Since(start)
		return attempt, classifyBrowserErr(&attempt, navCtx, err)
	}
	if err := page.WaitLoad(); err != nil {
		attempt.Elapsed = time.Since(start)
		return attempt, classifyBrowserErr(&attempt, navCtx, err)
	}

	html, err := page.Eval(`() => document.documentElement.outerHTML`)
	attempt.Elapsed = time.Since(start)
	if err != nil {
		return attempt, classifyBrowserErr(&attempt, navCtx, err)
	}

	attempt.Payload = []byte(html.Value.Str())
	attempt.Outcome = schema.OutcomeSuccess
	return attempt, nil
}

// Close shuts the shared browser down. Safe to call without a prior Fetch.
func (f *BrowserFetcher) Close() error {
	f.rt.mu.Lock()
	defer f.rt.mu.Unlock()
	if f.rt.browser == nil {
		return nil
	}
	err := f.rt.browser.Close()
	f.rt.browser = nil
	return err
}

func classifyBrowserErr(attempt *schema.FetchAttempt, ctx context.Context, err error) error {
	if ctx.Err() != nil {
		attempt.Outcome = schema.OutcomeTimeout
		return errs.New(attempt.Source, errs.CodeTimeout,
			errs.WithMessage("page load deadline exceeded"), errs.WithCause(err))
	}
	attempt.Outcome = schema.OutcomeTransportError
	return errs.New(attempt.Source, errs.CodeNetwork,
		errs.WithMessage("page render failed"), errs.WithCause(err))
}
