package session

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/ysmood/gson"

	"github.com/tokwatch/tokwatch/config"
	"github.com/tokwatch/tokwatch/models"
)

// NewBrowser launches the shared headless browser all sessions attach to.
// Each session still gets its own browser context (cookies, UA, proxy),
// so one Chromium process serves the whole pool.
func NewBrowser(cfg config.BrowserConfig) (*rod.Browser, error) {
	l := launcher.New().
		Headless(cfg.Headless).
		NoSandbox(cfg.NoSandbox)

	if cfg.BrowserBin != "" {
		l = l.Bin(cfg.BrowserBin)
	}

	// ── Stealth flags ────────────────────────────────────────────────
	l.Set(flags.Flag("disable-blink-features"), "AutomationControlled")
	l.Delete(flags.Flag("enable-automation"))
	l.Set(flags.Flag("disable-features"), "AudioServiceOutOfProcess,TranslateUI")
	l.Set(flags.Flag("disable-ipc-flooding-protection"))
	l.Set(flags.Flag("disable-popup-blocking"))
	l.Set(flags.Flag("disable-prompt-on-repost"))
	l.Set(flags.Flag("disable-renderer-backgrounding"))
	l.Set(flags.Flag("disable-background-timer-throttling"))
	l.Set(flags.Flag("disable-backgrounding-occluded-windows"))
	l.Set(flags.Flag("disable-component-update"))
	l.Set(flags.Flag("disable-default-apps"))
	l.Set(flags.Flag("disable-dev-shm-usage"))
	l.Set(flags.Flag("disable-extensions"))
	l.Set(flags.Flag("no-first-run"))

	controlURL, err := l.Launch()
	if err != nil {
		return nil, models.NewPipelineError(
			models.ErrCodeBrowserCrash,
			"failed to launch browser",
			err,
		)
	}
	slog.Info("browser launched", "controlURL", controlURL)

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		return nil, models.NewPipelineError(
			models.ErrCodeBrowserCrash,
			"failed to connect to browser",
			err,
		)
	}
	return browser, nil
}

// RodFactory returns a VisitorFactory that opens an isolated browser
// context per session on the shared browser.
func RodFactory(browser *rod.Browser, scrape config.ScrapeConfig) VisitorFactory {
	return func(id Identity) (Visitor, error) {
		create := proto.TargetCreateBrowserContext{}
		if id.Proxy != "" {
			create.ProxyServer = id.Proxy
		}
		res, err := create.Call(browser)
		if err != nil {
			return nil, fmt.Errorf("create browser context: %w", err)
		}
		return &rodVisitor{
			browser:   browser,
			contextID: res.BrowserContextID,
			identity:  id,
			scrape:    scrape,
		}, nil
	}
}

// rodVisitor drives one browser context. Pages are opened per visit and
// closed afterwards; cookies and storage persist in the context for the
// session's lifetime.
type rodVisitor struct {
	browser   *rod.Browser
	contextID proto.BrowserBrowserContextID
	identity  Identity
	scrape    config.ScrapeConfig
}

// Visit loads a page and captures its rendered HTML.
//
// Order matters: the UA override, stealth JS, and the hijack router must
// all be installed before Navigate, or they only apply to later loads.
func (v *rodVisitor) Visit(ctx context.Context, target string, opts VisitOptions) (*VisitResult, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = v.scrape.NavigationTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	page, err := v.browser.Page(proto.TargetCreateTarget{BrowserContextID: v.contextID})
	if err != nil {
		return nil, models.NewPipelineError(
			models.ErrCodeBrowserCrash,
			"failed to open page in session context",
			err,
		)
	}
	// Close on the original reference so cleanup survives ctx expiry.
	defer func() { _ = page.Close() }()

	if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{
		UserAgent: v.identity.UserAgent,
	}); err != nil {
		return nil, models.NewPipelineError(
			models.ErrCodeBrowserCrash,
			"failed to set session user agent",
			err,
		)
	}

	if opts.Stealth {
		if _, evalErr := page.EvalOnNewDocument(stealth.JS); evalErr != nil {
			slog.Warn("stealth injection failed, proceeding without stealth",
				"error", evalErr,
			)
		}
	}

	// Organic referer: arriving from a search result draws less
	// attention than a bare address-bar navigation.
	if u, parseErr := url.Parse(target); parseErr == nil {
		_ = proto.NetworkSetExtraHTTPHeaders{
			Headers: proto.NetworkHeaders{
				"Referer": gson.New("https://www.google.com/search?q=" + url.QueryEscape(u.Hostname())),
			},
		}.Call(page)
	}

	router := mountBlocker(page, v.scrape.BlockedResourceTypes)
	if router != nil {
		defer func() { _ = router.Stop() }()
	}

	p := page.Context(ctx)

	if err := p.Navigate(target); err != nil {
		return nil, err
	}

	if stableErr := p.WaitDOMStable(300*time.Millisecond, 0.1); stableErr != nil {
		slog.Debug("WaitDOMStable did not converge, proceeding with current DOM",
			"error", stableErr,
		)
	}

	if opts.WaitSelector != "" {
		if waitErr := p.WaitElementsMoreThan(opts.WaitSelector, 0); waitErr != nil {
			return nil, waitErr
		}
	}

	for i := 0; i < opts.ScrollRounds; i++ {
		if !scrollAndWait(p) {
			break
		}
	}

	statusCode := 0
	if res, evalErr := p.Eval(`() => {
		try {
			const entries = performance.getEntriesByType("navigation");
			if (entries.length > 0) return entries[0].responseStatus || 0;
		} catch(e) {}
		return 0;
	}`); evalErr == nil {
		statusCode = res.Value.Int()
	}

	rawHTML, err := p.HTML()
	if err != nil {
		return nil, err
	}

	finalURL := target
	if res, evalErr := p.Eval(`() => window.location.href`); evalErr == nil {
		if s := res.Value.Str(); s != "" {
			finalURL = s
		}
	}

	return &VisitResult{
		HTML:       rawHTML,
		FinalURL:   finalURL,
		StatusCode: statusCode,
	}, nil
}

// Close disposes the session's browser context, dropping its cookies
// and any leftover pages.
func (v *rodVisitor) Close() error {
	return proto.TargetDisposeBrowserContext{
		BrowserContextID: v.contextID,
	}.Call(v.browser)
}

// scrollAndWait scrolls to the bottom and polls for the document to
// grow, returning false once no new content appears.
func scrollAndWait(p *rod.Page) bool {
	res, err := p.Eval(`() => document.documentElement.scrollHeight`)
	if err != nil {
		return false
	}
	lastHeight := res.Value.Int()

	if _, err := p.Eval(`() => window.scrollTo(0, document.documentElement.scrollHeight)`); err != nil {
		return false
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		res, err := p.Eval(`() => document.documentElement.scrollHeight`)
		if err != nil {
			return false
		}
		if res.Value.Int() > lastHeight {
			// Give lazy-loaded tiles a moment to finish rendering.
			time.Sleep(time.Second)
			return true
		}
		time.Sleep(100 * time.Millisecond)
	}
	return false
}
