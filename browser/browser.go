// Package browser launches and owns the single browser tab that the
// navigation pipeline drives. Unlike a scraping pool that cycles many
// short-lived tabs, a NavContext owns exactly one long-lived Page for
// its whole lifetime — the same Page that "the DOM" refers to throughout
// this codebase.
package browser

import (
	"log/slog"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"github.com/use-agent/spfnav/config"
	"github.com/use-agent/spfnav/spferr"
)

// Controlled wraps the browser process and the single page under control.
type Controlled struct {
	Browser *rod.Browser
	Page    *rod.Page
}

// Launch starts a headless (or headed) Chrome instance per cfg, opens
// one page, and injects the stealth patch before any navigation so the
// controller's synthetic click/mousedown events are not treated as bot
// traffic by pages under test.
func Launch(cfg config.BrowserConfig) (*Controlled, error) {
	l := launcher.New().
		Headless(cfg.Headless).
		NoSandbox(cfg.NoSandbox)

	if cfg.BrowserBin != "" {
		l = l.Bin(cfg.BrowserBin)
	}

	l.Set(flags.Flag("disable-blink-features"), "AutomationControlled")
	l.Delete(flags.Flag("enable-automation"))
	l.Set(flags.Flag("disable-popup-blocking"))
	l.Set(flags.Flag("disable-prompt-on-repost"))
	l.Set(flags.Flag("disable-renderer-backgrounding"))
	l.Set(flags.Flag("disable-background-timer-throttling"))
	l.Set(flags.Flag("disable-backgrounding-occluded-windows"))
	l.Set(flags.Flag("no-first-run"))

	controlURL, err := l.Launch()
	if err != nil {
		return nil, spferr.New(spferr.CodeTransport, "failed to launch browser", err)
	}
	slog.Info("browser launched", "controlURL", controlURL)

	b := rod.New().ControlURL(controlURL)
	if err := b.Connect(); err != nil {
		return nil, spferr.New(spferr.CodeTransport, "failed to connect to browser", err)
	}

	page, err := b.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, spferr.New(spferr.CodeTransport, "failed to open page", err)
	}
	if _, err := page.EvalOnNewDocument(stealth.JS); err != nil {
		slog.Warn("stealth injection failed", "err", err)
	}

	return &Controlled{Browser: b, Page: page}, nil
}

// Close tears down the page and the browser process.
func (c *Controlled) Close() {
	if c.Page != nil {
		_ = c.Page.Close()
	}
	if c.Browser != nil {
		c.Browser.MustClose()
	}
}
