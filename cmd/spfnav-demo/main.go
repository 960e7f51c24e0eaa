// Command spfnav-demo launches the controlled browser tab, wires up the
// full navigation pipeline, and serves the introspection HTTP surface.
// It mirrors the teacher's cmd/purify/main.go bring-up sequence, adapted
// from a request/response scraping server to a long-lived, single-page
// navigation controller.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/use-agent/spfnav/browser"
	"github.com/use-agent/spfnav/config"
	"github.com/use-agent/spfnav/history"
	"github.com/use-agent/spfnav/introspect"
	"github.com/use-agent/spfnav/navcache"
	"github.com/use-agent/spfnav/navigator"
	"github.com/use-agent/spfnav/processor"
	"github.com/use-agent/spfnav/pubsub"
	"github.com/use-agent/spfnav/requestengine"
	"github.com/use-agent/spfnav/resource"
	"github.com/use-agent/spfnav/scriptdeps"
	"github.com/use-agent/spfnav/taskqueue"
)

func main() {
	// ── 1. Load configuration ───────────────────────────────────────
	cfg := config.Load()

	// ── 2. Initialise structured logging ────────────────────────────
	initLogger(cfg.Log)
	slog.Info("spfnav starting",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"mode", cfg.Server.Mode,
		"headless", cfg.Browser.Headless,
	)

	startTime := time.Now()

	// ── 3. Launch the controlled browser tab ────────────────────────
	ctl, err := browser.Launch(cfg.Browser)
	if err != nil {
		slog.Error("failed to launch browser", "error", err)
		os.Exit(1)
	}
	defer ctl.Close()

	startURL := envOr("SPFNAV_START_URL", "about:blank")
	if startURL != "about:blank" {
		navCtx, cancel := context.WithTimeout(context.Background(), cfg.Browser.NavigationTimeout)
		if err := ctl.Page.Context(navCtx).Navigate(startURL); err != nil {
			cancel()
			slog.Error("initial navigation failed", "url", startURL, "error", err)
			os.Exit(1)
		}
		cancel()
		_ = ctl.Page.WaitLoad()
	}

	// ── 4. Wire the navigation pipeline ──────────────────────────────
	ps := pubsub.New()
	queue := taskqueue.New()
	cache := navcache.New(cfg.Cache.Lifetime, cfg.Cache.MaxEntries)
	loader := resource.New(ctl.Page, ps, queue)
	deps := scriptdeps.New(loader, ps)
	hist := history.New(ctl.Page)
	proc := processor.New(ctl.Page, loader, queue, hist, cfg.Nav)
	engine := requestengine.New(ctl.Page, cache, cfg.Nav)
	nav := navigator.New(ctl.Page, engine, proc, hist, queue, ps, cache, deps, cfg.Nav, cfg.RateLimit, startURL)

	// Mark server-rendered scripts/styles already present in the
	// document so the loader doesn't re-inject them on first require.
	if err := loader.Mark(resource.Script); err != nil {
		slog.Warn("marking existing scripts failed", "error", err)
	}
	if err := loader.Mark(resource.Style); err != nil {
		slog.Warn("marking existing styles failed", "error", err)
	}

	if err := nav.Init(); err != nil {
		slog.Error("failed to initialise navigator", "error", err)
		os.Exit(1)
	}
	slog.Info("navigation pipeline attached", "startURL", startURL)

	// ── 5. Setup introspection router ───────────────────────────────
	router := introspect.NewRouter(nav, cfg, startTime)

	// ── 6. Start HTTP server ────────────────────────────────────────
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	go func() {
		slog.Info("HTTP server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	// ── 7. Graceful shutdown ────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	slog.Info("shutdown signal received", "signal", sig.String())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("HTTP server forced shutdown", "error", err)
	} else {
		slog.Info("HTTP server drained gracefully")
	}

	// ctl.Close() runs via defer — closes the page and kills Chrome.
	slog.Info("spfnav stopped")
}

// initLogger configures slog based on the LogConfig.
func initLogger(cfg config.LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	slog.SetDefault(slog.New(handler))
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
