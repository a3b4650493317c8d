package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/tokwatch/tokwatch/api"
	"github.com/tokwatch/tokwatch/config"
	"github.com/tokwatch/tokwatch/engine"
	"github.com/tokwatch/tokwatch/extract"
	"github.com/tokwatch/tokwatch/nav"
	"github.com/tokwatch/tokwatch/ratelimit"
	"github.com/tokwatch/tokwatch/runner"
	"github.com/tokwatch/tokwatch/session"
	"github.com/tokwatch/tokwatch/sink"
	"github.com/tokwatch/tokwatch/webhook"
)

func main() {
	// ── 1. Load configuration ───────────────────────────────────────
	_ = godotenv.Load()
	cfg := config.Load()

	// ── 2. Initialise structured logging ────────────────────────────
	initLogger(cfg.Log)

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	slog.Info("tokwatch starting",
		"accounts", len(cfg.Accounts),
		"dataDir", cfg.DataDir,
		"poolSize", cfg.Session.PoolSize,
		"interval", cfg.Run.Interval,
	)

	// ── 3. Launch browser and session pool ──────────────────────────
	browser, err := session.NewBrowser(cfg.Browser)
	if err != nil {
		slog.Error("failed to launch browser", "error", err)
		os.Exit(1)
	}
	defer func() { _ = browser.Close() }()

	identities := session.NewIdentityPool(cfg.Browser.UserAgents, cfg.Browser.Proxies, cfg.Session.RotateAfterExpiries)
	sessions := session.NewManager(cfg.Session, identities, session.RodFactory(browser, cfg.Scrape))
	defer sessions.Close()

	// ── 4. Build the fetch engine stack ─────────────────────────────
	var engines []engine.Engine
	if cfg.Engine.EnableHTTPFirst {
		id := identities.Current()
		engines = append(engines, engine.NewHTTPEngine(id.UserAgent, id.Proxy, cfg.Engine.HTTPTimeout))
	}
	engines = append(engines, engine.NewBrowserEngine(false), engine.NewBrowserEngine(true))

	memory := engine.NewMemory(24 * time.Hour)
	defer memory.Stop()
	dispatcher := engine.NewDispatcher(engines, cfg.Engine.EscalationDelays, memory)
	slog.Info("engine stack ready", "engines", len(engines), "delays", cfg.Engine.EscalationDelays)

	// ── 5. Build the pipeline ───────────────────────────────────────
	extractor, err := extract.NewEngine()
	if err != nil {
		slog.Error("failed to build extraction engine", "error", err)
		os.Exit(1)
	}

	navc := nav.NewController(dispatcher, cfg.Scrape)
	limiter := ratelimit.NewLimiter(cfg.RateLimit)
	policy := ratelimit.NewPolicy(cfg.Retry)

	newSink := func(runID string) (sink.Sink, error) {
		return sink.NewFileSink(cfg.Sink, cfg.DataDir, runID)
	}

	run := runner.New(cfg, sessions, navc, extractor, limiter, policy, newSink)

	var exporter runner.Exporter
	if wh := webhook.NewExporter(cfg.Webhook); wh != nil {
		exporter = wh
	}
	svc := runner.NewService(run, cfg.Run, exporter)

	// ── 6. Start the status HTTP server ─────────────────────────────
	var srv *http.Server
	if cfg.Server.Enabled {
		router := api.NewRouter(run, svc, cfg, time.Now())
		addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
		srv = &http.Server{Addr: addr, Handler: router}

		go func() {
			slog.Info("HTTP server listening", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("HTTP server error", "error", err)
				os.Exit(1)
			}
		}()
	}

	// ── 7. Run until signaled ───────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	summary, runErr := svc.Run(ctx)

	// ── 8. Graceful shutdown ────────────────────────────────────────
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("HTTP server forced shutdown", "error", err)
		} else {
			slog.Info("HTTP server drained gracefully")
		}
	}

	slog.Info("tokwatch stopped")
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		os.Exit(1)
	}
	if summary != nil && !summary.Succeeded() && cfg.Run.Interval <= 0 {
		os.Exit(1)
	}
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
