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
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/tsunagi/api"
	"github.com/ashita-ai/tsunagi/internal/alerting"
	"github.com/ashita-ai/tsunagi/internal/auth"
	"github.com/ashita-ai/tsunagi/internal/breaker"
	"github.com/ashita-ai/tsunagi/internal/config"
	"github.com/ashita-ai/tsunagi/internal/engine/anthropic"
	"github.com/ashita-ai/tsunagi/internal/executor"
	"github.com/ashita-ai/tsunagi/internal/ratelimit"
	"github.com/ashita-ai/tsunagi/internal/server"
	"github.com/ashita-ai/tsunagi/internal/session"
	"github.com/ashita-ai/tsunagi/internal/telemetry"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(os.Getenv("TSUNAGI_LOG_LEVEL")),
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func logLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger.Info("tsunagi starting", "version", version, "port", cfg.Port)

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}

	// Engine adapter. A missing key is not fatal: the server starts and
	// reports unready until credentials appear in the environment.
	eng := anthropic.New(cfg.AnthropicAPIKey, cfg.DefaultModel)
	if !eng.Configured() {
		logger.Warn("ANTHROPIC_API_KEY not set; engine requests will fail until configured")
	}

	// Alerting: webhook when configured, structured log otherwise.
	var sink alerting.Sink
	if cfg.AlertWebhookURL != "" {
		sink = alerting.NewWebhookSink(cfg.AlertWebhookURL, nil, 10*time.Second)
		logger.Info("alerting: webhook sink", "url", cfg.AlertWebhookURL)
	} else {
		sink = &alerting.LogSink{Logger: logger}
		logger.Info("alerting: log sink (no webhook URL)")
	}
	notifier := alerting.New(sink, alerting.Config{
		Service:     cfg.ServiceName,
		MinInterval: cfg.AlertMinInterval,
	}, logger)

	brk := breaker.New(breaker.Config{
		FailureThreshold: cfg.BreakerFailureThreshold,
		SuccessThreshold: cfg.BreakerSuccessThreshold,
		Timeout:          cfg.BreakerTimeout,
		MaxProbes:        cfg.BreakerMaxProbes,
		Weights: map[breaker.ErrorClass]float64{
			breaker.ClassTimeout:    cfg.BreakerTimeoutWeight,
			breaker.ClassConnection: cfg.BreakerConnectionWeight,
			breaker.ClassProcess:    cfg.BreakerProcessWeight,
		},
	}, logger, notifier.BreakerHook())

	// Session cache, restored from the snapshot file when configured.
	var sessions *session.Store
	if cfg.SessionFile != "" {
		sessions, err = session.LoadFromFile(cfg.SessionFile, cfg.SessionMax, cfg.SessionTTL, logger)
		if err != nil {
			logger.Warn("session snapshot restore failed, starting empty",
				"path", cfg.SessionFile, "error", err)
			sessions = session.NewStore(cfg.SessionMax, cfg.SessionTTL)
		} else {
			logger.Info("session snapshot restored", "path", cfg.SessionFile, "count", sessions.Len())
		}
	} else {
		sessions = session.NewStore(cfg.SessionMax, cfg.SessionTTL)
	}

	verifier := auth.NewVerifier(cfg.APIKeyHashes, cfg.APIKeys)
	defer verifier.Close()
	if !verifier.Enabled() {
		logger.Warn("API authentication DISABLED — no TSUNAGI_API_KEY_HASHES or TSUNAGI_API_KEYS configured")
	}

	limiter := ratelimit.NewMemoryLimiter(ratelimit.MemoryConfig{
		Rate:          cfg.RateLimitRPS,
		Burst:         cfg.RateLimitBurst,
		MaxKeys:       cfg.RateLimitMaxKeys,
		SweepInterval: cfg.RateLimitSweepInterval,
		StaleAfter:    cfg.RateLimitStaleAfter,
	})
	defer func() { _ = limiter.Close() }()

	exec := executor.New(eng, brk, executor.Config{
		AllowedDirectories: cfg.AllowedDirectories,
		DefaultModel:       cfg.DefaultModel,
		DefaultMaxTurns:    cfg.DefaultMaxTurns,
		DefaultTimeout:     cfg.DefaultTimeout,
		MaxTimeout:         cfg.MaxTimeout,
		MaxResponseBytes:   cfg.MaxResponseBytes,
		StallWarning:       cfg.StallWarning,
		CleanupTimeout:     cfg.CleanupTimeout,
		RetryMaxAttempts:   cfg.RetryMaxAttempts,
		RetryMinWait:       cfg.RetryMinWait,
		RetryMaxWait:       cfg.RetryMaxWait,
		RetryMultiplier:    cfg.RetryMultiplier,
		RetryJitterMax:     cfg.RetryJitterMax,
		BreakerRetryAfter:  cfg.BreakerTimeout,
	}, logger)

	srv := server.New(server.ServerConfig{
		Executor:            exec,
		Sessions:            sessions,
		Breaker:             brk,
		Engine:              eng,
		Verifier:            verifier,
		Limiter:             limiter,
		Logger:              logger,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		MaxPromptBytes:      cfg.MaxPromptBytes,
		TrustProxy:          cfg.TrustProxy,
		OpenAPISpec:         api.Spec,
	})

	// Run group: HTTP serve, periodic session snapshots, and the shutdown
	// trigger. The first failure (or the signal context) cancels the rest.
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if cfg.SessionFile != "" {
		g.Go(func() error {
			persistLoop(gctx, sessions, cfg.SessionFile, cfg.SessionPersistInterval, logger)
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		httpCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(httpCtx)
	})

	runErr := g.Wait()

	// Remaining shutdown phases, each with its own timeout so an early
	// failure doesn't steal budget from later phases.
	logger.Info("tsunagi shutting down")

	if cfg.SessionFile != "" {
		if err := sessions.PersistToFile(cfg.SessionFile); err != nil {
			logger.Error("final session snapshot failed", "path", cfg.SessionFile, "error", err)
		} else {
			logger.Info("final session snapshot written", "path", cfg.SessionFile, "count", sessions.Len())
		}
	}

	notifierCtx, notifierCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := notifier.Close(notifierCtx); err != nil {
		logger.Error("notifier drain timed out", "error", err)
	}
	notifierCancel()

	otelCtx, otelCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := otelShutdown(otelCtx); err != nil {
		logger.Error("telemetry shutdown error", "error", err)
	}
	otelCancel()

	return runErr
}

// persistLoop snapshots the session cache on a fixed interval until ctx is
// cancelled. Failures are logged and retried on the next tick.
func persistLoop(ctx context.Context, store *session.Store, path string, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := store.PersistToFile(path); err != nil {
				logger.Warn("session snapshot failed", "path", path, "error", err)
			}
		}
	}
}
