package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"
	_ "modernc.org/sqlite"

	"github.com/eventcall/relay/internal/cache"
	"github.com/eventcall/relay/internal/config"
	"github.com/eventcall/relay/internal/credentials"
	"github.com/eventcall/relay/internal/csrf"
	"github.com/eventcall/relay/internal/github"
	"github.com/eventcall/relay/internal/observability"
	"github.com/eventcall/relay/internal/ratelimit"
	"github.com/eventcall/relay/internal/server"
	"github.com/eventcall/relay/internal/server/routes"
	"github.com/eventcall/relay/internal/session"
	"github.com/eventcall/relay/internal/submission"
)

func main() {
	log := observability.NewLogger(os.Stdout, slog.LevelInfo)
	slog.SetDefault(log)

	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file loaded", "error", err)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		return
	}

	shutdownTracing, err := observability.Setup(context.Background(), log, observability.Config{
		Enabled:        cfg.Telemetry.Enabled,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		ServiceName:    "eventcall-relay",
		ServiceVersion: "1.0",
		SamplingRatio:  cfg.Telemetry.SamplingRatio,
	})
	if err != nil {
		slog.Error("Failed to configure tracing", "error", err)
		return
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			slog.Error("Failed to shut down tracing", "error", err)
		}
	}()

	store, err := cache.Open(cfg.Cache.Path)
	if err != nil {
		slog.Error("Failed to open cache store", "error", err)
		return
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Error("Failed to close cache store", "error", err)
		}
	}()
	mirror := cache.NewMirror(store, cfg.Cache.Freshness)
	store.StartJanitor(context.Background(), time.Hour, cfg.Cache.MaxAge, log)

	// One process-wide gateway state: credential rotation and the CSRF
	// token stamped on outbound mutations are shared across requests.
	gatewayState := session.NewState()
	rotator := credentials.NewRotator(cfg.GitHub.Tokens, cfg.GitHub.Token, gatewayState)
	csrfManager := csrf.NewManager(gatewayState, cfg.CSRF.RotationInterval, cfg.Server.AllowedOrigins)

	limiter := ratelimit.New(ratelimit.LimiterOptions{
		MaxRequests:      cfg.RateLimit.MaxRequests,
		Interval:         cfg.RateLimit.Interval,
		OnQuotaExhausted: rotator.Advance,
		Logger:           log,
	})

	origin := ""
	if len(cfg.Server.AllowedOrigins) > 0 {
		origin = cfg.Server.AllowedOrigins[0]
	} else {
		slog.Warn("no allowed origins configured, workflow dispatches will be rejected")
	}
	gateway := github.NewClient(github.Options{
		APIBaseURL:         cfg.GitHub.APIBaseURL,
		Owner:              cfg.GitHub.Owner,
		Repo:               cfg.GitHub.Repo,
		DataRepo:           cfg.GitHub.DataRepo,
		ImageRepo:          cfg.GitHub.ImageRepo,
		Branch:             cfg.GitHub.Branch,
		Origin:             origin,
		Referer:            origin,
		AllowLocalDispatch: cfg.GitHub.AllowLocalDispatch,
		Retry:              retryPolicy(cfg.Retry),
		Limiter:            limiter,
		Credentials:        rotator,
		CSRF:               csrfManager,
		Logger:             log,
	})

	orchestrator := submission.NewOrchestrator(gateway, csrfManager, "eventcall-relay/1.0", log)
	sessions := session.NewStore(cfg.Server.SessionSecret, cfg.Server.SecureCookie)

	srv := server.New(log, cfg.Server.AllowedOrigins)
	srv.RegisterRouter(routes.NewRelayRoutes(cfg.CSRF.Secret, cfg.CSRF.RotationInterval, sessions, orchestrator, mirror, log))

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	slog.Info("Starting relay", "port", cfg.Server.Port, "owner", cfg.GitHub.Owner, "repo", cfg.GitHub.Repo)
	slog.Error("Closing relay", "error", srv.Start(addr))
}

func retryPolicy(cfg config.RetryConfig) ratelimit.RetryPolicy {
	return ratelimit.RetryPolicy{
		MaxAttempts: cfg.MaxAttempts,
		BaseDelay:   cfg.BaseDelay,
		Jitter:      cfg.Jitter,
	}
}
