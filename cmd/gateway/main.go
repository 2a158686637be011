package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/vnmchuo/enhance-gateway/config"
	"github.com/vnmchuo/enhance-gateway/internal/auth"
	"github.com/vnmchuo/enhance-gateway/internal/billing"
	"github.com/vnmchuo/enhance-gateway/internal/provider"
	"github.com/vnmchuo/enhance-gateway/internal/provider/cloudinary"
	"github.com/vnmchuo/enhance-gateway/internal/provider/dzine"
	"github.com/vnmchuo/enhance-gateway/internal/proxy"
	"github.com/vnmchuo/enhance-gateway/internal/seeder"
	"github.com/vnmchuo/enhance-gateway/internal/telemetry"
	"github.com/vnmchuo/enhance-gateway/internal/worker"
	"github.com/vnmchuo/enhance-gateway/pkg/ratelimit"
)

func main() {
	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		bootLogger := telemetry.NewLogger("production")
		bootLogger.Fatal().Err(err).Msg("failed to load config")
	}
	logger := telemetry.NewLogger(cfg.AppEnv)

	// 2. Init telemetry
	shutdownTracer, err := telemetry.InitTracer("enhance-gateway", cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to init tracer")
	}
	defer shutdownTracer()
	tracer := otel.GetTracerProvider().Tracer("enhance-gateway")

	ctx := context.Background()

	// 3. Connect PostgreSQL (optional: tenant keys and usage ledger)
	var (
		authStore    auth.Store
		billingStore billing.Store
	)
	if cfg.PostgresDSN != "" {
		pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect postgres")
		}
		defer pool.Close()

		if err := pool.Ping(ctx); err != nil {
			logger.Fatal().Err(err).Msg("failed to ping postgres")
		}
		logger.Info().Msg("PostgreSQL connected")
		authStore = auth.NewPostgresStore(pool)
		if err := authStore.EnsureSchema(ctx); err != nil {
			logger.Fatal().Err(err).Msg("failed to prepare api key table")
		}
		billingStore = billing.NewPostgresStore(pool)
	}

	// 4. Connect Redis (optional: auth cache and rate limiting)
	var (
		rdb     *redis.Client
		limiter *ratelimit.Limiter
	)
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()

		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Fatal().Err(err).Msg("failed to ping redis")
		}
		logger.Info().Msg("Redis connected")
		limiter = ratelimit.NewLimiter(rdb, cfg.DefaultRateLimitRPM)
	}

	// 5. Init auth
	var authMiddleware auth.Middleware
	if authStore != nil {
		authMiddleware = auth.NewMiddleware(authStore, rdb, logger)
		if os.Getenv("RUN_SEED") == "true" {
			seeder.SeedTestAPIKey(ctx, authStore, cfg.DefaultRateLimitRPM, logger)
		}
	} else {
		logger.Warn().Msg("POSTGRES_DSN not set: auth and usage ledger disabled")
	}

	// 6. Init providers
	httpOpts := provider.Options{Timeout: cfg.PollRequestTimeout}
	dzineClient := dzine.New(cfg.DzineBaseURL, cfg.DzineAPIKey, httpOpts)
	cdnClient := cloudinary.New(cloudinary.Options{
		CloudName:  cfg.CloudinaryCloudName,
		APIKey:     cfg.CloudinaryAPIKey,
		APISecret:  cfg.CloudinaryAPISecret,
		APIBaseURL: cfg.CloudinaryAPIBaseURL,
		HTTP:       httpOpts,
	})
	if !dzineClient.HasCredentials() {
		logger.Warn().Msg("DZINE_API_KEY not set: enhancement requests will fail with 500")
	}
	if !cfg.CloudinaryConfigured() {
		logger.Warn().Msg("Cloudinary credentials incomplete: CDN materialization will fail with 500")
	}

	// 7. Init poller and orchestrator
	poller := worker.NewPoller(dzineClient, dzine.Layout(),
		worker.WithRequestTimeout(cfg.PollRequestTimeout),
		worker.WithTracer(tracer),
		worker.WithLogger(logger),
	)
	orch := proxy.NewOrchestrator(dzineClient, poller, cdnClient, proxy.Settings{
		Dzine: dzine.Settings{
			StyleCode:    cfg.DzineStyleCode,
			OutputFormat: cfg.DzineOutputFormat,
		},
		PollDeadline:   cfg.PollDeadline,
		PollInterval:   cfg.PollInterval,
		CircuitBreaker: cfg.CircuitBreakerEnabled,
	}, proxy.WithTracer(tracer), proxy.WithLogger(logger))

	// 8. Init handler and routes
	handler := proxy.NewHandler(orch, billingStore, limiter, tracer, logger, proxy.HandlerConfig{
		Mode:        proxy.Mode(cfg.SubmitMode),
		Materialize: cfg.CloudinaryMaterialize,
	})
	routes := proxy.NewRoutes(handler, proxy.RouteOptions{
		Auth:          authMiddleware,
		AllowedOrigin: cfg.AllowedOrigin,
		Logger:        logger,
	})

	// 9. Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      routes,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.PollDeadline + cfg.PollRequestTimeout + 10*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("mode", cfg.SubmitMode).
			Dur("poll_deadline", cfg.PollDeadline).
			Msg("Enhance Gateway starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	<-quit
	logger.Info().Msg("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.PollDeadline+5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("forced shutdown")
		return
	}
	logger.Info().Msg("Server stopped")
}
