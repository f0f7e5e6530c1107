package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/stemsi/exstem-engine/internal/config"
	"github.com/stemsi/exstem-engine/internal/content"
	"github.com/stemsi/exstem-engine/internal/database"
	"github.com/stemsi/exstem-engine/internal/handler"
	"github.com/stemsi/exstem-engine/internal/logger"
	"github.com/stemsi/exstem-engine/internal/middleware"
	"github.com/stemsi/exstem-engine/internal/repository"
	"github.com/stemsi/exstem-engine/internal/router"
	"github.com/stemsi/exstem-engine/internal/service"
	"github.com/stemsi/exstem-engine/internal/validator"
	"github.com/stemsi/exstem-engine/internal/worker"
)

func main() {
	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()

	// ─── Initialize Logger ─────────────────────────────────────────────
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	log.Info().
		Str("port", cfg.ServerPort).
		Str("mode", cfg.GinMode).
		Str("log_level", cfg.LogLevel).
		Msg("Starting ExStem exam engine")

	// ─── Initialize Validator ──────────────────────────────────────────
	validator.Setup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ─── Migrate ───────────────────────────────────────────────────────
	if cfg.AutoMigrate {
		if err := database.MigrateUp(cfg.DatabaseURL, cfg.MigrationsDir, log); err != nil {
			log.Fatal().Err(err).Msg("Failed to migrate database")
		}
	}

	// ─── Connect to PostgreSQL ─────────────────────────────────────────
	pool, err := database.NewPostgresPool(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()

	// ─── Connect to Redis ──────────────────────────────────────────────
	rdb, err := database.NewRedisClient(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer rdb.Close()

	// ─── Initialize Repositories ───────────────────────────────────────
	examConfigRepo := repository.NewExamConfigRepository(pool)
	questionSetRepo := repository.NewQuestionSetRepository(pool)
	attemptRepo := repository.NewAttemptRepository(pool)
	examCache := repository.NewExamCacheRepository(rdb)
	checkpoints := repository.NewCheckpointRepository(rdb, cfg.CheckpointTTL)
	submissions := repository.NewSubmissionQueue(rdb, cfg.CheckpointTTL)

	// ─── Initialize Services ──────────────────────────────────────────
	authService := service.NewAuthService(cfg)
	examService := service.NewExamConfigService(examCache, examConfigRepo, log)
	resolver := service.NewQuestionSetResolver(examCache, questionSetRepo, log)
	loader := content.NewLoader(resolver,
		content.WithTimeout(cfg.ContentTimeout),
		content.WithLogger(log),
	)
	attemptService := service.NewAttemptService(
		examService, checkpoints, submissions, attemptRepo, loader,
		service.AttemptOptions{
			TickInterval:         cfg.TimerTick,
			Thresholds:           cfg.WarningThresholds,
			AutoResume:           cfg.AutoResume,
			CheckpointEveryTicks: cfg.CheckpointEveryTicks,
			IdleTimeout:          cfg.IdleAttemptTimeout,
		},
		log,
	)

	// ─── Prewarm Redis Caches ─────────────────────────────────────────
	// Load all published exams into Redis BEFORE accepting traffic.
	if err := examService.PrewarmAllCaches(ctx); err != nil {
		log.Warn().Err(err).Msg("Cache prewarm failed")
	}

	// ─── Initialize Handlers ──────────────────────────────────────────
	handlers := &router.Handlers{
		Attempt: handler.NewAttemptHandler(attemptService, log),
		WS:      handler.NewWSHandler(attemptService, log, cfg.AllowedOrigins),
		System: handler.NewSystemHandler(rdb, attemptService, map[string]handler.Pinger{
			"postgres": pool,
			"redis":    handler.PingerFunc(func(ctx context.Context) error { return rdb.Ping(ctx).Err() }),
		}, log),
	}

	startLimiter := middleware.NewRateLimiter(cfg.StartRatePerMinute, time.Minute)

	// ─── Setup Router ──────────────────────────────────────────────────
	r := router.SetupRouter(authService, handlers, cfg, startLimiter)

	srv := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// ─── Run ───────────────────────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		worker.NewSubmissionWorker(submissions, attemptRepo, cfg.SubmissionRetryLimit, log).Start(gctx)
		return nil
	})
	g.Go(func() error {
		return attemptService.RunSweeper(gctx, cfg.SweepInterval)
	})
	g.Go(func() error {
		return startLimiter.Run(gctx)
	})

	// ─── Graceful Shutdown ─────────────────────────────────────────────
	g.Go(func() error {
		<-gctx.Done()
		log := logger.Component(log, "shutdown")
		log.Info().Msg("Shutting down gracefully...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		// 1. Stop accepting new HTTP requests. Hijacked WebSocket
		// connections are closed by the attempts themselves below.
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown error")
		}

		// 2. Checkpoint and close every live attempt.
		if err := attemptService.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Attempt shutdown error")
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("Server stopped with error")
	}
	log.Info().Msg("Shutdown complete")
}

// init sets zerolog global defaults before main runs.
func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}
