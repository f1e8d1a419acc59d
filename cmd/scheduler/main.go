package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"brief-scheduler/internal/adapters/repo"
	"brief-scheduler/internal/domain"
	"brief-scheduler/internal/infra/cache"
	"brief-scheduler/internal/infra/config"
	"brief-scheduler/internal/infra/db"
	applog "brief-scheduler/internal/infra/log"
	"brief-scheduler/internal/infra/metrics"
	"brief-scheduler/internal/infra/queue"
	"brief-scheduler/internal/usecase/backoff"
	"brief-scheduler/internal/usecase/dispatch"
	"brief-scheduler/internal/usecase/sweep"
)

func main() {
	cfg := config.Load()
	logger := applog.NewLogger(cfg.AppEnv)

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.StartServer(ctx, logger, cfg.HTTP.MetricsAddr)

	pool, err := db.Connect(ctx, cfg.PGDSN, cfg.PGMaxConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("scheduler: нет подключения к БД")
	}
	defer pool.Close()
	if err := db.RunMigrations(ctx, pool); err != nil {
		logger.Fatal().Err(err).Msg("scheduler: миграции не применены")
	}

	repoAdapter := repo.NewPostgres(pool)

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient, err = cache.NewClient(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			logger.Fatal().Err(err).Msg("scheduler: нет подключения к Redis")
		}
		defer redisClient.Close()
	}

	publisher, closePublisher, err := queue.NewPublisher(cfg, redisClient)
	if err != nil {
		logger.Fatal().Err(err).Msg("scheduler: очередь исполнителей недоступна")
	}
	defer func() { _ = closePublisher() }()

	dispatcher := dispatch.NewDispatcher(repoAdapter, domain.SystemClock{},
		logger.With().Str("component", "dispatch").Logger(),
		dispatch.WithTolerance(cfg.Scheduler.DedupTolerance),
		dispatch.WithPublisher(publisher),
		dispatch.WithAnalytics(repoAdapter),
	)

	deps := sweep.Deps{
		Preferences: repoAdapter,
		Backoff:     backoff.NewResolver(repoAdapter, logger.With().Str("component", "backoff").Logger()),
		Dispatcher:  dispatcher,
		Clock:       domain.SystemClock{},
	}
	if redisClient != nil {
		deps.Lock = cache.NewRedisLock(redisClient, cfg.Scheduler.LockKey, cfg.Scheduler.LockTTL)
	}

	sweepLogger := logger.With().Str("component", "sweep").Logger()
	sw := sweep.New(deps, sweep.Config{
		Lookahead:      cfg.Scheduler.Lookahead,
		BackoffEnabled: cfg.Scheduler.BackoffEnabled,
		DispatchRPS:    cfg.Scheduler.DispatchRPS,
	}, sweepLogger)

	logger.Info().
		Str("schedule", cfg.Scheduler.Schedule).
		Dur("lookahead", cfg.Scheduler.Lookahead).
		Dur("tolerance", cfg.Scheduler.DedupTolerance).
		Bool("backoff", cfg.Scheduler.BackoffEnabled).
		Str("queue_backend", cfg.Queues.Backend).
		Msg("scheduler: запуск")

	if err := sweep.NewRunner(sw, cfg.Scheduler.Schedule, cfg.Scheduler.RunOnStart, sweepLogger).Run(ctx); err != nil {
		logger.Fatal().Err(err).Msg("scheduler: планировщик не запущен")
	}
}
