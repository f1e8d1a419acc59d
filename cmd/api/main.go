package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"brief-scheduler/internal/adapters/repo"
	"brief-scheduler/internal/domain"
	"brief-scheduler/internal/infra/cache"
	"brief-scheduler/internal/infra/config"
	"brief-scheduler/internal/infra/db"
	httpinfra "brief-scheduler/internal/infra/http"
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

	if cfg.HTTP.AdminToken == "" {
		logger.Warn().Msg("api: ADMIN_TOKEN не задан, служебные ручки закрыты")
	}

	pool, err := db.Connect(ctx, cfg.PGDSN, cfg.PGMaxConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: нет подключения к БД")
	}
	defer pool.Close()

	repoAdapter := repo.NewPostgres(pool)

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient, err = cache.NewClient(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			logger.Fatal().Err(err).Msg("api: нет подключения к Redis")
		}
		defer redisClient.Close()
	}

	publisher, closePublisher, err := queue.NewPublisher(cfg, redisClient)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: очередь исполнителей недоступна")
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
		// Общая блокировка с процессом scheduler: ручной обход не пересекается с плановым.
		deps.Lock = cache.NewRedisLock(redisClient, cfg.Scheduler.LockKey, cfg.Scheduler.LockTTL)
	}
	sw := sweep.New(deps, sweep.Config{
		Lookahead:      cfg.Scheduler.Lookahead,
		BackoffEnabled: cfg.Scheduler.BackoffEnabled,
		DispatchRPS:    cfg.Scheduler.DispatchRPS,
	}, logger.With().Str("component", "sweep").Logger())

	server := httpinfra.NewServer(logger.With().Str("component", "http").Logger())
	httpinfra.NewOpsHandler(dispatcher, sw, logger.With().Str("component", "ops").Logger()).Mount(server.Router, cfg.HTTP.AdminToken)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(fmt.Sprintf(":%d", cfg.Port))
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			logger.Error().Err(err).Msg("api: HTTP сервер остановлен")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("api: ошибка при остановке HTTP сервера")
	}
}
