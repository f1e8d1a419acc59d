package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	SweepDurationSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "brief_sweep_duration_seconds",
		Help:    "Длительность обхода расписаний",
		Buckets: prometheus.DefBuckets,
	})
	SweepRunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "brief_sweep_runs_total",
		Help: "Количество запусков обхода по результату",
	}, []string{"result"})
	SweepUsersTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "brief_sweep_users_total",
		Help: "Пользователи, обработанные обходом, по исходу",
	}, []string{"outcome"})
	BackoffDecisionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "brief_backoff_decisions_total",
		Help: "Решения по вовлечённости пользователей",
	}, []string{"reason", "send"})
	DispatchTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "brief_dispatch_total",
		Help: "Попытки постановки задач брифа в очередь",
	}, []string{"kind", "outcome"})
	LastSweepTimestamp = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "brief_sweep_last_success_timestamp_seconds",
		Help: "Время последнего успешного обхода",
	})

	NetworkRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "network_request_duration_seconds",
		Help:    "Длительность сетевых запросов",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
	}, []string{"component", "operation", "target", "status"})

	NetworkRequestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "network_request_total",
		Help: "Количество сетевых запросов",
	}, []string{"component", "operation", "target", "status"})
)

// MustRegister регистрирует метрики.
func MustRegister(registerer prometheus.Registerer) {
	registerer.MustRegister(
		SweepDurationSeconds,
		SweepRunsTotal,
		SweepUsersTotal,
		BackoffDecisionsTotal,
		DispatchTotal,
		LastSweepTimestamp,
		NetworkRequestDuration,
		NetworkRequestTotal,
	)
}

// StartServer запускает HTTP сервер с эндпоинтом /metrics.
func StartServer(ctx context.Context, logger zerolog.Logger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	shutdownCtx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-ctx.Done():
		case <-shutdownCtx.Done():
		}
		shutdownTimeout, timeoutCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer timeoutCancel()
		if err := srv.Shutdown(shutdownTimeout); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: graceful shutdown failed")
		}
	}()

	go func() {
		logger.Info().Str("addr", addr).Msg("metrics: server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: server stopped")
		}
		cancel()
	}()
}

// ObserveNetworkRequest записывает длительность и статус сетевого запроса.
func ObserveNetworkRequest(component, operation, target string, start time.Time, err error) {
	if component == "" {
		component = "unknown"
	}
	if operation == "" {
		operation = "unknown"
	}
	if target == "" {
		target = "unknown"
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	duration := time.Since(start).Seconds()
	NetworkRequestDuration.WithLabelValues(component, operation, target, status).Observe(duration)
	NetworkRequestTotal.WithLabelValues(component, operation, target, status).Inc()
}

// ObserveSweep фиксирует завершение обхода.
func ObserveSweep(start time.Time, err error) {
	SweepDurationSeconds.Observe(time.Since(start).Seconds())
	if err != nil {
		SweepRunsTotal.WithLabelValues("error").Inc()
		return
	}
	SweepRunsTotal.WithLabelValues("success").Inc()
	LastSweepTimestamp.SetToCurrentTime()
}

// IncSweepUser увеличивает счётчик исходов по пользователям.
func IncSweepUser(outcome string) {
	SweepUsersTotal.WithLabelValues(outcome).Inc()
}

// ObserveBackoffDecision считает решения движка вовлечённости.
func ObserveBackoffDecision(reason string, send bool) {
	if reason == "" {
		reason = "unknown"
	}
	label := "false"
	if send {
		label = "true"
	}
	BackoffDecisionsTotal.WithLabelValues(reason, label).Inc()
}

// IncDispatch считает результат постановки задачи.
func IncDispatch(kind, outcome string) {
	DispatchTotal.WithLabelValues(kind, outcome).Inc()
}
