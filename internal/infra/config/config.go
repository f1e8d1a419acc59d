package config

import (
	"fmt"
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Поддерживаемые бэкенды уведомления исполнителей.
const (
	QueueBackendNone     = "none"
	QueueBackendRedis    = "redis"
	QueueBackendRabbitMQ = "rabbitmq"
)

// AppConfig описывает конфигурацию сервисов.
type AppConfig struct {
	AppEnv string `envconfig:"APP_ENV" default:"dev"`
	Port   int    `envconfig:"PORT" default:"8080"`

	PGDSN      string `envconfig:"PG_DSN"`
	PGMaxConns int32  `envconfig:"PG_MAX_CONNS" default:"5"`

	RedisAddr     string `envconfig:"REDIS_ADDR"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`

	RabbitURL string `envconfig:"RABBITMQ_URL"`

	Scheduler struct {
		Schedule       string        `envconfig:"SWEEP_SCHEDULE" default:"@hourly"`
		Lookahead      time.Duration `envconfig:"SWEEP_LOOKAHEAD" default:"1h"`
		DedupTolerance time.Duration `envconfig:"DEDUP_TOLERANCE" default:"30m"`
		BackoffEnabled bool          `envconfig:"ENGAGEMENT_BACKOFF_ENABLED" default:"false"`
		DispatchRPS    int           `envconfig:"DISPATCH_RPS" default:"50"`
		LockTTL        time.Duration `envconfig:"SWEEP_LOCK_TTL" default:"50m"`
		LockKey        string        `envconfig:"SWEEP_LOCK_KEY" default:"brief-scheduler:sweep-lock"`
		RunOnStart     bool          `envconfig:"SWEEP_RUN_ON_START" default:"true"`
	} `envconfig:""`

	Queues struct {
		Backend string `envconfig:"QUEUE_BACKEND" default:"none"`
		Brief   string `envconfig:"BRIEF_QUEUE_KEY" default:"brief_jobs"`
	} `envconfig:""`

	HTTP struct {
		MetricsAddr string `envconfig:"METRICS_ADDR" default:":9090"`
		AdminToken  string `envconfig:"ADMIN_TOKEN"`
	} `envconfig:""`
}

// Load загружает конфиг из окружения.
func Load() AppConfig {
	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		log.Fatalf("не удалось загрузить конфиг: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("некорректный конфиг: %v", err)
	}
	return cfg
}

// Validate проверяет согласованность значений.
func (c AppConfig) Validate() error {
	if c.Scheduler.Lookahead <= 0 {
		return fmt.Errorf("SWEEP_LOOKAHEAD должен быть положительным")
	}
	if c.Scheduler.DedupTolerance < 0 {
		return fmt.Errorf("DEDUP_TOLERANCE не может быть отрицательным")
	}
	switch c.Queues.Backend {
	case QueueBackendNone:
	case QueueBackendRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("QUEUE_BACKEND=redis требует REDIS_ADDR")
		}
	case QueueBackendRabbitMQ:
		if c.RabbitURL == "" {
			return fmt.Errorf("QUEUE_BACKEND=rabbitmq требует RABBITMQ_URL")
		}
	default:
		return fmt.Errorf("неизвестный QUEUE_BACKEND %q", c.Queues.Backend)
	}
	return nil
}
