package queue

import (
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"brief-scheduler/internal/domain"
	"brief-scheduler/internal/infra/config"
)

// NewPublisher выбирает транспорт уведомления исполнителей по QUEUE_BACKEND.
// Для "none" возвращает nil: задачи остаются только в таблице очереди.
func NewPublisher(cfg config.AppConfig, redisClient *redis.Client) (domain.JobPublisher, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Queues.Backend {
	case config.QueueBackendNone, "":
		return nil, noop, nil
	case config.QueueBackendRedis:
		if redisClient == nil {
			return nil, noop, errors.New("redis backend requires a redis client")
		}
		return NewRedisJobQueue(redisClient, cfg.Queues.Brief), noop, nil
	case config.QueueBackendRabbitMQ:
		q, err := NewRabbitJobQueue(cfg.RabbitURL, cfg.Queues.Brief)
		if err != nil {
			return nil, noop, fmt.Errorf("rabbitmq: %w", err)
		}
		return q, q.Close, nil
	default:
		return nil, noop, fmt.Errorf("unknown queue backend %q", cfg.Queues.Backend)
	}
}
