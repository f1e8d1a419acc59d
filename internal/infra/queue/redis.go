package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"brief-scheduler/internal/domain"
	"brief-scheduler/internal/infra/metrics"
)

// RedisJobQueue передаёт принятые задачи исполнителям через Redis list.
type RedisJobQueue struct {
	client *redis.Client
	key    string
}

var _ domain.JobPublisher = (*RedisJobQueue)(nil)

// NewRedisJobQueue создаёт очередь по указанному ключу.
func NewRedisJobQueue(client *redis.Client, key string) *RedisJobQueue {
	return &RedisJobQueue{client: client, key: key}
}

// Publish публикует задачу в очередь.
func (q *RedisJobQueue) Publish(ctx context.Context, job domain.JobHandle) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	start := time.Now()
	err = q.client.LPush(ctx, q.key, payload).Err()
	metrics.ObserveNetworkRequest("redis", "publish", q.key, start, err)
	if err != nil {
		return fmt.Errorf("push job: %w", err)
	}
	return nil
}
