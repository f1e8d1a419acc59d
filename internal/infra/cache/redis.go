package cache

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"brief-scheduler/internal/domain"
	"brief-scheduler/internal/infra/metrics"
)

// NewClient создаёт клиента Redis и проверяет соединение.
func NewClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

// Удаляем ключ, только если он всё ещё наш.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLock реализует domain.SweepLock через SET NX PX.
type RedisLock struct {
	client *redis.Client
	key    string
	ttl    time.Duration
	token  string
}

var _ domain.SweepLock = (*RedisLock)(nil)

// NewRedisLock создаёт блокировку по ключу. TTL страхует от зависшего экземпляра.
func NewRedisLock(client *redis.Client, key string, ttl time.Duration) *RedisLock {
	return &RedisLock{client: client, key: key, ttl: ttl, token: uuid.NewString()}
}

// TryLock пытается захватить блокировку без ожидания.
func (l *RedisLock) TryLock(ctx context.Context) (bool, error) {
	start := time.Now()
	ok, err := l.client.SetNX(ctx, l.key, l.token, l.ttl).Result()
	metrics.ObserveNetworkRequest("redis", "lock_acquire", l.key, start, err)
	if err != nil {
		return false, err
	}
	return ok, nil
}

// Unlock снимает блокировку, если она принадлежит этому экземпляру.
func (l *RedisLock) Unlock(ctx context.Context) error {
	start := time.Now()
	err := unlockScript.Run(ctx, l.client, []string{l.key}, l.token).Err()
	metrics.ObserveNetworkRequest("redis", "lock_release", l.key, start, err)
	if errors.Is(err, redis.Nil) {
		return nil
	}
	return err
}
