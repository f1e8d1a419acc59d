package backoff

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"brief-scheduler/internal/domain"
	"brief-scheduler/internal/infra/metrics"
)

// Resolver получает факты активности и превращает их в решения Decide.
// Ошибки чтения никогда не подавляют рассылку, по умолчанию бриф отправляется.
type Resolver struct {
	facts domain.EngagementRepo
	log   zerolog.Logger
}

// NewResolver создаёт резолвер.
func NewResolver(facts domain.EngagementRepo, logger zerolog.Logger) *Resolver {
	return &Resolver{facts: facts, log: logger}
}

// Resolve вычисляет решение для одного пользователя.
func (r *Resolver) Resolve(ctx context.Context, userID int64, now time.Time) domain.BackoffDecision {
	lastActivity, err := r.facts.LastActivity(ctx, userID)
	if err != nil {
		r.log.Warn().Err(err).Int64("user", userID).Msg("backoff: не удалось получить последнюю активность, отправляем")
		return record(FailOpenDecision())
	}
	if lastActivity == nil {
		return record(NewUserDecision())
	}
	lastNotification, err := r.facts.LastNotification(ctx, userID)
	if err != nil {
		r.log.Warn().Err(err).Int64("user", userID).Msg("backoff: не удалось получить последнюю рассылку, отправляем")
		return record(FailOpenDecision())
	}
	return record(DecideFor(lastActivity, lastNotification, now))
}

// ResolveBatch вычисляет решения для всех пользователей двумя пакетными запросами.
// Если пакетное чтение падает, переходит к Resolve по каждому пользователю.
func (r *Resolver) ResolveBatch(ctx context.Context, userIDs []int64, now time.Time) map[int64]domain.BackoffDecision {
	decisions := make(map[int64]domain.BackoffDecision, len(userIDs))
	if len(userIDs) == 0 {
		return decisions
	}

	activity, err := r.facts.LastActivityBatch(ctx, userIDs)
	if err != nil {
		r.log.Warn().Err(err).Int("users", len(userIDs)).Msg("backoff: пакетное чтение активности не удалось, считаем по одному")
		return r.resolveEach(ctx, userIDs, now)
	}
	notifications, err := r.facts.LastNotificationBatch(ctx, userIDs)
	if err != nil {
		r.log.Warn().Err(err).Int("users", len(userIDs)).Msg("backoff: пакетное чтение рассылок не удалось, считаем по одному")
		return r.resolveEach(ctx, userIDs, now)
	}

	for _, id := range userIDs {
		var lastActivity, lastNotification *time.Time
		if ts, ok := activity[id]; ok {
			lastActivity = &ts
		}
		if ts, ok := notifications[id]; ok {
			lastNotification = &ts
		}
		decisions[id] = record(DecideFor(lastActivity, lastNotification, now))
	}
	return decisions
}

func (r *Resolver) resolveEach(ctx context.Context, userIDs []int64, now time.Time) map[int64]domain.BackoffDecision {
	decisions := make(map[int64]domain.BackoffDecision, len(userIDs))
	for _, id := range userIDs {
		decisions[id] = r.Resolve(ctx, id, now)
	}
	return decisions
}

func record(d domain.BackoffDecision) domain.BackoffDecision {
	metrics.ObserveBackoffDecision(d.Reason, d.ShouldSend)
	return d
}
