package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"brief-scheduler/internal/domain"
	"brief-scheduler/internal/infra/metrics"
	"brief-scheduler/internal/usecase/schedule"
)

// DefaultTolerance: окно поиска уже поставленной задачи вокруг планового времени.
const DefaultTolerance = 30 * time.Minute

// ErrInvalidDate возвращается при некорректной дате брифа.
var ErrInvalidDate = errors.New("invalid brief date")

// Result описывает исход постановки задачи.
type Result struct {
	Job       domain.JobHandle
	Enqueued  bool
	Duplicate bool
}

// Dispatcher ставит задачи брифа во внешнюю очередь без дублей.
type Dispatcher struct {
	jobs      domain.JobQueue
	publisher domain.JobPublisher
	analytics domain.BusinessMetricRepo
	clock     domain.Clock
	tolerance time.Duration
	log       zerolog.Logger
}

// Option настраивает Dispatcher.
type Option func(*Dispatcher)

// WithPublisher включает уведомление исполнителей о новых задачах.
func WithPublisher(p domain.JobPublisher) Option {
	return func(d *Dispatcher) { d.publisher = p }
}

// WithAnalytics включает запись бизнесовых событий.
func WithAnalytics(repo domain.BusinessMetricRepo) Option {
	return func(d *Dispatcher) { d.analytics = repo }
}

// WithTolerance задаёт окно поиска дублей.
func WithTolerance(tolerance time.Duration) Option {
	return func(d *Dispatcher) {
		if tolerance >= 0 {
			d.tolerance = tolerance
		}
	}
}

// NewDispatcher создаёт диспетчер.
func NewDispatcher(jobs domain.JobQueue, clock domain.Clock, logger zerolog.Logger, opts ...Option) *Dispatcher {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	d := &Dispatcher{jobs: jobs, clock: clock, tolerance: DefaultTolerance, log: logger}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Tolerance возвращает текущее окно поиска дублей.
func (d *Dispatcher) Tolerance() time.Duration { return d.tolerance }

// ScheduledIntent собирает плановую задачу брифа.
func ScheduledIntent(userID int64, runAt time.Time, briefDate, timezone string, decision *domain.BackoffDecision) domain.ScheduledJobIntent {
	payload := domain.BriefPayload{BriefDate: briefDate, Timezone: timezone}
	if decision != nil {
		payload.IsReengagement = decision.IsReengagement
		payload.DaysSinceLastLogin = decision.DaysSinceLastLogin
		payload.BackoffReason = decision.Reason
	}
	return domain.ScheduledJobIntent{
		JobType:      domain.JobTypeDailyBrief,
		UserID:       userID,
		Payload:      payload,
		Priority:     domain.PriorityScheduled,
		ScheduledFor: runAt.UTC(),
		DedupKey:     domain.BriefDedupKey(userID, briefDate),
	}
}

// Dispatch ставит задачу, если в окне допуска нет ожидающей или выполняющейся задачи того же типа.
func (d *Dispatcher) Dispatch(ctx context.Context, intent domain.ScheduledJobIntent) (Result, error) {
	existing, err := d.jobs.FindJobs(ctx, domain.JobFilter{
		UserID:   intent.UserID,
		JobType:  intent.JobType,
		Statuses: domain.ActiveJobStatuses,
		From:     intent.ScheduledFor.Add(-d.tolerance),
		To:       intent.ScheduledFor.Add(d.tolerance),
	})
	if err != nil {
		metrics.IncDispatch("scheduled", "error")
		return Result{}, fmt.Errorf("поиск задач: %w", err)
	}
	if len(existing) > 0 {
		metrics.IncDispatch("scheduled", "duplicate")
		d.log.Debug().Int64("user", intent.UserID).Str("job", existing[0].ID).Msg("dispatch: задача уже в очереди")
		return Result{Job: existing[0], Duplicate: true}, nil
	}

	job, created, err := d.jobs.Enqueue(ctx, intent)
	if err != nil {
		metrics.IncDispatch("scheduled", "error")
		return Result{}, fmt.Errorf("постановка задачи: %w", err)
	}
	if !created {
		metrics.IncDispatch("scheduled", "duplicate")
		d.log.Debug().Int64("user", intent.UserID).Str("dedup_key", intent.DedupKey).Msg("dispatch: ключ уже занят")
		return Result{Job: job, Duplicate: true}, nil
	}

	metrics.IncDispatch("scheduled", "enqueued")
	d.publish(ctx, job)
	d.recordMetric(ctx, domain.BusinessMetricEventBriefScheduled, job)
	return Result{Job: job, Enqueued: true}, nil
}

// ForceImmediate отменяет активные задачи пользователя на дату и ставит новую с наивысшим приоритетом.
// Пустая дата означает «сегодня» в часовом поясе пользователя.
func (d *Dispatcher) ForceImmediate(ctx context.Context, userID int64, briefDate, timezone string) (domain.JobHandle, error) {
	if timezone == "" {
		timezone = domain.DefaultTimezone
	}
	normalized, err := schedule.NormalizeTimezone(timezone)
	if err != nil {
		return domain.JobHandle{}, domain.NewValidationError("timezone", timezone, "unknown timezone")
	}
	timezone = normalized
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return domain.JobHandle{}, domain.NewValidationError("timezone", timezone, "unknown timezone")
	}
	now := d.clock.Now().UTC()
	if briefDate == "" {
		briefDate = now.In(loc).Format(domain.BriefDateLayout)
	}
	if _, err := time.Parse(domain.BriefDateLayout, briefDate); err != nil {
		return domain.JobHandle{}, fmt.Errorf("%w: %q", ErrInvalidDate, briefDate)
	}

	cancelled, err := d.jobs.CancelForUserAndDate(ctx, userID, briefDate)
	if err != nil {
		metrics.IncDispatch("forced", "error")
		return domain.JobHandle{}, fmt.Errorf("отмена задач: %w", err)
	}

	intent := domain.ScheduledJobIntent{
		JobType:      domain.JobTypeDailyBrief,
		UserID:       userID,
		Payload:      domain.BriefPayload{BriefDate: briefDate, Timezone: timezone, Forced: true},
		Priority:     domain.PriorityImmediate,
		ScheduledFor: now,
		DedupKey:     domain.ForcedDedupKey(userID, briefDate, now),
	}
	job, _, err := d.jobs.Enqueue(ctx, intent)
	if err != nil {
		metrics.IncDispatch("forced", "error")
		d.log.Error().Err(err).Int64("user", userID).Str("date", briefDate).Int64("cancelled", cancelled).Msg("dispatch: задачи отменены, новая не поставлена")
		return domain.JobHandle{}, fmt.Errorf("постановка задачи после отмены %d: %w", cancelled, err)
	}
	metrics.IncDispatch("forced", "enqueued")
	d.log.Info().Int64("user", userID).Str("date", briefDate).Int64("cancelled", cancelled).Str("job", job.ID).Msg("dispatch: принудительная генерация")
	d.publish(ctx, job)
	d.recordMetric(ctx, domain.BusinessMetricEventBriefForced, job)
	return job, nil
}

// publish не влияет на результат: запись задачи уже сохранена и будет подобрана исполнителем.
func (d *Dispatcher) publish(ctx context.Context, job domain.JobHandle) {
	if d.publisher == nil {
		return
	}
	if err := d.publisher.Publish(ctx, job); err != nil {
		d.log.Warn().Err(err).Str("job", job.ID).Int64("user", job.UserID).Msg("dispatch: не удалось уведомить исполнителей")
	}
}

func (d *Dispatcher) recordMetric(ctx context.Context, event string, job domain.JobHandle) {
	if d.analytics == nil {
		return
	}
	userID := job.UserID
	meta := map[string]any{
		"job_id":        job.ID,
		"brief_date":    job.Payload.BriefDate,
		"priority":      job.Priority,
		"scheduled_for": job.ScheduledFor.Format(time.RFC3339),
	}
	if job.Payload.IsReengagement {
		meta["reengagement"] = true
	}
	if err := d.analytics.RecordBusinessMetric(ctx, domain.BusinessMetric{Event: event, UserID: &userID, Metadata: meta}); err != nil {
		d.log.Debug().Err(err).Msg("dispatch: не удалось записать бизнес-метрику")
	}
}
