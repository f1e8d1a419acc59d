package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"brief-scheduler/internal/domain"
	"brief-scheduler/internal/infra/metrics"
)

// Postgres реализует репозитории на основе pgxpool.
type Postgres struct {
	pool *pgxpool.Pool
}

var (
	_ domain.PreferenceRepo     = (*Postgres)(nil)
	_ domain.EngagementRepo     = (*Postgres)(nil)
	_ domain.JobQueue           = (*Postgres)(nil)
	_ domain.BusinessMetricRepo = (*Postgres)(nil)
)

// NewPostgres создаёт адаптер БД.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) connCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, 5*time.Second)
}

// ListActivePreferences возвращает активные настройки расписания.
func (p *Postgres) ListActivePreferences(ctx context.Context) ([]domain.RecurrencePreference, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT user_id, frequency, time_of_day, timezone, day_of_week, is_active, updated_at
FROM brief_preferences WHERE is_active
ORDER BY user_id
`)
	metrics.ObserveNetworkRequest("postgres", "preferences_list_active", "brief_preferences", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var prefs []domain.RecurrencePreference
	for rows.Next() {
		var (
			pref      domain.RecurrencePreference
			frequency sql.NullString
			timeOfDay sql.NullString
			timezone  sql.NullString
			dayOfWeek sql.NullInt16
		)
		if err := rows.Scan(&pref.UserID, &frequency, &timeOfDay, &timezone, &dayOfWeek, &pref.IsActive, &pref.UpdatedAt); err != nil {
			return nil, err
		}
		if frequency.Valid {
			pref.Frequency = domain.Frequency(frequency.String)
		}
		if timeOfDay.Valid {
			pref.TimeOfDay = timeOfDay.String
		}
		if timezone.Valid {
			pref.Timezone = timezone.String
		}
		if dayOfWeek.Valid {
			day := int(dayOfWeek.Int16)
			pref.DayOfWeek = &day
		}
		prefs = append(prefs, pref)
	}
	return prefs, rows.Err()
}

// LastActivity возвращает время последнего визита пользователя или nil.
func (p *Postgres) LastActivity(ctx context.Context, userID int64) (*time.Time, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	var ts time.Time
	start := time.Now()
	err := p.pool.QueryRow(ctx, `SELECT last_activity_at FROM user_activity WHERE user_id=$1`, userID).Scan(&ts)
	metrics.ObserveNetworkRequest("postgres", "activity_get", "user_activity", start, ignoreNoRows(err))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ts, nil
}

// LastNotification возвращает время последнего сгенерированного брифа или nil.
func (p *Postgres) LastNotification(ctx context.Context, userID int64) (*time.Time, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	var ts sql.NullTime
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT MAX(COALESCE(delivered_at, created_at)) FROM user_briefs WHERE user_id=$1
`, userID).Scan(&ts)
	metrics.ObserveNetworkRequest("postgres", "briefs_last_get", "user_briefs", start, err)
	if err != nil {
		return nil, err
	}
	if !ts.Valid {
		return nil, nil
	}
	return &ts.Time, nil
}

// LastActivityBatch возвращает последние визиты для набора пользователей одним запросом.
func (p *Postgres) LastActivityBatch(ctx context.Context, userIDs []int64) (map[int64]time.Time, error) {
	return p.timestampsByUser(ctx, "activity_batch", "user_activity", `
SELECT user_id, last_activity_at FROM user_activity WHERE user_id = ANY($1)
`, userIDs)
}

// LastNotificationBatch возвращает последние брифы для набора пользователей одним запросом.
func (p *Postgres) LastNotificationBatch(ctx context.Context, userIDs []int64) (map[int64]time.Time, error) {
	return p.timestampsByUser(ctx, "briefs_last_batch", "user_briefs", `
SELECT user_id, MAX(COALESCE(delivered_at, created_at)) FROM user_briefs WHERE user_id = ANY($1) GROUP BY user_id
`, userIDs)
}

func (p *Postgres) timestampsByUser(ctx context.Context, operation, table, query string, userIDs []int64) (map[int64]time.Time, error) {
	result := make(map[int64]time.Time, len(userIDs))
	if len(userIDs) == 0 {
		return result, nil
	}
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, query, userIDs)
	metrics.ObserveNetworkRequest("postgres", operation, table, start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			userID int64
			ts     sql.NullTime
		)
		if err := rows.Scan(&userID, &ts); err != nil {
			return nil, err
		}
		if ts.Valid {
			result[userID] = ts.Time
		}
	}
	return result, rows.Err()
}

const jobColumns = `id::text, job_type, user_id, status, priority, scheduled_for, dedup_key, payload, created_at`

// Enqueue создаёт задачу. Уникальный индекс по dedup_key среди активных задач
// гарантирует, что повторная вставка вернёт уже существующую задачу.
func (p *Postgres) Enqueue(ctx context.Context, intent domain.ScheduledJobIntent) (domain.JobHandle, bool, error) {
	payload, err := json.Marshal(intent.Payload)
	if err != nil {
		return domain.JobHandle{}, false, fmt.Errorf("marshal payload: %w", err)
	}
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	row := p.pool.QueryRow(ctx, `
INSERT INTO brief_jobs (id, job_type, user_id, status, priority, scheduled_for, dedup_key, brief_date, payload)
VALUES ($1::uuid, $2, $3, 'pending', $4, $5, $6, $7::date, $8)
ON CONFLICT (dedup_key) WHERE status IN ('pending', 'processing') DO NOTHING
RETURNING `+jobColumns, uuid.NewString(), string(intent.JobType), intent.UserID, intent.Priority, intent.ScheduledFor.UTC(), intent.DedupKey, intent.Payload.BriefDate, payload)
	job, err := scanJob(row)
	metrics.ObserveNetworkRequest("postgres", "jobs_enqueue", "brief_jobs", start, ignoreNoRows(err))
	if err == nil {
		return job, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.JobHandle{}, false, err
	}

	start = time.Now()
	existing, err := scanJob(p.pool.QueryRow(ctx, `
SELECT `+jobColumns+` FROM brief_jobs
WHERE dedup_key=$1 AND status IN ('pending', 'processing')
`, intent.DedupKey))
	metrics.ObserveNetworkRequest("postgres", "jobs_get_by_dedup_key", "brief_jobs", start, ignoreNoRows(err))
	if errors.Is(err, pgx.ErrNoRows) {
		// Активная задача успела завершиться между вставкой и чтением.
		return domain.JobHandle{}, false, fmt.Errorf("dedup key %s: conflicting job disappeared", intent.DedupKey)
	}
	if err != nil {
		return domain.JobHandle{}, false, err
	}
	return existing, false, nil
}

// FindJobs возвращает задачи пользователя заданного типа и статусов в окне [From, To].
func (p *Postgres) FindJobs(ctx context.Context, filter domain.JobFilter) ([]domain.JobHandle, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT `+jobColumns+` FROM brief_jobs
WHERE user_id=$1 AND job_type=$2 AND status = ANY($3)
  AND scheduled_for BETWEEN $4 AND $5
ORDER BY scheduled_for
`, filter.UserID, string(filter.JobType), statusStrings(filter.Statuses), filter.From.UTC(), filter.To.UTC())
	metrics.ObserveNetworkRequest("postgres", "jobs_find", "brief_jobs", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []domain.JobHandle
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// CancelForUserAndDate отменяет ожидающие и выполняющиеся задачи пользователя на дату брифа.
func (p *Postgres) CancelForUserAndDate(ctx context.Context, userID int64, briefDate string) (int64, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `
UPDATE brief_jobs SET status='cancelled', updated_at=now()
WHERE user_id=$1 AND brief_date=$2::date AND status IN ('pending', 'processing')
`, userID, briefDate)
	metrics.ObserveNetworkRequest("postgres", "jobs_cancel_for_date", "brief_jobs", start, err)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// RecordBusinessMetric сохраняет бизнесовую метрику в БД.
func (p *Postgres) RecordBusinessMetric(ctx context.Context, metric domain.BusinessMetric) error {
	if metric.Event == "" {
		return nil
	}
	if metric.OccurredAt.IsZero() {
		metric.OccurredAt = time.Now().UTC()
	}

	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	var userID sql.NullInt64
	if metric.UserID != nil {
		userID = sql.NullInt64{Int64: *metric.UserID, Valid: true}
	}

	var payload []byte
	if metric.Metadata != nil {
		if data, err := json.Marshal(metric.Metadata); err == nil {
			payload = data
		}
	}

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO business_metrics (event, user_id, metadata, occurred_at)
VALUES ($1, $2, $3, $4)
`, metric.Event, userID, payload, metric.OccurredAt)
	metrics.ObserveNetworkRequest("postgres", "business_metrics_insert", "business_metrics", start, err)
	return err
}

func scanJob(row pgx.Row) (domain.JobHandle, error) {
	var (
		job      domain.JobHandle
		jobType  string
		status   string
		priority int16
		payload  []byte
	)
	if err := row.Scan(&job.ID, &jobType, &job.UserID, &status, &priority, &job.ScheduledFor, &job.DedupKey, &payload, &job.CreatedAt); err != nil {
		return domain.JobHandle{}, err
	}
	job.JobType = domain.JobType(jobType)
	job.Status = domain.JobStatus(status)
	job.Priority = int(priority)
	job.ScheduledFor = job.ScheduledFor.UTC()
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &job.Payload); err != nil {
			return domain.JobHandle{}, fmt.Errorf("decode payload: %w", err)
		}
	}
	return job, nil
}

func statusStrings(statuses []domain.JobStatus) []string {
	out := make([]string, 0, len(statuses))
	for _, st := range statuses {
		out = append(out, string(st))
	}
	return out
}

// ignoreNoRows: для метрик отсутствие строки не считается сбоем запроса.
func ignoreNoRows(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	return err
}
