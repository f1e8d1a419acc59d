package domain

import (
	"context"
	"fmt"
	"time"
)

// JobType определяет тип задачи во внешней очереди.
type JobType string

// JobTypeDailyBrief: генерация ежедневного брифа.
const JobTypeDailyBrief JobType = "daily_brief"

// JobStatus описывает состояние задачи в очереди.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// ActiveJobStatuses: задачи в этих статусах считаются уже поставленными.
var ActiveJobStatuses = []JobStatus{JobStatusPending, JobStatusProcessing}

const (
	// PriorityImmediate: немедленная генерация по запросу.
	PriorityImmediate = 1
	// PriorityScheduled: плановая генерация.
	PriorityScheduled = 10
)

// BriefDateLayout: формат даты брифа в ключах и payload.
const BriefDateLayout = "2006-01-02"

// BriefPayload передаётся исполнителю задачи.
type BriefPayload struct {
	BriefDate          string `json:"brief_date"`
	Timezone           string `json:"timezone"`
	IsReengagement     bool   `json:"is_reengagement"`
	DaysSinceLastLogin int    `json:"days_since_last_login"`
	BackoffReason      string `json:"backoff_reason,omitempty"`
	Forced             bool   `json:"forced,omitempty"`
}

// ScheduledJobIntent: задача, которую планировщик пытается поставить в очередь.
type ScheduledJobIntent struct {
	JobType      JobType
	UserID       int64
	Payload      BriefPayload
	Priority     int
	ScheduledFor time.Time
	DedupKey     string
}

// JobHandle: запись задачи, принятая внешней очередью.
type JobHandle struct {
	ID           string       `json:"job_id"`
	JobType      JobType      `json:"job_type"`
	UserID       int64        `json:"user_id"`
	Status       JobStatus    `json:"status"`
	Priority     int          `json:"priority"`
	ScheduledFor time.Time    `json:"scheduled_for"`
	DedupKey     string       `json:"dedup_key"`
	Payload      BriefPayload `json:"payload"`
	CreatedAt    time.Time    `json:"created_at"`
}

// JobFilter ограничивает выборку задач по пользователю, типу, статусам и окну времени.
type JobFilter struct {
	UserID   int64
	JobType  JobType
	Statuses []JobStatus
	From     time.Time
	To       time.Time
}

// BriefDedupKey строит детерминированный ключ задачи брифа.
func BriefDedupKey(userID int64, briefDate string) string {
	return fmt.Sprintf("brief:%d:%s", userID, briefDate)
}

// ForcedDedupKey делает ключ уникальным, чтобы принудительная задача не считалась дублем.
func ForcedDedupKey(userID int64, briefDate string, at time.Time) string {
	return fmt.Sprintf("%s:force:%d", BriefDedupKey(userID, briefDate), at.UnixNano())
}

// JobQueue: примитивы внешнего хранилища очереди задач.
type JobQueue interface {
	// Enqueue атомарно создаёт задачу. Если активная задача с тем же ключом
	// уже существует, возвращает её и created=false без ошибки.
	Enqueue(ctx context.Context, intent ScheduledJobIntent) (job JobHandle, created bool, err error)
	FindJobs(ctx context.Context, filter JobFilter) ([]JobHandle, error)
	// CancelForUserAndDate отменяет ожидающие и выполняющиеся задачи на дату брифа.
	CancelForUserAndDate(ctx context.Context, userID int64, briefDate string) (int64, error)
}

// JobPublisher уведомляет исполнителей о новой задаче.
type JobPublisher interface {
	Publish(ctx context.Context, job JobHandle) error
}

// SweepLock не даёт нескольким экземплярам выполнять обход одновременно.
type SweepLock interface {
	TryLock(ctx context.Context) (bool, error)
	Unlock(ctx context.Context) error
}
