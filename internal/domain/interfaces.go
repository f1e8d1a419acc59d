package domain

import (
	"context"
	"time"
)

// PreferenceRepo отдаёт настройки расписания.
type PreferenceRepo interface {
	ListActivePreferences(ctx context.Context) ([]RecurrencePreference, error)
}

// EngagementRepo отдаёт факты активности пользователя и последней рассылки.
// nil означает, что события ещё не было.
type EngagementRepo interface {
	LastActivity(ctx context.Context, userID int64) (*time.Time, error)
	LastNotification(ctx context.Context, userID int64) (*time.Time, error)
	// Пакетные варианты: пользователи без записи в карту не попадают.
	LastActivityBatch(ctx context.Context, userIDs []int64) (map[int64]time.Time, error)
	LastNotificationBatch(ctx context.Context, userIDs []int64) (map[int64]time.Time, error)
}
