package domain

import "time"

// Frequency задаёт периодичность доставки брифа.
type Frequency string

const (
	// FrequencyDaily: ежедневная доставка.
	FrequencyDaily Frequency = "daily"
	// FrequencyWeekly: доставка раз в неделю в указанный день.
	FrequencyWeekly Frequency = "weekly"
	// FrequencyCustom пока обрабатывается так же, как ежедневная доставка.
	FrequencyCustom Frequency = "custom"
)

const (
	// DefaultTimeOfDay используется, если пользователь не указал время.
	DefaultTimeOfDay = "09:00:00"
	// DefaultTimezone используется, если часовой пояс не указан.
	DefaultTimezone = "UTC"
)

// RecurrencePreference описывает настройки расписания пользователя.
// Планировщик только читает эти записи.
type RecurrencePreference struct {
	UserID    int64
	Frequency Frequency
	TimeOfDay string
	Timezone  string
	// DayOfWeek от 0 (воскресенье) до 6 (суббота). Обязателен только для weekly.
	DayOfWeek *int
	IsActive  bool
	UpdatedAt time.Time
}

// WithDefaults возвращает копию настроек с подставленными значениями по умолчанию.
func (p RecurrencePreference) WithDefaults() RecurrencePreference {
	if p.Frequency == "" {
		p.Frequency = FrequencyDaily
	}
	if p.TimeOfDay == "" {
		p.TimeOfDay = DefaultTimeOfDay
	}
	if p.Timezone == "" {
		p.Timezone = DefaultTimezone
	}
	return p
}

// BackoffDecision: результат проверки вовлечённости пользователя.
type BackoffDecision struct {
	ShouldSend         bool
	IsReengagement     bool
	DaysSinceLastLogin int
	Reason             string
}
