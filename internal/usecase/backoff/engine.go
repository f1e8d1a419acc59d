package backoff

import (
	"math"
	"time"

	"brief-scheduler/internal/domain"
)

// NeverNotified подставляется, если пользователю ещё ничего не отправляли:
// такое значение не блокирует ни один повторный контакт.
const NeverNotified = math.MaxInt32

// Границы полос по дням с последнего визита.
const (
	activeMaxDays         = 2
	firstReengagementDay  = 4
	secondReengagementDay = 10
	recurringReengagement = 31
	firstPulseMinGapDays  = 2
	secondPulseMinGapDays = 6
	recurringMinGapDays   = 31
)

// Причины решений.
const (
	ReasonNoLastVisit               = "no last visit recorded"
	ReasonActiveUser                = "active user"
	ReasonCoolingOff                = "cooling-off period"
	ReasonFirstReengagement         = "first re-engagement"
	ReasonFirstReengagementSent     = "first re-engagement already sent"
	ReasonFirstBackoff              = "first backoff period"
	ReasonSecondReengagement        = "second re-engagement"
	ReasonSecondReengagementSent    = "second re-engagement already sent"
	ReasonSecondBackoff             = "second backoff period"
	ReasonRecurringReengagement     = "recurring re-engagement"
	ReasonRecurringReengagementSent = "recurring re-engagement already sent"
	ReasonLookupFailed              = "engagement lookup failed"
)

// Decide классифицирует пользователя по дням с последнего визита.
// На днях повторного контакта отправка дополнительно ограничена днями с последней рассылки.
func Decide(daysSinceLastLogin, daysSinceLastNotification int) domain.BackoffDecision {
	if daysSinceLastLogin < 0 {
		daysSinceLastLogin = 0
	}
	d := domain.BackoffDecision{DaysSinceLastLogin: daysSinceLastLogin}

	switch {
	case daysSinceLastLogin <= activeMaxDays:
		d.ShouldSend = true
		d.Reason = ReasonActiveUser
	case daysSinceLastLogin < firstReengagementDay:
		d.Reason = ReasonCoolingOff
	case daysSinceLastLogin == firstReengagementDay:
		pulse(&d, daysSinceLastNotification >= firstPulseMinGapDays, ReasonFirstReengagement, ReasonFirstReengagementSent)
	case daysSinceLastLogin < secondReengagementDay:
		d.Reason = ReasonFirstBackoff
	case daysSinceLastLogin == secondReengagementDay:
		pulse(&d, daysSinceLastNotification >= secondPulseMinGapDays, ReasonSecondReengagement, ReasonSecondReengagementSent)
	case daysSinceLastLogin < recurringReengagement:
		d.Reason = ReasonSecondBackoff
	default:
		pulse(&d, daysSinceLastNotification >= recurringMinGapDays, ReasonRecurringReengagement, ReasonRecurringReengagementSent)
	}
	return d
}

func pulse(d *domain.BackoffDecision, allowed bool, sentReason, blockedReason string) {
	if !allowed {
		d.Reason = blockedReason
		return
	}
	d.ShouldSend = true
	d.IsReengagement = true
	d.Reason = sentReason
}

// NewUserDecision: решение для пользователя без записей об активности.
func NewUserDecision() domain.BackoffDecision {
	return domain.BackoffDecision{ShouldSend: true, Reason: ReasonNoLastVisit}
}

// FailOpenDecision используется, когда факты активности получить не удалось.
func FailOpenDecision() domain.BackoffDecision {
	return domain.BackoffDecision{ShouldSend: true, Reason: ReasonLookupFailed}
}

// DaysBetween возвращает количество полных суток между событием и now.
func DaysBetween(at, now time.Time) int {
	if !now.After(at) {
		return 0
	}
	days := now.Sub(at) / (24 * time.Hour)
	if days > NeverNotified {
		return NeverNotified
	}
	return int(days)
}

// DecideFor вычисляет решение по меткам времени. nil означает «события не было».
func DecideFor(lastActivity, lastNotification *time.Time, now time.Time) domain.BackoffDecision {
	if lastActivity == nil {
		return NewUserDecision()
	}
	sinceNotification := NeverNotified
	if lastNotification != nil {
		sinceNotification = DaysBetween(*lastNotification, now)
	}
	return Decide(DaysBetween(*lastActivity, now), sinceNotification)
}
