package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"brief-scheduler/internal/domain"
)

// ClockTime: время суток с точностью до секунды.
type ClockTime struct {
	Hour   int
	Minute int
	Second int
}

// ParseTimeOfDay разбирает строку HH:MM:SS (секунды можно опустить).
func ParseTimeOfDay(raw string) (ClockTime, error) {
	value := strings.TrimSpace(raw)
	parts := strings.Split(value, ":")
	if len(parts) != 2 && len(parts) != 3 {
		return ClockTime{}, domain.NewValidationError("time_of_day", raw, "expected HH:MM:SS")
	}
	limits := [3]struct {
		name string
		max  int
	}{{"hour", 23}, {"minute", 59}, {"second", 59}}

	var fields [3]int
	for i, part := range parts {
		n, err := parseUnsigned(part)
		if err != nil {
			return ClockTime{}, domain.NewValidationError("time_of_day", raw, fmt.Sprintf("%s is not a non-negative integer", limits[i].name))
		}
		if n > limits[i].max {
			return ClockTime{}, domain.NewValidationError("time_of_day", raw, fmt.Sprintf("%s must be within 0-%d", limits[i].name, limits[i].max))
		}
		fields[i] = n
	}
	return ClockTime{Hour: fields[0], Minute: fields[1], Second: fields[2]}, nil
}

// parseUnsigned принимает только цифры: strconv.Atoi пропустил бы "+5" и "-0".
func parseUnsigned(s string) (int, error) {
	if s == "" || len(s) > 2 {
		return 0, strconv.ErrSyntax
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, strconv.ErrSyntax
		}
	}
	return strconv.Atoi(s)
}

// ComputeNextRun возвращает ближайший момент (UTC), подходящий под настройки пользователя.
// Ошибка всегда *domain.ValidationError: пользователя нужно пропустить, обход продолжается.
func ComputeNextRun(pref domain.RecurrencePreference, now time.Time) (time.Time, error) {
	pref = pref.WithDefaults()

	tod, err := ParseTimeOfDay(pref.TimeOfDay)
	if err != nil {
		return time.Time{}, err
	}

	var targetDay time.Weekday
	switch pref.Frequency {
	case domain.FrequencyDaily, domain.FrequencyCustom:
	case domain.FrequencyWeekly:
		if pref.DayOfWeek == nil {
			return time.Time{}, domain.NewValidationError("day_of_week", "", "required for weekly frequency")
		}
		if *pref.DayOfWeek < 0 || *pref.DayOfWeek > 6 {
			return time.Time{}, domain.NewValidationError("day_of_week", strconv.Itoa(*pref.DayOfWeek), "must be within 0-6")
		}
		targetDay = time.Weekday(*pref.DayOfWeek)
	default:
		return time.Time{}, domain.NewValidationError("frequency", string(pref.Frequency), "unknown frequency")
	}

	loc, err := loadLocation(pref.Timezone)
	if err != nil {
		return time.Time{}, domain.NewValidationError("timezone", pref.Timezone, "unknown timezone")
	}

	localNow := now.In(loc)
	candidate := atLocal(localNow, 0, tod)

	switch pref.Frequency {
	case domain.FrequencyWeekly:
		delta := int(targetDay) - int(localNow.Weekday())
		if delta < 0 {
			delta += 7
		}
		if delta == 0 && candidate.Before(localNow) {
			delta = 7
		}
		candidate = atLocal(localNow, delta, tod)
	default:
		if candidate.Before(localNow) {
			candidate = atLocal(localNow, 1, tod)
		}
	}
	return candidate.UTC(), nil
}

// atLocal собирает момент через time.Date, чтобы сдвиг на дни сохранял
// время на часах при переходе на летнее/зимнее время. Время из пропущенного
// при переходе на летнее часа сдвигается вперёд на длину перехода (02:30 -> 03:30).
func atLocal(localNow time.Time, addDays int, tod ClockTime) time.Time {
	return time.Date(localNow.Year(), localNow.Month(), localNow.Day()+addDays, tod.Hour, tod.Minute, tod.Second, 0, localNow.Location())
}

// BriefDate возвращает календарную дату запуска в часовом поясе пользователя.
func BriefDate(runAt time.Time, timezone string) string {
	loc, err := loadLocation(timezone)
	if err != nil {
		loc = time.UTC
	}
	return runAt.In(loc).Format(domain.BriefDateLayout)
}

// loadLocation принимает имена зон в свободной записи ("europe/moscow").
func loadLocation(raw string) (*time.Location, error) {
	name, err := NormalizeTimezone(raw)
	if err != nil {
		return nil, err
	}
	return time.LoadLocation(name)
}
