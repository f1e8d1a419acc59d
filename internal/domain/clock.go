package domain

import "time"

// Clock возвращает текущее время. В тестах подменяется фиксированным.
type Clock interface {
	Now() time.Time
}

// SystemClock использует системные часы.
type SystemClock struct{}

// Now возвращает текущее время в UTC.
func (SystemClock) Now() time.Time { return time.Now().UTC() }

// ClockFunc позволяет использовать функцию как Clock.
type ClockFunc func() time.Time

// Now вызывает функцию.
func (f ClockFunc) Now() time.Time { return f() }
