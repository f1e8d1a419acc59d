package domain

import (
	"errors"
	"fmt"
)

// ErrInvalidPreference: базовая ошибка некорректных настроек расписания.
var ErrInvalidPreference = errors.New("invalid recurrence preference")

// ErrSweepInProgress возвращается, если обход уже выполняется.
var ErrSweepInProgress = errors.New("sweep already in progress")

// ValidationError описывает некорректное поле настроек.
// Такая ошибка означает «пропустить пользователя», а не сбой обхода.
type ValidationError struct {
	Field   string
	Value   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("%s=%q: %s", e.Field, e.Value, e.Message)
}

// Unwrap позволяет сравнивать через errors.Is(err, ErrInvalidPreference).
func (e *ValidationError) Unwrap() error { return ErrInvalidPreference }

// NewValidationError создаёт ошибку валидации.
func NewValidationError(field, value, message string) *ValidationError {
	return &ValidationError{Field: field, Value: value, Message: message}
}
