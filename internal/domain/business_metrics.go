package domain

import (
	"context"
	"time"
)

// BusinessMetric описывает бизнесовое событие, которое сохраняется для последующего анализа.
type BusinessMetric struct {
	Event      string
	UserID     *int64
	Metadata   map[string]any
	OccurredAt time.Time
}

const (
	// BusinessMetricEventBriefScheduled фиксирует плановую постановку брифа.
	BusinessMetricEventBriefScheduled = "brief_scheduled"
	// BusinessMetricEventBriefForced фиксирует принудительную генерацию брифа.
	BusinessMetricEventBriefForced = "brief_forced"
)

// BusinessMetricRepo сохраняет бизнесовые события.
type BusinessMetricRepo interface {
	RecordBusinessMetric(ctx context.Context, metric BusinessMetric) error
}
