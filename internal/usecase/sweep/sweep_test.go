package sweep

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"brief-scheduler/internal/domain"
	"brief-scheduler/internal/usecase/dispatch"
)

type stubPrefs struct {
	prefs   []domain.RecurrencePreference
	err     error
	started chan struct{}
	release chan struct{}
}

func (s *stubPrefs) ListActivePreferences(ctx context.Context) ([]domain.RecurrencePreference, error) {
	if s.started != nil {
		close(s.started)
		s.started = nil
		<-s.release
	}
	return s.prefs, s.err
}

type stubBackoff struct {
	decisions map[int64]domain.BackoffDecision
	calls     int
}

func (s *stubBackoff) ResolveBatch(_ context.Context, _ []int64, _ time.Time) map[int64]domain.BackoffDecision {
	s.calls++
	return s.decisions
}

type memQueue struct {
	mu   sync.Mutex
	jobs []domain.JobHandle
}

func (q *memQueue) Enqueue(_ context.Context, intent domain.ScheduledJobIntent) (domain.JobHandle, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, job := range q.jobs {
		if job.DedupKey == intent.DedupKey {
			return job, false, nil
		}
	}
	job := domain.JobHandle{
		ID:           fmt.Sprintf("job-%d", len(q.jobs)+1),
		JobType:      intent.JobType,
		UserID:       intent.UserID,
		Status:       domain.JobStatusPending,
		Priority:     intent.Priority,
		ScheduledFor: intent.ScheduledFor,
		DedupKey:     intent.DedupKey,
		Payload:      intent.Payload,
	}
	q.jobs = append(q.jobs, job)
	return job, true, nil
}

func (q *memQueue) FindJobs(_ context.Context, f domain.JobFilter) ([]domain.JobHandle, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []domain.JobHandle
	for _, job := range q.jobs {
		if job.UserID == f.UserID && job.Status == domain.JobStatusPending && !job.ScheduledFor.Before(f.From) && !job.ScheduledFor.After(f.To) {
			out = append(out, job)
		}
	}
	return out, nil
}

func (q *memQueue) CancelForUserAndDate(context.Context, int64, string) (int64, error) {
	return 0, nil
}

func (q *memQueue) forUser(userID int64) []domain.JobHandle {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []domain.JobHandle
	for _, job := range q.jobs {
		if job.UserID == userID {
			out = append(out, job)
		}
	}
	return out
}

type flakyDispatcher struct {
	inner   JobDispatcher
	failFor map[int64]error
	panicOn int64
}

func (f *flakyDispatcher) Dispatch(ctx context.Context, intent domain.ScheduledJobIntent) (dispatch.Result, error) {
	if intent.UserID == f.panicOn {
		panic("boom")
	}
	if err, ok := f.failFor[intent.UserID]; ok {
		return dispatch.Result{}, err
	}
	return f.inner.Dispatch(ctx, intent)
}

type stubLock struct {
	locked   bool
	err      error
	unlocked int
}

func (l *stubLock) TryLock(context.Context) (bool, error) { return !l.locked, l.err }
func (l *stubLock) Unlock(context.Context) error          { l.unlocked++; return nil }

type movableClock struct{ now time.Time }

func (c *movableClock) Now() time.Time { return c.now }

func intPtr(v int) *int { return &v }

func daily(userID int64, tod, tz string) domain.RecurrencePreference {
	return domain.RecurrencePreference{UserID: userID, Frequency: domain.FrequencyDaily, TimeOfDay: tod, Timezone: tz, IsActive: true}
}

func newSweep(prefs domain.PreferenceRepo, q *memQueue, clock domain.Clock, cfg Config, opts ...func(*Deps)) *Sweep {
	deps := Deps{
		Preferences: prefs,
		Dispatcher:  dispatch.NewDispatcher(q, clock, zerolog.Nop()),
		Clock:       clock,
	}
	for _, opt := range opts {
		opt(&deps)
	}
	return New(deps, cfg, zerolog.Nop())
}

func TestRunDispatchesOnlyDueUsers(t *testing.T) {
	clock := &movableClock{now: time.Date(2025, 10, 1, 8, 10, 0, 0, time.UTC)}
	prefs := &stubPrefs{prefs: []domain.RecurrencePreference{
		daily(1, "09:00:00", "UTC"),
		daily(2, "12:00:00", "UTC"),
		daily(3, "25:00:00", "UTC"),
		{UserID: 4, TimeOfDay: "09:00:00", IsActive: false},
		{UserID: 5, Frequency: domain.FrequencyWeekly, TimeOfDay: "09:00:00", DayOfWeek: intPtr(3), IsActive: true},
		{UserID: 6, Frequency: "monthly", IsActive: true},
		daily(7, "11:00:00", "Europe/Amsterdam"),
	}}
	q := &memQueue{}
	s := newSweep(prefs, q, clock, Config{})

	report, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if report.Candidates != 6 || report.Dispatched != 3 || report.NotDue != 1 || report.Invalid != 2 {
		t.Fatalf("неожиданный отчёт: %+v", report)
	}
	for _, id := range []int64{1, 5, 7} {
		if len(q.forUser(id)) != 1 {
			t.Fatalf("пользователь %d должен получить задачу", id)
		}
	}
	if len(q.forUser(4)) != 0 {
		t.Fatalf("неактивный пользователь не планируется")
	}
	job := q.forUser(7)[0]
	if !job.ScheduledFor.Equal(time.Date(2025, 10, 1, 9, 0, 0, 0, time.UTC)) || job.Payload.Timezone != "Europe/Amsterdam" {
		t.Fatalf("неожиданная задача: %+v", job)
	}
	if job.DedupKey != "brief:7:2025-10-01" || job.Priority != domain.PriorityScheduled {
		t.Fatalf("неожиданные ключ или приоритет: %+v", job)
	}
}

func TestRunAcceptsFreeFormZoneNames(t *testing.T) {
	clock := &movableClock{now: time.Date(2025, 10, 1, 5, 30, 0, 0, time.UTC)}
	prefs := &stubPrefs{prefs: []domain.RecurrencePreference{
		daily(1, "09:00:00", "europe/moscow"),
		daily(2, "02:00:00", "America/New York"),
	}}
	q := &memQueue{}
	report, err := newSweep(prefs, q, clock, Config{}).Run(context.Background())
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if report.Dispatched != 2 || report.Invalid != 0 {
		t.Fatalf("неожиданный отчёт: %+v", report)
	}
	moscow := q.forUser(1)[0]
	if moscow.Payload.Timezone != "Europe/Moscow" || moscow.DedupKey != "brief:1:2025-10-01" {
		t.Fatalf("неожиданная задача: %+v", moscow)
	}
	if !moscow.ScheduledFor.Equal(time.Date(2025, 10, 1, 6, 0, 0, 0, time.UTC)) {
		t.Fatalf("ожидали 06:00Z, получили %s", moscow.ScheduledFor)
	}
	newYork := q.forUser(2)[0]
	if newYork.Payload.Timezone != "America/New_York" || newYork.Payload.BriefDate != "2025-10-01" {
		t.Fatalf("неожиданная задача: %+v", newYork)
	}
}

func TestLookaheadWindowIsHalfOpen(t *testing.T) {
	clock := &movableClock{now: time.Date(2025, 10, 1, 8, 0, 0, 0, time.UTC)}
	prefs := &stubPrefs{prefs: []domain.RecurrencePreference{
		daily(1, "08:00:00", "UTC"),
		daily(2, "08:59:59", "UTC"),
		daily(3, "09:00:00", "UTC"),
	}}
	q := &memQueue{}
	report, err := newSweep(prefs, q, clock, Config{}).Run(context.Background())
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if report.Dispatched != 2 || len(q.forUser(3)) != 0 {
		t.Fatalf("ожидали окно [now, now+1h): %+v", report)
	}
}

func TestHourlyTicksEnqueueOncePerDay(t *testing.T) {
	clock := &movableClock{}
	prefs := &stubPrefs{prefs: []domain.RecurrencePreference{
		daily(1, "09:00:00", "UTC"),
		daily(2, "23:30:00", "America/New_York"),
		{UserID: 3, Frequency: domain.FrequencyWeekly, TimeOfDay: "07:45:00", Timezone: "Asia/Tokyo", DayOfWeek: intPtr(1), IsActive: true},
	}}
	q := &memQueue{}
	s := newSweep(prefs, q, clock, Config{})

	start := time.Date(2025, 10, 1, 0, 17, 0, 0, time.UTC)
	for tick := 0; tick < 24*14; tick++ {
		clock.now = start.Add(time.Duration(tick) * time.Hour)
		if _, err := s.Run(context.Background()); err != nil {
			t.Fatalf("не ожидали ошибку: %v", err)
		}
	}
	if n := len(q.forUser(1)); n != 14 {
		t.Fatalf("ежедневный пользователь: ожидали 14 задач, получили %d", n)
	}
	if n := len(q.forUser(2)); n < 13 || n > 14 {
		t.Fatalf("ежедневный пользователь в Нью-Йорке: ожидали 13-14 задач, получили %d", n)
	}
	if n := len(q.forUser(3)); n != 2 {
		t.Fatalf("еженедельный пользователь: ожидали 2 задачи, получили %d", n)
	}
	seen := map[string]bool{}
	for _, job := range q.jobs {
		if seen[job.DedupKey] {
			t.Fatalf("дубль задачи %s", job.DedupKey)
		}
		seen[job.DedupKey] = true
	}
}

func TestOverlappingTicksDoNotDuplicate(t *testing.T) {
	clock := &movableClock{now: time.Date(2025, 10, 1, 8, 10, 0, 0, time.UTC)}
	prefs := &stubPrefs{prefs: []domain.RecurrencePreference{daily(1, "09:00:00", "UTC")}}
	q := &memQueue{}
	s := newSweep(prefs, q, clock, Config{})

	if _, err := s.Run(context.Background()); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	clock.now = clock.now.Add(30 * time.Minute)
	report, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if report.Duplicates != 1 || len(q.forUser(1)) != 1 {
		t.Fatalf("повторный тик не должен создать задачу: %+v", report)
	}
}

func TestBackoffGate(t *testing.T) {
	clock := &movableClock{now: time.Date(2025, 10, 1, 8, 10, 0, 0, time.UTC)}
	prefs := &stubPrefs{prefs: []domain.RecurrencePreference{
		daily(1, "09:00:00", "UTC"),
		daily(2, "09:00:00", "UTC"),
		daily(3, "09:00:00", "UTC"),
		daily(4, "25:00:00", "UTC"),
	}}
	resolver := &stubBackoff{decisions: map[int64]domain.BackoffDecision{
		1: {ShouldSend: true, Reason: "active user"},
		2: {ShouldSend: false, DaysSinceLastLogin: 15, Reason: "second backoff period"},
		3: {ShouldSend: true, IsReengagement: true, DaysSinceLastLogin: 10, Reason: "second re-engagement"},
		4: {ShouldSend: false, Reason: "cooling-off period"},
	}}
	withBackoff := func(d *Deps) { d.Backoff = resolver }

	q := &memQueue{}
	report, err := newSweep(prefs, q, clock, Config{BackoffEnabled: true}, withBackoff).Run(context.Background())
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if report.SkippedBackoff != 2 || report.Dispatched != 2 || report.Invalid != 0 {
		t.Fatalf("неожиданный отчёт: %+v", report)
	}
	if len(q.forUser(2)) != 0 {
		t.Fatalf("пользователь в полосе отката не должен получить задачу")
	}
	job := q.forUser(3)[0]
	if !job.Payload.IsReengagement || job.Payload.DaysSinceLastLogin != 10 {
		t.Fatalf("payload должен содержать признак повторного контакта: %+v", job.Payload)
	}

	q = &memQueue{}
	resolver.calls = 0
	report, err = newSweep(prefs, q, clock, Config{BackoffEnabled: false}, withBackoff).Run(context.Background())
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if resolver.calls != 0 || report.Dispatched != 3 || report.SkippedBackoff != 0 {
		t.Fatalf("при выключенном флаге движок не вызывается: calls=%d %+v", resolver.calls, report)
	}
}

func TestBackoffMissingDecisionFailsOpen(t *testing.T) {
	clock := &movableClock{now: time.Date(2025, 10, 1, 8, 10, 0, 0, time.UTC)}
	prefs := &stubPrefs{prefs: []domain.RecurrencePreference{daily(1, "09:00:00", "UTC")}}
	q := &memQueue{}
	withBackoff := func(d *Deps) { d.Backoff = &stubBackoff{decisions: map[int64]domain.BackoffDecision{}} }
	report, err := newSweep(prefs, q, clock, Config{BackoffEnabled: true}, withBackoff).Run(context.Background())
	if err != nil || report.Dispatched != 1 {
		t.Fatalf("без решения пользователь должен получить бриф: %+v, %v", report, err)
	}
}

func TestUserFailuresAreIsolated(t *testing.T) {
	clock := &movableClock{now: time.Date(2025, 10, 1, 8, 10, 0, 0, time.UTC)}
	prefs := &stubPrefs{prefs: []domain.RecurrencePreference{
		daily(1, "09:00:00", "UTC"),
		daily(2, "09:00:00", "UTC"),
		daily(3, "09:00:00", "UTC"),
	}}
	q := &memQueue{}
	withFlaky := func(d *Deps) {
		d.Dispatcher = &flakyDispatcher{
			inner:   d.Dispatcher,
			failFor: map[int64]error{1: errors.New("queue down")},
			panicOn: 2,
		}
	}
	report, err := newSweep(prefs, q, clock, Config{}, withFlaky).Run(context.Background())
	if err != nil {
		t.Fatalf("ошибки пользователей не должны прерывать обход: %v", err)
	}
	if report.Failed != 2 || report.Dispatched != 1 || len(q.forUser(3)) != 1 {
		t.Fatalf("неожиданный отчёт: %+v", report)
	}
}

func TestPreferenceLoadFailure(t *testing.T) {
	clock := &movableClock{now: time.Date(2025, 10, 1, 8, 10, 0, 0, time.UTC)}
	prefs := &stubPrefs{err: errors.New("db down")}
	s := newSweep(prefs, &memQueue{}, clock, Config{})
	if _, err := s.Run(context.Background()); err == nil {
		t.Fatalf("ожидали ошибку загрузки")
	}
	s.RunLogged(context.Background())
	if s.State() != StateIdle {
		t.Fatalf("после ошибки обход возвращается в idle")
	}
}

func TestRunIsNotReentrant(t *testing.T) {
	clock := &movableClock{now: time.Date(2025, 10, 1, 8, 10, 0, 0, time.UTC)}
	prefs := &stubPrefs{
		prefs:   []domain.RecurrencePreference{daily(1, "09:00:00", "UTC")},
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	started := prefs.started
	q := &memQueue{}
	s := newSweep(prefs, q, clock, Config{})

	done := make(chan error, 1)
	go func() {
		_, err := s.Run(context.Background())
		done <- err
	}()
	<-started
	if s.State() != StateRunning {
		t.Fatalf("ожидали состояние running")
	}
	if _, err := s.Run(context.Background()); !errors.Is(err, domain.ErrSweepInProgress) {
		t.Fatalf("ожидали ErrSweepInProgress, получили %v", err)
	}
	close(prefs.release)
	if err := <-done; err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if s.State() != StateIdle || len(q.forUser(1)) != 1 {
		t.Fatalf("первый обход должен завершиться штатно")
	}
}

func TestDistributedLock(t *testing.T) {
	clock := &movableClock{now: time.Date(2025, 10, 1, 8, 10, 0, 0, time.UTC)}
	prefs := &stubPrefs{prefs: []domain.RecurrencePreference{daily(1, "09:00:00", "UTC")}}

	held := &stubLock{locked: true}
	s := newSweep(prefs, &memQueue{}, clock, Config{}, func(d *Deps) { d.Lock = held })
	if _, err := s.Run(context.Background()); !errors.Is(err, domain.ErrSweepInProgress) {
		t.Fatalf("ожидали ErrSweepInProgress при чужой блокировке, получили %v", err)
	}

	free := &stubLock{}
	q := &memQueue{}
	s = newSweep(prefs, q, clock, Config{}, func(d *Deps) { d.Lock = free })
	if _, err := s.Run(context.Background()); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if free.unlocked != 1 || len(q.forUser(1)) != 1 {
		t.Fatalf("блокировка должна быть снята после обхода")
	}

	broken := &stubLock{err: errors.New("redis down")}
	q = &memQueue{}
	s = newSweep(prefs, q, clock, Config{}, func(d *Deps) { d.Lock = broken })
	if _, err := s.Run(context.Background()); err != nil || len(q.forUser(1)) != 1 {
		t.Fatalf("недоступная блокировка не должна останавливать обход: %v", err)
	}
}

func TestRunStopsOnCancelledContext(t *testing.T) {
	clock := &movableClock{now: time.Date(2025, 10, 1, 8, 10, 0, 0, time.UTC)}
	prefs := &stubPrefs{prefs: []domain.RecurrencePreference{daily(1, "09:00:00", "UTC")}}
	q := &memQueue{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := newSweep(prefs, q, clock, Config{}).Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("ожидали context.Canceled, получили %v", err)
	}
	if len(q.forUser(1)) != 0 {
		t.Fatalf("после отмены задачи не ставятся")
	}
}
