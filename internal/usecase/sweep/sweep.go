package sweep

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"brief-scheduler/internal/domain"
	"brief-scheduler/internal/infra/metrics"
	"brief-scheduler/internal/usecase/backoff"
	"brief-scheduler/internal/usecase/dispatch"
	"brief-scheduler/internal/usecase/schedule"
)

// DefaultLookahead: горизонт, в пределах которого запуск считается наступившим.
const DefaultLookahead = time.Hour

// State: состояние обхода.
type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
)

// Исходы обработки пользователя.
const (
	outcomeSkippedBackoff = "skipped_backoff"
	outcomeInvalid        = "invalid_preference"
	outcomeNotDue         = "not_due"
	outcomeDispatched     = "dispatched"
	outcomeDuplicate      = "duplicate"
	outcomeFailed         = "failed"
)

// BackoffResolver выдаёт решения по вовлечённости для набора пользователей.
type BackoffResolver interface {
	ResolveBatch(ctx context.Context, userIDs []int64, now time.Time) map[int64]domain.BackoffDecision
}

// JobDispatcher ставит задачи в очередь без дублей.
type JobDispatcher interface {
	Dispatch(ctx context.Context, intent domain.ScheduledJobIntent) (dispatch.Result, error)
}

// Config задаёт параметры обхода.
type Config struct {
	Lookahead      time.Duration
	BackoffEnabled bool
	// DispatchRPS ограничивает постановку задач; 0: без ограничения.
	DispatchRPS int
}

// Deps: зависимости обхода. Lock и Backoff необязательны.
type Deps struct {
	Preferences domain.PreferenceRepo
	Backoff     BackoffResolver
	Dispatcher  JobDispatcher
	Clock       domain.Clock
	Lock        domain.SweepLock
}

// Report: итог одного обхода.
type Report struct {
	StartedAt      time.Time `json:"started_at"`
	Candidates     int       `json:"candidates"`
	SkippedBackoff int       `json:"skipped_backoff"`
	Invalid        int       `json:"invalid"`
	NotDue         int       `json:"not_due"`
	Dispatched     int       `json:"dispatched"`
	Duplicates     int       `json:"duplicates"`
	Failed         int       `json:"failed"`
}

// Sweep находит пользователей, которым пора получить бриф, и ставит задачи.
type Sweep struct {
	deps    Deps
	cfg     Config
	limiter *rate.Limiter
	log     zerolog.Logger
	running atomic.Bool
}

// New создаёт обход.
func New(deps Deps, cfg Config, logger zerolog.Logger) *Sweep {
	if deps.Clock == nil {
		deps.Clock = domain.SystemClock{}
	}
	if cfg.Lookahead <= 0 {
		cfg.Lookahead = DefaultLookahead
	}
	s := &Sweep{deps: deps, cfg: cfg, log: logger}
	if cfg.DispatchRPS > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.DispatchRPS), cfg.DispatchRPS)
	}
	return s
}

// State сообщает, выполняется ли сейчас обход.
func (s *Sweep) State() State {
	if s.running.Load() {
		return StateRunning
	}
	return StateIdle
}

// Run выполняет один обход. Одновременно в процессе выполняется не более одного обхода;
// при наличии Lock: не более одного на все экземпляры.
func (s *Sweep) Run(ctx context.Context) (report Report, err error) {
	if !s.running.CompareAndSwap(false, true) {
		return Report{}, domain.ErrSweepInProgress
	}
	defer s.running.Store(false)

	if s.deps.Lock != nil {
		locked, lockErr := s.deps.Lock.TryLock(ctx)
		switch {
		case lockErr != nil:
			// Без блокировки дубли отсекает уникальный ключ в хранилище задач.
			s.log.Warn().Err(lockErr).Msg("sweep: блокировка недоступна, продолжаем без неё")
		case !locked:
			return Report{}, domain.ErrSweepInProgress
		default:
			defer func() {
				unlockCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
				defer cancel()
				if err := s.deps.Lock.Unlock(unlockCtx); err != nil {
					s.log.Warn().Err(err).Msg("sweep: не удалось снять блокировку")
				}
			}()
		}
	}

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sweep panic: %v", r)
		}
		metrics.ObserveSweep(start, err)
	}()

	now := s.deps.Clock.Now().UTC()
	report.StartedAt = now

	prefs, err := s.deps.Preferences.ListActivePreferences(ctx)
	if err != nil {
		return report, fmt.Errorf("загрузка настроек: %w", err)
	}

	active := make([]domain.RecurrencePreference, 0, len(prefs))
	ids := make([]int64, 0, len(prefs))
	for _, pref := range prefs {
		if !pref.IsActive {
			continue
		}
		active = append(active, pref)
		ids = append(ids, pref.UserID)
	}
	report.Candidates = len(active)

	var decisions map[int64]domain.BackoffDecision
	if s.cfg.BackoffEnabled && s.deps.Backoff != nil {
		decisions = s.deps.Backoff.ResolveBatch(ctx, ids, now)
	}

	for _, pref := range active {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		outcome := s.processUser(ctx, pref, now, decisions)
		report.add(outcome)
		metrics.IncSweepUser(outcome)
	}
	return report, nil
}

// processUser: проверка вовлечённости, расчёт запуска, окно, постановка.
// Паника или ошибка одного пользователя не прерывает обход.
func (s *Sweep) processUser(ctx context.Context, pref domain.RecurrencePreference, now time.Time, decisions map[int64]domain.BackoffDecision) (outcome string) {
	logger := s.log.With().Int64("user", pref.UserID).Logger()
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("sweep: сбой при обработке пользователя")
			outcome = outcomeFailed
		}
	}()

	var decision *domain.BackoffDecision
	if s.cfg.BackoffEnabled && s.deps.Backoff != nil {
		d, ok := decisions[pref.UserID]
		if !ok {
			d = backoff.FailOpenDecision()
		}
		if !d.ShouldSend {
			logger.Debug().Str("reason", d.Reason).Int("days_since_login", d.DaysSinceLastLogin).Msg("sweep: пропуск по вовлечённости")
			return outcomeSkippedBackoff
		}
		decision = &d
	}

	pref = pref.WithDefaults()
	if tz, err := schedule.NormalizeTimezone(pref.Timezone); err == nil {
		pref.Timezone = tz
	}
	nextRun, err := schedule.ComputeNextRun(pref, now)
	if err != nil {
		logger.Warn().Err(err).Msg("sweep: некорректные настройки расписания")
		return outcomeInvalid
	}

	if !s.isDue(nextRun, now) {
		return outcomeNotDue
	}

	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			logger.Warn().Err(err).Msg("sweep: ожидание лимита прервано")
			return outcomeFailed
		}
	}

	briefDate := schedule.BriefDate(nextRun, pref.Timezone)
	intent := dispatch.ScheduledIntent(pref.UserID, nextRun, briefDate, pref.Timezone, decision)
	res, err := s.deps.Dispatcher.Dispatch(ctx, intent)
	if err != nil {
		logger.Error().Err(err).Time("scheduled_for", nextRun).Msg("sweep: не удалось поставить задачу")
		return outcomeFailed
	}
	if res.Duplicate {
		return outcomeDuplicate
	}
	logger.Info().Str("job", res.Job.ID).Time("scheduled_for", nextRun).Str("date", briefDate).Bool("reengagement", intent.Payload.IsReengagement).Msg("sweep: задача поставлена")
	return outcomeDispatched
}

// isDue проверяет попадание запуска в [now, now+lookahead).
func (s *Sweep) isDue(nextRun, now time.Time) bool {
	return !nextRun.Before(now) && nextRun.Before(now.Add(s.cfg.Lookahead))
}

func (r *Report) add(outcome string) {
	switch outcome {
	case outcomeSkippedBackoff:
		r.SkippedBackoff++
	case outcomeInvalid:
		r.Invalid++
	case outcomeNotDue:
		r.NotDue++
	case outcomeDispatched:
		r.Dispatched++
	case outcomeDuplicate:
		r.Duplicates++
	default:
		r.Failed++
	}
}

// RunLogged выполняет обход и пишет итог в лог. Ошибки не выходят наружу:
// следующий тик должен пройти как обычно.
func (s *Sweep) RunLogged(ctx context.Context) {
	report, err := s.Run(ctx)
	switch {
	case errors.Is(err, domain.ErrSweepInProgress):
		s.log.Info().Msg("sweep: предыдущий обход ещё выполняется, пропускаем тик")
	case err != nil:
		s.log.Error().Err(err).Msg("sweep: обход завершился с ошибкой")
	default:
		s.log.Info().
			Int("candidates", report.Candidates).
			Int("dispatched", report.Dispatched).
			Int("duplicates", report.Duplicates).
			Int("not_due", report.NotDue).
			Int("skipped_backoff", report.SkippedBackoff).
			Int("invalid", report.Invalid).
			Int("failed", report.Failed).
			Msg("sweep: обход завершён")
	}
}
