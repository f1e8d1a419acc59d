package sweep

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Runner запускает обход по cron-расписанию ("@hourly", "@every 30m", "5 * * * *").
type Runner struct {
	sweep      *Sweep
	schedule   string
	runOnStart bool
	log        zerolog.Logger
}

// NewRunner создаёт планировщик обходов.
func NewRunner(sweep *Sweep, schedule string, runOnStart bool, logger zerolog.Logger) *Runner {
	return &Runner{sweep: sweep, schedule: schedule, runOnStart: runOnStart, log: logger}
}

// Run блокируется до отмены ctx. Пересекающиеся тики пропускаются.
func (r *Runner) Run(ctx context.Context) error {
	cl := cronLogger{log: r.log}
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	if _, err := c.AddFunc(r.schedule, func() { r.sweep.RunLogged(ctx) }); err != nil {
		return fmt.Errorf("некорректное расписание %q: %w", r.schedule, err)
	}
	c.Start()
	r.log.Info().Str("schedule", r.schedule).Msg("sweep: планировщик запущен")

	if r.runOnStart {
		go r.sweep.RunLogged(ctx)
	}

	<-ctx.Done()
	<-c.Stop().Done()
	r.log.Info().Msg("sweep: планировщик остановлен")
	return nil
}

// cronLogger направляет служебные сообщения cron в zerolog.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
