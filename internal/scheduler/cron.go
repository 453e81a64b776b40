package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Job is a unit of cron work.
type Job func(ctx context.Context) error

// Cron runs jobs on six-field (seconds-first) cron expressions. A job still
// running when its next slot arrives is skipped for that slot.
type Cron struct {
	cron    *cron.Cron
	logger  zerolog.Logger
	timeout time.Duration

	mu      sync.RWMutex
	baseCtx context.Context
}

// NewCron builds a runner. timeout bounds every job invocation when positive.
func NewCron(timeout time.Duration, logger zerolog.Logger) *Cron {
	l := logger.With().Str("component", "cron").Logger()
	adapter := cronLogger{logger: l}
	return &Cron{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLogger(adapter),
			cron.WithChain(cron.Recover(adapter), cron.SkipIfStillRunning(adapter)),
		),
		logger:  l,
		timeout: timeout,
		baseCtx: context.Background(),
	}
}

// Add registers job under spec.
func (c *Cron) Add(name, spec string, job Job) error {
	_, err := c.cron.AddFunc(spec, func() {
		ctx := c.context()
		if c.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, c.timeout)
			defer cancel()
		}

		started := time.Now()
		if err := job(ctx); err != nil {
			c.logger.Error().Err(err).Str("job", name).Msg("cron job failed")
			return
		}
		c.logger.Info().Str("job", name).Dur("elapsed", time.Since(started)).Msg("cron job complete")
	})
	if err != nil {
		return fmt.Errorf("schedule %s (%q): %w", name, spec, err)
	}
	return nil
}

// Run starts the runner and blocks until ctx is cancelled, then waits for
// running jobs to return.
func (c *Cron) Run(ctx context.Context) error {
	c.mu.Lock()
	c.baseCtx = ctx
	c.mu.Unlock()

	c.logger.Info().Int("jobs", len(c.cron.Entries())).Msg("cron started")
	c.cron.Start()

	<-ctx.Done()
	stopped := c.cron.Stop()
	<-stopped.Done()
	c.logger.Info().Msg("cron stopped")
	return ctx.Err()
}

func (c *Cron) context() context.Context {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.baseCtx
}

type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
