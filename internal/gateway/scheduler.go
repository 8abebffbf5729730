package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// cronLogger routes cron's own logging through zerolog.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}

// newScheduler returns a cron that recovers panicking jobs and skips a run
// while the previous one is still going.
func newScheduler(log zerolog.Logger) *cron.Cron {
	cl := cronLogger{log: log.With().Str("component", "scheduler").Logger()}
	return cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
}

// every schedules job at a fixed interval. job receives ctx.
func every(c *cron.Cron, ctx context.Context, interval time.Duration, job func(context.Context)) (cron.EntryID, error) {
	if interval <= 0 {
		return 0, fmt.Errorf("invalid interval %s", interval)
	}
	return c.AddFunc("@every "+interval.String(), func() {
		if ctx.Err() != nil {
			return
		}
		job(ctx)
	})
}
