package util

import (
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

type cronLogger struct {
	logger *zerolog.Logger
}

// NewCronLogger adapts a zerolog logger to the scheduler's logging interface.
func NewCronLogger(logger *zerolog.Logger) cron.Logger {
	return &cronLogger{logger: logger}
}

func (l *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}

// NewScheduler returns a cron scheduler using standard five-field specs that recovers from job panics.
func NewScheduler(logger *zerolog.Logger) *cron.Cron {
	cl := NewCronLogger(logger)
	return cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
}
