// Package failsafe keeps a run alive when its supporting services degrade.
// A faulted dedup index downgrades to cache misses instead of failing
// download tasks, and a disk-space guard stops full fetches before the
// output filesystem fills up.
package failsafe

import (
	"context"
	"errors"

	"github.com/qasimbilalstack/reddit-dl/log"
)

// ErrLowSpace indicates the output filesystem is below the configured
// free-space floor.
var ErrLowSpace = errors.New("failsafe: low disk space")

// Logger defines the logging surface used by this package.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

func defaultLogger() Logger {
	return logHandleAdapter{handle: log.GetLogger("failsafe")}
}

type logHandleAdapter struct {
	handle *log.LogHandle
}

func (l logHandleAdapter) Debugf(format string, args ...any) {
	if l.handle != nil {
		l.handle.Debug().Msgf(format, args...)
	}
}

func (l logHandleAdapter) Infof(format string, args ...any) {
	if l.handle != nil {
		l.handle.Info().Msgf(format, args...)
	}
}

func (l logHandleAdapter) Warnf(format string, args ...any) {
	if l.handle != nil {
		l.handle.Warn().Msgf(format, args...)
	}
}

func (l logHandleAdapter) Errorf(format string, args ...any) {
	if l.handle != nil {
		l.handle.Error().Msgf(format, args...)
	}
}

func isContextError(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
