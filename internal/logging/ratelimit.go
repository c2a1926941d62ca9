package logging

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Limited wraps a logger so that bursts of the same kind of message do not
// flood the output. Messages over the limit are counted and the count is
// attached to the next message that gets through.
type Limited struct {
	logger     *slog.Logger
	limiter    *rate.Limiter
	suppressed atomic.Uint64
}

// NewLimited allows burst messages at once and one message per interval
// after that.
func NewLimited(logger *slog.Logger, interval time.Duration, burst int) *Limited {
	if burst < 1 {
		burst = 1
	}
	return &Limited{
		logger:  logger,
		limiter: rate.NewLimiter(rate.Every(interval), burst),
	}
}

// Warn logs at warn level if the limiter allows it.
func (l *Limited) Warn(msg string, args ...any) {
	l.log(slog.LevelWarn, msg, args...)
}

// Error logs at error level if the limiter allows it.
func (l *Limited) Error(msg string, args ...any) {
	l.log(slog.LevelError, msg, args...)
}

// Suppressed returns how many messages are waiting to be reported as
// suppressed.
func (l *Limited) Suppressed() uint64 {
	return l.suppressed.Load()
}

func (l *Limited) log(level slog.Level, msg string, args ...any) {
	if !l.logger.Enabled(context.Background(), level) {
		return
	}
	if !l.limiter.Allow() {
		l.suppressed.Add(1)
		return
	}
	if n := l.suppressed.Swap(0); n > 0 {
		args = append(args, "suppressed", n)
	}
	l.logger.Log(context.Background(), level, msg, args...)
}
