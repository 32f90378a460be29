package logging

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limited throttles repetitive diagnostics per key. Messages over the limit
// are counted and the count is reported with the next message let through.
type Limited struct {
	logger *slog.Logger
	every  time.Duration
	burst  int

	mu         sync.Mutex
	limiters   map[string]*rate.Limiter
	suppressed map[string]int
}

func NewLimited(logger *slog.Logger, every time.Duration, burst int) *Limited {
	if every <= 0 {
		every = 10 * time.Second
	}
	if burst <= 0 {
		burst = 1
	}
	return &Limited{
		logger:     logger,
		every:      every,
		burst:      burst,
		limiters:   make(map[string]*rate.Limiter),
		suppressed: make(map[string]int),
	}
}

func (l *Limited) Warn(key, msg string, args ...any) {
	l.log(slog.LevelWarn, key, msg, args...)
}

func (l *Limited) Error(key, msg string, args ...any) {
	l.log(slog.LevelError, key, msg, args...)
}

// Suppressed returns how many messages for key are waiting to be reported.
func (l *Limited) Suppressed(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.suppressed[key]
}

func (l *Limited) log(level slog.Level, key, msg string, args ...any) {
	if l == nil || l.logger == nil {
		return
	}
	l.mu.Lock()
	lim, ok := l.limiters[key]
	if !ok {
		lim = rate.NewLimiter(rate.Every(l.every), l.burst)
		l.limiters[key] = lim
	}
	if !lim.Allow() {
		l.suppressed[key]++
		l.mu.Unlock()
		return
	}
	dropped := l.suppressed[key]
	delete(l.suppressed, key)
	l.mu.Unlock()
	if dropped > 0 {
		args = append(args, "suppressed", dropped)
	}
	l.logger.Log(context.Background(), level, msg, args...)
}
