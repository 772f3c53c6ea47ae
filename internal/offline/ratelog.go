package offline

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// rateLimitedLogger lets one warning through per interval and counts the
// ones it swallowed in between, so a failing disk does not flood the log.
type rateLimitedLogger struct {
	log     logrus.FieldLogger
	limiter *rate.Limiter

	mu      sync.Mutex
	dropped int
}

func newRateLimitedLogger(log logrus.FieldLogger, interval time.Duration) *rateLimitedLogger {
	return &rateLimitedLogger{
		log:     log,
		limiter: rate.NewLimiter(rate.Every(interval), 1),
	}
}

func (l *rateLimitedLogger) Warnf(format string, args ...any) {
	l.mu.Lock()
	if !l.limiter.Allow() {
		l.dropped++
		l.mu.Unlock()
		return
	}
	dropped := l.dropped
	l.dropped = 0
	l.mu.Unlock()

	entry := l.log
	if dropped > 0 {
		entry = entry.WithField("suppressed", dropped)
	}
	entry.Warnf(format, args...)
}
