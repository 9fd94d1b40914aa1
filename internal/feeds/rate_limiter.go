package feeds

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

// SubscribeLimiter paces subscribe requests to one upstream and backs off
// adaptively after failed subscriptions.
type SubscribeLimiter struct {
	limiter *rate.Limiter
	clock   clockwork.Clock
	mu      sync.RWMutex

	requestCount    int64
	failureCount    int64
	lastFailure     time.Time
	backoffDuration time.Duration
	maxBackoff      time.Duration
	multiplier      float64
}

// LimiterStats is a point-in-time view of a SubscribeLimiter
type LimiterStats struct {
	Requests    int64     `json:"requests"`
	Failures    int64     `json:"failures"`
	LastFailure time.Time `json:"last_failure,omitempty"`
	BackoffMs   int64     `json:"backoff_ms"`
}

// NewSubscribeLimiter creates a limiter allowing rps requests per second with burst.
// A nil clock means the real clock.
func NewSubscribeLimiter(rps float64, burst int, clock clockwork.Clock) *SubscribeLimiter {
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &SubscribeLimiter{
		limiter:    rate.NewLimiter(limit, burst),
		clock:      clock,
		maxBackoff: 30 * time.Second,
		multiplier: 1.5,
	}
}

// Wait waits for permission to send a subscribe request
func (l *SubscribeLimiter) Wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.RLock()
	backoff := l.backoffDuration
	l.mu.RUnlock()

	if backoff > 0 {
		if err := l.sleep(ctx, backoff); err != nil {
			return err
		}
	}

	now := l.clock.Now()
	r := l.limiter.ReserveN(now, 1)
	if !r.OK() {
		return fmt.Errorf("subscribe limiter: burst exceeded")
	}
	if delay := r.DelayFrom(now); delay > 0 {
		if err := l.sleep(ctx, delay); err != nil {
			r.CancelAt(l.clock.Now())
			return err
		}
	}
	return nil
}

func (l *SubscribeLimiter) sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-l.clock.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RecordFailure records a failed subscription and grows the adaptive backoff
func (l *SubscribeLimiter) RecordFailure() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.failureCount++
	l.lastFailure = l.clock.Now()

	if l.backoffDuration == 0 {
		l.backoffDuration = 500 * time.Millisecond
	} else {
		l.backoffDuration = time.Duration(float64(l.backoffDuration) * l.multiplier)
		if l.backoffDuration > l.maxBackoff {
			l.backoffDuration = l.maxBackoff
		}
	}
}

// RecordSuccess records a successful subscription and resets the backoff
func (l *SubscribeLimiter) RecordSuccess() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.requestCount++
	l.backoffDuration = 0
}

// Backoff returns the current adaptive backoff
func (l *SubscribeLimiter) Backoff() time.Duration {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.backoffDuration
}

// Stats returns limiter statistics
func (l *SubscribeLimiter) Stats() LimiterStats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return LimiterStats{
		Requests:    l.requestCount,
		Failures:    l.failureCount,
		LastFailure: l.lastFailure,
		BackoffMs:   l.backoffDuration.Milliseconds(),
	}
}
