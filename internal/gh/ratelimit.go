// internal/gh/ratelimit.go
package gh

import (
	"context"
	"sync"
	"time"
)

// defaultMinDelay spaces requests made with one credential. GitHub's rate
// budget is shared per credential, so the limiter is shared by everything
// built on one Client, including the bounded check-run fan-out.
const defaultMinDelay = 100 * time.Millisecond

// Limiter enforces a minimum delay between API calls.
type Limiter struct {
	mu       sync.Mutex
	minDelay time.Duration
	lastCall time.Time
}

func NewLimiter() *Limiter {
	return &Limiter{minDelay: defaultMinDelay}
}

// Wait blocks until the next call is allowed or the context is done.
func (l *Limiter) Wait(ctx context.Context) error {
	l.mu.Lock()
	elapsed := time.Since(l.lastCall)
	if elapsed < l.minDelay {
		wait := l.minDelay - elapsed
		l.mu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		l.mu.Lock()
	}
	l.lastCall = time.Now()
	l.mu.Unlock()
	return nil
}
