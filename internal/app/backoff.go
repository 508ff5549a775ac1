package app

import (
	"context"
	"time"
)

// backoffStrategy doubles the reconnect delay after every failed attempt,
// up to maxDelay. A successful session resets it.
type backoffStrategy struct {
	attempt      int
	initialDelay time.Duration
	maxDelay     time.Duration
}

func newBackoffStrategy(initialDelay, maxDelay time.Duration) *backoffStrategy {
	if initialDelay <= 0 {
		initialDelay = time.Second
	}
	return &backoffStrategy{
		initialDelay: initialDelay,
		maxDelay:     max(maxDelay, initialDelay),
	}
}

// nextDelay returns the delay before the next attempt
func (b *backoffStrategy) nextDelay() time.Duration {
	delay := b.maxDelay
	if b.attempt < 30 {
		delay = min(b.initialDelay*time.Duration(1<<uint(b.attempt)), b.maxDelay)
	}
	b.attempt++
	return delay
}

func (b *backoffStrategy) reset() {
	b.attempt = 0
}

// sleepContext waits for d and reports false if ctx ended first
func sleepContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
