package utils

import (
	"context"
	"time"
)

// Backoff returns the delay before retry number attempt (1-based): base, 2*base, 4*base, ...
// It returns 0 for attempt <= 0 and caps at 30 seconds.
func Backoff(base time.Duration, attempt int) time.Duration {
	if attempt <= 0 || base <= 0 {
		return 0
	}
	if attempt > 30 {
		attempt = 30
	}
	d := base * time.Duration(1<<uint(attempt-1))
	if d > 30*time.Second || d <= 0 {
		d = 30 * time.Second
	}
	return d
}

// Sleep waits for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
