package upstream

import (
	"context"
	"time"
)

// Backoff doubles from Min up to Max.
type Backoff struct {
	Min, Max time.Duration
	cur      time.Duration
}

func NewBackoff() *Backoff {
	return &Backoff{Min: 250 * time.Millisecond, Max: 10 * time.Second}
}

// Next returns the delay to wait before the next attempt.
func (b *Backoff) Next() time.Duration {
	if b.cur < b.Min {
		b.cur = b.Min
		return b.cur
	}
	b.cur *= 2
	if b.cur > b.Max {
		b.cur = b.Max
	}
	return b.cur
}

// Reset is called after a successful attempt.
func (b *Backoff) Reset() { b.cur = 0 }

// SleepCtx waits for d or until ctx is done. It reports false when ctx ended first.
func SleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
