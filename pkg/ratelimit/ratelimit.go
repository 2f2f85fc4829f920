package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Lock spaces out calls to a remote service.
type Lock interface {
	// Wait blocks until the caller may issue its request.
	Wait(ctx context.Context) error
}

type lock struct {
	lck  sync.Mutex
	wait time.Duration
	next time.Time
}

// New returns a lock that lets one request start every wait interval.
func New(wait time.Duration) Lock {
	return &lock{wait: wait}
}

func (l *lock) Wait(ctx context.Context) error {
	l.lck.Lock()
	now := time.Now()
	slot := l.next
	if slot.Before(now) {
		slot = now
	}
	l.next = slot.Add(l.wait)
	l.lck.Unlock()

	d := time.Until(slot)
	if d <= 0 {
		return nil
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
