package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestWaitSpacing(t *testing.T) {
	l := New(20 * time.Millisecond)
	ctx := context.Background()
	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := l.Wait(ctx); err != nil {
			t.Fatalf("Wait() err = %v; want nil", err)
		}
	}
	if got := time.Since(start); got < 40*time.Millisecond {
		t.Fatalf("Wait() x3 took %s; want at least 40ms", got)
	}
}

func TestWaitCanceled(t *testing.T) {
	l := New(time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	if err := l.Wait(ctx); err != nil {
		t.Fatalf("first Wait() err = %v; want nil", err)
	}
	cancel()
	if err := l.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Wait() err = %v; want %v", err, context.Canceled)
	}
}
