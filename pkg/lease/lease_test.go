package lease

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"
)

func testLocker(t *testing.T, l Locker) {
	t.Helper()
	ctx := context.Background()
	key := fmt.Sprintf("job-%d", time.Now().UnixNano())

	release, ok, err := l.Acquire(ctx, key, time.Minute)
	if err != nil || !ok {
		t.Fatalf("Acquire() = %v, %v; want true, nil", ok, err)
	}
	if _, ok, err := l.Acquire(ctx, key, time.Minute); err != nil || ok {
		t.Fatalf("second Acquire() = %v, %v; want false, nil", ok, err)
	}
	release()
	release2, ok, err := l.Acquire(ctx, key, time.Minute)
	if err != nil || !ok {
		t.Fatalf("Acquire() after release = %v, %v; want true, nil", ok, err)
	}
	// A stale release must not free someone else's lease.
	release()
	if _, ok, err := l.Acquire(ctx, key, time.Minute); err != nil || ok {
		t.Fatalf("Acquire() after stale release = %v, %v; want false, nil", ok, err)
	}
	release2()
}

func TestLocal(t *testing.T) {
	testLocker(t, NewLocal())
}

func TestLocalExpires(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()
	if _, ok, _ := l.Acquire(ctx, "k", time.Millisecond); !ok {
		t.Fatal("Acquire() = false; want true")
	}
	time.Sleep(5 * time.Millisecond)
	if _, ok, _ := l.Acquire(ctx, "k", time.Minute); !ok {
		t.Fatal("Acquire() after expiry = false; want true")
	}
}

func TestRedis(t *testing.T) {
	addr := os.Getenv("CREATETREE_TEST_REDIS")
	if addr == "" {
		t.Skip("CREATETREE_TEST_REDIS not set")
	}
	client, err := Dial(context.Background(), addr, "", 0)
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()
	testLocker(t, NewRedis(client, "createtree:test:"))
}
