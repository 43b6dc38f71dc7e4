package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestRedisLockerExclusive(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	a := NewRedisLocker(client, time.Minute)
	b := NewRedisLocker(client, time.Minute)

	lease, err := a.Acquire(ctx, "J1")
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if _, err := b.Acquire(ctx, "J1"); !errors.Is(err, ErrNotAcquired) {
		t.Fatalf("expected ErrNotAcquired got %v", err)
	}
	if _, err := b.Acquire(ctx, "J2"); err != nil {
		t.Fatalf("other key should be free: %v", err)
	}

	if err := lease.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := b.Acquire(ctx, "J1"); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
}

func TestRedisLeaseDoesNotReleaseForeignToken(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	locker := NewRedisLocker(client, time.Second)

	stale, err := locker.Acquire(ctx, "J1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	mr.FastForward(2 * time.Second)

	fresh, err := locker.Acquire(ctx, "J1")
	if err != nil {
		t.Fatalf("acquire after expiry: %v", err)
	}
	_ = stale.Release(ctx)
	if !mr.Exists("pipeline:lock:J1") {
		t.Fatalf("expired holder must not release the new holder's lock")
	}
	_ = fresh.Release(ctx)
	if mr.Exists("pipeline:lock:J1") {
		t.Fatalf("expected key removed by its holder")
	}
}

func TestLocalLocker(t *testing.T) {
	ctx := context.Background()
	l := NewLocalLocker()
	lease, err := l.Acquire(ctx, "J1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := l.Acquire(ctx, "J1"); !errors.Is(err, ErrNotAcquired) {
		t.Fatalf("expected ErrNotAcquired got %v", err)
	}
	_ = lease.Release(ctx)
	_ = lease.Release(ctx)
	if _, err := l.Acquire(ctx, "J1"); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
}
