package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestManager(t *testing.T) (*Manager, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewManager(rdb, Options{RetryInterval: 5 * time.Millisecond}), mr
}

func TestAcquire_SetsKeyWithTokenAndTTL(t *testing.T) {
	m, mr := newTestManager(t)
	h, err := m.Acquire(context.Background(), "reservation:1", 30*time.Second, 0)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if h.Key != "lock:reservation:1" {
		t.Fatalf("expected prefixed key, got %q", h.Key)
	}
	got, err := mr.Get(h.Key)
	if err != nil || got != h.Token {
		t.Fatalf("expected key to hold token %q, got %q (%v)", h.Token, got, err)
	}
	if ttl := mr.TTL(h.Key); ttl <= 0 || ttl > 30*time.Second {
		t.Fatalf("expected ttl within lease, got %v", ttl)
	}
}

func TestAcquire_ContentionWithZeroWait(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	h, err := m.Acquire(ctx, "reservation:7", time.Minute, 0)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if _, err := m.Acquire(ctx, "reservation:7", time.Minute, 0); !errors.Is(err, ErrNotAcquired) {
		t.Fatalf("expected ErrNotAcquired, got %v", err)
	}
	if err := m.Release(ctx, h); err != nil {
		t.Fatalf("release: %v", err)
	}
	h2, err := m.Acquire(ctx, "reservation:7", time.Minute, 0)
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	_ = m.Release(ctx, h2)
}

func TestAcquire_WaitsForRelease(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	h, err := m.Acquire(ctx, "r", time.Minute, 0)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = m.Release(ctx, h)
	}()
	h2, err := m.Acquire(ctx, "r", time.Minute, 2*time.Second)
	if err != nil {
		t.Fatalf("expected waiter to get the lock, got %v", err)
	}
	if h2.Token == h.Token {
		t.Fatalf("expected a fresh token per acquisition")
	}
}

func TestAcquire_ExpiredLeaseCanBeTaken(t *testing.T) {
	m, mr := newTestManager(t)
	ctx := context.Background()
	if _, err := m.Acquire(ctx, "r", time.Second, 0); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	mr.FastForward(2 * time.Second)
	if _, err := m.Acquire(ctx, "r", time.Second, 0); err != nil {
		t.Fatalf("expected acquire after expiry, got %v", err)
	}
}

func TestRelease_DoesNotDeleteForeignLease(t *testing.T) {
	m, mr := newTestManager(t)
	ctx := context.Background()
	old, err := m.Acquire(ctx, "r", time.Second, 0)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	mr.FastForward(2 * time.Second)
	current, err := m.Acquire(ctx, "r", time.Minute, 0)
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if err := m.Release(ctx, old); err != nil {
		t.Fatalf("stale release should be a no-op, got %v", err)
	}
	got, _ := mr.Get("lock:r")
	if got != current.Token {
		t.Fatalf("expected current holder to keep the lock")
	}
}

func TestRelease_Idempotent(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	h, err := m.Acquire(ctx, "r", time.Minute, 0)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := m.Release(ctx, h); err != nil {
			t.Fatalf("release #%d: %v", i+1, err)
		}
	}
	if err := m.Release(ctx, nil); err != nil {
		t.Fatalf("nil release: %v", err)
	}
}

func TestAcquire_ContextCancelStopsWait(t *testing.T) {
	m, _ := newTestManager(t)
	if _, err := m.Acquire(context.Background(), "r", time.Minute, 0); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := m.Acquire(ctx, "r", time.Minute, 5*time.Second)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestAcquire_BackendErrorIsNotContention(t *testing.T) {
	m, mr := newTestManager(t)
	mr.Close()
	_, err := m.Acquire(context.Background(), "r", time.Minute, 0)
	if err == nil || errors.Is(err, ErrNotAcquired) {
		t.Fatalf("expected transport error, got %v", err)
	}
}

func TestAcquire_MutualExclusion(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := m.Acquire(ctx, "shared", time.Minute, 5*time.Second)
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				cur := atomic.LoadInt32(&maxInside)
				if n <= cur || atomic.CompareAndSwapInt32(&maxInside, cur, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			atomic.AddInt32(&inside, -1)
			_ = m.Release(ctx, h)
		}()
	}
	wg.Wait()
	if maxInside != 1 {
		t.Fatalf("expected at most one holder at a time, saw %d", maxInside)
	}
}
