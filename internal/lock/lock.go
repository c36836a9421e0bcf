// Package lock implements a lease-based mutual exclusion lock on top of
// Redis.  A lock is a single key set with NX and a millisecond expiry; the
// value is a random token owned by the holder, so only the holder can
// release it and a crashed holder's lease simply expires.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNotAcquired is returned by Acquire when the wait timeout elapses while
// another holder keeps the key.
var ErrNotAcquired = errors.New("lock not acquired")

// releaseScript deletes the key only while it still carries our token.  A
// plain DEL could remove a lease that expired and was taken by someone else.
var releaseScript = redis.NewScript(`
    if redis.call('GET', KEYS[1]) == ARGV[1] then
        return redis.call('DEL', KEYS[1])
    end
    return 0
`)

// Handle identifies one successful acquisition.
type Handle struct {
	Key        string    // full Redis key, prefix included
	Token      string    // owner token stored as the key's value
	AcquiredAt time.Time // local time of the successful SET
	Lease      time.Duration
}

// ExpiresAt is the local estimate of when the lease runs out.
func (h *Handle) ExpiresAt() time.Time {
	return h.AcquiredAt.Add(h.Lease)
}

// Options configure a Manager.
type Options struct {
	Prefix        string        // default "lock"
	RetryInterval time.Duration // default 50ms
}

// Manager acquires and releases locks.  It is safe for concurrent use.
type Manager struct {
	rdb           redis.UniversalClient
	prefix        string
	retryInterval time.Duration
	newToken      func() string
}

// NewManager returns a Manager backed by rdb.
func NewManager(rdb redis.UniversalClient, opts Options) *Manager {
	if opts.Prefix == "" {
		opts.Prefix = "lock"
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 50 * time.Millisecond
	}
	return &Manager{
		rdb:           rdb,
		prefix:        opts.Prefix,
		retryInterval: opts.RetryInterval,
		newToken:      func() string { return uuid.NewString() },
	}
}

func (m *Manager) key(resource string) string {
	return m.prefix + ":" + resource
}

// Acquire tries to take the lock on resource for lease, retrying until wait
// has elapsed.  wait == 0 means a single attempt.  On timeout it returns
// ErrNotAcquired; Redis failures are returned as-is and are not treated as
// contention.  Cancelling ctx stops the wait.
func (m *Manager) Acquire(ctx context.Context, resource string, lease, wait time.Duration) (*Handle, error) {
	if lease <= 0 {
		return nil, fmt.Errorf("lock %s: lease must be positive", resource)
	}
	key := m.key(resource)
	token := m.newToken()
	deadline := time.Now().Add(wait)

	for {
		ok, err := m.rdb.SetNX(ctx, key, token, lease).Result()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("lock %s: %w", key, err)
		}
		if ok {
			return &Handle{Key: key, Token: token, AcquiredAt: time.Now(), Lease: lease}, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, ErrNotAcquired
		}
		pause := m.retryInterval
		if pause > remaining {
			pause = remaining
		}
		t := time.NewTimer(pause)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
}

// Release gives the lock back.  Releasing a nil handle, an expired lease or
// a lease now owned by someone else does nothing.
func (m *Manager) Release(ctx context.Context, h *Handle) error {
	if h == nil {
		return nil
	}
	if err := releaseScript.Run(ctx, m.rdb, []string{h.Key}, h.Token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("unlock %s: %w", h.Key, err)
	}
	return nil
}
