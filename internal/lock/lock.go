// Package lock provides TTL-based, ownership-tagged mutual exclusion
// against an external coordination store. It keeps singleton background
// jobs (sweeps, digests) running on exactly one process at a time.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ErrNotAcquired is returned when another owner already holds the key.
var ErrNotAcquired = errors.New("lock not acquired")

// IsNotAcquired reports whether err means the key was already held.
func IsNotAcquired(err error) bool {
	return errors.Is(err, ErrNotAcquired)
}

// Store is the coordination backend: atomic set-if-absent with expiry plus
// compare-and-delete / compare-and-extend keyed on the owner token.
type Store interface {
	SetIfAbsent(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	CompareAndDelete(ctx context.Context, key, token string) (bool, error)
	CompareAndExtend(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
}

// Lock is one acquired lease. Valid flips to false the moment a renewal
// discovers the lease was lost, so a long-running job can abort early
// rather than continue unprotected.
type Lock struct {
	store Store
	key   string
	token string
	ttl   time.Duration
	valid atomic.Bool
}

// Acquire takes the lease for key, failing with ErrNotAcquired when an
// unexpired lease exists under another owner.
func Acquire(ctx context.Context, store Store, key string, ttl time.Duration) (*Lock, error) {
	token := uuid.NewString()
	ok, err := store.SetIfAbsent(ctx, key, token, ttl)
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, fmt.Errorf("acquire lock %s: %w", key, ErrNotAcquired)
	}
	l := &Lock{store: store, key: key, token: token, ttl: ttl}
	l.valid.Store(true)
	return l, nil
}

// Valid reports whether the lease was still held at the last renewal.
func (l *Lock) Valid() bool {
	return l.valid.Load()
}

// Release deletes the lease if this lock still owns it. Releasing a lease
// that expired or was taken over is a no-op, not an error.
func (l *Lock) Release(ctx context.Context) error {
	l.valid.Store(false)
	owned, err := l.store.CompareAndDelete(ctx, l.key, l.token)
	if err != nil {
		return fmt.Errorf("release lock %s: %w", l.key, err)
	}
	if !owned {
		slog.Debug("lock already released or taken over", "key", l.key)
	}
	return nil
}

// Renew extends the lease if still owned. Losing the lease is not an error;
// it flips Valid to false and the caller is expected to check it.
func (l *Lock) Renew(ctx context.Context) error {
	owned, err := l.store.CompareAndExtend(ctx, l.key, l.token, l.ttl)
	if err != nil {
		return fmt.Errorf("renew lock %s: %w", l.key, err)
	}
	l.valid.Store(owned)
	if !owned {
		slog.Warn("lock lost during renewal", "key", l.key)
	}
	return nil
}

// KeepAlive renews the lease every ttl/3 until ctx is cancelled or the
// lease is lost. It returns when it stops renewing.
func (l *Lock) KeepAlive(ctx context.Context) {
	interval := l.ttl / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.Renew(ctx); err != nil {
				slog.Warn("lock renewal failed", "key", l.key, "error", err)
				continue
			}
			if !l.Valid() {
				return
			}
		}
	}
}
