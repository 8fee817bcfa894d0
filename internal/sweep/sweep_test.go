package sweep

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/harrydryden/therapist-scheduler-frontend-sub002/internal/lock"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestTickRunsDueJobs(t *testing.T) {
	r := NewRunner(DefaultConfig(), nil, testLogger())

	var runs atomic.Int32
	done := make(chan struct{}, 4)
	r.Register(&Job{Name: "unfreeze", Interval: time.Minute, Fn: func(ctx context.Context) error {
		runs.Add(1)
		done <- struct{}{}
		return nil
	}})

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	now := base
	r.now = func() time.Time { return now }

	r.tick(context.Background())
	<-done
	if runs.Load() != 1 {
		t.Fatalf("runs = %d, want 1", runs.Load())
	}

	// Not due yet: only 30 seconds have passed.
	now = base.Add(30 * time.Second)
	r.tick(context.Background())
	time.Sleep(20 * time.Millisecond)
	if runs.Load() != 1 {
		t.Fatalf("runs = %d, want still 1", runs.Load())
	}

	now = base.Add(90 * time.Second)
	r.tick(context.Background())
	<-done
	if runs.Load() != 2 {
		t.Fatalf("runs = %d, want 2", runs.Load())
	}
}

func TestConcurrencyLimitSkips(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConcurrent = 1
	r := NewRunner(cfg, nil, testLogger())

	var runs atomic.Int32
	done := make(chan struct{}, 1)
	r.Register(&Job{Name: "unfreeze", Interval: time.Millisecond, Fn: func(ctx context.Context) error {
		runs.Add(1)
		done <- struct{}{}
		return nil
	}})

	// Occupy the only slot; the due job is skipped, not queued.
	if !r.sem.tryAcquire() {
		t.Fatal("could not take the semaphore slot")
	}
	r.tick(context.Background())
	time.Sleep(20 * time.Millisecond)
	if runs.Load() != 0 {
		t.Fatalf("runs = %d, want 0 while slot is held", runs.Load())
	}

	r.sem.release()
	r.tick(context.Background())
	<-done
	if runs.Load() != 1 {
		t.Errorf("runs = %d, want 1 after slot freed", runs.Load())
	}
}

// heldStore reports every key as already locked.
type heldStore struct{}

func (heldStore) SetIfAbsent(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	return false, nil
}
func (heldStore) CompareAndDelete(ctx context.Context, key, token string) (bool, error) {
	return false, nil
}
func (heldStore) CompareAndExtend(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	return false, nil
}

func TestHeldLockSkipsJob(t *testing.T) {
	r := NewRunner(DefaultConfig(), heldStore{}, testLogger())

	ran := false
	err := r.runLocked(context.Background(), &Job{Name: "digest", Fn: func(ctx context.Context) error {
		ran = true
		return nil
	}})
	if err != nil {
		t.Fatalf("held lock should not be an error: %v", err)
	}
	if ran {
		t.Error("job ran while another process held the lock")
	}
}

// freeStore grants and releases locks, recording the sequence.
type freeStore struct {
	mu     sync.Mutex
	events []string
}

func (s *freeStore) SetIfAbsent(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, "acquire:"+key)
	return true, nil
}

func (s *freeStore) CompareAndDelete(ctx context.Context, key, token string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, "release:"+key)
	return true, nil
}

func (s *freeStore) CompareAndExtend(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	return true, nil
}

func TestRunLockedAcquiresAndReleases(t *testing.T) {
	store := &freeStore{}
	r := NewRunner(DefaultConfig(), store, testLogger())

	err := r.runLocked(context.Background(), &Job{Name: "digest", Fn: func(ctx context.Context) error {
		return nil
	}})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.events) != 2 || store.events[0] != "acquire:sweep:digest" || store.events[1] != "release:sweep:digest" {
		t.Errorf("events = %v", store.events)
	}
}

var _ lock.Store = heldStore{}
var _ lock.Store = (*freeStore)(nil)
