// Package sweep runs periodic background jobs: the inactivity unfreeze
// sweep and the admin digest. Each job is serialized across processes with
// a distributed lock so exactly one instance runs it at a time.
package sweep

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/harrydryden/therapist-scheduler-frontend-sub002/internal/lock"
)

// JobFunc is one unit of background work.
type JobFunc func(ctx context.Context) error

// Job is a registered periodic job.
type Job struct {
	Name     string
	Interval time.Duration
	Fn       JobFunc
}

// Config holds sweep runner settings.
type Config struct {
	Enabled       bool          `envconfig:"SWEEP_ENABLED" json:"enabled"`
	TickInterval  time.Duration `envconfig:"SWEEP_TICK_INTERVAL" json:"tick_interval"`
	MaxConcurrent int           `envconfig:"SWEEP_MAX_CONCURRENT" json:"max_concurrent"`
	LockTTL       time.Duration `envconfig:"SWEEP_LOCK_TTL" json:"lock_ttl"`
}

// DefaultConfig returns sensible sweep defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:       true,
		TickInterval:  time.Minute,
		MaxConcurrent: 2,
		LockTTL:       2 * time.Minute,
	}
}

// Runner ticks registered jobs on their intervals.
type Runner struct {
	cfg    Config
	locks  lock.Store
	logger *slog.Logger
	sem    *semaphore

	mu      sync.RWMutex
	jobs    map[string]*Job
	lastRun map[string]time.Time

	now func() time.Time
}

// NewRunner creates a runner. locks may be nil for single-process
// deployments; jobs then run without cross-process exclusion.
func NewRunner(cfg Config, locks lock.Store, logger *slog.Logger) *Runner {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultConfig().TickInterval
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultConfig().MaxConcurrent
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = DefaultConfig().LockTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		cfg:     cfg,
		locks:   locks,
		logger:  logger,
		sem:     newSemaphore(cfg.MaxConcurrent),
		jobs:    make(map[string]*Job),
		lastRun: make(map[string]time.Time),
		now:     time.Now,
	}
}

// Register adds a job.
func (r *Runner) Register(job *Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[job.Name] = job
	r.logger.Info("sweep job registered", "name", job.Name, "interval", job.Interval)
}

// Run starts the tick loop. Blocks until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info("sweep runner started", "tick", r.cfg.TickInterval)
	ticker := time.NewTicker(r.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("sweep runner stopped")
			return ctx.Err()
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Runner) tick(ctx context.Context) {
	now := r.now()

	r.mu.RLock()
	var due []*Job
	for _, job := range r.jobs {
		if now.Sub(r.lastRun[job.Name]) >= job.Interval {
			due = append(due, job)
		}
	}
	r.mu.RUnlock()

	for _, job := range due {
		r.dispatch(ctx, job, now)
	}
}

func (r *Runner) dispatch(ctx context.Context, job *Job, now time.Time) {
	if !r.sem.tryAcquire() {
		r.logger.Warn("sweep job skipped: concurrency limit", "job", job.Name)
		return
	}
	r.mu.Lock()
	r.lastRun[job.Name] = now
	r.mu.Unlock()

	go func() {
		defer r.sem.release()
		if err := r.runLocked(ctx, job); err != nil {
			r.logger.Error("sweep job failed", "job", job.Name, "error", err)
		}
	}()
}

// runLocked takes the job's distributed lock, keeps it renewed for the
// duration, and aborts early if the lease is lost.
func (r *Runner) runLocked(ctx context.Context, job *Job) error {
	if r.locks == nil {
		return job.Fn(ctx)
	}

	l, err := lock.Acquire(ctx, r.locks, "sweep:"+job.Name, r.cfg.LockTTL)
	if err != nil {
		if lock.IsNotAcquired(err) {
			r.logger.Debug("sweep job held elsewhere", "job", job.Name)
			return nil
		}
		return fmt.Errorf("acquire sweep lock: %w", err)
	}
	defer l.Release(context.WithoutCancel(ctx))

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		l.KeepAlive(jobCtx)
		if !l.Valid() {
			cancel()
		}
	}()

	return job.Fn(jobCtx)
}

// semaphore caps concurrent job executions.
type semaphore struct {
	slots chan struct{}
}

func newSemaphore(n int) *semaphore {
	return &semaphore{slots: make(chan struct{}, n)}
}

func (s *semaphore) tryAcquire() bool {
	select {
	case s.slots <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *semaphore) release() {
	<-s.slots
}
