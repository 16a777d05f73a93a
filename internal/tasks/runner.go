// Package tasks runs units of work on a bounded worker pool with a fixed
// retry policy, and hosts the periodic server maintenance jobs.
package tasks

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/vovakirdan/livechat-connect/internal/bridge"
	"github.com/vovakirdan/livechat-connect/internal/config"
)

// ErrStopped is returned by Submit after Shutdown.
var ErrStopped = errors.New("task runner stopped")

// Task is one unit of work.
type Task func(ctx context.Context) error

// Runner executes tasks with at most Workers running at once. Failed tasks are
// re-run up to MaxAttempts times, RetryDelay apart, while retryable reports true.
type Runner struct {
	sem         *semaphore.Weighted
	maxAttempts int
	delay       time.Duration
	retryable   func(error) bool
	log         *zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	// mu orders wg.Add in Submit against the stop in Shutdown
	mu      sync.Mutex
	stopped bool
	wg      sync.WaitGroup
}

// Option customizes a Runner.
type Option func(*Runner)

// WithRetryable replaces the predicate deciding which errors are retried.
func WithRetryable(fn func(error) bool) Option {
	return func(r *Runner) { r.retryable = fn }
}

// NewRunner builds a Runner from the tasks configuration.
func NewRunner(cfg config.TasksConfig, logger *zerolog.Logger, opts ...Option) *Runner {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Runner{
		sem:         semaphore.NewWeighted(int64(workers)),
		maxAttempts: attempts,
		delay:       cfg.RetryDelay,
		retryable:   bridge.IsTransient,
		log:         logger,
		ctx:         ctx,
		cancel:      cancel,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Submit queues task and returns once a worker slot is taken. The task runs
// detached from ctx, which only bounds the wait for a slot.
func (r *Runner) Submit(ctx context.Context, name string, task Task) error {
	if r.isStopped() {
		return ErrStopped
	}
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return err
	}

	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		r.sem.Release(1)
		return ErrStopped
	}
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		defer r.sem.Release(1)
		_ = r.run(r.ctx, name, task)
	}()
	return nil
}

// Invoke runs task on the pool and waits for its final outcome.
func (r *Runner) Invoke(ctx context.Context, name string, task Task) error {
	if r.isStopped() {
		return ErrStopped
	}
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer r.sem.Release(1)
	return r.run(ctx, name, task)
}

// Shutdown stops accepting work and waits for running tasks until ctx is done,
// then cancels whatever is still running.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.stopped = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.cancel()
		return nil
	case <-ctx.Done():
		r.cancel()
		<-done
		return ctx.Err()
	}
}

func (r *Runner) isStopped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopped
}

func (r *Runner) run(ctx context.Context, name string, task Task) error {
	var err error
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		err = task(ctx)
		if err == nil {
			if attempt > 1 {
				r.log.Info().Str("task", name).Int("attempt", attempt).Msg("task succeeded after retry")
			}
			return nil
		}
		if !r.retryable(err) || attempt == r.maxAttempts || ctx.Err() != nil {
			break
		}

		r.log.Warn().Err(err).
			Str("task", name).
			Int("attempt", attempt).
			Int("max_attempts", r.maxAttempts).
			Dur("delay", r.delay).
			Msg("task failed, retrying")

		select {
		case <-ctx.Done():
			return err
		case <-time.After(r.delay):
		}
	}

	r.log.Error().Err(err).Str("task", name).Msg("task failed")
	return err
}
