// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package dispatch runs submitted units of work on a bounded worker pool,
// with retry and exponential backoff for transient failures.
//
// # Description
//
// A Dispatcher accepts work via Submit, which never blocks the submitter:
// it returns a Future immediately and executes the unit on one of
// MaxWorkers workers. Failed units are retried up to MaxRetries times
// (only when the failure is classified retryable) before the final error
// is surfaced through the Future.
//
// The dispatcher guarantees no ordering between submissions; callers that
// need write ordering serialize themselves with a keylock handle before
// submitting.
//
// # Thread Safety
//
// All public methods are safe for concurrent use.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/memgate/services/memgate/gateway"
)

// ErrDispatcherClosed is returned for submissions after Close or Drain.
var ErrDispatcherClosed = errors.New("dispatcher is closed")

// NoRetries disables retries when set as Config.MaxRetries. A zero
// MaxRetries is treated as unset, not as zero retries.
const NoRetries = -1

// Config configures the dispatcher.
type Config struct {
	// MaxWorkers is the maximum number of concurrently executing units.
	// Default: 4
	MaxWorkers int

	// MaxRetries is how many times a failed unit is retried before its
	// error is surfaced. Zero means unset and falls back to the
	// default; pass NoRetries to disable retries. Default: 3
	MaxRetries int

	// RetryBase is the base backoff; the wait before retry n is
	// RetryBase * n, plus jitter. Default: 100ms
	RetryBase time.Duration

	// JitterFactor is the maximum jitter as a fraction of the backoff
	// (0-1). Default: 0.2
	JitterFactor float64

	// Retryable classifies errors. Default: gateway.IsRetryable.
	Retryable func(error) bool

	// Logger for dispatcher operations. Default: slog.Default()
	Logger *slog.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxWorkers:   4,
		MaxRetries:   3,
		RetryBase:    100 * time.Millisecond,
		JitterFactor: 0.2,
		Retryable:    gateway.IsRetryable,
		Logger:       slog.Default(),
	}
}

// applyDefaults fills in zero values with defaults.
func (c *Config) applyDefaults() {
	defaults := DefaultConfig()
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = defaults.MaxWorkers
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = defaults.MaxRetries
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = defaults.RetryBase
	}
	if c.Retryable == nil {
		c.Retryable = defaults.Retryable
	}
	if c.Logger == nil {
		c.Logger = defaults.Logger
	}
}

// Operation describes one tracked in-flight unit of work.
type Operation struct {
	// ID is a unique identifier assigned at submission.
	ID string

	// ScopeKey is the scope the unit operates on, for diagnostics.
	ScopeKey string

	// StartedAt is when the unit was accepted.
	StartedAt time.Time
}

// Future is the eventual result of a submitted unit.
type Future[T any] struct {
	done  chan struct{}
	value T
	err   error
}

// newResolvedFuture returns a future that already carries err.
func newResolvedFuture[T any](err error) *Future[T] {
	f := &Future[T]{done: make(chan struct{})}
	f.err = err
	close(f.done)
	return f
}

// Wait blocks until the unit finishes or ctx is cancelled.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Done returns a channel closed when the result is available.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Task is a unit of work. It receives the submission context and should
// respect cancellation.
type Task[T any] func(ctx context.Context) (T, error)

// Dispatcher runs tasks on a bounded pool with retry.
type Dispatcher struct {
	config Config
	logger *slog.Logger
	sem    chan struct{}

	mu       sync.Mutex
	inflight map[string]Operation
	closed   bool
	wg       sync.WaitGroup
}

// New creates a dispatcher with the given configuration.
func New(config Config) *Dispatcher {
	config.applyDefaults()
	return &Dispatcher{
		config:   config,
		logger:   config.Logger.With(slog.String("component", "dispatcher")),
		sem:      make(chan struct{}, config.MaxWorkers),
		inflight: make(map[string]Operation),
	}
}

// Submit schedules a task and returns its Future without blocking.
//
// # Description
//
// The task runs on one of MaxWorkers workers. On a retryable failure it
// is re-run after a backoff of RetryBase * attempt (with jitter), up to
// MaxRetries retries; the last error is then surfaced through the Future.
// Non-retryable errors surface immediately.
//
// # Inputs
//
//   - ctx: Context the task runs under. Cancelling it aborts waits
//     between retries and is observed by the task itself.
//   - d: The dispatcher.
//   - scopeKey: Scope the task operates on, recorded for drain logging.
//   - task: The unit of work.
//
// # Outputs
//
//   - *Future[T]: Resolves with the task result or its terminal error.
//     Resolves with ErrDispatcherClosed if the dispatcher is draining.
func Submit[T any](ctx context.Context, d *Dispatcher, scopeKey string, task Task[T]) *Future[T] {
	op := Operation{
		ID:        uuid.NewString(),
		ScopeKey:  scopeKey,
		StartedAt: time.Now(),
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return newResolvedFuture[T](ErrDispatcherClosed)
	}
	d.inflight[op.ID] = op
	d.wg.Add(1)
	d.mu.Unlock()

	f := &Future[T]{done: make(chan struct{})}

	go func() {
		defer func() {
			d.mu.Lock()
			delete(d.inflight, op.ID)
			d.mu.Unlock()
			d.wg.Done()
			close(f.done)
		}()

		select {
		case d.sem <- struct{}{}:
		case <-ctx.Done():
			f.err = ctx.Err()
			return
		}
		defer func() { <-d.sem }()

		f.value, f.err = runWithRetry(ctx, d, op, task)
	}()

	return f
}

// runWithRetry executes the task with the dispatcher's retry policy.
func runWithRetry[T any](ctx context.Context, d *Dispatcher, op Operation, task Task[T]) (T, error) {
	var zero T
	var lastErr error

	for attempt := 0; attempt <= d.config.MaxRetries; attempt++ {
		if attempt > 0 {
			wait := d.backoff(attempt)
			d.logger.Warn("retrying operation",
				slog.String("operation_id", op.ID),
				slog.String("scope", op.ScopeKey),
				slog.Int("attempt", attempt),
				slog.Int("max_retries", d.config.MaxRetries),
				slog.Duration("backoff", wait),
				slog.String("error", lastErr.Error()))

			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(wait):
			}
		}

		if err := ctx.Err(); err != nil {
			return zero, err
		}

		value, err := task(ctx)
		if err == nil {
			return value, nil
		}
		lastErr = err

		if !d.config.Retryable(err) {
			break
		}
	}

	return zero, lastErr
}

// backoff returns the wait before retry n: RetryBase * n with jitter.
func (d *Dispatcher) backoff(attempt int) time.Duration {
	base := d.config.RetryBase * time.Duration(attempt)
	if d.config.JitterFactor <= 0 {
		return base
	}
	jitter := (rand.Float64()*2 - 1) * d.config.JitterFactor
	wait := time.Duration(float64(base) * (1.0 + jitter))
	if wait < 0 {
		wait = base
	}
	return wait
}

// InFlight returns a snapshot of currently tracked operations.
func (d *Dispatcher) InFlight() []Operation {
	d.mu.Lock()
	defer d.mu.Unlock()
	ops := make([]Operation, 0, len(d.inflight))
	for _, op := range d.inflight {
		ops = append(ops, op)
	}
	return ops
}

// Drain stops accepting submissions and waits for in-flight work.
//
// # Description
//
// Drain does not abort running units. If any remain after timeout, their
// operation ids are logged at warning level and Drain returns false.
// Intended for process shutdown only.
//
// # Inputs
//
//   - timeout: Maximum time to wait.
//
// # Outputs
//
//   - bool: True if all in-flight operations finished in time.
func (d *Dispatcher) Drain(timeout time.Duration) bool {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		remaining := d.InFlight()
		ids := make([]string, 0, len(remaining))
		for _, op := range remaining {
			ids = append(ids, op.ID)
		}
		d.logger.Warn("drain timed out with operations still in flight",
			slog.Duration("timeout", timeout),
			slog.Int("remaining", len(ids)),
			slog.Any("operation_ids", ids))
		return false
	}
}
