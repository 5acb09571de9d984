// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package weaviate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ErrCircuitOpen is returned while the breaker blocks backend requests.
// It is deliberately not a gateway.ErrStoreUnavailable: the dispatcher
// must not burn its retry budget against an open circuit.
var ErrCircuitOpen = errors.New("circuit breaker open, backend requests blocked")

// State of the backend connection.
type State int32

const (
	// StateConnected is normal operation.
	StateConnected State = iota
	// StateDegraded means the backend is unreachable but requests are
	// still attempted.
	StateDegraded
	// StateCircuitOpen blocks all requests until the cooldown expires.
	StateCircuitOpen
	// StateHalfOpen admits a single probe request.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateDegraded:
		return "degraded"
	case StateCircuitOpen:
		return "circuit_open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes the failure window and health probing.
type BreakerConfig struct {
	// Threshold opens the circuit once this many failures land inside
	// Window. Default 5.
	Threshold int

	// Window is the sliding failure window. Default 30s.
	Window time.Duration

	// Cooldown keeps the circuit open before half-opening. Default 30s.
	Cooldown time.Duration

	// HealthInterval spaces health probes while connected. Default 10s.
	HealthInterval time.Duration

	// DegradedInterval spaces health probes while unhealthy. Default 5s.
	DegradedInterval time.Duration

	// ProbeTimeout bounds each health probe. Default 5s.
	ProbeTimeout time.Duration
}

func (c *BreakerConfig) applyDefaults() {
	if c.Threshold <= 0 {
		c.Threshold = 5
	}
	if c.Window <= 0 {
		c.Window = 30 * time.Second
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = 10 * time.Second
	}
	if c.DegradedInterval <= 0 {
		c.DegradedInterval = 5 * time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 5 * time.Second
	}
}

func (c *BreakerConfig) validate() error {
	if c.Threshold < 1 {
		return fmt.Errorf("breaker threshold must be at least 1")
	}
	if c.Window <= 0 || c.Cooldown <= 0 {
		return fmt.Errorf("breaker window and cooldown must be positive")
	}
	return nil
}

// breaker tracks backend failures in a sliding window, opens the circuit
// at the threshold, and probes health in the background.
type breaker struct {
	config BreakerConfig
	logger *slog.Logger
	probe  func(context.Context) error

	// onConnect fires on any transition into StateConnected. Set before
	// start; must not block.
	onConnect func()

	current    atomic.Int32
	openedAt   atomic.Int64
	probing    atomic.Bool
	mu         sync.Mutex
	failures   []time.Time
	failureIdx int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newBreaker(config BreakerConfig, logger *slog.Logger, probe func(context.Context) error) *breaker {
	config.applyDefaults()
	b := &breaker{
		config:   config,
		logger:   logger,
		probe:    probe,
		failures: make([]time.Time, config.Threshold),
	}
	b.current.Store(int32(StateDegraded))
	return b
}

// execute runs fn if the circuit admits it and records the outcome.
func (b *breaker) execute(ctx context.Context, fn func() error) error {
	switch b.state() {
	case StateCircuitOpen:
		if !b.cooldownExpired() {
			return ErrCircuitOpen
		}
		b.transition(StateHalfOpen)
		fallthrough
	case StateHalfOpen:
		// A single probe request at a time while half-open.
		if !b.probing.CompareAndSwap(false, true) {
			return ErrCircuitOpen
		}
		defer b.probing.Store(false)
	}

	err := fn()
	if err != nil {
		if ctx.Err() == nil {
			b.recordFailure()
		}
		return err
	}
	b.markHealthy()
	return nil
}

func (b *breaker) state() State {
	return State(b.current.Load())
}

// markHealthy resets the failure window and closes the circuit.
func (b *breaker) markHealthy() {
	b.mu.Lock()
	for i := range b.failures {
		b.failures[i] = time.Time{}
	}
	b.failureIdx = 0
	b.mu.Unlock()
	b.transition(StateConnected)
}

// recordFailure appends to the window and opens the circuit once every
// slot holds a failure newer than the window.
func (b *breaker) recordFailure() {
	now := time.Now()

	b.mu.Lock()
	b.failures[b.failureIdx] = now
	b.failureIdx = (b.failureIdx + 1) % len(b.failures)

	tripped := true
	for _, ts := range b.failures {
		if ts.IsZero() || now.Sub(ts) > b.config.Window {
			tripped = false
			break
		}
	}
	b.mu.Unlock()

	if tripped {
		b.openedAt.Store(now.UnixNano())
		b.transition(StateCircuitOpen)
	} else if b.state() == StateConnected || b.state() == StateHalfOpen {
		b.transition(StateDegraded)
	}
}

func (b *breaker) cooldownExpired() bool {
	opened := b.openedAt.Load()
	return opened > 0 && time.Since(time.Unix(0, opened)) >= b.config.Cooldown
}

func (b *breaker) transition(next State) {
	prev := State(b.current.Swap(int32(next)))
	if prev == next {
		return
	}
	b.logger.Info("backend state transition",
		slog.String("from", prev.String()),
		slog.String("to", next.String()))
	if next == StateConnected && b.onConnect != nil {
		b.onConnect()
	}
}

// start launches the background health loop. stop cancels it and waits.
func (b *breaker) start() {
	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.wg.Add(1)
	go b.run(ctx)
}

func (b *breaker) stop() {
	if b.cancel != nil {
		b.cancel()
		b.wg.Wait()
	}
}

func (b *breaker) run(ctx context.Context) {
	defer b.wg.Done()

	for {
		interval := b.config.HealthInterval
		if b.state() != StateConnected {
			interval = b.config.DegradedInterval
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}

		probeCtx, cancel := context.WithTimeout(ctx, b.config.ProbeTimeout)
		err := b.probe(probeCtx)
		cancel()

		switch {
		case err == nil:
			if b.state() != StateConnected {
				b.logger.Info("backend recovered")
			}
			b.markHealthy()
		case b.state() == StateConnected:
			b.logger.Warn("backend health probe failed",
				slog.String("error", err.Error()))
			b.transition(StateDegraded)
		}
	}
}

// isCircuitOpen reports whether err originates from the breaker.
func isCircuitOpen(err error) bool {
	return errors.Is(err, ErrCircuitOpen)
}
