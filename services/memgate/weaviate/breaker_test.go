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
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/memgate/services/memgate/gateway"
)

func testBreaker(t *testing.T, config BreakerConfig) *breaker {
	t.Helper()
	return newBreaker(config, slog.Default(), func(ctx context.Context) error {
		return errors.New("probe not wired in tests")
	})
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b := testBreaker(t, BreakerConfig{Threshold: 3, Window: time.Minute})
	b.markHealthy()

	failing := func() error { return errors.New("backend down") }
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.Error(t, b.execute(ctx, failing))
	}
	assert.Equal(t, StateCircuitOpen, b.state())

	// Further requests are blocked without invoking fn.
	called := false
	err := b.execute(ctx, func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
}

func TestBreaker_SuccessResetsWindow(t *testing.T) {
	b := testBreaker(t, BreakerConfig{Threshold: 3, Window: time.Minute})
	b.markHealthy()
	ctx := context.Background()

	failing := func() error { return errors.New("backend down") }
	require.Error(t, b.execute(ctx, failing))
	require.Error(t, b.execute(ctx, failing))
	require.NoError(t, b.execute(ctx, func() error { return nil }))

	// The reset means two more failures are not enough to trip.
	require.Error(t, b.execute(ctx, failing))
	require.Error(t, b.execute(ctx, failing))
	assert.NotEqual(t, StateCircuitOpen, b.state())
}

func TestBreaker_HalfOpenAfterCooldown(t *testing.T) {
	b := testBreaker(t, BreakerConfig{
		Threshold: 1,
		Window:    time.Minute,
		Cooldown:  10 * time.Millisecond,
	})
	b.markHealthy()
	ctx := context.Background()

	require.Error(t, b.execute(ctx, func() error { return errors.New("down") }))
	require.Equal(t, StateCircuitOpen, b.state())

	time.Sleep(20 * time.Millisecond)

	// First request after cooldown probes the backend; success closes
	// the circuit.
	err := b.execute(ctx, func() error { return nil })
	require.NoError(t, err)
	assert.Equal(t, StateConnected, b.state())
}

func TestBreaker_OnConnectFiresOnRecovery(t *testing.T) {
	b := testBreaker(t, BreakerConfig{Threshold: 3, Window: time.Minute})
	fired := 0
	b.onConnect = func() { fired++ }
	ctx := context.Background()

	b.markHealthy()
	assert.Equal(t, 1, fired)

	// Staying connected does not re-fire.
	require.NoError(t, b.execute(ctx, func() error { return nil }))
	assert.Equal(t, 1, fired)

	// Degrading and recovering fires again.
	require.Error(t, b.execute(ctx, func() error { return errors.New("down") }))
	require.Equal(t, StateDegraded, b.state())
	b.markHealthy()
	assert.Equal(t, 2, fired)
}

func TestBreaker_ContextCancellationNotCounted(t *testing.T) {
	b := testBreaker(t, BreakerConfig{Threshold: 1, Window: time.Minute})
	b.markHealthy()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = b.execute(ctx, func() error { return ctx.Err() })

	assert.NotEqual(t, StateCircuitOpen, b.state())
}

func TestWrapUnavailable(t *testing.T) {
	t.Run("backend error becomes retryable", func(t *testing.T) {
		err := wrapUnavailable("writing", errors.New("connection refused"))
		assert.ErrorIs(t, err, gateway.ErrStoreUnavailable)
		assert.True(t, gateway.IsRetryable(err))
	})

	t.Run("circuit open is not retryable", func(t *testing.T) {
		err := wrapUnavailable("writing", ErrCircuitOpen)
		assert.ErrorIs(t, err, ErrCircuitOpen)
		assert.False(t, gateway.IsRetryable(err))
	})

	t.Run("cancellation passes through", func(t *testing.T) {
		err := wrapUnavailable("writing", context.Canceled)
		assert.ErrorIs(t, err, context.Canceled)
		assert.False(t, gateway.IsRetryable(err))
	})

	t.Run("nil stays nil", func(t *testing.T) {
		assert.NoError(t, wrapUnavailable("writing", nil))
	})
}

func TestSplitURL(t *testing.T) {
	tests := []struct {
		url    string
		scheme string
		host   string
	}{
		{"http://localhost:8080", "http", "localhost:8080"},
		{"https://weaviate.internal:443", "https", "weaviate.internal:443"},
		{"localhost:8080", "http", "localhost:8080"},
	}
	for _, tc := range tests {
		scheme, host := splitURL(tc.url)
		assert.Equal(t, tc.scheme, scheme)
		assert.Equal(t, tc.host, host)
	}
}
