// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"store unavailable", ErrStoreUnavailable, true},
		{"wrapped store unavailable", fmt.Errorf("write chunk 2: %w", ErrStoreUnavailable), true},
		{"validation", ErrValidation, false},
		{"wrapped validation", fmt.Errorf("scope: %w", ErrValidation), false},
		{"not found", ErrNotFound, false},
		{"store closed", ErrStoreClosed, false},
		{"context canceled", context.Canceled, false},
		{"deadline exceeded", context.DeadlineExceeded, true},
		{"net op error", &net.OpError{Op: "dial", Err: errors.New("connection refused")}, true},
		{"unknown error", errors.New("something else"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestIsRetryable_ValidationWinsOverUnavailable(t *testing.T) {
	// A chain carrying both sentinels is terminal: the input was bad
	// regardless of backend state.
	err := fmt.Errorf("%w: %w", ErrValidation, ErrStoreUnavailable)
	assert.False(t, IsRetryable(err))
}
