// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package gateway

import (
	"context"
	"errors"
	"net"
)

var (
	// ErrStoreUnavailable is returned when the backing store cannot be
	// reached. Writes wrapped in this error are retried by the dispatcher.
	ErrStoreUnavailable = errors.New("store is not available")

	// ErrValidation is returned for bad input (empty content, oversized
	// text, invalid scope key). Never retried.
	ErrValidation = errors.New("invalid input")

	// ErrNotFound is returned when a Get or Delete targets an id the
	// store does not hold.
	ErrNotFound = errors.New("document not found")

	// ErrStoreClosed is returned for operations on a closed store.
	ErrStoreClosed = errors.New("store is closed")
)

// IsRetryable reports whether an operation that failed with err is worth
// retrying. Validation failures and context cancellation are terminal;
// transport-level failures are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrValidation) || errors.Is(err, ErrNotFound) || errors.Is(err, ErrStoreClosed) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, ErrStoreUnavailable) {
		return true
	}

	// Connection errors: the server might be starting or restarting.
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}

	return false
}
