// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package keylock provides per-scope mutual exclusion for memgate writes.
//
// # Description
//
// A Manager hands out one logical lock per scope key. Writers to the same
// scope serialize on that lock; unrelated scopes never block each other.
// Locks are reference-counted and garbage-collected once nobody holds or
// waits on them, so the lock table stays bounded by the number of active
// scopes rather than growing for the lifetime of the process.
//
// Reentrancy is handle-based: Acquire returns a Handle, and the holder may
// re-enter through that same Handle without deadlocking. Go goroutines
// carry no identity, so reentrancy cannot be tied to "the current thread";
// the handle is the unit of ownership.
//
// # Thread Safety
//
// All public methods are safe for concurrent use from multiple goroutines.
package keylock

import (
	"sync"
)

// Manager issues per-key locks on demand.
//
// The zero value is not usable; create one with NewManager.
type Manager struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

// keyLock is the shared lock state for one key.
type keyLock struct {
	mu sync.Mutex
	// refs counts holders plus waiters. Guarded by Manager.mu.
	// The entry is removed from the table only when refs reaches zero,
	// so a lock with a holder is never collected.
	refs int
}

// Handle represents one acquisition of a key's lock.
//
// A Handle may be re-entered by the code path that holds it; each Acquire
// on a held handle must be balanced by a Release. The final Release frees
// the underlying lock. Handles must not be shared across goroutines.
type Handle struct {
	manager *Manager
	lock    *keyLock
	key     string
	depth   int
}

// NewManager creates an empty lock manager.
func NewManager() *Manager {
	return &Manager{
		locks: make(map[string]*keyLock),
	}
}

// Acquire blocks until the lock for key is held and returns a Handle.
//
// # Description
//
// The same key always maps to the same underlying lock while any holder
// or waiter exists. Acquire cannot fail; contention simply blocks the
// caller.
//
// # Inputs
//
//   - key: The scope key to lock. The empty key is a valid (global) key.
//
// # Outputs
//
//   - *Handle: Held lock handle. Release it exactly once per Acquire.
func (m *Manager) Acquire(key string) *Handle {
	m.mu.Lock()
	kl, ok := m.locks[key]
	if !ok {
		kl = &keyLock{}
		m.locks[key] = kl
	}
	kl.refs++
	m.mu.Unlock()

	kl.mu.Lock()

	return &Handle{
		manager: m,
		lock:    kl,
		key:     key,
		depth:   1,
	}
}

// Len returns the number of keys currently tracked. Intended for tests
// and metrics.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}

// Acquire re-enters a held handle.
//
// The handle must currently be held. Each re-entry must be balanced by a
// Release; only the outermost Release frees the key's lock.
func (h *Handle) Acquire() {
	if h.depth <= 0 {
		panic("keylock: re-enter on released handle")
	}
	h.depth++
}

// Release releases one level of the handle.
//
// # Description
//
// Release always succeeds. The outermost Release unlocks the key and
// drops the reference; if no other holder or waiter remains, the key's
// entry is removed from the table.
func (h *Handle) Release() {
	if h.depth <= 0 {
		panic("keylock: release without acquire")
	}
	h.depth--
	if h.depth > 0 {
		return
	}

	h.lock.mu.Unlock()

	m := h.manager
	m.mu.Lock()
	h.lock.refs--
	if h.lock.refs == 0 {
		delete(m.locks, h.key)
	}
	m.mu.Unlock()
}

// Key returns the scope key this handle locks.
func (h *Handle) Key() string {
	return h.key
}
