// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package facts

import (
	"container/list"
	"sync"
)

// scopeCache keeps each scope's known facts (and their token sets) so
// repeated curation calls skip the store round-trip. Bounded by scope
// count with least-recently-used eviction; an evicted scope is simply
// reloaded from the store on next use.
type scopeCache struct {
	mu      sync.Mutex
	maxSize int
	order   *list.List // front = most recently used
	entries map[string]*list.Element
}

type cacheEntry struct {
	scope  string
	facts  []CuratedFact
	tokens []map[string]bool
}

func newScopeCache(maxSize int) *scopeCache {
	return &scopeCache{
		maxSize: maxSize,
		order:   list.New(),
		entries: make(map[string]*list.Element, maxSize),
	}
}

// tokenSets returns the cached token sets for the scope, marking it
// recently used. The second return is false on a miss.
func (c *scopeCache) tokenSets(scope string) ([]map[string]bool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[scope]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(elem)

	entry := elem.Value.(*cacheEntry)
	out := make([]map[string]bool, len(entry.tokens))
	copy(out, entry.tokens)
	return out, true
}

// put replaces the scope's cached facts.
func (c *scopeCache) put(scope string, facts []CuratedFact) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.putLocked(scope, facts)
}

// extend appends newly accepted facts to the scope's entry, loading it
// into the cache if absent.
func (c *scopeCache) extend(scope string, facts []CuratedFact) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[scope]
	if !ok {
		c.putLocked(scope, facts)
		return
	}
	c.order.MoveToFront(elem)

	entry := elem.Value.(*cacheEntry)
	for _, f := range facts {
		entry.facts = append(entry.facts, f)
		entry.tokens = append(entry.tokens, tokenSet(f.Text))
	}
}

// drop removes the scope's entry, if any.
func (c *scopeCache) drop(scope string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[scope]; ok {
		c.order.Remove(elem)
		delete(c.entries, scope)
	}
}

// Len reports the number of cached scopes.
func (c *scopeCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *scopeCache) putLocked(scope string, facts []CuratedFact) {
	if elem, ok := c.entries[scope]; ok {
		c.order.Remove(elem)
		delete(c.entries, scope)
	}

	tokens := make([]map[string]bool, len(facts))
	for i, f := range facts {
		tokens[i] = tokenSet(f.Text)
	}
	c.entries[scope] = c.order.PushFront(&cacheEntry{
		scope:  scope,
		facts:  facts,
		tokens: tokens,
	})

	for len(c.entries) > c.maxSize {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).scope)
	}
}
