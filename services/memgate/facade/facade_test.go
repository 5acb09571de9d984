// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package facade

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/memgate/services/memgate/dispatch"
	"github.com/AleutianAI/memgate/services/memgate/facts"
	"github.com/AleutianAI/memgate/services/memgate/gateway"
)

// trackingStore is an in-memory store that records write interleaving.
type trackingStore struct {
	mu       sync.Mutex
	docs     map[string]gateway.Document
	writeLog []string
	nextID   int
	writeErr error

	// failuresBeforeSuccess makes the first N writes fail retryably.
	failuresBeforeSuccess int
	writeCalls            int

	// writeHook, when set, runs before each successful write and may
	// inject an error. call is the 1-based write call number.
	writeHook func(call int, doc gateway.Document) error

	// writeDelay widens the race window for interleaving checks.
	writeDelay time.Duration

	// inProgress and overlap track multi-chunk write sequences per
	// scope: a sequence starting while another is open on the same
	// scope means the per-scope lock was not held.
	inProgress map[string]bool
	overlap    bool
}

func newTrackingStore() *trackingStore {
	return &trackingStore{
		docs:       make(map[string]gateway.Document),
		inProgress: make(map[string]bool),
	}
}

func (s *trackingStore) Write(ctx context.Context, doc gateway.Document) (string, error) {
	if s.writeDelay > 0 {
		time.Sleep(s.writeDelay)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeCalls++
	if s.writeCalls <= s.failuresBeforeSuccess {
		return "", gateway.ErrStoreUnavailable
	}
	if s.writeHook != nil {
		if err := s.writeHook(s.writeCalls, doc); err != nil {
			return "", err
		}
	}
	if s.writeErr != nil {
		return "", s.writeErr
	}
	s.trackSequence(doc)
	id := doc.ID
	if id == "" {
		s.nextID++
		id = fmt.Sprintf("doc-%d", s.nextID)
	}
	s.docs[id] = doc
	s.writeLog = append(s.writeLog, doc.Scope()+":"+doc.Content)
	return id, nil
}

// trackSequence flags a multi-chunk sequence opening on a scope that
// already has one open.
func (s *trackingStore) trackSequence(doc gateway.Document) {
	count, ok := doc.Metadata["chunk_count"].(int)
	if !ok || count < 2 {
		return
	}
	index, _ := doc.Metadata["chunk_index"].(int)
	scope := doc.Scope()
	switch index {
	case 0:
		if s.inProgress[scope] {
			s.overlap = true
		}
		s.inProgress[scope] = true
	case count - 1:
		s.inProgress[scope] = false
	}
}

func (s *trackingStore) Query(ctx context.Context, text string, f gateway.Filter, limit int) ([]gateway.RawMatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var matches []gateway.RawMatch
	for id, doc := range s.docs {
		if f.Scope != "" && doc.Scope() != f.Scope {
			continue
		}
		matches = append(matches, gateway.RawMatch{
			ID: id, Content: doc.Content, Metadata: doc.Metadata, BaseRelevance: 0.5,
		})
	}
	return matches, nil
}

func (s *trackingStore) Get(ctx context.Context, f gateway.Filter, limit int) ([]gateway.RawMatch, error) {
	return s.Query(ctx, "", f, limit)
}

func (s *trackingStore) Delete(ctx context.Context, ids []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, id := range ids {
		if _, ok := s.docs[id]; ok {
			delete(s.docs, id)
			count++
		}
	}
	return count, nil
}

func newTestFacade(t *testing.T, store gateway.Store, config Config) *Facade {
	t.Helper()
	f, err := NewFacade(store, config)
	require.NoError(t, err)
	t.Cleanup(func() { f.DrainAndClose(5 * time.Second) })
	return f
}

func TestStoreAsync_WritesDocument(t *testing.T) {
	store := newTrackingStore()
	f := newTestFacade(t, store, Config{})

	future, err := f.StoreAsync(context.Background(), "user-1", "we talked about guitars", map[string]any{"session": "s1"})
	require.NoError(t, err)

	ids, err := future.Wait(context.Background())
	require.NoError(t, err)
	require.Len(t, ids, 1)

	doc := store.docs[ids[0]]
	assert.Equal(t, "we talked about guitars", doc.Content)
	assert.Equal(t, "user-1", doc.Scope())
	assert.Equal(t, gateway.DocTypeConversation, doc.Type())
	assert.Equal(t, "s1", doc.Metadata["session"])
}

func TestStoreAsync_ValidationSynchronous(t *testing.T) {
	f := newTestFacade(t, newTrackingStore(), Config{})

	tests := []struct {
		name    string
		scope   string
		content string
	}{
		{"empty scope", "", "content"},
		{"blank scope", "   ", "content"},
		{"empty content", "user-1", ""},
		{"oversized content", "user-1", strings.Repeat("x", 70000)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			future, err := f.StoreAsync(context.Background(), tc.scope, tc.content, nil)
			require.Error(t, err)
			assert.True(t, errors.Is(err, gateway.ErrValidation))
			assert.Nil(t, future)
		})
	}
}

func TestStoreAsync_ChunksLongContent(t *testing.T) {
	store := newTrackingStore()
	f := newTestFacade(t, store, Config{ChunkSize: 100, ChunkOverlap: 10})

	var b strings.Builder
	for i := 0; i < 40; i++ {
		fmt.Fprintf(&b, "sentence number %d about the practice schedule. ", i)
	}
	future, err := f.StoreAsync(context.Background(), "user-1", b.String(), nil)
	require.NoError(t, err)

	ids, err := future.Wait(context.Background())
	require.NoError(t, err)
	require.Greater(t, len(ids), 1)

	first := store.docs[ids[0]]
	assert.Equal(t, 0, first.Metadata["chunk_index"])
	assert.Equal(t, len(ids), first.Metadata["chunk_count"])
}

func TestStoreAsync_RetriesTransientFailures(t *testing.T) {
	store := newTrackingStore()
	store.failuresBeforeSuccess = 2
	f := newTestFacade(t, store, Config{})

	future, err := f.StoreAsync(context.Background(), "user-1", "retried content", nil)
	require.NoError(t, err)

	ids, err := future.Wait(context.Background())
	require.NoError(t, err)
	assert.Len(t, ids, 1)
}

func TestStoreAsync_RetryDoesNotDuplicateChunks(t *testing.T) {
	store := newTrackingStore()
	failed := false
	store.writeHook = func(call int, doc gateway.Document) error {
		// Fail once, mid-sequence, after the first chunk has landed.
		if call == 2 && !failed {
			failed = true
			return gateway.ErrStoreUnavailable
		}
		return nil
	}
	f := newTestFacade(t, store, Config{ChunkSize: 100, ChunkOverlap: 10})

	var b strings.Builder
	for i := 0; i < 40; i++ {
		fmt.Fprintf(&b, "sentence number %d about the practice schedule. ", i)
	}
	future, err := f.StoreAsync(context.Background(), "user-1", b.String(), nil)
	require.NoError(t, err)

	ids, err := future.Wait(context.Background())
	require.NoError(t, err)
	require.Greater(t, len(ids), 2)

	// The retried write must not re-insert chunks that already landed,
	// and every returned id must resolve to exactly one document.
	assert.Len(t, store.docs, len(ids))
	assert.Len(t, store.writeLog, len(ids))
	for _, id := range ids {
		assert.Contains(t, store.docs, id)
	}
}

func TestStoreAsync_TerminalFailureFailsFuture(t *testing.T) {
	store := newTrackingStore()
	store.writeErr = gateway.ErrStoreUnavailable
	f := newTestFacade(t, store, Config{})

	future, err := f.StoreAsync(context.Background(), "user-1", "doomed", nil)
	require.NoError(t, err)

	ids, err := future.Wait(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, gateway.ErrStoreUnavailable))
	assert.Empty(t, ids)
}

func TestRetrieveAsync_FindsStoredContent(t *testing.T) {
	store := newTrackingStore()
	f := newTestFacade(t, store, Config{})

	stored, err := f.StoreAsync(context.Background(), "user-1", "guitar practice notes", nil)
	require.NoError(t, err)
	_, err = stored.Wait(context.Background())
	require.NoError(t, err)

	future, err := f.RetrieveAsync(context.Background(), "user-1", "guitar practice", 10)
	require.NoError(t, err)
	results, err := future.Wait(context.Background())
	require.NoError(t, err)

	require.NotEmpty(t, results)
	assert.Equal(t, "guitar practice notes", results[0].Document.Content)
}

func TestRetrieveAsync_ScopeIsolation(t *testing.T) {
	store := newTrackingStore()
	f := newTestFacade(t, store, Config{})

	for _, scope := range []string{"user-1", "user-2"} {
		future, err := f.StoreAsync(context.Background(), scope, "notes for "+scope, nil)
		require.NoError(t, err)
		_, err = future.Wait(context.Background())
		require.NoError(t, err)
	}

	future, err := f.RetrieveAsync(context.Background(), "user-1", "notes", 10)
	require.NoError(t, err)
	results, err := future.Wait(context.Background())
	require.NoError(t, err)

	for _, r := range results {
		assert.Equal(t, "user-1", r.Document.Scope())
	}
}

func TestRetrieveAsync_EmptyIsNotAnError(t *testing.T) {
	f := newTestFacade(t, newTrackingStore(), Config{})

	future, err := f.RetrieveAsync(context.Background(), "user-1", "nothing stored yet", 10)
	require.NoError(t, err)

	results, err := future.Wait(context.Background())
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestStoreFactAsync_CuratesThroughOracle(t *testing.T) {
	store := newTrackingStore()
	oracle := oracleFunc(func(ctx context.Context, text string) ([]facts.CandidateFact, error) {
		return []facts.CandidateFact{
			{Text: "favorite color is blue", Category: "preference", Confidence: 0.9},
		}, nil
	})
	f := newTestFacade(t, store, Config{Oracle: oracle})

	future, err := f.StoreFactAsync(context.Background(), "user-1", "My favorite color is blue")
	require.NoError(t, err)

	curated, err := future.Wait(context.Background())
	require.NoError(t, err)
	require.Len(t, curated, 1)
	assert.Equal(t, "favorite color is blue", curated[0].Text)
	assert.NotEmpty(t, curated[0].DocumentID)
}

func TestStoreFactAsync_NoOracleResolvesEmpty(t *testing.T) {
	f := newTestFacade(t, newTrackingStore(), Config{})

	future, err := f.StoreFactAsync(context.Background(), "user-1", "My favorite color is blue")
	require.NoError(t, err)

	curated, err := future.Wait(context.Background())
	require.NoError(t, err)
	assert.Empty(t, curated)
}

func TestDeleteScopeAsync_RemovesOnlyScope(t *testing.T) {
	store := newTrackingStore()
	f := newTestFacade(t, store, Config{})

	for _, scope := range []string{"user-1", "user-1", "user-2"} {
		future, err := f.StoreAsync(context.Background(), scope, "content for "+scope, nil)
		require.NoError(t, err)
		_, err = future.Wait(context.Background())
		require.NoError(t, err)
	}

	future, err := f.DeleteScopeAsync(context.Background(), "user-1")
	require.NoError(t, err)
	count, err := future.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	remaining, err := store.Get(context.Background(), gateway.Filter{Scope: "user-2"}, 10)
	require.NoError(t, err)
	assert.Len(t, remaining, 1)
}

func TestDeleteScopeAsync_AllowsFactsToReturn(t *testing.T) {
	store := newTrackingStore()
	oracle := oracleFunc(func(ctx context.Context, text string) ([]facts.CandidateFact, error) {
		return []facts.CandidateFact{
			{Text: "favorite color is blue", Category: "preference", Confidence: 0.9},
		}, nil
	})
	f := newTestFacade(t, store, Config{Oracle: oracle})

	first, err := f.StoreFactAsync(context.Background(), "user-1", "My favorite color is blue")
	require.NoError(t, err)
	curated, err := first.Wait(context.Background())
	require.NoError(t, err)
	require.Len(t, curated, 1)

	deleted, err := f.DeleteScopeAsync(context.Background(), "user-1")
	require.NoError(t, err)
	count, err := deleted.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, count)

	// The dedup cache must not outlive the scope's documents; the same
	// fact stored after the wipe is new, not a duplicate.
	again, err := f.StoreFactAsync(context.Background(), "user-1", "My favorite color is blue")
	require.NoError(t, err)
	curated, err = again.Wait(context.Background())
	require.NoError(t, err)
	assert.Len(t, curated, 1)
}

func TestWrites_SerializedPerScope(t *testing.T) {
	store := newTrackingStore()
	store.writeDelay = time.Millisecond
	f := newTestFacade(t, store, Config{ChunkSize: 80, ChunkOverlap: 5})

	// Many concurrent multi-chunk writes to one scope. The store flags
	// a chunk sequence that opens while another is still in flight on
	// the same scope, so interleaved writes fail the test even when
	// every write eventually lands.
	const n = 20
	var b strings.Builder
	for i := 0; i < 8; i++ {
		fmt.Fprintf(&b, "part %d of a long conversation turn worth chunking. ", i)
	}
	content := b.String()

	futures := make([]*dispatch.Future[[]string], 0, n)
	for i := 0; i < n; i++ {
		future, err := f.StoreAsync(context.Background(), "user-1", content, nil)
		require.NoError(t, err)
		futures = append(futures, future)
	}

	total := 0
	for _, fut := range futures {
		ids, err := fut.Wait(context.Background())
		require.NoError(t, err)
		require.Greater(t, len(ids), 1, "content did not chunk; the test needs multi-chunk writes")
		total += len(ids)
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.False(t, store.overlap, "chunk sequences from one scope interleaved")
	assert.Len(t, store.writeLog, total)
}

func TestDrainAndClose(t *testing.T) {
	store := newTrackingStore()
	f, err := NewFacade(store, Config{})
	require.NoError(t, err)

	future, err := f.StoreAsync(context.Background(), "user-1", "final message", nil)
	require.NoError(t, err)

	assert.True(t, f.DrainAndClose(5*time.Second))
	_, err = future.Wait(context.Background())
	assert.NoError(t, err)

	// Closed facade rejects new work through the dispatcher.
	rejected, err := f.StoreAsync(context.Background(), "user-1", "too late", nil)
	require.NoError(t, err)
	_, err = rejected.Wait(context.Background())
	assert.Error(t, err)
}

func TestNewFacade_Validation(t *testing.T) {
	_, err := NewFacade(nil, Config{})
	assert.Error(t, err)

	_, err = NewFacade(newTrackingStore(), Config{Strategy: "bogus"})
	assert.Error(t, err)
}

// oracleFunc adapts a function to the facts.Oracle interface.
type oracleFunc func(ctx context.Context, text string) ([]facts.CandidateFact, error)

func (f oracleFunc) ExtractFacts(ctx context.Context, text string) ([]facts.CandidateFact, error) {
	return f(ctx, text)
}
