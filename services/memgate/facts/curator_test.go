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
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/memgate/services/memgate/gateway"
)

// stubOracle returns fixed candidates.
type stubOracle struct {
	candidates []CandidateFact
	err        error
}

func (o *stubOracle) ExtractFacts(ctx context.Context, text string) ([]CandidateFact, error) {
	return o.candidates, o.err
}

// memStore records writes and serves existing facts for Get.
type memStore struct {
	mu       sync.Mutex
	existing []gateway.RawMatch
	written  []gateway.Document
	writeErr error
	getErr   error
	nextID   int
}

func (s *memStore) Write(ctx context.Context, doc gateway.Document) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return "", s.writeErr
	}
	s.nextID++
	s.written = append(s.written, doc)
	return fmt.Sprintf("doc-%d", s.nextID), nil
}

func (s *memStore) Query(ctx context.Context, text string, f gateway.Filter, limit int) ([]gateway.RawMatch, error) {
	return nil, nil
}

func (s *memStore) Get(ctx context.Context, f gateway.Filter, limit int) ([]gateway.RawMatch, error) {
	if s.getErr != nil {
		return nil, s.getErr
	}
	return s.existing, nil
}

func (s *memStore) Delete(ctx context.Context, ids []string) (int, error) {
	return 0, nil
}

func (s *memStore) writtenDocs() []gateway.Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]gateway.Document(nil), s.written...)
}

func TestCurate_AcceptsDurableSupportedFact(t *testing.T) {
	store := &memStore{}
	oracle := &stubOracle{candidates: []CandidateFact{
		{Text: "favorite color is blue", Category: "preference", Confidence: 0.9},
	}}
	c := NewCurator(store, oracle, nil, CuratorConfig{})

	facts, err := c.Curate(context.Background(), "user-1", "My favorite color is blue")

	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.Equal(t, "favorite color is blue", facts[0].Text)
	assert.Equal(t, "user-1", facts[0].Scope)
	assert.Equal(t, "doc-1", facts[0].DocumentID)

	docs := store.writtenDocs()
	require.Len(t, docs, 1)
	assert.Equal(t, gateway.DocTypeFact, docs[0].Metadata["type"])
	assert.Equal(t, "user-1", docs[0].Metadata["scope"])
	assert.Equal(t, "My favorite color is blue", docs[0].Metadata["source_excerpt"])
}

func TestCurate_RejectsTransientFirstPerson(t *testing.T) {
	store := &memStore{}
	oracle := &stubOracle{candidates: []CandidateFact{
		{Text: "I am feeling happy right now", Category: "mood", Confidence: 0.9},
	}}
	c := NewCurator(store, oracle, nil, CuratorConfig{})

	facts, err := c.Curate(context.Background(), "user-1", "I am feeling happy right now")

	require.NoError(t, err)
	assert.Empty(t, facts)
	assert.Empty(t, store.writtenDocs())
}

func TestCurate_Filters(t *testing.T) {
	source := "the user plays bass guitar in a jazz band on weekends"
	tests := []struct {
		name string
		cand CandidateFact
		want bool
	}{
		{"too short", CandidateFact{Text: "ok", Confidence: 0.9}, false},
		{"first person lead", CandidateFact{Text: "my band plays jazz", Confidence: 0.9}, false},
		{"transient marker", CandidateFact{Text: "plays guitar currently", Confidence: 0.9}, false},
		{"unsupported invention", CandidateFact{Text: "owns three vintage saxophones", Confidence: 0.9}, false},
		{"low confidence", CandidateFact{Text: "plays bass guitar", Confidence: 0.5}, false},
		{"supported and durable", CandidateFact{Text: "plays bass guitar in jazz band", Confidence: 0.8}, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			store := &memStore{}
			oracle := &stubOracle{candidates: []CandidateFact{tc.cand}}
			c := NewCurator(store, oracle, nil, CuratorConfig{})

			facts, err := c.Curate(context.Background(), "user-1", source)

			require.NoError(t, err)
			if tc.want {
				assert.Len(t, facts, 1)
			} else {
				assert.Empty(t, facts)
			}
		})
	}
}

func TestCurate_SupportFilterHalfRule(t *testing.T) {
	// Five significant words, two supported by the source: below the
	// ceil(5/2)=3 floor.
	store := &memStore{}
	oracle := &stubOracle{candidates: []CandidateFact{
		{Text: "enjoys hiking sailing painting pottery", Confidence: 0.9},
	}}
	c := NewCurator(store, oracle, nil, CuratorConfig{})

	facts, err := c.Curate(context.Background(), "user-1", "the user enjoys hiking every summer")

	require.NoError(t, err)
	assert.Empty(t, facts)
}

func TestCurate_DedupAgainstStoredFacts(t *testing.T) {
	store := &memStore{existing: []gateway.RawMatch{
		{ID: "old", Content: "favorite color is blue"},
	}}
	oracle := &stubOracle{candidates: []CandidateFact{
		{Text: "favorite color is blue", Confidence: 0.9},
	}}
	c := NewCurator(store, oracle, nil, CuratorConfig{})

	facts, err := c.Curate(context.Background(), "user-1", "my favorite color is blue")

	require.NoError(t, err)
	assert.Empty(t, facts)
	assert.Empty(t, store.writtenDocs())
}

func TestCurate_DedupIdempotentWithinBatch(t *testing.T) {
	store := &memStore{}
	oracle := &stubOracle{candidates: []CandidateFact{
		{Text: "favorite color is blue", Confidence: 0.9},
		{Text: "favorite color is blue", Confidence: 0.9},
	}}
	c := NewCurator(store, oracle, nil, CuratorConfig{})

	facts, err := c.Curate(context.Background(), "user-1", "my favorite color is blue")

	require.NoError(t, err)
	assert.Len(t, facts, 1)
	assert.Len(t, store.writtenDocs(), 1)
}

func TestCurate_DedupIdempotentAcrossCalls(t *testing.T) {
	// The second call sees the first call's fact through the cache even
	// though the fake store never serves it back.
	store := &memStore{}
	oracle := &stubOracle{candidates: []CandidateFact{
		{Text: "favorite color is blue", Confidence: 0.9},
	}}
	c := NewCurator(store, oracle, nil, CuratorConfig{})

	first, err := c.Curate(context.Background(), "user-1", "my favorite color is blue")
	require.NoError(t, err)
	require.Len(t, first, 1)

	second, err := c.Curate(context.Background(), "user-1", "my favorite color is blue")
	require.NoError(t, err)
	assert.Empty(t, second)
	assert.Len(t, store.writtenDocs(), 1)
}

func TestCurate_InvalidateResetsDedup(t *testing.T) {
	// Once the scope's documents are gone, Invalidate must let the same
	// fact in again instead of tripping the cached dedup entry.
	store := &memStore{}
	oracle := &stubOracle{candidates: []CandidateFact{
		{Text: "favorite color is blue", Confidence: 0.9},
	}}
	c := NewCurator(store, oracle, nil, CuratorConfig{})

	first, err := c.Curate(context.Background(), "user-1", "my favorite color is blue")
	require.NoError(t, err)
	require.Len(t, first, 1)

	c.Invalidate("user-1")

	second, err := c.Curate(context.Background(), "user-1", "my favorite color is blue")
	require.NoError(t, err)
	assert.Len(t, second, 1)
}

func TestCurate_GlobalScopeStricter(t *testing.T) {
	oracle := &stubOracle{candidates: []CandidateFact{
		{Text: "favorite color is blue", Confidence: 0.65},
	}}

	t.Run("user scope accepts 0.65", func(t *testing.T) {
		store := &memStore{}
		c := NewCurator(store, oracle, nil, CuratorConfig{})
		facts, err := c.Curate(context.Background(), "user-1", "my favorite color is blue")
		require.NoError(t, err)
		assert.Len(t, facts, 1)
	})

	t.Run("global scope rejects 0.65", func(t *testing.T) {
		store := &memStore{}
		c := NewCurator(store, oracle, nil, CuratorConfig{})
		facts, err := c.Curate(context.Background(), gateway.GlobalScope, "my favorite color is blue")
		require.NoError(t, err)
		assert.Empty(t, facts)
	})
}

func TestCurate_NilOracleNoOp(t *testing.T) {
	store := &memStore{}
	c := NewCurator(store, nil, nil, CuratorConfig{})

	facts, err := c.Curate(context.Background(), "user-1", "my favorite color is blue")

	require.NoError(t, err)
	assert.Empty(t, facts)
}

func TestCurate_OracleFailureIsNotAnError(t *testing.T) {
	store := &memStore{}
	oracle := &stubOracle{err: ErrOracleUnavailable}
	c := NewCurator(store, oracle, nil, CuratorConfig{})

	facts, err := c.Curate(context.Background(), "user-1", "my favorite color is blue")

	require.NoError(t, err)
	assert.Empty(t, facts)
}

func TestCurate_WriteFailurePropagates(t *testing.T) {
	store := &memStore{writeErr: gateway.ErrStoreUnavailable}
	oracle := &stubOracle{candidates: []CandidateFact{
		{Text: "favorite color is blue", Confidence: 0.9},
	}}
	c := NewCurator(store, oracle, nil, CuratorConfig{})

	facts, err := c.Curate(context.Background(), "user-1", "my favorite color is blue")

	require.Error(t, err)
	assert.True(t, errors.Is(err, gateway.ErrStoreUnavailable))
	assert.Empty(t, facts)
}

func TestCurate_GetFailureDegradesDedup(t *testing.T) {
	// Dedup can't see stored facts, but curation still proceeds.
	store := &memStore{getErr: gateway.ErrStoreUnavailable}
	oracle := &stubOracle{candidates: []CandidateFact{
		{Text: "favorite color is blue", Confidence: 0.9},
	}}
	c := NewCurator(store, oracle, nil, CuratorConfig{})

	facts, err := c.Curate(context.Background(), "user-1", "my favorite color is blue")

	require.NoError(t, err)
	assert.Len(t, facts, 1)
}

func TestScopeCache_EvictsLeastRecentlyUsed(t *testing.T) {
	cache := newScopeCache(2)
	cache.put("a", []CuratedFact{{Text: "alpha fact"}})
	cache.put("b", []CuratedFact{{Text: "bravo fact"}})

	// Touch "a" so "b" becomes the eviction candidate.
	_, ok := cache.tokenSets("a")
	require.True(t, ok)

	cache.put("c", []CuratedFact{{Text: "charlie fact"}})

	assert.Equal(t, 2, cache.Len())
	_, ok = cache.tokenSets("b")
	assert.False(t, ok)
	_, ok = cache.tokenSets("a")
	assert.True(t, ok)
	_, ok = cache.tokenSets("c")
	assert.True(t, ok)
}

func TestParseCandidates_CodeFence(t *testing.T) {
	raw := "```json\n[{\"text\":\"likes jazz\",\"category\":\"preference\",\"confidence\":0.8}]\n```"

	candidates, err := parseCandidates(raw)

	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, "likes jazz", candidates[0].Text)
}

func TestParseCandidates_Malformed(t *testing.T) {
	_, err := parseCandidates("not json at all")
	assert.Error(t, err)
}
