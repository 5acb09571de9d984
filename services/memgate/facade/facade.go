// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package facade is the public entry point of the memory gate: async
// store/retrieve/fact operations over a shared store, with per-scope
// write serialization and a bounded worker pool behind them.
package facade

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tmc/langchaingo/textsplitter"

	"github.com/AleutianAI/memgate/services/memgate/classify"
	"github.com/AleutianAI/memgate/services/memgate/dispatch"
	"github.com/AleutianAI/memgate/services/memgate/facts"
	"github.com/AleutianAI/memgate/services/memgate/gateway"
	"github.com/AleutianAI/memgate/services/memgate/keylock"
	"github.com/AleutianAI/memgate/services/memgate/query"
	"github.com/AleutianAI/memgate/services/memgate/retrieval"
)

// RetrievalStrategy selects how RetrieveAsync searches the store. Chosen
// at construction; never switched at runtime.
type RetrievalStrategy string

const (
	// StrategyMultiQuery decomposes each request into weighted
	// sub-queries and merges their results. The default.
	StrategyMultiQuery RetrievalStrategy = "multi_query"

	// StrategyBasic issues a single normalized query.
	StrategyBasic RetrievalStrategy = "basic"
)

// Config assembles the facade's collaborators and limits.
type Config struct {
	// Strategy selects the retrieval pipeline. Default StrategyMultiQuery.
	Strategy RetrievalStrategy

	// Oracle extracts candidate facts. May be nil; StoreFactAsync then
	// resolves to an empty list.
	Oracle facts.Oracle

	// Classifier backs decomposition, boosts, and fact filtering.
	// nil gets the built-in tables.
	Classifier *classify.Classifier

	// Dispatch tunes the worker pool and retry policy.
	Dispatch dispatch.Config

	// Retrieval tunes the multi-query strategy.
	Retrieval retrieval.Config

	// Curator tunes fact filtering thresholds.
	Curator facts.CuratorConfig

	// MaxContentBytes rejects store requests above this size before
	// chunking. Default 65536.
	MaxContentBytes int

	// ChunkSize splits oversized conversation content into documents
	// of roughly this many characters. Default 1000.
	ChunkSize int

	// ChunkOverlap is the character overlap between adjacent chunks.
	// Default 100.
	ChunkOverlap int

	// DeleteBatchLimit bounds how many documents one scope delete can
	// collect. Default 10000.
	DeleteBatchLimit int

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.Strategy == "" {
		c.Strategy = StrategyMultiQuery
	}
	if c.Classifier == nil {
		c.Classifier = classify.Default()
	}
	if c.MaxContentBytes <= 0 {
		c.MaxContentBytes = 65536
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = 1000
	}
	if c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkSize {
		c.ChunkOverlap = 100
	}
	if c.DeleteBatchLimit <= 0 {
		c.DeleteBatchLimit = 10000
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Facade coordinates locks, dispatch, retrieval, and curation over one
// shared store.
//
// # Thread Safety
//
// Safe for concurrent use. Writes to the same scope are serialized;
// reads never take the scope lock.
type Facade struct {
	store      gateway.Store
	locks      *keylock.Manager
	dispatcher *dispatch.Dispatcher
	strategy   retrieval.Strategy
	curator    *facts.Curator
	splitter   textsplitter.TextSplitter
	config     Config
}

// NewFacade wires the facade.
//
// # Inputs
//
//   - store: Backend gateway. Must not be nil.
//   - config: Collaborators and limits; zero values get defaults.
//
// # Outputs
//
//   - *Facade: Ready for concurrent use.
//   - error: Non-nil when store is nil or the strategy is unknown.
func NewFacade(store gateway.Store, config Config) (*Facade, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store must not be nil", gateway.ErrValidation)
	}
	config.applyDefaults()

	decomposer := query.NewDecomposer(config.Classifier)

	var strategy retrieval.Strategy
	switch config.Strategy {
	case StrategyMultiQuery:
		strategy = retrieval.NewMultiQueryRetriever(store, decomposer, config.Classifier, config.Retrieval)
	case StrategyBasic:
		strategy = retrieval.NewBasicRetriever(store, config.Logger)
	default:
		return nil, fmt.Errorf("%w: unknown retrieval strategy %q", gateway.ErrValidation, config.Strategy)
	}

	if config.Dispatch.Logger == nil {
		config.Dispatch.Logger = config.Logger
	}
	if config.Curator.Logger == nil {
		config.Curator.Logger = config.Logger
	}

	return &Facade{
		store:      store,
		locks:      keylock.NewManager(),
		dispatcher: dispatch.New(config.Dispatch),
		strategy:   strategy,
		curator:    facts.NewCurator(store, config.Oracle, config.Classifier, config.Curator),
		splitter: textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(config.ChunkSize),
			textsplitter.WithChunkOverlap(config.ChunkOverlap),
		),
		config: config,
	}, nil
}

// StoreAsync persists conversation content under the scope.
//
// # Description
//
// Validation failures surface synchronously and are never retried.
// Content longer than ChunkSize is split into overlapping chunk
// documents; the future resolves to the ids of every document written.
// A failed write is distinct from writing zero documents: the former
// fails the future after retries, the latter cannot happen for valid
// input.
//
// # Inputs
//
//   - ctx: Cancels the queued work.
//   - scope: Owning scope key.
//   - content: Conversation text. Must be non-empty and under
//     MaxContentBytes.
//   - metadata: Caller metadata merged into each document. The scope
//     and type fields are owned by the facade and overwritten.
func (f *Facade) StoreAsync(ctx context.Context, scope, content string, metadata map[string]any) (*dispatch.Future[[]string], error) {
	if err := validateScope(scope); err != nil {
		return nil, err
	}
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("%w: content must not be empty", gateway.ErrValidation)
	}
	if len(content) > f.config.MaxContentBytes {
		return nil, fmt.Errorf("%w: content exceeds %d bytes", gateway.ErrValidation, f.config.MaxContentBytes)
	}

	chunks, err := f.splitter.SplitText(content)
	if err != nil {
		return nil, fmt.Errorf("%w: splitting content: %v", gateway.ErrValidation, err)
	}
	if len(chunks) == 0 {
		chunks = []string{content}
	}

	// Chunk ids are assigned once, before submission, and a retried
	// task skips chunks that already landed. A transient failure in
	// the middle of the sequence must not duplicate earlier chunks.
	ids := make([]string, len(chunks))
	for i := range chunks {
		ids[i] = uuid.NewString()
	}
	written := make([]bool, len(chunks))

	return dispatch.Submit(ctx, f.dispatcher, scope, func(ctx context.Context) ([]string, error) {
		handle := f.locks.Acquire(scope)
		defer handle.Release()

		for i, chunk := range chunks {
			if written[i] {
				continue
			}
			doc := gateway.Document{
				ID:       ids[i],
				Content:  chunk,
				Metadata: conversationMetadata(scope, metadata, i, len(chunks)),
			}
			if _, err := f.store.Write(ctx, doc); err != nil {
				return nil, fmt.Errorf("storing conversation chunk %d/%d: %w", i+1, len(chunks), err)
			}
			written[i] = true
		}
		return ids, nil
	}), nil
}

// RetrieveAsync searches the scope for content relevant to the raw
// request text.
//
// # Description
//
// Reads take no scope lock and may run concurrently with writes. The
// future always resolves successfully; backend failures degrade to an
// empty result set.
func (f *Facade) RetrieveAsync(ctx context.Context, scope, raw string, limit int) (*dispatch.Future[[]retrieval.RankedResult], error) {
	if err := validateScope(scope); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, fmt.Errorf("%w: limit must be positive", gateway.ErrValidation)
	}

	return dispatch.Submit(ctx, f.dispatcher, scope, func(ctx context.Context) ([]retrieval.RankedResult, error) {
		return f.strategy.Retrieve(ctx, scope, raw, limit), nil
	}), nil
}

// StoreFactAsync extracts and persists durable facts from the raw text.
//
// # Description
//
// Holds the scope write lock for the whole curate-and-write pass so the
// dedup check cannot race a concurrent fact write to the same scope. An
// absent oracle resolves to an empty list.
func (f *Facade) StoreFactAsync(ctx context.Context, scope, raw string) (*dispatch.Future[[]facts.CuratedFact], error) {
	if err := validateScope(scope); err != nil {
		return nil, err
	}
	if strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("%w: text must not be empty", gateway.ErrValidation)
	}

	return dispatch.Submit(ctx, f.dispatcher, scope, func(ctx context.Context) ([]facts.CuratedFact, error) {
		handle := f.locks.Acquire(scope)
		defer handle.Release()
		return f.curator.Curate(ctx, scope, raw)
	}), nil
}

// DeleteScopeAsync removes every document in the scope.
//
// # Outputs
//
//   - *dispatch.Future[int]: Resolves to the number of deleted documents.
func (f *Facade) DeleteScopeAsync(ctx context.Context, scope string) (*dispatch.Future[int], error) {
	if err := validateScope(scope); err != nil {
		return nil, err
	}

	return dispatch.Submit(ctx, f.dispatcher, scope, func(ctx context.Context) (int, error) {
		handle := f.locks.Acquire(scope)
		defer handle.Release()

		matches, err := f.store.Get(ctx, gateway.Filter{Scope: scope}, f.config.DeleteBatchLimit)
		if err != nil {
			return 0, fmt.Errorf("collecting scope documents: %w", err)
		}
		if len(matches) == 0 {
			return 0, nil
		}

		ids := make([]string, len(matches))
		for i, m := range matches {
			ids[i] = m.ID
		}
		count, err := f.store.Delete(ctx, ids)
		if err != nil {
			return 0, fmt.Errorf("deleting scope documents: %w", err)
		}
		f.curator.Invalidate(scope)
		return count, nil
	}), nil
}

// InFlight lists the operations currently queued or running.
func (f *Facade) InFlight() []dispatch.Operation {
	return f.dispatcher.InFlight()
}

// DrainAndClose stops accepting work and waits up to timeout for
// in-flight operations. Returns false when any remain; they are not
// aborted.
func (f *Facade) DrainAndClose(timeout time.Duration) bool {
	return f.dispatcher.Drain(timeout)
}

func validateScope(scope string) error {
	if strings.TrimSpace(scope) == "" {
		return fmt.Errorf("%w: scope key must not be empty", gateway.ErrValidation)
	}
	return nil
}

// conversationMetadata merges caller metadata under the facade-owned
// scope/type fields and chunk markers.
func conversationMetadata(scope string, metadata map[string]any, index, total int) map[string]any {
	merged := make(map[string]any, len(metadata)+4)
	for k, v := range metadata {
		merged[k] = v
	}
	merged["scope"] = scope
	merged["type"] = gateway.DocTypeConversation
	if total > 1 {
		merged["chunk_index"] = index
		merged["chunk_count"] = total
	}
	return merged
}
