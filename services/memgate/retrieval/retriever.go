// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package retrieval executes decomposed sub-queries against the store and
// merges their results into one deterministic ranking.
package retrieval

import (
	"context"
	"log/slog"
	"sort"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/memgate/services/memgate/classify"
	"github.com/AleutianAI/memgate/services/memgate/gateway"
	"github.com/AleutianAI/memgate/services/memgate/query"
)

const tracerName = "memgate/retrieval"

// RankedResult is one merged, scored document. Ephemeral, built per call.
type RankedResult struct {
	// Document is the matched store document.
	Document gateway.Document `json:"document"`

	// CombinedScore is the merged score across all contributing
	// sub-queries plus post-pass boosts. Non-decreasing in MatchCount
	// for a fixed document.
	CombinedScore float64 `json:"combined_score"`

	// MatchCount is how many distinct sub-queries matched the document.
	MatchCount int `json:"match_count"`

	// BaseRelevance is the store-reported relevance of the first hit.
	BaseRelevance float64 `json:"base_relevance"`

	// ContributingQueries are the sub-queries that matched, in
	// execution order.
	ContributingQueries []query.SubQuery `json:"contributing_queries"`
}

// Strategy retrieves ranked documents for one raw request. Implementations
// must degrade gracefully: a total backend failure yields an empty slice,
// not an error.
type Strategy interface {
	Retrieve(ctx context.Context, scope, raw string, limit int) []RankedResult
}

// Config tunes the multi-query strategy.
type Config struct {
	// MinQueryWeight excludes sub-queries below this weight from
	// execution. Default 0.5.
	MinQueryWeight float64

	// MaxQueriesPerSearch caps how many sub-queries run per request.
	// Default 3.
	MaxQueriesPerSearch int

	// CorroborationBonus scales the score added when another sub-query
	// matches an already-seen document. Default 0.5.
	CorroborationBonus float64

	// EntityBoost is added per extracted entity present in the
	// document content. Default 0.1.
	EntityBoost float64

	// IntentBoost is added when the content carries a keyword of the
	// classified intent. Default 0.1.
	IntentBoost float64

	// ToneBoost is added when the content carries a keyword of the
	// classified tone. Default 0.15.
	ToneBoost float64

	// Logger receives per-sub-query failure warnings. Defaults to
	// slog.Default.
	Logger *slog.Logger
}

// DefaultConfig returns the standard tuning.
func DefaultConfig() Config {
	return Config{
		MinQueryWeight:      0.5,
		MaxQueriesPerSearch: 3,
		CorroborationBonus:  0.5,
		EntityBoost:         0.1,
		IntentBoost:         0.1,
		ToneBoost:           0.15,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.MinQueryWeight <= 0 {
		c.MinQueryWeight = d.MinQueryWeight
	}
	if c.MaxQueriesPerSearch <= 0 {
		c.MaxQueriesPerSearch = d.MaxQueriesPerSearch
	}
	if c.CorroborationBonus <= 0 {
		c.CorroborationBonus = d.CorroborationBonus
	}
	if c.EntityBoost <= 0 {
		c.EntityBoost = d.EntityBoost
	}
	if c.IntentBoost <= 0 {
		c.IntentBoost = d.IntentBoost
	}
	if c.ToneBoost <= 0 {
		c.ToneBoost = d.ToneBoost
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// MultiQueryRetriever decomposes the request, fans the sub-queries out
// against the store, and merges the hits.
//
// # Thread Safety
//
// Safe for concurrent use; all mutable state is per-call.
type MultiQueryRetriever struct {
	store      gateway.Store
	decomposer *query.Decomposer
	classifier *classify.Classifier
	config     Config
	tracer     trace.Tracer
}

// NewMultiQueryRetriever creates the multi-query strategy.
//
// # Inputs
//
//   - store: Backend gateway. Must not be nil.
//   - decomposer: Query decomposer. nil gets a default one.
//   - classifier: Keyword tables used for boost detection. nil gets the
//     built-in defaults.
//   - config: Tuning. Zero fields fall back to DefaultConfig.
func NewMultiQueryRetriever(store gateway.Store, decomposer *query.Decomposer, classifier *classify.Classifier, config Config) *MultiQueryRetriever {
	config.applyDefaults()
	if classifier == nil {
		classifier = classify.Default()
	}
	if decomposer == nil {
		decomposer = query.NewDecomposer(classifier)
	}
	return &MultiQueryRetriever{
		store:      store,
		decomposer: decomposer,
		classifier: classifier,
		config:     config,
		tracer:     otel.Tracer(tracerName),
	}
}

// Retrieve runs the multi-query pipeline for one request.
//
// # Description
//
// Eligible sub-queries (weight >= MinQueryWeight, capped at
// MaxQueriesPerSearch) run concurrently against the store with limit 2L
// each. Hits are merged deterministically in sub-query order, boosted,
// and sorted. When fewer than L distinct documents were found, the
// fallback query runs and unseen documents join at its low weight with
// no boosts. A failing sub-query is logged and skipped; total failure
// returns an empty slice.
func (r *MultiQueryRetriever) Retrieve(ctx context.Context, scope, raw string, limit int) []RankedResult {
	if limit <= 0 {
		return nil
	}

	ctx, span := r.tracer.Start(ctx, "retrieval.multi_query",
		trace.WithAttributes(
			attribute.String("scope", scope),
			attribute.Int("limit", limit),
		))
	defer span.End()

	dec := r.decomposer.Decompose(raw)

	eligible := make([]query.SubQuery, 0, len(dec.SubQueries))
	for _, sq := range dec.SubQueries {
		if sq.Weight >= r.config.MinQueryWeight {
			eligible = append(eligible, sq)
		}
		if len(eligible) == r.config.MaxQueriesPerSearch {
			break
		}
	}
	span.SetAttributes(attribute.Int("sub_queries", len(eligible)))

	filter := gateway.Filter{Scope: scope}

	// Sub-queries run concurrently, but each one's hits land in its own
	// slot so the merge below is order-deterministic.
	hits := make([][]gateway.RawMatch, len(eligible))
	g, gctx := errgroup.WithContext(ctx)
	for i, sq := range eligible {
		g.Go(func() error {
			matches, err := r.store.Query(gctx, sq.Text, filter, 2*limit)
			if err != nil {
				r.config.Logger.Warn("sub-query failed, skipping",
					"scope", scope,
					"type", string(sq.Type),
					"error", err)
				return nil
			}
			hits[i] = matches
			return nil
		})
	}
	_ = g.Wait() // workers never return errors; failures degrade to empty slots

	merged := make(map[string]*RankedResult)
	order := make([]string, 0, 2*limit)
	for i, sq := range eligible {
		for _, m := range hits[i] {
			if rr, ok := merged[m.ID]; ok {
				if !contributed(rr, sq) {
					rr.CombinedScore += r.config.CorroborationBonus * sq.Weight
					rr.MatchCount++
					rr.ContributingQueries = append(rr.ContributingQueries, sq)
				}
				continue
			}
			merged[m.ID] = &RankedResult{
				Document:            matchDocument(m),
				CombinedScore:       m.BaseRelevance * sq.Weight,
				MatchCount:          1,
				BaseRelevance:       m.BaseRelevance,
				ContributingQueries: []query.SubQuery{sq},
			}
			order = append(order, m.ID)
		}
	}

	for _, id := range order {
		r.boost(merged[id], dec)
	}

	if len(merged) < limit {
		r.mergeFallback(ctx, dec.Fallback, filter, limit, merged, &order)
	}

	results := make([]RankedResult, 0, len(order))
	for _, id := range order {
		results = append(results, *merged[id])
	}
	sortRanked(results)
	if len(results) > limit {
		results = results[:limit]
	}

	span.SetAttributes(attribute.Int("results", len(results)))
	return results
}

// boost applies the post-merge content boosts in place.
func (r *MultiQueryRetriever) boost(rr *RankedResult, dec query.Decomposition) {
	content := strings.ToLower(rr.Document.Content)

	for _, entity := range dec.Entities {
		if strings.Contains(content, entity) {
			rr.CombinedScore += r.config.EntityBoost
		}
	}
	if dec.Intent != classify.IntentGeneral &&
		containsAny(content, r.classifier.IntentKeywords(dec.Intent)) {
		rr.CombinedScore += r.config.IntentBoost
	}
	if dec.Tone != classify.ToneNone &&
		containsAny(content, r.classifier.ToneKeywords(dec.Tone)) {
		rr.CombinedScore += r.config.ToneBoost
	}
}

// mergeFallback runs the fallback query and admits unseen documents at
// the fallback weight, without boosts.
func (r *MultiQueryRetriever) mergeFallback(ctx context.Context, fb query.SubQuery, filter gateway.Filter, limit int, merged map[string]*RankedResult, order *[]string) {
	if fb.Text == "" {
		return
	}

	ctx, span := r.tracer.Start(ctx, "retrieval.fallback")
	defer span.End()

	matches, err := r.store.Query(ctx, fb.Text, filter, 2*limit)
	if err != nil {
		r.config.Logger.Warn("fallback query failed", "error", err)
		return
	}
	for _, m := range matches {
		if _, ok := merged[m.ID]; ok {
			continue
		}
		merged[m.ID] = &RankedResult{
			Document:            matchDocument(m),
			CombinedScore:       m.BaseRelevance * fb.Weight,
			MatchCount:          1,
			BaseRelevance:       m.BaseRelevance,
			ContributingQueries: []query.SubQuery{fb},
		}
		*order = append(*order, m.ID)
	}
}

// BasicRetriever issues a single store query with the normalized request
// text. It is the strategy for callers that opt out of decomposition.
type BasicRetriever struct {
	store  gateway.Store
	logger *slog.Logger
	tracer trace.Tracer
}

// NewBasicRetriever creates the single-query strategy.
func NewBasicRetriever(store gateway.Store, logger *slog.Logger) *BasicRetriever {
	if logger == nil {
		logger = slog.Default()
	}
	return &BasicRetriever{
		store:  store,
		logger: logger,
		tracer: otel.Tracer(tracerName),
	}
}

// Retrieve runs one store query and maps the hits one-to-one.
func (r *BasicRetriever) Retrieve(ctx context.Context, scope, raw string, limit int) []RankedResult {
	if limit <= 0 {
		return nil
	}

	ctx, span := r.tracer.Start(ctx, "retrieval.basic",
		trace.WithAttributes(attribute.String("scope", scope)))
	defer span.End()

	matches, err := r.store.Query(ctx, query.Normalize(raw), gateway.Filter{Scope: scope}, limit)
	if err != nil {
		r.logger.Warn("basic retrieval failed", "scope", scope, "error", err)
		return nil
	}

	results := make([]RankedResult, 0, len(matches))
	for _, m := range matches {
		results = append(results, RankedResult{
			Document:      matchDocument(m),
			CombinedScore: m.BaseRelevance,
			MatchCount:    1,
			BaseRelevance: m.BaseRelevance,
		})
	}
	sortRanked(results)
	return results
}

// sortRanked orders by combined score, then match count, then base
// relevance, all descending. Document ID is the final tiebreak so equal
// scores still sort deterministically.
func sortRanked(results []RankedResult) {
	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.CombinedScore != b.CombinedScore {
			return a.CombinedScore > b.CombinedScore
		}
		if a.MatchCount != b.MatchCount {
			return a.MatchCount > b.MatchCount
		}
		if a.BaseRelevance != b.BaseRelevance {
			return a.BaseRelevance > b.BaseRelevance
		}
		return a.Document.ID < b.Document.ID
	})
}

func matchDocument(m gateway.RawMatch) gateway.Document {
	return gateway.Document{
		ID:       m.ID,
		Content:  m.Content,
		Metadata: m.Metadata,
	}
}

func contributed(rr *RankedResult, sq query.SubQuery) bool {
	for _, q := range rr.ContributingQueries {
		if q.Type == sq.Type && q.Text == sq.Text {
			return true
		}
	}
	return false
}

func containsAny(content string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(content, kw) {
			return true
		}
	}
	return false
}
