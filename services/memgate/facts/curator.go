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
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/AleutianAI/memgate/services/memgate/classify"
	"github.com/AleutianAI/memgate/services/memgate/gateway"
	"github.com/AleutianAI/memgate/services/memgate/query"
)

// CuratorConfig tunes the filtering thresholds.
type CuratorConfig struct {
	// MinFactLength rejects facts shorter than this many characters.
	// Default 3.
	MinFactLength int

	// UserConfidenceMin is the acceptance floor for user-scoped facts.
	// Default 0.6.
	UserConfidenceMin float64

	// GlobalConfidenceMin is the acceptance floor for global-scoped
	// facts. Default 0.7.
	GlobalConfidenceMin float64

	// UserDedupThreshold rejects user-scoped candidates whose Jaccard
	// token overlap with an existing fact reaches this value. Default 0.7.
	UserDedupThreshold float64

	// GlobalDedupThreshold is the same for the global scope. Default 0.75.
	GlobalDedupThreshold float64

	// ExistingFactLimit bounds how many stored facts are loaded per
	// scope for dedup. Default 200.
	ExistingFactLimit int

	// CacheScopes bounds the per-scope fact cache. Default 256.
	CacheScopes int

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// DefaultCuratorConfig returns the standard thresholds.
func DefaultCuratorConfig() CuratorConfig {
	return CuratorConfig{
		MinFactLength:        3,
		UserConfidenceMin:    0.6,
		GlobalConfidenceMin:  0.7,
		UserDedupThreshold:   0.7,
		GlobalDedupThreshold: 0.75,
		ExistingFactLimit:    200,
		CacheScopes:          256,
	}
}

func (c *CuratorConfig) applyDefaults() {
	d := DefaultCuratorConfig()
	if c.MinFactLength <= 0 {
		c.MinFactLength = d.MinFactLength
	}
	if c.UserConfidenceMin <= 0 {
		c.UserConfidenceMin = d.UserConfidenceMin
	}
	if c.GlobalConfidenceMin <= 0 {
		c.GlobalConfidenceMin = d.GlobalConfidenceMin
	}
	if c.UserDedupThreshold <= 0 {
		c.UserDedupThreshold = d.UserDedupThreshold
	}
	if c.GlobalDedupThreshold <= 0 {
		c.GlobalDedupThreshold = d.GlobalDedupThreshold
	}
	if c.ExistingFactLimit <= 0 {
		c.ExistingFactLimit = d.ExistingFactLimit
	}
	if c.CacheScopes <= 0 {
		c.CacheScopes = d.CacheScopes
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Curator runs the extract-filter-dedup-persist pipeline.
//
// # Thread Safety
//
// Safe for concurrent use across scopes. Callers must hold the scope's
// write lock while curating, or concurrent curation of the same scope
// can race the dedup check against the writes.
type Curator struct {
	store      gateway.Store
	oracle     Oracle
	classifier *classify.Classifier
	config     CuratorConfig
	cache      *scopeCache
}

// NewCurator creates a curator.
//
// # Inputs
//
//   - store: Backend gateway. Must not be nil.
//   - oracle: Reasoning oracle. May be nil; curation is then a no-op.
//   - classifier: Keyword tables for pronoun/transient/function-word
//     checks. nil gets the built-in defaults.
//   - config: Thresholds. Zero fields fall back to DefaultCuratorConfig.
func NewCurator(store gateway.Store, oracle Oracle, classifier *classify.Classifier, config CuratorConfig) *Curator {
	config.applyDefaults()
	if classifier == nil {
		classifier = classify.Default()
	}
	return &Curator{
		store:      store,
		oracle:     oracle,
		classifier: classifier,
		config:     config,
		cache:      newScopeCache(config.CacheScopes),
	}
}

// Curate extracts, filters, and persists facts from one raw text.
//
// # Description
//
// An absent or failing oracle yields an empty list, never an error.
// Only store write failures are returned; the facts already written
// before the failure are returned alongside the error.
//
// # Inputs
//
//   - ctx: Cancels oracle and store calls.
//   - scope: Owning scope key, or gateway.GlobalScope.
//   - text: Source text the facts must be supported by.
//
// # Outputs
//
//   - []CuratedFact: Accepted facts with assigned document ids.
//   - error: Non-nil only on a store write failure.
func (c *Curator) Curate(ctx context.Context, scope, text string) ([]CuratedFact, error) {
	if c.oracle == nil || strings.TrimSpace(text) == "" {
		return nil, nil
	}

	candidates, err := c.oracle.ExtractFacts(ctx, text)
	if err != nil {
		c.config.Logger.Warn("oracle extraction failed, skipping curation",
			"scope", scope, "error", err)
		return nil, nil
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	existing, err := c.existingFactTokens(ctx, scope)
	if err != nil {
		c.config.Logger.Warn("loading existing facts failed, dedup degraded",
			"scope", scope, "error", err)
	}

	confidenceMin := c.config.UserConfidenceMin
	dedupThreshold := c.config.UserDedupThreshold
	if scope == gateway.GlobalScope {
		confidenceMin = c.config.GlobalConfidenceMin
		dedupThreshold = c.config.GlobalDedupThreshold
	}

	sourceNorm := query.Normalize(text)

	var accepted []CuratedFact
	for _, cand := range candidates {
		reason, ok := c.admit(cand, sourceNorm, existing, confidenceMin, dedupThreshold)
		if !ok {
			c.config.Logger.Debug("fact rejected",
				"scope", scope, "reason", reason, "fact", cand.Text)
			continue
		}

		fact := CuratedFact{
			Text:          cand.Text,
			Category:      cand.Category,
			Confidence:    cand.Confidence,
			Scope:         scope,
			SourceExcerpt: text,
		}
		id, err := c.store.Write(ctx, factDocument(fact))
		if err != nil {
			return accepted, fmt.Errorf("writing curated fact: %w", err)
		}
		fact.DocumentID = id

		accepted = append(accepted, fact)
		existing = append(existing, tokenSet(fact.Text))
	}

	if len(accepted) > 0 {
		c.cache.extend(scope, accepted)
	}
	return accepted, nil
}

// Invalidate drops the scope's cached facts. Must be called under the
// scope's write lock after the scope's documents are deleted, or the
// stale entry keeps rejecting re-stored facts as duplicates.
func (c *Curator) Invalidate(scope string) {
	c.cache.drop(scope)
}

// admit runs the local filters. Returns the rejection reason for logging.
func (c *Curator) admit(cand CandidateFact, sourceNorm string, existing []map[string]bool, confidenceMin, dedupThreshold float64) (string, bool) {
	normalized := query.Normalize(cand.Text)
	if len(strings.TrimSpace(cand.Text)) < c.config.MinFactLength {
		return "too short", false
	}

	tokens := strings.Fields(normalized)
	if len(tokens) == 0 {
		return "empty after normalization", false
	}
	if c.classifier.IsFirstPerson(tokens[0]) {
		return "first-person lead", false
	}
	if c.classifier.HasTransientMarker(normalized) {
		return "transient-state marker", false
	}

	if !c.supported(tokens, sourceNorm) {
		return "unsupported by source text", false
	}

	candSet := tokenSetOf(tokens)
	for _, prior := range existing {
		if jaccard(candSet, prior) >= dedupThreshold {
			return "duplicate of existing fact", false
		}
	}

	if cand.Confidence < confidenceMin {
		return "confidence below floor", false
	}
	return "", true
}

// supported checks that at least ceil(n/2) of the fact's significant
// words (length > 2, function words excluded), minimum one, literally
// occur in the source text.
func (c *Curator) supported(tokens []string, sourceNorm string) bool {
	source := " " + sourceNorm + " "

	significant := 0
	found := 0
	for _, tok := range tokens {
		if len(tok) <= 2 || c.classifier.IsFunctionWord(tok) {
			continue
		}
		significant++
		if strings.Contains(source, " "+tok+" ") {
			found++
		}
	}
	if significant == 0 {
		return false
	}

	required := int(math.Ceil(float64(significant) / 2))
	if required < 1 {
		required = 1
	}
	return found >= required
}

// existingFactTokens returns the token sets of the scope's stored facts,
// via the cache when warm.
func (c *Curator) existingFactTokens(ctx context.Context, scope string) ([]map[string]bool, error) {
	if sets, ok := c.cache.tokenSets(scope); ok {
		return sets, nil
	}

	matches, err := c.store.Get(ctx, gateway.Filter{
		Scope:   scope,
		DocType: gateway.DocTypeFact,
	}, c.config.ExistingFactLimit)
	if err != nil {
		return nil, err
	}

	loaded := make([]CuratedFact, 0, len(matches))
	for _, m := range matches {
		loaded = append(loaded, CuratedFact{
			Text:       m.Content,
			Scope:      scope,
			DocumentID: m.ID,
		})
	}
	c.cache.put(scope, loaded)

	sets := make([]map[string]bool, len(loaded))
	for i, f := range loaded {
		sets[i] = tokenSet(f.Text)
	}
	return sets, nil
}

func factDocument(f CuratedFact) gateway.Document {
	return gateway.Document{
		Content: f.Text,
		Metadata: map[string]any{
			"scope":          f.Scope,
			"type":           gateway.DocTypeFact,
			"category":       f.Category,
			"confidence":     f.Confidence,
			"source_excerpt": f.SourceExcerpt,
		},
	}
}

func tokenSet(text string) map[string]bool {
	return tokenSetOf(strings.Fields(query.Normalize(text)))
}

func tokenSetOf(tokens []string) map[string]bool {
	set := make(map[string]bool, len(tokens))
	for _, tok := range tokens {
		set[tok] = true
	}
	return set
}

// jaccard is intersection over union of the two token sets.
func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for tok := range a {
		if b[tok] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}
