// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package facts extracts atomic facts from free text via a reasoning
// oracle, filters out invalid or transient candidates, deduplicates them
// against the scope's existing facts, and persists the survivors.
package facts

import (
	"context"
	"errors"
)

// CandidateFact is one raw assertion produced by the oracle, before any
// filtering.
type CandidateFact struct {
	// Text is the atomic assertion.
	Text string `json:"text"`

	// Category is the oracle's label for the assertion kind
	// (preference, biographical, relationship, ...). Opaque to the
	// curator.
	Category string `json:"category"`

	// Confidence is the oracle's certainty in [0, 1].
	Confidence float64 `json:"confidence"`
}

// CuratedFact is a candidate that passed validation and dedup. Persisted
// as a Document with metadata type "fact"; never updated in place.
type CuratedFact struct {
	Text       string  `json:"text"`
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"`

	// Scope is the owning scope key, or the global scope.
	Scope string `json:"scope"`

	// SourceExcerpt is the raw text the fact was extracted from.
	SourceExcerpt string `json:"source_excerpt"`

	// DocumentID is the store id assigned on write. Empty until persisted.
	DocumentID string `json:"document_id,omitempty"`
}

// Oracle is the external reasoning capability that extracts candidate
// facts from free text. Extraction quality is entirely the oracle's
// responsibility; the curator only filters.
type Oracle interface {
	ExtractFacts(ctx context.Context, text string) ([]CandidateFact, error)
}

// ErrOracleUnavailable marks transport or quota failures talking to the
// oracle. The curator treats it as "no facts", never as a caller error.
var ErrOracleUnavailable = errors.New("reasoning oracle unavailable")
