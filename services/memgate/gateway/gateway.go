// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package gateway defines the narrow interface memgate uses to talk to the
// underlying semantic content store, plus the document and match types that
// cross that boundary.
//
// The gateway is deliberately thin: it owns no concurrency discipline of its
// own. Query and Get must be safe to call concurrently without external
// locking; Write and Delete rely on the caller serializing mutations to the
// same scope (see the keylock and facade packages).
package gateway

import (
	"context"
	"time"
)

// DocTypeConversation marks a stored conversation turn.
const DocTypeConversation = "conversation"

// DocTypeFact marks a curated fact document.
const DocTypeFact = "fact"

// GlobalScope is the sentinel scope key for shared (non user-scoped) data.
const GlobalScope = "global"

// Document is a unit of stored content. Documents are immutable once
// written; corrections are modeled as delete + re-write with a new id.
type Document struct {
	// ID is assigned at write time and unique within the store.
	ID string `json:"id"`

	// Content is the raw text payload.
	Content string `json:"content"`

	// Metadata holds scalar fields used for filtered retrieval.
	// At minimum "scope" and "type" are set by the facade.
	Metadata map[string]any `json:"metadata"`

	// CreatedAt is when the document was written (UTC).
	CreatedAt time.Time `json:"created_at"`
}

// Scope returns the document's scope key, or GlobalScope if unset.
func (d *Document) Scope() string {
	if s, ok := d.Metadata["scope"].(string); ok && s != "" {
		return s
	}
	return GlobalScope
}

// Type returns the document's type tag ("conversation", "fact", ...).
func (d *Document) Type() string {
	if t, ok := d.Metadata["type"].(string); ok {
		return t
	}
	return ""
}

// RawMatch is a single store hit before merging and re-ranking.
type RawMatch struct {
	// ID is the matched document id.
	ID string `json:"id"`

	// Content is the matched document content.
	Content string `json:"content"`

	// Metadata is the matched document's metadata.
	Metadata map[string]any `json:"metadata"`

	// BaseRelevance is the store-reported similarity in [0, 1].
	BaseRelevance float64 `json:"base_relevance"`
}

// Filter is a conjunction over metadata fields. A zero field means
// "no constraint on that field".
type Filter struct {
	// Scope restricts matches to a single scope key.
	Scope string

	// DocType restricts matches to a document type.
	DocType string
}

// IsZero reports whether the filter constrains nothing.
func (f Filter) IsZero() bool {
	return f.Scope == "" && f.DocType == ""
}

// Store is the narrow interface to the external semantic store.
//
// Query and Get are read-only and safe for concurrent use from multiple
// workers. Write and Delete are idempotent from the caller's perspective
// when retried with the same logical document id; the store owns true
// idempotence, memgate only serializes writes per scope.
type Store interface {
	// Write persists a document and returns its assigned id.
	Write(ctx context.Context, doc Document) (string, error)

	// Query executes a similarity search over document content.
	Query(ctx context.Context, text string, filter Filter, limit int) ([]RawMatch, error)

	// Get returns documents matching the filter without a search text,
	// newest first.
	Get(ctx context.Context, filter Filter, limit int) ([]RawMatch, error)

	// Delete removes documents by id, returning how many were removed.
	Delete(ctx context.Context, ids []string) (int, error)
}
