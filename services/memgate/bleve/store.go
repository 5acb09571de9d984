// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package bleve implements the document store on an embedded full-text
// index. It is the local backend: no external services, keyword search
// instead of embeddings, same gateway contract as the Weaviate store.
package bleve

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/mapping"
	searchquery "github.com/blevesearch/bleve/v2/search/query"
	"github.com/google/uuid"

	"github.com/AleutianAI/memgate/services/memgate/gateway"
)

// indexedDocument is the shape persisted into the index.
type indexedDocument struct {
	Content       string  `json:"content"`
	Scope         string  `json:"scope"`
	DocType       string  `json:"doc_type"`
	Category      string  `json:"category,omitempty"`
	Confidence    float64 `json:"confidence,omitempty"`
	SourceExcerpt string  `json:"source_excerpt,omitempty"`
	CreatedAt     string  `json:"created_at"`
}

// Config configures the embedded store.
type Config struct {
	// Path is the index directory. Empty means a memory-only index,
	// lost at shutdown.
	Path string

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Store is a gateway.Store over an embedded bleve index.
//
// # Thread Safety
//
// Safe for concurrent use. The index itself is concurrency-safe; the
// store's mutex only guards close.
type Store struct {
	index  bleve.Index
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
}

// NewStore opens (or creates) the index at config.Path.
func NewStore(config Config) (*Store, error) {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	var index bleve.Index
	var err error
	switch {
	case config.Path == "":
		index, err = bleve.NewMemOnly(indexMapping())
	default:
		index, err = bleve.Open(config.Path)
		if err == bleve.ErrorIndexPathDoesNotExist || os.IsNotExist(err) {
			index, err = bleve.New(config.Path, indexMapping())
		}
	}
	if err != nil {
		return nil, fmt.Errorf("opening bleve index: %w", err)
	}

	config.Logger.Info("bleve store initialized",
		slog.String("path", config.Path),
		slog.Bool("in_memory", config.Path == ""))
	return &Store{
		index:  index,
		logger: config.Logger.With(slog.String("component", "bleve_store")),
	}, nil
}

// Close releases the index.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.index.Close()
}

// Write indexes one document and returns its generated id.
func (s *Store) Write(ctx context.Context, doc gateway.Document) (string, error) {
	if err := s.guard(ctx); err != nil {
		return "", err
	}

	id := doc.ID
	if id == "" {
		id = uuid.NewString()
	}
	indexed := indexedDocument{
		Content:   doc.Content,
		Scope:     doc.Scope(),
		DocType:   doc.Type(),
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}
	if v, ok := doc.Metadata["category"].(string); ok {
		indexed.Category = v
	}
	if v, ok := doc.Metadata["confidence"].(float64); ok {
		indexed.Confidence = v
	}
	if v, ok := doc.Metadata["source_excerpt"].(string); ok {
		indexed.SourceExcerpt = v
	}

	if err := s.index.Index(id, indexed); err != nil {
		return "", fmt.Errorf("indexing document: %w", err)
	}
	return id, nil
}

// Query runs a keyword match constrained by the filter. Scores are
// normalized against the top hit so base relevance stays in (0, 1].
func (s *Store) Query(ctx context.Context, text string, filter gateway.Filter, limit int) ([]gateway.RawMatch, error) {
	if err := s.guard(ctx); err != nil {
		return nil, err
	}
	if text == "" {
		return s.Get(ctx, filter, limit)
	}

	match := bleve.NewMatchQuery(text)
	match.SetField("content")

	request := bleve.NewSearchRequestOptions(withFilter(match, filter), limit, 0, false)
	request.Fields = []string{"*"}

	result, err := s.index.SearchInContext(ctx, request)
	if err != nil {
		return nil, fmt.Errorf("searching index: %w", err)
	}
	return toMatches(result), nil
}

// Get lists documents matching the filter without text scoring.
func (s *Store) Get(ctx context.Context, filter gateway.Filter, limit int) ([]gateway.RawMatch, error) {
	if err := s.guard(ctx); err != nil {
		return nil, err
	}

	request := bleve.NewSearchRequestOptions(withFilter(bleve.NewMatchAllQuery(), filter), limit, 0, false)
	request.Fields = []string{"*"}

	result, err := s.index.SearchInContext(ctx, request)
	if err != nil {
		return nil, fmt.Errorf("listing index: %w", err)
	}
	return toMatches(result), nil
}

// Delete removes documents by id, returning how many were indexed.
func (s *Store) Delete(ctx context.Context, ids []string) (int, error) {
	if err := s.guard(ctx); err != nil {
		return 0, err
	}

	deleted := 0
	for _, id := range ids {
		doc, err := s.index.Document(id)
		if err != nil {
			return deleted, fmt.Errorf("looking up document %s: %w", id, err)
		}
		if doc == nil {
			continue
		}
		if err := s.index.Delete(id); err != nil {
			return deleted, fmt.Errorf("deleting document %s: %w", id, err)
		}
		deleted++
	}
	return deleted, nil
}

func (s *Store) guard(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return gateway.ErrStoreClosed
	}
	return nil
}

// indexMapping maps scope and doc_type as keyword fields so filter
// terms match exactly.
func indexMapping() mapping.IndexMapping {
	m := bleve.NewIndexMapping()

	keywordField := bleve.NewTextFieldMapping()
	keywordField.Analyzer = keyword.Name

	docMapping := bleve.NewDocumentMapping()
	docMapping.AddFieldMappingsAt("scope", keywordField)
	docMapping.AddFieldMappingsAt("doc_type", keywordField)
	docMapping.AddFieldMappingsAt("content", bleve.NewTextFieldMapping())
	m.DefaultMapping = docMapping

	return m
}

// withFilter wraps the query in a conjunction with exact scope/type
// terms.
func withFilter(q searchquery.Query, filter gateway.Filter) searchquery.Query {
	if filter.IsZero() {
		return q
	}

	conjuncts := []searchquery.Query{q}
	if filter.Scope != "" {
		term := bleve.NewTermQuery(filter.Scope)
		term.SetField("scope")
		conjuncts = append(conjuncts, term)
	}
	if filter.DocType != "" {
		term := bleve.NewTermQuery(filter.DocType)
		term.SetField("doc_type")
		conjuncts = append(conjuncts, term)
	}
	return bleve.NewConjunctionQuery(conjuncts...)
}

func toMatches(result *bleve.SearchResult) []gateway.RawMatch {
	matches := make([]gateway.RawMatch, 0, len(result.Hits))
	for _, hit := range result.Hits {
		relevance := 0.5
		if result.MaxScore > 0 {
			relevance = hit.Score / result.MaxScore
		}

		metadata := map[string]any{}
		content := ""
		if v, ok := hit.Fields["content"].(string); ok {
			content = v
		}
		if v, ok := hit.Fields["scope"].(string); ok && v != "" {
			metadata["scope"] = v
		}
		if v, ok := hit.Fields["doc_type"].(string); ok && v != "" {
			metadata["type"] = v
		}
		if v, ok := hit.Fields["category"].(string); ok && v != "" {
			metadata["category"] = v
		}
		if v, ok := hit.Fields["confidence"].(float64); ok && v > 0 {
			metadata["confidence"] = v
		}

		matches = append(matches, gateway.RawMatch{
			ID:            hit.ID,
			Content:       content,
			Metadata:      metadata,
			BaseRelevance: relevance,
		})
	}
	return matches
}

var _ gateway.Store = (*Store)(nil)
