// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package weaviate implements the document store over a Weaviate backend
// with circuit-breaker protection and background health checking.
//
// Retries are deliberately absent here: write retries belong to the work
// dispatcher and read failures degrade at the retrieval layer, so this
// package only decides whether a request may reach the backend at all.
package weaviate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/fault"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/memgate/services/memgate/gateway"
)

// ClassName is the Weaviate class holding all memory documents.
const ClassName = "MemoryDocument"

const tracerName = "memgate/weaviate"

// Config configures the Weaviate store.
type Config struct {
	// URL is the server URL, e.g. "http://localhost:8080".
	URL string

	// APIKey enables bearer auth when non-empty.
	APIKey string

	// Breaker tunes the circuit breaker and health checker.
	Breaker BreakerConfig

	// AllowStartDegraded lets the store start while the backend is
	// unreachable. Default false.
	AllowStartDegraded bool

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("url must not be empty")
	}
	return c.Breaker.validate()
}

func (c *Config) applyDefaults() {
	c.Breaker.applyDefaults()
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Store is a gateway.Store backed by a Weaviate instance.
//
// # Thread Safety
//
// Safe for concurrent use.
type Store struct {
	client  *weaviate.Client
	breaker *breaker
	logger  *slog.Logger
	tracer  trace.Tracer

	// schemaReady records whether ensureSchema has succeeded. A store
	// that started degraded retries it when the backend recovers.
	schemaReady    atomic.Bool
	schemaEnsuring atomic.Bool
}

// NewStore connects to Weaviate, ensures the schema, and starts the
// health checker.
//
// # Inputs
//
//   - ctx: Bounds the initial health and schema calls.
//   - config: Connection and breaker settings. URL is required.
//
// # Outputs
//
//   - *Store: Ready for concurrent use. Close it at shutdown.
//   - error: Non-nil on bad config, or on an unreachable backend when
//     AllowStartDegraded is false.
func NewStore(ctx context.Context, config Config) (*Store, error) {
	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid weaviate config: %w", err)
	}

	scheme, host := splitURL(config.URL)
	clientConfig := weaviate.Config{Scheme: scheme, Host: host}
	if config.APIKey != "" {
		clientConfig.Headers = map[string]string{
			"Authorization": "Bearer " + config.APIKey,
		}
	}
	client, err := weaviate.NewClient(clientConfig)
	if err != nil {
		return nil, fmt.Errorf("creating weaviate client: %w", err)
	}

	logger := config.Logger.With(slog.String("component", "weaviate_store"))
	s := &Store{
		client: client,
		logger: logger,
		tracer: otel.Tracer(tracerName),
	}
	s.breaker = newBreaker(config.Breaker, logger, s.ping)

	if err := s.ping(ctx); err != nil {
		if !config.AllowStartDegraded {
			return nil, fmt.Errorf("weaviate not available: %w", err)
		}
		logger.Warn("weaviate unavailable at startup, starting degraded",
			slog.String("url", config.URL),
			slog.String("error", err.Error()))
	} else {
		s.breaker.markHealthy()
		if err := s.ensureSchema(ctx); err != nil {
			return nil, err
		}
		s.schemaReady.Store(true)
	}

	// A degraded start skipped ensureSchema; catch up when the backend
	// first comes back.
	s.breaker.onConnect = s.onRecovered
	s.breaker.start()
	logger.Info("weaviate store initialized",
		slog.String("url", config.URL),
		slog.String("state", s.breaker.state().String()))
	return s, nil
}

// Close stops the health checker.
func (s *Store) Close() error {
	s.breaker.stop()
	return nil
}

// State reports the current connection state for health endpoints.
func (s *Store) State() State {
	return s.breaker.state()
}

// Write persists one document and returns its id.
func (s *Store) Write(ctx context.Context, doc gateway.Document) (string, error) {
	ctx, span := s.tracer.Start(ctx, "weaviate.write",
		trace.WithAttributes(attribute.String("scope", doc.Scope())))
	defer span.End()

	var id string
	err := s.breaker.execute(ctx, func() error {
		creator := s.client.Data().Creator().
			WithClassName(ClassName).
			WithProperties(documentProperties(doc))
		if doc.ID != "" {
			creator = creator.WithID(doc.ID)
		}
		created, err := creator.Do(ctx)
		if err != nil {
			return err
		}
		id = string(created.Object.ID)
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "write failed")
		return "", wrapUnavailable("writing document", err)
	}
	return id, nil
}

// Query runs a semantic search constrained by the filter.
func (s *Store) Query(ctx context.Context, text string, filter gateway.Filter, limit int) ([]gateway.RawMatch, error) {
	ctx, span := s.tracer.Start(ctx, "weaviate.query",
		trace.WithAttributes(
			attribute.String("scope", filter.Scope),
			attribute.Int("limit", limit),
		))
	defer span.End()

	nearText := s.client.GraphQL().NearTextArgBuilder().
		WithConcepts([]string{text})

	var matches []gateway.RawMatch
	err := s.breaker.execute(ctx, func() error {
		builder := s.client.GraphQL().Get().
			WithClassName(ClassName).
			WithFields(matchFields()...).
			WithNearText(nearText).
			WithLimit(limit)
		if where := whereFilter(filter); where != nil {
			builder = builder.WithWhere(where)
		}

		result, err := builder.Do(ctx)
		if err != nil {
			return err
		}
		if len(result.Errors) > 0 {
			return fmt.Errorf("graphql: %s", result.Errors[0].Message)
		}
		matches = parseMatches(result)
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "query failed")
		return nil, wrapUnavailable("querying documents", err)
	}

	span.SetAttributes(attribute.Int("matches", len(matches)))
	return matches, nil
}

// Get lists documents matching the filter without semantic search.
func (s *Store) Get(ctx context.Context, filter gateway.Filter, limit int) ([]gateway.RawMatch, error) {
	ctx, span := s.tracer.Start(ctx, "weaviate.get",
		trace.WithAttributes(attribute.String("scope", filter.Scope)))
	defer span.End()

	var matches []gateway.RawMatch
	err := s.breaker.execute(ctx, func() error {
		builder := s.client.GraphQL().Get().
			WithClassName(ClassName).
			WithFields(matchFields()...).
			WithLimit(limit)
		if where := whereFilter(filter); where != nil {
			builder = builder.WithWhere(where)
		}

		result, err := builder.Do(ctx)
		if err != nil {
			return err
		}
		if len(result.Errors) > 0 {
			return fmt.Errorf("graphql: %s", result.Errors[0].Message)
		}
		matches = parseMatches(result)
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "get failed")
		return nil, wrapUnavailable("listing documents", err)
	}
	return matches, nil
}

// Delete removes the documents by id, returning how many existed.
func (s *Store) Delete(ctx context.Context, ids []string) (int, error) {
	ctx, span := s.tracer.Start(ctx, "weaviate.delete",
		trace.WithAttributes(attribute.Int("ids", len(ids))))
	defer span.End()

	deleted := 0
	for _, id := range ids {
		err := s.breaker.execute(ctx, func() error {
			return s.client.Data().Deleter().
				WithClassName(ClassName).
				WithID(id).
				Do(ctx)
		})
		if err != nil {
			if isNotFound(err) {
				continue
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, "delete failed")
			return deleted, wrapUnavailable("deleting document", err)
		}
		deleted++
	}
	return deleted, nil
}

// ping is the breaker's health probe.
func (s *Store) ping(ctx context.Context) error {
	ready, err := s.client.Misc().ReadyChecker().Do(ctx)
	if err != nil {
		return fmt.Errorf("readiness check: %w", err)
	}
	if !ready {
		return fmt.Errorf("weaviate reports not ready")
	}
	return nil
}

// onRecovered runs ensureSchema in the background once the backend
// reconnects, if it has not succeeded yet. One attempt at a time; a
// failure leaves schemaReady unset so the next reconnect retries.
func (s *Store) onRecovered() {
	if s.schemaReady.Load() || !s.schemaEnsuring.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer s.schemaEnsuring.Store(false)

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := s.ensureSchema(ctx); err != nil {
			s.logger.Warn("ensuring schema after recovery failed",
				slog.String("error", err.Error()))
			return
		}
		s.schemaReady.Store(true)
	}()
}

// ensureSchema creates the document class when missing.
func (s *Store) ensureSchema(ctx context.Context) error {
	exists, err := s.client.Schema().ClassExistenceChecker().
		WithClassName(ClassName).
		Do(ctx)
	if err != nil {
		return fmt.Errorf("checking schema: %w", err)
	}
	if exists {
		return nil
	}

	class := &models.Class{
		Class:       ClassName,
		Description: "Conversation chunks and curated facts, scoped per key",
		Properties: []*models.Property{
			{Name: "content", DataType: []string{"text"}},
			{Name: "scope", DataType: []string{"text"}},
			{Name: "docType", DataType: []string{"text"}},
			{Name: "category", DataType: []string{"text"}},
			{Name: "confidence", DataType: []string{"number"}},
			{Name: "sourceExcerpt", DataType: []string{"text"}},
			{Name: "createdAt", DataType: []string{"date"}},
		},
	}
	if err := s.client.Schema().ClassCreator().WithClass(class).Do(ctx); err != nil {
		return fmt.Errorf("creating schema class %s: %w", ClassName, err)
	}
	s.logger.Info("created weaviate class", slog.String("class", ClassName))
	return nil
}

func documentProperties(doc gateway.Document) map[string]any {
	props := map[string]any{
		"content":   doc.Content,
		"scope":     doc.Scope(),
		"docType":   doc.Type(),
		"createdAt": time.Now().UTC().Format(time.RFC3339),
	}
	if v, ok := doc.Metadata["category"].(string); ok {
		props["category"] = v
	}
	if v, ok := doc.Metadata["confidence"].(float64); ok {
		props["confidence"] = v
	}
	if v, ok := doc.Metadata["source_excerpt"].(string); ok {
		props["sourceExcerpt"] = v
	}
	return props
}

func matchFields() []graphql.Field {
	return []graphql.Field{
		{Name: "content"},
		{Name: "scope"},
		{Name: "docType"},
		{Name: "category"},
		{Name: "confidence"},
		{Name: "_additional { id certainty }"},
	}
}

// whereFilter builds the metadata conjunction; nil when the filter is
// empty.
func whereFilter(filter gateway.Filter) *filters.WhereBuilder {
	var operands []*filters.WhereBuilder
	if filter.Scope != "" {
		operands = append(operands, filters.Where().
			WithPath([]string{"scope"}).
			WithOperator(filters.Equal).
			WithValueString(filter.Scope))
	}
	if filter.DocType != "" {
		operands = append(operands, filters.Where().
			WithPath([]string{"docType"}).
			WithOperator(filters.Equal).
			WithValueString(filter.DocType))
	}

	switch len(operands) {
	case 0:
		return nil
	case 1:
		return operands[0]
	default:
		return filters.Where().
			WithOperator(filters.And).
			WithOperands(operands)
	}
}

// parseMatches flattens the GraphQL response into raw matches. Certainty
// is the base relevance; rows without one default to 0.5 so brute-filter
// listings still rank.
func parseMatches(result *models.GraphQLResponse) []gateway.RawMatch {
	get, ok := result.Data["Get"].(map[string]any)
	if !ok {
		return nil
	}
	rows, ok := get[ClassName].([]any)
	if !ok {
		return nil
	}

	matches := make([]gateway.RawMatch, 0, len(rows))
	for _, row := range rows {
		props, ok := row.(map[string]any)
		if !ok {
			continue
		}

		match := gateway.RawMatch{
			BaseRelevance: 0.5,
			Metadata:      map[string]any{},
		}
		if v, ok := props["content"].(string); ok {
			match.Content = v
		}
		for _, key := range []string{"scope", "category"} {
			if v, ok := props[key].(string); ok && v != "" {
				match.Metadata[key] = v
			}
		}
		if v, ok := props["docType"].(string); ok && v != "" {
			match.Metadata["type"] = v
		}
		if v, ok := props["confidence"].(float64); ok {
			match.Metadata["confidence"] = v
		}

		if additional, ok := props["_additional"].(map[string]any); ok {
			if id, ok := additional["id"].(string); ok {
				match.ID = id
			}
			if certainty, ok := additional["certainty"].(float64); ok {
				match.BaseRelevance = certainty
			}
		}
		if match.ID == "" {
			continue
		}
		matches = append(matches, match)
	}
	return matches
}

// isNotFound reports a 404 from the client. Delete treats those
// documents as already gone.
func isNotFound(err error) bool {
	var clientErr *fault.WeaviateClientError
	return errors.As(err, &clientErr) && clientErr.StatusCode == http.StatusNotFound
}

// wrapUnavailable maps backend failures onto the gateway taxonomy so the
// dispatcher's retry predicate recognizes them. Circuit-open and context
// errors pass through untouched.
func wrapUnavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	if isCircuitOpen(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %v", op, gateway.ErrStoreUnavailable, err)
}

func splitURL(url string) (scheme, host string) {
	switch {
	case strings.HasPrefix(url, "https://"):
		return "https", strings.TrimPrefix(url, "https://")
	case strings.HasPrefix(url, "http://"):
		return "http", strings.TrimPrefix(url, "http://")
	default:
		return "http", url
	}
}

var _ gateway.Store = (*Store)(nil)
