// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers exposes the memory facade over HTTP. Each handler
// submits through the async facade and waits on the future, so HTTP
// callers get synchronous semantics while internal callers keep futures.
package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/memgate/services/memgate/facade"
	"github.com/AleutianAI/memgate/services/memgate/gateway"
	"github.com/AleutianAI/memgate/services/memgate/observability"
	"github.com/AleutianAI/memgate/services/memgate/weaviate"
)

// StoreRequest is the POST /v1/memory/store body.
type StoreRequest struct {
	Scope    string         `json:"scope" binding:"required"`
	Content  string         `json:"content" binding:"required"`
	Metadata map[string]any `json:"metadata"`
}

// RetrieveRequest is the POST /v1/memory/retrieve body.
type RetrieveRequest struct {
	Scope string `json:"scope" binding:"required"`
	Query string `json:"query" binding:"required"`
	Limit int    `json:"limit"`
}

// FactsRequest is the POST /v1/memory/facts body.
type FactsRequest struct {
	Scope string `json:"scope" binding:"required"`
	Text  string `json:"text" binding:"required"`
}

// StoreMemory persists conversation content and responds with the ids
// of the written documents.
func StoreMemory(f *facade.Facade, metrics *observability.GateMetrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req StoreRequest
		if err := c.BindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}

		start := time.Now()
		future, err := f.StoreAsync(c.Request.Context(), req.Scope, req.Content, req.Metadata)
		if err != nil {
			metrics.ValidationFailuresTotal.WithLabelValues(observability.OpStore).Inc()
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		metrics.InFlightOperations.Set(float64(len(f.InFlight())))

		ids, err := future.Wait(c.Request.Context())
		metrics.RecordOperation(observability.OpStore, err, time.Since(start).Seconds())
		if err != nil {
			slog.Error("store operation failed", "scope", req.Scope, "error", err)
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusCreated, gin.H{
			"status":       "success",
			"document_ids": ids,
		})
	}
}

// RetrieveMemory searches the scope and responds with ranked results.
// An empty result list is a normal 200, not an error.
func RetrieveMemory(f *facade.Facade, metrics *observability.GateMetrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req RetrieveRequest
		if err := c.BindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		if req.Limit <= 0 {
			req.Limit = 10
		}

		start := time.Now()
		future, err := f.RetrieveAsync(c.Request.Context(), req.Scope, req.Query, req.Limit)
		if err != nil {
			metrics.ValidationFailuresTotal.WithLabelValues(observability.OpRetrieve).Inc()
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		results, err := future.Wait(c.Request.Context())
		metrics.RecordOperation(observability.OpRetrieve, err, time.Since(start).Seconds())
		if err != nil {
			slog.Error("retrieve operation failed", "scope", req.Scope, "error", err)
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		metrics.RetrievalResults.Observe(float64(len(results)))

		c.JSON(http.StatusOK, gin.H{
			"results": results,
			"count":   len(results),
		})
	}
}

// StoreFacts extracts and persists durable facts from the given text.
func StoreFacts(f *facade.Facade, metrics *observability.GateMetrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req FactsRequest
		if err := c.BindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}

		start := time.Now()
		future, err := f.StoreFactAsync(c.Request.Context(), req.Scope, req.Text)
		if err != nil {
			metrics.ValidationFailuresTotal.WithLabelValues(observability.OpStoreFact).Inc()
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		curated, err := future.Wait(c.Request.Context())
		metrics.RecordOperation(observability.OpStoreFact, err, time.Since(start).Seconds())
		if err != nil {
			slog.Error("fact curation failed", "scope", req.Scope, "error", err)
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		metrics.FactDecisionsTotal.WithLabelValues("accepted").Add(float64(len(curated)))

		c.JSON(http.StatusOK, gin.H{
			"facts": curated,
			"count": len(curated),
		})
	}
}

// DeleteMemory removes every document in the scope given by the "scope"
// query parameter.
func DeleteMemory(f *facade.Facade, metrics *observability.GateMetrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		scope := c.Query("scope")

		start := time.Now()
		future, err := f.DeleteScopeAsync(c.Request.Context(), scope)
		if err != nil {
			metrics.ValidationFailuresTotal.WithLabelValues(observability.OpDelete).Inc()
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		count, err := future.Wait(c.Request.Context())
		metrics.RecordOperation(observability.OpDelete, err, time.Since(start).Seconds())
		if err != nil {
			slog.Error("scope delete failed", "scope", scope, "error", err)
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, gin.H{"deleted": count})
	}
}

// ListInFlight reports the operations queued or running on the worker
// pool.
func ListInFlight(f *facade.Facade) gin.HandlerFunc {
	return func(c *gin.Context) {
		ops := f.InFlight()
		c.JSON(http.StatusOK, gin.H{
			"operations": ops,
			"count":      len(ops),
		})
	}
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, gateway.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, gateway.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, gateway.ErrStoreUnavailable),
		errors.Is(err, weaviate.ErrCircuitOpen):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
