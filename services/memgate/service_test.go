// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package memgate

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/memgate/services/memgate/config"
)

func newTestService(t *testing.T, mutate func(*config.Config)) Service {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := config.Load()
	cfg.Backend = config.BackendBleve
	cfg.BlevePath = ""
	if mutate != nil {
		mutate(&cfg)
	}

	svc, err := New(context.Background(), cfg)
	require.NoError(t, err)
	return svc
}

func postJSON(t *testing.T, router *gin.Engine, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := config.Load()
	cfg.Backend = "postgres"

	_, err := New(context.Background(), cfg)
	assert.Error(t, err)
}

func TestNew_WeaviateWithoutURL(t *testing.T) {
	cfg := config.Load()
	cfg.Backend = config.BackendWeaviate
	cfg.WeaviateURL = ""

	_, err := New(context.Background(), cfg)
	assert.Error(t, err)
}

func TestService_StoreRetrieveRoundTrip(t *testing.T) {
	svc := newTestService(t, nil)
	router := svc.Router()

	w := postJSON(t, router, "/v1/memory/store", map[string]any{
		"scope":   "user:alice",
		"content": "alice plays guitar and practices scales every evening",
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var stored struct {
		DocumentIDs []string `json:"document_ids"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stored))
	require.NotEmpty(t, stored.DocumentIDs)

	// Retrieval goes through the worker pool; the write above already
	// resolved, so the document is queryable.
	w = postJSON(t, router, "/v1/memory/retrieve", map[string]any{
		"scope": "user:alice",
		"query": "what does alice practice on guitar",
		"limit": 5,
	})
	require.Equal(t, http.StatusOK, w.Code)

	var retrieved struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &retrieved))
	assert.Greater(t, retrieved.Count, 0)
}

func TestService_HealthAndMetrics(t *testing.T) {
	svc := newTestService(t, nil)
	router := svc.Router()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)

	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestService_TablesPathMissing(t *testing.T) {
	cfg := config.Load()
	cfg.Backend = config.BackendBleve
	cfg.TablesPath = "/nonexistent/tables.yaml"

	_, err := New(context.Background(), cfg)
	assert.Error(t, err)
}

func TestService_ConfigPlumbing(t *testing.T) {
	t.Setenv("MEMGATE_MAX_WORKERS", "2")
	t.Setenv("MEMGATE_MAX_QUERIES_PER_SEARCH", "1")

	svc := newTestService(t, nil)
	router := svc.Router()

	w := postJSON(t, router, "/v1/memory/store", map[string]any{
		"scope":   "user:bob",
		"content": "bob is learning chess openings",
	})
	require.Equal(t, http.StatusCreated, w.Code)

	w = postJSON(t, router, "/v1/memory/retrieve", map[string]any{
		"scope": "user:bob",
		"query": "chess openings bob studies",
		"limit": 3,
	})
	require.Equal(t, http.StatusOK, w.Code)
}

func TestService_DrainOnShutdownPath(t *testing.T) {
	// Run wires signal handling, which a unit test cannot drive
	// safely; exercise the drain path through the facade-facing
	// surface instead: after a completed request the in-flight list
	// must empty out quickly.
	svc := newTestService(t, nil)
	router := svc.Router()

	w := postJSON(t, router, "/v1/memory/store", map[string]any{
		"scope":   "user:carol",
		"content": "carol collects vinyl records",
	})
	require.Equal(t, http.StatusCreated, w.Code)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		req := httptest.NewRequest(http.MethodGet, "/v1/memory/inflight", nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		if bytes.Contains(rec.Body.Bytes(), []byte(`"count":0`)) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("in-flight operations did not drain")
}
