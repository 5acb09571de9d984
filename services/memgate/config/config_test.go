// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, ":8091", cfg.ListenAddr)
	assert.Equal(t, BackendBleve, cfg.Backend)
	assert.Equal(t, 4, cfg.MaxWorkers)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 100*time.Millisecond, cfg.RetryBase)
	assert.Equal(t, 0.5, cfg.MinQueryWeight)
	assert.Equal(t, 3, cfg.MaxQueriesPerSearch)
	assert.Equal(t, "multi_query", cfg.RetrievalStrategy)
	assert.Empty(t, cfg.OracleAPIKey)

	require.NoError(t, cfg.Validate())
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("MEMGATE_BACKEND", "weaviate")
	t.Setenv("MEMGATE_WEAVIATE_URL", "http://weaviate:8080")
	t.Setenv("MEMGATE_MAX_WORKERS", "8")
	t.Setenv("MEMGATE_MIN_QUERY_WEIGHT", "0.7")
	t.Setenv("MEMGATE_ALLOW_START_DEGRADED", "true")
	t.Setenv("MEMGATE_RETRY_BASE", "250ms")

	cfg := Load()

	assert.Equal(t, BackendWeaviate, cfg.Backend)
	assert.Equal(t, "http://weaviate:8080", cfg.WeaviateURL)
	assert.Equal(t, 8, cfg.MaxWorkers)
	assert.Equal(t, 0.7, cfg.MinQueryWeight)
	assert.True(t, cfg.AllowStartDegraded)
	assert.Equal(t, 250*time.Millisecond, cfg.RetryBase)

	require.NoError(t, cfg.Validate())
}

func TestLoad_InvalidValuesFallBack(t *testing.T) {
	t.Setenv("MEMGATE_MAX_WORKERS", "lots")
	t.Setenv("MEMGATE_MIN_QUERY_WEIGHT", "half")
	t.Setenv("MEMGATE_ALLOW_START_DEGRADED", "yep")

	cfg := Load()

	assert.Equal(t, 4, cfg.MaxWorkers)
	assert.Equal(t, 0.5, cfg.MinQueryWeight)
	assert.False(t, cfg.AllowStartDegraded)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(c *Config) {}, false},
		{"unknown backend", func(c *Config) { c.Backend = "postgres" }, true},
		{"weaviate without url", func(c *Config) {
			c.Backend = BackendWeaviate
			c.WeaviateURL = ""
		}, true},
		{"zero workers", func(c *Config) { c.MaxWorkers = 0 }, true},
		{"negative retries", func(c *Config) { c.MaxRetries = -1 }, true},
		{"weight out of range", func(c *Config) { c.MinQueryWeight = 1.5 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Load()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
