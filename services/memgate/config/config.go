// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the memory gate's runtime configuration from the
// environment. Every value has a default; an unset environment is a
// valid local development setup (embedded store, no oracle).
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Backend selects the store implementation.
const (
	BackendWeaviate = "weaviate"
	BackendBleve    = "bleve"
)

// Config is the full runtime configuration.
type Config struct {
	// ListenAddr is the HTTP listen address.
	ListenAddr string

	// Backend is the store implementation: "weaviate" or "bleve".
	Backend string

	// WeaviateURL is the Weaviate server URL when Backend is weaviate.
	WeaviateURL string

	// WeaviateAPIKey enables bearer auth when non-empty.
	WeaviateAPIKey string

	// AllowStartDegraded lets the service start while Weaviate is down.
	AllowStartDegraded bool

	// BlevePath is the index directory when Backend is bleve. Empty
	// means memory-only.
	BlevePath string

	// OracleAPIKey enables the fact-extraction oracle when non-empty.
	OracleAPIKey string

	// OracleBaseURL overrides the oracle endpoint for local
	// OpenAI-compatible servers.
	OracleBaseURL string

	// OracleModel is the extraction model.
	OracleModel string

	// OracleRPS rate-limits oracle calls per second.
	OracleRPS float64

	// OracleBurst is the oracle limiter burst.
	OracleBurst int

	// MaxWorkers bounds the worker pool.
	MaxWorkers int

	// MaxRetries bounds write retries.
	MaxRetries int

	// RetryBase is the linear backoff base.
	RetryBase time.Duration

	// MinQueryWeight excludes light sub-queries from execution.
	MinQueryWeight float64

	// MaxQueriesPerSearch caps sub-queries per retrieval.
	MaxQueriesPerSearch int

	// RetrievalStrategy is "multi_query" or "basic".
	RetrievalStrategy string

	// TablesPath optionally overrides the classifier keyword tables
	// with a YAML file, hot-reloaded on change.
	TablesPath string

	// DrainTimeout bounds shutdown draining.
	DrainTimeout time.Duration
}

// Load reads the configuration from the environment.
func Load() Config {
	return Config{
		ListenAddr:          getEnvString("MEMGATE_LISTEN_ADDR", ":8091"),
		Backend:             getEnvString("MEMGATE_BACKEND", BackendBleve),
		WeaviateURL:         getEnvString("MEMGATE_WEAVIATE_URL", "http://localhost:8080"),
		WeaviateAPIKey:      getEnvString("MEMGATE_WEAVIATE_API_KEY", ""),
		AllowStartDegraded:  getEnvBool("MEMGATE_ALLOW_START_DEGRADED", false),
		BlevePath:           getEnvString("MEMGATE_BLEVE_PATH", ""),
		OracleAPIKey:        getEnvString("MEMGATE_ORACLE_API_KEY", ""),
		OracleBaseURL:       getEnvString("MEMGATE_ORACLE_BASE_URL", ""),
		OracleModel:         getEnvString("MEMGATE_ORACLE_MODEL", "gpt-4o-mini"),
		OracleRPS:           getEnvFloat("MEMGATE_ORACLE_RPS", 2),
		OracleBurst:         getEnvInt("MEMGATE_ORACLE_BURST", 4),
		MaxWorkers:          getEnvInt("MEMGATE_MAX_WORKERS", 4),
		MaxRetries:          getEnvInt("MEMGATE_MAX_RETRIES", 3),
		RetryBase:           getEnvDuration("MEMGATE_RETRY_BASE", 100*time.Millisecond),
		MinQueryWeight:      getEnvFloat("MEMGATE_MIN_QUERY_WEIGHT", 0.5),
		MaxQueriesPerSearch: getEnvInt("MEMGATE_MAX_QUERIES_PER_SEARCH", 3),
		RetrievalStrategy:   getEnvString("MEMGATE_RETRIEVAL_STRATEGY", "multi_query"),
		TablesPath:          getEnvString("MEMGATE_TABLES_PATH", ""),
		DrainTimeout:        getEnvDuration("MEMGATE_DRAIN_TIMEOUT", 30*time.Second),
	}
}

// Validate rejects configurations the service cannot start with.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendWeaviate:
		if c.WeaviateURL == "" {
			return fmt.Errorf("MEMGATE_WEAVIATE_URL must be set for the weaviate backend")
		}
	case BackendBleve:
	default:
		return fmt.Errorf("unknown backend %q (want %s or %s)", c.Backend, BackendWeaviate, BackendBleve)
	}

	if c.MaxWorkers < 1 {
		return fmt.Errorf("max workers must be at least 1")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries must be non-negative")
	}
	if c.MinQueryWeight <= 0 || c.MinQueryWeight > 1 {
		return fmt.Errorf("min query weight must be in (0, 1]")
	}
	return nil
}

// getEnvString returns an environment variable, or defaultVal if not set.
func getEnvString(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

// getEnvInt returns an environment variable as int, or defaultVal if not set/invalid.
func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

// getEnvBool returns an environment variable as bool, or defaultVal if not set/invalid.
func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if boolVal, err := strconv.ParseBool(val); err == nil {
			return boolVal
		}
	}
	return defaultVal
}

// getEnvFloat returns an environment variable as float64, or defaultVal if not set/invalid.
func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if floatVal, err := strconv.ParseFloat(val, 64); err == nil {
			return floatVal
		}
	}
	return defaultVal
}

// getEnvDuration returns an environment variable as duration, or defaultVal if not set/invalid.
func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
