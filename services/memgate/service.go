// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package memgate assembles the memory gate service.
//
// The package wires the store backend, the fact-extraction oracle, the
// facade, metrics, and HTTP routing into a single runnable Service.
// Components live in the subpackages; this file only composes them.
//
// # Usage
//
//	cfg := config.Load()
//	svc, err := memgate.New(context.Background(), cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	log.Fatal(svc.Run())
package memgate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/memgate/services/memgate/bleve"
	"github.com/AleutianAI/memgate/services/memgate/classify"
	"github.com/AleutianAI/memgate/services/memgate/config"
	"github.com/AleutianAI/memgate/services/memgate/dispatch"
	"github.com/AleutianAI/memgate/services/memgate/facade"
	"github.com/AleutianAI/memgate/services/memgate/facts"
	"github.com/AleutianAI/memgate/services/memgate/gateway"
	"github.com/AleutianAI/memgate/services/memgate/handlers"
	"github.com/AleutianAI/memgate/services/memgate/observability"
	"github.com/AleutianAI/memgate/services/memgate/retrieval"
	"github.com/AleutianAI/memgate/services/memgate/routes"
	weavstore "github.com/AleutianAI/memgate/services/memgate/weaviate"
)

// Service is the memory gate lifecycle.
//
// # Thread Safety
//
// Implementations are safe for concurrent use after New returns.
// Run blocks and must be called at most once per instance.
type Service interface {
	// Run starts the HTTP server and blocks until a shutdown signal
	// or a fatal server error. In-flight operations are drained
	// before Run returns.
	Run() error

	// Router returns the configured Gin engine for integration tests.
	Router() *gin.Engine
}

// service is the production implementation.
type service struct {
	config     config.Config
	logger     *slog.Logger
	store      gateway.Store
	storeClose func() error
	backend    handlers.BackendStatus
	facade     *facade.Facade
	metrics    *observability.GateMetrics
	router     *gin.Engine
	watchStop  context.CancelFunc
}

// New builds a Service from the given configuration.
//
// # Description
//
// Initialization order:
//  1. Validate configuration.
//  2. Open the store backend (weaviate or embedded bleve).
//  3. Build the classifier, with optional hot-reloaded keyword tables.
//  4. Build the oracle, if an API key is configured.
//  5. Build the facade and register metrics.
//  6. Set up HTTP routes.
//
// # Inputs
//
//   - ctx: Bounds backend connection attempts during startup.
//   - cfg: Runtime configuration, normally config.Load().
//
// # Outputs
//
//   - Service: Ready to Run.
//   - error: Non-nil if validation fails or the backend cannot open.
func New(ctx context.Context, cfg config.Config) (Service, error) {
	return newService(ctx, cfg, slog.Default())
}

// NewWithLogger is New with an explicit logger.
func NewWithLogger(ctx context.Context, cfg config.Config, logger *slog.Logger) (Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	return newService(ctx, cfg, logger)
}

func newService(ctx context.Context, cfg config.Config, logger *slog.Logger) (Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	s := &service{
		config: cfg,
		logger: logger,
	}

	if err := s.initStore(ctx); err != nil {
		return nil, err
	}

	classifier, watchStop, err := s.initClassifier()
	if err != nil {
		s.closeStore()
		return nil, err
	}
	s.watchStop = watchStop

	f, err := facade.NewFacade(s.store, facade.Config{
		Strategy:   facade.RetrievalStrategy(cfg.RetrievalStrategy),
		Oracle:     s.buildOracle(),
		Classifier: classifier,
		Dispatch: dispatch.Config{
			MaxWorkers: cfg.MaxWorkers,
			MaxRetries: retriesFor(cfg.MaxRetries),
			RetryBase:  cfg.RetryBase,
			Logger:     logger,
		},
		Retrieval: retrieval.Config{
			MinQueryWeight:      cfg.MinQueryWeight,
			MaxQueriesPerSearch: cfg.MaxQueriesPerSearch,
			Logger:              logger,
		},
		Logger: logger,
	})
	if err != nil {
		s.closeStore()
		if s.watchStop != nil {
			s.watchStop()
		}
		return nil, fmt.Errorf("failed to create facade: %w", err)
	}
	s.facade = f

	s.metrics = observability.InitMetrics()
	s.initRouter()

	return s, nil
}

// Run starts the HTTP server and blocks until SIGINT/SIGTERM or a
// fatal server error. On signal, the listener stops accepting new
// requests, then the dispatcher drains in-flight operations for up to
// the configured drain timeout before the store is closed.
func (s *service) Run() error {
	srv := &http.Server{
		Addr:    s.config.ListenAddr,
		Handler: s.router,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("memory gate listening",
			"addr", s.config.ListenAddr,
			"backend", s.config.Backend,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case runErr = <-errCh:
		s.logger.Error("server failed", "error", runErr)
	case sig := <-sigCh:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	}
	signal.Stop(sigCh)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("http shutdown error", "error", err)
	}

	if drained := s.facade.DrainAndClose(s.config.DrainTimeout); !drained {
		s.logger.Warn("drain timed out, abandoning in-flight operations",
			"timeout", s.config.DrainTimeout.String())
	}

	if s.watchStop != nil {
		s.watchStop()
	}
	s.closeStore()

	return runErr
}

// Router returns the configured Gin engine for integration tests.
func (s *service) Router() *gin.Engine {
	return s.router
}

// initStore opens the configured store backend.
func (s *service) initStore(ctx context.Context) error {
	switch s.config.Backend {
	case config.BackendWeaviate:
		store, err := weavstore.NewStore(ctx, weavstore.Config{
			URL:                s.config.WeaviateURL,
			APIKey:             s.config.WeaviateAPIKey,
			AllowStartDegraded: s.config.AllowStartDegraded,
			Logger:             s.logger,
		})
		if err != nil {
			return fmt.Errorf("failed to open weaviate store: %w", err)
		}
		s.store = store
		s.storeClose = store.Close
		s.backend = handlers.BackendStatusFunc(func() interface{ String() string } {
			return store.State()
		})
		s.logger.Info("using weaviate store", "url", s.config.WeaviateURL)

	case config.BackendBleve:
		store, err := bleve.NewStore(bleve.Config{
			Path:   s.config.BlevePath,
			Logger: s.logger,
		})
		if err != nil {
			return fmt.Errorf("failed to open bleve store: %w", err)
		}
		s.store = store
		s.storeClose = store.Close
		if s.config.BlevePath == "" {
			s.logger.Info("using in-memory bleve store")
		} else {
			s.logger.Info("using bleve store", "path", s.config.BlevePath)
		}

	default:
		return fmt.Errorf("unknown backend %q", s.config.Backend)
	}
	return nil
}

// initClassifier builds the keyword classifier. When TablesPath is
// set, the tables are loaded from disk and watched for changes.
func (s *service) initClassifier() (*classify.Classifier, context.CancelFunc, error) {
	if s.config.TablesPath == "" {
		return classify.Default(), nil, nil
	}

	tables, err := classify.LoadTables(s.config.TablesPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load keyword tables: %w", err)
	}
	classifier := classify.NewClassifier(tables)

	watchCtx, cancel := context.WithCancel(context.Background())
	go func() {
		if err := classify.Watch(watchCtx, classifier, s.config.TablesPath); err != nil &&
			!errors.Is(err, context.Canceled) {
			s.logger.Warn("keyword table watch stopped", "error", err)
		}
	}()
	s.logger.Info("watching keyword tables", "path", s.config.TablesPath)

	return classifier, cancel, nil
}

// buildOracle returns the configured fact-extraction oracle, or nil
// when no API key is set. Fact extraction is then a no-op.
func (s *service) buildOracle() facts.Oracle {
	if s.config.OracleAPIKey == "" {
		s.logger.Info("no oracle configured, fact extraction disabled")
		return nil
	}

	oracle := facts.NewOpenAIOracle(facts.OpenAIOracleConfig{
		APIKey:  s.config.OracleAPIKey,
		BaseURL: s.config.OracleBaseURL,
		Model:   s.config.OracleModel,
	})
	s.logger.Info("oracle configured",
		"model", s.config.OracleModel,
		"base_url_set", s.config.OracleBaseURL != "",
	)
	return facts.NewRateLimitedOracle(oracle, s.config.OracleRPS, s.config.OracleBurst)
}

// initRouter sets up the Gin engine with all routes.
func (s *service) initRouter() {
	s.router = gin.Default()
	routes.SetupRoutes(s.router, s.facade, s.metrics, s.backend)
}

// retriesFor maps the env value onto the dispatcher's convention,
// where an explicit 0 means no retries and the zero value means unset.
func retriesFor(n int) int {
	if n == 0 {
		return dispatch.NoRetries
	}
	return n
}

func (s *service) closeStore() {
	if s.storeClose == nil {
		return
	}
	if err := s.storeClose(); err != nil {
		s.logger.Warn("store close error", "error", err)
	}
}

var _ Service = (*service)(nil)
