// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command memgate starts the memory gate HTTP server.
//
// The server fronts a semantic content store with a concurrency-safe,
// query-optimizing access layer. Configuration comes from environment
// variables (see the config package); a few common knobs are also
// exposed as flags.
//
// # Environment Variables
//
//   - MEMGATE_LISTEN_ADDR: HTTP listen address (default: :8091)
//   - MEMGATE_BACKEND: store backend, weaviate or bleve (default: bleve)
//   - MEMGATE_WEAVIATE_URL: Weaviate server URL
//   - MEMGATE_ORACLE_API_KEY: enables fact extraction when set
//
// # Usage
//
//	# Build
//	go build -o memgate ./cmd/memgate
//
//	# Run with the embedded store
//	./memgate serve
//
//	# Run against Weaviate
//	MEMGATE_BACKEND=weaviate MEMGATE_WEAVIATE_URL=http://localhost:8080 ./memgate serve
package main

import (
	"context"
	"log"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/memgate/pkg/logging"
	"github.com/AleutianAI/memgate/services/memgate"
	"github.com/AleutianAI/memgate/services/memgate/config"
)

var (
	flagListenAddr string
	flagBackend    string
	flagLogLevel   string
	flagLogDir     string
	flagLogJSON    bool

	rootCmd = &cobra.Command{
		Use:   "memgate",
		Short: "Concurrent, query-optimizing gate over a semantic content store",
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Start the memory gate HTTP server",
		RunE:  runServe,
	}
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Error executing command: %v", err)
	}
}

func init() {
	serveCmd.Flags().StringVar(&flagListenAddr, "listen", "", "HTTP listen address (overrides MEMGATE_LISTEN_ADDR)")
	serveCmd.Flags().StringVar(&flagBackend, "backend", "", "store backend: weaviate or bleve (overrides MEMGATE_BACKEND)")
	serveCmd.Flags().StringVar(&flagLogLevel, "log-level", "info", "minimum log level: debug, info, warn, error")
	serveCmd.Flags().StringVar(&flagLogDir, "log-dir", "", "directory for JSON log files (disabled when empty)")
	serveCmd.Flags().BoolVar(&flagLogJSON, "log-json", false, "emit JSON logs on stderr")

	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := logging.New(logging.Config{
		Level:   logging.ParseLevel(flagLogLevel),
		LogDir:  flagLogDir,
		Service: "memgate",
		JSON:    flagLogJSON,
	})
	defer logger.Close()

	cfg := config.Load()
	if flagListenAddr != "" {
		cfg.ListenAddr = flagListenAddr
	}
	if flagBackend != "" {
		cfg.Backend = flagBackend
	}

	svc, err := memgate.NewWithLogger(context.Background(), cfg, logger.Slog())
	if err != nil {
		return err
	}

	return svc.Run()
}
