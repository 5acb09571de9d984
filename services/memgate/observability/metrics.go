// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the memory gate.
//
// # Description
//
// Metrics cover the async facade operations (counts, latency, in-flight
// gauge), retrieval behavior (sub-queries, result counts), fact curation
// decisions, and backend availability. Exposed via the /metrics endpoint;
// use with Prometheus + Grafana.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "memgate"

const gateSubsystem = "gate"

// Operation label values.
const (
	OpStore     = "store"
	OpRetrieve  = "retrieve"
	OpStoreFact = "store_fact"
	OpDelete    = "delete"
)

// Status label values.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// GateMetrics holds all Prometheus metrics for the memory gate.
type GateMetrics struct {
	// OperationsTotal counts facade operations.
	// Labels: operation (store, retrieve, store_fact, delete),
	// status (success, error)
	OperationsTotal *prometheus.CounterVec

	// OperationDurationSeconds measures end-to-end operation latency,
	// queue wait included.
	// Labels: operation
	OperationDurationSeconds *prometheus.HistogramVec

	// InFlightOperations tracks operations queued or running on the
	// worker pool.
	InFlightOperations prometheus.Gauge

	// ValidationFailuresTotal counts requests rejected before dispatch.
	// Labels: operation
	ValidationFailuresTotal *prometheus.CounterVec

	// RetrievalResults measures how many ranked results a retrieval
	// returned.
	RetrievalResults prometheus.Histogram

	// FactDecisionsTotal counts curation outcomes.
	// Labels: decision (accepted, rejected)
	FactDecisionsTotal *prometheus.CounterVec

	// BackendUp reports store backend availability (1 up, 0 degraded).
	BackendUp prometheus.Gauge
}

// DefaultMetrics is the singleton registered against the default
// registry. Initialized by InitMetrics().
var DefaultMetrics *GateMetrics

// InitMetrics registers the gate metrics on the default registry.
// Idempotent: repeated calls return the existing singleton.
func InitMetrics() *GateMetrics {
	if DefaultMetrics == nil {
		DefaultMetrics = NewMetrics(prometheus.DefaultRegisterer)
	}
	return DefaultMetrics
}

// NewMetrics registers the gate metrics on the given registerer. Tests
// pass a private registry.
func NewMetrics(reg prometheus.Registerer) *GateMetrics {
	factory := promauto.With(reg)
	return &GateMetrics{
		OperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: gateSubsystem,
				Name:      "operations_total",
				Help:      "Facade operations by operation and status",
			},
			[]string{"operation", "status"},
		),
		OperationDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: gateSubsystem,
				Name:      "operation_duration_seconds",
				Help:      "End-to-end operation latency including queue wait",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		InFlightOperations: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: gateSubsystem,
				Name:      "in_flight_operations",
				Help:      "Operations queued or running on the worker pool",
			},
		),
		ValidationFailuresTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: gateSubsystem,
				Name:      "validation_failures_total",
				Help:      "Requests rejected before dispatch",
			},
			[]string{"operation"},
		),
		RetrievalResults: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: gateSubsystem,
				Name:      "retrieval_results",
				Help:      "Ranked results returned per retrieval",
				Buckets:   []float64{0, 1, 2, 5, 10, 20, 50},
			},
		),
		FactDecisionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: gateSubsystem,
				Name:      "fact_decisions_total",
				Help:      "Fact curation outcomes",
			},
			[]string{"decision"},
		),
		BackendUp: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: gateSubsystem,
				Name:      "backend_up",
				Help:      "Store backend availability (1 up, 0 degraded)",
			},
		),
	}
}

// RecordOperation records one completed facade operation.
func (m *GateMetrics) RecordOperation(operation string, err error, seconds float64) {
	status := StatusSuccess
	if err != nil {
		status = StatusError
	}
	m.OperationsTotal.WithLabelValues(operation, status).Inc()
	m.OperationDurationSeconds.WithLabelValues(operation).Observe(seconds)
}
