// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/memgate/services/memgate/facade"
	"github.com/AleutianAI/memgate/services/memgate/handlers"
	"github.com/AleutianAI/memgate/services/memgate/observability"
)

// SetupRoutes registers the memory gate's HTTP surface.
func SetupRoutes(router *gin.Engine, f *facade.Facade, metrics *observability.GateMetrics, backend handlers.BackendStatus) {
	router.GET("/health", handlers.HealthCheck(f, backend))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1")
	{
		memory := v1.Group("/memory")
		{
			memory.POST("/store", handlers.StoreMemory(f, metrics))
			memory.POST("/retrieve", handlers.RetrieveMemory(f, metrics))
			memory.POST("/facts", handlers.StoreFacts(f, metrics))
			memory.DELETE("", handlers.DeleteMemory(f, metrics))
			memory.GET("/inflight", handlers.ListInFlight(f))
		}
	}
}
