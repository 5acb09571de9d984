// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/memgate/services/memgate/facade"
)

// BackendStatus reports the store backend's availability. The Weaviate
// store implements it; the embedded store has no degraded state and may
// pass nil.
type BackendStatus interface {
	State() interface{ String() string }
}

// stateFunc adapts a concrete State() method to BackendStatus.
type stateFunc func() interface{ String() string }

func (f stateFunc) State() interface{ String() string } { return f() }

// BackendStatusFunc wraps a state accessor as a BackendStatus.
func BackendStatusFunc(f func() interface{ String() string }) BackendStatus {
	return stateFunc(f)
}

// HealthCheck reports service liveness, backend state, and in-flight
// load.
func HealthCheck(f *facade.Facade, backend BackendStatus) gin.HandlerFunc {
	return func(c *gin.Context) {
		body := gin.H{
			"status":    "ok",
			"in_flight": len(f.InFlight()),
		}
		if backend != nil {
			body["backend"] = backend.State().String()
		}
		c.JSON(http.StatusOK, body)
	}
}
