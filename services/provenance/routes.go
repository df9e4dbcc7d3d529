// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package provenance

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/provgraph/services/provenance/telemetry"
)

// RegisterRoutes registers the provenance endpoints on rg.
//
//	GET  /v1/provenance/health - Liveness
//	POST /v1/provenance/build  - Compile trials into a document
func RegisterRoutes(rg *gin.RouterGroup, handlers *Handlers) {
	prov := rg.Group("/provenance")
	prov.GET("/health", handlers.HandleHealth)
	prov.POST("/build", handlers.HandleBuild)
}

// NewRouter builds the gin engine used by `provgraph serve`: recovery and
// tracing middleware, the /v1 routes, and /metrics when the Prometheus
// exporter is active.
func NewRouter(handlers *Handlers) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), otelgin.Middleware("provgraph"))

	RegisterRoutes(router.Group("/v1"), handlers)

	if h := telemetry.MetricsHandler(); h != nil {
		router.GET("/metrics", gin.WrapH(h))
	}
	return router
}
