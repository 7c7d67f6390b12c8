// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package httpserver

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// BasePath is the prefix of every patch log route.
const BasePath = "/v1/delta"

// RegisterRoutes registers all /v1/delta/* endpoints.
//
// Description:
//
//	rg is the /v1 group; it should already carry any middleware.
//
// Endpoints:
//
//	GET    /v1/delta/health                        - Liveness and data source count
//	GET    /v1/delta/datasets                      - List descriptions
//	POST   /v1/delta/datasets                      - Create a data source
//	GET    /v1/delta/datasets/by-name/:name        - Look up by name
//	GET    /v1/delta/datasets/:id                  - Get a description
//	DELETE /v1/delta/datasets/:id                  - Remove a data source
//	GET    /v1/delta/datasets/:id/info             - Patch log info
//	GET    /v1/delta/datasets/:id/version          - Current version
//	POST   /v1/delta/datasets/:id/patches          - Append (?expected=n)
//	GET    /v1/delta/datasets/:id/patches/:ref     - Fetch by version or patch id
//	GET    /v1/delta/datasets/:id/events           - Websocket version events
func RegisterRoutes(rg *gin.RouterGroup, h *Handlers) {
	d := rg.Group("/delta")
	d.GET("/health", h.HandleHealth)

	d.GET("/datasets", h.HandleListDatasets)
	d.POST("/datasets", h.HandleCreateDataset)
	d.GET("/datasets/by-name/:name", h.HandleGetDatasetByName)
	d.GET("/datasets/:id", h.HandleGetDataset)
	d.DELETE("/datasets/:id", h.HandleDeleteDataset)
	d.GET("/datasets/:id/info", h.HandleInfo)
	d.GET("/datasets/:id/version", h.HandleVersion)
	d.POST("/datasets/:id/patches", h.HandleAppend)
	d.GET("/datasets/:id/patches/:ref", h.HandleFetch)
	d.GET("/datasets/:id/events", h.HandleEvents)
}

// NewRouter returns a gin engine serving the patch log routes and, when
// gatherer is non-nil, GET /metrics.
func NewRouter(h *Handlers, gatherer prometheus.Gatherer) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), RequestID(), Metrics(h.metrics))

	RegisterRoutes(router.Group("/v1"), h)
	if gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}
	return router
}
