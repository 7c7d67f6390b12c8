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
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	delta "github.com/AleutianAI/AleutianDelta/services/delta"
	"github.com/AleutianAI/AleutianDelta/services/delta/observability"
	"github.com/AleutianAI/AleutianDelta/services/delta/patch"
	"github.com/AleutianAI/AleutianDelta/services/delta/server"
)

// DefaultMaxPatchBytes bounds the size of an uploaded patch.
const DefaultMaxPatchBytes = 64 << 20

// Options configures Handlers.
type Options struct {
	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Metrics may be nil.
	Metrics *observability.Metrics

	// MaxPatchBytes defaults to DefaultMaxPatchBytes.
	MaxPatchBytes int64

	// PingInterval is the websocket keepalive period. Default 30s.
	PingInterval time.Duration
}

// Handlers contains the HTTP handlers for the patch log service.
type Handlers struct {
	srv      *server.LocalServer
	logger   *slog.Logger
	metrics  *observability.Metrics
	maxPatch int64
	ping     time.Duration
	upgrader websocket.Upgrader
}

// NewHandlers creates handlers for srv.
func NewHandlers(srv *server.LocalServer, opts Options) *Handlers {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handlers{
		srv:      srv,
		logger:   logger.With(slog.String("component", "httpserver")),
		metrics:  opts.Metrics,
		maxPatch: opts.MaxPatchBytes,
		ping:     opts.PingInterval,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	if h.maxPatch <= 0 {
		h.maxPatch = DefaultMaxPatchBytes
	}
	if h.ping <= 0 {
		h.ping = 30 * time.Second
	}
	return h
}

func (h *Handlers) requestLogger(c *gin.Context, handler string) *slog.Logger {
	return h.logger.With(
		slog.String("request_id", getOrCreateRequestID(c)),
		slog.String("handler", handler),
	)
}

// fail writes the error response for err.
func fail(c *gin.Context, logger *slog.Logger, err error) {
	status, code := StatusFor(err)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", slog.String("error", err.Error()))
	} else {
		logger.Debug("request rejected", slog.String("code", code), slog.String("error", err.Error()))
	}
	c.AbortWithStatusJSON(status, ErrorResponse{Error: err.Error(), Code: code})
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{Error: msg, Code: CodeInvalidRequest})
}

// dataSource resolves the :id parameter.
func (h *Handlers) dataSource(c *gin.Context, logger *slog.Logger) (*server.DataSource, bool) {
	id, err := delta.ParseID(c.Param("id"))
	if err != nil {
		badRequest(c, "invalid data source id")
		return nil, false
	}
	ds, err := h.srv.Get(c.Request.Context(), id)
	if err != nil {
		fail(c, logger, err)
		return nil, false
	}
	return ds, true
}

// HandleHealth handles GET /v1/delta/health.
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:      "healthy",
		Version:     ServiceVersion,
		DataSources: h.srv.Len(),
	})
}

// HandleListDatasets handles GET /v1/delta/datasets.
func (h *Handlers) HandleListDatasets(c *gin.Context) {
	c.JSON(http.StatusOK, h.srv.List(c.Request.Context()))
}

// HandleCreateDataset handles POST /v1/delta/datasets.
//
// Request Body:
//
//	CreateRequest
//
// Response:
//
//	201 Created: DataSourceDescription
//	400 Bad Request: Missing or invalid name
//	409 Conflict: Name already in use (EXISTS)
func (h *Handlers) HandleCreateDataset(c *gin.Context) {
	logger := h.requestLogger(c, "HandleCreateDataset")

	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warn("Invalid request body", slog.String("error", err.Error()))
		badRequest(c, "invalid request body")
		return
	}
	ds, err := h.srv.CreateDataSource(c.Request.Context(), req.Name, req.URI)
	if err != nil {
		fail(c, logger, err)
		return
	}
	c.JSON(http.StatusCreated, ds.Description())
}

// HandleGetDataset handles GET /v1/delta/datasets/:id.
func (h *Handlers) HandleGetDataset(c *gin.Context) {
	logger := h.requestLogger(c, "HandleGetDataset")
	ds, ok := h.dataSource(c, logger)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, ds.Description())
}

// HandleGetDatasetByName handles GET /v1/delta/datasets/by-name/:name.
func (h *Handlers) HandleGetDatasetByName(c *gin.Context) {
	logger := h.requestLogger(c, "HandleGetDatasetByName")
	ds, err := h.srv.GetByName(c.Request.Context(), c.Param("name"))
	if err != nil {
		fail(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, ds.Description())
}

// HandleDeleteDataset handles DELETE /v1/delta/datasets/:id.
func (h *Handlers) HandleDeleteDataset(c *gin.Context) {
	logger := h.requestLogger(c, "HandleDeleteDataset")
	ds, ok := h.dataSource(c, logger)
	if !ok {
		return
	}
	if err := h.srv.Remove(c.Request.Context(), ds.ID()); err != nil {
		fail(c, logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// HandleInfo handles GET /v1/delta/datasets/:id/info.
func (h *Handlers) HandleInfo(c *gin.Context) {
	logger := h.requestLogger(c, "HandleInfo")
	ds, ok := h.dataSource(c, logger)
	if !ok {
		return
	}
	info, err := ds.Log().Info(c.Request.Context())
	if err != nil {
		fail(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

// HandleVersion handles GET /v1/delta/datasets/:id/version.
func (h *Handlers) HandleVersion(c *gin.Context) {
	logger := h.requestLogger(c, "HandleVersion")
	ds, ok := h.dataSource(c, logger)
	if !ok {
		return
	}
	v, err := ds.Log().CurrentVersion(c.Request.Context())
	if err != nil {
		fail(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, VersionResponse{Version: v})
}

// HandleAppend handles POST /v1/delta/datasets/:id/patches.
//
// Description:
//
//	Decodes the body as a patch and appends it. With ?expected=n the append
//	succeeds only if the log is at version n; without it the patch goes
//	after whatever the current version is.
//
// Response:
//
//	200 OK: VersionResponse
//	400 Bad Request: MALFORMED_PATCH or a bad expected parameter
//	404 Not Found: Unknown data source
//	409 Conflict: The log is not at the expected version
func (h *Handlers) HandleAppend(c *gin.Context) {
	logger := h.requestLogger(c, "HandleAppend")
	ds, ok := h.dataSource(c, logger)
	if !ok {
		return
	}

	expected := delta.VersionAny
	raw, hasExpected := c.GetQuery("expected")
	if hasExpected {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < int64(delta.VersionAny) {
			badRequest(c, "invalid expected version")
			return
		}
		expected = delta.Version(n)
	}

	body := http.MaxBytesReader(c.Writer, c.Request.Body, h.maxPatch)
	p, err := patch.Decode(body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge,
				ErrorResponse{Error: err.Error(), Code: CodeInvalidRequest})
			return
		}
		fail(c, logger, err)
		return
	}

	ctx := c.Request.Context()
	var v delta.Version
	if hasExpected {
		v, err = ds.Log().AppendExpected(ctx, p, expected)
	} else {
		v, err = ds.Log().Append(ctx, p)
	}
	if err != nil {
		fail(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, VersionResponse{Version: v})
}

// HandleFetch handles GET /v1/delta/datasets/:id/patches/:ref.
//
// Description:
//
//	ref is either a version number or a patch id ("id:<uuid>" or a bare
//	UUID). The response body is the patch text.
//
// Response:
//
//	200 OK: application/rdf-patch
//	404 Not Found: No such version or patch
//	410 Gone: The version was truncated (NOT_RETAINED)
func (h *Handlers) HandleFetch(c *gin.Context) {
	logger := h.requestLogger(c, "HandleFetch")
	ds, ok := h.dataSource(c, logger)
	if !ok {
		return
	}

	ref := c.Param("ref")
	ctx := c.Request.Context()
	var (
		p   *patch.Patch
		err error
	)
	if n, perr := strconv.ParseInt(ref, 10, 64); perr == nil {
		p, err = ds.Log().FetchVersion(ctx, delta.Version(n))
	} else {
		id, ierr := delta.ParseID(strings.TrimSpace(ref))
		if ierr != nil {
			badRequest(c, "patch reference must be a version or a patch id")
			return
		}
		p, err = ds.Log().FetchID(ctx, id)
	}
	if err != nil {
		fail(c, logger, err)
		return
	}

	data, err := patch.EncodeBytes(p)
	if err != nil {
		fail(c, logger, err)
		return
	}
	c.Data(http.StatusOK, patch.ContentType, data)
}
