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
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianDelta/services/delta/observability"
)

const requestIDKey = "request_id"

// getOrCreateRequestID returns the request id, taking it from the
// X-Request-ID header when the client sent one.
func getOrCreateRequestID(c *gin.Context) string {
	if id := c.GetString(requestIDKey); id != "" {
		return id
	}
	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Set(requestIDKey, requestID)
	c.Header("X-Request-ID", requestID)
	return requestID
}

// RequestID assigns every request an id and echoes it in X-Request-ID.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		getOrCreateRequestID(c)
		c.Next()
	}
}

// Metrics records the count and latency of every request by route
// template, so ids in the path do not create new series.
func Metrics(m *observability.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		if c.IsWebsocket() && status == http.StatusOK {
			status = http.StatusSwitchingProtocols
		}
		m.RecordHTTP(route, status, time.Since(start))
	}
}
