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
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const eventWriteTimeout = 10 * time.Second

// HandleEvents handles GET /v1/delta/datasets/:id/events.
//
// Description:
//
//	Upgrades to a websocket and sends a JSON patchlog.Event after each
//	append to the log. A client that reads slowly receives the newest event
//	rather than every event. The server closes the socket when the data
//	source is removed or the server shuts down. Messages from the client are
//	read and discarded so control frames are processed.
func (h *Handlers) HandleEvents(c *gin.Context) {
	logger := h.requestLogger(c, "HandleEvents")
	ds, ok := h.dataSource(c, logger)
	if !ok {
		return
	}

	// subscribe first so no append after the handshake is missed
	events, cancel := ds.Log().Subscribe()
	defer cancel()

	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn("failed to upgrade the websocket", slog.String("error", err.Error()))
		return
	}
	defer ws.Close()
	logger.Debug("event stream opened", slog.String("dataset", ds.Name()))

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(h.ping)
	defer ticker.Stop()
	for {
		select {
		case <-gone:
			logger.Debug("event stream closed by client")
			return
		case <-c.Request.Context().Done():
			return
		case <-ticker.C:
			deadline := time.Now().Add(eventWriteTimeout)
			if err := ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		case ev, ok := <-events:
			if !ok {
				msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "data source closed")
				_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(eventWriteTimeout))
				return
			}
			_ = ws.SetWriteDeadline(time.Now().Add(eventWriteTimeout))
			if err := ws.WriteJSON(ev); err != nil {
				logger.Debug("event write failed", slog.String("error", err.Error()))
				return
			}
		}
	}
}
