// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package httplink

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	delta "github.com/AleutianAI/AleutianDelta/services/delta"
	"github.com/AleutianAI/AleutianDelta/services/delta/link"
	"github.com/AleutianAI/AleutianDelta/services/delta/patchlog"
)

// Watch opens the event websocket for a log and sends each announced
// version. The channel closes when ctx ends, the server closes the stream,
// or the connection fails; callers fall back to polling.
func (c *Client) Watch(ctx context.Context, id delta.ID) (<-chan delta.Version, error) {
	wsURL := "ws" + strings.TrimPrefix(c.base, "http") + datasetPath(id) + "/events"
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: c.http.Timeout,
	}
	conn, resp, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil && resp.StatusCode >= http.StatusBadRequest {
			defer resp.Body.Close()
			return nil, decodeError(resp)
		}
		return nil, fmt.Errorf("%w: watch: %v", delta.ErrLinkUnavailable, err)
	}

	out := make(chan delta.Version, 1)
	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-stop:
		}
		conn.Close()
	}()
	go func() {
		defer close(out)
		defer close(stop)
		for {
			var ev patchlog.Event
			if err := conn.ReadJSON(&ev); err != nil {
				if ctx.Err() == nil {
					c.logger.Debug("event stream ended", slog.String("dataset", id.String()), slog.String("error", err.Error()))
				}
				return
			}
			link.Offer(out, ev.Version)
		}
	}()
	return out, nil
}
