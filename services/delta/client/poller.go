// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package client

import (
	"context"
	"errors"
	"log/slog"
	"time"

	delta "github.com/AleutianAI/AleutianDelta/services/delta"
	"github.com/AleutianAI/AleutianDelta/services/delta/link"
)

// Poll defaults.
const (
	DefaultPollInterval = 2 * time.Second
	DefaultPollBackoff  = 3 * time.Second
)

// Poller runs Sync in the background until stopped.
type Poller struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Poll starts syncing c every interval. After a failed sync the next
// attempt waits an extra backoff. When the link can push versions the
// poller also syncs as soon as one arrives. Zero durations take the
// defaults.
func (c *Connection) Poll(interval, backoff time.Duration) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if backoff <= 0 {
		backoff = DefaultPollBackoff
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Poller{cancel: cancel, done: make(chan struct{})}
	go c.poll(ctx, p.done, interval, backoff)
	return p
}

func (c *Connection) poll(ctx context.Context, done chan<- struct{}, interval, backoff time.Duration) {
	defer close(done)
	logger := c.logger.With(slog.String("task", "poller"))
	logger.Debug("poller started", slog.Duration("interval", interval))

	var wake <-chan delta.Version
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Debug("poller stopped")
			return
		case <-timer.C:
		case _, ok := <-wake:
			if !ok {
				wake = nil
				continue
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}

		wait := interval
		if _, err := c.Sync(ctx); err != nil {
			if ctx.Err() != nil {
				continue
			}
			logger.Warn("sync failed", slog.String("error", err.Error()))
			wait += backoff
		} else if wake == nil {
			wake = c.watch(ctx)
		}
		timer.Reset(wait)
	}
}

// watch subscribes to pushed versions if the link supports it.
func (c *Connection) watch(ctx context.Context) <-chan delta.Version {
	w, ok := c.link.(link.Watcher)
	if !ok {
		return nil
	}
	ch, err := w.Watch(ctx, c.dsd.ID)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			c.logger.Debug("watch unavailable, polling only", slog.String("error", err.Error()))
		}
		return nil
	}
	return ch
}

// Stop ends polling and waits for an in-flight sync to return.
func (p *Poller) Stop() {
	p.cancel()
	<-p.done
}

// Done is closed when the poller has stopped.
func (p *Poller) Done() <-chan struct{} {
	return p.done
}
