// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package link defines how a client talks to a patch log server, and the
// in-process Local implementation. The HTTP implementation lives in
// link/httplink.
package link

import (
	"context"

	delta "github.com/AleutianAI/AleutianDelta/services/delta"
	"github.com/AleutianAI/AleutianDelta/services/delta/patch"
)

// Link is a client's connection to a patch log server.
//
// Errors keep their kind across every implementation: callers test them
// with errors.Is against the sentinels in the delta and patch packages.
// Remote implementations report an unreachable server as
// delta.ErrLinkUnavailable.
type Link interface {
	// NewDataSource registers a new empty log and returns its id.
	NewDataSource(ctx context.Context, name, uri string) (delta.ID, error)

	// RemoveDataSource deletes a log.
	RemoveDataSource(ctx context.Context, id delta.ID) error

	// ListDatasets returns the ids of every log.
	ListDatasets(ctx context.Context) ([]delta.ID, error)

	// ListDescriptions returns the description of every log.
	ListDescriptions(ctx context.Context) ([]delta.DataSourceDescription, error)

	// GetDataSourceDescription returns nil and no error when id is unknown.
	GetDataSourceDescription(ctx context.Context, id delta.ID) (*delta.DataSourceDescription, error)

	// GetDataSourceDescriptionByName returns nil and no error when name is
	// unknown.
	GetDataSourceDescriptionByName(ctx context.Context, name string) (*delta.DataSourceDescription, error)

	// GetPatchLogInfo returns the log summary.
	GetPatchLogInfo(ctx context.Context, id delta.ID) (delta.PatchLogInfo, error)

	// GetCurrentVersion returns the latest version of a log.
	GetCurrentVersion(ctx context.Context, id delta.ID) (delta.Version, error)

	// Append stores p if the log is at version expected and returns the
	// assigned version. delta.VersionAny skips the check.
	Append(ctx context.Context, id delta.ID, p *patch.Patch, expected delta.Version) (delta.Version, error)

	// FetchVersion returns the patch at version v.
	FetchVersion(ctx context.Context, id delta.ID, v delta.Version) (*patch.Patch, error)

	// FetchID returns the patch with the given patch id.
	FetchID(ctx context.Context, id delta.ID, patchID delta.ID) (*patch.Patch, error)

	// Close releases the link.
	Close() error
}

// Watcher is implemented by links that can push new versions.
type Watcher interface {
	// Watch sends the version after each append to the log until ctx ends or
	// the log goes away, then closes the channel. A slow reader sees the
	// newest version rather than every one.
	Watch(ctx context.Context, id delta.ID) (<-chan delta.Version, error)
}
