// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store defines the patch storage contract shared by every
// provider, the registry that holds the providers opened at start-up, and
// the checks every provider applies before it assigns a version.
//
// A Store owns one storage area for one provider kind. A Handle is attached
// to exactly one log in that area. Handles from the same Store may be used
// concurrently; appends to one log must be serialized by the caller
// (patchlog.PatchLog does this) or be resolved by the provider's own
// compare-and-set, as the coordination provider does across processes.
package store

import (
	"context"

	delta "github.com/AleutianAI/AleutianDelta/services/delta"
	"github.com/AleutianAI/AleutianDelta/services/delta/patch"
)

// Provider names used in configuration.
const (
	ProviderMem    = "mem"
	ProviderFile   = "file"
	ProviderBadger = "badger"
	ProviderCoord  = "coord"
)

// Store is one provider's storage area.
type Store interface {
	// Provider returns the provider name, e.g. "file".
	Provider() string

	// Create registers a new empty log. It fails with delta.ErrExists when a
	// log with the same id or name is already in this store.
	Create(ctx context.Context, dsd delta.DataSourceDescription) (Handle, error)

	// Connect attaches to an existing log. It fails with delta.ErrNotFound
	// when the log does not exist.
	Connect(ctx context.Context, dsd delta.DataSourceDescription) (Handle, error)

	// List returns the descriptions of every log in the store.
	List(ctx context.Context) ([]delta.DataSourceDescription, error)

	// Remove deletes a log. Providers that keep data on disk may retain it
	// under a tombstone name.
	Remove(ctx context.Context, id delta.ID) error

	// Close releases the storage area. Handles stop working.
	Close() error
}

// Handle is the storage for one log.
type Handle interface {
	// Description returns the log's data source description.
	Description() delta.DataSourceDescription

	// Append stores p as the next version.
	//
	// It fails with delta.ErrConflict when expected is not delta.VersionAny
	// and differs from the current version, or when a patch with the same
	// id is already in the log. It fails with patch.ErrMalformedPatch when
	// p has no id or breaks the transaction rules. Nothing is written on
	// failure.
	Append(ctx context.Context, p *patch.Patch, expected delta.Version) (delta.Version, error)

	// FetchVersion returns the patch at version v. Version 0 and truncated
	// versions give delta.ErrNotRetained; versions past the end give
	// delta.ErrNotFound.
	FetchVersion(ctx context.Context, v delta.Version) (*patch.Patch, error)

	// FetchID returns the patch with the given id.
	FetchID(ctx context.Context, id delta.ID) (*patch.Patch, error)

	// CurrentVersion returns the latest assigned version, 0 if none.
	CurrentVersion(ctx context.Context) (delta.Version, error)

	// Info returns the log summary.
	Info(ctx context.Context) (delta.PatchLogInfo, error)

	// Truncate drops versions before keepFrom. The latest version is always
	// kept, so keepFrom is clamped to the current version.
	Truncate(ctx context.Context, keepFrom delta.Version) error

	// Release detaches the handle without deleting data.
	Release() error
}
