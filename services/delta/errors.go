// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package delta

import "errors"

// Sentinel errors shared by stores, logs and links.
//
// Storage errors pass through the patch log and link layers wrapped but
// unchanged in kind, so callers test them with errors.Is.
var (
	// ErrNotFound indicates the data source, version or patch id does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates the expected-version check on append failed.
	// The caller must sync and retry; nothing in this module retries it.
	ErrConflict = errors.New("version conflict")

	// ErrNotRetained indicates a version that existed but has been truncated.
	ErrNotRetained = errors.New("patch not retained")

	// ErrExists indicates a data source with the same id or name already exists.
	ErrExists = errors.New("already exists")

	// ErrLinkUnavailable indicates the server could not be reached.
	ErrLinkUnavailable = errors.New("link unavailable")

	// ErrDiverged indicates a replica is ahead of the log it follows, so
	// the log was reset or the replica tracks a different log.
	ErrDiverged = errors.New("replica ahead of log")

	// ErrClosed is returned by operations on a released log or closed store.
	ErrClosed = errors.New("closed")
)
