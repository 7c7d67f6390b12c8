// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"fmt"

	delta "github.com/AleutianAI/AleutianDelta/services/delta"
	"github.com/AleutianAI/AleutianDelta/services/delta/patch"
)

// LogState is the persisted head of a log. Providers that keep state in a
// file or key store serialize it as JSON.
type LogState struct {
	Version delta.Version `json:"version"`
	Min     delta.Version `json:"min"`
	Latest  delta.ID      `json:"latest"`
}

// Info returns the state as a PatchLogInfo for the given data source.
func (s LogState) Info(id delta.ID) delta.PatchLogInfo {
	return delta.PatchLogInfo{
		DataSource:  id,
		MinVersion:  s.Min,
		MaxVersion:  s.Version,
		LatestPatch: s.Latest,
	}
}

// Next returns the state after appending the patch with the given id.
func (s LogState) Next(id delta.ID) LogState {
	next := LogState{Version: s.Version + 1, Min: s.Min, Latest: id}
	if next.Min == 0 {
		next.Min = 1
	}
	return next
}

// CheckPatch validates a patch for append and returns its id.
func CheckPatch(p *patch.Patch) (delta.ID, error) {
	if p == nil {
		return delta.NilID, fmt.Errorf("%w: nil patch", patch.ErrMalformedPatch)
	}
	id := p.ID()
	if id.IsZero() {
		return delta.NilID, fmt.Errorf("%w: patch has no id header", patch.ErrMalformedPatch)
	}
	if err := patch.Validate(p); err != nil {
		return delta.NilID, err
	}
	return id, nil
}

// CheckExpected applies the optimistic concurrency check.
func CheckExpected(expected, current delta.Version) error {
	if expected == delta.VersionAny || expected == current {
		return nil
	}
	return fmt.Errorf("%w: expected version %d, log is at %d", delta.ErrConflict, expected, current)
}

// CheckFetch classifies a version against the retained range of s.
func CheckFetch(v delta.Version, s LogState) error {
	switch {
	case v > s.Version || v < 0:
		return fmt.Errorf("%w: version %d (latest %d)", delta.ErrNotFound, v, s.Version)
	case v == 0 || v < s.Min:
		return fmt.Errorf("%w: version %d (retained from %d)", delta.ErrNotRetained, v, s.Min)
	}
	return nil
}

// DuplicateID returns the conflict error for a patch id already in a log.
func DuplicateID(id delta.ID, at delta.Version) error {
	return fmt.Errorf("%w: patch %s already stored at version %d", delta.ErrConflict, id, at)
}

// ClampKeep returns the first version to keep for a truncate request, or 0
// when there is nothing to drop.
func ClampKeep(keepFrom delta.Version, s LogState) delta.Version {
	if keepFrom > s.Version {
		keepFrom = s.Version
	}
	if keepFrom <= s.Min {
		return 0
	}
	return keepFrom
}

// Closed returns the error for an operation on a released handle.
func Closed(dsd delta.DataSourceDescription) error {
	return fmt.Errorf("log %s: %w", dsd.Name, delta.ErrClosed)
}
