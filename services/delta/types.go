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

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// -----------------------------------------------------------------------------
// Identifiers
// -----------------------------------------------------------------------------

// ID identifies a data source or a patch.
//
// Description:
//
//	IDs are random UUIDs. The zero value means "no id" (for example the
//	previous-patch header of the first patch in a log). The textual form is
//	"id:<uuid>"; inside patches an ID is written as the IRI "uuid:<uuid>".
type ID uuid.UUID

// NilID is the zero ID.
var NilID ID

// NewID returns a fresh random ID.
func NewID() ID {
	return ID(uuid.New())
}

// ParseID parses "id:<uuid>", "uuid:<uuid>", "urn:uuid:<uuid>" or a bare UUID.
func ParseID(s string) (ID, error) {
	raw := s
	for _, prefix := range []string{"id:", "urn:uuid:", "uuid:"} {
		if strings.HasPrefix(raw, prefix) {
			raw = raw[len(prefix):]
			break
		}
	}
	u, err := uuid.Parse(raw)
	if err != nil {
		return NilID, fmt.Errorf("parse id %q: %w", s, err)
	}
	return ID(u), nil
}

// IsZero reports whether id is the zero ID.
func (id ID) IsZero() bool {
	return id == NilID
}

// UUID returns the underlying UUID.
func (id ID) UUID() uuid.UUID {
	return uuid.UUID(id)
}

// String returns "id:<uuid>", or "" for the zero ID.
func (id ID) String() string {
	if id.IsZero() {
		return ""
	}
	return "id:" + uuid.UUID(id).String()
}

// URI returns the IRI form used in patch headers.
func (id ID) URI() string {
	return "uuid:" + uuid.UUID(id).String()
}

// MarshalText implements encoding.TextMarshaler.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Empty text is the zero ID.
func (id *ID) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*id = NilID
		return nil
	}
	parsed, err := ParseID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// -----------------------------------------------------------------------------
// Versions
// -----------------------------------------------------------------------------

// Version is the position of a patch in a log. The first patch is version 1.
type Version int64

const (
	// VersionInit is the version of a log with no patches.
	VersionInit Version = 0

	// VersionAny disables the expected-version check on append.
	// Only a caller that is the sole writer of a log should use it.
	VersionAny Version = -1
)

// -----------------------------------------------------------------------------
// Descriptions
// -----------------------------------------------------------------------------

// DataSourceDescription names one patch log. It is created when the log is
// registered and never changes afterwards.
type DataSourceDescription struct {
	ID   ID     `json:"id"`
	Name string `json:"name"`
	URI  string `json:"uri,omitempty"`
}

// NewDataSourceDescription returns a description with a fresh ID.
//
// Outputs:
//
//	DataSourceDescription - The description.
//	error - Non-nil if name is not a valid data source name.
func NewDataSourceDescription(name, uri string) (DataSourceDescription, error) {
	if err := ValidateName(name); err != nil {
		return DataSourceDescription{}, err
	}
	return DataSourceDescription{ID: NewID(), Name: name, URI: uri}, nil
}

// String returns a short human readable form.
func (d DataSourceDescription) String() string {
	return fmt.Sprintf("[%s %s <%s>]", d.Name, d.ID, d.URI)
}

// ErrInvalidName is returned for data source names that cannot be used as a
// storage key or directory name.
var ErrInvalidName = errors.New("invalid data source name")

// ValidateName checks that name is usable as a directory and key component.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty", ErrInvalidName)
	}
	if name == "." || name == ".." || strings.HasPrefix(name, ".") {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if strings.ContainsAny(name, "/\\:*?\"<>| \t\r\n") {
		return fmt.Errorf("%w: %q contains a reserved character", ErrInvalidName, name)
	}
	return nil
}

// PatchLogInfo summarizes the state of a log.
//
// MinVersion is the earliest version still retained (0 when the log is
// empty). MaxVersion is the latest assigned version. LatestPatch is the id of
// the patch at MaxVersion.
type PatchLogInfo struct {
	DataSource  ID      `json:"id"`
	MinVersion  Version `json:"min_version"`
	MaxVersion  Version `json:"max_version"`
	LatestPatch ID      `json:"latest_patch"`
}
