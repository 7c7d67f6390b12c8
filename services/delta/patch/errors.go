// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package patch

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedPatch is returned when patch text or a patch value does not
	// follow the format. Decode errors wrap it in a *SyntaxError.
	ErrMalformedPatch = errors.New("malformed patch")

	// ErrTxnAbort is raised when a transaction abort marker is replayed.
	ErrTxnAbort = errors.New("transaction aborted")

	// ErrTxnState is returned for transaction markers that do not nest, such
	// as a commit with no open transaction or a segment inside one.
	ErrTxnState = errors.New("transaction marker out of place")
)

// SyntaxError describes a malformed patch record.
type SyntaxError struct {
	// Line is the 1-based line number.
	Line int
	// Text is the offending line.
	Text string
	// Reason says what was wrong.
	Reason string
}

// Error implements error.
func (e *SyntaxError) Error() string {
	return fmt.Sprintf("malformed patch: line %d: %s: %q", e.Line, e.Reason, e.Text)
}

// Unwrap returns ErrMalformedPatch.
func (e *SyntaxError) Unwrap() error {
	return ErrMalformedPatch
}
