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

import "fmt"

// ExternalTxn replays operations for a caller that manages the real
// transaction itself.
//
// Description:
//
//	Transaction markers are counted, not forwarded: the surrounding caller
//	has already opened a transaction on the destination and will commit or
//	roll it back. Header and data operations pass through to the next sink.
//	An abort marker is reported as ErrTxnAbort so the caller can discard the
//	partial transaction. Segment markers are absorbed and must occur
//	between transactions.
//
// Thread Safety: Not safe for concurrent use.
type ExternalTxn struct {
	next    Sink
	depth   int
	begins  int
	commits int
}

// NewExternalTxn returns an ExternalTxn forwarding to next.
func NewExternalTxn(next Sink) *ExternalTxn {
	return &ExternalTxn{next: next}
}

// ExternalTxnStage returns the wrapper as a pipeline stage.
func ExternalTxnStage() Stage {
	return func(next Sink) Sink { return NewExternalTxn(next) }
}

// Apply implements Sink.
func (e *ExternalTxn) Apply(op Operation) error {
	switch op.Kind {
	case OpTxnBegin:
		e.depth++
		e.begins++
		return nil
	case OpTxnCommit:
		if e.depth == 0 {
			return fmt.Errorf("%w: commit with no open transaction", ErrTxnState)
		}
		e.depth--
		e.commits++
		return nil
	case OpTxnAbort:
		return ErrTxnAbort
	case OpSegment:
		if e.depth != 0 {
			return fmt.Errorf("%w: segment inside a transaction (depth %d)", ErrTxnState, e.depth)
		}
		return nil
	}
	return e.next.Apply(op)
}

// Depth returns the current nesting depth.
func (e *ExternalTxn) Depth() int { return e.depth }

// Begins returns the number of begin markers seen.
func (e *ExternalTxn) Begins() int { return e.begins }

// Commits returns the number of commit markers seen.
func (e *ExternalTxn) Commits() int { return e.commits }
