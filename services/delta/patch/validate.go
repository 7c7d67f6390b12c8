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

// Validate checks the structural rules of a patch:
//
//   - header operations come before everything else
//   - transactions do not nest and are closed by a commit or an abort
//   - quad and prefix operations occur only inside a transaction
//   - segment markers occur only between transactions
//
// Failures wrap ErrMalformedPatch.
func Validate(p *Patch) error {
	inTxn := false
	inHeader := true
	for i, op := range p.Ops {
		if op.Kind != OpHeader {
			inHeader = false
		}
		switch op.Kind {
		case OpHeader:
			if !inHeader {
				return invalid(i, op, "header after body")
			}
		case OpTxnBegin:
			if inTxn {
				return invalid(i, op, "nested transaction")
			}
			inTxn = true
		case OpTxnCommit, OpTxnAbort:
			if !inTxn {
				return invalid(i, op, "no open transaction")
			}
			inTxn = false
		case OpSegment:
			if inTxn {
				return invalid(i, op, "segment inside transaction")
			}
		case OpAdd, OpDelete, OpAddPrefix, OpDeletePrefix:
			if !inTxn {
				return invalid(i, op, "change outside transaction")
			}
		default:
			return invalid(i, op, "unknown operation")
		}
	}
	if inTxn {
		return fmt.Errorf("%w: transaction not closed", ErrMalformedPatch)
	}
	return nil
}

func invalid(i int, op Operation, reason string) error {
	return fmt.Errorf("%w: operation %d (%s): %s", ErrMalformedPatch, i+1, op.Kind, reason)
}
