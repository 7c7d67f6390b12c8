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

// OpKind tags an Operation.
type OpKind uint8

const (
	OpHeader OpKind = iota + 1
	OpAdd
	OpDelete
	OpAddPrefix
	OpDeletePrefix
	OpTxnBegin
	OpTxnCommit
	OpTxnAbort
	OpSegment
)

// Record codes used by the text format.
const (
	codeHeader       = "H"
	codeAdd          = "A"
	codeDelete       = "D"
	codeAddPrefix    = "PA"
	codeDeletePrefix = "PD"
	codeTxnBegin     = "TX"
	codeTxnCommit    = "TC"
	codeTxnAbort     = "TA"
	codeSegment      = "SEG"
)

// String returns the record code for the kind.
func (k OpKind) String() string {
	switch k {
	case OpHeader:
		return codeHeader
	case OpAdd:
		return codeAdd
	case OpDelete:
		return codeDelete
	case OpAddPrefix:
		return codeAddPrefix
	case OpDeletePrefix:
		return codeDeletePrefix
	case OpTxnBegin:
		return codeTxnBegin
	case OpTxnCommit:
		return codeTxnCommit
	case OpTxnAbort:
		return codeTxnAbort
	case OpSegment:
		return codeSegment
	default:
		return fmt.Sprintf("OpKind(%d)", uint8(k))
	}
}

// IsData reports whether the kind changes dataset content.
func (k OpKind) IsData() bool {
	switch k {
	case OpAdd, OpDelete, OpAddPrefix, OpDeletePrefix:
		return true
	}
	return false
}

// Operation is one record of a patch. Only the fields relevant to Kind are
// set, so operations can be compared with ==.
type Operation struct {
	Kind OpKind

	// Quad is set for OpAdd and OpDelete.
	Quad Quad

	// Field and Value are set for OpHeader.
	Field string
	Value Term

	// Graph, Prefix and URI are set for prefix operations. URI is empty for
	// OpDeletePrefix.
	Graph  Term
	Prefix string
	URI    string
}

// HeaderOp returns a header operation.
func HeaderOp(field string, value Term) Operation {
	return Operation{Kind: OpHeader, Field: field, Value: value}
}

// AddOp returns an add-quad operation.
func AddOp(q Quad) Operation {
	return Operation{Kind: OpAdd, Quad: q}
}

// DeleteOp returns a delete-quad operation.
func DeleteOp(q Quad) Operation {
	return Operation{Kind: OpDelete, Quad: q}
}

// AddPrefixOp returns an add-prefix operation. A zero graph is the dataset
// default graph.
func AddPrefixOp(graph Term, prefix, uri string) Operation {
	return Operation{Kind: OpAddPrefix, Graph: graph, Prefix: prefix, URI: uri}
}

// DeletePrefixOp returns a delete-prefix operation.
func DeletePrefixOp(graph Term, prefix string) Operation {
	return Operation{Kind: OpDeletePrefix, Graph: graph, Prefix: prefix}
}

// BeginOp returns a transaction begin marker.
func BeginOp() Operation { return Operation{Kind: OpTxnBegin} }

// CommitOp returns a transaction commit marker.
func CommitOp() Operation { return Operation{Kind: OpTxnCommit} }

// AbortOp returns a transaction abort marker.
func AbortOp() Operation { return Operation{Kind: OpTxnAbort} }

// SegmentOp returns a segment marker.
func SegmentOp() Operation { return Operation{Kind: OpSegment} }

// String returns the operation as a patch record, without the newline.
func (op Operation) String() string {
	s, err := FormatOperation(op)
	if err != nil {
		return fmt.Sprintf("<invalid %s: %v>", op.Kind, err)
	}
	return s
}
