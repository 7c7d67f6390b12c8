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
	"github.com/AleutianAI/AleutianDelta/services/delta"
)

// Header field names written by this module.
const (
	HeaderID       = "id"
	HeaderPrevious = "previous"
)

// Patch is an ordered list of operations.
type Patch struct {
	Ops []Operation
}

// New returns a patch holding ops. The slice is not copied.
func New(ops ...Operation) *Patch {
	return &Patch{Ops: ops}
}

// Len returns the number of operations.
func (p *Patch) Len() int {
	return len(p.Ops)
}

// Header returns the value of the first header with the given field.
func (p *Patch) Header(field string) (Term, bool) {
	for _, op := range p.Ops {
		if op.Kind == OpHeader && op.Field == field {
			return op.Value, true
		}
	}
	return Term{}, false
}

// ID returns the patch id from the "id" header, or the zero ID.
func (p *Patch) ID() delta.ID {
	return p.headerID(HeaderID)
}

// Previous returns the previous patch id from the "previous" header, or the
// zero ID for the first patch of a log.
func (p *Patch) Previous() delta.ID {
	return p.headerID(HeaderPrevious)
}

func (p *Patch) headerID(field string) delta.ID {
	t, ok := p.Header(field)
	if !ok || t.Kind != TermIRI {
		return delta.NilID
	}
	id, err := delta.ParseID(t.Value)
	if err != nil {
		return delta.NilID
	}
	return id
}

// Play sends every operation to sink in order, stopping at the first error.
func (p *Patch) Play(sink Sink) error {
	for _, op := range p.Ops {
		if err := sink.Apply(op); err != nil {
			return err
		}
	}
	return nil
}

// Body returns the operations after the header block.
func (p *Patch) Body() []Operation {
	for i, op := range p.Ops {
		if op.Kind != OpHeader {
			return p.Ops[i:]
		}
	}
	return nil
}

// IDTerm returns the header term for an id.
func IDTerm(id delta.ID) Term {
	return IRI(id.URI())
}

// -----------------------------------------------------------------------------
// Builder
// -----------------------------------------------------------------------------

// Builder accumulates operations into a Patch. It is a Sink.
//
// Header operations are kept in a block ahead of the body regardless of the
// order they arrive in; a second header with the same field replaces the
// first. The patch id is assigned when the builder is created.
//
// Thread Safety: Not safe for concurrent use.
type Builder struct {
	headers []Operation
	body    []Operation
}

// NewBuilder returns a builder whose patch carries a fresh id.
func NewBuilder() *Builder {
	return NewBuilderWithID(delta.NewID())
}

// NewBuilderWithID returns a builder whose patch carries id.
func NewBuilderWithID(id delta.ID) *Builder {
	b := &Builder{}
	b.setHeader(HeaderOp(HeaderID, IDTerm(id)))
	return b
}

// NewCollector returns a builder that records operations verbatim, with no
// id header of its own.
func NewCollector() *Builder {
	return &Builder{}
}

// Apply implements Sink.
func (b *Builder) Apply(op Operation) error {
	if op.Kind == OpHeader {
		b.setHeader(op)
		return nil
	}
	b.body = append(b.body, op)
	return nil
}

func (b *Builder) setHeader(op Operation) {
	for i := range b.headers {
		if b.headers[i].Field == op.Field {
			b.headers[i] = op
			return
		}
	}
	b.headers = append(b.headers, op)
}

// SetPrevious records the id of the patch this one follows. A zero id is
// ignored.
func (b *Builder) SetPrevious(prev delta.ID) {
	if prev.IsZero() {
		return
	}
	b.setHeader(HeaderOp(HeaderPrevious, IDTerm(prev)))
}

// Begin appends a transaction begin marker.
func (b *Builder) Begin() { b.body = append(b.body, BeginOp()) }

// Commit appends a transaction commit marker.
func (b *Builder) Commit() { b.body = append(b.body, CommitOp()) }

// Abort appends a transaction abort marker.
func (b *Builder) Abort() { b.body = append(b.body, AbortOp()) }

// Add appends an add-quad operation.
func (b *Builder) Add(q Quad) { b.body = append(b.body, AddOp(q)) }

// Delete appends a delete-quad operation.
func (b *Builder) Delete(q Quad) { b.body = append(b.body, DeleteOp(q)) }

// AddPrefix appends an add-prefix operation.
func (b *Builder) AddPrefix(graph Term, prefix, uri string) {
	b.body = append(b.body, AddPrefixOp(graph, prefix, uri))
}

// DeletePrefix appends a delete-prefix operation.
func (b *Builder) DeletePrefix(graph Term, prefix string) {
	b.body = append(b.body, DeletePrefixOp(graph, prefix))
}

// Empty reports whether no body operations have been recorded.
func (b *Builder) Empty() bool {
	return len(b.body) == 0
}

// Patch returns the accumulated patch. The builder may keep being used; the
// returned patch does not share storage with it.
func (b *Builder) Patch() *Patch {
	ops := make([]Operation, 0, len(b.headers)+len(b.body))
	ops = append(ops, b.headers...)
	ops = append(ops, b.body...)
	return &Patch{Ops: ops}
}
