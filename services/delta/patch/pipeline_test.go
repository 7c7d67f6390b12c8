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
	"testing"

	delta "github.com/AleutianAI/AleutianDelta/services/delta"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestExternalTxnCommitAndAbort walks one committed and one aborted
// transaction through the wrapper.
func TestExternalTxnCommitAndAbort(t *testing.T) {
	c := NewCollector()
	txn := NewExternalTxn(c)

	q1 := Triple(exS, exP, Literal("1"))
	q2 := Triple(exS, exP, Literal("2"))

	require.NoError(t, txn.Apply(BeginOp()))
	assert.Equal(t, 1, txn.Depth())
	require.NoError(t, txn.Apply(AddOp(q1)))
	require.NoError(t, txn.Apply(DeleteOp(q2)))
	require.NoError(t, txn.Apply(CommitOp()))

	assert.Equal(t, 0, txn.Depth())
	assert.Equal(t, 1, txn.Begins())
	assert.Equal(t, 1, txn.Commits())
	assert.Equal(t, []Operation{AddOp(q1), DeleteOp(q2)}, c.Patch().Ops)

	require.NoError(t, txn.Apply(BeginOp()))
	err := txn.Apply(AbortOp())
	assert.True(t, errors.Is(err, ErrTxnAbort))
	assert.Equal(t, 2, txn.Begins())
	assert.Equal(t, 1, txn.Commits())
}

// TestExternalTxnMisplacedMarkers verifies markers that do not nest fail.
func TestExternalTxnMisplacedMarkers(t *testing.T) {
	txn := NewExternalTxn(Discard)
	assert.ErrorIs(t, txn.Apply(CommitOp()), ErrTxnState)

	require.NoError(t, txn.Apply(SegmentOp()))
	require.NoError(t, txn.Apply(BeginOp()))
	assert.ErrorIs(t, txn.Apply(SegmentOp()), ErrTxnState)
}

// TestExternalTxnForwardsHeaders verifies headers pass through unchanged.
func TestExternalTxnForwardsHeaders(t *testing.T) {
	c := NewCollector()
	p := samplePatch(t)

	sink := Chain(c, ExternalTxnStage())
	err := p.Play(sink)
	require.ErrorIs(t, err, ErrTxnAbort)

	got := c.Patch()
	assert.Equal(t, p.ID(), got.ID())
	assert.Equal(t, p.Previous(), got.Previous())
	for _, op := range got.Ops {
		assert.NotEqual(t, OpTxnBegin, op.Kind)
		assert.NotEqual(t, OpTxnCommit, op.Kind)
	}
}

// TestChainOrder verifies the first stage sees operations first.
func TestChainOrder(t *testing.T) {
	var seen []string
	mark := func(name string) Stage {
		return func(next Sink) Sink {
			return SinkFunc(func(op Operation) error {
				seen = append(seen, name)
				return next.Apply(op)
			})
		}
	}

	sink := Chain(SinkFunc(func(Operation) error {
		seen = append(seen, "sink")
		return nil
	}), mark("a"), mark("b"))

	require.NoError(t, sink.Apply(BeginOp()))
	assert.Equal(t, []string{"a", "b", "sink"}, seen)
}

// TestTee verifies every destination receives the stream and errors stop it.
func TestTee(t *testing.T) {
	a, b := NewCollector(), NewCollector()
	p := New(BeginOp(), AddOp(Triple(exS, exP, exS)), CommitOp())

	require.NoError(t, p.Play(Tee(a, b)))
	assert.Equal(t, p.Ops, a.Patch().Ops)
	assert.Equal(t, p.Ops, b.Patch().Ops)

	boom := errors.New("boom")
	c := NewCollector()
	failing := SinkFunc(func(Operation) error { return boom })
	err := p.Play(Tee(failing, c))
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, c.Patch().Len())
}

// TestDropHeaders verifies the header filter.
func TestDropHeaders(t *testing.T) {
	c := NewCollector()
	require.NoError(t, samplePatch(t).Play(Chain(c, DropHeaders())))
	for _, op := range c.Patch().Ops {
		assert.NotEqual(t, OpHeader, op.Kind)
	}
	assert.True(t, c.Patch().ID().IsZero())
}

// TestValidate covers the structural rules.
func TestValidate(t *testing.T) {
	add := AddOp(Triple(exS, exP, exS))
	hdr := HeaderOp(HeaderID, IDTerm(delta.NewID()))

	valid := [][]Operation{
		nil,
		{hdr},
		{hdr, BeginOp(), add, CommitOp()},
		{BeginOp(), add, AbortOp(), SegmentOp(), BeginOp(), add, CommitOp()},
		{BeginOp(), AddPrefixOp(DefaultGraph, "a", "b"), DeletePrefixOp(DefaultGraph, "a"), CommitOp()},
	}
	for i, ops := range valid {
		assert.NoError(t, Validate(New(ops...)), "valid case %d", i)
	}

	invalid := [][]Operation{
		{add},
		{BeginOp(), add},
		{BeginOp(), BeginOp(), CommitOp(), CommitOp()},
		{CommitOp()},
		{AbortOp()},
		{BeginOp(), SegmentOp(), CommitOp()},
		{BeginOp(), CommitOp(), hdr},
		{{Kind: OpKind(42)}},
	}
	for i, ops := range invalid {
		assert.ErrorIs(t, Validate(New(ops...)), ErrMalformedPatch, "invalid case %d", i)
	}
}

// TestBuilder covers header handling and copy semantics.
func TestBuilder(t *testing.T) {
	id := delta.NewID()
	b := NewBuilderWithID(id)
	assert.True(t, b.Empty())

	b.SetPrevious(delta.NilID)
	_, ok := b.Patch().Header(HeaderPrevious)
	assert.False(t, ok)

	prev := delta.NewID()
	b.Begin()
	require.NoError(t, b.Apply(HeaderOp("note", Literal("x"))))
	b.SetPrevious(prev)
	b.Add(Triple(exS, exP, exS))
	b.Commit()
	assert.False(t, b.Empty())

	p := b.Patch()
	assert.Equal(t, id, p.ID())
	assert.Equal(t, prev, p.Previous())
	require.Len(t, p.Ops, 6)
	assert.Equal(t, OpHeader, p.Ops[0].Kind)
	assert.Equal(t, OpHeader, p.Ops[1].Kind)
	assert.Equal(t, OpHeader, p.Ops[2].Kind)
	assert.Len(t, p.Body(), 3)
	require.NoError(t, Validate(p))

	// replacing the id keeps a single id header
	require.NoError(t, b.Apply(HeaderOp(HeaderID, IDTerm(prev))))
	p2 := b.Patch()
	assert.Equal(t, prev, p2.ID())
	assert.Len(t, p2.Ops, 6)
	assert.Equal(t, id, p.ID())

	assert.NotEqual(t, NewBuilder().Patch().ID(), NewBuilder().Patch().ID())
}

// TestPatchIDHeaderForms verifies ids written as urn:uuid IRIs are read too.
func TestPatchIDHeaderForms(t *testing.T) {
	id := delta.NewID()
	p := New(HeaderOp(HeaderID, IRI("urn:uuid:"+id.UUID().String())))
	assert.Equal(t, id, p.ID())

	p = New(HeaderOp(HeaderID, Literal(id.String())))
	assert.True(t, p.ID().IsZero())
	assert.True(t, p.Previous().IsZero())
}

// TestTermString covers the encoded form of each term kind.
func TestTermString(t *testing.T) {
	assert.Equal(t, "<a:b>", IRI("a:b").String())
	assert.Equal(t, "_:n1", Blank("n1").String())
	assert.Equal(t, `"v"@en-GB`, LangLiteral("v", "en-GB").String())
	assert.Equal(t, `"1"^^<a:int>`, TypedLiteral("1", "a:int").String())
	assert.Equal(t, "", DefaultGraph.String())
	assert.Equal(t, "literal", TermLiteral.String())
	assert.Equal(t, `<a:s> <a:p> "o" <a:g>`, NewQuad(IRI("a:g"), IRI("a:s"), IRI("a:p"), Literal("o")).String())
	assert.Equal(t, "TC .", CommitOp().String())
	assert.True(t, OpAddPrefix.IsData())
	assert.False(t, OpSegment.IsData())
}
