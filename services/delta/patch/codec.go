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
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"
)

// ContentType is the media type of the text encoding.
const ContentType = "application/rdf-patch"

// FormatOperation returns the text record for op, without the newline.
func FormatOperation(op Operation) (string, error) {
	switch op.Kind {
	case OpHeader:
		if !validHeaderField(op.Field) {
			return "", fmt.Errorf("%w: invalid header field %q", ErrMalformedPatch, op.Field)
		}
		v, err := formatTerm(op.Value)
		if err != nil {
			return "", fmt.Errorf("%w: header %s: %v", ErrMalformedPatch, op.Field, err)
		}
		return codeHeader + " " + op.Field + " " + v + " .", nil

	case OpAdd, OpDelete:
		terms := []Term{op.Quad.S, op.Quad.P, op.Quad.O}
		if !op.Quad.G.IsZero() {
			terms = append(terms, op.Quad.G)
		}
		var b strings.Builder
		b.WriteString(op.Kind.String())
		for _, t := range terms {
			s, err := formatTerm(t)
			if err != nil {
				return "", fmt.Errorf("%w: %s: %v", ErrMalformedPatch, op.Kind, err)
			}
			b.WriteByte(' ')
			b.WriteString(s)
		}
		b.WriteString(" .")
		return b.String(), nil

	case OpAddPrefix, OpDeletePrefix:
		if !utf8.ValidString(op.Prefix) || !utf8.ValidString(op.URI) {
			return "", fmt.Errorf("%w: %s: prefix %q is not valid UTF-8", ErrMalformedPatch, op.Kind, op.Prefix)
		}
		var b strings.Builder
		b.WriteString(op.Kind.String())
		b.WriteString(` "`)
		b.WriteString(escapeString(op.Prefix))
		b.WriteByte('"')
		if op.Kind == OpAddPrefix {
			b.WriteString(` "`)
			b.WriteString(escapeString(op.URI))
			b.WriteByte('"')
		}
		if !op.Graph.IsZero() {
			g, err := formatTerm(op.Graph)
			if err != nil {
				return "", fmt.Errorf("%w: %s: %v", ErrMalformedPatch, op.Kind, err)
			}
			b.WriteByte(' ')
			b.WriteString(g)
		}
		b.WriteString(" .")
		return b.String(), nil

	case OpTxnBegin, OpTxnCommit, OpTxnAbort, OpSegment:
		return op.Kind.String() + " .", nil
	}
	return "", fmt.Errorf("%w: unknown operation kind %d", ErrMalformedPatch, uint8(op.Kind))
}

// validHeaderField reports whether field reads back as the same single
// word: no blanks or control characters, no leading term syntax and no
// trailing '.'.
func validHeaderField(field string) bool {
	if field == "" || !utf8.ValidString(field) {
		return false
	}
	if strings.HasSuffix(field, ".") || strings.HasPrefix(field, "_:") ||
		field[0] == '<' || field[0] == '"' {
		return false
	}
	for _, r := range field {
		if r <= ' ' || r == 0x7f {
			return false
		}
	}
	return true
}

// Writer encodes operations as text. It is a Sink.
//
// Thread Safety: Not safe for concurrent use.
type Writer struct {
	w *bufio.Writer
}

// NewWriter returns a Writer on w. Call Flush when done.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriter(w)}
}

// Apply implements Sink.
func (w *Writer) Apply(op Operation) error {
	line, err := FormatOperation(op)
	if err != nil {
		return err
	}
	if _, err := w.w.WriteString(line); err != nil {
		return err
	}
	return w.w.WriteByte('\n')
}

// Flush writes buffered data to the underlying writer.
func (w *Writer) Flush() error {
	return w.w.Flush()
}

// Encode writes p to w in text form.
func Encode(w io.Writer, p *Patch) error {
	pw := NewWriter(w)
	if err := p.Play(pw); err != nil {
		return err
	}
	return pw.Flush()
}

// EncodeBytes returns the text form of p.
func EncodeBytes(p *Patch) ([]byte, error) {
	var buf bytes.Buffer
	if err := Encode(&buf, p); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode reads a whole patch from r.
func Decode(r io.Reader) (*Patch, error) {
	pr := NewReader(r)
	var ops []Operation
	for {
		op, err := pr.Next()
		if err == io.EOF {
			return &Patch{Ops: ops}, nil
		}
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
}

// DecodeBytes decodes a patch held in memory.
func DecodeBytes(data []byte) (*Patch, error) {
	return Decode(bytes.NewReader(data))
}

// Apply reads operations from r and sends each to sink as it is decoded.
// Operations before a malformed record have already been applied when the
// error is returned.
func Apply(r io.Reader, sink Sink) error {
	pr := NewReader(r)
	for {
		op, err := pr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := sink.Apply(op); err != nil {
			return err
		}
	}
}
