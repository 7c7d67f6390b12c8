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
	"fmt"
	"strings"
	"unicode/utf8"
)

// TermKind distinguishes the lexical forms of a term.
type TermKind uint8

const (
	// TermNone is the zero term. As a graph it names the default graph.
	TermNone TermKind = iota
	// TermIRI is an IRI, written <...>.
	TermIRI
	// TermBlank is a blank node, written _:label.
	TermBlank
	// TermLiteral is a literal, written "..." with optional @lang or ^^<dt>.
	TermLiteral
)

// String returns the kind name.
func (k TermKind) String() string {
	switch k {
	case TermNone:
		return "none"
	case TermIRI:
		return "iri"
	case TermBlank:
		return "blank"
	case TermLiteral:
		return "literal"
	default:
		return fmt.Sprintf("TermKind(%d)", uint8(k))
	}
}

// Term is an RDF term. Terms are comparable values; nothing in this module
// looks inside a term except the codec.
type Term struct {
	Kind     TermKind
	Value    string
	Lang     string
	Datatype string
}

// DefaultGraph is the graph term used for quads in the default graph.
var DefaultGraph = Term{}

// IRI returns an IRI term.
func IRI(iri string) Term {
	return Term{Kind: TermIRI, Value: iri}
}

// Blank returns a blank node term.
func Blank(label string) Term {
	return Term{Kind: TermBlank, Value: label}
}

// Literal returns a simple literal.
func Literal(lexical string) Term {
	return Term{Kind: TermLiteral, Value: lexical}
}

// LangLiteral returns a language-tagged literal.
func LangLiteral(lexical, lang string) Term {
	return Term{Kind: TermLiteral, Value: lexical, Lang: lang}
}

// TypedLiteral returns a literal with a datatype IRI.
func TypedLiteral(lexical, datatype string) Term {
	return Term{Kind: TermLiteral, Value: lexical, Datatype: datatype}
}

// IsZero reports whether t is the zero term.
func (t Term) IsZero() bool {
	return t.Kind == TermNone
}

// String returns the encoded form of the term, or "" for the zero term.
func (t Term) String() string {
	s, err := formatTerm(t)
	if err != nil {
		return ""
	}
	return s
}

// Quad is a (graph, subject, predicate, object) tuple. A zero G is the
// default graph.
type Quad struct {
	G Term
	S Term
	P Term
	O Term
}

// NewQuad returns a quad from its four terms.
func NewQuad(g, s, p, o Term) Quad {
	return Quad{G: g, S: s, P: p, O: o}
}

// Triple returns a quad in the default graph.
func Triple(s, p, o Term) Quad {
	return Quad{S: s, P: p, O: o}
}

// String returns the quad in patch record form without the A/D marker.
func (q Quad) String() string {
	parts := []string{q.S.String(), q.P.String(), q.O.String()}
	if !q.G.IsZero() {
		parts = append(parts, q.G.String())
	}
	return strings.Join(parts, " ")
}

// -----------------------------------------------------------------------------
// Term encoding
// -----------------------------------------------------------------------------

func formatTerm(t Term) (string, error) {
	if !utf8.ValidString(t.Value) || !utf8.ValidString(t.Datatype) {
		return "", fmt.Errorf("%s %q is not valid UTF-8", t.Kind, t.Value)
	}
	switch t.Kind {
	case TermIRI:
		return "<" + escapeIRI(t.Value) + ">", nil
	case TermBlank:
		if t.Value == "" || strings.ContainsAny(t.Value, " \t\r\n") || strings.HasSuffix(t.Value, ".") {
			return "", fmt.Errorf("invalid blank node label %q", t.Value)
		}
		return "_:" + t.Value, nil
	case TermLiteral:
		s := `"` + escapeString(t.Value) + `"`
		switch {
		case t.Lang != "" && t.Datatype != "":
			return "", fmt.Errorf("literal %q has both language and datatype", t.Value)
		case t.Lang != "":
			if !validLang(t.Lang) {
				return "", fmt.Errorf("invalid language tag %q", t.Lang)
			}
			return s + "@" + t.Lang, nil
		case t.Datatype != "":
			return s + "^^<" + escapeIRI(t.Datatype) + ">", nil
		}
		return s, nil
	default:
		return "", fmt.Errorf("cannot encode term of kind %s", t.Kind)
	}
}

func escapeString(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		case '\b':
			b.WriteString(`\b`)
		case '\f':
			b.WriteString(`\f`)
		default:
			if r < 0x20 {
				fmt.Fprintf(&b, `\u%04X`, r)
			} else {
				b.WriteRune(r)
			}
		}
	}
	return b.String()
}

func escapeIRI(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r <= 0x20, r == '<', r == '>', r == '"', r == '{', r == '}',
			r == '|', r == '^', r == '`', r == '\\':
			fmt.Fprintf(&b, `\u%04X`, r)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func validLang(lang string) bool {
	if lang == "" {
		return false
	}
	for _, r := range lang {
		if !isLangRune(r) {
			return false
		}
	}
	return true
}

func isLangRune(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-'
}
