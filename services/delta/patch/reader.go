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
	"errors"
	"io"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Reader decodes patch text one record at a time.
//
// Thread Safety: Not safe for concurrent use.
type Reader struct {
	r    *bufio.Reader
	line int
	done bool
}

// NewReader returns a Reader on r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

// Line returns the number of the last line read.
func (r *Reader) Line() int {
	return r.line
}

// Next returns the next operation, or io.EOF at the end of input. Malformed
// records return a *SyntaxError.
func (r *Reader) Next() (Operation, error) {
	for !r.done {
		text, err := r.r.ReadString('\n')
		if err != nil {
			if !errors.Is(err, io.EOF) {
				return Operation{}, err
			}
			r.done = true
			if text == "" {
				break
			}
		}
		r.line++
		text = strings.TrimRight(text, "\r\n")
		trimmed := strings.TrimSpace(text)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		op, reason := parseRecord(trimmed)
		if reason != "" {
			return Operation{}, &SyntaxError{Line: r.line, Text: text, Reason: reason}
		}
		return op, nil
	}
	return Operation{}, io.EOF
}

// -----------------------------------------------------------------------------
// Record parsing
// -----------------------------------------------------------------------------

type tokenKind int

const (
	tokEnd tokenKind = iota
	tokWord
	tokTerm
	tokDot
)

type token struct {
	kind tokenKind
	word string
	term Term
}

// parseRecord parses one non-empty line. A non-empty reason means the record
// is malformed.
func parseRecord(line string) (Operation, string) {
	toks, reason := tokenize(line)
	if reason != "" {
		return Operation{}, reason
	}
	if len(toks) == 0 || toks[0].kind != tokWord {
		return Operation{}, "record does not start with a code"
	}
	if toks[len(toks)-1].kind != tokDot {
		return Operation{}, "record not terminated by '.'"
	}
	code := toks[0].word
	args := toks[1 : len(toks)-1]
	for _, a := range args {
		if a.kind == tokDot {
			return Operation{}, "unexpected '.'"
		}
	}

	switch code {
	case codeHeader:
		if len(args) != 2 || args[0].kind != tokWord || args[1].kind != tokTerm {
			return Operation{}, "header needs a field name and a term"
		}
		return HeaderOp(args[0].word, args[1].term), ""

	case codeAdd, codeDelete:
		if len(args) != 3 && len(args) != 4 {
			return Operation{}, "quad needs 3 or 4 terms"
		}
		terms := make([]Term, len(args))
		for i, a := range args {
			if a.kind != tokTerm {
				return Operation{}, "quad position is not a term"
			}
			terms[i] = a.term
		}
		q := Quad{S: terms[0], P: terms[1], O: terms[2]}
		if len(terms) == 4 {
			q.G = terms[3]
		}
		if code == codeAdd {
			return AddOp(q), ""
		}
		return DeleteOp(q), ""

	case codeAddPrefix:
		if len(args) != 2 && len(args) != 3 {
			return Operation{}, "add prefix needs a prefix, a URI and an optional graph"
		}
		prefix, ok := stringArg(args[0])
		if !ok {
			return Operation{}, "prefix must be a string"
		}
		uri, ok := stringArg(args[1])
		if !ok {
			return Operation{}, "prefix URI must be a string or IRI"
		}
		op := AddPrefixOp(Term{}, prefix, uri)
		if len(args) == 3 {
			if args[2].kind != tokTerm {
				return Operation{}, "prefix graph is not a term"
			}
			op.Graph = args[2].term
		}
		return op, ""

	case codeDeletePrefix:
		if len(args) != 1 && len(args) != 2 {
			return Operation{}, "delete prefix needs a prefix and an optional graph"
		}
		prefix, ok := stringArg(args[0])
		if !ok {
			return Operation{}, "prefix must be a string"
		}
		op := DeletePrefixOp(Term{}, prefix)
		if len(args) == 2 {
			if args[1].kind != tokTerm {
				return Operation{}, "prefix graph is not a term"
			}
			op.Graph = args[1].term
		}
		return op, ""

	case codeTxnBegin, codeTxnCommit, codeTxnAbort, codeSegment:
		if len(args) != 0 {
			return Operation{}, code + " takes no arguments"
		}
		switch code {
		case codeTxnBegin:
			return BeginOp(), ""
		case codeTxnCommit:
			return CommitOp(), ""
		case codeTxnAbort:
			return AbortOp(), ""
		}
		return SegmentOp(), ""
	}
	return Operation{}, "unknown record code " + strconv.Quote(code)
}

// stringArg accepts a plain literal or an IRI as a string value.
func stringArg(t token) (string, bool) {
	if t.kind != tokTerm {
		return "", false
	}
	switch {
	case t.term.Kind == TermLiteral && t.term.Lang == "" && t.term.Datatype == "":
		return t.term.Value, true
	case t.term.Kind == TermIRI:
		return t.term.Value, true
	}
	return "", false
}

func tokenize(line string) ([]token, string) {
	var toks []token
	i := 0
	for {
		for i < len(line) && (line[i] == ' ' || line[i] == '\t') {
			i++
		}
		if i >= len(line) {
			return toks, ""
		}
		switch c := line[i]; {
		case c == '<':
			v, n, reason := readIRI(line[i:])
			if reason != "" {
				return nil, reason
			}
			toks = append(toks, token{kind: tokTerm, term: IRI(v)})
			i += n

		case c == '"':
			t, n, reason := readLiteral(line[i:])
			if reason != "" {
				return nil, reason
			}
			toks = append(toks, token{kind: tokTerm, term: t})
			i += n

		case c == '_' && i+1 < len(line) && line[i+1] == ':':
			j := i + 2
			for j < len(line) && line[j] != ' ' && line[j] != '\t' {
				j++
			}
			label := line[i+2 : j]
			trailingDot := strings.HasSuffix(label, ".")
			label = strings.TrimSuffix(label, ".")
			if label == "" {
				return nil, "empty blank node label"
			}
			toks = append(toks, token{kind: tokTerm, term: Blank(label)})
			if trailingDot {
				toks = append(toks, token{kind: tokDot})
			}
			i = j

		case c == '.' && (i+1 == len(line) || line[i+1] == ' ' || line[i+1] == '\t'):
			toks = append(toks, token{kind: tokDot})
			i++

		default:
			j := i
			for j < len(line) && line[j] != ' ' && line[j] != '\t' {
				j++
			}
			word := line[i:j]
			if strings.HasSuffix(word, ".") && len(word) > 1 {
				toks = append(toks, token{kind: tokWord, word: word[:len(word)-1]}, token{kind: tokDot})
			} else {
				toks = append(toks, token{kind: tokWord, word: word})
			}
			i = j
		}
	}
}

// readIRI reads <...> at the start of s and returns the unescaped IRI and
// the number of bytes consumed.
func readIRI(s string) (string, int, string) {
	var b strings.Builder
	i := 1
	for i < len(s) {
		c := s[i]
		switch c {
		case '>':
			return b.String(), i + 1, ""
		case '\\':
			r, n, reason := readUnicodeEscape(s[i:])
			if reason != "" {
				return "", 0, reason
			}
			b.WriteRune(r)
			i += n
		case ' ', '\t', '<', '"':
			return "", 0, "illegal character in IRI"
		default:
			b.WriteByte(c)
			i++
		}
	}
	return "", 0, "unterminated IRI"
}

// readLiteral reads a quoted literal with optional @lang or ^^<datatype>.
func readLiteral(s string) (Term, int, string) {
	var b strings.Builder
	i := 1
	closed := false
	for i < len(s) && !closed {
		c := s[i]
		switch c {
		case '"':
			closed = true
			i++
		case '\\':
			if i+1 >= len(s) {
				return Term{}, 0, "bad escape in string"
			}
			switch s[i+1] {
			case 't':
				b.WriteByte('\t')
				i += 2
			case 'b':
				b.WriteByte('\b')
				i += 2
			case 'n':
				b.WriteByte('\n')
				i += 2
			case 'r':
				b.WriteByte('\r')
				i += 2
			case 'f':
				b.WriteByte('\f')
				i += 2
			case '"':
				b.WriteByte('"')
				i += 2
			case '\'':
				b.WriteByte('\'')
				i += 2
			case '\\':
				b.WriteByte('\\')
				i += 2
			case 'u', 'U':
				r, n, reason := readUnicodeEscape(s[i:])
				if reason != "" {
					return Term{}, 0, reason
				}
				b.WriteRune(r)
				i += n
			default:
				return Term{}, 0, "bad escape in string"
			}
		default:
			b.WriteByte(c)
			i++
		}
	}
	if !closed {
		return Term{}, 0, "unterminated string"
	}
	t := Literal(b.String())
	switch {
	case i < len(s) && s[i] == '@':
		j := i + 1
		for j < len(s) && isLangRune(rune(s[j])) {
			j++
		}
		if j == i+1 {
			return Term{}, 0, "empty language tag"
		}
		t.Lang = s[i+1 : j]
		i = j
	case strings.HasPrefix(s[i:], "^^<"):
		dt, n, reason := readIRI(s[i+2:])
		if reason != "" {
			return Term{}, 0, reason
		}
		t.Datatype = dt
		i += 2 + n
	}
	if i < len(s) && s[i] != ' ' && s[i] != '\t' && s[i] != '.' {
		return Term{}, 0, "unexpected character after string"
	}
	return t, i, ""
}

// readUnicodeEscape reads \uXXXX or \UXXXXXXXX.
func readUnicodeEscape(s string) (rune, int, string) {
	if len(s) < 2 {
		return 0, 0, "bad escape"
	}
	var width int
	switch s[1] {
	case 'u':
		width = 4
	case 'U':
		width = 8
	default:
		return 0, 0, "bad escape"
	}
	if len(s) < 2+width {
		return 0, 0, "short unicode escape"
	}
	v, err := strconv.ParseUint(s[2:2+width], 16, 32)
	if err != nil || !utf8.ValidRune(rune(v)) {
		return 0, 0, "bad unicode escape"
	}
	return rune(v), 2 + width, ""
}
