package ruleparse

import (
	"errors"
	"strings"
)

// The lexer turns a rule expression into a flat list of tokens. A token is either a word (an
// operand), an operator or the end-of-line marker which is always last and appears nowhere else.
//
// The operators are AND, NOT, EXCEPT, !, &&, ( and ). Tokens are separated from each other by
// unquoted whitespace or by the occurrence of the unquoted !, &&, ( and ) operators, so "(a&&b)"
// lexes as ( a && b ). Things, whitespace included, are quoted with pairs of single quotes; within
// a quoted section a literal quote is written as two quotes. Quoting an operator turns it into a
// word, and a quoted section is not a tokenization boundary, so a'b c' is the single word "ab c".

type tokenKind byte

const (
	tkEOF tokenKind = iota
	tkWord
	tkOp
)

type token struct {
	kind tokenKind
	val  string
}

var eofToken = token{kind: tkEOF}

// pretty renders a token for error messages.
func (t token) pretty() string {
	if t.kind == tkEOF {
		return "EOL"
	}
	return t.val
}

func isSpaceByte(c byte) bool {
	switch c {
	case ' ', '\t', '\n', '\r', '\v', '\f':
		return true
	}
	return false
}

// findBreak returns the index of the next tokenizer breakpoint in s, or -1. Breakpoints are
// whitespace, "&&" and the single characters ( ) ! and '. A lone '&' breaks nothing.
func findBreak(s string) int {
	for ix := 0; ix < len(s); ix++ {
		c := s[ix]
		if isSpaceByte(c) || c == '(' || c == ')' || c == '!' || c == '\'' {
			return ix
		}
		if c == '&' && ix+1 < len(s) && s[ix+1] == '&' {
			return ix
		}
	}

	return -1
}

// matchOperator reports the operator token at the start of s, if any. The keyword operators only
// count when followed by whitespace or end of string, so "ANDOVER" is a word.
func matchOperator(s string) string {
	switch s[0] {
	case '(', ')', '!':
		return s[:1]
	}
	if strings.HasPrefix(s, "&&") {
		return "&&"
	}
	for _, kw := range []string{"AND", "NOT", "EXCEPT"} {
		if strings.HasPrefix(s, kw) {
			rest := s[len(kw):]
			if len(rest) == 0 || isSpaceByte(rest[0]) {
				return kw
			}
		}
	}

	return ""
}

// parseQuote consumes a quoted section which s must start with, returning the unquoted text and
// the remaining input.
func parseQuote(s string) (string, string, error) {
	var accum strings.Builder
	for len(s) > 0 {
		s = s[1:] // Skip the opening (or doubled) quote
		pos := strings.IndexByte(s, '\'')
		if pos < 0 {
			return "", "", errors.New("unterminated quote")
		}
		accum.WriteString(s[:pos])
		if strings.HasPrefix(s[pos:], "''") { // Quoted quote, keep going
			accum.WriteByte('\'')
			s = s[pos+1:]
			continue
		}
		return accum.String(), s[pos+1:], nil
	}

	return "", "", errors.New("unterminated quote")
}

// parseWord consumes a word, stitching together any embedded quoted sections, which do not break
// the word. This also handles fully quoted words since the quote is simply found at offset zero.
func parseWord(s string) (string, string, error) {
	var accum strings.Builder
	for len(s) > 0 {
		pos := findBreak(s)
		if pos < 0 {
			accum.WriteString(s)
			return accum.String(), "", nil
		}
		if s[pos] != '\'' {
			accum.WriteString(s[:pos])
			return accum.String(), s[pos:], nil
		}
		accum.WriteString(s[:pos])
		quoted, rest, err := parseQuote(s[pos:])
		if err != nil {
			return "", "", err
		}
		accum.WriteString(quoted)
		s = rest
	}

	return accum.String(), "", nil
}

const spaceCutset = " \t\n\r\v\f"

// tokenize converts s into the token list, always ending with the EOF token.
func tokenize(s string) ([]token, error) {
	var res []token
	s = strings.TrimLeft(s, spaceCutset)
	for len(s) > 0 {
		if op := matchOperator(s); op != "" {
			res = append(res, token{kind: tkOp, val: op})
			s = s[len(op):]
		} else {
			word, rest, err := parseWord(s)
			if err != nil {
				return nil, err
			}
			res = append(res, token{kind: tkWord, val: word})
			s = rest
		}
		s = strings.TrimLeft(s, spaceCutset)
	}
	res = append(res, eofToken)

	return res, nil
}
