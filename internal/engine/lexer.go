// Package engine implements the SQL front end: lexer, recursive-descent
// parser, cost-based planner and executor.
package engine

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/sjpalmer/relstore/internal/dberrors"
)

type tokenType int

const (
	tEOF tokenType = iota
	tIdent
	tNumber
	tString
	tSymbol
	tKeyword
)

type token struct {
	Typ tokenType
	Val string
	Pos int
}

func (t token) String() string {
	if t.Typ == tEOF {
		return "<eof>"
	}
	return t.Val
}

var keywords = map[string]bool{
	"SELECT": true, "DISTINCT": true, "FROM": true, "WHERE": true,
	"GROUP": true, "BY": true, "HAVING": true,
	"ORDER": true, "ASC": true, "DESC": true, "LIMIT": true, "OFFSET": true,
	"JOIN": true, "LEFT": true, "RIGHT": true, "INNER": true, "OUTER": true, "ON": true, "AS": true,
	"CREATE": true, "TABLE": true, "DROP": true, "INDEX": true,
	"INSERT": true, "INTO": true, "VALUES": true,
	"UPDATE": true, "SET": true, "DELETE": true,
	"BEGIN": true, "COMMIT": true, "ROLLBACK": true, "TRANSACTION": true,
	"PRIMARY": true, "FOREIGN": true, "KEY": true, "REFERENCES": true, "UNIQUE": true,
	"NOT": true, "NULL": true, "DEFAULT": true, "CHECK": true, "AUTO_INCREMENT": true,
	"AND": true, "OR": true, "IS": true, "TRUE": true, "FALSE": true, "IN": true, "LIKE": true,
	"COUNT": true, "SUM": true, "AVG": true, "MAX": true, "MIN": true,
	"INT": true, "VARCHAR": true, "CHAR": true, "TEXT": true, "BOOLEAN": true,
	"FLOAT": true, "DOUBLE": true, "DECIMAL": true,
	"DATE": true, "TIME": true, "DATETIME": true, "TIMESTAMP": true,
}

func isKeyword(upper string) bool { return keywords[upper] }

// lexer is a single-pass byte scanner over ASCII-superset SQL text; it
// is rune-aware only at identifier/string boundaries, matching the
// teacher's own scanner shape.
type lexer struct {
	s   string
	pos int
}

func newLexer(s string) *lexer { return &lexer{s: s} }

func (lx *lexer) peek() byte {
	if lx.pos >= len(lx.s) {
		return 0
	}
	return lx.s[lx.pos]
}

func (lx *lexer) peekN(n int) byte {
	p := lx.pos + n
	if p >= len(lx.s) {
		return 0
	}
	return lx.s[p]
}

func (lx *lexer) skipWS() {
	for lx.pos < len(lx.s) {
		c := lx.s[lx.pos]
		if c == ' ' || c == '\t' || c == '\n' || c == '\r' {
			lx.pos++
			continue
		}
		if c == '-' && lx.peekN(1) == '-' {
			lx.pos += 2
			for lx.pos < len(lx.s) && lx.s[lx.pos] != '\n' {
				lx.pos++
			}
			continue
		}
		if c == '/' && lx.peekN(1) == '*' {
			lx.pos += 2
			for lx.pos < len(lx.s) {
				if lx.s[lx.pos] == '*' && lx.peekN(1) == '/' {
					lx.pos += 2
					break
				}
				lx.pos++
			}
			continue
		}
		return
	}
}

// next returns the next token, or an error wrapping dberrors.ErrParse
// for an unterminated string or an unrecognized character.
func (lx *lexer) next() (token, error) {
	lx.skipWS()
	start := lx.pos
	if start >= len(lx.s) {
		return token{Typ: tEOF, Pos: start}, nil
	}
	c := lx.s[start]
	r, _ := utf8.DecodeRuneInString(lx.s[start:])
	switch {
	case c == '\'' || c == '"':
		return lx.scanString(c)
	case c >= '0' && c <= '9':
		return lx.scanNumber(), nil
	case unicode.IsLetter(r) || c == '_':
		return lx.scanIdent(), nil
	default:
		return lx.scanSymbol()
	}
}

func (lx *lexer) scanString(quote byte) (token, error) {
	start := lx.pos
	lx.pos++ // opening quote
	var b strings.Builder
	for {
		if lx.pos >= len(lx.s) {
			return token{}, fmt.Errorf("unterminated string starting at %d: %w", start, dberrors.ErrParse)
		}
		c := lx.s[lx.pos]
		if c == quote {
			lx.pos++
			if lx.pos < len(lx.s) && lx.s[lx.pos] == quote {
				b.WriteByte(quote)
				lx.pos++
				continue
			}
			break
		}
		if c == '\\' && lx.pos+1 < len(lx.s) {
			lx.pos++
			esc := lx.s[lx.pos]
			switch esc {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			case 'r':
				b.WriteByte('\r')
			case '\\':
				b.WriteByte('\\')
			case '\'':
				b.WriteByte('\'')
			case '"':
				b.WriteByte('"')
			default:
				b.WriteByte(esc)
			}
			lx.pos++
			continue
		}
		b.WriteByte(c)
		lx.pos++
	}
	return token{Typ: tString, Val: b.String(), Pos: start}, nil
}

func (lx *lexer) scanNumber() token {
	start := lx.pos
	for lx.pos < len(lx.s) && lx.s[lx.pos] >= '0' && lx.s[lx.pos] <= '9' {
		lx.pos++
	}
	if lx.pos < len(lx.s) && lx.s[lx.pos] == '.' {
		lx.pos++
		for lx.pos < len(lx.s) && lx.s[lx.pos] >= '0' && lx.s[lx.pos] <= '9' {
			lx.pos++
		}
	}
	return token{Typ: tNumber, Val: lx.s[start:lx.pos], Pos: start}
}

func (lx *lexer) scanIdent() token {
	start := lx.pos
	for lx.pos < len(lx.s) {
		r, size := utf8.DecodeRuneInString(lx.s[lx.pos:])
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' {
			lx.pos += size
			continue
		}
		break
	}
	raw := lx.s[start:lx.pos]
	up := foldKeyword(raw)
	if isKeyword(up) {
		return token{Typ: tKeyword, Val: up, Pos: start}
	}
	return token{Typ: tIdent, Val: raw, Pos: start}
}

func (lx *lexer) scanSymbol() (token, error) {
	start := lx.pos
	c := lx.s[lx.pos]
	switch c {
	case '(', ')', ',', '*', '+', '-', '/', '%', '.', ';':
		lx.pos++
		return token{Typ: tSymbol, Val: string(c), Pos: start}, nil
	case '=', '<', '>', '!':
		lx.pos++
		n := lx.peek()
		if (c == '<' && (n == '=' || n == '>')) || (c == '>' && n == '=') || (c == '!' && n == '=') {
			lx.pos++
			return token{Typ: tSymbol, Val: string(c) + string(n), Pos: start}, nil
		}
		if c == '!' {
			return token{}, fmt.Errorf("unexpected character %q at %d: %w", c, start, dberrors.ErrParse)
		}
		return token{Typ: tSymbol, Val: string(c), Pos: start}, nil
	default:
		return token{}, fmt.Errorf("unexpected character %q at %d: %w", c, start, dberrors.ErrParse)
	}
}

// tokenize runs the lexer to completion, returning every token
// including a trailing tEOF.
func tokenize(sql string) ([]token, error) {
	lx := newLexer(sql)
	var out []token
	for {
		tok, err := lx.next()
		if err != nil {
			return nil, err
		}
		out = append(out, tok)
		if tok.Typ == tEOF {
			return out, nil
		}
	}
}
