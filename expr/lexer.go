package expr

import (
	"fmt"
	"strconv"
	"strings"
)

type tokenKind int

const (
	tokenEOF tokenKind = iota
	tokenNumber
	tokenString
	tokenIdent
	tokenOp
	tokenLParen
	tokenRParen
	tokenLBracket
	tokenRBracket
	tokenComma
	tokenSemicolon
)

type token struct {
	kind tokenKind
	text string
	pos  int
	num  float64
}

func (t token) String() string {
	switch t.kind {
	case tokenEOF:
		return "end of expression"
	case tokenString:
		return fmt.Sprintf("%q", t.text)
	default:
		return t.text
	}
}

// lexer splits an expression source into tokens. It is deliberately small:
// the grammar has no comments, no template strings and no regex literals.
type lexer struct {
	src string
	pos int
}

func newLexer(src string) *lexer {
	return &lexer{src: src}
}

// multi-byte operators, longest first so prefixes do not shadow them.
var multiOps = []string{"===", "!==", "==", "!=", "<=", ">=", "&&", "||", "??"}

func (l *lexer) next() (token, error) {
	l.skipSpace()
	if l.pos >= len(l.src) {
		return token{kind: tokenEOF, pos: l.pos}, nil
	}
	start := l.pos
	ch := l.src[l.pos]

	switch {
	case isDigit(ch) || (ch == '.' && l.pos+1 < len(l.src) && isDigit(l.src[l.pos+1])):
		return l.scanNumber(start)
	case ch == '\'' || ch == '"':
		return l.scanString(start, ch)
	case isIdentStart(ch):
		for l.pos < len(l.src) && isIdentPart(l.src[l.pos]) {
			l.pos++
		}
		return token{kind: tokenIdent, text: l.src[start:l.pos], pos: start}, nil
	}

	for _, op := range multiOps {
		if strings.HasPrefix(l.src[l.pos:], op) {
			l.pos += len(op)
			return token{kind: tokenOp, text: op, pos: start}, nil
		}
	}

	l.pos++
	switch ch {
	case '(':
		return token{kind: tokenLParen, text: "(", pos: start}, nil
	case ')':
		return token{kind: tokenRParen, text: ")", pos: start}, nil
	case '[':
		return token{kind: tokenLBracket, text: "[", pos: start}, nil
	case ']':
		return token{kind: tokenRBracket, text: "]", pos: start}, nil
	case ',':
		return token{kind: tokenComma, text: ",", pos: start}, nil
	case ';':
		return token{kind: tokenSemicolon, text: ";", pos: start}, nil
	case '+', '-', '*', '/', '%', '<', '>', '!', '?', ':', '.':
		return token{kind: tokenOp, text: string(ch), pos: start}, nil
	}
	return token{}, fmt.Errorf("unexpected character %q at offset %d", ch, start)
}

func (l *lexer) scanNumber(start int) (token, error) {
	for l.pos < len(l.src) && isDigit(l.src[l.pos]) {
		l.pos++
	}
	if l.pos < len(l.src) && l.src[l.pos] == '.' {
		l.pos++
		for l.pos < len(l.src) && isDigit(l.src[l.pos]) {
			l.pos++
		}
	}
	if l.pos < len(l.src) && (l.src[l.pos] == 'e' || l.src[l.pos] == 'E') {
		mark := l.pos
		l.pos++
		if l.pos < len(l.src) && (l.src[l.pos] == '+' || l.src[l.pos] == '-') {
			l.pos++
		}
		if l.pos < len(l.src) && isDigit(l.src[l.pos]) {
			for l.pos < len(l.src) && isDigit(l.src[l.pos]) {
				l.pos++
			}
		} else {
			l.pos = mark
		}
	}
	text := l.src[start:l.pos]
	value, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return token{}, fmt.Errorf("invalid number %q at offset %d", text, start)
	}
	return token{kind: tokenNumber, text: text, pos: start, num: value}, nil
}

func (l *lexer) scanString(start int, quote byte) (token, error) {
	l.pos++
	var builder strings.Builder
	for l.pos < len(l.src) {
		ch := l.src[l.pos]
		if ch == '\\' {
			if l.pos+1 >= len(l.src) {
				break
			}
			l.pos++
			switch l.src[l.pos] {
			case 'n':
				builder.WriteByte('\n')
			case 't':
				builder.WriteByte('\t')
			case 'r':
				builder.WriteByte('\r')
			default:
				builder.WriteByte(l.src[l.pos])
			}
			l.pos++
			continue
		}
		if ch == quote {
			l.pos++
			return token{kind: tokenString, text: builder.String(), pos: start}, nil
		}
		builder.WriteByte(ch)
		l.pos++
	}
	return token{}, fmt.Errorf("unterminated string at offset %d", start)
}

func (l *lexer) skipSpace() {
	for l.pos < len(l.src) {
		switch l.src[l.pos] {
		case ' ', '\t', '\r', '\n', '\f', '\v':
			l.pos++
		default:
			return
		}
	}
}

func isDigit(ch byte) bool {
	return ch >= '0' && ch <= '9'
}

func isIdentStart(ch byte) bool {
	return ch == '_' || ch == '$' || (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z')
}

func isIdentPart(ch byte) bool {
	return isIdentStart(ch) || isDigit(ch)
}
