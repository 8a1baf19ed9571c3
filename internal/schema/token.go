package schema

import "fmt"

type tokenKind uint8

const (
	tokEOF tokenKind = iota
	tokIdent
	tokInt
	tokString
	tokSym // = ; { } or any other single printable punctuation character
)

type token struct {
	kind tokenKind
	text string
	line int
}

func (t token) is(kind tokenKind, text string) bool {
	return t.kind == kind && t.text == text
}

type lexer struct {
	src  string
	pos  int
	line int
}

func newLexer(src string) *lexer {
	return &lexer{src: src, line: 1}
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || c == '.' || (c >= '0' && c <= '9')
}

// next returns the next token, skipping whitespace and // comments.
func (l *lexer) next() (token, error) {
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		switch {
		case c == '\n':
			l.line++
			l.pos++
		case c == ' ' || c == '\t' || c == '\r':
			l.pos++
		case c == '/' && l.pos+1 < len(l.src) && l.src[l.pos+1] == '/':
			for l.pos < len(l.src) && l.src[l.pos] != '\n' {
				l.pos++
			}
		default:
			goto tok
		}
	}
	return token{kind: tokEOF, line: l.line}, nil

tok:
	c := l.src[l.pos]
	switch {
	case c == '=' || c == ';' || c == '{' || c == '}':
		l.pos++
		return token{kind: tokSym, text: string(c), line: l.line}, nil

	case c == '"':
		start := l.pos + 1
		for i := start; i < len(l.src); i++ {
			if l.src[i] == '"' {
				t := token{kind: tokString, text: l.src[start:i], line: l.line}
				l.pos = i + 1
				return t, nil
			}
			if l.src[i] == '\n' {
				break
			}
		}
		return token{}, fmt.Errorf("line %d: unterminated string literal", l.line)

	case c >= '0' && c <= '9':
		start := l.pos
		for l.pos < len(l.src) && l.src[l.pos] >= '0' && l.src[l.pos] <= '9' {
			l.pos++
		}
		return token{kind: tokInt, text: l.src[start:l.pos], line: l.line}, nil

	case isIdentStart(c):
		start := l.pos
		for l.pos < len(l.src) && isIdentPart(l.src[l.pos]) {
			l.pos++
		}
		return token{kind: tokIdent, text: l.src[start:l.pos], line: l.line}, nil

	case c >= 0x21 && c < 0x7F:
		// Punctuation outside the accepted grammar still lexes, so
		// unknown top-level statements can be skipped over.
		l.pos++
		return token{kind: tokSym, text: string(c), line: l.line}, nil
	}

	return token{}, fmt.Errorf("line %d: unexpected character %q", l.line, c)
}
