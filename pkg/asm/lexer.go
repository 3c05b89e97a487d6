package asm

import (
	"strings"
)

// TokenType represents the type of a token.
type TokenType uint8

const (
	TokenEOF     TokenType = iota
	TokenNewline           // end of statement: newline or ";"
	TokenIdent             // mnemonics, directives, registers, symbols
	TokenInt               // integer and character literals
	TokenString            // "quoted strings"
	TokenComma             // ,
	TokenColon             // : (for labels)
	TokenLParen            // (
	TokenRParen            // )
	TokenPlus              // +
	TokenMinus             // -
	TokenPercent           // % (relocation operators)
	TokenIllegal
)

// String returns the string representation of a token type.
func (t TokenType) String() string {
	switch t {
	case TokenEOF:
		return "EOF"
	case TokenNewline:
		return "NEWLINE"
	case TokenIdent:
		return "IDENT"
	case TokenInt:
		return "INT"
	case TokenString:
		return "STRING"
	case TokenComma:
		return "COMMA"
	case TokenColon:
		return "COLON"
	case TokenLParen:
		return "LPAREN"
	case TokenRParen:
		return "RPAREN"
	case TokenPlus:
		return "PLUS"
	case TokenMinus:
		return "MINUS"
	case TokenPercent:
		return "PERCENT"
	default:
		return "ILLEGAL"
	}
}

// Token represents a lexical token.
type Token struct {
	Type  TokenType
	Value string
	Line  int
}

// Lexer tokenizes RISC-V assembly source in GNU as syntax.
type Lexer struct {
	input  string
	pos    int
	line   int
	tokens []Token
}

// NewLexer creates a new lexer for the given input.
func NewLexer(input string) *Lexer {
	return &Lexer{
		input: input,
		line:  1,
	}
}

// Tokenize tokenizes the entire input and returns the tokens.
func (l *Lexer) Tokenize() []Token {
	for l.pos < len(l.input) {
		l.skipWhitespace()
		if l.pos >= len(l.input) {
			break
		}

		ch := l.input[l.pos]

		switch {
		case ch == '\n':
			l.emit(TokenNewline, "\n")
			l.line++
			l.pos++

		case ch == '#' || (ch == '/' && l.peek(1) == '/'):
			// Comment - skip to end of line
			for l.pos < len(l.input) && l.input[l.pos] != '\n' {
				l.pos++
			}

		case ch == ';':
			// Statement separator
			l.emit(TokenNewline, ";")
			l.pos++

		case ch == ',':
			l.emit(TokenComma, ",")
			l.pos++

		case ch == ':':
			l.emit(TokenColon, ":")
			l.pos++

		case ch == '(':
			l.emit(TokenLParen, "(")
			l.pos++

		case ch == ')':
			l.emit(TokenRParen, ")")
			l.pos++

		case ch == '+':
			l.emit(TokenPlus, "+")
			l.pos++

		case ch == '-':
			l.emit(TokenMinus, "-")
			l.pos++

		case ch == '%':
			l.emit(TokenPercent, "%")
			l.pos++

		case ch == '"':
			l.scanString()

		case ch == '\'':
			l.scanChar()

		case isDigit(ch):
			l.scanNumber()

		case isIdentStart(ch):
			l.scanIdent()

		default:
			l.emit(TokenIllegal, string(ch))
			l.pos++
		}
	}

	l.emit(TokenEOF, "")
	return l.tokens
}

func (l *Lexer) emit(t TokenType, value string) {
	l.tokens = append(l.tokens, Token{Type: t, Value: value, Line: l.line})
}

func (l *Lexer) peek(n int) byte {
	if l.pos+n < len(l.input) {
		return l.input[l.pos+n]
	}
	return 0
}

func (l *Lexer) skipWhitespace() {
	for l.pos < len(l.input) {
		ch := l.input[l.pos]
		if ch == ' ' || ch == '\t' || ch == '\r' {
			l.pos++
		} else {
			break
		}
	}
}

// scanString keeps escape sequences; the directive that consumes the string
// interprets them.
func (l *Lexer) scanString() {
	l.pos++ // Skip opening quote
	line := l.line
	var sb strings.Builder

	for l.pos < len(l.input) && l.input[l.pos] != '"' && l.input[l.pos] != '\n' {
		if l.input[l.pos] == '\\' && l.pos+1 < len(l.input) {
			sb.WriteByte(l.input[l.pos])
			l.pos++
		}
		sb.WriteByte(l.input[l.pos])
		l.pos++
	}

	if l.pos >= len(l.input) || l.input[l.pos] != '"' {
		l.tokens = append(l.tokens, Token{Type: TokenIllegal, Value: "unterminated string", Line: line})
		return
	}
	l.pos++ // Skip closing quote
	l.tokens = append(l.tokens, Token{Type: TokenString, Value: sb.String(), Line: line})
}

// scanChar turns 'c' into an integer token.
func (l *Lexer) scanChar() {
	start := l.pos
	l.pos++
	if l.pos < len(l.input) && l.input[l.pos] == '\\' {
		l.pos++
	}
	if l.pos < len(l.input) {
		l.pos++
	}
	if l.pos >= len(l.input) || l.input[l.pos] != '\'' {
		l.emit(TokenIllegal, l.input[start:l.pos])
		return
	}
	l.pos++
	l.emit(TokenInt, l.input[start:l.pos])
}

func (l *Lexer) scanNumber() {
	start := l.pos
	for l.pos < len(l.input) && (isDigit(l.input[l.pos]) || isLetter(l.input[l.pos])) {
		l.pos++
	}
	l.emit(TokenInt, l.input[start:l.pos])
}

func (l *Lexer) scanIdent() {
	start := l.pos
	l.pos++
	for l.pos < len(l.input) && (isIdentStart(l.input[l.pos]) || isDigit(l.input[l.pos])) {
		l.pos++
	}
	l.emit(TokenIdent, l.input[start:l.pos])
}

func isDigit(ch byte) bool {
	return ch >= '0' && ch <= '9'
}

func isLetter(ch byte) bool {
	return (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z')
}

func isIdentStart(ch byte) bool {
	return isLetter(ch) || ch == '_' || ch == '.' || ch == '$' || ch == '@'
}
