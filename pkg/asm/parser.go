package asm

import (
	"fmt"
	"strconv"

	"github.com/akhildatla/rvsim/pkg/vm"
)

// OperandKind represents the kind of an operand.
type OperandKind uint8

const (
	OperandReg    OperandKind = iota // a0, x5, fp
	OperandExpr                      // 42, label+4, %hi(sym)
	OperandMem                       // off(reg) or (reg)
	OperandString                    // "text"
)

// Operand represents an instruction or directive operand.
type Operand struct {
	Kind OperandKind
	Reg  uint8 // register, or base register for OperandMem
	Expr Expr  // value, or offset for OperandMem (nil means 0)
	Str  string
}

// Statement is one parsed source line: optional labels, then a mnemonic or
// directive with its operands.
type Statement struct {
	Labels   []string
	Name     string
	Operands []Operand
	Line     int
}

// Parser parses RISC-V assembly source.
type Parser struct {
	tokens []Token
	pos    int
}

// NewParser creates a new parser for the given input.
func NewParser(input string) *Parser {
	lexer := NewLexer(input)
	return &Parser{tokens: lexer.Tokenize()}
}

// Parse parses the entire input. Lines holding only labels are merged into
// the next statement.
func (p *Parser) Parse() ([]Statement, error) {
	var stmts []Statement
	var pending []string

	for {
		tok := p.peek()
		switch tok.Type {
		case TokenEOF:
			if len(pending) > 0 {
				stmts = append(stmts, Statement{Labels: pending, Line: tok.Line})
			}
			return stmts, nil

		case TokenNewline:
			p.pos++

		case TokenIdent:
			if p.peekAt(1).Type == TokenColon {
				pending = append(pending, tok.Value)
				p.pos += 2
				continue
			}
			st, err := p.parseStatement()
			if err != nil {
				return nil, err
			}
			st.Labels, pending = pending, nil
			stmts = append(stmts, st)

		default:
			return nil, p.errorf(tok, "unexpected %s %q", tok.Type, tok.Value)
		}
	}
}

func (p *Parser) peek() Token {
	return p.peekAt(0)
}

func (p *Parser) peekAt(n int) Token {
	if p.pos+n < len(p.tokens) {
		return p.tokens[p.pos+n]
	}
	return p.tokens[len(p.tokens)-1]
}

func (p *Parser) next() Token {
	tok := p.peek()
	if tok.Type != TokenEOF {
		p.pos++
	}
	return tok
}

func (p *Parser) expect(t TokenType) (Token, error) {
	tok := p.next()
	if tok.Type != t {
		return tok, p.errorf(tok, "expected %s, got %q", t, tok.Value)
	}
	return tok, nil
}

func (p *Parser) errorf(tok Token, format string, args ...any) error {
	return &Error{Line: tok.Line, Err: fmt.Errorf("%w: %s", ErrSyntax, fmt.Sprintf(format, args...))}
}

func (p *Parser) parseStatement() (Statement, error) {
	name := p.next()
	st := Statement{Name: name.Value, Line: name.Line}

	for {
		tok := p.peek()
		if tok.Type == TokenNewline || tok.Type == TokenEOF {
			return st, nil
		}
		if len(st.Operands) > 0 {
			if _, err := p.expect(TokenComma); err != nil {
				return st, err
			}
		}
		op, err := p.parseOperand()
		if err != nil {
			return st, err
		}
		st.Operands = append(st.Operands, op)
	}
}

func (p *Parser) parseOperand() (Operand, error) {
	tok := p.peek()

	switch tok.Type {
	case TokenString:
		p.pos++
		return Operand{Kind: OperandString, Str: tok.Value}, nil

	case TokenLParen:
		if reg, ok := p.parenRegister(); ok {
			return Operand{Kind: OperandMem, Reg: reg}, nil
		}

	case TokenIdent:
		if reg, ok := vm.RegisterIndex(tok.Value); ok && p.peekAt(1).Type != TokenLParen {
			p.pos++
			return Operand{Kind: OperandReg, Reg: uint8(reg)}, nil
		}
	}

	e, err := p.parseExpr()
	if err != nil {
		return Operand{}, err
	}
	if p.peek().Type == TokenLParen {
		reg, ok := p.parenRegister()
		if !ok {
			return Operand{}, p.errorf(p.peek(), "expected (register)")
		}
		return Operand{Kind: OperandMem, Reg: reg, Expr: e}, nil
	}
	return Operand{Kind: OperandExpr, Expr: e}, nil
}

// parenRegister consumes "(reg)" if it is next.
func (p *Parser) parenRegister() (uint8, bool) {
	if p.peek().Type != TokenLParen || p.peekAt(1).Type != TokenIdent || p.peekAt(2).Type != TokenRParen {
		return 0, false
	}
	reg, ok := vm.RegisterIndex(p.peekAt(1).Value)
	if !ok {
		return 0, false
	}
	p.pos += 3
	return uint8(reg), true
}

// parseExpr parses term { (+|-) term }.
func (p *Parser) parseExpr() (Expr, error) {
	var e Expr
	switch p.peek().Type {
	case TokenMinus:
		p.pos++
		t, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		e = negExpr{t}
	case TokenPlus:
		p.pos++
		fallthrough
	default:
		t, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		e = t
	}

	for {
		tok := p.peek()
		if tok.Type != TokenPlus && tok.Type != TokenMinus {
			return e, nil
		}
		p.pos++
		r, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		e = binaryExpr{op: tok.Value[0], l: e, r: r}
	}
}

func (p *Parser) parseTerm() (Expr, error) {
	tok := p.next()

	switch tok.Type {
	case TokenInt:
		v, err := parseInt(tok.Value)
		if err != nil {
			return nil, p.errorf(tok, "invalid integer %q", tok.Value)
		}
		return numExpr(v), nil

	case TokenIdent:
		if tok.Value == "." {
			return dotExpr{}, nil
		}
		return symExpr(tok.Value), nil

	case TokenPercent:
		kind, err := p.expect(TokenIdent)
		if err != nil {
			return nil, err
		}
		if kind.Value != "hi" && kind.Value != "lo" {
			return nil, p.errorf(kind, "unsupported relocation %%%s", kind.Value)
		}
		if _, err := p.expect(TokenLParen); err != nil {
			return nil, err
		}
		x, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(TokenRParen); err != nil {
			return nil, err
		}
		return relocExpr{kind: kind.Value, x: x}, nil

	case TokenLParen:
		x, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(TokenRParen); err != nil {
			return nil, err
		}
		return x, nil
	}

	return nil, p.errorf(tok, "unexpected %s %q in expression", tok.Type, tok.Value)
}

// parseInt accepts decimal, 0x, 0o, 0b and 'c' literals. Hex literals up to
// 64 bits wrap into the signed range.
func parseInt(s string) (int64, error) {
	if len(s) >= 3 && s[0] == '\'' {
		v, _, _, err := strconv.UnquoteChar(s[1:len(s)-1], '\'')
		return int64(v), err
	}
	if v, err := strconv.ParseInt(s, 0, 64); err == nil {
		return v, nil
	}
	u, err := strconv.ParseUint(s, 0, 64)
	return int64(u), err
}
