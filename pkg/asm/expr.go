package asm

import (
	"fmt"
	"strings"
)

// Expr is an assembler expression over integers and symbols.
type Expr interface {
	eval(s *scope) (int64, error)
	String() string
}

// scope resolves symbols while an expression is evaluated.
type scope struct {
	lookup func(name string) (int64, error)
	dot    func() (int64, error)
}

type numExpr int64

func (n numExpr) eval(*scope) (int64, error) { return int64(n), nil }
func (n numExpr) String() string             { return fmt.Sprintf("%d", int64(n)) }

type symExpr string

func (e symExpr) eval(s *scope) (int64, error) { return s.lookup(string(e)) }
func (e symExpr) String() string               { return string(e) }

type dotExpr struct{}

func (dotExpr) eval(s *scope) (int64, error) { return s.dot() }
func (dotExpr) String() string               { return "." }

type negExpr struct{ x Expr }

func (e negExpr) eval(s *scope) (int64, error) {
	v, err := e.x.eval(s)
	return -v, err
}
func (e negExpr) String() string { return "-" + e.x.String() }

type binaryExpr struct {
	op   byte // '+' or '-'
	l, r Expr
}

func (e binaryExpr) eval(s *scope) (int64, error) {
	l, err := e.l.eval(s)
	if err != nil {
		return 0, err
	}
	r, err := e.r.eval(s)
	if err != nil {
		return 0, err
	}
	if e.op == '-' {
		return l - r, nil
	}
	return l + r, nil
}

func (e binaryExpr) String() string {
	return fmt.Sprintf("%s%c%s", e.l, e.op, e.r)
}

// relocExpr is %hi(x) or %lo(x): the two halves that lui/addi pairs use to
// build an absolute 32-bit value.
type relocExpr struct {
	kind string
	x    Expr
}

func (e relocExpr) eval(s *scope) (int64, error) {
	v, err := e.x.eval(s)
	if err != nil {
		return 0, err
	}
	hi, lo := splitHiLo(v)
	if e.kind == "hi" {
		return hi & 0xfffff, nil
	}
	return lo, nil
}

func (e relocExpr) String() string {
	return fmt.Sprintf("%%%s(%s)", e.kind, e.x)
}

// splitHiLo splits v into a 20-bit upper part and a sign-extended 12-bit
// lower part with hi<<12 + lo == v.
func splitHiLo(v int64) (hi, lo int64) {
	hi = (v + 0x800) >> 12
	lo = v - hi<<12
	return hi, lo
}

// references reports whether e mentions a symbol or the location counter.
func references(e Expr) bool {
	switch e := e.(type) {
	case symExpr, dotExpr:
		return true
	case negExpr:
		return references(e.x)
	case binaryExpr:
		return references(e.l) || references(e.r)
	case relocExpr:
		return references(e.x)
	}
	return false
}

// symbolName returns the bare identifier of e, if it is one.
func symbolName(e Expr) (string, bool) {
	s, ok := e.(symExpr)
	return strings.ToLower(string(s)), ok
}
