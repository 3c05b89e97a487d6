// Package asm assembles RISC-V RV64IMA source in GNU as syntax into flat
// images for the vm package.
//
// Assembly is two-pass: the first pass fixes the size of every statement
// and the address of every label, the second evaluates operands and
// encodes. Sections are laid out in order of first use, .text first at the
// base address.
package asm

import (
	"encoding/binary"
	"fmt"
	"maps"
	"slices"
	"strings"
)

// Program is an assembled flat image.
type Program struct {
	Base    uint64
	Entry   uint64 // _start if defined, else Base
	Image   []byte
	TextEnd uint64            // end of the .text section
	Symbols map[string]uint64 // labels and .equ values
	Lines   map[uint64]int    // instruction address -> source line
}

// Assemble parses and assembles source for loading at base.
func Assemble(source string, base uint64) (*Program, error) {
	stmts, err := NewParser(source).Parse()
	if err != nil {
		return nil, err
	}

	a := newAssembler(base)
	if err := a.layout(stmts); err != nil {
		return nil, err
	}
	return a.emit()
}

// Symbol returns the address or value of a symbol.
func (p *Program) Symbol(name string) (uint64, bool) {
	v, ok := p.Symbols[name]
	return v, ok
}

// SymbolAt returns the first symbol, in name order, whose value is addr.
func (p *Program) SymbolAt(addr uint64) (string, bool) {
	for _, name := range slices.Sorted(maps.Keys(p.Symbols)) {
		if p.Symbols[name] == addr {
			return name, true
		}
	}
	return "", false
}

// LineAt returns the source line that produced the instruction at addr.
func (p *Program) LineAt(addr uint64) (int, bool) {
	line, ok := p.Lines[addr]
	return line, ok
}

// Words returns the .text section as instruction words.
func (p *Program) Words() []uint32 {
	n := (p.TextEnd - p.Base) / 4
	words := make([]uint32, n)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(p.Image[4*i:])
	}
	return words
}

type section struct {
	name  string
	size  uint64
	align uint64
	base  uint64
}

// item is a statement placed in a section by the first pass.
type item struct {
	st     *Statement
	sec    *section
	offset uint64
	size   uint64
}

type label struct {
	sec    *section
	offset uint64
}

// equ is a symbol assigned with .equ or .set. Values that depend on labels
// are resolved lazily in the second pass.
type equ struct {
	expr   Expr
	sec    *section
	offset uint64
	line   int
	value  int64
	state  uint8 // equPending, equResolving, equDone
}

const (
	equPending = iota
	equResolving
	equDone
)

type assembler struct {
	base     uint64
	sections []*section
	cur      *section
	items    []item
	labels   map[string]label
	equs     map[string]*equ
}

func newAssembler(base uint64) *assembler {
	text := &section{name: ".text", align: 4}
	return &assembler{
		base:     base,
		sections: []*section{text},
		cur:      text,
		labels:   make(map[string]label),
		equs:     make(map[string]*equ),
	}
}

func (a *assembler) switchSection(name string) {
	for _, s := range a.sections {
		if s.name == name {
			a.cur = s
			return
		}
	}
	s := &section{name: name, align: 1}
	a.sections = append(a.sections, s)
	a.cur = s
}

func (a *assembler) defined(name string) bool {
	_, isLabel := a.labels[name]
	_, isEqu := a.equs[name]
	return isLabel || isEqu
}

// layout is the first pass.
func (a *assembler) layout(stmts []Statement) error {
	for i := range stmts {
		st := &stmts[i]
		for _, name := range st.Labels {
			if a.defined(name) {
				return &Error{Line: st.Line, Err: fmt.Errorf("%w: %s", ErrDuplicateSymbol, name)}
			}
			a.labels[name] = label{sec: a.cur, offset: a.cur.size}
		}
		if st.Name == "" {
			continue
		}

		var size uint64
		if strings.HasPrefix(st.Name, ".") {
			data, err := a.directive(st, a.cur.size, a.sizingScope())
			if err != nil {
				return lineError(st.Line, err)
			}
			size = uint64(len(data))
		} else {
			insts, err := a.expand(st, a.cur.size, a.sizingScope())
			if err != nil {
				return lineError(st.Line, err)
			}
			size = 4 * uint64(len(insts))
		}

		if size > 0 {
			a.items = append(a.items, item{st: st, sec: a.cur, offset: a.cur.size, size: size})
			a.cur.size += size
		}
	}

	addr := a.base
	for i, s := range a.sections {
		if i > 0 {
			addr = alignUp(addr, max(s.align, 8))
		}
		s.base = addr
		addr += s.size
	}
	return nil
}

// emit is the second pass.
func (a *assembler) emit() (*Program, error) {
	last := a.sections[len(a.sections)-1]
	text := a.sections[0]
	prog := &Program{
		Base:    a.base,
		Entry:   a.base,
		Image:   make([]byte, last.base+last.size-a.base),
		TextEnd: text.base + text.size,
		Symbols: make(map[string]uint64),
		Lines:   make(map[uint64]int),
	}

	for _, it := range a.items {
		addr := it.sec.base + it.offset
		sc := a.finalScope(addr)
		a.cur = it.sec

		var data []byte
		if strings.HasPrefix(it.st.Name, ".") {
			d, err := a.directive(it.st, it.offset, sc)
			if err != nil {
				return nil, lineError(it.st.Line, err)
			}
			data = d
		} else {
			insts, err := a.expand(it.st, addr, sc)
			if err != nil {
				return nil, lineError(it.st.Line, err)
			}
			data, err = encodeAll(insts)
			if err != nil {
				return nil, lineError(it.st.Line, err)
			}
			for k := range insts {
				prog.Lines[addr+uint64(4*k)] = it.st.Line
			}
		}

		if uint64(len(data)) != it.size {
			return nil, &Error{Line: it.st.Line, Err: fmt.Errorf("%s: size changed between passes (%d != %d)", it.st.Name, len(data), it.size)}
		}
		copy(prog.Image[addr-a.base:], data)
	}

	for name, l := range a.labels {
		prog.Symbols[name] = l.sec.base + l.offset
	}
	for _, name := range slices.Sorted(maps.Keys(a.equs)) {
		e := a.equs[name]
		v, err := a.resolveEqu(e)
		if err != nil {
			return nil, lineError(e.line, err)
		}
		prog.Symbols[name] = uint64(v)
	}
	if start, ok := prog.Symbols["_start"]; ok {
		prog.Entry = start
	}
	return prog, nil
}

// sizingScope resolves every symbol to 0. Only sizes are taken from the
// first pass, and no size depends on a label value.
func (a *assembler) sizingScope() *scope {
	return &scope{
		lookup: func(string) (int64, error) { return 0, nil },
		dot:    func() (int64, error) { return 0, nil },
	}
}

// constScope resolves only symbols whose values are already known as
// constants.
func (a *assembler) constScope() *scope {
	return &scope{
		lookup: func(name string) (int64, error) {
			if e, ok := a.equs[name]; ok && e.state == equDone {
				return e.value, nil
			}
			return 0, fmt.Errorf("%w: %s is not a constant", ErrOperands, name)
		},
		dot: func() (int64, error) {
			return 0, fmt.Errorf("%w: . is not a constant", ErrOperands)
		},
	}
}

func (a *assembler) finalScope(dot uint64) *scope {
	return &scope{
		lookup: a.resolve,
		dot:    func() (int64, error) { return int64(dot), nil },
	}
}

func (a *assembler) resolve(name string) (int64, error) {
	if l, ok := a.labels[name]; ok {
		return int64(l.sec.base + l.offset), nil
	}
	if e, ok := a.equs[name]; ok {
		return a.resolveEqu(e)
	}
	return 0, fmt.Errorf("%w: %s", ErrUndefinedSymbol, name)
}

func (a *assembler) resolveEqu(e *equ) (int64, error) {
	switch e.state {
	case equDone:
		return e.value, nil
	case equResolving:
		return 0, fmt.Errorf("%w: circular definition", ErrOperands)
	}
	e.state = equResolving
	v, err := e.expr.eval(a.finalScope(e.sec.base + e.offset))
	if err != nil {
		e.state = equPending
		return 0, err
	}
	e.value, e.state = v, equDone
	return v, nil
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}
