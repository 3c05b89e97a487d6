package asm

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// ignoredDirectives carry object-file metadata that has no meaning in a
// flat image.
var ignoredDirectives = map[string]bool{
	".globl": true, ".global": true, ".local": true, ".weak": true, ".hidden": true,
	".type": true, ".size": true, ".file": true, ".ident": true, ".option": true,
	".attribute": true, ".addrsig": true, ".addrsig_sym": true, ".loc": true,
}

var dataWidths = map[string]int{
	".byte": 1,
	".half": 2, ".short": 2, ".2byte": 2,
	".word": 4, ".long": 4, ".4byte": 4,
	".dword": 8, ".quad": 8, ".8byte": 8,
}

// directive returns the bytes a directive contributes at section offset off.
// Directives that only change assembler state return nil.
func (a *assembler) directive(st *Statement, off uint64, sc *scope) ([]byte, error) {
	name := strings.ToLower(st.Name)

	if ignoredDirectives[name] || strings.HasPrefix(name, ".cfi_") {
		return nil, nil
	}
	if width, ok := dataWidths[name]; ok {
		return a.data(st, width, sc)
	}

	switch name {
	case ".text", ".data", ".rodata", ".bss":
		a.switchSection(name)
		return nil, nil

	case ".section":
		if len(st.Operands) == 0 {
			return nil, fmt.Errorf("%w: .section needs a name", ErrOperands)
		}
		sec, ok := symbolName(st.Operands[0].Expr)
		if !ok {
			return nil, fmt.Errorf("%w: invalid section name", ErrOperands)
		}
		a.switchSection(sec)
		return nil, nil

	case ".align", ".p2align", ".balign":
		return a.align(st, name, off)

	case ".zero", ".space", ".skip":
		if len(st.Operands) < 1 || len(st.Operands) > 2 {
			return nil, fmt.Errorf("%w: %s size[, fill]", ErrOperands, name)
		}
		n, err := a.constant(st.Operands[0])
		if err != nil {
			return nil, err
		}
		if n < 0 || n > 1<<24 {
			return nil, fmt.Errorf("%w: %s %d", ErrRange, name, n)
		}
		fill := int64(0)
		if len(st.Operands) == 2 {
			if fill, err = a.constant(st.Operands[1]); err != nil {
				return nil, err
			}
		}
		out := make([]byte, n)
		for i := range out {
			out[i] = byte(fill)
		}
		return out, nil

	case ".string", ".asciz", ".ascii":
		var out []byte
		for _, op := range st.Operands {
			if op.Kind != OperandString {
				return nil, fmt.Errorf("%w: %s expects strings", ErrOperands, name)
			}
			s, err := unescape(op.Str)
			if err != nil {
				return nil, err
			}
			out = append(out, s...)
			if name != ".ascii" {
				out = append(out, 0)
			}
		}
		return out, nil

	case ".equ", ".set":
		return nil, a.assign(st)
	}

	return nil, fmt.Errorf("%w: %s", ErrUnknownDirective, st.Name)
}

// constant evaluates an operand that must not depend on labels.
func (a *assembler) constant(op Operand) (int64, error) {
	if op.Kind != OperandExpr {
		return 0, fmt.Errorf("%w: expected a constant", ErrOperands)
	}
	return op.Expr.eval(a.constScope())
}

func (a *assembler) data(st *Statement, width int, sc *scope) ([]byte, error) {
	out := make([]byte, 0, width*len(st.Operands))
	var buf [8]byte
	for _, op := range st.Operands {
		if op.Kind != OperandExpr {
			return nil, fmt.Errorf("%w: %s expects expressions", ErrOperands, st.Name)
		}
		v, err := op.Expr.eval(sc)
		if err != nil {
			return nil, err
		}
		if width < 8 {
			bits := uint(8 * width)
			if v < -(1<<(bits-1)) || v >= 1<<bits {
				return nil, fmt.Errorf("%w: %d does not fit in %d bytes", ErrRange, v, width)
			}
		}
		binary.LittleEndian.PutUint64(buf[:], uint64(v))
		out = append(out, buf[:width]...)
	}
	return out, nil
}

// align pads to a power-of-two boundary. .align and .p2align take the
// exponent, .balign the byte count. Code is padded with nops.
func (a *assembler) align(st *Statement, name string, off uint64) ([]byte, error) {
	if len(st.Operands) < 1 {
		return nil, fmt.Errorf("%w: %s needs an alignment", ErrOperands, name)
	}
	n, err := a.constant(st.Operands[0])
	if err != nil {
		return nil, err
	}
	var align uint64
	if name == ".balign" {
		align = uint64(n)
	} else if n >= 0 && n < 16 {
		align = 1 << uint(n)
	}
	if align == 0 || align&(align-1) != 0 || align > 1<<15 {
		return nil, fmt.Errorf("%w: %s %d", ErrRange, name, n)
	}

	a.cur.align = max(a.cur.align, align)
	pad := alignUp(off, align) - off
	out := make([]byte, pad)
	if a.cur.name == ".text" && off%4 == 0 {
		for i := 0; i+4 <= len(out); i += 4 {
			binary.LittleEndian.PutUint32(out[i:], 0x13)
		}
	}
	return out, nil
}

// assign handles ".equ name, expr". Values that need label addresses are
// kept and resolved in the second pass.
func (a *assembler) assign(st *Statement) error {
	if len(st.Operands) != 2 || st.Operands[1].Kind != OperandExpr {
		return fmt.Errorf("%w: %s name, value", ErrOperands, st.Name)
	}
	sym, ok := st.Operands[0].Expr.(symExpr)
	if !ok || st.Operands[0].Kind != OperandExpr {
		return fmt.Errorf("%w: %s needs a symbol name", ErrOperands, st.Name)
	}
	name := string(sym)
	if _, isLabel := a.labels[name]; isLabel {
		return fmt.Errorf("%w: %s", ErrDuplicateSymbol, name)
	}
	if _, isEqu := a.equs[name]; isEqu && strings.ToLower(st.Name) == ".equ" {
		return fmt.Errorf("%w: %s", ErrDuplicateSymbol, name)
	}

	e := &equ{expr: st.Operands[1].Expr, sec: a.cur, offset: a.cur.size, line: st.Line}
	if v, err := e.expr.eval(a.constScope()); err == nil {
		e.value, e.state = v, equDone
	}
	a.equs[name] = e
	return nil
}

// unescape interprets C escapes in a string literal.
func unescape(s string) ([]byte, error) {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' {
			out = append(out, c)
			continue
		}
		i++
		if i >= len(s) {
			return nil, fmt.Errorf("%w: trailing backslash in string", ErrSyntax)
		}
		switch s[i] {
		case 'n':
			out = append(out, '\n')
		case 't':
			out = append(out, '\t')
		case 'r':
			out = append(out, '\r')
		case 'b':
			out = append(out, '\b')
		case 'f':
			out = append(out, '\f')
		case 'x':
			v, n := 0, 0
			for n < 2 && i+1 < len(s) && isHex(s[i+1]) {
				i++
				v = v*16 + hexValue(s[i])
				n++
			}
			if n == 0 {
				return nil, fmt.Errorf("%w: \\x without digits", ErrSyntax)
			}
			out = append(out, byte(v))
		case '0', '1', '2', '3', '4', '5', '6', '7':
			v := int(s[i] - '0')
			for n := 1; n < 3 && i+1 < len(s) && s[i+1] >= '0' && s[i+1] <= '7'; n++ {
				i++
				v = v*8 + int(s[i]-'0')
			}
			out = append(out, byte(v))
		default:
			out = append(out, s[i])
		}
	}
	return out, nil
}

func isHex(c byte) bool {
	return isDigit(c) || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

func hexValue(c byte) int {
	switch {
	case isDigit(c):
		return int(c - '0')
	case c >= 'a' && c <= 'f':
		return int(c-'a') + 10
	default:
		return int(c-'A') + 10
	}
}
