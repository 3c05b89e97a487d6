package asm

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/akhildatla/rvsim/pkg/vm"
)

// emitter expands one statement into machine instructions.
type emitter struct {
	st  *Statement
	pc  uint64
	sc  *scope
	a   *assembler
	out []vm.Instruction
}

func (e *emitter) emit(insts ...vm.Instruction) {
	e.out = append(e.out, insts...)
}

func (e *emitter) errorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", ErrOperands, e.st.Name, fmt.Sprintf(format, args...))
}

func (e *emitter) arity(n ...int) error {
	for _, want := range n {
		if len(e.st.Operands) == want {
			return nil
		}
	}
	return e.errorf("expected %v operands, got %d", n, len(e.st.Operands))
}

func (e *emitter) reg(i int) (uint8, error) {
	op := e.st.Operands[i]
	if op.Kind != OperandReg {
		return 0, e.errorf("operand %d must be a register", i+1)
	}
	return op.Reg, nil
}

func (e *emitter) regs(idx ...int) ([]uint8, error) {
	out := make([]uint8, len(idx))
	for k, i := range idx {
		r, err := e.reg(i)
		if err != nil {
			return nil, err
		}
		out[k] = r
	}
	return out, nil
}

func (e *emitter) value(i int) (int64, error) {
	op := e.st.Operands[i]
	if op.Kind != OperandExpr {
		return 0, e.errorf("operand %d must be an expression", i+1)
	}
	return op.Expr.eval(e.sc)
}

// mem returns the base register and offset of an off(reg) operand.
func (e *emitter) mem(i int) (uint8, int64, error) {
	op := e.st.Operands[i]
	if op.Kind != OperandMem {
		return 0, 0, e.errorf("operand %d must be a memory reference", i+1)
	}
	if op.Expr == nil {
		return op.Reg, 0, nil
	}
	off, err := op.Expr.eval(e.sc)
	return op.Reg, off, err
}

// target returns the pc-relative offset to a branch or jump target. Targets
// naming a symbol are addresses; plain numbers are offsets, which is how the
// disassembler prints them.
func (e *emitter) target(i int) (int64, error) {
	op := e.st.Operands[i]
	if op.Kind != OperandExpr {
		return 0, e.errorf("operand %d must be a branch target", i+1)
	}
	v, err := op.Expr.eval(e.sc)
	if err != nil {
		return 0, err
	}
	if references(op.Expr) {
		return v - int64(e.pc), nil
	}
	return v, nil
}

// csr accepts a counter name or a CSR number.
func (e *emitter) csr(i int) (int64, error) {
	op := e.st.Operands[i]
	if name, ok := symbolName(op.Expr); ok && op.Kind == OperandExpr {
		if num, ok := vm.CSRNumber(name); ok {
			return int64(num), nil
		}
	}
	return e.value(i)
}

// pcrel emits auipc rd, hi; then second(lo) relative to the current pc.
func (e *emitter) pcrel(rd uint8, target int64, second func(lo int64) vm.Instruction) {
	hi, lo := splitHiLo(target - int64(e.pc))
	e.emit(vm.Instruction{Op: vm.OpAUIPC, Rd: rd, Imm: hi << 12}, second(lo))
}

// expand turns a statement into instructions located at pc.
func (a *assembler) expand(st *Statement, pc uint64, sc *scope) ([]vm.Instruction, error) {
	e := &emitter{st: st, pc: pc, sc: sc, a: a}
	name := strings.ToLower(st.Name)

	if p, ok := pseudos[name]; ok {
		if err := p(e); err != nil {
			return nil, err
		}
		return e.out, nil
	}

	base, aq, rl := splitOrdering(name)
	op, ok := vm.OpcodeFromString(base)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMnemonic, st.Name)
	}
	if (aq || rl) && op.Format() != vm.FormatAtomic {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMnemonic, st.Name)
	}
	if err := e.base(op, aq, rl); err != nil {
		return nil, err
	}
	return e.out, nil
}

// splitOrdering strips .aq, .rl and .aqrl suffixes.
func splitOrdering(name string) (base string, aq, rl bool) {
	switch {
	case strings.HasSuffix(name, ".aqrl"):
		return strings.TrimSuffix(name, ".aqrl"), true, true
	case strings.HasSuffix(name, ".aq.rl"):
		return strings.TrimSuffix(name, ".aq.rl"), true, true
	case strings.HasSuffix(name, ".aq"):
		return strings.TrimSuffix(name, ".aq"), true, false
	case strings.HasSuffix(name, ".rl"):
		return strings.TrimSuffix(name, ".rl"), false, true
	}
	return name, false, false
}

// base assembles a real instruction.
func (e *emitter) base(op vm.Opcode, aq, rl bool) error {
	inst := vm.Instruction{Op: op, Aq: aq, Rl: rl}

	switch op.Format() {
	case vm.FormatR:
		if err := e.arity(3); err != nil {
			return err
		}
		r, err := e.regs(0, 1, 2)
		if err != nil {
			return err
		}
		inst.Rd, inst.Rs1, inst.Rs2 = r[0], r[1], r[2]

	case vm.FormatI:
		switch {
		case op.Class() == vm.ClassLoad:
			return e.load(op)
		case op == vm.OpJALR:
			return e.jalr()
		case op == vm.OpFENCE:
			return e.fence()
		case op == vm.OpFENCEI:
			if err := e.arity(0); err != nil {
				return err
			}
		default:
			if err := e.arity(3); err != nil {
				return err
			}
			r, err := e.regs(0, 1)
			if err != nil {
				return err
			}
			imm, err := e.value(2)
			if err != nil {
				return err
			}
			inst.Rd, inst.Rs1, inst.Imm = r[0], r[1], imm
		}

	case vm.FormatS:
		if err := e.arity(2); err != nil {
			return err
		}
		rs2, err := e.reg(0)
		if err != nil {
			return err
		}
		rs1, off, err := e.mem(1)
		if err != nil {
			return err
		}
		inst.Rs1, inst.Rs2, inst.Imm = rs1, rs2, off

	case vm.FormatB:
		if err := e.arity(3); err != nil {
			return err
		}
		r, err := e.regs(0, 1)
		if err != nil {
			return err
		}
		off, err := e.target(2)
		if err != nil {
			return err
		}
		inst.Rs1, inst.Rs2, inst.Imm = r[0], r[1], off

	case vm.FormatU:
		if err := e.arity(2); err != nil {
			return err
		}
		rd, err := e.reg(0)
		if err != nil {
			return err
		}
		v, err := e.value(1)
		if err != nil {
			return err
		}
		if v < -0x80000 || v > 0xfffff {
			return fmt.Errorf("%w: %s immediate 0x%x exceeds 20 bits", ErrRange, op, v)
		}
		inst.Rd, inst.Imm = rd, int64(int32(uint32(v)<<12))

	case vm.FormatJ:
		if err := e.arity(1, 2); err != nil {
			return err
		}
		inst.Rd = vm.RegRA
		ti := 0
		if len(e.st.Operands) == 2 {
			rd, err := e.reg(0)
			if err != nil {
				return err
			}
			inst.Rd, ti = rd, 1
		}
		off, err := e.target(ti)
		if err != nil {
			return err
		}
		inst.Imm = off

	case vm.FormatShift64, vm.FormatShift32:
		if err := e.arity(3); err != nil {
			return err
		}
		r, err := e.regs(0, 1)
		if err != nil {
			return err
		}
		sh, err := e.value(2)
		if err != nil {
			return err
		}
		inst.Rd, inst.Rs1, inst.Imm = r[0], r[1], sh

	case vm.FormatSystem:
		if err := e.arity(0); err != nil {
			return err
		}

	case vm.FormatCSR, vm.FormatCSRI:
		if err := e.arity(3); err != nil {
			return err
		}
		rd, err := e.reg(0)
		if err != nil {
			return err
		}
		num, err := e.csr(1)
		if err != nil {
			return err
		}
		inst.Rd, inst.Imm = rd, num
		if op.Format() == vm.FormatCSR {
			inst.Rs1, err = e.reg(2)
			if err != nil {
				return err
			}
		} else {
			zimm, err := e.value(2)
			if err != nil {
				return err
			}
			if zimm < 0 || zimm > 31 {
				return fmt.Errorf("%w: %s immediate %d exceeds 5 bits", ErrRange, op, zimm)
			}
			inst.Rs1 = uint8(zimm)
		}

	case vm.FormatAtomic:
		isLR := op == vm.OpLRW || op == vm.OpLRD
		if isLR {
			if err := e.arity(2); err != nil {
				return err
			}
		} else if err := e.arity(3); err != nil {
			return err
		}
		rd, err := e.reg(0)
		if err != nil {
			return err
		}
		mi := 1
		if !isLR {
			if inst.Rs2, err = e.reg(1); err != nil {
				return err
			}
			mi = 2
		}
		rs1, off, err := e.mem(mi)
		if err != nil {
			return err
		}
		if off != 0 {
			return e.errorf("atomic address offset must be 0")
		}
		inst.Rd, inst.Rs1 = rd, rs1
	}

	e.emit(inst)
	return nil
}

// load handles "op rd, off(rs1)" and the pc-relative "op rd, symbol".
func (e *emitter) load(op vm.Opcode) error {
	if err := e.arity(2); err != nil {
		return err
	}
	rd, err := e.reg(0)
	if err != nil {
		return err
	}
	if e.st.Operands[1].Kind == OperandExpr {
		addr, err := e.value(1)
		if err != nil {
			return err
		}
		e.pcrel(rd, addr, func(lo int64) vm.Instruction {
			return vm.Instruction{Op: op, Rd: rd, Rs1: rd, Imm: lo}
		})
		return nil
	}
	rs1, off, err := e.mem(1)
	if err != nil {
		return err
	}
	e.emit(vm.Instruction{Op: op, Rd: rd, Rs1: rs1, Imm: off})
	return nil
}

// jalr accepts "jalr rs", "jalr rd, off(rs1)", "jalr rd, rs1" and
// "jalr rd, rs1, off".
func (e *emitter) jalr() error {
	if err := e.arity(1, 2, 3); err != nil {
		return err
	}
	inst := vm.Instruction{Op: vm.OpJALR}
	ops := e.st.Operands

	switch {
	case len(ops) == 1 && ops[0].Kind == OperandMem:
		rs1, off, err := e.mem(0)
		if err != nil {
			return err
		}
		inst.Rd, inst.Rs1, inst.Imm = vm.RegRA, rs1, off
	case len(ops) == 1:
		rs1, err := e.reg(0)
		if err != nil {
			return err
		}
		inst.Rd, inst.Rs1 = vm.RegRA, rs1
	case len(ops) == 2 && ops[1].Kind == OperandMem:
		rd, err := e.reg(0)
		if err != nil {
			return err
		}
		rs1, off, err := e.mem(1)
		if err != nil {
			return err
		}
		inst.Rd, inst.Rs1, inst.Imm = rd, rs1, off
	default:
		r, err := e.regs(0, 1)
		if err != nil {
			return err
		}
		inst.Rd, inst.Rs1 = r[0], r[1]
		if len(ops) == 3 {
			off, err := e.value(2)
			if err != nil {
				return err
			}
			inst.Imm = off
		}
	}
	e.emit(inst)
	return nil
}

// fence accepts no operands (iorw, iorw) or predecessor and successor sets.
func (e *emitter) fence() error {
	if err := e.arity(0, 2); err != nil {
		return err
	}
	if len(e.st.Operands) == 0 {
		e.emit(vm.Instruction{Op: vm.OpFENCE, Imm: 0xff})
		return nil
	}
	pred, err := e.fenceSet(0)
	if err != nil {
		return err
	}
	succ, err := e.fenceSet(1)
	if err != nil {
		return err
	}
	e.emit(vm.Instruction{Op: vm.OpFENCE, Imm: pred<<4 | succ})
	return nil
}

func (e *emitter) fenceSet(i int) (int64, error) {
	op := e.st.Operands[i]
	name, ok := symbolName(op.Expr)
	if op.Kind != OperandExpr || !ok {
		v, err := e.value(i)
		if err != nil {
			return 0, err
		}
		if v < 0 || v > 15 {
			return 0, fmt.Errorf("%w: fence set %d", ErrRange, v)
		}
		return v, nil
	}
	var bits int64
	for _, c := range name {
		switch c {
		case 'i':
			bits |= 8
		case 'o':
			bits |= 4
		case 'r':
			bits |= 2
		case 'w':
			bits |= 1
		default:
			return 0, e.errorf("invalid fence set %q", name)
		}
	}
	return bits, nil
}

func encodeAll(insts []vm.Instruction) ([]byte, error) {
	out := make([]byte, 4*len(insts))
	for i, inst := range insts {
		w, err := vm.Encode(inst)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRange, err)
		}
		binary.LittleEndian.PutUint32(out[4*i:], w)
	}
	return out, nil
}
