package asm

import (
	"math/bits"

	"github.com/akhildatla/rvsim/pkg/vm"
)

type pseudoFunc func(e *emitter) error

// pseudos maps pseudo-instruction mnemonics to their expansions. jal and
// jalr with one operand are handled with the base instructions.
var pseudos map[string]pseudoFunc

func init() {
	pseudos = map[string]pseudoFunc{
		"nop": func(e *emitter) error {
			if err := e.arity(0); err != nil {
				return err
			}
			e.emit(vm.Instruction{Op: vm.OpADDI})
			return nil
		},
		"li":  loadImmediate,
		"la":  loadAddress,
		"lla": loadAddress,

		"mv":     regReg(func(rd, rs uint8) vm.Instruction { return vm.Instruction{Op: vm.OpADDI, Rd: rd, Rs1: rs} }),
		"not":    regReg(func(rd, rs uint8) vm.Instruction { return vm.Instruction{Op: vm.OpXORI, Rd: rd, Rs1: rs, Imm: -1} }),
		"neg":    regReg(func(rd, rs uint8) vm.Instruction { return vm.Instruction{Op: vm.OpSUB, Rd: rd, Rs2: rs} }),
		"negw":   regReg(func(rd, rs uint8) vm.Instruction { return vm.Instruction{Op: vm.OpSUBW, Rd: rd, Rs2: rs} }),
		"sext.w": regReg(func(rd, rs uint8) vm.Instruction { return vm.Instruction{Op: vm.OpADDIW, Rd: rd, Rs1: rs} }),
		"zext.b": regReg(func(rd, rs uint8) vm.Instruction { return vm.Instruction{Op: vm.OpANDI, Rd: rd, Rs1: rs, Imm: 0xff} }),
		"seqz":   regReg(func(rd, rs uint8) vm.Instruction { return vm.Instruction{Op: vm.OpSLTIU, Rd: rd, Rs1: rs, Imm: 1} }),
		"snez":   regReg(func(rd, rs uint8) vm.Instruction { return vm.Instruction{Op: vm.OpSLTU, Rd: rd, Rs2: rs} }),
		"sltz":   regReg(func(rd, rs uint8) vm.Instruction { return vm.Instruction{Op: vm.OpSLT, Rd: rd, Rs1: rs} }),
		"sgtz":   regReg(func(rd, rs uint8) vm.Instruction { return vm.Instruction{Op: vm.OpSLT, Rd: rd, Rs2: rs} }),

		"beqz": branchZero(vm.OpBEQ, false),
		"bnez": branchZero(vm.OpBNE, false),
		"bgez": branchZero(vm.OpBGE, false),
		"bltz": branchZero(vm.OpBLT, false),
		"blez": branchZero(vm.OpBGE, true),
		"bgtz": branchZero(vm.OpBLT, true),
		"bgt":  branchSwapped(vm.OpBLT),
		"ble":  branchSwapped(vm.OpBGE),
		"bgtu": branchSwapped(vm.OpBLTU),
		"bleu": branchSwapped(vm.OpBGEU),

		"j": func(e *emitter) error {
			if err := e.arity(1); err != nil {
				return err
			}
			off, err := e.target(0)
			if err != nil {
				return err
			}
			e.emit(vm.Instruction{Op: vm.OpJAL, Imm: off})
			return nil
		},
		"jr": func(e *emitter) error {
			if err := e.arity(1); err != nil {
				return err
			}
			rs, err := e.reg(0)
			if err != nil {
				return err
			}
			e.emit(vm.Instruction{Op: vm.OpJALR, Rs1: rs})
			return nil
		},
		"ret": func(e *emitter) error {
			if err := e.arity(0); err != nil {
				return err
			}
			e.emit(vm.Instruction{Op: vm.OpJALR, Rs1: vm.RegRA})
			return nil
		},
		"call": farJump(vm.RegRA, vm.RegRA),
		"tail": farJump(6, vm.RegZero), // through t1

		"rdcycle":   readCounter(vm.CSRCycle),
		"rdtime":    readCounter(vm.CSRTime),
		"rdinstret": readCounter(vm.CSRInstret),
		"csrr": func(e *emitter) error {
			if err := e.arity(2); err != nil {
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
			e.emit(vm.Instruction{Op: vm.OpCSRRS, Rd: rd, Imm: num})
			return nil
		},
		"csrw":  csrWrite(vm.OpCSRRW, false),
		"csrs":  csrWrite(vm.OpCSRRS, false),
		"csrc":  csrWrite(vm.OpCSRRC, false),
		"csrwi": csrWrite(vm.OpCSRRWI, true),
		"csrsi": csrWrite(vm.OpCSRRSI, true),
		"csrci": csrWrite(vm.OpCSRRCI, true),
	}
}

func regReg(build func(rd, rs uint8) vm.Instruction) pseudoFunc {
	return func(e *emitter) error {
		if err := e.arity(2); err != nil {
			return err
		}
		r, err := e.regs(0, 1)
		if err != nil {
			return err
		}
		e.emit(build(r[0], r[1]))
		return nil
	}
}

// branchZero compares against x0; swapped puts x0 first.
func branchZero(op vm.Opcode, swapped bool) pseudoFunc {
	return func(e *emitter) error {
		if err := e.arity(2); err != nil {
			return err
		}
		rs, err := e.reg(0)
		if err != nil {
			return err
		}
		off, err := e.target(1)
		if err != nil {
			return err
		}
		inst := vm.Instruction{Op: op, Rs1: rs, Imm: off}
		if swapped {
			inst.Rs1, inst.Rs2 = 0, rs
		}
		e.emit(inst)
		return nil
	}
}

func branchSwapped(op vm.Opcode) pseudoFunc {
	return func(e *emitter) error {
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
		e.emit(vm.Instruction{Op: op, Rs1: r[1], Rs2: r[0], Imm: off})
		return nil
	}
}

// farJump emits auipc tmp, hi; jalr link, lo(tmp).
func farJump(tmp, link uint8) pseudoFunc {
	return func(e *emitter) error {
		if err := e.arity(1); err != nil {
			return err
		}
		target, err := e.value(0)
		if err != nil {
			return err
		}
		e.pcrel(tmp, target, func(lo int64) vm.Instruction {
			return vm.Instruction{Op: vm.OpJALR, Rd: link, Rs1: tmp, Imm: lo}
		})
		return nil
	}
}

func loadAddress(e *emitter) error {
	if err := e.arity(2); err != nil {
		return err
	}
	rd, err := e.reg(0)
	if err != nil {
		return err
	}
	addr, err := e.value(1)
	if err != nil {
		return err
	}
	e.pcrel(rd, addr, func(lo int64) vm.Instruction {
		return vm.Instruction{Op: vm.OpADDI, Rd: rd, Rs1: rd, Imm: lo}
	})
	return nil
}

func readCounter(num int64) pseudoFunc {
	return func(e *emitter) error {
		if err := e.arity(1); err != nil {
			return err
		}
		rd, err := e.reg(0)
		if err != nil {
			return err
		}
		e.emit(vm.Instruction{Op: vm.OpCSRRS, Rd: rd, Imm: num})
		return nil
	}
}

func csrWrite(op vm.Opcode, immediate bool) pseudoFunc {
	return func(e *emitter) error {
		if err := e.arity(2); err != nil {
			return err
		}
		num, err := e.csr(0)
		if err != nil {
			return err
		}
		inst := vm.Instruction{Op: op, Imm: num}
		if immediate {
			zimm, err := e.value(1)
			if err != nil {
				return err
			}
			if zimm < 0 || zimm > 31 {
				return e.errorf("immediate %d exceeds 5 bits", zimm)
			}
			inst.Rs1 = uint8(zimm)
		} else if inst.Rs1, err = e.reg(1); err != nil {
			return err
		}
		e.emit(inst)
		return nil
	}
}

// loadImmediate expands li. The value must be a constant so the expansion
// has the same length in both passes.
func loadImmediate(e *emitter) error {
	if err := e.arity(2); err != nil {
		return err
	}
	rd, err := e.reg(0)
	if err != nil {
		return err
	}
	op := e.st.Operands[1]
	if op.Kind != OperandExpr {
		return e.errorf("operand 2 must be an expression")
	}
	v, err := op.Expr.eval(e.a.constScope())
	if err != nil {
		return err
	}
	e.emit(materialize(rd, v)...)
	return nil
}

// materialize builds the shortest lui/addi(w)/slli sequence for v, in the
// style of the GNU assembler.
func materialize(rd uint8, v int64) []vm.Instruction {
	if v == int64(int32(v)) {
		hi, lo := splitHiLo(v)
		hi20 := int64(int32(uint32(hi) << 12))
		switch {
		case hi == 0:
			return []vm.Instruction{{Op: vm.OpADDI, Rd: rd, Imm: lo}}
		case lo == 0:
			return []vm.Instruction{{Op: vm.OpLUI, Rd: rd, Imm: hi20}}
		default:
			return []vm.Instruction{
				{Op: vm.OpLUI, Rd: rd, Imm: hi20},
				{Op: vm.OpADDIW, Rd: rd, Rs1: rd, Imm: lo},
			}
		}
	}

	lo := v << 52 >> 52
	hi := (v - lo) >> 12
	shift := 12 + bits.TrailingZeros64(uint64(hi))
	hi >>= shift - 12
	out := materialize(rd, hi)
	out = append(out, vm.Instruction{Op: vm.OpSLLI, Rd: rd, Rs1: rd, Imm: int64(shift)})
	if lo != 0 {
		out = append(out, vm.Instruction{Op: vm.OpADDI, Rd: rd, Rs1: rd, Imm: lo})
	}
	return out
}
