package vm

import "fmt"

// IllegalInstruction reports a word that does not decode to a supported
// instruction.
type IllegalInstruction struct {
	Word uint32
}

func (e *IllegalInstruction) Error() string {
	return fmt.Sprintf("illegal instruction 0x%08x", e.Word)
}

// Unwrap lets callers match ErrIllegalInstruction with errors.Is.
func (e *IllegalInstruction) Unwrap() error {
	return ErrIllegalInstruction
}

// Decode interprets a raw 32-bit word. It has no side effects.
func Decode(word uint32) (Instruction, error) {
	w := Word(word)
	inst := Instruction{Raw: word, Rd: w.Rd(), Rs1: w.Rs1(), Rs2: w.Rs2()}
	illegal := func() (Instruction, error) {
		return Instruction{Raw: word}, &IllegalInstruction{Word: word}
	}

	f3, f7 := w.Funct3(), w.Funct7()

	switch w.Major() {
	case majorLUI:
		inst.Op, inst.Rs1, inst.Rs2, inst.Imm = OpLUI, 0, 0, w.ImmU()
	case majorAUIPC:
		inst.Op, inst.Rs1, inst.Rs2, inst.Imm = OpAUIPC, 0, 0, w.ImmU()

	case majorJAL:
		inst.Op, inst.Rs1, inst.Rs2, inst.Imm = OpJAL, 0, 0, w.ImmJ()

	case majorJALR:
		if f3 != 0 {
			return illegal()
		}
		inst.Op, inst.Rs2, inst.Imm = OpJALR, 0, w.ImmI()

	case majorBranch:
		ops := [8]Opcode{OpBEQ, OpBNE, OpIllegal, OpIllegal, OpBLT, OpBGE, OpBLTU, OpBGEU}
		if ops[f3] == OpIllegal {
			return illegal()
		}
		inst.Op, inst.Rd, inst.Imm = ops[f3], 0, w.ImmB()

	case majorLoad:
		ops := [8]Opcode{OpLB, OpLH, OpLW, OpLD, OpLBU, OpLHU, OpLWU, OpIllegal}
		if ops[f3] == OpIllegal {
			return illegal()
		}
		inst.Op, inst.Rs2, inst.Imm = ops[f3], 0, w.ImmI()

	case majorStore:
		ops := [8]Opcode{OpSB, OpSH, OpSW, OpSD, OpIllegal, OpIllegal, OpIllegal, OpIllegal}
		if ops[f3] == OpIllegal {
			return illegal()
		}
		inst.Op, inst.Rd, inst.Imm = ops[f3], 0, w.ImmS()

	case majorOpImm:
		inst.Rs2 = 0
		switch f3 {
		case 0, 2, 3, 4, 6, 7:
			ops := [8]Opcode{OpADDI, OpIllegal, OpSLTI, OpSLTIU, OpXORI, OpIllegal, OpORI, OpANDI}
			inst.Op, inst.Imm = ops[f3], w.ImmI()
		case 1:
			if w.Funct6() != 0 {
				return illegal()
			}
			inst.Op, inst.Imm = OpSLLI, w.Shamt6()
		case 5:
			switch w.Funct6() {
			case 0:
				inst.Op = OpSRLI
			case funct6SRAI:
				inst.Op = OpSRAI
			default:
				return illegal()
			}
			inst.Imm = w.Shamt6()
		}

	case majorOpImm32:
		inst.Rs2 = 0
		switch {
		case f3 == 0:
			inst.Op, inst.Imm = OpADDIW, w.ImmI()
		case f3 == 1 && f7 == 0:
			inst.Op, inst.Imm = OpSLLIW, w.Shamt5()
		case f3 == 5 && f7 == 0:
			inst.Op, inst.Imm = OpSRLIW, w.Shamt5()
		case f3 == 5 && f7 == funct7Alt:
			inst.Op, inst.Imm = OpSRAIW, w.Shamt5()
		default:
			return illegal()
		}

	case majorOp:
		var ops [8]Opcode
		switch f7 {
		case 0:
			ops = [8]Opcode{OpADD, OpSLL, OpSLT, OpSLTU, OpXOR, OpSRL, OpOR, OpAND}
		case funct7Alt:
			ops = [8]Opcode{OpSUB, OpIllegal, OpIllegal, OpIllegal, OpIllegal, OpSRA, OpIllegal, OpIllegal}
		case funct7MulDiv:
			ops = [8]Opcode{OpMUL, OpMULH, OpMULHSU, OpMULHU, OpDIV, OpDIVU, OpREM, OpREMU}
		}
		if ops[f3] == OpIllegal {
			return illegal()
		}
		inst.Op = ops[f3]

	case majorOp32:
		var ops [8]Opcode
		switch f7 {
		case 0:
			ops = [8]Opcode{OpADDW, OpSLLW, OpIllegal, OpIllegal, OpIllegal, OpSRLW, OpIllegal, OpIllegal}
		case funct7Alt:
			ops = [8]Opcode{OpSUBW, OpIllegal, OpIllegal, OpIllegal, OpIllegal, OpSRAW, OpIllegal, OpIllegal}
		case funct7MulDiv:
			ops = [8]Opcode{OpMULW, OpIllegal, OpIllegal, OpIllegal, OpDIVW, OpDIVUW, OpREMW, OpREMUW}
		}
		if ops[f3] == OpIllegal {
			return illegal()
		}
		inst.Op = ops[f3]

	case majorMiscMem:
		switch f3 {
		case 0:
			inst.Op = OpFENCE
		case 1:
			inst.Op = OpFENCEI
		default:
			return illegal()
		}
		inst.Rs2, inst.Imm = 0, w.ImmI()

	case majorSystem:
		inst.Rs2 = 0
		switch f3 {
		case 0:
			switch word {
			case EncodeI(majorSystem, 0, 0, 0, funct12ECALL):
				inst.Op = OpECALL
			case EncodeI(majorSystem, 0, 0, 0, funct12EBREAK):
				inst.Op = OpEBREAK
			default:
				return illegal()
			}
			inst.Rd, inst.Rs1 = 0, 0
		case 1, 2, 3, 5, 6, 7:
			ops := [8]Opcode{OpIllegal, OpCSRRW, OpCSRRS, OpCSRRC, OpIllegal, OpCSRRWI, OpCSRRSI, OpCSRRCI}
			inst.Op, inst.Imm = ops[f3], int64(w.Funct12())
		default:
			return illegal()
		}

	case majorAMO:
		if f3 != 2 && f3 != 3 {
			return illegal()
		}
		op, ok := amoOpcode(w.Funct5(), f3 == 3)
		if !ok {
			return illegal()
		}
		if (op == OpLRW || op == OpLRD) && inst.Rs2 != 0 {
			return illegal()
		}
		inst.Op = op
		inst.Aq = f7&0x2 != 0
		inst.Rl = f7&0x1 != 0

	default:
		return illegal()
	}

	return inst, nil
}

var (
	amoWord   = map[uint32]Opcode{}
	amoDouble = map[uint32]Opcode{}
)

func init() {
	for op := OpLRW; op <= OpAMOMAXUD; op++ {
		enc := encodings[op]
		if enc.funct3 == 2 {
			amoWord[enc.funct] = op
		} else {
			amoDouble[enc.funct] = op
		}
	}
}

func amoOpcode(funct5 uint32, double bool) (Opcode, bool) {
	if double {
		op, ok := amoDouble[funct5]
		return op, ok
	}
	op, ok := amoWord[funct5]
	return op, ok
}
