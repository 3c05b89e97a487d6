package vm

import (
	"testing"

	"github.com/akhildatla/rvsim/internal/testutil"
)

// ABI register numbers used by the tests.
const (
	rRA = 1
	rSP = 2
	rT0 = 5
	rT1 = 6
	rT2 = 7
	rA0 = 10
	rA1 = 11
	rA2 = 12
	rA7 = 17
)

// enc encodes inst and panics on failure; test programs are fixed.
func enc(inst Instruction) uint32 {
	w, err := Encode(inst)
	if err != nil {
		panic(err)
	}
	return w
}

func addi(rd, rs1 uint8, imm int64) uint32 {
	return enc(Instruction{Op: OpADDI, Rd: rd, Rs1: rs1, Imm: imm})
}

func op3(op Opcode, rd, rs1, rs2 uint8) uint32 {
	return enc(Instruction{Op: op, Rd: rd, Rs1: rs1, Rs2: rs2})
}

func opImm(op Opcode, rd, rs1 uint8, imm int64) uint32 {
	return enc(Instruction{Op: op, Rd: rd, Rs1: rs1, Imm: imm})
}

func store(op Opcode, rs2 uint8, imm int64, rs1 uint8) uint32 {
	return enc(Instruction{Op: op, Rs1: rs1, Rs2: rs2, Imm: imm})
}

func branch(op Opcode, rs1, rs2 uint8, off int64) uint32 {
	return enc(Instruction{Op: op, Rs1: rs1, Rs2: rs2, Imm: off})
}

func jal(rd uint8, off int64) uint32 {
	return enc(Instruction{Op: OpJAL, Rd: rd, Imm: off})
}

func csrOp(op Opcode, rd uint8, num int64, rs1 uint8) uint32 {
	return enc(Instruction{Op: op, Rd: rd, Rs1: rs1, Imm: num})
}

const (
	nop    = 0x00000013
	ecall  = 0x00000073
	ebreak = 0x00100073
)

// newTestVM loads words at base 0 with the default layout.
func newTestVM(t *testing.T, words ...uint32) *VM {
	t.Helper()
	v := NewVM(DefaultConfig())
	if err := v.Load(testutil.Image(words...)); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	return v
}

// runWords executes words and fails the test on a run error.
func runWords(t *testing.T, setup func(*RegisterFile), words ...uint32) (*VM, *Result) {
	t.Helper()
	v := newTestVM(t, words...)
	if setup != nil {
		setup(v.Registers())
	}
	res, err := v.Execute()
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	return v, res
}

func reg(t *testing.T, v *VM, index int) int64 {
	t.Helper()
	val, err := v.Registers().Read(index)
	if err != nil {
		t.Fatalf("Read(x%d) failed: %v", index, err)
	}
	return val
}
