package vm

import (
	"bytes"
	"errors"
	"math"
	"testing"

	"github.com/akhildatla/rvsim/internal/testutil"
)

// ===== Register arithmetic =====

func TestExecute_RegisterOps(t *testing.T) {
	const minInt32 = math.MinInt32

	tests := []struct {
		name string
		op   Opcode
		a, b int64
		want int64
	}{
		{"add wraps", OpADD, math.MaxInt64, 1, math.MinInt64},
		{"sub wraps", OpSUB, math.MinInt64, 1, math.MaxInt64},
		{"sll masks shamt", OpSLL, 1, 65, 2},
		{"srl logical", OpSRL, -1, 60, 0xF},
		{"sra arithmetic", OpSRA, -16, 2, -4},
		{"slt signed", OpSLT, -1, 1, 1},
		{"sltu unsigned", OpSLTU, -1, 1, 0},
		{"xor", OpXOR, 0b1100, 0b1010, 0b0110},
		{"or", OpOR, 0b1100, 0b1010, 0b1110},
		{"and", OpAND, 0b1100, 0b1010, 0b1000},

		{"mul wraps", OpMUL, math.MaxInt64, 2, -2},
		{"mulh min*min", OpMULH, math.MinInt64, math.MinInt64, 0x4000000000000000},
		{"mulh -1*-1", OpMULH, -1, -1, 0},
		{"mulhu max*max", OpMULHU, -1, -1, -2},
		{"mulhsu -1*max", OpMULHSU, -1, -1, -1},
		{"div", OpDIV, -7, 2, -3},
		{"rem", OpREM, -7, 2, -1},
		{"div by zero", OpDIV, 7, 0, -1},
		{"divu by zero", OpDIVU, 7, 0, -1},
		{"rem by zero", OpREM, 7, 0, 7},
		{"remu by zero", OpREMU, -7, 0, -7},
		{"div overflow", OpDIV, math.MinInt64, -1, math.MinInt64},
		{"rem overflow", OpREM, math.MinInt64, -1, 0},
		{"divu", OpDIVU, -1, 2, math.MaxInt64},
		{"remu", OpREMU, -1, 16, 15},

		{"addw wraps", OpADDW, 0x7fffffff, 1, minInt32},
		{"addw ignores upper bits", OpADDW, 0x100000001, 1, 2},
		{"subw", OpSUBW, 0, 1, -1},
		{"sllw", OpSLLW, 1, 31, minInt32},
		{"sllw masks shamt", OpSLLW, 1, 33, 2},
		{"srlw", OpSRLW, -1, 4, 0x0fffffff},
		{"sraw", OpSRAW, -16, 2, -4},
		{"mulw truncates", OpMULW, 0x10000, 0x10000, 0},
		{"divw by zero", OpDIVW, 7, 0, -1},
		{"divuw by zero", OpDIVUW, 7, 0, -1},
		{"remw by zero", OpREMW, -7, 0, -7},
		{"remuw by zero", OpREMUW, 0x80000000, 0, minInt32},
		{"divw overflow", OpDIVW, minInt32, -1, minInt32},
		{"remw overflow", OpREMW, minInt32, -1, 0},
		{"divuw", OpDIVUW, -1, 2, 0x7fffffff},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, res := runWords(t, func(rf *RegisterFile) {
				rf.Write(rT0, tt.a)
				rf.Write(rT1, tt.b)
			}, op3(tt.op, rT2, rT0, rT1))

			if res.Reason != HaltEndOfCode {
				t.Fatalf("expected end-of-code, got %s", res.Reason)
			}
			if got := reg(t, v, rT2); got != tt.want {
				t.Errorf("%s(%d, %d) = %d (0x%x), want %d", tt.op, tt.a, tt.b, got, uint64(got), tt.want)
			}
		})
	}
}

// ===== Immediate arithmetic =====

func TestExecute_ImmediateOps(t *testing.T) {
	tests := []struct {
		name string
		op   Opcode
		a    int64
		imm  int64
		want int64
	}{
		{"addi", OpADDI, -1, 1, 0},
		{"addi wraps", OpADDI, math.MaxInt64, 1, math.MinInt64},
		{"slti", OpSLTI, -5, -4, 1},
		{"sltiu sign-extends imm", OpSLTIU, 1, -1, 1},
		{"xori not", OpXORI, 0x55, -1, ^int64(0x55)},
		{"ori", OpORI, 0x50, 0x05, 0x55},
		{"andi", OpANDI, -1, 0x7ff, 0x7ff},
		{"slli", OpSLLI, 1, 63, math.MinInt64},
		{"srli", OpSRLI, -1, 63, 1},
		{"srai", OpSRAI, -8, 1, -4},
		{"addiw wraps", OpADDIW, 0x7fffffff, 1, math.MinInt32},
		{"sext.w", OpADDIW, 0xffffffff, 0, -1},
		{"slliw", OpSLLIW, 1, 31, math.MinInt32},
		{"srliw", OpSRLIW, -1, 31, 1},
		{"sraiw", OpSRAIW, 0x80000000, 31, -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, _ := runWords(t, func(rf *RegisterFile) {
				rf.Write(rT0, tt.a)
			}, opImm(tt.op, rT2, rT0, tt.imm))

			if got := reg(t, v, rT2); got != tt.want {
				t.Errorf("%s(%d, %d) = %d, want %d", tt.op, tt.a, tt.imm, got, tt.want)
			}
		})
	}
}

func TestExecute_UpperImmediates(t *testing.T) {
	v, _ := runWords(t, nil,
		nop,
		enc(Instruction{Op: OpAUIPC, Rd: rA0, Imm: 0x1000}),
		enc(Instruction{Op: OpLUI, Rd: rA1, Imm: -0x80000000}),
		enc(Instruction{Op: OpLUI, Rd: rA2, Imm: 0x12345000}),
	)

	testutil.AssertInt64Equal(t, 0x1004, reg(t, v, rA0))
	testutil.AssertInt64Equal(t, -0x80000000, reg(t, v, rA1))
	testutil.AssertInt64Equal(t, 0x12345000, reg(t, v, rA2))
}

// ===== Loads and stores =====

func TestExecute_LoadExtension(t *testing.T) {
	tests := []struct {
		name  string
		store Opcode
		load  Opcode
		value int64
		want  int64
	}{
		{"lb sign-extends", OpSB, OpLB, 0x80, -128},
		{"lbu zero-extends", OpSB, OpLBU, 0x80, 128},
		{"lh sign-extends", OpSH, OpLH, 0x8000, -32768},
		{"lhu zero-extends", OpSH, OpLHU, 0x8000, 32768},
		{"lw sign-extends", OpSW, OpLW, 0x80000000, math.MinInt32},
		{"lwu zero-extends", OpSW, OpLWU, 0x80000000, 0x80000000},
		{"ld", OpSD, OpLD, math.MinInt64 + 5, math.MinInt64 + 5},
		{"sw truncates", OpSW, OpLD, 0x1122334455667788, 0x55667788},
		{"sb truncates", OpSB, OpLD, 0x1ff, 0xff},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, _ := runWords(t, func(rf *RegisterFile) {
				rf.Write(rT0, 0x2000)
				rf.Write(rA0, tt.value)
			},
				store(tt.store, rA0, 8, rT0),
				opImm(tt.load, rA1, rT0, 8),
			)
			if got := reg(t, v, rA1); got != tt.want {
				t.Errorf("got %d, want %d", got, tt.want)
			}
		})
	}
}

func TestExecute_NegativeOffset(t *testing.T) {
	v, _ := runWords(t, func(rf *RegisterFile) {
		rf.Write(rT0, 0x2000)
		rf.Write(rA0, 99)
	},
		store(OpSW, rA0, -36, rT0),
		opImm(OpLW, rA1, rT0, -36),
	)

	testutil.AssertInt64Equal(t, 99, reg(t, v, rA1))
	w, _ := v.Memory().LoadWord(0x2000 - 36)
	if w != 99 {
		t.Errorf("expected 99 at 0x%x, got %d", 0x2000-36, w)
	}
}

func TestExecute_StoreFaultExactAddress(t *testing.T) {
	v := newTestVM(t, store(OpSD, rRA, -4, rSP))
	top := v.Memory().End()

	res, err := v.Execute()
	if !errors.Is(err, ErrMemoryFault) {
		t.Fatalf("expected ErrMemoryFault, got %v", err)
	}
	var fault *MemoryFault
	if !errors.As(err, &fault) {
		t.Fatalf("expected *MemoryFault, got %T", err)
	}
	if fault.Addr != top-4 || fault.Width != 8 || !fault.Write {
		t.Errorf("unexpected fault %+v, want 8-byte store at 0x%x", fault, top-4)
	}
	if res.Reason != HaltFault || res.PC != 0 || res.Steps != 0 {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestExecute_LoadFault(t *testing.T) {
	v := newTestVM(t, opImm(OpLD, rA0, 0, -8))

	_, err := v.Execute()
	var fault *MemoryFault
	if !errors.As(err, &fault) {
		t.Fatalf("expected *MemoryFault, got %v", err)
	}
	if fault.Addr != ^uint64(7) || fault.Write {
		t.Errorf("unexpected fault %+v", fault)
	}
}

// ===== Control flow =====

func TestExecute_Loop(t *testing.T) {
	v, res := runWords(t, nil,
		addi(rT0, 0, 10),
		addi(rA0, 0, 0),
		op3(OpADD, rA0, rA0, rT0), // loop:
		addi(rT0, rT0, -1),
		branch(OpBNE, rT0, 0, -8),
	)

	testutil.AssertInt64Equal(t, 55, reg(t, v, rA0))
	if res.Reason != HaltEndOfCode || res.PC != 20 {
		t.Errorf("expected end-of-code at 0x14, got %s at 0x%x", res.Reason, res.PC)
	}
}

func TestExecute_Branches(t *testing.T) {
	tests := []struct {
		op    Opcode
		a, b  int64
		taken bool
	}{
		{OpBEQ, 1, 1, true},
		{OpBEQ, 1, 2, false},
		{OpBNE, 1, 1, false},
		{OpBNE, 1, 2, true},
		{OpBLT, -1, 1, true},
		{OpBLT, 1, -1, false},
		{OpBGE, -1, 1, false},
		{OpBGE, 1, 1, true},
		{OpBLTU, -1, 1, false},
		{OpBLTU, 1, -1, true},
		{OpBGEU, -1, 1, true},
		{OpBGEU, 0, 1, false},
	}

	for _, tt := range tests {
		v, _ := runWords(t, func(rf *RegisterFile) {
			rf.Write(rT0, tt.a)
			rf.Write(rT1, tt.b)
		},
			branch(tt.op, rT0, rT1, 8),
			addi(rA0, 0, 1),
			nop,
		)
		taken := reg(t, v, rA0) == 0
		if taken != tt.taken {
			t.Errorf("%s(%d, %d): taken = %v, want %v", tt.op, tt.a, tt.b, taken, tt.taken)
		}
	}
}

func TestExecute_JumpAndLink(t *testing.T) {
	v, _ := runWords(t, nil,
		jal(rRA, 8),
		addi(rA0, 0, 99),
		addi(rA1, 0, 1),
	)

	testutil.AssertInt64Equal(t, 0, reg(t, v, rA0))
	testutil.AssertInt64Equal(t, 1, reg(t, v, rA1))
	testutil.AssertInt64Equal(t, 4, reg(t, v, rRA))
}

func TestExecute_JALRClearsLowBit(t *testing.T) {
	v, _ := runWords(t, func(rf *RegisterFile) {
		rf.Write(rT0, 13)
	},
		opImm(OpJALR, rRA, rT0, 0),
		nop,
		nop,
		addi(rA0, 0, 5),
	)

	testutil.AssertInt64Equal(t, 5, reg(t, v, rA0))
	testutil.AssertInt64Equal(t, 4, reg(t, v, rRA))
}

func TestExecute_ReturnToExitAddress(t *testing.T) {
	_, res := runWords(t, nil,
		addi(rA0, 0, 42),
		opImm(OpJALR, 0, rRA, 0), // ret
		addi(rA0, 0, 1),
	)

	if res.Reason != HaltReturned {
		t.Fatalf("expected returned, got %s", res.Reason)
	}
	testutil.AssertInt64Equal(t, 42, res.A0)
	if res.Steps != 2 {
		t.Errorf("expected 2 steps, got %d", res.Steps)
	}
}

func TestExecute_LoopAtBaseAddress(t *testing.T) {
	// loop: addi a0, a0, 1; addi t0, zero, 5; bne a0, t0, loop; ret
	v, res := runWords(t, nil,
		addi(rA0, rA0, 1),
		addi(rT0, 0, 5),
		branch(OpBNE, rA0, rT0, -8),
		opImm(OpJALR, 0, rRA, 0),
	)

	if res.Reason != HaltReturned {
		t.Fatalf("expected returned, got %s", res.Reason)
	}
	testutil.AssertInt64Equal(t, 5, res.A0)
	if res.Steps != 16 {
		t.Errorf("expected 16 steps, got %d", res.Steps)
	}
	testutil.AssertUint64Equal(t, v.Memory().End(), v.ExitAddress())
	testutil.AssertUint64Equal(t, v.ExitAddress(), res.PC)
}

func TestExecute_ExitAddressOutsideImageKept(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ExitAddress = 0x8000
	v := NewVM(cfg)
	if err := v.Load(testutil.Image(opImm(OpJALR, 0, rRA, 0))); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	testutil.AssertUint64Equal(t, 0x8000, v.ExitAddress())
	testutil.AssertInt64Equal(t, 0x8000, reg(t, v, rRA))

	res, err := v.Execute()
	if err != nil || res.Reason != HaltReturned {
		t.Errorf("expected returned, got %+v, %v", res, err)
	}
}

func TestExecute_MisalignedJump(t *testing.T) {
	v := newTestVM(t, jal(rRA, 6), nop, nop)

	res, err := v.Execute()
	if !errors.Is(err, ErrMisalignedFetch) {
		t.Fatalf("expected ErrMisalignedFetch, got %v", err)
	}
	if res.PC != 0 {
		t.Errorf("pc should stay on the jump, got 0x%x", res.PC)
	}
	testutil.AssertInt64Equal(t, int64(v.ExitAddress()), reg(t, v, rRA))
}

// ===== Faults =====

func TestExecute_IllegalInstructionLeavesState(t *testing.T) {
	v := newTestVM(t,
		addi(rA0, 0, 1),
		0xffffffff,
		addi(rA0, 0, 2),
	)
	if _, err := v.Step(); err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	before := v.Registers().Values()
	memBefore := append([]byte(nil), v.Memory().Bytes()...)

	res, err := v.Execute()
	if !errors.Is(err, ErrIllegalInstruction) {
		t.Fatalf("expected ErrIllegalInstruction, got %v", err)
	}
	var ill *IllegalInstruction
	if !errors.As(err, &ill) || ill.Word != 0xffffffff {
		t.Errorf("expected word 0xffffffff in error, got %v", err)
	}
	if res.Reason != HaltFault || res.PC != 4 || res.Steps != 1 {
		t.Errorf("unexpected result %+v", res)
	}
	if v.Registers().Values() != before {
		t.Error("registers changed by the faulting instruction")
	}
	if !bytes.Equal(v.Memory().Bytes(), memBefore) {
		t.Error("memory changed by the faulting instruction")
	}

	if _, err := v.Execute(); !errors.Is(err, ErrHalted) {
		t.Errorf("expected ErrHalted after fault, got %v", err)
	}
}

// ===== System =====

func TestExecute_ExitSyscall(t *testing.T) {
	_, res := runWords(t, nil,
		addi(rA0, 0, 7),
		addi(rA7, 0, SysExit),
		ecall,
		addi(rA0, 0, 1),
	)

	if res.Reason != HaltExit {
		t.Fatalf("expected exit, got %s", res.Reason)
	}
	testutil.AssertInt64Equal(t, 7, res.ExitCode)
	if res.Steps != 3 {
		t.Errorf("expected 3 steps, got %d", res.Steps)
	}
}

func TestExecute_WriteSyscall(t *testing.T) {
	code := testutil.Image(
		enc(Instruction{Op: OpAUIPC, Rd: rA1}),
		addi(rA1, rA1, 32),
		addi(rA0, 0, 1),
		addi(rA2, 0, 3),
		addi(rA7, 0, SysWrite),
		ecall,
		addi(rA7, 0, SysExit),
		ecall,
	)
	image := append(code, []byte("hi\n\x00")...)

	v := NewVM(DefaultConfig())
	var out bytes.Buffer
	v.SetStdout(&out)
	if err := v.Load(image); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	res, err := v.Execute()
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if out.String() != "hi\n" {
		t.Errorf("expected %q on stdout, got %q", "hi\n", out.String())
	}
	testutil.AssertInt64Equal(t, 3, res.ExitCode)
}

func TestExecute_WriteSyscallErrors(t *testing.T) {
	v, _ := runWords(t, func(rf *RegisterFile) {
		rf.Write(rA0, 5)
		rf.Write(rA2, 1)
		rf.Write(rA7, SysWrite)
	}, ecall)
	testutil.AssertInt64Equal(t, -9, reg(t, v, rA0))

	v = newTestVM(t, ecall)
	v.Registers().Write(rA0, 1)
	v.Registers().Write(rA1, 1<<30)
	v.Registers().Write(rA2, 4)
	v.Registers().Write(rA7, SysWrite)
	if _, err := v.Execute(); !errors.Is(err, ErrMemoryFault) {
		t.Errorf("expected memory fault for bad buffer, got %v", err)
	}
}

func TestExecute_UnsupportedSyscall(t *testing.T) {
	v := newTestVM(t, addi(rA7, 0, 1000), ecall)

	res, err := v.Execute()
	if !errors.Is(err, ErrUnsupportedSyscall) {
		t.Fatalf("expected ErrUnsupportedSyscall, got %v", err)
	}
	if res.Reason != HaltFault || res.PC != 4 {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestExecute_EbreakResumes(t *testing.T) {
	v := newTestVM(t,
		addi(rA0, 0, 1),
		ebreak,
		addi(rA0, rA0, 1),
	)

	res, err := v.Execute()
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if res.Reason != HaltBreakpoint || res.PC != 8 {
		t.Fatalf("expected breakpoint at 0x8, got %s at 0x%x", res.Reason, res.PC)
	}

	res, err = v.Execute()
	if err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	if res.Reason != HaltEndOfCode || res.A0 != 2 {
		t.Errorf("unexpected result after resume %+v", res)
	}
}

func TestExecute_FenceIsNop(t *testing.T) {
	v, res := runWords(t, nil, 0x0ff0000f, 0x0000100f, addi(rA0, 0, 3))
	testutil.AssertInt64Equal(t, 3, reg(t, v, rA0))
	if res.Steps != 3 {
		t.Errorf("expected 3 steps, got %d", res.Steps)
	}
}

func TestExecute_Counters(t *testing.T) {
	v, _ := runWords(t, nil,
		nop,
		nop,
		csrOp(OpCSRRS, rA0, CSRInstret, 0),
		csrOp(OpCSRRS, rA1, CSRCycle, 0),
		csrOp(OpCSRRCI, rA2, CSRTime, 0),
	)

	testutil.AssertInt64Equal(t, 2, reg(t, v, rA0))
	testutil.AssertInt64Equal(t, 3, reg(t, v, rA1))
	if reg(t, v, rA2) < 0 {
		t.Error("time should not be negative")
	}
}

func TestExecute_CounterWritesIllegal(t *testing.T) {
	words := []uint32{
		csrOp(OpCSRRW, 0, CSRCycle, rA0),
		csrOp(OpCSRRS, rA0, CSRCycle, rA1),
		csrOp(OpCSRRWI, rA0, CSRInstret, 0),
		csrOp(OpCSRRSI, rA0, CSRTime, 1),
		csrOp(OpCSRRS, rA0, 0x300, 0), // mstatus
	}
	for _, w := range words {
		v := newTestVM(t, w)
		if _, err := v.Execute(); !errors.Is(err, ErrIllegalInstruction) {
			t.Errorf("0x%08x: expected ErrIllegalInstruction, got %v", w, err)
		}
	}
}

// ===== Atomics =====

func atomic(op Opcode, rd, rs2, rs1 uint8) uint32 {
	return enc(Instruction{Op: op, Rd: rd, Rs1: rs1, Rs2: rs2})
}

func TestExecute_LoadReservedStoreConditional(t *testing.T) {
	setup := func(rf *RegisterFile) {
		rf.Write(rT0, 0x2000)
		rf.Write(rT1, 77)
	}

	v, _ := runWords(t, setup,
		atomic(OpSCW, rA0, rT1, rT0),
		opImm(OpLW, rA1, rT0, 0),
	)
	testutil.AssertInt64Equal(t, 1, reg(t, v, rA0))
	testutil.AssertInt64Equal(t, 0, reg(t, v, rA1))

	v, _ = runWords(t, setup,
		atomic(OpLRD, rA1, 0, rT0),
		atomic(OpSCD, rA0, rT1, rT0),
		opImm(OpLD, rA2, rT0, 0),
		atomic(OpSCD, rA1, rT1, rT0),
	)
	testutil.AssertInt64Equal(t, 0, reg(t, v, rA0))
	testutil.AssertInt64Equal(t, 77, reg(t, v, rA2))
	testutil.AssertInt64Equal(t, 1, reg(t, v, rA1))
}

func TestExecute_AMO(t *testing.T) {
	tests := []struct {
		op       Opcode
		init     int64
		src      int64
		wantNew  int64
		loadBack Opcode
	}{
		{OpAMOSWAPW, 5, 9, 9, OpLW},
		{OpAMOADDW, -5, 10, 5, OpLW},
		{OpAMOADDW, math.MaxInt32, 1, math.MinInt32, OpLW},
		{OpAMOXORW, 0b1100, 0b1010, 0b0110, OpLW},
		{OpAMOANDW, 0b1100, 0b1010, 0b1000, OpLW},
		{OpAMOORW, 0b1100, 0b1010, 0b1110, OpLW},
		{OpAMOMINW, -5, 10, -5, OpLW},
		{OpAMOMAXW, -5, 10, 10, OpLW},
		{OpAMOMINUW, -5, 10, 10, OpLW},
		{OpAMOMAXUW, -5, 10, -5, OpLW},
		{OpAMOSWAPD, 5, math.MinInt64, math.MinInt64, OpLD},
		{OpAMOADDD, math.MaxInt64, 1, math.MinInt64, OpLD},
		{OpAMOMIND, -5, 10, -5, OpLD},
		{OpAMOMAXUD, -5, 10, -5, OpLD},
		{OpAMOMINUD, -5, 10, 10, OpLD},
	}

	for _, tt := range tests {
		t.Run(tt.op.String(), func(t *testing.T) {
			storeOp := OpSD
			if tt.loadBack == OpLW {
				storeOp = OpSW
			}
			v, _ := runWords(t, func(rf *RegisterFile) {
				rf.Write(rT0, 0x2000)
				rf.Write(rT1, tt.init)
				rf.Write(rT2, tt.src)
			},
				store(storeOp, rT1, 0, rT0),
				atomic(tt.op, rA0, rT2, rT0),
				opImm(tt.loadBack, rA1, rT0, 0),
			)
			testutil.AssertInt64Equal(t, tt.init, reg(t, v, rA0))
			testutil.AssertInt64Equal(t, tt.wantNew, reg(t, v, rA1))
		})
	}
}
