package vm

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/akhildatla/rvsim/internal/testutil"
)

// ===== Integration Tests: fixture =====

func TestVM_Fibonacci(t *testing.T) {
	v := NewVM(DefaultConfig())
	if err := v.Load(testutil.ReadTestdata(t, "fib.bin")); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	res, err := v.Execute()
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if res.Reason != HaltReturned {
		t.Errorf("expected returned, got %s", res.Reason)
	}
	testutil.AssertInt64Equal(t, testutil.FibResult, res.A0)
	if res.Steps != testutil.FibSteps {
		t.Errorf("expected %d steps, got %d", testutil.FibSteps, res.Steps)
	}
	if got := reg(t, v, rSP); uint64(got) != v.Memory().End() {
		t.Errorf("stack pointer not restored: 0x%x", got)
	}
}

func TestVM_FibonacciStats(t *testing.T) {
	v := NewVM(DefaultConfig())
	v.EnableStats()
	if err := v.Load(testutil.ReadTestdata(t, "fib.bin")); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if _, err := v.Execute(); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	stats := v.Stats()
	if stats == nil {
		t.Fatal("expected stats")
	}
	if stats.StepsExecuted != testutil.FibSteps {
		t.Errorf("expected %d steps, got %d", testutil.FibSteps, stats.StepsExecuted)
	}
	if stats.OpCounts["addi"] == 0 || stats.OpCounts["jalr"] == 0 {
		t.Errorf("missing op counts: %v", stats.OpCounts)
	}
	if stats.Loads == 0 || stats.Stores == 0 || stats.BranchesTaken == 0 {
		t.Errorf("expected memory and branch traffic: %+v", stats)
	}
}

func TestVM_StatsDisabled(t *testing.T) {
	v := newTestVM(t, nop)
	if v.Stats() != nil {
		t.Error("Stats should be nil when not enabled")
	}
}

// ===== Loader =====

func TestVM_LoadInitialisesState(t *testing.T) {
	cfg := Config{Base: 0x10000, MemorySize: 0x4000, StackSize: 0x1000, ExitAddress: 0xdead0000}
	v := NewVM(cfg)
	v.Memory().StoreByte(0x13000, 0xff)

	if err := v.Load(testutil.Image(nop, nop)); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	testutil.AssertUint64Equal(t, 0x10000, v.Registers().PC())
	testutil.AssertUint64Equal(t, 0x14000, uint64(reg(t, v, rSP)))
	testutil.AssertUint64Equal(t, 0xdead0000, uint64(reg(t, v, rRA)))
	if b, _ := v.Memory().LoadByte(0x13000); b != 0 {
		t.Error("memory outside the image should be zeroed")
	}
	start, end := v.CodeRegion()
	if start != 0x10000 || end != 0x10008 {
		t.Errorf("unexpected code region [0x%x, 0x%x)", start, end)
	}
}

func TestVM_LoadErrors(t *testing.T) {
	v := NewVM(Config{MemorySize: 64, StackSize: 32})

	err := v.Load(make([]byte, 40))
	var tooLarge *ImageTooLargeError
	if !errors.As(err, &tooLarge) {
		t.Fatalf("expected *ImageTooLargeError, got %v", err)
	}
	if tooLarge.Size != 40 || tooLarge.Limit != 32 {
		t.Errorf("unexpected error fields %+v", tooLarge)
	}
	if !errors.Is(err, ErrImageTooLarge) {
		t.Error("expected ErrImageTooLarge")
	}

	if err := v.Load(nil); !errors.Is(err, ErrNoImage) {
		t.Errorf("expected ErrNoImage for empty image, got %v", err)
	}
	if err := v.LoadWithEntry(testutil.Image(nop, nop), 2); !errors.Is(err, ErrMisalignedFetch) {
		t.Errorf("expected ErrMisalignedFetch for misaligned entry, got %v", err)
	}
	if err := v.LoadWithEntry(testutil.Image(nop), 8); err == nil {
		t.Error("expected error for entry outside image")
	}
	if err := v.Load(make([]byte, 32)); err != nil {
		t.Errorf("image exactly at the limit should load: %v", err)
	}
}

func TestVM_RunBeforeLoad(t *testing.T) {
	v := NewVM(DefaultConfig())

	if _, err := v.Execute(); !errors.Is(err, ErrNoImage) {
		t.Errorf("expected ErrNoImage, got %v", err)
	}
	if _, err := v.Step(); !errors.Is(err, ErrNoImage) {
		t.Errorf("expected ErrNoImage from Step, got %v", err)
	}
}

func TestVM_HaltedAfterGracefulEnd(t *testing.T) {
	v, _ := runWords(t, nil, nop)

	if _, err := v.Execute(); !errors.Is(err, ErrHalted) {
		t.Errorf("expected ErrHalted, got %v", err)
	}
	if _, err := v.Step(); !errors.Is(err, ErrHalted) {
		t.Errorf("expected ErrHalted from Step, got %v", err)
	}
}

func TestVM_Reset(t *testing.T) {
	v, _ := runWords(t, nil, addi(rA0, 0, 9))

	if err := v.Reset(); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if v.Halted() != HaltRunning || v.Registers().PC() != 0 || reg(t, v, rA0) != 0 {
		t.Error("Reset should restore the loaded state")
	}

	res, err := v.Execute()
	if err != nil || res.A0 != 9 {
		t.Errorf("rerun after Reset: %+v, %v", res, err)
	}
}

// ===== Resource limits =====

func loopForever() []uint32 {
	return []uint32{nop, nop, jal(0, -4)}
}

func TestVM_InstructionBudget(t *testing.T) {
	v := newTestVM(t, loopForever()...)
	v.SetMaxSteps(100)

	res, err := v.Execute()
	if !errors.Is(err, ErrInstructionBudgetExceeded) {
		t.Fatalf("expected ErrInstructionBudgetExceeded, got %v", err)
	}
	if res.Reason != HaltBudget || res.Steps != 100 {
		t.Errorf("unexpected result %+v", res)
	}

	v.SetMaxSteps(150)
	res, _ = v.Execute()
	if res.Reason != HaltBudget || res.Steps != 150 {
		t.Errorf("budget should be resumable, got %+v", res)
	}
}

func TestVM_BudgetNotHitByShortProgram(t *testing.T) {
	v := newTestVM(t, nop, nop, nop)
	v.SetMaxSteps(3)

	res, err := v.Execute()
	if err != nil || res.Reason != HaltEndOfCode {
		t.Errorf("expected end-of-code within budget, got %+v, %v", res, err)
	}
}

func TestVM_ContextCanceled(t *testing.T) {
	v := newTestVM(t, loopForever()...)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := v.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if res.Reason != HaltCanceled || res.Steps != 0 {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestVM_ContextTimeout(t *testing.T) {
	v := newTestVM(t, loopForever()...)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	v.SetContext(ctx)

	res, err := v.Execute()
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context.DeadlineExceeded, got %v", err)
	}
	if res.Reason != HaltCanceled || res.Steps == 0 {
		t.Errorf("unexpected result %+v", res)
	}
}

// ===== Debugging =====

func TestVM_Breakpoints(t *testing.T) {
	v := newTestVM(t,
		addi(rA0, 0, 1),
		addi(rA0, rA0, 1),
		addi(rA0, rA0, 1),
	)
	v.AddBreakpoint(8)
	v.AddBreakpoint(4)

	if bps := v.Breakpoints(); len(bps) != 2 || bps[0] != 4 || bps[1] != 8 {
		t.Errorf("unexpected breakpoints %v", bps)
	}

	res, err := v.Execute()
	if err != nil || res.Reason != HaltBreakpoint || res.PC != 4 || res.A0 != 1 {
		t.Fatalf("expected stop at 0x4, got %+v, %v", res, err)
	}
	res, _ = v.Execute()
	if res.Reason != HaltBreakpoint || res.PC != 8 || res.A0 != 2 {
		t.Fatalf("expected stop at 0x8, got %+v", res)
	}

	if !v.RemoveBreakpoint(8) || v.RemoveBreakpoint(8) {
		t.Error("RemoveBreakpoint should report existence once")
	}
	res, _ = v.Execute()
	if res.Reason != HaltEndOfCode || res.A0 != 3 {
		t.Errorf("expected completion, got %+v", res)
	}
}

func TestVM_Step(t *testing.T) {
	v := newTestVM(t, addi(rA0, 0, 1), addi(rA0, rA0, 1))
	v.AddBreakpoint(4)

	reason, err := v.Step()
	if err != nil || reason != HaltRunning {
		t.Fatalf("first step: %s, %v", reason, err)
	}

	// Retiring the last word leaves the code region, so the machine halts
	// on that step rather than on the next fetch.
	reason, err = v.Step()
	if err != nil || reason != HaltEndOfCode {
		t.Fatalf("expected end-of-code after the last word, got %s, %v", reason, err)
	}
	if v.Halted() != HaltEndOfCode || v.Steps() != 2 {
		t.Errorf("unexpected state: %s after %d steps", v.Halted(), v.Steps())
	}
	testutil.AssertInt64Equal(t, 2, reg(t, v, rA0))

	if _, err := v.Step(); !errors.Is(err, ErrHalted) {
		t.Errorf("expected ErrHalted, got %v", err)
	}
}

func TestVM_StepJumpOutOfCode(t *testing.T) {
	v := newTestVM(t, jal(0, 64), nop)

	reason, err := v.Step()
	if err != nil || reason != HaltEndOfCode {
		t.Fatalf("expected end-of-code, got %s, %v", reason, err)
	}
	testutil.AssertUint64Equal(t, 64, v.Registers().PC())
}

func TestVM_ExecuteInstruction(t *testing.T) {
	v := newTestVM(t, nop)

	inst, _ := Decode(addi(rA0, 0, 5))
	if err := v.ExecuteInstruction(inst); err != nil {
		t.Fatalf("ExecuteInstruction failed: %v", err)
	}
	testutil.AssertInt64Equal(t, 5, reg(t, v, rA0))
	if v.Registers().PC() != 0 {
		t.Errorf("pc should not move, got 0x%x", v.Registers().PC())
	}

	inst, _ = Decode(opImm(OpLD, rA0, 0, -8))
	if err := v.ExecuteInstruction(inst); !errors.Is(err, ErrMemoryFault) {
		t.Errorf("expected memory fault, got %v", err)
	}
	testutil.AssertInt64Equal(t, 5, reg(t, v, rA0))
}

// ===== Observers =====

type recordingTracer struct {
	retired []Retired
}

func (r *recordingTracer) Retire(ret Retired) {
	r.retired = append(r.retired, ret)
}

func TestVM_Tracer(t *testing.T) {
	v := newTestVM(t,
		addi(rT0, 0, 0x100),
		addi(rA0, 0, 7),
		store(OpSD, rA0, 8, rT0),
		opImm(OpLD, rA1, rT0, 8),
	)
	tr := &recordingTracer{}
	v.SetTracer(tr)

	if _, err := v.Execute(); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if len(tr.retired) != 4 {
		t.Fatalf("expected 4 retired instructions, got %d", len(tr.retired))
	}

	st := tr.retired[2]
	if st.Step != 3 || st.PC != 8 || st.Inst.Op != OpSD || st.WroteRd {
		t.Errorf("unexpected store record %+v", st)
	}
	if st.MemAddr != 0x108 || st.MemWidth != 8 || !st.MemWrite {
		t.Errorf("unexpected store access %+v", st)
	}
	ld := tr.retired[3]
	if !ld.WroteRd || ld.Rd != rA1 || ld.Value != 7 || ld.MemWrite {
		t.Errorf("unexpected load record %+v", ld)
	}
}

func TestVM_Coverage(t *testing.T) {
	v := newTestVM(t,
		jal(0, 8),
		addi(rA0, 0, 1),
		nop,
		nop,
	)
	cov := v.EnableCoverage()

	if _, err := v.Execute(); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if cov.Count() != 3 || cov.Total() != 4 {
		t.Errorf("expected 3/4 covered, got %d/%d", cov.Count(), cov.Total())
	}
	if cov.Covered(4) || !cov.Covered(0) {
		t.Error("unexpected coverage bits")
	}
	if un := cov.Uncovered(); len(un) != 1 || un[0] != 4 {
		t.Errorf("expected [0x4] uncovered, got %v", un)
	}
	if r := cov.Ratio(); r != 0.75 {
		t.Errorf("expected ratio 0.75, got %f", r)
	}
}

func TestVM_Logging(t *testing.T) {
	var buf bytes.Buffer
	v := NewVM(DefaultConfig())
	v.SetLogger(zerolog.New(&buf).Level(zerolog.TraceLevel))
	if err := v.Load(testutil.Image(addi(rA0, 0, 3))); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if _, err := v.Execute(); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	out := buf.String()
	for _, want := range []string{`"message":"image loaded"`, `"message":"retire"`, `"op":"addi"`, `"reason":"end-of-code"`, `"a0":3`} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %s:\n%s", want, out)
		}
	}
}

// ===== Snapshots =====

func TestVM_SnapshotRoundTrip(t *testing.T) {
	v := NewVM(DefaultConfig())
	if err := v.Load(testutil.ReadTestdata(t, "fib.bin")); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	v.SetMaxSteps(1000)
	if _, err := v.Execute(); !errors.Is(err, ErrInstructionBudgetExceeded) {
		t.Fatalf("expected budget stop, got %v", err)
	}

	var buf bytes.Buffer
	if err := v.SaveSnapshot(&buf); err != nil {
		t.Fatalf("SaveSnapshot failed: %v", err)
	}
	if !bytes.HasPrefix(buf.Bytes(), []byte(SnapshotMagic)) {
		t.Error("snapshot should start with magic")
	}

	restored, err := LoadSnapshot(&buf)
	if err != nil {
		t.Fatalf("LoadSnapshot failed: %v", err)
	}
	if restored.Steps() != 1000 || restored.Registers().PC() != v.Registers().PC() {
		t.Errorf("restored state differs: steps=%d pc=0x%x", restored.Steps(), restored.Registers().PC())
	}

	restored.SetMaxSteps(0)
	res, err := restored.Execute()
	if err != nil {
		t.Fatalf("Execute after restore failed: %v", err)
	}
	testutil.AssertInt64Equal(t, testutil.FibResult, res.A0)
	if res.Steps != testutil.FibSteps {
		t.Errorf("expected %d total steps, got %d", testutil.FibSteps, res.Steps)
	}
}

func TestVM_SnapshotErrors(t *testing.T) {
	if _, err := LoadSnapshot(strings.NewReader("NOPE\x01\x00")); !errors.Is(err, ErrInvalidMagic) {
		t.Errorf("expected ErrInvalidMagic, got %v", err)
	}
	if _, err := LoadSnapshot(strings.NewReader("RVSN\x09\x00")); !errors.Is(err, ErrInvalidVersion) {
		t.Errorf("expected ErrInvalidVersion, got %v", err)
	}
	if _, err := LoadSnapshot(strings.NewReader("RV")); err == nil {
		t.Error("expected error for truncated snapshot")
	}
	if _, err := NewVM(DefaultConfig()).Snapshot(); !errors.Is(err, ErrNoImage) {
		t.Errorf("expected ErrNoImage, got %v", err)
	}
}

// ===== Disassembler =====

func TestDisassemble(t *testing.T) {
	code := testutil.Image(0xff010113, 0x00113423, 0x00008067, 0xffffffff)
	out := Disassemble(code, 0x100)

	for _, want := range []string{
		"00000100: ff010113  addi sp, sp, -16",
		"00000104: 00113423  sd ra, 8(sp)",
		"00000108: 00008067  jalr zero, 0(ra)",
		"0000010c: ffffffff  .word 0xffffffff",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("listing missing %q:\n%s", want, out)
		}
	}
}

func TestInstruction_String(t *testing.T) {
	tests := []struct {
		word uint32
		want string
	}{
		{0x00f487bb, "addw a5, s1, a5"},
		{0xfdc42783, "lw a5, -36(s0)"},
		{0x00078a63, "beq a5, zero, 20"},
		{0x0480006f, "jal zero, 72"},
		{0x00000097, "auipc ra, 0x0"},
		{0x4015d513, "srai a0, a1, 1"},
		{0xc0202573, "csrrs a0, instret, zero"},
		{0x1005a52f, "lr.w a0, (a1)"},
		{0x04c5b52f, "amoadd.d.aq a0, a2, (a1)"},
		{0x0ff0000f, "fence iorw, iorw"},
		{0x00000073, "ecall"},
	}
	for _, tt := range tests {
		if got := DisassembleWord(tt.word); got != tt.want {
			t.Errorf("DisassembleWord(0x%08x) = %q, want %q", tt.word, got, tt.want)
		}
	}
}
