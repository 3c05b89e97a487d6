package vm

import (
	"context"
	"fmt"
	"math/bits"
	"time"
)

// memAccess records the data memory an instruction touched.
type memAccess struct {
	addr  uint64
	width int
	write bool
}

// outcome is the staged effect of one instruction. Nothing reaches the
// register file until the instruction has completed without a fault.
type outcome struct {
	next  uint64
	rd    uint8
	value int64
	write bool
	mem   memAccess
	halt  HaltReason
	taken bool
}

// Execute runs the loaded image until it halts, honouring the context set
// with SetContext.
func (vm *VM) Execute() (*Result, error) {
	ctx := vm.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	return vm.Run(ctx)
}

// Run executes until the machine halts. It returns a nil error for graceful
// terminations and breakpoints. A run stopped by a breakpoint, the budget
// or the context can be continued by calling Run again.
func (vm *VM) Run(ctx context.Context) (*Result, error) {
	if !vm.loaded {
		return nil, ErrNoImage
	}
	if vm.halt != HaltRunning {
		if !vm.halt.resumable() {
			return vm.Result(), ErrHalted
		}
		vm.resume()
	}

	if vm.statsEnabled {
		start := time.Now()
		defer func() {
			vm.stats.ExecutionTimeNs += time.Since(start).Nanoseconds()
		}()
	}

	for n := 0; vm.halt == HaltRunning; n++ {
		if n%ctxPollInterval == 0 {
			select {
			case <-ctx.Done():
				vm.stop(HaltCanceled, ctx.Err())
				return vm.Result(), vm.haltErr
			default:
			}
		}

		if vm.skipBreak {
			vm.skipBreak = false
		} else if _, ok := vm.breakpoints[vm.regs.PC()]; ok {
			vm.skipBreak = true
			vm.stop(HaltBreakpoint, nil)
			break
		}

		vm.step()
	}

	return vm.Result(), vm.haltErr
}

// Step executes a single instruction, ignoring breakpoints.
func (vm *VM) Step() (HaltReason, error) {
	if !vm.loaded {
		return HaltRunning, ErrNoImage
	}
	if vm.halt != HaltRunning {
		if !vm.halt.resumable() {
			return vm.halt, ErrHalted
		}
		vm.resume()
	}
	vm.skipBreak = false
	vm.step()
	return vm.halt, vm.haltErr
}

// ExecuteInstruction runs inst as if it were located at the current PC,
// without fetching it. The PC only moves when inst transfers control.
func (vm *VM) ExecuteInstruction(inst Instruction) error {
	if !vm.loaded {
		return ErrNoImage
	}
	pc := vm.regs.PC()
	out, err := vm.exec(inst, pc)
	if err != nil {
		return err
	}
	if !out.taken {
		out.next = pc
	}
	vm.retire(pc, inst, out)
	vm.settle(out.halt)
	return nil
}

func (vm *VM) resume() {
	vm.halt = HaltRunning
	vm.haltErr = nil
}

func (vm *VM) stop(reason HaltReason, err error) {
	vm.halt, vm.haltErr = reason, err
	vm.log.Debug().
		Str("reason", reason.String()).
		Str("pc", fmt.Sprintf("0x%x", vm.regs.PC())).
		Uint64("steps", vm.steps).
		Int64("a0", vm.regs.get(RegA0)).
		Err(err).
		Msg("halt")
}

func (vm *VM) fault(pc uint64, err error) {
	vm.stop(HaltFault, fmt.Errorf("at pc 0x%x: %w", pc, err))
}

// step performs one fetch-decode-execute cycle.
func (vm *VM) step() {
	pc := vm.regs.PC()
	if !vm.inCode(pc) {
		vm.stop(HaltEndOfCode, nil)
		return
	}
	if vm.maxSteps > 0 && vm.steps >= uint64(vm.maxSteps) {
		vm.stop(HaltBudget, fmt.Errorf("%w: %d instructions", ErrInstructionBudgetExceeded, vm.maxSteps))
		return
	}
	if pc%4 != 0 {
		vm.fault(pc, ErrMisalignedFetch)
		return
	}

	word, err := vm.mem.LoadWord(pc)
	if err != nil {
		vm.fault(pc, err)
		return
	}
	inst, err := Decode(uint32(word))
	if err != nil {
		vm.fault(pc, err)
		return
	}
	out, err := vm.exec(inst, pc)
	if err != nil {
		vm.fault(pc, err)
		return
	}

	vm.retire(pc, inst, out)
	vm.settle(out.halt)
}

// settle stops the machine when the retired instruction ended the run or
// moved the PC out of the code region.
func (vm *VM) settle(halt HaltReason) {
	switch {
	case halt != HaltRunning:
		vm.stop(halt, nil)
	case !vm.inCode(vm.regs.PC()):
		vm.stop(HaltEndOfCode, nil)
	}
}

func (vm *VM) inCode(pc uint64) bool {
	return pc >= vm.codeStart && pc < vm.codeEnd
}

// retire commits a completed instruction and reports it to the observers.
func (vm *VM) retire(pc uint64, inst Instruction, out outcome) {
	if out.write {
		vm.regs.set(out.rd, out.value)
	}
	vm.regs.SetPC(out.next)
	vm.steps++

	if vm.statsEnabled {
		vm.stats.StepsExecuted++
		vm.stats.OpCounts[inst.Op.String()]++
		if out.mem.width > 0 {
			if out.mem.write {
				vm.stats.Stores++
			} else {
				vm.stats.Loads++
			}
		}
		if out.taken && inst.Class() == ClassBranch {
			vm.stats.BranchesTaken++
		}
	}
	if vm.coverage != nil {
		vm.coverage.Mark(pc)
	}
	if vm.tracer != nil {
		vm.tracer.Retire(Retired{
			Step:     vm.steps,
			PC:       pc,
			Inst:     inst,
			Rd:       out.rd,
			Value:    out.value,
			WroteRd:  out.write && out.rd != RegZero,
			MemAddr:  out.mem.addr,
			MemWidth: out.mem.width,
			MemWrite: out.mem.write,
		})
	}
	if e := vm.log.Trace(); e.Enabled() {
		e.Uint64("step", vm.steps).
			Str("pc", fmt.Sprintf("0x%x", pc)).
			Str("word", fmt.Sprintf("%08x", inst.Raw)).
			Str("op", inst.Op.String()).
			Msg("retire")
	}
}

// jump stages a control transfer. A transfer to the exit address ends the
// run; any other target must be 4-byte aligned.
func (vm *VM) jump(out *outcome, target uint64) error {
	out.taken = true
	if target == vm.exit {
		out.next, out.halt = target, HaltReturned
		return nil
	}
	if target%4 != 0 {
		return fmt.Errorf("%w: jump target 0x%x", ErrMisalignedFetch, target)
	}
	out.next = target
	return nil
}

// exec computes the effect of inst located at pc.
func (vm *VM) exec(inst Instruction, pc uint64) (outcome, error) {
	out := outcome{next: pc + 4}
	rs1, rs2 := vm.regs.get(inst.Rs1), vm.regs.get(inst.Rs2)
	setRd := func(v int64) {
		out.rd, out.value, out.write = inst.Rd, v, true
	}

	switch inst.Op {
	// ===== Upper immediates and jumps =====
	case OpLUI:
		setRd(inst.Imm)
	case OpAUIPC:
		setRd(int64(pc) + inst.Imm)
	case OpJAL:
		if err := vm.jump(&out, pc+uint64(inst.Imm)); err != nil {
			return out, err
		}
		setRd(int64(pc + 4))
	case OpJALR:
		if err := vm.jump(&out, uint64(rs1+inst.Imm)&^1); err != nil {
			return out, err
		}
		setRd(int64(pc + 4))

	// ===== Branches =====
	case OpBEQ, OpBNE, OpBLT, OpBGE, OpBLTU, OpBGEU:
		if branchTaken(inst.Op, rs1, rs2) {
			if err := vm.jump(&out, pc+uint64(inst.Imm)); err != nil {
				return out, err
			}
		}

	// ===== Loads and stores =====
	case OpLB, OpLH, OpLW, OpLD, OpLBU, OpLHU, OpLWU:
		addr := uint64(rs1 + inst.Imm)
		width := loadWidth(inst.Op)
		v, err := vm.mem.load(addr, width)
		if err != nil {
			return out, err
		}
		setRd(extendLoad(inst.Op, v))
		out.mem = memAccess{addr: addr, width: width}
	case OpSB, OpSH, OpSW, OpSD:
		addr := uint64(rs1 + inst.Imm)
		width := 1 << (encodings[inst.Op].funct3)
		if err := vm.mem.store(addr, width, uint64(rs2)); err != nil {
			return out, err
		}
		out.mem = memAccess{addr: addr, width: width, write: true}

	// ===== Immediate arithmetic =====
	case OpADDI:
		setRd(rs1 + inst.Imm)
	case OpSLTI:
		setRd(boolToInt(rs1 < inst.Imm))
	case OpSLTIU:
		setRd(boolToInt(uint64(rs1) < uint64(inst.Imm)))
	case OpXORI:
		setRd(rs1 ^ inst.Imm)
	case OpORI:
		setRd(rs1 | inst.Imm)
	case OpANDI:
		setRd(rs1 & inst.Imm)
	case OpSLLI:
		setRd(rs1 << uint(inst.Imm))
	case OpSRLI:
		setRd(int64(uint64(rs1) >> uint(inst.Imm)))
	case OpSRAI:
		setRd(rs1 >> uint(inst.Imm))
	case OpADDIW:
		setRd(int64(int32(rs1 + inst.Imm)))
	case OpSLLIW:
		setRd(int64(int32(uint32(rs1) << uint(inst.Imm))))
	case OpSRLIW:
		setRd(int64(int32(uint32(rs1) >> uint(inst.Imm))))
	case OpSRAIW:
		setRd(int64(int32(rs1) >> uint(inst.Imm)))

	// ===== Register arithmetic =====
	case OpADD, OpSUB, OpSLL, OpSLT, OpSLTU, OpXOR, OpSRL, OpSRA, OpOR, OpAND,
		OpMUL, OpMULH, OpMULHSU, OpMULHU, OpDIV, OpDIVU, OpREM, OpREMU:
		setRd(alu64(inst.Op, rs1, rs2))
	case OpADDW, OpSUBW, OpSLLW, OpSRLW, OpSRAW,
		OpMULW, OpDIVW, OpDIVUW, OpREMW, OpREMUW:
		setRd(alu32(inst.Op, int32(rs1), int32(rs2)))

	// ===== System =====
	case OpFENCE, OpFENCEI:
		// single hart with no caches: nothing to order
	case OpECALL:
		if err := vm.syscall(&out); err != nil {
			return out, err
		}
	case OpEBREAK:
		out.halt = HaltBreakpoint
	case OpCSRRW, OpCSRRS, OpCSRRC, OpCSRRWI, OpCSRRSI, OpCSRRCI:
		v, ok := vm.readCSR(uint16(inst.Imm))
		if !ok || csrWrites(inst) {
			return out, &IllegalInstruction{Word: inst.Raw}
		}
		setRd(v)

	// ===== Atomics =====
	case OpLRW, OpLRD:
		addr, width := uint64(rs1), atomicWidth(inst.Op)
		v, err := vm.mem.load(addr, width)
		if err != nil {
			return out, err
		}
		vm.reserved, vm.reservation = true, addr
		setRd(extendAtomic(v, width))
		out.mem = memAccess{addr: addr, width: width}
	case OpSCW, OpSCD:
		addr, width := uint64(rs1), atomicWidth(inst.Op)
		if vm.reserved && vm.reservation == addr {
			if err := vm.mem.store(addr, width, uint64(rs2)); err != nil {
				return out, err
			}
			setRd(0)
			out.mem = memAccess{addr: addr, width: width, write: true}
		} else {
			setRd(1)
		}
		vm.reserved = false
	default:
		if inst.Class() != ClassAtomic {
			return out, &IllegalInstruction{Word: inst.Raw}
		}
		addr, width := uint64(rs1), atomicWidth(inst.Op)
		raw, err := vm.mem.load(addr, width)
		if err != nil {
			return out, err
		}
		old := extendAtomic(raw, width)
		if err := vm.mem.store(addr, width, uint64(amo(inst.Op, old, rs2, width == 4))); err != nil {
			return out, err
		}
		setRd(old)
		out.mem = memAccess{addr: addr, width: width, write: true}
	}

	return out, nil
}

func branchTaken(op Opcode, a, b int64) bool {
	switch op {
	case OpBEQ:
		return a == b
	case OpBNE:
		return a != b
	case OpBLT:
		return a < b
	case OpBGE:
		return a >= b
	case OpBLTU:
		return uint64(a) < uint64(b)
	default:
		return uint64(a) >= uint64(b)
	}
}

func loadWidth(op Opcode) int {
	return 1 << (encodings[op].funct3 & 0x3)
}

func extendLoad(op Opcode, v uint64) int64 {
	switch op {
	case OpLB:
		return int64(int8(v))
	case OpLH:
		return int64(int16(v))
	case OpLW:
		return int64(int32(v))
	default:
		return int64(v)
	}
}

func atomicWidth(op Opcode) int {
	if encodings[op].funct3 == 2 {
		return 4
	}
	return 8
}

func extendAtomic(v uint64, width int) int64 {
	if width == 4 {
		return int64(int32(v))
	}
	return int64(v)
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

// alu64 implements the 64-bit register-register operations. Arithmetic
// wraps; division follows the ISA rules for zero divisors and overflow.
func alu64(op Opcode, a, b int64) int64 {
	shamt := uint(b & 0x3F)
	switch op {
	case OpADD:
		return a + b
	case OpSUB:
		return a - b
	case OpSLL:
		return a << shamt
	case OpSLT:
		return boolToInt(a < b)
	case OpSLTU:
		return boolToInt(uint64(a) < uint64(b))
	case OpXOR:
		return a ^ b
	case OpSRL:
		return int64(uint64(a) >> shamt)
	case OpSRA:
		return a >> shamt
	case OpOR:
		return a | b
	case OpAND:
		return a & b
	case OpMUL:
		return a * b
	case OpMULH:
		hi, _ := bits.Mul64(uint64(a), uint64(b))
		if a < 0 {
			hi -= uint64(b)
		}
		if b < 0 {
			hi -= uint64(a)
		}
		return int64(hi)
	case OpMULHSU:
		hi, _ := bits.Mul64(uint64(a), uint64(b))
		if a < 0 {
			hi -= uint64(b)
		}
		return int64(hi)
	case OpMULHU:
		hi, _ := bits.Mul64(uint64(a), uint64(b))
		return int64(hi)
	case OpDIV:
		if b == 0 {
			return -1
		}
		return a / b // MinInt64 / -1 yields MinInt64 in Go
	case OpDIVU:
		if b == 0 {
			return -1
		}
		return int64(uint64(a) / uint64(b))
	case OpREM:
		if b == 0 {
			return a
		}
		return a % b
	case OpREMU:
		if b == 0 {
			return a
		}
		return int64(uint64(a) % uint64(b))
	}
	return 0
}

// alu32 implements the W operations: 32-bit results sign-extended to 64.
func alu32(op Opcode, a, b int32) int64 {
	shamt := uint(b & 0x1F)
	var r int32
	switch op {
	case OpADDW:
		r = a + b
	case OpSUBW:
		r = a - b
	case OpSLLW:
		r = a << shamt
	case OpSRLW:
		r = int32(uint32(a) >> shamt)
	case OpSRAW:
		r = a >> shamt
	case OpMULW:
		r = a * b
	case OpDIVW:
		if b == 0 {
			r = -1
		} else {
			r = a / b
		}
	case OpDIVUW:
		if b == 0 {
			r = -1
		} else {
			r = int32(uint32(a) / uint32(b))
		}
	case OpREMW:
		if b == 0 {
			r = a
		} else {
			r = a % b
		}
	case OpREMUW:
		if b == 0 {
			r = a
		} else {
			r = int32(uint32(a) % uint32(b))
		}
	}
	return int64(r)
}

// amo computes the value an AMO writes back. For word operations the
// operands compare as 32-bit values.
func amo(op Opcode, old, src int64, word bool) int64 {
	if word {
		old, src = int64(int32(old)), int64(int32(src))
	}
	lessU := uint64(old) < uint64(src)
	if word {
		lessU = uint32(old) < uint32(src)
	}

	switch op {
	case OpAMOSWAPW, OpAMOSWAPD:
		return src
	case OpAMOADDW, OpAMOADDD:
		return old + src
	case OpAMOXORW, OpAMOXORD:
		return old ^ src
	case OpAMOANDW, OpAMOANDD:
		return old & src
	case OpAMOORW, OpAMOORD:
		return old | src
	case OpAMOMINW, OpAMOMIND:
		return min(old, src)
	case OpAMOMAXW, OpAMOMAXD:
		return max(old, src)
	case OpAMOMINUW, OpAMOMINUD:
		if lessU {
			return old
		}
		return src
	default: // OpAMOMAXUW, OpAMOMAXUD
		if lessU {
			return src
		}
		return old
	}
}
