// Package vm implements a RISC-V 64-bit user-mode interpreter.
//
// The machine has:
//   - 32 integer registers (x0-x31) of 64 bits plus the program counter
//   - a flat little-endian memory mapped at a configurable base address
//   - the RV64I base set with the M and A extensions and read-only Zicsr
//     user counters
//
// Basic usage:
//
//	v := vm.NewVM(vm.DefaultConfig())
//	v.Load(image)
//	result, err := v.Execute()
//
// With resource limits:
//
//	v := vm.NewVM(cfg)
//	v.SetMaxSteps(10000)
//	v.SetContext(ctx)
//	v.Load(image)
//	result, err := v.Execute()
package vm

import (
	"context"
	"errors"
	"io"
	"slices"
	"time"

	"github.com/rs/zerolog"
)

// Error definitions
var (
	ErrIllegalInstruction        = errors.New("illegal instruction")
	ErrMemoryFault               = errors.New("memory fault")
	ErrInvalidRegister           = errors.New("invalid register")
	ErrImageTooLarge             = errors.New("image too large")
	ErrInstructionBudgetExceeded = errors.New("instruction budget exceeded")
	ErrMisalignedFetch           = errors.New("misaligned instruction fetch")
	ErrUnsupportedSyscall        = errors.New("unsupported system call")
	ErrHalted                    = errors.New("machine is halted")
	ErrNoImage                   = errors.New("no image loaded")
)

const (
	DefaultMemorySize = 1 << 20 // 1 MiB
	DefaultStackSize  = 1 << 16 // 64 KiB reserved below the top of memory

	// ctxPollInterval is how many instructions run between context checks.
	ctxPollInterval = 1024
)

// Config fixes the memory layout of a machine.
type Config struct {
	Base        uint64 // address of the first byte of memory and of the image
	MemorySize  uint64 // total bytes, code and stack
	StackSize   uint64 // bytes at the top of memory the image may not use
	ExitAddress uint64 // placed in ra; a jump here ends the run unless it lies inside the image
	MaxSteps    int64  // instruction budget, 0 for unlimited
}

// DefaultConfig returns the layout used for flat images linked at 0.
func DefaultConfig() Config {
	return Config{
		MemorySize: DefaultMemorySize,
		StackSize:  DefaultStackSize,
	}
}

// HaltReason says why execution stopped.
type HaltReason uint8

const (
	HaltRunning    HaltReason = iota // not halted
	HaltReturned                     // control reached the exit address
	HaltEndOfCode                    // PC left the loaded image
	HaltExit                         // exit system call
	HaltBreakpoint                   // ebreak or a debugger breakpoint
	HaltBudget                       // instruction budget exhausted
	HaltCanceled                     // context canceled or timed out
	HaltFault                        // illegal instruction, memory fault, bad syscall
)

func (r HaltReason) String() string {
	switch r {
	case HaltRunning:
		return "running"
	case HaltReturned:
		return "returned"
	case HaltEndOfCode:
		return "end-of-code"
	case HaltExit:
		return "exit"
	case HaltBreakpoint:
		return "breakpoint"
	case HaltBudget:
		return "budget"
	case HaltCanceled:
		return "canceled"
	case HaltFault:
		return "fault"
	default:
		return "unknown"
	}
}

// Graceful reports whether the program terminated on its own terms.
func (r HaltReason) Graceful() bool {
	return r == HaltReturned || r == HaltEndOfCode || r == HaltExit
}

// resumable reports whether Run may continue after this halt.
func (r HaltReason) resumable() bool {
	return r == HaltBreakpoint || r == HaltBudget || r == HaltCanceled
}

// Result describes the state of the machine when a run stops.
type Result struct {
	Reason   HaltReason
	A0       int64  // value of a0 at the halt
	ExitCode int64  // a0 passed to the exit system call
	Steps    uint64 // retired instructions since Load
	PC       uint64
	Err      error
}

// ExecutionStats contains metrics about VM execution for observability.
type ExecutionStats struct {
	StepsExecuted   int64          // Total instructions executed
	ExecutionTimeNs int64          // Execution time in nanoseconds
	OpCounts        map[string]int // Count of each opcode executed
	Loads           int64
	Stores          int64
	BranchesTaken   int64
}

// Retired describes one executed instruction for a Tracer.
type Retired struct {
	Step     uint64
	PC       uint64
	Inst     Instruction
	Rd       uint8
	Value    int64 // value written to Rd, if WroteRd
	WroteRd  bool
	MemAddr  uint64
	MemWidth int // 0 when the instruction touched no data memory
	MemWrite bool
}

// Tracer receives every retired instruction.
type Tracer interface {
	Retire(r Retired)
}

// VM represents the virtual machine.
type VM struct {
	cfg  Config
	regs *RegisterFile
	mem  *Memory

	loaded    bool
	image     []byte
	entry     uint64
	codeStart uint64
	codeEnd   uint64
	exit      uint64

	halt     HaltReason
	haltErr  error
	exitCode int64
	steps    uint64
	loadedAt time.Time

	// LR/SC reservation
	reserved    bool
	reservation uint64

	// Resource limits
	maxSteps int64

	// Context for cancellation
	ctx context.Context

	log    zerolog.Logger
	stdout io.Writer
	tracer Tracer

	// Observability - execution statistics
	stats        ExecutionStats
	statsEnabled bool
	coverage     *Coverage

	breakpoints map[uint64]struct{}
	skipBreak   bool
}

// NewVM creates a machine with the given layout. Zero sizes fall back to
// the defaults.
func NewVM(cfg Config) *VM {
	if cfg.MemorySize == 0 {
		cfg.MemorySize = DefaultMemorySize
	}
	return &VM{
		cfg:         cfg,
		regs:        NewRegisterFile(),
		mem:         NewMemory(cfg.Base, cfg.MemorySize),
		maxSteps:    cfg.MaxSteps,
		log:         zerolog.Nop(),
		stdout:      io.Discard,
		breakpoints: make(map[uint64]struct{}),
	}
}

// Config returns the layout the machine was created with.
func (vm *VM) Config() Config {
	return vm.cfg
}

// Registers exposes the register file.
func (vm *VM) Registers() *RegisterFile {
	return vm.regs
}

// Memory exposes the memory image.
func (vm *VM) Memory() *Memory {
	return vm.mem
}

// CodeRegion returns the loaded image bounds [start, end).
func (vm *VM) CodeRegion() (start, end uint64) {
	return vm.codeStart, vm.codeEnd
}

// SetMaxSteps sets the maximum number of retired instructions.
func (vm *VM) SetMaxSteps(n int64) {
	vm.maxSteps = n
}

// SetContext sets the context for cancellation/timeout.
func (vm *VM) SetContext(ctx context.Context) {
	vm.ctx = ctx
}

// SetLogger replaces the engine logger (zerolog.Nop by default).
func (vm *VM) SetLogger(l zerolog.Logger) {
	vm.log = l
}

// SetStdout sets where the write system call sends fd 1 and 2.
func (vm *VM) SetStdout(w io.Writer) {
	if w == nil {
		w = io.Discard
	}
	vm.stdout = w
}

// SetTracer installs a tracer, or removes it when t is nil.
func (vm *VM) SetTracer(t Tracer) {
	vm.tracer = t
}

// EnableStats enables execution statistics collection.
// When enabled, the VM tracks steps, timing, opcode counts and memory traffic.
func (vm *VM) EnableStats() {
	vm.statsEnabled = true
	vm.stats = ExecutionStats{
		OpCounts: make(map[string]int),
	}
}

// Stats returns the execution statistics since Load.
// Returns nil if stats were not enabled via EnableStats().
func (vm *VM) Stats() *ExecutionStats {
	if !vm.statsEnabled {
		return nil
	}
	return &vm.stats
}

// EnableCoverage starts recording which code words execute. It must be
// called after Load; a later Load resets it.
func (vm *VM) EnableCoverage() *Coverage {
	vm.coverage = NewCoverage(vm.codeStart, vm.codeEnd)
	return vm.coverage
}

// Coverage returns the coverage recorder, or nil.
func (vm *VM) Coverage() *Coverage {
	return vm.coverage
}

// AddBreakpoint stops Run before the instruction at addr executes.
func (vm *VM) AddBreakpoint(addr uint64) {
	vm.breakpoints[addr] = struct{}{}
}

// RemoveBreakpoint reports whether a breakpoint at addr existed.
func (vm *VM) RemoveBreakpoint(addr uint64) bool {
	_, ok := vm.breakpoints[addr]
	delete(vm.breakpoints, addr)
	return ok
}

// Breakpoints returns the breakpoint addresses in ascending order.
func (vm *VM) Breakpoints() []uint64 {
	out := make([]uint64, 0, len(vm.breakpoints))
	for addr := range vm.breakpoints {
		out = append(out, addr)
	}
	slices.Sort(out)
	return out
}

// Halted returns the current halt reason (HaltRunning while executable).
func (vm *VM) Halted() HaltReason {
	return vm.halt
}

// Steps returns the number of retired instructions since Load.
func (vm *VM) Steps() uint64 {
	return vm.steps
}

// Result reports the current machine state.
func (vm *VM) Result() *Result {
	return &Result{
		Reason:   vm.halt,
		A0:       vm.regs.get(RegA0),
		ExitCode: vm.exitCode,
		Steps:    vm.steps,
		PC:       vm.regs.PC(),
		Err:      vm.haltErr,
	}
}
