// Package repl implements the rvsim debug monitor, a line-oriented command
// loop over a loaded machine.
package repl

import (
	"bufio"
	"cmp"
	"context"
	"fmt"
	"io"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/akhildatla/rvsim/pkg/asm"
	"github.com/akhildatla/rvsim/pkg/vm"
)

const promptText = "rvsim> "

const (
	defaultMemBytes  = 64
	defaultDisasmLen = 8
	maxDumpBytes     = 4096
)

// REPL is an interactive monitor for one machine.
type REPL struct {
	vm      *vm.VM
	symbols map[string]uint64
	history []string
	done    bool
}

// New creates a monitor over a loaded machine. symbols may be nil; when
// present, addresses can be given by name.
func New(machine *vm.VM, symbols map[string]uint64) *REPL {
	if machine.Stats() == nil {
		machine.EnableStats()
	}
	if symbols == nil {
		symbols = make(map[string]uint64)
	}
	return &REPL{vm: machine, symbols: symbols}
}

// VM returns the machine under the monitor.
func (r *REPL) VM() *vm.VM {
	return r.vm
}

// Done reports whether quit was entered.
func (r *REPL) Done() bool {
	return r.done
}

// Start reads commands from in until quit or end of input.
func (r *REPL) Start(in io.Reader, out io.Writer) {
	scanner := bufio.NewScanner(in)

	fmt.Fprintln(out, "rvsim monitor - RISC-V 64-bit user-mode simulator")
	fmt.Fprintln(out, "Type 'help' for available commands, 'quit' to exit")
	fmt.Fprintln(out)
	r.where(out)

	for !r.done {
		fmt.Fprint(out, promptText)
		if !scanner.Scan() {
			break
		}
		r.Eval(scanner.Text(), out)
	}
}

// Eval runs one command line. It returns false once the monitor should
// exit.
func (r *REPL) Eval(line string, out io.Writer) bool {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return !r.done
	}
	r.history = append(r.history, strings.TrimSpace(line))
	cmd, args := parts[0], parts[1:]

	var err error
	switch cmd {
	case "quit", "exit", "q":
		fmt.Fprintln(out, "Goodbye!")
		r.done = true

	case "help", "h", "?":
		r.printHelp(out)

	case "step", "s", "si":
		err = r.step(args, out)

	case "continue", "c", "run":
		r.cont(out)

	case "regs", "r":
		r.printRegs(out)

	case "reg":
		err = r.reg(args, out)

	case "mem", "x":
		err = r.mem(args, out)

	case "disasm", "d":
		err = r.disasm(args, out)

	case "break", "b":
		err = r.breakpoint(args, out)

	case "delete", "del":
		err = r.delete(args, out)

	case "breaks", "bl":
		r.listBreaks(out)

	case "exec", "e":
		err = r.exec(strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), cmd)), out)

	case "stats":
		r.printStats(out)

	case "symbols", "syms":
		r.listSymbols(out)

	case "reset":
		if err = r.vm.Reset(); err == nil {
			fmt.Fprintln(out, "Machine reset")
			r.where(out)
		}

	case "history":
		for i, c := range r.history {
			fmt.Fprintf(out, "%3d: %s\n", i+1, c)
		}

	default:
		err = fmt.Errorf("unknown command %q (try 'help')", cmd)
	}

	if err != nil {
		fmt.Fprintf(out, "Error: %v\n", err)
	}
	return !r.done
}

// Commands returns the command names for completion.
func (r *REPL) Commands() []string {
	return []string{
		"break", "breaks", "continue", "delete", "disasm", "exec", "help",
		"history", "mem", "quit", "reg", "regs", "reset", "stats", "step",
		"symbols",
	}
}

// Symbols returns the symbol names in sorted order.
func (r *REPL) Symbols() []string {
	return slices.Sorted(maps.Keys(r.symbols))
}

func (r *REPL) step(args []string, out io.Writer) error {
	n := 1
	if len(args) > 0 {
		v, err := strconv.Atoi(args[0])
		if err != nil || v <= 0 {
			return fmt.Errorf("invalid step count %q", args[0])
		}
		n = v
	}

	for i := 0; i < n; i++ {
		reason, err := r.vm.Step()
		if reason != vm.HaltRunning || err != nil {
			r.report(out, r.vm.Result(), err)
			return nil
		}
	}
	r.where(out)
	return nil
}

func (r *REPL) cont(out io.Writer) {
	res, err := r.vm.Run(context.Background())
	r.report(out, res, err)
}

// report describes why the machine stopped.
func (r *REPL) report(out io.Writer, res *vm.Result, err error) {
	if res == nil {
		fmt.Fprintf(out, "Error: %v\n", err)
		return
	}
	switch {
	case res.Reason == vm.HaltBreakpoint:
		fmt.Fprintf(out, "Breakpoint at %s\n", r.location(res.PC))
		r.where(out)
	case res.Reason == vm.HaltExit:
		fmt.Fprintf(out, "Exited with code %d after %d steps\n", res.ExitCode, res.Steps)
	case res.Reason.Graceful():
		fmt.Fprintf(out, "Halted (%s): a0 = %d after %d steps\n", res.Reason, res.A0, res.Steps)
	default:
		fmt.Fprintf(out, "Stopped (%s) at 0x%x: %v\n", res.Reason, res.PC, err)
	}
}

// where prints the instruction at the PC.
func (r *REPL) where(out io.Writer) {
	pc := r.vm.Registers().PC()
	listing, err := r.vm.Disassemble(pc, 1)
	if err != nil {
		fmt.Fprintf(out, "pc = 0x%x (outside memory)\n", pc)
		return
	}
	if name, ok := r.symbolAt(pc); ok {
		fmt.Fprintf(out, "<%s>\n", name)
	}
	fmt.Fprint(out, listing)
}

func (r *REPL) printRegs(out io.Writer) {
	regs := r.vm.Registers().Values()
	for i := 0; i < vm.NumRegisters; i++ {
		fmt.Fprintf(out, "%-4s %-5s 0x%016x", fmt.Sprintf("x%d", i), vm.RegisterName(i), uint64(regs[i]))
		if i%4 == 3 {
			fmt.Fprintln(out)
		} else {
			fmt.Fprint(out, "  ")
		}
	}
	fmt.Fprintf(out, "pc         0x%016x\n", r.vm.Registers().PC())
}

// reg prints a register, or sets it when a value follows.
func (r *REPL) reg(args []string, out io.Writer) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: reg <name> [value]")
	}
	idx, ok := vm.RegisterIndex(args[0])
	if !ok {
		if strings.EqualFold(args[0], "pc") {
			return r.setPC(args[1:], out)
		}
		return fmt.Errorf("%w: %s", vm.ErrInvalidRegister, args[0])
	}
	rf := r.vm.Registers()
	if len(args) > 1 {
		v, err := r.value(args[1])
		if err != nil {
			return err
		}
		if err := rf.Write(idx, v); err != nil {
			return err
		}
	}
	v, err := rf.Read(idx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s = %d (0x%x)\n", vm.RegisterName(idx), v, uint64(v))
	return nil
}

func (r *REPL) setPC(args []string, out io.Writer) error {
	rf := r.vm.Registers()
	if len(args) > 0 {
		addr, err := r.address(args[0])
		if err != nil {
			return err
		}
		rf.SetPC(addr)
	}
	fmt.Fprintf(out, "pc = 0x%x\n", rf.PC())
	return nil
}

// mem dumps memory sixteen bytes per line.
func (r *REPL) mem(args []string, out io.Writer) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: mem <addr> [bytes]")
	}
	addr, err := r.address(args[0])
	if err != nil {
		return err
	}
	n := defaultMemBytes
	if len(args) > 1 {
		if n, err = strconv.Atoi(args[1]); err != nil || n <= 0 || n > maxDumpBytes {
			return fmt.Errorf("invalid byte count %q", args[1])
		}
	}
	data, err := r.vm.Memory().Slice(addr, n)
	if err != nil {
		return err
	}

	for off := 0; off < len(data); off += 16 {
		row := data[off:min(off+16, len(data))]
		fmt.Fprintf(out, "%08x:", addr+uint64(off))
		for _, b := range row {
			fmt.Fprintf(out, " %02x", b)
		}
		fmt.Fprintf(out, "%s  |", strings.Repeat("   ", 16-len(row)))
		for _, b := range row {
			if b >= 0x20 && b < 0x7f {
				fmt.Fprintf(out, "%c", b)
			} else {
				fmt.Fprint(out, ".")
			}
		}
		fmt.Fprintln(out, "|")
	}
	return nil
}

func (r *REPL) disasm(args []string, out io.Writer) error {
	addr := r.vm.Registers().PC()
	n := defaultDisasmLen
	var err error
	if len(args) > 0 {
		if addr, err = r.address(args[0]); err != nil {
			return err
		}
	}
	if len(args) > 1 {
		if n, err = strconv.Atoi(args[1]); err != nil || n <= 0 || n > maxDumpBytes/4 {
			return fmt.Errorf("invalid instruction count %q", args[1])
		}
	}
	listing, err := r.vm.Disassemble(addr, n)
	if err != nil {
		return err
	}
	fmt.Fprint(out, listing)
	return nil
}

func (r *REPL) breakpoint(args []string, out io.Writer) error {
	if len(args) == 0 {
		r.listBreaks(out)
		return nil
	}
	addr, err := r.address(args[0])
	if err != nil {
		return err
	}
	if addr%4 != 0 {
		return fmt.Errorf("%w: 0x%x", vm.ErrMisalignedFetch, addr)
	}
	r.vm.AddBreakpoint(addr)
	fmt.Fprintf(out, "Breakpoint set at %s\n", r.location(addr))
	return nil
}

func (r *REPL) delete(args []string, out io.Writer) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: delete <addr|label>")
	}
	addr, err := r.address(args[0])
	if err != nil {
		return err
	}
	if !r.vm.RemoveBreakpoint(addr) {
		return fmt.Errorf("no breakpoint at 0x%x", addr)
	}
	fmt.Fprintf(out, "Breakpoint deleted at %s\n", r.location(addr))
	return nil
}

func (r *REPL) listBreaks(out io.Writer) {
	bps := r.vm.Breakpoints()
	if len(bps) == 0 {
		fmt.Fprintln(out, "No breakpoints")
		return
	}
	fmt.Fprintln(out, "Breakpoints:")
	for _, addr := range bps {
		fmt.Fprintf(out, "  %s\n", r.location(addr))
	}
}

// exec assembles src at the PC and executes it without fetching. A
// pseudo-instruction runs its whole expansion.
func (r *REPL) exec(src string, out io.Writer) error {
	if src == "" {
		return fmt.Errorf("usage: exec <instruction>")
	}
	pc := r.vm.Registers().PC()
	prog, err := asm.Assemble(src, pc)
	if err != nil {
		return err
	}
	words := prog.Words()
	if len(words) == 0 {
		return fmt.Errorf("%q assembles to no instructions", src)
	}
	for _, w := range words {
		inst, err := vm.Decode(w)
		if err != nil {
			return err
		}
		if err := r.vm.ExecuteInstruction(inst); err != nil {
			return err
		}
		fmt.Fprintf(out, "%08x  %s\n", w, inst)
	}
	if reason := r.vm.Halted(); reason != vm.HaltRunning {
		r.report(out, r.vm.Result(), nil)
	}
	return nil
}

func (r *REPL) printStats(out io.Writer) {
	stats := r.vm.Stats()
	if stats == nil {
		fmt.Fprintln(out, "Statistics not enabled")
		return
	}
	fmt.Fprintf(out, "steps:    %d\n", stats.StepsExecuted)
	fmt.Fprintf(out, "time:     %v\n", time.Duration(stats.ExecutionTimeNs))
	fmt.Fprintf(out, "loads:    %d\n", stats.Loads)
	fmt.Fprintf(out, "stores:   %d\n", stats.Stores)
	fmt.Fprintf(out, "branches: %d taken\n", stats.BranchesTaken)

	ops := slices.Collect(maps.Keys(stats.OpCounts))
	slices.SortFunc(ops, func(a, b string) int {
		if d := stats.OpCounts[b] - stats.OpCounts[a]; d != 0 {
			return d
		}
		return strings.Compare(a, b)
	})
	for _, op := range ops {
		fmt.Fprintf(out, "  %-12s %d\n", op, stats.OpCounts[op])
	}
}

func (r *REPL) listSymbols(out io.Writer) {
	if len(r.symbols) == 0 {
		fmt.Fprintln(out, "No symbols")
		return
	}
	names := r.Symbols()
	slices.SortStableFunc(names, func(a, b string) int {
		return cmp.Compare(r.symbols[a], r.symbols[b])
	})
	for _, name := range names {
		fmt.Fprintf(out, "  %08x %s\n", r.symbols[name], name)
	}
}

// address resolves a symbol name or a number.
func (r *REPL) address(s string) (uint64, error) {
	if addr, ok := r.symbols[s]; ok {
		return addr, nil
	}
	addr, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("unknown address %q", s)
	}
	return addr, nil
}

func (r *REPL) value(s string) (int64, error) {
	if addr, ok := r.symbols[s]; ok {
		return int64(addr), nil
	}
	if v, err := strconv.ParseInt(s, 0, 64); err == nil {
		return v, nil
	}
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid value %q", s)
	}
	return int64(v), nil
}

func (r *REPL) symbolAt(addr uint64) (string, bool) {
	for _, name := range r.Symbols() {
		if r.symbols[name] == addr {
			return name, true
		}
	}
	return "", false
}

func (r *REPL) location(addr uint64) string {
	if name, ok := r.symbolAt(addr); ok {
		return fmt.Sprintf("0x%x <%s>", addr, name)
	}
	return fmt.Sprintf("0x%x", addr)
}

func (r *REPL) printHelp(out io.Writer) {
	help := `
rvsim Monitor Commands:
  help, h, ?             Show this help message
  quit, exit, q          Exit the monitor
  step, s [n]            Execute n instructions (default 1)
  continue, c            Run until a breakpoint or halt
  regs, r                Show all registers
  reg <r> [value]        Show or set a register (pc included)
  mem, x <addr> [n]      Dump n bytes of memory (default 64)
  disasm, d [addr] [n]   Disassemble n instructions (default pc, 8)
  break, b <addr|label>  Set a breakpoint
  delete <addr|label>    Remove a breakpoint
  breaks                 List breakpoints
  exec <instruction>     Execute one instruction at the pc
  stats                  Show execution statistics
  symbols                List symbols
  reset                  Reload the image
  history                Show command history

Addresses accept symbols and 0x hex numbers.
`
	fmt.Fprint(out, help)
}
