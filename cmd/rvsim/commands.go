package main

import (
	"context"
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/akhildatla/rvsim/pkg/asm"
	"github.com/akhildatla/rvsim/pkg/embed"
	"github.com/akhildatla/rvsim/pkg/loader"
	"github.com/akhildatla/rvsim/pkg/optimizer"
	"github.com/akhildatla/rvsim/pkg/repl"
	"github.com/akhildatla/rvsim/pkg/trace"
	"github.com/akhildatla/rvsim/pkg/vm"
)

const maxUncoveredShown = 8

func (c *cli) flagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	return fs
}

func (c *cli) runCommand(args []string) error {
	fs := c.flagSet("run")
	mf := addMachineFlags(fs)
	tracePath := fs.String("trace", "", "record a trace (.csv, .json, .jsonl, .parquet)")
	traceLimit := fs.Int("trace-limit", 0, "keep at most n trace rows")
	coverage := fs.Bool("coverage", false, "report executed code words")
	stats := fs.Bool("stats", false, "report execution statistics")
	snapshot := fs.String("snapshot", "", "save the machine when it stops early")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return fmt.Errorf("usage: rvsim run [options] <image>")
	}

	cfg, err := mf.machine()
	if err != nil {
		return err
	}
	log := mf.logger(cfg, c.stderr, c.color)

	opts := []embed.Option{embed.WithConfig(cfg), embed.WithStdout(c.stdout), embed.WithLogger(log)}
	var rec *trace.Recorder
	if *tracePath != "" {
		if _, err := trace.FormatFromPath(*tracePath); err != nil {
			return err
		}
		rec = trace.NewRecorder(*traceLimit)
		opts = append(opts, embed.WithTracer(rec))
	}

	s, err := embed.Open(fs.Arg(0), opts...)
	if err != nil {
		return err
	}
	if *stats {
		s.VM.EnableStats()
	}
	var cov *vm.Coverage
	if *coverage {
		cov = s.VM.EnableCoverage()
	}

	res, runErr := s.Run()

	if rec != nil {
		if err := trace.WriteFile(context.Background(), *tracePath, rec.Frame()); err != nil {
			return err
		}
		log.Info().Str("path", *tracePath).Int("rows", rec.Len()).Uint64("dropped", rec.Dropped()).Msg("trace written")
	}
	if *stats {
		c.printStats(s.VM.Stats())
	}
	if cov != nil {
		c.printCoverage(cov)
	}
	if *snapshot != "" && res != nil && canResume(res.Reason) {
		if err := c.saveSnapshot(s.VM, *snapshot); err != nil {
			return err
		}
	}
	return c.finish(res, runErr)
}

func (c *cli) resumeCommand(args []string) error {
	fs := c.flagSet("resume")
	budget := fs.Int64("budget", 0, "further instructions to allow, 0 for unlimited")
	timeout := fs.Duration("timeout", 0, "wall-clock limit")
	snapshot := fs.String("snapshot", "", "save the machine again if it stops early")
	stats := fs.Bool("stats", false, "report execution statistics for this leg")
	var v, vv bool
	addVerbosity(fs, &v, &vv)

	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return fmt.Errorf("usage: rvsim resume [options] <snapshot>")
	}

	f, err := os.Open(fs.Arg(0))
	if err != nil {
		return err
	}
	machine, err := vm.LoadSnapshot(f)
	f.Close()
	if err != nil {
		return fmt.Errorf("reading snapshot: %w", err)
	}

	machine.SetLogger(newLogger(c.stderr, verbosity(zerolog.WarnLevel, v, vv), c.color))
	machine.SetStdout(c.stdout)
	if *budget > 0 {
		machine.SetMaxSteps(int64(machine.Steps()) + *budget)
	} else {
		machine.SetMaxSteps(0)
	}
	if *stats {
		machine.EnableStats()
	}

	ctx := context.Background()
	if *timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}
	res, runErr := machine.Run(ctx)
	if errors.Is(runErr, context.DeadlineExceeded) {
		runErr = fmt.Errorf("%w: %w", embed.ErrTimeout, runErr)
	}

	if *stats {
		c.printStats(machine.Stats())
	}
	if *snapshot != "" && res != nil && canResume(res.Reason) {
		if err := c.saveSnapshot(machine, *snapshot); err != nil {
			return err
		}
	}
	if runErr == nil && res.Reason == vm.HaltBreakpoint {
		runErr = fmt.Errorf("%w at pc 0x%x", embed.ErrBreakpoint, res.PC)
	}
	return c.finish(res, runErr)
}

// finish prints a0 for a graceful return and maps the exit system call to
// the process status.
func (c *cli) finish(res *vm.Result, err error) error {
	if err != nil {
		if res != nil && res.Reason == vm.HaltBudget {
			return fmt.Errorf("%w after %d steps (pc 0x%x)", err, res.Steps, res.PC)
		}
		return err
	}
	if res.Reason == vm.HaltExit {
		if res.ExitCode != 0 {
			return &exitError{code: res.ExitCode}
		}
		return nil
	}
	fmt.Fprintf(c.stdout, "%d\n", res.A0)
	return nil
}

func canResume(r vm.HaltReason) bool {
	return r == vm.HaltBudget || r == vm.HaltBreakpoint || r == vm.HaltCanceled
}

func (c *cli) saveSnapshot(machine *vm.VM, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := machine.SaveSnapshot(f); err != nil {
		f.Close()
		return fmt.Errorf("writing snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	fmt.Fprintf(c.stderr, "%s %s after %d steps\n", c.au.Cyan("snapshot saved to"), path, machine.Steps())
	return nil
}

func (c *cli) printStats(stats *vm.ExecutionStats) {
	if stats == nil {
		return
	}
	fmt.Fprintf(c.stderr, "%s %d instructions in %v\n", c.au.Cyan("stats:"), stats.StepsExecuted, time.Duration(stats.ExecutionTimeNs))
	fmt.Fprintf(c.stderr, "  loads %d  stores %d  branches taken %d\n", stats.Loads, stats.Stores, stats.BranchesTaken)

	ops := slices.Collect(maps.Keys(stats.OpCounts))
	slices.SortFunc(ops, func(a, b string) int {
		if d := stats.OpCounts[b] - stats.OpCounts[a]; d != 0 {
			return d
		}
		return strings.Compare(a, b)
	})
	for _, op := range ops {
		fmt.Fprintf(c.stderr, "  %-12s %d\n", op, stats.OpCounts[op])
	}
}

func (c *cli) printCoverage(cov *vm.Coverage) {
	fmt.Fprintf(c.stderr, "%s %d/%d words (%.1f%%)\n", c.au.Cyan("coverage:"), cov.Count(), cov.Total(), 100*cov.Ratio())
	missed := cov.Uncovered()
	if len(missed) == 0 {
		return
	}
	shown := make([]string, 0, maxUncoveredShown)
	for _, addr := range missed[:min(len(missed), maxUncoveredShown)] {
		shown = append(shown, fmt.Sprintf("0x%x", addr))
	}
	if len(missed) > maxUncoveredShown {
		shown = append(shown, "...")
	}
	fmt.Fprintf(c.stderr, "  not executed: %s\n", strings.Join(shown, " "))
}

func (c *cli) asmCommand(args []string) error {
	fs := c.flagSet("asm")
	output := fs.String("o", "", "output file (default: input with .bin extension)")
	baseFlag := fs.String("base", "0", "load address")
	optimize := fs.Bool("O", false, "enable size-preserving optimizations")
	list := fs.Bool("l", false, "print a listing")
	verbose := fs.Bool("v", false, "verbose output")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return fmt.Errorf("usage: rvsim asm [-o output.bin] <file.s>")
	}
	base, err := strconv.ParseUint(*baseFlag, 0, 64)
	if err != nil {
		return fmt.Errorf("invalid -base: %w", err)
	}

	inputPath := fs.Arg(0)
	outputPath := *output
	if outputPath == "" {
		ext := filepath.Ext(inputPath)
		outputPath = strings.TrimSuffix(inputPath, ext) + ".bin"
	}

	source, err := os.ReadFile(inputPath)
	if err != nil {
		return fmt.Errorf("reading source: %w", err)
	}
	prog, err := asm.Assemble(string(source), base)
	if err != nil {
		return fmt.Errorf("assembling: %w", err)
	}

	if *optimize {
		opt := optimizer.New(optimizer.WithAllOptimizations())
		prog = opt.Optimize(prog)
		if *verbose {
			fmt.Fprintf(c.stdout, "Applied %d rewrites\n", opt.Rewrites())
		}
	}

	if err := os.WriteFile(outputPath, prog.Image, 0644); err != nil {
		return fmt.Errorf("writing image: %w", err)
	}
	if *list {
		fmt.Fprint(c.stdout, listing(prog.Image[:prog.TextEnd-prog.Base], prog.Base, prog.Symbols))
	}

	if *verbose {
		fmt.Fprintf(c.stdout, "Assembled %d bytes (%d instructions), entry 0x%x, %d symbols\n",
			len(prog.Image), len(prog.Words()), prog.Entry, len(prog.Symbols))
	}
	fmt.Fprintf(c.stdout, "Assembled: %s\n", outputPath)
	return nil
}

func (c *cli) disasmCommand(args []string) error {
	fs := c.flagSet("disasm")
	output := fs.String("o", "", "output file (default: stdout)")
	baseFlag := fs.String("base", "0", "load address of flat images")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return fmt.Errorf("usage: rvsim disasm [-o output.s] <image>")
	}
	base, err := strconv.ParseUint(*baseFlag, 0, 64)
	if err != nil {
		return fmt.Errorf("invalid -base: %w", err)
	}

	img, err := loader.Open(fs.Arg(0), base)
	if err != nil {
		return err
	}
	text := listing(img.Data, img.Base, img.Symbols)

	if *output != "" {
		if err := os.WriteFile(*output, []byte(text), 0644); err != nil {
			return fmt.Errorf("writing output: %w", err)
		}
		fmt.Fprintf(c.stdout, "Disassembled to: %s\n", *output)
		return nil
	}
	fmt.Fprint(c.stdout, text)
	return nil
}

// listing disassembles code, printing symbol names above their addresses.
func listing(code []byte, base uint64, symbols map[string]uint64) string {
	labels := make(map[uint64][]string)
	for _, name := range slices.Sorted(maps.Keys(symbols)) {
		labels[symbols[name]] = append(labels[symbols[name]], name)
	}

	var sb strings.Builder
	for off := 0; off+4 <= len(code); off += 4 {
		addr := base + uint64(off)
		for _, name := range labels[addr] {
			fmt.Fprintf(&sb, "%s:\n", name)
		}
		word := binary.LittleEndian.Uint32(code[off:])
		fmt.Fprintf(&sb, "%08x: %08x  %s\n", addr, word, vm.DisassembleWord(word))
	}
	return sb.String()
}

func (c *cli) debugCommand(args []string) error {
	fs := c.flagSet("debug")
	mf := addMachineFlags(fs)
	var breaks []string
	fs.Func("break", "breakpoint address or label (repeatable)", func(s string) error {
		breaks = append(breaks, s)
		return nil
	})

	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return fmt.Errorf("usage: rvsim debug [options] <image>")
	}

	cfg, err := mf.machine()
	if err != nil {
		return err
	}
	s, err := embed.Open(fs.Arg(0),
		embed.WithConfig(cfg),
		embed.WithStdout(c.stdout),
		embed.WithLogger(mf.logger(cfg, c.stderr, c.color)),
	)
	if err != nil {
		return err
	}

	r := repl.New(s.VM, s.Image.Symbols)
	for _, b := range breaks {
		r.Eval("break "+b, c.stdout)
	}
	if c.tty {
		r.Prompt()
		return nil
	}
	r.Start(c.stdin, c.stdout)
	return nil
}

func (c *cli) traceStatsCommand(args []string) error {
	fs := c.flagSet("trace-stats")
	top := fs.Int("top", 10, "mnemonics to list, 0 for all")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return fmt.Errorf("usage: rvsim trace-stats [-top n] <trace>")
	}

	df, err := loader.LoadTrace(context.Background(), fs.Arg(0))
	if err != nil {
		return err
	}
	sum, err := trace.Summarize(df)
	if err != nil {
		return err
	}
	fmt.Fprintln(c.stdout, c.au.Bold(fs.Arg(0)))
	sum.Print(c.stdout, *top)
	return nil
}
