// Package main provides the CLI entry point for rvsim, a RISC-V 64-bit
// user-mode simulator.
//
// Usage:
//
//	rvsim run fib.bin                  # Run a flat image loaded at 0
//	rvsim run -base 0x80000000 prog.s  # Assemble and run
//	rvsim asm -o prog.bin prog.s       # Assemble to a flat image
//	rvsim disasm prog.bin              # Disassemble an image
//	rvsim debug prog.s                 # Interactive monitor
//	rvsim trace-stats trace.parquet    # Summarize a recorded trace
package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/logrusorgru/aurora/v4"
	"golang.org/x/term"
)

// Version info set by GoReleaser via ldflags
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// exitError carries the guest's exit status to the process.
type exitError struct {
	code int64
}

func (e *exitError) Error() string {
	return fmt.Sprintf("program exited with code %d", e.code)
}

// cli holds the process streams so commands can run in tests.
type cli struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
	tty    bool // stdin and stdout are terminals
	color  bool // stderr takes ANSI colours
	au     *aurora.Aurora
}

func newCLI() *cli {
	tty := term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
	color := term.IsTerminal(int(os.Stderr.Fd())) && os.Getenv("NO_COLOR") == ""
	return &cli{
		stdin:  os.Stdin,
		stdout: os.Stdout,
		stderr: os.Stderr,
		tty:    tty,
		color:  color,
		au:     aurora.New(aurora.WithColors(color)),
	}
}

func main() {
	c := newCLI()
	if err := c.run(os.Args[1:]); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(int(ee.code & 0xff))
		}
		fmt.Fprintln(c.stderr, c.au.Colorize("error: "+err.Error(), aurora.RedFg|aurora.BrightFg|aurora.BoldFm))
		os.Exit(1)
	}
}

func (c *cli) run(args []string) error {
	if len(args) < 1 {
		return c.printUsage()
	}

	cmd := args[0]

	switch cmd {
	case "run":
		return c.runCommand(args[1:])
	case "asm":
		return c.asmCommand(args[1:])
	case "disasm":
		return c.disasmCommand(args[1:])
	case "debug":
		return c.debugCommand(args[1:])
	case "trace-stats":
		return c.traceStatsCommand(args[1:])
	case "resume":
		return c.resumeCommand(args[1:])
	case "version":
		fmt.Fprintf(c.stdout, "rvsim version %s\n", version)
		if commit != "none" {
			fmt.Fprintf(c.stdout, "  commit: %s\n", commit)
		}
		if date != "unknown" {
			fmt.Fprintf(c.stdout, "  built:  %s\n", date)
		}
		return nil
	case "help", "-h", "--help":
		return c.printUsage()
	default:
		return fmt.Errorf("unknown command: %s", cmd)
	}
}

func (c *cli) printUsage() error {
	fmt.Fprintln(c.stdout, `rvsim - RISC-V 64-bit (RV64IMA) user-mode simulator

Usage:
  rvsim <command> [options] <file>

Commands:
  run <image>           Run a flat binary, ELF executable or .s source
  asm <file.s>          Assemble to a flat binary
  disasm <image>        Disassemble an image
  debug <image>         Start the interactive monitor
  trace-stats <trace>   Summarize a .csv, .json or .parquet trace
  resume <snapshot>     Continue a run saved with -snapshot
  version               Print version information
  help                  Show this help message

Machine Options (run, debug):
  -base <addr>          Load address of flat images and memory (default 0)
  -mem <bytes>          Memory size (default 1 MiB)
  -stack <bytes>        Bytes reserved for the stack (default 64 KiB)
  -entry <addr>         Override the entry point
  -exit <addr>          Exit address placed in ra (default 0)
  -budget <n>           Instruction budget, 0 for unlimited
  -timeout <dur>        Wall-clock limit, e.g. 2s
  -config <file>        YAML machine config (RVSIM_* variables override it)

Run Options:
  -trace <file>         Record a trace (.csv, .json, .jsonl, .parquet)
  -trace-limit <n>      Keep at most n trace rows
  -coverage             Report executed code words
  -stats                Report execution statistics
  -snapshot <file>      Save the machine when it stops early
  -v, -vv               Debug / trace logging on stderr

Asm Options:
  -o <file>             Output file (default: input with .bin extension)
  -O                    Enable size-preserving optimizations
  -l                    Print a listing

Examples:
  rvsim run testdata/fib.bin
  rvsim run -budget 1000 -snapshot fib.snap testdata/fib.bin
  rvsim resume fib.snap
  rvsim asm -O -o fib.bin testdata/fib.s
  rvsim run -trace fib.parquet testdata/fib.bin && rvsim trace-stats fib.parquet`)
	return nil
}
