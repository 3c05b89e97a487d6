// Package embed provides the Go embedding API for rvsim.
//
// Point it at an image, get a0 back.
//
// Basic usage:
//
//	a0, reason, err := embed.Run("fib.bin", 0, 1_000_000)
//
// With options:
//
//	res, err := embed.RunAssembly(src,
//	    embed.WithBaseAddress(0x80000000),
//	    embed.WithTimeout(time.Second),
//	    embed.WithStdout(os.Stdout),
//	)
package embed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/akhildatla/rvsim/pkg/asm"
	"github.com/akhildatla/rvsim/pkg/config"
	"github.com/akhildatla/rvsim/pkg/loader"
	"github.com/akhildatla/rvsim/pkg/vm"
)

// Common errors
var (
	ErrTimeout    = errors.New("execution timeout exceeded")
	ErrBreakpoint = errors.New("stopped at breakpoint")
)

// Options configures a session.
type Options struct {
	// Config is the machine layout. Budget and Timeout are taken from it.
	Config config.Machine

	// Context for cancellation. If nil, context.Background() is used.
	Context context.Context

	Stdout io.Writer
	Logger zerolog.Logger
	Tracer vm.Tracer
}

// Option is a functional option for configuring execution.
type Option func(*Options)

// WithConfig replaces the whole machine layout.
func WithConfig(m config.Machine) Option {
	return func(o *Options) {
		o.Config = m
	}
}

// WithBaseAddress sets where memory, and a flat image, start.
func WithBaseAddress(base uint64) Option {
	return func(o *Options) {
		o.Config.Base = base
	}
}

// WithMemorySize sets the total memory in bytes.
func WithMemorySize(n uint64) Option {
	return func(o *Options) {
		o.Config.MemorySize = n
	}
}

// WithStackSize sets the bytes reserved at the top of memory.
func WithStackSize(n uint64) Option {
	return func(o *Options) {
		o.Config.StackSize = n
	}
}

// WithEntry overrides the entry point of the image.
func WithEntry(addr uint64) Option {
	return func(o *Options) {
		o.Config.Entry = &addr
	}
}

// WithMaxInstructions sets the instruction budget. Zero means unlimited.
func WithMaxInstructions(n int64) Option {
	return func(o *Options) {
		o.Config.Budget = n
	}
}

// WithTimeout sets execution timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *Options) {
		o.Config.Timeout = d
	}
}

// WithContext sets the context for cancellation.
func WithContext(ctx context.Context) Option {
	return func(o *Options) {
		o.Context = ctx
	}
}

// WithStdout receives the guest's write system calls on fd 1 and 2.
func WithStdout(w io.Writer) Option {
	return func(o *Options) {
		o.Stdout = w
	}
}

// WithLogger sets the engine logger.
func WithLogger(l zerolog.Logger) Option {
	return func(o *Options) {
		o.Logger = l
	}
}

// WithTracer observes every retired instruction.
func WithTracer(t vm.Tracer) Option {
	return func(o *Options) {
		o.Tracer = t
	}
}

func newOptions(opts []Option) *Options {
	options := &Options{
		Config:  config.Default(),
		Context: context.Background(),
		Logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(options)
	}
	return options
}

// Session is a machine with an image loaded, ready to run.
type Session struct {
	VM    *vm.VM
	Image *loader.Image
	opts  *Options
}

// Open loads the file at path (flat binary, ELF or assembly, see
// loader.Open) into a new machine.
func Open(path string, opts ...Option) (*Session, error) {
	options := newOptions(opts)
	img, err := loader.Open(path, options.Config.Base)
	if err != nil {
		return nil, err
	}
	return newSession(img, options)
}

// NewSession loads img into a new machine.
func NewSession(img *loader.Image, opts ...Option) (*Session, error) {
	return newSession(img, newOptions(opts))
}

func newSession(img *loader.Image, options *Options) (*Session, error) {
	// ELF and assembled images carry their own load address.
	if img.Kind != loader.KindRaw {
		options.Config.Base = img.Base
	}
	if err := options.Config.Validate(); err != nil {
		return nil, err
	}

	machine := vm.NewVM(options.Config.VM())
	machine.SetLogger(options.Logger)
	machine.SetStdout(options.Stdout)
	if options.Tracer != nil {
		machine.SetTracer(options.Tracer)
	}
	if err := machine.LoadWithEntry(img.Data, options.Config.EntryOr(img.Entry)); err != nil {
		return nil, err
	}
	return &Session{VM: machine, Image: img, opts: options}, nil
}

// Run executes until the machine halts. A nil error means the program
// terminated gracefully. The result is returned even on error.
func (s *Session) Run() (*vm.Result, error) {
	ctx := s.opts.Context
	if s.opts.Config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.Config.Timeout)
		defer cancel()
	}

	result, err := s.VM.Run(ctx)
	if err != nil {
		// Map VM errors to embed package errors
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			return result, fmt.Errorf("%w: %w", ErrTimeout, err)
		}
		return result, err
	}
	if result.Reason == vm.HaltBreakpoint {
		return result, fmt.Errorf("%w at pc 0x%x", ErrBreakpoint, result.PC)
	}
	return result, nil
}

// RunFile opens path and runs it to completion.
func RunFile(path string, opts ...Option) (*vm.Result, error) {
	s, err := Open(path, opts...)
	if err != nil {
		return nil, err
	}
	return s.Run()
}

// RunImage runs a flat image placed at the configured base.
func RunImage(image []byte, opts ...Option) (*vm.Result, error) {
	options := newOptions(opts)
	base := options.Config.Base
	s, err := newSession(&loader.Image{Kind: loader.KindRaw, Data: image, Base: base, Entry: base}, options)
	if err != nil {
		return nil, err
	}
	return s.Run()
}

// RunAssembly assembles source at the configured base and runs it.
func RunAssembly(source string, opts ...Option) (*vm.Result, error) {
	options := newOptions(opts)
	prog, err := asm.Assemble(source, options.Config.Base)
	if err != nil {
		return nil, err
	}
	s, err := newSession(loader.FromProgram(prog), options)
	if err != nil {
		return nil, err
	}
	return s.Run()
}

// Run loads the image at imagePath at base and runs it with the given
// instruction budget (0 for unlimited). It returns a0 and the halt reason.
// The error is nil only for graceful terminations.
func Run(imagePath string, base uint64, budget int64) (int64, vm.HaltReason, error) {
	res, err := RunFile(imagePath, WithBaseAddress(base), WithMaxInstructions(budget))
	if res == nil {
		return 0, vm.HaltRunning, err
	}
	return res.A0, res.Reason, err
}
