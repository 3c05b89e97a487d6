// Package optimizer applies peephole rewrites to assembled programs.
//
// Every pass preserves instruction addresses: a slot that a rewrite no
// longer needs becomes a nop, so symbols, line maps and pc-relative
// offsets stay valid.
package optimizer

import (
	"github.com/akhildatla/rvsim/pkg/asm"
)

// Optimizer applies optimizations to an assembled program.
type Optimizer struct {
	enableCallRelaxation  bool
	enableConstantFolding bool
	enableMoveElimination bool
	enableDeadCode        bool

	rewrites int
}

// Option is a functional option for the Optimizer.
type Option func(*Optimizer)

// WithCallRelaxation enables call relaxation.
func WithCallRelaxation() Option {
	return func(o *Optimizer) {
		o.enableCallRelaxation = true
	}
}

// WithConstantFolding enables folding of addi chains.
func WithConstantFolding() Option {
	return func(o *Optimizer) {
		o.enableConstantFolding = true
	}
}

// WithMoveElimination enables removal of redundant moves.
func WithMoveElimination() Option {
	return func(o *Optimizer) {
		o.enableMoveElimination = true
	}
}

// WithAllOptimizations enables all optimizations.
func WithAllOptimizations() Option {
	return func(o *Optimizer) {
		o.enableCallRelaxation = true
		o.enableConstantFolding = true
		o.enableMoveElimination = true
		o.enableDeadCode = true
	}
}

// New creates a new Optimizer with the given options.
func New(opts ...Option) *Optimizer {
	opt := &Optimizer{}
	for _, o := range opts {
		o(opt)
	}
	return opt
}

// Optimize applies enabled optimizations and returns a new program. The
// input is not modified.
func (o *Optimizer) Optimize(program *asm.Program) *asm.Program {
	c := newCode(program)

	if o.enableCallRelaxation {
		o.rewrites += o.callRelaxation(c)
	}

	if o.enableConstantFolding {
		o.rewrites += o.constantFolding(c)
	}

	if o.enableMoveElimination {
		o.rewrites += o.moveElimination(c)
	}

	if o.enableDeadCode {
		o.rewrites += o.deadCodeElimination(c)
	}

	return c.program()
}

// Rewrites returns the number of rewrites applied by all Optimize calls.
func (o *Optimizer) Rewrites() int {
	return o.rewrites
}
