package optimizer

import (
	"github.com/akhildatla/rvsim/pkg/vm"
)

// WithDeadCodeElimination enables removal of jumps to the next instruction.
func WithDeadCodeElimination() Option {
	return func(o *Optimizer) {
		o.enableDeadCode = true
	}
}

// deadCodeElimination replaces "j .+4" and branches to the next
// instruction with nops; both paths continue at the same address.
func (o *Optimizer) deadCodeElimination(c *code) int {
	n := 0
	for i := 0; i < c.len(); i++ {
		if !c.valid[i] {
			continue
		}
		inst := c.insts[i]

		switch {
		case inst.Op == vm.OpJAL && inst.Rd == vm.RegZero && inst.Imm == 4:
		case inst.Class() == vm.ClassBranch && inst.Imm == 4:
		default:
			continue
		}
		c.replace(i, nop)
		n++
	}
	return n
}
