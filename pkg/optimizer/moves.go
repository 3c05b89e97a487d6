package optimizer

import (
	"github.com/akhildatla/rvsim/pkg/vm"
)

// isMove reports whether inst is "mv rd, rs" with a real destination.
func isMove(inst vm.Instruction) bool {
	return inst.Op == vm.OpADDI && inst.Imm == 0 && inst.Rd != vm.RegZero
}

// moveElimination removes self moves and the second half of
// "mv a, b; mv b, a".
func (o *Optimizer) moveElimination(c *code) int {
	n := 0
	for i := 0; i < c.len(); i++ {
		if !c.valid[i] || !isMove(c.insts[i]) {
			continue
		}
		mv := c.insts[i]

		if mv.Rd == mv.Rs1 {
			c.replace(i, nop)
			n++
			continue
		}

		if i+1 < c.len() && c.valid[i+1] && !c.leader(i+1) {
			back := c.insts[i+1]
			if isMove(back) && back.Rd == mv.Rs1 && back.Rs1 == mv.Rd {
				c.replace(i+1, nop)
				n++
				i++
			}
		}
	}
	return n
}
