package optimizer

import (
	"github.com/akhildatla/rvsim/pkg/vm"
)

// callRelaxation turns "auipc r, hi; jalr r, lo(r)" into "nop; jal r, off"
// when the target is within jal range. The jal takes the jalr slot so the
// return address is unchanged.
func (o *Optimizer) callRelaxation(c *code) int {
	n := 0
	for i := 0; i+1 < c.len(); i++ {
		if !c.is(i, vm.OpAUIPC) || !c.is(i+1, vm.OpJALR) || c.leader(i+1) {
			continue
		}
		hi, lo := c.insts[i], c.insts[i+1]
		if hi.Rd == vm.RegZero || lo.Rs1 != hi.Rd || lo.Rd != hi.Rd {
			continue
		}

		target := int64(c.addr(i)) + hi.Imm + lo.Imm
		jal := vm.Instruction{Op: vm.OpJAL, Rd: lo.Rd, Imm: target - int64(c.addr(i+1))}
		if c.replace(i+1, jal) {
			c.replace(i, nop)
			n++
			i++
		}
	}
	return n
}
