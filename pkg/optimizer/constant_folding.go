package optimizer

import (
	"github.com/akhildatla/rvsim/pkg/vm"
)

// constantFolding merges "addi rd, rs, a; addi rd, rd, b" into
// "nop; addi rd, rs, a+b". The folded instruction takes the second slot so
// longer chains keep folding. The same holds for addiw because only the low
// 32 bits of the intermediate value reach the result.
func (o *Optimizer) constantFolding(c *code) int {
	n := 0
	for i := 0; i+1 < c.len(); i++ {
		for _, op := range []vm.Opcode{vm.OpADDI, vm.OpADDIW} {
			if !c.is(i, op) || !c.is(i+1, op) || c.leader(i+1) {
				continue
			}
			first, second := c.insts[i], c.insts[i+1]
			if first.Rd == vm.RegZero || second.Rd != first.Rd || second.Rs1 != first.Rd {
				continue
			}

			folded := vm.Instruction{Op: op, Rd: first.Rd, Rs1: first.Rs1, Imm: first.Imm + second.Imm}
			if c.replace(i+1, folded) {
				c.replace(i, nop)
				n++
			}
		}
	}
	return n
}
