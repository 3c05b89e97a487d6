package optimizer

import (
	"encoding/binary"
	"maps"

	"github.com/akhildatla/rvsim/pkg/asm"
	"github.com/akhildatla/rvsim/pkg/vm"
)

var nop = vm.Instruction{Op: vm.OpADDI}

// code is the decoded .text section of a program being rewritten.
type code struct {
	src     *asm.Program
	insts   []vm.Instruction
	valid   []bool
	leaders map[uint64]bool // addresses control may arrive at other than by falling through
}

func newCode(p *asm.Program) *code {
	words := p.Words()
	c := &code{
		src:     p,
		insts:   make([]vm.Instruction, len(words)),
		valid:   make([]bool, len(words)),
		leaders: make(map[uint64]bool),
	}
	for i, w := range words {
		inst, err := vm.Decode(w)
		c.insts[i], c.valid[i] = inst, err == nil
	}

	// Any symbol may be a jump target, including .equ values that merely
	// look like addresses.
	for _, addr := range p.Symbols {
		c.leaders[addr] = true
	}
	for i, inst := range c.insts {
		if !c.valid[i] {
			continue
		}
		if inst.Class() == vm.ClassBranch || inst.Op == vm.OpJAL {
			c.leaders[c.addr(i)+uint64(inst.Imm)] = true
		}
	}
	return c
}

func (c *code) len() int {
	return len(c.insts)
}

func (c *code) addr(i int) uint64 {
	return c.src.Base + uint64(4*i)
}

// is reports whether slot i holds a decodable op.
func (c *code) is(i int, op vm.Opcode) bool {
	return i < len(c.insts) && c.valid[i] && c.insts[i].Op == op
}

func (c *code) leader(i int) bool {
	return c.leaders[c.addr(i)]
}

// replace stores inst in slot i if it encodes.
func (c *code) replace(i int, inst vm.Instruction) bool {
	w, err := vm.Encode(inst)
	if err != nil {
		return false
	}
	inst.Raw = w
	c.insts[i], c.valid[i] = inst, true
	return true
}

func (c *code) program() *asm.Program {
	out := *c.src
	out.Image = append([]byte(nil), c.src.Image...)
	out.Symbols = maps.Clone(c.src.Symbols)
	out.Lines = maps.Clone(c.src.Lines)
	for i, inst := range c.insts {
		if c.valid[i] {
			binary.LittleEndian.PutUint32(out.Image[4*i:], inst.Raw)
		}
	}
	return &out
}
