package vm

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// DisassembleWord renders one word. Words that do not decode are shown as
// a .word directive so the listing can be reassembled.
func DisassembleWord(word uint32) string {
	inst, err := Decode(word)
	if err != nil {
		return fmt.Sprintf(".word 0x%08x", word)
	}
	return inst.String()
}

// Disassemble returns a human-readable listing of code loaded at base.
// A trailing partial word is ignored.
func Disassemble(code []byte, base uint64) string {
	var sb strings.Builder
	for off := 0; off+4 <= len(code); off += 4 {
		word := binary.LittleEndian.Uint32(code[off:])
		fmt.Fprintf(&sb, "%08x: %08x  %s\n", base+uint64(off), word, DisassembleWord(word))
	}
	return sb.String()
}

// Disassemble lists n instructions of memory starting at addr.
func (vm *VM) Disassemble(addr uint64, n int) (string, error) {
	code, err := vm.mem.Slice(addr, n*4)
	if err != nil {
		return "", err
	}
	return Disassemble(code, addr), nil
}
