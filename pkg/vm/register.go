package vm

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	NumRegisters = 32 // x0-x31: 64-bit integer registers

	RegZero = 0  // hard-wired zero
	RegRA   = 1  // return address
	RegSP   = 2  // stack pointer
	RegA0   = 10 // first argument / return value
	RegA7   = 17 // system call number
)

// abiNames maps register indices to their calling convention names.
var abiNames = [NumRegisters]string{
	"zero", "ra", "sp", "gp", "tp", "t0", "t1", "t2",
	"s0", "s1", "a0", "a1", "a2", "a3", "a4", "a5",
	"a6", "a7", "s2", "s3", "s4", "s5", "s6", "s7",
	"s8", "s9", "s10", "s11", "t3", "t4", "t5", "t6",
}

// RegisterFile holds the integer registers and the program counter.
type RegisterFile struct {
	x  [NumRegisters]int64
	pc uint64
}

// NewRegisterFile creates a new register file with all registers zeroed.
func NewRegisterFile() *RegisterFile {
	return &RegisterFile{}
}

// Read returns the value of register index. x0 always reads zero.
func (rf *RegisterFile) Read(index int) (int64, error) {
	if index < 0 || index >= NumRegisters {
		return 0, fmt.Errorf("%w: x%d", ErrInvalidRegister, index)
	}
	if index == RegZero {
		return 0, nil
	}
	return rf.x[index], nil
}

// Write sets register index. Writes to x0 are discarded.
func (rf *RegisterFile) Write(index int, value int64) error {
	if index < 0 || index >= NumRegisters {
		return fmt.Errorf("%w: x%d", ErrInvalidRegister, index)
	}
	if index != RegZero {
		rf.x[index] = value
	}
	return nil
}

// get and set skip the range check; the decoder only produces 5-bit indices.
func (rf *RegisterFile) get(index uint8) int64 {
	if index == RegZero {
		return 0
	}
	return rf.x[index&0x1F]
}

func (rf *RegisterFile) set(index uint8, value int64) {
	if index != RegZero {
		rf.x[index&0x1F] = value
	}
}

// PC returns the program counter.
func (rf *RegisterFile) PC() uint64 {
	return rf.pc
}

// SetPC sets the program counter.
func (rf *RegisterFile) SetPC(pc uint64) {
	rf.pc = pc
}

// Values returns a copy of all 32 registers.
func (rf *RegisterFile) Values() [NumRegisters]int64 {
	v := rf.x
	v[RegZero] = 0
	return v
}

// Reset clears all registers and the program counter.
func (rf *RegisterFile) Reset() {
	for i := range rf.x {
		rf.x[i] = 0
	}
	rf.pc = 0
}

// RegisterName returns the ABI name of register index.
func RegisterName(index int) string {
	if index < 0 || index >= NumRegisters {
		return fmt.Sprintf("x%d?", index)
	}
	return abiNames[index]
}

// RegisterIndex resolves an ABI name ("a0"), the frame pointer alias "fp"
// or a numeric name ("x10").
func RegisterIndex(name string) (int, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "fp" {
		return 8, true
	}
	for i, n := range abiNames {
		if n == name {
			return i, true
		}
	}
	if len(name) > 1 && name[0] == 'x' {
		n, err := strconv.Atoi(name[1:])
		if err == nil && n >= 0 && n < NumRegisters {
			return n, true
		}
	}
	return 0, false
}
