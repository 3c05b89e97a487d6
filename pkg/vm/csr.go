package vm

import (
	"fmt"
	"strconv"
	"time"
)

// User-level counter CSRs. All are read-only.
const (
	CSRCycle   = 0xC00
	CSRTime    = 0xC01
	CSRInstret = 0xC02
)

var csrNames = map[uint16]string{
	CSRCycle:   "cycle",
	CSRTime:    "time",
	CSRInstret: "instret",
}

// CSRName returns the symbolic name of a CSR, or its number in hex.
func CSRName(csr uint16) string {
	if name, ok := csrNames[csr]; ok {
		return name
	}
	return fmt.Sprintf("0x%03x", csr)
}

// CSRNumber resolves a CSR name or number.
func CSRNumber(name string) (uint16, bool) {
	for num, n := range csrNames {
		if n == name {
			return num, true
		}
	}
	if v, err := strconv.ParseUint(name, 0, 12); err == nil {
		return uint16(v), true
	}
	return 0, false
}

// readCSR returns the value of a counter. cycle and instret both count
// retired instructions; time is nanoseconds since Load.
func (vm *VM) readCSR(csr uint16) (int64, bool) {
	switch csr {
	case CSRCycle, CSRInstret:
		return int64(vm.steps), true
	case CSRTime:
		return int64(time.Since(vm.loadedAt)), true
	}
	return 0, false
}

// csrWrites reports whether the instruction writes its CSR. CSRRS/CSRRC
// with x0 (or a zero immediate) only read.
func csrWrites(inst Instruction) bool {
	switch inst.Op {
	case OpCSRRW, OpCSRRWI:
		return true
	}
	return inst.Rs1 != 0
}
