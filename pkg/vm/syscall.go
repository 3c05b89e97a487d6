package vm

import "fmt"

// Linux RISC-V system call numbers understood by ecall.
const (
	SysWrite     = 64
	SysExit      = 93
	SysExitGroup = 94
)

// syscall handles ecall. a7 selects the call; arguments are in a0-a2.
func (vm *VM) syscall(out *outcome) error {
	num := vm.regs.get(RegA7)
	a0 := vm.regs.get(RegA0)

	switch num {
	case SysExit, SysExitGroup:
		vm.exitCode = a0
		out.halt = HaltExit
		return nil

	case SysWrite:
		buf, n := uint64(vm.regs.get(RegA0+1)), vm.regs.get(RegA0+2)
		if n < 0 {
			n = 0
		}
		data, err := vm.mem.Slice(buf, int(n))
		if err != nil {
			return err
		}
		out.rd, out.write = RegA0, true
		switch a0 {
		case 1, 2:
			if _, err := vm.stdout.Write(data); err != nil {
				out.value = -5 // EIO
				return nil
			}
			out.value = n
		default:
			out.value = -9 // EBADF
		}
		out.mem = memAccess{addr: buf, width: int(n)}
		return nil
	}

	return fmt.Errorf("%w: %d", ErrUnsupportedSyscall, num)
}
