package vm

import (
	"fmt"
	"time"
)

// ImageTooLargeError reports an image that does not fit below the stack.
type ImageTooLargeError struct {
	Size  uint64
	Limit uint64
}

func (e *ImageTooLargeError) Error() string {
	return fmt.Sprintf("image too large: %d bytes, limit %d", e.Size, e.Limit)
}

// Unwrap lets callers match ErrImageTooLarge with errors.Is.
func (e *ImageTooLargeError) Unwrap() error {
	return ErrImageTooLarge
}

// ImageLimit returns the largest image the layout accepts.
func (c Config) ImageLimit() uint64 {
	if c.StackSize >= c.MemorySize {
		return 0
	}
	return c.MemorySize - c.StackSize
}

// Load places image at the base address and starts execution there.
func (vm *VM) Load(image []byte) error {
	return vm.LoadWithEntry(image, vm.cfg.Base)
}

// LoadWithEntry places image at the base address and sets the PC to entry.
// Every byte outside the image is zeroed, sp points at the top of memory and
// ra holds the exit address. An exit address inside the image is moved to
// the top of memory so that jumps to loaded code never end the run.
func (vm *VM) LoadWithEntry(image []byte, entry uint64) error {
	if len(image) == 0 {
		return ErrNoImage
	}
	if limit := vm.cfg.ImageLimit(); uint64(len(image)) > limit {
		return &ImageTooLargeError{Size: uint64(len(image)), Limit: limit}
	}
	end := vm.cfg.Base + uint64(len(image))
	if entry < vm.cfg.Base || entry >= end {
		return fmt.Errorf("entry 0x%x outside image [0x%x, 0x%x)", entry, vm.cfg.Base, end)
	}
	if entry%4 != 0 {
		return fmt.Errorf("%w: entry 0x%x", ErrMisalignedFetch, entry)
	}
	if err := vm.mem.LoadImage(image, vm.cfg.Base); err != nil {
		return fmt.Errorf("loading image: %w", err)
	}

	vm.loaded = true
	vm.image = append(vm.image[:0], image...)
	vm.entry = entry
	vm.codeStart, vm.codeEnd = vm.cfg.Base, end
	vm.placeExit()

	vm.regs.Reset()
	vm.regs.set(RegSP, int64(vm.mem.End()))
	vm.regs.set(RegRA, int64(vm.exit))
	vm.regs.SetPC(entry)
	vm.halt, vm.haltErr, vm.exitCode = HaltRunning, nil, 0
	vm.steps = 0
	vm.reserved = false
	vm.skipBreak = false
	vm.loadedAt = time.Now()
	if vm.statsEnabled {
		vm.EnableStats()
	}
	if vm.coverage != nil {
		vm.coverage = NewCoverage(vm.codeStart, vm.codeEnd)
	}

	vm.log.Debug().
		Int("size", len(image)).
		Str("base", fmt.Sprintf("0x%x", vm.cfg.Base)).
		Str("entry", fmt.Sprintf("0x%x", entry)).
		Str("sp", fmt.Sprintf("0x%x", vm.mem.End())).
		Str("exit", fmt.Sprintf("0x%x", vm.exit)).
		Msg("image loaded")
	return nil
}

// placeExit picks the address that ends the run when control reaches it.
func (vm *VM) placeExit() {
	vm.exit = vm.cfg.ExitAddress
	if vm.exit >= vm.codeStart && vm.exit < vm.codeEnd {
		vm.exit = vm.mem.End()
	}
}

// ExitAddress returns the address placed in ra at load time.
func (vm *VM) ExitAddress() uint64 {
	return vm.exit
}

// Reset reloads the last image, keeping breakpoints and observers.
func (vm *VM) Reset() error {
	if !vm.loaded {
		return ErrNoImage
	}
	image := append([]byte(nil), vm.image...)
	return vm.LoadWithEntry(image, vm.entry)
}
