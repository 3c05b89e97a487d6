package vm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Snapshot file format:
// - Magic: "RVSN" (4 bytes)
// - Version: uint16
// - Payload: CBOR-encoded Snapshot

const (
	SnapshotMagic   = "RVSN"
	SnapshotVersion = 1
)

var (
	ErrInvalidMagic   = errors.New("invalid snapshot magic")
	ErrInvalidVersion = errors.New("unsupported snapshot version")
)

// Snapshot is the portable state of a machine.
type Snapshot struct {
	Base        uint64              `cbor:"base"`
	MemorySize  uint64              `cbor:"memory_size"`
	StackSize   uint64              `cbor:"stack_size"`
	ExitAddress uint64              `cbor:"exit_address"`
	MaxSteps    int64               `cbor:"max_steps"`
	Entry       uint64              `cbor:"entry"`
	CodeEnd     uint64              `cbor:"code_end"`
	PC          uint64              `cbor:"pc"`
	Registers   [NumRegisters]int64 `cbor:"registers"`
	Memory      []byte              `cbor:"memory"`
	Steps       uint64              `cbor:"steps"`
	Halt        HaltReason          `cbor:"halt"`
	ExitCode    int64               `cbor:"exit_code"`
	Reserved    bool                `cbor:"reserved"`
	Reservation uint64              `cbor:"reservation"`
	Breakpoints []uint64            `cbor:"breakpoints,omitempty"`
}

// Snapshot captures the current state. The halt error is not preserved.
func (vm *VM) Snapshot() (*Snapshot, error) {
	if !vm.loaded {
		return nil, ErrNoImage
	}
	return &Snapshot{
		Base:        vm.cfg.Base,
		MemorySize:  vm.cfg.MemorySize,
		StackSize:   vm.cfg.StackSize,
		ExitAddress: vm.cfg.ExitAddress,
		MaxSteps:    vm.maxSteps,
		Entry:       vm.entry,
		CodeEnd:     vm.codeEnd,
		PC:          vm.regs.PC(),
		Registers:   vm.regs.Values(),
		Memory:      append([]byte(nil), vm.mem.Bytes()...),
		Steps:       vm.steps,
		Halt:        vm.halt,
		ExitCode:    vm.exitCode,
		Reserved:    vm.reserved,
		Reservation: vm.reservation,
		Breakpoints: vm.Breakpoints(),
	}, nil
}

// NewVMFromSnapshot rebuilds a machine from s.
func NewVMFromSnapshot(s *Snapshot) (*VM, error) {
	if uint64(len(s.Memory)) != s.MemorySize {
		return nil, fmt.Errorf("snapshot memory is %d bytes, header says %d", len(s.Memory), s.MemorySize)
	}
	if s.CodeEnd <= s.Base || s.CodeEnd > s.Base+s.MemorySize {
		return nil, fmt.Errorf("snapshot code end 0x%x outside memory", s.CodeEnd)
	}
	vm := NewVM(Config{
		Base:        s.Base,
		MemorySize:  s.MemorySize,
		StackSize:   s.StackSize,
		ExitAddress: s.ExitAddress,
		MaxSteps:    s.MaxSteps,
	})
	copy(vm.mem.Bytes(), s.Memory)
	for i, v := range s.Registers {
		vm.regs.set(uint8(i), v)
	}
	vm.regs.SetPC(s.PC)

	vm.loaded = true
	vm.image = append([]byte(nil), s.Memory[:s.CodeEnd-s.Base]...)
	vm.entry = s.Entry
	vm.codeStart, vm.codeEnd = s.Base, s.CodeEnd
	vm.placeExit()
	vm.steps = s.Steps
	vm.halt = s.Halt
	vm.exitCode = s.ExitCode
	vm.reserved, vm.reservation = s.Reserved, s.Reservation
	vm.loadedAt = time.Now()
	for _, bp := range s.Breakpoints {
		vm.AddBreakpoint(bp)
	}
	if vm.halt == HaltBreakpoint {
		if _, ok := vm.breakpoints[s.PC]; ok {
			vm.skipBreak = true
		}
	}
	return vm, nil
}

// WriteSnapshot serializes s to w.
func WriteSnapshot(w io.Writer, s *Snapshot) error {
	if _, err := io.WriteString(w, SnapshotMagic); err != nil {
		return fmt.Errorf("writing magic: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, uint16(SnapshotVersion)); err != nil {
		return fmt.Errorf("writing version: %w", err)
	}
	if err := cbor.NewEncoder(w).Encode(s); err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}
	return nil
}

// ReadSnapshot deserializes a snapshot written by WriteSnapshot.
func ReadSnapshot(r io.Reader) (*Snapshot, error) {
	magic := make([]byte, 4)
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, fmt.Errorf("reading magic: %w", err)
	}
	if string(magic) != SnapshotMagic {
		return nil, ErrInvalidMagic
	}

	var version uint16
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return nil, fmt.Errorf("reading version: %w", err)
	}
	if version != SnapshotVersion {
		return nil, ErrInvalidVersion
	}

	var s Snapshot
	if err := cbor.NewDecoder(r).Decode(&s); err != nil {
		return nil, fmt.Errorf("decoding snapshot: %w", err)
	}
	return &s, nil
}

// SaveSnapshot writes the current state to w.
func (vm *VM) SaveSnapshot(w io.Writer) error {
	s, err := vm.Snapshot()
	if err != nil {
		return err
	}
	return WriteSnapshot(w, s)
}

// LoadSnapshot reads a machine written by SaveSnapshot.
func LoadSnapshot(r io.Reader) (*VM, error) {
	s, err := ReadSnapshot(r)
	if err != nil {
		return nil, err
	}
	return NewVMFromSnapshot(s)
}
