package vm

import (
	"encoding/binary"
	"fmt"
)

// MemoryFault reports an access outside the allocated region.
type MemoryFault struct {
	Addr  uint64 // first byte of the faulting access
	Width int    // access width in bytes
	Write bool
}

func (e *MemoryFault) Error() string {
	kind := "load"
	if e.Write {
		kind = "store"
	}
	return fmt.Sprintf("memory fault: %d-byte %s at 0x%x", e.Width, kind, e.Addr)
}

// Unwrap lets callers match ErrMemoryFault with errors.Is.
func (e *MemoryFault) Unwrap() error {
	return ErrMemoryFault
}

// Memory is a flat little-endian byte array mapped at a base address.
// Its size and base never change after creation.
type Memory struct {
	base uint64
	data []byte
}

// NewMemory allocates size zeroed bytes mapped at base.
func NewMemory(base, size uint64) *Memory {
	return &Memory{base: base, data: make([]byte, size)}
}

// Base returns the first mapped address.
func (m *Memory) Base() uint64 {
	return m.base
}

// Size returns the number of mapped bytes.
func (m *Memory) Size() uint64 {
	return uint64(len(m.data))
}

// End returns the address one past the last mapped byte.
func (m *Memory) End() uint64 {
	return m.base + uint64(len(m.data))
}

// Contains reports whether [addr, addr+width) is mapped.
func (m *Memory) Contains(addr uint64, width int) bool {
	if addr < m.base {
		return false
	}
	off := addr - m.base
	return off <= uint64(len(m.data)) && uint64(width) <= uint64(len(m.data))-off
}

// offset translates addr into an index into data, or returns a fault.
func (m *Memory) offset(addr uint64, width int, write bool) (uint64, error) {
	if !m.Contains(addr, width) {
		return 0, &MemoryFault{Addr: addr, Width: width, Write: write}
	}
	return addr - m.base, nil
}

// LoadImage copies image into memory starting at addr and zeroes
// every other byte.
func (m *Memory) LoadImage(image []byte, addr uint64) error {
	off, err := m.offset(addr, len(image), true)
	if err != nil {
		return err
	}
	clear(m.data)
	copy(m.data[off:], image)
	return nil
}

// Slice returns a copy of n bytes starting at addr.
func (m *Memory) Slice(addr uint64, n int) ([]byte, error) {
	off, err := m.offset(addr, n, false)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, m.data[off:off+uint64(n)])
	return out, nil
}

// Bytes exposes the backing array. Callers must not retain it across Load.
func (m *Memory) Bytes() []byte {
	return m.data
}

// LoadByte reads the byte at addr, zero-extended.
func (m *Memory) LoadByte(addr uint64) (uint64, error) {
	off, err := m.offset(addr, 1, false)
	if err != nil {
		return 0, err
	}
	return uint64(m.data[off]), nil
}

// LoadHalf reads a little-endian 16-bit value, zero-extended.
func (m *Memory) LoadHalf(addr uint64) (uint64, error) {
	off, err := m.offset(addr, 2, false)
	if err != nil {
		return 0, err
	}
	return uint64(binary.LittleEndian.Uint16(m.data[off:])), nil
}

// LoadWord reads a little-endian 32-bit value, zero-extended.
func (m *Memory) LoadWord(addr uint64) (uint64, error) {
	off, err := m.offset(addr, 4, false)
	if err != nil {
		return 0, err
	}
	return uint64(binary.LittleEndian.Uint32(m.data[off:])), nil
}

// LoadDouble reads a little-endian 64-bit value.
func (m *Memory) LoadDouble(addr uint64) (uint64, error) {
	off, err := m.offset(addr, 8, false)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(m.data[off:]), nil
}

// StoreByte writes the low byte of value at addr.
func (m *Memory) StoreByte(addr uint64, value uint64) error {
	off, err := m.offset(addr, 1, true)
	if err != nil {
		return err
	}
	m.data[off] = byte(value)
	return nil
}

// StoreHalf writes the low 16 bits of value, little-endian.
func (m *Memory) StoreHalf(addr uint64, value uint64) error {
	off, err := m.offset(addr, 2, true)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint16(m.data[off:], uint16(value))
	return nil
}

// StoreWord writes the low 32 bits of value, little-endian.
func (m *Memory) StoreWord(addr uint64, value uint64) error {
	off, err := m.offset(addr, 4, true)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(m.data[off:], uint32(value))
	return nil
}

// StoreDouble writes value as a little-endian 64-bit quantity.
func (m *Memory) StoreDouble(addr uint64, value uint64) error {
	off, err := m.offset(addr, 8, true)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(m.data[off:], value)
	return nil
}

// load dispatches on width (1, 2, 4 or 8 bytes).
func (m *Memory) load(addr uint64, width int) (uint64, error) {
	switch width {
	case 1:
		return m.LoadByte(addr)
	case 2:
		return m.LoadHalf(addr)
	case 4:
		return m.LoadWord(addr)
	default:
		return m.LoadDouble(addr)
	}
}

// store dispatches on width (1, 2, 4 or 8 bytes).
func (m *Memory) store(addr uint64, width int, value uint64) error {
	switch width {
	case 1:
		return m.StoreByte(addr, value)
	case 2:
		return m.StoreHalf(addr, value)
	case 4:
		return m.StoreWord(addr, value)
	default:
		return m.StoreDouble(addr, value)
	}
}
