package loader

import (
	"debug/elf"
	"errors"
	"fmt"
	"io"
)

// MaxELFSpan bounds the flattened size of an ELF image.
const MaxELFSpan = 256 << 20

// LoadELF flattens the PT_LOAD segments of a static little-endian ELF64
// RISC-V executable into one image starting at the lowest segment address.
// Gaps and the bss tail of each segment are zero filled.
func LoadELF(path string) (*Image, error) {
	f, err := elf.Open(path)
	if err != nil {
		var fe *elf.FormatError
		if errors.As(err, &fe) {
			return nil, fmt.Errorf("%w: %v", ErrNotELF, err)
		}
		return nil, err
	}
	defer f.Close()
	return flattenELF(f)
}

func flattenELF(f *elf.File) (*Image, error) {
	switch {
	case f.Class != elf.ELFCLASS64:
		return nil, fmt.Errorf("%w: class %v", ErrELFClass, f.Class)
	case f.Data != elf.ELFDATA2LSB:
		return nil, fmt.Errorf("%w: byte order %v", ErrELFClass, f.Data)
	case f.Machine != elf.EM_RISCV:
		return nil, fmt.Errorf("%w: machine %v", ErrELFClass, f.Machine)
	case f.Type != elf.ET_EXEC:
		return nil, fmt.Errorf("%w: type %v", ErrELFClass, f.Type)
	}

	var loads []*elf.Prog
	lo, hi := ^uint64(0), uint64(0)
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD || p.Memsz == 0 {
			continue
		}
		if p.Filesz > p.Memsz {
			return nil, fmt.Errorf("%w: segment at 0x%x has filesz > memsz", ErrELFClass, p.Vaddr)
		}
		loads = append(loads, p)
		lo = min(lo, p.Vaddr)
		hi = max(hi, p.Vaddr+p.Memsz)
	}
	if len(loads) == 0 {
		return nil, ErrNoSegments
	}
	if hi-lo > MaxELFSpan {
		return nil, fmt.Errorf("%w: 0x%x-0x%x", ErrImageSpan, lo, hi)
	}

	data := make([]byte, hi-lo)
	for _, p := range loads {
		off := p.Vaddr - lo
		if _, err := io.ReadFull(p.Open(), data[off:off+p.Filesz]); err != nil {
			return nil, fmt.Errorf("reading segment at 0x%x: %w", p.Vaddr, err)
		}
	}

	img := &Image{Kind: KindELF, Data: data, Base: lo, Entry: f.Entry}
	if syms, err := f.Symbols(); err == nil {
		img.Symbols = make(map[string]uint64)
		for _, s := range syms {
			if s.Name != "" && elf.ST_TYPE(s.Info) != elf.STT_SECTION && elf.ST_TYPE(s.Info) != elf.STT_FILE {
				img.Symbols[s.Name] = s.Value
			}
		}
	}
	return img, nil
}
