// Package loader reads program images and recorded traces from disk.
//
// Images come in three shapes: flat headerless binaries placed at a caller
// chosen base, static ELF64 RISC-V executables, and assembly sources which
// are assembled on the fly. Open picks the shape from the file content and
// extension.
package loader

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/akhildatla/rvsim/pkg/asm"
)

// Error definitions
var (
	ErrEmptyImage = errors.New("empty image file")
	ErrNotELF     = errors.New("not an ELF file")
	ErrELFClass   = errors.New("unsupported ELF file")
	ErrNoSegments = errors.New("ELF file has no loadable segments")
	ErrImageSpan  = errors.New("ELF segments span too much memory")
)

// Kind says how an image was produced.
type Kind uint8

const (
	KindRaw Kind = iota
	KindELF
	KindAssembly
)

func (k Kind) String() string {
	switch k {
	case KindRaw:
		return "raw"
	case KindELF:
		return "elf"
	case KindAssembly:
		return "assembly"
	default:
		return "unknown"
	}
}

// Image is a flat memory image ready for vm.LoadWithEntry.
type Image struct {
	Kind    Kind
	Data    []byte
	Base    uint64 // address of Data[0]
	Entry   uint64
	Symbols map[string]uint64 // nil for raw images
}

var elfMagic = []byte("\x7fELF")

// LoadImage reads a flat binary that will be placed at base and entered
// at its first byte.
func LoadImage(path string, base uint64) (*Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, ErrEmptyImage
	}
	return &Image{Kind: KindRaw, Data: data, Base: base, Entry: base}, nil
}

// LoadAssembly assembles a source file at base.
func LoadAssembly(path string, base uint64) (*Image, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	prog, err := asm.Assemble(string(src), base)
	if err != nil {
		return nil, fmt.Errorf("assembling %s: %w", filepath.Base(path), err)
	}
	return FromProgram(prog), nil
}

// FromProgram wraps an assembled program.
func FromProgram(prog *asm.Program) *Image {
	return &Image{
		Kind:    KindAssembly,
		Data:    prog.Image,
		Base:    prog.Base,
		Entry:   prog.Entry,
		Symbols: prog.Symbols,
	}
}

// Open loads path as an ELF executable if it starts with the ELF magic, as
// assembly if its extension is .s or .S, and as a flat binary at base
// otherwise.
func Open(path string, base uint64) (*Image, error) {
	if ext := filepath.Ext(path); strings.EqualFold(ext, ".s") || ext == ".asm" {
		return LoadAssembly(path, base)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	head := make([]byte, len(elfMagic))
	n, _ := f.Read(head)
	f.Close()

	if n == len(elfMagic) && bytes.Equal(head, elfMagic) {
		return LoadELF(path)
	}
	return LoadImage(path, base)
}

// Symbol returns the address of name.
func (img *Image) Symbol(name string) (uint64, bool) {
	addr, ok := img.Symbols[name]
	return addr, ok
}

// End returns the first address past the image.
func (img *Image) End() uint64 {
	return img.Base + uint64(len(img.Data))
}
