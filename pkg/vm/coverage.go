package vm

import "github.com/bits-and-blooms/bitset"

// Coverage records which instruction words of the code region executed.
// Bit i stands for the word at start + 4*i.
type Coverage struct {
	start uint64
	words uint
	set   *bitset.BitSet
}

// NewCoverage creates an empty recorder for the code region [start, end).
func NewCoverage(start, end uint64) *Coverage {
	words := uint(0)
	if end > start {
		words = uint((end - start + 3) / 4)
	}
	return &Coverage{start: start, words: words, set: bitset.New(words)}
}

// Mark records an execution at pc. Addresses outside the region are ignored.
func (c *Coverage) Mark(pc uint64) {
	if i, ok := c.index(pc); ok {
		c.set.Set(i)
	}
}

// Covered reports whether the word at pc has executed.
func (c *Coverage) Covered(pc uint64) bool {
	i, ok := c.index(pc)
	return ok && c.set.Test(i)
}

// Count returns the number of distinct words executed.
func (c *Coverage) Count() uint {
	return c.set.Count()
}

// Total returns the number of words in the region.
func (c *Coverage) Total() uint {
	return c.words
}

// Ratio returns Count/Total, or 0 for an empty region.
func (c *Coverage) Ratio() float64 {
	if c.words == 0 {
		return 0
	}
	return float64(c.Count()) / float64(c.words)
}

// Uncovered lists the addresses of words that never executed.
func (c *Coverage) Uncovered() []uint64 {
	var out []uint64
	for i, ok := c.set.NextClear(0); ok && i < c.words; i, ok = c.set.NextClear(i + 1) {
		out = append(out, c.start+uint64(i)*4)
	}
	return out
}

func (c *Coverage) index(pc uint64) (uint, bool) {
	if pc < c.start || (pc-c.start)%4 != 0 {
		return 0, false
	}
	i := uint((pc - c.start) / 4)
	return i, i < c.words
}
