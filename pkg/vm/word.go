package vm

// Word is a raw 32-bit instruction as fetched from memory.
//
// Base formats (bit 31 on the left):
//
//	R  │ funct7 │ rs2 │ rs1 │ funct3 │ rd          │ opcode │
//	I  │ imm[11:0]    │ rs1 │ funct3 │ rd          │ opcode │
//	S  │ imm[11:5]│rs2│ rs1 │ funct3 │ imm[4:0]    │ opcode │
//	B  │ imm[12|10:5]│rs2│rs1│funct3 │ imm[4:1|11] │ opcode │
//	U  │ imm[31:12]               │ rd          │ opcode │
//	J  │ imm[20|10:1|11|19:12]    │ rd          │ opcode │
//
// B and J immediates are scattered across the word and must be reassembled
// before sign-extension.
type Word uint32

// Major returns the major opcode (bits 6-0).
func (w Word) Major() uint32 {
	return uint32(w) & 0x7F
}

// Rd returns the destination register (bits 11-7).
func (w Word) Rd() uint8 {
	return uint8((w >> 7) & 0x1F)
}

// Funct3 returns bits 14-12.
func (w Word) Funct3() uint32 {
	return uint32(w>>12) & 0x7
}

// Rs1 returns the first source register (bits 19-15).
func (w Word) Rs1() uint8 {
	return uint8((w >> 15) & 0x1F)
}

// Rs2 returns the second source register (bits 24-20).
func (w Word) Rs2() uint8 {
	return uint8((w >> 20) & 0x1F)
}

// Funct7 returns bits 31-25.
func (w Word) Funct7() uint32 {
	return uint32(w >> 25)
}

// Funct6 returns bits 31-26 (RV64 immediate shifts).
func (w Word) Funct6() uint32 {
	return uint32(w >> 26)
}

// Funct5 returns bits 31-27 (atomics).
func (w Word) Funct5() uint32 {
	return uint32(w >> 27)
}

// Funct12 returns bits 31-20, unsigned (system and CSR number).
func (w Word) Funct12() uint32 {
	return uint32(w >> 20)
}

// ImmI returns the sign-extended I-type immediate.
func (w Word) ImmI() int64 {
	return int64(int32(w) >> 20)
}

// ImmS returns the sign-extended S-type immediate.
func (w Word) ImmS() int64 {
	imm := (uint32(w)>>25)<<5 | (uint32(w)>>7)&0x1F
	return signExtend(uint64(imm), 12)
}

// ImmB returns the sign-extended B-type branch offset.
func (w Word) ImmB() int64 {
	v := uint32(w)
	imm := (v>>31)&0x1<<12 | // imm[12]
		(v>>7)&0x1<<11 | // imm[11]
		(v>>25)&0x3F<<5 | // imm[10:5]
		(v>>8)&0xF<<1 // imm[4:1]
	return signExtend(uint64(imm), 13)
}

// ImmU returns the U-type immediate, already shifted and sign-extended.
func (w Word) ImmU() int64 {
	return int64(int32(uint32(w) & 0xFFFFF000))
}

// ImmJ returns the sign-extended J-type jump offset.
func (w Word) ImmJ() int64 {
	v := uint32(w)
	imm := (v>>31)&0x1<<20 | // imm[20]
		(v>>12)&0xFF<<12 | // imm[19:12]
		(v>>20)&0x1<<11 | // imm[11]
		(v>>21)&0x3FF<<1 // imm[10:1]
	return signExtend(uint64(imm), 21)
}

// Shamt6 returns the 6-bit shift amount of SLLI/SRLI/SRAI.
func (w Word) Shamt6() int64 {
	return int64((w >> 20) & 0x3F)
}

// Shamt5 returns the 5-bit shift amount of SLLIW/SRLIW/SRAIW.
func (w Word) Shamt5() int64 {
	return int64((w >> 20) & 0x1F)
}

// signExtend treats the low bits of v as a two's complement number.
func signExtend(v uint64, bits uint) int64 {
	shift := 64 - bits
	return int64(v<<shift) >> shift
}

// ===== Encoders =====

func EncodeR(major, funct3, funct7 uint32, rd, rs1, rs2 uint8) uint32 {
	return funct7<<25 | uint32(rs2&0x1F)<<20 | uint32(rs1&0x1F)<<15 |
		funct3<<12 | uint32(rd&0x1F)<<7 | major
}

func EncodeI(major, funct3 uint32, rd, rs1 uint8, imm int64) uint32 {
	return uint32(imm&0xFFF)<<20 | uint32(rs1&0x1F)<<15 |
		funct3<<12 | uint32(rd&0x1F)<<7 | major
}

func EncodeS(major, funct3 uint32, rs1, rs2 uint8, imm int64) uint32 {
	u := uint32(imm & 0xFFF)
	return (u>>5)<<25 | uint32(rs2&0x1F)<<20 | uint32(rs1&0x1F)<<15 |
		funct3<<12 | (u&0x1F)<<7 | major
}

func EncodeB(major, funct3 uint32, rs1, rs2 uint8, imm int64) uint32 {
	u := uint32(imm)
	return (u>>12)&0x1<<31 | (u>>5)&0x3F<<25 |
		uint32(rs2&0x1F)<<20 | uint32(rs1&0x1F)<<15 | funct3<<12 |
		(u>>1)&0xF<<8 | (u>>11)&0x1<<7 | major
}

func EncodeU(major uint32, rd uint8, imm int64) uint32 {
	return uint32(imm)&0xFFFFF000 | uint32(rd&0x1F)<<7 | major
}

func EncodeJ(major uint32, rd uint8, imm int64) uint32 {
	u := uint32(imm)
	return (u>>20)&0x1<<31 | (u>>1)&0x3FF<<21 | (u>>11)&0x1<<20 |
		(u>>12)&0xFF<<12 | uint32(rd&0x1F)<<7 | major
}
