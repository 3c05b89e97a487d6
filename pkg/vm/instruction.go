package vm

import "fmt"

// Instruction is a decoded instruction. It is produced per fetch and never
// mutated.
//
// Field use by format:
//   - Imm holds the sign-extended immediate for I/S/B/U/J, the shift amount
//     for immediate shifts and the unsigned CSR number for Zicsr.
//   - For CSR*I instructions Rs1 holds the 5-bit unsigned immediate.
//   - Aq/Rl carry the ordering bits of atomics.
type Instruction struct {
	Op     Opcode
	Rd     uint8
	Rs1    uint8
	Rs2    uint8
	Imm    int64
	Aq, Rl bool
	Raw    uint32
}

// Class returns the execution class of the instruction.
func (i Instruction) Class() Class {
	return i.Op.Class()
}

// Encode builds the 32-bit word for inst. It is the inverse of Decode.
func Encode(inst Instruction) (uint32, error) {
	if inst.Op == OpIllegal || inst.Op >= numOpcodes {
		return 0, fmt.Errorf("%w: cannot encode opcode %d", ErrIllegalInstruction, inst.Op)
	}
	if inst.Rd >= NumRegisters || inst.Rs1 >= NumRegisters || inst.Rs2 >= NumRegisters {
		return 0, fmt.Errorf("%w: %s x%d, x%d, x%d", ErrInvalidRegister, inst.Op, inst.Rd, inst.Rs1, inst.Rs2)
	}
	enc := encodings[inst.Op]

	switch enc.format {
	case FormatR:
		return EncodeR(enc.major, enc.funct3, enc.funct, inst.Rd, inst.Rs1, inst.Rs2), nil

	case FormatI:
		if err := checkSigned(inst, 12); err != nil {
			return 0, err
		}
		return EncodeI(enc.major, enc.funct3, inst.Rd, inst.Rs1, inst.Imm), nil

	case FormatS:
		if err := checkSigned(inst, 12); err != nil {
			return 0, err
		}
		return EncodeS(enc.major, enc.funct3, inst.Rs1, inst.Rs2, inst.Imm), nil

	case FormatB:
		if err := checkSigned(inst, 13); err != nil {
			return 0, err
		}
		if inst.Imm&1 != 0 {
			return 0, fmt.Errorf("%s: branch offset %d is not even", inst.Op, inst.Imm)
		}
		return EncodeB(enc.major, enc.funct3, inst.Rs1, inst.Rs2, inst.Imm), nil

	case FormatU:
		if inst.Imm&0xFFF != 0 || inst.Imm != int64(int32(inst.Imm)) {
			return 0, fmt.Errorf("%s: immediate 0x%x is not a sign-extended multiple of 4096", inst.Op, inst.Imm)
		}
		return EncodeU(enc.major, inst.Rd, inst.Imm), nil

	case FormatJ:
		if err := checkSigned(inst, 21); err != nil {
			return 0, err
		}
		if inst.Imm&1 != 0 {
			return 0, fmt.Errorf("%s: jump offset %d is not even", inst.Op, inst.Imm)
		}
		return EncodeJ(enc.major, inst.Rd, inst.Imm), nil

	case FormatShift64:
		if inst.Imm < 0 || inst.Imm > 63 {
			return 0, fmt.Errorf("%s: shift amount %d out of range [0, 63]", inst.Op, inst.Imm)
		}
		return enc.funct<<26 | uint32(inst.Imm)<<20 | uint32(inst.Rs1)<<15 |
			enc.funct3<<12 | uint32(inst.Rd)<<7 | enc.major, nil

	case FormatShift32:
		if inst.Imm < 0 || inst.Imm > 31 {
			return 0, fmt.Errorf("%s: shift amount %d out of range [0, 31]", inst.Op, inst.Imm)
		}
		return EncodeR(enc.major, enc.funct3, enc.funct, inst.Rd, inst.Rs1, uint8(inst.Imm)), nil

	case FormatSystem:
		return enc.funct<<20 | enc.major, nil

	case FormatCSR, FormatCSRI:
		if inst.Imm < 0 || inst.Imm > 0xFFF {
			return 0, fmt.Errorf("%s: CSR number 0x%x out of range", inst.Op, inst.Imm)
		}
		return EncodeI(enc.major, enc.funct3, inst.Rd, inst.Rs1, inst.Imm), nil

	case FormatAtomic:
		funct7 := enc.funct << 2
		if inst.Aq {
			funct7 |= 0x2
		}
		if inst.Rl {
			funct7 |= 0x1
		}
		rs2 := inst.Rs2
		if inst.Op == OpLRW || inst.Op == OpLRD {
			rs2 = 0
		}
		return EncodeR(enc.major, enc.funct3, funct7, inst.Rd, inst.Rs1, rs2), nil
	}

	return 0, fmt.Errorf("%w: unknown format for %s", ErrIllegalInstruction, inst.Op)
}

func checkSigned(inst Instruction, bits uint) error {
	limit := int64(1) << (bits - 1)
	if inst.Imm < -limit || inst.Imm >= limit {
		return fmt.Errorf("%s: immediate %d out of range [%d, %d]", inst.Op, inst.Imm, -limit, limit-1)
	}
	return nil
}

// String renders the instruction in assembler syntax with ABI register
// names. Branch and jump operands are pc-relative offsets.
func (i Instruction) String() string {
	rd, rs1, rs2 := RegisterName(int(i.Rd)), RegisterName(int(i.Rs1)), RegisterName(int(i.Rs2))
	name := i.Op.String()

	switch i.Op.Format() {
	case FormatR:
		return fmt.Sprintf("%s %s, %s, %s", name, rd, rs1, rs2)
	case FormatI:
		switch i.Op.Class() {
		case ClassLoad:
			return fmt.Sprintf("%s %s, %d(%s)", name, rd, i.Imm, rs1)
		case ClassJump:
			return fmt.Sprintf("%s %s, %d(%s)", name, rd, i.Imm, rs1)
		case ClassSystem:
			if i.Op == OpFENCEI {
				return name
			}
			return fmt.Sprintf("%s %s, %s", name, fenceSet(i.Imm>>4), fenceSet(i.Imm))
		}
		return fmt.Sprintf("%s %s, %s, %d", name, rd, rs1, i.Imm)
	case FormatS:
		return fmt.Sprintf("%s %s, %d(%s)", name, rs2, i.Imm, rs1)
	case FormatB:
		return fmt.Sprintf("%s %s, %s, %d", name, rs1, rs2, i.Imm)
	case FormatU:
		return fmt.Sprintf("%s %s, 0x%x", name, rd, uint32(i.Imm)>>12)
	case FormatJ:
		return fmt.Sprintf("%s %s, %d", name, rd, i.Imm)
	case FormatShift64, FormatShift32:
		return fmt.Sprintf("%s %s, %s, %d", name, rd, rs1, i.Imm)
	case FormatSystem:
		return name
	case FormatCSR:
		return fmt.Sprintf("%s %s, %s, %s", name, rd, CSRName(uint16(i.Imm)), rs1)
	case FormatCSRI:
		return fmt.Sprintf("%s %s, %s, %d", name, rd, CSRName(uint16(i.Imm)), i.Rs1)
	case FormatAtomic:
		suffix := ""
		if i.Aq {
			suffix += ".aq"
		}
		if i.Rl {
			suffix += ".rl"
		}
		if i.Op == OpLRW || i.Op == OpLRD {
			return fmt.Sprintf("%s%s %s, (%s)", name, suffix, rd, rs1)
		}
		return fmt.Sprintf("%s%s %s, %s, (%s)", name, suffix, rd, rs2, rs1)
	}
	return name
}

// fenceSet renders the low four predecessor/successor bits as "iorw".
func fenceSet(bits int64) string {
	s := ""
	for i, c := range "iorw" {
		if bits&(1<<(3-i)) != 0 {
			s += string(c)
		}
	}
	if s == "" {
		return "0"
	}
	return s
}
