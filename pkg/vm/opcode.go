package vm

import "strings"

// Opcode identifies a concrete instruction (mnemonic), not the 7-bit major
// opcode field; see Word.Major for that.
type Opcode uint8

const (
	OpIllegal Opcode = iota

	// ===== RV32I / RV64I =====
	OpLUI
	OpAUIPC
	OpJAL
	OpJALR
	OpBEQ
	OpBNE
	OpBLT
	OpBGE
	OpBLTU
	OpBGEU
	OpLB
	OpLH
	OpLW
	OpLD
	OpLBU
	OpLHU
	OpLWU
	OpSB
	OpSH
	OpSW
	OpSD
	OpADDI
	OpSLTI
	OpSLTIU
	OpXORI
	OpORI
	OpANDI
	OpSLLI
	OpSRLI
	OpSRAI
	OpADD
	OpSUB
	OpSLL
	OpSLT
	OpSLTU
	OpXOR
	OpSRL
	OpSRA
	OpOR
	OpAND
	OpFENCE
	OpFENCEI
	OpECALL
	OpEBREAK
	OpADDIW
	OpSLLIW
	OpSRLIW
	OpSRAIW
	OpADDW
	OpSUBW
	OpSLLW
	OpSRLW
	OpSRAW

	// ===== M extension =====
	OpMUL
	OpMULH
	OpMULHSU
	OpMULHU
	OpDIV
	OpDIVU
	OpREM
	OpREMU
	OpMULW
	OpDIVW
	OpDIVUW
	OpREMW
	OpREMUW

	// ===== Zicsr =====
	OpCSRRW
	OpCSRRS
	OpCSRRC
	OpCSRRWI
	OpCSRRSI
	OpCSRRCI

	// ===== A extension =====
	OpLRW
	OpSCW
	OpAMOSWAPW
	OpAMOADDW
	OpAMOXORW
	OpAMOANDW
	OpAMOORW
	OpAMOMINW
	OpAMOMAXW
	OpAMOMINUW
	OpAMOMAXUW
	OpLRD
	OpSCD
	OpAMOSWAPD
	OpAMOADDD
	OpAMOXORD
	OpAMOANDD
	OpAMOORD
	OpAMOMIND
	OpAMOMAXD
	OpAMOMINUD
	OpAMOMAXUD

	numOpcodes
)

// Major opcode field values (bits 6-0).
const (
	majorLoad     = 0x03
	majorMiscMem  = 0x0F
	majorOpImm    = 0x13
	majorAUIPC    = 0x17
	majorOpImm32  = 0x1B
	majorStore    = 0x23
	majorAMO      = 0x2F
	majorOp       = 0x33
	majorLUI      = 0x37
	majorOp32     = 0x3B
	majorBranch   = 0x63
	majorJALR     = 0x67
	majorJAL      = 0x6F
	majorSystem   = 0x73
	funct7MulDiv  = 0x01
	funct7Alt     = 0x20
	funct6SRAI    = 0x10
	funct12ECALL  = 0x000
	funct12EBREAK = 0x001
)

// Class groups instructions by the way the engine executes them.
type Class uint8

const (
	ClassInvalid Class = iota
	ClassArithmetic
	ClassImmediate
	ClassLoad
	ClassStore
	ClassBranch
	ClassJump
	ClassUpper
	ClassSystem
	ClassAtomic
)

// String returns the class name.
func (c Class) String() string {
	switch c {
	case ClassArithmetic:
		return "arithmetic"
	case ClassImmediate:
		return "immediate"
	case ClassLoad:
		return "load"
	case ClassStore:
		return "store"
	case ClassBranch:
		return "branch"
	case ClassJump:
		return "jump"
	case ClassUpper:
		return "upper-immediate"
	case ClassSystem:
		return "system"
	case ClassAtomic:
		return "atomic"
	default:
		return "invalid"
	}
}

// Format is the bit layout used to encode an instruction.
type Format uint8

const (
	FormatR       Format = iota // funct7 rs2 rs1 funct3 rd opcode
	FormatI                     // imm[11:0] rs1 funct3 rd opcode
	FormatS                     // imm[11:5] rs2 rs1 funct3 imm[4:0] opcode
	FormatB                     // imm[12|10:5] rs2 rs1 funct3 imm[4:1|11] opcode
	FormatU                     // imm[31:12] rd opcode
	FormatJ                     // imm[20|10:1|11|19:12] rd opcode
	FormatShift64               // funct6 shamt[5:0] rs1 funct3 rd opcode
	FormatShift32               // funct7 shamt[4:0] rs1 funct3 rd opcode
	FormatSystem                // funct12 00000 000 00000 opcode
	FormatCSR                   // csr rs1 funct3 rd opcode
	FormatCSRI                  // csr uimm funct3 rd opcode
	FormatAtomic                // funct5 aq rl rs2 rs1 funct3 rd opcode
)

// encoding describes the fixed fields of one opcode.
type encoding struct {
	name   string
	class  Class
	format Format
	major  uint32
	funct3 uint32
	funct  uint32 // funct7, funct6, funct5 or funct12 depending on format
}

var encodings = [numOpcodes]encoding{
	OpIllegal: {name: "ILLEGAL"},

	OpLUI:   {"lui", ClassUpper, FormatU, majorLUI, 0, 0},
	OpAUIPC: {"auipc", ClassUpper, FormatU, majorAUIPC, 0, 0},
	OpJAL:   {"jal", ClassJump, FormatJ, majorJAL, 0, 0},
	OpJALR:  {"jalr", ClassJump, FormatI, majorJALR, 0, 0},

	OpBEQ:  {"beq", ClassBranch, FormatB, majorBranch, 0, 0},
	OpBNE:  {"bne", ClassBranch, FormatB, majorBranch, 1, 0},
	OpBLT:  {"blt", ClassBranch, FormatB, majorBranch, 4, 0},
	OpBGE:  {"bge", ClassBranch, FormatB, majorBranch, 5, 0},
	OpBLTU: {"bltu", ClassBranch, FormatB, majorBranch, 6, 0},
	OpBGEU: {"bgeu", ClassBranch, FormatB, majorBranch, 7, 0},

	OpLB:  {"lb", ClassLoad, FormatI, majorLoad, 0, 0},
	OpLH:  {"lh", ClassLoad, FormatI, majorLoad, 1, 0},
	OpLW:  {"lw", ClassLoad, FormatI, majorLoad, 2, 0},
	OpLD:  {"ld", ClassLoad, FormatI, majorLoad, 3, 0},
	OpLBU: {"lbu", ClassLoad, FormatI, majorLoad, 4, 0},
	OpLHU: {"lhu", ClassLoad, FormatI, majorLoad, 5, 0},
	OpLWU: {"lwu", ClassLoad, FormatI, majorLoad, 6, 0},

	OpSB: {"sb", ClassStore, FormatS, majorStore, 0, 0},
	OpSH: {"sh", ClassStore, FormatS, majorStore, 1, 0},
	OpSW: {"sw", ClassStore, FormatS, majorStore, 2, 0},
	OpSD: {"sd", ClassStore, FormatS, majorStore, 3, 0},

	OpADDI:  {"addi", ClassImmediate, FormatI, majorOpImm, 0, 0},
	OpSLTI:  {"slti", ClassImmediate, FormatI, majorOpImm, 2, 0},
	OpSLTIU: {"sltiu", ClassImmediate, FormatI, majorOpImm, 3, 0},
	OpXORI:  {"xori", ClassImmediate, FormatI, majorOpImm, 4, 0},
	OpORI:   {"ori", ClassImmediate, FormatI, majorOpImm, 6, 0},
	OpANDI:  {"andi", ClassImmediate, FormatI, majorOpImm, 7, 0},
	OpSLLI:  {"slli", ClassImmediate, FormatShift64, majorOpImm, 1, 0},
	OpSRLI:  {"srli", ClassImmediate, FormatShift64, majorOpImm, 5, 0},
	OpSRAI:  {"srai", ClassImmediate, FormatShift64, majorOpImm, 5, funct6SRAI},

	OpADD:  {"add", ClassArithmetic, FormatR, majorOp, 0, 0},
	OpSUB:  {"sub", ClassArithmetic, FormatR, majorOp, 0, funct7Alt},
	OpSLL:  {"sll", ClassArithmetic, FormatR, majorOp, 1, 0},
	OpSLT:  {"slt", ClassArithmetic, FormatR, majorOp, 2, 0},
	OpSLTU: {"sltu", ClassArithmetic, FormatR, majorOp, 3, 0},
	OpXOR:  {"xor", ClassArithmetic, FormatR, majorOp, 4, 0},
	OpSRL:  {"srl", ClassArithmetic, FormatR, majorOp, 5, 0},
	OpSRA:  {"sra", ClassArithmetic, FormatR, majorOp, 5, funct7Alt},
	OpOR:   {"or", ClassArithmetic, FormatR, majorOp, 6, 0},
	OpAND:  {"and", ClassArithmetic, FormatR, majorOp, 7, 0},

	OpFENCE:  {"fence", ClassSystem, FormatI, majorMiscMem, 0, 0},
	OpFENCEI: {"fence.i", ClassSystem, FormatI, majorMiscMem, 1, 0},
	OpECALL:  {"ecall", ClassSystem, FormatSystem, majorSystem, 0, funct12ECALL},
	OpEBREAK: {"ebreak", ClassSystem, FormatSystem, majorSystem, 0, funct12EBREAK},

	OpADDIW: {"addiw", ClassImmediate, FormatI, majorOpImm32, 0, 0},
	OpSLLIW: {"slliw", ClassImmediate, FormatShift32, majorOpImm32, 1, 0},
	OpSRLIW: {"srliw", ClassImmediate, FormatShift32, majorOpImm32, 5, 0},
	OpSRAIW: {"sraiw", ClassImmediate, FormatShift32, majorOpImm32, 5, funct7Alt},
	OpADDW:  {"addw", ClassArithmetic, FormatR, majorOp32, 0, 0},
	OpSUBW:  {"subw", ClassArithmetic, FormatR, majorOp32, 0, funct7Alt},
	OpSLLW:  {"sllw", ClassArithmetic, FormatR, majorOp32, 1, 0},
	OpSRLW:  {"srlw", ClassArithmetic, FormatR, majorOp32, 5, 0},
	OpSRAW:  {"sraw", ClassArithmetic, FormatR, majorOp32, 5, funct7Alt},

	OpMUL:    {"mul", ClassArithmetic, FormatR, majorOp, 0, funct7MulDiv},
	OpMULH:   {"mulh", ClassArithmetic, FormatR, majorOp, 1, funct7MulDiv},
	OpMULHSU: {"mulhsu", ClassArithmetic, FormatR, majorOp, 2, funct7MulDiv},
	OpMULHU:  {"mulhu", ClassArithmetic, FormatR, majorOp, 3, funct7MulDiv},
	OpDIV:    {"div", ClassArithmetic, FormatR, majorOp, 4, funct7MulDiv},
	OpDIVU:   {"divu", ClassArithmetic, FormatR, majorOp, 5, funct7MulDiv},
	OpREM:    {"rem", ClassArithmetic, FormatR, majorOp, 6, funct7MulDiv},
	OpREMU:   {"remu", ClassArithmetic, FormatR, majorOp, 7, funct7MulDiv},
	OpMULW:   {"mulw", ClassArithmetic, FormatR, majorOp32, 0, funct7MulDiv},
	OpDIVW:   {"divw", ClassArithmetic, FormatR, majorOp32, 4, funct7MulDiv},
	OpDIVUW:  {"divuw", ClassArithmetic, FormatR, majorOp32, 5, funct7MulDiv},
	OpREMW:   {"remw", ClassArithmetic, FormatR, majorOp32, 6, funct7MulDiv},
	OpREMUW:  {"remuw", ClassArithmetic, FormatR, majorOp32, 7, funct7MulDiv},

	OpCSRRW:  {"csrrw", ClassSystem, FormatCSR, majorSystem, 1, 0},
	OpCSRRS:  {"csrrs", ClassSystem, FormatCSR, majorSystem, 2, 0},
	OpCSRRC:  {"csrrc", ClassSystem, FormatCSR, majorSystem, 3, 0},
	OpCSRRWI: {"csrrwi", ClassSystem, FormatCSRI, majorSystem, 5, 0},
	OpCSRRSI: {"csrrsi", ClassSystem, FormatCSRI, majorSystem, 6, 0},
	OpCSRRCI: {"csrrci", ClassSystem, FormatCSRI, majorSystem, 7, 0},

	OpLRW:      {"lr.w", ClassAtomic, FormatAtomic, majorAMO, 2, 0x02},
	OpSCW:      {"sc.w", ClassAtomic, FormatAtomic, majorAMO, 2, 0x03},
	OpAMOSWAPW: {"amoswap.w", ClassAtomic, FormatAtomic, majorAMO, 2, 0x01},
	OpAMOADDW:  {"amoadd.w", ClassAtomic, FormatAtomic, majorAMO, 2, 0x00},
	OpAMOXORW:  {"amoxor.w", ClassAtomic, FormatAtomic, majorAMO, 2, 0x04},
	OpAMOANDW:  {"amoand.w", ClassAtomic, FormatAtomic, majorAMO, 2, 0x0C},
	OpAMOORW:   {"amoor.w", ClassAtomic, FormatAtomic, majorAMO, 2, 0x08},
	OpAMOMINW:  {"amomin.w", ClassAtomic, FormatAtomic, majorAMO, 2, 0x10},
	OpAMOMAXW:  {"amomax.w", ClassAtomic, FormatAtomic, majorAMO, 2, 0x14},
	OpAMOMINUW: {"amominu.w", ClassAtomic, FormatAtomic, majorAMO, 2, 0x18},
	OpAMOMAXUW: {"amomaxu.w", ClassAtomic, FormatAtomic, majorAMO, 2, 0x1C},
	OpLRD:      {"lr.d", ClassAtomic, FormatAtomic, majorAMO, 3, 0x02},
	OpSCD:      {"sc.d", ClassAtomic, FormatAtomic, majorAMO, 3, 0x03},
	OpAMOSWAPD: {"amoswap.d", ClassAtomic, FormatAtomic, majorAMO, 3, 0x01},
	OpAMOADDD:  {"amoadd.d", ClassAtomic, FormatAtomic, majorAMO, 3, 0x00},
	OpAMOXORD:  {"amoxor.d", ClassAtomic, FormatAtomic, majorAMO, 3, 0x04},
	OpAMOANDD:  {"amoand.d", ClassAtomic, FormatAtomic, majorAMO, 3, 0x0C},
	OpAMOORD:   {"amoor.d", ClassAtomic, FormatAtomic, majorAMO, 3, 0x08},
	OpAMOMIND:  {"amomin.d", ClassAtomic, FormatAtomic, majorAMO, 3, 0x10},
	OpAMOMAXD:  {"amomax.d", ClassAtomic, FormatAtomic, majorAMO, 3, 0x14},
	OpAMOMINUD: {"amominu.d", ClassAtomic, FormatAtomic, majorAMO, 3, 0x18},
	OpAMOMAXUD: {"amomaxu.d", ClassAtomic, FormatAtomic, majorAMO, 3, 0x1C},
}

// String returns the assembler mnemonic of an opcode.
func (o Opcode) String() string {
	if o >= numOpcodes {
		return "UNKNOWN"
	}
	return encodings[o].name
}

// Class returns the execution class of an opcode.
func (o Opcode) Class() Class {
	if o >= numOpcodes {
		return ClassInvalid
	}
	return encodings[o].class
}

// Format returns the encoding layout of an opcode.
func (o Opcode) Format() Format {
	if o >= numOpcodes {
		return FormatR
	}
	return encodings[o].format
}

var opcodeByName map[string]Opcode

func init() {
	opcodeByName = make(map[string]Opcode, numOpcodes)
	for op := OpLUI; op < numOpcodes; op++ {
		opcodeByName[encodings[op].name] = op
	}
}

// OpcodeFromString converts a mnemonic (any case) to an opcode.
func OpcodeFromString(s string) (Opcode, bool) {
	op, ok := opcodeByName[strings.ToLower(s)]
	return op, ok
}

// Opcodes returns every defined opcode in table order.
func Opcodes() []Opcode {
	ops := make([]Opcode, 0, numOpcodes-1)
	for op := OpLUI; op < numOpcodes; op++ {
		ops = append(ops, op)
	}
	return ops
}
