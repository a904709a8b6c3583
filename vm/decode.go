package vm

import (
	"fmt"
)

// ISAVersion selects opcode generation and cost-model details. Decoded
// mnemonics are tagged with the generation so traces can tell them apart
// (and strip the tag when they should not).
type ISAVersion uint8

const (
	ISAV0 ISAVersion = iota
	ISAV1
	ISAV2
)

func ParseISAVersion(s string) (ISAVersion, error) {
	switch s {
	case "0":
		return ISAV0, nil
	case "1":
		return ISAV1, nil
	case "2":
		return ISAV2, nil
	default:
		return 0, fmt.Errorf("wrong script version %q", s)
	}
}

// Format is the operand-layout tag of a decoded instruction.
type Format uint8

const (
	FormatI  Format = iota // immediate: rd, rs1, imm
	FormatR                // register: rd, rs1, rs2
	FormatS                // store/branch: rs2, rs1, imm
	FormatU                // upper-immediate: rd, imm
	FormatR4               // fused, reserved: not produced by this decoder
	FormatR5               // fused, reserved
)

func (f Format) String() string {
	switch f {
	case FormatI:
		return "I"
	case FormatR:
		return "R"
	case FormatS:
		return "S"
	case FormatU:
		return "U"
	case FormatR4:
		return "R4"
	case FormatR5:
		return "R5"
	default:
		return "?"
	}
}

type Op uint16

const (
	OpUnknown Op = iota
	OpAdd
	OpSub
	OpSll
	OpSlt
	OpSltu
	OpXor
	OpSrl
	OpSra
	OpOr
	OpAnd
	OpAddw
	OpSubw
	OpSllw
	OpSrlw
	OpSraw
	OpMul
	OpMulh
	OpMulhsu
	OpMulhu
	OpDiv
	OpDivu
	OpRem
	OpRemu
	OpMulw
	OpDivw
	OpDivuw
	OpRemw
	OpRemuw
	OpAddi
	OpSlti
	OpSltiu
	OpXori
	OpOri
	OpAndi
	OpSlli
	OpSrli
	OpSrai
	OpAddiw
	OpSlliw
	OpSrliw
	OpSraiw
	OpLb
	OpLh
	OpLw
	OpLd
	OpLbu
	OpLhu
	OpLwu
	OpSb
	OpSh
	OpSw
	OpSd
	OpBeq
	OpBne
	OpBlt
	OpBge
	OpBltu
	OpBgeu
	OpJal
	OpJalr
	OpLui
	OpAuipc
	OpEcall
	OpEbreak
	OpFence
)

var opNames = map[Op]string{
	OpAdd:    "add",
	OpSub:    "sub",
	OpSll:    "sll",
	OpSlt:    "slt",
	OpSltu:   "sltu",
	OpXor:    "xor",
	OpSrl:    "srl",
	OpSra:    "sra",
	OpOr:     "or",
	OpAnd:    "and",
	OpAddw:   "addw",
	OpSubw:   "subw",
	OpSllw:   "sllw",
	OpSrlw:   "srlw",
	OpSraw:   "sraw",
	OpMul:    "mul",
	OpMulh:   "mulh",
	OpMulhsu: "mulhsu",
	OpMulhu:  "mulhu",
	OpDiv:    "div",
	OpDivu:   "divu",
	OpRem:    "rem",
	OpRemu:   "remu",
	OpMulw:   "mulw",
	OpDivw:   "divw",
	OpDivuw:  "divuw",
	OpRemw:   "remw",
	OpRemuw:  "remuw",
	OpAddi:   "addi",
	OpSlti:   "slti",
	OpSltiu:  "sltiu",
	OpXori:   "xori",
	OpOri:    "ori",
	OpAndi:   "andi",
	OpSlli:   "slli",
	OpSrli:   "srli",
	OpSrai:   "srai",
	OpAddiw:  "addiw",
	OpSlliw:  "slliw",
	OpSrliw:  "srliw",
	OpSraiw:  "sraiw",
	OpLb:     "lb",
	OpLh:     "lh",
	OpLw:     "lw",
	OpLd:     "ld",
	OpLbu:    "lbu",
	OpLhu:    "lhu",
	OpLwu:    "lwu",
	OpSb:     "sb",
	OpSh:     "sh",
	OpSw:     "sw",
	OpSd:     "sd",
	OpBeq:    "beq",
	OpBne:    "bne",
	OpBlt:    "blt",
	OpBge:    "bge",
	OpBltu:   "bltu",
	OpBgeu:   "bgeu",
	OpJal:    "jal",
	OpJalr:   "jalr",
	OpLui:    "lui",
	OpAuipc:  "auipc",
	OpEcall:  "ecall",
	OpEbreak: "ebreak",
	OpFence:  "fence",
}

func (op Op) String() string {
	if s, ok := opNames[op]; ok {
		return s
	}
	return "unknown"
}

// Instruction is the canonical decoded form the driver executes. The
// decoder is treated as a correct primitive by everything above it.
type Instruction struct {
	Word     uint32
	Op       Op
	Mnemonic string // op name, tagged with the ISA generation for versioned ops, e.g. "jalr_version1"
	Format   Format
	Rd       int
	Rs1      int
	Rs2      int
	Imm      int64
	Length   uint8
}

func (i Instruction) String() string {
	switch i.Format {
	case FormatR:
		return fmt.Sprintf("%s %s,%s,%s", i.Mnemonic, RegisterName(i.Rd), RegisterName(i.Rs1), RegisterName(i.Rs2))
	case FormatI:
		return fmt.Sprintf("%s %s,%s,%d", i.Mnemonic, RegisterName(i.Rd), RegisterName(i.Rs1), i.Imm)
	case FormatS:
		return fmt.Sprintf("%s %s,%d(%s)", i.Mnemonic, RegisterName(i.Rs2), i.Imm, RegisterName(i.Rs1))
	case FormatU:
		return fmt.Sprintf("%s %s,%d", i.Mnemonic, RegisterName(i.Rd), i.Imm)
	default:
		return i.Mnemonic
	}
}

// versionedOps are the instructions whose behavior differs between ISA
// generations: jalr's link-register ordering and the W-shift shamt
// masking. Only these carry a generation tag in their mnemonic.
var versionedOps = map[Op]bool{
	OpJalr: true,
	OpSllw: true,
	OpSrlw: true,
	OpSraw: true,
}

func mnemonicFor(op Op, isa ISAVersion) string {
	if isa == ISAV0 || !versionedOps[op] {
		return op.String()
	}
	return fmt.Sprintf("%s_version%d", op.String(), isa)
}

func signExtend(v uint32, bits uint) int64 {
	shift := 64 - bits
	return int64(uint64(v)<<shift) >> shift
}

// DecodeInstruction decodes one RV64IM instruction word. Anything it does
// not recognize is a DecodeError, including compressed encodings.
func DecodeInstruction(pc uint64, word uint32, isa ISAVersion) (Instruction, error) {
	if word&0x3 != 0x3 {
		// compressed encodings are not part of this core
		return Instruction{}, &DecodeError{PC: pc, Word: word}
	}

	inst := Instruction{
		Word:   word,
		Length: 4,
		Rd:     int((word >> 7) & 0x1f),
		Rs1:    int((word >> 15) & 0x1f),
		Rs2:    int((word >> 20) & 0x1f),
	}
	funct3 := (word >> 12) & 0x7
	funct7 := (word >> 25) & 0x7f

	fail := func() (Instruction, error) {
		return Instruction{}, &DecodeError{PC: pc, Word: word}
	}
	emit := func(op Op, format Format) (Instruction, error) {
		inst.Op = op
		inst.Format = format
		inst.Mnemonic = mnemonicFor(op, isa)
		return inst, nil
	}

	switch word & 0x7f {
	case 0x37:
		inst.Imm = signExtend(word&0xfffff000, 32)
		return emit(OpLui, FormatU)
	case 0x17:
		inst.Imm = signExtend(word&0xfffff000, 32)
		return emit(OpAuipc, FormatU)
	case 0x6f:
		imm := ((word>>31)&1)<<20 | ((word>>21)&0x3ff)<<1 | ((word>>20)&1)<<11 | ((word>>12)&0xff)<<12
		inst.Imm = signExtend(imm, 21)
		return emit(OpJal, FormatU)
	case 0x67:
		if funct3 != 0 {
			return fail()
		}
		inst.Imm = signExtend(word>>20, 12)
		return emit(OpJalr, FormatI)
	case 0x63:
		imm := ((word>>31)&1)<<12 | ((word>>25)&0x3f)<<5 | ((word>>8)&0xf)<<1 | ((word>>7)&1)<<11
		inst.Imm = signExtend(imm, 13)
		switch funct3 {
		case 0:
			return emit(OpBeq, FormatS)
		case 1:
			return emit(OpBne, FormatS)
		case 4:
			return emit(OpBlt, FormatS)
		case 5:
			return emit(OpBge, FormatS)
		case 6:
			return emit(OpBltu, FormatS)
		case 7:
			return emit(OpBgeu, FormatS)
		}
		return fail()
	case 0x03:
		inst.Imm = signExtend(word>>20, 12)
		switch funct3 {
		case 0:
			return emit(OpLb, FormatI)
		case 1:
			return emit(OpLh, FormatI)
		case 2:
			return emit(OpLw, FormatI)
		case 3:
			return emit(OpLd, FormatI)
		case 4:
			return emit(OpLbu, FormatI)
		case 5:
			return emit(OpLhu, FormatI)
		case 6:
			return emit(OpLwu, FormatI)
		}
		return fail()
	case 0x23:
		inst.Imm = signExtend((word>>25)<<5|(word>>7)&0x1f, 12)
		switch funct3 {
		case 0:
			return emit(OpSb, FormatS)
		case 1:
			return emit(OpSh, FormatS)
		case 2:
			return emit(OpSw, FormatS)
		case 3:
			return emit(OpSd, FormatS)
		}
		return fail()
	case 0x13:
		inst.Imm = signExtend(word>>20, 12)
		switch funct3 {
		case 0:
			return emit(OpAddi, FormatI)
		case 2:
			return emit(OpSlti, FormatI)
		case 3:
			return emit(OpSltiu, FormatI)
		case 4:
			return emit(OpXori, FormatI)
		case 6:
			return emit(OpOri, FormatI)
		case 7:
			return emit(OpAndi, FormatI)
		case 1:
			if funct7>>1 != 0 {
				return fail()
			}
			inst.Imm = int64((word >> 20) & 0x3f)
			return emit(OpSlli, FormatI)
		case 5:
			inst.Imm = int64((word >> 20) & 0x3f)
			switch funct7 >> 1 {
			case 0:
				return emit(OpSrli, FormatI)
			case 0x10:
				return emit(OpSrai, FormatI)
			}
			return fail()
		}
		return fail()
	case 0x1b:
		inst.Imm = signExtend(word>>20, 12)
		switch funct3 {
		case 0:
			return emit(OpAddiw, FormatI)
		case 1:
			if funct7 != 0 {
				return fail()
			}
			inst.Imm = int64((word >> 20) & 0x1f)
			return emit(OpSlliw, FormatI)
		case 5:
			inst.Imm = int64((word >> 20) & 0x1f)
			switch funct7 {
			case 0:
				return emit(OpSrliw, FormatI)
			case 0x20:
				return emit(OpSraiw, FormatI)
			}
			return fail()
		}
		return fail()
	case 0x33:
		switch funct7 {
		case 0:
			switch funct3 {
			case 0:
				return emit(OpAdd, FormatR)
			case 1:
				return emit(OpSll, FormatR)
			case 2:
				return emit(OpSlt, FormatR)
			case 3:
				return emit(OpSltu, FormatR)
			case 4:
				return emit(OpXor, FormatR)
			case 5:
				return emit(OpSrl, FormatR)
			case 6:
				return emit(OpOr, FormatR)
			case 7:
				return emit(OpAnd, FormatR)
			}
		case 0x20:
			switch funct3 {
			case 0:
				return emit(OpSub, FormatR)
			case 5:
				return emit(OpSra, FormatR)
			}
		case 1:
			switch funct3 {
			case 0:
				return emit(OpMul, FormatR)
			case 1:
				return emit(OpMulh, FormatR)
			case 2:
				return emit(OpMulhsu, FormatR)
			case 3:
				return emit(OpMulhu, FormatR)
			case 4:
				return emit(OpDiv, FormatR)
			case 5:
				return emit(OpDivu, FormatR)
			case 6:
				return emit(OpRem, FormatR)
			case 7:
				return emit(OpRemu, FormatR)
			}
		}
		return fail()
	case 0x3b:
		switch funct7 {
		case 0:
			switch funct3 {
			case 0:
				return emit(OpAddw, FormatR)
			case 1:
				return emit(OpSllw, FormatR)
			case 5:
				return emit(OpSrlw, FormatR)
			}
		case 0x20:
			switch funct3 {
			case 0:
				return emit(OpSubw, FormatR)
			case 5:
				return emit(OpSraw, FormatR)
			}
		case 1:
			switch funct3 {
			case 0:
				return emit(OpMulw, FormatR)
			case 4:
				return emit(OpDivw, FormatR)
			case 5:
				return emit(OpDivuw, FormatR)
			case 6:
				return emit(OpRemw, FormatR)
			case 7:
				return emit(OpRemuw, FormatR)
			}
		}
		return fail()
	case 0x73:
		switch word {
		case 0x00000073:
			return emit(OpEcall, FormatI)
		case 0x00100073:
			return emit(OpEbreak, FormatI)
		}
		return fail()
	case 0x0f:
		// fence/fence.i are memory-ordering hints: nothing to order here
		return emit(OpFence, FormatI)
	}
	return fail()
}
