package vm

import "encoding/binary"

// Hand-rolled RV64 instruction encoders for test programs.

func encodeR(funct7, rs2, rs1, funct3, rd, opcode uint32) uint32 {
	return funct7<<25 | rs2<<20 | rs1<<15 | funct3<<12 | rd<<7 | opcode
}

func encodeI(imm int32, rs1, funct3, rd, opcode uint32) uint32 {
	return uint32(imm)<<20 | rs1<<15 | funct3<<12 | rd<<7 | opcode
}

func encodeU(imm uint32, rd, opcode uint32) uint32 {
	return imm&0xfffff000 | rd<<7 | opcode
}

func encodeB(imm int32, rs2, rs1, funct3 uint32) uint32 {
	u := uint32(imm)
	return (u>>12&1)<<31 | (u>>5&0x3f)<<25 | rs2<<20 | rs1<<15 |
		funct3<<12 | (u>>1&0xf)<<8 | (u>>11&1)<<7 | 0x63
}

func encodeS(imm int32, rs2, rs1, funct3 uint32) uint32 {
	u := uint32(imm)
	return (u>>5&0x7f)<<25 | rs2<<20 | rs1<<15 | funct3<<12 | (u&0x1f)<<7 | 0x23
}

func encodeJ(imm int32, rd uint32) uint32 {
	u := uint32(imm)
	return (u>>20&1)<<31 | (u>>1&0x3ff)<<21 | (u>>11&1)<<20 | (u>>12&0xff)<<12 | rd<<7 | 0x6f
}

func addi(rd, rs1 uint32, imm int32) uint32 { return encodeI(imm, rs1, 0, rd, 0x13) }
func add(rd, rs1, rs2 uint32) uint32        { return encodeR(0, rs2, rs1, 0, rd, 0x33) }
func mul(rd, rs1, rs2 uint32) uint32        { return encodeR(1, rs2, rs1, 0, rd, 0x33) }
func div(rd, rs1, rs2 uint32) uint32        { return encodeR(1, rs2, rs1, 4, rd, 0x33) }
func lui(rd uint32, imm uint32) uint32      { return encodeU(imm, rd, 0x37) }
func jal(rd uint32, imm int32) uint32       { return encodeJ(imm, rd) }
func jalr(rd, rs1 uint32, imm int32) uint32 { return encodeI(imm, rs1, 0, rd, 0x67) }
func ecall() uint32                         { return 0x73 }

func assemble(words ...uint32) []byte {
	out := make([]byte, len(words)*4)
	for i, w := range words {
		binary.LittleEndian.PutUint32(out[i*4:], w)
	}
	return out
}

// exitSeq terminates the program with the given code.
func exitSeq(code int32) []uint32 {
	return []uint32{
		addi(RegA0, RegZero, code),
		addi(RegA7, RegZero, int32(SysExit)),
		ecall(),
	}
}
