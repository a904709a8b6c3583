package vm

import (
	"encoding/binary"
	"fmt"
	"math/bits"
)

// SysExit is handled by the machine itself rather than the syscall table.
const SysExit = 93

// Execute runs one decoded instruction against the machine state,
// advancing the program counter. The caller has already priced the
// instruction.
func (m *Machine) Execute(inst Instruction) error {
	nextPC := m.pc + uint64(inst.Length)

	rs1 := m.Reg(inst.Rs1)
	rs2 := m.Reg(inst.Rs2)

	switch inst.Op {
	case OpLui:
		m.SetReg(inst.Rd, uint64(inst.Imm))
	case OpAuipc:
		m.SetReg(inst.Rd, m.pc+uint64(inst.Imm))
	case OpJal:
		m.SetReg(inst.Rd, nextPC)
		nextPC = m.pc + uint64(inst.Imm)
	case OpJalr:
		target := (rs1 + uint64(inst.Imm)) &^ 1
		m.SetReg(inst.Rd, nextPC)
		nextPC = target
	case OpBeq:
		if rs1 == rs2 {
			nextPC = m.pc + uint64(inst.Imm)
		}
	case OpBne:
		if rs1 != rs2 {
			nextPC = m.pc + uint64(inst.Imm)
		}
	case OpBlt:
		if int64(rs1) < int64(rs2) {
			nextPC = m.pc + uint64(inst.Imm)
		}
	case OpBge:
		if int64(rs1) >= int64(rs2) {
			nextPC = m.pc + uint64(inst.Imm)
		}
	case OpBltu:
		if rs1 < rs2 {
			nextPC = m.pc + uint64(inst.Imm)
		}
	case OpBgeu:
		if rs1 >= rs2 {
			nextPC = m.pc + uint64(inst.Imm)
		}

	case OpLb, OpLh, OpLw, OpLd, OpLbu, OpLhu, OpLwu:
		if err := m.executeLoad(inst, rs1); err != nil {
			m.running = false
			return err
		}
	case OpSb, OpSh, OpSw, OpSd:
		if err := m.executeStore(inst, rs1, rs2); err != nil {
			m.running = false
			return err
		}

	case OpAddi:
		m.SetReg(inst.Rd, rs1+uint64(inst.Imm))
	case OpSlti:
		m.SetReg(inst.Rd, boolToReg(int64(rs1) < inst.Imm))
	case OpSltiu:
		m.SetReg(inst.Rd, boolToReg(rs1 < uint64(inst.Imm)))
	case OpXori:
		m.SetReg(inst.Rd, rs1^uint64(inst.Imm))
	case OpOri:
		m.SetReg(inst.Rd, rs1|uint64(inst.Imm))
	case OpAndi:
		m.SetReg(inst.Rd, rs1&uint64(inst.Imm))
	case OpSlli:
		m.SetReg(inst.Rd, rs1<<uint64(inst.Imm))
	case OpSrli:
		m.SetReg(inst.Rd, rs1>>uint64(inst.Imm))
	case OpSrai:
		m.SetReg(inst.Rd, uint64(int64(rs1)>>uint64(inst.Imm)))
	case OpAddiw:
		m.SetReg(inst.Rd, uint64(int32(rs1)+int32(inst.Imm)))
	case OpSlliw:
		m.SetReg(inst.Rd, uint64(int32(uint32(rs1)<<uint64(inst.Imm))))
	case OpSrliw:
		m.SetReg(inst.Rd, uint64(int32(uint32(rs1)>>uint64(inst.Imm))))
	case OpSraiw:
		m.SetReg(inst.Rd, uint64(int32(rs1)>>uint64(inst.Imm)))

	case OpAdd:
		m.SetReg(inst.Rd, rs1+rs2)
	case OpSub:
		m.SetReg(inst.Rd, rs1-rs2)
	case OpSll:
		m.SetReg(inst.Rd, rs1<<(rs2&0x3f))
	case OpSlt:
		m.SetReg(inst.Rd, boolToReg(int64(rs1) < int64(rs2)))
	case OpSltu:
		m.SetReg(inst.Rd, boolToReg(rs1 < rs2))
	case OpXor:
		m.SetReg(inst.Rd, rs1^rs2)
	case OpSrl:
		m.SetReg(inst.Rd, rs1>>(rs2&0x3f))
	case OpSra:
		m.SetReg(inst.Rd, uint64(int64(rs1)>>(rs2&0x3f)))
	case OpOr:
		m.SetReg(inst.Rd, rs1|rs2)
	case OpAnd:
		m.SetReg(inst.Rd, rs1&rs2)
	case OpAddw:
		m.SetReg(inst.Rd, uint64(int32(rs1)+int32(rs2)))
	case OpSubw:
		m.SetReg(inst.Rd, uint64(int32(rs1)-int32(rs2)))
	case OpSllw:
		m.SetReg(inst.Rd, uint64(int32(uint32(rs1)<<(rs2&0x1f))))
	case OpSrlw:
		m.SetReg(inst.Rd, uint64(int32(uint32(rs1)>>(rs2&0x1f))))
	case OpSraw:
		m.SetReg(inst.Rd, uint64(int32(rs1)>>(rs2&0x1f)))

	case OpMul:
		m.SetReg(inst.Rd, rs1*rs2)
	case OpMulh:
		hi, lo := bits.Mul64(absU64(int64(rs1)), absU64(int64(rs2)))
		if (int64(rs1) < 0) != (int64(rs2) < 0) {
			hi, _ = neg128(hi, lo)
		}
		m.SetReg(inst.Rd, hi)
	case OpMulhu:
		hi, _ := bits.Mul64(rs1, rs2)
		m.SetReg(inst.Rd, hi)
	case OpMulhsu:
		hi, lo := bits.Mul64(absU64(int64(rs1)), rs2)
		if int64(rs1) < 0 {
			hi, _ = neg128(hi, lo)
		}
		m.SetReg(inst.Rd, hi)
	case OpDiv:
		m.SetReg(inst.Rd, uint64(divS64(int64(rs1), int64(rs2))))
	case OpDivu:
		m.SetReg(inst.Rd, divU64(rs1, rs2))
	case OpRem:
		m.SetReg(inst.Rd, uint64(remS64(int64(rs1), int64(rs2))))
	case OpRemu:
		m.SetReg(inst.Rd, remU64(rs1, rs2))
	case OpMulw:
		m.SetReg(inst.Rd, uint64(int32(rs1)*int32(rs2)))
	case OpDivw:
		m.SetReg(inst.Rd, uint64(int64(divS32(int32(rs1), int32(rs2)))))
	case OpDivuw:
		m.SetReg(inst.Rd, uint64(int32(divUW(uint32(rs1), uint32(rs2)))))
	case OpRemw:
		m.SetReg(inst.Rd, uint64(int64(remS32(int32(rs1), int32(rs2)))))
	case OpRemuw:
		m.SetReg(inst.Rd, uint64(int32(remUW(uint32(rs1), uint32(rs2)))))

	case OpFence:
		// hint only
	case OpEcall:
		if err := m.executeEcall(); err != nil {
			m.running = false
			return err
		}
	case OpEbreak:
		m.running = false
		return &ExecutionFault{PC: m.pc, Reason: "ebreak"}

	default:
		m.running = false
		return &ExecutionFault{PC: m.pc, Reason: fmt.Sprintf("unexecutable instruction %s", inst.Mnemonic)}
	}

	m.pc = nextPC
	return nil
}

func (m *Machine) executeLoad(inst Instruction, rs1 uint64) error {
	addr := rs1 + uint64(inst.Imm)
	var size uint64
	switch inst.Op {
	case OpLb, OpLbu:
		size = 1
	case OpLh, OpLhu:
		size = 2
	case OpLw, OpLwu:
		size = 4
	case OpLd:
		size = 8
	}
	b, err := m.mem.ReadBytes(addr, size)
	if err != nil {
		return &ExecutionFault{PC: m.pc, Reason: fmt.Sprintf("load out of bounds at 0x%x", addr)}
	}
	var v uint64
	switch inst.Op {
	case OpLb:
		v = uint64(int8(b[0]))
	case OpLbu:
		v = uint64(b[0])
	case OpLh:
		v = uint64(int16(binary.LittleEndian.Uint16(b)))
	case OpLhu:
		v = uint64(binary.LittleEndian.Uint16(b))
	case OpLw:
		v = uint64(int32(binary.LittleEndian.Uint32(b)))
	case OpLwu:
		v = uint64(binary.LittleEndian.Uint32(b))
	case OpLd:
		v = binary.LittleEndian.Uint64(b)
	}
	m.SetReg(inst.Rd, v)
	return nil
}

func (m *Machine) executeStore(inst Instruction, rs1, rs2 uint64) error {
	addr := rs1 + uint64(inst.Imm)
	var b []byte
	switch inst.Op {
	case OpSb:
		b = []byte{byte(rs2)}
	case OpSh:
		b = make([]byte, 2)
		binary.LittleEndian.PutUint16(b, uint16(rs2))
	case OpSw:
		b = make([]byte, 4)
		binary.LittleEndian.PutUint32(b, uint32(rs2))
	case OpSd:
		b = make([]byte, 8)
		binary.LittleEndian.PutUint64(b, rs2)
	}
	if err := m.mem.WriteBytes(addr, b); err != nil {
		return &ExecutionFault{PC: m.pc, Reason: fmt.Sprintf("store out of bounds at 0x%x", addr)}
	}
	return nil
}

func (m *Machine) executeEcall() error {
	n := m.Reg(RegA7)
	if n == SysExit {
		m.exitCode = int8(m.Reg(RegA0))
		m.running = false
		return nil
	}
	for _, s := range m.syscalls {
		claimed, err := s.Handle(m)
		if err != nil {
			return err
		}
		if claimed {
			return nil
		}
	}
	return &ExecutionFault{PC: m.pc, Reason: fmt.Sprintf("unsupported syscall %d", n)}
}

func boolToReg(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

func neg128(hi, lo uint64) (uint64, uint64) {
	lo = ^lo + 1
	hi = ^hi
	if lo == 0 {
		hi++
	}
	return hi, lo
}

func absU64(v int64) uint64 {
	if v < 0 {
		return uint64(-v)
	}
	return uint64(v)
}

func divS64(a, b int64) int64 {
	if b == 0 {
		return -1
	}
	if a == -1<<63 && b == -1 {
		return a
	}
	return a / b
}

func divU64(a, b uint64) uint64 {
	if b == 0 {
		return ^uint64(0)
	}
	return a / b
}

func remS64(a, b int64) int64 {
	if b == 0 {
		return a
	}
	if a == -1<<63 && b == -1 {
		return 0
	}
	return a % b
}

func remU64(a, b uint64) uint64 {
	if b == 0 {
		return a
	}
	return a % b
}

func divS32(a, b int32) int32 {
	if b == 0 {
		return -1
	}
	if a == -1<<31 && b == -1 {
		return a
	}
	return a / b
}

func divUW(a, b uint32) uint32 {
	if b == 0 {
		return ^uint32(0)
	}
	return a / b
}

func remS32(a, b int32) int32 {
	if b == 0 {
		return a
	}
	if a == -1<<31 && b == -1 {
		return 0
	}
	return a % b
}

func remUW(a, b uint32) uint32 {
	if b == 0 {
		return a
	}
	return a % b
}
