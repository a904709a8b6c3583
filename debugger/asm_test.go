package debugger

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/contrun/ckb-standalone-debugger/vm"
)

func encodeI(imm int32, rs1, funct3, rd uint32, opcode uint32) uint32 {
	return uint32(imm)<<20 | rs1<<15 | funct3<<12 | rd<<7 | opcode
}

func addi(rd, rs1 uint32, imm int32) uint32 { return encodeI(imm, rs1, 0, rd, 0x13) }

func mulR(rd, rs1, rs2 uint32) uint32 { return 1<<25 | rs2<<20 | rs1<<15 | rd<<7 | 0x33 }

func divR(rd, rs1, rs2 uint32) uint32 { return 1<<25 | rs2<<20 | rs1<<15 | 4<<12 | rd<<7 | 0x33 }

func jalInst(rd uint32, imm int32) uint32 {
	u := uint32(imm)
	return (u>>20&1)<<31 | (u>>1&0x3ff)<<21 | (u>>11&1)<<20 | (u>>12&0xff)<<12 | rd<<7 | 0x6f
}

func jalrInst(rd, rs1 uint32, imm int32) uint32 { return encodeI(imm, rs1, 0, rd, 0x67) }

func ecall() uint32 { return 0x73 }

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
		addi(vm.RegA0, vm.RegZero, code),
		addi(vm.RegA7, vm.RegZero, vm.SysExit),
		ecall(),
	}
}

// boundarySeq sets a7 to the boundary ecall number (too large for one
// addi immediate) and issues the ecall.
func boundarySeq(number int32) []uint32 {
	return []uint32{
		addi(vm.RegA7, vm.RegZero, number/2),
		addi(vm.RegA7, vm.RegA7, number-number/2),
		ecall(),
	}
}

// exitWithA0 exits with whatever a0 currently holds.
func exitWithA0() []uint32 {
	return []uint32{
		addi(vm.RegA7, vm.RegZero, vm.SysExit),
		ecall(),
	}
}

func newSessionMachine(t *testing.T, maxCycles uint64, ctx *vm.SessionContext, program []uint32) *vm.Machine {
	t.Helper()
	m := vm.NewMachineBuilder(vm.ISAV2, maxCycles).
		InstructionCycleFunc(vm.InstructionCycles).
		SessionContext(ctx).
		Syscall(NewBoundarySyscall()).
		Build()
	_, err := m.LoadFlat(0x1000, assemble(program...), nil)
	require.NoError(t, err)
	return m
}
