package debugger

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contrun/ckb-standalone-debugger/vm"
)

func newTestMachine(t *testing.T, maxCycles uint64, program []uint32) *vm.Machine {
	t.Helper()
	m := vm.NewMachineBuilder(vm.ISAV2, maxCycles).
		InstructionCycleFunc(vm.InstructionCycles).
		Build()
	_, err := m.LoadFlat(0x1000, assemble(program...), nil)
	require.NoError(t, err)
	return m
}

func TestRunExitCode(t *testing.T) {
	m := newTestMachine(t, 100000, exitSeq(7))
	res, err := Run(m, nil)
	require.NoError(t, err)
	assert.Equal(t, int8(7), res.ExitCode)
}

func TestRunLedgerScenario(t *testing.T) {
	// 250 instructions = 1000 bytes of program, transfer 100 cycles.
	// Running cost: 37 divs (32) + 26 muls (5) + 184 addis (1) +
	// exit sequence (1 + 1 + 500) = 2000 cycles.
	var prog []uint32
	for i := 0; i < 37; i++ {
		prog = append(prog, divR(5, 5, 6))
	}
	for i := 0; i < 26; i++ {
		prog = append(prog, mulR(5, 5, 6))
	}
	for i := 0; i < 184; i++ {
		prog = append(prog, addi(5, 5, 1))
	}
	prog = append(prog, exitSeq(0)...)
	require.Len(t, prog, 250)

	m := newTestMachine(t, 5000, prog)
	require.NoError(t, m.AddCycles(vm.TransferredByteCycles(1000)))

	res, err := Run(m, nil)
	require.NoError(t, err)
	assert.Equal(t, int8(0), res.ExitCode)
	assert.Equal(t, uint64(100), res.Ledger.TransferCycles)
	assert.Equal(t, uint64(2000), res.Ledger.RunningCycles)
	assert.Equal(t, uint64(2100), res.Ledger.Total())
}

func TestRunDeterminism(t *testing.T) {
	prog := append([]uint32{
		addi(5, vm.RegZero, 100),
		mulR(6, 5, 5),
		divR(7, 6, 5),
	}, exitSeq(3)...)

	once := func() RunResult {
		m := newTestMachine(t, 100000, prog)
		res, err := Run(m, nil)
		require.NoError(t, err)
		return res
	}
	assert.Equal(t, once(), once())
}

func TestRunCycleExhaustion(t *testing.T) {
	m := newTestMachine(t, 40, []uint32{jalInst(vm.RegZero, 0)})
	_, err := Run(m, nil)
	require.Error(t, err)
	assert.True(t, vm.IsCycleExhaustion(err))
	assert.False(t, m.Running())
}

func TestRunHookError(t *testing.T) {
	m := newTestMachine(t, 100000, exitSeq(0))
	wantErr := assert.AnError
	_, err := Run(m, func(*vm.Machine, vm.Instruction) error { return wantErr })
	assert.ErrorIs(t, err, wantErr)
	assert.False(t, m.Running())
}

func TestLoadProgramRejectsGarbage(t *testing.T) {
	m := vm.NewMachineBuilder(vm.ISAV2, 1000).Build()
	var lerr *vm.LoadError
	_, err := LoadProgram(m, []byte("garbage"), nil)
	require.ErrorAs(t, err, &lerr)
}

func TestStepPrinterSkipRange(t *testing.T) {
	var out bytes.Buffer
	printer := NewStepPrinter(&out, 1, 0x1004, 0x1008)
	m := newTestMachine(t, 100000, exitSeq(0))

	_, err := Run(m, printer.Hook)
	require.NoError(t, err)

	assert.Contains(t, out.String(), "PC: 0x1000\n")
	assert.NotContains(t, out.String(), "PC: 0x1004\n")
	assert.Contains(t, out.String(), "PC: 0x1008\n")
}

func TestStepPrinterVerboseState(t *testing.T) {
	var out bytes.Buffer
	printer := NewStepPrinter(&out, 2, 0, 0)
	m := newTestMachine(t, 100000, exitSeq(0))

	_, err := Run(m, printer.Hook)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "Machine:")
}
