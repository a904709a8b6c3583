package vm

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDebugSyscall(t *testing.T) {
	var captured []string
	dbg := NewDebugSyscall()
	dbg.Printer = func(msg string) { captured = append(captured, msg) }

	m := NewMachineBuilder(ISAV2, 100000).
		InstructionCycleFunc(InstructionCycles).
		Syscall(dbg).
		Build()
	require.NoError(t, m.Memory().WriteBytes(0x3000, append([]byte("hi there"), 0)))

	m.SetReg(RegA7, SysDebug)
	m.SetReg(RegA0, 0x3000)
	handled, err := dbg.Handle(m)
	require.NoError(t, err)
	assert.True(t, handled)
	assert.Equal(t, []string{"hi there"}, captured)
	assert.Equal(t, uint64(0), m.Reg(RegA0))

	m.SetReg(RegA7, 9999)
	handled, err = dbg.Handle(m)
	require.NoError(t, err)
	assert.False(t, handled)
}

func TestRandomSyscallDeterministic(t *testing.T) {
	draw := func(seed uint64, n int) []uint64 {
		s := NewRandomSyscall(seed)
		m := NewMachineBuilder(ISAV2, 1000).Build()
		out := make([]uint64, n)
		for i := range out {
			m.SetReg(RegA7, SysRandom)
			handled, err := s.Handle(m)
			require.NoError(t, err)
			require.True(t, handled)
			out[i] = m.Reg(RegA0)
		}
		return out
	}
	assert.Equal(t, draw(42, 8), draw(42, 8))
	assert.NotEqual(t, draw(42, 8), draw(43, 8))
}

func TestTimeSyscallMonotone(t *testing.T) {
	s := NewTimeSyscall()
	m := NewMachineBuilder(ISAV2, 1000).Build()
	var prev uint64
	for i := 0; i < 5; i++ {
		m.SetReg(RegA7, SysTimeNow)
		handled, err := s.Handle(m)
		require.NoError(t, err)
		require.True(t, handled)
		if i > 0 {
			assert.Greater(t, m.Reg(RegA0), prev)
		}
		prev = m.Reg(RegA0)
	}
}

func TestFileStreamSyscall(t *testing.T) {
	path := filepath.Join(t.TempDir(), "input.bin")
	require.NoError(t, os.WriteFile(path, []byte("stream me"), 0o644))

	s := NewFileStreamSyscall(path)
	m := NewMachineBuilder(ISAV2, 1000).Build()
	m.SetReg(RegA7, SysFileStream)
	m.SetReg(RegA0, 0x2000)
	m.SetReg(RegA1, 1024)
	handled, err := s.Handle(m)
	require.NoError(t, err)
	require.True(t, handled)
	assert.Equal(t, uint64(9), m.Reg(RegA0))

	got, err := m.Memory().ReadBytes(0x2000, 9)
	require.NoError(t, err)
	assert.Equal(t, []byte("stream me"), got)

	// subsequent reads hit EOF
	m.SetReg(RegA7, SysFileStream)
	m.SetReg(RegA0, 0x2000)
	m.SetReg(RegA1, 1024)
	_, err = s.Handle(m)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), m.Reg(RegA0))
}

func TestFileStreamSyscallMissingFile(t *testing.T) {
	s := NewFileStreamSyscall(filepath.Join(t.TempDir(), "absent"))
	m := NewMachineBuilder(ISAV2, 1000).Build()
	m.SetReg(RegA7, SysFileStream)
	m.SetReg(RegA0, 0x2000)
	m.SetReg(RegA1, 16)
	handled, err := s.Handle(m)
	require.NoError(t, err)
	require.True(t, handled)
	assert.Equal(t, ^uint64(0), m.Reg(RegA0))
}

func TestMemoryDumpSyscall(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dump.bin")
	s := NewMemoryDumpSyscall(path)
	m := NewMachineBuilder(ISAV2, 1000).Syscall(s).Build()
	require.NoError(t, m.Memory().WriteBytes(0, []byte{0xaa}))
	require.NoError(t, m.Memory().WriteBytes(2*PageSize, []byte{0xbb}))

	m.SetReg(RegA7, SysDump)
	handled, err := s.Handle(m)
	require.NoError(t, err)
	require.True(t, handled)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	// two pages, each prefixed with its 8-byte index
	require.Equal(t, 2*(8+PageSize), len(raw))
	assert.Equal(t, byte(0xaa), raw[8])
	assert.Equal(t, byte(0xbb), raw[8+PageSize+8])
}
