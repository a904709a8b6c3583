package vm

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/contrun/ckb-standalone-debugger/log"
)

// Syscall is one capability in the machine's ordered syscall table. Handle
// inspects the ecall number in A7 and returns (false, nil) to decline, in
// which case the next entry is tried.
type Syscall interface {
	Handle(m *Machine) (bool, error)
}

// Sandbox syscall numbers. SysExit lives in execute.go because the machine
// itself retires it.
const (
	SysDebug       = 2177
	SysDump        = 4097
	SysFileStream  = 9000
	SysRandom      = 9001
	SysTimeNow     = 9002
	SysOpen        = 9003
	SysRead        = 9004
	SysWrite       = 9005
	SysClose       = 9006
	SysStdinRead   = 9011
	SysStdoutWrite = 9012
	SysStderrWrite = 9013
)

// DebugSyscall prints a zero-terminated message from the script, the
// conventional "ckb_debug" channel.
type DebugSyscall struct {
	Printer func(msg string)
}

func NewDebugSyscall() *DebugSyscall {
	return &DebugSyscall{}
}

func (s *DebugSyscall) Handle(m *Machine) (bool, error) {
	if m.Reg(RegA7) != SysDebug {
		return false, nil
	}
	msg, err := m.Memory().ReadCString(m.Reg(RegA0))
	if err != nil {
		return true, &ExecutionFault{PC: m.PC(), Reason: "debug message out of bounds"}
	}
	if s.Printer != nil {
		s.Printer(msg)
	} else {
		log.Debug(log.VMMonitoring, "SCRIPT>"+msg)
	}
	m.SetReg(RegA0, 0)
	return true, nil
}

// RandomSyscall hands out a deterministic pseudo-random stream so a run
// can be replayed bit-for-bit. Each machine of a session is seeded from
// the shared session context.
type RandomSyscall struct {
	state uint64
}

func NewRandomSyscall(seed uint64) *RandomSyscall {
	if seed == 0 {
		seed = 0x2545f4914f6cdd1d
	}
	return &RandomSyscall{state: seed}
}

func (s *RandomSyscall) Handle(m *Machine) (bool, error) {
	if m.Reg(RegA7) != SysRandom {
		return false, nil
	}
	// xorshift64*
	x := s.state
	x ^= x >> 12
	x ^= x << 25
	x ^= x >> 27
	s.state = x
	m.SetReg(RegA0, x*0x2545f4914f6cdd1d)
	return true, nil
}

// TimeSyscall is a simulated clock: a monotone counter, never wall time.
type TimeSyscall struct {
	now  uint64
	step uint64
}

func NewTimeSyscall() *TimeSyscall {
	return &TimeSyscall{step: 1}
}

func (s *TimeSyscall) Handle(m *Machine) (bool, error) {
	if m.Reg(RegA7) != SysTimeNow {
		return false, nil
	}
	m.SetReg(RegA0, s.now)
	s.now += s.step
	return true, nil
}

// FileStreamSyscall feeds the content of one configured local file (or
// stdin, when the name is "-") to the script in chunks.
type FileStreamSyscall struct {
	name string
	r    io.Reader
}

func NewFileStreamSyscall(name string) *FileStreamSyscall {
	return &FileStreamSyscall{name: name}
}

func (s *FileStreamSyscall) Handle(m *Machine) (bool, error) {
	if m.Reg(RegA7) != SysFileStream {
		return false, nil
	}
	if s.r == nil {
		if s.name == "-" {
			s.r = os.Stdin
		} else {
			f, err := os.Open(s.name)
			if err != nil {
				m.SetReg(RegA0, ^uint64(0))
				return true, nil
			}
			s.r = f
		}
	}
	addr := m.Reg(RegA0)
	size := m.Reg(RegA1)
	buf := make([]byte, size)
	n, err := s.r.Read(buf)
	if n > 0 {
		if werr := m.Memory().WriteBytes(addr, buf[:n]); werr != nil {
			return true, &ExecutionFault{PC: m.PC(), Reason: "file stream buffer out of bounds"}
		}
	}
	if err != nil && err != io.EOF {
		m.SetReg(RegA0, ^uint64(0))
		return true, nil
	}
	m.SetReg(RegA0, uint64(n))
	return true, nil
}

// FileOperationSyscall exposes generic open/read/write/close on host
// files. Descriptors are private to the machine holding the syscall.
type FileOperationSyscall struct {
	files  map[uint64]*os.File
	nextFd uint64
}

func NewFileOperationSyscall() *FileOperationSyscall {
	return &FileOperationSyscall{
		files:  make(map[uint64]*os.File),
		nextFd: 3,
	}
}

func (s *FileOperationSyscall) Handle(m *Machine) (bool, error) {
	switch m.Reg(RegA7) {
	case SysOpen:
		path, err := m.Memory().ReadCString(m.Reg(RegA0))
		if err != nil {
			return true, &ExecutionFault{PC: m.PC(), Reason: "open path out of bounds"}
		}
		flags := int(m.Reg(RegA1))
		f, err := os.OpenFile(path, flags, 0644)
		if err != nil {
			m.SetReg(RegA0, ^uint64(0))
			return true, nil
		}
		fd := s.nextFd
		s.nextFd++
		s.files[fd] = f
		m.SetReg(RegA0, fd)
		return true, nil
	case SysRead:
		f, ok := s.files[m.Reg(RegA0)]
		if !ok {
			m.SetReg(RegA0, ^uint64(0))
			return true, nil
		}
		buf := make([]byte, m.Reg(RegA2))
		n, err := f.Read(buf)
		if n > 0 {
			if werr := m.Memory().WriteBytes(m.Reg(RegA1), buf[:n]); werr != nil {
				return true, &ExecutionFault{PC: m.PC(), Reason: "read buffer out of bounds"}
			}
		}
		if err != nil && err != io.EOF {
			m.SetReg(RegA0, ^uint64(0))
			return true, nil
		}
		m.SetReg(RegA0, uint64(n))
		return true, nil
	case SysWrite:
		f, ok := s.files[m.Reg(RegA0)]
		if !ok {
			m.SetReg(RegA0, ^uint64(0))
			return true, nil
		}
		b, err := m.Memory().ReadBytes(m.Reg(RegA1), m.Reg(RegA2))
		if err != nil {
			return true, &ExecutionFault{PC: m.PC(), Reason: "write buffer out of bounds"}
		}
		n, err := f.Write(b)
		if err != nil {
			m.SetReg(RegA0, ^uint64(0))
			return true, nil
		}
		m.SetReg(RegA0, uint64(n))
		return true, nil
	case SysClose:
		fd := m.Reg(RegA0)
		f, ok := s.files[fd]
		if !ok {
			m.SetReg(RegA0, ^uint64(0))
			return true, nil
		}
		f.Close()
		delete(s.files, fd)
		m.SetReg(RegA0, 0)
		return true, nil
	}
	return false, nil
}

// MemoryDumpSyscall captures the machine's mapped memory image to a file
// when the script asks for it: 8-byte little-endian page index followed by
// the raw page, repeated in ascending page order.
type MemoryDumpSyscall struct {
	path string
}

func NewMemoryDumpSyscall(path string) *MemoryDumpSyscall {
	return &MemoryDumpSyscall{path: path}
}

func (s *MemoryDumpSyscall) Handle(m *Machine) (bool, error) {
	if m.Reg(RegA7) != SysDump {
		return false, nil
	}
	f, err := os.Create(s.path)
	if err != nil {
		return true, fmt.Errorf("create dump file: %w", err)
	}
	defer f.Close()
	var hdr [8]byte
	for _, idx := range m.Memory().MappedPages() {
		binary.LittleEndian.PutUint64(hdr[:], idx)
		if _, err := f.Write(hdr[:]); err != nil {
			return true, fmt.Errorf("write dump file: %w", err)
		}
		if _, err := f.Write(m.Memory().Page(idx)); err != nil {
			return true, fmt.Errorf("write dump file: %w", err)
		}
	}
	log.Info(log.VMMonitoring, "memory dump written", "path", s.path)
	m.SetReg(RegA0, 0)
	return true, nil
}

// StdioSyscall passes stdin/stdout/stderr through to the host process.
type StdioSyscall struct {
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

func NewStdioSyscall() *StdioSyscall {
	return &StdioSyscall{Stdin: os.Stdin, Stdout: os.Stdout, Stderr: os.Stderr}
}

func (s *StdioSyscall) Handle(m *Machine) (bool, error) {
	switch m.Reg(RegA7) {
	case SysStdinRead:
		buf := make([]byte, m.Reg(RegA1))
		n, err := s.Stdin.Read(buf)
		if n > 0 {
			if werr := m.Memory().WriteBytes(m.Reg(RegA0), buf[:n]); werr != nil {
				return true, &ExecutionFault{PC: m.PC(), Reason: "stdin buffer out of bounds"}
			}
		}
		if err != nil && err != io.EOF {
			m.SetReg(RegA0, ^uint64(0))
			return true, nil
		}
		m.SetReg(RegA0, uint64(n))
		return true, nil
	case SysStdoutWrite, SysStderrWrite:
		b, err := m.Memory().ReadBytes(m.Reg(RegA0), m.Reg(RegA1))
		if err != nil {
			return true, &ExecutionFault{PC: m.PC(), Reason: "stdio buffer out of bounds"}
		}
		w := s.Stdout
		if m.Reg(RegA7) == SysStderrWrite {
			w = s.Stderr
		}
		n, err := w.Write(b)
		if err != nil {
			m.SetReg(RegA0, ^uint64(0))
			return true, nil
		}
		m.SetReg(RegA0, uint64(n))
		return true, nil
	}
	return false, nil
}
