package vm

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"sort"
)

// Symbol is one function symbol retained from the loaded image, used by
// the profiler to name call-stack frames.
type Symbol struct {
	Name string
	Addr uint64
	Size uint64
}

// LoadProgram maps an ELF image into the standard memory layout, points
// the PC at the entry and pushes args onto the stack. It returns the
// number of program bytes transferred into memory.
func (m *Machine) LoadProgram(program []byte, args [][]byte) (uint64, error) {
	f, err := elf.NewFile(bytes.NewReader(program))
	if err != nil {
		return 0, &LoadError{Reason: fmt.Sprintf("malformed ELF: %v", err)}
	}
	defer f.Close()
	if f.Class != elf.ELFCLASS64 || f.Data != elf.ELFDATA2LSB {
		return 0, &LoadError{Reason: "not a little-endian 64-bit image"}
	}
	if f.Machine != elf.EM_RISCV {
		return 0, &LoadError{Reason: fmt.Sprintf("unexpected machine type %v", f.Machine)}
	}

	var loaded uint64
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		if prog.Vaddr+prog.Memsz < prog.Vaddr || prog.Vaddr+prog.Memsz > m.mem.MaxMemory() {
			return 0, &LoadError{Reason: fmt.Sprintf("segment at 0x%x does not fit in %d bytes of memory", prog.Vaddr, m.mem.MaxMemory())}
		}
		data := make([]byte, prog.Filesz)
		if _, err := prog.ReadAt(data, 0); err != nil {
			return 0, &LoadError{Reason: fmt.Sprintf("truncated segment at 0x%x", prog.Vaddr)}
		}
		if err := m.mem.WriteBytes(prog.Vaddr, data); err != nil {
			return 0, &LoadError{Reason: fmt.Sprintf("segment at 0x%x does not fit", prog.Vaddr)}
		}
		loaded += prog.Filesz
	}
	if loaded == 0 {
		return 0, &LoadError{Reason: "no loadable segments"}
	}

	if syms, err := f.Symbols(); err == nil {
		for _, s := range syms {
			if elf.ST_TYPE(s.Info) == elf.STT_FUNC && s.Name != "" {
				m.symbols = append(m.symbols, Symbol{Name: s.Name, Addr: s.Value, Size: s.Size})
			}
		}
		sort.Slice(m.symbols, func(i, j int) bool { return m.symbols[i].Addr < m.symbols[j].Addr })
	}

	m.pc = f.Entry
	if err := m.initStack(args); err != nil {
		return 0, err
	}
	m.FlushDecodeCache()
	return loaded, nil
}

// LoadFlat maps a raw instruction stream at base. Test harnesses and the
// memory-dump replay path use it in place of a full ELF image.
func (m *Machine) LoadFlat(base uint64, code []byte, args [][]byte) (uint64, error) {
	if base+uint64(len(code)) > m.mem.MaxMemory() {
		return 0, &LoadError{Reason: "flat image does not fit in memory"}
	}
	if len(code) == 0 {
		return 0, &LoadError{Reason: "empty flat image"}
	}
	if err := m.mem.WriteBytes(base, code); err != nil {
		return 0, &LoadError{Reason: "flat image does not fit in memory"}
	}
	m.pc = base
	if err := m.initStack(args); err != nil {
		return 0, err
	}
	m.FlushDecodeCache()
	return uint64(len(code)), nil
}

// initStack lays out argc/argv at the top of memory per the RISC-V
// calling convention: sp points at argc, argv pointers follow, vector is
// NULL-terminated.
func (m *Machine) initStack(args [][]byte) error {
	top := m.mem.MaxMemory()
	addrs := make([]uint64, len(args))
	for i := len(args) - 1; i >= 0; i-- {
		top -= uint64(len(args[i])) + 1
		if err := m.mem.WriteBytes(top, append(append([]byte{}, args[i]...), 0)); err != nil {
			return &LoadError{Reason: "argument area does not fit in memory"}
		}
		addrs[i] = top
	}

	vec := make([]byte, (len(args)+2)*8)
	binary.LittleEndian.PutUint64(vec, uint64(len(args)))
	for i, a := range addrs {
		binary.LittleEndian.PutUint64(vec[(i+1)*8:], a)
	}
	// last slot stays zero: argv terminator

	sp := (top - uint64(len(vec))) &^ 7
	if err := m.mem.WriteBytes(sp, vec); err != nil {
		return &LoadError{Reason: "argument vector does not fit in memory"}
	}
	m.SetReg(RegSP, sp)
	return nil
}

// FindSymbol names the function containing pc, when the loaded image
// carried a symbol table.
func (m *Machine) FindSymbol(pc uint64) (string, bool) {
	i := sort.Search(len(m.symbols), func(i int) bool { return m.symbols[i].Addr > pc })
	if i == 0 {
		return "", false
	}
	s := m.symbols[i-1]
	if s.Size > 0 && pc >= s.Addr+s.Size {
		return "", false
	}
	return s.Name, true
}
