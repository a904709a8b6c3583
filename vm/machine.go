package vm

import (
	"fmt"
	"strings"
	"sync"
)

// Register indexes with a contract meaning for syscalls and the session
// manager.
const (
	RegZero = 0
	RegRA   = 1
	RegSP   = 2
	RegA0   = 10
	RegA1   = 11
	RegA2   = 12
	RegA3   = 13
	RegA7   = 17
)

var registerNames = []string{
	"zero", "ra", "sp", "gp", "tp", "t0", "t1", "t2",
	"s0", "s1", "a0", "a1", "a2", "a3", "a4", "a5",
	"a6", "a7", "s2", "s3", "s4", "s5", "s6", "s7",
	"s8", "s9", "s10", "s11", "t3", "t4", "t5", "t6",
}

func RegisterName(i int) string {
	if i >= 0 && i < len(registerNames) {
		return registerNames[i]
	}
	return fmt.Sprintf("x%d", i)
}

// SessionContext is the only mutable state shared between machines of one
// debugging session. It is passed explicitly into every machine built for
// the session; there is no process-wide singleton.
type SessionContext struct {
	mu sync.Mutex

	randomSeed   uint64
	spawnCount   int
	cacheFlushes int
}

func NewSessionContext(randomSeed uint64) *SessionContext {
	return &SessionContext{randomSeed: randomSeed}
}

func (ctx *SessionContext) RandomSeed() uint64 {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	return ctx.randomSeed
}

func (ctx *SessionContext) RecordSpawn() int {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	ctx.spawnCount++
	return ctx.spawnCount
}

func (ctx *SessionContext) RecordCacheFlush() int {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	ctx.cacheFlushes++
	return ctx.cacheFlushes
}

func (ctx *SessionContext) Counters() (spawns int, cacheFlushes int) {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	return ctx.spawnCount, ctx.cacheFlushes
}

// InstructionCycleFunc prices one decoded instruction.
type InstructionCycleFunc func(inst Instruction) uint64

// Machine is one emulated RISC-V machine: register file, memory image,
// program counter, cycle counter and budget, syscall table. Exactly one
// machine is active at a time within a session; the execution driver owns
// it exclusively during a run.
type Machine struct {
	isa       ISAVersion
	registers [32]uint64
	pc        uint64
	mem       *Memory

	cycles    uint64
	maxCycles uint64
	running   bool
	exitCode  int8

	syscalls   []Syscall
	cycleFunc  InstructionCycleFunc
	sessionCtx *SessionContext

	decodeCache map[uint64]Instruction

	symbols []Symbol
}

// MachineBuilder assembles one fresh machine per Build call. No mutable
// state is shared across machines except the injected SessionContext.
type MachineBuilder struct {
	isa        ISAVersion
	maxCycles  uint64
	maxMemory  uint64
	cycleFunc  InstructionCycleFunc
	syscalls   []Syscall
	sessionCtx *SessionContext
}

func NewMachineBuilder(isa ISAVersion, maxCycles uint64) *MachineBuilder {
	return &MachineBuilder{
		isa:       isa,
		maxCycles: maxCycles,
		maxMemory: DefaultMaxMemory,
	}
}

func (b *MachineBuilder) InstructionCycleFunc(f InstructionCycleFunc) *MachineBuilder {
	b.cycleFunc = f
	return b
}

// Syscall appends a handler to the ordered syscall table.
func (b *MachineBuilder) Syscall(s Syscall) *MachineBuilder {
	b.syscalls = append(b.syscalls, s)
	return b
}

func (b *MachineBuilder) SessionContext(ctx *SessionContext) *MachineBuilder {
	b.sessionCtx = ctx
	return b
}

func (b *MachineBuilder) MaxMemory(n uint64) *MachineBuilder {
	b.maxMemory = n
	return b
}

func (b *MachineBuilder) Build() *Machine {
	return &Machine{
		isa:         b.isa,
		mem:         NewMemory(b.maxMemory),
		maxCycles:   b.maxCycles,
		syscalls:    append([]Syscall{}, b.syscalls...),
		cycleFunc:   b.cycleFunc,
		sessionCtx:  b.sessionCtx,
		decodeCache: make(map[uint64]Instruction),
	}
}

func (m *Machine) ISA() ISAVersion          { return m.isa }
func (m *Machine) Memory() *Memory          { return m.mem }
func (m *Machine) PC() uint64               { return m.pc }
func (m *Machine) SetPC(pc uint64)          { m.pc = pc }
func (m *Machine) Cycles() uint64           { return m.cycles }
func (m *Machine) MaxCycles() uint64        { return m.maxCycles }
func (m *Machine) SetMaxCycles(n uint64)    { m.maxCycles = n }
func (m *Machine) Running() bool            { return m.running }
func (m *Machine) SetRunning(running bool)  { m.running = running }
func (m *Machine) ExitCode() int8           { return m.exitCode }
func (m *Machine) Session() *SessionContext { return m.sessionCtx }

func (m *Machine) Reg(i int) uint64 {
	if i == RegZero {
		return 0
	}
	return m.registers[i]
}

func (m *Machine) SetReg(i int, v uint64) {
	if i != RegZero {
		m.registers[i] = v
	}
}

// Registers returns a snapshot copy of the register file.
func (m *Machine) Registers() [32]uint64 {
	return m.registers
}

// AddCycles adds n to the cycle counter, aborting with CycleExhaustion
// when the budget is exceeded.
func (m *Machine) AddCycles(n uint64) error {
	next := m.cycles + n
	if next < m.cycles || next > m.maxCycles {
		m.cycles = m.maxCycles
		m.running = false
		return &CycleExhaustion{Cycles: next, MaxCycles: m.maxCycles}
	}
	m.cycles = next
	return nil
}

// SetCycles restores the cycle counter to an exact value. Used by the
// session manager when it rewinds the boundary instruction's cost.
func (m *Machine) SetCycles(n uint64) {
	m.cycles = n
}

// DecodeAt decodes the instruction at pc through the per-machine decode
// cache.
func (m *Machine) DecodeAt(pc uint64) (Instruction, error) {
	if inst, ok := m.decodeCache[pc]; ok {
		return inst, nil
	}
	word, err := m.mem.ReadUint32(pc)
	if err != nil {
		return Instruction{}, &ExecutionFault{PC: pc, Reason: "instruction fetch out of bounds"}
	}
	inst, err := DecodeInstruction(pc, word, m.isa)
	if err != nil {
		return Instruction{}, err
	}
	m.decodeCache[pc] = inst
	return inst, nil
}

// FlushDecodeCache clears the decode cache. Required after the cache-reset
// boundary ecall, which may have rewritten mapped code.
func (m *Machine) FlushDecodeCache() {
	m.decodeCache = make(map[uint64]Instruction)
	if m.sessionCtx != nil {
		m.sessionCtx.RecordCacheFlush()
	}
}

// Step decodes, prices and executes exactly one instruction.
func (m *Machine) Step() error {
	inst, err := m.DecodeAt(m.pc)
	if err != nil {
		m.running = false
		return err
	}
	if m.cycleFunc != nil {
		if err := m.AddCycles(m.cycleFunc(inst)); err != nil {
			return err
		}
	}
	return m.Execute(inst)
}

func (m *Machine) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "pc: 0x%x cycles: %d/%d", m.pc, m.cycles, m.maxCycles)
	for i := 0; i < 32; i++ {
		if i%4 == 0 {
			sb.WriteByte('\n')
		}
		fmt.Fprintf(&sb, "%-4s: 0x%016x ", RegisterName(i), m.registers[i])
	}
	return sb.String()
}
