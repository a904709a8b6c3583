// Package debugger is the mode-agnostic execution orchestrator: one
// shared stepping loop parameterized by per-instruction hooks, a cycle
// ledger per run, and the resumable-session manager that pauses machines
// at spawn/exec boundaries.
package debugger

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/chzyer/readline"

	"github.com/contrun/ckb-standalone-debugger/log"
	"github.com/contrun/ckb-standalone-debugger/vm"
)

// FailureExitStatus is the fixed process exit status reported when the
// executed program's own exit code is non-zero.
const FailureExitStatus = 254

// StepHook observes the machine and the decoded instruction before the
// instruction executes. Modes differ only in their chosen hook.
type StepHook func(m *vm.Machine, inst vm.Instruction) error

// ErrInterrupted reports that the user quit an interactive step session.
var ErrInterrupted = errors.New("stepping interrupted")

// RunResult is the mode-independent outcome of one run.
type RunResult struct {
	ExitCode int8
	Ledger   vm.CycleLedger
}

func (r RunResult) String() string {
	return fmt.Sprintf("exit code: %d, total cycles: %v (%v)",
		r.ExitCode, vm.HumanReadableCycles(r.Ledger.Total()), r.Ledger)
}

// LoadProgram maps the program into the machine and charges transfer
// cycles against the budget. Returns the transfer-cycle cost.
func LoadProgram(m *vm.Machine, program []byte, args [][]byte) (uint64, error) {
	loaded, err := m.LoadProgram(program, args)
	if err != nil {
		return 0, err
	}
	transfer := vm.TransferredByteCycles(loaded)
	if err := m.AddCycles(transfer); err != nil {
		return 0, err
	}
	log.Debug(log.DriverMonitoring, "program loaded", "bytes", loaded, "transferCycles", transfer)
	return transfer, nil
}

// Run drives the machine to completion through the shared stepping loop.
// The hook fires before every instruction; decode failures and cycle
// exhaustion are terminal, never retried.
func Run(m *vm.Machine, hook StepHook) (RunResult, error) {
	transfer := m.Cycles()
	m.SetRunning(true)
	for m.Running() {
		if hook != nil {
			inst, err := m.DecodeAt(m.PC())
			if err != nil {
				m.SetRunning(false)
				return RunResult{}, err
			}
			if err := hook(m, inst); err != nil {
				m.SetRunning(false)
				return RunResult{}, err
			}
		}
		if err := m.Step(); err != nil {
			return RunResult{}, err
		}
	}
	return RunResult{
		ExitCode: m.ExitCode(),
		Ledger: vm.CycleLedger{
			TransferCycles: transfer,
			RunningCycles:  m.Cycles() - transfer,
		},
	}, nil
}

// StepPrinter implements the step-mode hook: it prints the PC before each
// instruction outside the configured skip range, the full machine state at
// verbosity 2, and at verbosity 3 drops into an interactive prompt.
type StepPrinter struct {
	Out       io.Writer
	Verbosity int
	SkipStart uint64
	SkipEnd   uint64

	rl       *readline.Instance
	detached bool
}

func NewStepPrinter(out io.Writer, verbosity int, skipStart, skipEnd uint64) *StepPrinter {
	return &StepPrinter{
		Out:       out,
		Verbosity: verbosity,
		SkipStart: skipStart,
		SkipEnd:   skipEnd,
	}
}

func (p *StepPrinter) inSkipRange(pc uint64) bool {
	return p.SkipEnd > p.SkipStart && pc >= p.SkipStart && pc < p.SkipEnd
}

func (p *StepPrinter) Hook(m *vm.Machine, inst vm.Instruction) error {
	if p.inSkipRange(m.PC()) {
		return nil
	}
	fmt.Fprintf(p.Out, "PC: 0x%x\n", m.PC())
	if p.Verbosity >= 2 {
		fmt.Fprintf(p.Out, "Machine: %s\n", m)
	}
	if p.Verbosity >= 3 && !p.detached {
		return p.prompt(m, inst)
	}
	return nil
}

func (p *StepPrinter) prompt(m *vm.Machine, inst vm.Instruction) error {
	if p.rl == nil {
		rl, err := readline.New("dbg> ")
		if err != nil {
			return fmt.Errorf("init step prompt: %w", err)
		}
		p.rl = rl
	}
	for {
		line, err := p.rl.Readline()
		if err != nil {
			// EOF or interrupt detaches the prompt, the run continues
			p.detached = true
			return nil
		}
		switch strings.TrimSpace(line) {
		case "", "s", "step":
			return nil
		case "i", "inst":
			fmt.Fprintf(p.Out, "%s\n", inst)
		case "r", "regs":
			fmt.Fprintf(p.Out, "%s\n", m)
		case "c", "continue":
			p.detached = true
			return nil
		case "q", "quit":
			return ErrInterrupted
		default:
			fmt.Fprintln(p.Out, "commands: <enter>/s step, i inst, r regs, c continue, q quit")
		}
	}
}

// Close releases the interactive prompt, when one was opened.
func (p *StepPrinter) Close() error {
	if p.rl != nil {
		return p.rl.Close()
	}
	return nil
}
