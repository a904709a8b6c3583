package debugger

import (
	"github.com/contrun/ckb-standalone-debugger/log"
	"github.com/contrun/ckb-standalone-debugger/vm"
)

// Boundary ecall numbers recognized by the session manager. Everything
// else stays inside the machine's own syscall table.
const (
	// CacheResetEcall signals an exec-style transition: the machine keeps
	// running but its decoded-instruction cache must be flushed.
	CacheResetEcall = 2043
	// HandoffEcall signals a spawn-style transition: the caller suspends
	// and the next prepared child machine becomes active.
	HandoffEcall = 2601
)

// handoffCycleMargin is the fixed cycle cost a handoff boundary retires
// with, replacing the instruction's table cost.
const handoffCycleMargin = 100

// SessionState tags where the session manager is in its lifecycle.
type SessionState uint8

const (
	StateRunning SessionState = iota
	StatePausedAtBoundary
	StateSuspended
	StateUnwinding
	StateDone
)

func (s SessionState) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StatePausedAtBoundary:
		return "paused-at-boundary"
	case StateSuspended:
		return "suspended"
	case StateUnwinding:
		return "unwinding"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}

// SpawnContext is the caller snapshot captured at handoff time, used to
// splice the child's result back into the resumed parent.
type SpawnContext struct {
	Registers [32]uint64
	PC        uint64
	Cycles    uint64
}

// suspendedMachine pairs a paused parent with its handoff snapshot.
type suspendedMachine struct {
	machine *vm.Machine
	ctx     SpawnContext
}

// boundarySyscall claims the two boundary ecall numbers so that the
// boundary instruction itself retires through the normal syscall path.
// The session manager intercepts the numbers before execution; this
// handler only keeps the machine from faulting on them.
type boundarySyscall struct{}

func (boundarySyscall) Handle(m *vm.Machine) (bool, error) {
	switch m.Reg(vm.RegA7) {
	case CacheResetEcall, HandoffEcall:
		m.SetReg(vm.RegA0, 0)
		return true, nil
	}
	return false, nil
}

// NewBoundarySyscall returns the syscall handler every machine that will
// run under a Session must carry.
func NewBoundarySyscall() vm.Syscall {
	return boundarySyscall{}
}

// Session drives a root machine and the machines it hands off to. Parents
// suspended at a handoff boundary wait on a LIFO stack until the active
// machine completes, then resume with the child's result spliced in.
type Session struct {
	state     SessionState
	active    *vm.Machine
	suspended []suspendedMachine
	prepared  []*vm.Machine
	hook      StepHook
	handoffs  int
}

func NewSession(root *vm.Machine) *Session {
	return &Session{
		state:  StateRunning,
		active: root,
	}
}

// PrepareChild pushes a machine onto the prepared stack. The most
// recently prepared machine is the next one activated by a handoff.
func (s *Session) PrepareChild(child *vm.Machine) {
	s.prepared = append(s.prepared, child)
}

// SetHook installs a per-instruction hook applied to every machine the
// session runs, the active child included.
func (s *Session) SetHook(hook StepHook) { s.hook = hook }

func (s *Session) State() SessionState { return s.state }
func (s *Session) Active() *vm.Machine { return s.active }

// Depth is the number of suspended parents below the active machine.
func (s *Session) Depth() int { return len(s.suspended) }

// Handoffs is the number of spawn transitions performed so far.
func (s *Session) Handoffs() int { return s.handoffs }

// Run drives the session to completion: the root machine's exit code once
// every suspended parent has resumed and finished. A handoff with no
// prepared child is a StackInvariantViolation. Faults and cycle
// exhaustion are terminal; suspended parents are abandoned.
func (s *Session) Run() (RunResult, error) {
	for {
		res, err := s.step(false, -1)
		if err != nil {
			s.state = StateDone
			return RunResult{}, err
		}
		if s.state == StateDone {
			return res, nil
		}
	}
}

// RunToDepth performs at most budget handoffs, then returns the active
// machine for direct inspection, paused right after the boundary. When
// the prepared stack runs dry first, the machine reached at that depth is
// returned without error. A negative budget never pauses.
func (s *Session) RunToDepth(budget int) (*vm.Machine, RunResult, error) {
	for {
		res, err := s.step(true, budget)
		if err != nil {
			s.state = StateDone
			return nil, RunResult{}, err
		}
		if s.state == StatePausedAtBoundary {
			return s.active, RunResult{}, nil
		}
		if s.state == StateDone {
			return s.active, res, nil
		}
	}
}

// step runs the active machine until it stops or hits a boundary, then
// performs at most one state transition.
func (s *Session) step(inspect bool, budget int) (RunResult, error) {
	s.state = StateRunning
	s.active.SetRunning(true)
	for s.active.Running() {
		inst, err := s.active.DecodeAt(s.active.PC())
		if err != nil {
			s.abandon()
			return RunResult{}, err
		}
		if s.hook != nil {
			if err := s.hook(s.active, inst); err != nil {
				s.abandon()
				return RunResult{}, err
			}
		}
		if inst.Op == vm.OpEcall {
			switch s.active.Reg(vm.RegA7) {
			case CacheResetEcall:
				s.state = StatePausedAtBoundary
				if err := s.cacheReset(); err != nil {
					s.abandon()
					return RunResult{}, err
				}
				s.state = StateRunning
				continue
			case HandoffEcall:
				s.state = StatePausedAtBoundary
				if inspect {
					if s.handoffs >= budget && budget >= 0 {
						return RunResult{}, nil
					}
					if len(s.prepared) == 0 {
						// prepared stack exhausted before the budget;
						// inspect the deepest machine reached
						return RunResult{}, nil
					}
				}
				if err := s.handoff(); err != nil {
					s.abandon()
					return RunResult{}, err
				}
				s.state = StateRunning
				continue
			}
		}
		if err := s.active.Step(); err != nil {
			s.abandon()
			return RunResult{}, err
		}
	}

	// active machine completed on its own
	if len(s.suspended) == 0 {
		s.state = StateDone
		return RunResult{
			ExitCode: s.active.ExitCode(),
			Ledger:   vm.CycleLedger{RunningCycles: s.active.Cycles()},
		}, nil
	}
	s.state = StateUnwinding
	s.unwind()
	return RunResult{}, nil
}

// cacheReset executes the boundary instruction on the same machine and
// flushes its decoded-instruction cache. Execution continues in place.
func (s *Session) cacheReset() error {
	if err := s.active.Step(); err != nil {
		return err
	}
	s.active.FlushDecodeCache()
	log.Debug(log.SessionMonitoring, "cache-reset boundary", "pc", s.active.PC(), "cycles", s.active.Cycles())
	return nil
}

// handoff suspends the active machine and activates the next prepared
// child, transferring the remaining cycle budget. The boundary
// instruction retires with the fixed margin in place of its table cost.
func (s *Session) handoff() error {
	if len(s.prepared) == 0 {
		return vm.StackInvariantViolation
	}
	parent := s.active
	before := parent.Cycles()
	if err := parent.Step(); err != nil {
		return err
	}
	parent.SetCycles(before + handoffCycleMargin)

	child := s.prepared[len(s.prepared)-1]
	s.prepared = s.prepared[:len(s.prepared)-1]

	s.suspended = append(s.suspended, suspendedMachine{
		machine: parent,
		ctx: SpawnContext{
			Registers: parent.Registers(),
			PC:        parent.PC(),
			Cycles:    parent.Cycles(),
		},
	})
	parent.SetRunning(false)

	child.SetMaxCycles(parent.MaxCycles() - parent.Cycles())
	child.SetRunning(true)
	if ctx := parent.Session(); ctx != nil {
		ctx.RecordSpawn()
	}
	s.active = child
	s.handoffs++
	s.state = StateSuspended
	log.Debug(log.SessionMonitoring, "handoff boundary",
		"depth", len(s.suspended), "parentCycles", parent.Cycles(), "childBudget", child.MaxCycles())
	return nil
}

// unwind pops the most recent suspended parent and splices the completed
// child's result into it: exit code in a0, consumed cycles in a1, the
// cycle count charged against the parent's own budget.
func (s *Session) unwind() {
	child := s.active
	top := s.suspended[len(s.suspended)-1]
	s.suspended = s.suspended[:len(s.suspended)-1]
	s.active = top.machine
	s.updateCaller(top.ctx, child)
	log.Debug(log.SessionMonitoring, "resumed parent",
		"depth", len(s.suspended), "childExit", child.ExitCode(), "childCycles", child.Cycles())
}

func (s *Session) updateCaller(ctx SpawnContext, child *vm.Machine) {
	for i, v := range ctx.Registers {
		s.active.SetReg(i, v)
	}
	s.active.SetPC(ctx.PC)
	s.active.SetReg(vm.RegA0, uint64(child.ExitCode()))
	s.active.SetReg(vm.RegA1, child.Cycles())
	s.active.SetCycles(ctx.Cycles + child.Cycles())
}

// abandon marks every suspended parent dead after a terminal fault.
func (s *Session) abandon() {
	for _, sm := range s.suspended {
		sm.machine.SetRunning(false)
	}
	s.suspended = nil
	s.state = StateDone
}
