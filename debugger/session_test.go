package debugger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contrun/ckb-standalone-debugger/vm"
)

// handoffProg hands off to the next prepared child then exits with the
// spliced-in child result.
func handoffProg() []uint32 {
	return append(boundarySeq(HandoffEcall), exitWithA0()...)
}

func TestSessionPlainRun(t *testing.T) {
	ctx := vm.NewSessionContext(1)
	m := newSessionMachine(t, 100000, ctx, exitSeq(4))
	s := NewSession(m)
	res, err := s.Run()
	require.NoError(t, err)
	assert.Equal(t, int8(4), res.ExitCode)
	assert.Equal(t, StateDone, s.State())
	assert.Equal(t, 0, s.Handoffs())
}

func TestSessionHandoffSplicesResult(t *testing.T) {
	ctx := vm.NewSessionContext(1)
	parent := newSessionMachine(t, 100000, ctx, handoffProg())
	child := newSessionMachine(t, 100000, ctx, exitSeq(5))

	s := NewSession(parent)
	s.PrepareChild(child)
	res, err := s.Run()
	require.NoError(t, err)
	assert.Equal(t, int8(5), res.ExitCode)
	assert.Equal(t, 1, s.Handoffs())
	assert.Equal(t, 0, s.Depth())
	assert.Equal(t, StateDone, s.State())

	// child cycles spliced into a1, consumed against the parent budget
	assert.Equal(t, child.Cycles(), parent.Reg(vm.RegA1))
	assert.Greater(t, parent.Cycles(), child.Cycles())

	spawns, _ := ctx.Counters()
	assert.Equal(t, 1, spawns)
}

func TestSessionNestedHandoff(t *testing.T) {
	ctx := vm.NewSessionContext(1)
	root := newSessionMachine(t, 100000, ctx, handoffProg())
	mid := newSessionMachine(t, 100000, ctx, handoffProg())
	leaf := newSessionMachine(t, 100000, ctx, exitSeq(9))

	s := NewSession(root)
	// LIFO: the last prepared machine is popped first
	s.PrepareChild(leaf)
	s.PrepareChild(mid)
	res, err := s.Run()
	require.NoError(t, err)
	assert.Equal(t, int8(9), res.ExitCode)
	assert.Equal(t, 2, s.Handoffs())
}

func TestSessionHandoffEmptyStack(t *testing.T) {
	ctx := vm.NewSessionContext(1)
	root := newSessionMachine(t, 100000, ctx, handoffProg())
	s := NewSession(root)
	_, err := s.Run()
	require.ErrorIs(t, err, vm.StackInvariantViolation)
	assert.Equal(t, StateDone, s.State())
}

func TestSessionCacheReset(t *testing.T) {
	ctx := vm.NewSessionContext(1)
	prog := append(boundarySeq(CacheResetEcall), exitSeq(3)...)
	m := newSessionMachine(t, 100000, ctx, prog)

	_, flushesBefore := ctx.Counters()
	s := NewSession(m)
	res, err := s.Run()
	require.NoError(t, err)
	assert.Equal(t, int8(3), res.ExitCode)
	assert.Equal(t, 0, s.Handoffs())

	_, flushesAfter := ctx.Counters()
	assert.Equal(t, flushesBefore+1, flushesAfter)
}

func TestSessionDepthBudgetWithinStack(t *testing.T) {
	ctx := vm.NewSessionContext(1)
	root := newSessionMachine(t, 100000, ctx, handoffProg())
	s := NewSession(root)
	for i := 0; i < 3; i++ {
		s.PrepareChild(newSessionMachine(t, 100000, ctx, handoffProg()))
	}

	active, _, err := s.RunToDepth(2)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, StatePausedAtBoundary, s.State())
	assert.Equal(t, 2, s.Handoffs())
	assert.Equal(t, 2, s.Depth())
	assert.Same(t, active, s.Active())
}

func TestSessionDepthBudgetBeyondStack(t *testing.T) {
	ctx := vm.NewSessionContext(1)
	root := newSessionMachine(t, 100000, ctx, handoffProg())
	s := NewSession(root)
	for i := 0; i < 3; i++ {
		s.PrepareChild(newSessionMachine(t, 100000, ctx, handoffProg()))
	}

	_, _, err := s.RunToDepth(5)
	require.NoError(t, err)
	assert.Equal(t, 3, s.Handoffs())
	assert.Equal(t, 3, s.Depth())
	assert.Equal(t, StatePausedAtBoundary, s.State())
}

func TestSessionChildFaultAbandonsStack(t *testing.T) {
	ctx := vm.NewSessionContext(1)
	root := newSessionMachine(t, 100000, ctx, handoffProg())
	// unsupported syscall number faults the child
	child := newSessionMachine(t, 100000, ctx, []uint32{
		addi(vm.RegA7, vm.RegZero, 1234),
		ecall(),
	})

	s := NewSession(root)
	s.PrepareChild(child)
	_, err := s.Run()
	var fault *vm.ExecutionFault
	require.ErrorAs(t, err, &fault)
	assert.Equal(t, StateDone, s.State())
	assert.Equal(t, 0, s.Depth())
	assert.False(t, root.Running())
}

func TestSessionHandoffCycleMargin(t *testing.T) {
	ctx := vm.NewSessionContext(1)
	parent := newSessionMachine(t, 100000, ctx, handoffProg())
	// the child pauses at its own boundary, keeping the parent suspended
	child := newSessionMachine(t, 100000, ctx, handoffProg())

	s := NewSession(parent)
	s.PrepareChild(child)

	active, _, err := s.RunToDepth(1)
	require.NoError(t, err)
	require.Same(t, child, active)

	// two addis plus the fixed margin, not the ecall table cost
	sm := s.suspended[len(s.suspended)-1]
	assert.Equal(t, uint64(2+handoffCycleMargin), sm.ctx.Cycles)
	assert.Equal(t, parent.MaxCycles()-sm.ctx.Cycles, child.MaxCycles())
}

func TestSessionHookRunsOnChildren(t *testing.T) {
	ctx := vm.NewSessionContext(1)
	parent := newSessionMachine(t, 100000, ctx, handoffProg())
	child := newSessionMachine(t, 100000, ctx, exitSeq(0))

	s := NewSession(parent)
	s.PrepareChild(child)
	seen := map[*vm.Machine]int{}
	s.SetHook(func(m *vm.Machine, _ vm.Instruction) error {
		seen[m]++
		return nil
	})
	_, err := s.Run()
	require.NoError(t, err)
	assert.Greater(t, seen[parent], 0)
	assert.Greater(t, seen[child], 0)
}
