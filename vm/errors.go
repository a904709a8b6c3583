package vm

import (
	"errors"
	"fmt"
)

// LoadError reports a program image that could not be mapped: malformed
// ELF input or a segment that does not fit the machine's memory.
type LoadError struct {
	Reason string
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load error: %s", e.Reason)
}

// DecodeError reports an instruction word the decoder does not recognize.
// Terminal for the run, never retried.
type DecodeError struct {
	PC   uint64
	Word uint32
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode error: invalid instruction 0x%08x at pc 0x%x", e.Word, e.PC)
}

// ExecutionFault reports an illegal operation performed by the running
// program: out-of-bound memory access, unsupported syscall, misaligned
// jump target.
type ExecutionFault struct {
	PC     uint64
	Reason string
}

func (e *ExecutionFault) Error() string {
	return fmt.Sprintf("execution fault at pc 0x%x: %s", e.PC, e.Reason)
}

// CycleExhaustion reports that the cycle ledger went past the max-cycle
// budget. Deliberately distinct from ExecutionFault so callers can tell
// "ran out of budget" from "found a bug".
type CycleExhaustion struct {
	Cycles    uint64
	MaxCycles uint64
}

func (e *CycleExhaustion) Error() string {
	return fmt.Sprintf("max cycles exceeded: %d > %d", e.Cycles, e.MaxCycles)
}

// ProtocolError reports a malformed remote-debugging request.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error: %s", e.Reason)
}

// StackInvariantViolation reports a pop from an empty suspended-machine
// stack. This is a contract breach between resolver and debugger, not a
// runtime condition: it aborts the whole session.
var StackInvariantViolation = errors.New("suspended-machine stack underflow")

// IsCycleExhaustion reports whether err is (or wraps) a CycleExhaustion.
func IsCycleExhaustion(err error) bool {
	var ce *CycleExhaustion
	return errors.As(err, &ce)
}
