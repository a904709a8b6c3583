package vm

import "fmt"

// bytesTransferredPerCycle prices program-load cost: one transfer cycle
// per started 10-byte chunk.
const bytesTransferredPerCycle = 10

// TransferredByteCycles returns the transfer-cycle cost of loading n
// program bytes. Monotone increasing in n.
func TransferredByteCycles(n uint64) uint64 {
	return (n + bytesTransferredPerCycle - 1) / bytesTransferredPerCycle
}

// InstructionCycles is the default instruction-cost model: control flow
// and memory touches cost a little more, multiplication and division a
// lot more, syscalls the most.
func InstructionCycles(inst Instruction) uint64 {
	switch inst.Op {
	case OpEcall, OpEbreak:
		return 500
	case OpJal, OpJalr, OpBeq, OpBne, OpBlt, OpBge, OpBltu, OpBgeu:
		return 3
	case OpMul, OpMulh, OpMulhsu, OpMulhu, OpMulw:
		return 5
	case OpDiv, OpDivu, OpRem, OpRemu, OpDivw, OpDivuw, OpRemw, OpRemuw:
		return 32
	default:
		return 1
	}
}

// HumanReadableCycles renders a cycle count with a rounded magnitude
// suffix, e.g. "1686462(1.7M)". Presentation only.
type HumanReadableCycles uint64

func (c HumanReadableCycles) String() string {
	switch {
	case c >= 1000*1000:
		return fmt.Sprintf("%d(%.1fM)", uint64(c), float64(c)/1000.0/1000.0)
	case c >= 1000:
		return fmt.Sprintf("%d(%.1fK)", uint64(c), float64(c)/1000.0)
	default:
		return fmt.Sprintf("%d", uint64(c))
	}
}

// CycleLedger is the per-run cycle breakdown: what loading the program
// cost against what executing it cost.
type CycleLedger struct {
	TransferCycles uint64
	RunningCycles  uint64
}

func (l CycleLedger) Total() uint64 {
	return l.TransferCycles + l.RunningCycles
}

func (l CycleLedger) String() string {
	return fmt.Sprintf("transfer cycles: %v, running cycles: %v",
		HumanReadableCycles(l.TransferCycles), HumanReadableCycles(l.RunningCycles))
}
