// Package tracer normalizes decoded instructions into canonical trace
// records, either accumulated for one-shot export or streamed and
// discarded to bound memory.
package tracer

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/contrun/ckb-standalone-debugger/vm"
)

// ErrFusedFormat marks four- and five-operand instruction formats, which
// have no canonical three-slot rendering. Meeting one is a configuration
// error, not a runtime condition.
var ErrFusedFormat = fmt.Errorf("fused instruction formats are unsupported in trace export")

// TracedInstruction is the canonical three-operand record of one decoded
// instruction.
type TracedInstruction struct {
	Opcode      uint16 `json:"opcode"`
	Instruction uint32 `json:"instruction"`
	Length      uint8  `json:"length"`
	Mnemonics   string `json:"mnemonics"`
	OpA         int64  `json:"op_a"`
	OpB         int64  `json:"op_b"`
	OpC         int64  `json:"op_c"`
	ImmB        bool   `json:"imm_b"`
	ImmC        bool   `json:"imm_c"`
}

// TraceItem is one executed instruction with its position in the run and
// the full register file as observed before execution.
type TraceItem struct {
	GlobalClk   uint64            `json:"global_clk"`
	PC          hexutil.Uint64    `json:"pc"`
	Registers   []hexutil.Uint64  `json:"registers"`
	Instruction TracedInstruction `json:"instruction"`
}

// StripVersionSuffix removes the ISA-generation tag from a mnemonic so two
// generations sharing a base opcode trace identically.
func StripVersionSuffix(mnemonic string) string {
	if i := strings.Index(mnemonic, "_version"); i >= 0 {
		return mnemonic[:i]
	}
	return mnemonic
}

// Normalize maps a decoded instruction onto the canonical operand slots:
//
//	immediate:       op_a=rd   op_b=rs1  op_c=imm  imm_c
//	register:        op_a=rd   op_b=rs1  op_c=rs2
//	store:           op_a=rs2  op_b=rs1  op_c=imm
//	upper-immediate: op_a=rd   op_b=imm  op_c=0    imm_b
func Normalize(inst vm.Instruction) (TracedInstruction, error) {
	out := TracedInstruction{
		Opcode:      uint16(inst.Op),
		Instruction: inst.Word,
		Length:      inst.Length,
		Mnemonics:   StripVersionSuffix(inst.Mnemonic),
	}
	switch inst.Format {
	case vm.FormatI:
		out.OpA = int64(inst.Rd)
		out.OpB = int64(inst.Rs1)
		out.OpC = inst.Imm
		out.ImmC = true
	case vm.FormatR:
		out.OpA = int64(inst.Rd)
		out.OpB = int64(inst.Rs1)
		out.OpC = int64(inst.Rs2)
	case vm.FormatS:
		out.OpA = int64(inst.Rs2)
		out.OpB = int64(inst.Rs1)
		out.OpC = inst.Imm
	case vm.FormatU:
		out.OpA = int64(inst.Rd)
		out.OpB = inst.Imm
		out.ImmB = true
	case vm.FormatR4, vm.FormatR5:
		return TracedInstruction{}, fmt.Errorf("%w: %s is a %s-format instruction", ErrFusedFormat, inst.Mnemonic, inst.Format)
	default:
		return TracedInstruction{}, fmt.Errorf("unknown instruction format %s", inst.Format)
	}
	return out, nil
}

// Recorder turns per-step samples into trace items. In export mode items
// accumulate in execution order until Export; in streaming mode each item
// is written as one JSON line and dropped.
type Recorder struct {
	clk    uint64
	items  []TraceItem
	stream *json.Encoder
}

// NewRecorder returns a recorder that retains items for a final Export.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// NewStreamingRecorder returns a recorder that emits each item to w as it
// is recorded, keeping nothing.
func NewStreamingRecorder(w io.Writer) *Recorder {
	return &Recorder{stream: json.NewEncoder(w)}
}

// Record samples the machine before inst executes.
func (r *Recorder) Record(m *vm.Machine, inst vm.Instruction) error {
	traced, err := Normalize(inst)
	if err != nil {
		return err
	}
	regs := m.Registers()
	item := TraceItem{
		GlobalClk:   r.clk,
		PC:          hexutil.Uint64(m.PC()),
		Registers:   make([]hexutil.Uint64, len(regs)),
		Instruction: traced,
	}
	for i, v := range regs {
		item.Registers[i] = hexutil.Uint64(v)
	}
	r.clk++

	if r.stream != nil {
		return r.stream.Encode(item)
	}
	r.items = append(r.items, item)
	return nil
}

// Items returns the retained trace, ordered by execution order.
func (r *Recorder) Items() []TraceItem {
	return r.items
}

// Export serializes the retained trace as one JSON array. Two identical
// runs export byte-identical arrays.
func (r *Recorder) Export(w io.Writer) error {
	if r.stream != nil {
		return fmt.Errorf("streaming recorder retains no items to export")
	}
	items := r.items
	if items == nil {
		items = []TraceItem{}
	}
	b, err := json.Marshal(items)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}
