package debugger

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/xlab/treeprint"

	"github.com/contrun/ckb-standalone-debugger/vm"
)

// frame is one entry of the reconstructed call stack.
type frame struct {
	entry uint64
	name  string
}

// Profiler reconstructs the call stack from jal/jalr/ret flow and
// attributes instruction cycles to folded stacks.
type Profiler struct {
	machine *vm.Machine
	stack   []frame
	stacks  map[string]uint64
}

func NewProfiler(m *vm.Machine) *Profiler {
	return &Profiler{
		machine: m,
		stacks:  make(map[string]uint64),
	}
}

func (p *Profiler) frameName(pc uint64) string {
	if name, ok := p.machine.FindSymbol(pc); ok {
		return name
	}
	return fmt.Sprintf("0x%x", pc)
}

func (p *Profiler) foldedKey() string {
	names := make([]string, len(p.stack))
	for i, f := range p.stack {
		names[i] = f.name
	}
	return strings.Join(names, ";")
}

// Hook samples the current stack and tracks calls and returns. It prices
// each instruction with the same cost table the machine charges, so the
// profile sums to the running-cycle total.
func (p *Profiler) Hook(m *vm.Machine, inst vm.Instruction) error {
	if len(p.stack) == 0 {
		p.stack = append(p.stack, frame{entry: m.PC(), name: p.frameName(m.PC())})
	}
	p.stacks[p.foldedKey()] += vm.InstructionCycles(inst)

	switch inst.Op {
	case vm.OpJal:
		if inst.Rd == vm.RegRA {
			target := m.PC() + uint64(inst.Imm)
			p.stack = append(p.stack, frame{entry: target, name: p.frameName(target)})
		}
	case vm.OpJalr:
		target := (m.Reg(inst.Rs1) + uint64(inst.Imm)) &^ 1
		switch {
		case inst.Rd == vm.RegRA:
			p.stack = append(p.stack, frame{entry: target, name: p.frameName(target)})
		case inst.Rd == vm.RegZero && inst.Rs1 == vm.RegRA:
			if len(p.stack) > 1 {
				p.stack = p.stack[:len(p.stack)-1]
			}
		}
	}
	return nil
}

// FoldedStacks returns "a;b;c cycles" lines sorted by stack name,
// the flamegraph.pl collapsed format.
func (p *Profiler) FoldedStacks() []string {
	lines := make([]string, 0, len(p.stacks))
	for stack, cycles := range p.stacks {
		lines = append(lines, fmt.Sprintf("%s %d", stack, cycles))
	}
	sort.Strings(lines)
	return lines
}

func (p *Profiler) WriteFolded(w io.Writer) error {
	for _, line := range p.FoldedStacks() {
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}

// WriteFlamegraphHTML renders the profile as a sunburst chart, the
// radial equivalent of a flamegraph.
func (p *Profiler) WriteFlamegraphHTML(w io.Writer) error {
	chart := charts.NewSunburst()
	chart.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{Title: "cycle profile"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	chart.AddSeries("cycles", p.sunburstData())
	return chart.Render(w)
}

func (p *Profiler) sunburstData() []opts.SunBurstData {
	root := &sunburstNode{children: make(map[string]*sunburstNode)}
	for stack, cycles := range p.stacks {
		node := root
		for _, name := range strings.Split(stack, ";") {
			child, ok := node.children[name]
			if !ok {
				child = &sunburstNode{name: name, children: make(map[string]*sunburstNode)}
				node.children[name] = child
			}
			node = child
		}
		node.cycles += cycles
	}
	return root.data()
}

type sunburstNode struct {
	name     string
	cycles   uint64
	children map[string]*sunburstNode
}

func (n *sunburstNode) data() []opts.SunBurstData {
	names := make([]string, 0, len(n.children))
	for name := range n.children {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]opts.SunBurstData, 0, len(names)+1)
	for _, name := range names {
		child := n.children[name]
		item := opts.SunBurstData{Name: child.name, Children: childPtrs(child.data())}
		if len(item.Children) == 0 {
			item.Value = float64(child.cycles)
		} else if child.cycles > 0 {
			// self cycles of a non-leaf frame get their own slice
			item.Children = append(item.Children, &opts.SunBurstData{
				Name:  child.name + " (self)",
				Value: float64(child.cycles),
			})
		}
		out = append(out, item)
	}
	return out
}

func childPtrs(items []opts.SunBurstData) []*opts.SunBurstData {
	if len(items) == 0 {
		return nil
	}
	ptrs := make([]*opts.SunBurstData, len(items))
	for i := range items {
		ptrs[i] = &items[i]
	}
	return ptrs
}

// Stacktrace renders the call stack reconstructed at the point of a
// fault, innermost frame deepest.
func (p *Profiler) Stacktrace() string {
	tree := treeprint.NewWithRoot("stacktrace")
	node := tree
	for _, f := range p.stack {
		node = node.AddBranch(fmt.Sprintf("%s @ 0x%x", f.name, f.entry))
	}
	return tree.String()
}
