// ckb-debugger runs a RISC-V script under a cycle-accounted machine,
// with full/fast execution, instruction tracing, gdb remote debugging
// and spawn-aware resumable sessions.
package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/spf13/cobra"

	"github.com/contrun/ckb-standalone-debugger/debugger"
	"github.com/contrun/ckb-standalone-debugger/gdbserver"
	"github.com/contrun/ckb-standalone-debugger/log"
	"github.com/contrun/ckb-standalone-debugger/mocktx"
	"github.com/contrun/ckb-standalone-debugger/tracer"
	"github.com/contrun/ckb-standalone-debugger/vm"
)

var (
	Version = "dev"
	Commit  = "none"
)

const defaultMaxCycles = 70_000_000

// errScriptFailure propagates a non-zero script exit code out of the
// command so main can map it to the fixed process status after every
// deferred cleanup has run.
var errScriptFailure = errors.New("script returned a non-zero exit code")

func main() {
	var (
		mode            string
		binPath         string
		txFile          string
		cellIndex       int
		cellType        string
		scriptHash      string
		scriptGroupType string
		scriptVersion   string
		maxCycles       uint64
		skipStart       string
		skipEnd         string
		stepCount       int
		gdbListen       string
		handoffDepth    int
		traceFile       string
		dumpFile        string
		readFile        string
		pprofFile       string
		logLevel        string
		debugModules    string
	)

	rootCmd := &cobra.Command{
		Use:     "ckb-debugger [flags] [-- args...]",
		Short:   "Standalone debugger for CKB scripts",
		Version: fmt.Sprintf("%s (%s)", Version, Commit),
		Args:    cobra.ArbitraryArgs,

		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			log.InitLogger(logLevel)
			log.EnableModules(debugModules)

			program, err := resolveProgram(binPath, txFile, scriptHash, scriptGroupType, cellType, cellIndex)
			if err != nil {
				return err
			}
			isa, err := vm.ParseISAVersion(scriptVersion)
			if err != nil {
				return err
			}

			builder := vm.NewMachineBuilder(isa, maxCycles).
				InstructionCycleFunc(vm.InstructionCycles).
				SessionContext(vm.NewSessionContext(0)).
				Syscall(vm.NewDebugSyscall()).
				Syscall(vm.NewRandomSyscall(0)).
				Syscall(vm.NewTimeSyscall()).
				Syscall(vm.NewStdioSyscall()).
				Syscall(vm.NewFileOperationSyscall()).
				Syscall(debugger.NewBoundarySyscall())
			if readFile != "" {
				builder.Syscall(vm.NewFileStreamSyscall(readFile))
			}
			if dumpFile != "" {
				builder.Syscall(vm.NewMemoryDumpSyscall(dumpFile))
			}
			m := builder.Build()

			runArgs := make([][]byte, 0, len(args)+1)
			runArgs = append(runArgs, []byte("main"))
			for _, a := range args {
				runArgs = append(runArgs, []byte(a))
			}
			transfer, err := debugger.LoadProgram(m, program, runArgs)
			if err != nil {
				return err
			}

			switch mode {
			case "full":
				return runFull(m, transfer, handoffDepth, pprofFile, stepCount, skipStart, skipEnd)
			case "fast":
				return report(debugger.Run(m, nil))
			case "trace_dump":
				return runTrace(m, traceFile, false)
			case "probe":
				return runTrace(m, traceFile, true)
			case "gdb", "gdb_alt":
				if handoffDepth > 0 {
					session := debugger.NewSession(m)
					active, res, err := session.RunToDepth(handoffDepth)
					if err != nil {
						return err
					}
					if session.State() != debugger.StatePausedAtBoundary {
						return report(res, nil)
					}
					log.Info(log.GdbMonitoring, "attaching at handoff boundary", "depth", session.Depth())
					return runGdb(active, gdbListen, mode == "gdb_alt")
				}
				return runGdb(m, gdbListen, mode == "gdb_alt")
			default:
				return fmt.Errorf("unknown mode %q", mode)
			}
		},
	}
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	flags := rootCmd.Flags()
	flags.StringVar(&mode, "mode", "full", "Execution mode: full|fast|gdb|gdb_alt|trace_dump|probe")
	flags.StringVar(&binPath, "bin", "", "File used to replace the script binary denoted in the transaction")
	flags.StringVar(&txFile, "tx-file", "", "Filename containing JSON formatted transaction dump")
	flags.IntVar(&cellIndex, "cell-index", 0, "Index of cell to run")
	flags.StringVar(&cellType, "cell-type", "", "Cell type to run: input|output")
	flags.StringVar(&scriptHash, "script-hash", "", "Script hash of the script to run")
	flags.StringVar(&scriptGroupType, "script-group-type", "type", "Script group type: lock|type")
	flags.StringVar(&scriptVersion, "script-version", "2", "Script version: 0|1|2")
	flags.Uint64Var(&maxCycles, "max-cycles", defaultMaxCycles, "Max cycles")
	flags.StringVar(&skipStart, "skip-start", "", "Start address of the PC range to skip printing in step mode")
	flags.StringVar(&skipEnd, "skip-end", "", "End address of the PC range to skip printing in step mode")
	flags.CountVarP(&stepCount, "step", "s", "Set to step mode, repeat for more verbosity")
	flags.StringVar(&gdbListen, "gdb-listen", "127.0.0.1:9999", "Address to listen for GDB remote debugging server")
	flags.IntVar(&handoffDepth, "handoff-depth", -1, "Spawn handoff depth budget, negative for unlimited")
	flags.StringVar(&traceFile, "trace-file", "", "File to write the execution trace to, defaults to stdout")
	flags.StringVar(&dumpFile, "dump-file", "", "Dump file name prefix for the memory dump syscall")
	flags.StringVar(&readFile, "read-file", "", "Read content from local file or stdin, fed to scripts via syscall")
	flags.StringVar(&pprofFile, "pprof", "", "Performance profiling output file, folded stacks plus .html chart")
	flags.StringVar(&logLevel, "log-level", "info", "Log level: trace|debug|info|warn|error")
	flags.StringVar(&debugModules, "debug", "", "Comma separated log modules to enable, or 'all'")

	if err := rootCmd.Execute(); err != nil {
		if errors.Is(err, errScriptFailure) {
			os.Exit(debugger.FailureExitStatus)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// resolveProgram picks the script binary: --bin wins, otherwise the
// script located in the transaction dump supplies it.
func resolveProgram(binPath, txFile, scriptHash, groupType, cellType string, cellIndex int) ([]byte, error) {
	if binPath != "" {
		program, err := os.ReadFile(binPath)
		if err != nil {
			return nil, fmt.Errorf("read binary: %w", err)
		}
		return program, nil
	}
	tx, err := mocktx.Load(txFile)
	if err != nil {
		return nil, err
	}
	group, err := mocktx.ParseGroupType(groupType)
	if err != nil {
		return nil, err
	}
	locator := mocktx.NewLocator(tx)
	var script *mocktx.Script
	switch {
	case scriptHash != "":
		raw, err := hexutil.Decode(scriptHash)
		if err != nil || len(raw) != 32 {
			return nil, fmt.Errorf("invalid script hash %q", scriptHash)
		}
		var h [32]byte
		copy(h[:], raw)
		script, err = locator.ScriptByHash(group, h)
		if err != nil {
			return nil, err
		}
	case cellType != "":
		cell, err := mocktx.ParseCellType(cellType)
		if err != nil {
			return nil, err
		}
		script, err = locator.ScriptAt(group, cell, cellIndex)
		if err != nil {
			return nil, err
		}
	default:
		// the embedded dummy transaction runs its first input's type script
		script, err = locator.ScriptAt(mocktx.GroupTypeScript, mocktx.CellInputType, 0)
		if err != nil {
			return nil, fmt.Errorf("provide either a script hash or cell type + cell index: %w", err)
		}
	}
	return locator.Program(script)
}

// report prints the run outcome and maps a non-zero script exit code to
// the fixed failure process status.
func report(res debugger.RunResult, err error) error {
	if err != nil {
		return err
	}
	fmt.Printf("Run result: %d\n", res.ExitCode)
	fmt.Printf("Total cycles consumed: %v\n", vm.HumanReadableCycles(res.Ledger.Total()))
	fmt.Printf("Transfer cycles: %v, running cycles: %v\n",
		vm.HumanReadableCycles(res.Ledger.TransferCycles), vm.HumanReadableCycles(res.Ledger.RunningCycles))
	if res.ExitCode != 0 {
		return errScriptFailure
	}
	return nil
}

func parseAddr(s string) (uint64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseUint(s, 0, 64)
}

func runFull(m *vm.Machine, transfer uint64, handoffDepth int, pprofFile string, stepCount int, skipStartStr, skipEndStr string) error {
	var hook debugger.StepHook
	profiler := debugger.NewProfiler(m)
	if pprofFile != "" {
		hook = profiler.Hook
	}
	if stepCount > 0 {
		skipStart, err := parseAddr(skipStartStr)
		if err != nil {
			return fmt.Errorf("invalid skip-start: %w", err)
		}
		skipEnd, err := parseAddr(skipEndStr)
		if err != nil {
			return fmt.Errorf("invalid skip-end: %w", err)
		}
		printer := debugger.NewStepPrinter(os.Stdout, stepCount, skipStart, skipEnd)
		defer printer.Close()
		inner := hook
		hook = func(m *vm.Machine, inst vm.Instruction) error {
			if inner != nil {
				if err := inner(m, inst); err != nil {
					return err
				}
			}
			return printer.Hook(m, inst)
		}
	}

	var res debugger.RunResult
	var err error
	switch {
	case handoffDepth > 0:
		session := debugger.NewSession(m)
		session.SetHook(hook)
		var active *vm.Machine
		active, res, err = session.RunToDepth(handoffDepth)
		if err == nil && session.State() == debugger.StatePausedAtBoundary {
			fmt.Printf("Paused at handoff boundary, depth %d:\n%s\n", session.Depth(), active)
			return nil
		}
		res.Ledger = vm.CycleLedger{TransferCycles: transfer, RunningCycles: res.Ledger.Total() - transfer}
	case handoffDepth < 0:
		session := debugger.NewSession(m)
		session.SetHook(hook)
		res, err = session.Run()
		res.Ledger = vm.CycleLedger{TransferCycles: transfer, RunningCycles: res.Ledger.Total() - transfer}
	default:
		res, err = debugger.Run(m, hook)
	}

	if err != nil {
		var fault *vm.ExecutionFault
		if pprofFile != "" && errors.As(err, &fault) {
			fmt.Fprintf(os.Stderr, "Fault at PC 0x%x: %v\n%s", m.PC(), err, profiler.Stacktrace())
		}
		return err
	}
	if pprofFile != "" {
		if err := writeProfile(profiler, pprofFile); err != nil {
			return err
		}
	}
	return report(res, nil)
}

func writeProfile(p *debugger.Profiler, path string) error {
	folded, err := os.Create(path)
	if err != nil {
		return err
	}
	defer folded.Close()
	if err := p.WriteFolded(folded); err != nil {
		return err
	}
	html, err := os.Create(path + ".html")
	if err != nil {
		return err
	}
	defer html.Close()
	return p.WriteFlamegraphHTML(html)
}

func runTrace(m *vm.Machine, traceFile string, streaming bool) error {
	out := os.Stdout
	if traceFile != "" {
		f, err := os.Create(traceFile)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}
	var rec *tracer.Recorder
	if streaming {
		rec = tracer.NewStreamingRecorder(out)
	} else {
		rec = tracer.NewRecorder()
	}
	res, err := debugger.Run(m, rec.Record)
	if err != nil {
		return err
	}
	if !streaming {
		if err := rec.Export(out); err != nil {
			return err
		}
	}
	return report(res, nil)
}

func runGdb(m *vm.Machine, listen string, stub bool) error {
	server, err := gdbserver.New(listen, m, stub)
	if err != nil {
		return err
	}
	log.Info(log.GdbMonitoring, "gdb server listening", "addr", server.Addr(), "stub", stub)
	res, err := server.Serve()
	if err != nil {
		return err
	}
	if res.Completed {
		fmt.Printf("Run result: %d\n", res.ExitCode)
		fmt.Printf("Total cycles consumed: %v\n", vm.HumanReadableCycles(res.Cycles))
		if res.ExitCode != 0 {
			return errScriptFailure
		}
	}
	return nil
}
