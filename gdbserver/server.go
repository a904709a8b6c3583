package gdbserver

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"

	"github.com/contrun/ckb-standalone-debugger/log"
	"github.com/contrun/ckb-standalone-debugger/vm"
)

// pcRegno is the RSP register number of the program counter, after the
// 32 general-purpose registers.
const pcRegno = 32

// Result is what the session with the client left behind: whether the
// machine ran to completion and, when it did, its exit code.
type Result struct {
	Completed bool
	ExitCode  int8
	Cycles    uint64
}

// Server accepts one client at a time and drives the machine on its
// behalf. With stub mode on it additionally speaks software breakpoints
// (Z0/z0), qSupported and vCont.
type Server struct {
	listener    net.Listener
	machine     *vm.Machine
	stub        bool
	breakpoints map[uint64]struct{}
	finished    bool
}

// New listens on addr. stub selects the extended handler set.
func New(addr string, m *vm.Machine, stub bool) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("gdb listen on %s: %w", addr, err)
	}
	return &Server{
		listener:    ln,
		machine:     m,
		stub:        stub,
		breakpoints: make(map[uint64]struct{}),
	}, nil
}

func (s *Server) Addr() net.Addr { return s.listener.Addr() }

// Serve blocks until a client session ends the run. A detach or dropped
// connection falls back to running the machine to completion; a kill
// terminates it where it stands.
func (s *Server) Serve() (Result, error) {
	defer s.listener.Close()
	for {
		c, err := s.listener.Accept()
		if err != nil {
			return Result{}, fmt.Errorf("gdb accept: %w", err)
		}
		log.Info(log.GdbMonitoring, "client attached", "remote", c.RemoteAddr())
		res, done, err := s.serveConn(newConn(c))
		if err != nil {
			return Result{}, err
		}
		if done {
			return res, nil
		}
		// client left without deciding the machine's fate; wait for the next one
	}
}

// serveConn handles one attached client. done reports whether the run is
// over (completed, killed, or detached-and-finished).
func (s *Server) serveConn(c *conn) (Result, bool, error) {
	defer c.close()
	for {
		payload, err := c.readPacket()
		if err != nil {
			var perr *vm.ProtocolError
			if errors.As(err, &perr) {
				log.Warn(log.GdbMonitoring, "dropping client", "err", perr)
				return Result{}, false, nil
			}
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				log.Info(log.GdbMonitoring, "client disconnected, running to completion")
				res, err := s.runToCompletion()
				return res, true, err
			}
			return Result{}, false, err
		}
		reply, action := s.handle(payload)
		switch action {
		case actionKill:
			c.writePacket(reply)
			return Result{
				Completed: !s.machine.Running(),
				ExitCode:  s.machine.ExitCode(),
				Cycles:    s.machine.Cycles(),
			}, true, nil
		case actionDetach:
			c.writePacket(reply)
			res, err := s.runToCompletion()
			return res, true, err
		case actionExited:
			if err := c.writePacket(reply); err != nil {
				return Result{}, false, err
			}
			// keep answering status queries until the client leaves
		default:
			if err := c.writePacket(reply); err != nil {
				return Result{}, false, err
			}
			if payload == "QStartNoAckMode" && reply == "OK" {
				// the OK itself was still acked; everything after is not
				c.noAck = true
			}
		}
	}
}

type action int

const (
	actionNone action = iota
	actionKill
	actionDetach
	actionExited
)

func (s *Server) handle(payload string) (string, action) {
	if payload == "" {
		return "", actionNone
	}
	switch payload[0] {
	case '?':
		return "S05", actionNone
	case 'g':
		return s.readAllRegisters(), actionNone
	case 'G':
		return s.writeAllRegisters(payload[1:]), actionNone
	case 'p':
		return s.readRegister(payload[1:]), actionNone
	case 'P':
		return s.writeRegister(payload[1:]), actionNone
	case 'm':
		return s.readMemory(payload[1:]), actionNone
	case 'M':
		return s.writeMemory(payload[1:]), actionNone
	case 'c':
		return s.resume(payload[1:], false)
	case 's':
		return s.resume(payload[1:], true)
	case 'k':
		return "", actionKill
	case 'D':
		return "OK", actionDetach
	case 0x03:
		return "S02", actionNone
	}
	if s.stub {
		switch {
		case payload == "qSupported" || strings.HasPrefix(payload, "qSupported:"):
			return fmt.Sprintf("PacketSize=%x;swbreak+;QStartNoAckMode+", maxPacketSize), actionNone
		case payload == "QStartNoAckMode":
			// ack for this very packet already went out in ack mode
			return "OK", actionNone
		case payload == "vCont?":
			return "vCont;c;s", actionNone
		case strings.HasPrefix(payload, "vCont;"):
			return s.vCont(payload[len("vCont;"):])
		case strings.HasPrefix(payload, "Z0,"):
			return s.setBreakpoint(payload[3:]), actionNone
		case strings.HasPrefix(payload, "z0,"):
			return s.clearBreakpoint(payload[3:]), actionNone
		}
	}
	// unsupported packets get the empty response
	return "", actionNone
}

func (s *Server) readAllRegisters() string {
	var buf [8]byte
	var sb strings.Builder
	for i := 0; i < 32; i++ {
		binary.LittleEndian.PutUint64(buf[:], s.machine.Reg(i))
		sb.WriteString(hex.EncodeToString(buf[:]))
	}
	binary.LittleEndian.PutUint64(buf[:], s.machine.PC())
	sb.WriteString(hex.EncodeToString(buf[:]))
	return sb.String()
}

func (s *Server) writeAllRegisters(arg string) string {
	raw, err := hex.DecodeString(arg)
	if err != nil || len(raw) < 33*8 {
		return "E01"
	}
	for i := 0; i < 32; i++ {
		s.machine.SetReg(i, binary.LittleEndian.Uint64(raw[i*8:]))
	}
	s.machine.SetPC(binary.LittleEndian.Uint64(raw[32*8:]))
	return "OK"
}

func (s *Server) readRegister(arg string) string {
	n, err := strconv.ParseUint(arg, 16, 32)
	if err != nil || n > pcRegno {
		return "E01"
	}
	var buf [8]byte
	if n == pcRegno {
		binary.LittleEndian.PutUint64(buf[:], s.machine.PC())
	} else {
		binary.LittleEndian.PutUint64(buf[:], s.machine.Reg(int(n)))
	}
	return hex.EncodeToString(buf[:])
}

func (s *Server) writeRegister(arg string) string {
	regno, value, ok := strings.Cut(arg, "=")
	if !ok {
		return "E01"
	}
	n, err := strconv.ParseUint(regno, 16, 32)
	if err != nil || n > pcRegno {
		return "E01"
	}
	raw, err := hex.DecodeString(value)
	if err != nil || len(raw) != 8 {
		return "E01"
	}
	v := binary.LittleEndian.Uint64(raw)
	if n == pcRegno {
		s.machine.SetPC(v)
	} else {
		s.machine.SetReg(int(n), v)
	}
	return "OK"
}

func parseAddrLen(arg string) (uint64, uint64, bool) {
	addrStr, lenStr, ok := strings.Cut(arg, ",")
	if !ok {
		return 0, 0, false
	}
	addr, err := strconv.ParseUint(addrStr, 16, 64)
	if err != nil {
		return 0, 0, false
	}
	length, err := strconv.ParseUint(lenStr, 16, 64)
	if err != nil || length > maxPacketSize/2 {
		return 0, 0, false
	}
	return addr, length, true
}

func (s *Server) readMemory(arg string) string {
	addr, length, ok := parseAddrLen(arg)
	if !ok {
		return "E01"
	}
	data, err := s.machine.Memory().ReadBytes(addr, length)
	if err != nil {
		return "E02"
	}
	return hex.EncodeToString(data)
}

func (s *Server) writeMemory(arg string) string {
	loc, payload, ok := strings.Cut(arg, ":")
	if !ok {
		return "E01"
	}
	addr, length, ok := parseAddrLen(loc)
	if !ok {
		return "E01"
	}
	data, err := hex.DecodeString(payload)
	if err != nil || uint64(len(data)) != length {
		return "E01"
	}
	if err := s.machine.Memory().WriteBytes(addr, data); err != nil {
		return "E02"
	}
	return "OK"
}

func (s *Server) setBreakpoint(arg string) string {
	addrStr, _, _ := strings.Cut(arg, ",")
	addr, err := strconv.ParseUint(addrStr, 16, 64)
	if err != nil {
		return "E01"
	}
	s.breakpoints[addr] = struct{}{}
	return "OK"
}

func (s *Server) clearBreakpoint(arg string) string {
	addrStr, _, _ := strings.Cut(arg, ",")
	addr, err := strconv.ParseUint(addrStr, 16, 64)
	if err != nil {
		return "E01"
	}
	delete(s.breakpoints, addr)
	return "OK"
}

func (s *Server) vCont(arg string) (string, action) {
	// only the first action matters with a single thread
	act, _, _ := strings.Cut(arg, ";")
	act, _, _ = strings.Cut(act, ":")
	switch act {
	case "c", "C05":
		return s.resume("", false)
	case "s", "S05":
		return s.resume("", true)
	}
	return "E01", actionNone
}

// resume steps or continues the machine and produces the stop reply. A
// continue always makes progress first so resuming at a breakpoint
// does not stop in place.
func (s *Server) resume(arg string, single bool) (string, action) {
	if arg != "" {
		if addr, err := strconv.ParseUint(arg, 16, 64); err == nil {
			s.machine.SetPC(addr)
		}
	}
	if !s.machine.Running() {
		s.machine.SetRunning(true)
	}
	for {
		if err := s.machine.Step(); err != nil {
			log.Warn(log.GdbMonitoring, "machine fault", "err", err)
			s.finished = true
			if vm.IsCycleExhaustion(err) {
				return "X18", actionExited
			}
			return "S0b", actionExited
		}
		if !s.machine.Running() {
			s.finished = true
			return fmt.Sprintf("W%02x", uint8(s.machine.ExitCode())), actionExited
		}
		if single {
			return "S05", actionNone
		}
		if _, hit := s.breakpoints[s.machine.PC()]; hit {
			return "S05", actionNone
		}
	}
}

func (s *Server) runToCompletion() (Result, error) {
	m := s.machine
	if s.finished {
		return Result{Completed: true, ExitCode: m.ExitCode(), Cycles: m.Cycles()}, nil
	}
	m.SetRunning(true)
	for m.Running() {
		if err := m.Step(); err != nil {
			return Result{}, err
		}
	}
	return Result{Completed: true, ExitCode: m.ExitCode(), Cycles: m.Cycles()}, nil
}
