package gdbserver

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contrun/ckb-standalone-debugger/vm"
)

func encodeI(imm int32, rs1, funct3, rd uint32) uint32 {
	return uint32(imm)<<20 | rs1<<15 | funct3<<12 | rd<<7 | 0x13
}

func testProgram() []byte {
	words := []uint32{
		encodeI(1, 0, 0, 5),                 // addi x5, x0, 1
		encodeI(2, 5, 0, 5),                 // addi x5, x5, 2
		encodeI(7, 0, 0, vm.RegA0),          // addi a0, x0, 7
		encodeI(vm.SysExit, 0, 0, vm.RegA7), // addi a7, x0, 93
		0x73,                                // ecall
	}
	out := make([]byte, len(words)*4)
	for i, w := range words {
		binary.LittleEndian.PutUint32(out[i*4:], w)
	}
	return out
}

func testServer(t *testing.T, stub bool) *Server {
	t.Helper()
	m := vm.NewMachineBuilder(vm.ISAV2, 100000).
		InstructionCycleFunc(vm.InstructionCycles).
		Build()
	_, err := m.LoadFlat(0x1000, testProgram(), nil)
	require.NoError(t, err)
	return &Server{machine: m, stub: stub, breakpoints: make(map[uint64]struct{})}
}

func TestChecksum(t *testing.T) {
	assert.Equal(t, byte(0), checksum(nil))
	assert.Equal(t, byte('g'), checksum([]byte("g")))
	// sum wraps mod 256
	assert.Equal(t, byte(0x8e), checksum([]byte("m1000,4")))
}

func TestPacketRoundTrip(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	cs := newConn(server)
	go func() {
		payload, err := cs.readPacket()
		if err == nil && payload == "g" {
			cs.writePacket("OK")
		}
	}()

	frame := fmt.Sprintf("$g#%02x", checksum([]byte("g")))
	_, err := client.Write([]byte(frame))
	require.NoError(t, err)

	buf := make([]byte, 64)
	n, err := client.Read(buf[:1]) // transport ack
	require.NoError(t, err)
	require.Equal(t, "+", string(buf[:n]))

	reply := fmt.Sprintf("$OK#%02x", checksum([]byte("OK")))
	got := make([]byte, 0, len(reply))
	for len(got) < len(reply) {
		n, err = client.Read(buf)
		require.NoError(t, err)
		got = append(got, buf[:n]...)
	}
	assert.Equal(t, reply, string(got))
	_, err = client.Write([]byte("+"))
	require.NoError(t, err)
}

func TestPacketChecksumMismatch(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	cs := newConn(server)
	errCh := make(chan error, 1)
	go func() {
		_, err := cs.readPacket()
		errCh <- err
	}()

	_, err := client.Write([]byte("$g#00"))
	require.NoError(t, err)

	buf := make([]byte, 1)
	_, err = client.Read(buf) // nack
	require.NoError(t, err)
	assert.Equal(t, byte('-'), buf[0])

	var perr *vm.ProtocolError
	require.ErrorAs(t, <-errCh, &perr)
}

func TestReadRegisters(t *testing.T) {
	s := testServer(t, false)
	reply, act := s.handle("g")
	assert.Equal(t, actionNone, act)
	require.Len(t, reply, 33*16)

	// pc occupies the last slot
	raw, err := hex.DecodeString(reply[32*16:])
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1000), binary.LittleEndian.Uint64(raw))
}

func TestReadWriteSingleRegister(t *testing.T) {
	s := testServer(t, false)
	reply, _ := s.handle("P5=2a00000000000000")
	assert.Equal(t, "OK", reply)
	assert.Equal(t, uint64(0x2a), s.machine.Reg(5))

	reply, _ = s.handle("p5")
	assert.Equal(t, "2a00000000000000", reply)

	reply, _ = s.handle("p40")
	assert.Equal(t, "E01", reply)
}

func TestMemoryPackets(t *testing.T) {
	s := testServer(t, false)
	reply, _ := s.handle("M2000,4:deadbeef")
	assert.Equal(t, "OK", reply)

	reply, _ = s.handle("m2000,4")
	assert.Equal(t, "deadbeef", reply)

	reply, _ = s.handle("m2000")
	assert.Equal(t, "E01", reply)
}

func TestStepAndContinue(t *testing.T) {
	s := testServer(t, false)
	reply, act := s.handle("s")
	assert.Equal(t, "S05", reply)
	assert.Equal(t, actionNone, act)
	assert.Equal(t, uint64(0x1004), s.machine.PC())
	assert.Equal(t, uint64(1), s.machine.Reg(5))

	reply, act = s.handle("c")
	assert.Equal(t, "W07", reply)
	assert.Equal(t, actionExited, act)
	assert.Equal(t, int8(7), s.machine.ExitCode())
}

func TestHaltReasonAndKill(t *testing.T) {
	s := testServer(t, false)
	reply, _ := s.handle("?")
	assert.Equal(t, "S05", reply)

	_, act := s.handle("k")
	assert.Equal(t, actionKill, act)

	_, act = s.handle("D")
	assert.Equal(t, actionDetach, act)
}

func TestBreakpointsBaselineUnsupported(t *testing.T) {
	s := testServer(t, false)
	reply, _ := s.handle("Z0,1008,4")
	assert.Equal(t, "", reply)
}

func TestBreakpointsStub(t *testing.T) {
	s := testServer(t, true)
	reply, _ := s.handle("Z0,1008,4")
	assert.Equal(t, "OK", reply)

	reply, act := s.handle("c")
	assert.Equal(t, "S05", reply)
	assert.Equal(t, actionNone, act)
	assert.Equal(t, uint64(0x1008), s.machine.PC())

	reply, _ = s.handle("z0,1008,4")
	assert.Equal(t, "OK", reply)
	reply, act = s.handle("c")
	assert.Equal(t, "W07", reply)
	assert.Equal(t, actionExited, act)
}

func TestStubQueries(t *testing.T) {
	s := testServer(t, true)
	reply, _ := s.handle("qSupported:multiprocess+")
	assert.Contains(t, reply, "PacketSize=")
	assert.Contains(t, reply, "swbreak+")

	reply, _ = s.handle("vCont?")
	assert.Equal(t, "vCont;c;s", reply)

	reply, _ = s.handle("vCont;s")
	assert.Equal(t, "S05", reply)
}

func TestNoAckModeNegotiation(t *testing.T) {
	m := vm.NewMachineBuilder(vm.ISAV2, 100000).
		InstructionCycleFunc(vm.InstructionCycles).
		Build()
	_, err := m.LoadFlat(0x1000, testProgram(), nil)
	require.NoError(t, err)

	srv, err := New("127.0.0.1:0", m, true)
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() {
		_, err := srv.Serve()
		done <- err
	}()

	c, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer c.Close()

	readFrame := func() string {
		var reply []byte
		buf := make([]byte, 256)
		for {
			n, err := c.Read(buf)
			require.NoError(t, err)
			reply = append(reply, buf[:n]...)
			if len(reply) >= 3 && reply[len(reply)-3] == '#' {
				break
			}
		}
		body := string(reply)
		if body[0] == '+' {
			body = body[1:]
		}
		return body[1 : len(body)-3]
	}
	write := func(payload string) {
		_, err := c.Write([]byte(fmt.Sprintf("$%s#%02x", payload, checksum([]byte(payload)))))
		require.NoError(t, err)
	}

	write("QStartNoAckMode")
	assert.Equal(t, "OK", readFrame())
	_, err = c.Write([]byte("+")) // last transport ack of the session
	require.NoError(t, err)

	// from here neither side acks; consecutive exchanges must not stall
	write("s")
	assert.Equal(t, "S05", readFrame())
	write("?")
	assert.Equal(t, "S05", readFrame())
	write("c")
	assert.Equal(t, "W07", readFrame())
	write("k")
	assert.Equal(t, "", readFrame())
	require.NoError(t, <-done)
}

func TestServeOverTCP(t *testing.T) {
	m := vm.NewMachineBuilder(vm.ISAV2, 100000).
		InstructionCycleFunc(vm.InstructionCycles).
		Build()
	_, err := m.LoadFlat(0x1000, testProgram(), nil)
	require.NoError(t, err)

	srv, err := New("127.0.0.1:0", m, false)
	require.NoError(t, err)

	type outcome struct {
		res Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := srv.Serve()
		done <- outcome{res, err}
	}()

	c, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer c.Close()

	send := func(payload string) string {
		frame := fmt.Sprintf("$%s#%02x", payload, checksum([]byte(payload)))
		_, err := c.Write([]byte(frame))
		require.NoError(t, err)

		var reply []byte
		buf := make([]byte, 256)
		for {
			n, err := c.Read(buf)
			require.NoError(t, err)
			reply = append(reply, buf[:n]...)
			if len(reply) >= 3 && reply[len(reply)-3] == '#' {
				break
			}
		}
		_, err = c.Write([]byte("+"))
		require.NoError(t, err)
		// strip leading ack and framing
		body := string(reply)
		if body[0] == '+' {
			body = body[1:]
		}
		return body[1 : len(body)-3]
	}

	assert.Equal(t, "S05", send("?"))
	assert.Equal(t, "W07", send("c"))
	assert.Equal(t, "", send("k"))

	out := <-done
	require.NoError(t, out.err)
	assert.True(t, out.res.Completed)
	assert.Equal(t, int8(7), out.res.ExitCode)
}
