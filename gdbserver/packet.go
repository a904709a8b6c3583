// Package gdbserver speaks the GDB Remote Serial Protocol over TCP
// against a single machine. One client at a time; the connection owns
// the machine exclusively while attached.
package gdbserver

import (
	"bufio"
	"fmt"
	"net"

	"github.com/contrun/ckb-standalone-debugger/vm"
)

const maxPacketSize = 4096

// conn frames RSP packets: '$' payload '#' two-hex-digit checksum, with
// '+'/'-' transport acks until the client negotiates no-ack mode.
type conn struct {
	raw   net.Conn
	r     *bufio.Reader
	w     *bufio.Writer
	noAck bool
}

func newConn(c net.Conn) *conn {
	return &conn{
		raw: c,
		r:   bufio.NewReader(c),
		w:   bufio.NewWriter(c),
	}
}

func checksum(payload []byte) byte {
	var sum byte
	for _, b := range payload {
		sum += b
	}
	return sum
}

// readPacket returns the payload of the next well-formed packet,
// acknowledging it. A checksum mismatch is nacked and reported as a
// ProtocolError. Interrupt bytes (0x03) surface as the packet "\x03".
func (c *conn) readPacket() (string, error) {
	for {
		b, err := c.r.ReadByte()
		if err != nil {
			return "", err
		}
		switch b {
		case '$':
		case '+', '-':
			continue
		case 0x03:
			return "\x03", nil
		default:
			continue
		}

		payload := make([]byte, 0, 64)
		for {
			b, err := c.r.ReadByte()
			if err != nil {
				return "", err
			}
			if b == '#' {
				break
			}
			if len(payload) >= maxPacketSize {
				return "", &vm.ProtocolError{Reason: "packet exceeds maximum size"}
			}
			payload = append(payload, b)
		}
		var sum [2]byte
		if _, err := fullRead(c.r, sum[:]); err != nil {
			return "", err
		}
		var want byte
		if _, err := fmt.Sscanf(string(sum[:]), "%02x", &want); err != nil {
			return "", &vm.ProtocolError{Reason: "malformed packet checksum"}
		}
		if checksum(payload) != want {
			if !c.noAck {
				c.w.WriteByte('-')
				c.w.Flush()
			}
			return "", &vm.ProtocolError{Reason: fmt.Sprintf("checksum mismatch: got %02x want %02x", checksum(payload), want)}
		}
		if !c.noAck {
			c.w.WriteByte('+')
			c.w.Flush()
		}
		return string(payload), nil
	}
}

func fullRead(r *bufio.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

// writePacket frames and sends a reply, waiting for the transport ack
// when ack mode is still on. A nack retransmits once.
func (c *conn) writePacket(payload string) error {
	frame := fmt.Sprintf("$%s#%02x", payload, checksum([]byte(payload)))
	for attempt := 0; attempt < 2; attempt++ {
		if _, err := c.w.WriteString(frame); err != nil {
			return err
		}
		if err := c.w.Flush(); err != nil {
			return err
		}
		if c.noAck {
			return nil
		}
		b, err := c.r.ReadByte()
		if err != nil {
			return err
		}
		if b == '+' {
			return nil
		}
	}
	return &vm.ProtocolError{Reason: "client rejected reply twice"}
}

func (c *conn) close() error { return c.raw.Close() }
