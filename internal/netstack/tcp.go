package netstack

import (
	"encoding/binary"
	"fmt"
)

// TCP header flags.
const (
	TCPFlagFIN uint8 = 0x01
	TCPFlagSYN uint8 = 0x02
	TCPFlagRST uint8 = 0x04
	TCPFlagPSH uint8 = 0x08
	TCPFlagACK uint8 = 0x10
)

// Fixed per-connection buffer sizes.
const (
	TCPTxBufSize = 2048
	TCPRxBufSize = 2048
)

// TCPState is the connection state of a TCPConn. The machine is active-open
// only: there is no LISTEN or SYN_RCVD role.
type TCPState int

const (
	TCPStateClosed TCPState = iota
	TCPStateSynSent
	TCPStateEstablished
	TCPStateFinWait1
	TCPStateFinWait2
	TCPStateCloseWait
	TCPStateLastAck
	TCPStateTimeWait
)

func (s TCPState) String() string {
	switch s {
	case TCPStateClosed:
		return "CLOSED"
	case TCPStateSynSent:
		return "SYN_SENT"
	case TCPStateEstablished:
		return "ESTABLISHED"
	case TCPStateFinWait1:
		return "FIN_WAIT1"
	case TCPStateFinWait2:
		return "FIN_WAIT2"
	case TCPStateCloseWait:
		return "CLOSE_WAIT"
	case TCPStateLastAck:
		return "LAST_ACK"
	case TCPStateTimeWait:
		return "TIME_WAIT"
	}
	return fmt.Sprintf("unknown tcp state %d", int(s))
}

// TCPHeader is one parsed 20-byte TCP header. Options are skipped via the
// data offset; they are not interpreted.
type TCPHeader struct {
	SrcPort  uint16
	DstPort  uint16
	Seq      uint32
	Ack      uint32
	DataOff  uint8
	Flags    uint8
	Window   uint16
	Checksum uint16
	Urgent   uint16
}

// ParseTCP decodes the TCP header at off and returns it together with the
// offset of the segment payload.
func ParseTCP(b *Buffer, off int) (TCPHeader, int, error) {
	if b.Len() < off+TCPHeaderLen {
		return TCPHeader{}, 0, fmt.Errorf("tcp header too short: %d", b.Len()-off)
	}
	data := b.At(off)
	h := TCPHeader{
		SrcPort:  binary.BigEndian.Uint16(data[0:2]),
		DstPort:  binary.BigEndian.Uint16(data[2:4]),
		Seq:      binary.BigEndian.Uint32(data[4:8]),
		Ack:      binary.BigEndian.Uint32(data[8:12]),
		DataOff:  data[12] >> 4,
		Flags:    data[13],
		Window:   binary.BigEndian.Uint16(data[14:16]),
		Checksum: binary.BigEndian.Uint16(data[16:18]),
		Urgent:   binary.BigEndian.Uint16(data[18:20]),
	}
	headerLen := int(h.DataOff) * 4
	if headerLen < TCPHeaderLen || b.Len() < off+headerLen {
		return TCPHeader{}, 0, fmt.Errorf("tcp header length mismatch: %d", headerLen)
	}
	return h, off + headerLen, nil
}

// Sequence comparisons modulo 32-bit wraparound.

func seqLT(a, b uint32) bool  { return int32(a-b) < 0 }
func seqLTE(a, b uint32) bool { return int32(a-b) <= 0 }

// TCPConn is one client TCP connection: a five-tuple, forward-only sequence
// state, and fixed send/receive buffers. It implements a reduced state
// machine with no retransmission, timers, window scaling, or urgent data.
// A TCPConn is exclusively owned by one call site; it is not safe for
// concurrent use.
type TCPConn struct {
	LocalIP    [4]byte
	RemoteIP   [4]byte
	LocalPort  uint16
	RemotePort uint16

	state  TCPState
	sndNxt uint32
	sndUna uint32
	rcvNxt uint32
	rcvWnd uint16

	txBuf [TCPTxBufSize]byte
	txLen int
	rxBuf [TCPRxBufSize]byte
	rxLen int
}

// Connect initializes the connection for an active open: state SYN_SENT,
// snd_una = isn, snd_nxt = isn+1 (pre-incremented for the SYN that
// BuildSegment emits). The caller picks the initial sequence number.
func (c *TCPConn) Connect(remoteIP [4]byte, remotePort uint16, localIP [4]byte, localPort uint16, isn uint32) {
	*c = TCPConn{
		LocalIP:    localIP,
		RemoteIP:   remoteIP,
		LocalPort:  localPort,
		RemotePort: remotePort,
		state:      TCPStateSynSent,
		sndNxt:     isn + 1,
		sndUna:     isn,
		rcvNxt:     0,
		rcvWnd:     TCPRxBufSize,
	}
}

// State reports the current connection state.
func (c *TCPConn) State() TCPState { return c.state }

// SndNxt reports the next sequence number to send.
func (c *TCPConn) SndNxt() uint32 { return c.sndNxt }

// SndUna reports the oldest unacknowledged sequence number.
func (c *TCPConn) SndUna() uint32 { return c.sndUna }

// RcvNxt reports the next sequence number expected from the peer.
func (c *TCPConn) RcvNxt() uint32 { return c.rcvNxt }

// Buffered reports the number of received bytes waiting in the rx buffer.
func (c *TCPConn) Buffered() int { return c.rxLen }

// Recv consumes one inbound segment whose TCP header starts at off and
// advances the state machine. Segments for another port, truncated segments,
// and segments the current state does not expect are no-ops. The return value
// is 1 when the connection state changed during this call and 0 otherwise;
// payload delivery alone does not count as a state change.
func (c *TCPConn) Recv(b *Buffer, off int) int {
	hdr, payloadOff, err := ParseTCP(b, off)
	if err != nil {
		return 0
	}
	if hdr.DstPort != c.LocalPort {
		return 0
	}
	payloadLen := b.Len() - payloadOff

	switch c.state {
	case TCPStateSynSent:
		if hdr.Flags&TCPFlagSYN != 0 && hdr.Flags&TCPFlagACK != 0 {
			c.rcvNxt = hdr.Seq + 1
			c.sndUna = hdr.Ack
			c.state = TCPStateEstablished
			return 1
		}
	case TCPStateEstablished:
		if hdr.Flags&TCPFlagACK != 0 && seqLT(c.sndUna, hdr.Ack) && seqLTE(hdr.Ack, c.sndNxt) {
			c.sndUna = hdr.Ack
		}
		if payloadLen > 0 {
			// Bytes beyond the remaining window are silently dropped.
			accepted := copy(c.rxBuf[c.rxLen:], b.At(payloadOff)[:payloadLen])
			c.rxLen += accepted
			c.rcvNxt += uint32(accepted)
			c.rcvWnd = uint16(TCPRxBufSize - c.rxLen)
		}
		if hdr.Flags&TCPFlagFIN != 0 {
			c.rcvNxt++
			c.state = TCPStateCloseWait
			return 1
		}
	case TCPStateFinWait1:
		if hdr.Flags&TCPFlagACK != 0 {
			c.sndUna = hdr.Ack
			c.state = TCPStateFinWait2
			return 1
		}
	case TCPStateFinWait2:
		if hdr.Flags&TCPFlagFIN != 0 {
			c.rcvNxt = hdr.Seq + 1
			c.state = TCPStateTimeWait
			return 1
		}
	case TCPStateLastAck:
		if hdr.Flags&TCPFlagACK != 0 {
			c.sndUna = hdr.Ack
			c.state = TCPStateClosed
			return 1
		}
	}
	return 0
}

// Send appends data to the transmit buffer up to its remaining capacity and
// returns the number of bytes accepted. It never blocks and never errors; a
// full buffer simply accepts fewer bytes.
func (c *TCPConn) Send(data []byte) int {
	n := copy(c.txBuf[c.txLen:], data)
	c.txLen += n
	return n
}

// Read drains up to len(out) bytes from the front of the receive buffer,
// compacting the remainder, and returns the number of bytes copied.
func (c *TCPConn) Read(out []byte) int {
	n := copy(out, c.rxBuf[:c.rxLen])
	copy(c.rxBuf[:], c.rxBuf[n:c.rxLen])
	c.rxLen -= n
	c.rcvWnd = uint16(TCPRxBufSize - c.rxLen)
	return n
}

// Close initiates local termination: ESTABLISHED moves to FIN_WAIT1 and
// CLOSE_WAIT moves to LAST_ACK. In any other state Close is a no-op; the FIN
// itself is emitted by the next BuildSegment call.
func (c *TCPConn) Close() {
	switch c.state {
	case TCPStateEstablished:
		c.state = TCPStateFinWait1
	case TCPStateCloseWait:
		c.state = TCPStateLastAck
	}
}

// BuildSegment emits exactly one segment reflecting the current state into a
// complete Ethernet+IPv4+TCP frame and returns the frame length, or 0 when
// the state has nothing to send (including CLOSED). SYN_SENT emits a SYN;
// ESTABLISHED emits an ACK carrying the transmit buffer (with PSH) when it is
// non-empty; FIN_WAIT1 and LAST_ACK emit FIN+ACK; CLOSE_WAIT emits an ACK.
// The TCP checksum is computed over the pseudo-header of the connection's
// addresses, protocol 6, and the segment length.
//
// snd_nxt advances by the payload length for data (clearing the transmit
// buffer) and by 1 for a FIN; the SYN's advance happened at Connect. A FIN
// carrying no payload therefore advances exactly once per call.
func (c *TCPConn) BuildSegment(b *Buffer, srcMAC, dstMAC [6]byte) int {
	var flags uint8
	var seq uint32
	var payloadLen int

	switch c.state {
	case TCPStateSynSent:
		flags = TCPFlagSYN
		seq = c.sndUna // the ISN; snd_nxt was pre-incremented at Connect
	case TCPStateEstablished:
		flags = TCPFlagACK
		seq = c.sndNxt
		if c.txLen > 0 {
			flags |= TCPFlagPSH
			payloadLen = c.txLen
		}
	case TCPStateFinWait1, TCPStateLastAck:
		flags = TCPFlagFIN | TCPFlagACK
		seq = c.sndNxt
	case TCPStateCloseWait:
		flags = TCPFlagACK
		seq = c.sndNxt
	default:
		return 0
	}

	b.Reset()
	off := BuildEthernet(b, dstMAC, srcMAC, EtherTypeIPv4)
	off, err := BuildIPv4(b, off, c.LocalIP, c.RemoteIP, ProtoTCP, TCPHeaderLen+payloadLen)
	if err != nil {
		return 0
	}

	data := b.At(off)
	binary.BigEndian.PutUint16(data[0:2], c.LocalPort)
	binary.BigEndian.PutUint16(data[2:4], c.RemotePort)
	binary.BigEndian.PutUint32(data[4:8], seq)
	binary.BigEndian.PutUint32(data[8:12], c.rcvNxt)
	data[12] = TCPHeaderLen / 4 << 4
	data[13] = flags
	binary.BigEndian.PutUint16(data[14:16], c.rcvWnd)
	binary.BigEndian.PutUint16(data[16:18], 0)
	binary.BigEndian.PutUint16(data[18:20], 0)
	copy(data[TCPHeaderLen:TCPHeaderLen+payloadLen], c.txBuf[:payloadLen])

	segment := data[:TCPHeaderLen+payloadLen]
	binary.BigEndian.PutUint16(data[16:18], TransportChecksum(c.LocalIP, c.RemoteIP, ProtoTCP, segment))

	if payloadLen > 0 {
		c.sndNxt += uint32(payloadLen)
		c.txLen = 0
	}
	if flags&TCPFlagFIN != 0 {
		c.sndNxt++
	}
	return b.Len()
}
