package netstack

import (
	"encoding/binary"
	"fmt"
)

// DHCP well-known ports.
const (
	DHCPClientPort = 68
	DHCPServerPort = 67
)

// DHCP message types (option 53).
const (
	DHCPDiscover byte = 1
	DHCPOffer    byte = 2
	DHCPRequest  byte = 3
	DHCPAck      byte = 5
	DHCPNak      byte = 6
)

// BOOTP fixed-body layout (RFC 2131).
const (
	bootpRequest = 1
	bootpReply   = 2

	dhcpFixedLen      = 236
	dhcpFlagBroadcast = 0x8000
)

// dhcpMagicCookie precedes the option list.
var dhcpMagicCookie = [4]byte{0x63, 0x82, 0x53, 0x63}

// DHCP option codes this client understands.
const (
	dhcpOptPad         = 0
	dhcpOptNetmask     = 1
	dhcpOptRouter      = 3
	dhcpOptDNS         = 6
	dhcpOptRequestedIP = 50
	dhcpOptLeaseTime   = 51
	dhcpOptMessageType = 53
	dhcpOptServerID    = 54
	dhcpOptEnd         = 255
)

// DHCPState tracks the client through the Discover/Offer/Request/Acknowledge
// exchange.
type DHCPState int

const (
	DHCPStateIdle DHCPState = iota
	DHCPStateSelecting
	DHCPStateRequesting
	DHCPStateBound
)

func (s DHCPState) String() string {
	switch s {
	case DHCPStateIdle:
		return "IDLE"
	case DHCPStateSelecting:
		return "SELECTING"
	case DHCPStateRequesting:
		return "REQUESTING"
	case DHCPStateBound:
		return "BOUND"
	}
	return fmt.Sprintf("unknown dhcp state %d", int(s))
}

// Lease holds the address assignment populated incrementally as Offer and
// then Ack arrive.
type Lease struct {
	YourIP    [4]byte
	ServerIP  [4]byte
	Gateway   [4]byte
	Netmask   [4]byte
	DNS       [4]byte
	LeaseTime uint32
}

// DHCPClient is a single-attempt DHCP client: one Discover, one Request, no
// renewal or retry. Like the rest of the stack it owns no timers; a caller
// wanting a timeout abandons the client and starts a fresh one.
type DHCPClient struct {
	state DHCPState
	xid   uint32
	mac   [6]byte
	lease Lease
}

// NewDHCPClient returns an idle client for the given hardware address. The
// transaction ID is caller-supplied so exchanges stay reproducible.
func NewDHCPClient(mac [6]byte, xid uint32) *DHCPClient {
	return &DHCPClient{mac: mac, xid: xid}
}

// State reports the client's exchange state.
func (c *DHCPClient) State() DHCPState { return c.state }

// IsBound reports whether an Ack has been accepted.
func (c *DHCPClient) IsBound() bool { return c.state == DHCPStateBound }

// Lease returns the lease populated so far.
func (c *DHCPClient) Lease() Lease { return c.lease }

// buildMessage writes the BOOTREQUEST fixed body, cookie, and the common
// leading options into a broadcast UDP frame, returning the offset just past
// option 53 for message-specific options.
func (c *DHCPClient) buildMessage(b *Buffer, msgType byte, extraOptLen int) (int, error) {
	// 3 bytes for option 53, extras, 1 byte for end.
	msgLen := dhcpFixedLen + 4 + 3 + extraOptLen + 1
	off, err := UDPFrame(b, BroadcastMAC, c.mac,
		[4]byte{0, 0, 0, 0}, [4]byte{255, 255, 255, 255},
		DHCPClientPort, DHCPServerPort, msgLen)
	if err != nil {
		return 0, err
	}

	data := b.At(off)
	for i := 0; i < msgLen; i++ {
		data[i] = 0
	}
	data[0] = bootpRequest
	data[1] = 1 // Ethernet
	data[2] = 6
	data[3] = 0
	binary.BigEndian.PutUint32(data[4:8], c.xid)
	binary.BigEndian.PutUint16(data[10:12], dhcpFlagBroadcast)
	copy(data[28:34], c.mac[:])
	copy(data[dhcpFixedLen:], dhcpMagicCookie[:])

	opt := dhcpFixedLen + 4
	data[opt] = dhcpOptMessageType
	data[opt+1] = 1
	data[opt+2] = msgType
	return off + opt + 3, nil
}

// Discover builds a DHCPDISCOVER broadcast from 0.0.0.0:68 to
// 255.255.255.255:67 and moves the client to SELECTING. Returns the frame
// length.
func (c *DHCPClient) Discover(b *Buffer) (int, error) {
	end, err := c.buildMessage(b, DHCPDiscover, 0)
	if err != nil {
		return 0, err
	}
	b.At(end)[0] = dhcpOptEnd
	c.state = DHCPStateSelecting
	return b.Len(), nil
}

// Request builds a DHCPREQUEST carrying the requested address (option 50)
// and server identifier (option 54) from a received offer, and moves the
// client to REQUESTING. Returns the frame length.
func (c *DHCPClient) Request(b *Buffer, offeredIP, serverIP [4]byte) (int, error) {
	end, err := c.buildMessage(b, DHCPRequest, 12)
	if err != nil {
		return 0, err
	}
	data := b.At(end)
	data[0] = dhcpOptRequestedIP
	data[1] = 4
	copy(data[2:6], offeredIP[:])
	data[6] = dhcpOptServerID
	data[7] = 4
	copy(data[8:12], serverIP[:])
	data[12] = dhcpOptEnd
	c.state = DHCPStateRequesting
	return b.Len(), nil
}

// ParseReply consumes a server message (the UDP payload of an Offer, Ack, or
// Nak), populating the lease from yiaddr/siaddr and the option list, and
// returns the message type from option 53. The opcode must be BOOTREPLY and
// the transaction ID must echo ours; the client becomes BOUND only on an Ack.
func (c *DHCPClient) ParseReply(msg []byte) (byte, error) {
	if len(msg) < dhcpFixedLen+4 {
		return 0, fmt.Errorf("dhcp reply too short: %d", len(msg))
	}
	if msg[0] != bootpReply {
		return 0, fmt.Errorf("not a bootp reply: opcode %d", msg[0])
	}
	if binary.BigEndian.Uint32(msg[4:8]) != c.xid {
		return 0, fmt.Errorf("dhcp transaction id mismatch")
	}
	if [4]byte(msg[dhcpFixedLen:dhcpFixedLen+4]) != dhcpMagicCookie {
		return 0, fmt.Errorf("missing dhcp magic cookie")
	}

	copy(c.lease.YourIP[:], msg[16:20])
	copy(c.lease.ServerIP[:], msg[20:24])

	var msgType byte
	off := dhcpFixedLen + 4
	for off < len(msg) {
		code := msg[off]
		if code == dhcpOptEnd {
			break
		}
		if code == dhcpOptPad {
			off++
			continue
		}
		if off+2 > len(msg) {
			return 0, fmt.Errorf("truncated dhcp option %d", code)
		}
		optLen := int(msg[off+1])
		val := msg[off+2:]
		if optLen > len(val) {
			return 0, fmt.Errorf("truncated dhcp option %d value", code)
		}
		val = val[:optLen]

		switch code {
		case dhcpOptMessageType:
			if optLen == 1 {
				msgType = val[0]
			}
		case dhcpOptNetmask:
			if optLen == 4 {
				copy(c.lease.Netmask[:], val)
			}
		case dhcpOptRouter:
			if optLen >= 4 {
				copy(c.lease.Gateway[:], val[:4])
			}
		case dhcpOptDNS:
			if optLen >= 4 {
				copy(c.lease.DNS[:], val[:4])
			}
		case dhcpOptLeaseTime:
			if optLen == 4 {
				c.lease.LeaseTime = binary.BigEndian.Uint32(val)
			}
		case dhcpOptServerID:
			if optLen == 4 {
				copy(c.lease.ServerIP[:], val)
			}
		}
		off += 2 + optLen
	}

	if msgType == 0 {
		return 0, fmt.Errorf("dhcp reply carries no message type")
	}
	if msgType == DHCPAck {
		c.state = DHCPStateBound
	}
	return msgType, nil
}
