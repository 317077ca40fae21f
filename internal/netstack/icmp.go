package netstack

import (
	"encoding/binary"
	"fmt"
)

// ICMPv4 echo types.
const (
	ICMPEchoReply   uint8 = 0
	ICMPEchoRequest uint8 = 8
)

const icmpEchoHeaderLen = 8

// ICMPEchoHeader is one parsed ICMPv4 echo header.
type ICMPEchoHeader struct {
	Type     uint8
	Code     uint8
	Checksum uint16
	ID       uint16
	Seq      uint16
}

// ParseICMPEcho decodes an echo request/reply header at off and returns it
// together with the offset of the echo payload. Non-echo ICMP types are
// rejected as not applicable.
func ParseICMPEcho(b *Buffer, off int) (ICMPEchoHeader, int, error) {
	if b.Len() < off+icmpEchoHeaderLen {
		return ICMPEchoHeader{}, 0, fmt.Errorf("icmp message too short: %d", b.Len()-off)
	}
	data := b.At(off)
	h := ICMPEchoHeader{
		Type:     data[0],
		Code:     data[1],
		Checksum: binary.BigEndian.Uint16(data[2:4]),
		ID:       binary.BigEndian.Uint16(data[4:6]),
		Seq:      binary.BigEndian.Uint16(data[6:8]),
	}
	if h.Type != ICMPEchoRequest && h.Type != ICMPEchoReply {
		return ICMPEchoHeader{}, 0, fmt.Errorf("icmp type %d is not echo", h.Type)
	}
	return h, off + icmpEchoHeaderLen, nil
}

// BuildICMPEcho writes an echo header at off and checksums the message. The
// payload must already be in place at off+8; payloadLen covers it.
func BuildICMPEcho(b *Buffer, off int, typ uint8, id, seq uint16, payloadLen int) (int, error) {
	end := off + icmpEchoHeaderLen + payloadLen
	if end > MTU {
		return 0, fmt.Errorf("icmp message of %d bytes exceeds mtu at offset %d", icmpEchoHeaderLen+payloadLen, off)
	}
	data := b.At(off)
	data[0] = typ
	data[1] = 0
	binary.BigEndian.PutUint16(data[2:4], 0)
	binary.BigEndian.PutUint16(data[4:6], id)
	binary.BigEndian.PutUint16(data[6:8], seq)
	binary.BigEndian.PutUint16(data[2:4], Checksum(data[:icmpEchoHeaderLen+payloadLen]))
	b.extend(end)
	return off + icmpEchoHeaderLen, nil
}
