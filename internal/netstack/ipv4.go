package netstack

import (
	"encoding/binary"
	"fmt"
)

// IPv4 protocol numbers carried in the Protocol field.
const (
	ProtoICMP uint8 = 1
	ProtoTCP  uint8 = 6
	ProtoUDP  uint8 = 17
)

const ipv4FlagDontFragment = 0x4000

// IPv4Header is one parsed IPv4 header. The incoming checksum field is
// captured but not re-verified; callers that need validation run Checksum
// over the header bytes themselves.
type IPv4Header struct {
	IHL       uint8
	DSCP      uint8
	TotalLen  uint16
	ID        uint16
	FlagsFrag uint16
	TTL       uint8
	Protocol  uint8
	Checksum  uint16
	Src       [4]byte
	Dst       [4]byte
}

// HeaderLen reports the header length in bytes as declared by the IHL field.
func (h IPv4Header) HeaderLen() int { return int(h.IHL) * 4 }

// ParseIPv4 decodes the IPv4 header at off and returns it together with the
// offset of the transport payload.
func ParseIPv4(b *Buffer, off int) (IPv4Header, int, error) {
	if b.Len() < off+IPv4HeaderLen {
		return IPv4Header{}, 0, fmt.Errorf("ipv4 header too short: %d", b.Len()-off)
	}
	data := b.At(off)
	verIHL := data[0]
	if verIHL>>4 != 4 {
		return IPv4Header{}, 0, fmt.Errorf("unsupported ipv4 version: %d", verIHL>>4)
	}
	h := IPv4Header{
		IHL:       verIHL & 0x0f,
		DSCP:      data[1] >> 2,
		TotalLen:  binary.BigEndian.Uint16(data[2:4]),
		ID:        binary.BigEndian.Uint16(data[4:6]),
		FlagsFrag: binary.BigEndian.Uint16(data[6:8]),
		TTL:       data[8],
		Protocol:  data[9],
		Checksum:  binary.BigEndian.Uint16(data[10:12]),
	}
	copy(h.Src[:], data[12:16])
	copy(h.Dst[:], data[16:20])
	headerLen := h.HeaderLen()
	if headerLen < IPv4HeaderLen || b.Len() < off+headerLen {
		return IPv4Header{}, 0, fmt.Errorf("ipv4 header length mismatch: %d", headerLen)
	}
	return h, off + headerLen, nil
}

// BuildIPv4 writes a 20-byte option-free IPv4 header at off with TTL 64 and
// the don't-fragment flag set, computes the header checksum, and returns the
// payload offset. The buffer length is extended to cover header and payload
// unless the payload was already written.
func BuildIPv4(b *Buffer, off int, src, dst [4]byte, protocol uint8, payloadLen int) (int, error) {
	end := off + IPv4HeaderLen + payloadLen
	if end > MTU {
		return 0, fmt.Errorf("ipv4 packet of %d bytes exceeds mtu at offset %d", IPv4HeaderLen+payloadLen, off)
	}
	data := b.At(off)
	data[0] = 4<<4 | IPv4HeaderLen/4
	data[1] = 0
	binary.BigEndian.PutUint16(data[2:4], uint16(IPv4HeaderLen+payloadLen))
	binary.BigEndian.PutUint16(data[4:6], 0)
	binary.BigEndian.PutUint16(data[6:8], ipv4FlagDontFragment)
	data[8] = 64
	data[9] = protocol
	binary.BigEndian.PutUint16(data[10:12], 0)
	copy(data[12:16], src[:])
	copy(data[16:20], dst[:])
	binary.BigEndian.PutUint16(data[10:12], Checksum(data[:IPv4HeaderLen]))
	b.extend(end)
	return off + IPv4HeaderLen, nil
}
