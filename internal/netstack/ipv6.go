package netstack

import (
	"encoding/binary"
	"fmt"
)

// IPv6Header is one parsed fixed 40-byte IPv6 header (RFC 8200). Extension
// headers are not processed; NextHeader is reported as found.
type IPv6Header struct {
	TrafficClass uint8
	FlowLabel    uint32
	PayloadLen   uint16
	NextHeader   uint8
	HopLimit     uint8
	Src          [16]byte
	Dst          [16]byte
}

// ParseIPv6 decodes the IPv6 header at off and returns it together with the
// offset of the payload.
func ParseIPv6(b *Buffer, off int) (IPv6Header, int, error) {
	if b.Len() < off+IPv6HeaderLen {
		return IPv6Header{}, 0, fmt.Errorf("ipv6 header too short: %d", b.Len()-off)
	}
	data := b.At(off)
	first := binary.BigEndian.Uint32(data[0:4])
	if first>>28 != 6 {
		return IPv6Header{}, 0, fmt.Errorf("unsupported ipv6 version: %d", first>>28)
	}
	h := IPv6Header{
		TrafficClass: uint8(first >> 20),
		FlowLabel:    first & 0xfffff,
		PayloadLen:   binary.BigEndian.Uint16(data[4:6]),
		NextHeader:   data[6],
		HopLimit:     data[7],
	}
	copy(h.Src[:], data[8:24])
	copy(h.Dst[:], data[24:40])
	return h, off + IPv6HeaderLen, nil
}

// BuildIPv6 writes a fixed 40-byte IPv6 header at off with hop limit 64 and
// returns the payload offset. There is no header checksum; transport layers
// over IPv6 checksum over the IPv6 pseudo-header themselves.
func BuildIPv6(b *Buffer, off int, src, dst [16]byte, nextHeader uint8, payloadLen int) (int, error) {
	end := off + IPv6HeaderLen + payloadLen
	if end > MTU {
		return 0, fmt.Errorf("ipv6 packet of %d bytes exceeds mtu at offset %d", IPv6HeaderLen+payloadLen, off)
	}
	data := b.At(off)
	binary.BigEndian.PutUint32(data[0:4], 6<<28)
	binary.BigEndian.PutUint16(data[4:6], uint16(payloadLen))
	data[6] = nextHeader
	data[7] = 64
	copy(data[8:24], src[:])
	copy(data[24:40], dst[:])
	b.extend(end)
	return off + IPv6HeaderLen, nil
}

// IsUnspecified reports whether ip is the unspecified address (::).
func IsUnspecified(ip [16]byte) bool { return ip == ([16]byte{}) }

// IsLoopback reports whether ip is the loopback address (::1).
func IsLoopback(ip [16]byte) bool {
	return ip == [16]byte{15: 1}
}

// IsLinkLocal reports whether ip falls in fe80::/10.
func IsLinkLocal(ip [16]byte) bool {
	return ip[0] == 0xfe && ip[1]&0xc0 == 0x80
}
