package netstack

import (
	"encoding/binary"
	"fmt"
)

// EtherTypes this stack understands.
const (
	EtherTypeIPv4 uint16 = 0x0800
	EtherTypeARP  uint16 = 0x0806
	EtherTypeIPv6 uint16 = 0x86dd
)

// BroadcastMAC is the all-ones Ethernet broadcast address.
var BroadcastMAC = [6]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// EthernetHeader is one parsed Ethernet II link header. Fields are copied out
// of the buffer; the struct holds no view into it.
type EthernetHeader struct {
	Dst  [6]byte
	Src  [6]byte
	Type uint16
}

// ParseEthernet decodes the 14-byte link header at offset 0.
func ParseEthernet(b *Buffer) (EthernetHeader, error) {
	if b.Len() < EthernetHeaderLen {
		return EthernetHeader{}, fmt.Errorf("ethernet frame too short: %d", b.Len())
	}
	var h EthernetHeader
	data := b.At(0)
	copy(h.Dst[:], data[0:6])
	copy(h.Src[:], data[6:12])
	h.Type = binary.BigEndian.Uint16(data[12:14])
	return h, nil
}

// BuildEthernet writes the link header at offset 0 and sets the buffer length
// to 14. Callers append payload afterwards and grow the length themselves (or
// let the higher layer's build function do it).
func BuildEthernet(b *Buffer, dst, src [6]byte, etherType uint16) int {
	data := b.At(0)
	copy(data[0:6], dst[:])
	copy(data[6:12], src[:])
	binary.BigEndian.PutUint16(data[12:14], etherType)
	b.length = EthernetHeaderLen
	return EthernetHeaderLen
}
