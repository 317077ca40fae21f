package netstack

import (
	"encoding/binary"
	"fmt"
)

// UDPHeader is one parsed 8-byte UDP header.
type UDPHeader struct {
	SrcPort  uint16
	DstPort  uint16
	Length   uint16
	Checksum uint16
}

// ParseUDP decodes the UDP header at off and returns it together with the
// offset of the datagram payload.
func ParseUDP(b *Buffer, off int) (UDPHeader, int, error) {
	if b.Len() < off+UDPHeaderLen {
		return UDPHeader{}, 0, fmt.Errorf("udp header too short: %d", b.Len()-off)
	}
	data := b.At(off)
	h := UDPHeader{
		SrcPort:  binary.BigEndian.Uint16(data[0:2]),
		DstPort:  binary.BigEndian.Uint16(data[2:4]),
		Length:   binary.BigEndian.Uint16(data[4:6]),
		Checksum: binary.BigEndian.Uint16(data[6:8]),
	}
	if h.Length < UDPHeaderLen {
		return UDPHeader{}, 0, fmt.Errorf("udp length shorter than header: %d", h.Length)
	}
	if b.Len() < off+int(h.Length) {
		return UDPHeader{}, 0, fmt.Errorf("udp length exceeds buffer: %d > %d", h.Length, b.Len()-off)
	}
	return h, off + UDPHeaderLen, nil
}

// BuildUDP writes the UDP header at off and returns the payload offset. The
// checksum is left zero, which is valid for UDP over IPv4.
func BuildUDP(b *Buffer, off int, srcPort, dstPort uint16, payloadLen int) (int, error) {
	end := off + UDPHeaderLen + payloadLen
	if end > MTU {
		return 0, fmt.Errorf("udp datagram of %d bytes exceeds mtu at offset %d", UDPHeaderLen+payloadLen, off)
	}
	data := b.At(off)
	binary.BigEndian.PutUint16(data[0:2], srcPort)
	binary.BigEndian.PutUint16(data[2:4], dstPort)
	binary.BigEndian.PutUint16(data[4:6], uint16(UDPHeaderLen+payloadLen))
	binary.BigEndian.PutUint16(data[6:8], 0)
	b.extend(end)
	return off + UDPHeaderLen, nil
}

// UDPFrame resets the buffer and composes a complete Ethernet+IPv4+UDP frame
// in one call, returning the offset where the caller writes the UDP payload.
// It is the framing entry point shared by the DNS and DHCP layers.
func UDPFrame(b *Buffer, dstMAC, srcMAC [6]byte, srcIP, dstIP [4]byte, srcPort, dstPort uint16, payloadLen int) (int, error) {
	b.Reset()
	off := BuildEthernet(b, dstMAC, srcMAC, EtherTypeIPv4)
	off, err := BuildIPv4(b, off, srcIP, dstIP, ProtoUDP, UDPHeaderLen+payloadLen)
	if err != nil {
		return 0, err
	}
	return BuildUDP(b, off, srcPort, dstPort, payloadLen)
}
