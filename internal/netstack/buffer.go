// Package netstack implements a self-contained, allocation-free protocol
// stack for freestanding environments: Ethernet framing, ARP resolution,
// IPv4/IPv6 headers, UDP datagrams, a reduced active-open TCP state machine,
// a DNS stub resolver, and a DHCP client.
//
// There is no central stack object. Each layer is an independent codec that
// reads and writes through a fixed-capacity Buffer; the driving loop that
// knows the intended protocol sequence lives outside this package. Outbound,
// each layer is handed the Buffer and an offset, writes its header, and
// returns the offset of its payload. Inbound, each parse function is handed
// the Buffer and an offset and returns the decoded header fields plus the
// offset where the next layer begins.
//
// Nothing here allocates from the heap, blocks, or logs. Every parse function
// checks bounds before reading and returns an error on truncated input; every
// build function checks capacity before writing and refuses rather than
// overflows.
package netstack

import "fmt"

// MTU is the largest single frame this stack handles, in bytes.
const MTU = 1514

// Header sizes (bytes).
const (
	EthernetHeaderLen = 14
	ARPPacketLen      = 28
	IPv4HeaderLen     = 20
	IPv6HeaderLen     = 40
	UDPHeaderLen      = 8
	TCPHeaderLen      = 20
)

// Buffer is a fixed-capacity packet buffer with a length cursor marking the
// bytes in use. It is the unit of I/O shared by every layer. A Buffer is
// meant to live on the stack or in static storage, be Reset between packets,
// and never be shared across concurrent callers.
type Buffer struct {
	data   [MTU]byte
	length int
}

// Reset zero-fills the buffer and rewinds the length cursor for reuse.
func (b *Buffer) Reset() {
	b.data = [MTU]byte{}
	b.length = 0
}

// Len reports the number of bytes currently in use.
func (b *Buffer) Len() int { return b.length }

// SetLen moves the length cursor. It refuses lengths beyond MTU.
func (b *Buffer) SetLen(n int) error {
	if n < 0 || n > MTU {
		return fmt.Errorf("buffer length %d out of range [0, %d]", n, MTU)
	}
	b.length = n
	return nil
}

// At returns a raw view of the buffer starting at off and extending to the
// full capacity. Callers are responsible for their own bounds checks against
// Len and MTU; At itself only rejects offsets outside the buffer.
func (b *Buffer) At(off int) []byte {
	if off < 0 || off > MTU {
		return nil
	}
	return b.data[off:]
}

// Bytes returns the in-use portion of the buffer.
func (b *Buffer) Bytes() []byte { return b.data[:b.length] }

// extend grows the length cursor to cover end if it does not already.
func (b *Buffer) extend(end int) {
	if b.length < end {
		b.length = end
	}
}

// Byte-order conversion between host and network order. The stack assumes a
// little-endian host; network order is big-endian.

// Htons converts a 16-bit value from host to network byte order.
func Htons(v uint16) uint16 { return v<<8 | v>>8 }

// Ntohs converts a 16-bit value from network to host byte order.
func Ntohs(v uint16) uint16 { return Htons(v) }

// Htonl converts a 32-bit value from host to network byte order.
func Htonl(v uint32) uint32 {
	return v<<24 | (v&0xff00)<<8 | (v>>8)&0xff00 | v>>24
}

// Ntohl converts a 32-bit value from network to host byte order.
func Ntohl(v uint32) uint32 { return Htonl(v) }

// FormatIPv4 renders an address as dotted decimal for diagnostics.
func FormatIPv4(ip [4]byte) string {
	return fmt.Sprintf("%d.%d.%d.%d", ip[0], ip[1], ip[2], ip[3])
}

// FormatMAC renders a hardware address as colon-separated hex.
func FormatMAC(mac [6]byte) string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x",
		mac[0], mac[1], mac[2], mac[3], mac[4], mac[5])
}
