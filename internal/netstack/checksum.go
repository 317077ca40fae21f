package netstack

import "encoding/binary"

// Checksum computes the standard Internet checksum (RFC 1071) over data: the
// one's complement of the one's complement sum of 16-bit big-endian words. A
// trailing odd byte is treated as the high byte of a final padded word.
func Checksum(data []byte) uint16 {
	return checksumWithInitial(data, 0)
}

func checksumWithInitial(data []byte, initial uint32) uint16 {
	sum := initial
	for i := 0; i+1 < len(data); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(data[i : i+2]))
	}
	if len(data)%2 == 1 {
		sum += uint32(data[len(data)-1]) << 8
	}
	for (sum >> 16) != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}

// pseudoHeaderChecksum computes the partial sum over the IPv4 pseudo-header
// (source, destination, protocol, transport length). The pseudo-header is
// never transmitted; it only seeds the transport checksum.
func pseudoHeaderChecksum(src, dst [4]byte, protocol uint8, length int) uint32 {
	sum := uint32(binary.BigEndian.Uint16(src[0:2]))
	sum += uint32(binary.BigEndian.Uint16(src[2:4]))
	sum += uint32(binary.BigEndian.Uint16(dst[0:2]))
	sum += uint32(binary.BigEndian.Uint16(dst[2:4]))
	sum += uint32(protocol)
	sum += uint32(length)
	return sum
}

// TransportChecksum computes a transport-layer checksum (TCP or UDP) over
// segment with the IPv4 pseudo-header folded in. The segment's checksum field
// must be zero when computing and left intact when verifying; verification of
// a correctly checksummed segment yields 0.
func TransportChecksum(src, dst [4]byte, protocol uint8, segment []byte) uint16 {
	return checksumWithInitial(segment, pseudoHeaderChecksum(src, dst, protocol, len(segment)))
}
