package netstack

import (
	"encoding/binary"
	"fmt"
)

// DNSPort is the well-known DNS server port.
const DNSPort = 53

// dnsTransactionID is the fixed transaction ID used by every query this stub
// resolver builds; replies are matched against it.
const dnsTransactionID uint16 = 0x1234

const dnsHeaderLen = 12

// dns header flag bits
const (
	dnsFlagResponse         uint16 = 0x8000
	dnsFlagRecursionDesired uint16 = 0x0100
)

// EncodeDNSName label-encodes hostname into dst: each dot-separated segment
// becomes a length-prefixed label, terminated by the zero-length root label.
// Returns the encoded size.
func EncodeDNSName(dst []byte, hostname string) (int, error) {
	if len(hostname) == 0 {
		return 0, fmt.Errorf("empty hostname")
	}
	if len(hostname)+2 > len(dst) {
		return 0, fmt.Errorf("no room for dns name of %d bytes", len(hostname)+2)
	}
	n := 0
	start := 0
	for i := 0; i <= len(hostname); i++ {
		if i == len(hostname) || hostname[i] == '.' {
			labelLen := i - start
			if labelLen == 0 || labelLen > 63 {
				return 0, fmt.Errorf("bad dns label length %d in %q", labelLen, hostname)
			}
			dst[n] = byte(labelLen)
			n++
			n += copy(dst[n:], hostname[start:i])
			start = i + 1
		}
	}
	dst[n] = 0
	return n + 1, nil
}

// dnsQuerySize reports the message size BuildDNSQuery will produce for
// hostname: header + encoded name + QTYPE/QCLASS.
func dnsQuerySize(hostname string) int {
	return dnsHeaderLen + len(hostname) + 2 + 4
}

// BuildDNSQuery composes a complete frame carrying a single-question A-record
// query for hostname, addressed to the resolver at dnsIP:53, and returns the
// frame length. The query uses the stack's fixed transaction ID and requests
// recursion.
func BuildDNSQuery(b *Buffer, dstMAC, srcMAC [6]byte, srcIP, dnsIP [4]byte, srcPort uint16, hostname string) (int, error) {
	msgLen := dnsQuerySize(hostname)
	off, err := UDPFrame(b, dstMAC, srcMAC, srcIP, dnsIP, srcPort, DNSPort, msgLen)
	if err != nil {
		return 0, err
	}

	data := b.At(off)
	binary.BigEndian.PutUint16(data[0:2], dnsTransactionID)
	binary.BigEndian.PutUint16(data[2:4], dnsFlagRecursionDesired)
	binary.BigEndian.PutUint16(data[4:6], 1) // QDCOUNT
	binary.BigEndian.PutUint16(data[6:8], 0)
	binary.BigEndian.PutUint16(data[8:10], 0)
	binary.BigEndian.PutUint16(data[10:12], 0)

	n, err := EncodeDNSName(data[dnsHeaderLen:], hostname)
	if err != nil {
		return 0, err
	}
	binary.BigEndian.PutUint16(data[dnsHeaderLen+n:], 1)   // QTYPE A
	binary.BigEndian.PutUint16(data[dnsHeaderLen+n+2:], 1) // QCLASS IN
	return b.Len(), nil
}

// skipDNSName advances past an encoded name at off: either a chain of inline
// labels ending in the root label or a two-byte compression pointer (a
// pointer terminates the name).
func skipDNSName(msg []byte, off int) (int, error) {
	for off < len(msg) {
		c := msg[off]
		switch {
		case c == 0:
			return off + 1, nil
		case c&0xc0 == 0xc0:
			if off+2 > len(msg) {
				return 0, fmt.Errorf("truncated dns compression pointer")
			}
			return off + 2, nil
		case c&0xc0 != 0:
			return 0, fmt.Errorf("reserved dns label type 0x%02x", c&0xc0)
		default:
			off += int(c) + 1
		}
	}
	return 0, fmt.Errorf("unterminated dns name")
}

// ParseDNSReply extracts the first A-record address from a reply message
// (the UDP payload). It validates the transaction ID and the response flag,
// requires at least one answer, skips the echoed question (inline labels or a
// compression pointer), and walks the answer records until the first
// TYPE=A, CLASS=IN, RDLENGTH=4 record; other records are skipped by their
// declared RDLENGTH.
func ParseDNSReply(msg []byte) ([4]byte, error) {
	var addr [4]byte
	if len(msg) < dnsHeaderLen {
		return addr, fmt.Errorf("dns reply too short: %d", len(msg))
	}
	if binary.BigEndian.Uint16(msg[0:2]) != dnsTransactionID {
		return addr, fmt.Errorf("dns transaction id mismatch")
	}
	if binary.BigEndian.Uint16(msg[2:4])&dnsFlagResponse == 0 {
		return addr, fmt.Errorf("dns message is not a response")
	}
	qdCount := binary.BigEndian.Uint16(msg[4:6])
	anCount := binary.BigEndian.Uint16(msg[6:8])
	if anCount < 1 {
		return addr, fmt.Errorf("dns reply has no answers")
	}

	off := dnsHeaderLen
	for i := 0; i < int(qdCount); i++ {
		next, err := skipDNSName(msg, off)
		if err != nil {
			return addr, err
		}
		off = next + 4 // QTYPE + QCLASS
		if off > len(msg) {
			return addr, fmt.Errorf("truncated dns question")
		}
	}

	for i := 0; i < int(anCount); i++ {
		next, err := skipDNSName(msg, off)
		if err != nil {
			return addr, err
		}
		off = next
		if off+10 > len(msg) {
			return addr, fmt.Errorf("truncated dns answer")
		}
		rrType := binary.BigEndian.Uint16(msg[off : off+2])
		rrClass := binary.BigEndian.Uint16(msg[off+2 : off+4])
		rdLen := int(binary.BigEndian.Uint16(msg[off+8 : off+10]))
		off += 10
		if off+rdLen > len(msg) {
			return addr, fmt.Errorf("truncated dns rdata")
		}
		if rrType == 1 && rrClass == 1 && rdLen == 4 {
			copy(addr[:], msg[off:off+4])
			return addr, nil
		}
		off += rdLen
	}
	return addr, fmt.Errorf("no a record in dns reply")
}
