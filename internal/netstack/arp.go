package netstack

import (
	"encoding/binary"
	"fmt"
)

// ARP operation codes.
const (
	ARPOpRequest uint16 = 1
	ARPOpReply   uint16 = 2
)

const (
	arpHardwareEthernet = 1
	arpProtoIPv4        = 0x0800
)

// ARPTableSize is the fixed capacity of an ARPTable.
const ARPTableSize = 16

// ARPPacket is the 28-byte ARP-over-Ethernet body (hardware type 1, protocol
// type 0x0800, 6-byte hardware and 4-byte protocol addresses).
type ARPPacket struct {
	Op        uint16
	SenderMAC [6]byte
	SenderIP  [4]byte
	TargetMAC [6]byte
	TargetIP  [4]byte
}

// BuildARP appends the ARP body immediately after the bytes already in the
// buffer (normally a freshly built Ethernet header) and returns the offset it
// was written at.
func BuildARP(b *Buffer, p ARPPacket) (int, error) {
	off := b.Len()
	if off+ARPPacketLen > MTU {
		return 0, fmt.Errorf("no room for arp body at offset %d", off)
	}
	data := b.At(off)
	binary.BigEndian.PutUint16(data[0:2], arpHardwareEthernet)
	binary.BigEndian.PutUint16(data[2:4], arpProtoIPv4)
	data[4] = 6
	data[5] = 4
	binary.BigEndian.PutUint16(data[6:8], p.Op)
	copy(data[8:14], p.SenderMAC[:])
	copy(data[14:18], p.SenderIP[:])
	copy(data[18:24], p.TargetMAC[:])
	copy(data[24:28], p.TargetIP[:])
	b.extend(off + ARPPacketLen)
	return off, nil
}

// ParseARP decodes an ARP body at off. Bodies that are not Ethernet/IPv4 ARP
// are rejected, matching the "not applicable to me" handling of the rest of
// the stack.
func ParseARP(b *Buffer, off int) (ARPPacket, error) {
	if b.Len() < off+ARPPacketLen {
		return ARPPacket{}, fmt.Errorf("arp body too short: %d", b.Len()-off)
	}
	data := b.At(off)
	if binary.BigEndian.Uint16(data[0:2]) != arpHardwareEthernet ||
		binary.BigEndian.Uint16(data[2:4]) != arpProtoIPv4 ||
		data[4] != 6 || data[5] != 4 {
		return ARPPacket{}, fmt.Errorf("not an ethernet/ipv4 arp body")
	}
	var p ARPPacket
	p.Op = binary.BigEndian.Uint16(data[6:8])
	copy(p.SenderMAC[:], data[8:14])
	copy(p.SenderIP[:], data[14:18])
	copy(p.TargetMAC[:], data[18:24])
	copy(p.TargetIP[:], data[24:28])
	return p, nil
}

type arpEntry struct {
	ip  [4]byte
	mac [6]byte
}

// ARPTable is a fixed-capacity IPv4-to-MAC cache. A zero IP marks a free
// slot; at most one live entry exists per address. When the table is full a
// new address overwrites slot 0. Not LRU.
type ARPTable struct {
	entries [ARPTableSize]arpEntry
}

// Update refreshes the entry for ip in place, or inserts it into the first
// free slot, or overwrites slot 0 when the table is full. The zero address is
// ignored since it marks free slots.
func (t *ARPTable) Update(ip [4]byte, mac [6]byte) {
	if ip == ([4]byte{}) {
		return
	}
	free := -1
	for i := range t.entries {
		if t.entries[i].ip == ip {
			t.entries[i].mac = mac
			return
		}
		if free < 0 && t.entries[i].ip == ([4]byte{}) {
			free = i
		}
	}
	if free < 0 {
		free = 0
	}
	t.entries[free] = arpEntry{ip: ip, mac: mac}
}

// Lookup resolves ip to a hardware address.
func (t *ARPTable) Lookup(ip [4]byte) ([6]byte, bool) {
	if ip == ([4]byte{}) {
		return [6]byte{}, false
	}
	for i := range t.entries {
		if t.entries[i].ip == ip {
			return t.entries[i].mac, true
		}
	}
	return [6]byte{}, false
}

// Evict removes the entry for ip, if present.
func (t *ARPTable) Evict(ip [4]byte) {
	for i := range t.entries {
		if t.entries[i].ip == ip {
			t.entries[i] = arpEntry{}
			return
		}
	}
}
