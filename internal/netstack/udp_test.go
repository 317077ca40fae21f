package netstack

import (
	"bytes"
	"testing"
)

// Builds a complete frame and walks it back down through every layer,
// checking that each header round-trips and the payload lands where the
// parse chain says it does.
func TestUDPFrameRoundTrip(t *testing.T) {
	var b Buffer
	dstMAC := [6]byte{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}
	srcMAC := [6]byte{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	srcIP := [4]byte{10, 0, 0, 1}
	dstIP := [4]byte{10, 0, 0, 2}
	payload := []byte("ping")

	off, err := UDPFrame(&b, dstMAC, srcMAC, srcIP, dstIP, 40000, 7, len(payload))
	if err != nil {
		t.Fatalf("build frame: %v", err)
	}
	copy(b.At(off), payload)

	wantLen := EthernetHeaderLen + IPv4HeaderLen + UDPHeaderLen + len(payload)
	if b.Len() != wantLen {
		t.Fatalf("frame len = %d, want %d", b.Len(), wantLen)
	}

	eth, err := ParseEthernet(&b)
	if err != nil {
		t.Fatalf("parse ethernet: %v", err)
	}
	if eth.Type != EtherTypeIPv4 || eth.Dst != dstMAC || eth.Src != srcMAC {
		t.Fatalf("ethernet mismatch: %+v", eth)
	}

	ip, ipOff, err := ParseIPv4(&b, EthernetHeaderLen)
	if err != nil {
		t.Fatalf("parse ipv4: %v", err)
	}
	if ip.Protocol != ProtoUDP || ip.Src != srcIP || ip.Dst != dstIP {
		t.Fatalf("ipv4 mismatch: %+v", ip)
	}

	udp, udpOff, err := ParseUDP(&b, ipOff)
	if err != nil {
		t.Fatalf("parse udp: %v", err)
	}
	if udp.SrcPort != 40000 || udp.DstPort != 7 {
		t.Fatalf("port mismatch: %d -> %d", udp.SrcPort, udp.DstPort)
	}
	if udp.Length != uint16(UDPHeaderLen+len(payload)) {
		t.Fatalf("udp length = %d, want %d", udp.Length, UDPHeaderLen+len(payload))
	}
	if udp.Checksum != 0 {
		t.Fatalf("udp checksum = %#04x, want 0 (unused on ipv4)", udp.Checksum)
	}
	if udpOff != off {
		t.Fatalf("payload offset = %d, want %d", udpOff, off)
	}
	if !bytes.Equal(b.At(udpOff)[:len(payload)], payload) {
		t.Fatalf("payload mismatch")
	}
}

func TestUDPFrameResetsBuffer(t *testing.T) {
	var b Buffer
	if err := b.SetLen(200); err != nil {
		t.Fatalf("set len: %v", err)
	}
	if _, err := UDPFrame(&b, BroadcastMAC, [6]byte{0x02, 0, 0, 0, 0, 1},
		[4]byte{0, 0, 0, 0}, [4]byte{255, 255, 255, 255}, 68, 67, 0); err != nil {
		t.Fatalf("build frame: %v", err)
	}
	if b.Len() != EthernetHeaderLen+IPv4HeaderLen+UDPHeaderLen {
		t.Fatalf("frame len = %d after rebuild", b.Len())
	}
}

func TestUDPRejectsBadLengths(t *testing.T) {
	var b Buffer

	// Header truncated.
	if err := b.SetLen(EthernetHeaderLen + IPv4HeaderLen + UDPHeaderLen - 1); err != nil {
		t.Fatalf("set len: %v", err)
	}
	if _, _, err := ParseUDP(&b, EthernetHeaderLen+IPv4HeaderLen); err == nil {
		t.Fatalf("expected error for truncated header")
	}

	// Length field shorter than the header itself.
	off, err := UDPFrame(&b, BroadcastMAC, [6]byte{0x02, 0, 0, 0, 0, 1},
		[4]byte{10, 0, 0, 1}, [4]byte{10, 0, 0, 2}, 1000, 2000, 4)
	if err != nil {
		t.Fatalf("build frame: %v", err)
	}
	hdrOff := off - UDPHeaderLen
	b.At(hdrOff)[4] = 0
	b.At(hdrOff)[5] = UDPHeaderLen - 1
	if _, _, err := ParseUDP(&b, hdrOff); err == nil {
		t.Fatalf("expected error for undersized length field")
	}

	// Length field claiming more bytes than the buffer holds.
	b.At(hdrOff)[4] = 0x40
	b.At(hdrOff)[5] = 0x00
	if _, _, err := ParseUDP(&b, hdrOff); err == nil {
		t.Fatalf("expected error for oversized length field")
	}
}

func TestUDPRejectsOversizedDatagram(t *testing.T) {
	var b Buffer
	payload := MTU - EthernetHeaderLen - IPv4HeaderLen - UDPHeaderLen + 1
	if _, err := UDPFrame(&b, BroadcastMAC, [6]byte{0x02, 0, 0, 0, 0, 1},
		[4]byte{10, 0, 0, 1}, [4]byte{10, 0, 0, 2}, 1, 2, payload); err == nil {
		t.Fatalf("expected error for datagram beyond mtu")
	}
}
