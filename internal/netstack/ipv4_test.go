package netstack

import "testing"

func TestIPv4RoundTrip(t *testing.T) {
	var b Buffer
	src := [4]byte{192, 168, 1, 10}
	dst := [4]byte{192, 168, 1, 1}

	off := BuildEthernet(&b, BroadcastMAC, [6]byte{0x02, 0, 0, 0, 0, 1}, EtherTypeIPv4)
	payloadOff, err := BuildIPv4(&b, off, src, dst, ProtoUDP, 32)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if payloadOff != off+IPv4HeaderLen {
		t.Fatalf("payload offset = %d, want %d", payloadOff, off+IPv4HeaderLen)
	}
	if b.Len() != off+IPv4HeaderLen+32 {
		t.Fatalf("buffer len = %d, want %d", b.Len(), off+IPv4HeaderLen+32)
	}

	hdr, gotOff, err := ParseIPv4(&b, off)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if gotOff != payloadOff {
		t.Fatalf("parsed payload offset = %d, want %d", gotOff, payloadOff)
	}
	if hdr.Src != src || hdr.Dst != dst {
		t.Fatalf("address mismatch: %v -> %v", hdr.Src, hdr.Dst)
	}
	if hdr.Protocol != ProtoUDP {
		t.Fatalf("protocol = %d, want %d", hdr.Protocol, ProtoUDP)
	}
	if hdr.TTL != 64 {
		t.Fatalf("ttl = %d, want 64", hdr.TTL)
	}
	if hdr.TotalLen != IPv4HeaderLen+32 {
		t.Fatalf("total length = %d, want %d", hdr.TotalLen, IPv4HeaderLen+32)
	}
	if hdr.FlagsFrag != ipv4FlagDontFragment {
		t.Fatalf("flags/fragment = %#04x, want DF only", hdr.FlagsFrag)
	}
}

func TestIPv4BuiltHeaderChecksumVerifies(t *testing.T) {
	var b Buffer
	off := BuildEthernet(&b, BroadcastMAC, [6]byte{0x02, 0, 0, 0, 0, 1}, EtherTypeIPv4)
	if _, err := BuildIPv4(&b, off, [4]byte{10, 0, 0, 1}, [4]byte{10, 0, 0, 2}, ProtoTCP, 0); err != nil {
		t.Fatalf("build: %v", err)
	}
	if sum := Checksum(b.At(off)[:IPv4HeaderLen]); sum != 0 {
		t.Fatalf("header checksum verification = %#04x, want 0", sum)
	}
}

func TestIPv4RejectsWrongVersion(t *testing.T) {
	var b Buffer
	off := BuildEthernet(&b, BroadcastMAC, [6]byte{0x02, 0, 0, 0, 0, 1}, EtherTypeIPv4)
	if _, err := BuildIPv4(&b, off, [4]byte{10, 0, 0, 1}, [4]byte{10, 0, 0, 2}, ProtoUDP, 0); err != nil {
		t.Fatalf("build: %v", err)
	}
	b.At(off)[0] = 6<<4 | 5
	if _, _, err := ParseIPv4(&b, off); err == nil {
		t.Fatalf("expected error for version 6 header")
	}
}

func TestIPv4RejectsTruncatedHeader(t *testing.T) {
	var b Buffer
	if err := b.SetLen(EthernetHeaderLen + IPv4HeaderLen - 1); err != nil {
		t.Fatalf("set len: %v", err)
	}
	if _, _, err := ParseIPv4(&b, EthernetHeaderLen); err == nil {
		t.Fatalf("expected error for truncated header")
	}
}

func TestIPv4RejectsOversizedPacket(t *testing.T) {
	var b Buffer
	off := BuildEthernet(&b, BroadcastMAC, [6]byte{0x02, 0, 0, 0, 0, 1}, EtherTypeIPv4)
	if _, err := BuildIPv4(&b, off, [4]byte{10, 0, 0, 1}, [4]byte{10, 0, 0, 2}, ProtoUDP, MTU); err == nil {
		t.Fatalf("expected error for packet beyond mtu")
	}
}
