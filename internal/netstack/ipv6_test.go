package netstack

import "testing"

func TestIPv6RoundTrip(t *testing.T) {
	var b Buffer
	src := [16]byte{0xfe, 0x80, 15: 0x01}
	dst := [16]byte{0x20, 0x01, 0x0d, 0xb8, 15: 0x02}

	off := BuildEthernet(&b, BroadcastMAC, [6]byte{0x02, 0, 0, 0, 0, 1}, EtherTypeIPv6)
	payloadOff, err := BuildIPv6(&b, off, src, dst, ProtoUDP, 16)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if payloadOff != off+IPv6HeaderLen {
		t.Fatalf("payload offset = %d, want %d", payloadOff, off+IPv6HeaderLen)
	}

	hdr, gotOff, err := ParseIPv6(&b, off)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if gotOff != payloadOff {
		t.Fatalf("parsed payload offset = %d, want %d", gotOff, payloadOff)
	}
	if hdr.Src != src || hdr.Dst != dst {
		t.Fatalf("address mismatch")
	}
	if hdr.NextHeader != ProtoUDP {
		t.Fatalf("next header = %d, want %d", hdr.NextHeader, ProtoUDP)
	}
	if hdr.HopLimit != 64 {
		t.Fatalf("hop limit = %d, want 64", hdr.HopLimit)
	}
	if hdr.PayloadLen != 16 {
		t.Fatalf("payload length = %d, want 16", hdr.PayloadLen)
	}
}

func TestIPv6RejectsWrongVersion(t *testing.T) {
	var b Buffer
	off := BuildEthernet(&b, BroadcastMAC, [6]byte{0x02, 0, 0, 0, 0, 1}, EtherTypeIPv6)
	if _, err := BuildIPv6(&b, off, [16]byte{}, [16]byte{}, ProtoUDP, 0); err != nil {
		t.Fatalf("build: %v", err)
	}
	b.At(off)[0] = 4 << 4
	if _, _, err := ParseIPv6(&b, off); err == nil {
		t.Fatalf("expected error for version 4 header")
	}
}

func TestIPv6RejectsTruncatedHeader(t *testing.T) {
	var b Buffer
	if err := b.SetLen(EthernetHeaderLen + IPv6HeaderLen - 1); err != nil {
		t.Fatalf("set len: %v", err)
	}
	if _, _, err := ParseIPv6(&b, EthernetHeaderLen); err == nil {
		t.Fatalf("expected error for truncated header")
	}
}

func TestIPv6AddressPredicates(t *testing.T) {
	if !IsUnspecified([16]byte{}) {
		t.Fatalf(":: not unspecified")
	}
	if IsUnspecified([16]byte{15: 1}) {
		t.Fatalf("::1 reported unspecified")
	}
	if !IsLoopback([16]byte{15: 1}) {
		t.Fatalf("::1 not loopback")
	}
	if IsLoopback([16]byte{15: 2}) {
		t.Fatalf("::2 reported loopback")
	}
	if !IsLinkLocal([16]byte{0xfe, 0x80, 15: 1}) {
		t.Fatalf("fe80::1 not link local")
	}
	if !IsLinkLocal([16]byte{0xfe, 0xbf, 15: 1}) {
		t.Fatalf("febf::1 not link local")
	}
	if IsLinkLocal([16]byte{0xfe, 0xc0, 15: 1}) {
		t.Fatalf("fec0::1 reported link local")
	}
	if IsLinkLocal([16]byte{0x20, 0x01, 15: 1}) {
		t.Fatalf("2001::1 reported link local")
	}
}
