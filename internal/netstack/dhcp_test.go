package netstack

import (
	"bytes"
	"encoding/binary"
	"net"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

var (
	dhcpTestMAC = [6]byte{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	dhcpTestXid = uint32(0x22334455)
)

// decodeDHCP runs a frame we built through an independent decoder and
// returns its DHCP layer.
func decodeDHCP(tb testing.TB, frame []byte) *layers.DHCPv4 {
	tb.Helper()
	packet := gopacket.NewPacket(append([]byte(nil), frame...), layers.LayerTypeEthernet, gopacket.Default)
	if err := packet.ErrorLayer(); err != nil {
		tb.Fatalf("decode frame: %v", err.Error())
	}
	layer := packet.Layer(layers.LayerTypeDHCPv4)
	if layer == nil {
		tb.Fatalf("frame carries no dhcp layer")
	}
	return layer.(*layers.DHCPv4)
}

func dhcpOption(msg *layers.DHCPv4, code layers.DHCPOpt) ([]byte, bool) {
	for _, opt := range msg.Options {
		if opt.Type == code {
			return opt.Data, true
		}
	}
	return nil, false
}

// synthReply serializes a server response with an independent encoder, the
// way a real DHCP server would answer us.
func synthReply(tb testing.TB, msgType layers.DHCPMsgType, extra ...layers.DHCPOption) []byte {
	tb.Helper()
	reply := &layers.DHCPv4{
		Operation:    layers.DHCPOpReply,
		HardwareType: layers.LinkTypeEthernet,
		HardwareLen:  6,
		Xid:          dhcpTestXid,
		ClientIP:     net.IPv4zero.To4(),
		YourClientIP: net.IP{10, 0, 0, 50},
		NextServerIP: net.IP{10, 0, 0, 1},
		RelayAgentIP: net.IPv4zero.To4(),
		ClientHWAddr: net.HardwareAddr(dhcpTestMAC[:]),
		Options: append(layers.DHCPOptions{
			layers.NewDHCPOption(layers.DHCPOptMessageType, []byte{byte(msgType)}),
		}, extra...),
	}
	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{}, reply); err != nil {
		tb.Fatalf("serialize reply: %v", err)
	}
	return buf.Bytes()
}

func TestDHCPDiscoverWireFormat(t *testing.T) {
	client := NewDHCPClient(dhcpTestMAC, dhcpTestXid)
	if client.State() != DHCPStateIdle {
		t.Fatalf("fresh client state = %v, want IDLE", client.State())
	}

	var b Buffer
	if _, err := client.Discover(&b); err != nil {
		t.Fatalf("discover: %v", err)
	}
	if client.State() != DHCPStateSelecting {
		t.Fatalf("state = %v after discover, want SELECTING", client.State())
	}

	eth, err := ParseEthernet(&b)
	if err != nil {
		t.Fatalf("parse ethernet: %v", err)
	}
	if eth.Dst != BroadcastMAC {
		t.Fatalf("discover not broadcast at link layer: %v", eth.Dst)
	}
	ip, off, err := ParseIPv4(&b, EthernetHeaderLen)
	if err != nil {
		t.Fatalf("parse ipv4: %v", err)
	}
	if ip.Src != ([4]byte{}) || ip.Dst != ([4]byte{255, 255, 255, 255}) {
		t.Fatalf("discover addressing %v -> %v", ip.Src, ip.Dst)
	}
	udp, _, err := ParseUDP(&b, off)
	if err != nil {
		t.Fatalf("parse udp: %v", err)
	}
	if udp.SrcPort != DHCPClientPort || udp.DstPort != DHCPServerPort {
		t.Fatalf("discover ports %d -> %d", udp.SrcPort, udp.DstPort)
	}

	msg := decodeDHCP(t, b.Bytes())
	if msg.Operation != layers.DHCPOpRequest {
		t.Fatalf("operation = %v, want request", msg.Operation)
	}
	if msg.Xid != dhcpTestXid {
		t.Fatalf("xid = %#08x, want %#08x", msg.Xid, dhcpTestXid)
	}
	if msg.Flags&0x8000 == 0 {
		t.Fatalf("broadcast flag not set")
	}
	if !bytes.Equal(msg.ClientHWAddr, dhcpTestMAC[:]) {
		t.Fatalf("chaddr = %v", msg.ClientHWAddr)
	}
	if mt, ok := dhcpOption(msg, layers.DHCPOptMessageType); !ok || len(mt) != 1 || mt[0] != DHCPDiscover {
		t.Fatalf("message type option = %v %v", mt, ok)
	}
}

func TestDHCPRequestWireFormat(t *testing.T) {
	client := NewDHCPClient(dhcpTestMAC, dhcpTestXid)
	var b Buffer
	if _, err := client.Discover(&b); err != nil {
		t.Fatalf("discover: %v", err)
	}
	if _, err := client.Request(&b, [4]byte{10, 0, 0, 50}, [4]byte{10, 0, 0, 1}); err != nil {
		t.Fatalf("request: %v", err)
	}
	if client.State() != DHCPStateRequesting {
		t.Fatalf("state = %v after request, want REQUESTING", client.State())
	}

	msg := decodeDHCP(t, b.Bytes())
	if mt, ok := dhcpOption(msg, layers.DHCPOptMessageType); !ok || mt[0] != DHCPRequest {
		t.Fatalf("message type option = %v %v", mt, ok)
	}
	if ip, ok := dhcpOption(msg, layers.DHCPOptRequestIP); !ok || !bytes.Equal(ip, []byte{10, 0, 0, 50}) {
		t.Fatalf("requested ip option = %v %v", ip, ok)
	}
	if id, ok := dhcpOption(msg, layers.DHCPOptServerID); !ok || !bytes.Equal(id, []byte{10, 0, 0, 1}) {
		t.Fatalf("server id option = %v %v", id, ok)
	}
}

// Walks the full Discover/Offer/Request/Acknowledge exchange against
// server messages produced by an independent encoder.
func TestDHCPExchange(t *testing.T) {
	client := NewDHCPClient(dhcpTestMAC, dhcpTestXid)
	var b Buffer
	if _, err := client.Discover(&b); err != nil {
		t.Fatalf("discover: %v", err)
	}

	offer := synthReply(t, layers.DHCPMsgTypeOffer,
		layers.NewDHCPOption(layers.DHCPOptSubnetMask, []byte{255, 255, 255, 0}),
		layers.NewDHCPOption(layers.DHCPOptRouter, []byte{10, 0, 0, 1}),
		layers.NewDHCPOption(layers.DHCPOptDNS, []byte{10, 0, 0, 53}),
		layers.NewDHCPOption(layers.DHCPOptLeaseTime, []byte{0x00, 0x00, 0x0e, 0x10}),
		layers.NewDHCPOption(layers.DHCPOptServerID, []byte{10, 0, 0, 1}),
	)
	msgType, err := client.ParseReply(offer)
	if err != nil {
		t.Fatalf("parse offer: %v", err)
	}
	if msgType != DHCPOffer {
		t.Fatalf("message type = %d, want offer", msgType)
	}
	if client.State() != DHCPStateSelecting {
		t.Fatalf("offer alone moved state to %v", client.State())
	}

	lease := client.Lease()
	if lease.YourIP != ([4]byte{10, 0, 0, 50}) {
		t.Fatalf("offered ip = %v", lease.YourIP)
	}
	if lease.ServerIP != ([4]byte{10, 0, 0, 1}) {
		t.Fatalf("server ip = %v", lease.ServerIP)
	}

	if _, err := client.Request(&b, lease.YourIP, lease.ServerIP); err != nil {
		t.Fatalf("request: %v", err)
	}

	ack := synthReply(t, layers.DHCPMsgTypeAck,
		layers.NewDHCPOption(layers.DHCPOptSubnetMask, []byte{255, 255, 255, 0}),
		layers.NewDHCPOption(layers.DHCPOptRouter, []byte{10, 0, 0, 1}),
		layers.NewDHCPOption(layers.DHCPOptDNS, []byte{10, 0, 0, 53}),
		layers.NewDHCPOption(layers.DHCPOptLeaseTime, []byte{0x00, 0x00, 0x0e, 0x10}),
		layers.NewDHCPOption(layers.DHCPOptServerID, []byte{10, 0, 0, 1}),
	)
	msgType, err = client.ParseReply(ack)
	if err != nil {
		t.Fatalf("parse ack: %v", err)
	}
	if msgType != DHCPAck {
		t.Fatalf("message type = %d, want ack", msgType)
	}
	if !client.IsBound() {
		t.Fatalf("client not bound after ack")
	}

	lease = client.Lease()
	if lease.Netmask != ([4]byte{255, 255, 255, 0}) {
		t.Fatalf("netmask = %v", lease.Netmask)
	}
	if lease.Gateway != ([4]byte{10, 0, 0, 1}) {
		t.Fatalf("gateway = %v", lease.Gateway)
	}
	if lease.DNS != ([4]byte{10, 0, 0, 53}) {
		t.Fatalf("dns = %v", lease.DNS)
	}
	if lease.LeaseTime != 3600 {
		t.Fatalf("lease time = %d, want 3600", lease.LeaseTime)
	}
}

func TestDHCPNakDoesNotBind(t *testing.T) {
	client := NewDHCPClient(dhcpTestMAC, dhcpTestXid)
	var b Buffer
	if _, err := client.Discover(&b); err != nil {
		t.Fatalf("discover: %v", err)
	}
	if _, err := client.Request(&b, [4]byte{10, 0, 0, 50}, [4]byte{10, 0, 0, 1}); err != nil {
		t.Fatalf("request: %v", err)
	}

	msgType, err := client.ParseReply(synthReply(t, layers.DHCPMsgTypeNak))
	if err != nil {
		t.Fatalf("parse nak: %v", err)
	}
	if msgType != DHCPNak {
		t.Fatalf("message type = %d, want nak", msgType)
	}
	if client.IsBound() {
		t.Fatalf("client bound after nak")
	}
	if client.State() != DHCPStateRequesting {
		t.Fatalf("state = %v after nak", client.State())
	}
}

// rawReply hand-assembles a minimal server message for the malformed cases
// an independent encoder refuses to produce.
func rawReply(xid uint32, msgType byte) []byte {
	msg := make([]byte, dhcpFixedLen+4+4)
	msg[0] = bootpReply
	binary.BigEndian.PutUint32(msg[4:8], xid)
	copy(msg[dhcpFixedLen:], dhcpMagicCookie[:])
	opt := dhcpFixedLen + 4
	msg[opt] = dhcpOptMessageType
	msg[opt+1] = 1
	msg[opt+2] = msgType
	msg[opt+3] = dhcpOptEnd
	return msg
}

func TestDHCPParseReplyRejections(t *testing.T) {
	client := NewDHCPClient(dhcpTestMAC, dhcpTestXid)

	short := rawReply(dhcpTestXid, DHCPOffer)[:dhcpFixedLen+3]
	if _, err := client.ParseReply(short); err == nil {
		t.Fatalf("expected error for truncated message")
	}

	wrongOp := rawReply(dhcpTestXid, DHCPOffer)
	wrongOp[0] = bootpRequest
	if _, err := client.ParseReply(wrongOp); err == nil {
		t.Fatalf("expected error for bootrequest opcode")
	}

	if _, err := client.ParseReply(rawReply(dhcpTestXid+1, DHCPOffer)); err == nil {
		t.Fatalf("expected error for foreign transaction id")
	}

	badCookie := rawReply(dhcpTestXid, DHCPOffer)
	badCookie[dhcpFixedLen] = 0x00
	if _, err := client.ParseReply(badCookie); err == nil {
		t.Fatalf("expected error for missing magic cookie")
	}

	noType := rawReply(dhcpTestXid, DHCPOffer)
	noType[dhcpFixedLen+4] = dhcpOptEnd
	if _, err := client.ParseReply(noType); err == nil {
		t.Fatalf("expected error for reply without message type")
	}
}
