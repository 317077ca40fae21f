// Package interop drives the stack against gVisor's netstack over an
// in-memory Ethernet link. gVisor plays the remote peer: it answers our ARP
// requests, terminates our TCP connections, and echoes our UDP datagrams, so
// every byte the codec layers emit is validated by an independent
// implementation.
package interop

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ustacklabs/ustack/internal/netstack"

	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
	"gvisor.dev/gvisor/pkg/tcpip/link/ethernet"
	"gvisor.dev/gvisor/pkg/tcpip/network/arp"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"
	"gvisor.dev/gvisor/pkg/waiter"
)

const peerNICID tcpip.NICID = 1

var (
	hostMAC = [6]byte{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	peerMAC = [6]byte{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}
	hostIP  = [4]byte{10, 42, 0, 1}
	peerIP  = [4]byte{10, 42, 0, 2}
)

type udpDatagram struct {
	srcIP   [4]byte
	srcPort uint16
	payload []byte
}

// harness wires our interface to a gVisor stack frame-for-frame. The mutex
// guards the single-threaded stack state (connection, ARP table) against the
// pump goroutine that feeds it inbound frames.
type harness struct {
	tb     testing.TB
	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	ifc  netstack.Interface
	arp  netstack.ARPTable
	conn *netstack.TCPConn

	link  *netstack.Link
	udpIn chan udpDatagram

	gs *stack.Stack
	ch *channel.Endpoint
}

func addrFrom4(ip [4]byte) tcpip.Address { return tcpip.AddrFrom4(ip) }

func newHarness(tb testing.TB) *harness {
	tb.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))

	h := &harness{
		tb:     tb,
		ctx:    ctx,
		cancel: cancel,
		ifc: netstack.Interface{
			MAC:     hostMAC,
			IP:      hostIP,
			Gateway: peerIP,
			Netmask: [4]byte{255, 255, 255, 0},
		},
		link:  netstack.NewLink(logger, 4096),
		udpIn: make(chan udpDatagram, 64),
	}
	h.ifc.AttachTransmitter(h.link)

	// channel.Endpoint.MTU is the L2 MTU; ethernet.Endpoint subtracts the
	// link header to get the L3 MTU. Use 1500 L3 MTU.
	h.ch = channel.New(4096, 1500+header.EthernetMinimumSize, tcpip.LinkAddress(peerMAC[:]))
	ep := ethernet.New(h.ch)
	h.gs = stack.New(stack.Options{
		NetworkProtocols:   []stack.NetworkProtocolFactory{ipv4.NewProtocol, arp.NewProtocol},
		TransportProtocols: []stack.TransportProtocolFactory{tcp.NewProtocol, udp.NewProtocol},
	})
	if err := h.gs.CreateNIC(peerNICID, ep); err != nil {
		tb.Fatalf("gvisor CreateNIC: %v", err)
	}
	if err := h.gs.AddProtocolAddress(
		peerNICID,
		tcpip.ProtocolAddress{
			Protocol: ipv4.ProtocolNumber,
			AddressWithPrefix: tcpip.AddressWithPrefix{
				Address:   addrFrom4(peerIP),
				PrefixLen: 24,
			},
		},
		stack.AddressProperties{},
	); err != nil {
		tb.Fatalf("gvisor AddProtocolAddress: %v", err)
	}
	h.gs.SetRouteTable([]tcpip.Route{
		{
			Destination: header.IPv4EmptySubnet,
			Gateway:     addrFrom4(hostIP),
			NIC:         peerNICID,
		},
	})

	// host -> gVisor
	go func() {
		for frame := range h.link.Frames() {
			pkt := stack.NewPacketBuffer(stack.PacketBufferOptions{
				Payload: buffer.MakeWithData(frame),
			})
			// The ethernet link endpoint ignores the protocol argument and
			// parses the link header from the packet contents.
			h.ch.InjectInbound(0, pkt)
		}
	}()

	// gVisor -> host
	go func() {
		for {
			pkt := h.ch.ReadContext(h.ctx)
			if pkt == nil {
				return
			}
			frame := append([]byte(nil), pkt.ToView().AsSlice()...)
			pkt.DecRef()
			h.handleFrame(frame)
		}
	}()

	tb.Cleanup(func() {
		h.cancel()
		h.ch.Close()
		h.link.Close()
	})
	return h
}

// handleFrame is the harness's receive loop body: it demultiplexes one
// inbound frame into the ARP table, the TCP connection, or the UDP queue.
func (h *harness) handleFrame(frame []byte) {
	var b netstack.Buffer
	if len(frame) > netstack.MTU {
		return
	}
	copy(b.At(0), frame)
	if err := b.SetLen(len(frame)); err != nil {
		return
	}

	eth, err := netstack.ParseEthernet(&b)
	if err != nil {
		return
	}
	switch eth.Type {
	case netstack.EtherTypeARP:
		h.handleARP(&b)
	case netstack.EtherTypeIPv4:
		h.handleIPv4(&b)
	}
}

func (h *harness) handleARP(b *netstack.Buffer) {
	pkt, err := netstack.ParseARP(b, netstack.EthernetHeaderLen)
	if err != nil {
		return
	}

	h.mu.Lock()
	h.arp.Update(pkt.SenderIP, pkt.SenderMAC)
	h.mu.Unlock()

	if pkt.Op == netstack.ARPOpRequest && pkt.TargetIP == h.ifc.IP {
		var reply netstack.Buffer
		netstack.BuildEthernet(&reply, pkt.SenderMAC, h.ifc.MAC, netstack.EtherTypeARP)
		_, err := netstack.BuildARP(&reply, netstack.ARPPacket{
			Op:        netstack.ARPOpReply,
			SenderMAC: h.ifc.MAC,
			SenderIP:  h.ifc.IP,
			TargetMAC: pkt.SenderMAC,
			TargetIP:  pkt.SenderIP,
		})
		if err != nil {
			h.tb.Errorf("build arp reply: %v", err)
			return
		}
		if err := h.ifc.Tx(&reply); err != nil {
			h.tb.Errorf("transmit arp reply: %v", err)
		}
	}
}

func (h *harness) handleIPv4(b *netstack.Buffer) {
	hdr, off, err := netstack.ParseIPv4(b, netstack.EthernetHeaderLen)
	if err != nil || hdr.Dst != h.ifc.IP {
		return
	}
	switch hdr.Protocol {
	case netstack.ProtoTCP:
		h.mu.Lock()
		if h.conn != nil {
			h.conn.Recv(b, off)
		}
		h.mu.Unlock()
	case netstack.ProtoUDP:
		udpHdr, payloadOff, err := netstack.ParseUDP(b, off)
		if err != nil {
			return
		}
		payload := append([]byte(nil), b.At(payloadOff)[:int(udpHdr.Length)-netstack.UDPHeaderLen]...)
		select {
		case h.udpIn <- udpDatagram{srcIP: hdr.Src, srcPort: udpHdr.SrcPort, payload: payload}:
		default:
			h.tb.Errorf("udp receive queue full")
		}
	}
}

// resolve ARPs for ip and blocks until the reply lands in the table.
func (h *harness) resolve(ip [4]byte) [6]byte {
	h.tb.Helper()

	var b netstack.Buffer
	netstack.BuildEthernet(&b, netstack.BroadcastMAC, h.ifc.MAC, netstack.EtherTypeARP)
	if _, err := netstack.BuildARP(&b, netstack.ARPPacket{
		Op:        netstack.ARPOpRequest,
		SenderMAC: h.ifc.MAC,
		SenderIP:  h.ifc.IP,
		TargetIP:  ip,
	}); err != nil {
		h.tb.Fatalf("build arp request: %v", err)
	}
	if err := h.ifc.Tx(&b); err != nil {
		h.tb.Fatalf("transmit arp request: %v", err)
	}

	var mac [6]byte
	h.waitFor("arp resolution", func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		m, ok := h.arp.Lookup(ip)
		mac = m
		return ok
	})
	return mac
}

// attach installs the connection the pump delivers TCP segments to.
func (h *harness) attach(conn *netstack.TCPConn) {
	h.mu.Lock()
	h.conn = conn
	h.mu.Unlock()
}

// sendSegment emits the connection's next segment, if any, to the peer.
func (h *harness) sendSegment(peer [6]byte) {
	h.tb.Helper()
	h.mu.Lock()
	var b netstack.Buffer
	n := h.conn.BuildSegment(&b, h.ifc.MAC, peer)
	h.mu.Unlock()
	if n == 0 {
		return
	}
	if err := h.ifc.Tx(&b); err != nil {
		h.tb.Fatalf("transmit segment: %v", err)
	}
}

func (h *harness) connState() netstack.TCPState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conn.State()
}

func (h *harness) awaitState(want netstack.TCPState) {
	h.tb.Helper()
	h.waitFor("tcp state "+want.String(), func() bool {
		return h.connState() == want
	})
}

func (h *harness) waitFor(what string, cond func() bool) {
	h.tb.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			h.tb.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func (h *harness) awaitUDP() udpDatagram {
	h.tb.Helper()
	select {
	case d := <-h.udpIn:
		return d
	case <-time.After(5 * time.Second):
		h.tb.Fatalf("timeout waiting for udp datagram")
		return udpDatagram{}
	}
}

// peerListenTCP opens a gVisor-side TCP listener on the peer address.
func (h *harness) peerListenTCP(port uint16) *gonet.TCPListener {
	h.tb.Helper()
	listener, err := gonet.ListenTCP(h.gs, tcpip.FullAddress{
		NIC:  peerNICID,
		Addr: addrFrom4(peerIP),
		Port: port,
	}, ipv4.ProtocolNumber)
	if err != nil {
		h.tb.Fatalf("gvisor listen tcp: %v", err)
	}
	h.tb.Cleanup(func() { _ = listener.Close() })
	return listener
}

// peerBindUDP opens a gVisor-side UDP endpoint bound to the peer address.
func (h *harness) peerBindUDP(port uint16) tcpip.Endpoint {
	h.tb.Helper()
	var wq waiter.Queue
	ep, terr := h.gs.NewEndpoint(udp.ProtocolNumber, ipv4.ProtocolNumber, &wq)
	if terr != nil {
		h.tb.Fatalf("gvisor new udp endpoint: %v", terr)
	}
	if terr := ep.Bind(tcpip.FullAddress{
		NIC:  peerNICID,
		Addr: addrFrom4(peerIP),
		Port: port,
	}); terr != nil {
		ep.Close()
		h.tb.Fatalf("gvisor udp bind: %v", terr)
	}
	h.tb.Cleanup(ep.Close)
	return ep
}

func peerUDPRead(tb testing.TB, ep tcpip.Endpoint) (data []byte, from tcpip.FullAddress) {
	tb.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		buf := make([]byte, 64*1024)
		w := tcpip.SliceWriter(buf)
		res, terr := ep.Read(&w, tcpip.ReadOptions{NeedRemoteAddr: true})
		if terr == nil {
			return buf[:res.Count], res.RemoteAddr
		}
		if _, ok := terr.(*tcpip.ErrWouldBlock); ok {
			if time.Now().After(deadline) {
				tb.Fatalf("timeout waiting for gvisor udp read")
			}
			time.Sleep(time.Millisecond)
			continue
		}
		tb.Fatalf("gvisor udp read: %v", terr)
	}
}

func peerUDPWrite(tb testing.TB, ep tcpip.Endpoint, to tcpip.FullAddress, payload []byte) {
	tb.Helper()
	n, terr := ep.Write(bytes.NewReader(payload), tcpip.WriteOptions{To: &to})
	if terr != nil {
		tb.Fatalf("gvisor udp write: %v", terr)
	}
	if int(n) != len(payload) {
		tb.Fatalf("gvisor udp short write: %d != %d", n, len(payload))
	}
}
