// ustack-sim brings the stack up against a scripted in-process peer: it
// acquires an address over DHCP (or uses a static config), resolves the
// gateway with ARP, looks up a hostname over DNS, and runs a short TCP
// session, optionally dumping every frame to a pcap file.
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/ustacklabs/ustack/internal/netcfg"
	"github.com/ustacklabs/ustack/internal/netstack"
)

func run() error {
	configPath := flag.String("config", "", "interface config file (YAML); defaults to a built-in DHCP config")
	pcapPath := flag.String("pcap", "", "write all frames to a pcap file")
	host := flag.String("host", "www.example.com", "hostname to resolve and connect to")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	config := netcfg.Config{MAC: "02:00:00:5a:11:22", UseDHCP: true}
	if *configPath != "" {
		var err error
		if config, err = netcfg.Load(*configPath); err != nil {
			return err
		}
	}
	ifc, err := config.Interface()
	if err != nil {
		return err
	}

	link := netstack.NewLink(logger, 256)
	defer link.Close()
	ifc.AttachTransmitter(link)

	if *pcapPath != "" {
		f, err := os.Create(*pcapPath)
		if err != nil {
			return fmt.Errorf("create pcap file: %w", err)
		}
		defer f.Close()
		if err := link.OpenPacketCapture(f); err != nil {
			return err
		}
	}

	sim := &simulation{
		log:  logger,
		ifc:  &ifc,
		link: link,
		peer: newPeer(),
	}

	if config.UseDHCP {
		lease, err := sim.acquireLease()
		if err != nil {
			return err
		}
		netcfg.ApplyLease(&ifc, lease)
		sim.dnsServer = lease.DNS
		logger.Info("lease acquired",
			"ip", netstack.FormatIPv4(ifc.IP),
			"gateway", netstack.FormatIPv4(ifc.Gateway),
			"netmask", netstack.FormatIPv4(ifc.Netmask),
			"dns", netstack.FormatIPv4(lease.DNS),
			"lease_time", lease.LeaseTime)
	} else {
		if sim.dnsServer, err = netcfg.ParseIPv4(config.DNSServer); err != nil {
			return fmt.Errorf("static config: %w", err)
		}
	}

	gwMAC, err := sim.resolveGateway()
	if err != nil {
		return err
	}
	logger.Info("gateway resolved", "ip", netstack.FormatIPv4(ifc.Gateway), "mac", netstack.FormatMAC(gwMAC))

	addr, err := sim.lookupHost(*host)
	if err != nil {
		return err
	}
	logger.Info("hostname resolved", "host", *host, "addr", netstack.FormatIPv4(addr))

	banner, err := sim.tcpSession(addr, 80, gwMAC, fmt.Sprintf("GET / HTTP/1.0\r\nHost: %s\r\n\r\n", *host))
	if err != nil {
		return err
	}
	logger.Info("tcp session complete", "received", banner)

	fmt.Println(banner)
	return nil
}

// simulation drives the host side of the exchange. The peer answers every
// frame synchronously, so each step is a plain send-then-pump sequence with
// no timers.
type simulation struct {
	log  *slog.Logger
	ifc  *netstack.Interface
	link *netstack.Link
	peer *peer

	arp       netstack.ARPTable
	dnsServer [4]byte

	dhcp    *netstack.DHCPClient
	dnsPort uint16
	dnsAddr [4]byte
	dnsOK   bool
	conn    *netstack.TCPConn
}

// pump drains every frame the host has transmitted, hands each to the peer,
// and feeds the peer's replies back through the host dispatch.
func (s *simulation) pump() {
	for {
		select {
		case frame := <-s.link.Frames():
			s.peer.handle(frame, func(reply *netstack.Buffer) {
				s.link.CaptureInbound(reply.Bytes())
				s.dispatch(reply)
			})
		default:
			return
		}
	}
}

// dispatch routes one inbound frame into the host-side protocol state.
func (s *simulation) dispatch(b *netstack.Buffer) {
	eth, err := netstack.ParseEthernet(b)
	if err != nil {
		return
	}
	switch eth.Type {
	case netstack.EtherTypeARP:
		pkt, err := netstack.ParseARP(b, netstack.EthernetHeaderLen)
		if err != nil {
			return
		}
		s.arp.Update(pkt.SenderIP, pkt.SenderMAC)
	case netstack.EtherTypeIPv4:
		hdr, off, err := netstack.ParseIPv4(b, netstack.EthernetHeaderLen)
		if err != nil {
			return
		}
		if hdr.Dst != s.ifc.IP && hdr.Dst != ([4]byte{255, 255, 255, 255}) {
			return
		}
		switch hdr.Protocol {
		case netstack.ProtoUDP:
			udp, payloadOff, err := netstack.ParseUDP(b, off)
			if err != nil {
				return
			}
			payload := b.At(payloadOff)[:int(udp.Length)-netstack.UDPHeaderLen]
			switch {
			case udp.DstPort == netstack.DHCPClientPort && s.dhcp != nil:
				if msgType, err := s.dhcp.ParseReply(payload); err != nil {
					s.log.Warn("dhcp reply rejected", "err", err)
				} else {
					s.log.Debug("dhcp reply", "type", msgType, "state", s.dhcp.State().String())
				}
			case s.dnsPort != 0 && udp.DstPort == s.dnsPort:
				addr, err := netstack.ParseDNSReply(payload)
				if err != nil {
					s.log.Warn("dns reply rejected", "err", err)
					return
				}
				s.dnsAddr = addr
				s.dnsOK = true
			}
		case netstack.ProtoTCP:
			if s.conn != nil {
				s.conn.Recv(b, off)
			}
		}
	}
}

// acquireLease runs the Discover/Offer/Request/Acknowledge exchange.
func (s *simulation) acquireLease() (netstack.Lease, error) {
	s.dhcp = netstack.NewDHCPClient(s.ifc.MAC, 0x5a110002)

	var b netstack.Buffer
	if _, err := s.dhcp.Discover(&b); err != nil {
		return netstack.Lease{}, err
	}
	if err := s.ifc.Tx(&b); err != nil {
		return netstack.Lease{}, err
	}
	s.pump()

	lease := s.dhcp.Lease()
	if lease.YourIP == ([4]byte{}) {
		return netstack.Lease{}, fmt.Errorf("no dhcp offer received")
	}
	if _, err := s.dhcp.Request(&b, lease.YourIP, lease.ServerIP); err != nil {
		return netstack.Lease{}, err
	}
	if err := s.ifc.Tx(&b); err != nil {
		return netstack.Lease{}, err
	}
	s.pump()

	if !s.dhcp.IsBound() {
		return netstack.Lease{}, fmt.Errorf("dhcp exchange ended in state %s", s.dhcp.State())
	}
	return s.dhcp.Lease(), nil
}

// resolveGateway ARPs for the default gateway.
func (s *simulation) resolveGateway() ([6]byte, error) {
	var b netstack.Buffer
	netstack.BuildEthernet(&b, netstack.BroadcastMAC, s.ifc.MAC, netstack.EtherTypeARP)
	if _, err := netstack.BuildARP(&b, netstack.ARPPacket{
		Op:        netstack.ARPOpRequest,
		SenderMAC: s.ifc.MAC,
		SenderIP:  s.ifc.IP,
		TargetIP:  s.ifc.Gateway,
	}); err != nil {
		return [6]byte{}, err
	}
	if err := s.ifc.Tx(&b); err != nil {
		return [6]byte{}, err
	}
	s.pump()

	mac, ok := s.arp.Lookup(s.ifc.Gateway)
	if !ok {
		return [6]byte{}, fmt.Errorf("gateway %s did not answer arp", netstack.FormatIPv4(s.ifc.Gateway))
	}
	return mac, nil
}

// lookupHost queries the configured resolver for hostname's address.
func (s *simulation) lookupHost(hostname string) ([4]byte, error) {
	gwMAC, ok := s.arp.Lookup(s.ifc.Gateway)
	if !ok {
		return [4]byte{}, fmt.Errorf("gateway not resolved")
	}
	s.dnsPort = 33000
	s.dnsOK = false

	var b netstack.Buffer
	if _, err := netstack.BuildDNSQuery(&b, gwMAC, s.ifc.MAC, s.ifc.IP, s.dnsServer, s.dnsPort, hostname); err != nil {
		return [4]byte{}, err
	}
	if err := s.ifc.Tx(&b); err != nil {
		return [4]byte{}, err
	}
	s.pump()

	if !s.dnsOK {
		return [4]byte{}, fmt.Errorf("no dns answer for %q", hostname)
	}
	return s.dnsAddr, nil
}

// tcpSession opens a connection, sends request, reads the peer's response,
// and closes cleanly.
func (s *simulation) tcpSession(addr [4]byte, port uint16, gwMAC [6]byte, request string) (string, error) {
	s.conn = new(netstack.TCPConn)
	s.conn.Connect(addr, port, s.ifc.IP, 49152, 0x1000)

	send := func() error {
		var b netstack.Buffer
		if n := s.conn.BuildSegment(&b, s.ifc.MAC, gwMAC); n == 0 {
			return nil
		}
		if err := s.ifc.Tx(&b); err != nil {
			return err
		}
		s.pump()
		return nil
	}

	// SYN out; the peer's SYN-ACK comes back in the same pump.
	if err := send(); err != nil {
		return "", err
	}
	if s.conn.State() != netstack.TCPStateEstablished {
		return "", fmt.Errorf("handshake stalled in %s", s.conn.State())
	}
	// Handshake ACK.
	if err := send(); err != nil {
		return "", err
	}

	s.conn.Send([]byte(request))
	if err := send(); err != nil {
		return "", err
	}
	if s.conn.Buffered() == 0 {
		return "", fmt.Errorf("no response from peer")
	}
	response := make([]byte, netstack.TCPRxBufSize)
	n := s.conn.Read(response)

	s.conn.Close()
	if err := send(); err != nil {
		return "", err
	}
	if s.conn.State() != netstack.TCPStateTimeWait {
		return "", fmt.Errorf("close stalled in %s", s.conn.State())
	}
	return string(response[:n]), nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "ustack-sim: %v\n", err)
		os.Exit(1)
	}
}

// peer is the scripted far end of the link: gateway, DHCP server, resolver,
// and TCP server in one. It answers synchronously and keeps just enough
// state for a single TCP session.
type peer struct {
	mac     [6]byte
	ip      [4]byte
	leaseIP [4]byte

	tcpSndNxt uint32
	tcpRcvNxt uint32
	tcpOpen   bool
	banner    string
}

func newPeer() *peer {
	return &peer{
		mac:     [6]byte{0x02, 0x00, 0x00, 0x00, 0x00, 0xfe},
		ip:      [4]byte{192, 168, 77, 1},
		leaseIP: [4]byte{192, 168, 77, 50},
		banner:  "HTTP/1.0 200 OK\r\n\r\nustack-sim peer ready\n",
	}
}

// handle processes one frame from the host and emits zero or more replies.
func (p *peer) handle(frame []byte, emit func(*netstack.Buffer)) {
	var b netstack.Buffer
	if len(frame) > netstack.MTU {
		return
	}
	copy(b.At(0), frame)
	if b.SetLen(len(frame)) != nil {
		return
	}

	eth, err := netstack.ParseEthernet(&b)
	if err != nil {
		return
	}
	switch eth.Type {
	case netstack.EtherTypeARP:
		p.handleARP(&b, emit)
	case netstack.EtherTypeIPv4:
		hdr, off, err := netstack.ParseIPv4(&b, netstack.EthernetHeaderLen)
		if err != nil {
			return
		}
		switch hdr.Protocol {
		case netstack.ProtoUDP:
			p.handleUDP(&b, eth, hdr, off, emit)
		case netstack.ProtoTCP:
			p.handleTCP(&b, eth, hdr, off, emit)
		}
	}
}

func (p *peer) handleARP(b *netstack.Buffer, emit func(*netstack.Buffer)) {
	pkt, err := netstack.ParseARP(b, netstack.EthernetHeaderLen)
	if err != nil || pkt.Op != netstack.ARPOpRequest || pkt.TargetIP != p.ip {
		return
	}
	var reply netstack.Buffer
	netstack.BuildEthernet(&reply, pkt.SenderMAC, p.mac, netstack.EtherTypeARP)
	if _, err := netstack.BuildARP(&reply, netstack.ARPPacket{
		Op:        netstack.ARPOpReply,
		SenderMAC: p.mac,
		SenderIP:  p.ip,
		TargetMAC: pkt.SenderMAC,
		TargetIP:  pkt.SenderIP,
	}); err != nil {
		return
	}
	emit(&reply)
}

func (p *peer) handleUDP(b *netstack.Buffer, eth netstack.EthernetHeader, ip netstack.IPv4Header, off int, emit func(*netstack.Buffer)) {
	udp, payloadOff, err := netstack.ParseUDP(b, off)
	if err != nil {
		return
	}
	payload := b.At(payloadOff)[:int(udp.Length)-netstack.UDPHeaderLen]

	switch udp.DstPort {
	case netstack.DHCPServerPort:
		p.handleDHCP(eth.Src, payload, emit)
	case netstack.DNSPort:
		p.handleDNS(eth.Src, ip.Src, udp.SrcPort, payload, emit)
	}
}

// handleDHCP answers Discover with an Offer and Request with an Ack.
func (p *peer) handleDHCP(clientMAC [6]byte, msg []byte, emit func(*netstack.Buffer)) {
	const fixedLen = 236
	if len(msg) < fixedLen+4 || msg[0] != 1 {
		return
	}
	xid := binary.BigEndian.Uint32(msg[4:8])

	// Scan the options for the message type.
	var reqType byte
	for off := fixedLen + 4; off+2 < len(msg); {
		code := msg[off]
		if code == 255 {
			break
		}
		if code == 0 {
			off++
			continue
		}
		optLen := int(msg[off+1])
		if code == 53 && optLen == 1 {
			reqType = msg[off+2]
		}
		off += 2 + optLen
	}

	var replyType byte
	switch reqType {
	case netstack.DHCPDiscover:
		replyType = netstack.DHCPOffer
	case netstack.DHCPRequest:
		replyType = netstack.DHCPAck
	default:
		return
	}

	// BOOTREPLY with the lease options a basic server hands out.
	options := []byte{
		53, 1, replyType,
		1, 4, 255, 255, 255, 0,
		3, 4, p.ip[0], p.ip[1], p.ip[2], p.ip[3],
		6, 4, p.ip[0], p.ip[1], p.ip[2], p.ip[3],
		51, 4, 0x00, 0x00, 0x0e, 0x10,
		54, 4, p.ip[0], p.ip[1], p.ip[2], p.ip[3],
		255,
	}
	var reply netstack.Buffer
	off, err := netstack.UDPFrame(&reply, clientMAC, p.mac,
		p.ip, [4]byte{255, 255, 255, 255},
		netstack.DHCPServerPort, netstack.DHCPClientPort, fixedLen+4+len(options))
	if err != nil {
		return
	}
	data := reply.At(off)
	for i := 0; i < fixedLen; i++ {
		data[i] = 0
	}
	data[0] = 2 // BOOTREPLY
	data[1] = 1
	data[2] = 6
	binary.BigEndian.PutUint32(data[4:8], xid)
	copy(data[16:20], p.leaseIP[:])
	copy(data[20:24], p.ip[:])
	copy(data[28:34], clientMAC[:])
	copy(data[fixedLen:], []byte{0x63, 0x82, 0x53, 0x63})
	copy(data[fixedLen+4:], options)
	emit(&reply)
}

// handleDNS echoes the question back with a single fixed A record, the
// answer name compressed with a pointer to the question.
func (p *peer) handleDNS(clientMAC [6]byte, clientIP [4]byte, clientPort uint16, query []byte, emit func(*netstack.Buffer)) {
	const headerLen = 12
	if len(query) < headerLen {
		return
	}

	// Find the end of the first question.
	qEnd := headerLen
	for qEnd < len(query) && query[qEnd] != 0 {
		qEnd += int(query[qEnd]) + 1
	}
	qEnd += 1 + 4 // root label + QTYPE/QCLASS
	if qEnd > len(query) {
		return
	}
	question := query[headerLen:qEnd]

	answer := []byte{
		0xc0, 0x0c, // pointer to the question name
		0x00, 0x01, 0x00, 0x01, // TYPE A, CLASS IN
		0x00, 0x00, 0x00, 0x3c, // TTL 60
		0x00, 0x04, 203, 0, 113, 10,
	}
	msgLen := headerLen + len(question) + len(answer)

	var reply netstack.Buffer
	off, err := netstack.UDPFrame(&reply, clientMAC, p.mac, p.ip, clientIP,
		netstack.DNSPort, clientPort, msgLen)
	if err != nil {
		return
	}
	data := reply.At(off)
	copy(data[0:2], query[0:2]) // transaction id
	binary.BigEndian.PutUint16(data[2:4], 0x8180)
	binary.BigEndian.PutUint16(data[4:6], 1)
	binary.BigEndian.PutUint16(data[6:8], 1)
	binary.BigEndian.PutUint16(data[8:10], 0)
	binary.BigEndian.PutUint16(data[10:12], 0)
	copy(data[headerLen:], question)
	copy(data[headerLen+len(question):], answer)
	emit(&reply)
}

// handleTCP is a minimal passive-open server: SYN-ACK on SYN, ACK plus a
// canned response on data, ACK then FIN on the client's FIN.
func (p *peer) handleTCP(b *netstack.Buffer, eth netstack.EthernetHeader, ip netstack.IPv4Header, off int, emit func(*netstack.Buffer)) {
	hdr, payloadOff, err := netstack.ParseTCP(b, off)
	if err != nil {
		return
	}
	payloadLen := b.Len() - payloadOff

	reply := func(flags uint8, payload []byte) {
		var out netstack.Buffer
		p.sendSegment(&out, eth.Src, ip.Src, ip.Dst, hdr.DstPort, hdr.SrcPort, flags, payload)
		emit(&out)
	}

	switch {
	case hdr.Flags&netstack.TCPFlagSYN != 0:
		p.tcpRcvNxt = hdr.Seq + 1
		p.tcpSndNxt = 0x9000
		p.tcpOpen = true
		reply(netstack.TCPFlagSYN|netstack.TCPFlagACK, nil)
		p.tcpSndNxt++
	case !p.tcpOpen:
		return
	case hdr.Flags&netstack.TCPFlagFIN != 0:
		p.tcpRcvNxt += uint32(payloadLen) + 1
		reply(netstack.TCPFlagACK, nil)
		reply(netstack.TCPFlagFIN|netstack.TCPFlagACK, nil)
		p.tcpSndNxt++
		p.tcpOpen = false
	case payloadLen > 0:
		p.tcpRcvNxt += uint32(payloadLen)
		reply(netstack.TCPFlagACK|netstack.TCPFlagPSH, []byte(p.banner))
		p.tcpSndNxt += uint32(len(p.banner))
	}
}

func (p *peer) sendSegment(b *netstack.Buffer, dstMAC [6]byte, dstIP, srcIP [4]byte, srcPort, dstPort uint16, flags uint8, payload []byte) {
	off := netstack.BuildEthernet(b, dstMAC, p.mac, netstack.EtherTypeIPv4)
	off, err := netstack.BuildIPv4(b, off, srcIP, dstIP, netstack.ProtoTCP, netstack.TCPHeaderLen+len(payload))
	if err != nil {
		return
	}
	data := b.At(off)
	binary.BigEndian.PutUint16(data[0:2], srcPort)
	binary.BigEndian.PutUint16(data[2:4], dstPort)
	binary.BigEndian.PutUint32(data[4:8], p.tcpSndNxt)
	binary.BigEndian.PutUint32(data[8:12], p.tcpRcvNxt)
	data[12] = netstack.TCPHeaderLen / 4 << 4
	data[13] = flags
	binary.BigEndian.PutUint16(data[14:16], 65535)
	binary.BigEndian.PutUint16(data[16:18], 0)
	binary.BigEndian.PutUint16(data[18:20], 0)
	copy(data[netstack.TCPHeaderLen:], payload)
	segment := data[:netstack.TCPHeaderLen+len(payload)]
	binary.BigEndian.PutUint16(data[16:18], netstack.TransportChecksum(srcIP, dstIP, netstack.ProtoTCP, segment))
}
