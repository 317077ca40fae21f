package netstack

import "errors"

// ErrNoTransmitter is returned by Tx when no transmit capability has been
// attached to the interface.
var ErrNoTransmitter = errors.New("no transmitter attached to interface")

// Transmitter is the capability the link-layer driver injects into an
// Interface: anything that can put a frame on the wire and report failure.
// Implementations must not retain the slice beyond the call.
type Transmitter interface {
	Transmit(frame []byte) error
}

// Interface describes one network interface: its hardware address, assigned
// IPv4 configuration, and the driver-supplied transmit capability. It is
// created once at bring-up and read-mostly afterwards.
type Interface struct {
	MAC     [6]byte
	IP      [4]byte
	Gateway [4]byte
	Netmask [4]byte

	tx Transmitter
}

// AttachTransmitter registers the driver's transmit capability.
func (ifc *Interface) AttachTransmitter(tx Transmitter) { ifc.tx = tx }

// Tx hands the buffer's in-use bytes to the attached transmitter.
func (ifc *Interface) Tx(b *Buffer) error {
	if ifc.tx == nil {
		return ErrNoTransmitter
	}
	return ifc.tx.Transmit(b.Bytes())
}

// SameSubnet reports whether ip is on the interface's directly attached
// network. Addresses outside it are reached via the default gateway.
func (ifc *Interface) SameSubnet(ip [4]byte) bool {
	for i := range ip {
		if ip[i]&ifc.Netmask[i] != ifc.IP[i]&ifc.Netmask[i] {
			return false
		}
	}
	return true
}

// NextHop returns the address to ARP-resolve when sending to ip: ip itself
// when directly attached, the default gateway otherwise.
func (ifc *Interface) NextHop(ip [4]byte) [4]byte {
	if ifc.SameSubnet(ip) {
		return ip
	}
	return ifc.Gateway
}
