// Package netcfg loads declarative interface bring-up configuration. The
// stack itself never reads files; this package turns a YAML description into
// the addresses a driver assigns to a netstack.Interface before polling
// starts.
package netcfg

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ustacklabs/ustack/internal/netstack"
)

// Config is one interface description.
type Config struct {
	MAC     string `yaml:"mac"`
	IP      string `yaml:"ip"`
	Gateway string `yaml:"gateway"`
	Netmask string `yaml:"netmask"`

	// DNSServer is the resolver the DNS layer should query. Ignored when
	// UseDHCP is set; the lease's DNS server wins.
	DNSServer string `yaml:"dns_server,omitempty"`

	// UseDHCP requests address assignment via the DHCP client instead of the
	// static fields above.
	UseDHCP bool `yaml:"use_dhcp,omitempty"`
}

// Load reads and parses an interface description file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read interface config: %w", err)
	}
	return Parse(data)
}

// Parse decodes an interface description from YAML.
func Parse(data []byte) (Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return Config{}, fmt.Errorf("parse interface config: %w", err)
	}
	if !config.UseDHCP && config.IP == "" {
		return Config{}, fmt.Errorf("interface config needs an ip or use_dhcp")
	}
	return config, nil
}

// Interface builds the netstack interface described by the config. With
// UseDHCP set, the address fields stay zero until a lease is applied.
func (c Config) Interface() (netstack.Interface, error) {
	var ifc netstack.Interface
	mac, err := ParseMAC(c.MAC)
	if err != nil {
		return ifc, err
	}
	ifc.MAC = mac
	if c.UseDHCP {
		return ifc, nil
	}

	if ifc.IP, err = ParseIPv4(c.IP); err != nil {
		return ifc, err
	}
	if c.Gateway != "" {
		if ifc.Gateway, err = ParseIPv4(c.Gateway); err != nil {
			return ifc, err
		}
	}
	if c.Netmask != "" {
		if ifc.Netmask, err = ParseIPv4(c.Netmask); err != nil {
			return ifc, err
		}
	}
	return ifc, nil
}

// ApplyLease copies a DHCP lease's assignment onto the interface.
func ApplyLease(ifc *netstack.Interface, lease netstack.Lease) {
	ifc.IP = lease.YourIP
	ifc.Gateway = lease.Gateway
	ifc.Netmask = lease.Netmask
}

// ParseIPv4 parses dotted-decimal notation into a 4-byte address.
func ParseIPv4(s string) ([4]byte, error) {
	var ip [4]byte
	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return ip, fmt.Errorf("bad ipv4 address %q", s)
	}
	for i, p := range parts {
		v, err := strconv.ParseUint(p, 10, 8)
		if err != nil {
			return ip, fmt.Errorf("bad ipv4 address %q: %w", s, err)
		}
		ip[i] = byte(v)
	}
	return ip, nil
}

// ParseMAC parses colon-separated hex notation into a 6-byte address.
func ParseMAC(s string) ([6]byte, error) {
	var mac [6]byte
	parts := strings.Split(s, ":")
	if len(parts) != 6 {
		return mac, fmt.Errorf("bad mac address %q", s)
	}
	for i, p := range parts {
		v, err := strconv.ParseUint(p, 16, 8)
		if err != nil {
			return mac, fmt.Errorf("bad mac address %q: %w", s, err)
		}
		mac[i] = byte(v)
	}
	return mac, nil
}
