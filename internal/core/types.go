// Package core defines core types with zero external dependencies.
package core

import (
	"fmt"
	"net/netip"
)

// IP protocol numbers carried in the IPv4 protocol field.
const (
	ProtocolICMP uint8 = 1
	ProtocolTCP  uint8 = 6
	ProtocolUDP  uint8 = 17
)

// Endpoint is an IPv4 address and transport port pair. The zero Addr
// (or 0.0.0.0) and port 0 act as wildcards in PCB lookups.
type Endpoint struct {
	Addr netip.Addr
	Port uint16
}

// AnyAddr is the IPv4 wildcard address.
var AnyAddr = netip.IPv4Unspecified()

// BroadcastAddr is the limited broadcast address 255.255.255.255.
var BroadcastAddr = netip.AddrFrom4([4]byte{255, 255, 255, 255})

// IsWildcard reports whether a is unset or 0.0.0.0.
func IsWildcard(a netip.Addr) bool {
	return !a.IsValid() || a.IsUnspecified()
}

// Normalize maps an unset address to 0.0.0.0 so that endpoints compare equal.
func Normalize(a netip.Addr) netip.Addr {
	if !a.IsValid() {
		return AnyAddr
	}
	return a
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s:%d", Normalize(e.Addr), e.Port)
}

// ProtocolName returns a short name for an IP protocol number.
func ProtocolName(p uint8) string {
	switch p {
	case ProtocolICMP:
		return "icmp"
	case ProtocolTCP:
		return "tcp"
	case ProtocolUDP:
		return "udp"
	default:
		return fmt.Sprintf("proto-%d", p)
	}
}
