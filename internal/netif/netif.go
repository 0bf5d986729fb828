// Package netif holds interface records and the link-layer contract the IP
// layer transmits through.
package netif

import (
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"

	"firestige.xyz/netstack/internal/core"
	"firestige.xyz/netstack/internal/mbuf"
)

// Flags describe interface capabilities and state.
type Flags uint16

const (
	FlagUp Flags = 1 << iota
	FlagBroadcast
	FlagLoopback
	FlagPointToPoint
	FlagRunning
)

func (f Flags) String() string {
	s := ""
	for _, c := range []struct {
		f    Flags
		name string
	}{{FlagUp, "UP"}, {FlagBroadcast, "BROADCAST"}, {FlagLoopback, "LOOPBACK"}, {FlagPointToPoint, "POINTOPOINT"}, {FlagRunning, "RUNNING"}} {
		if f&c.f != 0 {
			if s != "" {
				s += ","
			}
			s += c.name
		}
	}
	return s
}

// RxFunc receives an inbound frame. The slice is owned by the callee.
type RxFunc func(frame []byte)

// LinkEndpoint is the link-layer collaborator.
type LinkEndpoint interface {
	// Output transmits m toward nextHop: one IPv4 packet, or several
	// linked through NextPkt that go out in order. It takes ownership of
	// every packet on every path.
	Output(ifp *Interface, m *mbuf.Mbuf, nextHop netip.Addr) error
	// Attach installs the receive function for inbound frames.
	Attach(rx RxFunc)
	// Close stops the endpoint.
	Close() error
}

// Address is one configured IPv4 address.
type Address struct {
	Prefix    netip.Prefix
	Broadcast netip.Addr
}

// Addr returns the local address.
func (a Address) Addr() netip.Addr { return a.Prefix.Addr() }

// Subnet returns the network number (host part zero).
func (a Address) Subnet() netip.Addr { return a.Prefix.Masked().Addr() }

// Contains reports whether ip is on this subnet.
func (a Address) Contains(ip netip.Addr) bool { return a.Prefix.Masked().Contains(ip) }

func directedBroadcast(p netip.Prefix) netip.Addr {
	b := p.Masked().Addr().As4()
	hostBits := 32 - p.Bits()
	for i := 3; i >= 0 && hostBits > 0; i-- {
		n := min(hostBits, 8)
		b[i] |= byte(0xff >> (8 - n))
		hostBits -= n
	}
	return netip.AddrFrom4(b)
}

// Stats are interface packet counters.
type Stats struct {
	InPackets  atomic.Uint64
	InErrors   atomic.Uint64
	InDrops    atomic.Uint64
	OutPackets atomic.Uint64
	OutErrors  atomic.Uint64
	InBytes    atomic.Uint64
	OutBytes   atomic.Uint64
}

// Interface is one network interface.
type Interface struct {
	Name  string
	Index int

	mu     sync.RWMutex
	mtu    int
	metric int
	flags  Flags
	addrs  []Address
	link   LinkEndpoint

	Stats Stats
}

// New creates an interface bound to link.
func New(name string, mtu int, flags Flags, link LinkEndpoint) *Interface {
	return &Interface{Name: name, mtu: mtu, flags: flags, link: link}
}

// MTU returns the interface MTU.
func (ifp *Interface) MTU() int {
	ifp.mu.RLock()
	defer ifp.mu.RUnlock()
	return ifp.mtu
}

// SetMTU changes the MTU. Values below the IPv4 minimum are rejected.
func (ifp *Interface) SetMTU(mtu int) error {
	if mtu < 68 {
		return fmt.Errorf("netif: %s mtu %d: %w", ifp.Name, mtu, core.ErrInvalidArgument)
	}
	ifp.mu.Lock()
	ifp.mtu = mtu
	ifp.mu.Unlock()
	return nil
}

// Metric returns the routing metric, stored apart from the MTU.
func (ifp *Interface) Metric() int {
	ifp.mu.RLock()
	defer ifp.mu.RUnlock()
	return ifp.metric
}

// SetMetric sets the routing metric.
func (ifp *Interface) SetMetric(m int) {
	ifp.mu.Lock()
	ifp.metric = m
	ifp.mu.Unlock()
}

// Flags returns the interface flags.
func (ifp *Interface) Flags() Flags {
	ifp.mu.RLock()
	defer ifp.mu.RUnlock()
	return ifp.flags
}

// SetFlags sets f.
func (ifp *Interface) SetFlags(f Flags) {
	ifp.mu.Lock()
	ifp.flags |= f
	ifp.mu.Unlock()
}

// ClearFlags clears f.
func (ifp *Interface) ClearFlags(f Flags) {
	ifp.mu.Lock()
	ifp.flags &^= f
	ifp.mu.Unlock()
}

// IsUp reports FlagUp.
func (ifp *Interface) IsUp() bool { return ifp.Flags()&FlagUp != 0 }

// Link returns the link endpoint.
func (ifp *Interface) Link() LinkEndpoint { return ifp.link }

// AddAddress configures p on the interface. The broadcast address is
// derived for broadcast-capable interfaces.
func (ifp *Interface) AddAddress(p netip.Prefix) error {
	if !p.Addr().Is4() {
		return fmt.Errorf("netif: %s address %s: %w", ifp.Name, p, core.ErrInvalidArgument)
	}
	ifp.mu.Lock()
	defer ifp.mu.Unlock()
	for _, a := range ifp.addrs {
		if a.Addr() == p.Addr() {
			return fmt.Errorf("netif: %s address %s: %w", ifp.Name, p.Addr(), core.ErrAddressInUse)
		}
	}
	a := Address{Prefix: p}
	if ifp.flags&FlagBroadcast != 0 && p.Bits() < 31 {
		a.Broadcast = directedBroadcast(p)
	}
	ifp.addrs = append(ifp.addrs, a)
	return nil
}

// Addresses returns a copy of the configured addresses.
func (ifp *Interface) Addresses() []Address {
	ifp.mu.RLock()
	defer ifp.mu.RUnlock()
	return append([]Address(nil), ifp.addrs...)
}

// PrimaryAddr returns the first configured address.
func (ifp *Interface) PrimaryAddr() (netip.Addr, bool) {
	ifp.mu.RLock()
	defer ifp.mu.RUnlock()
	if len(ifp.addrs) == 0 {
		return netip.Addr{}, false
	}
	return ifp.addrs[0].Addr(), true
}

// HasAddr reports whether ip is one of the interface addresses.
func (ifp *Interface) HasAddr(ip netip.Addr) bool {
	ifp.mu.RLock()
	defer ifp.mu.RUnlock()
	for _, a := range ifp.addrs {
		if a.Addr() == ip {
			return true
		}
	}
	return false
}

// IsBroadcast reports whether ip is a broadcast address for this interface:
// the limited broadcast, the all-zeros address, or, on broadcast-capable
// interfaces, a configured subnet's directed broadcast or network number.
func (ifp *Interface) IsBroadcast(ip netip.Addr) bool {
	if ip == core.BroadcastAddr || ip == core.AnyAddr {
		return true
	}
	ifp.mu.RLock()
	defer ifp.mu.RUnlock()
	if ifp.flags&FlagBroadcast == 0 {
		return false
	}
	for _, a := range ifp.addrs {
		if a.Broadcast.IsValid() && (ip == a.Broadcast || ip == a.Subnet()) {
			return true
		}
	}
	return false
}

// Output hands m to the link endpoint, counting the result.
func (ifp *Interface) Output(m *mbuf.Mbuf, nextHop netip.Addr) error {
	if !ifp.IsUp() {
		mbuf.FreePackets(m)
		ifp.Stats.OutErrors.Add(1)
		return fmt.Errorf("netif: %s down: %w", ifp.Name, core.ErrNetworkUnreachable)
	}
	var pkts, n int
	for p := m; p != nil; p = p.NextPkt() {
		pkts++
		n += p.PktLen()
	}
	if err := ifp.link.Output(ifp, m, nextHop); err != nil {
		ifp.Stats.OutErrors.Add(1)
		return err
	}
	ifp.Stats.OutPackets.Add(uint64(pkts))
	ifp.Stats.OutBytes.Add(uint64(n))
	return nil
}

// Table indexes interfaces by name and index.
type Table struct {
	mu      sync.RWMutex
	byIndex []*Interface // index 0 unused
	byName  map[string]*Interface
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{byIndex: []*Interface{nil}, byName: make(map[string]*Interface)}
}

// Add registers ifp and assigns its index.
func (t *Table) Add(ifp *Interface) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.byName[ifp.Name]; ok {
		return fmt.Errorf("netif: duplicate interface %q: %w", ifp.Name, core.ErrInvalidArgument)
	}
	ifp.Index = len(t.byIndex)
	t.byIndex = append(t.byIndex, ifp)
	t.byName[ifp.Name] = ifp
	return nil
}

// ByIndex returns the interface with index i.
func (t *Table) ByIndex(i int) *Interface {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if i <= 0 || i >= len(t.byIndex) {
		return nil
	}
	return t.byIndex[i]
}

// ByName returns the named interface.
func (t *Table) ByName(name string) *Interface {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.byName[name]
}

// All returns every interface in index order.
func (t *Table) All() []*Interface {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]*Interface(nil), t.byIndex[1:]...)
}

// WithAddr returns the interface owning ip as a local address.
func (t *Table) WithAddr(ip netip.Addr) *Interface {
	for _, ifp := range t.All() {
		if ifp.HasAddr(ip) {
			return ifp
		}
	}
	return nil
}

// WithNet returns the interface with a subnet containing ip.
func (t *Table) WithNet(ip netip.Addr) (*Interface, Address, bool) {
	for _, ifp := range t.All() {
		for _, a := range ifp.Addresses() {
			if a.Contains(ip) {
				return ifp, a, true
			}
		}
	}
	return nil, Address{}, false
}

// IsLocal reports whether ip is a local address of any interface.
func (t *Table) IsLocal(ip netip.Addr) bool { return t.WithAddr(ip) != nil }

// IsBroadcast reports whether ip is a broadcast address on any interface.
func (t *Table) IsBroadcast(ip netip.Addr) bool {
	for _, ifp := range t.All() {
		if ifp.IsBroadcast(ip) {
			return true
		}
	}
	return false
}
