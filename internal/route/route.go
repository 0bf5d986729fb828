// Package route implements the route cache consumed by the IP layer: a
// longest-prefix static table with reference-counted handles and a lookup
// memo.
package route

import (
	"fmt"
	"net/netip"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/patrickmn/go-cache"

	"firestige.xyz/netstack/internal/core"
	"firestige.xyz/netstack/internal/netif"
)

// Flags describe a route.
type Flags uint16

const (
	FlagUp       Flags = 1 << iota
	FlagGateway        // destination is reached through Gateway
	FlagHost           // host route, Destination is a /32
	FlagDynamic        // created by a redirect
	FlagModified       // gateway changed by a redirect
	FlagStatic         // configured
)

func (f Flags) String() string {
	s := ""
	for _, c := range []struct {
		f Flags
		c byte
	}{{FlagUp, 'U'}, {FlagGateway, 'G'}, {FlagHost, 'H'}, {FlagDynamic, 'D'}, {FlagModified, 'M'}, {FlagStatic, 'S'}} {
		if f&c.f != 0 {
			s += string(c.c)
		}
	}
	return s
}

// Entry is one route. The MTU and metric are independent; an MTU of zero
// means the interface MTU applies.
type Entry struct {
	Destination netip.Prefix
	Gateway     netip.Addr
	Interface   *netif.Interface

	flags  atomic.Uint32
	mtu    atomic.Int32
	Metric int

	refs atomic.Int32
	use  atomic.Uint64
}

// Flags returns the route flags.
func (e *Entry) Flags() Flags { return Flags(e.flags.Load()) }

// Up reports whether the route is usable.
func (e *Entry) Up() bool { return e.Flags()&FlagUp != 0 && e.Interface.IsUp() }

// NextHop returns the address to hand to the link layer for dst.
func (e *Entry) NextHop(dst netip.Addr) netip.Addr {
	if e.Flags()&FlagGateway != 0 {
		return e.Gateway
	}
	return dst
}

// MTU returns the path MTU for the route.
func (e *Entry) MTU() int {
	if m := int(e.mtu.Load()); m > 0 {
		return m
	}
	return e.Interface.MTU()
}

// SetMTU overrides the path MTU; zero restores the interface MTU.
func (e *Entry) SetMTU(mtu int) { e.mtu.Store(int32(mtu)) }

// Refs returns the number of live handles.
func (e *Entry) Refs() int { return int(e.refs.Load()) }

// Use returns how many times the route was resolved.
func (e *Entry) Use() uint64 { return e.use.Load() }

// Handle is a counted reference to an entry. Release is idempotent.
type Handle struct {
	entry    *Entry
	released atomic.Bool
}

// Entry returns the referenced route.
func (h *Handle) Entry() *Entry { return h.entry }

// Release drops the reference.
func (h *Handle) Release() {
	if h == nil {
		return
	}
	if h.released.CompareAndSwap(false, true) {
		h.entry.refs.Add(-1)
	}
}

// Cache is a per-endpoint cached route, reused while the destination is
// unchanged and the route stays up.
type Cache struct {
	Dst    netip.Addr
	handle *Handle
}

// Valid reports whether the cache holds a usable route for dst.
func (c *Cache) Valid(dst netip.Addr) bool {
	return c.handle != nil && c.Dst == dst && c.handle.entry.Up()
}

// Entry returns the cached route, or nil.
func (c *Cache) Entry() *Entry {
	if c.handle == nil {
		return nil
	}
	return c.handle.entry
}

// Set replaces the cached handle.
func (c *Cache) Set(dst netip.Addr, h *Handle) {
	c.Release()
	c.Dst = dst
	c.handle = h
}

// Release drops the cached handle.
func (c *Cache) Release() {
	if c.handle != nil {
		c.handle.Release()
		c.handle = nil
	}
	c.Dst = netip.Addr{}
}

// Info is a route snapshot for the control plane.
type Info struct {
	Destination string `json:"destination" yaml:"destination"`
	Gateway     string `json:"gateway,omitempty" yaml:"gateway,omitempty"`
	Interface   string `json:"interface" yaml:"interface"`
	Flags       string `json:"flags" yaml:"flags"`
	MTU         int    `json:"mtu" yaml:"mtu"`
	Metric      int    `json:"metric" yaml:"metric"`
	Refs        int    `json:"refs" yaml:"refs"`
	Use         uint64 `json:"use" yaml:"use"`
}

const (
	memoTTL     = 30 * time.Second
	memoCleanup = time.Minute
)

// Table is the route table.
type Table struct {
	mu      sync.RWMutex
	entries []*Entry // sorted by prefix length, longest first
	memo    *cache.Cache
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{memo: cache.New(memoTTL, memoCleanup)}
}

// Add installs a route. A duplicate destination fails with ErrAddressInUse.
func (t *Table) Add(dst netip.Prefix, gw netip.Addr, ifp *netif.Interface, flags Flags) (*Entry, error) {
	if ifp == nil || !dst.Addr().Is4() {
		return nil, fmt.Errorf("route: add %s: %w", dst, core.ErrInvalidArgument)
	}
	dst = dst.Masked()
	e := &Entry{Destination: dst, Gateway: gw, Interface: ifp}
	if gw.IsValid() && !gw.IsUnspecified() {
		flags |= FlagGateway
	}
	if dst.Bits() == 32 {
		flags |= FlagHost
	}
	e.flags.Store(uint32(flags | FlagUp))

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, o := range t.entries {
		if o.Destination == dst {
			return nil, fmt.Errorf("route: add %s: %w", dst, core.ErrAddressInUse)
		}
	}
	t.entries = append(t.entries, e)
	sort.SliceStable(t.entries, func(i, j int) bool {
		return t.entries[i].Destination.Bits() > t.entries[j].Destination.Bits()
	})
	t.memo.Flush()
	return e, nil
}

// Delete removes the route for dst. Holders of handles see it go down.
func (t *Table) Delete(dst netip.Prefix) error {
	dst = dst.Masked()
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, e := range t.entries {
		if e.Destination == dst {
			e.flags.And(^uint32(FlagUp))
			t.entries = append(t.entries[:i], t.entries[i+1:]...)
			t.memo.Flush()
			return nil
		}
	}
	return fmt.Errorf("route: delete %s: %w", dst, core.ErrNetworkUnreachable)
}

// Lookup returns the longest-prefix route for dst without taking a
// reference.
func (t *Table) Lookup(dst netip.Addr) *Entry {
	key := dst.String()
	if v, ok := t.memo.Get(key); ok {
		if e := v.(*Entry); e.Flags()&FlagUp != 0 {
			return e
		}
	}
	t.mu.RLock()
	var best *Entry
	for _, e := range t.entries {
		if e.Flags()&FlagUp != 0 && e.Destination.Contains(dst) {
			best = e
			break
		}
	}
	t.mu.RUnlock()
	if best != nil {
		t.memo.Set(key, best, cache.DefaultExpiration)
	}
	return best
}

// Resolve returns a counted handle on the route for dst.
func (t *Table) Resolve(dst netip.Addr) (*Handle, error) {
	e := t.Lookup(dst)
	if e == nil || !e.Up() {
		return nil, fmt.Errorf("route: no route to %s: %w", dst, core.ErrNetworkUnreachable)
	}
	e.refs.Add(1)
	e.use.Add(1)
	return &Handle{entry: e}, nil
}

// Redirect applies an ICMP redirect for dst received from src advising
// gateway. It is ignored unless gateway is directly reachable, src is the
// current first hop for dst, and gateway is not local.
func (t *Table) Redirect(dst, gateway, src netip.Addr, ifaces *netif.Table) error {
	if ifaces.IsLocal(gateway) {
		return fmt.Errorf("route: redirect to local address %s: %w", gateway, core.ErrInvalidArgument)
	}
	direct := t.Lookup(gateway)
	if direct == nil || direct.Flags()&FlagGateway != 0 {
		return fmt.Errorf("route: redirect gateway %s not on link: %w", gateway, core.ErrHostUnreachable)
	}
	cur := t.Lookup(dst)
	if cur == nil || cur.NextHop(dst) != src {
		return fmt.Errorf("route: redirect for %s not from current router: %w", dst, core.ErrInvalidArgument)
	}
	host := netip.PrefixFrom(dst, 32)
	flags := FlagDynamic
	if cur.Destination == host {
		if cur.Flags()&FlagDynamic == 0 {
			return fmt.Errorf("route: redirect would replace static host route %s: %w", host, core.ErrInvalidArgument)
		}
		_ = t.Delete(host)
		flags |= FlagModified
	}
	_, err := t.Add(host, gateway, direct.Interface, flags)
	return err
}

// Snapshot lists every route.
func (t *Table) Snapshot() []Info {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Info, 0, len(t.entries))
	for _, e := range t.entries {
		i := Info{
			Destination: e.Destination.String(),
			Interface:   e.Interface.Name,
			Flags:       e.Flags().String(),
			MTU:         e.MTU(),
			Metric:      e.Metric,
			Refs:        e.Refs(),
			Use:         e.Use(),
		}
		if e.Flags()&FlagGateway != 0 {
			i.Gateway = e.Gateway.String()
		}
		out = append(out, i)
	}
	return out
}
