// Package pcb implements the per-protocol registry of protocol control
// blocks: a ring with a sentinel head, an exact-match hash index,
// generation-checked handles, wildcard demultiplexing and ephemeral port
// allocation.
package pcb

import (
	"fmt"
	"net/netip"
	"sync"

	"firestige.xyz/netstack/internal/core"
	"firestige.xyz/netstack/internal/metrics"
	"firestige.xyz/netstack/internal/netif"
	"firestige.xyz/netstack/internal/route"
)

// Options are the reuse options a binding opts into.
type Options uint8

const (
	ReuseAddr Options = 1 << iota
	ReusePort
	// Listening marks a connection-oriented endpoint accepting connections;
	// such bindings are checked for conflicts without wildcards.
	Listening
)

// LookupFlags modify Lookup.
type LookupFlags uint8

// LookupWildcard allows matches with unspecified fields.
const LookupWildcard LookupFlags = 1

// Owner is the socket a PCB belongs to.
type Owner interface {
	// SetError stores an asynchronous error and wakes the owner's waiters.
	SetError(err error)
}

// Handle identifies a PCB across its lifetime. A handle to a detached PCB
// resolves to nil.
type Handle struct {
	idx uint32
	gen uint32
}

// IsZero reports whether h was never assigned.
func (h Handle) IsZero() bool { return h.gen == 0 }

// PCB is one protocol control block.
type PCB struct {
	Local  core.Endpoint
	Remote core.Endpoint

	Owner   Owner
	Private any // protocol state, e.g. the TCP connection
	Options Options

	// Route caches the route to Remote.
	Route route.Cache
	TTL   uint8
	TOS   uint8
	// IPOptions are options inserted into every outbound datagram.
	IPOptions []byte

	registry *Registry
	prev     *PCB
	next     *PCB
	handle   Handle
	hashed   bool
}

// Handle returns the PCB's generation-tagged handle.
func (p *PCB) Handle() Handle { return p.handle }

// Registry returns the owning registry.
func (p *PCB) Registry() *Registry { return p.registry }

type fourTuple struct {
	laddr netip.Addr
	lport uint16
	faddr netip.Addr
	fport uint16
}

type slot struct {
	pcb *PCB
	gen uint32
}

// Config bounds ephemeral port allocation.
type Config struct {
	EphemeralFirst uint16
	EphemeralLast  uint16
}

// DefaultConfig is the classic BSD anonymous port range.
var DefaultConfig = Config{EphemeralFirst: 1024, EphemeralLast: 5000}

// Registry is the PCB list of one protocol.
type Registry struct {
	name   string
	cfg    Config
	routes *route.Table
	ifaces *netif.Table

	mu       sync.RWMutex
	head     PCB // sentinel
	count    int
	index    map[fourTuple]*PCB
	slots    []slot
	free     []uint32
	lastPort uint16
}

// New creates an empty registry for the named protocol.
func New(name string, cfg Config, routes *route.Table, ifaces *netif.Table) *Registry {
	if cfg.EphemeralFirst == 0 || cfg.EphemeralLast < cfg.EphemeralFirst {
		cfg = DefaultConfig
	}
	r := &Registry{
		name:     name,
		cfg:      cfg,
		routes:   routes,
		ifaces:   ifaces,
		index:    make(map[fourTuple]*PCB),
		slots:    []slot{{}},
		lastPort: cfg.EphemeralFirst - 1,
	}
	r.head.next = &r.head
	r.head.prev = &r.head
	return r
}

// Name returns the protocol name.
func (r *Registry) Name() string { return r.name }

// Len returns the number of attached PCBs.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}

// Alloc creates a PCB for owner and links it at the front of the ring.
func (r *Registry) Alloc(owner Owner) *PCB {
	p := &PCB{Owner: owner, registry: r, TTL: 64}
	r.mu.Lock()
	defer r.mu.Unlock()
	var idx uint32
	if n := len(r.free); n > 0 {
		idx = r.free[n-1]
		r.free = r.free[:n-1]
	} else {
		r.slots = append(r.slots, slot{})
		idx = uint32(len(r.slots) - 1)
	}
	s := &r.slots[idx]
	s.gen++
	if s.gen == 0 {
		s.gen = 1
	}
	s.pcb = p
	p.handle = Handle{idx: idx, gen: s.gen}

	p.next = r.head.next
	p.prev = &r.head
	r.head.next.prev = p
	r.head.next = p
	r.count++
	metrics.PCBCount.WithLabelValues(r.name).Set(float64(r.count))
	return p
}

// Detach unlinks p, invalidates its handle and releases its cached route.
func (r *Registry) Detach(p *PCB) {
	r.mu.Lock()
	if p.prev == nil {
		r.mu.Unlock()
		return
	}
	r.unhash(p)
	p.prev.next = p.next
	p.next.prev = p.prev
	p.prev, p.next = nil, nil
	s := &r.slots[p.handle.idx]
	s.pcb = nil
	s.gen++
	r.free = append(r.free, p.handle.idx)
	r.count--
	metrics.PCBCount.WithLabelValues(r.name).Set(float64(r.count))
	r.mu.Unlock()
	p.Route.Release()
}

// Get resolves h, returning nil when the PCB has been detached.
func (r *Registry) Get(h Handle) *PCB {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if h.idx == 0 || int(h.idx) >= len(r.slots) {
		return nil
	}
	s := r.slots[h.idx]
	if s.gen != h.gen {
		return nil
	}
	return s.pcb
}

func (r *Registry) rehash(p *PCB) {
	r.unhash(p)
	if core.IsWildcard(p.Remote.Addr) || core.IsWildcard(p.Local.Addr) {
		return
	}
	k := fourTuple{p.Local.Addr, p.Local.Port, p.Remote.Addr, p.Remote.Port}
	if _, dup := r.index[k]; !dup {
		r.index[k] = p
		p.hashed = true
	}
}

func (r *Registry) unhash(p *PCB) {
	if !p.hashed {
		return
	}
	k := fourTuple{p.Local.Addr, p.Local.Port, p.Remote.Addr, p.Remote.Port}
	if r.index[k] == p {
		delete(r.index, k)
	}
	p.hashed = false
}

// Lookup finds the PCB for a segment from remote to local. An exact match
// always wins; with LookupWildcard the candidate with the fewest wildcard
// fields is returned, the first found on ties.
func (r *Registry) Lookup(remote, local core.Endpoint, flags LookupFlags) *PCB {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lookupLocked(remote, local, flags)
}

func (r *Registry) lookupLocked(remote, local core.Endpoint, flags LookupFlags) *PCB {
	faddr, laddr := core.Normalize(remote.Addr), core.Normalize(local.Addr)
	if !faddr.IsUnspecified() && !laddr.IsUnspecified() {
		if p, ok := r.index[fourTuple{laddr, local.Port, faddr, remote.Port}]; ok {
			return p
		}
	}
	var match *PCB
	matchWild := 3
	for p := r.head.next; p != &r.head; p = p.next {
		if p.Local.Port != local.Port {
			continue
		}
		wild := 0
		pl, pf := core.Normalize(p.Local.Addr), core.Normalize(p.Remote.Addr)
		if !pl.IsUnspecified() {
			if laddr.IsUnspecified() {
				wild++
			} else if pl != laddr {
				continue
			}
		} else if !laddr.IsUnspecified() {
			wild++
		}
		if !pf.IsUnspecified() {
			if faddr.IsUnspecified() {
				wild++
			} else if pf != faddr || p.Remote.Port != remote.Port {
				continue
			}
		} else if !faddr.IsUnspecified() {
			wild++
		}
		if wild > 0 && flags&LookupWildcard == 0 {
			continue
		}
		if wild < matchWild {
			match, matchWild = p, wild
			if wild == 0 {
				break
			}
		}
	}
	return match
}

// Bind assigns a local address and port. A zero port allocates an
// ephemeral one.
func (r *Registry) Bind(p *PCB, local core.Endpoint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p.Local.Port != 0 || !core.IsWildcard(p.Local.Addr) {
		return fmt.Errorf("pcb: %s bind %s: %w", r.name, local, core.ErrAlreadyBound)
	}
	return r.bindLocked(p, local)
}

func (r *Registry) bindLocked(p *PCB, local core.Endpoint) error {
	laddr := core.Normalize(local.Addr)
	if !laddr.IsUnspecified() && r.ifaces != nil && !r.ifaces.IsLocal(laddr) && !r.ifaces.IsBroadcast(laddr) {
		return fmt.Errorf("pcb: %s bind %s: %w", r.name, local, core.ErrAddressNotAvailable)
	}
	var flags LookupFlags
	if p.Options&(ReuseAddr|ReusePort) == 0 && p.Options&Listening == 0 {
		flags = LookupWildcard
	}
	lport := local.Port
	if lport != 0 {
		t := r.lookupLocked(core.Endpoint{Addr: core.AnyAddr}, core.Endpoint{Addr: laddr, Port: lport}, flags)
		if t != nil && t != p && !(p.Options&ReusePort != 0 && t.Options&ReusePort != 0) {
			return fmt.Errorf("pcb: %s bind %s: %w", r.name, local, core.ErrAddressInUse)
		}
	} else {
		var err error
		if lport, err = r.ephemeralLocked(laddr, flags); err != nil {
			return err
		}
	}
	p.Local = core.Endpoint{Addr: laddr, Port: lport}
	r.rehash(p)
	return nil
}

// SetOptions replaces the options of p selected by mask with those in o.
// Bind and Lookup read options under the same lock.
func (r *Registry) SetOptions(p *PCB, mask, o Options) {
	r.mu.Lock()
	p.Options = p.Options&^mask | o&mask
	r.mu.Unlock()
}

// OptionsOf returns the current options of p.
func (r *Registry) OptionsOf(p *PCB) Options {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return p.Options
}

// SetLocal binds p to local without conflict checks. It is used for a
// connection spawned by a listener that already owns the port.
func (r *Registry) SetLocal(p *PCB, local core.Endpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unhash(p)
	p.Local = core.Endpoint{Addr: core.Normalize(local.Addr), Port: local.Port}
	r.rehash(p)
}

// ephemeralLocked scans the anonymous range with wraparound, at most once
// around.
func (r *Registry) ephemeralLocked(laddr netip.Addr, flags LookupFlags) (uint16, error) {
	span := int(r.cfg.EphemeralLast) - int(r.cfg.EphemeralFirst) + 1
	for i := 0; i < span; i++ {
		r.lastPort++
		if r.lastPort < r.cfg.EphemeralFirst || r.lastPort > r.cfg.EphemeralLast {
			r.lastPort = r.cfg.EphemeralFirst
		}
		local := core.Endpoint{Addr: laddr, Port: r.lastPort}
		if r.lookupLocked(core.Endpoint{Addr: core.AnyAddr}, local, flags) == nil {
			return r.lastPort, nil
		}
	}
	return 0, fmt.Errorf("pcb: %s ephemeral ports exhausted: %w", r.name, core.ErrAddressInUse)
}

// SourceFor picks the local address used to reach dst, caching the route
// in p.
func (r *Registry) SourceFor(p *PCB, dst netip.Addr) (netip.Addr, error) {
	if r.ifaces != nil {
		if ifp := r.ifaces.WithAddr(dst); ifp != nil {
			return dst, nil
		}
	}
	if r.routes == nil {
		return netip.Addr{}, fmt.Errorf("pcb: no route to %s: %w", dst, core.ErrNetworkUnreachable)
	}
	if !p.Route.Valid(dst) {
		h, err := r.routes.Resolve(dst)
		if err != nil {
			p.Route.Release()
			return netip.Addr{}, err
		}
		p.Route.Set(dst, h)
	}
	ifp := p.Route.Entry().Interface
	if a, ok := ifp.PrimaryAddr(); ok {
		return a, nil
	}
	return netip.Addr{}, fmt.Errorf("pcb: %s has no address: %w", ifp.Name, core.ErrAddressNotAvailable)
}

// Connect fixes the remote endpoint, choosing a local address and port if
// they are still unspecified. The resulting 4-tuple must be unique.
func (r *Registry) Connect(p *PCB, remote core.Endpoint) error {
	if remote.Port == 0 {
		return fmt.Errorf("pcb: %s connect %s: %w", r.name, remote, core.ErrAddressNotAvailable)
	}
	faddr := core.Normalize(remote.Addr)
	if faddr.IsUnspecified() && r.ifaces != nil {
		for _, ifp := range r.ifaces.All() {
			if a, ok := ifp.PrimaryAddr(); ok {
				faddr = a
				break
			}
		}
	}
	remote.Addr = faddr

	laddr := core.Normalize(p.Local.Addr)
	if laddr.IsUnspecified() {
		var err error
		if laddr, err = r.SourceFor(p, faddr); err != nil {
			return err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if !core.IsWildcard(p.Remote.Addr) {
		return fmt.Errorf("pcb: %s connect %s: %w", r.name, remote, core.ErrAlreadyConnected)
	}
	if t := r.lookupLocked(remote, core.Endpoint{Addr: laddr, Port: p.Local.Port}, 0); t != nil && p.Local.Port != 0 {
		return fmt.Errorf("pcb: %s connect %s: %w", r.name, remote, core.ErrAddressInUse)
	}
	if core.IsWildcard(p.Local.Addr) {
		if p.Local.Port == 0 {
			if err := r.bindLocked(p, core.Endpoint{}); err != nil {
				return err
			}
		}
		p.Local.Addr = laddr
	}
	p.Remote = remote
	r.rehash(p)
	return nil
}

// Disconnect clears the remote endpoint.
func (r *Registry) Disconnect(p *PCB) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unhash(p)
	p.Remote = core.Endpoint{}
	r.rehash(p)
	p.Route.Release()
}

// Notify calls fn for every PCB connected to dst (and to port, if
// non-zero). fn runs without the registry lock held.
func (r *Registry) Notify(dst netip.Addr, port uint16, local core.Endpoint, err error, fn func(*PCB, error)) {
	var hit []*PCB
	r.mu.RLock()
	for p := r.head.next; p != &r.head; p = p.next {
		if core.Normalize(p.Remote.Addr) != dst || p.Local.Port == 0 {
			continue
		}
		if port != 0 && p.Remote.Port != port {
			continue
		}
		if local.Port != 0 && p.Local.Port != local.Port {
			continue
		}
		hit = append(hit, p)
	}
	r.mu.RUnlock()
	for _, p := range hit {
		fn(p, err)
	}
}

// ForEach calls fn for every PCB in ring order. fn must not call back into
// the registry.
func (r *Registry) ForEach(fn func(*PCB)) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for p := r.head.next; p != &r.head; p = p.next {
		fn(p)
	}
}

// List returns the PCBs in ring order.
func (r *Registry) List() []*PCB {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*PCB, 0, r.count)
	for p := r.head.next; p != &r.head; p = p.next {
		out = append(out, p)
	}
	return out
}
