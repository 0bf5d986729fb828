// Package ip implements the IPv4 layer: input validation, option
// processing, fragment reassembly, forwarding, output with fragmentation
// and dispatch to the registered upper-layer protocols.
package ip

import (
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"firestige.xyz/netstack/internal/core"
	"firestige.xyz/netstack/internal/mbuf"
	"firestige.xyz/netstack/internal/metrics"
	"firestige.xyz/netstack/internal/netif"
	"firestige.xyz/netstack/internal/route"
)

// Protocol is an upper-layer protocol attached to the protocol switch.
type Protocol interface {
	// Input consumes a datagram addressed to this host. The first hlen
	// bytes of the head node are the IP header.
	Input(m *mbuf.Mbuf, hlen int)
	// ControlInput delivers an ICMP-reported condition about a datagram
	// this host sent to dst. quoted holds the returned IP header and at
	// least eight bytes of transport header; it may be nil.
	ControlInput(cmd Control, dst netip.Addr, quoted []byte)
}

// ErrorReporter sends ICMP errors. It must not retain m after returning.
type ErrorReporter interface {
	ReportError(m *mbuf.Mbuf, typ, code uint8, extra uint32, ifp *netif.Interface)
}

// Stats are the IP counters.
type Stats struct {
	set *metrics.CounterSet

	Total        *metrics.Counter
	BadSum       *metrics.Counter
	TooShort     *metrics.Counter
	TooSmall     *metrics.Counter
	BadHLen      *metrics.Counter
	BadLen       *metrics.Counter
	BadVers      *metrics.Counter
	BadOptions   *metrics.Counter
	Fragments    *metrics.Counter
	FragDropped  *metrics.Counter
	FragTimeout  *metrics.Counter
	Reassembled  *metrics.Counter
	Forward      *metrics.Counter
	CantForward  *metrics.Counter
	RedirectSent *metrics.Counter
	NoProto      *metrics.Counter
	Delivered    *metrics.Counter
	LocalOut     *metrics.Counter
	ODropped     *metrics.Counter
	NoRoute      *metrics.Counter
	Fragmented   *metrics.Counter
	OFragments   *metrics.Counter
	CantFrag     *metrics.Counter
	RawOut       *metrics.Counter
}

func newStats() *Stats {
	s := &Stats{set: metrics.NewCounterSet(metrics.IPStats)}
	s.Total = s.set.Counter("total")
	s.BadSum = s.set.Counter("badsum")
	s.TooShort = s.set.Counter("tooshort")
	s.TooSmall = s.set.Counter("toosmall")
	s.BadHLen = s.set.Counter("badhlen")
	s.BadLen = s.set.Counter("badlen")
	s.BadVers = s.set.Counter("badvers")
	s.BadOptions = s.set.Counter("badoptions")
	s.Fragments = s.set.Counter("fragments")
	s.FragDropped = s.set.Counter("fragdropped")
	s.FragTimeout = s.set.Counter("fragtimeout")
	s.Reassembled = s.set.Counter("reassembled")
	s.Forward = s.set.Counter("forward")
	s.CantForward = s.set.Counter("cantforward")
	s.RedirectSent = s.set.Counter("redirectsent")
	s.NoProto = s.set.Counter("noproto")
	s.Delivered = s.set.Counter("delivered")
	s.LocalOut = s.set.Counter("localout")
	s.ODropped = s.set.Counter("odropped")
	s.NoRoute = s.set.Counter("noroute")
	s.Fragmented = s.set.Counter("fragmented")
	s.OFragments = s.set.Counter("ofragments")
	s.CantFrag = s.set.Counter("cantfrag")
	s.RawOut = s.set.Counter("rawout")
	return s
}

// Snapshot returns the counters keyed by name.
func (s *Stats) Snapshot() map[string]uint64 { return s.set.Snapshot() }

// Config tunes the layer.
type Config struct {
	Forwarding    bool
	SendRedirects bool
	DefaultTTL    uint8
	// ReassemblyTimeout bounds how long an incomplete datagram is kept.
	ReassemblyTimeout time.Duration
	MaxFragments      int // per datagram
	MaxDatagrams      int // concurrently reassembling
	// SlowHz is the rate SlowTick is called at.
	SlowHz int
}

// DefaultConfig mirrors the classic BSD tunables.
var DefaultConfig = Config{
	SendRedirects:     true,
	DefaultTTL:        64,
	ReassemblyTimeout: 30 * time.Second,
	MaxFragments:      64,
	MaxDatagrams:      256,
	SlowHz:            2,
}

// Layer is one IPv4 instance.
type Layer struct {
	cfg    Config
	arena  *mbuf.Arena
	ifaces *netif.Table
	routes *route.Table
	reass  *Reassembler
	stats  *Stats
	log    *slog.Logger

	mu      sync.RWMutex
	protos  [256]Protocol
	reports ErrorReporter

	id atomic.Uint32

	fwdMu    sync.Mutex
	fwdRoute route.Cache
}

// New creates a layer over the given interfaces and routes.
func New(cfg Config, arena *mbuf.Arena, ifaces *netif.Table, routes *route.Table) *Layer {
	if cfg.DefaultTTL == 0 {
		cfg.DefaultTTL = DefaultConfig.DefaultTTL
	}
	if cfg.SlowHz <= 0 {
		cfg.SlowHz = DefaultConfig.SlowHz
	}
	if cfg.ReassemblyTimeout <= 0 {
		cfg.ReassemblyTimeout = DefaultConfig.ReassemblyTimeout
	}
	if cfg.MaxFragments <= 0 {
		cfg.MaxFragments = DefaultConfig.MaxFragments
	}
	if cfg.MaxDatagrams <= 0 {
		cfg.MaxDatagrams = DefaultConfig.MaxDatagrams
	}
	l := &Layer{
		cfg:    cfg,
		arena:  arena,
		ifaces: ifaces,
		routes: routes,
		stats:  newStats(),
		log:    slog.Default().With("component", "ip"),
	}
	ticks := int(cfg.ReassemblyTimeout.Seconds() * float64(cfg.SlowHz))
	l.reass = newReassembler(ticks, cfg.MaxFragments, cfg.MaxDatagrams, l.stats)
	l.id.Store(uint32(time.Now().UnixNano()))
	return l
}

// Register attaches p to protocol number proto.
func (l *Layer) Register(proto uint8, p Protocol) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.protos[proto] != nil {
		return fmt.Errorf("ip: protocol %s already registered: %w", core.ProtocolName(proto), core.ErrAddressInUse)
	}
	l.protos[proto] = p
	return nil
}

// SetErrorReporter installs the ICMP collaborator.
func (l *Layer) SetErrorReporter(r ErrorReporter) {
	l.mu.Lock()
	l.reports = r
	l.mu.Unlock()
}

func (l *Layer) protocol(proto uint8) Protocol {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.protos[proto]
}

// Protocols returns every registered protocol.
func (l *Layer) Protocols() []Protocol {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []Protocol
	for _, p := range l.protos {
		if p != nil {
			out = append(out, p)
		}
	}
	return out
}

// ControlInput fans an ICMP-reported condition out to the protocol that
// sent the quoted datagram.
func (l *Layer) ControlInput(proto uint8, cmd Control, dst netip.Addr, quoted []byte) {
	if p := l.protocol(proto); p != nil {
		p.ControlInput(cmd, dst, quoted)
	}
}

// ControlAll delivers cmd to every protocol (route changes, interface
// down).
func (l *Layer) ControlAll(cmd Control, dst netip.Addr) {
	for _, p := range l.Protocols() {
		p.ControlInput(cmd, dst, nil)
	}
}

// ReportError hands m to the ICMP collaborator, if one is installed. m
// stays with the caller.
func (l *Layer) ReportError(m *mbuf.Mbuf, typ, code uint8, extra uint32, ifp *netif.Interface) {
	l.mu.RLock()
	r := l.reports
	l.mu.RUnlock()
	if r != nil {
		r.ReportError(m, typ, code, extra, ifp)
	}
}

// Stats returns the IP counters.
func (l *Layer) Stats() *Stats { return l.stats }

// Arena returns the buffer arena.
func (l *Layer) Arena() *mbuf.Arena { return l.arena }

// Interfaces returns the interface table.
func (l *Layer) Interfaces() *netif.Table { return l.ifaces }

// Routes returns the route table.
func (l *Layer) Routes() *route.Table { return l.routes }

// DefaultTTL returns the configured TTL for locally originated datagrams.
func (l *Layer) DefaultTTL() uint8 { return l.cfg.DefaultTTL }

// SetForwarding toggles forwarding.
func (l *Layer) SetForwarding(on bool) {
	l.mu.Lock()
	l.cfg.Forwarding = on
	l.mu.Unlock()
}

func (l *Layer) forwarding() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg.Forwarding
}

// NextID returns the next datagram identification.
func (l *Layer) NextID() uint16 { return uint16(l.id.Add(1)) }

// ReassemblyLen returns the number of datagrams awaiting reassembly.
func (l *Layer) ReassemblyLen() int { return l.reass.Len() }

// SlowTick ages reassembly entries; it is called SlowHz times a second.
func (l *Layer) SlowTick() {
	l.reass.slowTick()
}

// Drain frees every reassembly entry, as on shutdown.
func (l *Layer) Drain() {
	l.reass.drain()
	l.fwdMu.Lock()
	l.fwdRoute.Release()
	l.fwdMu.Unlock()
}
