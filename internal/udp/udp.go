// Package udp implements the datagram protocol on top of the IP layer and
// the PCB registry.
package udp

import (
	"fmt"
	"log/slog"
	"net/netip"
	"sync"

	"firestige.xyz/netstack/internal/core"
	"firestige.xyz/netstack/internal/header"
	"firestige.xyz/netstack/internal/ip"
	"firestige.xyz/netstack/internal/mbuf"
	"firestige.xyz/netstack/internal/metrics"
	"firestige.xyz/netstack/internal/pcb"
	"firestige.xyz/netstack/internal/socket"
)

// Stats are the UDP counters.
type Stats struct {
	set *metrics.CounterSet

	IPackets    *metrics.Counter
	HdrOps      *metrics.Counter
	BadSum      *metrics.Counter
	BadLen      *metrics.Counter
	NoPort      *metrics.Counter
	NoPortBcast *metrics.Counter
	FullSock    *metrics.Counter
	OPackets    *metrics.Counter
}

func newStats() *Stats {
	s := &Stats{set: metrics.NewCounterSet(metrics.UDPStats)}
	s.IPackets = s.set.Counter("ipackets")
	s.HdrOps = s.set.Counter("hdrops")
	s.BadSum = s.set.Counter("badsum")
	s.BadLen = s.set.Counter("badlen")
	s.NoPort = s.set.Counter("noport")
	s.NoPortBcast = s.set.Counter("noportbcast")
	s.FullSock = s.set.Counter("fullsock")
	s.OPackets = s.set.Counter("opackets")
	return s
}

// Snapshot returns the counters keyed by name.
func (s *Stats) Snapshot() map[string]uint64 { return s.set.Snapshot() }

// Config sizes socket buffers and enables checksums.
type Config struct {
	SendSpace int
	RecvSpace int
	SBMax     int
	Checksum  bool
}

// DefaultConfig matches the classic BSD defaults.
var DefaultConfig = Config{SendSpace: 9216, RecvSpace: 41600, Checksum: true}

// conn serializes output on one PCB.
type conn struct {
	mu sync.Mutex
}

// Protocol is the UDP instance attached to one IP layer.
type Protocol struct {
	cfg   Config
	ip    *ip.Layer
	pcbs  *pcb.Registry
	stats *Stats
	log   *slog.Logger
}

// New creates the protocol and registers it for protocol number 17.
func New(cfg Config, l *ip.Layer, ports pcb.Config) (*Protocol, error) {
	if cfg.SendSpace <= 0 {
		cfg.SendSpace = DefaultConfig.SendSpace
	}
	if cfg.RecvSpace <= 0 {
		cfg.RecvSpace = DefaultConfig.RecvSpace
	}
	p := &Protocol{
		cfg:   cfg,
		ip:    l,
		pcbs:  pcb.New("udp", ports, l.Routes(), l.Interfaces()),
		stats: newStats(),
		log:   slog.Default().With("component", "udp"),
	}
	if err := l.Register(core.ProtocolUDP, p); err != nil {
		return nil, err
	}
	return p, nil
}

// Stats returns the UDP counters.
func (p *Protocol) Stats() *Stats { return p.stats }

// Registry returns the PCB registry.
func (p *Protocol) Registry() *pcb.Registry { return p.pcbs }

// Socket creates a datagram socket.
func (p *Protocol) Socket() (*socket.Socket, error) {
	return socket.New(socket.TypeDatagram, p, p.ip.Arena(), p.cfg.SBMax)
}

func owner(pc *pcb.PCB) *socket.Socket {
	so, _ := pc.Owner.(*socket.Socket)
	return so
}

// Info is a snapshot of one datagram endpoint.
type Info struct {
	Local  string `json:"local" yaml:"local"`
	Remote string `json:"remote" yaml:"remote"`
	SendQ  int    `json:"send_q" yaml:"send_q"`
	RecvQ  int    `json:"recv_q" yaml:"recv_q"`
}

// Connections returns every bound or connected endpoint.
func (p *Protocol) Connections() []Info {
	var out []Info
	for _, pc := range p.pcbs.List() {
		in := Info{Local: pc.Local.String(), Remote: pc.Remote.String()}
		if so := owner(pc); so != nil {
			in.SendQ, in.RecvQ = so.Snd.Len(), so.Rcv.Len()
		}
		out = append(out, in)
	}
	return out
}

// Input delivers a datagram to the matching sockets.
func (p *Protocol) Input(m *mbuf.Mbuf, hlen int) {
	p.stats.IPackets.Inc()
	if hlen > header.IPv4MinHeaderLen {
		ip.StripOptions(m)
		hlen = header.IPv4MinHeaderLen
	}
	var err error
	if m, err = mbuf.Pullup(m, hlen+header.UDPHeaderLen); err != nil {
		p.stats.HdrOps.Inc()
		return
	}
	iph := header.IPv4(m.Data())
	uh := header.UDP(m.Data()[hlen:])
	ulen := int(uh.Length())
	if iplen := int(iph.TotalLen()) - hlen; ulen != iplen {
		if ulen > iplen || ulen < header.UDPHeaderLen {
			p.stats.BadLen.Inc()
			mbuf.FreeChain(m)
			return
		}
		mbuf.TrimTail(m, iplen-ulen)
		iph.SetTotalLen(uint16(hlen + ulen))
	}
	if p.cfg.Checksum && uh.Checksum() != 0 {
		sum := header.PseudoHeaderSum(iph.Src(), iph.Dst(), core.ProtocolUDP, uint16(ulen))
		if header.Fold(header.SumChain(m, hlen, ulen, sum)) != 0 {
			p.stats.BadSum.Inc()
			mbuf.FreeChain(m)
			return
		}
	}
	src := core.Endpoint{Addr: iph.Src(), Port: uh.SrcPort()}
	dst := core.Endpoint{Addr: iph.Dst(), Port: uh.DstPort()}

	if m.Flags()&(mbuf.FlagBcast|mbuf.FlagMcast) != 0 || p.ip.Interfaces().IsBroadcast(dst.Addr) {
		p.broadcast(m, hlen, src, dst)
		return
	}
	pc := p.pcbs.Lookup(src, dst, pcb.LookupWildcard)
	if pc == nil {
		p.stats.NoPort.Inc()
		rcvif := p.ip.Interfaces().ByIndex(m.Header().RcvIf)
		p.ip.ReportError(m, header.ICMPUnreach, header.ICMPUnreachPort, 0, rcvif)
		mbuf.FreeChain(m)
		return
	}
	mbuf.TrimHead(m, hlen+header.UDPHeaderLen)
	p.deliver(pc, src, m)
}

// broadcast hands a copy to every socket bound to the port, stopping after
// the first one that did not opt into address reuse.
func (p *Protocol) broadcast(m *mbuf.Mbuf, hlen int, src, dst core.Endpoint) {
	var hits []*pcb.PCB
	p.pcbs.ForEach(func(pc *pcb.PCB) {
		if pc.Local.Port != dst.Port {
			return
		}
		if !core.IsWildcard(pc.Local.Addr) && pc.Local.Addr != dst.Addr {
			return
		}
		if !core.IsWildcard(pc.Remote.Addr) && (pc.Remote.Addr != src.Addr || pc.Remote.Port != src.Port) {
			return
		}
		hits = append(hits, pc)
	})
	if len(hits) == 0 {
		p.stats.NoPortBcast.Inc()
		mbuf.FreeChain(m)
		return
	}
	mbuf.TrimHead(m, hlen+header.UDPHeaderLen)
	for i, pc := range hits {
		last := i == len(hits)-1 || p.pcbs.OptionsOf(pc)&(pcb.ReuseAddr|pcb.ReusePort) == 0
		if last {
			p.deliver(pc, src, m)
			return
		}
		if c, err := mbuf.Copy(m, 0, mbuf.CopyAll); err == nil {
			p.deliver(pc, src, c)
		}
	}
}

func (p *Protocol) deliver(pc *pcb.PCB, src core.Endpoint, m *mbuf.Mbuf) {
	so := owner(pc)
	if so == nil || !so.Rcv.AppendAddr(src, m) {
		p.stats.FullSock.Inc()
		mbuf.FreeChain(m)
	}
}

// ControlInput maps an ICMP-reported condition onto the sockets connected
// to dst.
func (p *Protocol) ControlInput(cmd ip.Control, dst netip.Addr, quoted []byte) {
	if cmd.IsRedirect() || cmd == ip.ControlIfDown || cmd == ip.ControlRouteDead {
		p.pcbs.Notify(dst, 0, core.Endpoint{}, nil, func(pc *pcb.PCB, _ error) {
			pc.Route.Release()
		})
		return
	}
	err := cmd.Err()
	if err == nil {
		return
	}
	var fport, lport uint16
	if len(quoted) >= header.IPv4MinHeaderLen {
		oip := header.IPv4(quoted)
		if hl := oip.HeaderLen(); len(quoted) >= hl+header.UDPHeaderLen {
			uh := header.UDP(quoted[hl:])
			lport, fport = uh.SrcPort(), uh.DstPort()
		}
	}
	p.pcbs.Notify(dst, fport, core.Endpoint{Port: lport}, err, func(pc *pcb.PCB, err error) {
		if pc.Owner != nil {
			pc.Owner.SetError(err)
		}
	})
}

// Attach creates the PCB for so.
func (p *Protocol) Attach(so *socket.Socket) error {
	if so.PCB != nil {
		return fmt.Errorf("udp: attach: %w", core.ErrInvalidArgument)
	}
	if err := so.Reserve(p.cfg.SendSpace, p.cfg.RecvSpace); err != nil {
		return err
	}
	pc := p.pcbs.Alloc(so)
	pc.Private = &conn{}
	pc.TTL = p.ip.DefaultTTL()
	so.PCB = pc
	return nil
}

// Detach frees the PCB.
func (p *Protocol) Detach(so *socket.Socket) {
	if so.PCB == nil {
		return
	}
	p.pcbs.Detach(so.PCB)
	so.Rcv.Flush()
	so.IsDisconnected()
}

// Bind binds the local endpoint.
func (p *Protocol) Bind(so *socket.Socket, local core.Endpoint) error {
	if so.PCB == nil {
		return fmt.Errorf("udp: bind: %w", core.ErrInvalidArgument)
	}
	return p.pcbs.Bind(so.PCB, local)
}

// Listen is not supported on datagram sockets.
func (p *Protocol) Listen(*socket.Socket) error {
	return fmt.Errorf("udp: listen: %w", core.ErrOperationNotSupported)
}

// Connect fixes the peer.
func (p *Protocol) Connect(so *socket.Socket, remote core.Endpoint) error {
	if so.PCB == nil {
		return fmt.Errorf("udp: connect: %w", core.ErrInvalidArgument)
	}
	if err := p.pcbs.Connect(so.PCB, remote); err != nil {
		return err
	}
	so.IsConnected()
	return nil
}

// Disconnect forgets the peer and the local address chosen for it.
func (p *Protocol) Disconnect(so *socket.Socket) error {
	if so.PCB == nil || core.IsWildcard(so.PCB.Remote.Addr) {
		return fmt.Errorf("udp: disconnect: %w", core.ErrNotConnected)
	}
	p.pcbs.Disconnect(so.PCB)
	so.ClearState(socket.StateConnected)
	return nil
}

// Shutdown closes the sending side.
func (p *Protocol) Shutdown(so *socket.Socket) error {
	so.CantSendMore()
	return nil
}

// Received is a no-op: datagram buffers need no window updates.
func (p *Protocol) Received(*socket.Socket) {}

// Abort drops the socket.
func (p *Protocol) Abort(so *socket.Socket) {
	p.Detach(so)
}

// Send transmits m to to, or to the connected peer when to is nil.
func (p *Protocol) Send(so *socket.Socket, m *mbuf.Mbuf, to *core.Endpoint) error {
	pc := so.PCB
	if pc == nil {
		mbuf.FreeChain(m)
		return fmt.Errorf("udp: send: %w", core.ErrNotConnected)
	}
	c := pc.Private.(*conn)
	c.mu.Lock()
	defer c.mu.Unlock()

	var dst core.Endpoint
	if to != nil {
		dst = *to
		if dst.Port == 0 {
			mbuf.FreeChain(m)
			return fmt.Errorf("udp: send to %s: %w", dst, core.ErrAddressNotAvailable)
		}
		if pc.Local.Port == 0 {
			if err := p.pcbs.Bind(pc, core.Endpoint{}); err != nil {
				mbuf.FreeChain(m)
				return err
			}
		}
	} else {
		if core.IsWildcard(pc.Remote.Addr) {
			mbuf.FreeChain(m)
			return fmt.Errorf("udp: send: %w", core.ErrNotConnected)
		}
		dst = pc.Remote
	}
	src := pc.Local.Addr
	if core.IsWildcard(src) {
		var err error
		if src, err = p.pcbs.SourceFor(pc, dst.Addr); err != nil {
			mbuf.FreeChain(m)
			return err
		}
	}
	return p.output(so, pc, m, src, dst)
}

func (p *Protocol) output(so *socket.Socket, pc *pcb.PCB, m *mbuf.Mbuf, src netip.Addr, dst core.Endpoint) error {
	hlen := header.IPv4MinHeaderLen + header.UDPHeaderLen
	plen := mbuf.ChainLen(m)
	if plen+hlen > header.IPv4MaxPacket {
		mbuf.FreeChain(m)
		return fmt.Errorf("udp: %d byte datagram: %w", plen, core.ErrMessageTooLarge)
	}
	var err error
	if m, err = mbuf.Prepend(m, hlen); err != nil {
		return err
	}
	if m, err = mbuf.Pullup(m, hlen); err != nil {
		return err
	}
	ulen := uint16(header.UDPHeaderLen + plen)
	iph := header.IPv4(m.Data())
	iph.Encode(&header.IPv4Fields{
		TOS:      pc.TOS,
		TotalLen: uint16(hlen + plen),
		TTL:      pc.TTL,
		Protocol: core.ProtocolUDP,
		Src:      src,
		Dst:      dst.Addr,
	})
	uh := header.UDP(m.Data()[header.IPv4MinHeaderLen:])
	uh.Encode(pc.Local.Port, dst.Port, ulen)
	if p.cfg.Checksum {
		sum := header.PseudoHeaderSum(src, dst.Addr, core.ProtocolUDP, ulen)
		ck := header.Fold(header.SumChain(m, header.IPv4MinHeaderLen, int(ulen), sum))
		if ck == 0 {
			ck = 0xffff
		}
		uh.SetChecksum(ck)
	}

	var flags ip.OutputFlags
	opts := so.Options()
	if opts&socket.OptBroadcast != 0 {
		flags |= ip.AllowBroadcast
	}
	if opts&socket.OptDontRoute != 0 {
		flags |= ip.RouteToIf
	}
	p.stats.OPackets.Inc()
	return p.ip.Output(m, pc.IPOptions, &pc.Route, flags)
}
