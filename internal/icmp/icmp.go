// Package icmp implements the ICMP collaborator of the IP layer: error
// generation, echo/timestamp/mask replies and delivery of received errors
// to the protocols that caused them.
package icmp

import (
	"encoding/binary"
	"log/slog"
	"net/netip"
	"time"

	"golang.org/x/time/rate"

	"firestige.xyz/netstack/internal/core"
	"firestige.xyz/netstack/internal/header"
	"firestige.xyz/netstack/internal/ip"
	"firestige.xyz/netstack/internal/mbuf"
	"firestige.xyz/netstack/internal/metrics"
	"firestige.xyz/netstack/internal/netif"
)

// Stats are the ICMP counters.
type Stats struct {
	set *metrics.CounterSet

	Error       *metrics.Counter // calls to ReportError
	OldICMP     *metrics.Counter // no error about an ICMP error
	OldShort    *metrics.Counter // offending datagram too short to quote
	RateLimited *metrics.Counter
	BadCode     *metrics.Counter
	TooShort    *metrics.Counter
	Checksum    *metrics.Counter
	BadLen      *metrics.Counter
	Reflect     *metrics.Counter // replies sent
	OutErrors   *metrics.Counter // error messages sent
	Redirects   *metrics.Counter // redirects applied
	InErrors    *metrics.Counter // errors delivered to protocols
}

func newStats() *Stats {
	s := &Stats{set: metrics.NewCounterSet(metrics.ICMPStats)}
	s.Error = s.set.Counter("error")
	s.OldICMP = s.set.Counter("oldicmp")
	s.OldShort = s.set.Counter("oldshort")
	s.RateLimited = s.set.Counter("ratelimited")
	s.BadCode = s.set.Counter("badcode")
	s.TooShort = s.set.Counter("tooshort")
	s.Checksum = s.set.Counter("checksum")
	s.BadLen = s.set.Counter("badlen")
	s.Reflect = s.set.Counter("reflect")
	s.OutErrors = s.set.Counter("outerrors")
	s.Redirects = s.set.Counter("redirects")
	s.InErrors = s.set.Counter("inerrors")
	return s
}

// Snapshot returns the counters keyed by name.
func (s *Stats) Snapshot() map[string]uint64 { return s.set.Snapshot() }

// Config bounds error generation. A zero ErrorRate disables the limit.
type Config struct {
	ErrorRate  float64 // messages per second
	ErrorBurst int
}

// DefaultConfig allows 100 errors a second with bursts of 50.
var DefaultConfig = Config{ErrorRate: 100, ErrorBurst: 50}

// Protocol is the ICMP instance attached to one IP layer.
type Protocol struct {
	ip      *ip.Layer
	limiter *rate.Limiter
	stats   *Stats
	log     *slog.Logger
	now     func() time.Time
}

// New creates the protocol, registers it for protocol number 1 and
// installs it as the layer's error reporter.
func New(cfg Config, l *ip.Layer) (*Protocol, error) {
	limit := rate.Inf
	if cfg.ErrorRate > 0 {
		limit = rate.Limit(cfg.ErrorRate)
	}
	burst := cfg.ErrorBurst
	if burst <= 0 {
		burst = 1
	}
	p := &Protocol{
		ip:      l,
		limiter: rate.NewLimiter(limit, burst),
		stats:   newStats(),
		log:     slog.Default().With("component", "icmp"),
		now:     time.Now,
	}
	if err := l.Register(core.ProtocolICMP, p); err != nil {
		return nil, err
	}
	l.SetErrorReporter(p)
	return p, nil
}

// Stats returns the ICMP counters.
func (p *Protocol) Stats() *Stats { return p.stats }

// ReportError sends an ICMP error about datagram m back to its source. No
// error is generated for non-first fragments, for ICMP errors, or for
// link or network broadcasts. m is not retained.
func (p *Protocol) ReportError(m *mbuf.Mbuf, typ, code uint8, extra uint32, ifp *netif.Interface) {
	if typ != header.ICMPRedirect {
		p.stats.Error.Inc()
	}
	plen := m.PktLen()
	if plen < header.IPv4MinHeaderLen {
		p.stats.OldShort.Inc()
		return
	}
	quote := make([]byte, min(plen, header.IPv4MaxHeaderLen+8))
	if err := mbuf.CopyData(m, 0, quote); err != nil {
		return
	}
	oip := header.IPv4(quote)
	ohlen := oip.HeaderLen()
	if ohlen < header.IPv4MinHeaderLen || ohlen > len(quote) {
		p.stats.OldShort.Inc()
		return
	}
	if oip.FragmentOffset() != 0 {
		return
	}
	if oip.Protocol() == core.ProtocolICMP && typ != header.ICMPRedirect &&
		len(quote) >= ohlen+header.ICMPMinLen && header.ICMPIsError(quote[ohlen]) {
		p.stats.OldICMP.Inc()
		return
	}
	src := oip.Src()
	if m.Flags()&(mbuf.FlagBcast|mbuf.FlagMcast) != 0 || core.IsWildcard(src) ||
		src.IsMulticast() || p.ip.Interfaces().IsBroadcast(src) {
		return
	}
	if !p.limiter.Allow() {
		p.stats.RateLimited.Inc()
		return
	}

	qlen := ohlen + max(0, min(8, int(oip.TotalLen())-ohlen, len(quote)-ohlen))
	icmplen := header.ICMPMinLen + qlen
	out, err := p.ip.Arena().GetHeader(mbuf.TypeHeader)
	if err != nil {
		return
	}
	out.Reserve(mbuf.LinkHeaderSpace)
	b := out.Extend(header.IPv4MinHeaderLen + icmplen)
	ic := header.ICMP(b[header.IPv4MinHeaderLen:])
	ic.SetTypeCode(typ, code)
	ic.SetRest(extra)
	copy(ic.Payload(), quote[:qlen])

	nip := header.IPv4(b)
	nip.Encode(&header.IPv4Fields{
		TotalLen: uint16(len(b)),
		Protocol: core.ProtocolICMP,
		Src:      oip.Dst(),
		Dst:      src,
	})
	p.stats.OutErrors.Inc()
	p.reflect(out, ifp)
}

// Input handles an ICMP message addressed to this host.
func (p *Protocol) Input(m *mbuf.Mbuf, hlen int) {
	ipHdr := header.IPv4(m.Data())
	icmplen := int(ipHdr.TotalLen()) - hlen
	if icmplen < header.ICMPMinLen {
		p.stats.TooShort.Inc()
		mbuf.FreeChain(m)
		return
	}
	if header.Fold(header.SumChain(m, hlen, icmplen, 0)) != 0 {
		p.stats.Checksum.Inc()
		mbuf.FreeChain(m)
		return
	}
	var err error
	if m, err = mbuf.Pullup(m, hlen+min(icmplen, header.ICMPMinLen+header.IPv4MaxHeaderLen+8)); err != nil {
		p.stats.TooShort.Inc()
		return
	}
	ipHdr = header.IPv4(m.Data())
	ic := header.ICMP(m.Data()[hlen:])
	rcvif := p.ip.Interfaces().ByIndex(m.Header().RcvIf)

	switch typ, code := ic.Type(), ic.Code(); typ {
	case header.ICMPUnreach, header.ICMPTimeExceeded, header.ICMPParamProb,
		header.ICMPSourceQuench, header.ICMPRedirect:
		cmd, ok := ip.ControlFromICMP(typ, code)
		if !ok {
			p.stats.BadCode.Inc()
			break
		}
		quoted := []byte(ic.Payload())
		if len(quoted) < header.IPv4MinHeaderLen+8 {
			p.stats.BadLen.Inc()
			break
		}
		oip := header.IPv4(quoted)
		ohlen := oip.HeaderLen()
		if ohlen < header.IPv4MinHeaderLen || len(quoted) < ohlen+8 {
			p.stats.BadLen.Inc()
			break
		}
		quoted = quoted[:ohlen+8]
		if typ == header.ICMPRedirect {
			p.redirect(cmd, oip.Dst(), ic.Gateway(), ipHdr.Src())
			break
		}
		p.stats.InErrors.Inc()
		p.ip.ControlInput(oip.Protocol(), cmd, oip.Dst(), append([]byte(nil), quoted...))

	case header.ICMPEcho:
		if m.Flags()&(mbuf.FlagBcast|mbuf.FlagMcast) != 0 {
			break
		}
		ic.SetTypeCode(header.ICMPEchoReply, 0)
		p.reflectInput(m, rcvif)
		return

	case header.ICMPTimestamp:
		if icmplen < header.ICMPMinLen+12 {
			p.stats.BadLen.Inc()
			break
		}
		ic.SetTypeCode(header.ICMPTimestampReply, 0)
		ts := ic.Payload()
		now := p.msSinceMidnight()
		binary.BigEndian.PutUint32(ts[4:8], now)
		binary.BigEndian.PutUint32(ts[8:12], now)
		p.reflectInput(m, rcvif)
		return

	case header.ICMPMaskReq:
		if icmplen < header.ICMPMaskLen || rcvif == nil {
			break
		}
		addrs := rcvif.Addresses()
		if len(addrs) == 0 {
			break
		}
		ic.SetTypeCode(header.ICMPMaskReply, 0)
		bits := addrs[0].Prefix.Bits()
		binary.BigEndian.PutUint32(ic.Payload()[:4], ^uint32(0)<<(32-bits))
		p.reflectInput(m, rcvif)
		return
	}
	mbuf.FreeChain(m)
}

// ControlInput is unused: ICMP is not the subject of ICMP errors.
func (p *Protocol) ControlInput(ip.Control, netip.Addr, []byte) {}

func (p *Protocol) redirect(cmd ip.Control, dst, gateway, from netip.Addr) {
	routes := p.ip.Routes()
	if err := routes.Redirect(dst, gateway, from, p.ip.Interfaces()); err != nil {
		p.log.Debug("redirect ignored", "dst", dst, "gateway", gateway, "from", from, "error", err)
		return
	}
	p.stats.Redirects.Inc()
	p.ip.ControlAll(cmd, dst)
}

// reflectInput turns received message m around in place.
func (p *Protocol) reflectInput(m *mbuf.Mbuf, ifp *netif.Interface) {
	ip.StripOptions(m)
	h := header.IPv4(m.Data())
	src, dst := h.Src(), h.Dst()
	if !p.ip.Interfaces().IsLocal(dst) {
		dst = netip.Addr{}
	}
	h.SetDst(src)
	h.SetSrc(core.Normalize(dst))
	h.SetTTL(0)
	h.SetTOS(0)
	h.SetFlagsOffset(0)
	p.stats.Reflect.Inc()
	p.reflect(m, ifp)
}

// reflect chooses a source address when none is set, checksums the ICMP
// part and sends the datagram.
func (p *Protocol) reflect(m *mbuf.Mbuf, ifp *netif.Interface) {
	h := header.IPv4(m.Data())
	if src := h.Src(); core.IsWildcard(src) || !p.ip.Interfaces().IsLocal(src) {
		h.SetSrc(netip.IPv4Unspecified())
		if ifp != nil {
			if a, ok := ifp.PrimaryAddr(); ok {
				h.SetSrc(a)
			}
		}
	}
	hlen := h.HeaderLen()
	icmplen := int(h.TotalLen()) - hlen
	ic := header.ICMP(m.Data()[hlen:])
	ic.SetChecksum(0)
	ic.SetChecksum(header.Fold(header.SumChain(m, hlen, icmplen, 0)))
	if err := p.ip.Output(m, nil, nil, 0); err != nil {
		p.log.Debug("icmp output failed", "dst", h.Dst(), "error", err)
	}
}

func (p *Protocol) msSinceMidnight() uint32 {
	now := p.now().UTC()
	y, mo, d := now.Date()
	return uint32(now.Sub(time.Date(y, mo, d, 0, 0, 0, 0, time.UTC)).Milliseconds())
}
