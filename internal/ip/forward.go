package ip

import (
	"encoding/binary"
	"errors"
	"net/netip"

	"firestige.xyz/netstack/internal/core"
	"firestige.xyz/netstack/internal/header"
	"firestige.xyz/netstack/internal/mbuf"
	"firestige.xyz/netstack/internal/route"
)

// canForward rejects multicast, experimental, "this network" and loopback
// destinations.
func canForward(dst netip.Addr) bool {
	b := dst.As4()
	if dst.IsMulticast() || b[0] >= 240 || b[0] == 0 || b[0] == 127 {
		return false
	}
	return true
}

// forward relays a datagram not addressed to this host. srcrt is set when
// a source route option chose the next hop; no redirect is sent then.
func (l *Layer) forward(m *mbuf.Mbuf, srcrt bool) {
	ip := header.IPv4(m.Data())
	dst := ip.Dst()
	rcvif := l.ifaces.ByIndex(m.Header().RcvIf)
	if m.Flags()&(mbuf.FlagBcast|mbuf.FlagMcast) != 0 || !canForward(dst) {
		l.stats.CantForward.Inc()
		mbuf.FreeChain(m)
		return
	}
	if ip.TTL() <= 1 {
		l.ReportError(m, header.ICMPTimeExceeded, header.ICMPTimeExceededIntrans, 0, rcvif)
		mbuf.FreeChain(m)
		return
	}
	ip.SetTTL(ip.TTL() - 1)

	l.fwdMu.Lock()
	defer l.fwdMu.Unlock()
	if !l.fwdRoute.Valid(dst) {
		l.fwdRoute.Release()
		h, err := l.routes.Resolve(dst)
		if err != nil {
			l.stats.CantForward.Inc()
			l.ReportError(m, header.ICMPUnreach, header.ICMPUnreachHost, 0, rcvif)
			mbuf.FreeChain(m)
			return
		}
		l.fwdRoute.Set(dst, h)
	}
	e := l.fwdRoute.Entry()
	mtu := e.MTU()

	mcopy, _ := mbuf.Copy(m, 0, min(int(ip.TotalLen()), 64))

	var typ, code uint8
	var extra uint32
	if l.cfg.SendRedirects && !srcrt && rcvif != nil && e.Interface == rcvif &&
		e.Flags()&(route.FlagDynamic|route.FlagModified) == 0 && e.Destination.Bits() != 0 {
		src := ip.Src()
		for _, a := range rcvif.Addresses() {
			if a.Contains(src) {
				typ, code = header.ICMPRedirect, header.ICMPRedirectHost
				nh := e.NextHop(dst).As4()
				extra = binary.BigEndian.Uint32(nh[:])
				break
			}
		}
	}

	err := l.Output(m, nil, &l.fwdRoute, Forwarding)
	if err != nil {
		l.stats.CantForward.Inc()
	} else {
		l.stats.Forward.Inc()
		if typ == 0 {
			mbuf.FreeChain(mcopy)
			return
		}
		l.stats.RedirectSent.Inc()
	}
	if mcopy == nil {
		return
	}
	switch {
	case err == nil:
	case errors.Is(err, core.ErrMessageTooLarge):
		typ, code, extra = header.ICMPUnreach, header.ICMPUnreachNeedFrag, uint32(mtu)
		l.stats.CantFrag.Inc()
	case errors.Is(err, core.ErrNoBuffers):
		typ, code, extra = header.ICMPSourceQuench, 0, 0
	default:
		typ, code, extra = header.ICMPUnreach, header.ICMPUnreachHost, 0
	}
	l.ReportError(mcopy, typ, code, extra, rcvif)
	mbuf.FreeChain(mcopy)
}
