package ip

import (
	"firestige.xyz/netstack/internal/header"
	"firestige.xyz/netstack/internal/mbuf"
	"firestige.xyz/netstack/internal/metrics"
	"firestige.xyz/netstack/internal/netif"
)

// Input processes one inbound datagram received on ifp. Malformed
// datagrams are counted and freed; nothing is returned to the caller.
func (l *Layer) Input(ifp *netif.Interface, m *mbuf.Mbuf) {
	l.stats.Total.Inc()
	if ifp != nil {
		ifp.Stats.InPackets.Add(1)
		ifp.Stats.InBytes.Add(uint64(m.PktLen()))
	}
	if m.Len() < header.IPv4MinHeaderLen {
		var err error
		if m, err = mbuf.Pullup(m, header.IPv4MinHeaderLen); err != nil {
			l.stats.TooSmall.Inc()
			return
		}
	}
	ip := header.IPv4(m.Data())
	if ip.Version() != header.IPv4Version {
		l.drop(m, l.stats.BadVers, "badvers", ifp)
		return
	}
	hlen := ip.HeaderLen()
	if hlen < header.IPv4MinHeaderLen {
		l.drop(m, l.stats.BadHLen, "badhlen", ifp)
		return
	}
	if hlen > m.Len() {
		var err error
		if m, err = mbuf.Pullup(m, hlen); err != nil {
			l.stats.BadHLen.Inc()
			return
		}
		ip = header.IPv4(m.Data())
	}
	if !ip.ChecksumValid() {
		l.drop(m, l.stats.BadSum, "badsum", ifp)
		return
	}
	total := int(ip.TotalLen())
	if total < hlen {
		l.drop(m, l.stats.BadLen, "badlen", ifp)
		return
	}
	if pkt := m.PktLen(); pkt < total {
		l.drop(m, l.stats.TooShort, "tooshort", ifp)
		return
	} else if pkt > total {
		mbuf.TrimTail(m, pkt-total)
	}

	if hlen > header.IPv4MinHeaderLen && l.doOptions(m, ifp) {
		return
	}

	dst := ip.Dst()
	ours := l.ifaces.IsLocal(dst) || (ifp != nil && ifp.IsBroadcast(dst)) || l.ifaces.IsBroadcast(dst)
	if !ours {
		if !l.forwarding() {
			l.drop(m, l.stats.CantForward, "cantforward", ifp)
			return
		}
		l.forward(m, false)
		return
	}
	if ifp != nil && ifp.IsBroadcast(dst) {
		m.SetFlags(mbuf.FlagBcast)
	}

	if ip.FlagsOffset()&(header.IPv4FlagMF|header.IPv4OffsetMask) != 0 {
		if m = l.reass.Process(m, hlen); m == nil {
			return
		}
		ip = header.IPv4(m.Data())
		hlen = ip.HeaderLen()
	}
	l.deliver(m, hlen, ifp)
}

func (l *Layer) deliver(m *mbuf.Mbuf, hlen int, ifp *netif.Interface) {
	ip := header.IPv4(m.Data())
	p := l.protocol(ip.Protocol())
	if p == nil {
		l.stats.NoProto.Inc()
		if m.Flags()&(mbuf.FlagBcast|mbuf.FlagMcast) == 0 {
			l.ReportError(m, header.ICMPUnreach, header.ICMPUnreachProtocol, 0, ifp)
		}
		mbuf.FreeChain(m)
		return
	}
	l.stats.Delivered.Inc()
	p.Input(m, hlen)
}

func (l *Layer) drop(m *mbuf.Mbuf, c *metrics.Counter, reason string, ifp *netif.Interface) {
	c.Inc()
	if ifp != nil {
		ifp.Stats.InErrors.Add(1)
		l.log.Debug("ip input drop", "reason", reason, "iface", ifp.Name)
	}
	mbuf.FreeChain(m)
}

// StripOptions removes IP options from a datagram whose header is
// contiguous in the head node, leaving a minimal header.
func StripOptions(m *mbuf.Mbuf) {
	ip := header.IPv4(m.Data())
	hlen := ip.HeaderLen()
	olen := hlen - header.IPv4MinHeaderLen
	if olen <= 0 {
		return
	}
	d := m.Data()
	copy(d[olen:hlen], d[:header.IPv4MinHeaderLen])
	mbuf.TrimHead(m, olen)
	ip = header.IPv4(m.Data())
	ip.SetVersionHeaderLen(header.IPv4MinHeaderLen)
	ip.SetTotalLen(ip.TotalLen() - uint16(olen))
}
