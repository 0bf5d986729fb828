package ip

import (
	"fmt"
	"net/netip"

	"firestige.xyz/netstack/internal/core"
	"firestige.xyz/netstack/internal/header"
	"firestige.xyz/netstack/internal/mbuf"
	"firestige.xyz/netstack/internal/netif"
	"firestige.xyz/netstack/internal/route"
)

// OutputFlags modify Output.
type OutputFlags uint8

const (
	// Forwarding marks a forwarded datagram whose header is final.
	Forwarding OutputFlags = 1 << iota
	// RawOutput marks a header built entirely by the caller.
	RawOutput
	// RouteToIf bypasses the route table and sends on the interface whose
	// subnet holds the destination.
	RouteToIf
	// AllowBroadcast permits broadcast destinations.
	AllowBroadcast
)

// Output transmits datagram m. The head node must start with a 20-byte IP
// header whose protocol, addresses, TTL, TOS and total length are filled
// in; opts are inserted after it. ro caches the route between calls and
// may be nil. Output owns m on every path.
func (l *Layer) Output(m *mbuf.Mbuf, opts []byte, ro *route.Cache, flags OutputFlags) error {
	var err error
	if len(opts) > 0 {
		if m, err = insertOptions(m, opts); err != nil {
			l.stats.ODropped.Inc()
			return err
		}
	}
	if m.Len() < header.IPv4MinHeaderLen {
		if m, err = mbuf.Pullup(m, header.IPv4MinHeaderLen); err != nil {
			l.stats.ODropped.Inc()
			return err
		}
	}
	ip := header.IPv4(m.Data())
	hlen := ip.HeaderLen()
	switch {
	case flags&RawOutput != 0:
		l.stats.RawOut.Inc()
	case flags&Forwarding == 0:
		hlen = header.IPv4MinHeaderLen + len(opts)
		ip.SetVersionHeaderLen(hlen)
		ip.SetFlagsOffset(ip.FlagsOffset() & header.IPv4FlagDF)
		ip.SetID(l.NextID())
		if ip.TTL() == 0 {
			ip.SetTTL(l.cfg.DefaultTTL)
		}
		l.stats.LocalOut.Inc()
	}

	dst := ip.Dst()
	if ro == nil {
		ro = &route.Cache{}
		defer ro.Release()
	}
	var (
		ifp     *netif.Interface
		nextHop netip.Addr
		mtu     int
	)
	if flags&RouteToIf != 0 {
		var ok bool
		if ifp, _, ok = l.ifaces.WithNet(dst); !ok {
			l.stats.NoRoute.Inc()
			mbuf.FreeChain(m)
			return fmt.Errorf("ip: no interface for %s: %w", dst, core.ErrNetworkUnreachable)
		}
		nextHop, mtu = dst, ifp.MTU()
	} else {
		if !ro.Valid(dst) {
			ro.Release()
			h, err := l.routes.Resolve(dst)
			if err != nil {
				l.stats.NoRoute.Inc()
				mbuf.FreeChain(m)
				return err
			}
			ro.Set(dst, h)
		}
		e := ro.Entry()
		ifp, nextHop, mtu = e.Interface, e.NextHop(dst), e.MTU()
	}
	if core.IsWildcard(ip.Src()) {
		if a, ok := ifp.PrimaryAddr(); ok {
			ip.SetSrc(a)
		}
	}

	total := int(ip.TotalLen())
	if ifp.IsBroadcast(dst) {
		switch {
		case ifp.Flags()&netif.FlagBroadcast == 0:
			err = fmt.Errorf("ip: %s cannot broadcast: %w", ifp.Name, core.ErrAddressNotAvailable)
		case flags&AllowBroadcast == 0:
			err = fmt.Errorf("ip: broadcast to %s: %w", dst, core.ErrPermissionDenied)
		case total > mtu:
			err = fmt.Errorf("ip: broadcast of %d bytes: %w", total, core.ErrMessageTooLarge)
		}
		if err != nil {
			mbuf.FreeChain(m)
			return err
		}
		m.SetFlags(mbuf.FlagBcast)
	}

	if total <= mtu {
		ip.SetChecksum(0)
		ip.SetChecksum(ip.ComputeChecksum())
		return ifp.Output(m, nextHop)
	}
	return l.fragment(m, hlen, ifp, nextHop, mtu)
}

// fragment splits m into fragments of at most mtu bytes and hands them to
// ifp as one packet chain.
func (l *Layer) fragment(m *mbuf.Mbuf, hlen int, ifp *netif.Interface, nextHop netip.Addr, mtu int) error {
	ip := header.IPv4(m.Data())
	if ip.DontFragment() {
		l.stats.CantFrag.Inc()
		mbuf.FreeChain(m)
		return fmt.Errorf("ip: %d bytes over mtu %d with DF: %w", ip.TotalLen(), mtu, core.ErrMessageTooLarge)
	}
	length := (mtu - hlen) &^ 7
	if length < 8 {
		mbuf.FreeChain(m)
		return fmt.Errorf("ip: mtu %d too small: %w", mtu, core.ErrMessageTooLarge)
	}
	total := int(ip.TotalLen())
	copied := copiedOptions(ip.Options())
	mhlen := header.IPv4MinHeaderLen + len(copied)
	origOff := ip.FlagsOffset() & header.IPv4OffsetMask
	origMF := ip.MoreFragments()

	last := m
	fail := func(err error) error {
		l.stats.ODropped.Inc()
		mbuf.FreePackets(m)
		return err
	}
	for off := hlen + length; off < total; off += length {
		n, err := l.arena.GetHeader(mbuf.TypeHeader)
		if err != nil {
			return fail(err)
		}
		last.SetNextPkt(n)
		last = n
		n.Reserve(mbuf.LinkHeaderSpace)
		hb := header.IPv4(n.Extend(mhlen))
		copy(hb[:header.IPv4MinHeaderLen], m.Data()[:header.IPv4MinHeaderLen])
		copy(hb[header.IPv4MinHeaderLen:], copied)
		hb.SetVersionHeaderLen(mhlen)
		plen := min(length, total-off)
		fo := origOff + uint16((off-hlen)>>3)
		if off+plen < total || origMF {
			fo |= header.IPv4FlagMF
		}
		hb.SetFlagsOffset(fo)
		hb.SetTotalLen(uint16(mhlen + plen))
		payload, err := mbuf.Copy(m, off, plen)
		if err != nil {
			return fail(err)
		}
		mbuf.Cat(n, payload)
		hb = header.IPv4(n.Data())
		hb.SetChecksum(0)
		hb.SetChecksum(hb.ComputeChecksum())
		l.stats.OFragments.Inc()
	}

	mbuf.TrimTail(m, total-(hlen+length))
	ip.SetTotalLen(uint16(hlen + length))
	ip.SetFlagsOffset(ip.FlagsOffset() | header.IPv4FlagMF)
	ip.SetChecksum(0)
	ip.SetChecksum(ip.ComputeChecksum())
	l.stats.OFragments.Inc()
	l.stats.Fragmented.Inc()

	return ifp.Output(m, nextHop)
}

// insertOptions places opts between the fixed header and the payload.
func insertOptions(m *mbuf.Mbuf, opts []byte) (*mbuf.Mbuf, error) {
	if len(opts)%4 != 0 || header.IPv4MinHeaderLen+len(opts) > header.IPv4MaxHeaderLen {
		mbuf.FreeChain(m)
		return nil, fmt.Errorf("ip: %d option bytes: %w", len(opts), core.ErrInvalidArgument)
	}
	optlen := len(opts)
	var err error
	if m, err = mbuf.Prepend(m, optlen); err != nil {
		return nil, err
	}
	if m, err = mbuf.Pullup(m, header.IPv4MinHeaderLen+optlen); err != nil {
		return nil, err
	}
	d := m.Data()
	copy(d[:header.IPv4MinHeaderLen], d[optlen:optlen+header.IPv4MinHeaderLen])
	copy(d[header.IPv4MinHeaderLen:], opts)
	ip := header.IPv4(d)
	ip.SetVersionHeaderLen(header.IPv4MinHeaderLen + optlen)
	ip.SetTotalLen(ip.TotalLen() + uint16(optlen))
	return m, nil
}
