package ip

import (
	"encoding/binary"
	"net/netip"
	"time"

	"firestige.xyz/netstack/internal/header"
	"firestige.xyz/netstack/internal/mbuf"
	"firestige.xyz/netstack/internal/netif"
)

// doOptions processes the options of an inbound datagram. It reports true
// when the datagram was consumed: forwarded along a source route or
// dropped with a parameter problem or unreachable error.
func (l *Layer) doOptions(m *mbuf.Mbuf, ifp *netif.Interface) bool {
	ip := header.IPv4(m.Data())
	opts := ip.Options()
	base := header.IPv4MinHeaderLen
	forward := false
	var pptr uint8 // parameter problem pointer
	bad := func(t, c uint8) bool {
		l.ReportError(m, t, c, uint32(pptr)<<24, ifp)
		l.stats.BadOptions.Inc()
		mbuf.FreeChain(m)
		return true
	}

	for i := 0; i < len(opts); {
		opt := opts[i]
		if opt == header.IPOptEOL {
			break
		}
		if opt == header.IPOptNOP {
			i++
			continue
		}
		if i+1 >= len(opts) {
			pptr = uint8(base + i)
			return bad(header.ICMPParamProb, 0)
		}
		optlen := int(opts[i+header.IPOptOLen])
		if optlen < 2 || i+optlen > len(opts) {
			pptr = uint8(base + i + header.IPOptOLen)
			return bad(header.ICMPParamProb, 0)
		}
		cp := opts[i : i+optlen]

		switch opt {
		case header.IPOptLSRR, header.IPOptSSRR:
			if optlen < 3 || cp[header.IPOptOffset] < header.IPOptMinOff {
				pptr = uint8(base + i + header.IPOptOffset)
				return bad(header.ICMPParamProb, 0)
			}
			if !l.ifaces.IsLocal(ip.Dst()) {
				if opt == header.IPOptSSRR {
					return l.optUnreach(m, header.ICMPUnreach, header.ICMPUnreachSrcFail, ifp)
				}
				// Loose route not yet at us: ordinary forwarding applies.
				break
			}
			off := int(cp[header.IPOptOffset]) - 1
			if off > optlen-4 {
				// End of the source route; the datagram is for us.
				break
			}
			next := netip.AddrFrom4([4]byte(cp[off : off+4]))
			var out netip.Addr
			if opt == header.IPOptSSRR {
				if nifp, a, ok := l.ifaces.WithNet(next); ok && nifp != nil {
					out = a.Addr()
				}
			} else {
				out = l.routeAddr(next)
			}
			if !out.IsValid() {
				return l.optUnreach(m, header.ICMPUnreach, header.ICMPUnreachSrcFail, ifp)
			}
			ip.SetDst(next)
			o4 := out.As4()
			copy(cp[off:off+4], o4[:])
			cp[header.IPOptOffset] += 4
			forward = !next.IsMulticast()

		case header.IPOptRR:
			if optlen < 3 || cp[header.IPOptOffset] < header.IPOptMinOff {
				pptr = uint8(base + i + header.IPOptOffset)
				return bad(header.ICMPParamProb, 0)
			}
			off := int(cp[header.IPOptOffset]) - 1
			if off > optlen-4 {
				break
			}
			out := ip.Dst()
			if !l.ifaces.IsLocal(out) {
				out = l.routeAddr(out)
			}
			if !out.IsValid() {
				return l.optUnreach(m, header.ICMPUnreach, header.ICMPUnreachHost, ifp)
			}
			o4 := out.As4()
			copy(cp[off:off+4], o4[:])
			cp[header.IPOptOffset] += 4

		case header.IPOptTS:
			pptr = uint8(base + i)
			if optlen < 5 {
				return bad(header.ICMPParamProb, 0)
			}
			ptr := int(cp[2])
			if ptr > optlen-3 {
				oflw := cp[3]>>4 + 1
				if oflw > 15 {
					return bad(header.ICMPParamProb, 0)
				}
				cp[3] = oflw<<4 | cp[3]&0x0f
				break
			}
			stamp := true
			switch cp[3] & 0x0f {
			case header.IPOptTSOnly:
			case header.IPOptTSAddr, header.IPOptTSPrespec:
				if ptr+7 > optlen {
					return bad(header.ICMPParamProb, 0)
				}
				if cp[3]&0x0f == header.IPOptTSAddr {
					a := netip.IPv4Unspecified()
					if ifp != nil {
						if pa, ok := ifp.PrimaryAddr(); ok {
							a = pa
						}
					}
					a4 := a.As4()
					copy(cp[ptr-1:ptr+3], a4[:])
				} else if !l.ifaces.IsLocal(netip.AddrFrom4([4]byte(cp[ptr-1 : ptr+3]))) {
					stamp = false
					break
				}
				ptr += 4
			default:
				return bad(header.ICMPParamProb, 0)
			}
			if stamp {
				binary.BigEndian.PutUint32(cp[ptr-1:ptr+3], ipTime())
				cp[2] = uint8(ptr + 4)
			}
		}
		i += optlen
	}
	ip.SetChecksum(0)
	ip.SetChecksum(ip.ComputeChecksum())
	if forward {
		l.forward(m, true)
		return true
	}
	return false
}

func (l *Layer) optUnreach(m *mbuf.Mbuf, typ, code uint8, ifp *netif.Interface) bool {
	l.ReportError(m, typ, code, 0, ifp)
	l.stats.BadOptions.Inc()
	mbuf.FreeChain(m)
	return true
}

// routeAddr returns the address of the interface used to reach dst.
func (l *Layer) routeAddr(dst netip.Addr) netip.Addr {
	e := l.routes.Lookup(dst)
	if e == nil {
		return netip.Addr{}
	}
	a, _ := e.Interface.PrimaryAddr()
	return a
}

// ipTime returns milliseconds since midnight UT.
func ipTime() uint32 {
	now := time.Now().UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return uint32(now.Sub(midnight).Milliseconds())
}

// copiedOptions returns the options of hdr that must be repeated in every
// fragment after the first, padded to a multiple of four.
func copiedOptions(opts []byte) []byte {
	var out []byte
	for i := 0; i < len(opts); {
		opt := opts[i]
		if opt == header.IPOptEOL {
			break
		}
		if opt == header.IPOptNOP {
			out = append(out, opt)
			i++
			continue
		}
		if i+1 >= len(opts) {
			break
		}
		optlen := int(opts[i+1])
		if optlen < 2 || i+optlen > len(opts) {
			break
		}
		if opt&0x80 != 0 {
			out = append(out, opts[i:i+optlen]...)
		}
		i += optlen
	}
	for len(out)%4 != 0 {
		out = append(out, header.IPOptEOL)
	}
	return out
}
