package header

import (
	"encoding/binary"
	"net/netip"

	"firestige.xyz/netstack/internal/mbuf"
)

// Sum adds b to the running one's-complement sum, big-endian 16-bit words.
// An odd trailing byte is padded with zero.
func Sum(b []byte, initial uint32) uint32 {
	sum := initial
	for len(b) >= 2 {
		sum += uint32(binary.BigEndian.Uint16(b))
		b = b[2:]
	}
	if len(b) == 1 {
		sum += uint32(b[0]) << 8
	}
	return sum
}

// Fold reduces a running sum to the complemented 16-bit checksum.
func Fold(sum uint32) uint16 {
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}

// PseudoHeaderSum returns the running sum of the IPv4 pseudo header.
func PseudoHeaderSum(src, dst netip.Addr, proto uint8, length uint16) uint32 {
	s, d := src.As4(), dst.As4()
	sum := Sum(s[:], 0)
	sum = Sum(d[:], sum)
	sum += uint32(proto)
	sum += uint32(length)
	return sum
}

// SumChain adds n bytes of the chain starting at off to the running sum,
// keeping word alignment across node boundaries.
func SumChain(m *mbuf.Mbuf, off, n int, initial uint32) uint32 {
	sum := initial
	odd := false
	for ; m != nil && off >= m.Len(); m = m.Next() {
		off -= m.Len()
	}
	for ; m != nil && n > 0; m = m.Next() {
		d := m.Data()[off:]
		off = 0
		if len(d) > n {
			d = d[:n]
		}
		n -= len(d)
		if len(d) == 0 {
			continue
		}
		if odd {
			sum += uint32(d[0])
			d = d[1:]
			odd = false
		}
		sum = Sum(d, sum)
		if len(d)%2 == 1 {
			odd = true
		}
	}
	return sum
}
