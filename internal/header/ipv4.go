// Package header provides views over RFC 791/792/768/793/1323 wire headers
// and the Internet checksum.
package header

import (
	"encoding/binary"
	"net/netip"
)

const (
	IPv4MinHeaderLen = 20
	IPv4MaxHeaderLen = 60
	IPv4Version      = 4
	IPv4MaxPacket    = 65535
	IPv4MinMTU       = 68

	IPv4FlagDF     = 0x4000
	IPv4FlagMF     = 0x2000
	IPv4OffsetMask = 0x1fff

	DefaultTTL = 64
	MaxTTL     = 255
)

// IP option types and fields.
const (
	IPOptEOL  = 0
	IPOptNOP  = 1
	IPOptRR   = 7
	IPOptTS   = 68
	IPOptLSRR = 131
	IPOptSSRR = 137

	IPOptOptVal = 0 // offset of the option type
	IPOptOLen   = 1 // offset of the option length
	IPOptOffset = 2 // offset of the pointer field
	IPOptMinOff = 4 // minimum pointer value

	IPOptTSOnly    = 0 // timestamps only
	IPOptTSAddr    = 1 // address and timestamp pairs
	IPOptTSPrespec = 3 // prespecified addresses
)

// IPv4 is a view over an IPv4 header and whatever follows it.
type IPv4 []byte

// Version returns the version nibble.
func (b IPv4) Version() uint8 { return b[0] >> 4 }

// HeaderLen returns the header length in bytes, options included.
func (b IPv4) HeaderLen() int { return int(b[0]&0x0f) * 4 }

// SetVersionHeaderLen writes version 4 and the header length.
func (b IPv4) SetVersionHeaderLen(hlen int) { b[0] = IPv4Version<<4 | uint8(hlen/4) }

// TOS returns the type-of-service byte.
func (b IPv4) TOS() uint8 { return b[1] }

// SetTOS writes the type-of-service byte.
func (b IPv4) SetTOS(v uint8) { b[1] = v }

// TotalLen returns the total length field.
func (b IPv4) TotalLen() uint16 { return binary.BigEndian.Uint16(b[2:4]) }

// SetTotalLen writes the total length field.
func (b IPv4) SetTotalLen(v uint16) { binary.BigEndian.PutUint16(b[2:4], v) }

// ID returns the identification field.
func (b IPv4) ID() uint16 { return binary.BigEndian.Uint16(b[4:6]) }

// SetID writes the identification field.
func (b IPv4) SetID(v uint16) { binary.BigEndian.PutUint16(b[4:6], v) }

// FlagsOffset returns the raw flags and fragment offset field.
func (b IPv4) FlagsOffset() uint16 { return binary.BigEndian.Uint16(b[6:8]) }

// SetFlagsOffset writes the raw flags and fragment offset field.
func (b IPv4) SetFlagsOffset(v uint16) { binary.BigEndian.PutUint16(b[6:8], v) }

// FragmentOffset returns the fragment offset in bytes.
func (b IPv4) FragmentOffset() int { return int(b.FlagsOffset()&IPv4OffsetMask) << 3 }

// MoreFragments reports the MF flag.
func (b IPv4) MoreFragments() bool { return b.FlagsOffset()&IPv4FlagMF != 0 }

// DontFragment reports the DF flag.
func (b IPv4) DontFragment() bool { return b.FlagsOffset()&IPv4FlagDF != 0 }

// TTL returns the time-to-live.
func (b IPv4) TTL() uint8 { return b[8] }

// SetTTL writes the time-to-live.
func (b IPv4) SetTTL(v uint8) { b[8] = v }

// Protocol returns the upper-layer protocol number.
func (b IPv4) Protocol() uint8 { return b[9] }

// SetProtocol writes the upper-layer protocol number.
func (b IPv4) SetProtocol(v uint8) { b[9] = v }

// Checksum returns the header checksum field.
func (b IPv4) Checksum() uint16 { return binary.BigEndian.Uint16(b[10:12]) }

// SetChecksum writes the header checksum field.
func (b IPv4) SetChecksum(v uint16) { binary.BigEndian.PutUint16(b[10:12], v) }

// Src returns the source address.
func (b IPv4) Src() netip.Addr { return netip.AddrFrom4([4]byte(b[12:16])) }

// SetSrc writes the source address.
func (b IPv4) SetSrc(a netip.Addr) { a4 := a.As4(); copy(b[12:16], a4[:]) }

// Dst returns the destination address.
func (b IPv4) Dst() netip.Addr { return netip.AddrFrom4([4]byte(b[16:20])) }

// SetDst writes the destination address.
func (b IPv4) SetDst(a netip.Addr) { a4 := a.As4(); copy(b[16:20], a4[:]) }

// Options returns the option bytes between the fixed header and the payload.
func (b IPv4) Options() []byte { return b[IPv4MinHeaderLen:b.HeaderLen()] }

// ComputeChecksum returns the checksum the header should carry, treating the
// checksum field as zero.
func (b IPv4) ComputeChecksum() uint16 {
	hlen := b.HeaderLen()
	sum := Sum(b[:10], 0)
	sum = Sum(b[12:hlen], sum)
	return Fold(sum)
}

// ChecksumValid verifies the header checksum in place.
func (b IPv4) ChecksumValid() bool {
	return Fold(Sum(b[:b.HeaderLen()], 0)) == 0
}

// IPv4Fields is used to write a fresh header.
type IPv4Fields struct {
	HeaderLen   int
	TOS         uint8
	TotalLen    uint16
	ID          uint16
	FlagsOffset uint16
	TTL         uint8
	Protocol    uint8
	Src         netip.Addr
	Dst         netip.Addr
}

// Encode writes f into b and computes the checksum.
func (b IPv4) Encode(f *IPv4Fields) {
	hlen := f.HeaderLen
	if hlen == 0 {
		hlen = IPv4MinHeaderLen
	}
	b.SetVersionHeaderLen(hlen)
	b.SetTOS(f.TOS)
	b.SetTotalLen(f.TotalLen)
	b.SetID(f.ID)
	b.SetFlagsOffset(f.FlagsOffset)
	b.SetTTL(f.TTL)
	b.SetProtocol(f.Protocol)
	b.SetSrc(f.Src)
	b.SetDst(f.Dst)
	b.SetChecksum(0)
	b.SetChecksum(b.ComputeChecksum())
}
