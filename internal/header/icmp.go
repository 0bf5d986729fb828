package header

import (
	"encoding/binary"
	"net/netip"
)

const (
	ICMPMinLen = 8
	// ICMPMaskLen is the length of an address mask message.
	ICMPMaskLen = 12
)

// ICMP types.
const (
	ICMPEchoReply      = 0
	ICMPUnreach        = 3
	ICMPSourceQuench   = 4
	ICMPRedirect       = 5
	ICMPEcho           = 8
	ICMPTimeExceeded   = 11
	ICMPParamProb      = 12
	ICMPTimestamp      = 13
	ICMPTimestampReply = 14
	ICMPMaskReq        = 17
	ICMPMaskReply      = 18
	ICMPMaxType        = 18
)

// ICMP unreachable codes.
const (
	ICMPUnreachNet          = 0
	ICMPUnreachHost         = 1
	ICMPUnreachProtocol     = 2
	ICMPUnreachPort         = 3
	ICMPUnreachNeedFrag     = 4
	ICMPUnreachSrcFail      = 5
	ICMPUnreachNetUnknown   = 6
	ICMPUnreachHostUnknown  = 7
	ICMPUnreachIsolated     = 8
	ICMPUnreachNetProhib    = 9
	ICMPUnreachHostProhib   = 10
	ICMPUnreachTOSNet       = 11
	ICMPUnreachTOSHost      = 12
	ICMPRedirectNet         = 0
	ICMPRedirectHost        = 1
	ICMPRedirectTOSNet      = 2
	ICMPRedirectTOSHost     = 3
	ICMPTimeExceededIntrans = 0
	ICMPTimeExceededReass   = 1
	ICMPParamProbPointer    = 0
	ICMPParamProbOptAbsent  = 1
)

// ICMPIsError reports whether t is an error message type.
func ICMPIsError(t uint8) bool {
	switch t {
	case ICMPUnreach, ICMPSourceQuench, ICMPRedirect, ICMPTimeExceeded, ICMPParamProb:
		return true
	}
	return false
}

// ICMP is a view over an ICMP message.
type ICMP []byte

// Type returns the message type.
func (b ICMP) Type() uint8 { return b[0] }

// Code returns the message code.
func (b ICMP) Code() uint8 { return b[1] }

// SetTypeCode writes type and code.
func (b ICMP) SetTypeCode(t, c uint8) { b[0], b[1] = t, c }

// Checksum returns the checksum field.
func (b ICMP) Checksum() uint16 { return binary.BigEndian.Uint16(b[2:4]) }

// SetChecksum writes the checksum field.
func (b ICMP) SetChecksum(v uint16) { binary.BigEndian.PutUint16(b[2:4], v) }

// Rest returns the four bytes following the checksum.
func (b ICMP) Rest() uint32 { return binary.BigEndian.Uint32(b[4:8]) }

// SetRest writes the four bytes following the checksum.
func (b ICMP) SetRest(v uint32) { binary.BigEndian.PutUint32(b[4:8], v) }

// Pointer returns the parameter-problem pointer.
func (b ICMP) Pointer() uint8 { return b[4] }

// Gateway returns the redirect gateway.
func (b ICMP) Gateway() netip.Addr { return netip.AddrFrom4([4]byte(b[4:8])) }

// NextHopMTU returns the MTU carried by a need-fragment unreachable.
func (b ICMP) NextHopMTU() uint16 { return binary.BigEndian.Uint16(b[6:8]) }

// Payload returns the bytes after the fixed eight-byte header.
func (b ICMP) Payload() []byte { return b[ICMPMinLen:] }
