package header

import "encoding/binary"

const (
	TCPMinHeaderLen = 20
	TCPMaxHeaderLen = 60

	TCPFlagFIN = 0x01
	TCPFlagSYN = 0x02
	TCPFlagRST = 0x04
	TCPFlagPSH = 0x08
	TCPFlagACK = 0x10
	TCPFlagURG = 0x20

	TCPOptEOL       = 0
	TCPOptNOP       = 1
	TCPOptMSS       = 2
	TCPOptWScale    = 3
	TCPOptTimestamp = 8

	TCPOptLenMSS       = 4
	TCPOptLenWScale    = 3
	TCPOptLenTimestamp = 10

	// TCPOptLenTSAppA is the aligned NOP,NOP,TS block of RFC 1323 appendix A.
	TCPOptLenTSAppA = 12

	TCPMaxWinShift = 14
	TCPMaxWin      = 65535
)

// TCP is a view over a TCP header.
type TCP []byte

// SrcPort returns the source port.
func (b TCP) SrcPort() uint16 { return binary.BigEndian.Uint16(b[0:2]) }

// DstPort returns the destination port.
func (b TCP) DstPort() uint16 { return binary.BigEndian.Uint16(b[2:4]) }

// Seq returns the sequence number.
func (b TCP) Seq() uint32 { return binary.BigEndian.Uint32(b[4:8]) }

// Ack returns the acknowledgment number.
func (b TCP) Ack() uint32 { return binary.BigEndian.Uint32(b[8:12]) }

// DataOffset returns the header length in bytes.
func (b TCP) DataOffset() int { return int(b[12]>>4) * 4 }

// Flags returns the control bits.
func (b TCP) Flags() uint8 { return b[13] & 0x3f }

// Window returns the unscaled window.
func (b TCP) Window() uint16 { return binary.BigEndian.Uint16(b[14:16]) }

// Checksum returns the checksum field.
func (b TCP) Checksum() uint16 { return binary.BigEndian.Uint16(b[16:18]) }

// SetChecksum writes the checksum field.
func (b TCP) SetChecksum(v uint16) { binary.BigEndian.PutUint16(b[16:18], v) }

// Urgent returns the urgent pointer.
func (b TCP) Urgent() uint16 { return binary.BigEndian.Uint16(b[18:20]) }

// Options returns the option bytes.
func (b TCP) Options() []byte { return b[TCPMinHeaderLen:b.DataOffset()] }

// TCPFields is used to write a fresh header.
type TCPFields struct {
	SrcPort    uint16
	DstPort    uint16
	Seq        uint32
	Ack        uint32
	DataOffset int
	Flags      uint8
	Window     uint16
	Urgent     uint16
}

// Encode writes f into b with a zero checksum. Options, if any, are written
// by the caller after the fixed header.
func (b TCP) Encode(f *TCPFields) {
	off := f.DataOffset
	if off == 0 {
		off = TCPMinHeaderLen
	}
	binary.BigEndian.PutUint16(b[0:2], f.SrcPort)
	binary.BigEndian.PutUint16(b[2:4], f.DstPort)
	binary.BigEndian.PutUint32(b[4:8], f.Seq)
	binary.BigEndian.PutUint32(b[8:12], f.Ack)
	b[12] = uint8(off/4) << 4
	b[13] = f.Flags
	binary.BigEndian.PutUint16(b[14:16], f.Window)
	binary.BigEndian.PutUint16(b[16:18], 0)
	binary.BigEndian.PutUint16(b[18:20], f.Urgent)
}

// TCPOptions holds the options recognised on input.
type TCPOptions struct {
	MSS    uint16
	HasMSS bool
	WScale uint8
	HasWS  bool
	TSVal  uint32
	TSEcr  uint32
	HasTS  bool
}

// ParseTCPOptions decodes opts. MSS and window scale are honoured only on
// SYN segments; malformed options end the parse.
func ParseTCPOptions(opts []byte, syn bool) TCPOptions {
	var o TCPOptions
	for len(opts) > 0 {
		kind := opts[0]
		if kind == TCPOptEOL {
			break
		}
		if kind == TCPOptNOP {
			opts = opts[1:]
			continue
		}
		if len(opts) < 2 {
			break
		}
		l := int(opts[1])
		if l < 2 || l > len(opts) {
			break
		}
		switch kind {
		case TCPOptMSS:
			if l == TCPOptLenMSS && syn {
				o.MSS = binary.BigEndian.Uint16(opts[2:4])
				o.HasMSS = true
			}
		case TCPOptWScale:
			if l == TCPOptLenWScale && syn {
				o.WScale = min(opts[2], TCPMaxWinShift)
				o.HasWS = true
			}
		case TCPOptTimestamp:
			if l == TCPOptLenTimestamp {
				o.TSVal = binary.BigEndian.Uint32(opts[2:6])
				o.TSEcr = binary.BigEndian.Uint32(opts[6:10])
				o.HasTS = true
			}
		}
		opts = opts[l:]
	}
	return o
}

// ParseTSAppA recognises the RFC 1323 appendix A timestamp layout used by
// the fast path.
func ParseTSAppA(opts []byte) (val, ecr uint32, ok bool) {
	if len(opts) != TCPOptLenTSAppA && !(len(opts) > TCPOptLenTSAppA && opts[TCPOptLenTSAppA] == TCPOptEOL) {
		return 0, 0, false
	}
	if opts[0] != TCPOptNOP || opts[1] != TCPOptNOP || opts[2] != TCPOptTimestamp || opts[3] != TCPOptLenTimestamp {
		return 0, 0, false
	}
	return binary.BigEndian.Uint32(opts[4:8]), binary.BigEndian.Uint32(opts[8:12]), true
}

// AppendMSS appends an MSS option.
func AppendMSS(b []byte, mss uint16) []byte {
	return append(b, TCPOptMSS, TCPOptLenMSS, byte(mss>>8), byte(mss))
}

// AppendWScale appends a NOP-padded window scale option.
func AppendWScale(b []byte, shift uint8) []byte {
	return append(b, TCPOptNOP, TCPOptWScale, TCPOptLenWScale, shift)
}

// AppendTimestamp appends the appendix A timestamp block.
func AppendTimestamp(b []byte, val, ecr uint32) []byte {
	b = append(b, TCPOptNOP, TCPOptNOP, TCPOptTimestamp, TCPOptLenTimestamp)
	b = binary.BigEndian.AppendUint32(b, val)
	return binary.BigEndian.AppendUint32(b, ecr)
}
